// Command inboxsync pushes per-project inbox items into Notion databases and
// pulls workflow metadata back.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/inboxsync/internal/classify"
	"github.com/agentworkforce/inboxsync/internal/config"
	"github.com/agentworkforce/inboxsync/internal/inbox"
	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/logging"
	"github.com/agentworkforce/inboxsync/internal/notion"
	"github.com/agentworkforce/inboxsync/internal/syncengine"
)

const version = "0.3.0"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootFlags struct {
	configFile string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	root := &cobra.Command{
		Use:           "inboxsync",
		Short:         "Sync project inboxes with Notion databases",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&flags.configFile, "config", "", "config file (default: <data_dir>/config.yaml)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "override log.level")

	root.AddCommand(
		newRunCmd(flags),
		newReverseCmd(flags),
		newStatsCmd(flags),
		newDatabasesCmd(flags),
		newWatchCmd(flags),
		newServeCmd(flags),
	)
	return root
}

// app holds everything one command invocation needs.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	closeLog func() error
	store    *inbox.FileStore
	ledger   *ledger.Ledger
	gate     *syncengine.ProjectGate
	client   *notion.Client
}

func openApp(cmd *cobra.Command, flags *rootFlags) (*app, error) {
	cfg, err := config.Load(flags.configFile)
	if err != nil {
		return nil, err
	}
	if level := strings.TrimSpace(flags.logLevel); level != "" {
		cfg.Log.Level = level
	}
	logger, closeLog, err := logging.New(logging.Options{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		File:       cfg.ResolvedLogFile(),
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		Stderr:     cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, err
	}
	logger.Debug("config loaded", "config", cfg)

	store, err := inbox.NewFileStore(cfg.StoreRoot())
	if err != nil {
		_ = closeLog()
		return nil, err
	}
	backend, err := ledger.BuildBackendFromDSN(cfg.ResolvedLedgerDSN())
	if err != nil {
		_ = closeLog()
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &app{
		cfg:      cfg,
		logger:   logger,
		closeLog: closeLog,
		store:    store,
		ledger:   ledger.New(backend, ledger.Options{}),
		gate:     syncengine.NewProjectGate(),
	}, nil
}

func (a *app) Close() error {
	err := a.ledger.Close()
	if closeErr := a.closeLog(); err == nil {
		err = closeErr
	}
	return err
}

func (a *app) notionClient() (*notion.Client, error) {
	if a.client != nil {
		return a.client, nil
	}
	if a.cfg.Notion.Token == "" {
		return nil, errors.New("notion token is required (notion.token or INBOXSYNC_NOTION_TOKEN)")
	}
	props := a.cfg.Notion.Properties
	a.client = notion.NewClient(notion.Options{
		BaseURL:           a.cfg.Notion.BaseURL,
		TokenProvider:     notion.StaticToken(a.cfg.Notion.Token),
		APIVersion:        a.cfg.Notion.APIVersion,
		UserAgent:         "inboxsync/" + version,
		MaxAttempts:       a.cfg.Notion.MaxAttempts,
		BaseDelay:         a.cfg.Notion.BaseDelay,
		MaxDelay:          a.cfg.Notion.MaxDelay,
		RequestTimeout:    a.cfg.Notion.RequestTimeout,
		RequestsPerSecond: a.cfg.Notion.RequestsPerSecond,
		Properties: notion.PropertyNames{
			Title:       props.Title,
			Tags:        props.Tags,
			Status:      props.Status,
			Fingerprint: props.Fingerprint,
			Content:     props.Content,
			Project:     props.Project,
			Captured:    props.Captured,
			StatusKind:  props.StatusKind,
		},
		Logger: a.logger,
	})
	return a.client, nil
}

func (a *app) classifier() (*classify.Classifier, error) {
	c := a.cfg.Classifier
	provider, err := classify.NewProvider(c.Provider,
		classify.AnthropicOptions{APIKey: c.AnthropicAPIKey, Model: c.AnthropicModel, Properties: c.Properties},
		classify.OpenAIOptions{APIKey: c.OpenAIAPIKey, Model: c.OpenAIModel, BaseURL: c.OpenAIBaseURL, Properties: c.Properties},
	)
	if err != nil {
		return nil, err
	}
	return classify.New(classify.Options{
		Provider:       provider,
		MaxCallsPerRun: c.MaxCallsPerRun,
		CallsPerMinute: c.CallsPerMinute,
		Timeout:        c.Timeout,
		Properties:     c.Properties,
		Logger:         a.logger,
	}), nil
}

func (a *app) processor() (*syncengine.Processor, error) {
	client, err := a.notionClient()
	if err != nil {
		return nil, err
	}
	classifier, err := a.classifier()
	if err != nil {
		return nil, err
	}
	return syncengine.NewProcessor(syncengine.Options{
		Store:             a.store,
		Ledger:            a.ledger,
		Workspace:         client,
		Classifier:        classifier,
		DefaultDatabaseID: a.cfg.Notion.DefaultDatabaseID,
		Concurrency:       a.cfg.Sync.Concurrency,
		ItemTimeout:       a.cfg.Sync.ItemTimeout,
		Gate:              a.gate,
		Logger:            a.logger,
	})
}

func (a *app) reverser() (*syncengine.ReverseSyncer, error) {
	client, err := a.notionClient()
	if err != nil {
		return nil, err
	}
	return syncengine.NewReverseSyncer(syncengine.ReverseOptions{
		Store:             a.store,
		Ledger:            a.ledger,
		Pages:             syncengine.NotionPages(client),
		DefaultDatabaseID: a.cfg.Notion.DefaultDatabaseID,
		Gate:              a.gate,
		Logger:            a.logger,
	})
}

// withApp opens the app for one command and always closes it.
func withApp(flags *rootFlags, fn func(cmd *cobra.Command, a *app) error) func(cmd *cobra.Command, args []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		a, err := openApp(cmd, flags)
		if err != nil {
			return err
		}
		defer func() {
			if err := a.Close(); err != nil {
				a.logger.Warn("close failed", "error", err)
			}
		}()
		return fn(cmd, a)
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
