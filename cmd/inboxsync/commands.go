package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/inboxsync/internal/ledger"
	"github.com/agentworkforce/inboxsync/internal/syncengine"
)

func newRunCmd(flags *rootFlags) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Push new inbox items to their project databases",
		Long: `Run scans every enabled project, or only --project, and creates or
updates one page per inbox item that is not yet recorded as synced.

The result of each project is printed as JSON. The command fails when any
project did not finish cleanly.`,
		Args: cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			p, err := a.processor()
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd.Context(), a)
			defer cancel()
			results, err := p.Run(ctx, project)
			if err != nil {
				return err
			}
			if err := writeJSON(cmd.OutOrStdout(), results); err != nil {
				return err
			}
			return incompleteRuns(results)
		}),
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only sync this project")
	return cmd
}

func newReverseCmd(flags *rootFlags) *cobra.Command {
	var project string
	cmd := &cobra.Command{
		Use:   "reverse",
		Short: "Pull status, title, tags and properties back from Notion",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			r, err := a.reverser()
			if err != nil {
				return err
			}
			ctx, cancel := runContext(cmd.Context(), a)
			defer cancel()
			result, err := r.Reverse(ctx, project)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), result)
		}),
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "project to pull")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newStatsCmd(flags *rootFlags) *cobra.Command {
	var (
		project string
		refresh bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show ledger counters per project",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			ids := []string{project}
			if project == "" {
				projects, err := a.store.ReadProjects(cmd.Context())
				if err != nil {
					return err
				}
				ids = ids[:0]
				for _, p := range projects {
					ids = append(ids, p.ID)
				}
			}
			out := make([]ledger.Stats, 0, len(ids))
			for _, id := range ids {
				var (
					stats ledger.Stats
					err   error
				)
				if refresh {
					stats, err = a.ledger.RefreshStats(cmd.Context(), id)
				} else {
					stats, err = a.ledger.StatsFor(cmd.Context(), id)
				}
				if err != nil {
					return fmt.Errorf("stats for %s: %w", id, err)
				}
				out = append(out, stats)
			}
			return writeJSON(cmd.OutOrStdout(), out)
		}),
	}
	cmd.Flags().StringVarP(&project, "project", "p", "", "only this project")
	cmd.Flags().BoolVar(&refresh, "refresh", false, "recompute instead of using cached counters")
	return cmd
}

func newDatabasesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "databases",
		Short: "List databases the integration token can see",
		Args:  cobra.NoArgs,
		RunE: withApp(flags, func(cmd *cobra.Command, a *app) error {
			client, err := a.notionClient()
			if err != nil {
				return err
			}
			databases, err := client.ListDatabases(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), databases)
		}),
	}
}

func runContext(parent context.Context, a *app) (context.Context, context.CancelFunc) {
	if a.cfg.Sync.RunTimeout > 0 {
		return context.WithTimeout(parent, a.cfg.Sync.RunTimeout)
	}
	return context.WithCancel(parent)
}

func incompleteRuns(results []syncengine.RunResult) error {
	var bad []string
	for _, result := range results {
		if result.Status != syncengine.StatusOK {
			bad = append(bad, fmt.Sprintf("%s=%s", result.ProjectID, result.Status))
		}
	}
	if len(bad) == 0 {
		return nil
	}
	return fmt.Errorf("%d project(s) did not complete: %v", len(bad), bad)
}
