// Package config loads inboxsync settings from a YAML file with INBOXSYNC_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	EnvPrefix      = "INBOXSYNC"
	configFileName = "config.yaml"
	redacted       = "[redacted]"
)

var ErrInvalidConfig = errors.New("invalid config")

type LogConfig struct {
	File       string `mapstructure:"file"`
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
}

type PropertiesConfig struct {
	Title       string `mapstructure:"title"`
	Tags        string `mapstructure:"tags"`
	Status      string `mapstructure:"status"`
	StatusKind  string `mapstructure:"status_kind"`
	Fingerprint string `mapstructure:"fingerprint"`
	Content     string `mapstructure:"content"`
	Project     string `mapstructure:"project"`
	Captured    string `mapstructure:"captured"`
}

type NotionConfig struct {
	Token             string           `mapstructure:"token"`
	BaseURL           string           `mapstructure:"base_url"`
	APIVersion        string           `mapstructure:"api_version"`
	DefaultDatabaseID string           `mapstructure:"default_database_id"`
	MaxAttempts       int              `mapstructure:"max_attempts"`
	BaseDelay         time.Duration    `mapstructure:"base_delay"`
	MaxDelay          time.Duration    `mapstructure:"max_delay"`
	RequestTimeout    time.Duration    `mapstructure:"request_timeout"`
	RequestsPerSecond float64          `mapstructure:"requests_per_second"`
	Properties        PropertiesConfig `mapstructure:"properties"`
}

type ClassifierConfig struct {
	Provider        string        `mapstructure:"provider"`
	AnthropicAPIKey string        `mapstructure:"anthropic_api_key"`
	AnthropicModel  string        `mapstructure:"anthropic_model"`
	OpenAIAPIKey    string        `mapstructure:"openai_api_key"`
	OpenAIModel     string        `mapstructure:"openai_model"`
	OpenAIBaseURL   string        `mapstructure:"openai_base_url"`
	Properties      []string      `mapstructure:"properties"`
	MaxCallsPerRun  int           `mapstructure:"max_calls_per_run"`
	CallsPerMinute  int           `mapstructure:"calls_per_minute"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

type SyncConfig struct {
	Concurrency int           `mapstructure:"concurrency"`
	ItemTimeout time.Duration `mapstructure:"item_timeout"`
	RunTimeout  time.Duration `mapstructure:"run_timeout"`
}

type WatchConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	Interval       time.Duration `mapstructure:"interval"`
	IntervalJitter float64       `mapstructure:"interval_jitter"`
	// Reverse also pulls remote metadata after each forward run.
	Reverse bool `mapstructure:"reverse"`
}

type ServeConfig struct {
	Addr               string `mapstructure:"addr"`
	RateLimitPerMinute int    `mapstructure:"rate_limit_per_minute"`
}

type Config struct {
	DataDir    string           `mapstructure:"data_dir"`
	LedgerDSN  string           `mapstructure:"ledger_dsn"`
	Log        LogConfig        `mapstructure:"log"`
	Notion     NotionConfig     `mapstructure:"notion"`
	Classifier ClassifierConfig `mapstructure:"classifier"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Watch      WatchConfig      `mapstructure:"watch"`
	Serve      ServeConfig      `mapstructure:"serve"`

	// File is the config file that was read, empty when none existed.
	File string `mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())
	v.SetDefault("ledger_dsn", "")

	v.SetDefault("log.file", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("log.max_size_mb", 20)
	v.SetDefault("log.max_backups", 3)

	v.SetDefault("notion.token", "")
	v.SetDefault("notion.base_url", "https://api.notion.com")
	v.SetDefault("notion.api_version", "2022-06-28")
	v.SetDefault("notion.default_database_id", "")
	v.SetDefault("notion.max_attempts", 5)
	v.SetDefault("notion.base_delay", 100*time.Millisecond)
	v.SetDefault("notion.max_delay", 2*time.Second)
	v.SetDefault("notion.request_timeout", 20*time.Second)
	v.SetDefault("notion.requests_per_second", 3.0)
	v.SetDefault("notion.properties.title", "Name")
	v.SetDefault("notion.properties.tags", "Tags")
	v.SetDefault("notion.properties.status", "Status")
	v.SetDefault("notion.properties.status_kind", "select")
	v.SetDefault("notion.properties.fingerprint", "Fingerprint")
	v.SetDefault("notion.properties.content", "Content")
	v.SetDefault("notion.properties.project", "Project")
	v.SetDefault("notion.properties.captured", "Captured")

	v.SetDefault("classifier.provider", "none")
	v.SetDefault("classifier.anthropic_api_key", "")
	v.SetDefault("classifier.anthropic_model", "")
	v.SetDefault("classifier.openai_api_key", "")
	v.SetDefault("classifier.openai_model", "")
	v.SetDefault("classifier.openai_base_url", "")
	v.SetDefault("classifier.properties", []string{})
	v.SetDefault("classifier.max_calls_per_run", 0)
	v.SetDefault("classifier.calls_per_minute", 0)
	v.SetDefault("classifier.timeout", 20*time.Second)

	v.SetDefault("sync.concurrency", 4)
	v.SetDefault("sync.item_timeout", 2*time.Minute)
	v.SetDefault("sync.run_timeout", 0)

	v.SetDefault("watch.debounce", 500*time.Millisecond)
	v.SetDefault("watch.interval", 5*time.Minute)
	v.SetDefault("watch.interval_jitter", 0.2)
	v.SetDefault("watch.reverse", false)

	v.SetDefault("serve.addr", "127.0.0.1:8080")
	v.SetDefault("serve.rate_limit_per_minute", 30)
}

func defaultDataDir() string {
	if dir := strings.TrimSpace(os.Getenv(EnvPrefix + "_DATA_DIR")); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return ".inboxsync"
	}
	return filepath.Join(home, ".inboxsync")
}

// Load reads path, or <data_dir>/config.yaml when path is empty. Only an
// explicitly named file has to exist.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetConfigType("yaml")

	path = strings.TrimSpace(path)
	explicit := path != ""
	if !explicit {
		path = filepath.Join(v.GetString("data_dir"), configFileName)
	}
	v.SetConfigFile(path)
	file := path
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		switch {
		case !explicit && (errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)):
			file = ""
		default:
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	cfg.File = file
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.DataDir = strings.TrimSpace(c.DataDir)
	c.LedgerDSN = strings.TrimSpace(c.LedgerDSN)
	c.Notion.Token = strings.TrimSpace(c.Notion.Token)
	c.Notion.BaseURL = strings.TrimRight(strings.TrimSpace(c.Notion.BaseURL), "/")
	c.Classifier.Provider = strings.ToLower(strings.TrimSpace(c.Classifier.Provider))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Serve.Addr = strings.TrimSpace(c.Serve.Addr)
}

// Validate reports the first setting that cannot work. A missing token is
// not an error here; commands that talk to the workspace check it.
func (c Config) Validate() error {
	switch {
	case c.DataDir == "":
		return fmt.Errorf("%w: data_dir is required", ErrInvalidConfig)
	case c.Notion.BaseURL == "":
		return fmt.Errorf("%w: notion.base_url is required", ErrInvalidConfig)
	case c.Notion.MaxAttempts < 1:
		return fmt.Errorf("%w: notion.max_attempts must be at least 1", ErrInvalidConfig)
	case c.Notion.RequestsPerSecond < 0:
		return fmt.Errorf("%w: notion.requests_per_second must not be negative", ErrInvalidConfig)
	case c.Notion.Properties.StatusKind != "select" && c.Notion.Properties.StatusKind != "status":
		return fmt.Errorf("%w: notion.properties.status_kind must be select or status", ErrInvalidConfig)
	case c.Sync.Concurrency < 1:
		return fmt.Errorf("%w: sync.concurrency must be at least 1", ErrInvalidConfig)
	case c.Watch.IntervalJitter < 0 || c.Watch.IntervalJitter > 1:
		return fmt.Errorf("%w: watch.interval_jitter must be between 0 and 1", ErrInvalidConfig)
	case c.Serve.RateLimitPerMinute < 0:
		return fmt.Errorf("%w: serve.rate_limit_per_minute must not be negative", ErrInvalidConfig)
	case c.Classifier.MaxCallsPerRun < 0 || c.Classifier.CallsPerMinute < 0:
		return fmt.Errorf("%w: classifier budgets must not be negative", ErrInvalidConfig)
	}
	switch c.Classifier.Provider {
	case "", "none", "passthrough":
	case "anthropic", "claude":
		if strings.TrimSpace(c.Classifier.AnthropicAPIKey) == "" {
			return fmt.Errorf("%w: classifier.anthropic_api_key is required for provider %s", ErrInvalidConfig, c.Classifier.Provider)
		}
	case "openai":
		if strings.TrimSpace(c.Classifier.OpenAIAPIKey) == "" {
			return fmt.Errorf("%w: classifier.openai_api_key is required for provider openai", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown classifier.provider %q", ErrInvalidConfig, c.Classifier.Provider)
	}
	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: unknown log.level %q", ErrInvalidConfig, c.Log.Level)
	}
	return nil
}

// StoreRoot is where projects.yaml and the project inboxes live.
func (c Config) StoreRoot() string {
	return c.DataDir
}

// ResolvedLedgerDSN falls back to a file ledger under the data directory.
func (c Config) ResolvedLedgerDSN() string {
	if c.LedgerDSN != "" {
		return c.LedgerDSN
	}
	return filepath.Join(c.DataDir, "ledger")
}

// ResolvedLogFile returns the rotating log file path; empty disables it.
func (c Config) ResolvedLogFile() string {
	file := strings.TrimSpace(c.Log.File)
	if file == "" || file == "-" {
		return ""
	}
	if filepath.IsAbs(file) {
		return file
	}
	return filepath.Join(c.DataDir, file)
}

func (c Config) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("data_dir", c.DataDir),
		slog.String("ledger_dsn", redactDSN(c.ResolvedLedgerDSN())),
		slog.String("config_file", c.File),
		slog.String("notion_base_url", c.Notion.BaseURL),
		slog.String("notion_token", redact(c.Notion.Token)),
		slog.String("default_database_id", c.Notion.DefaultDatabaseID),
		slog.String("classifier", c.Classifier.Provider),
		slog.String("anthropic_api_key", redact(c.Classifier.AnthropicAPIKey)),
		slog.String("openai_api_key", redact(c.Classifier.OpenAIAPIKey)),
		slog.Int("concurrency", c.Sync.Concurrency),
	)
}

func redact(secret string) string {
	if strings.TrimSpace(secret) == "" {
		return ""
	}
	return redacted
}

// redactDSN hides the password of a connection URL.
func redactDSN(dsn string) string {
	scheme, rest, ok := strings.Cut(dsn, "://")
	if !ok {
		return dsn
	}
	userinfo, host, ok := strings.Cut(rest, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(userinfo, ":")
	if !hasPassword {
		return dsn
	}
	return scheme + "://" + user + ":" + redacted + "@" + host
}
