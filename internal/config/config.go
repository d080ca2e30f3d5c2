// Package config loads and validates service configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/JakeFAU/site-analyzer/internal/accounts"
	"github.com/JakeFAU/site-analyzer/internal/fetch"
	collyfetcher "github.com/JakeFAU/site-analyzer/internal/fetcher/colly"
	"github.com/JakeFAU/site-analyzer/internal/fetcher/headless"
	"github.com/JakeFAU/site-analyzer/internal/policy/ratelimit"
	"github.com/JakeFAU/site-analyzer/internal/progress"
	"github.com/JakeFAU/site-analyzer/internal/stages/extract"
	"github.com/JakeFAU/site-analyzer/internal/stages/generate"
	"github.com/JakeFAU/site-analyzer/internal/stages/publish"
	"github.com/JakeFAU/site-analyzer/internal/storage/local"
	"github.com/JakeFAU/site-analyzer/internal/storage/postgres"
	"github.com/JakeFAU/site-analyzer/internal/storage/sqlite"
)

// EnvPrefix prefixes every environment override, e.g. ANALYZER_SERVER_PORT.
const EnvPrefix = "ANALYZER"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendLocal    = "local"
	BackendGCS      = "gcs"
	BackendPubSub   = "pubsub"
	BackendNone     = "none"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Store      StoreConfig      `mapstructure:"store"`
	Blobs      BlobConfig       `mapstructure:"blobs"`
	Notifier   NotifierConfig   `mapstructure:"notifier"`
	Pipeline   PipelineConfig   `mapstructure:"pipeline"`
	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
	Progress   progress.Config  `mapstructure:"progress"`
	Fetch      FetchConfig      `mapstructure:"fetch"`
	Extract    extract.Config   `mapstructure:"extract"`
	Generate   generate.Config  `mapstructure:"generate"`
	Publish    publish.Config   `mapstructure:"publish"`
	Accounts   []accounts.Entry `mapstructure:"accounts"`
	Client     ClientConfig     `mapstructure:"client"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	Issuer    string        `mapstructure:"issuer"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// StoreConfig selects the job record store.
type StoreConfig struct {
	Backend  string          `mapstructure:"backend"`
	SQLite   sqlite.Config   `mapstructure:"sqlite"`
	Postgres postgres.Config `mapstructure:"postgres"`
}

// BlobConfig selects where page snapshots are written.
type BlobConfig struct {
	Backend     string       `mapstructure:"backend"`
	Prefix      string       `mapstructure:"prefix"`
	ContentType string       `mapstructure:"content_type"`
	Local       local.Config `mapstructure:"local"`
	GCS         GCSConfig    `mapstructure:"gcs"`
}

// GCSConfig names the snapshot bucket.
type GCSConfig struct {
	Bucket       string `mapstructure:"bucket"`
	CacheControl string `mapstructure:"cache_control"`
}

// NotifierConfig selects where lifecycle notifications go.
type NotifierConfig struct {
	Backend   string `mapstructure:"backend"`
	Topic     string `mapstructure:"topic"`
	ProjectID string `mapstructure:"project_id"`
}

// PipelineConfig sizes the worker pool and bounds stages.
type PipelineConfig struct {
	Workers        int                      `mapstructure:"workers"`
	QueueDepth     int                      `mapstructure:"queue_depth"`
	EnqueueTimeout time.Duration            `mapstructure:"enqueue_timeout"`
	StageTimeout   time.Duration            `mapstructure:"stage_timeout"`
	StageTimeouts  map[string]time.Duration `mapstructure:"stage_timeouts"`
}

// ReconcilerConfig controls the stale job sweep.
type ReconcilerConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Interval   time.Duration `mapstructure:"interval"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	Batch      int           `mapstructure:"batch"`
}

// FetchConfig configures the Scan stage's fetchers.
type FetchConfig struct {
	Colly             collyfetcher.Config `mapstructure:"colly"`
	Headless          headless.Config     `mapstructure:"headless"`
	RateLimit         ratelimit.Config    `mapstructure:"rate_limit"`
	Retry             fetch.RetryConfig   `mapstructure:"retry"`
	PromotionMinBytes int                 `mapstructure:"promotion_min_bytes"`
	// BlockedHosts lists hosts ("example.org") or domains ("*.internal")
	// the scan stage refuses to fetch.
	BlockedHosts []string `mapstructure:"blocked_hosts"`
}

// ClientConfig is used by the watch command.
type ClientConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	Token    string        `mapstructure:"token"`
	Interval time.Duration `mapstructure:"interval"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// Options tells Load where to look.
type Options struct {
	// ConfigFile is an optional YAML/JSON/TOML file.
	ConfigFile string
	// DotEnvFiles are loaded into the process environment first; missing
	// files are ignored.
	DotEnvFiles []string
}

// Load builds a Config from dotenv files, an optional config file, and the
// environment, in increasing precedence.
func Load(opts Options) (Config, error) {
	for _, f := range opts.DotEnvFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("load dotenv %s: %w", f, err)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if opts.ConfigFile != "" {
		v.SetConfigFile(opts.ConfigFile)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "30s")
	v.SetDefault("server.request_timeout", "20s")
	v.SetDefault("server.shutdown_timeout", "20s")
	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "site-analyzer")
	v.SetDefault("auth.token_ttl", "24h")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("store.backend", BackendMemory)
	v.SetDefault("store.sqlite.path", "data/analyzer.db")
	v.SetDefault("store.postgres.dsn", "")
	v.SetDefault("store.postgres.table", "analysis_jobs")
	v.SetDefault("store.postgres.max_conns", 10)
	v.SetDefault("store.postgres.migrate", true)
	v.SetDefault("blobs.backend", BackendMemory)
	v.SetDefault("blobs.prefix", "snapshots")
	v.SetDefault("blobs.content_type", "text/html; charset=utf-8")
	v.SetDefault("blobs.local.base_dir", "data/blobs")
	v.SetDefault("blobs.gcs.bucket", "")
	v.SetDefault("notifier.backend", BackendMemory)
	v.SetDefault("notifier.topic", "analysis-lifecycle")
	v.SetDefault("notifier.project_id", "")
	v.SetDefault("pipeline.workers", 4)
	v.SetDefault("pipeline.queue_depth", 64)
	v.SetDefault("pipeline.enqueue_timeout", "5s")
	v.SetDefault("pipeline.stage_timeout", "60s")
	v.SetDefault("pipeline.stage_timeouts", map[string]string{"generate": "90s"})
	v.SetDefault("reconciler.enabled", true)
	v.SetDefault("reconciler.interval", "1m")
	v.SetDefault("reconciler.stale_after", "10m")
	v.SetDefault("reconciler.batch", 100)
	v.SetDefault("progress.buffer_size", 1024)
	v.SetDefault("progress.max_batch_events", 64)
	v.SetDefault("progress.max_batch_wait", "500ms")
	v.SetDefault("progress.sink_timeout", "2s")
	v.SetDefault("fetch.colly.user_agent", "site-analyzer/0.1 (+https://github.com/JakeFAU/site-analyzer)")
	v.SetDefault("fetch.colly.respect_robots", true)
	v.SetDefault("fetch.colly.timeout", "15s")
	v.SetDefault("fetch.colly.max_body_size", 5*1024*1024)
	v.SetDefault("fetch.headless.enabled", false)
	v.SetDefault("fetch.headless.max_parallel", 1)
	v.SetDefault("fetch.headless.navigation_timeout", "45s")
	v.SetDefault("fetch.headless.settle_delay", "500ms")
	v.SetDefault("fetch.headless.wait_selector", "body")
	v.SetDefault("fetch.headless.max_body_bytes", 5*1024*1024)
	v.SetDefault("fetch.rate_limit.default_rps", 1.0)
	v.SetDefault("fetch.rate_limit.default_burst", 1)
	v.SetDefault("fetch.retry.max_attempts", 3)
	v.SetDefault("fetch.retry.base_delay", "250ms")
	v.SetDefault("fetch.retry.max_delay", "5s")
	v.SetDefault("fetch.promotion_min_bytes", 2048)
	v.SetDefault("fetch.blocked_hosts", []string{"localhost", "metadata.google.internal"})
	v.SetDefault("extract.max_text_len", 50000)
	v.SetDefault("extract.max_paragraphs", 8)
	v.SetDefault("extract.max_headings", 20)
	v.SetDefault("generate.provider", generate.ProviderTemplate)
	v.SetDefault("generate.platforms", []string{"twitter", "linkedin", "facebook"})
	v.SetDefault("generate.max_hashtags", 5)
	v.SetDefault("generate.openai.api_key", "")
	v.SetDefault("generate.openai.model", "gpt-4o-mini")
	v.SetDefault("generate.openai.timeout", "60s")
	v.SetDefault("generate.openai.prompt_tokens", 3000)
	v.SetDefault("publish.mode", publish.ModeDryRun)
	v.SetDefault("publish.timeout", "20s")
	v.SetDefault("client.base_url", "http://localhost:8080")
	v.SetDefault("client.token", "")
	v.SetDefault("client.interval", "2s")
	v.SetDefault("client.timeout", "10s")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Workers <= 0 {
		return fmt.Errorf("pipeline.workers must be > 0")
	}
	if c.Pipeline.QueueDepth <= 0 {
		return fmt.Errorf("pipeline.queue_depth must be > 0")
	}
	switch c.Store.Backend {
	case BackendMemory:
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path must be set for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return fmt.Errorf("store.postgres.dsn must be set for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not one of memory, sqlite, postgres", c.Store.Backend)
	}
	switch c.Blobs.Backend {
	case BackendMemory, BackendNone:
	case BackendLocal:
		if c.Blobs.Local.BaseDir == "" {
			return fmt.Errorf("blobs.local.base_dir must be set for the local backend")
		}
	case BackendGCS:
		if c.Blobs.GCS.Bucket == "" {
			return fmt.Errorf("blobs.gcs.bucket must be set for the gcs backend")
		}
	default:
		return fmt.Errorf("blobs.backend %q is not one of memory, local, gcs, none", c.Blobs.Backend)
	}
	switch c.Notifier.Backend {
	case BackendMemory, BackendNone:
	case BackendPubSub:
		if c.Notifier.ProjectID == "" || c.Notifier.Topic == "" {
			return fmt.Errorf("notifier.project_id and notifier.topic must be set for pubsub")
		}
	default:
		return fmt.Errorf("notifier.backend %q is not one of memory, pubsub, none", c.Notifier.Backend)
	}
	if c.Fetch.Headless.Enabled && c.Fetch.Headless.MaxParallel <= 0 {
		return fmt.Errorf("fetch.headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Reconciler.Enabled {
		if c.Reconciler.Interval <= 0 || c.Reconciler.StaleAfter <= 0 {
			return fmt.Errorf("reconciler.interval and reconciler.stale_after must be > 0")
		}
		if longest := c.LongestStageTimeout(); c.Reconciler.StaleAfter <= longest {
			return fmt.Errorf("reconciler.stale_after (%s) must exceed the longest stage timeout (%s)",
				c.Reconciler.StaleAfter, longest)
		}
	}
	for stage := range c.Pipeline.StageTimeouts {
		switch stage {
		case "scan", "extract", "generate", "publish":
		default:
			return fmt.Errorf("pipeline.stage_timeouts: unknown stage %q", stage)
		}
	}
	return nil
}

// LongestStageTimeout is the largest deadline any stage runs under.
func (c Config) LongestStageTimeout() time.Duration {
	longest := c.Pipeline.StageTimeout
	for _, d := range c.Pipeline.StageTimeouts {
		if d > longest {
			longest = d
		}
	}
	return longest
}

// RequireAuthSecret reports an error when the server cannot verify tokens.
func (c Config) RequireAuthSecret() error {
	if len(c.Auth.JWTSecret) < 16 {
		return fmt.Errorf("auth.jwt_secret must be at least 16 bytes (set %s_AUTH_JWT_SECRET)", EnvPrefix)
	}
	return nil
}
