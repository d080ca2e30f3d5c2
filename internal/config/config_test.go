package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(Options{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Backend != BackendMemory || cfg.Blobs.Backend != BackendMemory {
		t.Fatalf("expected memory backends by default: %+v %+v", cfg.Store, cfg.Blobs)
	}
	if cfg.Pipeline.StageTimeouts["generate"] != 90*time.Second {
		t.Fatalf("expected generate override of 90s, got %v", cfg.Pipeline.StageTimeouts)
	}
	if cfg.Client.Interval != 2*time.Second {
		t.Fatalf("expected 2s poll interval, got %v", cfg.Client.Interval)
	}
	if !cfg.Fetch.Colly.RespectRobots {
		t.Fatalf("expected robots to be respected by default")
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
server:
  port: 9090
auth:
  jwt_secret: a-very-long-test-secret
store:
  backend: sqlite
  sqlite:
    path: /tmp/analyzer.db
pipeline:
  workers: 8
  stage_timeout: 30s
  stage_timeouts:
    generate: 2m
reconciler:
  stale_after: 5m
generate:
  provider: openai
  platforms: [twitter, mastodon]
  openai:
    api_key: sk-test
    model: gpt-4o
publish:
  mode: http
  endpoints:
    twitter: https://social.example/twitter/posts
accounts:
  - id: acct-1
    owner_id: owner-1
    platform: twitter
    handle: "@bakery"
    access_token: tok
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(Options{ConfigFile: path})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.Server.Port)
	}
	if err := cfg.RequireAuthSecret(); err != nil {
		t.Fatalf("expected auth secret to be accepted: %v", err)
	}
	if cfg.Store.Backend != BackendSQLite || cfg.Store.SQLite.Path != "/tmp/analyzer.db" {
		t.Fatalf("expected sqlite store overrides: %+v", cfg.Store)
	}
	if cfg.Pipeline.Workers != 8 || cfg.LongestStageTimeout() != 2*time.Minute {
		t.Fatalf("expected pipeline overrides: %+v", cfg.Pipeline)
	}
	if cfg.Generate.Provider != "openai" || cfg.Generate.OpenAI.Model != "gpt-4o" {
		t.Fatalf("expected generate overrides: %+v", cfg.Generate)
	}
	if len(cfg.Generate.Platforms) != 2 || cfg.Generate.Platforms[1] != "mastodon" {
		t.Fatalf("expected platforms to be loaded: %v", cfg.Generate.Platforms)
	}
	if cfg.Publish.Endpoints["twitter"] == "" {
		t.Fatalf("expected publish endpoint: %+v", cfg.Publish)
	}
	if len(cfg.Accounts) != 1 || cfg.Accounts[0].OwnerID != "owner-1" || cfg.Accounts[0].AccessToken != "tok" {
		t.Fatalf("expected one account: %+v", cfg.Accounts)
	}
}

func TestLoadEnvAndDotEnv(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("ANALYZER_SERVER_PORT=7070\nANALYZER_AUTH_JWT_SECRET=from-dotenv-0123456\n"), 0o600); err != nil {
		t.Fatalf("failed to write dotenv: %v", err)
	}
	t.Setenv("ANALYZER_PIPELINE_WORKERS", "12")
	// godotenv never overrides variables that are already set.
	t.Setenv("ANALYZER_SERVER_PORT", "6060")
	t.Cleanup(func() { _ = os.Unsetenv("ANALYZER_AUTH_JWT_SECRET") })

	cfg, err := Load(Options{DotEnvFiles: []string{envFile, filepath.Join(dir, "missing.env")}})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 6060 {
		t.Fatalf("expected env port 6060, got %d", cfg.Server.Port)
	}
	if cfg.Pipeline.Workers != 12 {
		t.Fatalf("expected 12 workers, got %d", cfg.Pipeline.Workers)
	}
	if cfg.Auth.JWTSecret != "from-dotenv-0123456" {
		t.Fatalf("expected dotenv secret, got %q", cfg.Auth.JWTSecret)
	}
}

func TestLoadMissingConfigFile(t *testing.T) {
	if _, err := Load(Options{ConfigFile: filepath.Join(t.TempDir(), "nope.yaml")}); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:     ServerConfig{Port: 8080},
		Store:      StoreConfig{Backend: BackendMemory},
		Blobs:      BlobConfig{Backend: BackendMemory},
		Notifier:   NotifierConfig{Backend: BackendNone},
		Pipeline:   PipelineConfig{Workers: 1, QueueDepth: 1, StageTimeout: time.Minute},
		Reconciler: ReconcilerConfig{Enabled: true, Interval: time.Minute, StaleAfter: 5 * time.Minute},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config should validate: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"invalid port", func(c *Config) { c.Server.Port = 0 }, "server.port"},
		{"no workers", func(c *Config) { c.Pipeline.Workers = 0 }, "pipeline.workers"},
		{"no queue", func(c *Config) { c.Pipeline.QueueDepth = 0 }, "pipeline.queue_depth"},
		{"unknown store", func(c *Config) { c.Store.Backend = "mongo" }, "store.backend"},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = BackendPostgres }, "store.postgres.dsn"},
		{"sqlite without path", func(c *Config) { c.Store.Backend = BackendSQLite }, "store.sqlite.path"},
		{"gcs without bucket", func(c *Config) { c.Blobs.Backend = BackendGCS }, "blobs.gcs.bucket"},
		{"pubsub without project", func(c *Config) { c.Notifier.Backend = BackendPubSub }, "notifier.project_id"},
		{"headless without parallelism", func(c *Config) {
			c.Fetch.Headless.Enabled = true
		}, "fetch.headless.max_parallel"},
		{"stale shorter than stage", func(c *Config) {
			c.Pipeline.StageTimeouts = map[string]time.Duration{"generate": 10 * time.Minute}
		}, "reconciler.stale_after"},
		{"unknown stage", func(c *Config) {
			c.Pipeline.StageTimeouts = map[string]time.Duration{"deploy": time.Second}
		}, "unknown stage"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			tt.mutate(&c)
			err := c.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestRequireAuthSecret(t *testing.T) {
	t.Parallel()

	if err := (Config{}).RequireAuthSecret(); err == nil {
		t.Fatal("expected missing secret to be rejected")
	}
}
