// Package generate implements the Generate stage. The template provider is
// deterministic and offline; the openai provider asks a chat model for the
// copy.
package generate

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// Provider names accepted in Config.Provider.
const (
	ProviderTemplate = "template"
	ProviderOpenAI   = "openai"
)

var defaultPlatforms = []string{"twitter", "linkedin", "facebook"}

// platformLimits caps post length per platform in runes.
var platformLimits = map[string]int{
	"twitter":   280,
	"x":         280,
	"linkedin":  3000,
	"facebook":  2000,
	"instagram": 2200,
	"mastodon":  500,
}

const defaultPlatformLimit = 500

// Config selects and tunes the generator.
type Config struct {
	Provider    string       `mapstructure:"provider"`
	Platforms   []string     `mapstructure:"platforms"`
	MaxHashtags int          `mapstructure:"max_hashtags"`
	OpenAI      OpenAIConfig `mapstructure:"openai"`
}

// OpenAIConfig configures the openai provider.
type OpenAIConfig struct {
	APIKey       string        `mapstructure:"api_key"`
	Model        string        `mapstructure:"model"`
	BaseURL      string        `mapstructure:"base_url"`
	Timeout      time.Duration `mapstructure:"timeout"`
	Temperature  float64       `mapstructure:"temperature"`
	PromptTokens int           `mapstructure:"prompt_tokens"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BaseBackoff  time.Duration `mapstructure:"base_backoff"`
	MaxBackoff   time.Duration `mapstructure:"max_backoff"`
}

// New returns the generator named by cfg.Provider.
func New(cfg Config, logger *zap.Logger) (analysis.Generator, error) {
	cfg = cfg.withDefaults()
	switch strings.ToLower(cfg.Provider) {
	case "", ProviderTemplate:
		return NewTemplate(cfg), nil
	case ProviderOpenAI:
		var budget TokenBudget = RuneBudget{}
		if tk, err := NewTiktokenBudget(); err == nil {
			budget = tk
		} else if logger != nil {
			logger.Warn("tiktoken unavailable, truncating prompts by rune count", zap.Error(err))
		}
		gen, err := NewOpenAI(cfg, budget, logger)
		if err != nil {
			return nil, err
		}
		return gen, nil
	default:
		return nil, fmt.Errorf("unknown generator provider %q", cfg.Provider)
	}
}

func (c Config) withDefaults() Config {
	source := c.Platforms
	if len(source) == 0 {
		source = defaultPlatforms
	}
	c.Platforms = make([]string, len(source))
	for i, p := range source {
		c.Platforms[i] = strings.ToLower(strings.TrimSpace(p))
	}
	if c.MaxHashtags <= 0 {
		c.MaxHashtags = 5
	}
	return c
}

func limitFor(platform string) int {
	if limit, ok := platformLimits[platform]; ok {
		return limit
	}
	return defaultPlatformLimit
}
