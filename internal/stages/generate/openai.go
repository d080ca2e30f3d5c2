package generate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const (
	defaultModel        = "gpt-4o-mini"
	defaultTimeout      = 60 * time.Second
	defaultPromptTokens = 3000
	defaultMaxRetries   = 3
	defaultBaseBackoff  = 2 * time.Second
	defaultMaxBackoff   = 32 * time.Second
	jsonParseRetries    = 1
)

var (
	// ErrAPIKeyNotSet is returned when the openai provider has no key.
	ErrAPIKeyNotSet = errors.New("openai api key not set")
	// ErrInvalidResponse is returned when the model reply is not usable copy.
	ErrInvalidResponse = errors.New("invalid model response")
	// ErrMaxRetriesExceeded is returned after repeated rate limiting.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

const systemPrompt = `You write social media marketing copy for small businesses.
Reply with a single JSON object with these keys:
"headline" (string, at most 80 characters),
"summary" (string, at most 280 characters),
"hashtags" (array of strings starting with #),
"posts" (array of {"platform": string, "text": string}, one per requested platform, each within that platform's length limit).
Only use facts present in the page content.`

// OpenAI drafts copy with a chat completion model.
type OpenAI struct {
	client openai.Client
	cfg    Config
	budget TokenBudget
	logger *zap.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

var _ analysis.Generator = (*OpenAI)(nil)

// NewOpenAI builds the openai provider. The SDK's own retries are disabled;
// rate limits are retried here with exponential backoff.
func NewOpenAI(cfg Config, budget TokenBudget, logger *zap.Logger) (*OpenAI, error) {
	cfg = cfg.withDefaults()
	oc := &cfg.OpenAI
	if oc.APIKey == "" {
		return nil, ErrAPIKeyNotSet
	}
	if oc.Model == "" {
		oc.Model = defaultModel
	}
	if oc.Timeout <= 0 {
		oc.Timeout = defaultTimeout
	}
	if oc.PromptTokens <= 0 {
		oc.PromptTokens = defaultPromptTokens
	}
	if oc.MaxRetries <= 0 {
		oc.MaxRetries = defaultMaxRetries
	}
	if oc.BaseBackoff <= 0 {
		oc.BaseBackoff = defaultBaseBackoff
	}
	if oc.MaxBackoff <= 0 {
		oc.MaxBackoff = defaultMaxBackoff
	}
	if budget == nil {
		budget = RuneBudget{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []option.RequestOption{option.WithAPIKey(oc.APIKey), option.WithMaxRetries(0)}
	if oc.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(oc.BaseURL))
	}
	return &OpenAI{
		client: openai.NewClient(opts...),
		cfg:    cfg,
		budget: budget,
		logger: logger.Named("openai"),
		sleep:  sleepContext,
	}, nil
}

type modelCopy struct {
	Headline string   `json:"headline"`
	Summary  string   `json:"summary"`
	Hashtags []string `json:"hashtags"`
	Posts    []struct {
		Platform string `json:"platform"`
		Text     string `json:"text"`
	} `json:"posts"`
}

// Generate asks the model for copy, retrying once when the reply is not
// valid JSON.
func (g *OpenAI) Generate(ctx context.Context, content analysis.StructuredContent) (analysis.MarketingCopy, error) {
	ctx, cancel := context.WithTimeout(ctx, g.cfg.OpenAI.Timeout)
	defer cancel()

	prompt, err := g.prompt(content)
	if err != nil {
		return analysis.MarketingCopy{}, err
	}

	var lastErr error
	for attempt := 0; attempt <= jsonParseRetries; attempt++ {
		reply, err := g.completeWithRetry(ctx, prompt)
		if err != nil {
			return analysis.MarketingCopy{}, err
		}
		out, err := g.decode(reply, content.URL)
		if err == nil {
			return out, nil
		}
		lastErr = err
		g.logger.Warn("discarding unusable model reply", zap.Int("attempt", attempt), zap.Error(err))
	}
	return analysis.MarketingCopy{}, lastErr
}

func (g *OpenAI) prompt(content analysis.StructuredContent) (string, error) {
	trimmed := content
	trimmed.Text = g.budget.Trim(content.Text, g.cfg.OpenAI.PromptTokens)
	page, err := json.Marshal(trimmed)
	if err != nil {
		return "", fmt.Errorf("marshal content: %w", err)
	}
	var b strings.Builder
	b.WriteString("Platforms and length limits:\n")
	for _, p := range g.cfg.Platforms {
		fmt.Fprintf(&b, "- %s: %d characters\n", p, limitFor(p))
	}
	fmt.Fprintf(&b, "Use at most %d hashtags.\n\nPage content (JSON):\n", g.cfg.MaxHashtags)
	b.Write(page)
	return b.String(), nil
}

func (g *OpenAI) completeWithRetry(ctx context.Context, prompt string) (string, error) {
	oc := g.cfg.OpenAI
	var lastErr error
	for attempt := 0; attempt <= oc.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := oc.BaseBackoff << (attempt - 1)
			if backoff > oc.MaxBackoff || backoff <= 0 {
				backoff = oc.MaxBackoff
			}
			if err := g.sleep(ctx, backoff); err != nil {
				return "", err
			}
		}
		params := openai.ChatCompletionNewParams{
			Model: shared.ChatModel(oc.Model),
			Messages: []openai.ChatCompletionMessageParamUnion{
				openai.SystemMessage(systemPrompt),
				openai.UserMessage(prompt),
			},
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{
				OfJSONObject: &shared.ResponseFormatJSONObjectParam{Type: "json_object"},
			},
		}
		if oc.Temperature > 0 {
			params.Temperature = openai.Float(oc.Temperature)
		}
		completion, err := g.client.Chat.Completions.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimitError(err) {
				g.logger.Debug("rate limited", zap.Int("attempt", attempt))
				continue
			}
			return "", fmt.Errorf("openai chat completion: %w", err)
		}
		if len(completion.Choices) == 0 {
			return "", fmt.Errorf("%w: no choices returned", ErrInvalidResponse)
		}
		return completion.Choices[0].Message.Content, nil
	}
	return "", fmt.Errorf("%w: %v", ErrMaxRetriesExceeded, lastErr)
}

func (g *OpenAI) decode(reply, link string) (analysis.MarketingCopy, error) {
	var parsed modelCopy
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil {
		return analysis.MarketingCopy{}, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	if strings.TrimSpace(parsed.Headline) == "" {
		return analysis.MarketingCopy{}, fmt.Errorf("%w: missing headline", ErrInvalidResponse)
	}
	out := analysis.MarketingCopy{
		Headline:  strings.TrimSpace(parsed.Headline),
		Summary:   strings.TrimSpace(parsed.Summary),
		Generator: ProviderOpenAI + ":" + g.cfg.OpenAI.Model,
	}
	for _, tag := range parsed.Hashtags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if !strings.HasPrefix(tag, "#") {
			tag = "#" + tag
		}
		out.Hashtags = append(out.Hashtags, tag)
		if len(out.Hashtags) == g.cfg.MaxHashtags {
			break
		}
	}
	drafted := map[string]string{}
	for _, p := range parsed.Posts {
		drafted[strings.ToLower(strings.TrimSpace(p.Platform))] = strings.TrimSpace(p.Text)
	}
	for _, platform := range g.cfg.Platforms {
		text := drafted[platform]
		if text == "" {
			text = composePost(out.Headline, out.Summary, link, out.Hashtags, limitFor(platform))
		}
		out.Posts = append(out.Posts, analysis.SocialPost{Platform: platform, Text: clip(text, limitFor(platform))})
	}
	return out, nil
}

func isRateLimitError(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == 429
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
