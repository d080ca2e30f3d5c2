package generate

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

const summaryLimit = 280

// Template drafts copy from the structured content alone.
type Template struct {
	cfg Config
}

var _ analysis.Generator = (*Template)(nil)

// NewTemplate builds a Template generator.
func NewTemplate(cfg Config) *Template {
	return &Template{cfg: cfg.withDefaults()}
}

// Generate is deterministic: the same content always yields the same copy.
func (t *Template) Generate(ctx context.Context, content analysis.StructuredContent) (analysis.MarketingCopy, error) {
	if err := ctx.Err(); err != nil {
		return analysis.MarketingCopy{}, err
	}
	headline := headlineFor(content)
	if headline == "" {
		return analysis.MarketingCopy{}, errors.New("content has nothing to write about")
	}
	summary := summaryFor(content)
	hashtags := hashtagsFor(content, t.cfg.MaxHashtags)

	out := analysis.MarketingCopy{
		Headline:  headline,
		Summary:   summary,
		Hashtags:  hashtags,
		Generator: ProviderTemplate,
	}
	for _, platform := range t.cfg.Platforms {
		out.Posts = append(out.Posts, analysis.SocialPost{
			Platform: platform,
			Text:     composePost(headline, summary, content.URL, hashtags, limitFor(platform)),
		})
	}
	return out, nil
}

func headlineFor(c analysis.StructuredContent) string {
	for _, candidate := range []string{c.OpenGraph["title"], c.Title, firstOf(c.Headings)} {
		if candidate != "" {
			return candidate
		}
	}
	if u, err := url.Parse(c.URL); err == nil && u.Hostname() != "" {
		return u.Hostname()
	}
	return ""
}

func summaryFor(c analysis.StructuredContent) string {
	for _, candidate := range []string{c.Description, firstOf(c.Paragraphs), c.Text} {
		if candidate != "" {
			return clip(candidate, summaryLimit)
		}
	}
	return ""
}

func hashtagsFor(c analysis.StructuredContent, limit int) []string {
	source := c.Keywords
	if len(source) == 0 {
		source = strings.Fields(c.Title)
	}
	var out []string
	seen := map[string]struct{}{}
	for _, kw := range source {
		tag := toHashtag(kw)
		if utf8.RuneCountInString(tag) < 4 {
			continue
		}
		key := strings.ToLower(tag)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, tag)
		if len(out) == limit {
			break
		}
	}
	return out
}

// toHashtag turns "small batch coffee" into "#SmallBatchCoffee".
func toHashtag(s string) string {
	var b strings.Builder
	for _, word := range strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		r, size := utf8.DecodeRuneInString(word)
		b.WriteRune(unicode.ToUpper(r))
		b.WriteString(word[size:])
	}
	if b.Len() == 0 {
		return ""
	}
	return "#" + b.String()
}

// composePost fits the post into limit runes by shortening the summary
// first, then dropping hashtags.
func composePost(headline, summary, link string, hashtags []string, limit int) string {
	tags := strings.Join(hashtags, " ")
	build := func(sum, tags string) string {
		parts := []string{headline}
		if sum != "" {
			parts = append(parts, sum)
		}
		if link != "" {
			parts = append(parts, link)
		}
		if tags != "" {
			parts = append(parts, tags)
		}
		return strings.Join(parts, "\n\n")
	}
	post := build(summary, tags)
	if utf8.RuneCountInString(post) <= limit {
		return post
	}
	overflow := utf8.RuneCountInString(post) - limit
	if keep := utf8.RuneCountInString(summary) - overflow - 1; keep > 20 {
		return build(clip(summary, keep+1), tags)
	}
	post = build(clip(summary, 60), "")
	return clip(post, limit)
}

// clip shortens s to at most n runes, ending with an ellipsis when cut.
func clip(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := strings.TrimRightFunc(string(runes[:n-1]), unicode.IsSpace)
	return cut + "…"
}

func firstOf(items []string) string {
	if len(items) == 0 {
		return ""
	}
	return items[0]
}
