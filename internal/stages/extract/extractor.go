// Package extract implements the Extract stage on top of goquery.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-analyzer/internal/analysis"
)

// ErrEmptyDocument fails the stage when a page has neither a title nor text.
var ErrEmptyDocument = errors.New("document has no title or text")

const (
	defaultMaxTextLen    = 50_000
	defaultMaxParagraphs = 8
	defaultMaxHeadings   = 20
	minParagraphLen      = 40
)

// Config bounds how much of a page is kept.
type Config struct {
	MaxTextLen    int `mapstructure:"max_text_len"`
	MaxParagraphs int `mapstructure:"max_paragraphs"`
	MaxHeadings   int `mapstructure:"max_headings"`
}

// Extractor implements analysis.Extractor.
type Extractor struct {
	cfg Config
}

var _ analysis.Extractor = (*Extractor)(nil)

// New builds an Extractor, filling zero limits with defaults.
func New(cfg Config) *Extractor {
	if cfg.MaxTextLen <= 0 {
		cfg.MaxTextLen = defaultMaxTextLen
	}
	if cfg.MaxParagraphs <= 0 {
		cfg.MaxParagraphs = defaultMaxParagraphs
	}
	if cfg.MaxHeadings <= 0 {
		cfg.MaxHeadings = defaultMaxHeadings
	}
	return &Extractor{cfg: cfg}
}

// Extract parses raw.Body into StructuredContent.
func (e *Extractor) Extract(ctx context.Context, raw analysis.RawContent) (analysis.StructuredContent, error) {
	if err := ctx.Err(); err != nil {
		return analysis.StructuredContent{}, err
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(raw.Body))
	if err != nil {
		return analysis.StructuredContent{}, fmt.Errorf("parse html: %w", err)
	}

	base := raw.FinalURL
	if base == "" {
		base = raw.URL
	}
	out := analysis.StructuredContent{
		URL:          base,
		Title:        collapse(doc.Find("title").First().Text()),
		Description:  metaContent(doc, "description"),
		Keywords:     splitKeywords(metaContent(doc, "keywords")),
		CanonicalURL: attr(doc.Find(`link[rel="canonical"]`).First(), "href"),
		Language:     attr(doc.Find("html").First(), "lang"),
		OpenGraph:    openGraph(doc),
	}
	if out.Title == "" {
		out.Title = out.OpenGraph["title"]
	}
	if out.Description == "" {
		out.Description = out.OpenGraph["description"]
	}
	out.InternalLinks, out.ExternalLinks = countLinks(doc, base)

	doc.Find("script, style, nav, header, footer, noscript, iframe, svg").Remove()

	doc.Find("h1, h2, h3").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := collapse(s.Text()); text != "" {
			out.Headings = append(out.Headings, text)
		}
		return len(out.Headings) < e.cfg.MaxHeadings
	})
	doc.Find("p").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if text := collapse(s.Text()); utf8.RuneCountInString(text) >= minParagraphLen {
			out.Paragraphs = append(out.Paragraphs, text)
		}
		return len(out.Paragraphs) < e.cfg.MaxParagraphs
	})

	text := collapse(doc.Find("body").Text())
	out.WordCount = len(strings.Fields(text))
	out.Text = truncate(text, e.cfg.MaxTextLen)

	if out.Title == "" && out.Text == "" {
		return analysis.StructuredContent{}, ErrEmptyDocument
	}
	return out, nil
}

func metaContent(doc *goquery.Document, name string) string {
	sel := doc.Find(fmt.Sprintf(`meta[name="%s"]`, name)).First()
	return collapse(attr(sel, "content"))
}

func openGraph(doc *goquery.Document) map[string]string {
	og := map[string]string{}
	doc.Find(`meta[property^="og:"]`).Each(func(_ int, s *goquery.Selection) {
		prop := strings.TrimPrefix(attr(s, "property"), "og:")
		content := collapse(attr(s, "content"))
		if prop == "" || content == "" {
			return
		}
		if _, seen := og[prop]; !seen {
			og[prop] = content
		}
	})
	if len(og) == 0 {
		return nil
	}
	return og
}

func countLinks(doc *goquery.Document, base string) (internal, external int) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return 0, 0
	}
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(attr(s, "href"))
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := url.Parse(href)
		if err != nil {
			return
		}
		target := baseURL.ResolveReference(ref)
		if target.Scheme != "http" && target.Scheme != "https" {
			return
		}
		if strings.EqualFold(target.Hostname(), baseURL.Hostname()) {
			internal++
		} else {
			external++
		}
	})
	return internal, external
}

func splitKeywords(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	seen := map[string]struct{}{}
	for _, part := range strings.Split(raw, ",") {
		kw := strings.TrimSpace(part)
		key := strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, kw)
	}
	return out
}

func attr(s *goquery.Selection, name string) string {
	v, _ := s.Attr(name)
	return strings.TrimSpace(v)
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
