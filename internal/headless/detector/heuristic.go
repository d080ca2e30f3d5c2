// Package detector decides when a scan should be re-rendered in a headless
// browser.
package detector

import (
	"bytes"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/site-analyzer/internal/fetch"
)

const defaultBodyLengthThreshold = 2048

// Mount points left empty by client-rendered frameworks.
var appShells = []string{"#__next", "#__nuxt", "#root", "#app", "[data-reactroot]", "[ng-version]"}

// Heuristic promotes pages whose DOM looks like an unrendered app shell.
type Heuristic struct {
	// BodyLengthThreshold is the body size below which a page whose
	// script text outweighs its visible text is promoted.
	BodyLengthThreshold int
}

var _ fetch.Detector = (*Heuristic)(nil)

// NewHeuristic returns a Heuristic. threshold <= 0 selects the default.
func NewHeuristic(threshold int) *Heuristic {
	if threshold <= 0 {
		threshold = defaultBodyLengthThreshold
	}
	return &Heuristic{BodyLengthThreshold: threshold}
}

// ShouldPromote reports whether resp needs a headless render. Only
// successful HTML responses fetched without a browser qualify.
func (h *Heuristic) ShouldPromote(resp fetch.Response) bool {
	if resp.StatusCode != 200 || resp.UsedHeadless || !isHTML(resp.ContentType()) {
		return false
	}
	if len(bytes.TrimSpace(resp.Body)) == 0 {
		return true
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(resp.Body))
	if err != nil {
		return false
	}
	if hasAppShell(doc) || asksForJavaScript(doc) {
		return true
	}
	return len(resp.Body) < h.BodyLengthThreshold && scriptHeavy(doc)
}

// isHTML treats a missing content type as HTML.
func isHTML(contentType string) bool {
	if contentType == "" {
		return true
	}
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/html") || strings.Contains(ct, "application/xhtml")
}

func hasAppShell(doc *goquery.Document) bool {
	for _, sel := range appShells {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

func asksForJavaScript(doc *goquery.Document) bool {
	found := false
	doc.Find("noscript").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		found = strings.Contains(strings.ToLower(s.Text()), "enable javascript")
		return !found
	})
	return found
}

// scriptHeavy reports whether inline script text outweighs the text a
// visitor would read.
func scriptHeavy(doc *goquery.Document) bool {
	scripts := doc.Find("script")
	if scripts.Length() == 0 {
		return false
	}
	scriptLen := len(strings.TrimSpace(scripts.Text()))
	// An external bundle with no inline code still counts as one unit.
	if scriptLen == 0 {
		scriptLen = scripts.Length()
	}
	visible := doc.Find("body").Clone()
	visible.Find("script, style, noscript, template").Remove()
	return scriptLen >= len(strings.TrimSpace(visible.Text()))
}
