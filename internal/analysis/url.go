package analysis

import (
	"net/url"
	"regexp"
	"slices"
	"strings"
)

const maxURLLength = 2048

var schemePrefix = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// NormalizeURL validates a user-submitted website URL and returns its canonical
// form. A missing scheme defaults to https; scheme and host are lowercased,
// default ports and fragments removed, and query pairs sorted by key with
// their original bytes kept.
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", &ValidationError{Field: "websiteUrl", Message: "is required"}
	}
	if len(trimmed) > maxURLLength {
		return "", &ValidationError{Field: "websiteUrl", Message: "is too long"}
	}
	if !schemePrefix.MatchString(trimmed) {
		trimmed = "https://" + strings.TrimPrefix(trimmed, "//")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", &ValidationError{Field: "websiteUrl", Message: "is not a valid URL"}
	}

	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", &ValidationError{Field: "websiteUrl", Message: "scheme must be http or https"}
	}
	if u.User != nil {
		return "", &ValidationError{Field: "websiteUrl", Message: "must not contain credentials"}
	}
	u.Host = strings.ToLower(u.Host)
	if u.Hostname() == "" || strings.ContainsAny(u.Hostname(), " \t") {
		return "", &ValidationError{Field: "websiteUrl", Message: "host is required"}
	}

	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.Fragment = ""
	u.RawFragment = ""
	if u.Path == "/" {
		u.Path = ""
	}
	u.RawQuery = sortQuery(u.RawQuery)
	u.ForceQuery = false

	return u.String(), nil
}

// sortQuery orders raw key=value pairs by key, keeping repeated keys in
// submission order. Pairs are not decoded, so the fetched URL carries exactly
// what the user sent.
func sortQuery(raw string) string {
	if raw == "" {
		return ""
	}
	pairs := slices.DeleteFunc(strings.Split(raw, "&"), func(p string) bool { return p == "" })
	slices.SortStableFunc(pairs, func(a, b string) int {
		return strings.Compare(queryKey(a), queryKey(b))
	})
	return strings.Join(pairs, "&")
}

func queryKey(pair string) string {
	key, _, _ := strings.Cut(pair, "=")
	return key
}
