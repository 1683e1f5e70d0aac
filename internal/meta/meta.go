// Package meta fetches and extracts page preview metadata (Open Graph and
// Twitter-card tags) from already-validated URLs under strict network limits.
// Every failure here is recoverable: the orchestrator degrades to minimal
// URL-derived metadata instead of failing the preview request.
package meta

import (
	"net/url"
	"strings"
)

// Metadata is the extracted preview data. Empty fields mean the page did not
// supply them; they are never inferred.
type Metadata struct {
	Title       string
	Description string
	ImageURL    string
	SourceURL   string
}

// MinimalFromURL builds the degraded fallback metadata used when fetching or
// parsing fails: the hostname (minus a leading www.) as the title.
func MinimalFromURL(rawURL string) Metadata {
	m := Metadata{SourceURL: rawURL}
	if u, err := url.Parse(rawURL); err == nil && u.Hostname() != "" {
		m.Title = strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	}
	return m
}

// collapseWhitespace trims and folds runs of whitespace to single spaces.
func collapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if c := collapseWhitespace(v); c != "" {
			return c
		}
	}
	return ""
}
