package crawler

import (
	"fmt"
	"net/url"
	"slices"
	"strings"
)

// NormalizeURL standardizes a URL to avoid duplicates.
// It lowercases the scheme and host, removes default ports, sorts query
// parameters and drops the fragment. An empty path becomes "/".
func NormalizeURL(rawURL string) (string, error) {
	trimmed := strings.TrimSpace(rawURL)
	if trimmed == "" {
		return "", fmt.Errorf("parse url: empty url")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return "", fmt.Errorf("parse url %q: missing scheme or host", rawURL)
	}

	// Lowercase scheme and host
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", fmt.Errorf("parse url %q: unsupported scheme %q", rawURL, u.Scheme)
	}

	// Remove default ports
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	if u.Path == "" {
		u.Path = "/"
	}
	u.Fragment = ""
	u.RawFragment = ""

	u.RawQuery = normalizeQuery(u.RawQuery)

	return u.String(), nil
}

// normalizeQuery sorts query parameters by key; values keep their relative
// order. Queries url.ParseQuery rejects (";" separators, bad escapes) are
// kept verbatim apart from the segment order, so distinct inputs never
// collapse into the same key.
func normalizeQuery(raw string) string {
	if raw == "" {
		return ""
	}
	if values, err := url.ParseQuery(raw); err == nil {
		return values.Encode()
	}
	segments := strings.Split(raw, "&")
	slices.SortStableFunc(segments, func(a, b string) int {
		return strings.Compare(queryKey(a), queryKey(b))
	})
	return strings.Join(segments, "&")
}

func queryKey(segment string) string {
	key, _, _ := strings.Cut(segment, "=")
	return key
}
