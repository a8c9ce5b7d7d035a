package crawler

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var invalidFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]+`)

// NormalizeURL turns a site list entry into an absolute URL.
// Bare hosts ("shop.example") get an https scheme; scheme and host are lowercased,
// default ports and fragments removed.
func NormalizeURL(rawURL string) (string, error) {
	raw := strings.TrimSpace(rawURL)
	if raw == "" {
		return "", fmt.Errorf("empty url: %w", ErrConfig)
	}
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse url %q: %v: %w", rawURL, err, ErrConfig)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("url %q has no host: %w", rawURL, ErrConfig)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if u.Scheme == "http" && strings.HasSuffix(u.Host, ":80") {
		u.Host = strings.TrimSuffix(u.Host, ":80")
	}
	if u.Scheme == "https" && strings.HasSuffix(u.Host, ":443") {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	return u.String(), nil
}

// SiteIdentifier derives a filesystem-safe directory name for a site.
// "https://www.shop-a.example/nl/" becomes "www.shop-a.example_nl".
func SiteIdentifier(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		id := invalidFilenameChars.ReplaceAllString(rawURL, "_")
		if id == "" || strings.Trim(id, "._") == "" {
			return "site"
		}
		return id
	}
	id := strings.ToLower(u.Hostname())
	if p := strings.Trim(u.EscapedPath(), "/"); p != "" {
		id += "_" + p
	}
	id = invalidFilenameChars.ReplaceAllString(id, "_")
	return strings.Trim(id, "_")
}

// EmailTag returns the hostname used to tag per-site email addresses.
func EmailTag(rawURL string) string {
	raw := strings.TrimSpace(rawURL)
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return SiteIdentifier(rawURL)
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
