// Package urlnorm turns raw URL strings into canonical keys used for crawl deduplication.
package urlnorm

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/purell"
)

const (
	DefaultScheme = "https"
	dataPrefix    = "data:"
)

var ErrInvalidURL = errors.New("invalid url")

const flags = purell.FlagLowercaseScheme |
	purell.FlagLowercaseHost |
	purell.FlagUppercaseEscapes |
	purell.FlagDecodeUnnecessaryEscapes |
	purell.FlagEncodeNecessaryEscapes |
	purell.FlagRemoveDefaultPort |
	purell.FlagRemoveEmptyQuerySeparator |
	purell.FlagRemoveDotSegments |
	purell.FlagRemoveDuplicateSlashes |
	purell.FlagRemoveFragment |
	purell.FlagRemoveTrailingSlash |
	purell.FlagRemoveWWW |
	purell.FlagSortQuery

var (
	schemePrefix  = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*:`)
	trackingParam = regexp.MustCompile(`(?i)^utm_\w+`)
)

// Normalize returns the canonical form of raw. Only absolute http(s) URLs with a host are accepted;
// a missing scheme defaults to https.
func Normalize(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", fmt.Errorf("%w: empty string", ErrInvalidURL)
	}
	s = withDefaultScheme(s)

	u, err := url.Parse(s)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", fmt.Errorf("%w: unsupported scheme %q", ErrInvalidURL, u.Scheme)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, raw)
	}

	// text fragment directives (#:~:text=) live in the fragment as well
	u.Fragment = ""
	u.RawFragment = ""
	stripTrackingParams(u)

	return purell.NormalizeURL(u, flags), nil
}

// NormalizeImage normalizes an image source. Inline data: URLs are valid images and are kept with a
// canonical header; every other source goes through Normalize.
func NormalizeImage(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if len(s) >= len(dataPrefix) && strings.EqualFold(s[:len(dataPrefix)], dataPrefix) {
		return normalizeDataURL(s[len(dataPrefix):])
	}
	return Normalize(s)
}

// normalizeDataURL lowercases the media type and parameter names, drops the default
// charset=us-ascii and trims the payload. The payload itself is left untouched.
func normalizeDataURL(s string) (string, error) {
	header, payload, ok := strings.Cut(s, ",")
	if !ok {
		return "", fmt.Errorf("%w: data url without payload", ErrInvalidURL)
	}
	params := strings.Split(header, ";")
	mediaType := strings.ToLower(strings.TrimSpace(params[0]))
	if mediaType != "" && !strings.Contains(mediaType, "/") {
		return "", fmt.Errorf("%w: malformed media type %q", ErrInvalidURL, params[0])
	}

	parts := []string{mediaType}
	for _, p := range params[1:] {
		p = strings.TrimSpace(p)
		key, value, hasValue := strings.Cut(p, "=")
		key = strings.ToLower(strings.TrimSpace(key))
		switch {
		case key == "":
			continue
		case !hasValue:
			parts = append(parts, key)
		case key == "charset" && strings.EqualFold(strings.TrimSpace(value), "us-ascii"):
			continue
		default:
			parts = append(parts, key+"="+strings.TrimSpace(value))
		}
	}

	return dataPrefix + strings.Join(parts, ";") + "," + strings.TrimSpace(payload), nil
}

// Hostname returns the host part of an already normalized URL.
func Hostname(normalized string) (string, error) {
	u, err := url.Parse(normalized)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidURL, err)
	}
	if u.Hostname() == "" {
		return "", fmt.Errorf("%w: missing host in %q", ErrInvalidURL, normalized)
	}
	return u.Hostname(), nil
}

func withDefaultScheme(s string) string {
	if strings.HasPrefix(s, "//") {
		return DefaultScheme + ":" + s
	}
	if strings.Contains(s, "://") {
		return s
	}
	// "mailto:", "javascript:" and friends keep their scheme and get rejected later,
	// "localhost:8080/a" is a host with a port
	if loc := schemePrefix.FindStringIndex(s); loc != nil {
		rest := s[loc[1]:]
		if rest == "" || rest[0] < '0' || rest[0] > '9' {
			return s
		}
	}
	return DefaultScheme + "://" + s
}

func stripTrackingParams(u *url.URL) {
	if u.RawQuery == "" {
		return
	}
	q := u.Query()
	removed := false
	for key := range q {
		if trackingParam.MatchString(key) {
			q.Del(key)
			removed = true
		}
	}
	if removed {
		u.RawQuery = q.Encode()
	}
}
