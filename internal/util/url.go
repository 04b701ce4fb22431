package util

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

// CanonicaliseURL reduces a URL to a stable canonical form so the same
// article always produces the same fingerprint: lowercased scheme and host,
// www. stripped, default ports removed, tracking parameters dropped,
// remaining query sorted, trailing slash and fragment removed.
func CanonicaliseURL(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", fmt.Errorf("url cannot be empty")
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}

	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid url %q: %w", raw, err)
	}
	if u.Host == "" {
		return "", fmt.Errorf("url %q has no host", raw)
	}

	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimPrefix(u.Host, "www.")
	u.Fragment = ""

	switch {
	case u.Scheme == "http" && strings.HasSuffix(u.Host, ":80"):
		u.Host = strings.TrimSuffix(u.Host, ":80")
	case u.Scheme == "https" && strings.HasSuffix(u.Host, ":443"):
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}

	u.RawQuery = canonicalQuery(u.Query())

	if u.Path != "/" {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// trackingParams are query keys that vary between visits to the same article.
var trackingParams = map[string]struct{}{
	"utm_source":   {},
	"utm_medium":   {},
	"utm_campaign": {},
	"utm_term":     {},
	"utm_content":  {},
	"fbclid":       {},
	"gclid":        {},
	"ref":          {},
}

func canonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}

	keys := make([]string, 0, len(values))
	for key := range values {
		if _, skip := trackingParams[key]; skip {
			continue
		}
		keys = append(keys, key)
	}
	sort.Strings(keys)

	kept := url.Values{}
	for _, key := range keys {
		kept[key] = values[key]
	}
	return kept.Encode()
}

// FingerprintURL derives the stable task identifier for a source URL.
// Redelivery and re-publication of the same article reuse the same id, which
// is what makes downstream upserts idempotent.
func FingerprintURL(raw string) (string, error) {
	canonical, err := CanonicaliseURL(raw)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:]), nil
}
