package helpers

import (
	"encoding/hex"
	"net/url"
	"strings"

	"lukechampine.com/blake3"
)

// sensitiveQueryParams are stripped from URLs before they are logged.
var sensitiveQueryParams = []string{"access_token", "id", "token"}

// TokenFingerprint returns a short, stable BLAKE3 fingerprint of a bearer token.
// Log lines carry the fingerprint so a token change is visible without the
// token itself ever being written out. An empty token yields "none".
func TokenFingerprint(token string) string {
	if token == "" {
		return "none"
	}
	sum := blake3.Sum256([]byte(token))
	return hex.EncodeToString(sum[:6])
}

// MaskToken keeps the first four characters of a token and redacts the rest.
func MaskToken(token string) string {
	if len(token) <= 4 {
		return "[REDACTED]"
	}
	return token[:4] + "...[REDACTED]"
}

// MaskURL redacts query parameters that carry credentials or connection tokens.
// Unparseable input is returned fully redacted.
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "[REDACTED URL]"
	}
	q := u.Query()
	changed := false
	for _, name := range sensitiveQueryParams {
		if q.Has(name) {
			q.Set(name, "[REDACTED]")
			changed = true
		}
	}
	if changed {
		// Encode escapes the brackets; keep the marker readable.
		u.RawQuery = strings.ReplaceAll(q.Encode(), "%5BREDACTED%5D", "[REDACTED]")
	}
	return u.String()
}
