// Package safeurl guards outbound fetches: only http/https origins are ever
// dialled (stream URLs come from untrusted playlists), and logged URLs are
// stripped of credentials and query tokens.
package safeurl

import "net/url"

// IsHTTPOrHTTPS returns true if u is a valid URL with scheme http or https.
// Rejects file://, ftp://, and other schemes that could reach local files
// or internal services.
func IsHTTPOrHTTPS(u string) bool {
	parsed, err := url.Parse(u)
	if err != nil {
		return false
	}
	return parsed.Scheme == "http" || parsed.Scheme == "https"
}

// Redact returns u with userinfo and query string removed, for logging.
// Stream URLs routinely embed subscription tokens.
func Redact(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return "(unparseable url)"
	}
	parsed.User = nil
	parsed.RawQuery = ""
	parsed.Fragment = ""
	return parsed.String()
}
