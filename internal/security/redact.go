// Package security provides helpers for keeping credentials out of logs.
package security

import "net/url"

// RedactProxyURL masks the password in a proxy URL so it can be logged.
// Invalid URLs are replaced entirely rather than risking a partial leak.
func RedactProxyURL(proxyURL string) string {
	if proxyURL == "" {
		return ""
	}
	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return "[invalid-proxy-url]"
	}
	if parsed.User != nil {
		if _, hasPassword := parsed.User.Password(); hasPassword {
			parsed.User = url.UserPassword(parsed.User.Username(), "[REDACTED]")
		}
	}
	return parsed.String()
}
