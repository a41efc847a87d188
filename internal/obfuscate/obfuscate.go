// Package obfuscate centralizes redaction helpers for keys, tokens and secrets
// that may end up in logs, audit lines or CLI output.
package obfuscate

import (
	"strings"
)

// Known bearer prefixes. API keys carry the tenant slug as a second segment.
var knownPrefixes = []string{"ek_", "st_", "inv_"}

// Generic obfuscates arbitrary token-like strings for display/logging.
// - length <= 4  → all asterisks of same length
// - 5..12        → keep first 2 characters, replace the rest with asterisks
// - > 12         → keep first 8 characters, then "...", then last 4 characters
func Generic(s string) string {
	if len(s) <= 4 {
		return strings.Repeat("*", len(s))
	}
	if len(s) <= 12 {
		return s[:2] + strings.Repeat("*", len(s)-2)
	}
	return s[:8] + "..." + s[len(s)-4:]
}

// Token redacts the secret part of an API key, setup token or invite token
// while keeping its kind (and, for API keys, the tenant slug) readable.
// Unrecognised strings fall back to Generic.
func Token(s string) string {
	if s == "" {
		return s
	}
	for _, prefix := range knownPrefixes {
		if !strings.HasPrefix(s, prefix) {
			continue
		}
		head := prefix
		rest := s[len(prefix):]
		if prefix == "ek_" {
			if i := strings.LastIndexByte(rest, '_'); i >= 0 {
				head += rest[:i+1]
				rest = rest[i+1:]
			}
		}
		return head + mask(rest)
	}
	return Generic(s)
}

// Secret hides a value entirely, preserving only whether it was set.
func Secret(s string) string {
	if s == "" {
		return ""
	}
	return "****"
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-8) + secret[len(secret)-4:]
}
