package trace

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// Redacted replaces secret values in previews.
const Redacted = "[REDACTED]"

var (
	// Scheme-prefixed credentials, as in "Authorization: Bearer abc".
	authSchemeRe = regexp.MustCompile(`(?i)\b(bearer|basic)\s+[A-Za-z0-9._~+/=-]+`)
	// key=value, key: value and "key": "value" where the key names a secret.
	secretFieldRe = regexp.MustCompile(`(?i)([A-Za-z0-9_-]*(?:token|key|password|secret|authorization|api_key|credential)[A-Za-z0-9_-]*)("?\s*[:=]\s*"?)([^\s"',;&}]+)`)
	// Bare provider keys.
	providerKeyRe = regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}`)
)

// Redact masks values of denylisted fields (token, key, password, secret,
// authorization, api_key, credential) and bearer credentials.
func Redact(s string) string {
	if s == "" {
		return s
	}
	s = authSchemeRe.ReplaceAllString(s, "${1} "+Redacted)
	s = secretFieldRe.ReplaceAllStringFunc(s, func(m string) string {
		parts := secretFieldRe.FindStringSubmatch(m)
		if parts[3] == Redacted || strings.EqualFold(parts[3], "bearer") || strings.EqualFold(parts[3], "basic") {
			return m
		}
		return parts[1] + parts[2] + Redacted
	})
	return providerKeyRe.ReplaceAllString(s, Redacted)
}

// Truncate cuts s to at most n characters.
func Truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	i := 0
	for pos := range s {
		if i == n {
			return s[:pos]
		}
		i++
	}
	return s
}

// Preview redacts, then truncates to n characters.
func Preview(s string, n int) string {
	return Truncate(Redact(s), n)
}
