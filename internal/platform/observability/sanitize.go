package observability

import (
	"strings"
	"unicode"
)

// sanitizeString drops control characters and truncates to limit runes so request data cannot
// forge log lines.
func sanitizeString(value string, limit int) string {
	if limit <= 0 {
		limit = 256
	}
	var b strings.Builder
	n := 0
	for _, r := range value {
		if unicode.IsControl(r) {
			continue
		}
		if n == limit {
			break
		}
		b.WriteRune(r)
		n++
	}
	return b.String()
}

// SanitizeRoute bounds a route pattern for logs and span attributes.
func SanitizeRoute(route string) string {
	if route == "" {
		return "/"
	}
	return sanitizeString(route, 180)
}

// SanitizeUserID bounds a user id for logs.
func SanitizeUserID(uid string) string {
	return sanitizeString(uid, 64)
}
