// Package textutil cleans customer-entered free text before it is persisted.
package textutil

import (
	"html"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
)

var strictPolicy = bluemonday.StrictPolicy()

// PlainText strips markup and control characters from customer-entered text, collapses runs of
// whitespace and truncates to limit runes. A limit <= 0 disables truncation.
func PlainText(value string, limit int) string {
	if value == "" {
		return ""
	}
	value = html.UnescapeString(strictPolicy.Sanitize(value))
	value = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, value)
	value = strings.Join(strings.Fields(value), " ")
	if limit > 0 && utf8.RuneCountInString(value) > limit {
		runes := []rune(value)
		value = strings.TrimSpace(string(runes[:limit]))
	}
	return value
}

// PlainTextPtr applies PlainText to an optional value and drops it when nothing is left.
func PlainTextPtr(value *string, limit int) *string {
	if value == nil {
		return nil
	}
	cleaned := PlainText(*value, limit)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}
