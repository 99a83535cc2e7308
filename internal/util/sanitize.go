package util

import (
	"html"
	"strings"
)

// SanitizeInput trims whitespace and escapes HTML-significant characters.
// Applied to free-text profile fields (full name, address labels) before
// they are persisted.
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}
