package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and HTML-escapes a caller-supplied string before it is
// stored in an event's free-text fields (blocked reasons, details).
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// ContainsSuspicious flags strings carrying script-like payloads. Used to
// reject filter parameters before they reach a query builder.
func ContainsSuspicious(s string) bool {
	lowered := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lowered, c) {
			return true
		}
	}
	return false
}
