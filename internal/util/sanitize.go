package util

import (
	"html"
	"strings"
)

// SanitizeInput trims whitespace and escapes HTML-like characters.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports markup or template fragments that never belong in
// phone numbers, codes or identifiers.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, c := range []string{"<", ">", "$", "{", "}", "script", "onerror", "onload"} {
		if strings.Contains(lower, c) {
			return true
		}
	}
	return false
}
