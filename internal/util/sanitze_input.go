package util

import (
	"html"
	"strings"
)

// SanitizeInput trims and HTML-escapes client-supplied metadata (user
// agents, device names) before it is stored or echoed back.
func SanitizeInput(s string) string {
	return html.EscapeString(strings.TrimSpace(s))
}

// ContainsSuspicious reports whether client-supplied metadata carries
// markup or template fragments that have no business appearing in a user
// agent or device identifier.
func ContainsSuspicious(s string) bool {
	lower := strings.ToLower(s)
	for _, marker := range []string{"<", ">", "${", "{{", "script", "onerror", "onload"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
