package utils

import (
	"html"
	"strings"
	"unicode"
)

// SanitizeString removes control characters (keeping newline, CR and tab) and
// trims surrounding whitespace.
func SanitizeString(s string) string {
	s = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t' {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// TruncateString truncates s to at most maxRunes runes, ending with "..." when
// there is room for it.
func TruncateString(s string, maxRunes int) string {
	runes := []rune(s)
	if len(runes) <= maxRunes {
		return s
	}
	if maxRunes <= 3 {
		return string(runes[:maxRunes])
	}
	return string(runes[:maxRunes-3]) + "..."
}

// EscapeText prepares user-supplied text for storage and broadcast: it is
// sanitized, bounded to maxRunes and HTML-escaped so that consumers rendering
// it as markup cannot execute it. Truncation happens before escaping so
// entities are never cut in half.
func EscapeText(s string, maxRunes int) string {
	s = SanitizeString(s)
	if maxRunes > 0 {
		s = TruncateString(s, maxRunes)
	}
	return html.EscapeString(s)
}

// IsEmpty checks if string is empty or only whitespace
func IsEmpty(s string) bool {
	return strings.TrimSpace(s) == ""
}
