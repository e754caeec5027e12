package helpers

import (
	"strings"
	"unicode/utf8"
)

// MaxErrorLength caps error strings received from the hub before they are
// surfaced to consumers.
const MaxErrorLength = 512

// SanitizeUTF8 removes invalid UTF-8 sequences and NULL bytes from a string.
func SanitizeUTF8(s string) string {
	// Quick check: if string is valid UTF-8 and has no NULL bytes, return as-is
	if utf8.ValidString(s) && !strings.ContainsRune(s, '\x00') {
		return s
	}

	buf := make([]rune, 0, len(s))
	for i, r := range s {
		if r == '\x00' {
			continue
		}

		// Skip invalid UTF-8 sequences
		if r == utf8.RuneError {
			_, size := utf8.DecodeRuneInString(s[i:])
			if size == 1 {
				continue
			}
		}

		buf = append(buf, r)
	}
	return string(buf)
}

// SanitizeErrorText makes server-provided error text safe to display: valid
// UTF-8, single line, bounded length.
func SanitizeErrorText(s string) string {
	s = SanitizeUTF8(s)
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > MaxErrorLength {
		cut := MaxErrorLength
		for cut > 0 && !utf8.RuneStart(s[cut]) {
			cut--
		}
		s = s[:cut] + "..."
	}
	return s
}
