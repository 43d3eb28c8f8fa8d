package assembler

import (
	"strings"
	"unicode/utf8"
)

// TruncateAtBoundary cuts s down to at most maxChars bytes, preferring a
// sentence end, then a paragraph break, then a word break. A boundary only
// counts if it keeps at least half the allowance; otherwise the text is
// hard-cut at a rune boundary. Text already within the limit comes back
// unchanged.
func TruncateAtBoundary(s string, maxChars int) string {
	if maxChars <= 0 {
		return ""
	}
	if len(s) <= maxChars {
		return s
	}

	// Never split a multibyte rune.
	cut := maxChars
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	window := s[:cut]
	floor := maxChars / 2

	if end := lastSentenceEnd(window); end >= floor {
		return strings.TrimRight(window[:end], " \t\n")
	}
	if end := strings.LastIndex(window, "\n\n"); end >= floor {
		return strings.TrimRight(window[:end], " \t\n")
	}
	if end := strings.LastIndexByte(window, ' '); end >= floor {
		return strings.TrimRight(window[:end], " \t\n")
	}
	return strings.TrimRight(window, " \t\n")
}

// lastSentenceEnd returns the index just past the final sentence
// terminator in s, or -1 when none qualifies. A terminator counts when
// followed by whitespace or the end of the window.
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case '.', '!', '?':
			if i == len(s)-1 || s[i+1] == ' ' || s[i+1] == '\n' || s[i+1] == '\t' {
				return i + 1
			}
		}
	}
	return -1
}
