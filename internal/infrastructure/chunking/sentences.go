package chunking

import (
	"strings"
	"unicode"
)

// SplitSentences breaks text after '.', '!' or '?' when whitespace and an upper-case letter follow.
func SplitSentences(text string) []string {
	runes := []rune(text)
	out := make([]string, 0, len(runes)/80+1)

	start := 0
	for i := 0; i < len(runes); i++ {
		if !isTerminal(runes[i]) {
			continue
		}
		j := i + 1
		for j < len(runes) && unicode.IsSpace(runes[j]) {
			j++
		}
		if j == i+1 || j >= len(runes) || !unicode.IsUpper(runes[j]) {
			continue
		}
		out = appendTrimmed(out, string(runes[start:i+1]))
		start = j
		i = j - 1
	}
	return appendTrimmed(out, string(runes[start:]))
}

func isTerminal(r rune) bool {
	return r == '.' || r == '!' || r == '?'
}

func appendTrimmed(dst []string, s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return dst
	}
	return append(dst, s)
}
