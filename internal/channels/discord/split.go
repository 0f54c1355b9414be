package discord

import "strings"

// maxMessageLen is Discord's hard message length limit.
const maxMessageLen = 2000

// SplitMessage breaks text into chunks Discord will accept. Splits
// prefer the last blank line in range, then the last whitespace, and
// only cut mid-word when a single token exceeds the limit.
func SplitMessage(text string) []string {
	if len(text) <= maxMessageLen {
		return []string{text}
	}

	var parts []string
	for len(text) > maxMessageLen {
		cut := maxMessageLen

		window := text[:maxMessageLen]
		if idx := strings.LastIndex(window, "\n\n"); idx > 0 {
			cut = idx
		} else if idx := lastWhitespace(window); idx > 0 {
			cut = idx
		}

		part := strings.TrimSpace(text[:cut])
		if part != "" {
			parts = append(parts, part)
		}
		text = strings.TrimLeft(text[cut:], " \t\n")
	}
	if text = strings.TrimSpace(text); text != "" {
		parts = append(parts, text)
	}
	return parts
}

func lastWhitespace(s string) int {
	for i := len(s) - 1; i >= 0; i-- {
		switch s[i] {
		case ' ', '\t', '\n':
			return i
		}
	}
	return -1
}
