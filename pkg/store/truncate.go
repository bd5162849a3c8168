package store

import "unicode"

// Truncation lengths used by the narrative renderer.
const (
	DefaultTruncateLength    = 400
	DefaultAuxTruncateLength = 1200

	// TruncateOverhead bounds how far SmartTruncate may run past maxLength.
	TruncateOverhead = sentenceLookahead
)

const (
	sentenceLookahead = 50
	sentenceBacktrack = 100
	wordBacktrack     = 50
	ellipsis          = "..."
)

// SmartTruncate shortens content to roughly maxLength characters, preferring
// a sentence boundary, then a word boundary, then a hard cut with an ellipsis.
// Content that already fits is returned unchanged.
func SmartTruncate(content string, maxLength int) string {
	if maxLength <= 0 {
		maxLength = DefaultTruncateLength
	}

	runes := []rune(content)
	if len(runes) <= maxLength {
		return content
	}

	window := runes[:min(len(runes), maxLength+sentenceLookahead)]
	if end := lastSentenceEnd(window, len(runes)); end > maxLength-sentenceBacktrack {
		return string(runes[:end+1])
	}

	if space := lastSpace(runes[:maxLength]); space > maxLength-wordBacktrack {
		return string(runes[:space]) + ellipsis
	}

	return string(runes[:maxLength]) + ellipsis
}

// lastSentenceEnd returns the index of the last '.', '!' or '?' in window that
// is followed by whitespace or ends the whole text, or -1.
func lastSentenceEnd(window []rune, total int) int {
	for i := len(window) - 1; i >= 0; i-- {
		switch window[i] {
		case '.', '!', '?':
			if i+1 < len(window) && unicode.IsSpace(window[i+1]) {
				return i
			}
			if i+1 == total {
				return i
			}
		}
	}
	return -1
}

func lastSpace(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if unicode.IsSpace(runes[i]) {
			return i
		}
	}
	return -1
}
