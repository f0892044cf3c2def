package generator

import (
	"strings"
	"unicode"
)

// SplitSpans breaks narration text into sentence-sized spans for incremental
// synthesis. Sentences are kept whole where possible; anything longer than
// maxChars is split on whitespace.
func SplitSpans(text string, maxChars int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if maxChars <= 0 {
		return []string{text}
	}

	var spans []string
	var sb strings.Builder
	flush := func() {
		if s := strings.TrimSpace(sb.String()); s != "" {
			spans = append(spans, s)
		}
		sb.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		sb.WriteRune(r)
		if sentenceEnd(runes, i) || sb.Len() >= maxChars && unicode.IsSpace(r) {
			flush()
		}
	}
	flush()
	return spans
}

// sentenceEnd reports whether position i closes a sentence: terminal
// punctuation followed by whitespace or end of text, skipping runs like "?!".
func sentenceEnd(runes []rune, i int) bool {
	switch runes[i] {
	case '.', '!', '?':
	default:
		return false
	}
	if i+1 >= len(runes) {
		return true
	}
	next := runes[i+1]
	return unicode.IsSpace(next)
}
