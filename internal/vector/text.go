// Package vector prepares concept texts and builds the embedding index.
package vector

import (
	"regexp"
	"strings"
)

// DefaultMaxTextLength bounds the combined embedding input.
const DefaultMaxTextLength = 8000

var (
	controlCharsRe   = regexp.MustCompile(`[\x00-\x1f\x7f-\x9f]`)
	zeroWidthRe      = regexp.MustCompile("[\u200b\u200c\u200d\ufeff]")
	curlyQuoteFolder = strings.NewReplacer("“", `"`, "”", `"`, "‘", "'", "’", "'")
)

// CleanText normalizes text for embedding: whitespace runs collapse to a
// single space, control characters and zero-width code points are removed,
// curly quotes fold to ASCII. Idempotent.
func CleanText(text string) string {
	if text == "" {
		return ""
	}
	text = strings.Join(strings.Fields(text), " ")
	text = controlCharsRe.ReplaceAllString(text, "")
	text = curlyQuoteFolder.Replace(text)
	text = zeroWidthRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// PrepareText combines a concept name and description into the canonical
// embedding input, truncating to maxLen runes while keeping the concept
// name intact whenever possible.
func PrepareText(conceptName, description string, maxLen int) string {
	if maxLen <= 0 {
		maxLen = DefaultMaxTextLength
	}
	name := CleanText(conceptName)
	if name == "" {
		return ""
	}

	desc := CleanText(description)
	combined := name
	if desc != "" {
		combined = name + ": " + desc
	}

	runes := []rune(combined)
	if len(runes) <= maxLen {
		return combined
	}

	nameRunes := []rune(name)
	if desc != "" && len(nameRunes) < maxLen {
		maxDesc := maxLen - len(nameRunes) - 2 // ": "
		descRunes := []rune(desc)
		if maxDesc > len(descRunes) {
			maxDesc = len(descRunes)
		}
		return name + ": " + string(descRunes[:maxDesc]) + "..."
	}
	return string(runes[:maxLen-3]) + "..."
}
