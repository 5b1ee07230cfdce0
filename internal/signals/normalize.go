// Package signals turns free-form customer text into typed signals and
// extracted funnel fields using declarative rule tables.
//
// All matching happens on normalized text: diacritics stripped, lower-cased,
// punctuation replaced by spaces and whitespace collapsed.
package signals

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds text for rule matching. "Fogão NÃO liga!!" becomes "fogao nao liga".
// Colons are kept so clock times like "14:30" survive.
func Normalize(text string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, text)
	if err != nil {
		folded = text
	}
	folded = strings.ToLower(folded)

	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == ':':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}

// WordCount returns the number of words in normalized text.
func WordCount(normalized string) int {
	return len(strings.Fields(normalized))
}
