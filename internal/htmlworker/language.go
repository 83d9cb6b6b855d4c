package htmlworker

import (
	"strings"
	"unicode"

	"github.com/kljensen/snowball/english"
)

// maxSampleTokens bounds how many tokens the language filter inspects,
// keeping it a fast pre-pass ahead of the heavier per-page work, per
// spec.md section 4.5 step 2 ("fast language filter").
const maxSampleTokens = 200

// minEnglishRatio is the fraction of sampled tokens that must look
// English (made only of ASCII letters, and either a recognized function
// word, shorter than four letters, or changed by the stemmer) for a
// document to pass the filter.
const minEnglishRatio = 0.6

// IsEnglish runs a lightweight heuristic over clean text: tokens are
// sampled, and each is stemmed with the Porter-family English stemmer
// (github.com/kljensen/snowball/english, the teacher's go.mod dependency
// that no teacher file actually imports — see SPEC_FULL.md section B).
// English prose stems down noticeably on inflected forms and its short
// function words (the, and, of, to, ...) are recognized outright; text
// in other scripts either fails the ASCII-letter check or passes through
// the stemmer unchanged.
func IsEnglish(text string) bool {
	tokens := tokenize(text, maxSampleTokens)
	if len(tokens) == 0 {
		return false
	}

	englishLike := 0
	for _, tok := range tokens {
		if looksEnglish(tok) {
			englishLike++
		}
	}
	return float64(englishLike)/float64(len(tokens)) >= minEnglishRatio
}

func looksEnglish(tok string) bool {
	if !isASCIIAlpha(tok) {
		return false
	}
	lower := strings.ToLower(tok)
	if commonEnglishWords[lower] {
		return true
	}
	if len(lower) < 4 {
		// Too short for the stemmer to say anything useful; counted as
		// English-like rather than against the ratio.
		return true
	}
	stemmed := english.Stem(lower, false)
	return stemmed != lower
}

func isASCIIAlpha(tok string) bool {
	for _, r := range tok {
		if r > unicode.MaxASCII || !unicode.IsLetter(r) {
			return false
		}
	}
	return len(tok) > 0
}

var commonEnglishWords = map[string]bool{
	"the": true, "and": true, "of": true, "to": true, "in": true,
	"is": true, "for": true, "on": true, "with": true, "as": true,
	"was": true, "are": true, "it": true, "by": true, "that": true,
	"this": true, "from": true, "at": true, "be": true, "or": true,
}

func tokenize(text string, max int) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r)
	})
	if len(fields) > max {
		fields = fields[:max]
	}
	return fields
}
