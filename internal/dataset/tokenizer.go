package dataset

import (
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Token is a normalised word with its rune span [Start,End) in the source text.
type Token struct {
	Text  string
	Start int
	End   int
}

// Tokenize splits text into runs of letters/digits and single punctuation
// or symbol runes. Whitespace is dropped. Offsets count runes, which is how
// Rasa annotates entity spans.
func Tokenize(text string) []Token {
	fold := cases.Fold()
	runes := []rune(text)

	var tokens []Token
	emit := func(start, end int) {
		s := norm.NFC.String(string(runes[start:end]))
		tokens = append(tokens, Token{Text: fold.String(s), Start: start, End: end})
	}

	start := -1
	for i, r := range runes {
		word := unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.Is(unicode.Mn, r)
		if word {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			emit(start, i)
			start = -1
		}
		if !unicode.IsSpace(r) {
			emit(i, i+1)
		}
	}
	if start >= 0 {
		emit(start, len(runes))
	}
	return tokens
}
