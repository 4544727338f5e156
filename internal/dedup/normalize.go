// Package dedup decides whether a freshly discovered or fetched article is
// already known, by exact URL and by normalized title within a trailing
// calendar window.
package dedup

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

const (
	zwnj = '\u200c'
	zwj  = '\u200d'
)

// NormalizeTitle case-folds a title and drops punctuation and whitespace.
// Letters, digits, combining marks and the zero-width joiners used by Indic
// scripts are kept so that titles in those scripts do not collapse together.
func NormalizeTitle(title string) string {
	// Casers carry state, so each call builds its own.
	folded := cases.Fold().String(norm.NFC.String(title))
	var b strings.Builder
	b.Grow(len(folded))
	for _, r := range folded {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.Is(unicode.Mn, r), unicode.Is(unicode.Mc, r):
			b.WriteRune(r)
		case r == zwj || r == zwnj:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Comparable reports whether a normalized title is long enough to take part
// in title matching.
func Comparable(normalized string, minLength int) bool {
	return len([]rune(normalized)) > minLength
}
