package ocds

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Tokens folds s (NFKD, combining marks removed, lower case) and splits it
// on anything that is not a letter or digit.
func Tokens(s string) []string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.FieldsFunc(strings.ToLower(folded), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// Fold returns the tokens of s joined by single spaces.
func Fold(s string) string {
	return strings.Join(Tokens(s), " ")
}

// SearchText is Fold padded with one space on each side so a phrase can be
// matched on token boundaries with a plain substring test.
func SearchText(s string) string {
	f := Fold(s)
	if f == "" {
		return ""
	}
	return " " + f + " "
}
