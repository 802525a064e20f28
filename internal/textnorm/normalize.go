// Package textnorm folds transcript text into the form the phase patterns are
// written against.
package textnorm

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var separators = strings.NewReplacer(
	".", " ",
	":", " ",
	";", " ",
	",", " ",
	"_", " ",
	"-", " ",
)

// Normalize lower-cases s, strips diacritics, turns the separators . : ; , _ -
// into spaces and collapses whitespace. Digits and '/' are kept, so amounts
// like "S/ 150" survive as "s/ 150".
func Normalize(s string) string {
	if s == "" {
		return ""
	}
	s = strings.ToLower(s)
	s = StripDiacritics(s)
	s = separators.Replace(s)
	return strings.Join(strings.Fields(s), " ")
}

// StripDiacritics removes combining marks after canonical decomposition:
// "días" becomes "dias", "señor" becomes "senor".
func StripDiacritics(s string) string {
	// transform chains keep state; build one per call.
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

// RuneLen counts characters the way the length thresholds are tuned.
func RuneLen(s string) int {
	return len([]rune(s))
}

// WordCount counts whitespace-separated tokens.
func WordCount(s string) int {
	return len(strings.Fields(s))
}
