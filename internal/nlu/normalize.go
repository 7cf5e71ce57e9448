// Package nlu understands the customer's Spanish: global commands,
// menu intents, yes/no answers, hour and date expressions. Everything
// deterministic lives here; only genuinely free text goes to Gemini.
package nlu

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var (
	stripMarks = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	nonAlnum   = regexp.MustCompile(`[^a-z0-9\s]`)
	spacesRe   = regexp.MustCompile(`\s+`)
)

// Normalize flattens text for command matching: compatibility
// decomposition, ASCII only, lowercase.
func Normalize(s string) string {
	s = norm.NFKD.String(strings.TrimSpace(s))
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 {
			b.WriteRune(r)
		}
	}
	return strings.ToLower(b.String())
}

// NormalizeSpace is Normalize plus whitespace squeezing, used for the
// intent table lookup.
func NormalizeSpace(s string) string {
	return spacesRe.ReplaceAllString(Normalize(s), " ")
}

// MatchKey reduces text for fuzzy service matching: accent marks
// removed, anything outside a-z0-9 collapsed to single spaces.
func MatchKey(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if out, _, err := transform.String(stripMarks, s); err == nil {
		s = out
	}
	s = nonAlnum.ReplaceAllString(s, " ")
	return strings.TrimSpace(spacesRe.ReplaceAllString(s, " "))
}
