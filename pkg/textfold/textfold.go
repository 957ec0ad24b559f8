// Package textfold normalizes user-supplied text before any safety-relevant
// comparison. Folding is applied uniformly: thinking-command parsing, intent
// field checks, and URL host checks all see the same canonical form.
package textfold

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

// Fold returns the canonical form of s: NFKC normalization followed by
// removal of zero-width and other invisible format characters. Homoglyph
// tricks that NFKC resolves (fullwidth ASCII, compatibility ligatures) fold
// down to their plain equivalents.
func Fold(s string) string {
	folded := norm.NFKC.String(s)
	return strings.Map(func(r rune) rune {
		if isInvisible(r) {
			return -1
		}
		return r
	}, folded)
}

// FoldLower is Fold followed by Unicode lower-casing, for case-insensitive
// comparisons such as host names and command tokens.
func FoldLower(s string) string {
	return strings.ToLower(Fold(s))
}

// isInvisible reports format-control runes (category Cf): zero-width
// spaces and joiners, directional marks, the BOM. Ordinary whitespace is
// not in Cf and is kept.
func isInvisible(r rune) bool {
	return unicode.Is(unicode.Cf, r)
}
