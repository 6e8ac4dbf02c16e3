// Package slug turns free text into lowercase, ASCII, URL- and path-safe
// identifiers.
package slug

import (
	"encoding/hex"
	"strings"
	"unicode"

	"github.com/zeebo/blake3"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// MaxLen bounds the length of a slug. Longer input is cut at a word boundary
// when one exists.
const MaxLen = 64

// Make returns the slug of s, or fallback when s has no usable characters.
func Make(s, fallback string) string {
	t := transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(folded) {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			if dash && b.Len() > 0 {
				b.WriteByte('-')
			}
			dash = false
			b.WriteRune(r)
		default:
			dash = true
		}
	}

	out := b.String()
	if len(out) > MaxLen {
		out = out[:MaxLen]
		if i := strings.LastIndexByte(out, '-'); i > MaxLen/2 {
			out = out[:i]
		}
		out = strings.TrimRight(out, "-")
	}
	if out == "" {
		return fallback
	}
	return out
}

// WithSuffix appends a short content hash of key to base. Used to keep slugs
// unique when two inputs fold to the same text.
func WithSuffix(base, key string) string {
	sum := blake3.Sum256([]byte(key))
	return base + "-" + hex.EncodeToString(sum[:4])
}
