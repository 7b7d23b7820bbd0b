// Package slug derives URL-safe project slugs from free-form human keys.
package slug

import (
	"strings"
	"unicode"
)

// Slugify lowercases s, replaces runs of non-alphanumeric characters with a
// single hyphen, and trims leading/trailing hyphens. It is deterministic:
// the same human_key always produces the same slug, per the Project
// invariant that slug = slugify(human_key) at creation.
func Slugify(s string) string {
	var b strings.Builder
	prevHyphen := false
	for _, r := range s {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(unicode.ToLower(r))
			prevHyphen = false
		default:
			if !prevHyphen && b.Len() > 0 {
				b.WriteByte('-')
				prevHyphen = true
			}
		}
	}
	return strings.TrimRight(b.String(), "-")
}
