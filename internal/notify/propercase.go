package notify

import (
	"strings"
	"unicode"
)

// ProperCase upper-cases the first letter of every word, where words are
// separated by spaces or hyphens. Separators are kept.
func ProperCase(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	start := true
	for _, r := range s {
		if r == ' ' || r == '-' {
			start = true
			b.WriteRune(r)
			continue
		}
		if start {
			r = unicode.ToUpper(r)
			start = false
		}
		b.WriteRune(r)
	}
	return b.String()
}
