package util

import (
	"net/url"
	"strings"

	"golang.org/x/text/width"
)

// maxUnescapeRounds bounds how many layers of percent-encoding are peeled.
const maxUnescapeRounds = 3

// UnescapeRepeated undoes one or more rounds of encodeURIComponent-style
// escaping. Values pass through cookie storage and request bodies and are
// sometimes escaped twice on the way.
func UnescapeRepeated(s string) string {
	for i := 0; i < maxUnescapeRounds && strings.Contains(s, "%"); i++ {
		u, err := url.PathUnescape(s)
		if err != nil || u == s {
			break
		}
		s = u
	}
	return s
}

// NormalizePhone folds full-width characters to their ASCII forms and drops
// separators, so "０１０-1234 5678" and "01012345678" compare equal.
func NormalizePhone(s string) string {
	s = width.Narrow.String(strings.TrimSpace(s))
	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		switch r {
		case ' ', '-', '.', '(', ')':
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}
