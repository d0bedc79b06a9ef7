// Package textutil normalises customer and staff supplied free text before it is stored.
package textutil

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/unicode/norm"
)

var strictPolicy = bluemonday.StrictPolicy()

// CleanText strips markup, drops control characters, collapses runs of whitespace and NFC-normalises the
// result. A positive limit truncates to that many runes.
func CleanText(value string, limit int) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	stripped := html.UnescapeString(strictPolicy.Sanitize(value))
	normalized := norm.NFC.String(stripped)

	var b strings.Builder
	b.Grow(len(normalized))
	count := 0
	pendingSpace := false
	for _, r := range normalized {
		if unicode.IsSpace(r) {
			pendingSpace = count > 0
			continue
		}
		if unicode.IsControl(r) {
			continue
		}
		if pendingSpace {
			if limit > 0 && count+1 >= limit {
				break
			}
			b.WriteRune(' ')
			count++
			pendingSpace = false
		}
		b.WriteRune(r)
		count++
		if limit > 0 && count >= limit {
			break
		}
	}
	return b.String()
}
