// Package sanitize cleans user-controlled text before it crosses a
// platform boundary: masquerade display names sent to a webhook, and
// the titles and descriptions of embeds preserved by archive import.
package sanitize

import (
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// DisplayName strips control characters from a relayed author's
// display name and truncates it to maxLen, trimming surrounding
// whitespace left behind by truncation. Both source and target
// webhook/masquerade APIs reject names containing control characters.
func DisplayName(s string, maxLen int) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		if b.Len() >= maxLen {
			break
		}
		b.WriteRune(r)
	}
	return strings.TrimSpace(b.String())
}

var htmlPolicy = bluemonday.StrictPolicy()

// StripHTML removes any HTML markup from s, returning plain text. Used
// on the title and description of embeds preserved by archive import;
// relayed and imported message bodies are not passed through it.
func StripHTML(s string) string {
	return htmlPolicy.Sanitize(s)
}
