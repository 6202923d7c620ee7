package screen

import (
	"html"
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlTag    = regexp.MustCompile(`(?i)<(/?[a-z][a-z0-9]*|!doctype|!--)[^>]*>`)
	blockTag   = regexp.MustCompile(`(?i)<\s*(br|/p|/div|/li|/tr|/h[1-6])\s*/?>`)
	blankLines = regexp.MustCompile(`\n[ \t]*\n([ \t]*\n)+`)
	strict     = bluemonday.StrictPolicy()
)

// LooksLikeHTML reports whether body carries markup.
func LooksLikeHTML(body string) bool {
	return htmlTag.MatchString(body)
}

// Normalize reduces an inbound body to plain text. HTML mail is stripped of
// all markup with line breaks kept at block boundaries; plain text only has
// its line endings and runs of blank lines tidied.
func Normalize(body string) string {
	body = strings.ReplaceAll(body, "\r\n", "\n")
	if LooksLikeHTML(body) {
		body = blockTag.ReplaceAllString(body, "\n")
		body = html.UnescapeString(strict.Sanitize(body))
	}
	lines := strings.Split(body, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	body = strings.Join(lines, "\n")
	body = blankLines.ReplaceAllString(body, "\n\n")
	return strings.TrimSpace(body)
}
