package mapper

import (
	"html"
	"regexp"
	"strings"
)

var (
	brTag  = regexp.MustCompile(`(?i)<br\s*/?>`)
	pClose = regexp.MustCompile(`(?i)</p\s*>`)
	anyTag = regexp.MustCompile(`<[^>]*>`)
	manyNL = regexp.MustCompile(`\n{3,}`)
)

// StripHTML converts rich text from the remote tracker to plain text.
// Line breaks become newlines, paragraph closes become blank lines, all
// other tags are removed, and entities are decoded.
func StripHTML(s string) string {
	if s == "" {
		return ""
	}
	s = brTag.ReplaceAllString(s, "\n")
	s = pClose.ReplaceAllString(s, "\n\n")
	s = anyTag.ReplaceAllString(s, "")
	s = html.UnescapeString(s)
	s = manyNL.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}

// WrapHTML converts plain local text into the minimal HTML the remote
// tracker expects for rich-text fields. Empty input yields "" so callers
// can omit the field entirely.
func WrapHTML(s string) string {
	if s == "" {
		return ""
	}
	escaped := html.EscapeString(s)
	escaped = strings.ReplaceAll(escaped, "\n", "<br>")
	return "<div>" + escaped + "</div>"
}
