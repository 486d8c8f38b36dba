// Package richtext handles the small HTML subset allowed in task narrative
// fields: bold, italic, underline, line breaks and plain containers.
package richtext

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/net/html"
)

// AllowedTags is the complete element allow-list. No attributes survive.
var AllowedTags = []string{"b", "i", "u", "br", "strong", "em", "div", "span"}

var htmlPattern = regexp.MustCompile(`(?i)<[a-z][\s\S]*>`)

var (
	policy = newPolicy()
	strip  = bluemonday.StrictPolicy()
)

func newPolicy() *bluemonday.Policy {
	p := bluemonday.NewPolicy()
	p.AllowElements(AllowedTags...)
	p.AllowNoAttrs().OnElements(AllowedTags...)
	return p
}

// IsHTML reports whether s looks like markup rather than plain text.
func IsHTML(s string) bool {
	return htmlPattern.MatchString(s)
}

// Sanitize reduces untrusted markup to the allow-list. Plain text is
// returned unchanged so that "A & B" is not rewritten to "A &amp; B".
func Sanitize(s string) string {
	if !IsHTML(s) {
		return s
	}
	return policy.Sanitize(s)
}

// PlainTextToHTML escapes plain text and turns newlines into <br>.
// Input that is already markup is returned as is.
func PlainTextToHTML(s string) string {
	if s == "" || IsHTML(s) {
		return s
	}
	return strings.ReplaceAll(html.EscapeString(s), "\n", "<br>")
}

// Text flattens markup to plain text for search and exports.
func Text(s string) string {
	if !IsHTML(s) {
		return s
	}
	s = brPattern.ReplaceAllString(s, "\n")
	return html.UnescapeString(strip.Sanitize(s))
}

var brPattern = regexp.MustCompile(`(?i)<br\s*/?>|</div>`)

var converter = newConverter()

func newConverter() *md.Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return c
}

// ToMarkdown converts a narrative field to markdown. Plain text passes
// through with newlines kept.
func ToMarkdown(s string) (string, error) {
	if !IsHTML(s) {
		return strings.TrimSpace(s), nil
	}
	out, err := converter.ConvertString(Sanitize(s))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}
