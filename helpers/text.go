package helpers

import (
	"html"
	"regexp"
	"strings"

	"github.com/k3a/html2text"
	"github.com/microcosm-cc/bluemonday"
)

var (
	leftoverTag  = regexp.MustCompile(`<[a-zA-Z/!][^>]*>`)
	strictPolicy = bluemonday.StrictPolicy()
	bodyPolicy   = newBodyPolicy()
)

func newBodyPolicy() *bluemonday.Policy {
	p := bluemonday.UGCPolicy()
	p.AllowElements("p", "br", "div", "span", "h1", "h2", "h3", "h4", "h5", "h6")
	p.AllowElements("strong", "em", "u", "s", "code", "pre", "blockquote")
	p.AllowElements("ul", "ol", "li", "table", "thead", "tbody", "tr", "th", "td")
	p.AllowAttrs("style").OnElements("span", "div", "p")
	p.RequireParseableURLs(true)
	return p
}

// HTMLTextExtractor reduces HTML bodies to plain text for searching and
// rule matching.
type HTMLTextExtractor struct{}

// PlainText implements the text extraction used by body filters and rules.
func (HTMLTextExtractor) PlainText(body string) string {
	return PlainText(body)
}

// PlainText converts an HTML body to plain text. Markup that html2text
// leaves behind is stripped with a strict sanitizer policy.
func PlainText(body string) string {
	if body == "" {
		return ""
	}
	text := html2text.HTML2Text(body)
	if leftoverTag.MatchString(text) {
		text = html.UnescapeString(strictPolicy.Sanitize(text))
	}
	return strings.TrimSpace(text)
}

// SanitizeHTML removes scripts, event handlers and unsafe URLs from a
// message body while keeping formatting markup.
func SanitizeHTML(body string) string {
	return bodyPolicy.Sanitize(body)
}
