// Package sanitize cleans remote-supplied HTML before it is rendered or
// written to disk. Model descriptions on Civitai are user generated and
// may carry scripts or event handlers.
package sanitize

import (
	"regexp"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

var (
	htmlPolicy = bluemonday.UGCPolicy()
	textPolicy = bluemonday.StrictPolicy()

	whitespaceRun = regexp.MustCompile(`[ \t]+`)
	blankLines    = regexp.MustCompile(`\n{3,}`)
)

// Description strips active content (scripts, event handlers, javascript:
// links) from a model description while keeping benign formatting such as
// paragraphs, lists and links.
func Description(html string) string {
	return htmlPolicy.Sanitize(html)
}

// PlainText reduces a description to display text: every tag is dropped
// and whitespace is collapsed to something readable in a terminal.
func PlainText(html string) string {
	// Keep block boundaries visible once the tags are gone.
	spaced := strings.NewReplacer(
		"</p>", "\n", "<br>", "\n", "<br/>", "\n", "<br />", "\n",
		"</li>", "\n", "</div>", "\n", "</h1>", "\n", "</h2>", "\n", "</h3>", "\n",
	).Replace(html)

	text := textPolicy.Sanitize(spaced)
	text = strings.ReplaceAll(text, "&amp;", "&")
	text = strings.ReplaceAll(text, "&lt;", "<")
	text = strings.ReplaceAll(text, "&gt;", ">")
	text = strings.ReplaceAll(text, "&#34;", `"`)
	text = strings.ReplaceAll(text, "&#39;", "'")

	text = whitespaceRun.ReplaceAllString(text, " ")
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = blankLines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
