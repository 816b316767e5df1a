package export

import (
	"html"
	"regexp"
	"strings"
)

var (
	markupRe = regexp.MustCompile(`(?s)<span class="[^"]*" data-comment-id="[^"]*">.*?</span>|<div class="suggestion-line" data-line-index="\d+">.*?</div>`)
	tagOnly  = regexp.MustCompile(`<[^>]+>`)
)

// ContentToHTML converts annotated document content to display HTML. Annotation
// spans already carry escaped inner text and pass through unchanged; everything
// between them is escaped. Lines become paragraphs.
func ContentToHTML(text string) string {
	var b strings.Builder
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(stripTags(line)) == "" {
			b.WriteString("<p>&nbsp;</p>\n")
			continue
		}
		b.WriteString("<p>")
		b.WriteString(escapeOutsideMarkup(line))
		b.WriteString("</p>\n")
	}
	return b.String()
}

func escapeOutsideMarkup(line string) string {
	var b strings.Builder
	last := 0
	for _, m := range markupRe.FindAllStringIndex(line, -1) {
		b.WriteString(html.EscapeString(line[last:m[0]]))
		b.WriteString(line[m[0]:m[1]])
		last = m[1]
	}
	b.WriteString(html.EscapeString(line[last:]))
	return b.String()
}

func stripTags(line string) string {
	return tagOnly.ReplaceAllString(line, "")
}
