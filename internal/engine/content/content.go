// Package content implements span mutation over string content: wrapping a
// resolved range in a tagged span, unwrapping it back to the original bytes,
// and stripping all markup. Annotation highlights and diff proposals are both
// rendered through this layer, so the rest of the engine never touches markup
// directly.
package content

import (
	"fmt"
	"html"
	"regexp"
	"strings"

	"loom/engine/internal/engine/anchor"
)

const (
	ClassHighlight      = "comment-highlight"
	ClassRemoved        = "removed-text"
	ClassAdded          = "added-text"
	ClassSuggestionLine = "suggestion-line"
)

// Wrap renders a tagged span. The inner text is HTML-escaped; Unwrap reverses
// the escaping so wrap→unwrap is byte-identical.
func Wrap(class, commentID, text string) string {
	return fmt.Sprintf(`<span class="%s" data-comment-id="%s">%s</span>`, class, commentID, html.EscapeString(text))
}

// WrapLine renders one line of a diff proposal, preserving the line index the
// proposal was computed against.
func WrapLine(lineIndex int, inner string) string {
	return fmt.Sprintf(`<div class="%s" data-line-index="%d">%s</div>`, ClassSuggestionLine, lineIndex, inner)
}

// WrapRange wraps content[r.Start:r.End] in a tagged span.
func WrapRange(text string, r anchor.Range, class, commentID string) (string, error) {
	if r.Start < 0 || r.End > len(text) || r.Start > r.End {
		return "", fmt.Errorf("range [%d:%d) out of bounds for %d bytes", r.Start, r.End, len(text))
	}
	return text[:r.Start] + Wrap(class, commentID, text[r.Start:r.End]) + text[r.End:], nil
}

func spanPattern(class, commentID string) *regexp.Regexp {
	return regexp.MustCompile(`(?s)<span class="` + regexp.QuoteMeta(class) + `" data-comment-id="` + regexp.QuoteMeta(commentID) + `">(.*?)</span>`)
}

// Unwrap replaces every span with the given class and comment id by its
// original inner text. Content that carried no such span is returned
// unchanged.
func Unwrap(text, class, commentID string) string {
	return spanPattern(class, commentID).ReplaceAllStringFunc(text, func(match string) string {
		groups := spanPattern(class, commentID).FindStringSubmatch(match)
		if len(groups) != 2 {
			return match
		}
		return html.UnescapeString(groups[1])
	})
}

// Remove deletes every span with the given class and comment id, inner text
// included.
func Remove(text, class, commentID string) string {
	return spanPattern(class, commentID).ReplaceAllString(text, "")
}

// SpanText extracts the inner text of the first span with the given class and
// comment id.
func SpanText(text, class, commentID string) (string, bool) {
	groups := spanPattern(class, commentID).FindStringSubmatch(text)
	if len(groups) != 2 {
		return "", false
	}
	return html.UnescapeString(groups[1]), true
}

// HasSpan reports whether any span tagged with the comment id exists.
func HasSpan(text, commentID string) bool {
	return strings.Contains(text, `data-comment-id="`+commentID+`"`)
}

var (
	anySpanRe = regexp.MustCompile(`(?s)<span class="[^"]*" data-comment-id="[^"]*">(.*?)</span>`)
	lineDivRe = regexp.MustCompile(`(?s)<div class="` + ClassSuggestionLine + `" data-line-index="(\d+)">(.*?)</div>`)
)

// StripMarkup removes every span wrapper and suggestion-line wrapper,
// returning plain text. Spans keep their inner text; wrappers around lines
// collapse to the line itself.
func StripMarkup(text string) string {
	out := lineDivRe.ReplaceAllString(text, "$2")
	out = anySpanRe.ReplaceAllStringFunc(out, func(match string) string {
		groups := anySpanRe.FindStringSubmatch(match)
		if len(groups) != 2 {
			return match
		}
		return html.UnescapeString(groups[1])
	})
	return out
}

// SpanIDs lists the distinct comment ids of every span in the content, in
// order of first appearance.
func SpanIDs(text string) []string {
	idRe := regexp.MustCompile(`data-comment-id="([^"]*)"`)
	seen := make(map[string]struct{})
	var ids []string
	for _, groups := range idRe.FindAllStringSubmatch(text, -1) {
		id := groups[1]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}
