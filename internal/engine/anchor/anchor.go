// Package anchor converts text selections into durable anchors and re-locates
// them after the surrounding content has changed. An anchor carries the
// selected text itself plus positional metadata so that the same occurrence
// can be found again even when the text appears more than once.
package anchor

import (
	"fmt"
	"strings"
)

// contextWindow is how many bytes of surrounding text are captured on each
// side of a selection to disambiguate repeated occurrences.
const contextWindow = 32

// Info is the persisted form of an anchor.
type Info struct {
	SelectedText string `json:"selectedText"`
	Start        int    `json:"start"`
	End          int    `json:"end"`
	NodePath     string `json:"nodePath"`
	Prefix       string `json:"prefix"`
	Suffix       string `json:"suffix"`
	Occurrence   int    `json:"occurrence"`
}

// Range is a resolved position inside current content.
type Range struct {
	Start int
	End   int
}

func (r Range) Len() int { return r.End - r.Start }

// Create captures an anchor for content[start:end].
func Create(content string, start, end int) (Info, error) {
	if start < 0 || end > len(content) || start >= end {
		return Info{}, fmt.Errorf("selection [%d:%d) out of range for content of %d bytes", start, end, len(content))
	}

	prefixStart := start - contextWindow
	if prefixStart < 0 {
		prefixStart = 0
	}
	suffixEnd := end + contextWindow
	if suffixEnd > len(content) {
		suffixEnd = len(content)
	}

	selected := content[start:end]
	return Info{
		SelectedText: selected,
		Start:        start,
		End:          end,
		NodePath:     nodePath(content, start),
		Prefix:       content[prefixStart:start],
		Suffix:       content[end:suffixEnd],
		Occurrence:   occurrenceIndex(content, selected, start),
	}, nil
}

// CreateFromText anchors the occurrence of text closest to approxOffset.
// Used when the selection was made against decorated content and the anchor
// must be recorded against the clean text instead.
func CreateFromText(content, text string, approxOffset int) (Info, error) {
	if text == "" {
		return Info{}, fmt.Errorf("empty selection")
	}
	idx := nearestIndex(content, text, approxOffset)
	if idx < 0 {
		return Info{}, fmt.Errorf("selection %q not present in content", text)
	}
	return Create(content, idx, idx+len(text))
}

// Resolve re-locates the anchor inside possibly-changed content. Resolution
// tries the exact recorded position first, then a context-assisted search,
// then falls back to the plain occurrence closest to the recorded offset.
// The second return value is false when the text is no longer present.
func Resolve(content string, a Info) (Range, bool) {
	if a.SelectedText == "" {
		return Range{}, false
	}

	// Exact positional match.
	if a.Start >= 0 && a.End <= len(content) && a.Start < a.End {
		if content[a.Start:a.End] == a.SelectedText {
			return Range{Start: a.Start, End: a.End}, true
		}
	}

	// Context match: the selection bracketed by its recorded neighbours.
	if a.Prefix != "" || a.Suffix != "" {
		needle := a.Prefix + a.SelectedText + a.Suffix
		if idx := nearestIndex(content, needle, a.Start-len(a.Prefix)); idx >= 0 {
			start := idx + len(a.Prefix)
			return Range{Start: start, End: start + len(a.SelectedText)}, true
		}
	}

	// Plain text search, preferring the occurrence closest to where the
	// selection used to live.
	if idx := nearestIndex(content, a.SelectedText, a.Start); idx >= 0 {
		return Range{Start: idx, End: idx + len(a.SelectedText)}, true
	}

	return Range{}, false
}

// nearestIndex returns the start of the occurrence of needle in content
// closest to the wanted offset, or -1 when needle does not occur.
func nearestIndex(content, needle string, wanted int) int {
	best := -1
	bestDistance := 0
	from := 0
	for {
		idx := strings.Index(content[from:], needle)
		if idx < 0 {
			break
		}
		abs := from + idx
		distance := abs - wanted
		if distance < 0 {
			distance = -distance
		}
		if best < 0 || distance < bestDistance {
			best = abs
			bestDistance = distance
		}
		from = abs + 1
		if from >= len(content) {
			break
		}
	}
	return best
}

// occurrenceIndex counts how many occurrences of needle start before offset.
func occurrenceIndex(content, needle string, offset int) int {
	count := 0
	from := 0
	for from < offset {
		idx := strings.Index(content[from:], needle)
		if idx < 0 {
			break
		}
		abs := from + idx
		if abs >= offset {
			break
		}
		count++
		from = abs + 1
	}
	return count
}

// nodePath records the line the selection starts on, the closest thing plain
// text content has to a containing node.
func nodePath(content string, start int) string {
	line := strings.Count(content[:start], "\n")
	return fmt.Sprintf("line:%d", line)
}
