// Package diff renders proposed edits as paired delete/add spans inside the
// content, tracks which proposals overlap, and applies accept/reject
// transactions. A proposal is Proposed until it is accepted or rejected;
// both are terminal.
package diff

import (
	"fmt"
	"html"
	"log/slog"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/anchor"
	"loom/engine/internal/engine/annotation"
	"loom/engine/internal/engine/content"
	"loom/engine/internal/util"
)

// TemplateExecutor recomputes the preview after an accepted proposal mutated
// template content. Accepting preview-only edits never triggers it, which is
// what keeps template execution from feeding back into itself.
type TemplateExecutor interface {
	RecomputePreview()
}

var (
	ErrProposalNotFound = fmt.Errorf("proposal not found")
	ErrProposalApplied  = fmt.Errorf("proposal already applied")
)

var timeNow = time.Now

// Engine manages the diff proposals of one open document.
type Engine struct {
	documentID string
	surface    annotation.Surface
	comments   *annotation.Store
	executor   TemplateExecutor
	logger     *slog.Logger

	mu        sync.Mutex
	proposals map[string]*doc.DiffPayload
	modes     map[string]doc.Mode
}

func NewEngine(documentID string, surface annotation.Surface, comments *annotation.Store, executor TemplateExecutor, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		documentID: documentID,
		surface:    surface,
		comments:   comments,
		executor:   executor,
		logger:     logger.With("component", "diff", "document", documentID),
		proposals:  make(map[string]*doc.DiffPayload),
		modes:      make(map[string]doc.Mode),
	}
}

// ComputeLineDiffs compares two texts line by line at matching positions and
// returns the changed lines.
func ComputeLineDiffs(current, suggested string) []doc.LineDiff {
	currentLines := strings.Split(current, "\n")
	suggestedLines := strings.Split(suggested, "\n")

	max := len(currentLines)
	if len(suggestedLines) > max {
		max = len(suggestedLines)
	}

	var diffs []doc.LineDiff
	for i := 0; i < max; i++ {
		cur := ""
		if i < len(currentLines) {
			cur = currentLines[i]
		}
		sug := ""
		if i < len(suggestedLines) {
			sug = suggestedLines[i]
		}
		if cur == sug {
			continue
		}
		change := doc.LineModified
		if cur == "" {
			change = doc.LineAdded
		} else if sug == "" {
			change = doc.LineRemoved
		}
		diffs = append(diffs, doc.LineDiff{
			LineIndex:     i,
			OriginalLine:  cur,
			SuggestedLine: sug,
			ChangeType:    change,
		})
	}
	return diffs
}

// Propose renders a range-level proposal over targetText in the given mode
// and creates the companion AI-suggestion comment. Older proposals whose
// spans overlap the target are retired first; an incoming proposal always
// wins. When the target text has drifted out of the content, the proposal is
// appended as a standalone block instead of failing.
func (e *Engine) Propose(mode doc.Mode, targetText, newText, message, author string) (*doc.Comment, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}
	if targetText == "" && newText == "" {
		return nil, fmt.Errorf("empty proposal")
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for _, conflictID := range e.findConflictingLocked(targetText, mode) {
		e.logger.Info("retiring conflicting proposal", "retired", conflictID)
		if err := e.retireLocked(conflictID); err != nil {
			e.logger.Warn("retire failed", "comment", conflictID, "error", err)
		}
	}

	changeType := doc.ChangeReplace
	switch {
	case targetText == "":
		changeType = doc.ChangeAdd
	case newText == "":
		changeType = doc.ChangeRemove
	}

	commentID := util.NewID("c")
	payload := &doc.DiffPayload{
		CommentID:  commentID,
		ChangeType: changeType,
		TargetText: targetText,
		NewText:    newText,
		IsActive:   true,
	}

	text := e.surface.Content(mode)
	pair := content.Wrap(content.ClassRemoved, commentID, targetText) +
		content.Wrap(content.ClassAdded, commentID, newText)

	anchorAt := 0
	if targetText != "" {
		if r, ok := anchor.Resolve(text, anchor.Info{SelectedText: targetText, Start: 0, End: 0}); ok {
			e.surface.SetContent(mode, text[:r.Start]+pair+text[r.End:])
			anchorAt = r.Start
		} else {
			// Content drifted; append as standalone block.
			payload.Appended = true
			e.surface.SetContent(mode, text+"\n"+pair)
			anchorAt = len(text) + 1
		}
	} else {
		// Pure addition goes to the end of the content.
		e.surface.SetContent(mode, text+pair)
		anchorAt = len(text)
	}

	c := e.storeComment(commentID, payload, mode, message, author, anchorAt)
	e.proposals[commentID] = payload
	e.modes[commentID] = mode
	return c, nil
}

// ProposeLines renders a line-level proposal: the whole view becomes a diff
// of current against suggested, one wrapped line per row, changed rows
// carrying delete/add span pairs. Any older proposal in the same mode is
// retired first.
func (e *Engine) ProposeLines(mode doc.Mode, suggested, message, author string) (*doc.Comment, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// A full-view diff overlaps everything currently proposed in this mode.
	for id, m := range e.modes {
		if m != mode {
			continue
		}
		if err := e.retireLocked(id); err != nil {
			e.logger.Warn("retire failed", "comment", id, "error", err)
		}
	}

	current := content.StripMarkup(e.surface.Content(mode))
	diffs := ComputeLineDiffs(current, suggested)
	if len(diffs) == 0 {
		return nil, fmt.Errorf("suggested text is identical to current content")
	}

	commentID := util.NewID("c")
	payload := &doc.DiffPayload{
		CommentID:  commentID,
		ChangeType: doc.ChangeReplace,
		TargetText: current,
		NewText:    suggested,
		IsActive:   true,
		LineDiffs:  diffs,
	}

	e.surface.SetContent(mode, RenderDiffView(current, suggested, commentID))

	c := e.storeComment(commentID, payload, mode, message, author, 0)
	e.proposals[commentID] = payload
	e.modes[commentID] = mode
	return c, nil
}

// Accept applies the proposal: the delete/add span pair is replaced by the
// add text as plain content, the proposal and its comment are resolved, and
// the preview is recomputed when template content changed.
func (e *Engine) Accept(commentID string) error {
	return e.apply(commentID, true)
}

// Reject restores the original text, byte-identical to the pre-proposal
// content, with the same cleanup as Accept.
func (e *Engine) Reject(commentID string) error {
	return e.apply(commentID, false)
}

func (e *Engine) apply(commentID string, accept bool) error {
	e.mu.Lock()
	payload, ok := e.proposals[commentID]
	if !ok {
		e.mu.Unlock()
		return ErrProposalNotFound
	}
	if !payload.IsActive {
		e.mu.Unlock()
		return ErrProposalApplied
	}
	mode := e.modes[commentID]

	if err := e.restoreLocked(commentID, payload, mode, accept); err != nil {
		e.mu.Unlock()
		return err
	}

	payload.IsActive = false
	delete(e.proposals, commentID)
	delete(e.modes, commentID)
	recompute := accept && mode == doc.ModeTemplate && e.executor != nil
	e.mu.Unlock()

	if err := e.comments.Resolve(commentID); err != nil {
		e.logger.Warn("resolve companion comment", "comment", commentID, "error", err)
	}
	if recompute {
		e.executor.RecomputePreview()
	}
	return nil
}

// restoreLocked turns the proposal's markup back into plain text, keeping
// either the suggested (accept) or the original (reject) side.
func (e *Engine) restoreLocked(commentID string, payload *doc.DiffPayload, mode doc.Mode, accept bool) error {
	text := e.surface.Content(mode)

	if payload.LineDiffs != nil {
		current, suggested, err := ParseDiffView(text)
		if err != nil {
			return fmt.Errorf("parse diff view: %w", err)
		}
		if accept {
			e.surface.SetContent(mode, suggested)
		} else {
			e.surface.SetContent(mode, current)
		}
		return nil
	}

	removed, hasRemoved := content.SpanText(text, content.ClassRemoved, commentID)
	added, hasAdded := content.SpanText(text, content.ClassAdded, commentID)
	if !hasRemoved && !hasAdded {
		return fmt.Errorf("diff spans for %s missing from content", commentID)
	}

	pair := content.Wrap(content.ClassRemoved, commentID, removed) +
		content.Wrap(content.ClassAdded, commentID, added)
	idx := strings.Index(text, pair)
	if idx < 0 {
		return fmt.Errorf("diff span pair for %s missing from content", commentID)
	}

	replacement := removed
	if accept {
		replacement = added
	}

	if payload.Appended {
		// The block carries its own separating newline. Rejecting drops the
		// block and the separator; accepting keeps the suggested text in place.
		if !accept {
			e.surface.SetContent(mode, strings.Replace(text, "\n"+pair, "", 1))
			return nil
		}
		e.surface.SetContent(mode, strings.Replace(text, "\n"+pair, "\n"+replacement, 1))
		return nil
	}

	e.surface.SetContent(mode, text[:idx]+replacement+text[idx+len(pair):])
	return nil
}

// retireLocked removes a stale proposal without applying it: the original
// text is restored and the companion comment is deleted.
func (e *Engine) retireLocked(commentID string) error {
	payload, ok := e.proposals[commentID]
	if !ok {
		return ErrProposalNotFound
	}
	mode := e.modes[commentID]
	if err := e.restoreLocked(commentID, payload, mode, false); err != nil {
		return err
	}
	payload.IsActive = false
	delete(e.proposals, commentID)
	delete(e.modes, commentID)
	e.comments.Remove(commentID)
	return nil
}

// FindConflicting returns the comment ids of unresolved proposals whose
// rendered text equals, contains, or is contained by targetText.
func (e *Engine) FindConflicting(targetText string, mode doc.Mode) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.findConflictingLocked(targetText, mode)
}

func (e *Engine) findConflictingLocked(targetText string, mode doc.Mode) []string {
	if targetText == "" {
		return nil
	}
	text := e.surface.Content(mode)
	var conflicts []string
	for id, m := range e.modes {
		if m != mode {
			continue
		}
		if overlaps(text, id, targetText) {
			conflicts = append(conflicts, id)
		}
	}
	sort.Strings(conflicts)
	return conflicts
}

func overlaps(text, commentID, targetText string) bool {
	for _, class := range []string{content.ClassRemoved, content.ClassAdded} {
		inner, ok := content.SpanText(text, class, commentID)
		if !ok || inner == "" {
			continue
		}
		if inner == targetText || strings.Contains(inner, targetText) || strings.Contains(targetText, inner) {
			return true
		}
	}
	return false
}

// Active returns the unresolved proposals keyed by comment id.
func (e *Engine) Active() map[string]doc.DiffPayload {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]doc.DiffPayload, len(e.proposals))
	for id, p := range e.proposals {
		out[id] = *p
	}
	return out
}

// Restore re-registers an unresolved proposal carried in persisted comment
// state, without re-rendering spans that are already present.
func (e *Engine) Restore(c *doc.Comment) {
	if c == nil || c.DiffPayload == nil || !c.DiffPayload.IsActive {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	payload := *c.DiffPayload
	payload.LineDiffs = append([]doc.LineDiff(nil), c.DiffPayload.LineDiffs...)
	e.proposals[c.ID] = &payload
	e.modes[c.ID] = c.Mode

	text := e.surface.Content(c.Mode)
	if content.HasSpan(text, c.ID) {
		return
	}
	if payload.LineDiffs != nil {
		e.surface.SetContent(c.Mode, RenderDiffView(content.StripMarkup(text), payload.NewText, c.ID))
		return
	}
	pair := content.Wrap(content.ClassRemoved, c.ID, payload.TargetText) +
		content.Wrap(content.ClassAdded, c.ID, payload.NewText)
	if r, ok := anchor.Resolve(text, anchor.Info{SelectedText: payload.TargetText}); ok && payload.TargetText != "" {
		e.surface.SetContent(c.Mode, text[:r.Start]+pair+text[r.End:])
	} else {
		payload.Appended = true
		e.surface.SetContent(c.Mode, text+"\n"+pair)
	}
}

func (e *Engine) storeComment(commentID string, payload *doc.DiffPayload, mode doc.Mode, message, author string, position int) *doc.Comment {
	c := &doc.Comment{
		ID:             commentID,
		SelectedText:   payload.TargetText,
		Message:        message,
		Mode:           mode,
		Author:         author,
		CreatedAt:      timeNow(),
		IsActive:       true,
		IsAISuggestion: true,
		DiffPayload:    payload,
		Anchor: anchor.Info{
			SelectedText: payload.TargetText,
			Start:        position,
			End:          position + len(payload.TargetText),
		},
	}
	e.comments.AddExisting(c)
	return c.Clone()
}

// RenderDiffView renders every line of current as a wrapped line; rows where
// suggested differs carry delete/add span pairs tagged with the comment id.
func RenderDiffView(current, suggested, commentID string) string {
	currentLines := strings.Split(current, "\n")
	suggestedLines := strings.Split(suggested, "\n")
	max := len(currentLines)
	if len(suggestedLines) > max {
		max = len(suggestedLines)
	}

	var b strings.Builder
	for i := 0; i < max; i++ {
		cur := ""
		hasCur := i < len(currentLines)
		if hasCur {
			cur = currentLines[i]
		}
		sug := ""
		hasSug := i < len(suggestedLines)
		if hasSug {
			sug = suggestedLines[i]
		}

		switch {
		case cur == sug:
			b.WriteString(content.WrapLine(i, html.EscapeString(cur)))
		case !hasSug || (hasCur && sug == ""):
			b.WriteString(content.WrapLine(i, content.Wrap(content.ClassRemoved, commentID, cur)))
		case !hasCur || (hasSug && cur == ""):
			b.WriteString(content.WrapLine(i, content.Wrap(content.ClassAdded, commentID, sug)))
		default:
			b.WriteString(content.WrapLine(i,
				content.Wrap(content.ClassRemoved, commentID, cur)+
					content.Wrap(content.ClassAdded, commentID, sug)))
		}
	}
	return b.String()
}

var (
	lineRe    = regexp.MustCompile(`(?s)<div class="suggestion-line" data-line-index="(\d+)">(.*?)</div>`)
	removedRe = regexp.MustCompile(`(?s)<span class="removed-text" data-comment-id="[^"]*">(.*?)</span>`)
	addedRe   = regexp.MustCompile(`(?s)<span class="added-text" data-comment-id="[^"]*">(.*?)</span>`)
	tagRe     = regexp.MustCompile(`<[^>]*>`)
)

// ParseDiffView recovers the current and suggested texts from a rendered
// diff view: plain rows belong to both, removed spans only to current,
// added spans only to suggested.
func ParseDiffView(text string) (current, suggested string, err error) {
	matches := lineRe.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return "", "", fmt.Errorf("no diff lines in content")
	}

	maxIndex := 0
	type row struct {
		index int
		inner string
	}
	rows := make([]row, 0, len(matches))
	for _, groups := range matches {
		index, convErr := strconv.Atoi(groups[1])
		if convErr != nil {
			continue
		}
		if index > maxIndex {
			maxIndex = index
		}
		rows = append(rows, row{index: index, inner: groups[2]})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].index < rows[j].index })

	currentLines := make([]*string, maxIndex+1)
	suggestedLines := make([]*string, maxIndex+1)
	for _, r := range rows {
		hasRemoved := removedRe.MatchString(r.inner)
		hasAdded := addedRe.MatchString(r.inner)
		switch {
		case hasRemoved && hasAdded:
			removed := html.UnescapeString(removedRe.FindStringSubmatch(r.inner)[1])
			added := html.UnescapeString(addedRe.FindStringSubmatch(r.inner)[1])
			currentLines[r.index] = &removed
			suggestedLines[r.index] = &added
		case hasRemoved:
			removed := html.UnescapeString(removedRe.FindStringSubmatch(r.inner)[1])
			currentLines[r.index] = &removed
		case hasAdded:
			added := html.UnescapeString(addedRe.FindStringSubmatch(r.inner)[1])
			suggestedLines[r.index] = &added
		default:
			plain := html.UnescapeString(tagRe.ReplaceAllString(r.inner, ""))
			currentLines[r.index] = &plain
			dup := plain
			suggestedLines[r.index] = &dup
		}
	}

	return joinRows(currentLines), joinRows(suggestedLines), nil
}

func joinRows(rows []*string) string {
	lines := make([]string, 0, len(rows))
	for _, r := range rows {
		if r == nil {
			continue
		}
		lines = append(lines, *r)
	}
	return strings.Join(lines, "\n")
}
