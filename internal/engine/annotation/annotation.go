// Package annotation owns the comment threads of one open document and keeps
// their highlights in step with the content. A highlight exists in the
// displayed content exactly when its comment is active, unresolved and
// belongs to the currently displayed mode.
package annotation

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/anchor"
	"loom/engine/internal/engine/content"
	"loom/engine/internal/util"
)

// Surface is the mutable content the store renders highlights into. The
// registry's open document satisfies it.
type Surface interface {
	Content(mode doc.Mode) string
	SetContent(mode doc.Mode, text string)
}

// Window is the detached annotation UI unit that accompanies a highlight.
type Window struct {
	CommentID string
	Position  int
	IsVisible bool
}

// restoreCooldown suppresses repeated restorations fired by secondary
// triggers (content load immediately followed by a visibility change).
const restoreCooldown = 2 * time.Second

// Store holds the comments of one document.
type Store struct {
	documentID string
	surface    Surface
	logger     *slog.Logger
	now        func() time.Time

	mu          sync.Mutex
	comments    map[string]*doc.Comment
	windows     map[string]*Window
	displayMode doc.Mode
	restoring   bool
	lastRestore time.Time
}

func NewStore(documentID string, surface Surface, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		documentID:  documentID,
		surface:     surface,
		logger:      logger.With("component", "annotation", "document", documentID),
		now:         time.Now,
		comments:    make(map[string]*doc.Comment),
		windows:     make(map[string]*Window),
		displayMode: doc.ModeSource,
	}
}

// AddComment creates a comment anchored to the selection [start:end) of the
// given mode's content, renders its highlight and opens its annotation
// window.
func (s *Store) AddComment(start, end int, message string, mode doc.Mode, author string) (*doc.Comment, error) {
	if !mode.Valid() {
		return nil, fmt.Errorf("invalid mode %q", mode)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	displayed := s.surface.Content(mode)
	if start < 0 || end > len(displayed) || start >= end {
		return nil, fmt.Errorf("selection [%d:%d) out of range", start, end)
	}
	selected := displayed[start:end]

	// Anchors are recorded against clean text so they survive decoration
	// changes; the selection offsets index the displayed content.
	clean := content.StripMarkup(displayed)
	a, err := anchor.CreateFromText(clean, selected, start)
	if err != nil {
		return nil, fmt.Errorf("anchor selection: %w", err)
	}

	c := &doc.Comment{
		ID:           util.NewID("c"),
		SelectedText: selected,
		Message:      message,
		Mode:         mode,
		Author:       author,
		CreatedAt:    s.now(),
		IsActive:     true,
		Anchor:       a,
	}
	s.comments[c.ID] = c
	s.windows[c.ID] = &Window{CommentID: c.ID, Position: a.Start, IsVisible: mode == s.displayMode}
	s.refreshHighlightLocked(c)
	return c.Clone(), nil
}

// AddExisting stores a comment that arrived from sync or a reload and
// renders its highlight if it should be visible.
func (s *Store) AddExisting(c *doc.Comment) {
	if c == nil || c.ID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := c.Clone()
	s.comments[stored.ID] = stored
	s.windows[stored.ID] = &Window{CommentID: stored.ID, Position: stored.Anchor.Start}
	s.refreshHighlightLocked(stored)
}

// Reply appends a message to a thread. Replaying the same reply id is a
// no-op so sync replays cannot duplicate messages.
func (s *Store) Reply(commentID, replyID, text, author string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return fmt.Errorf("comment %s not found", commentID)
	}
	if replyID == "" {
		replyID = util.NewID("r")
	}
	if c.HasReply(replyID) {
		return nil
	}
	c.Messages = append(c.Messages, doc.Reply{
		ID:        replyID,
		Author:    author,
		Text:      text,
		CreatedAt: s.now(),
	})
	return nil
}

// Resolve hides the annotation but keeps its history.
func (s *Store) Resolve(commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return fmt.Errorf("comment %s not found", commentID)
	}
	c.IsResolved = true
	s.refreshHighlightLocked(c)
	if w, ok := s.windows[commentID]; ok {
		w.IsVisible = false
	}
	return nil
}

// Delete removes the comment, replacing its highlight wrapper with the
// original text so the content is byte-identical to its pre-highlight form.
func (s *Store) Delete(commentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return fmt.Errorf("comment %s not found", commentID)
	}
	s.unwrapLocked(c)
	delete(s.comments, commentID)
	delete(s.windows, commentID)
	return nil
}

// Remove drops a comment without touching content markup beyond unwrapping,
// used when sync observes a remote deletion.
func (s *Store) Remove(commentID string) {
	_ = s.Delete(commentID)
}

// RestoreAll rebuilds every unresolved comment's highlight and window from
// persisted state. It is reentrant-safe: a restoration already in progress
// for this document is a no-op, as is one fired within the cooldown window
// after the previous finished.
func (s *Store) RestoreAll(saved map[string]*doc.Comment) {
	s.restoreAll(saved, false)
}

// ForceRestoreAll restores regardless of the cooldown. Callers that replaced
// content wholesale use it, since the replacement dropped every rendered
// highlight and the anchors must re-resolve immediately. The reentrancy
// guard still applies.
func (s *Store) ForceRestoreAll(saved map[string]*doc.Comment) {
	s.restoreAll(saved, true)
}

func (s *Store) restoreAll(saved map[string]*doc.Comment, force bool) {
	s.mu.Lock()
	if s.restoring {
		s.mu.Unlock()
		s.logger.Debug("restore already in progress, skipping")
		return
	}
	if !force && !s.lastRestore.IsZero() && s.now().Sub(s.lastRestore) < restoreCooldown {
		s.mu.Unlock()
		s.logger.Debug("restore within cooldown, skipping")
		return
	}
	s.restoring = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.restoring = false
		s.lastRestore = s.now()
		s.mu.Unlock()
	}()

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range sortedComments(saved) {
		stored := c.Clone()
		s.comments[stored.ID] = stored
		if _, ok := s.windows[stored.ID]; !ok {
			s.windows[stored.ID] = &Window{CommentID: stored.ID, Position: stored.Anchor.Start}
		}
		s.refreshHighlightLocked(stored)
	}
}

// SetDisplayMode switches which view is displayed and re-evaluates highlight
// visibility for every comment. Comments are toggled, never re-created.
func (s *Store) SetDisplayMode(mode doc.Mode) {
	if !mode.Valid() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if mode == s.displayMode {
		return
	}
	s.displayMode = mode
	for _, c := range sortedComments(s.comments) {
		s.refreshHighlightLocked(c)
	}
}

func (s *Store) DisplayMode() doc.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.displayMode
}

// Comments returns a deep copy of the current comment map.
func (s *Store) Comments() map[string]*doc.Comment {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]*doc.Comment, len(s.comments))
	for id, c := range s.comments {
		out[id] = c.Clone()
	}
	return out
}

// Get returns a copy of one comment.
func (s *Store) Get(commentID string) (*doc.Comment, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.comments[commentID]
	if !ok {
		return nil, false
	}
	return c.Clone(), true
}

// Window returns the UI window state for a comment.
func (s *Store) Window(commentID string) (Window, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.windows[commentID]
	if !ok {
		return Window{}, false
	}
	return *w, true
}

// HighlightCount reports how many highlights are currently rendered in the
// displayed mode's content.
func (s *Store) HighlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	text := s.surface.Content(s.displayMode)
	for id := range s.comments {
		if content.HasSpan(text, id) {
			count++
		}
	}
	return count
}

// refreshHighlightLocked makes the rendered state of one comment's highlight
// match the visibility invariant.
func (s *Store) refreshHighlightLocked(c *doc.Comment) {
	// AI suggestions are rendered as diff spans by the proposal engine, not
	// as comment highlights.
	if c.IsAISuggestion {
		return
	}
	shouldShow := c.IsActive && !c.IsResolved && c.Mode == s.displayMode
	text := s.surface.Content(c.Mode)
	has := content.HasSpan(text, c.ID)

	switch {
	case shouldShow && !has:
		r, ok := anchor.Resolve(text, c.Anchor)
		if !ok {
			// Anchor failure is non-fatal: hide the annotation window
			// instead of erroring the document.
			s.logger.Warn("anchor no longer resolves, hiding annotation", "comment", c.ID)
			if w, ok := s.windows[c.ID]; ok {
				w.IsVisible = false
			}
			return
		}
		wrapped, err := content.WrapRange(text, r, content.ClassHighlight, c.ID)
		if err != nil {
			s.logger.Warn("highlight render failed", "comment", c.ID, "error", err)
			return
		}
		s.surface.SetContent(c.Mode, wrapped)
		if w, ok := s.windows[c.ID]; ok {
			w.Position = r.Start
			w.IsVisible = true
		}
	case !shouldShow && has:
		s.surface.SetContent(c.Mode, content.Unwrap(text, content.ClassHighlight, c.ID))
		if w, ok := s.windows[c.ID]; ok {
			w.IsVisible = false
		}
	}
}

func (s *Store) unwrapLocked(c *doc.Comment) {
	text := s.surface.Content(c.Mode)
	if content.HasSpan(text, c.ID) {
		s.surface.SetContent(c.Mode, content.Unwrap(text, content.ClassHighlight, c.ID))
	}
}

// sortedComments iterates deterministically so repeated restorations render
// highlights in a stable order.
func sortedComments(m map[string]*doc.Comment) []*doc.Comment {
	out := make([]*doc.Comment, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
