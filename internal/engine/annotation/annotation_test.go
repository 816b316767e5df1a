package annotation

import (
	"strings"
	"testing"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/content"
)

type fakeSurface struct {
	contents map[doc.Mode]string
}

func newFakeSurface(source string) *fakeSurface {
	return &fakeSurface{contents: map[doc.Mode]string{
		doc.ModeSource:   source,
		doc.ModeTemplate: "",
		doc.ModePreview:  "",
	}}
}

func (f *fakeSurface) Content(mode doc.Mode) string          { return f.contents[mode] }
func (f *fakeSurface) SetContent(mode doc.Mode, text string) { f.contents[mode] = text }

func TestAddCommentRendersHighlight(t *testing.T) {
	surface := newFakeSurface("Revenue: $1200 this quarter")
	s := NewStore("doc1", surface, nil)

	start := strings.Index(surface.Content(doc.ModeSource), "$1200")
	c, err := s.AddComment(start, start+5, "check this figure", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if c.SelectedText != "$1200" {
		t.Fatalf("SelectedText = %q", c.SelectedText)
	}
	if !content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("highlight missing from source content")
	}
	w, ok := s.Window(c.ID)
	if !ok || !w.IsVisible {
		t.Fatalf("annotation window = %+v, %v", w, ok)
	}
}

func TestDeleteRestoresOriginalBytes(t *testing.T) {
	original := "Revenue: $1200 this quarter"
	surface := newFakeSurface(original)
	s := NewStore("doc1", surface, nil)

	c, err := s.AddComment(9, 14, "figure", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if surface.Content(doc.ModeSource) == original {
		t.Fatal("highlight was never rendered")
	}

	if err := s.Delete(c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if got := surface.Content(doc.ModeSource); got != original {
		t.Fatalf("content after delete = %q, want %q", got, original)
	}
	if _, ok := s.Get(c.ID); ok {
		t.Fatal("comment still present after delete")
	}
}

func TestResolveHidesHighlightKeepsHistory(t *testing.T) {
	surface := newFakeSurface("some figure here")
	s := NewStore("doc1", surface, nil)
	c, err := s.AddComment(5, 11, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if err := s.Reply(c.ID, "r1", "agreed", "sam"); err != nil {
		t.Fatalf("Reply() error = %v", err)
	}

	if err := s.Resolve(c.ID); err != nil {
		t.Fatalf("Resolve() error = %v", err)
	}
	if content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("resolved comment still highlighted")
	}
	got, ok := s.Get(c.ID)
	if !ok || !got.IsResolved || len(got.Messages) != 1 {
		t.Fatalf("history lost: %+v, %v", got, ok)
	}
}

func TestReplyIdempotentUnderReplay(t *testing.T) {
	surface := newFakeSurface("text to annotate")
	s := NewStore("doc1", surface, nil)
	c, err := s.AddComment(0, 4, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Reply(c.ID, "r1", "same reply", "sam"); err != nil {
			t.Fatalf("Reply() error = %v", err)
		}
	}
	got, _ := s.Get(c.ID)
	if len(got.Messages) != 1 {
		t.Fatalf("replayed reply duplicated: %d messages", len(got.Messages))
	}
}

func TestModeSwitchTogglesVisibility(t *testing.T) {
	surface := newFakeSurface("source words here")
	surface.SetContent(doc.ModeTemplate, "template words here")
	s := NewStore("doc1", surface, nil)

	c, err := s.AddComment(0, 6, "on source", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	if !content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("highlight missing before switch")
	}

	s.SetDisplayMode(doc.ModeTemplate)
	if content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("source highlight should be hidden while template mode is displayed")
	}

	s.SetDisplayMode(doc.ModeSource)
	if !content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("highlight must come back after switching home")
	}
}

func TestRestoreAllIsIdempotent(t *testing.T) {
	surface := newFakeSurface("alpha beta gamma")
	s := NewStore("doc1", surface, nil)

	first := NewStore("seed", newFakeSurface("alpha beta gamma"), nil)
	c, err := first.AddComment(6, 10, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	saved := map[string]*doc.Comment{c.ID: c}

	s.RestoreAll(saved)
	if s.HighlightCount() != 1 {
		t.Fatalf("highlights after restore = %d", s.HighlightCount())
	}

	// An immediate second restoration is inside the cooldown and skipped.
	s.RestoreAll(saved)
	if s.HighlightCount() != 1 {
		t.Fatalf("second restore duplicated highlights: %d", s.HighlightCount())
	}
	if got := strings.Count(surface.Content(doc.ModeSource), c.ID); got != 1 {
		t.Fatalf("comment id appears %d times in content", got)
	}
}

func TestRestoreAllAfterCooldownStillNoDuplicates(t *testing.T) {
	surface := newFakeSurface("alpha beta gamma")
	s := NewStore("doc1", surface, nil)
	now := time.Now()
	s.now = func() time.Time { return now }

	seeded := NewStore("seed", newFakeSurface("alpha beta gamma"), nil)
	c, err := seeded.AddComment(6, 10, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	saved := map[string]*doc.Comment{c.ID: c}

	s.RestoreAll(saved)
	now = now.Add(restoreCooldown + time.Second)
	s.RestoreAll(saved)

	if got := strings.Count(surface.Content(doc.ModeSource), c.ID); got != 1 {
		t.Fatalf("comment id appears %d times after second restore", got)
	}
}

func TestForcedRestoreBypassesCooldown(t *testing.T) {
	surface := newFakeSurface("alpha beta gamma")
	s := NewStore("doc1", surface, nil)

	seeded := NewStore("seed", newFakeSurface("alpha beta gamma"), nil)
	c, err := seeded.AddComment(6, 10, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}
	saved := map[string]*doc.Comment{c.ID: c}

	s.RestoreAll(saved)
	if !content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("highlight missing after restore")
	}

	// Content replaced wholesale right after the restore, inside the
	// cooldown. The plain variant skips; the forced one re-anchors.
	surface.SetContent(doc.ModeSource, "alpha beta gamma")
	s.RestoreAll(saved)
	if content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("cooldown should have skipped the plain restore")
	}

	s.ForceRestoreAll(saved)
	if !content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("forced restore must re-render the highlight")
	}
	if got := strings.Count(surface.Content(doc.ModeSource), c.ID); got != 1 {
		t.Fatalf("comment id appears %d times after forced restore", got)
	}
}

func TestAnchorFailureHidesAnnotation(t *testing.T) {
	surface := newFakeSurface("the target phrase lives here")
	s := NewStore("doc1", surface, nil)
	c, err := s.AddComment(4, 17, "note", doc.ModeSource, "mara")
	if err != nil {
		t.Fatalf("AddComment() error = %v", err)
	}

	if err := s.Delete(c.ID); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	// Content drifted away entirely; restoring the comment cannot anchor.
	surface.SetContent(doc.ModeSource, "completely different words")
	s.RestoreAll(map[string]*doc.Comment{c.ID: c})

	if content.HasSpan(surface.Content(doc.ModeSource), c.ID) {
		t.Fatal("unresolvable anchor must not render a highlight")
	}
	if w, ok := s.Window(c.ID); ok && w.IsVisible {
		t.Fatal("annotation window must be hidden on anchor failure")
	}
}

func TestAddCommentRejectsBadSelection(t *testing.T) {
	s := NewStore("doc1", newFakeSurface("abc"), nil)
	if _, err := s.AddComment(2, 1, "x", doc.ModeSource, "mara"); err == nil {
		t.Fatal("expected error for inverted selection")
	}
	if _, err := s.AddComment(0, 2, "x", "weird", "mara"); err == nil {
		t.Fatal("expected error for invalid mode")
	}
}
