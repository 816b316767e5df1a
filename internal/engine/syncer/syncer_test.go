package syncer

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/annotation"
	"loom/engine/internal/engine/content"
)

type fakeSaver struct {
	saveFn func(ctx context.Context, d *doc.Document) error
	calls  int
}

func (f *fakeSaver) Save(ctx context.Context, d *doc.Document) error {
	f.calls++
	if f.saveFn != nil {
		return f.saveFn(ctx, d)
	}
	return nil
}

type fakePuller struct {
	getFn func(ctx context.Context, documentID string) (*doc.Document, error)
}

func (f *fakePuller) Get(ctx context.Context, documentID string) (*doc.Document, error) {
	return f.getFn(ctx, documentID)
}

func TestAutosaveSkipsCleanDocument(t *testing.T) {
	saver := &fakeSaver{}
	a := NewAutosave(saver, func() *doc.Document { return &doc.Document{ID: "doc_1"} }, time.Minute, nil)

	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if saver.calls != 0 {
		t.Errorf("clean document should not be saved, got %d calls", saver.calls)
	}
	if a.Status() != StatusSaved {
		t.Errorf("status: %s", a.Status())
	}
}

func TestAutosaveSavesDirtyDocument(t *testing.T) {
	var saved *doc.Document
	saver := &fakeSaver{saveFn: func(ctx context.Context, d *doc.Document) error {
		saved = d
		return nil
	}}
	a := NewAutosave(saver, func() *doc.Document { return &doc.Document{ID: "doc_1", SourceContent: "hello"} }, time.Minute, nil)

	a.MarkDirty()
	if a.Status() != StatusUnsaved {
		t.Errorf("status before save: %s", a.Status())
	}
	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if saved == nil || saved.SourceContent != "hello" {
		t.Errorf("saved snapshot: %+v", saved)
	}
	if a.Status() != StatusSaved {
		t.Errorf("status after save: %s", a.Status())
	}

	// A clean follow-up tick does nothing.
	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if saver.calls != 1 {
		t.Errorf("expected one save, got %d", saver.calls)
	}
}

func TestAutosaveRetriesAfterFailure(t *testing.T) {
	fail := true
	saver := &fakeSaver{saveFn: func(ctx context.Context, d *doc.Document) error {
		if fail {
			return errors.New("connection refused")
		}
		return nil
	}}
	a := NewAutosave(saver, func() *doc.Document { return &doc.Document{ID: "doc_1"} }, time.Minute, nil)

	a.MarkDirty()
	if err := a.SaveNow(context.Background()); err == nil {
		t.Fatal("expected save failure")
	}
	if a.Status() != StatusUnsaved {
		t.Errorf("status after failure: %s", a.Status())
	}

	fail = false
	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if a.Status() != StatusSaved {
		t.Errorf("status after retry: %s", a.Status())
	}
	if saver.calls != 2 {
		t.Errorf("expected 2 save attempts, got %d", saver.calls)
	}
}

func TestAutosaveLoopAndFinalSave(t *testing.T) {
	savedCh := make(chan string, 8)
	saver := &fakeSaver{saveFn: func(ctx context.Context, d *doc.Document) error {
		savedCh <- d.ID
		return nil
	}}
	a := NewAutosave(saver, func() *doc.Document { return &doc.Document{ID: "doc_loop"} }, 10*time.Millisecond, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := a.Start(context.Background()); err == nil {
		t.Error("double start should fail")
	}

	a.MarkDirty()
	select {
	case id := <-savedCh:
		if id != "doc_loop" {
			t.Errorf("saved id: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("autosave tick never fired")
	}

	a.MarkDirty()
	a.Stop(context.Background())
	// Stop flushes the dirty state before returning.
	if a.Status() != StatusSaved {
		t.Errorf("status after stop: %s", a.Status())
	}

	// Stopping twice is a no-op.
	a.Stop(context.Background())
}

func TestHaltKeepsDirtyState(t *testing.T) {
	saver := &fakeSaver{}
	a := NewAutosave(saver, func() *doc.Document { return &doc.Document{ID: "doc_1"} }, time.Minute, nil)

	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	a.MarkDirty()
	a.Halt()

	if saver.calls != 0 {
		t.Errorf("halt must not write, got %d saves", saver.calls)
	}

	if a.Status() != StatusUnsaved {
		t.Errorf("status after halt: %s", a.Status())
	}
	// The dirty flag survives for an explicit flush.
	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if saver.calls == 0 {
		t.Error("halted dirty state should still be saveable")
	}
}

func TestSaveRecordsPushedComments(t *testing.T) {
	snapshot := &doc.Document{
		ID:       "doc_1",
		Comments: map[string]*doc.Comment{"c_1": {ID: "c_1"}},
	}
	a := NewAutosave(&fakeSaver{}, func() *doc.Document { return snapshot }, time.Minute, nil)
	log := NewPushLog()
	a.TrackPushes(log)

	if log.Contains("c_1") {
		t.Fatal("nothing pushed yet")
	}
	a.MarkDirty()
	if err := a.SaveNow(context.Background()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !log.Contains("c_1") {
		t.Error("saved comment id should be in the push log")
	}
}

func newSyncTarget(t *testing.T, source string) (*Target, *annotation.Store) {
	t.Helper()
	d := &doc.Document{
		ID:            "doc_1",
		SourceContent: source,
		Comments:      map[string]*doc.Comment{},
		LastModified:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
	store := annotation.NewStore(d.ID, d, nil)
	return &Target{Document: d, Annotations: store}, store
}

func TestMergeRemovesCommentDeletedElsewhere(t *testing.T) {
	target, store := newSyncTarget(t, "Price: $1200 total")
	target.Pushed = NewPushLog()
	c, err := store.AddComment(7, 12, "check this figure", doc.ModeSource, "alice")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if !strings.Contains(target.Document.SourceContent, "data-comment-id") {
		t.Fatalf("highlight should be rendered: %q", target.Document.SourceContent)
	}
	// The comment reached the store before the collaborator deleted it.
	target.Pushed.Record(&doc.Document{Comments: store.Comments()})

	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: "Price: $1200 total",
		Comments:      map[string]*doc.Comment{},
		LastModified:  target.Document.LastModified.Add(time.Minute),
	}
	if !MergeRemote(target, remote, nil) {
		t.Fatal("merge should report changes")
	}

	if _, ok := store.Get(c.ID); ok {
		t.Error("comment should be removed")
	}
	if got := target.Document.SourceContent; got != "Price: $1200 total" {
		t.Errorf("content after merge: %q", got)
	}
}

func TestMergeKeepsUnpushedLocalComment(t *testing.T) {
	target, store := newSyncTarget(t, "Revenue: $1200")
	target.Pushed = NewPushLog()
	c, err := store.AddComment(9, 14, "check this figure", doc.ModeSource, "alice")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}

	// A collaborator saved a newer copy before our addition was pushed.
	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: "Revenue: $1200",
		Comments:      map[string]*doc.Comment{},
		LastModified:  target.Document.LastModified.Add(time.Minute),
	}
	if !MergeRemote(target, remote, nil) {
		t.Fatal("merge should report changes")
	}

	if _, ok := store.Get(c.ID); !ok {
		t.Fatal("unpushed local comment must survive the merge")
	}
	if _, ok := target.Document.Comments[c.ID]; !ok {
		t.Error("document map should keep the local comment")
	}
	if !content.HasSpan(target.Document.SourceContent, c.ID) {
		t.Errorf("highlight should be re-rendered: %q", target.Document.SourceContent)
	}

	// Once the comment has been pushed, a remote copy without it means a
	// collaborator deleted it, and the removal applies.
	target.Pushed.Record(&doc.Document{Comments: store.Comments()})
	remote.LastModified = remote.LastModified.Add(time.Minute)
	if !MergeRemote(target, remote, nil) {
		t.Fatal("second merge should report changes")
	}
	if _, ok := store.Get(c.ID); ok {
		t.Error("pushed comment deleted elsewhere should be removed")
	}
}

func TestMergeAddsRemoteComment(t *testing.T) {
	target, store := newSyncTarget(t, "alpha beta gamma")

	remoteComment := &doc.Comment{
		ID:           "c_remote",
		SelectedText: "beta",
		Message:      "from another session",
		Mode:         doc.ModeSource,
		Author:       "bob",
		IsActive:     true,
	}
	remoteComment.Anchor.SelectedText = "beta"
	remoteComment.Anchor.Start = 6
	remoteComment.Anchor.End = 10

	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: "alpha beta gamma",
		Comments:      map[string]*doc.Comment{"c_remote": remoteComment},
		LastModified:  target.Document.LastModified.Add(time.Minute),
	}
	if !MergeRemote(target, remote, nil) {
		t.Fatal("merge should report changes")
	}

	got, ok := store.Get("c_remote")
	if !ok {
		t.Fatal("remote comment should be present")
	}
	if got.Message != "from another session" {
		t.Errorf("comment: %+v", got)
	}
	if !content.HasSpan(target.Document.SourceContent, "c_remote") {
		t.Errorf("highlight should be rendered: %q", target.Document.SourceContent)
	}
}

func TestMergeUnionsRepliesByID(t *testing.T) {
	target, store := newSyncTarget(t, "alpha beta gamma")
	c, err := store.AddComment(0, 5, "thread root", doc.ModeSource, "alice")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}
	if err := store.Reply(c.ID, "r_1", "first", "alice"); err != nil {
		t.Fatalf("reply: %v", err)
	}

	stored, _ := store.Get(c.ID)
	remoteComment := stored.Clone()
	remoteComment.Messages = append(remoteComment.Messages,
		doc.Reply{ID: "r_2", Author: "bob", Text: "second"})

	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: target.Document.SourceContent,
		Comments:      map[string]*doc.Comment{c.ID: remoteComment},
		LastModified:  target.Document.LastModified.Add(time.Minute),
	}
	if !MergeRemote(target, remote, nil) {
		t.Fatal("merge should report changes")
	}

	got, _ := store.Get(c.ID)
	if len(got.Messages) != 2 {
		t.Fatalf("messages: %+v", got.Messages)
	}
	if got.Messages[0].ID != "r_1" || got.Messages[1].ID != "r_2" {
		t.Errorf("reply order: %+v", got.Messages)
	}

	// Replaying the same remote state must not duplicate replies.
	remote.LastModified = remote.LastModified.Add(time.Minute)
	MergeRemote(target, remote, nil)
	got, _ = store.Get(c.ID)
	if len(got.Messages) != 2 {
		t.Errorf("replies duplicated: %+v", got.Messages)
	}
}

func TestMergeIgnoresOlderRemote(t *testing.T) {
	target, _ := newSyncTarget(t, "local wins")

	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: "stale remote",
		Comments:      map[string]*doc.Comment{},
		LastModified:  target.Document.LastModified.Add(-time.Minute),
	}
	if MergeRemote(target, remote, nil) {
		t.Fatal("older remote must not merge")
	}
	if target.Document.SourceContent != "local wins" {
		t.Errorf("content: %q", target.Document.SourceContent)
	}
}

func TestMergeAdoptsRemoteResolution(t *testing.T) {
	target, store := newSyncTarget(t, "alpha beta gamma")
	c, err := store.AddComment(0, 5, "root", doc.ModeSource, "alice")
	if err != nil {
		t.Fatalf("add comment: %v", err)
	}

	stored, _ := store.Get(c.ID)
	remoteComment := stored.Clone()
	remoteComment.IsResolved = true

	remote := &doc.Document{
		ID:            "doc_1",
		SourceContent: target.Document.SourceContent,
		Comments:      map[string]*doc.Comment{c.ID: remoteComment},
		LastModified:  target.Document.LastModified.Add(time.Minute),
	}
	MergeRemote(target, remote, nil)

	got, _ := store.Get(c.ID)
	if !got.IsResolved {
		t.Error("resolution should be adopted")
	}
	if content.HasSpan(target.Document.SourceContent, c.ID) {
		t.Errorf("resolved comment keeps no highlight: %q", target.Document.SourceContent)
	}
}

func TestSyncNowDiscardsStaleResponse(t *testing.T) {
	target, _ := newSyncTarget(t, "document A")
	s := NewSync(nil, time.Minute, nil)
	s.SetTarget(target)

	// The target switches away while the pull is in flight.
	s.puller = &fakePuller{getFn: func(ctx context.Context, documentID string) (*doc.Document, error) {
		s.SetTarget(nil)
		return &doc.Document{
			ID:            documentID,
			SourceContent: "remote content",
			Comments:      map[string]*doc.Comment{},
			LastModified:  target.Document.LastModified.Add(time.Hour),
		}, nil
	}}

	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
	if target.Document.SourceContent != "document A" {
		t.Errorf("stale response must not be applied: %q", target.Document.SourceContent)
	}
}

func TestSyncNowWithoutTarget(t *testing.T) {
	s := NewSync(&fakePuller{getFn: func(ctx context.Context, id string) (*doc.Document, error) {
		t.Fatal("pull should not happen without a target")
		return nil, nil
	}}, time.Minute, nil)
	if err := s.SyncNow(context.Background()); err != nil {
		t.Fatalf("sync: %v", err)
	}
}

func TestSyncLoopPolls(t *testing.T) {
	target, _ := newSyncTarget(t, "content")
	pulls := make(chan string, 8)
	s := NewSync(&fakePuller{getFn: func(ctx context.Context, id string) (*doc.Document, error) {
		pulls <- id
		return &doc.Document{
			ID:            id,
			SourceContent: "content",
			Comments:      map[string]*doc.Comment{},
			LastModified:  target.Document.LastModified,
		}, nil
	}}, 10*time.Millisecond, nil)
	s.SetTarget(target)

	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := s.Start(context.Background()); err == nil {
		t.Error("double start should fail")
	}

	select {
	case id := <-pulls:
		if id != "doc_1" {
			t.Errorf("pulled id: %s", id)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sync tick never fired")
	}

	s.Stop()
	// Stopping twice is a no-op.
	s.Stop()
}

func TestSyncPullErrorIsReported(t *testing.T) {
	target, _ := newSyncTarget(t, "content")
	s := NewSync(&fakePuller{getFn: func(ctx context.Context, id string) (*doc.Document, error) {
		return nil, errors.New("service unavailable")
	}}, time.Minute, nil)
	s.SetTarget(target)

	if err := s.SyncNow(context.Background()); err == nil {
		t.Fatal("expected pull error")
	}
}
