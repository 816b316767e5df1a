// Package syncer runs the background controllers of one open document: an
// autosave loop that pushes dirty local state, and a sync loop that pulls
// remote state and merges it into the live annotation store. Both run as
// ticker goroutines guarded by a stop channel; Stop waits for the goroutine
// to exit so callers can switch documents without a stale tick writing to
// the previous one.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/annotation"
	"loom/engine/internal/engine/diff"
)

// SaveStatus is the persistence indicator shown for the document.
type SaveStatus string

const (
	StatusSaved   SaveStatus = "saved"
	StatusSaving  SaveStatus = "saving"
	StatusUnsaved SaveStatus = "unsaved"
)

// Saver pushes the full document state to the service.
type Saver interface {
	Save(ctx context.Context, d *doc.Document) error
}

// Puller fetches the stored document state.
type Puller interface {
	Get(ctx context.Context, documentID string) (*doc.Document, error)
}

// Snapshotter returns a point-in-time copy of the open document. The copy is
// what gets saved, so a tick never races edits applied mid-serialization.
type Snapshotter func() *doc.Document

// PushLog tracks which comment ids the remote store is known to hold, either
// because autosave pushed them or because a pull observed them. The sync
// merge only removes comments the log contains; an id outside the log is a
// local addition the store has never seen and must not be clobbered.
type PushLog struct {
	mu  sync.Mutex
	ids map[string]struct{}
}

func NewPushLog() *PushLog {
	return &PushLog{ids: make(map[string]struct{})}
}

// Record replaces the set with the comment ids of a successfully saved copy.
func (p *PushLog) Record(d *doc.Document) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = make(map[string]struct{}, len(d.Comments))
	for id := range d.Comments {
		p.ids[id] = struct{}{}
	}
}

// Observe marks a single id as present in the store.
func (p *PushLog) Observe(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids[id] = struct{}{}
}

// Contains reports whether the id was part of the last known stored state.
func (p *PushLog) Contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.ids[id]
	return ok
}

// Autosave persists the open document whenever local edits made it dirty.
// A failed save keeps the dirty flag so the next tick retries.
type Autosave struct {
	saver    Saver
	snapshot Snapshotter
	interval time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	dirty    bool
	gen      uint64
	status   SaveStatus
	lastSave time.Time
	pushes   *PushLog
	stop     chan struct{}
	done     chan struct{}
}

func NewAutosave(saver Saver, snapshot Snapshotter, interval time.Duration, logger *slog.Logger) *Autosave {
	if logger == nil {
		logger = slog.Default()
	}
	return &Autosave{
		saver:    saver,
		snapshot: snapshot,
		interval: interval,
		logger:   logger.With("component", "autosave"),
		status:   StatusSaved,
	}
}

// TrackPushes records the comment id set of every successful save into log,
// so the sync merge can tell pushed comments from local-only ones.
func (a *Autosave) TrackPushes(log *PushLog) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushes = log
}

// MarkDirty records that local state diverged from the last save.
func (a *Autosave) MarkDirty() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dirty = true
	a.gen++
	if a.status == StatusSaved {
		a.status = StatusUnsaved
	}
}

// Status returns the current persistence indicator.
func (a *Autosave) Status() SaveStatus {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// Start launches the autosave loop. Starting a running loop is an error.
func (a *Autosave) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stop != nil {
		return fmt.Errorf("autosave already running")
	}
	if a.interval <= 0 {
		return fmt.Errorf("autosave interval must be positive")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	a.stop = stop
	a.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(a.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := a.SaveNow(ctx); err != nil {
					a.logger.Warn("autosave failed, will retry", "error", err)
				}
			}
		}
	}()
	return nil
}

// Halt stops the loop and waits for the in-flight tick to finish, without
// the final save. Dirty state stays flagged for a later Start or an explicit
// SaveNow.
func (a *Autosave) Halt() {
	a.mu.Lock()
	stop, done := a.stop, a.done
	a.stop, a.done = nil, nil
	a.mu.Unlock()

	if stop != nil {
		close(stop)
		<-done
	}
}

// Stop halts the loop and attempts a final save when the document is still
// dirty.
func (a *Autosave) Stop(ctx context.Context) {
	a.Halt()
	if err := a.SaveNow(ctx); err != nil {
		a.logger.Warn("final save failed", "error", err)
	}
}

// SaveNow pushes the current state when dirty. It is safe to call whether or
// not the loop is running.
func (a *Autosave) SaveNow(ctx context.Context) error {
	a.mu.Lock()
	if !a.dirty {
		a.mu.Unlock()
		return nil
	}
	gen := a.gen
	a.status = StatusSaving
	a.mu.Unlock()

	d := a.snapshot()
	err := a.saver.Save(ctx, d)

	a.mu.Lock()
	defer a.mu.Unlock()
	if err != nil {
		a.status = StatusUnsaved
		return fmt.Errorf("save document %s: %w", d.ID, err)
	}
	if a.pushes != nil {
		a.pushes.Record(d)
	}
	// An edit that landed while the save was in flight keeps the document
	// dirty for the next tick.
	if a.gen == gen {
		a.dirty = false
		a.status = StatusSaved
	} else {
		a.status = StatusUnsaved
	}
	a.lastSave = time.Now()
	a.logger.Debug("document saved", "document", d.ID)
	return nil
}

// Target is the live local state the sync loop merges remote changes into.
// Pushed is the document's push log; without one the merge treats every
// local comment as unpushed and never removes any.
type Target struct {
	Document    *doc.Document
	Annotations *annotation.Store
	Proposals   *diff.Engine
	Pushed      *PushLog
}

// Sync pulls the stored document on an interval and applies remote changes.
// The remote copy wins: newer content replaces local content, comments the
// remote no longer has are removed, new remote comments are added with their
// anchors re-resolved.
type Sync struct {
	puller   Puller
	interval time.Duration
	logger   *slog.Logger

	mu     sync.Mutex
	target *Target
	stop   chan struct{}
	done   chan struct{}
}

func NewSync(puller Puller, interval time.Duration, logger *slog.Logger) *Sync {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sync{
		puller:   puller,
		interval: interval,
		logger:   logger.With("component", "sync"),
	}
}

// SetTarget points the loop at the open document. A nil target suspends
// merging without stopping the loop.
func (s *Sync) SetTarget(t *Target) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.target = t
}

// Start launches the sync loop.
func (s *Sync) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return fmt.Errorf("sync already running")
	}
	if s.interval <= 0 {
		return fmt.Errorf("sync interval must be positive")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	s.stop = stop
	s.done = done

	go func() {
		defer close(done)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				if err := s.SyncNow(ctx); err != nil {
					s.logger.Warn("sync failed", "error", err)
				}
			}
		}
	}()
	return nil
}

// Stop halts the loop and waits for the in-flight tick to finish.
func (s *Sync) Stop() {
	s.mu.Lock()
	if s.stop == nil {
		s.mu.Unlock()
		return
	}
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.mu.Unlock()

	close(stop)
	<-done
}

// SyncNow performs one pull-and-merge pass. A response for a document that
// is no longer the target is discarded.
func (s *Sync) SyncNow(ctx context.Context) error {
	s.mu.Lock()
	target := s.target
	s.mu.Unlock()
	if target == nil {
		return nil
	}

	documentID := target.Document.ID
	remote, err := s.puller.Get(ctx, documentID)
	if err != nil {
		return fmt.Errorf("pull %s: %w", documentID, err)
	}

	s.mu.Lock()
	current := s.target
	s.mu.Unlock()
	if current != target || current.Document.ID != remote.ID {
		s.logger.Debug("discarding stale sync response", "document", remote.ID)
		return nil
	}

	if MergeRemote(target, remote, s.logger) {
		s.logger.Info("merged remote changes", "document", remote.ID)
	}
	return nil
}

// MergeRemote folds the stored state into the live target. It returns false
// when the remote copy is not newer than the local one. Content is replaced
// wholesale when it differs; comments are diffed by id, with replies merged
// by reply id so a locally-replayed reply never duplicates. A comment absent
// remotely is removed only when the push log shows the store once held it;
// a local addition that never reached the store survives the merge.
func MergeRemote(target *Target, remote *doc.Document, logger *slog.Logger) bool {
	if logger == nil {
		logger = slog.Default()
	}
	local := target.Document
	if !remote.LastModified.After(local.LastModified) {
		return false
	}

	contentChanged := false
	for _, mode := range []doc.Mode{doc.ModeSource, doc.ModeTemplate, doc.ModePreview} {
		if local.Content(mode) != remote.Content(mode) {
			local.SetContent(mode, remote.Content(mode))
			contentChanged = true
		}
	}
	local.Title = remote.Title
	local.Editors = append([]string(nil), remote.Editors...)
	local.Viewers = append([]string(nil), remote.Viewers...)

	// Comments the remote no longer has were deleted elsewhere, unless the
	// store never saw them in the first place.
	kept := make(map[string]*doc.Comment)
	for id, c := range target.Annotations.Comments() {
		if _, ok := remote.Comments[id]; ok {
			continue
		}
		if target.Pushed != nil && target.Pushed.Contains(id) {
			logger.Debug("removing comment deleted remotely", "comment", id)
			target.Annotations.Remove(id)
			continue
		}
		logger.Debug("keeping unpushed local comment", "comment", id)
		kept[id] = c
	}

	local.Comments = make(map[string]*doc.Comment, len(remote.Comments)+len(kept))
	for id, c := range kept {
		local.Comments[id] = c
	}
	for id, remoteComment := range remote.Comments {
		local.Comments[id] = remoteComment.Clone()
		if target.Pushed != nil {
			target.Pushed.Observe(id)
		}
		existing, ok := target.Annotations.Get(id)
		if !ok {
			target.Annotations.AddExisting(remoteComment)
			if target.Proposals != nil && remoteComment.DiffPayload != nil {
				target.Proposals.Restore(remoteComment)
			}
			continue
		}
		for _, reply := range remoteComment.Messages {
			if existing.HasReply(reply.ID) {
				continue
			}
			if err := target.Annotations.Reply(id, reply.ID, reply.Text, reply.Author); err != nil {
				logger.Warn("merge reply", "comment", id, "error", err)
			}
		}
		if remoteComment.IsResolved && !existing.IsResolved {
			if err := target.Annotations.Resolve(id); err != nil {
				logger.Warn("merge resolution", "comment", id, "error", err)
			}
		}
	}

	if contentChanged {
		// The replacement wiped rendered highlights, so every anchor must
		// re-resolve now; the restore cooldown does not apply here.
		target.Annotations.ForceRestoreAll(local.Comments)
	}

	local.LastModified = remote.LastModified
	return true
}
