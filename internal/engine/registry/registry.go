// Package registry owns the lifecycle of open documents. Each document moves
// through a small state machine, and at most one open document is active at a
// time. The active document is the one background controllers write to;
// switching documents stops the previous document's timers before the next
// one starts, so a late tick can never write across documents.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/engine/internal/doc"
	"loom/engine/internal/engine/annotation"
	"loom/engine/internal/engine/diff"
	"loom/engine/internal/engine/namespace"
	"loom/engine/internal/engine/remote"
	"loom/engine/internal/engine/syncer"
	"loom/engine/internal/engine/templatexec"
	"loom/engine/internal/util"
)

// State is the lifecycle position of one document.
type State string

const (
	StateClosed       State = "closed"
	StateOpenInactive State = "open_inactive"
	StateOpenActive   State = "open_active"
	StateRestoring    State = "restoring"
	StateDeleting     State = "deleting"
)

var ErrInvalidTransition = fmt.Errorf("invalid session state transition")

var ErrConfirmationRequired = fmt.Errorf("deletion requires confirmation")

// validTransitions lists the permitted moves. Everything else is a bug in
// the caller.
var validTransitions = map[State][]State{
	StateClosed:       {StateRestoring, StateOpenInactive, StateOpenActive},
	StateOpenInactive: {StateOpenActive, StateRestoring, StateDeleting, StateClosed},
	StateOpenActive:   {StateOpenInactive, StateRestoring, StateDeleting, StateClosed},
	StateRestoring:    {StateOpenActive, StateOpenInactive},
	StateDeleting:     {StateClosed},
}

func canTransition(from, to State) bool {
	for _, allowed := range validTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Remote is the document service surface the registry depends on. The
// remote.Client satisfies it.
type Remote interface {
	List(ctx context.Context) ([]remote.Summary, error)
	Get(ctx context.Context, documentID string) (*doc.Document, error)
	Create(ctx context.Context, d *doc.Document) (*doc.Document, error)
	Save(ctx context.Context, d *doc.Document) error
	Delete(ctx context.Context, documentID string) (*remote.CleanupSummary, error)
}

// Session is one open document with its attached engine state.
type Session struct {
	registry *Registry

	mu          sync.Mutex
	state       State
	document    *doc.Document
	annotations *annotation.Store
	proposals   *diff.Engine
	handle      *namespace.Handle
	autosave    *syncer.Autosave
	pushes      *syncer.PushLog
	variables   map[string]templatexec.Variable
}

// Registry opens, switches, closes and deletes documents.
type Registry struct {
	remote    Remote
	allocator *namespace.Allocator
	executor  *templatexec.Executor
	sync      *syncer.Sync
	logger    *slog.Logger

	autosaveInterval time.Duration

	mu       sync.Mutex
	sessions map[string]*Session
	opening  map[string]chan struct{}
	active   string
}

// Options carries the registry's collaborators.
type Options struct {
	Remote           Remote
	Executor         *templatexec.Executor
	Sync             *syncer.Sync
	AutosaveInterval time.Duration
	Logger           *slog.Logger
}

func New(opts Options) *Registry {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	interval := opts.AutosaveInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Registry{
		remote:           opts.Remote,
		allocator:        namespace.NewAllocator(),
		executor:         opts.Executor,
		sync:             opts.Sync,
		logger:           logger.With("component", "registry"),
		autosaveInterval: interval,
		sessions:         make(map[string]*Session),
		opening:          make(map[string]chan struct{}),
	}
}

// Allocator exposes the component namespace, for callers that resolve
// component handles directly.
func (r *Registry) Allocator() *namespace.Allocator {
	return r.allocator
}

// List proxies the service's document listing.
func (r *Registry) List(ctx context.Context) ([]remote.Summary, error) {
	return r.remote.List(ctx)
}

// Create persists a new empty document immediately and opens it. The id is
// scoped to the creating user so concurrent creations cannot collide.
func (r *Registry) Create(ctx context.Context, title, author string) (*Session, error) {
	now := time.Now()
	d := &doc.Document{
		ID:           util.ScopedID(author, "doc"),
		Title:        title,
		Author:       author,
		Comments:     make(map[string]*doc.Comment),
		CreatedAt:    now,
		LastModified: now,
	}
	stored, err := r.remote.Create(ctx, d)
	if err != nil {
		return nil, fmt.Errorf("create document: %w", err)
	}
	return r.openStored(ctx, stored)
}

// Open fetches the stored document and activates a session for it. The
// stored copy wins over any state a previous session left behind. Opening a
// document that is already open just activates it, and concurrent opens of
// the same document share one fetch and one session.
func (r *Registry) Open(ctx context.Context, documentID string) (*Session, error) {
	var claimed chan struct{}
	for claimed == nil {
		r.mu.Lock()
		if s, ok := r.sessions[documentID]; ok {
			r.mu.Unlock()
			if err := r.Activate(ctx, documentID); err != nil {
				return nil, err
			}
			return s, nil
		}
		if pending, ok := r.opening[documentID]; ok {
			r.mu.Unlock()
			// Another caller is fetching this document; wait and reuse its
			// session. A failed fetch makes us retry ourselves.
			select {
			case <-pending:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			continue
		}
		claimed = make(chan struct{})
		r.opening[documentID] = claimed
		r.mu.Unlock()
	}
	defer func() {
		r.mu.Lock()
		delete(r.opening, documentID)
		r.mu.Unlock()
		close(claimed)
	}()

	stored, err := r.remote.Get(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("open document %s: %w", documentID, err)
	}
	return r.openStored(ctx, stored)
}

func (r *Registry) openStored(ctx context.Context, stored *doc.Document) (*Session, error) {
	d := stored.Clone()
	if d.Comments == nil {
		d.Comments = make(map[string]*doc.Comment)
	}

	s := &Session{
		registry:    r,
		state:       StateClosed,
		document:    d,
		variables:   make(map[string]templatexec.Variable),
		annotations: annotation.NewStore(d.ID, d, r.logger),
	}
	s.proposals = diff.NewEngine(d.ID, d, s.annotations, s, r.logger)
	s.handle = r.allocator.Allocate(d.ID)
	// Everything in the stored copy has by definition been pushed.
	s.pushes = syncer.NewPushLog()
	s.pushes.Record(d)
	s.autosave = syncer.NewAutosave(saverFunc(r.remote.Save), s.Snapshot, r.autosaveInterval, r.logger)
	s.autosave.TrackPushes(s.pushes)

	if err := s.setState(StateRestoring); err != nil {
		return nil, err
	}
	s.restore()
	if err := s.setState(StateOpenInactive); err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.sessions[d.ID] = s
	r.mu.Unlock()

	if err := r.Activate(ctx, d.ID); err != nil {
		return nil, err
	}
	return s, nil
}

// Activate makes the document the one background controllers write to. The
// previously active document is suspended first: its autosave stops
// synchronously before the new document's timers start, and its pending
// edits stay local until it is reactivated, closed or explicitly saved.
func (r *Registry) Activate(ctx context.Context, documentID string) error {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("document %s is not open", documentID)
	}
	if r.active == documentID {
		r.mu.Unlock()
		return nil
	}
	var previous *Session
	if r.active != "" {
		previous = r.sessions[r.active]
	}
	r.active = documentID
	r.mu.Unlock()

	if r.sync != nil {
		r.sync.SetTarget(nil)
	}
	if previous != nil {
		previous.suspend()
	}

	s.mu.Lock()
	if !canTransition(s.state, StateOpenActive) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateOpenActive)
	}
	s.state = StateOpenActive
	s.mu.Unlock()

	r.allocator.SetActive(documentID)
	if err := s.autosave.Start(ctx); err != nil {
		r.logger.Warn("autosave start", "document", documentID, "error", err)
	}
	if r.sync != nil {
		r.sync.SetTarget(&syncer.Target{
			Document:    s.document,
			Annotations: s.annotations,
			Proposals:   s.proposals,
			Pushed:      s.pushes,
		})
	}
	return nil
}

// Close flushes and tears down the session. The document stays stored.
func (r *Registry) Close(ctx context.Context, documentID string) error {
	r.mu.Lock()
	s, ok := r.sessions[documentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("document %s is not open", documentID)
	}
	delete(r.sessions, documentID)
	wasActive := r.active == documentID
	if wasActive {
		r.active = ""
	}
	r.mu.Unlock()

	if wasActive {
		if r.sync != nil {
			r.sync.SetTarget(nil)
		}
		r.allocator.ClearActive()
	}
	s.deactivate(ctx)

	s.mu.Lock()
	if !canTransition(s.state, StateClosed) {
		state := s.state
		s.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateClosed)
	}
	s.state = StateClosed
	s.mu.Unlock()

	r.allocator.Release(documentID)
	return nil
}

// Delete removes the document everywhere. It requires explicit confirmation.
// The local session is always torn down; a service failure leaves the stored
// copy behind and is reported through the returned error, with the summary
// describing what was cleaned up.
func (r *Registry) Delete(ctx context.Context, documentID string, confirmed bool) (*remote.CleanupSummary, error) {
	if !confirmed {
		return nil, ErrConfirmationRequired
	}

	r.mu.Lock()
	s, open := r.sessions[documentID]
	r.mu.Unlock()

	if open {
		s.mu.Lock()
		if !canTransition(s.state, StateDeleting) {
			state := s.state
			s.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, state, StateDeleting)
		}
		s.state = StateDeleting
		s.mu.Unlock()

		r.mu.Lock()
		delete(r.sessions, documentID)
		if r.active == documentID {
			r.active = ""
			if r.sync != nil {
				r.sync.SetTarget(nil)
			}
			r.allocator.ClearActive()
		}
		r.mu.Unlock()

		// No final save for a document about to be deleted.
		s.autosave.Halt()
		r.allocator.Release(documentID)

		s.mu.Lock()
		s.state = StateClosed
		s.mu.Unlock()
	}

	summary, err := r.remote.Delete(ctx, documentID)
	if err != nil {
		r.logger.Warn("remote delete failed, document removed locally only",
			"document", documentID, "error", err)
		return &remote.CleanupSummary{DocumentID: documentID}, fmt.Errorf("delete document %s: %w", documentID, err)
	}
	return summary, nil
}

// Active returns the active session, if any.
func (r *Registry) Active() (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == "" {
		return nil, false
	}
	s, ok := r.sessions[r.active]
	return s, ok
}

// Get returns the open session for the document.
func (r *Registry) Get(documentID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[documentID]
	return s, ok
}

// OpenIDs lists the ids of every open document.
func (r *Registry) OpenIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.sessions))
	for id := range r.sessions {
		ids = append(ids, id)
	}
	return ids
}

type saverFunc func(ctx context.Context, d *doc.Document) error

func (f saverFunc) Save(ctx context.Context, d *doc.Document) error { return f(ctx, d) }

// suspend stops the session's timers without writing anything. Dirty edits
// stay flagged so the next activation's autosave picks them up. Safe to call
// on an already-inactive session.
func (s *Session) suspend() {
	s.autosave.Halt()
	s.mu.Lock()
	if s.state == StateOpenActive {
		s.state = StateOpenInactive
	}
	s.mu.Unlock()
}

// deactivate stops the session's timers and flushes dirty state, for
// teardown paths where the session will not come back.
func (s *Session) deactivate(ctx context.Context) {
	s.autosave.Stop(ctx)
	s.mu.Lock()
	if s.state == StateOpenActive {
		s.state = StateOpenInactive
	}
	s.mu.Unlock()
}

func (s *Session) setState(to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !canTransition(s.state, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// restore rebuilds highlights, annotation windows and unresolved proposals
// from the stored comment map.
func (s *Session) restore() {
	saved := make(map[string]*doc.Comment, len(s.document.Comments))
	for id, c := range s.document.Comments {
		saved[id] = c
	}
	s.annotations.RestoreAll(saved)
	for _, c := range saved {
		if c.IsAISuggestion && c.DiffPayload != nil && c.DiffPayload.IsActive {
			s.proposals.Restore(c)
		}
	}
}

// State reports the session's lifecycle position.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Document returns the live document. Callers that mutate content must call
// MarkDirty afterwards.
func (s *Session) Document() *doc.Document { return s.document }

// Annotations returns the session's comment store.
func (s *Session) Annotations() *annotation.Store { return s.annotations }

// Proposals returns the session's diff engine.
func (s *Session) Proposals() *diff.Engine { return s.proposals }

// Handle returns the session's component namespace.
func (s *Session) Handle() *namespace.Handle { return s.handle }

// SaveStatus reports the autosave indicator.
func (s *Session) SaveStatus() syncer.SaveStatus { return s.autosave.Status() }

// MarkDirty flags the document for the next autosave tick.
func (s *Session) MarkDirty() { s.autosave.MarkDirty() }

// SaveNow forces an immediate save of dirty state.
func (s *Session) SaveNow(ctx context.Context) error { return s.autosave.SaveNow(ctx) }

// SetContent replaces one mode's content and flags the document dirty.
// Editing template content re-renders the preview.
func (s *Session) SetContent(mode doc.Mode, text string) error {
	if !mode.Valid() {
		return fmt.Errorf("invalid mode %q", mode)
	}
	s.document.SetContent(mode, text)
	s.document.LastModified = time.Now()
	if mode == doc.ModeTemplate {
		s.RecomputePreview()
	}
	s.MarkDirty()
	return nil
}

// Snapshot returns a point-in-time copy of the document with the comment
// store folded in, suitable for persisting.
func (s *Session) Snapshot() *doc.Document {
	d := s.document.Clone()
	d.Comments = s.annotations.Comments()
	return d
}

// RecomputePreview executes the template content and stores the result as
// the preview. Variable state persists across runs so unchanged definitions
// hit the executor's cache.
func (s *Session) RecomputePreview() {
	if s.registry.executor == nil {
		return
	}
	s.mu.Lock()
	vars := s.variables
	s.mu.Unlock()

	rendered, updated := s.registry.executor.Execute(context.Background(),
		s.document.Content(doc.ModeTemplate), vars)

	s.mu.Lock()
	s.variables = updated
	s.mu.Unlock()

	s.document.SetContent(doc.ModePreview, rendered)
	s.document.LastModified = time.Now()
	s.MarkDirty()
}
