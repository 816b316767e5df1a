// Package namespace gives every open document an isolated scope of logical
// UI elements. Callers resolve elements by logical name through the scope of
// a specific document instead of holding direct references, so nothing can
// accidentally target another document's editor after a switch.
package namespace

import "sync"

// LogicalName identifies one interactive element inside a document scope.
type LogicalName string

const (
	SourceEditor    LogicalName = "sourceEditor"
	TemplateEditor  LogicalName = "templateEditor"
	PreviewPane     LogicalName = "previewPane"
	ChatBox         LogicalName = "chatBox"
	AnnotationLayer LogicalName = "annotationLayer"
	CommentComposer LogicalName = "commentComposer"
	StatusIndicator LogicalName = "statusIndicator"
	UploadPanel     LogicalName = "uploadPanel"
)

// standardNames is the element set every document scope starts with.
var standardNames = []LogicalName{
	SourceEditor,
	TemplateEditor,
	PreviewPane,
	ChatBox,
	AnnotationLayer,
	CommentComposer,
	StatusIndicator,
	UploadPanel,
}

// Node is an opaque handle to one element of one document's scope. A node
// from a released scope reports itself invalid; callers must re-resolve
// instead of caching nodes across an active-document switch.
type Node struct {
	documentID string
	name       LogicalName
	handle     *Handle
}

func (n *Node) DocumentID() string { return n.documentID }
func (n *Node) Name() LogicalName  { return n.name }

// Valid reports whether the owning scope is still allocated.
func (n *Node) Valid() bool {
	if n == nil || n.handle == nil {
		return false
	}
	n.handle.mu.Lock()
	defer n.handle.mu.Unlock()
	return !n.handle.released
}

// Handle is the resolver for one document's scope.
type Handle struct {
	documentID string

	mu       sync.Mutex
	released bool
	nodes    map[LogicalName]*Node
}

func (h *Handle) DocumentID() string { return h.documentID }

// Resolve looks up a logical name inside this scope. Absence is reported as
// a false second return, never an error: callers treat it as "not yet
// visible" and retry or no-op.
func (h *Handle) Resolve(name LogicalName) (*Node, bool) {
	if h == nil {
		return nil, false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil, false
	}
	node, ok := h.nodes[name]
	return node, ok
}

// Register adds a non-standard element to the scope, for collaborators that
// mount extra panels.
func (h *Handle) Register(name LogicalName) *Node {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.released {
		return nil
	}
	if node, ok := h.nodes[name]; ok {
		return node
	}
	node := &Node{documentID: h.documentID, name: name, handle: h}
	h.nodes[name] = node
	return node
}

// Allocator owns the document scopes and tracks which one is active.
type Allocator struct {
	mu      sync.Mutex
	handles map[string]*Handle
	active  string
}

func NewAllocator() *Allocator {
	return &Allocator{handles: make(map[string]*Handle)}
}

// Allocate creates the scope for a document, or returns the existing one
// when the document is already open.
func (a *Allocator) Allocate(documentID string) *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if h, ok := a.handles[documentID]; ok {
		return h
	}
	h := &Handle{
		documentID: documentID,
		nodes:      make(map[LogicalName]*Node, len(standardNames)),
	}
	for _, name := range standardNames {
		h.nodes[name] = &Node{documentID: documentID, name: name, handle: h}
	}
	a.handles[documentID] = h
	return h
}

// Release tears the scope down and invalidates every node resolved from it.
func (a *Allocator) Release(documentID string) {
	a.mu.Lock()
	h, ok := a.handles[documentID]
	if ok {
		delete(a.handles, documentID)
	}
	if a.active == documentID {
		a.active = ""
	}
	a.mu.Unlock()

	if !ok {
		return
	}
	h.mu.Lock()
	h.released = true
	h.mu.Unlock()
}

// SetActive marks the scope for the given document as the active one. The
// scope must already be allocated.
func (a *Allocator) SetActive(documentID string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.handles[documentID]; !ok {
		return false
	}
	a.active = documentID
	return true
}

// ClearActive drops the active marker, used while a switch is in flight.
func (a *Allocator) ClearActive() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.active = ""
}

// Active returns the handle of the active document, or nil when no document
// is active. Callers must not cache the result across a switch.
func (a *Allocator) Active() *Handle {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active == "" {
		return nil
	}
	return a.handles[a.active]
}

// Get returns the scope for a document without allocating.
func (a *Allocator) Get(documentID string) (*Handle, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	h, ok := a.handles[documentID]
	return h, ok
}
