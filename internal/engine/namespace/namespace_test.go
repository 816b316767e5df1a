package namespace

import "testing"

func TestAllocateIsIdempotent(t *testing.T) {
	a := NewAllocator()
	first := a.Allocate("doc1")
	second := a.Allocate("doc1")
	if first != second {
		t.Fatal("Allocate() must return the existing scope for an open document")
	}
}

func TestResolveScopedToDocument(t *testing.T) {
	a := NewAllocator()
	h1 := a.Allocate("doc1")
	h2 := a.Allocate("doc2")

	n1, ok := h1.Resolve(TemplateEditor)
	if !ok {
		t.Fatal("template editor missing from scope")
	}
	n2, ok := h2.Resolve(TemplateEditor)
	if !ok {
		t.Fatal("template editor missing from second scope")
	}
	if n1 == n2 || n1.DocumentID() == n2.DocumentID() {
		t.Fatal("scopes leaked between documents")
	}
}

func TestReleaseInvalidatesNodes(t *testing.T) {
	a := NewAllocator()
	h := a.Allocate("doc1")
	node, ok := h.Resolve(SourceEditor)
	if !ok || !node.Valid() {
		t.Fatal("node should be valid before release")
	}

	a.Release("doc1")

	if node.Valid() {
		t.Fatal("node must be invalid after Release")
	}
	if _, ok := h.Resolve(SourceEditor); ok {
		t.Fatal("resolving through a released handle must report not found")
	}
}

func TestResolveUnknownNameIsNotFound(t *testing.T) {
	a := NewAllocator()
	h := a.Allocate("doc1")
	if _, ok := h.Resolve("somethingElse"); ok {
		t.Fatal("unknown names must resolve to not-found, not panic")
	}
}

func TestActiveFollowsSwitch(t *testing.T) {
	a := NewAllocator()
	a.Allocate("doc1")
	a.Allocate("doc2")

	if !a.SetActive("doc1") {
		t.Fatal("SetActive failed for allocated document")
	}
	if got := a.Active(); got == nil || got.DocumentID() != "doc1" {
		t.Fatalf("Active() = %v", got)
	}

	if !a.SetActive("doc2") {
		t.Fatal("SetActive failed on switch")
	}
	if got := a.Active(); got == nil || got.DocumentID() != "doc2" {
		t.Fatalf("Active() after switch = %v", got)
	}

	a.Release("doc2")
	if a.Active() != nil {
		t.Fatal("releasing the active document must clear the active scope")
	}
}

func TestSetActiveUnallocated(t *testing.T) {
	a := NewAllocator()
	if a.SetActive("ghost") {
		t.Fatal("SetActive must refuse a document without a scope")
	}
}

func TestRegisterOnReleasedScope(t *testing.T) {
	a := NewAllocator()
	h := a.Allocate("doc1")
	a.Release("doc1")
	if h.Register("extraPanel") != nil {
		t.Fatal("Register on a released scope must return nil")
	}
}
