package app

import (
	"context"
	"database/sql"
	"strings"
	"sync"
	"testing"
	"time"

	"loom/engine/internal/auth"
	"loom/engine/internal/config"
	"loom/engine/internal/gitrepo"
	"loom/engine/internal/search"
	"loom/engine/internal/session"
	"loom/engine/internal/store"
)

const testSecret = "test-secret"

type fakeStore struct {
	mu        sync.Mutex
	documents map[string]store.DocumentRecord
	chats     map[string][]store.ChatMessage
	versions  map[string][]store.NamedVersion
	revoked   map[string]bool

	ensureUserByNameFn func(ctx context.Context, name string) (store.User, error)
	getUserByIDFn      func(ctx context.Context, userID string) (store.User, error)
	pingFn             func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		documents: map[string]store.DocumentRecord{},
		chats:     map[string][]store.ChatMessage{},
		versions:  map[string][]store.NamedVersion{},
		revoked:   map[string]bool{},
	}
}

func (f *fakeStore) EnsureUserByName(ctx context.Context, name string) (store.User, error) {
	if f.ensureUserByNameFn != nil {
		return f.ensureUserByNameFn(ctx, name)
	}
	return store.User{ID: "u_" + name, DisplayName: name, Role: "editor"}, nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	if f.getUserByIDFn != nil {
		return f.getUserByIDFn(ctx, userID)
	}
	return store.User{ID: userID, DisplayName: strings.TrimPrefix(userID, "u_"), Role: "editor"}, nil
}

func (f *fakeStore) RevokeAccessToken(_ context.Context, jti string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(_ context.Context, jti string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.revoked[jti], nil
}

func (f *fakeStore) ListDocuments(_ context.Context, userID string) ([]store.DocumentSummary, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DocumentSummary
	for _, rec := range f.documents {
		visible := rec.Author == userID
		for _, name := range rec.Editors {
			visible = visible || name == userID
		}
		for _, name := range rec.Viewers {
			visible = visible || name == userID
		}
		if visible {
			out = append(out, store.DocumentSummary{
				ID:           rec.ID,
				Title:        rec.Title,
				Author:       rec.Author,
				LastModified: rec.LastModified,
			})
		}
	}
	return out, nil
}

func (f *fakeStore) GetDocument(_ context.Context, documentID string) (store.DocumentRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.documents[documentID]
	if !ok {
		return store.DocumentRecord{}, sql.ErrNoRows
	}
	return rec, nil
}

func (f *fakeStore) InsertDocument(_ context.Context, item store.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.documents[item.ID] = item
	return nil
}

func (f *fakeStore) UpdateDocument(_ context.Context, item store.DocumentRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.documents[item.ID]; !ok {
		return sql.ErrNoRows
	}
	f.documents[item.ID] = item
	return nil
}

func (f *fakeStore) DeleteDocument(_ context.Context, documentID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.documents[documentID]
	if !ok {
		return 0, sql.ErrNoRows
	}
	delete(f.documents, documentID)
	count := 0
	if len(rec.Comments) > 2 { // more than "{}"
		count = 1
	}
	return count, nil
}

func (f *fakeStore) SaveNamedVersion(_ context.Context, documentID string, version store.NamedVersion) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.versions[documentID] = append(f.versions[documentID], version)
	return nil
}

func (f *fakeStore) ListNamedVersions(_ context.Context, documentID string) ([]store.NamedVersion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.versions[documentID], nil
}

func (f *fakeStore) AppendChatMessage(_ context.Context, documentID, role, content string) (store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	msg := store.ChatMessage{
		ID:         int64(len(f.chats[documentID]) + 1),
		DocumentID: documentID,
		Role:       role,
		Content:    content,
		CreatedAt:  time.Now(),
	}
	f.chats[documentID] = append(f.chats[documentID], msg)
	return msg, nil
}

func (f *fakeStore) ListChatMessages(_ context.Context, documentID string) ([]store.ChatMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.chats[documentID], nil
}

func (f *fakeStore) ClearChat(_ context.Context, documentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.chats, documentID)
	return nil
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

type fakeRefresh struct {
	mu       sync.Mutex
	sessions map[string]string // tokenHash -> userID
}

func newFakeRefresh() *fakeRefresh {
	return &fakeRefresh{sessions: map[string]string{}}
}

func (f *fakeRefresh) SaveRefreshSession(_ context.Context, tokenHash, userID string, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[tokenHash] = userID
	return nil
}

func (f *fakeRefresh) LookupRefreshSession(_ context.Context, tokenHash string) (store.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	userID, ok := f.sessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeRefresh) RevokeRefreshSession(_ context.Context, tokenHash string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, tokenHash)
	return nil
}

type fakeGit struct {
	ensureFn  func(documentID string, initial gitrepo.Content, author string) error
	commitFn  func(documentID string, content gitrepo.Content, author, message string) (store.CommitInfo, error)
	historyFn func(documentID string, limit int) ([]store.CommitInfo, error)
	deleted   []string
}

func (f *fakeGit) EnsureDocumentRepo(documentID string, initial gitrepo.Content, author string) error {
	if f.ensureFn != nil {
		return f.ensureFn(documentID, initial, author)
	}
	return nil
}

func (f *fakeGit) CommitSnapshot(documentID string, content gitrepo.Content, author, message string) (store.CommitInfo, error) {
	if f.commitFn != nil {
		return f.commitFn(documentID, content, author, message)
	}
	return store.CommitInfo{Hash: "abc1234", Message: message, Author: author, CreatedAt: time.Now()}, nil
}

func (f *fakeGit) GetHeadContent(documentID string) (gitrepo.Content, store.CommitInfo, error) {
	return gitrepo.Content{Title: "Doc"}, store.CommitInfo{Hash: "abc1234"}, nil
}

func (f *fakeGit) GetContentByHash(documentID, hash string) (gitrepo.Content, error) {
	return gitrepo.Content{Title: "Doc", Source: "pinned"}, nil
}

func (f *fakeGit) History(documentID string, limit int) ([]store.CommitInfo, error) {
	if f.historyFn != nil {
		return f.historyFn(documentID, limit)
	}
	return []store.CommitInfo{{Hash: "abc1234", Message: "Initial snapshot", Author: "Avery", CreatedAt: time.Now()}}, nil
}

func (f *fakeGit) TagVersion(documentID, hash, name string) error { return nil }

func (f *fakeGit) DeleteRepo(documentID string) (bool, error) {
	f.deleted = append(f.deleted, documentID)
	return true, nil
}

type fakeSearch struct {
	mu      sync.Mutex
	queries []search.Query
	indexed []string
	removed []string
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, q)
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeSearch) IndexDocument(d search.DocumentRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.indexed = append(f.indexed, d.ID)
}

func (f *fakeSearch) IndexComments(comments []search.CommentRecord) {}

func (f *fakeSearch) RemoveDocument(id string, commentIDs []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed = append(f.removed, id)
	return true
}

func (f *fakeSearch) RemoveComment(id string) {}

type fakeWindows struct {
	mu       sync.Mutex
	sessions map[string]session.WindowSession
}

func newFakeWindows() *fakeWindows {
	return &fakeWindows{sessions: map[string]session.WindowSession{}}
}

func (f *fakeWindows) SaveWindowSession(_ context.Context, ws session.WindowSession) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sessions[ws.UserID] = ws
	return nil
}

func (f *fakeWindows) LookupWindowSession(_ context.Context, userID string) (session.WindowSession, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ws, ok := f.sessions[userID]
	return ws, ok, nil
}

func (f *fakeWindows) DropWindowSession(_ context.Context, userID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sessions, userID)
	return nil
}

func newTestService(fs *fakeStore, fg *fakeGit, fsearch *fakeSearch) *Service {
	cfg := config.Config{
		TokenSecret: testSecret,
		AccessTTL:   time.Hour,
		RefreshTTL:  24 * time.Hour,
		CORSOrigin:  "*",
	}
	if fg == nil {
		fg = &fakeGit{}
	}
	opts := Options{Store: fs, Refresh: newFakeRefresh(), Git: fg}
	if fsearch != nil {
		opts.Search = fsearch
	}
	return New(cfg, opts)
}

func issueTestToken(t *testing.T, name string) string {
	t.Helper()
	token, err := auth.IssueToken([]byte(testSecret), auth.Claims{
		Sub:  "u_" + name,
		Name: name,
		Role: "editor",
		JTI:  "jti-" + name,
		Exp:  time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return token
}
