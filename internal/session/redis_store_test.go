package session

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func setupTestRedis(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := NewRedisStore("redis://" + s.Addr())
	if err != nil {
		t.Fatalf("failed to create redis store: %v", err)
	}
	return store, s
}

func TestSaveAndLookupRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	expiresAt := time.Now().Add(24 * time.Hour)

	if err := store.SaveRefreshSession(ctx, "hash-1", "user-123", expiresAt); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	user, err := store.LookupRefreshSession(ctx, "hash-1")
	if err != nil {
		t.Fatalf("LookupRefreshSession failed: %v", err)
	}
	if user.ID != "user-123" {
		t.Errorf("expected user-123, got %s", user.ID)
	}
}

func TestLookupExpiredRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveRefreshSession(ctx, "hash-exp", "user-456", time.Now().Add(time.Millisecond)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}

	s.FastForward(2 * time.Millisecond)

	if _, err := store.LookupRefreshSession(ctx, "hash-exp"); err == nil {
		t.Error("expected error for expired token, got nil")
	}
}

func TestRevokeRefreshSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveRefreshSession(ctx, "hash-revoke", "user-789", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("SaveRefreshSession failed: %v", err)
	}
	if err := store.RevokeRefreshSession(ctx, "hash-revoke"); err != nil {
		t.Fatalf("RevokeRefreshSession failed: %v", err)
	}
	if _, err := store.LookupRefreshSession(ctx, "hash-revoke"); err == nil {
		t.Error("expected error for revoked token, got nil")
	}

	// Revoking again is a no-op.
	if err := store.RevokeRefreshSession(ctx, "hash-revoke"); err != nil {
		t.Errorf("second revoke failed: %v", err)
	}
}

func TestWindowSessionRoundTrip(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	ws := WindowSession{
		UserID:   "user-1",
		OpenIDs:  []string{"doc_a", "doc_b"},
		ActiveID: "doc_b",
	}
	if err := store.SaveWindowSession(ctx, ws); err != nil {
		t.Fatalf("SaveWindowSession failed: %v", err)
	}

	got, ok, err := store.LookupWindowSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("LookupWindowSession failed: %v", err)
	}
	if !ok {
		t.Fatal("window session should exist")
	}
	if got.ActiveID != "doc_b" || len(got.OpenIDs) != 2 {
		t.Errorf("window session: %+v", got)
	}
	if got.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set on save")
	}
}

func TestWindowSessionMissing(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	_, ok, err := store.LookupWindowSession(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("LookupWindowSession failed: %v", err)
	}
	if ok {
		t.Error("missing session should report ok=false")
	}
}

func TestWindowSessionExpiry(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveWindowSession(ctx, WindowSession{UserID: "user-1", ActiveID: "doc_a"}); err != nil {
		t.Fatalf("SaveWindowSession failed: %v", err)
	}

	s.FastForward(windowSessionTTL + time.Minute)

	_, ok, err := store.LookupWindowSession(ctx, "user-1")
	if err != nil {
		t.Fatalf("LookupWindowSession failed: %v", err)
	}
	if ok {
		t.Error("session should expire")
	}
}

func TestDropWindowSession(t *testing.T) {
	store, s := setupTestRedis(t)
	defer store.Close()
	defer s.Close()

	ctx := context.Background()
	if err := store.SaveWindowSession(ctx, WindowSession{UserID: "user-1", ActiveID: "doc_a"}); err != nil {
		t.Fatalf("SaveWindowSession failed: %v", err)
	}
	if err := store.DropWindowSession(ctx, "user-1"); err != nil {
		t.Fatalf("DropWindowSession failed: %v", err)
	}
	if _, ok, _ := store.LookupWindowSession(ctx, "user-1"); ok {
		t.Error("session should be gone")
	}
}
