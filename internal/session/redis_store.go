// Package session stores short-lived server state in Redis: refresh tokens
// and each user's window session, which records the documents they have open
// and which one is active.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"loom/engine/internal/store"
)

// TokenData is the payload stored per refresh token.
type TokenData struct {
	UserID      string    `json:"user_id"`
	DisplayName string    `json:"display_name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"created_at"`
}

// WindowSession records which documents a user has open across requests.
type WindowSession struct {
	UserID    string    `json:"user_id"`
	OpenIDs   []string  `json:"open_ids"`
	ActiveID  string    `json:"active_id"`
	UpdatedAt time.Time `json:"updated_at"`
}

const windowSessionTTL = 12 * time.Hour

// RedisStore is a Redis-backed session store.
type RedisStore struct {
	client        *redis.Client
	refreshPrefix string
	windowPrefix  string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisStoreWithClient(client), nil
}

// NewRedisStoreWithClient wraps an existing client, used by tests.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client:        client,
		refreshPrefix: "refresh:",
		windowPrefix:  "window:",
	}
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	data := TokenData{
		UserID:    userID,
		CreatedAt: time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	if err := s.client.Set(ctx, s.refreshPrefix+tokenHash, jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh token: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	jsonData, err := s.client.Get(ctx, s.refreshPrefix+tokenHash).Result()
	if err == redis.Nil {
		return store.User{}, fmt.Errorf("token not found or expired")
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup refresh token: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return store.User{}, fmt.Errorf("unmarshal token data: %w", err)
	}
	if data.Role == "" {
		data.Role = "viewer"
	}
	return store.User{
		ID:          data.UserID,
		DisplayName: data.DisplayName,
		Role:        data.Role,
	}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.refreshPrefix+tokenHash).Err(); err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}
	return nil
}

// SaveWindowSession records the user's open documents. Sessions expire on
// their own so an abandoned browser tab does not pin state forever.
func (s *RedisStore) SaveWindowSession(ctx context.Context, ws WindowSession) error {
	ws.UpdatedAt = time.Now()
	jsonData, err := json.Marshal(ws)
	if err != nil {
		return fmt.Errorf("marshal window session: %w", err)
	}
	if err := s.client.Set(ctx, s.windowPrefix+ws.UserID, jsonData, windowSessionTTL).Err(); err != nil {
		return fmt.Errorf("save window session: %w", err)
	}
	return nil
}

// LookupWindowSession returns the user's window session, or false when none
// is stored.
func (s *RedisStore) LookupWindowSession(ctx context.Context, userID string) (WindowSession, bool, error) {
	jsonData, err := s.client.Get(ctx, s.windowPrefix+userID).Result()
	if err == redis.Nil {
		return WindowSession{}, false, nil
	}
	if err != nil {
		return WindowSession{}, false, fmt.Errorf("lookup window session: %w", err)
	}

	var ws WindowSession
	if err := json.Unmarshal([]byte(jsonData), &ws); err != nil {
		return WindowSession{}, false, fmt.Errorf("unmarshal window session: %w", err)
	}
	return ws, true, nil
}

// DropWindowSession removes the user's window session.
func (s *RedisStore) DropWindowSession(ctx context.Context, userID string) error {
	if err := s.client.Del(ctx, s.windowPrefix+userID).Err(); err != nil {
		return fmt.Errorf("drop window session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
