package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	insertUser := `
		INSERT INTO users (display_name, email)
		VALUES ($1, CONCAT(LOWER(REPLACE($1, ' ', '.')), '@local.loom.dev'))
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, role, is_email_verified, verification_token, verification_expires_at
		FROM users WHERE LOWER(email)=LOWER($1)
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Role, &user.IsEmailVerified, &user.VerificationToken, &user.VerificationExpiresAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (display_name, email, password_hash, role, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, created_at
	`, user.DisplayName, user.Email, user.PasswordHash, user.Role, user.VerificationToken, user.VerificationExpiresAt).
		Scan(&user.ID, &user.CreatedAt)
	if err != nil {
		return User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) MarkEmailVerified(ctx context.Context, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token='', verification_expires_at=NULL, updated_at=NOW()
		WHERE id=$1
	`, userID)
	if err != nil {
		return fmt.Errorf("mark email verified: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, userID, hash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE users SET password_hash=$2, updated_at=NOW() WHERE id=$1`, userID, hash)
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ListDocuments returns the summaries of every document the user can see:
// their own plus any where they appear as editor or viewer.
func (s *PostgresStore) ListDocuments(ctx context.Context, userID string) ([]DocumentSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, author,
			(SELECT COUNT(*) FROM jsonb_object_keys(comments)),
			last_modified
		FROM documents
		WHERE author = $1
			OR editors @> to_jsonb($1::text)
			OR viewers @> to_jsonb($1::text)
		ORDER BY last_modified DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	items := make([]DocumentSummary, 0)
	for rows.Next() {
		var item DocumentSummary
		if err := rows.Scan(&item.ID, &item.Title, &item.Author, &item.CommentCount, &item.LastModified); err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate documents: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetDocument(ctx context.Context, documentID string) (DocumentRecord, error) {
	var (
		item    DocumentRecord
		editors []byte
		viewers []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author, editors, viewers,
			source_content, template_content, preview_content, comments,
			created_at, last_modified
		FROM documents
		WHERE id=$1
	`, documentID).Scan(&item.ID, &item.Title, &item.Author, &editors, &viewers,
		&item.SourceContent, &item.TemplateContent, &item.PreviewContent, &item.Comments,
		&item.CreatedAt, &item.LastModified)
	if err != nil {
		return DocumentRecord{}, err
	}
	if err := json.Unmarshal(editors, &item.Editors); err != nil {
		return DocumentRecord{}, fmt.Errorf("decode editors: %w", err)
	}
	if err := json.Unmarshal(viewers, &item.Viewers); err != nil {
		return DocumentRecord{}, fmt.Errorf("decode viewers: %w", err)
	}
	return item, nil
}

func (s *PostgresStore) InsertDocument(ctx context.Context, item DocumentRecord) error {
	editors, viewers, comments, err := encodeDocumentFields(item)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (id, title, author, editors, viewers,
			source_content, template_content, preview_content, comments, last_modified)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
		ON CONFLICT (id) DO NOTHING
	`, item.ID, item.Title, item.Author, editors, viewers,
		item.SourceContent, item.TemplateContent, item.PreviewContent, comments)
	if err != nil {
		return fmt.Errorf("insert document: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateDocument(ctx context.Context, item DocumentRecord) error {
	editors, viewers, comments, err := encodeDocumentFields(item)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE documents
		SET title=$2, editors=$3, viewers=$4,
			source_content=$5, template_content=$6, preview_content=$7,
			comments=$8, last_modified=NOW()
		WHERE id=$1
	`, item.ID, item.Title, editors, viewers,
		item.SourceContent, item.TemplateContent, item.PreviewContent, comments)
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update document: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// DeleteDocument removes the row and returns how many comments went with it.
// Named versions and chat messages cascade at the schema level.
func (s *PostgresStore) DeleteDocument(ctx context.Context, documentID string) (int, error) {
	var commentCount int
	err := s.db.QueryRowContext(ctx, `
		DELETE FROM documents
		WHERE id=$1
		RETURNING (SELECT COUNT(*) FROM jsonb_object_keys(comments))
	`, documentID).Scan(&commentCount)
	if err != nil {
		return 0, err
	}
	return commentCount, nil
}

func encodeDocumentFields(item DocumentRecord) (editors, viewers, comments []byte, err error) {
	if item.Editors == nil {
		item.Editors = []string{}
	}
	if item.Viewers == nil {
		item.Viewers = []string{}
	}
	if editors, err = json.Marshal(item.Editors); err != nil {
		return nil, nil, nil, fmt.Errorf("encode editors: %w", err)
	}
	if viewers, err = json.Marshal(item.Viewers); err != nil {
		return nil, nil, nil, fmt.Errorf("encode viewers: %w", err)
	}
	comments = item.Comments
	if len(comments) == 0 {
		comments = []byte("{}")
	}
	return editors, viewers, comments, nil
}

func (s *PostgresStore) SaveNamedVersion(ctx context.Context, documentID string, version NamedVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO named_versions (document_id, name, hash, created_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (document_id, name) DO UPDATE SET hash=EXCLUDED.hash, created_by=EXCLUDED.created_by, created_at=NOW()
	`, documentID, version.Name, version.Hash, version.CreatedBy)
	if err != nil {
		return fmt.Errorf("save named version: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListNamedVersions(ctx context.Context, documentID string) ([]NamedVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT name, hash, created_by, created_at
		FROM named_versions
		WHERE document_id=$1
		ORDER BY created_at DESC
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list named versions: %w", err)
	}
	defer rows.Close()

	items := make([]NamedVersion, 0)
	for rows.Next() {
		var item NamedVersion
		if err := rows.Scan(&item.Name, &item.Hash, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan named version: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) AppendChatMessage(ctx context.Context, documentID, role, content string) (ChatMessage, error) {
	msg := ChatMessage{DocumentID: documentID, Role: role, Content: content}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO chat_messages (document_id, role, content)
		VALUES ($1, $2, $3)
		RETURNING id, created_at
	`, documentID, role, content).Scan(&msg.ID, &msg.CreatedAt)
	if err != nil {
		return ChatMessage{}, fmt.Errorf("append chat message: %w", err)
	}
	return msg, nil
}

func (s *PostgresStore) ListChatMessages(ctx context.Context, documentID string) ([]ChatMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, document_id, role, content, created_at
		FROM chat_messages
		WHERE document_id=$1
		ORDER BY id
	`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list chat messages: %w", err)
	}
	defer rows.Close()

	items := make([]ChatMessage, 0)
	for rows.Next() {
		var item ChatMessage
		if err := rows.Scan(&item.ID, &item.DocumentID, &item.Role, &item.Content, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat message: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *PostgresStore) ClearChat(ctx context.Context, documentID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM chat_messages WHERE document_id=$1`, documentID)
	if err != nil {
		return fmt.Errorf("clear chat: %w", err)
	}
	return nil
}
