package store

import "time"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

// DocumentRecord is the stored form of a document. The three content fields
// carry editor markup verbatim; Comments is the serialized comment map.
type DocumentRecord struct {
	ID              string
	Title           string
	Author          string
	Editors         []string
	Viewers         []string
	SourceContent   string
	TemplateContent string
	PreviewContent  string
	Comments        []byte
	CreatedAt       time.Time
	LastModified    time.Time
}

// DocumentSummary is one row of a listing, without content payloads.
type DocumentSummary struct {
	ID           string
	Title        string
	Author       string
	CommentCount int
	LastModified time.Time
}

// NamedVersion is a bookmark into a document's snapshot history.
type NamedVersion struct {
	Name      string
	Hash      string
	CreatedBy string
	CreatedAt time.Time
}

// CommitInfo describes one snapshot in a document's history.
type CommitInfo struct {
	Hash      string
	Message   string
	Author    string
	CreatedAt time.Time
}

// ChatMessage is one entry of a document's assistant conversation.
type ChatMessage struct {
	ID         int64
	DocumentID string
	Role       string
	Content    string
	CreatedAt  time.Time
}
