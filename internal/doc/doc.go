// Package doc holds the document and comment model shared by the session
// engine and the store API. The JSON shape here is the wire schema, which is
// also what gets persisted in the comments column server-side.
package doc

import (
	"time"

	"loom/engine/internal/engine/anchor"
)

// Mode identifies which of the document's three views a comment or selection
// belongs to.
type Mode string

const (
	ModeSource   Mode = "source"
	ModeTemplate Mode = "template"
	ModePreview  Mode = "preview"
)

func (m Mode) Valid() bool {
	return m == ModeSource || m == ModeTemplate || m == ModePreview
}

// ChangeType classifies a proposed edit.
type ChangeType string

const (
	ChangeReplace ChangeType = "replace"
	ChangeAdd     ChangeType = "add"
	ChangeRemove  ChangeType = "remove"
)

// Reply is one message in a comment thread.
type Reply struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
}

// LineChangeType classifies one line of a line-level proposal. The values
// match what the diff renderer and its round-trip parser exchange.
type LineChangeType string

const (
	LineModified LineChangeType = "modified"
	LineAdded    LineChangeType = "added"
	LineRemoved  LineChangeType = "removed"
)

// LineDiff is one changed line of a line-level proposal.
type LineDiff struct {
	LineIndex     int            `json:"lineIndex"`
	OriginalLine  string         `json:"originalLine"`
	SuggestedLine string         `json:"suggestedLine"`
	ChangeType    LineChangeType `json:"changeType"`
}

// DiffPayload carries everything needed to re-render an unresolved AI
// proposal after a reload.
type DiffPayload struct {
	CommentID  string     `json:"commentId"`
	ChangeType ChangeType `json:"changeType"`
	TargetText string     `json:"targetText"`
	NewText    string     `json:"newText"`
	IsActive   bool       `json:"isActive"`
	// Appended marks a proposal rendered as a standalone block because its
	// target text had drifted out of the content.
	Appended bool `json:"appended,omitempty"`
	// LineDiffs is set for line-level proposals rendered as a full diff view.
	LineDiffs []LineDiff `json:"lineDiffs,omitempty"`
}

// Comment is a threaded annotation bound to an anchor in one view mode.
type Comment struct {
	ID             string       `json:"id"`
	SelectedText   string       `json:"selectedText"`
	Message        string       `json:"message"`
	Mode           Mode         `json:"mode"`
	Author         string       `json:"author"`
	CreatedAt      time.Time    `json:"createdAt"`
	IsResolved     bool         `json:"isResolved"`
	IsActive       bool         `json:"isActive"`
	Anchor         anchor.Info  `json:"anchor"`
	Messages       []Reply      `json:"messages"`
	IsAISuggestion bool         `json:"isAISuggestion,omitempty"`
	DiffPayload    *DiffPayload `json:"diffPayload,omitempty"`
}

// HasReply reports whether the thread already contains a reply with the given
// id. Replies are idempotent under sync replay.
func (c *Comment) HasReply(replyID string) bool {
	for _, m := range c.Messages {
		if m.ID == replyID {
			return true
		}
	}
	return false
}

// Clone returns a deep copy so snapshots never alias live state.
func (c *Comment) Clone() *Comment {
	if c == nil {
		return nil
	}
	out := *c
	out.Messages = append([]Reply(nil), c.Messages...)
	if c.DiffPayload != nil {
		payload := *c.DiffPayload
		payload.LineDiffs = append([]LineDiff(nil), c.DiffPayload.LineDiffs...)
		out.DiffPayload = &payload
	}
	return &out
}

// Document is one named document with its three views and comment threads.
type Document struct {
	ID              string              `json:"id"`
	Title           string              `json:"title"`
	SourceContent   string              `json:"sourceContent"`
	TemplateContent string              `json:"templateContent"`
	PreviewContent  string              `json:"previewContent"`
	Author          string              `json:"author"`
	Editors         []string            `json:"editors"`
	Viewers         []string            `json:"viewers"`
	Comments        map[string]*Comment `json:"comments"`
	LastModified    time.Time           `json:"lastModified"`
	CreatedAt       time.Time           `json:"createdAt"`
}

// Content returns the content of the given view.
func (d *Document) Content(mode Mode) string {
	switch mode {
	case ModeSource:
		return d.SourceContent
	case ModeTemplate:
		return d.TemplateContent
	case ModePreview:
		return d.PreviewContent
	default:
		return ""
	}
}

// SetContent replaces the content of the given view and bumps LastModified.
func (d *Document) SetContent(mode Mode, content string) {
	switch mode {
	case ModeSource:
		d.SourceContent = content
	case ModeTemplate:
		d.TemplateContent = content
	case ModePreview:
		d.PreviewContent = content
	default:
		return
	}
	d.LastModified = time.Now()
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	if d == nil {
		return nil
	}
	out := *d
	out.Editors = append([]string(nil), d.Editors...)
	out.Viewers = append([]string(nil), d.Viewers...)
	out.Comments = make(map[string]*Comment, len(d.Comments))
	for id, c := range d.Comments {
		out.Comments[id] = c.Clone()
	}
	return &out
}

// CommentIDs returns the set of comment ids, used by sync to diff local
// against remote state.
func (d *Document) CommentIDs() map[string]struct{} {
	ids := make(map[string]struct{}, len(d.Comments))
	for id := range d.Comments {
		ids[id] = struct{}{}
	}
	return ids
}
