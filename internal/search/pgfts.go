package search

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across documents and their embedded
// comments using plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	visibility := ""
	if q.RequesterID != "" {
		visibility = fmt.Sprintf(
			" AND (d.author = $%d OR d.editors @> to_jsonb($%d::text) OR d.viewers @> to_jsonb($%d::text))",
			argN, argN, argN)
		args = append(args, q.RequesterID)
		argN++
	}

	docFilter := ""
	if q.FilterDocumentID != "" {
		docFilter = fmt.Sprintf(" AND d.id = $%d", argN)
		args = append(args, q.FilterDocumentID)
		argN++
	}

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultDocument {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'document'::text AS type, d.id, d.title,
				ts_headline('english', coalesce(d.preview_content, d.source_content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, d.author,
				ts_rank(d.search_tsv, %s) AS rank
			FROM documents d
			WHERE d.search_tsv @@ %s%s%s`, tsQuery, tsQuery, tsQuery, visibility, docFilter))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, c.key AS id,
				coalesce(c.value->>'selectedText', '') AS title,
				ts_headline('english', coalesce(c.value->>'message', ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				d.id AS document_id, coalesce(c.value->>'author', '') AS author,
				ts_rank(to_tsvector('english', coalesce(c.value->>'message', '')), %s) AS rank
			FROM documents d, jsonb_each(d.comments) AS c
			WHERE to_tsvector('english', coalesce(c.value->>'message', '')) @@ %s%s%s`,
			tsQuery, tsQuery, tsQuery, visibility, docFilter))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, document_id, author
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.DocumentID, &r.Author); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]DocumentRecord, []CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author, editors, viewers, source_content, preview_content, comments
		FROM documents
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load documents: %w", err)
	}
	defer rows.Close()

	documents := make([]DocumentRecord, 0)
	comments := make([]CommentRecord, 0)
	for rows.Next() {
		var (
			d                      DocumentRecord
			editorsRaw, viewersRaw []byte
			commentsRaw            []byte
		)
		if err := rows.Scan(&d.ID, &d.Title, &d.Author, &editorsRaw, &viewersRaw, &d.Source, &d.Preview, &commentsRaw); err != nil {
			return nil, nil, fmt.Errorf("scan document: %w", err)
		}
		d.Participants = decodeParticipants(d.Author, editorsRaw, viewersRaw)
		documents = append(documents, d)
		comments = append(comments, decodeCommentRecords(d.ID, d.Participants, commentsRaw)...)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate documents: %w", err)
	}

	return documents, comments, nil
}

func decodeParticipants(author string, editorsRaw, viewersRaw []byte) []string {
	participants := []string{author}
	seen := map[string]bool{author: true}
	for _, raw := range [][]byte{editorsRaw, viewersRaw} {
		var names []string
		if err := json.Unmarshal(raw, &names); err != nil {
			continue
		}
		for _, name := range names {
			if !seen[name] {
				seen[name] = true
				participants = append(participants, name)
			}
		}
	}
	return participants
}

func decodeCommentRecords(documentID string, participants []string, raw []byte) []CommentRecord {
	var stored map[string]struct {
		ID           string `json:"id"`
		Message      string `json:"message"`
		SelectedText string `json:"selectedText"`
		Author       string `json:"author"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	records := make([]CommentRecord, 0, len(stored))
	for id, c := range stored {
		records = append(records, CommentRecord{
			ID:           id,
			Message:      c.Message,
			TargetText:   c.SelectedText,
			DocumentID:   documentID,
			Author:       c.Author,
			Participants: participants,
		})
	}
	return records
}
