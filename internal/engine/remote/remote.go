// Package remote is the engine's client for the document service. Every call
// takes a context and returns the service's coded error when the response is
// not 2xx, so callers can tell a missing document from a transport failure.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"loom/engine/internal/doc"
)

// APIError carries the service's error envelope.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"error"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// IsNotFound reports whether err is the service saying the document does not
// exist.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// CleanupSummary reports what a document deletion removed on the service.
type CleanupSummary struct {
	DocumentID      string `json:"documentId"`
	CommentsRemoved int    `json:"commentsRemoved"`
	SnapshotRemoved bool   `json:"snapshotRemoved"`
	HistoryRemoved  bool   `json:"historyRemoved"`
	IndexRemoved    bool   `json:"indexRemoved"`
}

// Summary is one row of a document listing.
type Summary struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Author       string    `json:"author"`
	LastModified time.Time `json:"lastModified"`
}

// Client talks to the document service over HTTP.
type Client struct {
	baseURL string
	token   string
	httpc   *http.Client
}

func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		httpc:   &http.Client{Timeout: 15 * time.Second},
	}
}

// WithHTTPClient overrides the underlying http client, used by tests and by
// callers that need custom transport settings.
func (c *Client) WithHTTPClient(httpc *http.Client) *Client {
	c.httpc = httpc
	return c
}

// List returns the summaries of every document visible to the caller.
func (c *Client) List(ctx context.Context) ([]Summary, error) {
	var out struct {
		Documents []Summary `json:"documents"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/documents", nil, &out); err != nil {
		return nil, err
	}
	return out.Documents, nil
}

// Get fetches the full document state, comments included.
func (c *Client) Get(ctx context.Context, documentID string) (*doc.Document, error) {
	var out doc.Document
	if err := c.do(ctx, http.MethodGet, "/api/documents/"+url.PathEscape(documentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Create persists a new document and returns the stored state.
func (c *Client) Create(ctx context.Context, d *doc.Document) (*doc.Document, error) {
	var out doc.Document
	if err := c.do(ctx, http.MethodPost, "/api/documents", d, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Save replaces the stored document state with d.
func (c *Client) Save(ctx context.Context, d *doc.Document) error {
	return c.do(ctx, http.MethodPut, "/api/documents/"+url.PathEscape(d.ID), d, nil)
}

// Delete removes the document and everything derived from it, returning the
// service's cleanup summary.
func (c *Client) Delete(ctx context.Context, documentID string) (*CleanupSummary, error) {
	var out CleanupSummary
	if err := c.do(ctx, http.MethodDelete, "/api/documents/"+url.PathEscape(documentID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{Status: resp.StatusCode, Code: "UNKNOWN"}
		if decodeErr := json.NewDecoder(resp.Body).Decode(apiErr); decodeErr != nil {
			apiErr.Message = resp.Status
		}
		return apiErr
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
