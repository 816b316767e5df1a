package export

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestContentToHTML(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected string
	}{
		{
			name:     "plain line",
			input:    "Hello world",
			expected: "<p>Hello world</p>",
		},
		{
			name:     "escapes raw angle brackets",
			input:    "if x < 10 { return }",
			expected: "<p>if x &lt; 10 { return }</p>",
		},
		{
			name:     "blank line becomes spacer",
			input:    "first\n\nsecond",
			expected: "<p>&nbsp;</p>",
		},
		{
			name:     "annotation span passes through",
			input:    `see <span class="comment-highlight" data-comment-id="c_1">this part</span> here`,
			expected: `<p>see <span class="comment-highlight" data-comment-id="c_1">this part</span> here</p>`,
		},
		{
			name:     "suggestion line passes through",
			input:    `<div class="suggestion-line" data-line-index="0">alpha</div>`,
			expected: `<div class="suggestion-line" data-line-index="0">alpha</div>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := ContentToHTML(tt.input)
			if !strings.Contains(result, tt.expected) {
				t.Errorf("ContentToHTML() = %v, want substring %v", result, tt.expected)
			}
		})
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "Hello-World"},
		{"My Document v1.2", "My-Document-v12"},
		{"Special!@#$%Chars", "SpecialChars"},
		{"", "document"},
		{"Very Long Title That Exceeds Fifty Characters Limit", "Very-Long-Title-That-Exceeds-Fifty-Characters-Limi"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := sanitizeFilename(tt.input)
			if result != tt.expected {
				t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.input, result, tt.expected)
			}
		})
	}
}

func TestEncodeDataURL(t *testing.T) {
	const prefix = "data:text/html;charset=utf-8,"
	tests := []struct {
		input    string
		expected string
	}{
		{"hello world", "hello%20world"},
		{"test+sign", "test%2Bsign"},
		{"special<>", "special%3C%3E"},
		{"normal-text.txt", "normal-text.txt"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := encodeDataURL(tt.input)
			if result != prefix+tt.expected {
				t.Errorf("encodeDataURL(%q) = %q, want %q", tt.input, result, prefix+tt.expected)
			}
		})
	}
}

func TestRenderDocumentHTML(t *testing.T) {
	data := TemplateData{
		Title:       "Test Document",
		Mode:        "preview",
		ContentHTML: "<p>This is the content.</p>",
		Author:      "Avery",
		UpdatedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Comments: []TemplateComment{
			{
				Target:  "the content",
				Message: "tighten this",
				Author:  "Blake",
				Replies: []TemplateReply{{Author: "Avery", Body: "done"}},
			},
		},
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		t.Fatalf("RenderDocumentHTML() error = %v", err)
	}

	if !strings.Contains(html, "Test Document") {
		t.Error("HTML missing title")
	}
	if !strings.Contains(html, "tighten this") {
		t.Error("HTML missing comment section")
	}
	if !strings.Contains(html, "done") {
		t.Error("HTML missing reply")
	}
	// Content must render as raw HTML, not escaped text.
	if strings.Contains(html, "&lt;p&gt;") {
		t.Error("HTML content was escaped")
	}
	if !strings.Contains(html, "<p>This is the content.</p>") {
		t.Error("HTML content should contain unescaped <p> tags")
	}
}

type fakeLoader struct {
	doc DocumentContent
	err error
}

func (f *fakeLoader) LoadDocument(ctx context.Context, documentID, version string) (DocumentContent, error) {
	return f.doc, f.err
}

func TestExportPicksModeContent(t *testing.T) {
	loader := &fakeLoader{doc: DocumentContent{
		ID:      "doc-1",
		Title:   "Notes",
		Source:  "source body",
		Preview: "preview body",
	}}
	svc := NewService(loader, nil, nil)

	// Unknown mode fails before any converter runs.
	if _, err := svc.Export(context.Background(), Request{DocumentID: "doc-1", Mode: "bogus", Format: FormatPDF}); err == nil {
		t.Fatal("expected error for unknown mode")
	}
}

func TestPickContentFallsBackToSource(t *testing.T) {
	doc := DocumentContent{Source: "source body"}
	got, err := pickContent(doc, "")
	if err != nil {
		t.Fatalf("pickContent() error = %v", err)
	}
	if got != "source body" {
		t.Errorf("empty preview should fall back to source, got %q", got)
	}

	doc.Preview = "preview body"
	got, _ = pickContent(doc, "preview")
	if got != "preview body" {
		t.Errorf("expected preview content, got %q", got)
	}
}
