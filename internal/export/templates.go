package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"
)

// SafeHTML is a template function that marks a string as safe HTML
func SafeHTML(s interface{}) template.HTML {
	switch v := s.(type) {
	case string:
		return template.HTML(v)
	case template.HTML:
		return v
	default:
		return template.HTML("")
	}
}

var documentTemplate *template.Template

func init() {
	funcMap := template.FuncMap{
		"lower": strings.ToLower,
		"formatDate": func(t time.Time, layout string) string {
			return t.Format(layout)
		},
		"safeHTML": SafeHTML,
	}
	documentTemplate = template.Must(template.New("document").Funcs(funcMap).Parse(documentTemplateHTML))
}

// TemplateData holds data for document template rendering
type TemplateData struct {
	Title       string
	Mode        string
	ContentHTML template.HTML
	Author      string
	UpdatedAt   time.Time
	Comments    []TemplateComment
}

// TemplateComment holds annotation data for the discussion section
type TemplateComment struct {
	Target   string
	Message  string
	Author   string
	Resolved bool
	Replies  []TemplateReply
}

// TemplateReply holds reply data for template
type TemplateReply struct {
	Author string
	Body   string
}

// RenderDocumentHTML renders the document template with provided data
func RenderDocumentHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := documentTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const documentTemplateHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.Title}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.6; max-width: 800px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .comment-highlight { background: #fff3bf; }
    .removed-text { background: #ffe3e3; text-decoration: line-through; }
    .added-text { background: #d3f9d8; }
    .suggestion-line { background: #f1f3f5; display: block; }
    .comment { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .comment .target { font-style: italic; color: #666; }
    .comment.resolved { opacity: 0.6; }
    .reply { margin-left: 1.5rem; padding-top: 0.5rem; }
  </style>
</head>
<body>
  <h1>{{.Title}}</h1>
  <div class="meta">{{.Author}}{{if not .UpdatedAt.IsZero}} | {{.UpdatedAt.Format "Jan 2, 2006"}}{{end}}{{if .Mode}} | {{.Mode}}{{end}}</div>
  <div>{{.ContentHTML | safeHTML}}</div>
  {{if .Comments}}
  <h2>Discussion</h2>
  {{range .Comments}}
  <div class="comment{{if .Resolved}} resolved{{end}}">
    {{if .Target}}<div class="target">&ldquo;{{.Target}}&rdquo;</div>{{end}}
    <div><strong>{{.Author}}</strong>: {{.Message}}</div>
    {{range .Replies}}<div class="reply"><strong>{{.Author}}</strong>: {{.Body}}</div>{{end}}
  </div>
  {{end}}
  {{end}}
</body>
</html>`
