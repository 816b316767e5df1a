package export

import (
	"context"
	"fmt"
	"html/template"
	"log/slog"
	"time"

	"loom/engine/internal/datalake"
)

// ContentLoader resolves a document snapshot for export.
type ContentLoader interface {
	LoadDocument(ctx context.Context, documentID, version string) (DocumentContent, error)
}

// DocumentContent holds everything needed to render an export.
type DocumentContent struct {
	ID        string
	Title     string
	Author    string
	UpdatedAt time.Time
	Source    string
	Template  string
	Preview   string
	Comments  []CommentInfo
}

// CommentInfo holds annotation data for the discussion section
type CommentInfo struct {
	Target   string
	Message  string
	Author   string
	Resolved bool
	Replies  []ReplyInfo
}

// ReplyInfo holds reply metadata
type ReplyInfo struct {
	Author string
	Body   string
}

// Service provides document export functionality
type Service struct {
	loader ContentLoader
	lake   *datalake.Lake
	logger *slog.Logger
}

// NewService creates a new export service. lake may be nil; generated
// artifacts are then returned without being archived.
func NewService(loader ContentLoader, lake *datalake.Lake, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{loader: loader, lake: lake, logger: logger.With("component", "export")}
}

// Export generates an export in the requested format
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	doc, err := s.loader.LoadDocument(ctx, req.DocumentID, req.Version)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}

	content, err := pickContent(doc, req.Mode)
	if err != nil {
		return nil, err
	}

	data := TemplateData{
		Title:       doc.Title,
		Mode:        req.Mode,
		ContentHTML: template.HTML(ContentToHTML(content)),
		Author:      doc.Author,
		UpdatedAt:   doc.UpdatedAt,
	}

	if req.IncludeComments {
		for _, c := range doc.Comments {
			comment := TemplateComment{
				Target:   c.Target,
				Message:  c.Message,
				Author:   c.Author,
				Resolved: c.Resolved,
			}
			for _, r := range c.Replies {
				comment.Replies = append(comment.Replies, TemplateReply{Author: r.Author, Body: r.Body})
			}
			data.Comments = append(data.Comments, comment)
		}
	}

	html, err := RenderDocumentHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	var result *Result
	switch req.Format {
	case FormatPDF:
		result, err = exportPDF(html, doc.Title)
	case FormatDOCX:
		result, err = exportDOCX(html, doc.Title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.lake != nil {
		key, lakeErr := s.lake.Put(ctx, doc.ID, result.Filename, result.MimeType, result.Data)
		if lakeErr != nil {
			s.logger.Warn("archive export failed", "documentId", doc.ID, "error", lakeErr)
		} else {
			result.LakeKey = key
		}
	}

	return result, nil
}

func pickContent(doc DocumentContent, mode string) (string, error) {
	switch mode {
	case "source":
		return doc.Source, nil
	case "template":
		return doc.Template, nil
	case "preview", "":
		if doc.Preview != "" {
			return doc.Preview, nil
		}
		return doc.Source, nil
	default:
		return "", fmt.Errorf("%w: unknown mode %q", ErrContentUnavailable, mode)
	}
}
