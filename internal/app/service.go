package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v7"

	"loom/engine/internal/auth"
	"loom/engine/internal/authpw"
	"loom/engine/internal/config"
	"loom/engine/internal/datalake"
	"loom/engine/internal/doc"
	"loom/engine/internal/email"
	"loom/engine/internal/export"
	"loom/engine/internal/gitrepo"
	"loom/engine/internal/rbac"
	"loom/engine/internal/search"
	"loom/engine/internal/session"
	"loom/engine/internal/store"
	"loom/engine/internal/util"
)

// Session is an authenticated caller.
type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	JTI          string
	ExpiresAt    time.Time
}

// CleanupSummary reports what a document deletion removed.
type CleanupSummary struct {
	DocumentID      string `json:"documentId"`
	CommentsRemoved int    `json:"commentsRemoved"`
	SnapshotRemoved bool   `json:"snapshotRemoved"`
	HistoryRemoved  bool   `json:"historyRemoved"`
	IndexRemoved    bool   `json:"indexRemoved"`
	UploadsRemoved  int    `json:"uploadsRemoved"`
}

type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
	ListDocuments(ctx context.Context, userID string) ([]store.DocumentSummary, error)
	GetDocument(ctx context.Context, documentID string) (store.DocumentRecord, error)
	InsertDocument(ctx context.Context, item store.DocumentRecord) error
	UpdateDocument(ctx context.Context, item store.DocumentRecord) error
	DeleteDocument(ctx context.Context, documentID string) (int, error)
	SaveNamedVersion(ctx context.Context, documentID string, version store.NamedVersion) error
	ListNamedVersions(ctx context.Context, documentID string) ([]store.NamedVersion, error)
	AppendChatMessage(ctx context.Context, documentID, role, content string) (store.ChatMessage, error)
	ListChatMessages(ctx context.Context, documentID string) ([]store.ChatMessage, error)
	ClearChat(ctx context.Context, documentID string) error
	Ping(ctx context.Context) error
}

// refreshStore holds refresh sessions. Redis serves this in production;
// Postgres carries the same methods as a fallback.
type refreshStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type gitService interface {
	EnsureDocumentRepo(documentID string, initial gitrepo.Content, author string) error
	CommitSnapshot(documentID string, content gitrepo.Content, author, message string) (store.CommitInfo, error)
	GetHeadContent(documentID string) (gitrepo.Content, store.CommitInfo, error)
	GetContentByHash(documentID, hash string) (gitrepo.Content, error)
	History(documentID string, limit int) ([]store.CommitInfo, error)
	TagVersion(documentID, hash, name string) error
	DeleteRepo(documentID string) (bool, error)
}

type searchService interface {
	Search(q search.Query) search.Response
	IndexDocument(d search.DocumentRecord)
	IndexComments(comments []search.CommentRecord)
	RemoveDocument(id string, commentIDs []string) bool
	RemoveComment(id string)
}

type lakeStore interface {
	Put(ctx context.Context, documentID, name, contentType string, data []byte) (string, error)
	Get(ctx context.Context, key string) ([]byte, error)
	List(ctx context.Context, documentID string) ([]datalake.Object, error)
	RemoveDocument(ctx context.Context, documentID string) (int, error)
}

type windowStore interface {
	SaveWindowSession(ctx context.Context, ws session.WindowSession) error
	LookupWindowSession(ctx context.Context, userID string) (session.WindowSession, bool, error)
	DropWindowSession(ctx context.Context, userID string) error
}

// Service implements the document store the session engine talks to.
type Service struct {
	cfg      config.Config
	store    dataStore
	refresh  refreshStore
	windows  windowStore
	git      gitService
	search   searchService
	lake     lakeStore
	exporter *export.Service
	passwd   *authpw.Service
	mailer   *email.Service
	logger   *slog.Logger
}

// Options carries the service dependencies. Search, lake, windows, exporter,
// passwd, and mailer may be nil; the matching endpoints then degrade or 404.
type Options struct {
	Store   dataStore
	Refresh refreshStore
	Windows windowStore
	Git     gitService
	Search  searchService
	Lake    lakeStore
	Passwd  *authpw.Service
	Mailer  *email.Service
	Logger  *slog.Logger
}

func New(cfg config.Config, opts Options) *Service {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	refresh := opts.Refresh
	if refresh == nil {
		// PostgresStore carries the refresh-session methods too.
		refresh, _ = opts.Store.(refreshStore)
	}
	s := &Service{
		cfg:     cfg,
		store:   opts.Store,
		refresh: refresh,
		windows: opts.Windows,
		git:     opts.Git,
		search:  opts.Search,
		lake:    opts.Lake,
		passwd:  opts.Passwd,
		mailer:  opts.Mailer,
		logger:  logger.With("component", "app"),
	}
	s.exporter = export.NewService(s, nil, logger)
	return s
}

// SetLake attaches object storage after construction and rebuilds the
// exporter so generated artifacts get archived.
func (s *Service) SetLake(lake *datalake.Lake) {
	if lake == nil {
		return
	}
	s.lake = lake
	s.exporter = export.NewService(s, lake, s.logger)
}

// Bootstrap seeds a demo document the first time the service starts against
// an empty database.
func (s *Service) Bootstrap(ctx context.Context) error {
	owner, err := s.store.EnsureUserByName(ctx, "Avery")
	if err != nil {
		return err
	}

	existing, err := s.store.ListDocuments(ctx, owner.DisplayName)
	if err != nil {
		return err
	}
	if len(existing) > 0 {
		return nil
	}

	seed := &doc.Document{
		ID:              util.ScopedID(owner.DisplayName, "doc"),
		Title:           "Welcome to Loom",
		SourceContent:   gofakeit.Paragraph(2, 4, 10, "\n"),
		TemplateContent: "Dear {{name:=" + gofakeit.Name() + "}},\n\n$name, this template fills in as you type.",
		Author:          owner.DisplayName,
		Comments:        map[string]*doc.Comment{},
		LastModified:    time.Now(),
		CreatedAt:       time.Now(),
	}

	if err := s.store.InsertDocument(ctx, recordFromDocument(seed)); err != nil {
		return err
	}
	if err := s.git.EnsureDocumentRepo(seed.ID, gitContent(seed), owner.DisplayName); err != nil {
		return err
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(seed))
	}
	s.logger.Info("seeded demo document", "documentId", seed.ID)
	return nil
}

// Login authenticates by display name. Development convenience; accounts get
// created on first use.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	userName := strings.TrimSpace(name)
	if userName == "" {
		userName = "User"
	}

	user, err := s.store.EnsureUserByName(ctx, userName)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// SignUp registers an email/password account and mails the verification link
// when SMTP is configured.
func (s *Service) SignUp(ctx context.Context, email, password, displayName string) (*authpw.SignUpResponse, error) {
	if s.passwd == nil {
		return nil, unavailable("AUTH_UNAVAILABLE", "Password auth not configured")
	}
	resp, err := s.passwd.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, DisplayName: displayName})
	if err != nil {
		return nil, err
	}
	if s.mailer != nil && s.mailer.IsConfigured() {
		verifyURL := fmt.Sprintf("%s/verify?email=%s&token=%s", s.cfg.CORSOrigin, email, resp.VerificationToken)
		if mailErr := s.mailer.SendVerificationEmail(email, displayName, verifyURL); mailErr != nil {
			s.logger.Warn("verification mail failed", "email", email, "error", mailErr)
		}
	}
	return resp, nil
}

// SignIn authenticates an email/password account and issues a session.
func (s *Service) SignIn(ctx context.Context, email, password string) (Session, bool, error) {
	if s.passwd == nil {
		return Session{}, false, unavailable("AUTH_UNAVAILABLE", "Password auth not configured")
	}
	resp, err := s.passwd.SignIn(ctx, authpw.SignInRequest{Email: email, Password: password})
	if err != nil {
		return Session{}, false, err
	}
	if resp.RequiresVerify {
		return Session{}, true, nil
	}
	sess, err := s.issueSession(ctx, resp.User)
	return sess, false, err
}

// VerifyEmail marks an account verified.
func (s *Service) VerifyEmail(ctx context.Context, email, token string) error {
	if s.passwd == nil {
		return unavailable("AUTH_UNAVAILABLE", "Password auth not configured")
	}
	return s.passwd.VerifyEmail(ctx, email, token)
}

// Refresh rotates a refresh token into a new session.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.refresh.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	// The refresh record may carry only the user id.
	if user.DisplayName == "" {
		if full, lookupErr := s.store.GetUserByID(ctx, user.ID); lookupErr == nil {
			user = full
		}
	}
	if err := s.refresh.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.refresh.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken validates a bearer token against revocations.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Logout revokes the access token and the refresh token.
func (s *Service) Logout(ctx context.Context, sess Session, refreshToken string) error {
	if sess.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, sess.JTI, sess.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.refresh.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	if s.windows != nil && sess.UserID != "" {
		_ = s.windows.DropWindowSession(ctx, sess.UserID)
	}
	return nil
}

// documentRole resolves the caller's role on a document.
func documentRole(sess Session, rec store.DocumentRecord) rbac.Role {
	return rbac.For(sess.UserName, rec.Author, rec.Editors, rec.Viewers)
}

func (s *Service) loadVisible(ctx context.Context, sess Session, documentID string, action rbac.Action) (store.DocumentRecord, error) {
	rec, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return store.DocumentRecord{}, err
	}
	role := documentRole(sess, rec)
	if role == rbac.RoleNone {
		// Hide existence from outsiders.
		return store.DocumentRecord{}, sql.ErrNoRows
	}
	if !rbac.Can(role, action) {
		return store.DocumentRecord{}, forbidden("Forbidden")
	}
	return rec, nil
}

// ListDocuments returns summaries of every document the caller can see,
// optionally narrowed to one author.
func (s *Service) ListDocuments(ctx context.Context, sess Session, author string) ([]map[string]any, error) {
	summaries, err := s.store.ListDocuments(ctx, sess.UserName)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(summaries))
	for _, d := range summaries {
		if author != "" && d.Author != author {
			continue
		}
		items = append(items, map[string]any{
			"id":           d.ID,
			"title":        d.Title,
			"author":       d.Author,
			"commentCount": d.CommentCount,
			"lastModified": d.LastModified,
		})
	}
	return items, nil
}

// CreateDocument persists a new document owned by the caller.
func (s *Service) CreateDocument(ctx context.Context, sess Session, d *doc.Document) (*doc.Document, error) {
	if d == nil {
		d = &doc.Document{}
	}
	if d.ID == "" {
		d.ID = util.ScopedID(sess.UserName, "doc")
	}
	d.Author = sess.UserName
	if d.Comments == nil {
		d.Comments = map[string]*doc.Comment{}
	}
	now := time.Now()
	d.CreatedAt = now
	d.LastModified = now

	if err := s.store.InsertDocument(ctx, recordFromDocument(d)); err != nil {
		return nil, err
	}
	if err := s.git.EnsureDocumentRepo(d.ID, gitContent(d), sess.UserName); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(d))
	}
	s.logger.Info("document created", "documentId", d.ID, "author", sess.UserName)
	return d, nil
}

// GetDocument returns the full document state, comments included.
func (s *Service) GetDocument(ctx context.Context, sess Session, documentID string) (*doc.Document, error) {
	rec, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	return documentFromRecord(rec)
}

// SaveDocument replaces the stored document state wholesale, snapshots it,
// and refreshes the search index.
func (s *Service) SaveDocument(ctx context.Context, sess Session, documentID string, incoming *doc.Document) (*doc.Document, error) {
	rec, err := s.loadVisible(ctx, sess, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if incoming == nil {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "Document body required", nil)
	}

	incoming.ID = documentID
	incoming.Author = rec.Author
	incoming.CreatedAt = rec.CreatedAt
	incoming.LastModified = time.Now()
	if incoming.Comments == nil {
		incoming.Comments = map[string]*doc.Comment{}
	}

	if err := s.store.UpdateDocument(ctx, recordFromDocument(incoming)); err != nil {
		return nil, err
	}
	if _, err := s.git.CommitSnapshot(documentID, gitContent(incoming), sess.UserName, "Save by "+sess.UserName); err != nil {
		s.logger.Warn("snapshot failed", "documentId", documentID, "error", err)
	}
	if s.search != nil {
		s.search.IndexDocument(searchRecord(incoming))
		s.search.IndexComments(commentRecords(incoming))
	}
	return incoming, nil
}

// DeleteDocument removes the document and everything derived from it. Only
// the author may delete.
func (s *Service) DeleteDocument(ctx context.Context, sess Session, documentID string) (*CleanupSummary, error) {
	rec, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if !rbac.Can(documentRole(sess, rec), rbac.ActionDelete) {
		return nil, forbidden("Only the author can delete a document")
	}

	commentIDs := commentIDsFromRaw(rec.Comments)

	summary := &CleanupSummary{DocumentID: documentID}
	summary.CommentsRemoved, err = s.store.DeleteDocument(ctx, documentID)
	if err != nil {
		return nil, err
	}
	// Named versions and chat rows cascade with the document row.
	summary.HistoryRemoved = true

	if removed, gitErr := s.git.DeleteRepo(documentID); gitErr != nil {
		s.logger.Warn("snapshot cleanup failed", "documentId", documentID, "error", gitErr)
	} else {
		summary.SnapshotRemoved = removed
	}
	if s.search != nil {
		summary.IndexRemoved = s.search.RemoveDocument(documentID, commentIDs)
	}
	if s.lake != nil {
		if removed, lakeErr := s.lake.RemoveDocument(ctx, documentID); lakeErr != nil {
			s.logger.Warn("upload cleanup failed", "documentId", documentID, "error", lakeErr)
		} else {
			summary.UploadsRemoved = removed
		}
	}

	s.logger.Info("document deleted", "documentId", documentID, "comments", summary.CommentsRemoved)
	return summary, nil
}

// ShareDocument grants another user editor or viewer access.
func (s *Service) ShareDocument(ctx context.Context, sess Session, documentID, userName, role string) (*doc.Document, error) {
	rec, err := s.loadVisible(ctx, sess, documentID, rbac.ActionWrite)
	if err != nil {
		return nil, err
	}
	if rec.Author != sess.UserName {
		return nil, forbidden("Only the author can share a document")
	}
	userName = strings.TrimSpace(userName)
	if userName == "" || userName == rec.Author {
		return nil, invalid("userName must name another user")
	}

	rec.Editors = slices.DeleteFunc(rec.Editors, func(n string) bool { return n == userName })
	rec.Viewers = slices.DeleteFunc(rec.Viewers, func(n string) bool { return n == userName })
	switch role {
	case "editor":
		rec.Editors = append(rec.Editors, userName)
	case "viewer":
		rec.Viewers = append(rec.Viewers, userName)
	default:
		return nil, invalid("role must be editor or viewer")
	}

	if err := s.store.UpdateDocument(ctx, rec); err != nil {
		return nil, err
	}

	if s.mailer != nil && s.mailer.IsConfigured() {
		target, userErr := s.store.EnsureUserByName(ctx, userName)
		if userErr == nil {
			docURL := fmt.Sprintf("%s/documents/%s", s.cfg.CORSOrigin, documentID)
			if mailErr := s.mailer.SendShareEmail(target.Email, userName, sess.UserName, rec.Title, role, docURL); mailErr != nil {
				s.logger.Warn("share mail failed", "documentId", documentID, "error", mailErr)
			}
		}
	}

	return documentFromRecord(rec)
}

// History lists the document's snapshot history and named versions.
func (s *Service) History(ctx context.Context, sess Session, documentID string, limit int) (map[string]any, error) {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 50
	}

	commits, err := s.git.History(documentID, limit)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListNamedVersions(ctx, documentID)
	if err != nil {
		return nil, err
	}

	commitItems := make([]map[string]any, 0, len(commits))
	for _, c := range commits {
		commitItems = append(commitItems, map[string]any{
			"hash":      c.Hash,
			"message":   c.Message,
			"author":    c.Author,
			"createdAt": c.CreatedAt,
		})
	}
	versionItems := make([]map[string]any, 0, len(versions))
	for _, v := range versions {
		versionItems = append(versionItems, map[string]any{
			"name":      v.Name,
			"hash":      v.Hash,
			"createdBy": v.CreatedBy,
			"createdAt": v.CreatedAt,
		})
	}

	return map[string]any{
		"documentId":    documentID,
		"commits":       commitItems,
		"namedVersions": versionItems,
	}, nil
}

// SaveNamedVersion bookmarks the current head snapshot under a name.
func (s *Service) SaveNamedVersion(ctx context.Context, sess Session, documentID, name string) (map[string]any, error) {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, invalid("name is required")
	}

	_, head, err := s.git.GetHeadContent(documentID)
	if err != nil {
		return nil, err
	}
	if err := s.git.TagVersion(documentID, head.Hash, name); err != nil {
		return nil, err
	}
	if err := s.store.SaveNamedVersion(ctx, documentID, store.NamedVersion{
		Name:      name,
		Hash:      head.Hash,
		CreatedBy: sess.UserName,
	}); err != nil {
		return nil, err
	}

	return map[string]any{"name": name, "hash": head.Hash}, nil
}

// VersionContent returns the snapshot stored under a commit hash or tag name.
func (s *Service) VersionContent(ctx context.Context, sess Session, documentID, ref string) (map[string]any, error) {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	content, err := s.git.GetContentByHash(documentID, ref)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"documentId":      documentID,
		"ref":             ref,
		"title":           content.Title,
		"sourceContent":   content.Source,
		"templateContent": content.Template,
		"previewContent":  content.Preview,
	}, nil
}

// Search runs a full-text query scoped to the caller's documents.
func (s *Service) Search(ctx context.Context, sess Session, text, filterType, documentID string, limit, offset int) (search.Response, error) {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: text}, nil
	}
	if documentID != "" {
		if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead); err != nil {
			return search.Response{}, err
		}
	}
	return s.search.Search(search.Query{
		Text:             text,
		FilterType:       search.ResultType(filterType),
		FilterDocumentID: documentID,
		RequesterID:      sess.UserName,
		Limit:            limit,
		Offset:           offset,
	}), nil
}

// Export renders the document to the requested format.
func (s *Service) Export(ctx context.Context, sess Session, req export.Request) (*export.Result, error) {
	if _, err := s.loadVisible(ctx, sess, req.DocumentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.exporter.Export(ctx, req)
}

// LoadDocument implements export.ContentLoader.
func (s *Service) LoadDocument(ctx context.Context, documentID, version string) (export.DocumentContent, error) {
	rec, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return export.DocumentContent{}, err
	}

	out := export.DocumentContent{
		ID:        rec.ID,
		Title:     rec.Title,
		Author:    rec.Author,
		UpdatedAt: rec.LastModified,
		Source:    rec.SourceContent,
		Template:  rec.TemplateContent,
		Preview:   rec.PreviewContent,
	}

	if version != "" && version != "latest" {
		content, gitErr := s.git.GetContentByHash(documentID, version)
		if gitErr != nil {
			return export.DocumentContent{}, fmt.Errorf("%w: %v", export.ErrContentUnavailable, gitErr)
		}
		out.Title = content.Title
		out.Source = content.Source
		out.Template = content.Template
		out.Preview = content.Preview
	}

	var comments map[string]*doc.Comment
	if err := json.Unmarshal(rec.Comments, &comments); err == nil {
		for _, c := range comments {
			info := export.CommentInfo{
				Target:   c.SelectedText,
				Message:  c.Message,
				Author:   c.Author,
				Resolved: c.IsResolved,
			}
			for _, reply := range c.Messages {
				info.Replies = append(info.Replies, export.ReplyInfo{Author: reply.Author, Body: reply.Text})
			}
			out.Comments = append(out.Comments, info)
		}
	}
	return out, nil
}

// UploadArtifact stores an attachment for a document.
func (s *Service) UploadArtifact(ctx context.Context, sess Session, documentID, name, contentType string, data []byte) (map[string]any, error) {
	if s.lake == nil {
		return nil, unavailable("LAKE_UNAVAILABLE", "Object storage not configured")
	}
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionWrite); err != nil {
		return nil, err
	}
	if name == "" || len(data) == 0 {
		return nil, invalid("name and body are required")
	}
	key, err := s.lake.Put(ctx, documentID, name, contentType, data)
	if err != nil {
		return nil, err
	}
	return map[string]any{"key": key, "size": len(data)}, nil
}

// ListArtifacts lists a document's stored attachments.
func (s *Service) ListArtifacts(ctx context.Context, sess Session, documentID string) ([]datalake.Object, error) {
	if s.lake == nil {
		return []datalake.Object{}, nil
	}
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	objects, err := s.lake.List(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if objects == nil {
		objects = []datalake.Object{}
	}
	return objects, nil
}

// AppendChat records one assistant conversation turn.
func (s *Service) AppendChat(ctx context.Context, sess Session, documentID, role, content string) (store.ChatMessage, error) {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionComment); err != nil {
		return store.ChatMessage{}, err
	}
	if role != "user" && role != "assistant" && role != "tool" {
		return store.ChatMessage{}, invalid("role must be user, assistant or tool")
	}
	return s.store.AppendChatMessage(ctx, documentID, role, content)
}

// ListChat returns the assistant conversation for a document.
func (s *Service) ListChat(ctx context.Context, sess Session, documentID string) ([]store.ChatMessage, error) {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListChatMessages(ctx, documentID)
}

// ClearChat drops the assistant conversation for a document.
func (s *Service) ClearChat(ctx context.Context, sess Session, documentID string) error {
	if _, err := s.loadVisible(ctx, sess, documentID, rbac.ActionWrite); err != nil {
		return err
	}
	return s.store.ClearChat(ctx, documentID)
}

// SaveWindowSession records which documents the caller has open.
func (s *Service) SaveWindowSession(ctx context.Context, sess Session, openIDs []string, activeID string) error {
	if s.windows == nil {
		return nil
	}
	if activeID != "" && !slices.Contains(openIDs, activeID) {
		return invalid("activeId must be one of openIds")
	}
	return s.windows.SaveWindowSession(ctx, session.WindowSession{
		UserID:   sess.UserID,
		OpenIDs:  openIDs,
		ActiveID: activeID,
	})
}

// WindowSession returns the caller's recorded open documents.
func (s *Service) WindowSession(ctx context.Context, sess Session) (session.WindowSession, bool, error) {
	if s.windows == nil {
		return session.WindowSession{}, false, nil
	}
	return s.windows.LookupWindowSession(ctx, sess.UserID)
}

// Ping reports data-store connectivity.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SMTPConfigured reports whether outbound mail can be sent.
func (s *Service) SMTPConfigured() bool {
	return s.mailer != nil && s.mailer.IsConfigured()
}

// recordFromDocument converts engine state to its stored form.
func recordFromDocument(d *doc.Document) store.DocumentRecord {
	comments, err := json.Marshal(d.Comments)
	if err != nil {
		comments = []byte("{}")
	}
	return store.DocumentRecord{
		ID:              d.ID,
		Title:           d.Title,
		Author:          d.Author,
		Editors:         d.Editors,
		Viewers:         d.Viewers,
		SourceContent:   d.SourceContent,
		TemplateContent: d.TemplateContent,
		PreviewContent:  d.PreviewContent,
		Comments:        comments,
		CreatedAt:       d.CreatedAt,
		LastModified:    d.LastModified,
	}
}

func documentFromRecord(rec store.DocumentRecord) (*doc.Document, error) {
	comments := map[string]*doc.Comment{}
	if len(rec.Comments) > 0 {
		if err := json.Unmarshal(rec.Comments, &comments); err != nil {
			return nil, fmt.Errorf("decode comments: %w", err)
		}
	}
	return &doc.Document{
		ID:              rec.ID,
		Title:           rec.Title,
		SourceContent:   rec.SourceContent,
		TemplateContent: rec.TemplateContent,
		PreviewContent:  rec.PreviewContent,
		Author:          rec.Author,
		Editors:         rec.Editors,
		Viewers:         rec.Viewers,
		Comments:        comments,
		CreatedAt:       rec.CreatedAt,
		LastModified:    rec.LastModified,
	}, nil
}

func gitContent(d *doc.Document) gitrepo.Content {
	comments, err := json.Marshal(d.Comments)
	if err != nil {
		comments = []byte("{}")
	}
	return gitrepo.Content{
		Title:    d.Title,
		Source:   d.SourceContent,
		Template: d.TemplateContent,
		Preview:  d.PreviewContent,
		Comments: comments,
	}
}

func searchRecord(d *doc.Document) search.DocumentRecord {
	return search.DocumentRecord{
		ID:           d.ID,
		Title:        d.Title,
		Source:       d.SourceContent,
		Preview:      d.PreviewContent,
		Author:       d.Author,
		Participants: participants(d),
	}
}

func commentRecords(d *doc.Document) []search.CommentRecord {
	people := participants(d)
	records := make([]search.CommentRecord, 0, len(d.Comments))
	for id, c := range d.Comments {
		records = append(records, search.CommentRecord{
			ID:           id,
			Message:      c.Message,
			TargetText:   c.SelectedText,
			DocumentID:   d.ID,
			Author:       c.Author,
			Participants: people,
		})
	}
	return records
}

func participants(d *doc.Document) []string {
	people := []string{d.Author}
	seen := map[string]bool{d.Author: true}
	for _, group := range [][]string{d.Editors, d.Viewers} {
		for _, name := range group {
			if !seen[name] {
				seen[name] = true
				people = append(people, name)
			}
		}
	}
	return people
}

func commentIDsFromRaw(raw []byte) []string {
	var stored map[string]json.RawMessage
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil
	}
	ids := make([]string, 0, len(stored))
	for id := range stored {
		ids = append(ids, id)
	}
	return ids
}
