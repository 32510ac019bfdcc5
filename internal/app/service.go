package app

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tandem/api/internal/auth"
	"tandem/api/internal/authpw"
	"tandem/api/internal/config"
	"tandem/api/internal/presence"
	"tandem/api/internal/rbac"
	"tandem/api/internal/search"
	"tandem/api/internal/store"
	"tandem/api/internal/transport"
	"tandem/api/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	JTI          string
	ExpiresAt    time.Time
}

type dataStore interface {
	GetUserByID(context.Context, string) (store.User, error)
	RevokeAccessToken(context.Context, string, time.Time) error
	IsAccessTokenRevoked(context.Context, string) (bool, error)

	CreateWorkspace(context.Context, store.Workspace) error
	ListWorkspacesForUser(context.Context, string) ([]store.Workspace, error)
	AddWorkspaceMember(context.Context, string, string, string) error
	WorkspaceRole(context.Context, string, string) (string, error)

	CreateProject(context.Context, store.Project) error
	GetProject(context.Context, string) (store.Project, error)
	ListProjects(context.Context, string) ([]store.Project, error)

	CreateTask(context.Context, store.Task) (store.Task, error)
	GetTask(context.Context, string) (store.Task, error)
	ListTasks(context.Context, string) ([]store.Task, error)
	ListColumnTasks(context.Context, string, string) ([]store.Task, error)
	MoveTask(context.Context, string, string, float64, []store.TaskPlacement) (store.Task, error)
	UpdateTask(context.Context, store.Task) (store.Task, error)
	DeleteTask(context.Context, string) error

	CreateSubtask(context.Context, store.Subtask) (store.Subtask, error)
	GetSubtask(context.Context, string) (store.Subtask, error)
	ListSubtasks(context.Context, string) ([]store.Subtask, error)
	MoveSubtask(context.Context, string, float64, []store.SubtaskPlacement) (store.Subtask, error)
	UpdateSubtask(context.Context, store.Subtask) (store.Subtask, error)
	DeleteSubtask(context.Context, string) error

	CreateMessage(context.Context, store.Message) (store.Message, error)
	GetMessage(context.Context, string) (store.Message, error)
	ListMessages(context.Context, store.MessageFilter) ([]store.Message, error)
	ListDMConversations(context.Context, string) ([]store.DMConversation, error)
	UpdateMessageContent(context.Context, string, string) (store.Message, error)
	SetMessagePinned(context.Context, string, bool) (store.Message, error)
	SetMessageDelivered(context.Context, string) (store.Message, error)
	CountMessageReplies(context.Context, string) (int, error)
	TombstoneMessage(context.Context, string, string) (store.Message, error)
	DeleteMessage(context.Context, string) error

	GetReaction(context.Context, string, string, string) (store.Reaction, error)
	InsertReaction(context.Context, store.Reaction) (store.Reaction, error)
	DeleteReaction(context.Context, string) error
	ListReactions(context.Context, string) ([]store.Reaction, error)

	UpsertReadCursor(context.Context, store.ReadCursor) error

	Ping(ctx context.Context) error
}

// sessionStore holds refresh sessions. Redis when configured, Postgres
// otherwise; both satisfy the same interface.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// broadcaster fans an event out to everyone subscribed to a topic.
type broadcaster interface {
	Publish(ctx context.Context, topic string, event transport.Event) error
}

// roster tracks ephemeral per-topic presence.
type roster interface {
	Heartbeat(ctx context.Context, topic, member string, state []byte, ttl time.Duration) error
	Depart(ctx context.Context, topic, member string) error
	Present(ctx context.Context, topic string) ([][]byte, error)
	Ping(ctx context.Context) error
}

// searchIndex is the message search facade.
type searchIndex interface {
	Search(q search.Query) search.Response
	IndexMessage(record search.MessageRecord)
	DeleteMessage(id string)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
	SendPasswordResetEmail(to, userName, resetURL string) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  sessionStore
	passwords *authpw.Service
	mail      mailer
	events    broadcaster
	presence  roster
	typing    *presence.Tracker
	search    searchIndex
	logger    zerolog.Logger
	now       func() time.Time
}

func New(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, events *transport.Broker, searchSvc *search.Service, mail mailer, passwords *authpw.Service, logger zerolog.Logger) *Service {
	if sessions == nil {
		sessions = dataStore
	}
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		sessions:  sessions,
		passwords: passwords,
		mail:      mail,
		events:    events,
		presence:  events,
		typing:    presence.NewTracker(time.Now),
		search:    searchSvc,
		logger:    logger,
		now:       time.Now,
	}
}

// AuthPasswordService exposes the email/password flow to the HTTP layer.
func (s *Service) AuthPasswordService() *authpw.Service {
	return s.passwords
}

// SMTPConfigured reports whether outbound email is available.
func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// SendVerificationEmail delivers the verification link when SMTP is
// configured; callers fall back to a dev token otherwise.
func (s *Service) SendVerificationEmail(to, userName, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	return s.mail.SendVerificationEmail(to, userName, s.cfg.AppBaseURL+"/verify-email?token="+token)
}

func (s *Service) SendPasswordResetEmail(to, userName, token string) error {
	if !s.SMTPConfigured() {
		return nil
	}
	return s.mail.SendPasswordResetEmail(to, userName, s.cfg.AppBaseURL+"/reset-password?token="+token)
}

// CreateSession issues access and refresh tokens for a signed-in user.
func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	// The Redis backend stores only the user id; resolve the profile.
	if user.DisplayName == "" {
		user, err = s.store.GetUserByID(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := s.now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
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

	return Session{
		Token:     token,
		UserID:    claims.Sub,
		UserName:  claims.Name,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

// Workspaces

func (s *Service) CreateWorkspace(ctx context.Context, session Session, name, slug string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}
	slug = strings.TrimSpace(strings.ToLower(slug))
	if slug == "" {
		slug = slugify(name)
	}

	workspace := store.Workspace{
		ID:        util.NewID("ws"),
		Name:      name,
		Slug:      slug,
		CreatedBy: session.UserID,
	}
	if err := s.store.CreateWorkspace(ctx, workspace); err != nil {
		return nil, err
	}
	return map[string]any{
		"id":        workspace.ID,
		"name":      workspace.Name,
		"slug":      workspace.Slug,
		"createdBy": workspace.CreatedBy,
		"role":      string(rbac.RoleOwner),
	}, nil
}

func (s *Service) ListWorkspaces(ctx context.Context, session Session) ([]map[string]any, error) {
	workspaces, err := s.store.ListWorkspacesForUser(ctx, session.UserID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(workspaces))
	for _, w := range workspaces {
		items = append(items, map[string]any{
			"id":        w.ID,
			"name":      w.Name,
			"slug":      w.Slug,
			"createdBy": w.CreatedBy,
		})
	}
	return items, nil
}

func (s *Service) AddWorkspaceMember(ctx context.Context, session Session, workspaceID, userID, role string) error {
	if err := s.requireRole(ctx, session, workspaceID, rbac.ActionManage); err != nil {
		return err
	}
	if _, err := s.store.GetUserByID(ctx, userID); err != nil {
		return err
	}
	normalized := rbac.Normalize(role)
	if normalized == rbac.RoleOwner {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "ownership is not assignable", nil)
	}
	return s.store.AddWorkspaceMember(ctx, workspaceID, userID, string(normalized))
}

// requireRole resolves the caller's workspace role and checks the action
// against it. Non-members get a 403, not a 404, so a workspace's existence
// is not probeable.
func (s *Service) requireRole(ctx context.Context, session Session, workspaceID string, action rbac.Action) error {
	role, err := s.store.WorkspaceRole(ctx, workspaceID, session.UserID)
	if err != nil {
		return err
	}
	if role == "" || !rbac.Can(rbac.Normalize(role), action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
	}
	return nil
}

// Projects

func (s *Service) CreateProject(ctx context.Context, session Session, workspaceID, name, description string) (map[string]any, error) {
	if err := s.requireRole(ctx, session, workspaceID, rbac.ActionManage); err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	project := store.Project{
		ID:          util.NewID("prj"),
		WorkspaceID: workspaceID,
		Name:        name,
		Description: strings.TrimSpace(description),
		CreatedBy:   session.UserID,
	}
	if err := s.store.CreateProject(ctx, project); err != nil {
		return nil, err
	}
	return projectPayload(project), nil
}

func (s *Service) ListProjects(ctx context.Context, session Session, workspaceID string) ([]map[string]any, error) {
	if err := s.requireRole(ctx, session, workspaceID, rbac.ActionRead); err != nil {
		return nil, err
	}
	projects, err := s.store.ListProjects(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(projects))
	for _, p := range projects {
		items = append(items, projectPayload(p))
	}
	return items, nil
}

func projectPayload(p store.Project) map[string]any {
	return map[string]any{
		"id":          p.ID,
		"workspaceId": p.WorkspaceID,
		"name":        p.Name,
		"description": p.Description,
		"createdBy":   p.CreatedBy,
	}
}

func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingEvents checks the broadcast transport.
func (s *Service) PingEvents(ctx context.Context) error {
	if s.presence == nil {
		return nil
	}
	return s.presence.Ping(ctx)
}
