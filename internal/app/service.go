package app

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/auth"
	"synergysphere/api/internal/authpw"
	"synergysphere/api/internal/chat"
	"synergysphere/api/internal/config"
	"synergysphere/api/internal/membership"
	"synergysphere/api/internal/notify"
	"synergysphere/api/internal/search"
	"synergysphere/api/internal/store"
	"synergysphere/api/internal/util"
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
	store.UserRepository
	store.ProjectRepository
	Ping(ctx context.Context) error
}

// SessionStore holds refresh tokens and revoked access tokens. Both the
// Postgres store and the Redis session store implement it.
type SessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, user store.User, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)
}

type Deps struct {
	Store    dataStore
	Sessions SessionStore
	Chat     *chat.Pipeline
	Notify   *notify.Dispatcher
	// Search may be nil.
	Search *search.Service
	Logger *slog.Logger
}

type Service struct {
	cfg       config.Config
	store     dataStore
	sessions  SessionStore
	passwords *authpw.Service
	oracle    *membership.Oracle
	chat      *chat.Pipeline
	notify    *notify.Dispatcher
	search    *search.Service
	logger    *slog.Logger
}

func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		cfg:       cfg,
		store:     deps.Store,
		sessions:  deps.Sessions,
		passwords: authpw.NewService(deps.Store),
		oracle:    membership.NewOracle(deps.Store),
		chat:      deps.Chat,
		notify:    deps.Notify,
		search:    deps.Search,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (store.User, error) {
	return s.passwords.SignUp(ctx, req)
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, error) {
	user, err := s.passwords.SignIn(ctx, email, password)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

// Refresh rotates the refresh token: the presented one is revoked before a
// new pair is issued.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, apperr.Unauthorized("Refresh token invalid")
	}
	tokenHash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if errors.Is(err, store.ErrNotFound) {
		return Session{}, apperr.Unauthorized("Refresh token invalid")
	}
	if err != nil {
		return Session{}, apperr.Persistence(err)
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, apperr.Persistence(err)
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.Username,
		JTI:  jti,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewToken()
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user, now.Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, apperr.Persistence(err)
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// SessionFromToken trusts the signed claims for identity and only asks the
// session store whether the token was revoked.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.sessions.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, apperr.Persistence(err)
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
		if err := s.sessions.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt); err != nil {
			s.logger.Warn("revoke access token failed", "user_id", session.UserID, "err", err)
		}
	}
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			s.logger.Warn("revoke refresh token failed", "user_id", session.UserID, "err", err)
		}
	}
	return nil
}

func (s *Service) author(session Session) chat.Author {
	return chat.Author{ID: session.UserID, Name: session.UserName}
}

func (s *Service) SendMessage(ctx context.Context, session Session, projectID, body string) (store.ChatMessage, error) {
	return s.chat.Send(ctx, projectID, s.author(session), body)
}

// AskAssistant posts prompt as an assistant mention; the reply follows
// asynchronously on the project channel.
func (s *Service) AskAssistant(ctx context.Context, session Session, projectID, prompt string) (store.ChatMessage, error) {
	return s.chat.Ask(ctx, projectID, s.author(session), prompt)
}

func (s *Service) EditMessage(ctx context.Context, session Session, messageID, body string) (store.ChatMessage, error) {
	return s.chat.Edit(ctx, messageID, session.UserID, body)
}

func (s *Service) History(ctx context.Context, session Session, projectID string, page, limit int) ([]store.ChatMessage, error) {
	return s.chat.History(ctx, projectID, session.UserID, page, limit)
}

func (s *Service) SearchMessages(ctx context.Context, session Session, projectID, text string, limit int) (search.Response, error) {
	if s.search == nil {
		return search.Response{}, apperr.New(apperr.KindExternal, "Search is not configured", nil)
	}
	return s.search.Search(ctx, session.UserID, search.Query{ProjectID: projectID, Text: text, Limit: limit})
}

func (s *Service) Notifications(ctx context.Context, session Session, unreadOnly bool) ([]store.Notification, error) {
	return s.notify.List(ctx, session.UserID, unreadOnly)
}

func (s *Service) MarkNotificationRead(ctx context.Context, session Session, notificationID string) error {
	return s.notify.MarkRead(ctx, notificationID, session.UserID)
}

func (s *Service) MarkAllNotificationsRead(ctx context.Context, session Session) (int64, error) {
	return s.notify.MarkAllRead(ctx, session.UserID)
}

// ServeChat blocks for the lifetime of one chat socket.
func (s *Service) ServeChat(ctx context.Context, sock chat.Socket, rooms chat.Rooms, projectID string, session Session, limit chat.RateLimit) error {
	return s.chat.ServeSocket(ctx, sock, rooms, projectID, s.author(session), limit)
}
