package search

import (
	"context"
	"log/slog"
	"strings"

	"synergysphere/api/internal/apperr"
	"synergysphere/api/internal/rbac"
	"synergysphere/api/internal/store"
)

type Authorizer interface {
	Authorize(ctx context.Context, projectID, userID string, action rbac.Action) (store.Project, error)
}

// Primary is a searcher that may be down and can take index writes.
type Primary interface {
	Searcher
	Healthy() bool
	IndexMessage(rec MessageRecord) error
	IndexMessages(records []MessageRecord) error
}

// Service tries the primary index first and falls back to the store's
// full-text search.
type Service struct {
	primary  Primary
	fallback Searcher
	auth     Authorizer
	logger   *slog.Logger
}

// NewService accepts a nil primary when Meilisearch is not configured.
func NewService(primary Primary, fallback Searcher, auth Authorizer, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{primary: primary, fallback: fallback, auth: auth, logger: logger}
}

func (s *Service) Search(ctx context.Context, userID string, q Query) (Response, error) {
	if _, err := s.auth.Authorize(ctx, q.ProjectID, userID, rbac.ActionRead); err != nil {
		return Response{}, err
	}
	q.ProjectID = store.CanonicalID(q.ProjectID)
	q.Text = strings.TrimSpace(q.Text)
	if q.Text == "" {
		return Response{}, apperr.Invalid("Search query is required", map[string]string{"field": "q"})
	}

	if s.primary != nil && s.primary.Healthy() {
		results, total, err := s.primary.Search(ctx, q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
		}
		s.logger.Warn("primary search failed, falling back", "project_id", q.ProjectID, "err", err)
	}

	if s.fallback == nil {
		return Response{Results: []Result{}, Query: q.Text}, nil
	}
	results, total, err := s.fallback.Search(ctx, q)
	if err != nil {
		s.logger.Error("fallback search failed", "project_id", q.ProjectID, "err", err)
		return Response{}, apperr.Persistence(err)
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}, nil
}

// IndexMessage is fire-and-forget. Edits reuse it since records are
// keyed by message id.
func (s *Service) IndexMessage(msg store.ChatMessage) {
	if s.primary == nil || !s.primary.Healthy() {
		return
	}
	rec := NewMessageRecord(msg)
	go func() {
		if err := s.primary.IndexMessage(rec); err != nil {
			s.logger.Warn("index message failed", "message_id", rec.ID, "err", err)
		}
	}()
}

// ReindexAll pushes every stored message into the primary index.
func (s *Service) ReindexAll(ctx context.Context, loader interface {
	LoadAllRecords(ctx context.Context) ([]MessageRecord, error)
}) {
	if s.primary == nil || !s.primary.Healthy() || loader == nil {
		return
	}
	records, err := loader.LoadAllRecords(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", "err", err)
		return
	}
	if err := s.primary.IndexMessages(records); err != nil {
		s.logger.Warn("reindex failed", "count", len(records), "err", err)
		return
	}
	s.logger.Info("reindexed messages", "count", len(records))
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
