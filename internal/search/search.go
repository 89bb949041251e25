// Package search finds chat messages inside one project. Meilisearch is
// used while healthy; the primary store's full-text index is the fallback.
package search

import (
	"context"
	"time"

	"synergysphere/api/internal/store"
)

const defaultLimit = 20

// Result is a single hit. Snippet may carry <mark> highlight tags.
type Result struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	Snippet   string    `json:"snippet"`
	CreatedAt time.Time `json:"created_at"`
}

type Query struct {
	ProjectID string
	Text      string
	Limit     int
}

func (q Query) limit() int {
	if q.Limit <= 0 || q.Limit > 100 {
		return defaultLimit
	}
	return q.Limit
}

type Response struct {
	Results []Result `json:"results"`
	Total   int      `json:"total"`
	Query   string   `json:"query"`
}

// Searcher can execute a project-scoped search.
type Searcher interface {
	Search(ctx context.Context, q Query) ([]Result, int, error)
}

// MessageRecord is what gets pushed into the index.
type MessageRecord struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	UserID    string `json:"userId"`
	Username  string `json:"username"`
	Message   string `json:"message"`
	CreatedAt int64  `json:"createdAt"`
}

func NewMessageRecord(m store.ChatMessage) MessageRecord {
	return MessageRecord{
		ID:        m.ID,
		ProjectID: store.CanonicalID(m.ProjectID),
		UserID:    m.UserID,
		Username:  m.Username,
		Message:   m.Body,
		CreatedAt: m.CreatedAt.UnixMilli(),
	}
}
