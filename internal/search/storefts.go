package search

import (
	"context"

	"synergysphere/api/internal/store"
)

// MessageTextSearcher is implemented by stores with their own text index.
type MessageTextSearcher interface {
	SearchMessages(ctx context.Context, projectID, text string, limit int) ([]store.ChatMessage, error)
	AllMessages(ctx context.Context) ([]store.ChatMessage, error)
}

// StoreFTS adapts a store's text index to Searcher. Snippets are the
// whole message.
type StoreFTS struct {
	store MessageTextSearcher
}

func NewStoreFTS(s MessageTextSearcher) *StoreFTS {
	return &StoreFTS{store: s}
}

// LoadAllRecords returns every message for a full Meilisearch reindex.
func (s *StoreFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	items, err := s.store.AllMessages(ctx)
	if err != nil {
		return nil, err
	}
	records := make([]MessageRecord, 0, len(items))
	for _, m := range items {
		records = append(records, NewMessageRecord(m))
	}
	return records, nil
}

func (s *StoreFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	items, err := s.store.SearchMessages(ctx, q.ProjectID, q.Text, q.limit())
	if err != nil {
		return nil, 0, err
	}
	results := make([]Result, 0, len(items))
	for _, m := range items {
		results = append(results, Result{
			ID:        m.ID,
			ProjectID: m.ProjectID,
			UserID:    m.UserID,
			Username:  m.Username,
			Snippet:   m.Body,
			CreatedAt: m.CreatedAt,
		})
	}
	return results, len(results), nil
}
