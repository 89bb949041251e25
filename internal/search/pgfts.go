package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"synergysphere/api/internal/store"
)

// PgFTS searches chat_messages with Postgres full-text search. It is the
// fallback when Meilisearch is down or not configured.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

const pgftsWhere = `project_id = $1 AND to_tsvector('simple', message) @@ plainto_tsquery('simple', $2)`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	projectID := store.CanonicalID(q.ProjectID)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT count(*) FROM chat_messages WHERE `+pgftsWhere,
		projectID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, fmt.Sprintf(`
		SELECT id, project_id, user_id, username,
			ts_headline('simple', message, plainto_tsquery('simple', $2),
				'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30') AS snippet,
			created_at
		FROM chat_messages
		WHERE %s
		ORDER BY ts_rank(to_tsvector('simple', message), plainto_tsquery('simple', $2)) DESC, created_at DESC
		LIMIT %d`, pgftsWhere, q.limit()),
		projectID, q.Text)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.ProjectID, &r.UserID, &r.Username, &r.Snippet, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords returns every message for a full Meilisearch reindex.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, project_id, user_id, username, message, created_at
		FROM chat_messages
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var m store.ChatMessage
		if err := rows.Scan(&m.ID, &m.ProjectID, &m.UserID, &m.Username, &m.Body, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		records = append(records, NewMessageRecord(m))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
