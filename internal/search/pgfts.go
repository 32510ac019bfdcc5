package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true; if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over message content with ts_headline
// snippets, scoped to the requested conversation.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "to_tsvector('english', m.content) @@ plainto_tsquery('english', $1) AND m.deleted_at IS NULL"
	args := []any{q.Text}
	argN := 2

	switch {
	case q.WorkspaceID != "":
		where += fmt.Sprintf(" AND m.workspace_id = $%d", argN)
		args = append(args, q.WorkspaceID)
		argN++
	case q.ProjectID != "":
		where += fmt.Sprintf(" AND m.project_id = $%d", argN)
		args = append(args, q.ProjectID)
		argN++
	case q.DMUserA != "" && q.DMUserB != "":
		where += fmt.Sprintf(" AND ((m.sender_id = $%d AND m.receiver_id = $%d) OR (m.sender_id = $%d AND m.receiver_id = $%d))", argN, argN+1, argN+1, argN)
		args = append(args, q.DMUserA, q.DMUserB)
		argN += 2
	}

	baseSQL := fmt.Sprintf(`
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE %s`, where)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) "+baseSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT m.id,
			ts_headline('english', m.content, plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			m.sender_id, u.display_name,
			COALESCE(m.workspace_id, ''), COALESCE(m.project_id, ''), COALESCE(m.parent_id, ''),
			EXTRACT(EPOCH FROM m.created_at)::bigint
		%s
		ORDER BY ts_rank(to_tsvector('english', m.content), plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d`, baseSQL, limit, offset)

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Snippet, &r.SenderID, &r.SenderName,
			&r.WorkspaceID, &r.ProjectID, &r.ParentID, &r.CreatedAt); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns every live message for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]MessageRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT m.id, m.content, m.sender_id, u.display_name,
			COALESCE(m.workspace_id, ''), COALESCE(m.project_id, ''),
			COALESCE(m.receiver_id, ''), COALESCE(m.parent_id, ''),
			EXTRACT(EPOCH FROM m.created_at)::bigint
		FROM messages m
		JOIN users u ON u.id = m.sender_id
		WHERE m.deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	defer rows.Close()

	records := make([]MessageRecord, 0)
	for rows.Next() {
		var (
			rec        MessageRecord
			receiverID string
		)
		if err := rows.Scan(&rec.ID, &rec.Content, &rec.SenderID, &rec.SenderName,
			&rec.WorkspaceID, &rec.ProjectID, &receiverID, &rec.ParentID, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if receiverID != "" {
			rec.DMKey = dmKey(rec.SenderID, receiverID)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return records, nil
}
