package search

import (
	"database/sql"
	"fmt"
)

// PgFTS is the Postgres full-text fallback used when Meilisearch is absent or
// unhealthy.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

func (p *PgFTS) Search(q Query) ([]Result, int64, error) {
	limit := q.Limit
	if limit <= 0 || limit > 100 {
		limit = 20
	}

	query := `
		SELECT id, title, description, status
		FROM documents
		WHERE ($1 = '' OR to_tsvector('english', title || ' ' || description) @@ plainto_tsquery('english', $1))
			AND ($2 = '' OR status = $2)
		ORDER BY updated_at DESC
		LIMIT $3
	`
	rows, err := p.db.Query(query, q.Text, q.Status, limit)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var item Result
		if err := rows.Scan(&item.ID, &item.Title, &item.Description, &item.Status); err != nil {
			return nil, 0, fmt.Errorf("scan search result: %w", err)
		}
		results = append(results, item)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate search results: %w", err)
	}
	return results, int64(len(results)), nil
}
