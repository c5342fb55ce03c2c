package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS searches the cases table with PostgreSQL full-text search.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Name() string { return "postgres" }

// buildWhere returns the WHERE clause and its arguments. The text query, when
// present, is always $1 so rank and headline can reference it.
func buildWhere(q Query) (string, []any) {
	var (
		conds []string
		args  []any
	)
	next := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if text := strings.TrimSpace(q.Text); text != "" {
		conds = append(conds, "search_vector @@ plainto_tsquery('simple', "+next(text)+")")
	}
	if q.Region != "" {
		conds = append(conds, "lower(region) = lower("+next(q.Region)+")")
	}
	if q.Date != "" {
		conds = append(conds, "date_of_incident = "+next(q.Date))
	}
	if q.OwnerID != "" {
		n := next(q.OwnerID)
		conds = append(conds, "(owner_ids @> jsonb_build_array("+n+"::text) OR owner_id = "+n+")")
	}
	if len(conds) == 0 {
		return "", args
	}
	return "WHERE " + strings.Join(conds, " AND "), args
}

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	where, args := buildWhere(q)

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT count(*) FROM cases "+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	snippet, order := "''::text", "created_at DESC"
	if strings.TrimSpace(q.Text) != "" {
		snippet = "ts_headline('simple', report_intro, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30')"
		order = "ts_rank(search_vector, plainto_tsquery('simple', $1)) DESC, created_at DESC"
	}
	dataSQL := fmt.Sprintf(`SELECT case_id, case_number, case_title, region, date_of_incident, urgency, %s
		FROM cases
		%s
		ORDER BY %s
		LIMIT %d OFFSET %d`, snippet, where, order, q.limit(), q.offset())

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CaseID, &r.CaseNumber, &r.CaseTitle, &r.Region, &r.DateOfIncident, &r.Urgency, &r.Snippet); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}
