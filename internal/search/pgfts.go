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

// Healthy always returns true — if Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across sections and annotation comments
// using plainto_tsquery and ts_rank, with ts_headline for snippets.
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

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultSection {
		secWhere := "s.fts @@ " + tsQuery
		if q.FilterGroupID != "" {
			secWhere += fmt.Sprintf(" AND r.group_id = $%d", argN)
			args = append(args, q.FilterGroupID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'section'::text AS type, r.id || '-' || s.key AS id, s.key AS title,
				ts_headline('english', coalesce(s.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				s.report_id, s.key AS section_key, r.group_id,
				ts_rank(s.fts, %s) AS rank
			FROM sections s
			JOIN reports r ON r.id = s.report_id
			WHERE %s`, tsQuery, tsQuery, secWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultComment {
		comWhere := "a.type = 'comment' AND a.fts @@ " + tsQuery
		if q.FilterGroupID != "" {
			comWhere += fmt.Sprintf(" AND r.group_id = $%d", argN)
			args = append(args, q.FilterGroupID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'comment'::text AS type, a.id, coalesce(a.quote, '') AS title,
				ts_headline('english', coalesce(a.content, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				a.report_id, a.section_key, r.group_id,
				ts_rank(a.fts, %s) AS rank
			FROM annotations a
			JOIN reports r ON r.id = a.report_id
			WHERE %s`, tsQuery, tsQuery, comWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, report_id, section_key, group_id
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.ReportID, &r.SectionKey, &r.GroupID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SectionRecord, []CommentRecord, error) {
	secRows, err := p.db.QueryContext(ctx, `
		SELECT r.id || '-' || s.key, s.report_id, s.key, s.content, r.group_id, r.status
		FROM sections s
		JOIN reports r ON r.id = s.report_id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load sections: %w", err)
	}
	defer secRows.Close()

	sections := make([]SectionRecord, 0)
	for secRows.Next() {
		var s SectionRecord
		if err := secRows.Scan(&s.ID, &s.ReportID, &s.SectionKey, &s.Content, &s.GroupID, &s.Status); err != nil {
			return nil, nil, fmt.Errorf("scan section: %w", err)
		}
		sections = append(sections, s)
	}
	if err := secRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate sections: %w", err)
	}

	comRows, err := p.db.QueryContext(ctx, `
		SELECT a.id, coalesce(a.content, ''), coalesce(a.quote, ''), a.report_id, a.section_key, r.group_id
		FROM annotations a
		JOIN reports r ON r.id = a.report_id
		WHERE a.type = 'comment'
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load comments: %w", err)
	}
	defer comRows.Close()

	comments := make([]CommentRecord, 0)
	for comRows.Next() {
		var c CommentRecord
		if err := comRows.Scan(&c.ID, &c.Content, &c.Quote, &c.ReportID, &c.SectionKey, &c.GroupID); err != nil {
			return nil, nil, fmt.Errorf("scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	if err := comRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate comments: %w", err)
	}

	return sections, comments, nil
}
