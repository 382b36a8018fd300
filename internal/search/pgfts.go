package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
// The questions table carries a generated tsvector over the question text and
// the tag-stripped answer body, so the fallback matches on the same prose a
// reader sees rather than on raw markup.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search runs plainto_tsquery over answered questions, ranked by ts_rank,
// with ts_headline on the stripped answer text for snippets.
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

	const tsQuery = "plainto_tsquery('english', $1)"
	args := []any{q.Text}

	where := "q.status = 'Answered' AND q.fts @@ " + tsQuery
	if q.CategoryID != "" {
		where += " AND q.category_id = $2"
		args = append(args, q.CategoryID)
	}

	countSQL := "SELECT count(*) FROM questions q WHERE " + where

	var total int
	if err := p.db.QueryRow(countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("fts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT q.id, q.question_text,
			ts_headline('english',
				regexp_replace(coalesce(q.answer_text, ''), '<[^>]*>', ' ', 'g'),
				%s, 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(q.category_id, ''), coalesce(c.name, '')
		FROM questions q
		LEFT JOIN categories c ON c.id = q.category_id
		WHERE %s
		ORDER BY ts_rank(q.fts, %s) DESC
		LIMIT %d OFFSET %d`, tsQuery, where, tsQuery, limit, offset)

	rows, err := p.db.Query(dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.QuestionText, &r.Snippet, &r.CategoryID, &r.CategoryName); err != nil {
			return nil, 0, fmt.Errorf("fts scan: %w", err)
		}
		results = append(results, r)
	}
	return results, total, rows.Err()
}

// LoadAllRecords reads every answered question for bulk reindexing into
// Meilisearch. The preview text comes from the same tag-stripping projection
// the FTS column uses.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]QuestionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT q.id, q.question_text,
			regexp_replace(coalesce(q.answer_text, ''), '<[^>]*>', ' ', 'g'),
			coalesce(q.category_id, ''), coalesce(c.name, '')
		FROM questions q
		LEFT JOIN categories c ON c.id = q.category_id
		WHERE q.status = 'Answered'`)
	if err != nil {
		return nil, fmt.Errorf("load answered questions: %w", err)
	}
	defer rows.Close()

	var recs []QuestionRecord
	for rows.Next() {
		var rec QuestionRecord
		if err := rows.Scan(&rec.ID, &rec.QuestionText, &rec.AnswerPreview, &rec.CategoryID, &rec.CategoryName); err != nil {
			return nil, fmt.Errorf("scan answered question: %w", err)
		}
		rec.AnswerPreview = strings.Join(strings.Fields(rec.AnswerPreview), " ")
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}
