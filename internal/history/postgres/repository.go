package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/askmesh/askmesh/internal/history"
)

const defaultListLimit = 50

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) HealthCheck(ctx context.Context) error {
	if err := r.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping history db: %w", err)
	}
	return nil
}

func (r *Repository) Record(ctx context.Context, entry history.Entry) (history.Entry, error) {
	query := `
INSERT INTO question_log (trace_id, question, final_sql, outcome, attempts, error_kind, row_count, duration_ms)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING question_id, created_at`
	if err := r.db.QueryRowContext(ctx, query,
		entry.TraceID,
		entry.Question,
		entry.SQL,
		entry.Outcome,
		entry.Attempts,
		entry.ErrorKind,
		entry.RowCount,
		entry.Duration.Milliseconds(),
	).Scan(&entry.ID, &entry.CreatedAt); err != nil {
		return history.Entry{}, fmt.Errorf("record question: %w", err)
	}
	return entry, nil
}

func (r *Repository) ListRecent(ctx context.Context, filter history.ListFilter) ([]history.Entry, error) {
	limit := filter.Limit
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}

	query := `
SELECT question_id, trace_id, question, final_sql, outcome, attempts, error_kind, row_count, duration_ms, created_at
FROM question_log
WHERE ($1 = '' OR outcome = $1)
ORDER BY created_at DESC, question_id DESC
LIMIT $2`
	rows, err := r.db.QueryContext(ctx, query, filter.Outcome, limit)
	if err != nil {
		return nil, fmt.Errorf("list questions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	entries := make([]history.Entry, 0)
	for rows.Next() {
		var entry history.Entry
		var durationMS int64
		if err := rows.Scan(
			&entry.ID,
			&entry.TraceID,
			&entry.Question,
			&entry.SQL,
			&entry.Outcome,
			&entry.Attempts,
			&entry.ErrorKind,
			&entry.RowCount,
			&durationMS,
			&entry.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan question row: %w", err)
		}
		entry.Duration = time.Duration(durationMS) * time.Millisecond
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate question rows: %w", err)
	}
	return entries, nil
}
