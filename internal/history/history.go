package history

import (
	"context"
	"time"
)

// Entry is one answered question as recorded in the question log.
type Entry struct {
	ID        int64         `json:"id"`
	TraceID   string        `json:"trace_id"`
	Question  string        `json:"question"`
	SQL       string        `json:"sql"`
	Outcome   string        `json:"outcome"`
	Attempts  int           `json:"attempts"`
	ErrorKind string        `json:"error_kind,omitempty"`
	RowCount  int           `json:"row_count"`
	Duration  time.Duration `json:"duration_ms"`
	CreatedAt time.Time     `json:"created_at"`
}

type ListFilter struct {
	Limit   int
	Outcome string
}

type Recorder interface {
	Record(ctx context.Context, entry Entry) (Entry, error)
}

type Repository interface {
	Recorder
	ListRecent(ctx context.Context, filter ListFilter) ([]Entry, error)
	HealthCheck(ctx context.Context) error
}
