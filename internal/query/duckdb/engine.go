package duckdb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/marcboeker/go-duckdb/v2"

	"github.com/askmesh/askmesh/internal/query"
	"github.com/askmesh/askmesh/internal/storage"
)

// View exposes one or more Parquet objects as a table name.
type View struct {
	Table string
	Keys  []string
}

type Config struct {
	// Path opens an existing database file read-only. When empty an
	// in-memory database is built from Views.
	Path           string
	Views          []View
	Store          storage.ObjectReader
	DefaultTimeout time.Duration
}

type Engine struct {
	db             *sql.DB
	workDir        string
	defaultTimeout time.Duration
}

func Open(ctx context.Context, cfg Config) (*Engine, error) {
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	if path := strings.TrimSpace(cfg.Path); path != "" {
		db, err := sql.Open("duckdb", path+"?access_mode=read_only")
		if err != nil {
			return nil, fmt.Errorf("open duckdb %q: %w", path, err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("ping duckdb %q: %w", path, err)
		}
		return &Engine{db: db, defaultTimeout: timeout}, nil
	}

	if len(cfg.Views) == 0 {
		return nil, fmt.Errorf("duckdb requires a database path or parquet views")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("object store is required for parquet views")
	}

	workDir, err := os.MkdirTemp("", "askmesh-duckdb-")
	if err != nil {
		return nil, fmt.Errorf("create duckdb work dir: %w", err)
	}
	engine := &Engine{workDir: workDir, defaultTimeout: timeout}

	db, err := sql.Open("duckdb", "")
	if err != nil {
		_ = engine.Close()
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	engine.db = db

	for viewIndex, view := range cfg.Views {
		localPaths, err := stageView(ctx, cfg.Store, workDir, viewIndex, view)
		if err != nil {
			_ = engine.Close()
			return nil, err
		}
		viewSQL := fmt.Sprintf(`CREATE OR REPLACE VIEW %s AS SELECT * FROM read_parquet(%s)`, quoteIdent(view.Table), quoteStringArray(localPaths))
		if _, err := db.ExecContext(ctx, viewSQL); err != nil {
			_ = engine.Close()
			return nil, fmt.Errorf("create view for table %q: %w", view.Table, err)
		}
	}
	return engine, nil
}

// DB exposes the underlying handle for schema introspection.
func (e *Engine) DB() *sql.DB {
	return e.db
}

func (e *Engine) Close() error {
	var closeErr error
	if e.db != nil {
		closeErr = e.db.Close()
	}
	if e.workDir != "" {
		if err := os.RemoveAll(e.workDir); err != nil && closeErr == nil {
			closeErr = err
		}
	}
	return closeErr
}

func (e *Engine) Execute(ctx context.Context, request query.Request) (query.Result, error) {
	if err := query.CheckReadOnly(request.SQL); err != nil {
		return query.Result{}, err
	}
	timeout := request.Timeout
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	start := time.Now()
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := e.db.Conn(runCtx)
	if err != nil {
		return query.Result{}, classify(ctx, runCtx, fmt.Errorf("acquire connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	rows, err := conn.QueryContext(runCtx, query.WrapLimit(request.SQL, request.RowLimit))
	if err != nil {
		return query.Result{}, classify(ctx, runCtx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := query.ScanRows(rows)
	if err != nil {
		return query.Result{}, classify(ctx, runCtx, err)
	}
	return query.Result{Columns: columns, Rows: resultRows, Duration: time.Since(start)}, nil
}

func classify(parent, run context.Context, err error) error {
	if ctxErr, ok := query.ContextFailure(parent, run, err); ok {
		return ctxErr
	}
	return query.NewExecutionError(ClassifyError(err), err)
}

// ClassifyError maps DuckDB error types onto an ErrorKind. Binder errors
// cover both unknown names and incompatible types, so their message decides.
func ClassifyError(err error) query.ErrorKind {
	var duckErr *duckdb.Error
	if errors.As(err, &duckErr) {
		switch duckErr.Type {
		case duckdb.ErrorTypeParser, duckdb.ErrorTypeSyntax:
			return query.KindSyntax
		case duckdb.ErrorTypeCatalog:
			return query.KindUnknownIdentifier
		case duckdb.ErrorTypeConversion, duckdb.ErrorTypeMismatchType, duckdb.ErrorTypeInvalidType:
			return query.KindTypeMismatch
		case duckdb.ErrorTypeInterrupt:
			return query.KindTimeout
		case duckdb.ErrorTypeConnection:
			return query.KindConnection
		case duckdb.ErrorTypePermission:
			return query.KindReadOnlyViolation
		case duckdb.ErrorTypeBinder:
			if kind := query.ClassifyMessage(duckErr.Msg); kind != query.KindUnknown {
				return kind
			}
			return query.KindUnknownIdentifier
		}
		return query.ClassifyMessage(duckErr.Msg)
	}
	return query.ClassifyMessage(err.Error())
}

// ParseViews reads "table=key1|key2,other=key3".
func ParseViews(spec string) ([]View, error) {
	views := make([]View, 0)
	for _, part := range strings.Split(spec, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		table, rawKeys, ok := strings.Cut(part, "=")
		table = strings.TrimSpace(table)
		if !ok || table == "" {
			return nil, fmt.Errorf("invalid parquet view %q: want table=key", part)
		}
		keys := make([]string, 0)
		for _, key := range strings.Split(rawKeys, "|") {
			if key = strings.TrimSpace(key); key != "" {
				keys = append(keys, key)
			}
		}
		if len(keys) == 0 {
			return nil, fmt.Errorf("parquet view %q has no object keys", table)
		}
		views = append(views, View{Table: table, Keys: keys})
	}
	return views, nil
}

func quoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}

func quoteStringArray(values []string) string {
	quoted := make([]string, 0, len(values))
	for _, value := range values {
		quoted = append(quoted, `'`+strings.ReplaceAll(value, `'`, `''`)+`'`)
	}
	return "[" + strings.Join(quoted, ",") + "]"
}
