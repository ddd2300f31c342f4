package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/stdlib"

	"github.com/askmesh/askmesh/internal/query"
)

type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// Open connects to the target database with sessions that default to
// read-only transactions.
func Open(ctx context.Context, dsn string, pool PoolConfig) (*sql.DB, error) {
	connConfig, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}
	db := stdlib.OpenDB(*connConfig)
	db.SetMaxOpenConns(pool.MaxOpenConns)
	if pool.MaxIdleConns > 0 {
		db.SetMaxIdleConns(pool.MaxIdleConns)
	}
	db.SetConnMaxIdleTime(pool.ConnMaxIdleTime)
	db.SetConnMaxLifetime(pool.ConnMaxLifetime)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres %s@%s: %w", connConfig.Database, connConfig.Host, err)
	}
	return db, nil
}

func parseDSN(dsn string) (*pgx.ConnConfig, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn is required")
	}
	connConfig, err := pgx.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := connConfig.RuntimeParams["application_name"]; !ok {
		connConfig.RuntimeParams["application_name"] = "askmesh"
	}
	connConfig.RuntimeParams["default_transaction_read_only"] = "on"
	return connConfig, nil
}

// Engine runs every statement on its own pooled connection inside a READ
// ONLY transaction that is always rolled back.
type Engine struct {
	db             *sql.DB
	defaultTimeout time.Duration
}

func NewEngine(db *sql.DB, defaultTimeout time.Duration) *Engine {
	if defaultTimeout <= 0 {
		defaultTimeout = 15 * time.Second
	}
	return &Engine{db: db, defaultTimeout: defaultTimeout}
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
		return query.Result{}, e.classify(ctx, runCtx, fmt.Errorf("acquire connection: %w", err))
	}
	defer func() { _ = conn.Close() }()

	tx, err := conn.BeginTx(runCtx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return query.Result{}, e.classify(ctx, runCtx, fmt.Errorf("begin read-only transaction: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(runCtx, fmt.Sprintf("SET LOCAL statement_timeout = %d", timeout.Milliseconds())); err != nil {
		return query.Result{}, e.classify(ctx, runCtx, fmt.Errorf("set statement timeout: %w", err))
	}

	rows, err := tx.QueryContext(runCtx, query.WrapLimit(request.SQL, request.RowLimit))
	if err != nil {
		return query.Result{}, e.classify(ctx, runCtx, err)
	}
	defer func() { _ = rows.Close() }()

	columns, resultRows, err := query.ScanRows(rows)
	if err != nil {
		return query.Result{}, e.classify(ctx, runCtx, err)
	}
	return query.Result{Columns: columns, Rows: resultRows, Duration: time.Since(start)}, nil
}

func (e *Engine) classify(parent, run context.Context, err error) error {
	if ctxErr, ok := query.ContextFailure(parent, run, err); ok {
		return ctxErr
	}
	return query.NewExecutionError(ClassifyError(err), err)
}

// ClassifyError maps a driver error onto an ErrorKind using the SQLSTATE
// when one is available.
func ClassifyError(err error) query.ErrorKind {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		if kind, ok := classifySQLState(pgErr.Code); ok {
			return kind
		}
		return query.ClassifyMessage(pgErr.Message)
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return query.KindConnection
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return query.KindConnection
	}
	return query.ClassifyMessage(err.Error())
}

func classifySQLState(code string) (query.ErrorKind, bool) {
	switch code {
	case "42601":
		return query.KindSyntax, true
	case "42703", "42P01", "42P02", "3F000", "42702", "42704":
		return query.KindUnknownIdentifier, true
	case "42883", "42804", "42846", "22P02", "22007", "22008", "22003", "22018":
		return query.KindTypeMismatch, true
	case "57014":
		return query.KindTimeout, true
	case "25006":
		return query.KindReadOnlyViolation, true
	}
	if strings.HasPrefix(code, "08") || strings.HasPrefix(code, "57P") {
		return query.KindConnection, true
	}
	if strings.HasPrefix(code, "42") {
		return query.KindSyntax, true
	}
	return "", false
}
