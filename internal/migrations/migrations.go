package migrations

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
)

//go:embed sql/*.sql
var embeddedFS embed.FS

const (
	migrationTable = "askmesh_schema_migrations"
	// advisoryLockKey serializes concurrent askmesh-migrate runs.
	advisoryLockKey int64 = 0x61736b6d657368
)

var migrationNamePattern = regexp.MustCompile(`^([0-9]+)_(.+)\.(up|down)\.sql$`)

// Runner applies the question history schema. Applied versions are
// recorded with a checksum of their up script so edits to an already
// applied file are reported instead of silently ignored.
type Runner struct {
	fsys fs.FS
}

func NewRunner() *Runner {
	return &Runner{fsys: embeddedFS}
}

func NewRunnerFS(fsys fs.FS) *Runner {
	return &Runner{fsys: fsys}
}

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

type Status struct {
	Version int64
	Name    string
	Applied bool
	// Drifted marks an applied migration whose up script changed since.
	Drifted bool
}

func (r *Runner) Up(ctx context.Context, db *sql.DB, steps int) (int, error) {
	plan, applied, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}
	for _, item := range plan {
		if checksum, ok := applied[item.Version]; ok && drifted(checksum, item.Checksum) {
			return 0, fmt.Errorf("migration %d (%s) changed after it was applied", item.Version, item.Name)
		}
	}

	count := 0
	for _, item := range plan {
		if _, ok := applied[item.Version]; ok {
			continue
		}
		if steps > 0 && count >= steps {
			break
		}
		record := `INSERT INTO ` + migrationTable + ` (version, name, checksum) VALUES ($1, $2, $3)`
		ran, err := runLocked(ctx, db, item.Version, false, item.UpSQL, record, item.Version, item.Name, item.Checksum)
		if err != nil {
			return count, fmt.Errorf("apply migration %d (%s): %w", item.Version, item.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// Down rolls back the newest applied versions; steps <= 0 means one.
func (r *Runner) Down(ctx context.Context, db *sql.DB, steps int) (int, error) {
	if steps <= 0 {
		steps = 1
	}
	plan, applied, err := r.prepare(ctx, db)
	if err != nil {
		return 0, err
	}

	versions := make([]int64, 0, len(applied))
	for version := range applied {
		versions = append(versions, version)
	}
	slices.Sort(versions)
	slices.Reverse(versions)

	byVersion := make(map[int64]migration, len(plan))
	for _, item := range plan {
		byVersion[item.Version] = item
	}

	count := 0
	for _, version := range versions {
		if count >= steps {
			break
		}
		item, ok := byVersion[version]
		if !ok {
			return count, fmt.Errorf("applied migration %d has no source files", version)
		}
		remove := `DELETE FROM ` + migrationTable + ` WHERE version = $1`
		ran, err := runLocked(ctx, db, item.Version, true, item.DownSQL, remove, item.Version)
		if err != nil {
			return count, fmt.Errorf("roll back migration %d (%s): %w", item.Version, item.Name, err)
		}
		if ran {
			count++
		}
	}
	return count, nil
}

// Status lists every known migration and whether it has been applied.
func (r *Runner) Status(ctx context.Context, db *sql.DB) ([]Status, error) {
	plan, applied, err := r.prepare(ctx, db)
	if err != nil {
		return nil, err
	}
	out := make([]Status, 0, len(plan))
	for _, item := range plan {
		checksum, ok := applied[item.Version]
		out = append(out, Status{
			Version: item.Version,
			Name:    item.Name,
			Applied: ok,
			Drifted: ok && drifted(checksum, item.Checksum),
		})
	}
	return out, nil
}

func (r *Runner) prepare(ctx context.Context, db *sql.DB) ([]migration, map[int64]string, error) {
	plan, err := loadMigrations(r.fsys)
	if err != nil {
		return nil, nil, err
	}
	if err := ensureMigrationTable(ctx, db); err != nil {
		return nil, nil, err
	}
	applied, err := appliedChecksums(ctx, db)
	if err != nil {
		return nil, nil, err
	}
	return plan, applied, nil
}

// drifted treats an empty recorded checksum as unknown rather than changed.
func drifted(recorded, current string) bool {
	return recorded != "" && recorded != current
}

func ensureMigrationTable(ctx context.Context, db *sql.DB) error {
	ddl := `
CREATE TABLE IF NOT EXISTS ` + migrationTable + ` (
	version BIGINT PRIMARY KEY,
	name TEXT NOT NULL DEFAULT '',
	checksum TEXT NOT NULL DEFAULT '',
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
	if _, err := db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure migration table: %w", err)
	}
	return nil
}

// runLocked runs script and its bookkeeping statement in one transaction
// holding the migration lock. The applied state is re-read under the lock
// and the step is skipped when another runner already did it.
func runLocked(ctx context.Context, db *sql.DB, version int64, wantApplied bool, script, bookkeeping string, args ...any) (bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, advisoryLockKey); err != nil {
		return false, fmt.Errorf("acquire migration lock: %w", err)
	}
	var applied bool
	if err := tx.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM `+migrationTable+` WHERE version = $1)`, version).Scan(&applied); err != nil {
		return false, fmt.Errorf("recheck version: %w", err)
	}
	if applied != wantApplied {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx, bookkeeping, args...); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("commit: %w", err)
	}
	return true, nil
}

func appliedChecksums(ctx context.Context, db *sql.DB) (map[int64]string, error) {
	rows, err := db.QueryContext(ctx, `SELECT version, checksum FROM `+migrationTable+` ORDER BY version`)
	if err != nil {
		return nil, fmt.Errorf("query applied versions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	applied := map[int64]string{}
	for rows.Next() {
		var version int64
		var checksum string
		if err := rows.Scan(&version, &checksum); err != nil {
			return nil, fmt.Errorf("scan applied version: %w", err)
		}
		applied[version] = checksum
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate applied versions: %w", err)
	}
	return applied, nil
}

func loadMigrations(fsys fs.FS) ([]migration, error) {
	entries, err := fs.ReadDir(fsys, "sql")
	if err != nil {
		return nil, fmt.Errorf("read migration dir: %w", err)
	}

	byVersion := map[int64]*migration{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		parts := migrationNamePattern.FindStringSubmatch(path.Base(entry.Name()))
		if parts == nil {
			continue
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parse migration version for %q: %w", entry.Name(), err)
		}
		script, err := fs.ReadFile(fsys, path.Join("sql", entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("read migration %q: %w", entry.Name(), err)
		}

		item, ok := byVersion[version]
		if !ok {
			item = &migration{Version: version, Name: parts[2]}
			byVersion[version] = item
		} else if item.Name != parts[2] {
			return nil, fmt.Errorf("migration %d has conflicting names %q and %q", version, item.Name, parts[2])
		}
		if parts[3] == "up" {
			item.UpSQL = string(script)
			sum := sha256.Sum256(script)
			item.Checksum = hex.EncodeToString(sum[:])
		} else {
			item.DownSQL = string(script)
		}
	}

	plan := make([]migration, 0, len(byVersion))
	for _, item := range byVersion {
		if strings.TrimSpace(item.UpSQL) == "" {
			return nil, fmt.Errorf("migration %d missing up SQL", item.Version)
		}
		if strings.TrimSpace(item.DownSQL) == "" {
			return nil, fmt.Errorf("migration %d missing down SQL", item.Version)
		}
		plan = append(plan, *item)
	}
	slices.SortFunc(plan, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return plan, nil
}
