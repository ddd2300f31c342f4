package schema

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
}

type Table struct {
	Name    string   `json:"name"`
	Columns []Column `json:"columns"`
}

// Snapshot is the live table/column listing for one question. It is built
// fresh per question and never mutated after Introspect returns.
type Snapshot struct {
	Schema string  `json:"schema"`
	Tables []Table `json:"tables"`
}

func (s Snapshot) Table(name string) (Table, bool) {
	for _, table := range s.Tables {
		if strings.EqualFold(table.Name, name) {
			return table, true
		}
	}
	return Table{}, false
}

func (s Snapshot) TableNames() []string {
	names := make([]string, 0, len(s.Tables))
	for _, table := range s.Tables {
		names = append(names, table.Name)
	}
	return names
}

// ColumnsNamed returns "table.column" for every column whose name contains
// needle, case-insensitively. Used to suggest candidates for an unknown
// identifier.
func (s Snapshot) ColumnsNamed(needle string) []string {
	needle = strings.ToLower(strings.TrimSpace(needle))
	matches := make([]string, 0)
	for _, table := range s.Tables {
		for _, column := range table.Columns {
			if needle == "" || strings.Contains(strings.ToLower(column.Name), needle) {
				matches = append(matches, table.Name+"."+column.Name)
			}
		}
	}
	return matches
}

// Render formats the snapshot as one line per table for prompts.
func (s Snapshot) Render() string {
	var b strings.Builder
	for _, table := range s.Tables {
		parts := make([]string, 0, len(table.Columns))
		for _, column := range table.Columns {
			parts = append(parts, column.Name+" "+column.DataType)
		}
		fmt.Fprintf(&b, "%s(%s)\n", table.Name, strings.Join(parts, ", "))
	}
	return strings.TrimRight(b.String(), "\n")
}

type Queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

type Introspector struct {
	db            Queryer
	schema        string
	includeTables map[string]struct{}
}

func NewIntrospector(db Queryer, schemaName string, includeTables []string) *Introspector {
	include := make(map[string]struct{}, len(includeTables))
	for _, name := range includeTables {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			include[name] = struct{}{}
		}
	}
	return &Introspector{db: db, schema: schemaName, includeTables: include}
}

const columnsQuery = `SELECT table_name, column_name, data_type
FROM information_schema.columns
WHERE table_schema = $1
ORDER BY table_name, ordinal_position`

func (i *Introspector) Introspect(ctx context.Context) (Snapshot, error) {
	if i.db == nil {
		return Snapshot{}, fmt.Errorf("introspection database is required")
	}
	rows, err := i.db.QueryContext(ctx, columnsQuery, i.schema)
	if err != nil {
		return Snapshot{}, fmt.Errorf("query information_schema.columns: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshot := Snapshot{Schema: i.schema, Tables: make([]Table, 0)}
	for rows.Next() {
		var tableName, columnName, dataType string
		if err := rows.Scan(&tableName, &columnName, &dataType); err != nil {
			return Snapshot{}, fmt.Errorf("scan column row: %w", err)
		}
		if len(i.includeTables) > 0 {
			if _, ok := i.includeTables[strings.ToLower(tableName)]; !ok {
				continue
			}
		}
		last := len(snapshot.Tables) - 1
		if last < 0 || snapshot.Tables[last].Name != tableName {
			snapshot.Tables = append(snapshot.Tables, Table{Name: tableName})
			last++
		}
		snapshot.Tables[last].Columns = append(snapshot.Tables[last].Columns, Column{Name: columnName, DataType: dataType})
	}
	if err := rows.Err(); err != nil {
		return Snapshot{}, fmt.Errorf("iterate column rows: %w", err)
	}
	return snapshot, nil
}
