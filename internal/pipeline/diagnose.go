package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/askmesh/askmesh/internal/author"
	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/query"
	"github.com/askmesh/askmesh/internal/schema"
)

var (
	fromPattern             = regexp.MustCompile(`(?i)\bfrom\s+((?:"[^"]+"|[A-Za-z_][\w$]*)(?:\s*\.\s*(?:"[^"]+"|[A-Za-z_][\w$]*))*)`)
	unknownColumnPattern    = regexp.MustCompile(`(?i)column\s+(?:with name\s+)?"?([A-Za-z_][\w$.]*)"?`)
	unknownRelationPattern  = regexp.MustCompile(`(?i)(?:relation|table with name|table)\s+"?([A-Za-z_][\w$.]*)"?\s+(?:does not exist|not found)`)
	textualTypePattern      = regexp.MustCompile(`(?i)\b(text|varchar|character varying|string)\b`)
	temporalTypePattern     = regexp.MustCompile(`(?i)\b(date|timestamp|timestamptz|interval|time)\b`)
	temporalNamePattern     = regexp.MustCompile(`(?i)(date|time|_at$|_on$|day|month|year)`)
	categoryNamePattern     = regexp.MustCompile(`(?i)(category|type|reason|status|kind|class|group)`)
	numericDataTypePattern  = regexp.MustCompile(`(?i)(int|numeric|decimal|real|double|float|serial|money)`)
	temporalDataTypePattern = regexp.MustCompile(`(?i)(date|time|interval)`)
)

// errorHints adds known-pattern guidance to an execution error. The raw
// message is passed to the author separately.
func errorHints(snapshot schema.Snapshot, err *query.ExecutionError) []string {
	switch err.Kind {
	case query.KindTypeMismatch:
		return typeMismatchHints(snapshot, err.Message)
	case query.KindUnknownIdentifier:
		return unknownIdentifierHints(snapshot, err.Message)
	case query.KindSyntax:
		return []string{"Return one complete SELECT statement with no commentary."}
	case query.KindReadOnlyViolation:
		return []string{"Only a single read-only SELECT or WITH query is allowed."}
	case query.KindTimeout:
		return []string{"The query ran too long. Add selective filters or aggregate before joining."}
	case query.KindService:
		return []string{"The previous reply did not contain a usable SQL statement. Reply with the SQL only."}
	default:
		return nil
	}
}

func typeMismatchHints(snapshot schema.Snapshot, message string) []string {
	if !textualTypePattern.MatchString(message) || !temporalTypePattern.MatchString(message) {
		return []string{"Cast values so both sides of each comparison have the same type."}
	}
	hints := []string{"A text value is being compared with a date or time. Cast the text column, for example CAST(col AS DATE), or compare against a string literal."}
	for _, table := range snapshot.Tables {
		for _, column := range table.Columns {
			if temporalNamePattern.MatchString(column.Name) && !temporalDataTypePattern.MatchString(column.DataType) {
				hints = append(hints, fmt.Sprintf("%s.%s is stored as %s.", table.Name, column.Name, column.DataType))
			}
		}
	}
	return hints
}

func unknownIdentifierHints(snapshot schema.Snapshot, message string) []string {
	if match := unknownRelationPattern.FindStringSubmatch(message); match != nil {
		return []string{fmt.Sprintf("Table %s does not exist. Available tables: %s.", match[1], strings.Join(snapshot.TableNames(), ", "))}
	}
	match := unknownColumnPattern.FindStringSubmatch(message)
	if match == nil {
		return []string{"Use only the tables and columns listed in the schema."}
	}
	name := match[1]
	if idx := strings.LastIndex(name, "."); idx >= 0 {
		name = name[idx+1:]
	}
	candidates := snapshot.ColumnsNamed(name)
	if len(candidates) == 0 && len(name) > 4 {
		candidates = snapshot.ColumnsNamed(name[:4])
	}
	hint := fmt.Sprintf("Column %s does not exist.", name)
	if len(candidates) > 0 {
		hint += " Candidate columns: " + strings.Join(candidates, ", ") + "."
	}
	return []string{hint}
}

// fromTable returns the first FROM target that names a snapshot table.
// Targets such as EXTRACT(year FROM col) are skipped.
func fromTable(snapshot schema.Snapshot, sqlText string) (schema.Table, bool) {
	for _, match := range fromPattern.FindAllStringSubmatch(sqlText, -1) {
		parts := strings.Split(match[1], ".")
		name := strings.Trim(strings.TrimSpace(parts[len(parts)-1]), `"`)
		if table, ok := snapshot.Table(name); ok {
			return table, true
		}
	}
	return schema.Table{}, false
}

// sampleColumns picks up to limit non-numeric columns whose names suggest
// categorical values. Catalog metadata decides numeric-ness when present.
func sampleColumns(table schema.Table, metadata []catalog.TableMetadata, limit int) []string {
	var known *catalog.TableMetadata
	for i := range metadata {
		if strings.EqualFold(metadata[i].Table, table.Name) {
			known = &metadata[i]
			break
		}
	}

	out := make([]string, 0, limit)
	for _, column := range table.Columns {
		if len(out) >= limit {
			break
		}
		if !categoryNamePattern.MatchString(column.Name) {
			continue
		}
		numeric := numericDataTypePattern.MatchString(column.DataType)
		if known != nil {
			if meta, ok := known.Column(column.Name); ok {
				numeric = meta.IsNumeric
			}
		}
		if numeric {
			continue
		}
		out = append(out, column.Name)
	}
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(value string) string {
	return "'" + strings.ReplaceAll(value, "'", "''") + "'"
}

// sampleValuesSQL builds one statement returning (column_name, value) rows
// with up to limit distinct non-null values for each column.
func sampleValuesSQL(schemaName, table string, columns []string, limit int) string {
	target := quoteIdent(table)
	if schemaName != "" {
		target = quoteIdent(schemaName) + "." + target
	}
	parts := make([]string, 0, len(columns))
	for i, column := range columns {
		col := quoteIdent(column)
		parts = append(parts, fmt.Sprintf(
			"SELECT %s AS column_name, CAST(%s AS VARCHAR) AS value FROM (SELECT DISTINCT %s FROM %s WHERE %s IS NOT NULL ORDER BY 1 LIMIT %d) AS s%d",
			quoteLiteral(column), col, col, target, col, limit, i))
	}
	return strings.Join(parts, " UNION ALL ")
}

// sampleValues runs one diagnostic query for an empty result. It runs at
// most once per question; later empty repairs reuse the first samples.
// A failed query yields no samples; only cancellation of ctx is returned.
func (r *run) sampleValues(ctx context.Context, sqlText string) ([]author.Sample, error) {
	if r.sampled {
		return r.samples, nil
	}
	table, ok := fromTable(r.request.Snapshot, sqlText)
	if !ok {
		return nil, nil
	}
	columns := sampleColumns(table, r.request.Metadata, r.p.sampleColumns)
	if len(columns) == 0 {
		return nil, nil
	}

	r.sampled = true
	result, err := r.p.execute(ctx, query.Request{
		SQL:     sampleValuesSQL(r.request.Snapshot.Schema, table.Name, columns, r.p.sampleValues),
		Purpose: query.PurposeDiagnostic,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		r.logger.Warn("sample column values failed", "table", table.Name, "columns", columns, "error", err)
		return nil, nil
	}

	values := make(map[string][]string, len(columns))
	for _, row := range result.Rows {
		if len(row) < 2 || row[0] == nil || row[1] == nil {
			continue
		}
		column := fmt.Sprint(row[0])
		values[column] = append(values[column], fmt.Sprint(row[1]))
	}
	samples := make([]author.Sample, 0, len(columns))
	for _, column := range columns {
		if len(values[column]) > 0 {
			samples = append(samples, author.Sample{Table: table.Name, Column: column, Values: values[column]})
		}
	}
	return samples, nil
}
