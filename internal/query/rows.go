package query

import (
	"database/sql"
	"encoding/hex"
	"fmt"
	"math"
	"time"
	"unicode/utf8"
)

// ScanRows drains rows into column names and JSON-friendly values.
func ScanRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	out := make([][]any, 0)
	for rows.Next() {
		row := make([]any, len(columns))
		targets := make([]any, len(columns))
		for i := range row {
			targets[i] = &row[i]
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, nil, fmt.Errorf("scan row %d: %w", len(out)+1, err)
		}
		for i, value := range row {
			row[i] = jsonValue(value)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, out, nil
}

// jsonValue converts driver values that encoding/json cannot represent
// faithfully. NaN and infinities become nil, non-UTF-8 bytes become hex
// and midnight timestamps become plain dates.
func jsonValue(value any) any {
	switch typed := value.(type) {
	case []byte:
		if utf8.Valid(typed) {
			return string(typed)
		}
		return hex.EncodeToString(typed)
	case float64:
		if math.IsNaN(typed) || math.IsInf(typed, 0) {
			return nil
		}
		return typed
	case float32:
		if math.IsNaN(float64(typed)) || math.IsInf(float64(typed), 0) {
			return nil
		}
		return typed
	case time.Time:
		if typed.Equal(typed.Truncate(24 * time.Hour)) {
			return typed.Format(time.DateOnly)
		}
		return typed.Format(time.RFC3339Nano)
	default:
		return typed
	}
}
