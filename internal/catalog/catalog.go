package catalog

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

var ErrNotFound = errors.New("catalog: not found")

// Entry describes one queryable table in the static catalog document.
type Entry struct {
	Table       string `yaml:"table" json:"table"`
	Description string `yaml:"description" json:"description"`
	MetadataRef string `yaml:"metadata" json:"-"`
}

type ColumnMetadata struct {
	Name         string   `json:"name"`
	DataType     string   `json:"data_type"`
	IsNumeric    bool     `json:"is_numeric"`
	UniqueValues []string `json:"unique_values,omitempty"`
}

// TableMetadata holds the per-column details for one selected table,
// ordered by column name.
type TableMetadata struct {
	Table   string           `json:"table"`
	Columns []ColumnMetadata `json:"columns"`
}

func (m TableMetadata) Column(name string) (ColumnMetadata, bool) {
	for _, column := range m.Columns {
		if strings.EqualFold(column.Name, name) {
			return column, true
		}
	}
	return ColumnMetadata{}, false
}

type document struct {
	Tables []Entry `yaml:"tables"`
}

// ParseDocument reads catalog.yaml. Entries without a table name are
// rejected; duplicate names keep the first occurrence.
func ParseDocument(body []byte) ([]Entry, error) {
	var doc document
	if err := yaml.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog document: %w", err)
	}
	entries := make([]Entry, 0, len(doc.Tables))
	seen := make(map[string]struct{}, len(doc.Tables))
	for index, entry := range doc.Tables {
		entry.Table = strings.TrimSpace(entry.Table)
		entry.Description = strings.TrimSpace(entry.Description)
		entry.MetadataRef = strings.TrimSpace(entry.MetadataRef)
		if entry.Table == "" {
			return nil, fmt.Errorf("catalog entry %d has no table name", index)
		}
		key := strings.ToLower(entry.Table)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		entries = append(entries, entry)
	}
	return entries, nil
}

type metadataDocument struct {
	Columns map[string]struct {
		DataType     string `json:"data_type"`
		IsNumeric    bool   `json:"is_numeric"`
		UniqueValues []any  `json:"unique_values"`
	} `json:"columns"`
}

// ParseMetadata reads a per-table metadata document, keeping at most
// maxUniqueValues sample values per column (0 keeps none).
func ParseMetadata(table string, body []byte, maxUniqueValues int) (TableMetadata, error) {
	var doc metadataDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return TableMetadata{}, fmt.Errorf("decode metadata for %q: %w", table, err)
	}

	names := make([]string, 0, len(doc.Columns))
	for name := range doc.Columns {
		names = append(names, name)
	}
	sort.Strings(names)

	out := TableMetadata{Table: table, Columns: make([]ColumnMetadata, 0, len(names))}
	for _, name := range names {
		raw := doc.Columns[name]
		column := ColumnMetadata{Name: name, DataType: raw.DataType, IsNumeric: raw.IsNumeric}
		if raw.IsNumeric {
			out.Columns = append(out.Columns, column)
			continue
		}
		for _, value := range raw.UniqueValues {
			if len(column.UniqueValues) >= maxUniqueValues {
				break
			}
			if value == nil {
				continue
			}
			column.UniqueValues = append(column.UniqueValues, fmt.Sprint(value))
		}
		out.Columns = append(out.Columns, column)
	}
	return out, nil
}

// RenderEntries lists table names and descriptions, one per line.
func RenderEntries(entries []Entry) string {
	var b strings.Builder
	for _, entry := range entries {
		if entry.Description == "" {
			fmt.Fprintf(&b, "- %s\n", entry.Table)
			continue
		}
		fmt.Fprintf(&b, "- %s: %s\n", entry.Table, entry.Description)
	}
	return strings.TrimRight(b.String(), "\n")
}

// RenderMetadata formats selected tables for the SQL author prompt.
// Non-numeric columns with known values are marked as category columns.
func RenderMetadata(tables []TableMetadata) string {
	var b strings.Builder
	for _, table := range tables {
		fmt.Fprintf(&b, "table %s:\n", table.Table)
		for _, column := range table.Columns {
			fmt.Fprintf(&b, "  %s %s", column.Name, column.DataType)
			if !column.IsNumeric && len(column.UniqueValues) > 0 {
				fmt.Fprintf(&b, " [category] values: %s", strings.Join(column.UniqueValues, ", "))
			}
			b.WriteByte('\n')
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
