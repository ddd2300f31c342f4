package pipeline

import (
	"reflect"
	"strings"
	"testing"

	"github.com/askmesh/askmesh/internal/catalog"
	"github.com/askmesh/askmesh/internal/query"
)

func TestFromTable(t *testing.T) {
	tests := []struct {
		sql  string
		want string
		ok   bool
	}{
		{sql: "SELECT * FROM requests WHERE id = 1", want: "requests", ok: true},
		{sql: `select count(*) from "public"."requests" r`, want: "requests", ok: true},
		{sql: "SELECT EXTRACT(year FROM opened_at) FROM public.requests", want: "requests", ok: true},
		{sql: "SELECT * FROM permits", ok: false},
		{sql: "SELECT 1", ok: false},
	}
	for _, tc := range tests {
		table, ok := fromTable(requestsSnapshot, tc.sql)
		if ok != tc.ok || table.Name != tc.want {
			t.Fatalf("fromTable(%q) = %q, %v", tc.sql, table.Name, ok)
		}
	}
}

func TestSampleColumns(t *testing.T) {
	table, _ := requestsSnapshot.Table("requests")

	if got := sampleColumns(table, nil, 2); !reflect.DeepEqual(got, []string{"request_type", "status"}) {
		t.Fatalf("sampleColumns() = %v", got)
	}
	if got := sampleColumns(table, nil, 1); !reflect.DeepEqual(got, []string{"request_type"}) {
		t.Fatalf("sampleColumns() limit 1 = %v", got)
	}

	metadata := []catalog.TableMetadata{{
		Table:   "requests",
		Columns: []catalog.ColumnMetadata{{Name: "request_type", IsNumeric: true}},
	}}
	if got := sampleColumns(table, metadata, 2); !reflect.DeepEqual(got, []string{"status"}) {
		t.Fatalf("sampleColumns() with metadata = %v", got)
	}
}

func TestErrorHints(t *testing.T) {
	tests := []struct {
		name string
		err  *query.ExecutionError
		want string
	}{
		{
			name: "text compared with date",
			err:  &query.ExecutionError{Kind: query.KindTypeMismatch, Message: "operator does not exist: text > date"},
			want: "requests.opened_at is stored as text.",
		},
		{
			name: "postgres unknown column",
			err:  &query.ExecutionError{Kind: query.KindUnknownIdentifier, Message: `column "type" does not exist`},
			want: "Candidate columns: requests.request_type, requests.type_code.",
		},
		{
			name: "duckdb unknown column",
			err:  &query.ExecutionError{Kind: query.KindUnknownIdentifier, Message: `Binder Error: Referenced column "statuses" not found in FROM clause!`},
			want: "Candidate columns: requests.status.",
		},
		{
			name: "unknown table",
			err:  &query.ExecutionError{Kind: query.KindUnknownIdentifier, Message: `relation "complaints" does not exist`},
			want: "Available tables: requests.",
		},
		{
			name: "read only",
			err:  &query.ExecutionError{Kind: query.KindReadOnlyViolation, Message: "statement must start with SELECT"},
			want: "read-only",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			hints := strings.Join(errorHints(requestsSnapshot, tc.err), "\n")
			if !strings.Contains(hints, tc.want) {
				t.Fatalf("errorHints() = %q, want it to contain %q", hints, tc.want)
			}
		})
	}
}

func TestSampleValuesSQLQuotesIdentifiers(t *testing.T) {
	got := sampleValuesSQL("", `odd"name`, []string{"status", "o'kind"}, 5)
	want := `SELECT 'status' AS column_name, CAST("status" AS VARCHAR) AS value FROM (SELECT DISTINCT "status" FROM "odd""name" WHERE "status" IS NOT NULL ORDER BY 1 LIMIT 5) AS s0` +
		` UNION ALL SELECT 'o''kind' AS column_name, CAST("o'kind" AS VARCHAR) AS value FROM (SELECT DISTINCT "o'kind" FROM "odd""name" WHERE "o'kind" IS NOT NULL ORDER BY 1 LIMIT 5) AS s1`
	if got != want {
		t.Fatalf("sampleValuesSQL() = %q, want %q", got, want)
	}
	if err := query.CheckReadOnly(got); err != nil {
		t.Fatalf("CheckReadOnly(sampleValuesSQL()) error = %v", err)
	}
}
