package schema

import (
	"context"
	"errors"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
)

func TestIntrospectGroupsColumnsByTable(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	mock.ExpectQuery(regexp.QuoteMeta("FROM information_schema.columns")).
		WithArgs("public").
		WillReturnRows(sqlmock.NewRows([]string{"table_name", "column_name", "data_type"}).
			AddRow("permits", "id", "integer").
			AddRow("permits", "issued_at", "date").
			AddRow("requests", "id", "integer").
			AddRow("requests", "category", "text").
			AddRow("staging", "raw", "jsonb"))

	snapshot, err := NewIntrospector(db, "public", []string{"Requests", "permits"}).Introspect(context.Background())
	if err != nil {
		t.Fatalf("Introspect() error = %v", err)
	}
	if len(snapshot.Tables) != 2 {
		t.Fatalf("tables = %#v", snapshot.Tables)
	}
	if snapshot.Tables[0].Name != "permits" || len(snapshot.Tables[0].Columns) != 2 {
		t.Fatalf("first table = %#v", snapshot.Tables[0])
	}
	if got := snapshot.Render(); got != "permits(id integer, issued_at date)\nrequests(id integer, category text)" {
		t.Fatalf("Render() = %q", got)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("expectations: %v", err)
	}
}

func TestIntrospectPropagatesFailure(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	defer func() { _ = db.Close() }()

	boom := errors.New("connection refused")
	mock.ExpectQuery("information_schema").WillReturnError(boom)

	if _, err := NewIntrospector(db, "public", nil).Introspect(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Introspect() error = %v", err)
	}
}

func TestSnapshotLookups(t *testing.T) {
	snapshot := Snapshot{Tables: []Table{
		{Name: "requests", Columns: []Column{{Name: "status", DataType: "text"}, {Name: "status_date", DataType: "date"}}},
		{Name: "permits", Columns: []Column{{Name: "permit_status", DataType: "text"}}},
	}}
	if _, ok := snapshot.Table("REQUESTS"); !ok {
		t.Fatal("Table() should match case-insensitively")
	}
	if got := snapshot.ColumnsNamed("status"); len(got) != 3 || got[2] != "permits.permit_status" {
		t.Fatalf("ColumnsNamed() = %#v", got)
	}
	if got := snapshot.TableNames(); len(got) != 2 || got[1] != "permits" {
		t.Fatalf("TableNames() = %#v", got)
	}
}
