package storage

import (
	"reflect"
	"strings"
	"testing"
	"testing/fstest"
)

func TestSplitStatements(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want []string
	}{
		{"single", "CREATE TABLE t (id INT)", []string{"CREATE TABLE t (id INT)"}},
		{"two", "CREATE TABLE a (id INT); CREATE TABLE b (id INT)", []string{"CREATE TABLE a (id INT)", "CREATE TABLE b (id INT)"}},
		{"semicolon in string", "INSERT INTO t VALUES ('a; b')", []string{"INSERT INTO t VALUES ('a; b')"}},
		{"escaped quote", "INSERT INTO t VALUES ('it''s; ok')", []string{"INSERT INTO t VALUES ('it''s; ok')"}},
		{"leading comment kept", "-- tables\nCREATE TABLE a (id INT);", []string{"-- tables\nCREATE TABLE a (id INT)"}},
		{"comment only dropped", "CREATE TABLE a (id INT);\n-- done\n", []string{"CREATE TABLE a (id INT)"}},
		{"blank", "  \n\t ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := splitStatements(tt.sql); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("splitStatements() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadMigrations_OrderAndNames(t *testing.T) {
	fsys := fstest.MapFS{
		"migrations/010_add_index.sql":    {Data: []byte("ALTER TABLE x ADD INDEX i c TYPE set(1) GRANULARITY 1")},
		"migrations/002_create_table.sql": {Data: []byte("CREATE TABLE x (c String)")},
		"migrations/notes.sql":            {Data: []byte("-- not a migration")},
	}

	got, err := loadMigrations(fsys)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(got) != 2 || got[0].Version != 2 || got[1].Version != 10 {
		t.Fatalf("migrations = %+v, want versions 2 then 10", got)
	}
	if got[0].Name != "create_table" || got[1].Name != "add_index" {
		t.Errorf("names = %q, %q", got[0].Name, got[1].Name)
	}
}

func TestEmbeddedMigrations_CreateRequestLog(t *testing.T) {
	got, err := loadMigrations(migrationFiles)
	if err != nil {
		t.Fatalf("loadMigrations() error = %v", err)
	}
	if len(got) == 0 || got[0].Version != 1 || got[0].Name != "create_webhook_requests" {
		t.Fatalf("first migration = %+v", got)
	}
	stmts := splitStatements(got[0].SQL)
	if len(stmts) != 1 || !strings.Contains(stmts[0], "CREATE TABLE IF NOT EXISTS webhook_requests") {
		t.Errorf("statements = %q", stmts)
	}
}
