package syncstore

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
)

func TestNewPostgresRemoteRequiresDSN(t *testing.T) {
	if _, err := NewPostgresRemote("   "); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("empty dsn: %v", err)
	}
	if _, err := NewPostgresRemote("postgres://local/expensedesk"); err != nil {
		t.Fatalf("NewPostgresRemote: %v", err)
	}
}

func TestPostgresRemoteOpenFailureIsSticky(t *testing.T) {
	remote, err := NewPostgresRemote("postgres://local/expensedesk")
	if err != nil {
		t.Fatalf("NewPostgresRemote: %v", err)
	}
	opens := 0
	boom := errors.New("connection refused")
	remote.openDB = func(driverName, dsn string) (*sql.DB, error) {
		opens++
		if driverName != "postgres" {
			t.Fatalf("driver = %q", driverName)
		}
		return nil, boom
	}

	if _, err := remote.Documents().Query(context.Background(), Filter{}); !errors.Is(err, boom) {
		t.Fatalf("Query: %v", err)
	}
	// Bootstrap runs once; the failure is remembered, not retried.
	if err := remote.Tasks().Upsert(context.Background(), nil); !errors.Is(err, boom) {
		t.Fatalf("Upsert: %v", err)
	}
	if opens != 1 {
		t.Fatalf("openDB called %d times", opens)
	}
}

func TestPgQuoteIdentifier(t *testing.T) {
	cases := map[string]string{
		"tasks":      `"tasks"`,
		"  tasks  ":  `"tasks"`,
		"":           `""`,
		`ta"ble`:     `"ta""ble"`,
		"task_items": `"task_items"`,
	}
	for in, want := range cases {
		if got := pgQuoteIdentifier(in); got != want {
			t.Errorf("pgQuoteIdentifier(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestBootstrapCoversEveryCollection(t *testing.T) {
	stmts := pgBootstrapStatements()
	joined := strings.Join(stmts, "\n")
	for _, table := range []string{pgDocumentsTable, pgTasksTable, pgCommentsTable, pgUsersTable} {
		if !strings.Contains(joined, "CREATE TABLE IF NOT EXISTS "+pgQuoteIdentifier(table)) {
			t.Errorf("bootstrap misses table %q", table)
		}
		if !strings.Contains(joined, "CREATE TRIGGER "+pgQuoteIdentifier(table+"_notify_change")) {
			t.Errorf("bootstrap misses change trigger for %q", table)
		}
	}
	if !strings.Contains(joined, "pg_notify('"+ChangeChannel+"'") {
		t.Error("bootstrap does not publish on the change channel")
	}
}
