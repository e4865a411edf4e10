package dbopen_test

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	_ "modernc.org/sqlite"

	"github.com/hazyhaar/extractmd/dbopen"
)

func TestOpen_Pragmas(t *testing.T) {
	// WHAT: Open applies foreign_keys, WAL, busy_timeout, and NORMAL
	// synchronous.
	// WHY: Progress databases see concurrent page writers; the pragmas
	// are what keeps them from stepping on each other.
	db := dbopen.OpenMemory(t)

	var journalMode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&journalMode); err != nil {
		t.Fatal(err)
	}
	// :memory: databases report "memory" instead of "wal".
	if journalMode != "wal" && journalMode != "memory" {
		t.Fatalf("journal_mode = %q, want wal or memory", journalMode)
	}

	var fk int
	if err := db.QueryRow("PRAGMA foreign_keys").Scan(&fk); err != nil {
		t.Fatal(err)
	}
	if fk != 1 {
		t.Fatalf("foreign_keys = %d, want 1", fk)
	}

	var sync int
	if err := db.QueryRow("PRAGMA synchronous").Scan(&sync); err != nil {
		t.Fatal(err)
	}
	if sync != 1 {
		t.Fatalf("synchronous = %d, want 1 (NORMAL)", sync)
	}

	var busyTimeout int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		t.Fatal(err)
	}
	if busyTimeout != 10_000 {
		t.Fatalf("busy_timeout = %d, want 10000", busyTimeout)
	}
}

func TestWithBusyTimeout(t *testing.T) {
	// WHAT: WithBusyTimeout overrides the default busy_timeout.
	// WHY: Tests use short timeouts so lock contention fails fast.
	db := dbopen.OpenMemory(t, dbopen.WithBusyTimeout(5000))

	var bt int
	if err := db.QueryRow("PRAGMA busy_timeout").Scan(&bt); err != nil {
		t.Fatal(err)
	}
	if bt != 5000 {
		t.Fatalf("busy_timeout = %d, want 5000", bt)
	}
}

func TestWithSchema(t *testing.T) {
	// WHAT: Schema SQL passed to Open runs before the database is handed
	// back.
	// WHY: The progress store relies on its table existing on first use.
	schema := `CREATE TABLE pages (num INTEGER PRIMARY KEY, text TEXT);`
	db := dbopen.OpenMemory(t, dbopen.WithSchema(schema))

	if _, err := db.Exec(`INSERT INTO pages (num, text) VALUES (1, 'hello')`); err != nil {
		t.Fatalf("insert into schema-created table: %v", err)
	}

	var text string
	if err := db.QueryRow(`SELECT text FROM pages WHERE num = 1`).Scan(&text); err != nil {
		t.Fatal(err)
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
}

func TestIsBusy(t *testing.T) {
	// WHAT: IsBusy recognizes the three SQLite lock-error spellings and
	// nothing else.
	// WHY: Retrying a non-busy error would mask real failures.
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{errors.New("some other error"), false},
		{errors.New("SQLITE_BUSY"), true},
		{errors.New("database is locked"), true},
		{errors.New("database table is locked"), true},
		{errors.New("prefix: SQLITE_BUSY (5)"), true},
	}
	for _, tt := range tests {
		if got := dbopen.IsBusy(tt.err); got != tt.want {
			t.Errorf("IsBusy(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestRunTx_Commits(t *testing.T) {
	// WHAT: A successful RunTx callback commits its writes.
	// WHY: This is the path every progress snapshot takes.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE pages (num INTEGER PRIMARY KEY, text TEXT)`))

	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO pages (num, text) VALUES (1, 'hello')`)
		return err
	})
	if err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	var text string
	if err := db.QueryRow(`SELECT text FROM pages WHERE num = 1`).Scan(&text); err != nil {
		t.Fatal(err)
	}
	if text != "hello" {
		t.Fatalf("text = %q, want hello", text)
	}
}

func TestRunTx_RollsBackOnError(t *testing.T) {
	// WHAT: A failing callback rolls the transaction back and the
	// original error comes through unwrapped.
	// WHY: A half-written snapshot would corrupt resume state.
	db := dbopen.OpenMemory(t, dbopen.WithSchema(`CREATE TABLE pages (num INTEGER PRIMARY KEY)`))

	sentinel := errors.New("rollback me")
	err := dbopen.RunTx(context.Background(), db, func(tx *sql.Tx) error {
		tx.Exec(`INSERT INTO pages (num) VALUES (1)`)
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("RunTx error = %v, want sentinel", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&count)
	if count != 0 {
		t.Fatalf("count = %d, want 0 after rollback", count)
	}
}

func TestRunTx_CancelledContext(t *testing.T) {
	// WHAT: RunTx fails rather than running against a cancelled context.
	// WHY: Shutdown must not start transactions it cannot finish.
	db := dbopen.OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := dbopen.RunTx(ctx, db, func(tx *sql.Tx) error { return nil })
	if err == nil {
		t.Fatal("expected error on cancelled context")
	}
}
