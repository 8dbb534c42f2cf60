package database

import (
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	_ "modernc.org/sqlite"
)

func TestMigrateNewDB(t *testing.T) {
	db := openTestDB(t)

	version, err := getSchemaVersion(db.conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}

	for _, table := range []string{
		"fixtures", "match_intelligence", "news_articles", "analyses",
		"validations", "publications", "publication_audit", "review_queue",
	} {
		ok, err := tableExists(db.conn, table)
		if err != nil {
			t.Fatalf("tableExists(%s): %v", table, err)
		}
		if !ok {
			t.Errorf("expected table %s to exist", table)
		}
	}
}

func TestMigratePartiallyMigratedDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "partial.db")

	// Simulate a database that stopped after the first migration.
	raw, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open raw db: %v", err)
	}
	tx, err := raw.Begin()
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := migrations[0].Up(tx); err != nil {
		t.Fatalf("migration 1: %v", err)
	}
	if err := tx.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if _, err := raw.Exec("PRAGMA user_version = 1"); err != nil {
		t.Fatalf("stamp version: %v", err)
	}
	raw.Close()

	db, err := Open(dbPath)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	version, err := getSchemaVersion(db.conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d after catch-up, got %d", latestVersion(), version)
	}
	ok, _ := tableExists(db.conn, "review_queue")
	if !ok {
		t.Error("expected review_queue to be created by a later migration")
	}
}

func TestMigrateIdempotent(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "idem.db")

	db1, err := Open(dbPath)
	if err != nil {
		t.Fatalf("first Open: %v", err)
	}
	db1.Close()

	db2, err := Open(dbPath)
	if err != nil {
		t.Fatalf("second Open: %v", err)
	}
	defer db2.Close()

	version, err := getSchemaVersion(db2.conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != latestVersion() {
		t.Errorf("expected version %d, got %d", latestVersion(), version)
	}
}

func TestGetSchemaVersionNewDB(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "empty.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	version, err := getSchemaVersion(conn)
	if err != nil {
		t.Fatalf("getSchemaVersion: %v", err)
	}
	if version != 0 {
		t.Errorf("expected version 0 on new db, got %d", version)
	}
}

func TestTableExistsFalseOnNew(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "fresh.db")
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer conn.Close()

	ok, err := tableExists(conn, "fixtures")
	if err != nil {
		t.Fatalf("tableExists: %v", err)
	}
	if ok {
		t.Error("expected fixtures to be absent on empty database")
	}
}

func TestMigrationsLogThroughInjectedLogger(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "logged.db")
	log, hook := test.NewNullLogger()

	db, err := Open(dbPath, WithLogger(log))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	db.Close()
	if got := len(hook.AllEntries()); got != len(migrations) {
		t.Errorf("expected %d migration log entries, got %d", len(migrations), got)
	}
	if e := hook.LastEntry(); e == nil || e.Level != logrus.InfoLevel || e.Data["module"] != "database" {
		t.Errorf("unexpected last entry %+v", e)
	}

	hook.Reset()
	db, err = Open(dbPath, WithLogger(log))
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	db.Close()
	if got := len(hook.AllEntries()); got != 0 {
		t.Errorf("expected no entries on an up-to-date schema, got %d", got)
	}
}
