package database

import (
	"database/sql"
	"fmt"

	"github.com/sirupsen/logrus"
)

// getSchemaVersion reads PRAGMA user_version from the database.
func getSchemaVersion(conn *sql.DB) (int, error) {
	var version int
	if err := conn.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("reading schema version: %w", err)
	}
	return version, nil
}

// tableExists reports whether a table with the given name is present.
func tableExists(conn *sql.DB, name string) (bool, error) {
	var count int
	err := conn.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", name,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("checking for table %s: %w", name, err)
	}
	return count > 0, nil
}

// migrate applies every migration newer than the stored user_version and
// returns how many ran.
func migrate(conn *sql.DB, log logrus.FieldLogger) (int, error) {
	current, err := getSchemaVersion(conn)
	if err != nil {
		return 0, err
	}
	if current >= latestVersion() {
		return 0, nil
	}

	applied := 0
	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		log.WithFields(logrus.Fields{
			"version":     m.Version,
			"description": m.Description,
		}).Info("Applying migration")
		if err := apply(conn, m); err != nil {
			return applied, err
		}
		applied++
	}
	return applied, nil
}

func apply(conn *sql.DB, m Migration) error {
	tx, err := conn.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	// modernc/sqlite rejects user_version inside a transaction. The DDL is
	// idempotent, so a crash before this line only re-runs the migration.
	if _, err := conn.Exec(fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
		return fmt.Errorf("setting version %d: %w", m.Version, err)
	}
	return nil
}
