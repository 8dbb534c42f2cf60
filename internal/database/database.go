package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// ErrDuplicate is returned when an insert collides with an existing row
// that must never be overwritten.
var ErrDuplicate = errors.New("duplicate record")

// timeLayout is used for every stored timestamp. Values are always UTC so
// lexical comparison in SQL matches chronological order.
const timeLayout = time.RFC3339

// DB wraps a SQLite database connection.
type DB struct {
	conn *sql.DB
	path string
}

// Option configures Open.
type Option func(*openOptions)

type openOptions struct {
	log logrus.FieldLogger
}

// WithLogger reports applied migrations to log. Open is silent without it.
func WithLogger(log logrus.FieldLogger) Option {
	return func(o *openOptions) { o.log = log }
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Open creates or opens a SQLite database at the given path.
func Open(dbPath string, opts ...Option) (*DB, error) {
	o := openOptions{log: discardLogger()}
	for _, opt := range opts {
		opt(&o)
	}

	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating data directory: %w", err)
	}

	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// Every pipeline module writes from its own goroutine; a single
	// connection serialises them instead of surfacing SQLITE_BUSY.
	conn.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := conn.Exec(pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("applying %q: %w", pragma, err)
		}
	}

	if _, err := migrate(conn, o.log.WithField("module", "database")); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	return &DB{conn: conn, path: dbPath}, nil
}

// Close closes the database connection.
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func parseTimePtr(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	return &t
}

func nullStringPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// encodeJSON marshals v for a TEXT column.
func encodeJSON(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// decodeStrings decodes a JSON list column, tolerating NULL and empty values.
func decodeStrings(s sql.NullString) []string {
	if !s.Valid || s.String == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil
	}
	return out
}
