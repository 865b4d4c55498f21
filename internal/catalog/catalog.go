// Package catalog is the durable metadata store for GhostBay: buckets,
// objects, multipart uploads, multipart parts, and access keys, backed
// by a single-file SQLite database.
package catalog

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

// ErrConflict is returned when a natural-key uniqueness constraint is
// violated (bucket name, access-key id, upload id). Callers detect it
// with errors.Is.
var ErrConflict = errors.New("conflict")

// Store wraps the SQLite connection pool. All repository methods hang
// off it; the pool is safe for concurrent use.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. Safe to call on every startup; WAL recovery and
// CREATE IF NOT EXISTS make it idempotent.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening catalog database: %w", err)
	}

	s := &Store{db: db}
	if err := s.initDB(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing catalog database: %w", err)
	}
	return s, nil
}

// initDB applies PRAGMAs and creates the required tables and indexes.
func (s *Store) initDB() error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("executing %q: %w", p, err)
		}
	}

	schema := `
		CREATE TABLE IF NOT EXISTS buckets (
			id                  TEXT PRIMARY KEY,
			name                TEXT NOT NULL UNIQUE,
			created_at          TEXT NOT NULL,
			updated_at          TEXT NOT NULL,
			versioning_enabled  INTEGER NOT NULL DEFAULT 0,
			region              TEXT NOT NULL DEFAULT 'us-east-1'
		);

		CREATE TABLE IF NOT EXISTS objects (
			id            TEXT PRIMARY KEY,
			bucket_id     TEXT NOT NULL,
			key           TEXT NOT NULL,
			version_id    TEXT,
			etag          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			content_type  TEXT NOT NULL DEFAULT 'binary/octet-stream',
			created_at    TEXT NOT NULL,
			updated_at    TEXT NOT NULL,
			storage_path  TEXT NOT NULL,
			metadata      TEXT,

			UNIQUE (bucket_id, key),
			FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_objects_bucket_key ON objects(bucket_id, key);

		CREATE TABLE IF NOT EXISTS multipart_uploads (
			id          TEXT PRIMARY KEY,
			bucket_id   TEXT NOT NULL,
			object_key  TEXT NOT NULL,
			upload_id   TEXT NOT NULL UNIQUE,
			created_at  TEXT NOT NULL,
			expires_at  TEXT,

			FOREIGN KEY (bucket_id) REFERENCES buckets(id) ON DELETE CASCADE
		);

		CREATE INDEX IF NOT EXISTS idx_uploads_bucket ON multipart_uploads(bucket_id);

		CREATE TABLE IF NOT EXISTS multipart_parts (
			id            TEXT PRIMARY KEY,
			upload_id     TEXT NOT NULL,
			part_number   INTEGER NOT NULL,
			etag          TEXT NOT NULL,
			size          INTEGER NOT NULL,
			created_at    TEXT NOT NULL,
			storage_path  TEXT NOT NULL,

			UNIQUE (upload_id, part_number),
			FOREIGN KEY (upload_id) REFERENCES multipart_uploads(upload_id) ON DELETE CASCADE
		);

		CREATE TABLE IF NOT EXISTS access_keys (
			id                 TEXT PRIMARY KEY,
			access_key_id      TEXT NOT NULL UNIQUE,
			secret_access_key  TEXT NOT NULL,
			created_at         TEXT NOT NULL,
			expires_at         TEXT,
			is_active          INTEGER NOT NULL DEFAULT 1,
			policies           TEXT NOT NULL DEFAULT '[]',
			description        TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_access_keys_active ON access_keys(is_active);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("creating schema: %w", err)
	}
	return nil
}

// Close closes the underlying SQLite database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// ---- Helper functions ----

// timeLayout is RFC 3339 with fixed nine-digit fractional seconds.
// Timestamp columns are compared as strings in SQL (expires_at < ?),
// which requires every value to have the same width.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// formatTime renders a timestamp as an RFC 3339 UTC string, the form
// every timestamp column uses.
func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// parseTime parses an RFC 3339 timestamp column, returning the zero
// time for malformed values rather than failing the whole row.
func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339, s)
	return t.UTC()
}

// isUniqueViolation reports whether err is a SQLite uniqueness failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "PRIMARY KEY")
}

// nullString converts a Go string to sql.NullString. Empty strings become NULL.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// nullTime converts a time pointer to a nullable RFC 3339 column value.
func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

// escapeLikePattern escapes special LIKE characters (%, _) in a pattern
// using backslash as the escape character. The caller must append
// ESCAPE '\' to the LIKE clause.
func escapeLikePattern(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}
