// Package store owns all persisted state: the channel/stream catalog with
// health columns, EPG programs and mappings, the TTL key-value cache, and
// per-device favorites and watch history. Everything lives in one SQLite
// database; all timestamps are stored as RFC3339 UTC text.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"

	"github.com/tvgate/tvgate/internal/log"
)

const timeLayout = time.RFC3339

// Store is the single owner of the SQLite database. Writes are serialised
// per call; batch operations run in one transaction.
type Store struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Open opens (creating if needed) the database at path and applies schema
// migrations. Migrations are additive and idempotent: existing data is never
// dropped, pre-existing columns and indexes are no-ops.
func Open(path string) (*Store, error) {
	if dir := filepath.Dir(filepath.Clean(path)); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create data dir: %w", err)
		}
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(0)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	// modernc.org/sqlite serialises writes; a single connection avoids
	// SQLITE_BUSY between concurrent writers.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, logger: log.WithComponent("store")}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	s.logger.Debug().Str("path", path).Msg("schema ready")
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate(ctx context.Context) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS cache (
			key        TEXT PRIMARY KEY,
			value      TEXT NOT NULL,
			expires_at TEXT NOT NULL,
			created_at TEXT DEFAULT (strftime('%Y-%m-%dT%H:%M:%SZ','now'))
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id          TEXT PRIMARY KEY,
			name        TEXT NOT NULL,
			alt_names   TEXT,
			network     TEXT,
			owners      TEXT,
			country     TEXT NOT NULL,
			categories  TEXT,
			is_nsfw     INTEGER DEFAULT 0,
			launched    TEXT,
			closed      TEXT,
			replaced_by TEXT,
			website     TEXT,
			raw         TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS channel_categories (
			channel_id TEXT NOT NULL,
			category   TEXT NOT NULL,
			PRIMARY KEY (channel_id, category)
		)`,
		`CREATE TABLE IF NOT EXISTS streams (
			id         TEXT PRIMARY KEY,
			channel_id TEXT,
			feed_id    TEXT,
			title      TEXT NOT NULL DEFAULT '',
			url        TEXT NOT NULL,
			referrer   TEXT,
			user_agent TEXT,
			quality    TEXT,
			raw        TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id            TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			description   TEXT,
			channel_count INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS countries (
			code          TEXT PRIMARY KEY,
			name          TEXT NOT NULL,
			languages     TEXT,
			flag          TEXT,
			channel_count INTEGER DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS logos (
			id         TEXT PRIMARY KEY,
			channel_id TEXT NOT NULL,
			feed_id    TEXT,
			url        TEXT NOT NULL,
			width      INTEGER,
			height     INTEGER,
			format     TEXT,
			tags       TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS programs (
			id          TEXT PRIMARY KEY,
			channel_id  TEXT NOT NULL,
			title       TEXT NOT NULL,
			sub_title   TEXT,
			description TEXT,
			start_time  TEXT NOT NULL,
			stop_time   TEXT NOT NULL,
			category    TEXT,
			icon        TEXT,
			rating      TEXT
		)`,
		`CREATE TABLE IF NOT EXISTS favorites (
			device_id  TEXT NOT NULL,
			channel_id TEXT NOT NULL,
			created_at TEXT NOT NULL,
			PRIMARY KEY (device_id, channel_id)
		)`,
		`CREATE TABLE IF NOT EXISTS watch_history (
			device_id        TEXT NOT NULL,
			channel_id       TEXT NOT NULL,
			stream_id        TEXT,
			watched_at       TEXT NOT NULL,
			duration_seconds INTEGER DEFAULT 0
		)`,
	}
	for _, stmt := range tables {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}

	// Column migrations run before index creation so the columns exist.
	columns := []struct{ table, column, decl string }{
		{"streams", "health_status", "TEXT DEFAULT 'unknown'"},
		{"streams", "health_checked_at", "TEXT"},
		{"streams", "health_response_ms", "INTEGER"},
		{"streams", "health_error", "TEXT"},
		{"streams", "next_check_due", "TEXT"},
		{"streams", "country", "TEXT"},
		{"streams", "provider", "TEXT"},
		{"streams", "source_file", "TEXT"},
		{"channels", "has_streams", "INTEGER DEFAULT 0"},
		{"channels", "stream_count", "INTEGER DEFAULT 0"},
	}
	for _, c := range columns {
		if err := s.addColumn(ctx, c.table, c.column, c.decl); err != nil {
			return err
		}
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_channels_country ON channels(country)`,
		`CREATE INDEX IF NOT EXISTS idx_channels_has_streams ON channels(has_streams)`,
		`CREATE INDEX IF NOT EXISTS idx_channel_categories_cat ON channel_categories(category)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_channel ON streams(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_health ON streams(health_status)`,
		`CREATE INDEX IF NOT EXISTS idx_streams_next_check ON streams(next_check_due)`,
		`CREATE INDEX IF NOT EXISTS idx_logos_channel ON logos(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_programs_channel ON programs(channel_id)`,
		`CREATE INDEX IF NOT EXISTS idx_programs_time ON programs(start_time, stop_time)`,
		`CREATE INDEX IF NOT EXISTS idx_history_device ON watch_history(device_id, watched_at)`,
	}
	for _, stmt := range indexes {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("store: migrate index: %w", err)
		}
	}
	return nil
}

// addColumn adds a column if missing; "duplicate column name" is a no-op so
// initialisation stays idempotent across versions.
func (s *Store) addColumn(ctx context.Context, table, column, decl string) error {
	stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", table, column, decl)
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		if strings.Contains(err.Error(), "duplicate column name") {
			return nil
		}
		return fmt.Errorf("store: add column %s.%s: %w", table, column, err)
	}
	return nil
}

// inTx runs fn in a transaction; batches are atomic.
func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nowUTC() time.Time { return time.Now().UTC() }

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// nullStr maps "" to NULL for optional text columns.
func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}
