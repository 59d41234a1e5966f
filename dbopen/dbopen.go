// Package dbopen opens the SQLite databases used by trendscrape (work queue
// and dataset) with the same pragmas on every pooled connection.
//
// File databases carry their pragmas in the DSN (modernc "_pragma" query
// parameters) so that each new connection of the database/sql pool gets
// them. In-memory databases are pinned to a single connection and the
// pragmas are executed once.
//
//	import _ "modernc.org/sqlite"
//	db, err := dbopen.Open("trends.db", dbopen.WithMkdirAll())
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"testing"
)

const driverName = "sqlite"

type config struct {
	busyTimeout int
	synchronous string
	journalMode string
	mkdirAll    bool
}

func defaults() config {
	return config{
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		journalMode: "WAL",
	}
}

// Option customises Open behaviour.
type Option func(*config)

// WithBusyTimeout sets PRAGMA busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets PRAGMA synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates parent directories of the database path before opening.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

func (c *config) pragmas() []string {
	return []string{
		fmt.Sprintf("busy_timeout(%d)", c.busyTimeout),
		fmt.Sprintf("journal_mode(%s)", c.journalMode),
		fmt.Sprintf("synchronous(%s)", c.synchronous),
		"foreign_keys(ON)",
	}
}

// DSN builds the modernc DSN for path with the configured pragmas.
func DSN(path string, opts ...Option) string {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}
	return dsn(path, &cfg)
}

func dsn(path string, cfg *config) string {
	q := url.Values{}
	for _, p := range cfg.pragmas() {
		q.Add("_pragma", p)
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens the SQLite database at path. The caller must blank-import
// modernc.org/sqlite.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := defaults()
	for _, o := range opts {
		o(&cfg)
	}

	if path == ":memory:" {
		return openMemory(&cfg)
	}

	if cfg.mkdirAll {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(driverName, dsn(path, &cfg))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	return db, nil
}

func openMemory(cfg *config) (*sql.DB, error) {
	db, err := sql.Open(driverName, ":memory:")
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	// Every connection to ":memory:" is a distinct database.
	db.SetMaxOpenConns(1)

	for _, p := range cfg.pragmas() {
		stmt := "PRAGMA " + pragmaAssign(p)
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", stmt, err)
		}
	}
	return db, nil
}

// pragmaAssign turns "name(value)" into "name = value".
func pragmaAssign(p string) string {
	for i := 0; i < len(p); i++ {
		if p[i] == '(' && p[len(p)-1] == ')' {
			return p[:i] + " = " + p[i+1:len(p)-1]
		}
	}
	return p
}

// OpenMemory opens an in-memory database for tests and closes it on cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(":memory:", opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
