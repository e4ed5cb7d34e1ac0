// Package dbopen opens SQLite databases with the pragmas sitepoll relies on.
//
// Pragmas travel in the DSN as _pragma parameters, so modernc.org/sqlite
// applies them to every connection it opens, including ones the pool
// recycles.
//
//	foreign_keys = ON
//	journal_mode = WAL
//	busy_timeout = 10000
//	synchronous  = NORMAL
//
// Write transactions take the lock at BEGIN (_txlock=immediate). Open pins
// the pool to one connection unless WithPoolSize says otherwise.
//
//	db, err := dbopen.Open("requests_and_data.db", dbopen.WithMkdirAll())
//
// In tests:
//
//	db := dbopen.OpenMemory(t)
package dbopen

import (
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type config struct {
	driver      string
	busyTimeout int
	synchronous string
	foreignKeys bool
	mkdirAll    bool
	poolSize    int
	ping        bool
}

// Option customises Open.
type Option func(*config)

// WithDriver sets the database/sql driver name. Default: "sqlite".
func WithDriver(name string) Option { return func(c *config) { c.driver = name } }

// WithBusyTimeout sets busy_timeout in milliseconds. Default: 10000.
func WithBusyTimeout(ms int) Option { return func(c *config) { c.busyTimeout = ms } }

// WithSynchronous sets synchronous. Default: "NORMAL".
func WithSynchronous(mode string) Option { return func(c *config) { c.synchronous = mode } }

// WithMkdirAll creates the parent directories of path.
func WithMkdirAll() Option { return func(c *config) { c.mkdirAll = true } }

// WithPoolSize allows n open connections. Default: 1.
func WithPoolSize(n int) Option { return func(c *config) { c.poolSize = n } }

// WithoutPing skips the connection check, deferring open errors to the
// first query.
func WithoutPing() Option { return func(c *config) { c.ping = false } }

// WithoutForeignKeys leaves foreign key enforcement off.
func WithoutForeignKeys() Option { return func(c *config) { c.foreignKeys = false } }

// DSN returns the data source name Open would use for path.
func DSN(path string, opts ...Option) string {
	cfg := newConfig(opts)
	return cfg.dsn(path)
}

// Open opens the SQLite database at path.
func Open(path string, opts ...Option) (*sql.DB, error) {
	cfg := newConfig(opts)

	if cfg.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir: %w", err)
		}
	}

	db, err := sql.Open(cfg.driver, cfg.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open: %w", err)
	}
	if cfg.poolSize > 0 {
		db.SetMaxOpenConns(cfg.poolSize)
		db.SetMaxIdleConns(cfg.poolSize)
	}
	// A single in-memory connection is the whole database; never recycle it.
	db.SetConnMaxIdleTime(0)
	db.SetConnMaxLifetime(0)

	if cfg.ping {
		if err := db.Ping(); err != nil {
			db.Close()
			return nil, fmt.Errorf("dbopen: %s: %w", path, err)
		}
	}
	return db, nil
}

// OpenMemory opens an in-memory database and closes it with the test.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func newConfig(opts []Option) config {
	cfg := config{
		driver:      "sqlite",
		busyTimeout: 10_000,
		synchronous: "NORMAL",
		foreignKeys: true,
		poolSize:    1,
		ping:        true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

func (c config) dsn(path string) string {
	fk := "0"
	if c.foreignKeys {
		fk = "1"
	}
	q := url.Values{}
	q.Add("_pragma", "foreign_keys("+fk+")")
	q.Add("_pragma", "busy_timeout("+strconv.Itoa(c.busyTimeout)+")")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "synchronous("+c.synchronous+")")
	q.Set("_txlock", "immediate")
	return path + "?" + q.Encode()
}
