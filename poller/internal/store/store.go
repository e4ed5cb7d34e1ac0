// Package store is the storage engine: one SQLite connection behind one
// exclusive gate, schema migrations, source registration, request history
// and the retention cleanup loop.
//
// Every exported operation holds the gate for its whole duration, so writes
// from the poll loop, the cleanup loop and parsers never interleave.
package store

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/hazyhaar/sitepoll/dbopen"
	"github.com/hazyhaar/sitepoll/tick"

	_ "modernc.org/sqlite"
)

// ErrSchemaTooNew is returned by Open when the database was written by a
// newer binary. It is fatal.
var ErrSchemaTooNew = errors.New("store: schema version newer than supported")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("store: closed")

// StorageError wraps a failed storage operation.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "store: " + e.Op + ": " + e.Err.Error() }

func (e *StorageError) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

// Config holds the retention settings.
type Config struct {
	// RetentionWindow is how far back outcomes are kept.
	RetentionWindow tick.Tick
	// WindowLabel is the window as configured (e.g. "720h"), stored verbatim
	// in each cleanup record.
	WindowLabel string
	// CheckInterval is the cleanup cadence.
	CheckInterval tick.Tick
	// HistoryCap is how many cleanup records are kept.
	HistoryCap int
	// KeepSlowSources stops cleanup from removing sources whose interval is
	// at least the retention window. Set it when another process may still
	// be polling them.
	KeepSlowSources bool
	// Clock stamps config_time. Defaults to the wall clock.
	Clock  tick.Clock
	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.RetentionWindow <= 0 {
		c.RetentionWindow = 30 * 24 * 3600 * tick.PerSecond
	}
	if c.WindowLabel == "" {
		c.WindowLabel = c.RetentionWindow.Duration().String()
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = 3600 * tick.PerSecond
	}
	if c.HistoryCap <= 0 {
		c.HistoryCap = 100
	}
	if c.Clock == nil {
		c.Clock = tick.SystemClock{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store owns the database connection.
type Store struct {
	db     *sql.DB
	gate   *semaphore.Weighted
	cfg    Config
	logger *slog.Logger

	// live holds source ids registered by this process. Cleanup never
	// removes them. Only touched with the gate held.
	live map[int64]struct{}

	closeOnce sync.Once
	closed    bool
}

// Open opens (creating if needed) the database at path, pins it to a single
// connection and migrates the schema.
func Open(ctx context.Context, path string, cfg Config, opts ...dbopen.Option) (*Store, error) {
	cfg.defaults()
	opts = append([]dbopen.Option{dbopen.WithPoolSize(1)}, opts...)
	db, err := dbopen.Open(path, opts...)
	if err != nil {
		return nil, wrap("open", err)
	}
	from, err := migrate(ctx, db)
	if err != nil {
		db.Close()
		return nil, wrap("migrate", err)
	}
	if from != SchemaVersion {
		cfg.Logger.Info("store: schema migrated", "path", path, "from", from, "to", SchemaVersion)
	}
	return &Store{
		db:     db,
		gate:   semaphore.NewWeighted(1),
		cfg:    cfg,
		logger: cfg.Logger,
		live:   make(map[int64]struct{}),
	}, nil
}

// Config returns the effective retention settings.
func (s *Store) Config() Config { return s.cfg }

// acquire takes the gate. The returned release must be called exactly once.
func (s *Store) acquire(ctx context.Context, op string) (func(), error) {
	if err := s.gate.Acquire(ctx, 1); err != nil {
		return nil, wrap(op, err)
	}
	if s.closed {
		s.gate.Release(1)
		return nil, wrap(op, ErrClosed)
	}
	return func() { s.gate.Release(1) }, nil
}

// Close waits for any in-flight operation, then closes the connection.
func (s *Store) Close() error {
	var err error
	s.closeOnce.Do(func() {
		// Background: close must not be abandoned half-way.
		if aerr := s.gate.Acquire(context.Background(), 1); aerr != nil {
			err = aerr
			return
		}
		defer s.gate.Release(1)
		s.closed = true
		err = s.db.Close()
	})
	return wrap("close", err)
}

// Exec runs one statement under the gate. Parsers use it to create their
// destination tables.
func (s *Store) Exec(ctx context.Context, query string, args ...any) error {
	release, err := s.acquire(ctx, "exec")
	if err != nil {
		return err
	}
	defer release()
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return wrap("exec", err)
	}
	return nil
}

// UserVersion returns the database's schema version.
func (s *Store) UserVersion(ctx context.Context) (int, error) {
	release, err := s.acquire(ctx, "user version")
	if err != nil {
		return 0, err
	}
	defer release()
	var v int
	if err := s.db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&v); err != nil {
		return 0, wrap("user version", err)
	}
	return v, nil
}
