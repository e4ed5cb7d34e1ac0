// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog: Debug normally,
// Warn past the slow threshold, Error on failure.
//
//	db, _ := dbopen.Open(path, dbopen.WithDriver(trace.DriverName))
package trace

import (
	"database/sql"
	"log/slog"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"
)

// DriverName is the name the tracing driver is registered under.
const DriverName = "sqlite-trace"

// DefaultSlowThreshold is the duration above which a statement logs at Warn.
const DefaultSlowThreshold = 100 * time.Millisecond

var (
	logger        atomic.Pointer[slog.Logger]
	slowThreshold atomic.Int64
)

// SetLogger sets the logger used for statements. nil restores slog.Default().
func SetLogger(l *slog.Logger) { logger.Store(l) }

// SetSlowThreshold changes the Warn threshold. d <= 0 restores the default.
func SetSlowThreshold(d time.Duration) {
	if d <= 0 {
		d = DefaultSlowThreshold
	}
	slowThreshold.Store(int64(d))
}

func currentLogger() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

func init() {
	slowThreshold.Store(int64(DefaultSlowThreshold))
	sql.Register(DriverName, &TracingDriver{Driver: &sqlite.Driver{}})
}
