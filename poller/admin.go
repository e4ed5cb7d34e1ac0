package poller

import (
	"context"
	"log/slog"

	"github.com/hazyhaar/sitepoll/dbopen"
	"github.com/hazyhaar/sitepoll/poller/internal/store"
	"github.com/hazyhaar/sitepoll/tick"
	"github.com/hazyhaar/sitepoll/trace"
)

// Storage records exposed to callers outside the module tree.
type (
	SourceRecord  = store.SourceRecord
	Outcome       = store.Outcome
	CleanupRecord = store.CleanupRecord
	CleanupResult = store.CleanupResult
)

// History is a read-only view of a database.
type History struct {
	SchemaVersion int
	Sources       []*SourceRecord
	Outcomes      []*Outcome
	Cleanups      []*CleanupRecord
}

func openStore(ctx context.Context, cfg *Config, clock tick.Clock, logger *slog.Logger, shared bool) (*store.Store, error) {
	if clock == nil {
		clock = tick.SystemClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	opts := []dbopen.Option{dbopen.WithMkdirAll()}
	if cfg.Database.TraceSQL {
		trace.SetLogger(logger)
		opts = append(opts, dbopen.WithDriver(trace.DriverName))
	}
	return store.Open(ctx, cfg.Database.Path, store.Config{
		RetentionWindow: tick.FromDuration(cfg.Database.RequestHistoryAge.Duration()),
		WindowLabel:     cfg.Database.RequestHistoryAge.Label(),
		CheckInterval:   tick.FromDuration(cfg.Database.CleaningInterval.Duration()),
		HistoryCap:      cfg.Database.LastCleaningRecords,
		KeepSlowSources: shared,
		Clock:           clock,
		Logger:          logger,
	}, opts...)
}

// ReadHistory opens the configured database and returns its sources, the
// newest outcomes (of one source, or all when sourceID is 0) and the
// cleanup history.
func ReadHistory(ctx context.Context, cfg *Config, sourceID int64, limit int, logger *slog.Logger) (*History, error) {
	st, err := openStore(ctx, cfg, nil, logger, true)
	if err != nil {
		return nil, err
	}
	defer st.Close()

	h := &History{}
	if h.SchemaVersion, err = st.UserVersion(ctx); err != nil {
		return nil, err
	}
	if h.Sources, err = st.ListSources(ctx); err != nil {
		return nil, err
	}
	if h.Outcomes, err = st.RecentOutcomes(ctx, sourceID, limit); err != nil {
		return nil, err
	}
	if h.Cleanups, err = st.CleanupHistory(ctx, 0); err != nil {
		return nil, err
	}
	return h, nil
}

// CleanupNow runs one retention cleanup against the configured database,
// regardless of when the last one ran. A running poller may own sources this
// process cannot see, so sources whose interval is at least the retention
// window are never removed here.
func CleanupNow(ctx context.Context, cfg *Config, logger *slog.Logger) (CleanupResult, error) {
	st, err := openStore(ctx, cfg, nil, logger, true)
	if err != nil {
		return CleanupResult{}, err
	}
	defer st.Close()
	return st.RunCleanup(ctx, tick.Now())
}
