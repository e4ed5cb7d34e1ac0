package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hazyhaar/sitepoll/dbopen"
	"github.com/hazyhaar/sitepoll/tick"
)

// RunCleanup prunes history older than the retention window, as of now.
// In one transaction it deletes expired outcomes (parser rows cascade),
// deletes sources that are expired, unreferenced and not registered by this
// process, records the run and trims the cleanup history to its cap. With
// KeepSlowSources, sources polled less often than the window are kept too.
func (s *Store) RunCleanup(ctx context.Context, now tick.Tick) (CleanupResult, error) {
	res := CleanupResult{RunAt: now}
	release, err := s.acquire(ctx, "cleanup")
	if err != nil {
		return res, err
	}
	defer release()

	live := make([]int64, 0, len(s.live))
	for id := range s.live {
		live = append(live, id)
	}
	liveJSON, err := json.Marshal(live)
	if err != nil {
		return res, wrap("cleanup", err)
	}
	cutoff := int64(now - s.cfg.RetentionWindow)
	keepFrom := int64(s.cfg.RetentionWindow)
	if !s.cfg.KeepSlowSources {
		keepFrom = math.MaxInt64
	}

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		r, err := tx.ExecContext(ctx, `DELETE FROM request_outcomes WHERE fired_at < ?`, cutoff)
		if err != nil {
			return fmt.Errorf("delete outcomes: %w", err)
		}
		res.OutcomesRemoved, _ = r.RowsAffected()

		r, err = tx.ExecContext(ctx,
			`DELETE FROM sources
			WHERE config_time < ?
			  AND NOT EXISTS (SELECT 1 FROM request_outcomes o WHERE o.source_id = sources.id)
			  AND id NOT IN (SELECT value FROM json_each(?))
			  AND interval_ticks < ?`,
			cutoff, string(liveJSON), keepFrom)
		if err != nil {
			return fmt.Errorf("delete sources: %w", err)
		}
		res.SourcesRemoved, _ = r.RowsAffected()

		if _, err := tx.ExecContext(ctx,
			`INSERT INTO cleanup_records (run_at, retention_window, removed_count) VALUES (?, ?, ?)`,
			int64(now), s.cfg.WindowLabel, res.Removed()); err != nil {
			return fmt.Errorf("insert record: %w", err)
		}

		r, err = tx.ExecContext(ctx,
			`DELETE FROM cleanup_records WHERE rowid NOT IN (
				SELECT rowid FROM cleanup_records ORDER BY run_at DESC, rowid DESC LIMIT ?)`,
			s.cfg.HistoryCap)
		if err != nil {
			return fmt.Errorf("trim records: %w", err)
		}
		res.RecordsTrimmed, _ = r.RowsAffected()
		return nil
	})
	if err != nil {
		return res, wrap("cleanup", err)
	}
	return res, nil
}

// LastCleanup returns the run_at of the newest cleanup record. ok is false
// when no cleanup has ever run.
func (s *Store) LastCleanup(ctx context.Context) (last tick.Tick, ok bool, err error) {
	release, err := s.acquire(ctx, "last cleanup")
	if err != nil {
		return 0, false, err
	}
	defer release()

	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(run_at) FROM cleanup_records`).Scan(&v); err != nil {
		return 0, false, wrap("last cleanup", err)
	}
	return tick.Tick(v.Int64), v.Valid, nil
}

// CleanupHistory returns the newest cleanup records, newest first.
func (s *Store) CleanupHistory(ctx context.Context, limit int) ([]*CleanupRecord, error) {
	if limit <= 0 {
		limit = s.cfg.HistoryCap
	}
	release, err := s.acquire(ctx, "cleanup history")
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx,
		`SELECT run_at, retention_window, removed_count FROM cleanup_records
		ORDER BY run_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, wrap("cleanup history", err)
	}
	defer rows.Close()

	var out []*CleanupRecord
	for rows.Next() {
		var r CleanupRecord
		if err := rows.Scan(&r.RunAt, &r.RetentionWindow, &r.RemovedCount); err != nil {
			return nil, wrap("cleanup history", fmt.Errorf("scan: %w", err))
		}
		out = append(out, &r)
	}
	return out, wrap("cleanup history", rows.Err())
}

// CleanupDueIn returns how long until the next cleanup is due as of now.
// It is zero when no cleanup has ever run or the last one is older than
// the check interval.
func (s *Store) CleanupDueIn(ctx context.Context, now tick.Tick) (tick.Tick, error) {
	last, ok, err := s.LastCleanup(ctx)
	if err != nil || !ok {
		return 0, err
	}
	return max(0, s.cfg.CheckInterval-(now-last)), nil
}

// RunCleanupLoop runs cleanups on the configured cadence until ctx is
// cancelled. Failures are logged and retried one check interval later.
func (s *Store) RunCleanupLoop(ctx context.Context, clock tick.Clock) error {
	log := s.logger.With("component", "cleanup")
	log.Info("cleanup loop started",
		"check_interval", s.cfg.CheckInterval.Duration(), "retention_window", s.cfg.WindowLabel)

	for ctx.Err() == nil {
		due, err := s.CleanupDueIn(ctx, clock.Now())
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			log.Error("cleanup: read last run", "error", err)
			due = s.cfg.CheckInterval
		}

		if due <= 0 {
			res, err := s.RunCleanup(ctx, clock.Now())
			if err == nil {
				log.Info("cleanup done",
					"outcomes_removed", res.OutcomesRemoved,
					"sources_removed", res.SourcesRemoved,
					"records_trimmed", res.RecordsTrimmed)
				continue
			}
			if ctx.Err() != nil {
				break
			}
			log.Error("cleanup failed", "error", err)
			due = s.cfg.CheckInterval
		}

		if !sleep(ctx, (due + tick.Epsilon).Duration()) {
			break
		}
	}
	log.Info("cleanup loop stopped")
	return nil
}

// sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
