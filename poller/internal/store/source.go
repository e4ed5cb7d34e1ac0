package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RegisterSource persists d and returns its id. A source already stored
// under the same (kind, target) keeps its id; its interval, storage target
// and config_time are refreshed. The id is protected from cleanup for the
// lifetime of this Store.
func (s *Store) RegisterSource(ctx context.Context, d SourceDescriptor) (int64, error) {
	release, err := s.acquire(ctx, "register source")
	if err != nil {
		return 0, err
	}
	defer release()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO sources (kind, target, request_interval, interval_ticks, storage_target, config_time)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(kind, target) DO UPDATE SET
			request_interval = excluded.request_interval,
			interval_ticks   = excluded.interval_ticks,
			storage_target   = excluded.storage_target,
			config_time      = excluded.config_time
		RETURNING id`,
		d.Kind, d.Target, d.RequestInterval, int64(d.Interval), d.StorageTarget, int64(s.cfg.Clock.Now()),
	).Scan(&id)
	if err != nil {
		return 0, wrap("register source", err)
	}
	s.live[id] = struct{}{}
	return id, nil
}

// ListSources returns every stored source ordered by id.
func (s *Store) ListSources(ctx context.Context) ([]*SourceRecord, error) {
	release, err := s.acquire(ctx, "list sources")
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, kind, target, request_interval, interval_ticks, storage_target, config_time
		FROM sources ORDER BY id`)
	if err != nil {
		return nil, wrap("list sources", err)
	}
	defer rows.Close()

	var out []*SourceRecord
	for rows.Next() {
		var r SourceRecord
		if err := rows.Scan(&r.ID, &r.Kind, &r.Target, &r.RequestInterval,
			&r.Interval, &r.StorageTarget, &r.ConfigTime); err != nil {
			return nil, wrap("list sources", fmt.Errorf("scan: %w", err))
		}
		out = append(out, &r)
	}
	return out, wrap("list sources", rows.Err())
}

// GetSource returns the source with id, or nil if there is none.
func (s *Store) GetSource(ctx context.Context, id int64) (*SourceRecord, error) {
	release, err := s.acquire(ctx, "get source")
	if err != nil {
		return nil, err
	}
	defer release()

	var r SourceRecord
	err = s.db.QueryRowContext(ctx,
		`SELECT id, kind, target, request_interval, interval_ticks, storage_target, config_time
		FROM sources WHERE id = ?`, id,
	).Scan(&r.ID, &r.Kind, &r.Target, &r.RequestInterval, &r.Interval, &r.StorageTarget, &r.ConfigTime)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get source", err)
	}
	return &r, nil
}
