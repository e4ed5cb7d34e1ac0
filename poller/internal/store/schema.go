package store

import (
	"context"
	"database/sql"
	"fmt"
)

// SchemaVersion is the newest schema this binary understands.
const SchemaVersion = len(migrations)

// migrations[i] upgrades user_version i to i+1.
var migrations = [...]string{
	// v1: base tables and human-readable views.
	`
CREATE TABLE IF NOT EXISTS sources (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    kind             TEXT NOT NULL,
    target           TEXT NOT NULL,
    request_interval TEXT NOT NULL,
    interval_ticks   INTEGER NOT NULL CHECK (interval_ticks > 0),
    storage_target   TEXT NOT NULL,
    config_time      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sources_config_time ON sources(config_time);

CREATE TABLE IF NOT EXISTS request_outcomes (
    id        INTEGER PRIMARY KEY AUTOINCREMENT,
    source_id INTEGER NOT NULL REFERENCES sources(id),
    fired_at  INTEGER NOT NULL,
    status    INTEGER NOT NULL DEFAULT 0,
    error     TEXT
);
CREATE INDEX IF NOT EXISTS idx_outcomes_fired_at ON request_outcomes(fired_at);
CREATE INDEX IF NOT EXISTS idx_outcomes_source ON request_outcomes(source_id, fired_at DESC);

CREATE TABLE IF NOT EXISTS cleanup_records (
    run_at           INTEGER NOT NULL,
    retention_window TEXT NOT NULL,
    removed_count    INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cleanup_run_at ON cleanup_records(run_at DESC);

CREATE VIEW IF NOT EXISTS source_view AS
SELECT id, kind, target, request_interval, storage_target,
       strftime('%Y-%m-%dT%H:%M:%fZ', config_time / 10000000.0, 'unixepoch') AS config_time
FROM sources;

CREATE VIEW IF NOT EXISTS request_view AS
SELECT o.id, o.source_id, s.kind, s.target,
       strftime('%Y-%m-%dT%H:%M:%fZ', o.fired_at / 10000000.0, 'unixepoch') AS fired_at,
       o.status, o.error
FROM request_outcomes o JOIN sources s ON s.id = o.source_id;

CREATE VIEW IF NOT EXISTS cleanup_view AS
SELECT strftime('%Y-%m-%dT%H:%M:%fZ', run_at / 10000000.0, 'unixepoch') AS run_at,
       retention_window, removed_count
FROM cleanup_records;
`,
	// v2: one row per (kind, target) so registration can upsert. Older
	// duplicates are folded into the newest row.
	`
UPDATE request_outcomes SET source_id = (
    SELECT MAX(s2.id) FROM sources s1
    JOIN sources s2 ON s2.kind = s1.kind AND s2.target = s1.target
    WHERE s1.id = request_outcomes.source_id
);
DELETE FROM sources WHERE id NOT IN (SELECT MAX(id) FROM sources GROUP BY kind, target);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sources_kind_target ON sources(kind, target);
`,
}

// migrate brings the database up to SchemaVersion. A database written by a
// newer binary is refused with ErrSchemaTooNew.
func migrate(ctx context.Context, db *sql.DB) (from int, err error) {
	if err := db.QueryRowContext(ctx, `PRAGMA user_version`).Scan(&from); err != nil {
		return 0, fmt.Errorf("read user_version: %w", err)
	}
	if from > SchemaVersion {
		return from, fmt.Errorf("%w: database is v%d, binary supports v%d", ErrSchemaTooNew, from, SchemaVersion)
	}
	for v := from; v < SchemaVersion; v++ {
		if err := applyMigration(ctx, db, v+1, migrations[v]); err != nil {
			return from, err
		}
	}
	return from, nil
}

func applyMigration(ctx context.Context, db *sql.DB, version int, ddl string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("migration v%d: begin: %w", version, err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("migration v%d: %w", version, err)
	}
	// PRAGMA does not accept bound parameters.
	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", version)); err != nil {
		return fmt.Errorf("migration v%d: set user_version: %w", version, err)
	}
	return tx.Commit()
}
