package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hazyhaar/sitepoll/dbopen"
	"github.com/hazyhaar/sitepoll/horosafe"
	"github.com/hazyhaar/sitepoll/tick"
)

// RecordOutcome stores one request attempt and returns its id.
// errMsg is stored as NULL when empty.
func (s *Store) RecordOutcome(ctx context.Context, sourceID int64, firedAt tick.Tick, status int, errMsg string) (int64, error) {
	release, err := s.acquire(ctx, "record outcome")
	if err != nil {
		return 0, err
	}
	defer release()

	var msg sql.NullString
	if errMsg != "" {
		msg = sql.NullString{String: errMsg, Valid: true}
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO request_outcomes (source_id, fired_at, status, error) VALUES (?, ?, ?, ?)`,
		sourceID, int64(firedAt), status, msg)
	if err != nil {
		return 0, wrap("record outcome", err)
	}
	id, err := res.LastInsertId()
	return id, wrap("record outcome", err)
}

// InsertRecords writes rows into table in one transaction and returns the
// number of rows written. Table and column names are validated as
// identifiers before being placed in the statement.
func (s *Store) InsertRecords(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	if err := horosafe.ValidateTableName(table); err != nil {
		return 0, wrap("insert records", err)
	}
	if len(columns) == 0 {
		return 0, wrap("insert records", fmt.Errorf("no columns"))
	}
	for _, c := range columns {
		if err := horosafe.ValidateColumnName(c); err != nil {
			return 0, wrap("insert records", err)
		}
	}
	if len(rows) == 0 {
		return 0, nil
	}

	release, err := s.acquire(ctx, "insert records")
	if err != nil {
		return 0, err
	}
	defer release()

	query := fmt.Sprintf(`INSERT INTO "%s" (%s) VALUES (%s)`,
		table, strings.Join(columns, ", "),
		strings.TrimSuffix(strings.Repeat("?, ", len(columns)), ", "))

	err = dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return fmt.Errorf("prepare: %w", err)
		}
		defer stmt.Close()
		for i, row := range rows {
			if len(row) != len(columns) {
				return fmt.Errorf("row %d has %d values, want %d", i, len(row), len(columns))
			}
			if _, err := stmt.ExecContext(ctx, row...); err != nil {
				return fmt.Errorf("row %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, wrap("insert records", err)
	}
	return len(rows), nil
}

// RecentOutcomes returns the newest outcomes of a source, newest first.
// sourceID 0 means all sources.
func (s *Store) RecentOutcomes(ctx context.Context, sourceID int64, limit int) ([]*Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	release, err := s.acquire(ctx, "recent outcomes")
	if err != nil {
		return nil, err
	}
	defer release()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, source_id, fired_at, status, COALESCE(error, '')
		FROM request_outcomes
		WHERE ? = 0 OR source_id = ?
		ORDER BY fired_at DESC, id DESC LIMIT ?`, sourceID, sourceID, limit)
	if err != nil {
		return nil, wrap("recent outcomes", err)
	}
	defer rows.Close()

	var out []*Outcome
	for rows.Next() {
		var o Outcome
		if err := rows.Scan(&o.ID, &o.SourceID, &o.FiredAt, &o.Status, &o.Error); err != nil {
			return nil, wrap("recent outcomes", fmt.Errorf("scan: %w", err))
		}
		out = append(out, &o)
	}
	return out, wrap("recent outcomes", rows.Err())
}

// CountOutcomes returns the number of stored outcomes.
func (s *Store) CountOutcomes(ctx context.Context) (int64, error) {
	release, err := s.acquire(ctx, "count outcomes")
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	err = s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM request_outcomes`).Scan(&n)
	return n, wrap("count outcomes", err)
}

// CountRows returns the number of rows in a parser destination table.
func (s *Store) CountRows(ctx context.Context, table string) (int64, error) {
	if err := horosafe.ValidateTableName(table); err != nil {
		return 0, wrap("count rows", err)
	}
	release, err := s.acquire(ctx, "count rows")
	if err != nil {
		return 0, err
	}
	defer release()
	var n int64
	err = s.db.QueryRowContext(ctx, fmt.Sprintf(`SELECT COUNT(*) FROM "%s"`, table)).Scan(&n)
	return n, wrap("count rows", err)
}
