package poller

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/hazyhaar/sitepoll/dbopen"
)

func TestCleanupNowAndReadHistory(t *testing.T) {
	// WHAT: a one-shot cleanup on a fresh database writes one record that
	// ReadHistory then returns, with SQL tracing switched on.
	cfg, err := Parse([]byte(fmt.Sprintf(`
database:
  path: %s
  request_history_age: 2d
  trace_sql: true
`, filepath.Join(t.TempDir(), "sub", "poll.db"))))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	res, err := CleanupNow(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.Removed() != 0 {
		t.Errorf("removed = %d on an empty database", res.Removed())
	}

	h, err := ReadHistory(ctx, cfg, 0, 10, quietLogger())
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if h.SchemaVersion < 1 {
		t.Errorf("schema version = %d", h.SchemaVersion)
	}
	if len(h.Sources) != 0 || len(h.Outcomes) != 0 {
		t.Errorf("expected empty sources and outcomes, got %d/%d", len(h.Sources), len(h.Outcomes))
	}
	if len(h.Cleanups) != 1 || h.Cleanups[0].RetentionWindow != "2d" {
		t.Fatalf("cleanups = %+v", h.Cleanups)
	}
}

func TestCleanupNowKeepsSlowSources(t *testing.T) {
	// WHAT: A standalone cleanup removes an expired idle source polled more
	// often than the window but keeps one polled less often.
	// WHY: A running poller may still own the slow source.
	path := filepath.Join(t.TempDir(), "poll.db")
	cfg, err := Parse([]byte(fmt.Sprintf("database:\n  path: %s\n  request_history_age: 1d\n", path)))
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	if _, err := CleanupNow(ctx, cfg, quietLogger()); err != nil {
		t.Fatalf("first cleanup: %v", err)
	}

	db, err := dbopen.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, q := range []string{
		`INSERT INTO sources (kind, target, request_interval, interval_ticks, storage_target, config_time)
		VALUES ('raw', 'https://weekly.example', '7d', 6048000000000, 'raw_pages', 0)`,
		`INSERT INTO sources (kind, target, request_interval, interval_ticks, storage_target, config_time)
		VALUES ('raw', 'https://hourly.example', '1h', 36000000000, 'raw_pages', 0)`,
	} {
		if _, err := db.Exec(q); err != nil {
			t.Fatal(err)
		}
	}
	db.Close()

	res, err := CleanupNow(ctx, cfg, quietLogger())
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if res.SourcesRemoved != 1 {
		t.Errorf("sources removed = %d, want 1", res.SourcesRemoved)
	}
	h, err := ReadHistory(ctx, cfg, 0, 10, quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	if len(h.Sources) != 1 || h.Sources[0].Target != "https://weekly.example" {
		t.Errorf("sources = %+v", h.Sources)
	}
}
