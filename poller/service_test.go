package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(t *testing.T, target, addr string) *Config {
	t.Helper()
	doc := fmt.Sprintf(`
database:
  path: %s
  request_history_age: 30d
http:
  addr: %q
sources:
  - kind: raw
    url: %s
    request_interval: 1h
    table_name: target_raw
  - kind: nope
    url: %s
    request_interval: 1h
    table_name: ignored
`, filepath.Join(t.TempDir(), "poll.db"), addr, target, target)
	cfg, err := Parse([]byte(doc))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return cfg
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	if v != nil && resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestStartShutdown_EndToEnd(t *testing.T) {
	// WHAT: a started service polls its source at first sight, runs a first
	// cleanup and exposes both through the status API.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, "<html><body>hello</body></html>")
	}))
	defer target.Close()

	h, err := Start(context.Background(), testConfig(t, target.URL, "127.0.0.1:0"), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	base := "http://" + h.Addr()

	var outcomes []map[string]any
	waitFor(t, "first outcome", func() bool {
		outcomes = nil
		getJSON(t, base+"/outcomes", &outcomes)
		return len(outcomes) == 1
	})
	if outcomes[0]["status"].(float64) != 200 {
		t.Errorf("status = %v, want 200", outcomes[0]["status"])
	}

	var sources []map[string]any
	if code := getJSON(t, base+"/sources", &sources); code != http.StatusOK {
		t.Fatalf("/sources: %d", code)
	}
	if len(sources) != 1 || sources[0]["kind"] != "raw" || sources[0]["request_interval"] != "1h" {
		t.Fatalf("sources = %v", sources)
	}
	id := int64(sources[0]["id"].(float64))

	if code := getJSON(t, fmt.Sprintf("%s/sources/%d", base, id), nil); code != http.StatusOK {
		t.Errorf("/sources/{id}: %d", code)
	}
	if code := getJSON(t, base+"/sources/99", nil); code != http.StatusNotFound {
		t.Errorf("/sources/99: %d, want 404", code)
	}
	if code := getJSON(t, base+"/sources/abc", nil); code != http.StatusBadRequest {
		t.Errorf("/sources/abc: %d, want 400", code)
	}
	if code := getJSON(t, fmt.Sprintf("%s/sources/%d/outcomes?limit=0", base, id), nil); code != http.StatusBadRequest {
		t.Errorf("limit=0: %d, want 400", code)
	}

	var perSource []map[string]any
	getJSON(t, fmt.Sprintf("%s/sources/%d/outcomes?limit=5", base, id), &perSource)
	if len(perSource) != 1 {
		t.Errorf("per-source outcomes = %d, want 1", len(perSource))
	}

	var cleanups []map[string]any
	waitFor(t, "first cleanup", func() bool {
		cleanups = nil
		getJSON(t, base+"/cleanups", &cleanups)
		return len(cleanups) == 1
	})
	if cleanups[0]["retention_window"] != "30d" {
		t.Errorf("retention_window = %v, want 30d", cleanups[0]["retention_window"])
	}

	var stats map[string]any
	getJSON(t, base+"/stats", &stats)
	if stats["outcomes_stored"].(float64) != 1 {
		t.Errorf("outcomes_stored = %v", stats["outcomes_stored"])
	}
	if stats["state"] != "polling" {
		t.Errorf("state = %v", stats["state"])
	}

	var health map[string]string
	if code := getJSON(t, base+"/healthz", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("/healthz: %d %v", code, health)
	}

	if err := Shutdown(h); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case <-h.Done():
	default:
		t.Error("Done not closed after Shutdown")
	}
	if h.Stats().State != "shutting_down" {
		t.Errorf("state after shutdown = %q", h.Stats().State)
	}
}

func TestStart_NoValidSources(t *testing.T) {
	cfg, err := Parse([]byte(fmt.Sprintf(`
database:
  path: %s
sources:
  - kind: raw
    url: "not a url"
    request_interval: 1h
    table_name: t_raw
`, filepath.Join(t.TempDir(), "poll.db"))))
	if err != nil {
		t.Fatal(err)
	}
	_, err = Start(context.Background(), cfg, WithLogger(quietLogger()))
	if !errors.Is(err, ErrNoSources) {
		t.Fatalf("err = %v, want ErrNoSources", err)
	}
}

func TestStart_ParentCancelStopsTasks(t *testing.T) {
	// WHAT: cancelling the context given to Start stops every task.
	target := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {}))
	defer target.Close()

	ctx, cancel := context.WithCancel(context.Background())
	h, err := Start(ctx, testConfig(t, target.URL, ""), WithLogger(quietLogger()))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.Addr() != "" {
		t.Errorf("status api should be disabled, got %q", h.Addr())
	}
	cancel()

	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("tasks did not stop")
	}
	if err := Shutdown(h); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}
