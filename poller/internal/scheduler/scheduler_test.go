package scheduler

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hazyhaar/sitepoll/poller/internal/fetch"
	"github.com/hazyhaar/sitepoll/poller/internal/parser"
	"github.com/hazyhaar/sitepoll/poller/internal/registry"
	"github.com/hazyhaar/sitepoll/poller/internal/store"
	"github.com/hazyhaar/sitepoll/tick"
)

const hour = 3600 * tick.PerSecond

// stubFetcher answers per URL and counts calls.
type stubFetcher struct {
	mu    sync.Mutex
	resp  map[string]*fetch.Response
	fail  map[string]bool
	calls map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		resp:  make(map[string]*fetch.Response),
		fail:  make(map[string]bool),
		calls: make(map[string]int),
	}
}

func (f *stubFetcher) Fetch(ctx context.Context, url string) (*fetch.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[url]++
	if f.fail[url] {
		return nil, &fetch.TransportError{URL: url, Err: errors.New("dial tcp: connection refused")}
	}
	if r, ok := f.resp[url]; ok {
		return r, nil
	}
	return &fetch.Response{Status: 200, Body: []byte("ok"), Duration: time.Millisecond}, nil
}

func (f *stubFetcher) count(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type panicParser struct{ parser.Raw }

func (panicParser) Parse([]byte, int64, string) (*parser.Batch, error) { panic("boom") }

// failingStorage fails RecordOutcome for one source id and InsertRecords
// for one table.
type failingStorage struct {
	*store.Store
	outcomeFor int64
	table      string
}

var errDisk = errors.New("disk I/O error")

func (f *failingStorage) RecordOutcome(ctx context.Context, sourceID int64, firedAt tick.Tick, status int, errMsg string) (int64, error) {
	if sourceID == f.outcomeFor {
		return 0, errDisk
	}
	return f.Store.RecordOutcome(ctx, sourceID, firedAt, status, errMsg)
}

func (f *failingStorage) InsertRecords(ctx context.Context, table string, columns []string, rows [][]any) (int, error) {
	if table == f.table {
		return 0, errDisk
	}
	return f.Store.InsertRecords(ctx, table, columns, rows)
}

type fixture struct {
	st      *store.Store
	reg     *registry.Registry
	fetcher *stubFetcher
	sched   *Scheduler
}

func newFixture(t *testing.T, sources ...*registry.Source) *fixture {
	t.Helper()
	st, err := store.Open(context.Background(), ":memory:", store.Config{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	parsers := parser.Builtins()
	parsers.Register("explode", panicParser{})

	reg := registry.New(sources...)
	f := newStubFetcher()
	sched := New(reg, parsers, f, st, Config{})
	if err := sched.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	return &fixture{st: st, reg: reg, fetcher: f, sched: sched}
}

func rawSource(url string, interval tick.Tick) *registry.Source {
	return &registry.Source{
		Kind:          parser.KindRaw,
		Target:        url,
		Interval:      interval,
		IntervalText:  interval.Duration().String(),
		StorageTarget: "raw_pages",
	}
}

func countRows(t *testing.T, st *store.Store, table string) int64 {
	t.Helper()
	n, err := st.CountRows(context.Background(), table)
	if err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

func TestFirstSightScenario(t *testing.T) {
	// WHAT: A 1h source seen for the first time fires, records status 200,
	// persists a batch, and reports align_down(T+1h)+epsilon as next due.
	// WHY: This is the canonical end-to-end pass.
	src := rawSource("https://a.example/ok", hour)
	fx := newFixture(t, src)
	ctx := context.Background()

	T := 100*hour + 1234
	wait, ok := fx.sched.Evaluate(ctx, T)
	if !ok {
		t.Fatal("Evaluate reported no sources")
	}
	if want := tick.AlignDown(T+hour, hour) + tick.Epsilon - T; wait != want {
		t.Errorf("wait = %d, want %d", wait, want)
	}
	if !src.HasFired || src.LastFired != T {
		t.Errorf("last fired = %d (%v), want %d", src.LastFired, src.HasFired, T)
	}

	outs, err := fx.st.RecentOutcomes(ctx, src.ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(outs) != 1 || outs[0].Status != 200 || outs[0].FiredAt != T || outs[0].Error != "" {
		t.Fatalf("outcomes = %+v", outs)
	}
	if got := countRows(t, fx.st, "raw_pages"); got != 1 {
		t.Errorf("persisted rows = %d, want 1", got)
	}
}

func TestFiresOncePerBucket(t *testing.T) {
	// WHAT: Over a sequence of wake-ups a source fires exactly once per bucket.
	// WHY: No skipped buckets, no double fires, no drift.
	src := rawSource("https://a.example/b", hour)
	fx := newFixture(t, src)
	ctx := context.Background()

	now := 5*hour + 17
	for i := 0; i < 6; i++ {
		wait, _ := fx.sched.Evaluate(ctx, now)
		// An early spurious wake inside the same bucket must not fire.
		fx.sched.Evaluate(ctx, now+wait/2)
		now += wait
	}
	if got := fx.fetcher.count(src.Target); got != 6 {
		t.Errorf("fetches = %d, want 6", got)
	}
	outs, _ := fx.st.RecentOutcomes(ctx, src.ID, 100)
	seen := make(map[tick.Tick]bool)
	for _, o := range outs {
		b := tick.AlignDown(o.FiredAt, hour)
		if seen[b] {
			t.Errorf("bucket %d fired twice", b)
		}
		seen[b] = true
	}
	for b := 5 * hour; b <= 10*hour; b += hour {
		if !seen[b] {
			t.Errorf("bucket %d skipped", b)
		}
	}
}

func TestTransportErrorIsolated(t *testing.T) {
	// WHAT: A transport error on A records status 0 with a message and no rows,
	// B still fires in the same pass, and A's last_fired advances.
	a := rawSource("https://a.example/down", hour)
	b := rawSource("https://b.example/up", hour)
	fx := newFixture(t, a, b)
	fx.fetcher.fail[a.Target] = true
	ctx := context.Background()

	fx.sched.Evaluate(ctx, 2*hour)

	outsA, _ := fx.st.RecentOutcomes(ctx, a.ID, 10)
	if len(outsA) != 1 || outsA[0].Status != 0 || outsA[0].Error == "" {
		t.Fatalf("A outcomes = %+v", outsA)
	}
	outsB, _ := fx.st.RecentOutcomes(ctx, b.ID, 10)
	if len(outsB) != 1 || outsB[0].Status != 200 {
		t.Fatalf("B outcomes = %+v", outsB)
	}
	if got := countRows(t, fx.st, "raw_pages"); got != 1 {
		t.Errorf("rows = %d, want only B's", got)
	}
	if !a.HasFired || a.LastFired != 2*hour {
		t.Error("A last_fired did not advance")
	}

	// Same bucket: no retry.
	fx.sched.Evaluate(ctx, 2*hour+10*tick.PerSecond)
	if got := fx.fetcher.count(a.Target); got != 1 {
		t.Errorf("A fetched %d times, want 1", got)
	}

	st := fx.sched.Stats()
	if len(st.Sources) != 2 || st.Sources[0].Failures+st.Sources[1].Failures != 1 {
		t.Errorf("stats = %+v", st.Sources)
	}
}

func TestStorageFailureIsolated(t *testing.T) {
	// WHAT: A failed InsertRecords on A keeps A's outcome and drops its rows;
	// a failed RecordOutcome on C skips C's parse. B is unaffected and every
	// source is marked fired.
	// WHY: Storage errors during a pass stay local to the source.
	st, err := store.Open(context.Background(), ":memory:", store.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	fs := &failingStorage{Store: st, table: "raw_a"}

	a := rawSource("https://a.example/rows", hour)
	a.StorageTarget = "raw_a"
	b := rawSource("https://b.example/ok", hour)
	c := rawSource("https://c.example/outcome", hour)
	f := newStubFetcher()
	sched := New(registry.New(a, b, c), parser.Builtins(), f, fs, Config{})
	ctx := context.Background()
	if err := sched.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	fs.outcomeFor = c.ID

	now := 3 * hour
	sched.Evaluate(ctx, now)

	outsA, _ := st.RecentOutcomes(ctx, a.ID, 10)
	if len(outsA) != 1 || outsA[0].Status != 200 {
		t.Errorf("A outcomes = %+v", outsA)
	}
	if got := countRows(t, st, "raw_a"); got != 0 {
		t.Errorf("A rows = %d, want 0", got)
	}
	outsB, _ := st.RecentOutcomes(ctx, b.ID, 10)
	if len(outsB) != 1 || outsB[0].Status != 200 {
		t.Errorf("B outcomes = %+v", outsB)
	}
	outsC, _ := st.RecentOutcomes(ctx, c.ID, 10)
	if len(outsC) != 0 {
		t.Errorf("C outcomes = %+v, want none", outsC)
	}
	if got := countRows(t, st, "raw_pages"); got != 1 {
		t.Errorf("raw_pages rows = %d, want only B's", got)
	}
	for _, src := range []*registry.Source{a, b, c} {
		if !src.HasFired || src.LastFired != now {
			t.Errorf("%s last fired = %d, want %d", src.Target, src.LastFired, now)
		}
		if got := f.count(src.Target); got != 1 {
			t.Errorf("%s fetched %d times", src.Target, got)
		}
	}
}

func TestShortBodyRecordedAsTransportError(t *testing.T) {
	// WHAT: With the real HTTP fetcher, a connection closed mid-body is
	// recorded as status 0 with an error and nothing is parsed.
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
			conn.Close()
		}
	}))
	defer srv.Close()

	st, err := store.Open(context.Background(), ":memory:", store.Config{})
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	src := rawSource(srv.URL, hour)
	sched := New(registry.New(src), parser.Builtins(), fetch.New(fetch.Config{Timeout: 5 * time.Second}), st, Config{})
	ctx := context.Background()
	if err := sched.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}

	sched.Evaluate(ctx, hour)

	outs, _ := st.RecentOutcomes(ctx, src.ID, 10)
	if len(outs) != 1 || outs[0].Status != 0 || outs[0].Error == "" {
		t.Fatalf("outcomes = %+v", outs)
	}
	if got := countRows(t, st, "raw_pages"); got != 0 {
		t.Errorf("rows = %d, want 0", got)
	}
}

func TestNonSuccessStatusNotParsed(t *testing.T) {
	src := rawSource("https://a.example/missing", hour)
	fx := newFixture(t, src)
	fx.fetcher.resp[src.Target] = &fetch.Response{Status: 404, Body: []byte("gone")}

	fx.sched.Evaluate(context.Background(), hour)
	outs, _ := fx.st.RecentOutcomes(context.Background(), src.ID, 10)
	if len(outs) != 1 || outs[0].Status != 404 {
		t.Fatalf("outcomes = %+v", outs)
	}
	if got := countRows(t, fx.st, "raw_pages"); got != 0 {
		t.Errorf("rows = %d, want 0", got)
	}
}

func TestParseErrorKeepsOutcome(t *testing.T) {
	// WHAT: A ParseError or a parser panic keeps the outcome, persists nothing
	// and does not stop other sources.
	bad := &registry.Source{Kind: parser.KindForecast, Target: "https://f.example", Interval: hour, IntervalText: "1h", StorageTarget: "forecast"}
	boom := &registry.Source{Kind: "explode", Target: "https://x.example", Interval: hour, IntervalText: "1h", StorageTarget: "explode_rows"}
	good := rawSource("https://g.example", hour)
	fx := newFixture(t, bad, boom, good)
	fx.fetcher.resp[bad.Target] = &fetch.Response{Status: 200, Body: []byte("<p>maintenance</p>")}

	fx.sched.Evaluate(context.Background(), hour)

	for _, src := range []*registry.Source{bad, boom, good} {
		outs, _ := fx.st.RecentOutcomes(context.Background(), src.ID, 10)
		if len(outs) != 1 || outs[0].Status != 200 {
			t.Errorf("%s outcomes = %+v", src.Target, outs)
		}
	}
	if got := countRows(t, fx.st, "forecast"); got != 0 {
		t.Errorf("forecast rows = %d", got)
	}
	if got := countRows(t, fx.st, "raw_pages"); got != 1 {
		t.Errorf("raw rows = %d", got)
	}
}

func TestInitDropsUnknownKind(t *testing.T) {
	st, _ := store.Open(context.Background(), ":memory:", store.Config{})
	defer st.Close()
	good := rawSource("https://a.example", hour)
	reg := registry.New(&registry.Source{Kind: "nope", Target: "https://b.example", Interval: hour, StorageTarget: "t"}, good)

	sched := New(reg, parser.Builtins(), newStubFetcher(), st, Config{})
	if err := sched.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	if reg.Len() != 1 || reg.All()[0] != good || good.ID == 0 {
		t.Errorf("registry = %+v", reg.All())
	}

	empty := New(registry.New(&registry.Source{Kind: "nope", Target: "x", Interval: hour}), parser.Builtins(), newStubFetcher(), st, Config{})
	if err := empty.Init(context.Background()); !errors.Is(err, ErrNoSources) {
		t.Errorf("err = %v, want ErrNoSources", err)
	}
}

func TestEvaluateEmpty(t *testing.T) {
	// WHAT: An empty registry reports ok=false and Run returns.
	// WHY: The loop terminates when there is nothing to poll.
	st, _ := store.Open(context.Background(), ":memory:", store.Config{})
	defer st.Close()
	sched := New(registry.New(), parser.Builtins(), newStubFetcher(), st, Config{})
	if _, ok := sched.Evaluate(context.Background(), 0); ok {
		t.Error("ok = true for empty registry")
	}

	done := make(chan error, 1)
	go func() { done <- sched.Run(context.Background()) }()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	if sched.State() != ShuttingDown {
		t.Errorf("state = %v", sched.State())
	}
}

func TestCancelledPassStartsNothing(t *testing.T) {
	src := rawSource("https://a.example", hour)
	fx := newFixture(t, src)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fx.sched.Evaluate(ctx, hour)
	if fx.fetcher.count(src.Target) != 0 || src.HasFired {
		t.Error("source fired after cancellation")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	// WHAT: Run polls immediately, then sleeps until cancelled.
	src := rawSource("https://a.example", hour)
	fx := newFixture(t, src)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() { done <- fx.sched.Run(ctx) }()

	deadline := time.Now().Add(5 * time.Second)
	for fx.fetcher.count(src.Target) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("no fetch")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if fx.sched.State() != Polling {
		t.Errorf("state = %v, want polling", fx.sched.State())
	}
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not stop")
	}
	if fx.sched.State() != ShuttingDown {
		t.Errorf("state = %v", fx.sched.State())
	}
}

func TestStateString(t *testing.T) {
	for st, want := range map[State]string{Initializing: "initializing", Polling: "polling", ShuttingDown: "shutting_down"} {
		if st.String() != want {
			t.Errorf("%d = %q", st, st.String())
		}
	}
}
