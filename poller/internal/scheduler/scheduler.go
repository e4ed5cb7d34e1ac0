// Package scheduler is the poll loop. On every wake it evaluates all
// sources against epoch-aligned interval buckets, runs fetch, parse and
// persist for the due ones, and sleeps until the earliest next bucket.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/hazyhaar/sitepoll/idgen"
	"github.com/hazyhaar/sitepoll/poller/internal/fetch"
	"github.com/hazyhaar/sitepoll/poller/internal/parser"
	"github.com/hazyhaar/sitepoll/poller/internal/registry"
	"github.com/hazyhaar/sitepoll/poller/internal/store"
	"github.com/hazyhaar/sitepoll/tick"
)

// ErrNoSources is returned by Init when every source was dropped.
var ErrNoSources = errors.New("scheduler: no sources left to poll")

// State is the loop's lifecycle stage.
type State int32

const (
	Initializing State = iota
	Polling
	ShuttingDown
)

func (s State) String() string {
	switch s {
	case Initializing:
		return "initializing"
	case Polling:
		return "polling"
	case ShuttingDown:
		return "shutting_down"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Storage is what the scheduler needs from the storage engine.
// *store.Store implements it.
type Storage interface {
	parser.Executor
	RegisterSource(ctx context.Context, d store.SourceDescriptor) (int64, error)
	RecordOutcome(ctx context.Context, sourceID int64, firedAt tick.Tick, status int, errMsg string) (int64, error)
	InsertRecords(ctx context.Context, table string, columns []string, rows [][]any) (int, error)
}

// Config configures the scheduler.
type Config struct {
	// Clock defaults to the wall clock.
	Clock  tick.Clock
	Logger *slog.Logger
}

// Scheduler owns the poll loop.
type Scheduler struct {
	reg     *registry.Registry
	parsers *parser.Registry
	fetcher fetch.Fetcher
	storage Storage
	clock   tick.Clock
	logger  *slog.Logger

	caps   map[*registry.Source]parser.Capability
	state  atomic.Int32
	stats  *stats
	passID idgen.Generator
}

// New creates a Scheduler over the sources in reg.
func New(reg *registry.Registry, parsers *parser.Registry, f fetch.Fetcher, st Storage, cfg Config) *Scheduler {
	if cfg.Clock == nil {
		cfg.Clock = tick.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		reg:     reg,
		parsers: parsers,
		fetcher: f,
		storage: st,
		clock:   cfg.Clock,
		logger:  cfg.Logger.With("component", "scheduler"),
		caps:    make(map[*registry.Source]parser.Capability),
		stats:   newStats(),
		passID:  idgen.Prefixed("pass_", idgen.NanoID(10)),
	}
}

// State returns the current lifecycle stage.
func (s *Scheduler) State() State { return State(s.state.Load()) }

func (s *Scheduler) setState(st State) {
	old := State(s.state.Swap(int32(st)))
	if old != st {
		s.logger.Info("scheduler: state change", "from", old.String(), "to", st.String())
	}
}

// Init binds each source to its parser, prepares its destination table and
// registers it with storage. Sources whose kind is unknown or whose
// destination cannot be prepared are dropped. A registration failure means
// storage is unusable and is returned.
func (s *Scheduler) Init(ctx context.Context) error {
	s.setState(Initializing)
	for _, src := range append([]*registry.Source(nil), s.reg.All()...) {
		log := s.logger.With("kind", src.Kind, "url", src.Target, "table", src.StorageTarget)

		c, err := s.parsers.Lookup(src.Kind)
		if err != nil {
			log.Error("scheduler: source dropped", "error", err)
			s.reg.Remove(src)
			continue
		}
		if err := c.EnsureDestination(ctx, s.storage, src.StorageTarget); err != nil {
			log.Error("scheduler: source dropped, destination not ready", "error", err)
			s.reg.Remove(src)
			continue
		}
		id, err := s.storage.RegisterSource(ctx, store.SourceDescriptor{
			Kind:            src.Kind,
			Target:          src.Target,
			RequestInterval: src.IntervalText,
			Interval:        src.Interval,
			StorageTarget:   src.StorageTarget,
		})
		if err != nil {
			return fmt.Errorf("scheduler: register %s: %w", src.Target, err)
		}
		src.ID = id
		s.reg.Index(src)
		s.caps[src] = c
		log.Info("scheduler: source registered", "source_id", id, "interval", src.IntervalText)
	}
	if s.reg.Len() == 0 {
		return ErrNoSources
	}
	return nil
}

// Run polls until ctx is cancelled or there are no sources. Init must have
// been called.
func (s *Scheduler) Run(ctx context.Context) error {
	s.setState(Polling)
	defer s.setState(ShuttingDown)

	for ctx.Err() == nil {
		wait, ok := s.Evaluate(ctx, s.clock.Now())
		if !ok {
			s.logger.Warn("scheduler: no sources, stopping")
			return nil
		}
		s.logger.Debug("scheduler: sleeping", "wait", wait.Duration())
		if !sleep(ctx, wait.Duration()) {
			break
		}
	}
	return nil
}

// Evaluate runs one polling pass at now. Every due source is fetched,
// recorded, parsed and persisted, and marked fired at now. It returns the
// time until the earliest next due source; ok is false when there are no
// sources. Once ctx is cancelled no further source is started; a source
// already in progress completes.
func (s *Scheduler) Evaluate(ctx context.Context, now tick.Tick) (wait tick.Tick, ok bool) {
	sources := s.reg.All()
	if len(sources) == 0 {
		return 0, false
	}
	log := s.logger.With("pass", s.passID(), "now", now.String())

	first := true
	fired := 0
	for _, src := range sources {
		if ctx.Err() != nil {
			log.Info("scheduler: pass interrupted", "fired", fired)
			break
		}
		due := src.Due(now)
		if due {
			s.fire(context.WithoutCancel(ctx), log, src, now)
			s.reg.MarkFired(src, now)
			fired++
		}
		if w := src.NextDue(now) - now; first || w < wait {
			wait, first = w, false
		}
	}
	if fired > 0 {
		log.Debug("scheduler: pass done", "fired", fired, "next_in", wait.Duration())
	}
	return wait, true
}

// fire processes one due source. Every failure stays local to the source.
func (s *Scheduler) fire(ctx context.Context, log *slog.Logger, src *registry.Source, now tick.Tick) {
	log = log.With("source_id", src.ID, "url", src.Target)

	resp, err := s.fetcher.Fetch(ctx, src.Target)
	if err != nil {
		msg := err.Error()
		s.stats.record(src.ID, now, 0, msg, 0)
		var te *fetch.TransportError
		if errors.As(err, &te) {
			log.Warn("scheduler: transport error", "error", te.Err)
		} else {
			log.Warn("scheduler: fetch failed", "error", err)
		}
		if _, err := s.storage.RecordOutcome(ctx, src.ID, now, 0, msg); err != nil {
			log.Error("scheduler: record outcome", "error", err)
		}
		return
	}
	s.stats.record(src.ID, now, resp.Status, "", resp.Duration)

	outcomeID, err := s.storage.RecordOutcome(ctx, src.ID, now, resp.Status, "")
	if err != nil {
		log.Error("scheduler: record outcome, source abandoned for this tick", "error", err)
		return
	}
	if !resp.OK() {
		log.Warn("scheduler: non-success status", "status", resp.Status)
		return
	}
	if resp.Truncated {
		log.Warn("scheduler: body truncated", "bytes", len(resp.Body))
	}

	c := s.caps[src]
	if c == nil {
		log.Error("scheduler: source has no parser bound")
		return
	}
	batch, err := s.parse(log, c, resp.Body, outcomeID, src.StorageTarget)
	if err != nil {
		log.Warn("scheduler: parse failed", "outcome_id", outcomeID, "error", err)
		return
	}
	if batch.Len() == 0 {
		return
	}
	n, err := s.storage.InsertRecords(ctx, src.StorageTarget, batch.Columns, batch.Rows)
	if err != nil {
		log.Error("scheduler: insert records", "outcome_id", outcomeID, "error", err)
		return
	}
	log.Info("scheduler: source polled", "status", resp.Status, "rows", n,
		"duration_ms", resp.Duration.Milliseconds())
}

// parse runs the capability, turning a panic into an error with a
// correlation id.
func (s *Scheduler) parse(log *slog.Logger, c parser.Capability, body []byte, outcomeID int64, target string) (b *parser.Batch, err error) {
	defer func() {
		if r := recover(); r != nil {
			id := idgen.New()
			log.Error("scheduler: parser panic",
				"correlation_id", id,
				"panic", fmt.Sprintf("%v", r),
				"stack", string(debug.Stack()),
			)
			b, err = nil, fmt.Errorf("parser panic (correlation_id: %s)", id)
		}
	}()
	return c.Parse(body, outcomeID, target)
}

// Stats returns a snapshot of the per-source counters and fetch latency.
// Safe to call from any goroutine.
func (s *Scheduler) Stats() Snapshot {
	sources, lat := s.stats.snapshot()
	return Snapshot{State: s.State().String(), Sources: sources, Latency: lat}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
