// Package poller wires the configuration, the storage engine, the fetcher,
// the parsers and the poll loop into one running service.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hazyhaar/sitepoll/horosafe"
	"github.com/hazyhaar/sitepoll/poller/internal/fetch"
	"github.com/hazyhaar/sitepoll/poller/internal/parser"
	"github.com/hazyhaar/sitepoll/poller/internal/registry"
	"github.com/hazyhaar/sitepoll/poller/internal/scheduler"
	"github.com/hazyhaar/sitepoll/poller/internal/store"
	"github.com/hazyhaar/sitepoll/tick"
)

// Option configures Start.
type Option func(*options)

type options struct {
	logger  *slog.Logger
	clock   tick.Clock
	fetcher fetch.Fetcher
	parsers *parser.Registry
}

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithClock replaces the wall clock for the poll and cleanup loops.
func WithClock(c tick.Clock) Option { return func(o *options) { o.clock = c } }

// WithFetcher replaces the HTTP fetcher.
func WithFetcher(f fetch.Fetcher) Option { return func(o *options) { o.fetcher = f } }

// WithParsers replaces the built-in parser registry.
func WithParsers(r *parser.Registry) Option { return func(o *options) { o.parsers = r } }

// Handles is a running service. Pass it to Shutdown to stop it.
type Handles struct {
	cancel context.CancelFunc
	group  *errgroup.Group
	done   chan struct{}
	err    error

	store     *store.Store
	scheduler *scheduler.Scheduler
	server    *http.Server
	addr      string
}

// Done is closed once every task has returned.
func (h *Handles) Done() <-chan struct{} { return h.done }

// Addr is the status API listen address, empty when disabled.
func (h *Handles) Addr() string { return h.addr }

// Stats returns the poll loop statistics.
func (h *Handles) Stats() scheduler.Snapshot { return h.scheduler.Stats() }

// Start validates the sources, opens storage, registers every source and
// launches the poll loop, the cleanup loop and the optional status API.
// Invalid sources are logged and skipped. Start fails when no source
// survives or storage cannot be opened.
func Start(ctx context.Context, cfg *Config, opts ...Option) (*Handles, error) {
	o := options{}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.clock == nil {
		o.clock = tick.SystemClock{}
	}
	if o.parsers == nil {
		o.parsers = parser.Builtins()
	}
	logger := o.logger

	sources, errs := cfg.BuildSources(o.parsers)
	for _, err := range errs {
		if errors.Is(err, ErrNoSources) {
			continue
		}
		logger.Error("poller: source rejected", "error", err)
	}
	if len(sources) == 0 {
		return nil, &ConfigError{Index: -1, Field: "sources", Err: ErrNoSources}
	}

	st, err := openStore(ctx, cfg, o.clock, logger, false)
	if err != nil {
		return nil, err
	}

	f := o.fetcher
	if f == nil {
		validate := horosafe.ValidateScheme
		if cfg.Fetch.BlockPrivate {
			validate = horosafe.ValidateURL
		}
		f = fetch.New(fetch.Config{
			Timeout:      cfg.Fetch.Timeout.Duration(),
			MaxBytes:     cfg.Fetch.MaxBytes,
			UserAgent:    cfg.Fetch.UserAgent,
			URLValidator: validate,
		})
	}

	sched := scheduler.New(registry.New(sources...), o.parsers, f, st, scheduler.Config{
		Clock:  o.clock,
		Logger: logger,
	})
	if err := sched.Init(ctx); err != nil {
		st.Close()
		return nil, err
	}

	var ln net.Listener
	if cfg.HTTP.Addr != "" {
		ln, err = net.Listen("tcp", cfg.HTTP.Addr)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("poller: status listener: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	h := &Handles{
		cancel:    cancel,
		group:     g,
		done:      make(chan struct{}),
		store:     st,
		scheduler: sched,
	}

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return st.RunCleanupLoop(gctx, o.clock) })

	if ln != nil {
		h.addr = ln.Addr().String()
		h.server = &http.Server{
			Handler:           newStatusRouter(st, sched, logger),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			if err := h.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("poller: status api: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, scancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer scancel()
			return h.server.Shutdown(sctx)
		})
		logger.Info("poller: status api listening", "addr", h.addr)
	}

	go func() {
		h.err = g.Wait()
		close(h.done)
	}()

	logger.Info("poller: started", "sources", len(sources), "database", cfg.Database.Path)
	return h, nil
}

// Shutdown stops every task, waits for them, then closes storage. A poll
// pass in progress finishes the source it is on.
func Shutdown(h *Handles) error {
	if h == nil {
		return nil
	}
	h.cancel()
	<-h.done
	return errors.Join(h.err, h.store.Close())
}
