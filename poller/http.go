package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/sync/singleflight"

	"github.com/hazyhaar/sitepoll/poller/internal/scheduler"
	"github.com/hazyhaar/sitepoll/poller/internal/store"
	"github.com/hazyhaar/sitepoll/shield"
)

// statusAPI serves read-only JSON views of the running poller.
type statusAPI struct {
	store  *store.Store
	sched  *scheduler.Scheduler
	logger *slog.Logger
	// counts coalesces concurrent COUNT(*) queries behind /stats.
	counts singleflight.Group
}

type statsResponse struct {
	scheduler.Snapshot
	OutcomesStored int64 `json:"outcomes_stored"`
}

func newStatusRouter(st *store.Store, sched *scheduler.Scheduler, logger *slog.Logger) http.Handler {
	api := &statusAPI{store: st, sched: sched, logger: logger.With("component", "status_api")}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	for _, mw := range shield.APIStack(api.logger) {
		r.Use(mw)
	}

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "state": sched.State().String()})
	})
	r.Get("/sources", api.listSources)
	r.Get("/sources/{id}", api.getSource)
	r.Get("/sources/{id}/outcomes", api.sourceOutcomes)
	r.Get("/outcomes", api.allOutcomes)
	r.Get("/cleanups", api.cleanups)
	r.Get("/stats", api.stats)
	return r
}

func (a *statusAPI) listSources(w http.ResponseWriter, r *http.Request) {
	list, err := a.store.ListSources(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*store.SourceRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *statusAPI) getSource(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	src, err := a.store.GetSource(r.Context(), id)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if src == nil {
		writeError(w, http.StatusNotFound, fmt.Errorf("source %d not found", id))
		return
	}
	writeJSON(w, http.StatusOK, src)
}

func (a *statusAPI) sourceOutcomes(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a.outcomes(w, r, id)
}

func (a *statusAPI) allOutcomes(w http.ResponseWriter, r *http.Request) {
	a.outcomes(w, r, 0)
}

func (a *statusAPI) outcomes(w http.ResponseWriter, r *http.Request, sourceID int64) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := a.store.RecentOutcomes(r.Context(), sourceID, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*store.Outcome{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *statusAPI) cleanups(w http.ResponseWriter, r *http.Request) {
	limit, err := queryLimit(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	list, err := a.store.CleanupHistory(r.Context(), limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if list == nil {
		list = []*store.CleanupRecord{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (a *statusAPI) stats(w http.ResponseWriter, r *http.Request) {
	v, err, _ := a.counts.Do("outcomes", func() (any, error) {
		return a.store.CountOutcomes(context.WithoutCancel(r.Context()))
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Snapshot: a.sched.Stats(), OutcomesStored: v.(int64)})
}

func (a *statusAPI) fail(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrClosed) {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	shield.GetLogger(r.Context()).Error("status api: storage", "error", err)
	writeError(w, http.StatusInternalServerError, err)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid source id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func queryLimit(r *http.Request) (int, error) {
	s := r.URL.Query().Get("limit")
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 || n > 1000 {
		return 0, fmt.Errorf("invalid limit %q", s)
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}
