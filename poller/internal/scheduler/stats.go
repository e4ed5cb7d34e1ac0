package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/DataDog/sketches-go/ddsketch"

	"github.com/hazyhaar/sitepoll/tick"
)

// SourceStats are the per-source counters since startup.
type SourceStats struct {
	SourceID   int64     `json:"source_id"`
	Attempts   int64     `json:"attempts"`
	Failures   int64     `json:"failures"`
	LastStatus int       `json:"last_status"`
	LastFired  tick.Tick `json:"last_fired"`
	LastError  string    `json:"last_error,omitempty"`
}

// Latency holds fetch-duration quantiles in milliseconds.
type Latency struct {
	Count float64 `json:"count"`
	P50   float64 `json:"p50_ms"`
	P90   float64 `json:"p90_ms"`
	P99   float64 `json:"p99_ms"`
}

// Snapshot is a point-in-time copy of the scheduler statistics.
type Snapshot struct {
	State   string        `json:"state"`
	Sources []SourceStats `json:"sources"`
	Latency Latency       `json:"fetch_latency"`
}

// stats is written by the poll loop and read by the status API.
type stats struct {
	mu      sync.Mutex
	sources map[int64]*SourceStats
	latency *ddsketch.DDSketch
}

func newStats() *stats {
	sk, err := ddsketch.NewDefaultDDSketch(0.01)
	if err != nil {
		// Only fails for an accuracy outside (0, 1).
		panic(err)
	}
	return &stats{sources: make(map[int64]*SourceStats), latency: sk}
}

func (s *stats) entry(id int64) *SourceStats {
	e, ok := s.sources[id]
	if !ok {
		e = &SourceStats{SourceID: id}
		s.sources[id] = e
	}
	return e
}

// record notes one attempt. status 0 with a message is a failure; so is
// any non-2xx status.
func (s *stats) record(id int64, at tick.Tick, status int, errMsg string, d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.entry(id)
	e.Attempts++
	e.LastFired = at
	e.LastStatus = status
	e.LastError = errMsg
	if status < 200 || status >= 300 || errMsg != "" {
		e.Failures++
	}
	if d > 0 {
		s.latency.Add(float64(d) / float64(time.Millisecond))
	}
}

func (s *stats) snapshot() ([]SourceStats, Latency) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]SourceStats, 0, len(s.sources))
	for _, e := range s.sources {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })

	var lat Latency
	if !s.latency.IsEmpty() {
		lat.Count = s.latency.GetCount()
		lat.P50, _ = s.latency.GetValueAtQuantile(0.50)
		lat.P90, _ = s.latency.GetValueAtQuantile(0.90)
		lat.P99, _ = s.latency.GetValueAtQuantile(0.99)
	}
	return out, lat
}
