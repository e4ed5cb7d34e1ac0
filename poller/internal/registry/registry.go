// Package registry holds the in-memory list of sources being polled.
//
// The registry is owned by the poll loop: sources are added during startup
// and their LastFired is mutated only by the scheduler goroutine, so there
// is no locking.
package registry

import (
	"github.com/hazyhaar/sitepoll/tick"
)

// Source is one polled endpoint.
type Source struct {
	// ID is assigned by storage at registration; 0 until then.
	ID   int64
	Kind string
	// Target is the URL to fetch.
	Target string
	// Interval is the polling period, always > 0.
	Interval tick.Tick
	// IntervalText is the interval as configured, e.g. "1h".
	IntervalText  string
	StorageTarget string

	// LastFired is valid only when HasFired is set.
	LastFired tick.Tick
	HasFired  bool
}

// Due reports whether s must fire at now: it never fired, or now falls in
// a different epoch-aligned interval bucket than its last firing.
func (s *Source) Due(now tick.Tick) bool {
	if !s.HasFired {
		return true
	}
	return tick.AlignDown(s.LastFired, s.Interval) != tick.AlignDown(now, s.Interval)
}

// NextDue returns the first tick after now at which s becomes due again,
// padded by tick.Epsilon so a wake-up lands inside the new bucket.
func (s *Source) NextDue(now tick.Tick) tick.Tick {
	return tick.AlignDown(now+s.Interval, s.Interval) + tick.Epsilon
}

// Registry is an ordered set of sources.
type Registry struct {
	sources []*Source
	byID    map[int64]*Source
}

// New returns a registry holding sources in the given order.
func New(sources ...*Source) *Registry {
	r := &Registry{byID: make(map[int64]*Source)}
	for _, s := range sources {
		r.Add(s)
	}
	return r
}

// Add appends s. Sources with an id are also indexed for Get.
func (r *Registry) Add(s *Source) {
	r.sources = append(r.sources, s)
	if s.ID != 0 {
		r.byID[s.ID] = s
	}
}

// Index records s under its id once storage has assigned one.
func (r *Registry) Index(s *Source) {
	if s.ID != 0 {
		r.byID[s.ID] = s
	}
}

// Remove drops s from the registry.
func (r *Registry) Remove(s *Source) {
	for i, cur := range r.sources {
		if cur == s {
			r.sources = append(r.sources[:i], r.sources[i+1:]...)
			break
		}
	}
	if s.ID != 0 && r.byID[s.ID] == s {
		delete(r.byID, s.ID)
	}
}

// All returns the sources in registration order. The pointers are shared
// with the registry.
func (r *Registry) All() []*Source {
	return r.sources
}

// Len returns the number of sources.
func (r *Registry) Len() int { return len(r.sources) }

// Get returns the source with id, or nil.
func (r *Registry) Get(id int64) *Source { return r.byID[id] }

// MarkFired sets the last firing time of s.
func (r *Registry) MarkFired(s *Source, at tick.Tick) {
	s.LastFired = at
	s.HasFired = true
}
