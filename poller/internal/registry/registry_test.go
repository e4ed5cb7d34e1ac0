package registry

import (
	"testing"

	"github.com/hazyhaar/sitepoll/tick"
)

const hour = 3600 * tick.PerSecond

func TestDueNeverFired(t *testing.T) {
	s := &Source{Interval: hour}
	if !s.Due(0) || !s.Due(-5*hour) {
		t.Fatal("a source that never fired must be due")
	}
}

func TestDueBuckets(t *testing.T) {
	// WHAT: Due compares epoch-aligned buckets, not elapsed time.
	// WHY: Firing times must not drift with processing latency.
	s := &Source{Interval: hour}
	New(s).MarkFired(s, 10*hour+5)

	tests := []struct {
		now  tick.Tick
		want bool
	}{
		{10*hour + 5, false},
		{11*hour - 1, false},
		{11 * hour, true},
		{11*hour + tick.Epsilon, true},
		{25 * hour, true},
	}
	for _, tt := range tests {
		if got := s.Due(tt.now); got != tt.want {
			t.Errorf("Due(%d) = %v, want %v", tt.now, got, tt.want)
		}
	}
}

func TestNextDue(t *testing.T) {
	// WHAT: NextDue is the start of the next bucket plus Epsilon, and the source is due then.
	s := &Source{Interval: hour}
	for _, now := range []tick.Tick{0, 1, hour - 1, hour, 7*hour + 123, -hour / 2} {
		next := s.NextDue(now)
		if next <= now {
			t.Errorf("NextDue(%d) = %d, not after now", now, next)
		}
		if next-now > hour+tick.Epsilon {
			t.Errorf("NextDue(%d) = %d, more than one interval away", now, next)
		}
		s.LastFired, s.HasFired = now, true
		if !s.Due(next) {
			t.Errorf("source fired at %d not due at NextDue %d", now, next)
		}
		if now+1 < next-tick.Epsilon && s.Due(now+1) {
			t.Errorf("source fired at %d due again at %d", now, now+1)
		}
	}
}

func TestRegistryOrderAndLookup(t *testing.T) {
	a := &Source{ID: 1, Target: "a"}
	b := &Source{Target: "b"}
	r := New(a, b)

	if r.Len() != 2 || r.All()[0] != a || r.All()[1] != b {
		t.Fatalf("order not preserved: %v", r.All())
	}
	if r.Get(1) != a {
		t.Error("Get(1) did not return a")
	}
	if r.Get(2) != nil {
		t.Error("unindexed source found")
	}
	b.ID = 2
	r.Index(b)
	if r.Get(2) != b {
		t.Error("Index did not register b")
	}

	r.Remove(a)
	if r.Len() != 1 || r.All()[0] != b || r.Get(1) != nil {
		t.Errorf("Remove left %v", r.All())
	}
}

func TestMarkFiredMutatesShared(t *testing.T) {
	// WHAT: MarkFired changes the same Source the caller holds.
	s := &Source{Interval: hour}
	r := New(s)
	r.MarkFired(r.All()[0], 42)
	if !s.HasFired || s.LastFired != 42 {
		t.Errorf("got %+v", s)
	}
}
