// Package tick encodes wall-clock time as a fixed-resolution integer.
//
// A Tick counts 100-nanosecond units since the Unix epoch. All interval
// arithmetic in sitepoll happens on Ticks; conversion to time.Time or
// float seconds is reserved for logs, display and sleeping.
package tick

import "time"

// Tick is a timestamp or duration in 100 ns units.
type Tick int64

// PerSecond is the number of ticks in one second.
const PerSecond Tick = 10_000_000

// nsPerTick is the number of nanoseconds in one tick.
const nsPerTick = int64(time.Second) / int64(PerSecond)

// Epsilon is added to computed wake-up times so the scheduler never wakes
// exactly on a bucket boundary and re-tests the bucket it just left.
const Epsilon Tick = 10 * PerSecond / 1000 // 10ms

// Now returns the current wall-clock time in ticks.
func Now() Tick { return FromTime(time.Now()) }

// FromTime converts t to ticks.
func FromTime(t time.Time) Tick {
	return Tick(t.UnixNano() / nsPerTick)
}

// FromDuration converts d to ticks, truncating below tick resolution.
func FromDuration(d time.Duration) Tick {
	return Tick(int64(d) / nsPerTick)
}

// Time converts t back to a UTC time.Time.
func (t Tick) Time() time.Time {
	return time.Unix(0, int64(t)*nsPerTick).UTC()
}

// Duration returns t as a time.Duration (for timers).
func (t Tick) Duration() time.Duration {
	return time.Duration(int64(t) * nsPerTick)
}

// Seconds returns t in seconds. Never compare timestamps through it.
func (t Tick) Seconds() float64 {
	return float64(t) / float64(PerSecond)
}

// String formats t as an RFC 3339 timestamp with milliseconds.
func (t Tick) String() string {
	return t.Time().Format("2006-01-02T15:04:05.000Z07:00")
}

// AlignDown rounds t down to the nearest multiple of interval using floor
// division, so negative ticks round toward minus infinity. interval must be
// positive.
func AlignDown(t, interval Tick) Tick {
	q := t / interval
	if t%interval != 0 && t < 0 {
		q--
	}
	return q * interval
}

// Clock is a source of the current tick.
type Clock interface {
	Now() Tick
}

// SystemClock reads the wall clock.
type SystemClock struct{}

// Now implements Clock.
func (SystemClock) Now() Tick { return Now() }
