// Package clock resolves a session's high-resolution counter timestamps to
// wall-clock time, the way the teacher's timesync.Converter resolves
// monotonic kernel timestamps to wall-clock time, but against a
// performance-counter anchor (a ReadCounter reading, or the anchor stored
// in a recorded trace's header) rather than /proc/stat's boot time.
package clock

import "time"

// Clock converts a high-resolution counter reading (ticks since an
// arbitrary epoch, per QueryPerformanceCounter) to wall-clock time, given
// the counter frequency and a single (ticks, wallClock) anchor pair
// captured at session start.
type Clock struct {
	frequency  int64
	anchorTicks int64
	anchorWall time.Time
}

// NewClock creates a Clock anchored at the given (ticks, wallClock) pair,
// with the given counter frequency in ticks per second.
func NewClock(frequency, anchorTicks int64, anchorWall time.Time) *Clock {
	if frequency <= 0 {
		frequency = 1
	}
	return &Clock{frequency: frequency, anchorTicks: anchorTicks, anchorWall: anchorWall}
}

// ToWallClock converts a raw counter reading to wall-clock time.
func (c *Clock) ToWallClock(ticks int64) time.Time {
	delta := ticks - c.anchorTicks
	seconds := float64(delta) / float64(c.frequency)
	return c.anchorWall.Add(time.Duration(seconds * float64(time.Second)))
}

// Frequency returns the counter's ticks-per-second rate.
func (c *Clock) Frequency() int64 { return c.frequency }
