// Package session holds the process-wide state spec.md section 9 says must
// live in an explicit context rather than globals: the tracked-process
// filter and the session-start timestamp reference, plus the control
// surface spec.md section 6 specifies for adjusting them at runtime.
//
// The reader/writer lock here follows the same command-query split as the
// teacher's procmeta.Manager, since the filter is read on every dispatched
// event but written rarely (spec.md section 5: "many concurrent reads, rare
// writes").
package session

import (
	"sync"
	"time"
)

// Context is the session-wide state passed to every PCT/DISP handler.
type Context struct {
	mu              sync.RWMutex
	trackedProcess  map[uint32]struct{}
	trackDisplay    bool
	filteredEvents  bool
	startTime       time.Time
	startTimeSet    bool
}

// New creates an empty session context. An empty tracked-process set means
// "track all processes", per spec.md section 3's TrackedProcessFilter.
func New() *Context {
	return &Context{
		trackedProcess: make(map[uint32]struct{}),
	}
}

// SetTrackDisplay toggles whether display-tracking output fields (section 6:
// allows-tearing, present-mode, time-between-display-changes, etc.) are
// populated.
func (c *Context) SetTrackDisplay(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackDisplay = enabled
}

// TrackDisplay reports whether display-tracking output fields are enabled.
func (c *Context) TrackDisplay() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.trackDisplay
}

// SetFilteredEvents toggles whether the dispatcher drops events for
// untracked processes before they reach PCT.
func (c *Context) SetFilteredEvents(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.filteredEvents = enabled
}

// FilteredEvents reports whether untracked-process events should be
// dropped before dispatch.
func (c *Context) FilteredEvents() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.filteredEvents
}

// AddTrackedProcess adds pid to the tracked-process filter.
func (c *Context) AddTrackedProcess(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trackedProcess[pid] = struct{}{}
}

// RemoveTrackedProcess removes pid from the tracked-process filter.
func (c *Context) RemoveTrackedProcess(pid uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.trackedProcess, pid)
}

// IsProcessTracked reports whether pid passes the tracked-process filter:
// true if the filter is empty (track everything) or pid was explicitly
// added.
func (c *Context) IsProcessTracked(pid uint32) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.trackedProcess) == 0 {
		return true
	}
	_, ok := c.trackedProcess[pid]
	return ok
}

// EstablishStartTime records t as the session-start reference the first
// time it is called; later calls are no-ops. The dispatcher calls this with
// the first event's timestamp (spec.md section 4.7).
func (c *Context) EstablishStartTime(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.startTimeSet {
		c.startTime = t
		c.startTimeSet = true
	}
}

// StartTime returns the session-start reference and whether it has been
// established yet.
func (c *Context) StartTime() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.startTime, c.startTimeSet
}
