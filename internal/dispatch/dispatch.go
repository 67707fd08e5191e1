// Package dispatch implements DISP: a static (provider, event id) routing
// table that hands each raw event to its PCT handler, in the manner of the
// teacher's eventprocessor.Processor switch-based routing, generalized from
// a handful of hardcoded cases to an open, registerable table since PCT's
// event set (spec.md section 4.4) is much larger.
package dispatch

import (
	"fmt"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
)

// Handler processes one decoded raw event against the session's shared
// state. It is total: it never panics and records failures as lost
// presents or dropped events rather than returning an error up the stack
// (spec.md section 7's propagation policy), so Handler itself returns
// nothing.
type Handler func(sess *session.Context, raw etwevent.RawEvent)

type key struct {
	provider etwevent.GUID
	id       uint16
}

// Table is a static provider+event-id routing table. Unknown events are
// dropped, per spec.md section 4.7.
type Table struct {
	handlers map[key]Handler
	sess     *session.Context
	logger   *zap.Logger

	started bool
	dropped uint64
}

// New creates an empty dispatch table bound to sess. A nil logger disables
// dropped-event warnings.
func New(sess *session.Context, logger *zap.Logger) *Table {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Table{
		handlers: make(map[key]Handler),
		sess:     sess,
		logger:   logger,
	}
}

// Dropped reports how many events were dropped for lacking a registered
// handler.
func (t *Table) Dropped() uint64 {
	return atomic.LoadUint64(&t.dropped)
}

// Register binds a handler to (provider, eventID). A later call for the
// same pair replaces the earlier one.
func (t *Table) Register(provider etwevent.GUID, eventID uint16, h Handler) {
	t.handlers[key{provider, eventID}] = h
}

// Dispatch routes raw to its registered handler, first establishing the
// session-start timestamp from the very first event it ever sees (spec.md
// section 4.7) and, when the filtered-events control is enabled, dropping
// events for processes outside the tracked-process filter before they
// reach PCT.
func (t *Table) Dispatch(raw etwevent.RawEvent) {
	if !t.started {
		t.sess.EstablishStartTime(raw.Timestamp)
		t.started = true
	}

	if t.sess.FilteredEvents() && !t.sess.IsProcessTracked(raw.ProcessID) {
		return
	}

	h, ok := t.handlers[key{raw.Descr.Provider, raw.Descr.ID}]
	if !ok {
		atomic.AddUint64(&t.dropped, 1)
		t.logger.Warn("dropped event: no registered handler",
			zap.String("provider", fmt.Sprintf("%x", raw.Descr.Provider)),
			zap.Uint16("event_id", raw.Descr.ID),
			zap.Uint32("process_id", raw.ProcessID),
		)
		return
	}
	h(t.sess, raw)
}
