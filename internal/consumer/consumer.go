// Package consumer is the facade spec.md section 6 describes: the single
// entry point an external session feeds raw events into, and the single
// exit point an output thread drains records from.
package consumer

import (
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/completion"
	"github.com/ElysiumPtolemus/presentmon/internal/dispatch"
	"github.com/ElysiumPtolemus/presentmon/internal/emr"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/outputqueue"
	"github.com/ElysiumPtolemus/presentmon/internal/pipeline"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
	"github.com/ElysiumPtolemus/presentmon/internal/tracking"
)

// Stats exposes the error-kind counters spec.md section 7 requires be
// "exposed on session teardown".
type Stats struct {
	DecoderUnavailable uint64
	DroppedEvents      uint64
}

// Consumer wires EMR, TT, PCT, CE, and OQ together behind the external
// contract from spec.md section 6: on_event plus the three take_* drains
// plus the control surface.
type Consumer struct {
	sess     *session.Context
	resolver *emr.Resolver
	tables   *tracking.Tables
	queues   *outputqueue.Queues
	engine   *completion.Engine
	disp     *dispatch.Table

	decoderUnavailable uint64
}

// Config carries the construction-time tunables spec.md section 4.2 names.
type Config struct {
	RingCapacity        int
	DeferredCompletionN int
}

// New wires a full consumer instance. resolver must already have every
// field layout the deployment needs registered. A nil logger disables the
// dropped-event, lost-present, and ring-eviction notices that dispatch and
// the completion engine otherwise emit.
func New(cfg Config, resolver *emr.Resolver, logger *zap.Logger) *Consumer {
	sess := session.New()
	tables := tracking.NewTables(cfg.RingCapacity)
	queues := outputqueue.New()
	engine := completion.NewEngine(tables, queues, cfg.DeferredCompletionN, logger)
	disp := dispatch.New(sess, logger)

	deps := &pipeline.Deps{
		Tables:   tables,
		Engine:   engine,
		Resolver: resolver,
		Queues:   queues,
	}
	deps.Register(disp)

	return &Consumer{
		sess:     sess,
		resolver: resolver,
		tables:   tables,
		queues:   queues,
		engine:   engine,
		disp:     disp,
	}
}

// OnEvent is the handler contract spec.md section 6 specifies: the core
// does not retain raw.Payload beyond this call.
func (c *Consumer) OnEvent(raw etwevent.RawEvent) {
	if _, err := c.resolver.Decode(raw); err != nil {
		atomic.AddUint64(&c.decoderUnavailable, 1)
		return
	}
	c.disp.Dispatch(raw)
}

// TakeCompleted drains the completed-presents queue.
func (c *Consumer) TakeCompleted() []*record.Present { return c.queues.TakeCompleted() }

// TakeLost drains the lost-presents queue.
func (c *Consumer) TakeLost() []*record.Present { return c.queues.TakeLost() }

// TakeProcessEvents drains the process-events queue.
func (c *Consumer) TakeProcessEvents() []record.ProcessEvent { return c.queues.TakeProcessEvents() }

// SetTrackDisplay toggles display-tracking output fields.
func (c *Consumer) SetTrackDisplay(enabled bool) { c.sess.SetTrackDisplay(enabled) }

// SetFilteredEvents toggles dropping events for untracked processes before
// dispatch.
func (c *Consumer) SetFilteredEvents(enabled bool) { c.sess.SetFilteredEvents(enabled) }

// AddTrackedProcess adds pid to the tracked-process filter.
func (c *Consumer) AddTrackedProcess(pid uint32) { c.sess.AddTrackedProcess(pid) }

// RemoveTrackedProcess removes pid from the tracked-process filter.
func (c *Consumer) RemoveTrackedProcess(pid uint32) { c.sess.RemoveTrackedProcess(pid) }

// IsProcessTracked reports whether pid currently passes the filter.
func (c *Consumer) IsProcessTracked(pid uint32) bool { return c.sess.IsProcessTracked(pid) }

// Session returns the consumer's session context, so an output consumer
// (e.g. telemetry.SpanSink) can consult the same live control-surface
// toggles SetTrackDisplay and SetFilteredEvents write through to, instead of
// a value captured once at construction.
func (c *Consumer) Session() *session.Context { return c.sess }

// Stats returns a snapshot of the error-kind counters.
func (c *Consumer) Stats() Stats {
	return Stats{
		DecoderUnavailable: atomic.LoadUint64(&c.decoderUnavailable),
		DroppedEvents:      c.disp.Dropped(),
	}
}

// Shutdown drops every record still resident in the tables without marking
// it lost or completed, per spec.md section 5: "the stream ended, not the
// presents". It does not touch already-queued output.
func (c *Consumer) Shutdown() {
	for _, p := range c.tables.AllLive() {
		c.engine.DropAbandoned(p)
	}
}
