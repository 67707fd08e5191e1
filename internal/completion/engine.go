// Package completion implements the Completion Engine (CE): the retirement,
// supersession, and output hand-off logic of spec.md section 4.5, plus the
// deferred-completion bookkeeping of section 4.4/9.
package completion

import (
	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/outputqueue"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/tracking"
)

// Engine retires terminal PresentRecords into the output queues, per
// spec.md section 4.5's four steps.
type Engine struct {
	tables    *tracking.Tables
	queues    *outputqueue.Queues
	deferrals *deferralSet
	logger    *zap.Logger
}

// NewEngine creates a Completion Engine writing into tables and queues,
// waiting out deferredN further same-process presents before forcing a
// deferred record through (deferredN <= 0 uses the design default of 3). A
// nil logger disables lost-present and ring-eviction notices.
func NewEngine(tables *tracking.Tables, queues *outputqueue.Queues, deferredN int, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		tables:    tables,
		queues:    queues,
		deferrals: newDeferralSet(deferredN),
		logger:    logger,
	}
}

// Complete runs the four-step retirement sequence on p, which must already
// have a decided final state. If p's completion is still deferred (spec.md
// section 4.4: "completion-deferred" flag set and the wait not yet
// resolved), Complete instead registers it for later resolution and
// returns without retiring it.
func (e *Engine) Complete(p *record.Present) {
	if p.Flags.Has(record.FlagCompletionDeferred) {
		e.deferrals.add(p)
		return
	}
	e.retire(p)
}

// ResolveDeferred marks a deferred record as ready to retire — either
// because its awaited trailing event arrived, or because the bounded wait
// (design value N=3, spec.md section 4.4/9) elapsed. It is a no-op if p was
// never deferred.
func (e *Engine) ResolveDeferred(p *record.Present) {
	if !e.deferrals.remove(p) {
		return
	}
	p.Flags &^= record.FlagCompletionDeferred
	e.retire(p)
}

// OnProcessPresentStop advances every deferred record for pid's "further
// presents elapsed" counter, resolving (and retiring) any that reach N. Call
// this once per runtime-present-stop observed for pid, per spec.md section
// 9's deferred-completion design note.
func (e *Engine) OnProcessPresentStop(pid uint32) {
	ready := e.deferrals.tick(pid)
	for _, p := range ready {
		p.Flags &^= record.FlagCompletionDeferred
		e.retire(p)
	}
}

// retire runs spec.md section 4.5's four steps on a record whose deferral
// (if any) has already been resolved.
func (e *Engine) retire(p *record.Present) {
	screen := p.ScreenTime

	// Step 1: retire from every TT index.
	e.tables.Retire(p)

	// Step 2: retire dependents with the same screen time.
	for _, dep := range p.Dependents {
		e.tables.Retire(dep)
		if dep.Final == record.FinalStateUnknown {
			dep.MarkPresented(screen)
		}
		e.enqueue(dep)
	}

	// Step 3: anything strictly older in the same process missed its own
	// completion and is lost.
	for _, older := range e.tables.OlderThan(p.ProcessID, p) {
		e.LoseImmediately(older, "superseded-by-newer-completion")
	}

	// Step 4: push the retiring record itself.
	e.enqueue(p)
}

// recordHistory derives the output schema's per-swap-chain timing deltas
// (spec.md section 6: "time-between-presents" and, when displayed,
// "time-between-display-changes") from the tracking tables' history before
// p leaves the tables for good.
func (e *Engine) recordHistory(p *record.Present) {
	if d, ok := e.tables.TimeSincePriorPresent(p.SwapChainAddress, p.StartTime); ok {
		p.TimeSincePriorPresent = d
		p.HasTimeSincePriorPresent = true
	}
	if !p.ScreenTime.IsZero() {
		if d, ok := e.tables.TimeSincePriorDisplayChange(p.SwapChainAddress, p.ScreenTime); ok {
			p.TimeSincePriorDisplayChange = d
			p.HasTimeSincePriorDisplayChange = true
		}
	}
}

// enqueue routes p onto completed or lost per its final state, marking it
// terminal first (spec.md invariant: completed/lost are mutually exclusive
// and terminal).
func (e *Engine) enqueue(p *record.Present) {
	if p.IsTerminal() {
		return
	}
	e.recordHistory(p)
	if p.Flags.Has(record.FlagLost) || p.Final == record.FinalStateUnknown {
		p.Flags |= record.FlagLost
		e.queues.Lost.Push(p)
		return
	}
	p.Flags |= record.FlagCompleted
	e.queues.Completed.Push(p)
}

// LoseImmediately marks p lost and retires it without going through the
// normal completion path — used for ring eviction (section 4.2) and process
// exit (section 4.4/7). reason identifies the caller for the notice this
// logs (e.g. "ring-eviction", "process-exit").
func (e *Engine) LoseImmediately(p *record.Present, reason string) {
	if p.IsTerminal() {
		return
	}
	e.tables.Retire(p)
	e.recordHistory(p)
	p.Flags |= record.FlagLost
	e.queues.Lost.Push(p)

	if reason == "ring-eviction" {
		e.logger.Info("ring eviction: present lost", zap.Uint32("process_id", p.ProcessID))
	} else {
		e.logger.Info("lost present", zap.String("reason", reason), zap.Uint32("process_id", p.ProcessID))
	}
}

// DropAbandoned removes p from the tables without marking it lost or
// completed — used only at session shutdown (spec.md section 5:
// "in-flight records still in the tables at exit are dropped, not marked
// lost, because the stream ended, not the presents").
func (e *Engine) DropAbandoned(p *record.Present) {
	e.tables.Retire(p)
}
