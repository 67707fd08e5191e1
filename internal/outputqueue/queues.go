// Package outputqueue implements the bounded hand-off between the single
// processing thread (PCT/CE) and the application's output thread: two
// record queues (completed, lost) plus a process-event queue, each guarded
// by its own mutex and drained in bulk, per spec.md section 4.6.
package outputqueue

import (
	"sync"

	"github.com/ElysiumPtolemus/presentmon/internal/record"
)

// Queue is a single-producer/single-consumer FIFO guarded by one mutex,
// drained in bulk via TakeAll. Modeled after the teacher's
// eventprocessor.Processor output channel, but as a plain mutex-guarded
// slice rather than a Go channel: spec.md section 4.6 calls for a
// lock-guarded swap-and-drain, not a blocking channel, since the consumer
// polls rather than blocks.
type Queue[T any] struct {
	mu    sync.Mutex
	items []T
}

// Push appends v to the queue.
func (q *Queue[T]) Push(v T) {
	q.mu.Lock()
	q.items = append(q.items, v)
	q.mu.Unlock()
}

// TakeAll removes and returns every item currently queued, preserving FIFO
// order, under a single short critical section.
func (q *Queue[T]) TakeAll() []T {
	q.mu.Lock()
	items := q.items
	q.items = nil
	q.mu.Unlock()
	return items
}

// Len reports the current queue depth. Intended for diagnostics only; the
// value may be stale the instant it's read.
func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Queues bundles the three output hand-offs spec.md section 4.6 names.
type Queues struct {
	Completed      Queue[*record.Present]
	Lost           Queue[*record.Present]
	ProcessEvents  Queue[record.ProcessEvent]
}

// New creates an empty set of output queues.
func New() *Queues {
	return &Queues{}
}

// TakeCompleted drains the completed-presents queue.
func (q *Queues) TakeCompleted() []*record.Present { return q.Completed.TakeAll() }

// TakeLost drains the lost-presents queue.
func (q *Queues) TakeLost() []*record.Present { return q.Lost.TakeAll() }

// TakeProcessEvents drains the process-events queue.
func (q *Queues) TakeProcessEvents() []record.ProcessEvent { return q.ProcessEvents.TakeAll() }
