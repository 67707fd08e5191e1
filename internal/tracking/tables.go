package tracking

import (
	"time"

	"github.com/ElysiumPtolemus/presentmon/internal/record"
)

// DefaultRingCapacity is the design value spec.md section 4.2 names for the
// all-presents ring (C ~= 4096).
const DefaultRingCapacity = 4096

// Tables bundles the nine keyed indices plus the all-presents ring, each a
// non-owning handle to a live *record.Present. Every operation here runs on
// the single processing thread (spec.md section 5); no internal locking.
type Tables struct {
	byThread             map[uint32]*record.Present
	byProcess            map[uint32][]*record.Present
	bySubmitSequence     map[uint32]*record.Present
	byCompositionToken   map[record.CompositionToken]*record.Present
	byPresentHistoryToken map[uint64]*record.Present
	byLegacyBlitToken    map[uint64]*record.Present
	byGraphicsContext    map[uint64]*record.Present
	byLastWindowPresent  map[record.WindowHandle]*record.Present
	waitingForCompositor []*record.Present
	ring                 *Ring[*record.Present]

	lastPresentTime map[uint64]time.Time
	lastDisplayTime map[uint64]time.Time
}

// NewTables creates an empty set of tracking tables with the given
// all-presents ring capacity.
func NewTables(ringCapacity int) *Tables {
	if ringCapacity <= 0 {
		ringCapacity = DefaultRingCapacity
	}
	return &Tables{
		byThread:              make(map[uint32]*record.Present),
		byProcess:             make(map[uint32][]*record.Present),
		bySubmitSequence:      make(map[uint32]*record.Present),
		byCompositionToken:    make(map[record.CompositionToken]*record.Present),
		byPresentHistoryToken: make(map[uint64]*record.Present),
		byLegacyBlitToken:     make(map[uint64]*record.Present),
		byGraphicsContext:     make(map[uint64]*record.Present),
		byLastWindowPresent:   make(map[record.WindowHandle]*record.Present),
		ring:                  NewRing[*record.Present](ringCapacity),
		lastPresentTime:       make(map[uint64]time.Time),
		lastDisplayTime:       make(map[uint64]time.Time),
	}
}

// --- by-thread ---

// ThreadPresent returns the record currently being built on tid, if any.
func (t *Tables) ThreadPresent(tid uint32) (*record.Present, bool) {
	p, ok := t.byThread[tid]
	return p, ok
}

// BindThread replaces any prior record bound to tid with p, returning the
// prior record if one existed (the caller must decide its fate — spec.md's
// tie-break: a present-start on a thread with an active record marks the
// prior lost).
func (t *Tables) BindThread(tid uint32, p *record.Present) (prior *record.Present, hadPrior bool) {
	prior, hadPrior = t.byThread[tid]
	t.byThread[tid] = p
	return prior, hadPrior
}

// UnbindThread removes whatever record is bound to tid, if it is p (a stale
// unbind for a thread already reassigned to a newer record is a no-op).
func (t *Tables) UnbindThread(tid uint32, p *record.Present) {
	if cur, ok := t.byThread[tid]; ok && cur == p {
		delete(t.byThread, tid)
	}
}

// --- by-process-ordered ---

// InsertProcessOrdered appends p to its process's ordered list. Callers
// insert in arrival order, which is timestamp order by construction
// (spec.md invariant 2: the per-process index is strictly increasing in
// timestamp).
func (t *Tables) InsertProcessOrdered(p *record.Present) {
	t.byProcess[p.ProcessID] = append(t.byProcess[p.ProcessID], p)
}

// ProcessOrdered returns the live, in-order slice of in-flight presents for
// pid. The returned slice must not be retained past the next mutation.
func (t *Tables) ProcessOrdered(pid uint32) []*record.Present {
	return t.byProcess[pid]
}

// RemoveProcessOrdered removes p from its process's ordered list.
func (t *Tables) RemoveProcessOrdered(p *record.Present) {
	list := t.byProcess[p.ProcessID]
	for i, cand := range list {
		if cand == p {
			t.byProcess[p.ProcessID] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// OlderThan returns every record for pid strictly older (by StartTime) than
// cutoff, in start order. Used by the completion engine's "older records
// are lost when a newer one completes" rule (spec.md section 4.5 step 3).
func (t *Tables) OlderThan(pid uint32, cutoff *record.Present) []*record.Present {
	list := t.byProcess[pid]
	older := make([]*record.Present, 0, len(list))
	for _, cand := range list {
		if cand == cutoff {
			continue
		}
		if cand.StartTime.Before(cutoff.StartTime) {
			older = append(older, cand)
		}
	}
	return older
}

// AllForProcess returns every in-flight record for pid, in start order. Used
// by process-stop handling (spec.md section 4.4: NT-Process-Stop forces
// loss of all of that process's in-flight records).
func (t *Tables) AllForProcess(pid uint32) []*record.Present {
	list := t.byProcess[pid]
	out := make([]*record.Present, len(list))
	copy(out, list)
	return out
}

// --- by-submit-sequence ---

func (t *Tables) FindBySubmitSequence(seq uint32) (*record.Present, bool) {
	p, ok := t.bySubmitSequence[seq]
	return p, ok
}

func (t *Tables) BindSubmitSequence(seq uint32, p *record.Present) {
	t.bySubmitSequence[seq] = p
	p.SubmitSequence = seq
	p.HasSubmitSequence = true
}

func (t *Tables) RemoveSubmitSequence(seq uint32) {
	delete(t.bySubmitSequence, seq)
}

// --- by-composition-token ---

func (t *Tables) FindByCompositionToken(tok record.CompositionToken) (*record.Present, bool) {
	p, ok := t.byCompositionToken[tok]
	return p, ok
}

func (t *Tables) BindCompositionToken(tok record.CompositionToken, p *record.Present) {
	t.byCompositionToken[tok] = p
	p.CompositionToken = tok
	p.HasCompositionToken = true
}

func (t *Tables) RemoveCompositionToken(tok record.CompositionToken) {
	delete(t.byCompositionToken, tok)
}

// --- by-present-history-token ---

func (t *Tables) FindByPresentHistoryToken(tok uint64) (*record.Present, bool) {
	p, ok := t.byPresentHistoryToken[tok]
	return p, ok
}

func (t *Tables) BindPresentHistoryToken(tok uint64, p *record.Present) {
	t.byPresentHistoryToken[tok] = p
	p.PresentHistoryToken = tok
	p.HasPresentHistoryToken = true
}

func (t *Tables) RemovePresentHistoryToken(tok uint64) {
	delete(t.byPresentHistoryToken, tok)
}

// --- by-legacy-blit-token ---

func (t *Tables) FindByLegacyBlitToken(tok uint64) (*record.Present, bool) {
	p, ok := t.byLegacyBlitToken[tok]
	return p, ok
}

func (t *Tables) BindLegacyBlitToken(tok uint64, p *record.Present) {
	t.byLegacyBlitToken[tok] = p
	p.LegacyBlitToken = tok
	p.HasLegacyBlitToken = true
}

func (t *Tables) RemoveLegacyBlitToken(tok uint64) {
	delete(t.byLegacyBlitToken, tok)
}

// --- by-graphics-context ---

func (t *Tables) FindByGraphicsContext(ctx uint64) (*record.Present, bool) {
	p, ok := t.byGraphicsContext[ctx]
	return p, ok
}

func (t *Tables) BindGraphicsContext(ctx uint64, p *record.Present) {
	t.byGraphicsContext[ctx] = p
	p.GraphicsContext = ctx
}

func (t *Tables) RemoveGraphicsContext(ctx uint64) {
	delete(t.byGraphicsContext, ctx)
}

// --- by-last-window-present ---

func (t *Tables) FindByLastWindowPresent(w record.WindowHandle) (*record.Present, bool) {
	p, ok := t.byLastWindowPresent[w]
	return p, ok
}

// ReplaceLastWindowPresent binds w to p, returning the prior occupant (if
// any) so the caller can retire it per spec.md section 4.4's win32k token
// state-changed InFrame rule ("retires any older by-last-window-present for
// the same window as discarded").
func (t *Tables) ReplaceLastWindowPresent(w record.WindowHandle, p *record.Present) (prior *record.Present, hadPrior bool) {
	prior, hadPrior = t.byLastWindowPresent[w]
	t.byLastWindowPresent[w] = p
	p.Window = w
	return prior, hadPrior
}

func (t *Tables) RemoveLastWindowPresent(w record.WindowHandle) {
	delete(t.byLastWindowPresent, w)
}

// DrainAllLastWindowPresent removes and returns every record currently
// parked in by-last-window-present, for Compositor-GetPresentHistory's move
// into waiting-for-compositor (spec.md section 4.4).
func (t *Tables) DrainAllLastWindowPresent() []*record.Present {
	if len(t.byLastWindowPresent) == 0 {
		return nil
	}
	out := make([]*record.Present, 0, len(t.byLastWindowPresent))
	for _, p := range t.byLastWindowPresent {
		out = append(out, p)
	}
	t.byLastWindowPresent = make(map[record.WindowHandle]*record.Present)
	return out
}

// --- waiting-for-compositor ---

// ParkForCompositor appends p to the deque of records awaiting the
// compositor's next present.
func (t *Tables) ParkForCompositor(p *record.Present) {
	t.waitingForCompositor = append(t.waitingForCompositor, p)
}

// DrainWaitingForCompositor removes and returns every record currently
// parked, in insertion order (spec.md section 4.4: "Compositor
// get-present-history moves all the compositor-dependent records currently
// parked... into waiting-for-compositor" — and the compositor's own next
// present later retires everything waiting).
func (t *Tables) DrainWaitingForCompositor() []*record.Present {
	out := t.waitingForCompositor
	t.waitingForCompositor = nil
	return out
}

// --- all-presents ring ---

// RingInsert inserts p into the eviction ring, returning the record it
// displaced (if any). The caller is responsible for marking a non-terminal
// evicted record lost and queuing it (spec.md section 4.2).
func (t *Tables) RingInsert(p *record.Present) (evicted *record.Present, didEvict bool) {
	idx, ev, did := t.ring.Insert(p)
	p.RingIndex = idx
	p.HasRingIndex = true
	return ev, did
}

// RingRemove removes p from the eviction ring.
func (t *Tables) RingRemove(p *record.Present) {
	if p.HasRingIndex {
		t.ring.Remove(p.RingIndex)
		p.HasRingIndex = false
	}
}

// RingLen reports how many live records the ring currently holds.
func (t *Tables) RingLen() int { return t.ring.Len() }

// RingCap reports the ring's fixed capacity.
func (t *Tables) RingCap() int { return t.ring.Cap() }

// AllLive returns every record currently live in the all-presents ring —
// by invariant (spec.md section 3), exactly the set of records not yet
// completed or lost. Used at session shutdown to drop whatever remains
// without marking it lost (spec.md section 5).
func (t *Tables) AllLive() []*record.Present {
	out := make([]*record.Present, 0, t.ring.Len())
	for i := 0; i < t.ring.Cap(); i++ {
		if p, ok := t.ring.At(i); ok {
			out = append(out, p)
		}
	}
	return out
}

// --- per-swap-chain derived timing history ---

// TimeSincePriorPresent returns the interval since the last present
// observed on swapChain, then records at as that swap chain's new
// most-recent present time. ok is false for a swap chain's first present,
// which has nothing to measure from (spec.md section 6: "time-between-
// presents (derived)").
func (t *Tables) TimeSincePriorPresent(swapChain uint64, at time.Time) (delta time.Duration, ok bool) {
	prior, had := t.lastPresentTime[swapChain]
	t.lastPresentTime[swapChain] = at
	if !had {
		return 0, false
	}
	return at.Sub(prior), true
}

// TimeSincePriorDisplayChange is TimeSincePriorPresent's counterpart for the
// display-tracking-gated "time-between-display-changes" field, measured
// from each present's own screen time rather than its start time.
func (t *Tables) TimeSincePriorDisplayChange(swapChain uint64, at time.Time) (delta time.Duration, ok bool) {
	prior, had := t.lastDisplayTime[swapChain]
	t.lastDisplayTime[swapChain] = at
	if !had {
		return 0, false
	}
	return at.Sub(prior), true
}

// Retire removes p from every index it may currently occupy. Safe to call
// on a record that is only partially indexed (e.g. never got a submit
// sequence). This is the "remove from all indices" loop spec.md section 9
// calls for.
func (t *Tables) Retire(p *record.Present) {
	t.UnbindThread(p.ThreadID, p)
	t.RemoveProcessOrdered(p)
	if p.HasSubmitSequence {
		if cur, ok := t.bySubmitSequence[p.SubmitSequence]; ok && cur == p {
			t.RemoveSubmitSequence(p.SubmitSequence)
		}
	}
	if p.HasCompositionToken {
		if cur, ok := t.byCompositionToken[p.CompositionToken]; ok && cur == p {
			t.RemoveCompositionToken(p.CompositionToken)
		}
	}
	if p.HasPresentHistoryToken {
		if cur, ok := t.byPresentHistoryToken[p.PresentHistoryToken]; ok && cur == p {
			t.RemovePresentHistoryToken(p.PresentHistoryToken)
		}
	}
	if p.HasLegacyBlitToken {
		if cur, ok := t.byLegacyBlitToken[p.LegacyBlitToken]; ok && cur == p {
			t.RemoveLegacyBlitToken(p.LegacyBlitToken)
		}
	}
	if cur, ok := t.byGraphicsContext[p.GraphicsContext]; ok && cur == p {
		t.RemoveGraphicsContext(p.GraphicsContext)
	}
	if cur, ok := t.byLastWindowPresent[p.Window]; ok && cur == p {
		t.RemoveLastWindowPresent(p.Window)
	}
	t.RingRemove(p)
}
