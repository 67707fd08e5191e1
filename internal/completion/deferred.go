package completion

import "github.com/ElysiumPtolemus/presentmon/internal/record"

// defaultDeferredCompletionN is the design value spec.md section 4.4/9
// names for how many further same-process presents a deferred record waits
// out before being forced through, absent its own trailing event. Callers
// may override it per consumer.Config.DeferredCompletionN.
const defaultDeferredCompletionN = 3

// deferralSet holds, per process, the records awaiting a trailing event or
// the bounded wait-out, mirroring the original's mDeferredCompletions
// (PresentMonTraceConsumer.hpp, per-process vector of (record, count)
// pairs).
type deferralSet struct {
	waitOutN  int
	byProcess map[uint32][]deferredEntry
}

type deferredEntry struct {
	present   *record.Present
	remaining int
}

// newDeferralSet creates a deferral set that waits out n further
// same-process presents before forcing a deferred record through. n <= 0
// falls back to defaultDeferredCompletionN.
func newDeferralSet(n int) *deferralSet {
	if n <= 0 {
		n = defaultDeferredCompletionN
	}
	return &deferralSet{waitOutN: n, byProcess: make(map[uint32][]deferredEntry)}
}

// add registers p as deferred, starting its wait-out countdown.
func (d *deferralSet) add(p *record.Present) {
	d.byProcess[p.ProcessID] = append(d.byProcess[p.ProcessID], deferredEntry{present: p, remaining: d.waitOutN})
}

// remove drops p from the deferral set if present, reporting whether it was
// found (used when p's own trailing event resolves it directly).
func (d *deferralSet) remove(p *record.Present) bool {
	entries := d.byProcess[p.ProcessID]
	for i, e := range entries {
		if e.present == p {
			d.byProcess[p.ProcessID] = append(entries[:i], entries[i+1:]...)
			return true
		}
	}
	return false
}

// tick advances every deferred entry for pid by one further present, and
// returns (removing them from the set) every entry whose wait-out has
// elapsed.
func (d *deferralSet) tick(pid uint32) []*record.Present {
	entries := d.byProcess[pid]
	if len(entries) == 0 {
		return nil
	}
	var ready []*record.Present
	remaining := entries[:0]
	for _, e := range entries {
		e.remaining--
		if e.remaining <= 0 {
			ready = append(ready, e.present)
			continue
		}
		remaining = append(remaining, e)
	}
	if len(remaining) == 0 {
		delete(d.byProcess, pid)
	} else {
		d.byProcess[pid] = remaining
	}
	return ready
}
