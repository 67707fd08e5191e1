package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ElysiumPtolemus/presentmon/internal/completion"
	"github.com/ElysiumPtolemus/presentmon/internal/dispatch"
	"github.com/ElysiumPtolemus/presentmon/internal/emr"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/outputqueue"
	"github.com/ElysiumPtolemus/presentmon/internal/providers"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
	"github.com/ElysiumPtolemus/presentmon/internal/session"
	"github.com/ElysiumPtolemus/presentmon/internal/tracking"
)

type testHarness struct {
	deps  *Deps
	table *dispatch.Table
	sess  *session.Context
}

func newTestHarness() *testHarness {
	tables := tracking.NewTables(16)
	queues := outputqueue.New()
	engine := completion.NewEngine(tables, queues, 3, nil)
	resolver := emr.NewResolver()
	deps := &Deps{Tables: tables, Engine: engine, Resolver: resolver, Queues: queues}
	sess := session.New()
	table := dispatch.New(sess, nil)
	deps.Register(table)
	return &testHarness{deps: deps, table: table, sess: sess}
}

func decodeOf(values map[string]etwevent.Value) func([]byte) (map[string]etwevent.Value, error) {
	return func([]byte) (map[string]etwevent.Value, error) { return values, nil }
}

// decodeBySelector picks which fixture to return based on the single byte
// carried as the raw event's payload, letting one (provider, id) layout
// stand in for several distinct events carrying different field values.
func decodeBySelector(byPayload map[byte]map[string]etwevent.Value) func([]byte) (map[string]etwevent.Value, error) {
	return func(payload []byte) (map[string]etwevent.Value, error) {
		if len(payload) != 1 {
			return nil, errors.New("decodeBySelector: payload must carry exactly one selector byte")
		}
		values, ok := byPayload[payload[0]]
		if !ok {
			return nil, errors.New("decodeBySelector: no fixture registered for selector")
		}
		return values, nil
	}
}

// TestHardwareLegacyFlipCompletesOnVSyncDPC exercises the direct-hardware
// legacy-flip pipeline: runtime present-start, kernel flip, queue-packet
// start/stop, then VSyncDPC retires the record as completed.
func TestHardwareLegacyFlipCompletesOnVSyncDPC(t *testing.T) {
	h := newTestHarness()
	start := time.Now()

	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeOf(map[string]etwevent.Value{
			"SwapChainAddress": etwevent.Uint64Value(0xABCD),
			"SyncInterval":     etwevent.Uint32Value(1),
			"PresentFlags":     etwevent.Uint32Value(0),
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkFlip,
		Decode: decodeOf(map[string]etwevent.Value{
			"FlipInterval": etwevent.Uint32Value(1),
			"MMIOFlip":     etwevent.BoolValue(false),
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkQueuePacketStart,
		Decode: decodeOf(map[string]etwevent.Value{"SubmitSequence": etwevent.Uint32Value(7)}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkVSyncDPC,
		Decode: decodeOf(map[string]etwevent.Value{"SubmitSequence": etwevent.Uint32Value(7)}),
	})

	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 100, ThreadID: 1, Timestamp: start,
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkFlip},
		ProcessID: 100, ThreadID: 1, Timestamp: start.Add(time.Millisecond),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkQueuePacketStart},
		ProcessID: 100, ThreadID: 1, Timestamp: start.Add(2 * time.Millisecond),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: 100, ThreadID: 1, Timestamp: start.Add(3 * time.Millisecond),
	})

	screen := start.Add(16 * time.Millisecond)
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkVSyncDPC},
		ProcessID: 100, ThreadID: 1, Timestamp: screen,
	})

	completed := h.deps.Queues.TakeCompleted()
	require.Len(t, completed, 1)
	p := completed[0]
	assert.Equal(t, record.ClassificationHardwareLegacyFlip, p.Classification)
	assert.Equal(t, screen, p.ScreenTime)
	assert.True(t, p.IsTerminal())
}

// TestRuntimePresentStart_PriorThreadRecordLost verifies a present-start on
// a thread already owning an in-flight record loses that prior record.
func TestRuntimePresentStart_PriorThreadRecordLost(t *testing.T) {
	h := newTestHarness()
	start := time.Now()

	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeOf(map[string]etwevent.Value{
			"SwapChainAddress": etwevent.Uint64Value(1),
			"SyncInterval":     etwevent.Uint32Value(0),
			"PresentFlags":     etwevent.Uint32Value(0),
		}),
	})

	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: start,
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: start.Add(time.Millisecond),
	})

	lost := h.deps.Queues.TakeLost()
	require.Len(t, lost, 1)
	assert.True(t, lost[0].Flags.Has(record.FlagLost))
}

// TestUnclassifiedPresentStopDefersCompletion verifies a present-stop with
// no kernel classification defers completion instead of retiring
// immediately (spec.md's unknown-at-stop scenario).
func TestUnclassifiedPresentStopDefersCompletion(t *testing.T) {
	h := newTestHarness()
	start := time.Now()

	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeOf(map[string]etwevent.Value{
			"SwapChainAddress": etwevent.Uint64Value(1),
			"SyncInterval":     etwevent.Uint32Value(0),
			"PresentFlags":     etwevent.Uint32Value(0),
		}),
	})

	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: start,
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: 1, ThreadID: 1, Timestamp: start.Add(time.Millisecond),
	})

	assert.Empty(t, h.deps.Queues.TakeCompleted())
	assert.Empty(t, h.deps.Queues.TakeLost())

	for i := 0; i < 3; i++ {
		h.deps.Engine.OnProcessPresentStop(1)
	}

	lost := h.deps.Queues.TakeLost()
	require.Len(t, lost, 1)
}

// TestProcessStop_ForcesLossOfAllInFlightRecords verifies NT-Process-Stop
// retires every record the process still owns, in start order.
func TestProcessStop_ForcesLossOfAllInFlightRecords(t *testing.T) {
	h := newTestHarness()
	start := time.Now()

	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeOf(map[string]etwevent.Value{
			"SwapChainAddress": etwevent.Uint64Value(1),
			"SyncInterval":     etwevent.Uint32Value(0),
			"PresentFlags":     etwevent.Uint32Value(0),
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.NTProcess, EventID: ntProcessStop,
		Decode: decodeOf(map[string]etwevent.Value{"ImageName": etwevent.StringValue("game.exe")}),
	})

	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: start,
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 2, Timestamp: start.Add(time.Millisecond),
	})

	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.NTProcess, ID: ntProcessStop},
		ProcessID: 1, ThreadID: 0, Timestamp: start.Add(2 * time.Millisecond),
	})

	lost := h.deps.Queues.TakeLost()
	assert.Len(t, lost, 2)

	events := h.deps.Queues.TakeProcessEvents()
	require.Len(t, events, 1)
	assert.False(t, events[0].IsStart)
	assert.Equal(t, "game.exe", events[0].ImageName)
}

// TestComposedFlipViaCompositor_TwoWindows exercises spec.md section 8's
// composed-flip-via-compositor scenario with two concurrently in-flight
// windows, each reaching Win32k's InFrame token state before the compositor
// drains and retires them. Each window carries a distinct hWnd on its own
// TokenStateChanged event; a regression here would see one window's InFrame
// transition evict the other's by-last-window-present entry before the
// compositor ever gets to it.
func TestComposedFlipViaCompositor_TwoWindows(t *testing.T) {
	h := newTestHarness()
	start := time.Now()

	const (
		selW1   byte = 1
		selW2   byte = 2
		selComp byte = 3
	)

	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1: {
				"SwapChainAddress": etwevent.Uint64Value(0xAAA1),
				"SyncInterval":     etwevent.Uint32Value(1),
				"PresentFlags":     etwevent.Uint32Value(0),
			},
			selW2: {
				"SwapChainAddress": etwevent.Uint64Value(0xAAA2),
				"SyncInterval":     etwevent.Uint32Value(1),
				"PresentFlags":     etwevent.Uint32Value(0),
			},
			selComp: {
				"SwapChainAddress": etwevent.Uint64Value(0xDEAD),
				"SyncInterval":     etwevent.Uint32Value(1),
				"PresentFlags":     etwevent.Uint32Value(0),
			},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.Win32k, EventID: win32kTokenCompositionSurfaceObject,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1: {
				"CompositionSurfaceLuid": etwevent.Uint64Value(501),
				"PresentCount":           etwevent.Uint32Value(1),
				"BindId":                 etwevent.Uint32Value(1),
			},
			selW2: {
				"CompositionSurfaceLuid": etwevent.Uint64Value(502),
				"PresentCount":           etwevent.Uint32Value(1),
				"BindId":                 etwevent.Uint32Value(1),
			},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkPresentHistoryDetailedStart,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1: {"Token": etwevent.Uint64Value(9001)},
			selW2: {"Token": etwevent.Uint64Value(9002)},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkQueuePacketStart,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1:   {"SubmitSequence": etwevent.Uint32Value(5)},
			selW2:   {"SubmitSequence": etwevent.Uint32Value(6)},
			selComp: {"SubmitSequence": etwevent.Uint32Value(99)},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkPresentHistoryInfo,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1: {"Token": etwevent.Uint64Value(9001)},
			selW2: {"Token": etwevent.Uint64Value(9002)},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.Win32k, EventID: win32kTokenStateChanged,
		Decode: decodeBySelector(map[byte]map[string]etwevent.Value{
			selW1: {
				"CompositionSurfaceLuid": etwevent.Uint64Value(501),
				"PresentCount":           etwevent.Uint32Value(1),
				"BindId":                 etwevent.Uint32Value(1),
				"TokenData":              etwevent.Uint32Value(uint32(tokenStateInFrame)),
				"hWnd":                   etwevent.Uint64Value(0x1001),
			},
			selW2: {
				"CompositionSurfaceLuid": etwevent.Uint64Value(502),
				"PresentCount":           etwevent.Uint32Value(1),
				"BindId":                 etwevent.Uint32Value(1),
				"TokenData":              etwevent.Uint32Value(uint32(tokenStateInFrame)),
				"hWnd":                   etwevent.Uint64Value(0x1002),
			},
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkFlip,
		Decode: decodeOf(map[string]etwevent.Value{
			"FlipInterval": etwevent.Uint32Value(1),
			"MMIOFlip":     etwevent.BoolValue(false),
		}),
	})
	h.deps.Resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkVSyncDPC,
		Decode: decodeOf(map[string]etwevent.Value{"SubmitSequence": etwevent.Uint32Value(99)}),
	})

	selector := func(b byte) []byte { return []byte{b} }

	// Window 1 and window 2 establish their composed-flip records and
	// acquire composition tokens, interleaved to model two concurrently
	// in-flight presents.
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 100, ThreadID: 9, Timestamp: start, Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 200, ThreadID: 19, Timestamp: start, Payload: selector(selW2),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.Win32k, ID: win32kTokenCompositionSurfaceObject},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(time.Millisecond), Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.Win32k, ID: win32kTokenCompositionSurfaceObject},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(time.Millisecond), Payload: selector(selW2),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkPresentHistoryDetailedStart},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(2 * time.Millisecond), Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkPresentHistoryDetailedStart},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(2 * time.Millisecond), Payload: selector(selW2),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkQueuePacketStart},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(3 * time.Millisecond), Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkQueuePacketStart},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(3 * time.Millisecond), Payload: selector(selW2),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(4 * time.Millisecond),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(4 * time.Millisecond),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkPresentHistoryInfo},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(5 * time.Millisecond), Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkPresentHistoryInfo},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(5 * time.Millisecond), Payload: selector(selW2),
	})

	// Both windows reach InFrame, each keyed by its own hWnd.
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.Win32k, ID: win32kTokenStateChanged},
		ProcessID: 100, ThreadID: 9, Timestamp: start.Add(6 * time.Millisecond), Payload: selector(selW1),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.Win32k, ID: win32kTokenStateChanged},
		ProcessID: 200, ThreadID: 19, Timestamp: start.Add(6 * time.Millisecond), Payload: selector(selW2),
	})

	assert.Empty(t, h.deps.Queues.TakeCompleted(), "neither window retires before the compositor does")
	assert.Empty(t, h.deps.Queues.TakeLost(), "a correlation-key collision would discard one window here")

	// Compositor drains both windows out of by-last-window-present.
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DwmCore, ID: dwmGetPresentHistory},
		Timestamp: start.Add(7 * time.Millisecond),
	})

	// Compositor's own direct-hardware present retires and, being a
	// hardware classification, carries the drained windows as dependents.
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 4, ThreadID: 50, Timestamp: start.Add(8 * time.Millisecond), Payload: selector(selComp),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkFlip},
		ProcessID: 4, ThreadID: 50, Timestamp: start.Add(9 * time.Millisecond),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkQueuePacketStart},
		ProcessID: 4, ThreadID: 50, Timestamp: start.Add(10 * time.Millisecond), Payload: selector(selComp),
	})
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: 4, ThreadID: 50, Timestamp: start.Add(11 * time.Millisecond),
	})

	screen := start.Add(16 * time.Millisecond)
	h.table.Dispatch(etwevent.RawEvent{
		Descr: etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkVSyncDPC},
		ProcessID: 4, ThreadID: 50, Timestamp: screen,
	})

	completed := h.deps.Queues.TakeCompleted()
	require.Len(t, completed, 3, "the compositor's own present plus both windows")
	assert.Empty(t, h.deps.Queues.TakeLost())

	byProcess := make(map[uint32]*record.Present, len(completed))
	for _, p := range completed {
		byProcess[p.ProcessID] = p
	}

	w1 := byProcess[100]
	w2 := byProcess[200]
	require.NotNil(t, w1, "window 1's present must retire, not be discarded by window 2's InFrame transition")
	require.NotNil(t, w2, "window 2's present must retire, not be discarded by window 1's InFrame transition")

	assert.Equal(t, record.ClassificationComposedFlip, w1.Classification)
	assert.Equal(t, record.ClassificationComposedFlip, w2.Classification)
	assert.Equal(t, screen, w1.ScreenTime)
	assert.Equal(t, screen, w2.ScreenTime)
	assert.False(t, w1.Dropped())
	assert.False(t, w2.Dropped())
}
