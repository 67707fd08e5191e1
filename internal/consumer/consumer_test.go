package consumer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/ElysiumPtolemus/presentmon/internal/emr"
	"github.com/ElysiumPtolemus/presentmon/internal/etwevent"
	"github.com/ElysiumPtolemus/presentmon/internal/providers"
	"github.com/ElysiumPtolemus/presentmon/internal/telemetry"
)

const (
	dxgiPresentStart uint16 = 42
	dxgiPresentStop  uint16 = 43
	dxgkFlip         uint16 = 168
	dxgkQueuePacketStart uint16 = 178
	dxgkVSyncDPC     uint16 = 17
)

func decodeOf(values map[string]etwevent.Value) func([]byte) (map[string]etwevent.Value, error) {
	return func([]byte) (map[string]etwevent.Value, error) { return values, nil }
}

func newTestResolver() *emr.Resolver {
	r := emr.NewResolver()
	r.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: dxgiPresentStart,
		Decode: decodeOf(map[string]etwevent.Value{
			"SwapChainAddress": etwevent.Uint64Value(0xABCD),
			"SyncInterval":     etwevent.Uint32Value(1),
			"PresentFlags":     etwevent.Uint32Value(0),
		}),
	})
	r.RegisterLayout(emr.FieldLayout{Provider: providers.DXGI, EventID: dxgiPresentStop, Decode: decodeOf(nil)})
	r.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkFlip,
		Decode: decodeOf(map[string]etwevent.Value{
			"FlipInterval": etwevent.Uint32Value(1),
			"MMIOFlip":     etwevent.BoolValue(false),
		}),
	})
	r.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkQueuePacketStart,
		Decode: decodeOf(map[string]etwevent.Value{"SubmitSequence": etwevent.Uint32Value(1)}),
	})
	r.RegisterLayout(emr.FieldLayout{
		Provider: providers.DxgKrnl, EventID: dxgkVSyncDPC,
		Decode: decodeOf(map[string]etwevent.Value{"SubmitSequence": etwevent.Uint32Value(1)}),
	})
	return r
}

// runHardwareFlip drives one direct-hardware present to completion on pid/tid
// starting at start, the same event sequence TestConsumer_EndToEnd_HardwareFlipCompletes
// uses, factored out so tests can drive several presents in a row.
func runHardwareFlip(c *Consumer, pid, tid uint32, start time.Time) {
	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: pid, ThreadID: tid, Timestamp: start,
	})
	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkFlip},
		ProcessID: pid, ThreadID: tid, Timestamp: start.Add(time.Millisecond),
	})
	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkQueuePacketStart},
		ProcessID: pid, ThreadID: tid, Timestamp: start.Add(2 * time.Millisecond),
	})
	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStop},
		ProcessID: pid, ThreadID: tid, Timestamp: start.Add(3 * time.Millisecond),
	})
	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DxgKrnl, ID: dxgkVSyncDPC},
		ProcessID: pid, ThreadID: tid, Timestamp: start.Add(16 * time.Millisecond),
	})
}

// TestConsumer_EndToEnd_HardwareFlipCompletes exercises the full
// on_event -> decode -> dispatch -> retire -> drain round trip for a
// direct-hardware present.
func TestConsumer_EndToEnd_HardwareFlipCompletes(t *testing.T) {
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, newTestResolver(), nil)
	runHardwareFlip(c, 1, 1, time.Now())

	completed := c.TakeCompleted()
	require.Len(t, completed, 1)
	assert.True(t, completed[0].IsTerminal())
	assert.Empty(t, c.TakeLost())

	stats := c.Stats()
	assert.Equal(t, uint64(0), stats.DecoderUnavailable)
}

// TestConsumer_OnEvent_UndecodableEventIncrementsDecoderUnavailable verifies
// an event with no registered layout never reaches dispatch and is counted.
func TestConsumer_OnEvent_UndecodableEventIncrementsDecoderUnavailable(t *testing.T) {
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, emr.NewResolver(), nil)

	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: time.Now(),
	})

	assert.Equal(t, uint64(1), c.Stats().DecoderUnavailable)
	assert.Empty(t, c.TakeCompleted())
	assert.Empty(t, c.TakeLost())
}

// TestConsumer_OnEvent_UnregisteredHandlerIncrementsDroppedEvents verifies
// an event that decodes fine but has no PCT handler registered for its
// (provider, id) pair is counted as a dropped event.
func TestConsumer_OnEvent_UnregisteredHandlerIncrementsDroppedEvents(t *testing.T) {
	const unhandledEventID uint16 = 9999

	resolver := newTestResolver()
	resolver.RegisterLayout(emr.FieldLayout{
		Provider: providers.DXGI, EventID: unhandledEventID,
		Decode: decodeOf(nil),
	})
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, resolver, nil)

	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DXGI, ID: unhandledEventID},
		ProcessID: 1, ThreadID: 1, Timestamp: time.Now(),
	})

	assert.Equal(t, uint64(1), c.Stats().DroppedEvents)
	assert.Equal(t, uint64(0), c.Stats().DecoderUnavailable)
}

// TestConsumer_TrackedProcessFilter verifies the tracked-process control
// surface: an empty filter tracks every process, a non-empty one only its
// members, and removing the last member makes the filter empty again.
func TestConsumer_TrackedProcessFilter(t *testing.T) {
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, newTestResolver(), nil)

	assert.True(t, c.IsProcessTracked(7))
	c.AddTrackedProcess(7)
	assert.True(t, c.IsProcessTracked(7))
	assert.False(t, c.IsProcessTracked(8))

	c.SetFilteredEvents(true)
	assert.True(t, c.IsProcessTracked(7))
	assert.False(t, c.IsProcessTracked(8))

	c.RemoveTrackedProcess(7)
	assert.True(t, c.IsProcessTracked(7))
}

// TestConsumer_SetTrackDisplay_TogglesSpanSinkOutputLive verifies that
// toggling display tracking mid-session changes what a span sink already
// constructed against this consumer's session emits, rather than the sink
// being pinned to whatever value was in effect at construction time.
func TestConsumer_SetTrackDisplay_TogglesSpanSinkOutputLive(t *testing.T) {
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, newTestResolver(), nil)

	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	sink := telemetry.NewSpanSink(tp.Tracer("test"), c.Session(), false, nil)

	c.SetTrackDisplay(false)
	runHardwareFlip(c, 1, 1, time.Now())
	sink.EmitCompleted(context.Background(), c.TakeCompleted())

	spans := exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.False(t, hasAttribute(spans[0].Attributes, "present.mode"))
	exporter.Reset()

	c.SetTrackDisplay(true)
	runHardwareFlip(c, 2, 2, time.Now())
	sink.EmitCompleted(context.Background(), c.TakeCompleted())

	spans = exporter.GetSpans()
	require.Len(t, spans, 1)
	assert.True(t, hasAttribute(spans[0].Attributes, "present.mode"))
}

func hasAttribute(attrs []attribute.KeyValue, key string) bool {
	for _, a := range attrs {
		if a.Key == attribute.Key(key) {
			return true
		}
	}
	return false
}

// TestConsumer_Shutdown_DropsInFlightRecordsWithoutEnqueueing verifies
// records still resident at shutdown are dropped, not marked lost.
func TestConsumer_Shutdown_DropsInFlightRecordsWithoutEnqueueing(t *testing.T) {
	c := New(Config{RingCapacity: 64, DeferredCompletionN: 3}, newTestResolver(), nil)
	start := time.Now()

	c.OnEvent(etwevent.RawEvent{
		Descr:     etwevent.Descriptor{Provider: providers.DXGI, ID: dxgiPresentStart},
		ProcessID: 1, ThreadID: 1, Timestamp: start,
	})

	c.Shutdown()

	assert.Empty(t, c.TakeCompleted())
	assert.Empty(t, c.TakeLost())
	assert.Empty(t, c.tables.AllLive())
}

// TestNew_DefaultRingCapacity verifies a non-positive ring capacity falls
// back to the package default rather than producing a zero-size ring.
func TestNew_DefaultRingCapacity(t *testing.T) {
	c := New(Config{RingCapacity: 0, DeferredCompletionN: 0}, newTestResolver(), nil)
	assert.Greater(t, c.tables.RingCap(), 0)
}
