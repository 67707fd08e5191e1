package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/ElysiumPtolemus/presentmon/internal/attributes"
	"github.com/ElysiumPtolemus/presentmon/internal/record"
)

// Config carries the OTLP/HTTP exporter settings, generalized from the
// teacher's OTELConfig (env-tag struct parsed by caarlos0/env/v11).
type Config struct {
	ServiceName        string `env:"OTEL_SERVICE_NAME" envDefault:"presentmon"`
	ExporterEndpoint   string `env:"OTEL_EXPORTER_OTLP_ENDPOINT" envDefault:""`
	TracesEndpoint     string `env:"OTEL_EXPORTER_OTLP_TRACES_ENDPOINT" envDefault:""`
	ResourceAttributes []attribute.KeyValue
}

// Endpoint returns the effective traces endpoint, preferring the
// traces-specific variable over the general one, per the teacher's
// OTELConfig.GetEndpoint.
func (c Config) Endpoint() string {
	if c.TracesEndpoint != "" {
		return c.TracesEndpoint
	}
	if c.ExporterEndpoint != "" {
		return c.ExporterEndpoint
	}
	return "localhost:4317"
}

// InitProvider builds an OTLP/HTTP tracer provider, the way the teacher's
// otel.InitProvider does, generalized to this domain's resource name.
func InitProvider(ctx context.Context, cfg Config) (*sdktrace.TracerProvider, error) {
	exporter, err := otlptracehttp.New(ctx,
		otlptracehttp.WithEndpoint(cfg.Endpoint()),
		otlptracehttp.WithInsecure(),
		otlptracehttp.WithTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("telemetry: creating OTLP trace exporter: %w", err)
	}

	resAttrs := append([]attribute.KeyValue{semconv.ServiceName(cfg.ServiceName)}, cfg.ResourceAttributes...)
	res, err := resource.New(ctx, resource.WithAttributes(resAttrs...))
	if err != nil {
		return nil, fmt.Errorf("telemetry: building resource: %w", err)
	}

	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	), nil
}

// DisplayTracker is the live source of the display-tracking control-surface
// toggle (spec.md section 6). SpanSink consults it fresh on every emit
// rather than capturing its value once at construction, since
// session.SetTrackDisplay is a runtime operation the caller may invoke
// between any two retired presents. *session.Context satisfies this.
type DisplayTracker interface {
	TrackDisplay() bool
}

// SpanSink emits a span per retired present, draining the consumer's
// completed and lost queues the way the teacher's OTELFormatter drains BPF
// events — one span per record, attributes set once at the record's own
// terminal point rather than updated incrementally, since a PresentRecord
// (unlike the teacher's long-lived process span) is only ever observed
// after it is already complete.
type SpanSink struct {
	tracer    trace.Tracer
	display   DisplayTracker
	debug     bool
	evaluator *attributes.Evaluator
}

// NewSpanSink creates a sink that emits spans named "present", with the
// output schema's display-tracking extras from spec.md section 6 gated by
// display.TrackDisplay() (read live on every emit) and the debug extras
// gated by debug. evaluator may be nil, in which case no custom attributes
// are added.
func NewSpanSink(tracer trace.Tracer, display DisplayTracker, debug bool, evaluator *attributes.Evaluator) *SpanSink {
	return &SpanSink{tracer: tracer, display: display, debug: debug, evaluator: evaluator}
}

// EmitCompleted emits one span per completed present.
func (s *SpanSink) EmitCompleted(ctx context.Context, presents []*record.Present) {
	for _, p := range presents {
		s.emit(ctx, p, false)
	}
}

// EmitLost emits one span per lost present, marked with an error status.
func (s *SpanSink) EmitLost(ctx context.Context, presents []*record.Present) {
	for _, p := range presents {
		s.emit(ctx, p, true)
	}
}

func (s *SpanSink) emit(ctx context.Context, p *record.Present, lost bool) {
	_, span := s.tracer.Start(ctx, "present",
		trace.WithTimestamp(p.StartTime),
		trace.WithSpanKind(trace.SpanKindInternal),
	)

	attrs := []attribute.KeyValue{
		attribute.Int64("present.process_id", int64(p.ProcessID)),
		attribute.Int64("present.thread_id", int64(p.ThreadID)),
		attribute.Int64("present.swap_chain_address", int64(p.SwapChainAddress)),
		attribute.Int("present.runtime", int(p.Runtime)),
		attribute.Int64("present.sync_interval", int64(p.SyncInterval)),
		attribute.Int64("present.flags", int64(p.PresentFlags)),
		attribute.Bool("present.dropped", p.Dropped()),
		attribute.Int64("present.time_in_present_api_ns", int64(p.RuntimeDuration)),
	}

	if p.HasTimeSincePriorPresent {
		attrs = append(attrs, attribute.Int64("present.time_between_presents_ns", int64(p.TimeSincePriorPresent)))
	}

	if s.display != nil && s.display.TrackDisplay() {
		attrs = append(attrs,
			attribute.Bool("present.allows_tearing", p.AllowsTearing()),
			attribute.String("present.mode", p.Classification.String()),
		)
		if !p.ReadyTime.IsZero() {
			attrs = append(attrs, attribute.Int64("present.time_until_render_complete_ns", int64(p.ReadyTime.Sub(p.StartTime))))
		}
		if !p.ScreenTime.IsZero() {
			attrs = append(attrs, attribute.Int64("present.time_until_displayed_ns", int64(p.ScreenTime.Sub(p.StartTime))))
		}
		if p.HasTimeSincePriorDisplayChange {
			attrs = append(attrs, attribute.Int64("present.time_between_display_changes_ns", int64(p.TimeSincePriorDisplayChange)))
		}
	}

	if s.debug {
		attrs = append(attrs,
			attribute.Bool("present.was_batched", p.Flags.Has(record.FlagMMIO)),
			attribute.Bool("present.compositor_notified", p.Flags.Has(record.FlagDWMNotified)),
		)
	}

	if s.evaluator != nil {
		custom, err := s.evaluator.EvaluateCustomAttributes(p)
		if err == nil {
			attrs = append(attrs, custom...)
		}
	}

	span.SetAttributes(attrs...)

	if lost {
		span.SetStatus(codes.Error, "present lost")
	} else {
		span.SetStatus(codes.Ok, "present completed")
	}

	endTime := p.ScreenTime
	if endTime.IsZero() {
		endTime = p.StartTime.Add(p.RuntimeDuration)
	}
	span.End(trace.WithTimestamp(endTime))
}
