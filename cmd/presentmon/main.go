// presentmon consumes a present pipeline's ETW events, either from a live
// Windows session or a recorded trace, and reports each retired present as
// an OpenTelemetry span.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/attributes"
	"github.com/ElysiumPtolemus/presentmon/internal/config"
	"github.com/ElysiumPtolemus/presentmon/internal/consumer"
	"github.com/ElysiumPtolemus/presentmon/internal/emr"
	"github.com/ElysiumPtolemus/presentmon/internal/telemetry"
)

// Version information injected by GoReleaser at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Error: %v", err)
	}
}

func run() error {
	cfg, err := config.ParseEnv()
	if err != nil {
		return err
	}
	if err := cfg.ParseArgs(os.Args[1:]); err != nil {
		return err
	}

	logger, err := telemetry.NewLogger(cfg.Debug)
	if err != nil {
		return fmt.Errorf("presentmon: creating logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush on exit

	logger.Info("starting presentmon", zap.String("version", version), zap.String("commit", commit))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	otelCfg, err := config.ParseOTELConfig()
	if err != nil {
		return err
	}
	tp, err := telemetry.InitProvider(ctx, telemetry.Config{
		ServiceName:        otelCfg.ServiceName,
		ExporterEndpoint:   otelCfg.ExporterEndpoint,
		TracesEndpoint:     otelCfg.TracesEndpoint,
		ResourceAttributes: otelCfg.ParseResourceAttributes(),
	})
	if err != nil {
		return fmt.Errorf("presentmon: initializing OTEL provider: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("shutting down OTEL provider", zap.Error(err))
		}
	}()

	evaluator, err := attributes.NewEvaluator(cfg.CustomAttributes, logger)
	if err != nil {
		return err
	}

	resolver := emr.NewResolver()
	c := consumer.New(consumer.Config{
		RingCapacity:        cfg.RingCapacity,
		DeferredCompletionN: cfg.DeferredCompletionN,
	}, resolver, logger)

	c.SetTrackDisplay(cfg.TrackDisplay)
	c.SetFilteredEvents(cfg.FilteredEvents)
	for _, pid := range cfg.TrackedProcesses {
		c.AddTrackedProcess(pid)
	}

	sink := telemetry.NewSpanSink(tp.Tracer("presentmon"), c.Session(), cfg.Debug, evaluator)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	drainDone := make(chan struct{})
	go drainLoop(ctx, c, sink, drainDone)

	runErr := make(chan error, 1)
	go func() {
		runErr <- startCapture(ctx, cfg, c, logger)
	}()

	select {
	case <-sigCh:
		logger.Info("received signal, shutting down")
	case err := <-runErr:
		if err != nil {
			logger.Error("capture ended with error", zap.Error(err))
		}
	}

	cancel()
	<-drainDone

	c.Shutdown()
	stats := c.Stats()
	logger.Info("session stats",
		zap.Uint64("decoder_unavailable", stats.DecoderUnavailable),
		zap.Uint64("dropped_events", stats.DroppedEvents),
	)

	return nil
}

// drainLoop periodically drains the consumer's output queues and hands the
// batches to the span sink, the way the teacher's output.OTELFormatter
// drains BPF events as they arrive. Closes done once ctx is canceled and a
// final drain has run.
func drainLoop(ctx context.Context, c *consumer.Consumer, sink *telemetry.SpanSink, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	drain := func() {
		sink.EmitCompleted(ctx, c.TakeCompleted())
		sink.EmitLost(ctx, c.TakeLost())
	}

	for {
		select {
		case <-ctx.Done():
			drain()
			return
		case <-ticker.C:
			drain()
		}
	}
}
