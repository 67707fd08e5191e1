//go:build windows

package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/config"
	"github.com/ElysiumPtolemus/presentmon/internal/consumer"
	"github.com/ElysiumPtolemus/presentmon/internal/etwsession"
	"github.com/ElysiumPtolemus/presentmon/internal/replay"
)

// startCapture drives c from cfg.InputPath's recorded trace if set, or from
// a live ETW real-time session otherwise. It blocks until ctx is canceled
// (live mode) or the trace is exhausted (replay mode).
func startCapture(ctx context.Context, cfg *config.Config, c *consumer.Consumer, logger *zap.Logger) error {
	if cfg.InputPath != "" {
		return runReplay(ctx, cfg.InputPath, c)
	}

	sess, err := etwsession.New(c, logger)
	if err != nil {
		return fmt.Errorf("presentmon: creating ETW session: %w", err)
	}
	if err := sess.Start(ctx); err != nil {
		return fmt.Errorf("presentmon: starting ETW session: %w", err)
	}
	defer func() {
		if err := sess.Stop(); err != nil {
			logger.Warn("stopping ETW session", zap.Error(err))
		}
	}()

	<-ctx.Done()
	return nil
}

func runReplay(ctx context.Context, path string, c *consumer.Consumer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("presentmon: opening recorded trace %q: %w", path, err)
	}
	defer f.Close()
	return replay.Run(ctx, f, c)
}
