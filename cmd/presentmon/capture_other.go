//go:build !windows

package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ElysiumPtolemus/presentmon/internal/config"
	"github.com/ElysiumPtolemus/presentmon/internal/consumer"
	"github.com/ElysiumPtolemus/presentmon/internal/replay"
)

// startCapture only supports replay mode on non-Windows builds: a live ETW
// session requires the OS collaborator spec.md section 1 places out of
// scope, and etwsession (the one adapter that talks to it) is Windows-only.
func startCapture(ctx context.Context, cfg *config.Config, c *consumer.Consumer, logger *zap.Logger) error {
	if cfg.InputPath == "" {
		return errors.New("presentmon: live capture requires a Windows build; pass --input to replay a recorded trace")
	}

	f, err := os.Open(cfg.InputPath)
	if err != nil {
		return fmt.Errorf("presentmon: opening recorded trace %q: %w", cfg.InputPath, err)
	}
	defer f.Close()
	return replay.Run(ctx, f, c)
}
