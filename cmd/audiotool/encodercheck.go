package main

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"time"

	"github.com/ccc2223/audiotool/internal/encoder"
)

const versionTimeout = 10 * time.Second

// checkEncoder verifies that the configured ffmpeg binary exists and runs.
// Batches are never dispatched without it, so a missing encoder produces a
// single aborted report instead of one failure per file.
func (a *app) checkEncoder(ctx context.Context) (string, string, error) {
	path, err := exec.LookPath(a.cfg.FFmpegPath)
	if err != nil {
		slog.Warn("encoder check: ffmpeg not found", "path", a.cfg.FFmpegPath)
		return "", "", fmt.Errorf("ffmpeg not found at %q: install it or set AUDIOTOOL_FFMPEG_PATH", a.cfg.FFmpegPath)
	}

	// A pending Ctrl-C must not turn a healthy encoder into an aborted batch.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), versionTimeout)
	defer cancel()
	version, err := encoder.New(path).Version(ctx)
	if err != nil {
		slog.Warn("encoder check: ffmpeg failed to run", "path", path, "error", err)
		return "", "", fmt.Errorf("ffmpeg at %s does not run: %w", path, err)
	}

	slog.Debug("encoder check: ok", "path", path, "version", version)
	return path, version, nil
}
