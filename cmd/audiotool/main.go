package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/flock"

	"github.com/ccc2223/audiotool/internal/config"
	"github.com/ccc2223/audiotool/internal/encoder"
	"github.com/ccc2223/audiotool/internal/job"
	"github.com/ccc2223/audiotool/internal/orchestrator"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// The first signal cancels the batch cooperatively; restoring default
	// handling lets a second one terminate the process.
	context.AfterFunc(ctx, stop)

	a := &app{stdout: os.Stdout, stderr: os.Stderr}
	defer a.close()

	if err := newRootCommand(a).ExecuteContext(ctx); err != nil {
		if !errors.Is(err, errReported) {
			fmt.Fprintln(a.stderr, color.RedString("error:"), err)
		}
		return 1
	}
	return 0
}

func setupLogging(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: cfg.LogLevel}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, opts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(h))
}

// open loads configuration and wires the store, settings and orchestrator.
func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	setupLogging(cfg)
	a.cfg = cfg

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return fmt.Errorf("create data folder: %w", err)
	}
	store, err := job.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("store: %w", err)
	}
	a.store = store

	a.recoverInterrupted(ctx)

	a.settings = config.NewJSONStore(cfg.SettingsPath)
	a.orch = orchestrator.New(encoder.New(cfg.FFmpegPath),
		orchestrator.WithStore(store),
		orchestrator.WithLockFile(cfg.LockPath),
		orchestrator.WithPolicy(orchestrator.Policy{
			Concurrency:  cfg.Concurrency,
			SplitCeiling: cfg.SplitCeiling,
		}),
	)
	return nil
}

// recoverInterrupted closes out batches left unsettled by a crashed process and prunes
// old history. It only runs when no other process holds the batch lock, so
// a batch running elsewhere is never touched.
func (a *app) recoverInterrupted(ctx context.Context) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.LockPath), 0o755); err != nil {
		slog.Warn("recovery: create lock folder", "error", err)
		return
	}
	lock := flock.New(a.cfg.LockPath)
	locked, err := lock.TryLock()
	if err != nil {
		slog.Warn("recovery: lock", "error", err)
		return
	}
	if !locked {
		slog.Debug("recovery: another batch is running, skipped")
		return
	}
	defer lock.Unlock() //nolint:errcheck

	ids, err := a.store.ResetRunning(ctx)
	if err != nil {
		slog.Warn("recovery: reset running batches", "error", err)
	} else if len(ids) > 0 {
		slog.Warn("recovery: aborted interrupted batches", "count", len(ids), "batch_ids", ids)
	}

	if a.cfg.HistoryTTL > 0 {
		n, err := a.store.DeleteSettledBefore(ctx, time.Now().Add(-a.cfg.HistoryTTL))
		if err != nil {
			slog.Warn("history cleanup", "error", err)
		} else if n > 0 {
			slog.Info("history cleanup", "deleted", n)
		}
	}
}

func (a *app) close() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			slog.Warn("close store", "error", err)
		}
	}
}
