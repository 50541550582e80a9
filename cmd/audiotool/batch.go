package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fatih/color"

	"github.com/ccc2223/audiotool/internal/job"
	"github.com/ccc2223/audiotool/internal/orchestrator"
)

// progressInterval is the UI refresh cadence of the progress line.
const progressInterval = 100 * time.Millisecond

// runBatch checks the encoder, builds the items, submits them and renders
// progress until the batch settles. Failures before dispatch are recorded
// as an aborted batch so every invocation ends with one report.
func (a *app) runBatch(ctx context.Context, kind job.Kind, build func() ([]job.WorkItem, error)) error {
	if _, _, err := a.checkEncoder(ctx); err != nil {
		return a.report(a.orch.Abort(ctx, kind, err))
	}

	items, err := build()
	switch {
	case errors.Is(err, job.ErrNoEligibleFiles):
		color.New(color.FgYellow).Fprintln(a.stdout, err)
		return errReported
	case err != nil:
		return a.report(a.orch.Abort(ctx, kind, err))
	}

	h, err := a.orch.Submit(ctx, items, a.concurrency)
	switch {
	case errors.Is(err, job.ErrNoEligibleFiles):
		color.New(color.FgYellow).Fprintf(a.stdout, "No eligible files found for %s.\n", kind)
		return errReported
	case errors.Is(err, job.ErrConcurrentOperation):
		return fmt.Errorf("%w: wait for it to finish before starting another", err)
	case err != nil:
		return err
	}

	fmt.Fprintf(a.stderr, "%s %d files with %d workers (Ctrl-C to cancel)\n", kind, len(items), h.Concurrency())
	return a.report(a.watch(h))
}

// watch prints item outcomes as they arrive and refreshes the progress line
// on a fixed cadence until the batch settles.
func (a *app) watch(h *orchestrator.Handle) job.Settlement {
	events := h.Subscribe()
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	p := newProgressPrinter(a.stderr, h.Kind())
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				p.finish(h.Poll())
				s, _ := h.Settlement()
				return s
			}
			switch ev.Type {
			case orchestrator.EventItemFinished:
				p.item(*ev.Item)
			case orchestrator.EventCancelRequested:
				p.note(color.YellowString("Cancelling: running items will finish, the rest are skipped."))
			}
		case <-ticker.C:
			p.update(h.Poll())
		}
	}
}

// report prints the settlement and maps it to the exit status.
func (a *app) report(s job.Settlement) error {
	outcomeColor(s.Outcome).Fprintln(a.stdout, s.Message())
	if s.Total > 0 {
		fmt.Fprintf(a.stdout, "%d files in %s\n", s.Total, s.Duration().Round(10*time.Millisecond))
	}
	if s.Outcome != job.OutcomeSucceeded {
		return errReported
	}
	return nil
}
