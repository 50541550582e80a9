package main

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ccc2223/audiotool/internal/job"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit, offset int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "List past batches, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			batches, total, err := a.store.ListBatches(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			for _, b := range batches {
				fmt.Fprintf(a.stdout, "%s  %-8s %-10s %3d ok %3d failed %3d cancelled / %-3d  %s\n",
					b.ID, b.Kind, outcomeColor(b.Outcome).Sprint(outcomeLabel(b.Outcome)),
					b.Succeeded, b.Failed, b.Cancelled, b.Total, humanize.Time(b.StartedAt))
			}
			if len(batches) == 0 {
				fmt.Fprintln(a.stdout, "No batches recorded.")
				return nil
			}
			fmt.Fprintf(a.stdout, "%d-%d of %d\n", offset+1, offset+len(batches), total)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "batches per page (max 100)")
	cmd.Flags().IntVar(&offset, "offset", 0, "batches to skip")

	cmd.AddCommand(&cobra.Command{
		Use:   "show ID",
		Short: "Show one batch with its items",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			b, err := a.store.GetBatch(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if b == nil {
				return fmt.Errorf("batch %s not found", args[0])
			}
			printBatch(a, b)
			return nil
		},
	})
	return cmd
}

func printBatch(a *app, b *job.Batch) {
	fmt.Fprintf(a.stdout, "%s %s, %d workers, started %s\n", b.Kind, b.ID, b.Concurrency, b.StartedAt.Local().Format("2006-01-02 15:04:05"))
	if b.SettledAt != nil {
		outcomeColor(b.Outcome).Fprintln(a.stdout, b.Message)
		fmt.Fprintf(a.stdout, "took %s\n", b.SettledAt.Sub(b.StartedAt).Round(10 * time.Millisecond))
	} else {
		color.New(color.FgCyan).Fprintln(a.stdout, "running")
	}
	for _, w := range b.Items {
		inputs := make([]string, len(w.Inputs))
		for i, in := range w.Inputs {
			inputs[i] = filepath.Base(in)
		}
		fmt.Fprintf(a.stdout, "  %s %s -> %s", statusLabel(w.Status), strings.Join(inputs, " + "), filepath.Base(w.Output))
		if w.Message != "" {
			fmt.Fprintf(a.stdout, ": %s", w.Message)
		}
		fmt.Fprintln(a.stdout)
	}
}

func outcomeLabel(o job.Outcome) string {
	if o == "" {
		return "running"
	}
	return string(o)
}
