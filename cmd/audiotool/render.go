package main

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"

	"github.com/ccc2223/audiotool/internal/job"
)

// progressPrinter draws a single live progress line on a terminal and
// falls back to plain lines when color output is off.
type progressPrinter struct {
	w     io.Writer
	label string
	live  bool
	last  int
}

func newProgressPrinter(w io.Writer, kind job.Kind) *progressPrinter {
	return &progressPrinter{w: w, label: string(kind), live: !color.NoColor, last: -1}
}

func (p *progressPrinter) update(pr job.Progress) {
	if !p.live || pr.Completed == p.last {
		return
	}
	p.last = pr.Completed
	fmt.Fprintf(p.w, "\r\033[K%s %s/%s (%.0f%%)", p.label,
		humanize.Comma(int64(pr.Completed)), humanize.Comma(int64(pr.Total)), pr.Percent())
}

func (p *progressPrinter) clear() {
	if p.live {
		fmt.Fprint(p.w, "\r\033[K")
	}
}

func (p *progressPrinter) item(w job.WorkItem) {
	p.clear()
	p.last = -1
	line := fmt.Sprintf("  %s %s", statusLabel(w.Status), itemName(w))
	if w.Message != "" {
		line += ": " + w.Message
	}
	fmt.Fprintln(p.w, line)
}

func (p *progressPrinter) note(msg string) {
	p.clear()
	p.last = -1
	fmt.Fprintln(p.w, msg)
}

func (p *progressPrinter) finish(pr job.Progress) {
	if !p.live {
		return
	}
	p.last = -1
	p.update(pr)
	fmt.Fprintln(p.w)
}

func itemName(w job.WorkItem) string {
	if w.Kind == job.KindJoin {
		return strings.TrimSuffix(filepath.Base(w.Output), filepath.Ext(w.Output))
	}
	return filepath.Base(w.Input())
}

func statusLabel(s job.Status) string {
	switch s {
	case job.StatusSucceeded:
		return color.GreenString("ok  ")
	case job.StatusFailed:
		return color.RedString("FAIL")
	case job.StatusCancelled:
		return color.YellowString("skip")
	case job.StatusRunning:
		return color.CyanString("run ")
	default:
		return color.HiBlackString("wait")
	}
}

func outcomeColor(o job.Outcome) *color.Color {
	switch o {
	case job.OutcomeSucceeded:
		return color.New(color.FgGreen)
	case job.OutcomeCancelled:
		return color.New(color.FgYellow)
	case job.OutcomeFailed:
		return color.New(color.FgRed)
	case job.OutcomeAborted:
		return color.New(color.FgRed, color.Bold)
	default:
		return color.New(color.FgCyan)
	}
}
