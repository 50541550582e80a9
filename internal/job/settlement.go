package job

import (
	"fmt"
	"strings"
	"time"

	"github.com/samber/lo"
)

// MaxFailureSamples caps how many failure messages a report carries.
const MaxFailureSamples = 5

// Outcome classifies a settled batch.
type Outcome string

const (
	OutcomeSucceeded Outcome = "succeeded"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
	OutcomeAborted   Outcome = "aborted"
)

// Settlement is the single report produced for every batch.
type Settlement struct {
	BatchID   string    `json:"batch_id"`
	Kind      Kind      `json:"kind"`
	Outcome   Outcome   `json:"outcome"`
	Total     int       `json:"total"`
	Succeeded int       `json:"succeeded"`
	Failed    int       `json:"failed"`
	Cancelled int       `json:"cancelled"`
	Samples   []string  `json:"samples,omitempty"`
	Omitted   int       `json:"omitted,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	StartedAt time.Time `json:"started_at"`
	SettledAt time.Time `json:"settled_at"`
}

// Classify builds the settlement for a batch whose items are all terminal.
// A cancelled batch reports as cancelled even when some items failed, and
// items that ran despite the cancellation keep their real outcome.
func Classify(batchID string, kind Kind, items []WorkItem, cancelled bool, startedAt, settledAt time.Time) Settlement {
	s := Settlement{
		BatchID:   batchID,
		Kind:      kind,
		Total:     len(items),
		StartedAt: startedAt,
		SettledAt: settledAt,
	}
	s.Succeeded = lo.CountBy(items, func(w WorkItem) bool { return w.Status == StatusSucceeded })
	s.Failed = lo.CountBy(items, func(w WorkItem) bool { return w.Status == StatusFailed })
	s.Cancelled = lo.CountBy(items, func(w WorkItem) bool { return w.Status == StatusCancelled })

	failures := lo.FilterMap(items, func(w WorkItem, _ int) (string, bool) {
		return w.Message, w.Status == StatusFailed
	})
	if len(failures) > MaxFailureSamples {
		s.Omitted = len(failures) - MaxFailureSamples
		failures = failures[:MaxFailureSamples]
	}
	s.Samples = failures

	switch {
	case cancelled || s.Cancelled > 0:
		s.Outcome = OutcomeCancelled
	case s.Failed > 0:
		s.Outcome = OutcomeFailed
	default:
		s.Outcome = OutcomeSucceeded
	}
	return s
}

// Abort builds the report for a batch that could not be dispatched at all,
// e.g. because its input folder could not be read.
func Abort(kind Kind, err error, at time.Time) Settlement {
	return Settlement{
		Kind:      kind,
		Outcome:   OutcomeAborted,
		Reason:    err.Error(),
		StartedAt: at,
		SettledAt: at,
	}
}

// Duration returns how long the batch ran.
func (s Settlement) Duration() time.Duration {
	return s.SettledAt.Sub(s.StartedAt)
}

// Message renders the user-facing summary line(s).
func (s Settlement) Message() string {
	switch s.Outcome {
	case OutcomeCancelled:
		return fmt.Sprintf("Operation cancelled (%d succeeded, %d failed, %d not started).",
			s.Succeeded, s.Failed, s.Cancelled)
	case OutcomeFailed:
		var sb strings.Builder
		fmt.Fprintf(&sb, "Completed with %d errors:", s.Failed)
		for _, m := range s.Samples {
			sb.WriteString("\n  ")
			sb.WriteString(m)
		}
		if s.Omitted > 0 {
			fmt.Fprintf(&sb, "\n  +%d more", s.Omitted)
		}
		return sb.String()
	case OutcomeAborted:
		return "Operation aborted: " + s.Reason
	default:
		return fmt.Sprintf("Successfully processed %d files.", s.Succeeded)
	}
}
