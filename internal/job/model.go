package job

import (
	"fmt"
	"time"
)

// Kind identifies which encoder operation a work item runs.
type Kind string

const (
	KindReencode Kind = "reencode"
	KindSplit    Kind = "split"
	KindJoin     Kind = "join"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// IsTerminal returns true for statuses that represent a final state.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// WorkItem is one encoder invocation inside a batch.
//
// For KindJoin, Inputs is the ordered list of parts and is handed to the
// encoder exactly as stored. For KindSplit, Output is a printf-style
// pattern such as "/out/song_part%03d.wav".
type WorkItem struct {
	ID             string     `json:"id"`
	Kind           Kind       `json:"kind"`
	Inputs         []string   `json:"inputs"`
	Output         string     `json:"output"`
	Codec          string     `json:"codec,omitempty"`
	Bitrate        string     `json:"bitrate,omitempty"`
	SegmentSeconds int        `json:"segment_seconds,omitempty"`
	Status         Status     `json:"status"`
	Message        string     `json:"message,omitempty"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Input returns the single input of a reencode or split item.
func (w WorkItem) Input() string {
	if len(w.Inputs) == 0 {
		return ""
	}
	return w.Inputs[0]
}

// Validate checks the structural shape of the item for its kind.
func (w WorkItem) Validate() error {
	if w.Output == "" {
		return fmt.Errorf("%w: %s item has no output", ErrInvalidWorkItem, w.Kind)
	}
	switch w.Kind {
	case KindReencode, KindSplit:
		if len(w.Inputs) != 1 || w.Inputs[0] == "" {
			return fmt.Errorf("%w: %s item needs exactly one input", ErrInvalidWorkItem, w.Kind)
		}
		if w.Kind == KindSplit && w.SegmentSeconds <= 0 {
			return fmt.Errorf("%w: split item needs a positive segment length", ErrInvalidWorkItem)
		}
	case KindJoin:
		if len(w.Inputs) == 0 {
			return fmt.Errorf("%w: join item has no parts", ErrInvalidWorkItem)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidWorkItem, w.Kind)
	}
	return nil
}

// Clone returns a copy that shares no mutable state with w.
func (w WorkItem) Clone() WorkItem {
	c := w
	c.Inputs = append([]string(nil), w.Inputs...)
	if w.StartedAt != nil {
		t := *w.StartedAt
		c.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		c.CompletedAt = &t
	}
	return c
}

// State describes where a batch is in its lifecycle.
type State string

const (
	StateRunning    State = "running"
	StateCancelling State = "cancelling"
	StateSettled    State = "settled"
)

// Progress is a point-in-time view of a batch.
type Progress struct {
	Completed int   `json:"completed"`
	Total     int   `json:"total"`
	State     State `json:"state"`
}

// Percent returns completion in the range [0, 100].
func (p Progress) Percent() float64 {
	if p.Total == 0 {
		return 0
	}
	return float64(p.Completed) / float64(p.Total) * 100
}

// Batch is the persisted record of one submitted batch.
type Batch struct {
	ID          string      `json:"batch_id"`
	Kind        Kind        `json:"kind"`
	Total       int         `json:"total"`
	Concurrency int         `json:"concurrency"`
	Outcome     Outcome     `json:"outcome,omitempty"`
	Succeeded   int         `json:"succeeded"`
	Failed      int         `json:"failed"`
	Cancelled   int         `json:"cancelled"`
	Message     string      `json:"message,omitempty"`
	StartedAt   time.Time   `json:"started_at"`
	SettledAt   *time.Time  `json:"settled_at,omitempty"`
	Items       []*WorkItem `json:"items,omitempty"`
}
