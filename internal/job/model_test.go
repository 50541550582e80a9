package job

import (
	"errors"
	"testing"
	"time"
)

func TestIsTerminal(t *testing.T) {
	t.Parallel()
	tests := []struct {
		status   Status
		terminal bool
	}{
		{StatusPending, false},
		{StatusRunning, false},
		{StatusSucceeded, true},
		{StatusFailed, true},
		{StatusCancelled, true},
	}
	for _, tt := range tests {
		if got := tt.status.IsTerminal(); got != tt.terminal {
			t.Errorf("Status(%q).IsTerminal() = %v, want %v", tt.status, got, tt.terminal)
		}
	}
}

func TestValidate_Invalid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		item WorkItem
	}{
		{"no output", WorkItem{Kind: KindReencode, Inputs: []string{"a.wav"}}},
		{"reencode without input", WorkItem{Kind: KindReencode, Output: "a.m4a"}},
		{"reencode with two inputs", WorkItem{Kind: KindReencode, Inputs: []string{"a.wav", "b.wav"}, Output: "a.m4a"}},
		{"split without segment length", WorkItem{Kind: KindSplit, Inputs: []string{"a.wav"}, Output: "a_part%03d.wav"}},
		{"join without parts", WorkItem{Kind: KindJoin, Output: "a_joined.wav"}},
		{"unknown kind", WorkItem{Kind: "mix", Inputs: []string{"a.wav"}, Output: "b.wav"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.item.Validate()
			if !errors.Is(err, ErrInvalidWorkItem) {
				t.Errorf("Validate() = %v, want ErrInvalidWorkItem", err)
			}
		})
	}
}

func TestValidate_Valid(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		item WorkItem
	}{
		{"reencode", WorkItem{Kind: KindReencode, Inputs: []string{"a.wav"}, Output: "a.m4a"}},
		{"split", WorkItem{Kind: KindSplit, Inputs: []string{"a.wav"}, Output: "a_part%03d.wav", SegmentSeconds: 720}},
		{"join", WorkItem{Kind: KindJoin, Inputs: []string{"a_part1.wav", "a_part2.wav"}, Output: "a_joined.wav"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := tt.item.Validate(); err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestClone_DoesNotShareInputs(t *testing.T) {
	t.Parallel()
	now := time.Now()
	w := WorkItem{Kind: KindJoin, Inputs: []string{"a", "b"}, Output: "c", StartedAt: &now}

	c := w.Clone()
	c.Inputs[0] = "changed"
	*c.StartedAt = now.Add(time.Hour)

	if w.Inputs[0] != "a" {
		t.Errorf("original inputs mutated: %v", w.Inputs)
	}
	if !w.StartedAt.Equal(now) {
		t.Errorf("original StartedAt mutated: %v", w.StartedAt)
	}
}

func TestProgressPercent(t *testing.T) {
	t.Parallel()
	if got := (Progress{}).Percent(); got != 0 {
		t.Errorf("empty Percent() = %v, want 0", got)
	}
	if got := (Progress{Completed: 1, Total: 4}).Percent(); got != 25 {
		t.Errorf("Percent() = %v, want 25", got)
	}
}
