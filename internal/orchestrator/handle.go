package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/ccc2223/audiotool/internal/job"
)

// Handle is the caller's view of one submitted batch. It owns the batch's
// items, completed counter and cancel flag; every access goes through mu.
type Handle struct {
	id          string
	kind        job.Kind
	concurrency int
	startedAt   time.Time

	mu         sync.Mutex
	items      []job.WorkItem
	completed  int
	cancelled  bool
	settled    bool
	settlement job.Settlement
	subs       []chan Event

	done      chan struct{}
	stopAfter func() bool
}

func newHandle(id string, kind job.Kind, concurrency int, items []job.WorkItem, startedAt time.Time) *Handle {
	return &Handle{
		id:          id,
		kind:        kind,
		concurrency: concurrency,
		startedAt:   startedAt,
		items:       items,
		done:        make(chan struct{}),
		stopAfter:   func() bool { return false },
	}
}

// ID returns the batch id.
func (h *Handle) ID() string { return h.id }

// Kind returns the operation the batch runs.
func (h *Handle) Kind() job.Kind { return h.kind }

// Concurrency returns the number of workers serving the batch.
func (h *Handle) Concurrency() int { return h.concurrency }

// Poll returns the current progress.
func (h *Handle) Poll() job.Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.progressLocked()
}

func (h *Handle) progressLocked() job.Progress {
	state := job.StateRunning
	switch {
	case h.settled:
		state = job.StateSettled
	case h.cancelled:
		state = job.StateCancelling
	}
	return job.Progress{Completed: h.completed, Total: len(h.items), State: state}
}

// Cancel asks the batch to stop. Items not yet started are marked
// cancelled without running; items already running finish normally and
// keep their outcome. Calling Cancel more than once, or after settlement,
// has no effect.
func (h *Handle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancelled || h.settled {
		return
	}
	h.cancelled = true
	h.notify(Event{Type: EventCancelRequested, BatchID: h.id, Progress: h.progressLocked()})
}

// Done is closed once the settlement is available and the orchestrator
// accepts a new batch.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the batch settles or ctx is done. Cancelling ctx does
// not cancel the batch.
func (h *Handle) Wait(ctx context.Context) (job.Settlement, error) {
	select {
	case <-h.done:
		s, _ := h.Settlement()
		return s, nil
	case <-ctx.Done():
		return job.Settlement{}, ctx.Err()
	}
}

// Settlement returns the report once the batch has settled.
func (h *Handle) Settlement() (job.Settlement, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.settlement, h.settled
}

// Items returns a snapshot of every item in submission order.
func (h *Handle) Items() []job.WorkItem {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]job.WorkItem, len(h.items))
	for i, w := range h.items {
		out[i] = w.Clone()
	}
	return out
}

// Subscribe returns a channel receiving the batch's transitions. It first
// replays the started or finished event of every item that has already left
// Pending, so a subscriber attached after dispatch still sees each item. The
// channel is closed after the settled event.
func (h *Handle) Subscribe() <-chan Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	replay := h.replayLocked()
	if h.settled {
		ch := make(chan Event, len(replay)+1)
		for _, ev := range replay {
			ch <- ev
		}
		s := h.settlement
		ch <- Event{Type: EventSettled, BatchID: h.id, Progress: h.progressLocked(), Settlement: &s}
		close(ch)
		return ch
	}
	ch := make(chan Event, subscriberBuffer+len(replay))
	for _, ev := range replay {
		ch <- ev
	}
	h.subs = append(h.subs, ch)
	return ch
}

// replayLocked returns one event per item that is running or done, in
// submission order. Caller holds h.mu.
func (h *Handle) replayLocked() []Event {
	var events []Event
	progress := h.progressLocked()
	for i := range h.items {
		w := h.items[i].Clone()
		var t EventType
		switch {
		case w.Status.IsTerminal():
			t = EventItemFinished
		case w.Status == job.StatusRunning:
			t = EventItemStarted
		default:
			continue
		}
		events = append(events, Event{Type: t, BatchID: h.id, Progress: progress, Item: &w})
	}
	return events
}

// begin moves item i out of Pending. When the batch is cancelled the item
// goes straight to Cancelled and begin reports false; the check and the
// transition happen under one lock so no item starts after Cancel returns.
func (h *Handle) begin(i int, at time.Time) (job.WorkItem, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := &h.items[i]
	if h.cancelled {
		w.Status = job.StatusCancelled
		w.Message = "cancelled before start"
		w.CompletedAt = &at
		h.completed++
		h.notifyItem(EventItemFinished, w)
		return w.Clone(), false
	}
	w.Status = job.StatusRunning
	w.StartedAt = &at
	h.notifyItem(EventItemStarted, w)
	return w.Clone(), true
}

// finish publishes the outcome of a running item.
func (h *Handle) finish(i int, status job.Status, message string, at time.Time) job.WorkItem {
	h.mu.Lock()
	defer h.mu.Unlock()

	w := &h.items[i]
	w.Status = status
	w.Message = message
	w.CompletedAt = &at
	h.completed++
	h.notifyItem(EventItemFinished, w)
	return w.Clone()
}

func (h *Handle) notifyItem(t EventType, w *job.WorkItem) {
	c := w.Clone()
	h.notify(Event{Type: t, BatchID: h.id, Progress: h.progressLocked(), Item: &c})
}

// classify computes the settlement. All workers have returned.
func (h *Handle) classify(at time.Time) job.Settlement {
	h.mu.Lock()
	defer h.mu.Unlock()
	return job.Classify(h.id, h.kind, h.items, h.cancelled, h.startedAt, at)
}

// settle records s, emits the settled event and closes subscribers.
func (h *Handle) settle(s job.Settlement) {
	h.mu.Lock()
	h.settlement = s
	h.settled = true
	h.notifyAndClose(Event{Type: EventSettled, BatchID: h.id, Progress: h.progressLocked(), Settlement: &s})
	h.mu.Unlock()
	close(h.done)
}
