package orchestrator

import "github.com/ccc2223/audiotool/internal/job"

// EventType classifies a batch state transition.
type EventType string

const (
	EventItemStarted     EventType = "item_started"
	EventItemFinished    EventType = "item_finished"
	EventCancelRequested EventType = "cancel_requested"
	EventSettled         EventType = "settled"
)

// Event is delivered to subscribers on every state transition of a batch.
// Item is set for item events, Settlement for EventSettled.
type Event struct {
	Type       EventType
	BatchID    string
	Progress   job.Progress
	Item       *job.WorkItem
	Settlement *job.Settlement
}

// subscriberBuffer bounds each subscriber channel. Events beyond it are
// dropped for that subscriber; Poll stays authoritative.
const subscriberBuffer = 64

// notify sends ev to every subscriber without blocking. Caller holds h.mu.
func (h *Handle) notify(ev Event) {
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// notifyAndClose sends the final event and closes every subscriber
// channel. Caller holds h.mu.
func (h *Handle) notifyAndClose(ev Event) {
	h.notify(ev)
	for _, ch := range h.subs {
		close(ch)
	}
	h.subs = nil
}
