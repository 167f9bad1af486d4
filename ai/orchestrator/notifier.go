package orchestrator

import (
	"log/slog"
	"sync"
	"time"
)

// Event is a user-facing notification emitted when an operation fails.
// The orchestrator only emits events; rendering them is the consumer's job.
type Event struct {
	Kind      Kind
	Message   string // human-readable notification text
	Detail    string // provider detail, when present
	ThreadUID string
	UserID    int32
	CreatedTs int64
}

const recentEventLimit = 32

// Notifier fans orchestrator events out to a consumer channel and keeps a
// small ring of recent events so pull-based consumers can catch up.
type Notifier struct {
	mu     sync.Mutex
	ch     chan Event
	recent []Event
}

// NewNotifier creates a notifier with the given channel buffer size.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 16
	}
	return &Notifier{ch: make(chan Event, buffer)}
}

// Publish delivers an event without blocking. When no consumer keeps up with
// the channel the event is only retained in the recent ring.
func (n *Notifier) Publish(event Event) {
	if event.CreatedTs == 0 {
		event.CreatedTs = time.Now().UnixMilli()
	}
	if event.Message == "" {
		event.Message = event.Kind.Notification()
	}

	n.mu.Lock()
	n.recent = append(n.recent, event)
	if len(n.recent) > recentEventLimit {
		n.recent = n.recent[len(n.recent)-recentEventLimit:]
	}
	n.mu.Unlock()

	select {
	case n.ch <- event:
	default:
		slog.Warn("notifier: channel full, event not delivered",
			"kind", event.Kind,
			"user_id", event.UserID,
		)
	}
}

// Events returns the consumer channel.
func (n *Notifier) Events() <-chan Event {
	return n.ch
}

// Recent returns the retained events for a user, oldest first.
func (n *Notifier) Recent(userID int32) []Event {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]Event, 0, len(n.recent))
	for _, event := range n.recent {
		if event.UserID == userID {
			out = append(out, event)
		}
	}
	return out
}
