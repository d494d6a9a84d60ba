// Package notify delivers progress events to observers: in-process
// subscribers over channels and external consumers over NATS. The
// orchestration loop publishes into a Sink and never waits on delivery.
package notify

import (
	"log/slog"
	"sync"

	"github.com/stackpilot/stackpilot/internal/core/progress"
)

// subscriberBuffer is the per-subscriber channel capacity. A subscriber that
// falls this far behind starts losing events rather than stalling delivery.
const subscriberBuffer = 64

// Hub fans progress events out to in-process subscribers. Publish never
// blocks: events to a full subscriber channel are dropped and counted.
type Hub struct {
	mu      sync.RWMutex
	subs    map[int]*subscription
	nextID  int
	dropped int
	logger  *slog.Logger
}

type subscription struct {
	ch      chan progress.Event
	session string // empty matches every session
}

// NewHub creates an event hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[int]*subscription),
		logger: logger.With("component", "notify-hub"),
	}
}

// Subscribe registers an observer. A non-empty sessionID restricts delivery
// to events of that session. The returned cancel func closes the channel and
// must be called exactly once.
func (h *Hub) Subscribe(sessionID string) (<-chan progress.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	sub := &subscription{
		ch:      make(chan progress.Event, subscriberBuffer),
		session: sessionID,
	}
	h.subs[id] = sub

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if s, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(s.ch)
		}
	}
	return sub.ch, cancel
}

// Publish delivers the event to every matching subscriber without blocking.
func (h *Hub) Publish(event progress.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.session != "" && sub.session != event.SessionID {
			continue
		}
		select {
		case sub.ch <- event:
		default:
			h.dropped++
			h.logger.Warn("dropping progress event for slow subscriber",
				"session", event.SessionID, "phase", event.Phase)
		}
	}
}

// Dropped returns how many events were lost to slow subscribers.
func (h *Hub) Dropped() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.dropped
}

// SubscriberCount returns the number of registered subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

var _ progress.Sink = (*Hub)(nil)

// Fanout combines multiple sinks into one. Every sink receives every event.
type Fanout []progress.Sink

func (f Fanout) Publish(event progress.Event) {
	for _, sink := range f {
		if sink != nil {
			sink.Publish(event)
		}
	}
}
