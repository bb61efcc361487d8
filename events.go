package roomsync

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// EventKind identifies a notification published by the sync core.
type EventKind string

const (
	EventSyncStarted          EventKind = "sync-started"
	EventSyncFinished         EventKind = "sync-finished"
	EventSyncFailed           EventKind = "sync-failed"
	EventMessageReceived      EventKind = "message-received"
	EventMessageDeleted       EventKind = "message-deleted"
	EventReactionsUpdated     EventKind = "reactions-updated"
	EventAttachmentUpdated    EventKind = "attachment-updated"
	EventPermanentSendFailure EventKind = "permanent-send-failure"
)

// Event is a typed notification. Only the fields relevant to the kind
// are populated.
type Event struct {
	Kind      EventKind
	Scope     Scope
	Room      string
	MessageID string
	Path      string         // attachment-updated
	Counts    map[string]int // reactions-updated
	Message   *Message       // message-received
	Write     *QueuedWrite   // permanent-send-failure
	ErrKind   ErrorKind      // sync-failed, permanent-send-failure
	Err       error          // sync-failed, permanent-send-failure
	At        time.Time
}

// EventSub is an active subscription to the hub.
type EventSub struct {
	ID     string
	kinds  map[EventKind]bool
	ch     chan Event
	done   chan struct{}
	closed bool
	mu     sync.Mutex
}

// C returns the channel for receiving events.
func (s *EventSub) C() <-chan Event {
	return s.ch
}

// Close closes the subscription.
func (s *EventSub) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
	close(s.ch)
}

// EventHub fans sync notifications out to subscribers over buffered
// channels. A subscriber whose buffer is full misses the event; the hub
// never blocks the sync path.
type EventHub struct {
	config EventHubConfig
	mu     sync.RWMutex
	subs   map[string]*EventSub
	nextID uint64

	published atomic.Int64
	dropped   atomic.Int64
}

// NewEventHub creates a new notification hub.
func NewEventHub(cfg EventHubConfig) *EventHub {
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = 256
	}
	return &EventHub{
		config: cfg,
		subs:   make(map[string]*EventSub),
	}
}

// Subscribe creates a subscription. With no kinds given, all events are
// delivered; otherwise only the listed kinds.
func (h *EventHub) Subscribe(kinds ...EventKind) *EventSub {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &EventSub{
		ID:   fmt.Sprintf("sub-%d", h.nextID),
		ch:   make(chan Event, h.config.BufferSize),
		done: make(chan struct{}),
	}
	if len(kinds) > 0 {
		sub.kinds = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			sub.kinds[k] = true
		}
	}
	h.subs[sub.ID] = sub
	return sub
}

// Unsubscribe removes and closes a subscription.
func (h *EventHub) Unsubscribe(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	if ok {
		delete(h.subs, id)
	}
	h.mu.Unlock()

	if ok {
		sub.Close()
	}
}

// Publish delivers an event to all matching subscriptions.
func (h *EventHub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	h.published.Add(1)
	for _, sub := range h.subs {
		if sub.kinds != nil && !sub.kinds[ev.Kind] {
			continue
		}
		sub.mu.Lock()
		if sub.closed {
			sub.mu.Unlock()
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// Buffer full, drop the event for this subscriber.
			h.dropped.Add(1)
		}
		sub.mu.Unlock()
	}
}

// Count returns the number of active subscriptions.
func (h *EventHub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// EventHubStats contains hub statistics.
type EventHubStats struct {
	Subscriptions int   `json:"subscriptions"`
	Published     int64 `json:"published"`
	Dropped       int64 `json:"dropped"`
}

// Stats returns hub statistics.
func (h *EventHub) Stats() EventHubStats {
	return EventHubStats{
		Subscriptions: h.Count(),
		Published:     h.published.Load(),
		Dropped:       h.dropped.Load(),
	}
}

// Close closes all subscriptions.
func (h *EventHub) Close() {
	h.mu.Lock()
	subs := h.subs
	h.subs = make(map[string]*EventSub)
	h.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}
