package listrelay

import (
	"sync"
	"time"
)

// OperationEvent describes one state transition of a queued operation, fed
// to operator subscribers (the admin websocket feed).
type OperationEvent struct {
	OperationID string          `json:"operationId"`
	Type        OperationType   `json:"type"`
	OwnerID     string          `json:"ownerId"`
	TargetID    string          `json:"targetId,omitempty"`
	Status      OperationStatus `json:"status"`
	RetryCount  int             `json:"retryCount"`
	Error       string          `json:"error,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}

// EventHub fans operation events out to subscribers. Publishing never
// blocks: a subscriber that cannot keep up loses events.
type EventHub struct {
	mu   sync.Mutex
	subs map[chan OperationEvent]struct{}
}

func NewEventHub() *EventHub {
	return &EventHub{subs: map[chan OperationEvent]struct{}{}}
}

func (h *EventHub) Subscribe(buffer int) chan OperationEvent {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan OperationEvent, buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *EventHub) Unsubscribe(ch chan OperationEvent) {
	h.mu.Lock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
	h.mu.Unlock()
}

func (h *EventHub) Publish(event OperationEvent) {
	if h == nil {
		return
	}
	h.mu.Lock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
		}
	}
	h.mu.Unlock()
}
