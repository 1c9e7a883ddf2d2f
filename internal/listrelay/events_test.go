package listrelay

import (
	"testing"
	"time"
)

func TestEventHubFanOut(t *testing.T) {
	hub := NewEventHub()
	a := hub.Subscribe(4)
	b := hub.Subscribe(4)
	defer hub.Unsubscribe(a)
	defer hub.Unsubscribe(b)

	hub.Publish(OperationEvent{OperationID: "op_1", Status: StatusPending, Timestamp: time.Now()})

	for name, ch := range map[string]chan OperationEvent{"a": a, "b": b} {
		select {
		case event := <-ch:
			if event.OperationID != "op_1" {
				t.Fatalf("%s: unexpected event %+v", name, event)
			}
		default:
			t.Fatalf("%s: expected event delivered", name)
		}
	}
}

func TestEventHubDropsWhenSubscriberFull(t *testing.T) {
	hub := NewEventHub()
	ch := hub.Subscribe(1)
	defer hub.Unsubscribe(ch)

	hub.Publish(OperationEvent{OperationID: "op_1"})
	// Must not block even though the buffer is full.
	hub.Publish(OperationEvent{OperationID: "op_2"})

	if got := (<-ch).OperationID; got != "op_1" {
		t.Fatalf("expected first event kept, got %s", got)
	}
	select {
	case event := <-ch:
		t.Fatalf("expected second event dropped, got %+v", event)
	default:
	}
}

func TestEventHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewEventHub()
	ch := hub.Subscribe(1)
	hub.Unsubscribe(ch)

	if _, ok := <-ch; ok {
		t.Fatalf("expected closed channel")
	}
	// Double unsubscribe is a no-op.
	hub.Unsubscribe(ch)
	hub.Publish(OperationEvent{OperationID: "op_1"})
}
