package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.status_changed", Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != "session.status_changed" {
			t.Errorf("got kind %q, want session.status_changed", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("mirror.", 10)
	defer unsub()

	b.Publish(Event{Kind: "session.status_changed"})
	b.Publish(Event{Kind: "mirror.conversation_added"})

	select {
	case evt := <-ch:
		if evt.Kind != "mirror.conversation_added" {
			t.Errorf("got kind %q, want mirror.conversation_added", evt.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// Ensure session event was not delivered.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected: no more events.
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()

	b.Publish(Event{Kind: "session.status_changed"})

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
		// Expected.
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	// Fill buffer.
	b.Publish(Event{Kind: "test.one"})
	// This should be dropped (non-blocking).
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

// TestFieldChangeScopedToObject verifies that a subscriber watching one
// conversation's fields does not receive another conversation's changes.
func TestFieldChangeScopedToObject(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe(FieldKind("conversation", "c1"), 10)
	defer unsub()

	b.PublishField(Event{Timestamp: time.Now()}, FieldChange{
		Entity: "conversation", ID: "c2", Field: "name", Value: "other",
	})
	b.PublishField(Event{Timestamp: time.Now()}, FieldChange{
		Entity: "conversation", ID: "c1", Field: "name", Value: "mine",
	})

	select {
	case evt := <-ch:
		change, ok := evt.Payload.(FieldChange)
		if !ok {
			t.Fatalf("payload type = %T, want FieldChange", evt.Payload)
		}
		if change.ID != "c1" || change.Field != "name" || change.Value != "mine" {
			t.Errorf("change = %+v, want c1 name=mine", change)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for field change")
	}

	select {
	case evt := <-ch:
		t.Errorf("unexpected cross-object event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}
