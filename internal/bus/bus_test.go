package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	defer unsub()

	b.Publish(Event{Kind: SessionCreated, Timestamp: time.Now(), Payload: "test"})

	select {
	case evt := <-ch:
		if evt.Kind != SessionCreated {
			t.Errorf("got kind %q, want %s", evt.Kind, SessionCreated)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("message.", 10)
	defer unsub()

	b.Emit(SessionCreated, nil)
	b.Emit(MessageReceived, "m1")

	select {
	case evt := <-ch:
		if evt.Kind != MessageReceived {
			t.Errorf("got kind %q, want %s", evt.Kind, MessageReceived)
		}
		if evt.Timestamp.IsZero() {
			t.Error("Emit should stamp the event")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}

	// The session event must not leak through.
	select {
	case evt := <-ch:
		t.Errorf("unexpected event: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("session.", 10)
	unsub()
	unsub() // idempotent

	b.Emit(SessionExpired, nil)

	select {
	case evt := <-ch:
		t.Errorf("received event after unsubscribe: %v", evt)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOnFullBuffer(t *testing.T) {
	b := New()
	ch, unsub := b.Subscribe("test.", 1)
	defer unsub()

	b.Publish(Event{Kind: "test.one"})
	// Dropped: buffer holds one event.
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
}

func TestSubscribeMany(t *testing.T) {
	b := New()
	ch, unsub := b.SubscribeMany(10, "session.", "presence.")
	defer unsub()

	b.Emit(PartnerJoined, "u2")
	b.Emit(ActivityChanged, "typing")
	b.Emit(MessageReceived, "m1")

	got := map[string]bool{}
	for range 2 {
		select {
		case evt := <-ch:
			got[evt.Kind] = true
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for merged events")
		}
	}
	if !got[PartnerJoined] || !got[ActivityChanged] {
		t.Errorf("got %v, want partner_joined and activity_changed", got)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected event %q", evt.Kind)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestNilBusPublish(t *testing.T) {
	var b *Bus
	b.Emit(SessionCreated, nil) // must not panic
}
