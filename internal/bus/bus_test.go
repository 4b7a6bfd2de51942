package bus

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	b := New(nil)
	var got []Event
	unsub := b.Subscribe("conn.", func(evt Event) {
		got = append(got, evt)
	})
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed", Timestamp: time.Now(), Payload: "test"})

	if len(got) != 1 {
		t.Fatalf("got %d events, want 1", len(got))
	}
	if got[0].Kind != "conn.state_changed" {
		t.Errorf("got kind %q, want conn.state_changed", got[0].Kind)
	}
}

func TestNamespaceFiltering(t *testing.T) {
	b := New(nil)
	var got []string
	unsub := b.Subscribe("message.", func(evt Event) {
		got = append(got, evt.Kind)
	})
	defer unsub()

	b.Publish(Event{Kind: "conn.state_changed"})
	b.Publish(Event{Kind: "message.received"})

	if len(got) != 1 || got[0] != "message.received" {
		t.Errorf("got %v, want [message.received]", got)
	}
}

func TestDeliveryInSubscriptionOrder(t *testing.T) {
	b := New(nil)
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		defer b.Subscribe("test.", func(Event) { order = append(order, i) })()
	}

	b.Publish(Event{Kind: "test.order"})

	for i, v := range order {
		if v != i {
			t.Fatalf("delivery order = %v, want ascending subscription order", order)
		}
	}
	if len(order) != 5 {
		t.Fatalf("got %d deliveries, want 5", len(order))
	}
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)
	called := false
	unsub := b.Subscribe("conn.", func(Event) { called = true })
	unsub()

	b.Publish(Event{Kind: "conn.state_changed"})

	if called {
		t.Error("handler ran after unsubscribe")
	}
}

func TestPanicIsolation(t *testing.T) {
	b := New(nil)
	defer b.Subscribe("test.", func(Event) { panic("boom") })()
	var survived bool
	defer b.Subscribe("test.", func(Event) { survived = true })()

	b.Publish(Event{Kind: "test.panic"})

	if !survived {
		t.Error("handler after a panicking one did not run")
	}
}

func TestCollectDropsOnFullBuffer(t *testing.T) {
	b := New(nil)
	ch, unsub := b.Collect("test.", 1)
	defer unsub()

	// Fill buffer; the second publish is dropped, not blocked on.
	b.Publish(Event{Kind: "test.one"})
	b.Publish(Event{Kind: "test.two"})

	evt := <-ch
	if evt.Kind != "test.one" {
		t.Errorf("got %q, want test.one", evt.Kind)
	}
	select {
	case evt := <-ch:
		t.Errorf("unexpected buffered event: %v", evt)
	default:
	}
}
