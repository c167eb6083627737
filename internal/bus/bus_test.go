package bus

import (
	"sync/atomic"
	"testing"
)

func TestBroadcastFansOut(t *testing.T) {
	b := New()
	var a, c atomic.Int32
	b.Subscribe("a", func(Event) { a.Add(1) })
	b.Subscribe("c", func(Event) { c.Add(1) })

	b.Emit(EventMessageEnqueued, map[string]any{"messageId": "m1"})
	b.Emit(EventResponseReady, nil)

	if a.Load() != 2 || c.Load() != 2 {
		t.Errorf("deliveries = (%d, %d), want (2, 2)", a.Load(), c.Load())
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	var n atomic.Int32
	b.Subscribe("x", func(Event) { n.Add(1) })
	b.Emit(EventChainStepStart, nil)
	b.Unsubscribe("x")
	b.Emit(EventChainStepDone, nil)

	if n.Load() != 1 {
		t.Errorf("deliveries = %d, want 1", n.Load())
	}
}

func TestPanickingSubscriberDoesNotStopOthers(t *testing.T) {
	b := New()
	var n atomic.Int32
	b.Subscribe("boom", func(Event) { panic("boom") })
	b.Subscribe("ok", func(Event) { n.Add(1) })

	b.Emit(EventTeamChainEnd, map[string]any{"team": "dev"})

	if n.Load() != 1 {
		t.Errorf("healthy subscriber got %d events, want 1", n.Load())
	}
}

func TestEmitStampsTime(t *testing.T) {
	b := New()
	var got Event
	b.Subscribe("t", func(e Event) { got = e })
	b.Emit(EventAgentRouted, nil)

	if got.At.IsZero() {
		t.Error("event timestamp not set")
	}
	if got.Name != EventAgentRouted {
		t.Errorf("name = %q", got.Name)
	}
}
