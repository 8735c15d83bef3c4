package driver

import (
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/protocol"
)

func TestHubFanOut(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()

	ch1, cancel1 := h.Subscribe()
	ch2, cancel2 := h.Subscribe()
	defer cancel1()
	defer cancel2()

	h.Publish(protocol.Event{Type: protocol.EventSpawn, AgentID: "a"})

	for i, ch := range []<-chan protocol.Event{ch1, ch2} {
		select {
		case ev := <-ch:
			if ev.AgentID != "a" {
				t.Errorf("subscriber %d: unexpected event %+v", i, ev)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: no event", i)
		}
	}
}

func TestHubUnsubscribeClosesChannel(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()

	ch, cancel := h.Subscribe()
	cancel()

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after cancel")
	}

	// Publishing after unsubscribe must not panic.
	h.Publish(protocol.Event{Type: protocol.EventMove, AgentID: "a"})
}

func TestHubSlowSubscriberDropsOldest(t *testing.T) {
	h := NewHub(zap.NewNop())
	defer h.Close()

	ch, cancel := h.Subscribe()
	defer cancel()

	for i := 0; i < subscriberBuffer+10; i++ {
		h.Publish(protocol.Event{Type: protocol.EventMove, AgentID: "a", Health: i})
	}

	// The earliest events were dropped; the subscriber still drains a full
	// buffer ending with the newest event.
	var last protocol.Event
	drained := 0
	for drained < subscriberBuffer {
		select {
		case last = <-ch:
			drained++
		case <-time.After(time.Second):
			t.Fatalf("drained only %d events", drained)
		}
	}
	if last.Health != subscriberBuffer+9 {
		t.Errorf("expected newest event last, got %d", last.Health)
	}
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub(zap.NewNop())
	ch, _ := h.Subscribe()
	h.Close()
	h.Close()

	if _, open := <-ch; open {
		t.Fatal("channel should be closed after hub close")
	}

	ch2, cancel := h.Subscribe()
	defer cancel()
	if _, open := <-ch2; open {
		t.Fatal("subscribe after close should return a closed channel")
	}
}
