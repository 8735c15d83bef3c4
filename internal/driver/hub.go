package driver

import (
	"sync"

	"go.uber.org/zap"

	"github.com/blockforge/swarmd/internal/protocol"
)

// subscriberBuffer is the per-subscriber channel depth. A slow subscriber
// loses the oldest events rather than blocking the driver.
const subscriberBuffer = 256

// Hub fans driver events out to any number of subscribers. The observer and
// the experience buffer both consume it; the driver only publishes — no
// back-pointers into the control plane.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan protocol.Event
	nextID int
	closed bool
	logger *zap.Logger
}

// NewHub creates an event hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subs:   make(map[int]chan protocol.Event),
		logger: logger,
	}
}

// Subscribe registers a new consumer. The returned cancel func must be
// called to release the subscription; the channel is closed by it.
func (h *Hub) Subscribe() (<-chan protocol.Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		ch := make(chan protocol.Event)
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	ch := make(chan protocol.Event, subscriberBuffer)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if sub, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(sub)
		}
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber. When a subscriber's buffer
// is full the oldest event is dropped to make room.
func (h *Hub) Publish(ev protocol.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- ev:
			default:
			}
			h.logger.Warn("event dropped for slow subscriber",
				zap.String("type", string(ev.Type)),
				zap.String("agent", ev.AgentID),
			)
		}
	}
}

// Close shuts the hub down and closes all subscriber channels.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
