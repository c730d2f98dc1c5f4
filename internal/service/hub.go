package service

import (
	"sync"

	"github.com/stemsi/exstem-proctor/internal/proctor"
)

const subscriberBuffer = 64

// hub fans controller events out to WebSocket subscribers. Slow subscribers
// lose events rather than stall the session.
type hub struct {
	mu     sync.Mutex
	subs   map[chan proctor.Event]struct{}
	closed bool
}

func newHub() *hub {
	return &hub{subs: make(map[chan proctor.Event]struct{})}
}

func (h *hub) subscribe() (<-chan proctor.Event, func()) {
	ch := make(chan proctor.Event, subscriberBuffer)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
	}
}

// publish returns the number of subscribers that dropped the event.
func (h *hub) publish(e proctor.Event) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			dropped++
		}
	}
	return dropped
}

func (h *hub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}
