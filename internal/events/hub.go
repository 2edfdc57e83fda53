package events

import (
	"sync"
	"time"
)

// Hub tees events to an inner recorder and fans them out to live
// subscribers. Slow subscribers are dropped rather than blocking the
// recording path.
type Hub struct {
	inner Recorder

	mu   sync.Mutex
	seq  uint64
	subs map[chan Event]struct{}
}

// NewHub wraps inner with live-subscription fan-out. inner may be
// [Discard].
func NewHub(inner Recorder) *Hub {
	return &Hub{inner: inner, subs: make(map[chan Event]struct{})}
}

// Record forwards to the inner recorder and all subscribers.
func (h *Hub) Record(e Event) {
	h.mu.Lock()
	h.seq++
	if e.Seq == 0 {
		e.Seq = h.seq
	}
	if e.Ts.IsZero() {
		e.Ts = time.Now().UTC()
	}
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
			// Subscriber fell behind: drop it so recording never blocks.
			delete(h.subs, ch)
			close(ch)
		}
	}
	h.mu.Unlock()

	h.inner.Record(e)
}

// Subscribe returns a buffered channel of future events and a cancel
// function. The channel is closed on cancel or when the subscriber
// falls behind.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if _, ok := h.subs[ch]; ok {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}
