// Package stream implements the per-execution broadcast buffer.
//
// One producer (the execution engine) publishes ordered events; any number
// of subscribers (SSE or WebSocket connections) consume them. A subscriber
// joining late replays the full buffered prefix before receiving live
// events, so every subscriber observes the same sequence. Slow consumers
// are isolated: their queue overflows, they are dropped with a synthetic
// terminal error, and neither the producer nor other subscribers stall.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/weaverlabs/ces/internal/event"
)

var ErrClosed = errors.New("subscription closed")

const (
	DefaultBufferCap = 10000
	DefaultQueueCap  = 256
)

// Hub is the broadcast buffer for one execution.
type Hub struct {
	mu        sync.Mutex
	buf       []event.Event
	truncated bool
	subs      map[*Subscription]struct{}
	closed    bool

	bufferCap int
	queueCap  int
}

// New creates a hub. Zero caps select the defaults.
func New(bufferCap, queueCap int) *Hub {
	if bufferCap <= 0 {
		bufferCap = DefaultBufferCap
	}
	if queueCap <= 0 {
		queueCap = DefaultQueueCap
	}
	return &Hub{
		subs:      make(map[*Subscription]struct{}),
		bufferCap: bufferCap,
		queueCap:  queueCap,
	}
}

// Publish appends an event and fans it out to every subscriber. After an
// event with Terminal set the hub is permanently closed; later publishes
// are dropped.
func (h *Hub) Publish(ev event.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}

	h.buf = append(h.buf, ev)
	if len(h.buf) > h.bufferCap {
		h.buf = h.buf[len(h.buf)-h.bufferCap:]
		h.truncated = true
	}

	for s := range h.subs {
		select {
		case s.ch <- ev:
		default:
			// Queue full: this consumer fell behind. Drop it so the
			// producer and the other subscribers keep moving.
			delete(h.subs, s)
			s.lagged = true
			close(s.ch)
		}
	}

	if ev.Terminal {
		h.closed = true
		for s := range h.subs {
			delete(h.subs, s)
			close(s.ch)
		}
	}
}

// Subscribe registers a new consumer positioned at sequence zero. The
// buffered prefix and registration are taken atomically, so the consumer
// sees every event exactly once, in order.
func (h *Hub) Subscribe() *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	var replay []event.Event
	if h.truncated && len(h.buf) > 0 {
		replay = make([]event.Event, 0, len(h.buf)+1)
		replay = append(replay, event.Event{
			Seq:     h.buf[0].Seq - 1,
			Kind:    event.KindTruncated,
			Payload: "older events truncated",
		})
	} else {
		replay = make([]event.Event, 0, len(h.buf))
	}
	replay = append(replay, h.buf...)

	s := &Subscription{
		hub:    h,
		replay: replay,
		ch:     make(chan event.Event, h.queueCap),
	}
	if h.closed {
		close(s.ch)
	} else {
		h.subs[s] = struct{}{}
	}
	return s
}

// Closed reports whether the terminal event has been published.
func (h *Hub) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Subscription is one consumer's ordered view of a hub.
type Subscription struct {
	hub    *Hub
	replay []event.Event
	idx    int
	ch     chan event.Event

	// lagged is set under the hub lock before ch is closed; the channel
	// close orders it before the consumer's read.
	lagged     bool
	laggedSent bool
	unsubOnce  sync.Once
}

// Next returns the next event in sequence. After the terminal event the
// following call returns ErrClosed. A consumer that fell behind receives
// one synthetic terminal error event before ErrClosed.
func (s *Subscription) Next(ctx context.Context) (event.Event, error) {
	if s.idx < len(s.replay) {
		ev := s.replay[s.idx]
		s.idx++
		return ev, nil
	}

	select {
	case ev, ok := <-s.ch:
		if ok {
			return ev, nil
		}
		if s.lagged && !s.laggedSent {
			s.laggedSent = true
			return event.Event{
				Kind:     event.KindError,
				Payload:  event.ErrorPayload{Message: "subscriber fell behind"},
				Terminal: true,
			}, nil
		}
		return event.Event{}, ErrClosed
	case <-ctx.Done():
		return event.Event{}, ctx.Err()
	}
}

// Close detaches the subscription. Idempotent.
func (s *Subscription) Close() {
	s.unsubOnce.Do(func() {
		s.hub.mu.Lock()
		if _, ok := s.hub.subs[s]; ok {
			delete(s.hub.subs, s)
			close(s.ch)
		}
		s.hub.mu.Unlock()
	})
}
