package stream

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/weaverlabs/ces/internal/event"
)

func publishN(h *Hub, n int) {
	for i := 0; i < n; i++ {
		h.Publish(event.Event{Seq: int64(i), Kind: event.KindStdout, Payload: fmt.Sprintf("%d\n", i)})
	}
}

func terminal(seq int64) event.Event {
	return event.Event{Seq: seq, Kind: event.KindStatus, Payload: "done", Terminal: true}
}

func collect(t *testing.T, sub *Subscription, n int) []event.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := make([]event.Event, 0, n)
	for len(events) < n {
		ev, err := sub.Next(ctx)
		if err != nil {
			t.Fatalf("Next failed after %d events: %v", len(events), err)
		}
		events = append(events, ev)
	}
	return events
}

func TestHubOrderedDelivery(t *testing.T) {
	h := New(0, 0)
	sub := h.Subscribe()

	publishN(h, 5)
	h.Publish(terminal(5))

	events := collect(t, sub, 6)
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Errorf("event %d: seq %d", i, ev.Seq)
		}
	}
	if !events[5].Terminal {
		t.Error("last event should be terminal")
	}
}

func TestHubLateJoinReplay(t *testing.T) {
	h := New(0, 0)
	publishN(h, 3)

	// Join after three events are already buffered.
	sub := h.Subscribe()
	h.Publish(event.Event{Seq: 3, Kind: event.KindStdout, Payload: "late\n"})
	h.Publish(terminal(4))

	events := collect(t, sub, 5)
	for i, ev := range events {
		if ev.Seq != int64(i) {
			t.Fatalf("event %d out of order: seq %d", i, ev.Seq)
		}
	}
}

func TestHubSubscribeAfterClose(t *testing.T) {
	h := New(0, 0)
	publishN(h, 2)
	h.Publish(terminal(2))

	sub := h.Subscribe()
	events := collect(t, sub, 3)
	if !events[2].Terminal {
		t.Error("expected terminal event at the end of replay")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if _, err := sub.Next(ctx); err != ErrClosed {
		t.Errorf("expected ErrClosed after terminal, got %v", err)
	}
}

func TestHubClosedAfterTerminal(t *testing.T) {
	h := New(0, 0)
	h.Publish(terminal(0))
	if !h.Closed() {
		t.Fatal("hub should be closed after terminal event")
	}

	// Publishes after the terminal event are dropped.
	h.Publish(event.Event{Seq: 1, Kind: event.KindStdout})
	sub := h.Subscribe()
	events := collect(t, sub, 1)
	if len(events) != 1 || !events[0].Terminal {
		t.Errorf("expected only the terminal event, got %v", events)
	}
}

func TestHubSlowSubscriberDropped(t *testing.T) {
	h := New(0, 4) // tiny queue
	sub := h.Subscribe()

	// Overflow the subscriber's queue without consuming.
	publishN(h, 10)

	if n := h.SubscriberCount(); n != 0 {
		t.Fatalf("lagging subscriber should be detached, have %d", n)
	}

	// The consumer drains what fit, then sees a synthetic terminal error.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var last event.Event
	for {
		ev, err := sub.Next(ctx)
		if err == ErrClosed {
			break
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		last = ev
	}
	if !last.Terminal || last.Kind != event.KindError {
		t.Errorf("expected synthetic terminal error, got %+v", last)
	}
	p, ok := last.Payload.(event.ErrorPayload)
	if !ok || p.Message != "subscriber fell behind" {
		t.Errorf("unexpected payload %+v", last.Payload)
	}
}

func TestHubTruncation(t *testing.T) {
	h := New(8, 0)
	publishN(h, 20)

	sub := h.Subscribe()
	events := collect(t, sub, 9)
	if events[0].Kind != event.KindTruncated {
		t.Fatalf("late joiner should see a truncation marker first, got %v", events[0].Kind)
	}
	// The retained suffix stays ordered.
	for i := 1; i < len(events); i++ {
		if events[i].Seq <= events[i-1].Seq {
			t.Errorf("events out of order at %d: %d then %d", i, events[i-1].Seq, events[i].Seq)
		}
	}
}

func TestSubscriptionCloseIdempotent(t *testing.T) {
	h := New(0, 0)
	sub := h.Subscribe()
	sub.Close()
	sub.Close()
	if n := h.SubscriberCount(); n != 0 {
		t.Errorf("expected no subscribers, have %d", n)
	}
}

func TestHubConcurrentSubscribers(t *testing.T) {
	h := New(0, 0)
	const subscribers = 8
	const events = 50

	done := make(chan []int64, subscribers)
	for i := 0; i < subscribers; i++ {
		sub := h.Subscribe()
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			var seqs []int64
			for {
				ev, err := sub.Next(ctx)
				if err != nil {
					done <- nil
					return
				}
				seqs = append(seqs, ev.Seq)
				if ev.Terminal {
					done <- seqs
					return
				}
			}
		}()
	}

	publishN(h, events)
	h.Publish(terminal(events))

	for i := 0; i < subscribers; i++ {
		seqs := <-done
		if seqs == nil {
			t.Fatal("subscriber failed")
		}
		if len(seqs) != events+1 {
			t.Fatalf("subscriber received %d events, want %d", len(seqs), events+1)
		}
		for j := 1; j < len(seqs); j++ {
			if seqs[j] != seqs[j-1]+1 {
				t.Fatalf("gap in sequence at %d: %d then %d", j, seqs[j-1], seqs[j])
			}
		}
	}
}
