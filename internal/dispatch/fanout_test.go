package dispatch

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"callflow/internal/call"
)

type captureSink struct {
	mu     sync.Mutex
	events []call.Event
}

func (c *captureSink) Deliver(ctx context.Context, ev call.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *captureSink) snapshot() []call.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]call.Event, len(c.events))
	copy(out, c.events)
	return out
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestFanout_DeliversInPublishOrder(t *testing.T) {
	sink := &captureSink{}
	f := NewFanout(16, discardLogger(), sink)
	f.Start(context.Background())

	for i := 0; i < 5; i++ {
		f.Publish(call.Event{ID: string(rune('a' + i)), Type: call.EventCallInitiated})
	}
	f.Close()

	got := sink.snapshot()
	if len(got) != 5 {
		t.Fatalf("expected 5 events, got %d", len(got))
	}
	for i, ev := range got {
		if ev.ID != string(rune('a'+i)) {
			t.Fatalf("event %d out of order: %s", i, ev.ID)
		}
	}
	if f.Drops() != 0 {
		t.Fatalf("expected no drops, got %d", f.Drops())
	}
}

func TestFanout_FullBufferDropsAndCounts(t *testing.T) {
	// No consumer started: the buffer fills and the overflow is dropped.
	f := NewFanout(2, discardLogger())
	for i := 0; i < 5; i++ {
		f.Publish(call.Event{ID: "e", Type: call.EventCallEnded})
	}
	if f.Drops() != 3 {
		t.Fatalf("expected 3 drops, got %d", f.Drops())
	}
}

func TestFanout_CloseFlushesAndPublishAfterCloseIsNoop(t *testing.T) {
	sink := &captureSink{}
	f := NewFanout(16, discardLogger(), sink)
	f.Start(context.Background())

	f.Publish(call.Event{ID: "e1", Type: call.EventCallInitiated})
	f.Close()
	f.Publish(call.Event{ID: "e2", Type: call.EventCallEnded})
	f.Close() // idempotent

	got := sink.snapshot()
	if len(got) != 1 || got[0].ID != "e1" {
		t.Fatalf("expected only pre-close event, got %+v", got)
	}
}

// Publishing while another goroutine shuts the fanout down must never
// send on the closed channel.
func TestFanout_PublishRacingCloseDoesNotPanic(t *testing.T) {
	for i := 0; i < 200; i++ {
		f := NewFanout(4, discardLogger(), &captureSink{})
		f.Start(context.Background())

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				f.Publish(call.Event{ID: "e1", Type: call.EventParticipantRinging})
			}
		}()
		f.Close()
		wg.Wait()
		f.Publish(call.Event{ID: "late", Type: call.EventCallEnded})
	}
}

func TestFanout_FeedsAllSinks(t *testing.T) {
	a, b := &captureSink{}, &captureSink{}
	f := NewFanout(16, discardLogger(), a, b)
	f.Start(context.Background())

	f.Publish(call.Event{ID: "e1", Type: call.EventCallAccepted})
	f.Close()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(a.snapshot()) == 1 && len(b.snapshot()) == 1 {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected both sinks to receive the event: a=%d b=%d", len(a.snapshot()), len(b.snapshot()))
}
