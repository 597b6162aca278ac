package dispatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"callflow/internal/call"
)

// Sink receives committed call events. Delivery is at-least-once: the
// triggering mutation is already durable when a sink sees the event.
type Sink interface {
	Deliver(ctx context.Context, ev call.Event)
}

// Fanout decouples event publishing from the mutation path. Publish is
// non-blocking: a full buffer drops the event and counts the drop rather
// than stalling a state transition. A single consumer goroutine feeds the
// sinks, which preserves per-session commit order.
type Fanout struct {
	ch    chan call.Event
	sinks []Sink
	log   *slog.Logger

	drops atomic.Uint64
	wg    sync.WaitGroup

	// mu orders Publish against Close so the channel is never closed while
	// a send is in flight.
	mu     sync.Mutex
	closed bool
}

func NewFanout(buffer int, log *slog.Logger, sinks ...Sink) *Fanout {
	if buffer <= 0 {
		buffer = 256
	}
	if log == nil {
		log = slog.Default()
	}
	return &Fanout{
		ch:    make(chan call.Event, buffer),
		sinks: sinks,
		log:   log,
	}
}

// Start launches the consumer loop. ctx bounds per-sink delivery time.
func (f *Fanout) Start(ctx context.Context) {
	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		for ev := range f.ch {
			for _, s := range f.sinks {
				dctx, cancel := context.WithTimeout(ctx, 5*time.Second)
				s.Deliver(dctx, ev)
				cancel()
			}
		}
	}()
}

// Publish enqueues an event for delivery. Never blocks.
func (f *Fanout) Publish(ev call.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	select {
	case f.ch <- ev:
	default:
		f.drops.Add(1)
		f.log.Warn("event dropped, dispatch buffer full", "type", ev.Type, "session_id", ev.SessionID)
	}
}

// Drops returns the number of events dropped on a full buffer.
func (f *Fanout) Drops() uint64 { return f.drops.Load() }

// Close flushes buffered events and stops the consumer.
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.ch)
	f.mu.Unlock()
	f.wg.Wait()
}

// LogSink writes every event to the structured log at debug level.
type LogSink struct {
	Log *slog.Logger
}

func (l LogSink) Deliver(ctx context.Context, ev call.Event) {
	log := l.Log
	if log == nil {
		log = slog.Default()
	}
	log.Debug("call event",
		"event_id", ev.ID,
		"type", ev.Type,
		"session_id", ev.SessionID,
		"state", ev.State,
		"recipients", ev.Recipients,
	)
}
