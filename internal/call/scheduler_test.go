package call

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func newScheduler(f *fixture) *Scheduler {
	mon := Monitor{RingTimeout: 90 * time.Second, HeartbeatTimeout: 15 * time.Second}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sch := NewScheduler(f.store, f.mgr, mon, 2*time.Second, log)
	sch.clock = func() time.Time { return f.now }
	return sch
}

func TestSweep_UnansweredCallGoesMissed(t *testing.T) {
	f := newFixture(t)
	sch := newScheduler(f)
	ctx := context.Background()

	s := f.initiate(t, "c1", "c2")
	if _, err := f.mgr.Acknowledge(ctx, s.ID, "c2"); err != nil {
		t.Fatalf("acknowledge: %v", err)
	}

	// Inside the window the sweep leaves the session alone.
	f.advance(89 * time.Second)
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	cur, _ := f.store.GetSession(ctx, s.ID)
	if cur.State != StateRinging {
		t.Fatalf("expected still ringing, got %s", cur.State)
	}

	f.advance(2 * time.Second)
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	cur, _ = f.store.GetSession(ctx, s.ID)
	if cur.State != StateMissed || cur.EndReason != ReasonMissed || cur.EndedAt == nil {
		t.Fatalf("expected missed, got %+v", cur)
	}
	ev := f.rec.last()
	if ev.Type != EventCallMissed || ev.Actor != SystemActor {
		t.Fatalf("expected system call_missed, got %+v", ev)
	}

	// Both users are free again.
	if _, busy, _ := f.store.ActiveSessionFor(ctx, "c1"); busy {
		t.Fatalf("expected caller freed")
	}

	// A second pass finds nothing to do.
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("idempotent sweep: %v", err)
	}
}

func TestSweep_SilentParticipantEndsAsNetworkFailure(t *testing.T) {
	f := newFixture(t)
	sch := newScheduler(f)
	ctx := context.Background()

	s := f.accepted(t, "c1", "c2")
	f.advance(10 * time.Second)
	if err := f.mgr.Heartbeat(ctx, s.ID, "c1", false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	if err := f.mgr.Heartbeat(ctx, s.ID, "c2", false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}

	// c2 goes silent; c1 keeps beating.
	f.advance(10 * time.Second)
	if err := f.mgr.Heartbeat(ctx, s.ID, "c1", false); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	f.advance(6 * time.Second)
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	cur, _ := f.store.GetSession(ctx, s.ID)
	if cur.State != StateEnded || cur.EndReason != ReasonNetworkFailure {
		t.Fatalf("expected ended/network_failure, got %+v", cur)
	}

	n := len(f.rec.events)
	if n < 2 {
		t.Fatalf("expected failure + ended events, got %d", n)
	}
	if f.rec.events[n-2].Type != EventNetworkFailure || f.rec.events[n-1].Type != EventCallEnded {
		t.Fatalf("expected network_failure then call_ended, got %s then %s",
			f.rec.events[n-2].Type, f.rec.events[n-1].Type)
	}
}

func TestSweep_NeverAcceptedHeartbeatRunsFromAcceptance(t *testing.T) {
	f := newFixture(t)
	sch := newScheduler(f)
	ctx := context.Background()

	s := f.accepted(t, "c1", "c2")

	// No heartbeat ever arrives; staleness is measured from acceptance.
	f.advance(16 * time.Second)
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	cur, _ := f.store.GetSession(ctx, s.ID)
	if cur.State != StateEnded || cur.EndReason != ReasonNetworkFailure {
		t.Fatalf("expected ended/network_failure, got %+v", cur)
	}
}

func TestSweep_PurgesExpiredQueueEntries(t *testing.T) {
	f := newFixture(t)
	sch := newScheduler(f)
	ctx := context.Background()

	s := f.accepted(t, "c2", "c3")
	res, err := f.mgr.Initiate(ctx, "c1", "c2", KindVideo)
	if err != nil || res.Queued == nil {
		t.Fatalf("queue: %v", err)
	}

	// Keep the session alive past the queue TTL.
	for i := 0; i < 31; i++ {
		f.advance(10 * time.Second)
		if err := f.mgr.Heartbeat(ctx, s.ID, "c2", false); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
		if err := f.mgr.Heartbeat(ctx, s.ID, "c3", false); err != nil {
			t.Fatalf("heartbeat: %v", err)
		}
	}

	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if _, err := f.store.GetQueueEntry(ctx, res.Queued.ID); err != ErrNotFound {
		t.Fatalf("expected entry purged, got %v", err)
	}

	ev := f.rec.last()
	if ev.Type != EventCallTimeout || ev.Actor != SystemActor {
		t.Fatalf("expected system call_timeout, got %+v", ev)
	}
	if len(ev.Recipients) != 1 || ev.Recipients[0] != "c1" {
		t.Fatalf("expiry notice must target only the queued caller, got %v", ev.Recipients)
	}
}

func TestSweep_FreedCalleeTriggersDequeue(t *testing.T) {
	f := newFixture(t)
	sch := newScheduler(f)
	ctx := context.Background()

	f.accepted(t, "c2", "c3")
	if r, err := f.mgr.Initiate(ctx, "c1", "c2", KindVideo); err != nil || r.Queued == nil {
		t.Fatalf("queue: %v", err)
	}

	// Both participants go silent; the sweep ends the session and is the one
	// that runs the dequeue step for the freed callee.
	f.advance(20 * time.Second)
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	active, busy, err := f.store.ActiveSessionFor(ctx, "c2")
	if err != nil || !busy {
		t.Fatalf("expected dequeued session for c2, err=%v", err)
	}
	if active.Caller != "c1" || active.State != StateCalling {
		t.Fatalf("expected c1->c2 calling, got %+v", active)
	}
}

// faultyStore fails ListActiveSessions until healed; everything else passes
// through.
type faultyStore struct {
	Store
	broken bool
}

func (fs *faultyStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	if fs.broken {
		return nil, errors.New("store unavailable")
	}
	return fs.Store.ListActiveSessions(ctx)
}

func TestSweep_StoreErrorIsReportedNotFatal(t *testing.T) {
	f := newFixture(t)
	fs := &faultyStore{Store: f.store, broken: true}
	mon := Monitor{RingTimeout: 90 * time.Second, HeartbeatTimeout: 15 * time.Second}
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sch := NewScheduler(fs, f.mgr, mon, 2*time.Second, log)
	sch.clock = func() time.Time { return f.now }
	ctx := context.Background()

	s := f.initiate(t, "c1", "c2")
	f.advance(2 * time.Minute)

	if err := sch.Sweep(ctx); err == nil {
		t.Fatalf("expected sweep error while store is down")
	}
	cur, _ := f.store.GetSession(ctx, s.ID)
	if cur.State != StateCalling {
		t.Fatalf("session must be untouched while store is down, got %s", cur.State)
	}

	fs.broken = false
	if err := sch.Sweep(ctx); err != nil {
		t.Fatalf("recovered sweep: %v", err)
	}
	cur, _ = f.store.GetSession(ctx, s.ID)
	if cur.State != StateMissed {
		t.Fatalf("expected missed after recovery, got %s", cur.State)
	}
}
