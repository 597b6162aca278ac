package call

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Scheduler is the periodic sweep that forces terminal transitions on
// sessions and queue entries that exceeded their timeouts.
//
// Every step is an idempotent compare-and-swap; a conflict means a client
// operation won the race, which is success from the sweep's point of view.
// Errors are logged and retried next tick, never fatal to the process.
type Scheduler struct {
	store    Store
	manager  *Manager
	monitor  Monitor
	interval time.Duration

	clock func() time.Time
	log   *slog.Logger
}

func NewScheduler(store Store, manager *Manager, monitor Monitor, interval time.Duration, log *slog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if log == nil {
		log = slog.Default()
	}
	return &Scheduler{
		store:    store,
		manager:  manager,
		monitor:  monitor,
		interval: interval,
		clock:    time.Now,
		log:      log,
	}
}

// SetClock overrides the time source; tests advance it manually and call
// Sweep directly instead of running the ticker.
func (sch *Scheduler) SetClock(clock func() time.Time) { sch.clock = clock }

// Run ticks Sweep until ctx is cancelled.
func (sch *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(sch.interval)
	defer ticker.Stop()

	sch.log.Info("cleanup scheduler started", "interval", sch.interval)
	for {
		select {
		case <-ctx.Done():
			sch.log.Info("cleanup scheduler stopped")
			return
		case <-ticker.C:
			if err := sch.Sweep(ctx); err != nil {
				sch.log.Error("sweep failed", "err", err)
			}
		}
	}
}

// Sweep performs one cleanup pass: expire overdue sessions, purge expired
// queue entries, then run the dequeue step for every participant it freed.
func (sch *Scheduler) Sweep(ctx context.Context) error {
	now := sch.clock().UTC()
	var errs []error
	var freed []string

	sessions, err := sch.store.ListActiveSessions(ctx)
	if err != nil {
		errs = append(errs, err)
	}
	for _, s := range sessions {
		switch sch.monitor.Assess(s, now) {
		case VerdictRingTimeout:
			if sch.expireMissed(ctx, s.ID, now) {
				freed = append(freed, s.Caller, s.Callee)
			}
		case VerdictHeartbeatTimeout:
			if sch.expireNetworkFailure(ctx, s.ID, now) {
				freed = append(freed, s.Caller, s.Callee)
			}
		}
	}

	expired, err := sch.store.ExpiredQueueEntries(ctx, now)
	if err != nil {
		errs = append(errs, err)
	}
	for _, e := range expired {
		if err := sch.store.DeleteQueueEntry(ctx, e.ID); err != nil {
			if err != ErrNotFound {
				errs = append(errs, err)
			}
			continue
		}
		// Tell the queued caller their deferred request lapsed.
		sch.manager.publish(Event{
			ID:         uuid.NewString(),
			SessionID:  e.ID,
			Type:       EventCallTimeout,
			Actor:      SystemActor,
			Caller:     e.Caller,
			Callee:     e.Callee,
			Kind:       e.Kind,
			Recipients: []string{e.Caller},
			CreatedAt:  now,
		})
		sch.log.Info("queue entry expired", "queue_id", e.ID, "caller", e.Caller, "callee", e.Callee)
	}

	sch.manager.drainQueues(ctx, freed...)
	return errors.Join(errs...)
}

// expireMissed resolves an overdue calling/ringing session to missed.
// Returns true when this sweep performed the transition.
func (sch *Scheduler) expireMissed(ctx context.Context, id string, now time.Time) bool {
	var ev Event
	_, err := sch.store.UpdateSession(ctx, id, AnyActive, func(s *Session) ([]Event, error) {
		if s.State != StateCalling && s.State != StateRinging {
			return nil, ErrInvalidTransition
		}
		s.State = StateMissed
		s.EndReason = ReasonMissed
		s.EndedAt = &now
		ev = sch.manager.newEvent(s, EventCallMissed, SystemActor, s.Caller, s.Callee)
		return []Event{ev}, nil
	})
	if err != nil {
		if err != ErrInvalidTransition && err != ErrNotFound {
			sch.log.Error("missed transition failed", "session_id", id, "err", err)
		}
		return false
	}
	sch.manager.publish(ev)
	sch.log.Info("session missed", "session_id", id)
	return true
}

// expireNetworkFailure ends an accepted session whose participant went
// silent. Dispatch order is network_failure then call_ended.
func (sch *Scheduler) expireNetworkFailure(ctx context.Context, id string, now time.Time) bool {
	var events []Event
	_, err := sch.store.UpdateSession(ctx, id, StateAccepted, func(s *Session) ([]Event, error) {
		s.State = StateEnded
		s.EndReason = ReasonNetworkFailure
		s.EndedAt = &now
		failure := sch.manager.newEvent(s, EventNetworkFailure, SystemActor, s.Caller, s.Callee)
		ended := sch.manager.newEvent(s, EventCallEnded, SystemActor, s.Caller, s.Callee)
		events = []Event{failure, ended}
		return events, nil
	})
	if err != nil {
		if err != ErrInvalidTransition && err != ErrNotFound {
			sch.log.Error("network-failure transition failed", "session_id", id, "err", err)
		}
		return false
	}
	sch.manager.publish(events...)
	sch.log.Info("session ended on network failure", "session_id", id)
	return true
}
