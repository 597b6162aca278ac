package call

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// RoomProvider is the conferencing-collaborator boundary. The returned
// reference is stored opaquely on the session and never interpreted here.
type RoomProvider interface {
	CreateRoom(ctx context.Context, kind Kind) (string, error)
}

// Options are the tunable thresholds of the call core. Zero values take the
// documented defaults.
type Options struct {
	// RingTimeout bounds how long a session may sit in calling/ringing
	// before the sweep resolves it to missed.
	RingTimeout time.Duration
	// HeartbeatTimeout bounds participant heartbeat staleness on an
	// accepted session before the sweep ends it as a network failure.
	HeartbeatTimeout time.Duration
	// QueueTTL is the lifetime of a deferred call request.
	QueueTTL time.Duration
}

func (o Options) withDefaults() Options {
	out := o
	if out.RingTimeout <= 0 {
		out.RingTimeout = 90 * time.Second
	}
	if out.HeartbeatTimeout <= 0 {
		out.HeartbeatTimeout = 15 * time.Second
	}
	if out.QueueTTL <= 0 {
		out.QueueTTL = 5 * time.Minute
	}
	return out
}

// Manager is the call state machine. It validates and applies operations
// against the store inside precondition-checked transactions, delegates to
// the queue when the callee is busy, and publishes events only after the
// triggering mutation has committed.
type Manager struct {
	store    Store
	rooms    RoomProvider
	dispatch Dispatcher
	guard    InitiateGuard
	locks    DequeueLock
	opts     Options

	clock func() time.Time
	log   *slog.Logger
}

func NewManager(store Store, rooms RoomProvider, dispatch Dispatcher, guard InitiateGuard, locks DequeueLock, opts Options, log *slog.Logger) *Manager {
	if dispatch == nil {
		dispatch = NopDispatcher{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		store:    store,
		rooms:    rooms,
		dispatch: dispatch,
		guard:    guard,
		locks:    locks,
		opts:     opts.withDefaults(),
		clock:    time.Now,
		log:      log,
	}
}

// SetClock overrides the time source; tests advance it manually.
func (m *Manager) SetClock(clock func() time.Time) { m.clock = clock }

// InitiateResult is either a fresh session in calling state or a queue entry
// when the callee was busy. Exactly one field is set.
type InitiateResult struct {
	Session *Session    `json:"session,omitempty"`
	Queued  *QueueEntry `json:"queued,omitempty"`
}

// Initiate starts a call attempt from caller to callee.
//
// Failure kinds: ErrInvalidArgument (self-call, bad kind), ErrAlreadyBusy
// (caller busy elsewhere, or within the duplicate-tap cooldown).
func (m *Manager) Initiate(ctx context.Context, caller, callee string, kind Kind) (InitiateResult, error) {
	if caller == "" || callee == "" || caller == callee || !kind.Valid() {
		return InitiateResult{}, ErrInvalidArgument
	}
	if m.guard != nil {
		ok, err := m.guard.Allow(ctx, caller, callee)
		if err != nil {
			return InitiateResult{}, err
		}
		if !ok {
			return InitiateResult{}, ErrAlreadyBusy
		}
	}
	return m.initiate(ctx, caller, callee, kind)
}

// initiate is the cooldown-free inner path, shared with the queue dequeue
// step (a server-driven dequeue is not a tap).
func (m *Manager) initiate(ctx context.Context, caller, callee string, kind Kind) (InitiateResult, error) {
	now := m.clock().UTC()

	if _, busy, err := m.store.ActiveSessionFor(ctx, caller); err != nil {
		return InitiateResult{}, err
	} else if busy {
		return InitiateResult{}, ErrAlreadyBusy
	}

	if _, busy, err := m.store.ActiveSessionFor(ctx, callee); err != nil {
		return InitiateResult{}, err
	} else if busy {
		return m.enqueue(ctx, caller, callee, kind, now)
	}

	roomRef, err := m.rooms.CreateRoom(ctx, kind)
	if err != nil {
		return InitiateResult{}, err
	}

	s := &Session{
		ID:            uuid.NewString(),
		Kind:          kind,
		State:         StateCalling,
		Caller:        caller,
		Callee:        callee,
		Moderator:     caller,
		RoomRef:       roomRef,
		CreatedAt:     now,
		LastHeartbeat: map[string]time.Time{},
		Backgrounded:  map[string]bool{},
		Left:          map[string]bool{},
	}
	ev := m.newEvent(s, EventCallInitiated, caller, caller, callee)

	if err := m.store.CreateSession(ctx, s, []Event{ev}); err != nil {
		return InitiateResult{}, err
	}
	m.publish(ev)
	m.log.Info("call initiated", "session_id", s.ID, "caller", caller, "callee", callee, "kind", kind)
	return InitiateResult{Session: s}, nil
}

func (m *Manager) enqueue(ctx context.Context, caller, callee string, kind Kind, now time.Time) (InitiateResult, error) {
	e := QueueEntry{
		ID:        uuid.NewString(),
		Caller:    caller,
		Callee:    callee,
		Kind:      kind,
		CreatedAt: now,
		ExpiresAt: now.Add(m.opts.QueueTTL),
	}
	ev := Event{
		ID:         uuid.NewString(),
		SessionID:  e.ID,
		Type:       EventCallQueued,
		Actor:      caller,
		Caller:     caller,
		Callee:     callee,
		Kind:       kind,
		Recipients: []string{caller, callee},
		CreatedAt:  now,
	}

	e, created, err := m.store.CreateQueueEntry(ctx, e, []Event{ev})
	if err != nil {
		return InitiateResult{}, err
	}
	if created {
		m.publish(ev)
		m.log.Info("call queued", "queue_id", e.ID, "caller", caller, "callee", callee)
	}
	return InitiateResult{Queued: &e}, nil
}

// Acknowledge moves calling -> ringing. Callee only; re-acknowledging an
// already-ringing session is a silent no-op.
func (m *Manager) Acknowledge(ctx context.Context, id, actor string) (*Session, error) {
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if actor != s.Callee {
		return nil, ErrUnauthorized
	}

	now := m.clock().UTC()
	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, StateCalling, func(s *Session) ([]Event, error) {
		s.State = StateRinging
		s.AcknowledgedAt = &now
		ev = m.newEvent(s, EventParticipantRinging, actor, s.Caller, s.Callee)
		return []Event{ev}, nil
	})
	if err == ErrInvalidTransition {
		// Idempotent re-acknowledge: a session already ringing means a
		// duplicate delivery of the same intent, not a conflict.
		if cur, gerr := m.store.GetSession(ctx, id); gerr == nil && cur.State == StateRinging {
			return cur, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	return updated, nil
}

// Respond applies the callee's accept/decline decision to a ringing session.
func (m *Manager) Respond(ctx context.Context, id, actor string, decision Decision) (*Session, error) {
	if decision != DecisionAccept && decision != DecisionDecline {
		return nil, ErrInvalidArgument
	}
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if actor != s.Callee {
		return nil, ErrUnauthorized
	}

	now := m.clock().UTC()
	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, StateRinging, func(s *Session) ([]Event, error) {
		if decision == DecisionAccept {
			s.State = StateAccepted
			s.AcceptedAt = &now
			ev = m.newEvent(s, EventCallAccepted, actor, s.Caller, s.Callee)
		} else {
			s.State = StateDeclined
			s.EndReason = ReasonDeclined
			s.EndedAt = &now
			ev = m.newEvent(s, EventCallRejected, actor, s.Caller, s.Callee)
		}
		return []Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	if updated.State.IsTerminal() {
		m.drainQueues(ctx, updated.Caller, updated.Callee)
	}
	return updated, nil
}

// Heartbeat records a liveness signal from a participant of an accepted
// session. It is fire-and-forget: on a session in any other state it is an
// acknowledged no-op, so stale clients never see errors.
func (m *Manager) Heartbeat(ctx context.Context, id, actor string, backgrounded bool) error {
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return err
	}
	if s.Left[actor] {
		return nil
	}

	now := m.clock().UTC()
	_, err = m.store.UpdateSession(ctx, id, StateAccepted, func(s *Session) ([]Event, error) {
		if s.Left[actor] {
			return nil, nil
		}
		s.LastHeartbeat[actor] = now
		s.Backgrounded[actor] = backgrounded
		return nil, nil
	})
	if err == ErrInvalidTransition {
		return nil
	}
	return err
}

// UpdateStatus logs and broadcasts a participant status on an accepted
// session. No state change.
func (m *Manager) UpdateStatus(ctx context.Context, id, actor string, status Status) (*Session, error) {
	if !status.Valid() {
		return nil, ErrInvalidArgument
	}
	if _, err := m.authorize(ctx, id, actor); err != nil {
		return nil, err
	}

	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, StateAccepted, func(s *Session) ([]Event, error) {
		ev = m.newEvent(s, EventCallStatusUpdate, actor, s.Caller, s.Callee)
		ev.Status = status
		return []Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	return updated, nil
}

// End terminates or leaves a session.
//
// The moderator ends the call for everyone from any non-terminal state.
// A non-moderator on an accepted session leaves: the session stays accepted
// for the remaining participant; the leaver drops out of liveness tracking
// and a participant_left event goes to the remaining participant only.
// A non-moderator before acceptance is rejected; the callee declines instead.
func (m *Manager) End(ctx context.Context, id, actor string) (*Session, error) {
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	if actor == s.Moderator {
		return m.endForEveryone(ctx, id, actor)
	}
	if s.State == StateCalling || s.State == StateRinging {
		return nil, ErrUnauthorized
	}
	return m.leave(ctx, id, actor)
}

func (m *Manager) endForEveryone(ctx context.Context, id, actor string) (*Session, error) {
	now := m.clock().UTC()
	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, AnyActive, func(s *Session) ([]Event, error) {
		s.State = StateEnded
		s.EndReason = ReasonUserHangup
		s.EndedAt = &now
		ev = m.newEvent(s, EventCallEnded, actor, s.Caller, s.Callee)
		return []Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	m.drainQueues(ctx, updated.Caller, updated.Callee)
	return updated, nil
}

func (m *Manager) leave(ctx context.Context, id, actor string) (*Session, error) {
	var ev Event
	var alreadyLeft bool
	updated, err := m.store.UpdateSession(ctx, id, StateAccepted, func(s *Session) ([]Event, error) {
		if s.Left[actor] {
			alreadyLeft = true
			return nil, nil
		}
		s.Left[actor] = true
		delete(s.LastHeartbeat, actor)
		ev = m.newEvent(s, EventParticipantLeft, actor, s.Peer(actor))
		return []Event{ev}, nil
	})
	if err == ErrInvalidTransition {
		// The session ended while the leave was in flight; the client's
		// intent is already satisfied.
		if cur, gerr := m.store.GetSession(ctx, id); gerr == nil && cur.State.IsTerminal() {
			return cur, nil
		}
		return nil, err
	}
	if err != nil {
		return nil, err
	}
	if !alreadyLeft {
		m.publish(ev)
	}
	return updated, nil
}

// Cancel withdraws a call attempt before the callee acknowledges. Caller only.
func (m *Manager) Cancel(ctx context.Context, id, actor string) (*Session, error) {
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if actor != s.Caller {
		return nil, ErrUnauthorized
	}

	now := m.clock().UTC()
	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, StateCalling, func(s *Session) ([]Event, error) {
		s.State = StateCancelled
		s.EndReason = ReasonCancelled
		s.EndedAt = &now
		ev = m.newEvent(s, EventCallCancelled, actor, s.Caller, s.Callee)
		return []Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	m.drainQueues(ctx, updated.Caller, updated.Callee)
	return updated, nil
}

// ReportTimeout is the callee's device reporting it gave up ringing.
// The server-side sweep independently resolves overdue sessions to missed.
func (m *Manager) ReportTimeout(ctx context.Context, id, actor string) (*Session, error) {
	s, err := m.authorize(ctx, id, actor)
	if err != nil {
		return nil, err
	}
	if actor != s.Callee {
		return nil, ErrUnauthorized
	}

	now := m.clock().UTC()
	var ev Event
	updated, err := m.store.UpdateSession(ctx, id, StateRinging, func(s *Session) ([]Event, error) {
		s.State = StateTimeout
		s.EndReason = ReasonTimeout
		s.EndedAt = &now
		ev = m.newEvent(s, EventCallTimeout, actor, s.Caller, s.Callee)
		return []Event{ev}, nil
	})
	if err != nil {
		return nil, err
	}
	m.publish(ev)
	m.drainQueues(ctx, updated.Caller, updated.Callee)
	return updated, nil
}

// Get returns a participant-only session snapshot. Clients re-fetch after an
// invalid-transition conflict instead of retrying blindly.
func (m *Manager) Get(ctx context.Context, id, actor string) (*Session, error) {
	return m.authorize(ctx, id, actor)
}

// History returns the ordered event rows of a session. Participants only.
func (m *Manager) History(ctx context.Context, id, actor string) ([]Event, error) {
	if _, err := m.authorize(ctx, id, actor); err != nil {
		return nil, err
	}
	return m.store.SessionEvents(ctx, id)
}

// ActiveSession returns the actor's current non-terminal session, if any.
func (m *Manager) ActiveSession(ctx context.Context, actor string) (*Session, bool, error) {
	return m.store.ActiveSessionFor(ctx, actor)
}

// ListQueue returns pending entries where actor is the callee, FIFO.
func (m *Manager) ListQueue(ctx context.Context, actor string) ([]QueueEntry, error) {
	entries, err := m.store.ListQueueFor(ctx, actor)
	if err != nil {
		return nil, err
	}
	now := m.clock().UTC()
	out := entries[:0]
	for _, e := range entries {
		if !e.Expired(now) {
			out = append(out, e)
		}
	}
	return out, nil
}

// CancelQueueEntry removes a pending entry. Only the original caller may
// cancel; an entry past its TTL is purged and reported as expired.
func (m *Manager) CancelQueueEntry(ctx context.Context, id, actor string) error {
	e, err := m.store.GetQueueEntry(ctx, id)
	if err != nil {
		return err
	}
	if actor != e.Caller {
		return ErrUnauthorized
	}
	if err := m.store.DeleteQueueEntry(ctx, id); err != nil {
		return err
	}
	if e.Expired(m.clock().UTC()) {
		return ErrExpired
	}
	return nil
}

// Stats is a small ops snapshot for the admin surface.
type Stats struct {
	ActiveSessions int `json:"active_sessions"`
	QueueDepth     int `json:"queue_depth"`
}

func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	active, err := m.store.ListActiveSessions(ctx)
	if err != nil {
		return Stats{}, err
	}
	depth, err := m.store.QueueDepth(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{ActiveSessions: len(active), QueueDepth: depth}, nil
}

// ListActive lists all non-terminal sessions (admin surface).
func (m *Manager) ListActive(ctx context.Context) ([]*Session, error) {
	return m.store.ListActiveSessions(ctx)
}

// authorize loads the session and verifies the actor participates in it.
// Participants are immutable for a session's life, so this pre-read check
// cannot be invalidated by a concurrent transition.
func (m *Manager) authorize(ctx context.Context, id, actor string) (*Session, error) {
	s, err := m.store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.IsParticipant(actor) {
		return nil, ErrUnauthorized
	}
	return s, nil
}

// drainQueues runs the dequeue-and-initiate step for every participant freed
// by a terminal transition.
func (m *Manager) drainQueues(ctx context.Context, users ...string) {
	for _, u := range users {
		if err := m.drainQueueFor(ctx, u); err != nil {
			m.log.Error("queue drain failed", "callee", u, "err", err)
		}
	}
}

// drainQueueFor pops the oldest non-expired entry targeting callee and
// attempts the initiation on the original caller's behalf. At most one
// attempt per entry: a busy caller drops the entry without retry. Expired
// entries encountered on the way are purged. The step is serialized per
// callee via the dequeue lock.
func (m *Manager) drainQueueFor(ctx context.Context, callee string) error {
	if m.locks != nil {
		release, ok, err := m.locks.TryLock(ctx, callee)
		if err != nil {
			return err
		}
		if !ok {
			// Another dequeue is in flight for this callee.
			return nil
		}
		defer release()
	}

	entries, err := m.store.ListQueueFor(ctx, callee)
	if err != nil {
		return err
	}
	now := m.clock().UTC()
	for _, e := range entries {
		if err := m.store.DeleteQueueEntry(ctx, e.ID); err != nil {
			if err == ErrNotFound {
				continue
			}
			return err
		}
		if e.Expired(now) {
			continue
		}
		if _, err := m.initiate(ctx, e.Caller, e.Callee, e.Kind); err != nil {
			// The queued caller went busy (or worse) in the meantime; the
			// entry is consumed either way and the next one gets its turn.
			m.log.Info("queued call dropped", "queue_id", e.ID, "caller", e.Caller, "callee", e.Callee, "err", err)
			continue
		}
		return nil
	}
	return nil
}

func (m *Manager) newEvent(s *Session, typ EventType, actor string, recipients ...string) Event {
	return Event{
		ID:         uuid.NewString(),
		SessionID:  s.ID,
		Type:       typ,
		Actor:      actor,
		Caller:     s.Caller,
		Callee:     s.Callee,
		Kind:       s.Kind,
		State:      s.State,
		Recipients: recipients,
		CreatedAt:  m.clock().UTC(),
	}
}

func (m *Manager) publish(events ...Event) {
	for _, ev := range events {
		if ev.ID == "" {
			continue
		}
		m.dispatch.Publish(ev)
	}
}
