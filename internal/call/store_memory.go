package call

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a mutex-guarded in-memory Store. It is the default for
// local/dev and the backing store for tests.
//
// Busy claims are a user -> session index; CreateSession refuses to claim a
// user that already holds a claim, which enforces the busy invariant even
// when two initiations race past the manager's pre-check.
type MemoryStore struct {
	mu sync.Mutex

	sessions map[string]*Session
	claims   map[string]string // user -> session id
	queue    map[string]QueueEntry
	events   map[string][]Event // session id -> append-only rows
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*Session),
		claims:   make(map[string]string),
		queue:    make(map[string]QueueEntry),
		events:   make(map[string][]Event),
	}
}

func (m *MemoryStore) CreateSession(ctx context.Context, s *Session, events []Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, busy := m.claims[s.Caller]; busy {
		return ErrAlreadyBusy
	}
	if _, busy := m.claims[s.Callee]; busy {
		return ErrAlreadyBusy
	}
	m.claims[s.Caller] = s.ID
	m.claims[s.Callee] = s.ID
	m.sessions[s.ID] = s.Clone()
	m.events[s.ID] = append(m.events[s.ID], events...)
	return nil
}

func (m *MemoryStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s.Clone(), nil
}

func (m *MemoryStore) UpdateSession(ctx context.Context, id string, expected State, mutate MutateFunc) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	if expected == AnyActive {
		if s.State.IsTerminal() {
			return nil, ErrInvalidTransition
		}
	} else if s.State != expected {
		return nil, ErrInvalidTransition
	}

	next := s.Clone()
	events, err := mutate(next)
	if err != nil {
		return nil, err
	}
	if next.State != s.State && !s.State.CanTransitionTo(next.State) {
		return nil, ErrInvalidTransition
	}

	m.sessions[id] = next
	m.events[id] = append(m.events[id], events...)
	if next.State.IsTerminal() {
		m.releaseClaim(next.Caller, id)
		m.releaseClaim(next.Callee, id)
	}
	return next.Clone(), nil
}

func (m *MemoryStore) releaseClaim(user, sessionID string) {
	if m.claims[user] == sessionID {
		delete(m.claims, user)
	}
}

func (m *MemoryStore) ActiveSessionFor(ctx context.Context, user string) (*Session, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.claims[user]
	if !ok {
		return nil, false, nil
	}
	s, ok := m.sessions[id]
	if !ok || s.State.IsTerminal() {
		return nil, false, nil
	}
	return s.Clone(), true, nil
}

func (m *MemoryStore) ListActiveSessions(ctx context.Context) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if !s.State.IsTerminal() {
			out = append(out, s.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) SessionsEndedBetween(ctx context.Context, from, to time.Time) ([]*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0)
	for _, s := range m.sessions {
		if !s.State.IsTerminal() || s.EndedAt == nil {
			continue
		}
		if s.EndedAt.Before(from) || !s.EndedAt.Before(to) {
			continue
		}
		out = append(out, s.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndedAt.Before(*out[j].EndedAt) })
	return out, nil
}

func (m *MemoryStore) SessionEvents(ctx context.Context, sessionID string) ([]Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rows := m.events[sessionID]
	out := make([]Event, len(rows))
	copy(out, rows)
	return out, nil
}

func (m *MemoryStore) CreateQueueEntry(ctx context.Context, e QueueEntry, events []Event) (QueueEntry, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.queue {
		if existing.Caller != e.Caller || existing.Callee != e.Callee {
			continue
		}
		if existing.Expired(e.CreatedAt) {
			// A dead entry must not suppress a fresh attempt for the pair.
			delete(m.queue, id)
			continue
		}
		return existing, false, nil
	}
	m.queue[e.ID] = e
	m.events[e.ID] = append(m.events[e.ID], events...)
	return e, true, nil
}

func (m *MemoryStore) GetQueueEntry(ctx context.Context, id string) (QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.queue[id]
	if !ok {
		return QueueEntry{}, ErrNotFound
	}
	return e, nil
}

func (m *MemoryStore) DeleteQueueEntry(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.queue[id]; !ok {
		return ErrNotFound
	}
	delete(m.queue, id)
	return nil
}

func (m *MemoryStore) ListQueueFor(ctx context.Context, callee string) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueEntry, 0)
	for _, e := range m.queue {
		if e.Callee == callee {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) ExpiredQueueEntries(ctx context.Context, now time.Time) ([]QueueEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]QueueEntry, 0)
	for _, e := range m.queue {
		if e.Expired(now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryStore) QueueDepth(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue), nil
}
