package call

import (
	"context"
	"sync"
	"time"
)

// InitiateGuard enforces the per-(caller, callee) initiation cooldown that
// suppresses duplicate-tap races. Allow returns false while a previous
// initiation for the same pair is still inside the cooldown window.
type InitiateGuard interface {
	Allow(ctx context.Context, caller, callee string) (bool, error)
}

// DequeueLock serializes the dequeue-and-initiate step per callee so two
// queue entries cannot both win against the same just-freed callee.
// TryLock returns acquired=false when another dequeue is in flight.
type DequeueLock interface {
	TryLock(ctx context.Context, callee string) (release func(), acquired bool, err error)
}

// MemoryGuard implements both guards in-process. Sufficient for a single
// node; multi-node deployments use the Redis-backed guards.
type MemoryGuard struct {
	cooldown time.Duration
	clock    func() time.Time

	mu       sync.Mutex
	lastInit map[string]time.Time // caller|callee -> last initiation
	locked   map[string]bool      // callee -> dequeue in flight
}

func NewMemoryGuard(cooldown time.Duration, clock func() time.Time) *MemoryGuard {
	if clock == nil {
		clock = time.Now
	}
	return &MemoryGuard{
		cooldown: cooldown,
		clock:    clock,
		lastInit: make(map[string]time.Time),
		locked:   make(map[string]bool),
	}
}

func (g *MemoryGuard) Allow(ctx context.Context, caller, callee string) (bool, error) {
	key := caller + "|" + callee
	now := g.clock()

	g.mu.Lock()
	defer g.mu.Unlock()

	if last, ok := g.lastInit[key]; ok && now.Sub(last) < g.cooldown {
		return false, nil
	}
	g.lastInit[key] = now
	return true, nil
}

func (g *MemoryGuard) TryLock(ctx context.Context, callee string) (func(), bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.locked[callee] {
		return nil, false, nil
	}
	g.locked[callee] = true
	release := func() {
		g.mu.Lock()
		delete(g.locked, callee)
		g.mu.Unlock()
	}
	return release, true, nil
}
