package call

import (
	"context"
	"time"
)

// MutateFunc applies an in-place change to a session and returns the event
// rows to append alongside it. Returning an error aborts the transaction.
type MutateFunc func(s *Session) ([]Event, error)

// AnyActive is the expected-state wildcard for UpdateSession: the update
// proceeds from any non-terminal state.
const AnyActive State = ""

// Store is the only shared mutable state of the call core.
//
// Discipline:
// - CreateSession atomically persists the session, its creation events and
//   busy claims for both participants; a claim conflict is ErrAlreadyBusy.
//   This closes the check-then-create race on the busy invariant.
// - UpdateSession is a compare-and-swap on (id, expected state): the mutation
//   applies only if the stored state still equals expected (or is non-terminal
//   when expected is AnyActive); otherwise ErrInvalidTransition. A mutation
//   that moves the state to one the transition table forbids is rejected the
//   same way. Busy claims are released when the new state is terminal.
// - Event rows are append-only.
type Store interface {
	CreateSession(ctx context.Context, s *Session, events []Event) error
	GetSession(ctx context.Context, id string) (*Session, error)
	UpdateSession(ctx context.Context, id string, expected State, mutate MutateFunc) (*Session, error)

	// ActiveSessionFor returns the non-terminal session the user participates
	// in, if any.
	ActiveSessionFor(ctx context.Context, user string) (*Session, bool, error)
	ListActiveSessions(ctx context.Context) ([]*Session, error)

	// SessionsEndedBetween lists terminal sessions whose EndedAt falls in
	// [from, to); used by reporting.
	SessionsEndedBetween(ctx context.Context, from, to time.Time) ([]*Session, error)

	SessionEvents(ctx context.Context, sessionID string) ([]Event, error)

	// CreateQueueEntry persists e with its events unless a pending entry for
	// the same (caller, callee) pair exists, in which case the existing entry
	// is returned with created=false and nothing is written. An existing
	// entry already expired as of e.CreatedAt is discarded, not returned.
	CreateQueueEntry(ctx context.Context, e QueueEntry, events []Event) (QueueEntry, bool, error)
	GetQueueEntry(ctx context.Context, id string) (QueueEntry, error)
	DeleteQueueEntry(ctx context.Context, id string) error

	// ListQueueFor returns pending entries targeting callee, FIFO by CreatedAt.
	ListQueueFor(ctx context.Context, callee string) ([]QueueEntry, error)
	ExpiredQueueEntries(ctx context.Context, now time.Time) ([]QueueEntry, error)
	QueueDepth(ctx context.Context) (int, error)
}
