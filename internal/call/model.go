package call

import "time"

// Session represents one call attempt or active call between two participants.
//
// Invariants:
// - A user is caller or callee of at most one non-terminal session at a time
//   (the "busy" invariant, enforced by the store's busy claims).
// - State transitions follow validTransitions; terminal states are absorbing.
// - Moderator is fixed to the original caller for the session's whole life,
//   even if the caller later leaves instead of ending.
//
// NOTE: RoomRef is an opaque reference handed back by the conferencing
// provider at creation time. The core never interprets it.

type Session struct {
	ID        string `json:"id" db:"id"`
	Kind      Kind   `json:"kind" db:"kind"`
	State     State  `json:"state" db:"state"`
	Caller    string `json:"caller" db:"caller"`
	Callee    string `json:"callee" db:"callee"`
	Moderator string `json:"moderator" db:"moderator"`
	RoomRef   string `json:"room_ref" db:"room_ref"`

	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty" db:"acknowledged_at"`
	AcceptedAt     *time.Time `json:"accepted_at,omitempty" db:"accepted_at"`
	EndedAt        *time.Time `json:"ended_at,omitempty" db:"ended_at"`

	// LastHeartbeat tracks per-participant liveness signals while accepted.
	LastHeartbeat map[string]time.Time `json:"last_heartbeat,omitempty"`
	// Backgrounded tracks whether a participant's client reported itself backgrounded.
	Backgrounded map[string]bool `json:"backgrounded,omitempty"`
	// Left tracks non-moderator participants who left an accepted call.
	// A participant who left stays bound to the session for the busy invariant.
	Left map[string]bool `json:"left,omitempty"`

	EndReason EndReason `json:"end_reason,omitempty" db:"end_reason"`
}

// IsParticipant reports whether user is the caller or callee.
func (s *Session) IsParticipant(user string) bool {
	return user == s.Caller || user == s.Callee
}

// Peer returns the other participant.
func (s *Session) Peer(user string) string {
	if user == s.Caller {
		return s.Callee
	}
	return s.Caller
}

// Clone returns a deep copy; the memory store hands out clones so callers
// cannot mutate stored state outside a transaction.
func (s *Session) Clone() *Session {
	out := *s
	out.LastHeartbeat = make(map[string]time.Time, len(s.LastHeartbeat))
	for k, v := range s.LastHeartbeat {
		out.LastHeartbeat[k] = v
	}
	out.Backgrounded = make(map[string]bool, len(s.Backgrounded))
	for k, v := range s.Backgrounded {
		out.Backgrounded[k] = v
	}
	out.Left = make(map[string]bool, len(s.Left))
	for k, v := range s.Left {
		out.Left[k] = v
	}
	if s.AcknowledgedAt != nil {
		t := *s.AcknowledgedAt
		out.AcknowledgedAt = &t
	}
	if s.AcceptedAt != nil {
		t := *s.AcceptedAt
		out.AcceptedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		out.EndedAt = &t
	}
	return &out
}

type Kind string

const (
	KindVideo Kind = "video"
	KindAudio Kind = "audio"
)

func (k Kind) Valid() bool { return k == KindVideo || k == KindAudio }

// State is the lifecycle state of a session.
type State string

const (
	StateCalling  State = "calling"
	StateRinging  State = "ringing"
	StateAccepted State = "accepted"

	// Terminal states.
	StateEnded     State = "ended"
	StateDeclined  State = "declined"
	StateMissed    State = "missed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// validTransitions defines which state transitions are allowed.
// Keys without entries (terminal states) allow no transitions.
var validTransitions = map[State][]State{
	StateCalling:  {StateRinging, StateEnded, StateCancelled, StateMissed},
	StateRinging:  {StateAccepted, StateDeclined, StateEnded, StateMissed, StateTimeout},
	StateAccepted: {StateEnded},
}

// CanTransitionTo checks whether moving from s to next is legal.
func (s State) CanTransitionTo(next State) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is absorbing.
func (s State) IsTerminal() bool {
	switch s {
	case StateEnded, StateDeclined, StateMissed, StateCancelled, StateTimeout:
		return true
	default:
		return false
	}
}

// EndReason explains why a session reached a terminal state. Set exactly once.
type EndReason string

const (
	ReasonUserHangup     EndReason = "user_hangup"
	ReasonDeclined       EndReason = "declined"
	ReasonMissed         EndReason = "missed"
	ReasonCancelled      EndReason = "cancelled"
	ReasonTimeout        EndReason = "timeout"
	ReasonNetworkFailure EndReason = "network_failure"
)

// Status values a participant may broadcast during an accepted call.
type Status string

const (
	StatusConnected     Status = "connected"
	StatusOnHold        Status = "on_hold"
	StatusMuted         Status = "muted"
	StatusVideoDisabled Status = "video_disabled"
	StatusScreenSharing Status = "screen_sharing"
)

func (s Status) Valid() bool {
	switch s {
	case StatusConnected, StatusOnHold, StatusMuted, StatusVideoDisabled, StatusScreenSharing:
		return true
	default:
		return false
	}
}

// Decision is the callee's answer to a ringing call.
type Decision string

const (
	DecisionAccept  Decision = "accept"
	DecisionDecline Decision = "decline"
)

// QueueEntry is a deferred call request against a busy callee.
//
// At most one entry per (caller, callee) pair is pending at a time; entries
// for a given callee are FIFO by CreatedAt.
type QueueEntry struct {
	ID        string    `json:"id" db:"id"`
	Caller    string    `json:"caller" db:"caller"`
	Callee    string    `json:"callee" db:"callee"`
	Kind      Kind      `json:"kind" db:"kind"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	ExpiresAt time.Time `json:"expires_at" db:"expires_at"`
}

func (e QueueEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
