package call

import "time"

// EventType is the closed set of lifecycle events a session can produce.
type EventType string

const (
	EventCallInitiated      EventType = "call_initiated"
	EventCallQueued         EventType = "call_queued"
	EventParticipantRinging EventType = "participant_ringing"
	EventCallAccepted       EventType = "call_accepted"
	EventCallRejected       EventType = "call_rejected"
	EventCallEnded          EventType = "call_ended"
	EventCallCancelled      EventType = "call_cancelled"
	EventCallMissed         EventType = "call_missed"
	EventCallTimeout        EventType = "call_timeout"
	EventCallStatusUpdate   EventType = "call_status_update"
	EventParticipantLeft    EventType = "participant_left"
	EventNetworkFailure     EventType = "network_failure"
)

// Event is an immutable, append-only record of a state transition or status
// broadcast. It doubles as the dispatch payload handed to sinks.
//
// Invariants:
// - Events are never updated or deleted.
// - Events are persisted in the same transaction as the mutation that
//   produced them; dispatch happens only after that transaction commits.
type Event struct {
	ID        string    `json:"id" db:"id"`
	SessionID string    `json:"session_id" db:"session_id"`
	Type      EventType `json:"type" db:"type"`

	// Actor is the participant (or "system" for sweep-driven transitions)
	// that caused the event.
	Actor string `json:"actor" db:"actor"`

	Caller string `json:"caller" db:"caller"`
	Callee string `json:"callee" db:"callee"`
	Kind   Kind   `json:"kind" db:"kind"`
	State  State  `json:"state" db:"state"`

	// Status is set only for call_status_update.
	Status Status `json:"status,omitempty" db:"status"`

	// Recipients are the participants this event should be delivered to.
	// Usually both; participant_left targets only the remaining participant.
	Recipients []string `json:"recipients"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// Metadata is optional JSON for ops/debugging.
	Metadata string `json:"metadata,omitempty" db:"metadata"`
}

// SystemActor marks sweep-driven transitions in the event log.
const SystemActor = "system"

// Dispatcher publishes committed events to connected participants.
// Implementations must never block the mutation path.
type Dispatcher interface {
	Publish(ev Event)
}

// NopDispatcher discards events; used when no fan-out is wired (tests).
type NopDispatcher struct{}

func (NopDispatcher) Publish(Event) {}
