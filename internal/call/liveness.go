package call

import "time"

// Verdict classifies a session's liveness at a point in time.
type Verdict int

const (
	// VerdictHealthy means no timeout applies.
	VerdictHealthy Verdict = iota
	// VerdictRingTimeout means the session sat in calling/ringing past the
	// ring timeout; it resolves to missed.
	VerdictRingTimeout
	// VerdictHeartbeatTimeout means a tracked participant of an accepted
	// session went silent past the heartbeat timeout; it resolves to ended
	// with reason network_failure.
	VerdictHeartbeatTimeout
	// VerdictNotApplicable means the session is already terminal.
	VerdictNotApplicable
)

func (v Verdict) String() string {
	switch v {
	case VerdictHealthy:
		return "healthy"
	case VerdictRingTimeout:
		return "ring_timeout"
	case VerdictHeartbeatTimeout:
		return "heartbeat_timeout"
	case VerdictNotApplicable:
		return "not_applicable"
	default:
		return "unknown"
	}
}

// Monitor is a stateless liveness evaluator; the scheduler drives it.
type Monitor struct {
	RingTimeout      time.Duration
	HeartbeatTimeout time.Duration
}

// Assess classifies s against the timeouts at time now.
//
// Heartbeat staleness for a participant who never sent a heartbeat is
// measured from AcceptedAt. Participants who left are excluded.
func (mon Monitor) Assess(s *Session, now time.Time) Verdict {
	if s.State.IsTerminal() {
		return VerdictNotApplicable
	}

	switch s.State {
	case StateCalling, StateRinging:
		if now.Sub(s.CreatedAt) > mon.RingTimeout {
			return VerdictRingTimeout
		}
	case StateAccepted:
		for _, p := range []string{s.Caller, s.Callee} {
			if s.Left[p] {
				continue
			}
			last, ok := s.LastHeartbeat[p]
			if !ok {
				if s.AcceptedAt == nil {
					continue
				}
				last = *s.AcceptedAt
			}
			if now.Sub(last) > mon.HeartbeatTimeout {
				return VerdictHeartbeatTimeout
			}
		}
	}
	return VerdictHealthy
}
