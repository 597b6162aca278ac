package call

import (
	"testing"
	"time"
)

func TestMonitorAssess(t *testing.T) {
	mon := Monitor{RingTimeout: 90 * time.Second, HeartbeatTimeout: 15 * time.Second}
	base := time.Unix(1700000000, 0).UTC()
	accepted := base.Add(30 * time.Second)

	session := func(state State, mutate func(*Session)) *Session {
		s := &Session{
			ID:            "s1",
			State:         state,
			Caller:        "c1",
			Callee:        "c2",
			CreatedAt:     base,
			LastHeartbeat: map[string]time.Time{},
			Left:          map[string]bool{},
		}
		if state == StateAccepted {
			s.AcceptedAt = &accepted
		}
		if mutate != nil {
			mutate(s)
		}
		return s
	}

	tests := []struct {
		name string
		s    *Session
		now  time.Time
		want Verdict
	}{
		{"calling fresh", session(StateCalling, nil), base.Add(time.Minute), VerdictHealthy},
		{"calling overdue", session(StateCalling, nil), base.Add(91 * time.Second), VerdictRingTimeout},
		{"ringing at boundary", session(StateRinging, nil), base.Add(90 * time.Second), VerdictHealthy},
		{"ringing overdue", session(StateRinging, nil), base.Add(2 * time.Minute), VerdictRingTimeout},
		{
			"accepted both fresh",
			session(StateAccepted, func(s *Session) {
				s.LastHeartbeat["c1"] = accepted.Add(10 * time.Second)
				s.LastHeartbeat["c2"] = accepted.Add(10 * time.Second)
			}),
			accepted.Add(20 * time.Second),
			VerdictHealthy,
		},
		{
			"accepted one stale",
			session(StateAccepted, func(s *Session) {
				s.LastHeartbeat["c1"] = accepted.Add(25 * time.Second)
				s.LastHeartbeat["c2"] = accepted.Add(5 * time.Second)
			}),
			accepted.Add(25 * time.Second),
			VerdictHeartbeatTimeout,
		},
		{
			// No heartbeat yet: staleness runs from acceptance.
			"accepted never beat within grace",
			session(StateAccepted, nil),
			accepted.Add(10 * time.Second),
			VerdictHealthy,
		},
		{
			"accepted never beat overdue",
			session(StateAccepted, nil),
			accepted.Add(16 * time.Second),
			VerdictHeartbeatTimeout,
		},
		{
			"left participant excluded",
			session(StateAccepted, func(s *Session) {
				s.Left["c2"] = true
				delete(s.LastHeartbeat, "c2")
				s.LastHeartbeat["c1"] = accepted.Add(55 * time.Second)
			}),
			accepted.Add(60 * time.Second),
			VerdictHealthy,
		},
		{"terminal session", session(StateEnded, nil), base.Add(time.Hour), VerdictNotApplicable},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := mon.Assess(tc.s, tc.now); got != tc.want {
				t.Fatalf("Assess() = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestVerdictString(t *testing.T) {
	if VerdictRingTimeout.String() != "ring_timeout" {
		t.Fatalf("unexpected: %s", VerdictRingTimeout)
	}
	if Verdict(42).String() != "unknown" {
		t.Fatalf("unexpected: %s", Verdict(42))
	}
}
