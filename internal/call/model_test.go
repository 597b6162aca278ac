package call

import (
	"testing"
	"time"
)

func TestStateTransitionTable(t *testing.T) {
	allowed := map[State][]State{
		StateCalling:  {StateRinging, StateEnded, StateCancelled, StateMissed},
		StateRinging:  {StateAccepted, StateDeclined, StateEnded, StateMissed, StateTimeout},
		StateAccepted: {StateEnded},
	}
	all := []State{
		StateCalling, StateRinging, StateAccepted, StateEnded,
		StateDeclined, StateMissed, StateCancelled, StateTimeout,
	}

	for _, from := range all {
		ok := map[State]bool{}
		for _, to := range allowed[from] {
			ok[to] = true
		}
		for _, to := range all {
			if got := from.CanTransitionTo(to); got != ok[to] {
				t.Errorf("%s -> %s: got %v, want %v", from, to, got, ok[to])
			}
		}
	}
}

func TestTerminalStatesAreAbsorbing(t *testing.T) {
	terminals := []State{StateEnded, StateDeclined, StateMissed, StateCancelled, StateTimeout}
	for _, s := range terminals {
		if !s.IsTerminal() {
			t.Errorf("%s must be terminal", s)
		}
	}
	for _, s := range []State{StateCalling, StateRinging, StateAccepted} {
		if s.IsTerminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
}

func TestKindAndStatusValidation(t *testing.T) {
	if !KindVideo.Valid() || !KindAudio.Valid() {
		t.Fatalf("video/audio must be valid kinds")
	}
	if Kind("fax").Valid() {
		t.Fatalf("unknown kind must be invalid")
	}
	for _, s := range []Status{StatusConnected, StatusOnHold, StatusMuted, StatusVideoDisabled, StatusScreenSharing} {
		if !s.Valid() {
			t.Errorf("%s must be a valid status", s)
		}
	}
	if Status("singing").Valid() {
		t.Fatalf("unknown status must be invalid")
	}
}

func TestSessionHelpers(t *testing.T) {
	s := &Session{ID: "s1", Caller: "c1", Callee: "c2"}
	if !s.IsParticipant("c1") || !s.IsParticipant("c2") || s.IsParticipant("c3") {
		t.Fatalf("participant check wrong")
	}
	if s.Peer("c1") != "c2" || s.Peer("c2") != "c1" {
		t.Fatalf("peer lookup wrong")
	}
}

func TestSessionCloneIsDeep(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	s := &Session{
		ID:            "s1",
		Caller:        "c1",
		Callee:        "c2",
		AcceptedAt:    &now,
		LastHeartbeat: map[string]time.Time{"c1": now},
		Backgrounded:  map[string]bool{"c2": true},
		Left:          map[string]bool{},
	}
	c := s.Clone()
	c.LastHeartbeat["c2"] = now.Add(time.Second)
	c.Backgrounded["c1"] = true
	c.Left["c1"] = true
	*c.AcceptedAt = now.Add(time.Hour)

	if len(s.LastHeartbeat) != 1 || len(s.Backgrounded) != 1 || len(s.Left) != 0 {
		t.Fatalf("clone maps must be independent: %+v", s)
	}
	if !s.AcceptedAt.Equal(now) {
		t.Fatalf("clone timestamps must be independent, got %v", s.AcceptedAt)
	}
}

func TestQueueEntryExpired(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	e := QueueEntry{ExpiresAt: now.Add(5 * time.Minute)}
	if e.Expired(now) || e.Expired(now.Add(5*time.Minute-time.Second)) {
		t.Fatalf("entry must live until its TTL")
	}
	if !e.Expired(now.Add(5 * time.Minute)) {
		t.Fatalf("entry must be expired at its TTL")
	}
}
