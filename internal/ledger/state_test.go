package ledger

import "testing"

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCommitted, StateAbortedRejected, StateExpiredPrepared, StateInvalid}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("state %s: Terminal() = false, want true", s)
		}
	}
	open := []State{StateReceivedPrepare, StateReserved, StateReceivedFulfil, StateReservedTimeout, StateReservedForwarded}
	for _, s := range open {
		if s.Terminal() {
			t.Errorf("state %s: Terminal() = true, want false", s)
		}
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateReceivedPrepare, StateReserved, true},
		{StateReceivedPrepare, StateExpiredPrepared, true},
		{StateReserved, StateReceivedFulfil, true},
		{StateReserved, StateReservedTimeout, true},
		{StateReserved, StateReservedForwarded, true},
		{StateReceivedFulfil, StateCommitted, true},
		{StateReceivedReject, StateAbortedRejected, true},
		{StateReceivedError, StateAbortedRejected, true},
		{StateReservedTimeout, StateAbortedRejected, true},
		{StateReserved, StateReceivedFulfilDependent, true},
		{StateReceivedFulfilDependent, StateCommitted, true},

		{StateCommitted, StateReceivedPrepare, false},
		{StateCommitted, StateAbortedRejected, false},
		{StateAbortedRejected, StateReserved, false},
		{StateExpiredPrepared, StateReserved, false},
		{StateInvalid, StateReserved, false},
		{StateReceivedPrepare, StateCommitted, false},
		{StateReceivedPrepare, StateReservedTimeout, false},
	}
	for _, c := range cases {
		if got := CanTransition(c.from, c.to); got != c.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestValidPath(t *testing.T) {
	cases := []struct {
		name   string
		states []State
		want   bool
	}{
		{"happy commit", []State{StateReceivedPrepare, StateReserved, StateReceivedFulfil, StateCommitted}, true},
		{"reject", []State{StateReceivedPrepare, StateReserved, StateReceivedReject, StateAbortedRejected}, true},
		{"expired before reserve", []State{StateReceivedPrepare, StateExpiredPrepared}, true},
		{"reserved timeout abort", []State{StateReceivedPrepare, StateReserved, StateReservedTimeout, StateAbortedRejected}, true},
		{"forwarded then fulfil", []State{StateReceivedPrepare, StateReserved, StateReservedForwarded, StateReceivedFulfil, StateCommitted}, true},
		{"invalid only", []State{StateInvalid}, true},

		{"empty", nil, false},
		{"wrong initial", []State{StateReserved, StateReceivedFulfil}, false},
		{"resurrect after commit", []State{StateReceivedPrepare, StateReserved, StateReceivedFulfil, StateCommitted, StateReceivedPrepare}, false},
		{"skip reserve", []State{StateReceivedPrepare, StateReceivedFulfil, StateCommitted}, false},
		{"out of invalid", []State{StateInvalid, StateReserved}, false},
	}
	for _, c := range cases {
		if got := ValidPath(c.states); got != c.want {
			t.Errorf("%s: ValidPath(%v) = %v, want %v", c.name, c.states, got, c.want)
		}
	}
}

func TestStateForAction(t *testing.T) {
	cases := []struct {
		action Action
		want   State
	}{
		{ActionCommit, StateReceivedFulfil},
		{ActionReserve, StateReceivedFulfil},
		{ActionBulkCommit, StateReceivedFulfil},
		{ActionReject, StateReceivedReject},
		{ActionAbort, StateReceivedError},
		{ActionAbortValidation, StateReceivedError},
		{ActionBulkAbort, StateReceivedError},
	}
	for _, c := range cases {
		got, err := StateForAction(c.action)
		if err != nil {
			t.Fatalf("StateForAction(%s): unexpected error %v", c.action, err)
		}
		if got != c.want {
			t.Errorf("StateForAction(%s) = %s, want %s", c.action, got, c.want)
		}
	}
}

func TestStateForActionUnsupported(t *testing.T) {
	for _, a := range []Action{ActionRecordFundsIn, Action("SETTLE"), Action("")} {
		if _, err := StateForAction(a); err == nil {
			t.Errorf("StateForAction(%q): want UnsupportedActionError, got nil", a)
		}
	}
}

func TestParseAction(t *testing.T) {
	if a, err := ParseAction("COMMIT"); err != nil || a != ActionCommit {
		t.Errorf("ParseAction(COMMIT) = %v, %v", a, err)
	}
	if _, err := ParseAction("commit"); err == nil {
		t.Error("ParseAction(commit): want error for lowercase, got nil")
	}
}
