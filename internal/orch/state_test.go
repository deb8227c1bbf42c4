package orch

import "testing"

func TestStateTransitions(t *testing.T) {
	allowed := []struct{ from, to State }{
		{StateIdle, StateNegotiating},
		{StateNegotiating, StateTransferring},
		{StateNegotiating, StateFailed},
		{StateTransferring, StateDisconnected},
		{StateTransferring, StateCompleted},
		{StateTransferring, StateCancelled},
		{StateDisconnected, StateRecovering},
		{StateDisconnected, StateFailed},
		{StateRecovering, StateTransferring},
		{StateRecovering, StateDisconnected},
	}
	for _, tc := range allowed {
		if !validNext(tc.from, tc.to) {
			t.Errorf("%s -> %s should be allowed", tc.from, tc.to)
		}
	}

	forbidden := []struct{ from, to State }{
		{StateIdle, StateTransferring},
		{StateNegotiating, StateRecovering},
		{StateCompleted, StateNegotiating},
		{StateFailed, StateTransferring},
		{StateCancelled, StateRecovering},
		{StateDisconnected, StateCompleted},
	}
	for _, tc := range forbidden {
		if validNext(tc.from, tc.to) {
			t.Errorf("%s -> %s should be rejected", tc.from, tc.to)
		}
	}
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateFailed, StateCancelled} {
		if !s.terminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []State{StateIdle, StateNegotiating, StateTransferring, StateDisconnected, StateRecovering} {
		if s.terminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestStateString(t *testing.T) {
	if StateRecovering.String() != "recovering" {
		t.Errorf("String() = %q", StateRecovering.String())
	}
	if State(99).String() != "unknown" {
		t.Errorf("out-of-range String() = %q", State(99).String())
	}
}
