package session

import "testing"

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		expected bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateDisconnected, StateConnected, false},
		{StateConnecting, StateConnected, true},
		{StateConnecting, StateError, true},
		{StateConnecting, StateDisconnected, true},
		{StateConnecting, StateSpeaking, false},
		{StateConnected, StateListening, true},
		{StateConnected, StateConnecting, false},
		{StateListening, StateSpeaking, true},
		{StateSpeaking, StateProcessing, true},
		{StateProcessing, StateListening, true},
		{StateListening, StateConnected, false},
		{StateSpeaking, StateError, true},
		{StateError, StateConnecting, true},
		{StateError, StateDisconnected, true},
		{StateError, StateConnected, false},
	}

	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.expected {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.expected, got)
		}
	}
}

func TestActiveStates(t *testing.T) {
	for _, s := range []State{StateConnected, StateListening, StateSpeaking, StateProcessing} {
		if !s.Active() {
			t.Errorf("Expected %s to be active", s)
		}
	}
	for _, s := range []State{StateDisconnected, StateConnecting, StateError} {
		if s.Active() {
			t.Errorf("Expected %s to be inactive", s)
		}
	}
}
