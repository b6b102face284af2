package session

// State is the connection supervisor's lifecycle state
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateListening    State = "listening"
	StateSpeaking     State = "speaking"
	StateProcessing   State = "processing"
	StateError        State = "error"
)

var transitions = map[State][]State{
	StateDisconnected: {StateConnecting},
	StateConnecting:   {StateConnected, StateError, StateDisconnected},
	StateConnected:    {StateListening, StateSpeaking, StateProcessing, StateError, StateDisconnected},
	StateListening:    {StateSpeaking, StateProcessing, StateError, StateDisconnected},
	StateSpeaking:     {StateListening, StateProcessing, StateError, StateDisconnected},
	StateProcessing:   {StateListening, StateSpeaking, StateError, StateDisconnected},
	StateError:        {StateConnecting, StateDisconnected},
}

// CanTransition reports whether moving from one state to another is legal
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Active reports whether the channel is open in this state
func (s State) Active() bool {
	switch s {
	case StateConnected, StateListening, StateSpeaking, StateProcessing:
		return true
	}
	return false
}
