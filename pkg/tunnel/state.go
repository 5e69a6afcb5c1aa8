package tunnel

// State is the lifecycle state of a Conn.
type State uint8

const (
	// StateHandshaking is the initial state: the relay is being opened and
	// the TLS handshake is running. Requests are queued.
	StateHandshaking State = iota

	// StateConnected indicates requests are dispatched.
	StateConnected

	// StateClosed is terminal and reachable from any state.
	StateClosed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "HANDSHAKING"
	case StateConnected:
		return "CONNECTED"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the states reachable from each state.
var transitions = map[State][]State{
	StateHandshaking: {StateConnected, StateClosed},
	StateConnected:   {StateClosed},
	StateClosed:      nil,
}

// CanTransition reports whether a Conn may move from one state to another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
