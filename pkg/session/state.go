package session

// State is the lifecycle state of the login session.
type State uint8

const (
	// StateNoSession indicates no token is stored.
	StateNoSession State = iota

	// StateActive indicates a token younger than the TTL is stored.
	StateActive

	// StateExpired indicates the stored token is older than the TTL.
	StateExpired

	// StateRenewing indicates a re-login with stored credentials is running.
	StateRenewing

	// StateGuest indicates the guest token is stored.
	StateGuest

	// StateLoggedOut indicates Logout cleared the session.
	StateLoggedOut
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateNoSession:
		return "NO_SESSION"
	case StateActive:
		return "ACTIVE"
	case StateExpired:
		return "EXPIRED"
	case StateRenewing:
		return "RENEWING"
	case StateGuest:
		return "GUEST"
	case StateLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

// transitions lists the states reachable from each state. Login and
// GuestLogin are allowed from every state.
var transitions = map[State][]State{
	StateNoSession: {StateActive, StateExpired, StateGuest},
	StateActive:    {StateActive, StateExpired, StateRenewing, StateGuest, StateLoggedOut},
	StateExpired:   {StateActive, StateRenewing, StateGuest, StateLoggedOut},
	StateRenewing:  {StateActive, StateExpired},
	StateGuest:     {StateActive, StateGuest, StateLoggedOut},
	StateLoggedOut: {StateActive, StateGuest, StateLoggedOut},
}

// CanTransition reports whether the session may move from one state to
// another.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
