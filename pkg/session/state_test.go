package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestState_String(t *testing.T) {
	assert.Equal(t, "NO_SESSION", StateNoSession.String())
	assert.Equal(t, "ACTIVE", StateActive.String())
	assert.Equal(t, "EXPIRED", StateExpired.String())
	assert.Equal(t, "RENEWING", StateRenewing.String())
	assert.Equal(t, "GUEST", StateGuest.String())
	assert.Equal(t, "LOGGED_OUT", StateLoggedOut.String())
	assert.Equal(t, "UNKNOWN", State(42).String())
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateNoSession, StateActive, true},
		{StateNoSession, StateGuest, true},
		{StateNoSession, StateRenewing, false},
		{StateActive, StateExpired, true},
		{StateExpired, StateRenewing, true},
		{StateRenewing, StateActive, true},
		{StateRenewing, StateExpired, true},
		{StateRenewing, StateLoggedOut, false},
		{StateGuest, StateRenewing, false},
		{StateLoggedOut, StateActive, true},
		{StateLoggedOut, StateExpired, false},
	}
	for _, tt := range tests {
		t.Run(tt.from.String()+"->"+tt.to.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}
