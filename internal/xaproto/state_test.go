package xaproto

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStateTerminal(t *testing.T) {
	terminal := []State{StateCommitted, StateRolledBack}
	nonTerminal := []State{StateActive, StateEnded, StateSuspended, StatePrepared}

	for _, s := range terminal {
		assert.True(t, s.Terminal(), "%s should be terminal", s)
	}
	for _, s := range nonTerminal {
		// I4: PREPARED must never be treated as terminal, or recover()
		// would stop reporting a prepared-but-uncommitted Xid.
		assert.False(t, s.Terminal(), "%s should not be terminal", s)
	}
}

func TestStateString(t *testing.T) {
	cases := map[State]string{
		StateActive:     "ACTIVE",
		StateEnded:      "ENDED",
		StateSuspended:  "SUSPENDED",
		StatePrepared:   "PREPARED",
		StateCommitted:  "COMMITTED",
		StateRolledBack: "ROLLEDBACK",
		State(99):       "UNKNOWN",
	}
	for state, want := range cases {
		assert.Equal(t, want, state.String())
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := assert.AnError
	e := newXAErr(XARMErr, cause)
	assert.ErrorIs(t, e, cause)
	assert.Contains(t, e.Error(), string(XARMErr))
}

func TestErrorWithoutCause(t *testing.T) {
	e := &Error{Code: XADupID}
	assert.Equal(t, string(XADupID), e.Error())
	assert.Nil(t, e.Unwrap())
}
