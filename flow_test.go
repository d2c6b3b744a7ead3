package oauth

import (
	"errors"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlowTransitions(t *testing.T) {
	assert := assert.New(t)

	log := &transitionLog{}
	f := newFlow(slog.Default(), log.observe)
	assert.Equal(StateIdle, f.state)

	f.advance(StateDiscovering)
	f.advance(StateAwaitingAuthorization)

	// steps can't be skipped
	assert.Panics(func() { f.advance(StateExchanging) })

	boom := errors.New("boom")
	assert.Equal(boom, f.fail(boom))
	assert.Equal(StateFailed, f.state)
	assert.True(f.state.Terminal())
	assert.Equal(boom, f.failure)

	// a terminal flow stays put
	f.fail(errors.New("again"))
	assert.Equal(boom, f.failure)
	assert.Panics(func() { f.advance(StateAuthenticated) })

	assert.Equal([]State{StateDiscovering, StateAwaitingAuthorization, StateFailed}, log.states)
}

func TestStateString(t *testing.T) {
	assert := assert.New(t)

	assert.Equal("awaiting_callback", StateAwaitingCallback.String())
	assert.Equal("state(42)", State(42).String())
	assert.False(StateExchanging.Terminal())
	assert.True(StateAuthenticated.Terminal())
}
