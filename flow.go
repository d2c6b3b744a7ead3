package oauth

import (
	"fmt"
	"log/slog"
)

type State int

const (
	StateIdle State = iota
	StateDiscovering
	StateAwaitingAuthorization
	StateAwaitingCallback
	StateExchanging
	StateAuthenticated
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDiscovering:
		return "discovering"
	case StateAwaitingAuthorization:
		return "awaiting_authorization"
	case StateAwaitingCallback:
		return "awaiting_callback"
	case StateExchanging:
		return "exchanging"
	case StateAuthenticated:
		return "authenticated"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

func (s State) Terminal() bool {
	return s == StateAuthenticated || s == StateFailed
}

// the happy path only moves forward one step at a time; Failed is reachable from any
// non-terminal state and is handled separately
var nextState = map[State]State{
	StateIdle:                  StateDiscovering,
	StateDiscovering:           StateAwaitingAuthorization,
	StateAwaitingAuthorization: StateAwaitingCallback,
	StateAwaitingCallback:      StateExchanging,
	StateExchanging:            StateAuthenticated,
}

// TransitionFunc observes every state change of a login attempt. err is only set when entering
// StateFailed.
type TransitionFunc func(from, to State, err error)

type flow struct {
	state   State
	failure error

	// populated once discovery succeeds
	authServer *AuthServer
	// populated once the listener is armed
	flowState *FlowState

	logger       *slog.Logger
	onTransition TransitionFunc
}

func newFlow(logger *slog.Logger, onTransition TransitionFunc) *flow {
	return &flow{
		state:        StateIdle,
		logger:       logger,
		onTransition: onTransition,
	}
}

func (f *flow) advance(to State) {
	if want, ok := nextState[f.state]; !ok || want != to {
		panic(fmt.Sprintf("invalid login transition %s -> %s", f.state, to))
	}
	f.set(to, nil)
}

// fail moves the flow to Failed and returns err so call sites can `return f.fail(err)`.
func (f *flow) fail(err error) error {
	if f.state.Terminal() {
		return err
	}
	f.failure = err
	f.set(StateFailed, err)
	return err
}

func (f *flow) set(to State, err error) {
	from := f.state
	f.state = to

	if err != nil {
		f.logger.Warn("login failed", "from", from.String(), "error", err)
	} else {
		f.logger.Debug("login state changed", "from", from.String(), "to", to.String())
	}

	if f.onTransition != nil {
		f.onTransition(from, to, err)
	}
}
