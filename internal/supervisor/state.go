package supervisor

import (
	"fmt"
	"strings"
	"time"
)

// State is the run lifecycle state. Exactly one state exists process-wide at
// a time; there are no concurrent runs.
type State string

const (
	StateIdle      State = "idle"
	StateStarting  State = "starting"
	StateRunning   State = "running"
	StateStopping  State = "stopping"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateStopped   State = "stopped"
)

// Terminal reports whether the state admits a new Start call.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateStopped:
		return true
	default:
		return false
	}
}

// startable states accept a Start call; every other state rejects it as
// AlreadyRunning.
func (s State) startable() bool {
	return s == StateIdle || s.Terminal()
}

var allowedTransitions = map[State]map[State]struct{}{
	StateIdle: {
		StateStarting: {},
	},
	StateStarting: {
		StateRunning: {},
		StateIdle:    {}, // spawn failure aborts the start
	},
	StateRunning: {
		StateStopping:  {},
		StateCompleted: {},
		StateFailed:    {},
	},
	StateStopping: {
		StateStopped: {},
	},
	StateCompleted: {
		StateStarting: {},
	},
	StateFailed: {
		StateStarting: {},
	},
	StateStopped: {
		StateStarting: {},
	},
}

func transitionAllowed(from, to State) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// TransitionRecord stores transition metadata for local history.
type TransitionRecord struct {
	RunID     string
	FromState State
	ToState   State
	Reason    string
	Timestamp time.Time
}

// IllegalTransitionError reports a disallowed lifecycle edge. It signals a
// supervisor bug, never a caller error.
type IllegalTransitionError struct {
	RunID     string
	FromState State
	ToState   State
	Reason    string
}

func (e *IllegalTransitionError) Error() string {
	reason := strings.TrimSpace(e.Reason)
	if reason == "" {
		reason = "illegal run lifecycle transition"
	}
	return fmt.Sprintf(
		"cannot transition run %q from %q to %q: %s",
		e.RunID,
		e.FromState,
		e.ToState,
		reason,
	)
}

// Is enables errors.Is checks for illegal transition failures.
func (e *IllegalTransitionError) Is(target error) bool {
	_, ok := target.(*IllegalTransitionError)
	return ok
}
