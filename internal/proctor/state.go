package proctor

import "fmt"

// State is the session lifecycle position.
type State string

const (
	StateLoading            State = "LOADING"
	StateAwaitingFullscreen State = "AWAITING_FULLSCREEN"
	StateActive             State = "ACTIVE"
	StateDisqualified       State = "DISQUALIFIED"
	StateSubmitting         State = "SUBMITTING"
	StateCompleted          State = "COMPLETED"
)

var transitions = map[State][]State{
	StateLoading:            {StateAwaitingFullscreen},
	StateAwaitingFullscreen: {StateActive},
	StateActive:             {StateDisqualified, StateSubmitting},
	StateDisqualified:       {StateSubmitting},
	StateSubmitting:         {StateCompleted},
}

// CanTransition reports whether from -> to is an edge of the lifecycle.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool { return s == StateCompleted }

// TransitionError reports an attempt to take an edge that does not exist.
type TransitionError struct {
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}
