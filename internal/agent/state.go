// internal/agent/state.go
package agent

// State is the phase an episode is in. The working phases cycle
// perceiving -> deciding -> acting -> observing and loop back to
// perceiving until the episode ends.
type State string

const (
	StateIdle       State = "idle"
	StatePerceiving State = "perceiving"
	StateDeciding   State = "deciding"
	StateActing     State = "acting"
	StateObserving  State = "observing"
	StatePaused     State = "paused"
	StateStopped    State = "stopped"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// Active reports whether the state is one of the four working phases.
func (s State) Active() bool {
	switch s {
	case StatePerceiving, StateDeciding, StateActing, StateObserving:
		return true
	}
	return false
}

// Terminal reports whether the state can never be left.
func (s State) Terminal() bool {
	return s == StateStopped || s == StateDone || s == StateFailed
}

// legalTransition reports whether an episode may move between two states.
// Terminal states absorb everything, a stop is legal from anywhere, and
// pausing only makes sense while a phase is running. Resuming restores the
// paused phase directly and does not pass through here.
func legalTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	switch to {
	case StateStopped:
		return true
	case StatePaused, StateDone, StateFailed:
		return from.Active()
	case StatePerceiving:
		return from == StateIdle || from == StateObserving
	case StateDeciding:
		return from == StatePerceiving
	case StateActing:
		return from == StateDeciding
	case StateObserving:
		return from == StateActing
	default:
		return false
	}
}
