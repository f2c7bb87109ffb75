package jobs

import "fmt"

var validTransitions = map[State][]State{
	StateQueued:  {StateRunning, StatePaused, StateCanceled},
	StatePaused:  {StateQueued, StateCanceled},
	StateRunning: {StateDone, StateFailed, StateCanceled, StateQueued},
	StateDone:    {StateQueued},
	StateFailed:  {StateQueued},
}

// CanTransition reports whether from -> to is allowed.
func CanTransition(from, to State) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition is returned by queue operations on jobs in the wrong state.
type ErrInvalidTransition struct {
	JobID string
	From  State
	To    State
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("job %s: cannot move from %s to %s", e.JobID, e.From, e.To)
}
