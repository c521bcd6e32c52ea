package orchestrator

import "fmt"

// State is a step of a single sync run.
type State int

const (
	StateIdle State = iota
	StateWindowComputed
	StateFetching
	StateNormalizing
	StateValidating
	StatePersisting
	StateCompleted
	StatePartiallyCompleted
	StateFailed
)

var stateNames = [...]string{
	StateIdle:               "idle",
	StateWindowComputed:     "fetch_window_computed",
	StateFetching:           "fetching",
	StateNormalizing:        "normalizing",
	StateValidating:         "validating",
	StatePersisting:         "persisting",
	StateCompleted:          "completed",
	StatePartiallyCompleted: "partially_completed",
	StateFailed:             "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Terminal reports whether no further transition follows s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StatePartiallyCompleted || s == StateFailed
}
