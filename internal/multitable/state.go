package multitable

import "fmt"

// State is a position in the per-entity pipeline. Runs only move forward;
// Failed is terminal and reachable from every other state.
type State int

const (
	StateStart State = iota
	StateExtracted
	StateValidated
	StateStaged
	StateMerged
	StateExported
	StateDone
	StateFailed
)

var stateNames = [...]string{"Start", "Extracted", "Validated", "Staged", "Merged", "Exported", "Done", "Failed"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// Terminal reports whether no transition leaves s.
func (s State) Terminal() bool { return s == StateDone || s == StateFailed }

// StageError is a fatal failure of one pipeline step. Rejected rows are never
// StageErrors; they are data.
type StageError struct {
	Entity string
	Stage  string
	// From is the last state reached before failing.
	From State
	Err  error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %s (from %s): %v", e.Entity, e.Stage, e.From, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }
