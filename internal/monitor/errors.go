package monitor

import (
	"errors"
	"fmt"

	"kbdmon/internal/keysym"
)

// ErrInconsistentState is returned when an event reaches a combination the
// transition table does not cover. The state is left untouched.
var ErrInconsistentState = errors.New("monitor: unhandled classifier state")

// InconsistencyError carries the inputs that fell through the table.
type InconsistencyError struct {
	Key            keysym.Key
	Release        bool
	IsGlobal       bool
	AnyModsDown    bool
	AlreadyPressed bool
}

func (e *InconsistencyError) Error() string {
	return fmt.Sprintf("%v: key=%s release=%t global=%t mods_down=%t pressed=%t",
		ErrInconsistentState, e.Key, e.Release, e.IsGlobal, e.AnyModsDown, e.AlreadyPressed)
}

func (e *InconsistencyError) Unwrap() error {
	return ErrInconsistentState
}
