package monitor

import (
	"fmt"

	"kbdmon/internal/keysym"
)

// KeyEvent is the payload forwarded to the assistive technology.
type KeyEvent struct {
	// Release is true for key releases.
	Release bool
	// State is the mask of global modifiers held when the event was classified.
	State keysym.Mask
	// Keysym is the key the event is about.
	Keysym keysym.Key
	// Unichar is the character the key would type; only valid when HasUnichar is set.
	Unichar    rune
	HasUnichar bool
	// Keycode is the hardware keycode. The classifier has no hardware
	// context and always leaves it 0; the transport fills it in.
	Keycode uint16
}

// NewKeyEvent builds the event for key, resolving its character.
func NewKeyEvent(release bool, state keysym.Mask, key keysym.Key) KeyEvent {
	r, ok := keysym.CharFor(key)
	return KeyEvent{
		Release:    release,
		State:      state,
		Keysym:     key,
		Unichar:    r,
		HasUnichar: ok,
	}
}

// WithKeycode returns a copy of e carrying a hardware keycode.
func (e KeyEvent) WithKeycode(code uint16) KeyEvent {
	e.Keycode = code
	return e
}

// UnicharOrZero returns the character, or 0 when the key has none. This is
// the wire encoding of an absent character.
func (e KeyEvent) UnicharOrZero() rune {
	if !e.HasUnichar {
		return 0
	}
	return e.Unichar
}

func (e KeyEvent) String() string {
	kind := "press"
	if e.Release {
		kind = "release"
	}
	if e.HasUnichar {
		return fmt.Sprintf("%s %s state=%s char=%q", kind, e.Keysym, e.State, e.Unichar)
	}
	return fmt.Sprintf("%s %s state=%s", kind, e.Keysym, e.State)
}

// Action is what the compositor must do with a key event.
type Action uint8

const (
	// ProcessNormally lets the event through untouched. It is the zero
	// value so an unset Action never withholds input.
	ProcessNormally Action = iota
	// Swallow drops the event; neither the AT nor the compositor sees it.
	Swallow
	// SendToAT forwards the event to the AT only.
	SendToAT
	// SendToATAndProcess forwards the event to the AT and lets it through.
	SendToATAndProcess
)

func (a Action) String() string {
	switch a {
	case ProcessNormally:
		return "process_normally"
	case Swallow:
		return "swallow"
	case SendToAT:
		return "send_to_at"
	case SendToATAndProcess:
		return "send_to_at_and_process"
	default:
		return fmt.Sprintf("action(%d)", uint8(a))
	}
}

// ParseAction is the inverse of Action.String.
func ParseAction(s string) (Action, error) {
	for _, a := range []Action{ProcessNormally, Swallow, SendToAT, SendToATAndProcess} {
		if a.String() == s {
			return a, nil
		}
	}
	return ProcessNormally, fmt.Errorf("unknown action %q", s)
}

// Result is the classification of one event. Event is only set for
// SendToAT and SendToATAndProcess.
type Result struct {
	Action Action
	Event  KeyEvent
}

// Passthrough is the ProcessNormally result.
func Passthrough() Result {
	return Result{Action: ProcessNormally}
}

// Swallowed is the Swallow result.
func Swallowed() Result {
	return Result{Action: Swallow}
}

// ToAT forwards ev to the AT only.
func ToAT(ev KeyEvent) Result {
	return Result{Action: SendToAT, Event: ev}
}

// ToATAndProcess forwards ev to the AT and lets it through.
func ToATAndProcess(ev KeyEvent) Result {
	return Result{Action: SendToATAndProcess, Event: ev}
}

// ReachesAT reports whether the AT must be notified.
func (r Result) ReachesAT() bool {
	return r.Action == SendToAT || r.Action == SendToATAndProcess
}

// ReachesCompositor reports whether the compositor should handle the key.
func (r Result) ReachesCompositor() bool {
	return r.Action == ProcessNormally || r.Action == SendToATAndProcess
}

func (r Result) String() string {
	if r.ReachesAT() {
		return fmt.Sprintf("%s(%s)", r.Action, r.Event)
	}
	return r.Action.String()
}
