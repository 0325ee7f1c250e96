// Package monitor implements the key-event classifier behind the
// org.freedesktop.a11y.KeyboardMonitor interface.
//
// A State holds what the attached assistive technology (AT) currently cares
// about: global modifiers, keystroke bindings and the grab/notify modes.
// Process classifies one press or release against that configuration and
// tells the compositor whether to swallow the key, let it through, forward
// it to the AT, or both.
//
// A State is not safe for concurrent use. Events and configuration changes
// must be applied from one goroutine, in the order they were observed.
package monitor

import (
	"slices"

	"kbdmon/internal/keysym"
)

// Keystroke is an AT-registered hotkey: Keysym fires only while Modifiers
// are held.
type Keystroke struct {
	Modifiers keysym.Mask `json:"modifiers" yaml:"modifiers" toml:"modifiers"`
	Keysym    keysym.Key  `json:"keysym" yaml:"keysym" toml:"keysym"`
}

// TriggeredBy reports whether including k in the binding's modifier set
// leaves it unchanged, i.e. k adds nothing the binding does not already
// require.
func (ks Keystroke) TriggeredBy(k keysym.Key) bool {
	return ks.Modifiers.Union(k) == ks.Modifiers
}

// State is the classifier's configuration and runtime bookkeeping for one
// AT session. The zero value has no client attached.
type State struct {
	hasClient bool
	grabAll   bool
	notifyAll bool

	modifiers  []keysym.Key
	keystrokes []Keystroke

	// held lists the global modifiers currently down, in press order.
	// pressedModifiers is always the union of held.
	held             []keysym.Key
	pressedModifiers keysym.Mask

	// pressed lists keys pressed while a global modifier was held, so
	// their releases are routed the same way.
	pressed []keysym.Key

	lastLocalTrigger bool
}

// NewState returns a State with no client attached.
func NewState() *State {
	return &State{}
}

// Snapshot is a copy of a State's fields.
type Snapshot struct {
	HasClient        bool
	GrabAll          bool
	NotifyAll        bool
	Modifiers        []keysym.Key
	Keystrokes       []Keystroke
	HeldModifiers    []keysym.Key
	PressedModifiers keysym.Mask
	Pressed          []keysym.Key
}

// Snapshot copies the current state.
func (s *State) Snapshot() Snapshot {
	return Snapshot{
		HasClient:        s.hasClient,
		GrabAll:          s.grabAll,
		NotifyAll:        s.notifyAll,
		Modifiers:        slices.Clone(s.modifiers),
		Keystrokes:       slices.Clone(s.keystrokes),
		HeldModifiers:    slices.Clone(s.held),
		PressedModifiers: s.pressedModifiers,
		Pressed:          slices.Clone(s.pressed),
	}
}

// HasClient reports whether an AT is attached.
func (s *State) HasClient() bool { return s.hasClient }

// GrabAll reports whether a full keyboard grab is active.
func (s *State) GrabAll() bool { return s.grabAll }

// NotifyAll reports whether every event is mirrored to the AT.
func (s *State) NotifyAll() bool { return s.notifyAll }

// PressedModifiers returns the mask of global modifiers currently held.
func (s *State) PressedModifiers() keysym.Mask { return s.pressedModifiers }

// Modifiers returns the designated global modifiers.
func (s *State) Modifiers() []keysym.Key { return slices.Clone(s.modifiers) }

// Keystrokes returns the registered keystroke bindings.
func (s *State) Keystrokes() []Keystroke { return slices.Clone(s.keystrokes) }

// Pressed returns the keys tracked as pressed during a grab.
func (s *State) Pressed() []keysym.Key { return slices.Clone(s.pressed) }

// LastLocalTrigger reports whether the last classified event matched a
// registered keystroke binding.
func (s *State) LastLocalTrigger() bool { return s.lastLocalTrigger }

// SetClient attaches or detaches the AT. Detaching resets every other
// field to its default.
func (s *State) SetClient(attached bool) {
	if !attached {
		s.Reset()
		return
	}
	s.hasClient = true
}

// Reset detaches the client and clears all configuration and bookkeeping.
func (s *State) Reset() {
	*s = State{}
}

// SetGlobalModifiers replaces the global modifiers. NoSymbol and
// duplicates are dropped. Held modifiers that are no longer designated are
// forgotten, since their release would no longer end the grab.
func (s *State) SetGlobalModifiers(mods []keysym.Key) {
	out := make([]keysym.Key, 0, len(mods))
	for _, m := range mods {
		if m == keysym.NoSymbol || slices.Contains(out, m) {
			continue
		}
		out = append(out, m)
	}
	s.modifiers = out

	s.held = slices.DeleteFunc(s.held, func(k keysym.Key) bool {
		return !slices.Contains(out, k)
	})
	s.recomputeMask()
}

// SetKeystrokes replaces the keystroke bindings.
func (s *State) SetKeystrokes(keystrokes []Keystroke) {
	s.keystrokes = slices.Clone(keystrokes)
}

// SetGrabAll toggles the full keyboard grab.
func (s *State) SetGrabAll(on bool) {
	s.grabAll = on
}

// SetNotifyAll toggles mirroring of every event to the AT.
func (s *State) SetNotifyAll(on bool) {
	s.notifyAll = on
}

func (s *State) isGlobal(k keysym.Key) bool {
	return slices.Contains(s.modifiers, k)
}

func (s *State) matchesKeystroke(k keysym.Key) bool {
	return slices.ContainsFunc(s.keystrokes, func(ks Keystroke) bool {
		return ks.TriggeredBy(k)
	})
}

func (s *State) holdModifier(k keysym.Key) {
	if !slices.Contains(s.held, k) {
		s.held = append(s.held, k)
	}
	s.recomputeMask()
}

// releaseModifier clears k's bits, then restores the bits of the modifiers
// still held, which may share some of them.
func (s *State) releaseModifier(k keysym.Key) {
	s.held = slices.DeleteFunc(s.held, func(h keysym.Key) bool { return h == k })
	mask := s.pressedModifiers.Without(k)
	for _, h := range s.held {
		mask = mask.Union(h)
	}
	s.pressedModifiers = mask
}

// recomputeMask rebuilds pressedModifiers from held.
func (s *State) recomputeMask() {
	s.pressedModifiers = keysym.MaskOf(s.held...)
}

func (s *State) trackPressed(k keysym.Key) {
	s.pressed = append(s.pressed, k)
}

func (s *State) untrackPressed(k keysym.Key) {
	s.pressed = slices.DeleteFunc(s.pressed, func(p keysym.Key) bool { return p == k })
}
