package monitor

import (
	"fmt"
	"slices"

	"kbdmon/internal/keysym"
)

// Process classifies one key event and updates the bookkeeping.
//
// Without a client every event passes through and nothing changes. A full
// grab forwards everything to the AT until a global modifier is released;
// notify-all mirrors everything to both sides. Otherwise holding a global
// modifier swallows the modifier itself and routes every key pressed under
// it to the AT, along with that key's eventual release.
//
// The returned error is non-nil only if the event fell through the
// transition table; the result is then ProcessNormally and the state is
// unchanged.
func (s *State) Process(key keysym.Key, release bool) (Result, error) {
	if !s.hasClient {
		return Passthrough(), nil
	}

	ev := NewKeyEvent(release, s.pressedModifiers, key)
	isGlobal := s.isGlobal(key)
	anyModsDown := !s.pressedModifiers.IsEmpty()
	alreadyPressed := slices.Contains(s.pressed, key)
	s.lastLocalTrigger = s.matchesKeystroke(key)

	switch {
	case s.grabAll && isGlobal && release:
		s.grabAll = false
		return ToAT(ev), nil
	case s.grabAll:
		return ToAT(ev), nil
	case s.notifyAll:
		return ToATAndProcess(ev), nil
	}

	switch {
	case isGlobal && !release:
		s.holdModifier(key)
		return Swallowed(), nil
	case isGlobal && release:
		s.releaseModifier(key)
		return Swallowed(), nil

	case anyModsDown && !alreadyPressed && !release:
		s.trackPressed(key)
		return ToAT(ev), nil
	case alreadyPressed && release:
		// Also reached when the modifier was let go first; the press went
		// to the AT, so the release must too.
		s.untrackPressed(key)
		return ToAT(ev), nil
	case anyModsDown && !alreadyPressed && release:
		return ToAT(ev), nil
	case alreadyPressed && !release:
		return ToAT(ev), nil

	case !anyModsDown && !alreadyPressed:
		return Passthrough(), nil
	}

	return Passthrough(), &InconsistencyError{
		Key:            key,
		Release:        release,
		IsGlobal:       isGlobal,
		AnyModsDown:    anyModsDown,
		AlreadyPressed: alreadyPressed,
	}
}

// MustProcess is like Process but panics on a classifier gap.
func (s *State) MustProcess(key keysym.Key, release bool) Result {
	r, err := s.Process(key, release)
	if err != nil {
		panic(fmt.Sprintf("monitor: %v", err))
	}
	return r
}
