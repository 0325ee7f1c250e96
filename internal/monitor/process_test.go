package monitor

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbdmon/internal/keysym"
)

type step struct {
	key     keysym.Key
	release bool
}

func press(k keysym.Key) step   { return step{key: k} }
func release(k keysym.Key) step { return step{key: k, release: true} }

func run(t *testing.T, s *State, steps ...step) []Result {
	t.Helper()
	out := make([]Result, 0, len(steps))
	for _, st := range steps {
		r, err := s.Process(st.key, st.release)
		require.NoError(t, err)
		out = append(out, r)
	}
	return out
}

func attached(mods ...keysym.Key) *State {
	s := NewState()
	s.SetClient(true)
	s.SetGlobalModifiers(mods)
	return s
}

// =============================================================================
// Scenarios
// =============================================================================

func TestProcess_GlobalHotkey(t *testing.T) {
	s := attached(keysym.CapsLock)
	caps := keysym.MaskOf(keysym.CapsLock)

	got := run(t, s,
		press(keysym.CapsLock),
		press(keysym.H),
		release(keysym.H),
		release(keysym.CapsLock),
	)

	want := []Result{
		Swallowed(),
		ToAT(KeyEvent{State: caps, Keysym: keysym.H, Unichar: 'H', HasUnichar: true}),
		ToAT(KeyEvent{Release: true, State: caps, Keysym: keysym.H, Unichar: 'H', HasUnichar: true}),
		Swallowed(),
	}
	assert.Equal(t, want, got)

	snap := s.Snapshot()
	assert.True(t, snap.PressedModifiers.IsEmpty())
	assert.Empty(t, snap.Pressed)
	assert.False(t, snap.GrabAll)
}

func TestProcess_KeyOutsideGrab(t *testing.T) {
	s := attached()
	got := run(t, s, press(keysym.A))
	assert.Equal(t, []Result{Passthrough()}, got)
}

func TestProcess_NotifyAll(t *testing.T) {
	s := attached(keysym.CapsLock)
	s.SetNotifyAll(true)
	before := s.Snapshot()

	k := keysym.Key('k')
	r, err := s.Process(k, false)
	require.NoError(t, err)

	assert.Equal(t, ToATAndProcess(NewKeyEvent(false, keysym.EmptyMask(), k)), r)
	assert.True(t, r.ReachesAT())
	assert.True(t, r.ReachesCompositor())
	assert.Equal(t, before, s.Snapshot())

	// Global modifiers are mirrored too and do not start a grab.
	r, err = s.Process(keysym.CapsLock, false)
	require.NoError(t, err)
	assert.Equal(t, SendToATAndProcess, r.Action)
	assert.Equal(t, before, s.Snapshot())
}

func TestProcess_GrabAllEndsOnlyOnGlobalModifierRelease(t *testing.T) {
	s := attached(keysym.CapsLock)
	s.SetGrabAll(true)

	r, err := s.Process(keysym.X, true)
	require.NoError(t, err)
	assert.Equal(t, SendToAT, r.Action)
	assert.True(t, r.Event.Release)
	assert.True(t, s.GrabAll())

	r, err = s.Process(keysym.CapsLock, false)
	require.NoError(t, err)
	assert.Equal(t, SendToAT, r.Action)
	assert.True(t, s.GrabAll(), "press of a global modifier does not end the grab")

	r, err = s.Process(keysym.CapsLock, true)
	require.NoError(t, err)
	assert.Equal(t, ToAT(NewKeyEvent(true, keysym.EmptyMask(), keysym.CapsLock)), r)
	assert.False(t, s.GrabAll())
}

func TestProcess_GrabAllTakesPrecedenceOverNotifyAll(t *testing.T) {
	s := attached()
	s.SetGrabAll(true)
	s.SetNotifyAll(true)

	r, err := s.Process(keysym.A, false)
	require.NoError(t, err)
	assert.Equal(t, SendToAT, r.Action)
	assert.False(t, r.ReachesCompositor())
}

// =============================================================================
// Properties
// =============================================================================

func TestProcess_NoClientInvariance(t *testing.T) {
	s := NewState()
	s.SetGlobalModifiers([]keysym.Key{keysym.CapsLock})
	s.SetGrabAll(true)
	s.SetNotifyAll(true)
	before := s.Snapshot()

	keys := []keysym.Key{keysym.CapsLock, keysym.H, keysym.Return, keysym.ShiftL, keysym.NoSymbol, keysym.Key(0x1008ff11)}
	for _, k := range keys {
		for _, rel := range []bool{false, true} {
			r, err := s.Process(k, rel)
			require.NoError(t, err)
			assert.Equal(t, Passthrough(), r, "key %s release=%t", k, rel)
			assert.Equal(t, before, s.Snapshot())
		}
	}
}

func TestProcess_GrabSymmetry(t *testing.T) {
	s := attached(keysym.CapsLock, keysym.SuperL)
	before := s.Snapshot()

	got := run(t, s, press(keysym.SuperL), release(keysym.SuperL))
	assert.Equal(t, []Result{Swallowed(), Swallowed()}, got)

	after := s.Snapshot()
	assert.Equal(t, before.PressedModifiers, after.PressedModifiers)
	assert.Equal(t, before.GrabAll, after.GrabAll)
}

func TestProcess_PassThroughDefault(t *testing.T) {
	s := NewState()
	s.SetClient(true)

	for k := keysym.Key(0x20); k < 0x7f; k++ {
		got := run(t, s, press(k), release(k))
		assert.Equal(t, []Result{Passthrough(), Passthrough()}, got)
	}
	for _, k := range []keysym.Key{keysym.CapsLock, keysym.ShiftL, keysym.F1, keysym.Return} {
		got := run(t, s, press(k), release(k))
		assert.Equal(t, []Result{Passthrough(), Passthrough()}, got)
	}
}

func TestProcess_PressedSetConsistency(t *testing.T) {
	s := attached(keysym.CapsLock)
	keys := []keysym.Key{keysym.A, keysym.H, keysym.X, keysym.Z}

	// Deterministic interleaving of presses, repeats and releases,
	// including releases that were never pressed.
	var steps []step
	steps = append(steps, press(keysym.CapsLock))
	for i := 0; i < 64; i++ {
		k := keys[(i*7)%len(keys)]
		steps = append(steps, step{key: k, release: (i*5)%3 == 0})
	}

	added := map[keysym.Key]bool{}
	for _, st := range steps {
		before := s.Pressed()
		_, err := s.Process(st.key, st.release)
		require.NoError(t, err)
		after := s.Pressed()

		assert.GreaterOrEqual(t, len(after), 0)
		assert.LessOrEqual(t, len(after), len(keys))
		if len(after) > len(before) {
			added[st.key] = true
		}
		if len(after) < len(before) {
			assert.True(t, added[st.key], "removed %s without a prior press", st.key)
			assert.True(t, st.release)
		}
	}
}

// =============================================================================
// Transition table
// =============================================================================

func TestProcess_TransitionTable(t *testing.T) {
	caps := keysym.MaskOf(keysym.CapsLock)
	ev := func(rel bool, k keysym.Key) KeyEvent { return NewKeyEvent(rel, caps, k) }

	tests := []struct {
		name        string
		setup       []step
		event       step
		want        Result
		wantPressed []keysym.Key
		wantMask    keysym.Mask
	}{
		{
			name:     "global modifier press",
			event:    press(keysym.CapsLock),
			want:     Swallowed(),
			wantMask: caps,
		},
		{
			name:     "global modifier release",
			setup:    []step{press(keysym.CapsLock)},
			event:    release(keysym.CapsLock),
			want:     Swallowed(),
			wantMask: 0,
		},
		{
			name:        "key pressed under modifier",
			setup:       []step{press(keysym.CapsLock)},
			event:       press(keysym.H),
			want:        ToAT(ev(false, keysym.H)),
			wantPressed: []keysym.Key{keysym.H},
			wantMask:    caps,
		},
		{
			name:        "tracked key released under modifier",
			setup:       []step{press(keysym.CapsLock), press(keysym.H)},
			event:       release(keysym.H),
			want:        ToAT(ev(true, keysym.H)),
			wantPressed: []keysym.Key{},
			wantMask:    caps,
		},
		{
			name:     "foreign release under modifier",
			setup:    []step{press(keysym.CapsLock)},
			event:    release(keysym.H),
			want:     ToAT(ev(true, keysym.H)),
			wantMask: caps,
		},
		{
			name:        "repeat press under modifier",
			setup:       []step{press(keysym.CapsLock), press(keysym.H)},
			event:       press(keysym.H),
			want:        ToAT(ev(false, keysym.H)),
			wantPressed: []keysym.Key{keysym.H},
			wantMask:    caps,
		},
		{
			name:  "no context",
			event: press(keysym.H),
			want:  Passthrough(),
		},
		{
			name:        "tracked key released after modifier",
			setup:       []step{press(keysym.CapsLock), press(keysym.H), release(keysym.CapsLock)},
			event:       release(keysym.H),
			want:        ToAT(NewKeyEvent(true, 0, keysym.H)),
			wantPressed: []keysym.Key{},
		},
		{
			name:        "tracked key repeats after modifier",
			setup:       []step{press(keysym.CapsLock), press(keysym.H), release(keysym.CapsLock)},
			event:       press(keysym.H),
			want:        ToAT(NewKeyEvent(false, 0, keysym.H)),
			wantPressed: []keysym.Key{keysym.H},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := attached(keysym.CapsLock)
			run(t, s, tt.setup...)

			r, err := s.Process(tt.event.key, tt.event.release)
			require.NoError(t, err)
			assert.Equal(t, tt.want, r)
			assert.Equal(t, tt.wantMask, s.PressedModifiers())
			if tt.wantPressed != nil {
				assert.ElementsMatch(t, tt.wantPressed, s.Pressed())
			} else {
				assert.Empty(t, s.Pressed())
			}
		})
	}
}

func TestProcess_ModifierRepeatIsIdempotent(t *testing.T) {
	s := attached(keysym.CapsLock)
	got := run(t, s, press(keysym.CapsLock), press(keysym.CapsLock), press(keysym.CapsLock), release(keysym.CapsLock))
	assert.Equal(t, []Result{Swallowed(), Swallowed(), Swallowed(), Swallowed()}, got)
	assert.True(t, s.PressedModifiers().IsEmpty())
}

func TestProcess_MultipleModifiersCombine(t *testing.T) {
	// Shift_L and Caps_Lock share bits; releasing one must keep the other's.
	s := attached(keysym.CapsLock, keysym.ShiftL)

	run(t, s, press(keysym.CapsLock), press(keysym.ShiftL))
	assert.Equal(t, keysym.MaskOf(keysym.CapsLock, keysym.ShiftL), s.PressedModifiers())

	run(t, s, release(keysym.CapsLock))
	assert.Equal(t, keysym.MaskOf(keysym.ShiftL), s.PressedModifiers())

	r, err := s.Process(keysym.H, false)
	require.NoError(t, err)
	assert.Equal(t, ToAT(NewKeyEvent(false, keysym.MaskOf(keysym.ShiftL), keysym.H)), r)

	run(t, s, release(keysym.H), release(keysym.ShiftL))
	assert.True(t, s.PressedModifiers().IsEmpty())
}

func TestProcess_ModifierReleasedDuringGrabStaysHeld(t *testing.T) {
	// The grab override ends the grab on the release but skips the
	// modifier bookkeeping, so the held mask outlives the physical key.
	s := attached(keysym.CapsLock)
	caps := keysym.MaskOf(keysym.CapsLock)

	run(t, s, press(keysym.CapsLock))
	s.SetGrabAll(true)

	r, err := s.Process(keysym.CapsLock, true)
	require.NoError(t, err)
	assert.Equal(t, ToAT(NewKeyEvent(true, caps, keysym.CapsLock)), r)
	assert.False(t, s.GrabAll())
	assert.Equal(t, caps, s.PressedModifiers())

	// Later keys are still routed to the AT only.
	r, err = s.Process(keysym.A, false)
	require.NoError(t, err)
	assert.Equal(t, ToAT(NewKeyEvent(false, caps, keysym.A)), r)

	// Pressing and releasing the modifier again clears it.
	got := run(t, s, press(keysym.CapsLock), release(keysym.CapsLock))
	assert.Equal(t, []Result{Swallowed(), Swallowed()}, got)
	assert.True(t, s.PressedModifiers().IsEmpty())

	r, err = s.Process(keysym.A, true)
	require.NoError(t, err)
	assert.Equal(t, ToAT(NewKeyEvent(true, keysym.EmptyMask(), keysym.A)), r, "tracked key release still reaches the AT")
	assert.Empty(t, s.Pressed())
}

// =============================================================================
// Configuration
// =============================================================================

func TestSetClientFalseResets(t *testing.T) {
	s := attached(keysym.CapsLock)
	s.SetKeystrokes([]Keystroke{{Modifiers: keysym.MaskOf(keysym.CapsLock), Keysym: keysym.H}})
	run(t, s, press(keysym.CapsLock), press(keysym.H))
	s.SetGrabAll(true)
	s.SetNotifyAll(true)
	require.NotEmpty(t, s.Pressed())
	require.False(t, s.PressedModifiers().IsEmpty())

	s.SetClient(false)
	assert.Equal(t, NewState().Snapshot(), s.Snapshot())
	assert.False(t, s.LastLocalTrigger())
}

func TestSetGlobalModifiers(t *testing.T) {
	s := attached(keysym.CapsLock, keysym.NoSymbol, keysym.CapsLock, keysym.SuperL)
	assert.Equal(t, []keysym.Key{keysym.CapsLock, keysym.SuperL}, s.Modifiers())

	run(t, s, press(keysym.CapsLock), press(keysym.SuperL))
	s.SetGlobalModifiers([]keysym.Key{keysym.SuperL})

	assert.Equal(t, keysym.MaskOf(keysym.SuperL), s.PressedModifiers())
	assert.Equal(t, []keysym.Key{keysym.SuperL}, s.Snapshot().HeldModifiers)
}

func TestLocalTriggerIsTotal(t *testing.T) {
	s := attached()
	s.SetKeystrokes([]Keystroke{
		{Modifiers: keysym.MaskOf(keysym.CapsLock), Keysym: keysym.H},
		{Modifiers: 0, Keysym: keysym.F1},
	})

	for _, k := range []keysym.Key{keysym.NoSymbol, keysym.H, keysym.CapsLock, keysym.Key(0xffffffff)} {
		r, err := s.Process(k, false)
		require.NoError(t, err)
		assert.Equal(t, ProcessNormally, r.Action, "bindings do not change dispatch")
	}

	_, err := s.Process(keysym.CapsLock, false)
	require.NoError(t, err)
	assert.True(t, s.LastLocalTrigger(), "Caps_Lock adds nothing to the Caps_Lock binding")

	_, err = s.Process(keysym.Key(0xffffffff), false)
	require.NoError(t, err)
	assert.False(t, s.LastLocalTrigger())
}

func TestKeystrokeTriggeredBy(t *testing.T) {
	ks := Keystroke{Modifiers: keysym.MaskOf(keysym.CapsLock), Keysym: keysym.H}
	assert.True(t, ks.TriggeredBy(keysym.CapsLock))
	assert.True(t, ks.TriggeredBy(keysym.NoSymbol))
	assert.False(t, ks.TriggeredBy(keysym.Key(0x10000)))
}

func TestInconsistencyError(t *testing.T) {
	err := error(&InconsistencyError{Key: keysym.H, Release: true})
	assert.True(t, errors.Is(err, ErrInconsistentState))

	var ie *InconsistencyError
	require.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &ie))
	assert.Equal(t, keysym.H, ie.Key)
	assert.Contains(t, err.Error(), "key=H")
}

func TestMustProcess(t *testing.T) {
	s := attached(keysym.CapsLock)
	assert.NotPanics(t, func() {
		assert.Equal(t, Swallowed(), s.MustProcess(keysym.CapsLock, false))
	})
}

func TestActionStringRoundTrip(t *testing.T) {
	for _, a := range []Action{ProcessNormally, Swallow, SendToAT, SendToATAndProcess} {
		parsed, err := ParseAction(a.String())
		require.NoError(t, err)
		assert.Equal(t, a, parsed)
	}
	_, err := ParseAction("explode")
	assert.Error(t, err)
}
