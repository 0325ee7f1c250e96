package scenario

import (
	"fmt"
	"strings"

	"kbdmon/internal/keysym"
	"kbdmon/internal/monitor"
)

// StepResult is the outcome of one replayed step.
type StepResult struct {
	Index int
	// Label describes the step ("press Caps_Lock", "set").
	Label    string
	Result   monitor.Result
	Snapshot monitor.Snapshot
	// Err is a classifier consistency fault, if any.
	Err error
	// Failures lists unmet expectations.
	Failures []string
}

// Passed reports whether the step met its expectations.
func (r StepResult) Passed() bool {
	return r.Err == nil && len(r.Failures) == 0
}

// Report is the outcome of a replay.
type Report struct {
	Name  string
	Steps []StepResult
}

// Passed reports whether every step passed.
func (r *Report) Passed() bool {
	for _, st := range r.Steps {
		if !st.Passed() {
			return false
		}
	}
	return true
}

// Failed returns the steps that did not pass.
func (r *Report) Failed() []StepResult {
	var out []StepResult
	for _, st := range r.Steps {
		if !st.Passed() {
			out = append(out, st)
		}
	}
	return out
}

// Replay runs sc against a fresh State.
func Replay(sc *Scenario) (*Report, error) {
	return ReplayOn(monitor.NewState(), sc)
}

// ReplayOn runs sc against s, applying the setup first.
func ReplayOn(s *monitor.State, sc *Scenario) (*Report, error) {
	setup, err := sc.Setup.resolve()
	if err != nil {
		return nil, fmt.Errorf("%w: setup: %v", ErrInvalidScenario, err)
	}
	setup.apply(s)

	report := &Report{Name: sc.Name}
	for i, step := range sc.Events {
		res, err := replayStep(s, i+1, step)
		if err != nil {
			return report, err
		}
		report.Steps = append(report.Steps, res)
	}
	return report, nil
}

func replayStep(s *monitor.State, index int, step Step) (StepResult, error) {
	out := StepResult{Index: index}

	if step.Set != nil {
		settings, err := step.Set.resolve()
		if err != nil {
			return out, fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, index, err)
		}
		settings.apply(s)
		out.Label = "set"
		out.Snapshot = s.Snapshot()
		return out, nil
	}

	key, release, err := step.key()
	if err != nil {
		return out, fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, index, err)
	}
	if release {
		out.Label = "release " + key.String()
	} else {
		out.Label = "press " + key.String()
	}

	out.Result, out.Err = s.Process(key, release)
	out.Snapshot = s.Snapshot()

	if step.Expect != nil {
		want, err := step.Expect.resolve()
		if err != nil {
			return out, fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, index, err)
		}
		out.Failures = want.check(out.Result, out.Snapshot)
	}
	return out, nil
}

func (want resolvedExpect) check(got monitor.Result, snap monitor.Snapshot) []string {
	var failures []string
	fail := func(format string, args ...any) {
		failures = append(failures, fmt.Sprintf(format, args...))
	}

	if want.action != nil && got.Action != *want.action {
		fail("action: want %s, got %s", want.action, got.Action)
	}
	if want.state != nil || want.char != nil {
		if !got.ReachesAT() {
			fail("event: want a forwarded event, got %s", got.Action)
		} else {
			if want.state != nil && got.Event.State != *want.state {
				fail("state: want %s, got %s", want.state, got.Event.State)
			}
			if want.char != nil {
				gotChar := ""
				if got.Event.HasUnichar {
					gotChar = string(got.Event.Unichar)
				}
				if gotChar != *want.char {
					fail("char: want %q, got %q", *want.char, gotChar)
				}
			}
		}
	}
	if want.grabAll != nil && snap.GrabAll != *want.grabAll {
		fail("grab_all: want %t, got %t", *want.grabAll, snap.GrabAll)
	}
	if want.pressedModifiers != nil && snap.PressedModifiers != *want.pressedModifiers {
		fail("pressed_modifiers: want %s, got %s", want.pressedModifiers, snap.PressedModifiers)
	}
	return failures
}

// Format renders one step as a single line.
func (r StepResult) Format() string {
	var b strings.Builder
	if r.Label == "set" {
		fmt.Fprintf(&b, "%3d set client=%t grab_all=%t notify_all=%t",
			r.Index, r.Snapshot.HasClient, r.Snapshot.GrabAll, r.Snapshot.NotifyAll)
		return b.String()
	}
	fmt.Fprintf(&b, "%3d %-24s %s", r.Index, r.Label, r.Result.Action)
	if r.Result.ReachesAT() {
		fmt.Fprintf(&b, " state=%s", r.Result.Event.State)
		if r.Result.Event.HasUnichar {
			fmt.Fprintf(&b, " char=%q", r.Result.Event.Unichar)
		}
	}
	if r.Snapshot.PressedModifiers != keysym.EmptyMask() {
		fmt.Fprintf(&b, " held=%s", r.Snapshot.PressedModifiers)
	}
	if r.Err != nil {
		fmt.Fprintf(&b, " FAULT: %v", r.Err)
	}
	for _, f := range r.Failures {
		fmt.Fprintf(&b, "\n      FAIL %s", f)
	}
	return b.String()
}
