package scenario

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"kbdmon/internal/keysym"
	"kbdmon/internal/monitor"
)

func TestTestdataScenariosPass(t *testing.T) {
	files, err := filepath.Glob(filepath.Join("testdata", "*.yaml"))
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, path := range files {
		if strings.HasPrefix(filepath.Base(path), "invalid") {
			continue
		}
		t.Run(filepath.Base(path), func(t *testing.T) {
			sc, err := Load(path)
			require.NoError(t, err)

			report, err := Replay(sc)
			require.NoError(t, err)
			require.Len(t, report.Steps, len(sc.Events))
			for _, st := range report.Failed() {
				t.Errorf("%s", st.Format())
			}
			assert.True(t, report.Passed())
		})
	}
}

func TestInvalidScenarioRejectedBySchema(t *testing.T) {
	_, err := Load(filepath.Join("testdata", "invalid_step.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidScenario))
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		valid bool
	}{
		{"minimal", "name: x\nevents:\n  - press: a\n", true},
		{"numeric keysym", "name: x\nevents:\n  - press: 65509\n", true},
		{"missing name", "events:\n  - press: a\n", false},
		{"no events", "name: x\nevents: []\n", false},
		{"unknown field", "name: x\nfoo: 1\nevents:\n  - press: a\n", false},
		{"unknown action", "name: x\nevents:\n  - press: a\n    expect: explode\n", false},
		{"expect on set", "name: x\nevents:\n  - set: {grab_all: true}\n    expect: swallow\n", false},
		{"empty step", "name: x\nevents:\n  - {}\n", false},
		{"long char", "name: x\nevents:\n  - press: a\n    expect: {char: ab}\n", false},
		{"not yaml", "name: [x\n", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate([]byte(tt.doc))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidScenario))
			}
		})
	}
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := Parse([]byte("name: x\nevents:\n  - press: NotAKeyName\n"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidScenario))
	assert.Contains(t, err.Error(), "step 1")
}

func TestExpectForms(t *testing.T) {
	sc, err := Parse([]byte(`
name: forms
events:
  - press: a
    expect: process_normally
  - press: b
    expect:
      action: process_normally
      grab_all: false
`))
	require.NoError(t, err)
	require.Len(t, sc.Events, 2)
	assert.Equal(t, "process_normally", sc.Events[0].Expect.Action)
	assert.Equal(t, "process_normally", sc.Events[1].Expect.Action)
	require.NotNil(t, sc.Events[1].Expect.GrabAll)
	assert.False(t, *sc.Events[1].Expect.GrabAll)
}

func TestReplayReportsFailures(t *testing.T) {
	sc, err := Parse([]byte(`
name: wrong expectation
setup:
  client: true
  modifiers: [Caps_Lock]
events:
  - press: Caps_Lock
    expect: process_normally
  - press: h
    expect: {action: send_to_at, char: x}
  - release: Caps_Lock
    expect: {state: Caps_Lock}
`))
	require.NoError(t, err)

	report, err := Replay(sc)
	require.NoError(t, err)
	assert.False(t, report.Passed())

	failed := report.Failed()
	require.Len(t, failed, 3)
	assert.Contains(t, failed[0].Failures[0], "action")
	assert.Contains(t, failed[1].Failures[0], "char")
	assert.Contains(t, failed[2].Failures[0], "forwarded event")
	assert.Contains(t, failed[0].Format(), "FAIL")
}

func TestReplayOnExistingState(t *testing.T) {
	s := monitor.NewState()
	s.SetClient(true)
	s.SetGlobalModifiers([]keysym.Key{keysym.CapsLock})

	sc, err := Parse([]byte("name: x\nevents:\n  - press: Caps_Lock\n    expect: swallow\n"))
	require.NoError(t, err)

	report, err := ReplayOn(s, sc)
	require.NoError(t, err)
	assert.True(t, report.Passed())
	assert.Equal(t, keysym.MaskOf(keysym.CapsLock), s.PressedModifiers())
}

func TestStepFormat(t *testing.T) {
	sc, err := Parse([]byte(`
name: format
setup:
  client: true
  modifiers: [Caps_Lock]
events:
  - press: Caps_Lock
  - press: H
  - set: {grab_all: true}
`))
	require.NoError(t, err)
	report, err := Replay(sc)
	require.NoError(t, err)

	assert.Contains(t, report.Steps[0].Format(), "swallow")
	assert.Contains(t, report.Steps[1].Format(), "send_to_at state=")
	assert.Contains(t, report.Steps[1].Format(), `char='H'`)
	assert.Contains(t, report.Steps[2].Format(), "set client=true grab_all=true")
}
