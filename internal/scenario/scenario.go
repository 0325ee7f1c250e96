// Package scenario loads scripted key-event scenarios and replays them
// through the classifier.
//
// A scenario is a YAML document: an initial configuration, then a list of
// steps. Each step presses or releases a key, optionally with an expected
// outcome, or changes the configuration mid-run:
//
//	name: modifier chord
//	setup:
//	  client: true
//	  modifiers: [Caps_Lock]
//	events:
//	  - press: Caps_Lock
//	    expect: swallow
//	  - press: h
//	    expect: {action: send_to_at, state: Caps_Lock, char: h}
//	  - set: {grab_all: true}
//
// Documents are checked against an embedded JSON schema before decoding.
package scenario

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"kbdmon/internal/keysym"
	"kbdmon/internal/monitor"
)

//go:embed schema.json
var schemaJSON []byte

const schemaURL = "https://kbdmon.invalid/schema/scenario-v1.schema.json"

// ErrInvalidScenario is wrapped by every load error caused by the
// document's content.
var ErrInvalidScenario = errors.New("invalid scenario")

// Scenario is a decoded scenario document.
type Scenario struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Setup       Settings `yaml:"setup"`
	Events      []Step   `yaml:"events"`
}

// Settings configures the classifier. Nil fields are left unchanged.
type Settings struct {
	Client     *bool            `yaml:"client"`
	GrabAll    *bool            `yaml:"grab_all"`
	NotifyAll  *bool            `yaml:"notify_all"`
	Modifiers  *[]string        `yaml:"modifiers"`
	Keystrokes *[]KeystrokeSpec `yaml:"keystrokes"`
}

// KeystrokeSpec is a keystroke binding in scenario syntax.
type KeystrokeSpec struct {
	Keysym    string `yaml:"keysym"`
	Modifiers string `yaml:"modifiers"`
}

// Step is one scenario step. Exactly one of Press, Release and Set is set.
type Step struct {
	Press   string    `yaml:"press"`
	Release string    `yaml:"release"`
	Set     *Settings `yaml:"set"`
	Expect  *Expect   `yaml:"expect"`
}

// Expect is the expected outcome of a key step. Nil fields are not checked.
type Expect struct {
	Action string `yaml:"action"`
	// State is the modifier mask carried by a forwarded event.
	State *string `yaml:"state"`
	// Char is the forwarded event's character; "" expects none.
	Char             *string `yaml:"char"`
	GrabAll          *bool   `yaml:"grab_all"`
	PressedModifiers *string `yaml:"pressed_modifiers"`
}

// UnmarshalYAML accepts either a bare action name or a mapping.
func (e *Expect) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		e.Action = node.Value
		return nil
	}
	type plain Expect
	return node.Decode((*plain)(e))
}

var (
	compileOnce sync.Once
	compiled    *jsonschema.Schema
	compileErr  error
)

func schema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(schemaURL, bytes.NewReader(schemaJSON)); err != nil {
			compileErr = fmt.Errorf("add schema resource: %w", err)
			return
		}
		compiled, compileErr = compiler.Compile(schemaURL)
	})
	return compiled, compileErr
}

// Validate checks a YAML document against the scenario schema.
func Validate(data []byte) error {
	var doc any
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	// Round-trip through JSON so the validator sees JSON types.
	raw, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	var instance any
	if err := json.Unmarshal(raw, &instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}

	s, err := schema()
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	if err := s.Validate(instance); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	return nil
}

// Parse validates and decodes a scenario document.
func Parse(data []byte) (*Scenario, error) {
	if err := Validate(data); err != nil {
		return nil, err
	}

	var sc Scenario
	if err := yaml.Unmarshal(data, &sc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidScenario, err)
	}
	if err := sc.check(); err != nil {
		return nil, err
	}
	return &sc, nil
}

// Load reads and parses the scenario at path.
func Load(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// check resolves every key and mask once so replay cannot fail on syntax.
func (sc *Scenario) check() error {
	if _, err := sc.Setup.resolve(); err != nil {
		return fmt.Errorf("%w: setup: %v", ErrInvalidScenario, err)
	}
	for i, step := range sc.Events {
		if step.Set != nil {
			if _, err := step.Set.resolve(); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i+1, err)
			}
			continue
		}
		if _, _, err := step.key(); err != nil {
			return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i+1, err)
		}
		if step.Expect != nil {
			if _, err := step.Expect.resolve(); err != nil {
				return fmt.Errorf("%w: step %d: %v", ErrInvalidScenario, i+1, err)
			}
		}
	}
	return nil
}

func (st Step) key() (keysym.Key, bool, error) {
	if st.Release != "" {
		k, err := keysym.Parse(st.Release)
		return k, true, err
	}
	k, err := keysym.Parse(st.Press)
	return k, false, err
}

func parseMask(s string) (keysym.Mask, error) {
	var m keysym.Mask
	err := m.UnmarshalText([]byte(s))
	return m, err
}

type resolvedSettings struct {
	client, grabAll, notifyAll *bool
	modifiers                  []keysym.Key
	setModifiers               bool
	keystrokes                 []monitor.Keystroke
	setKeystrokes              bool
}

func (s Settings) resolve() (resolvedSettings, error) {
	r := resolvedSettings{client: s.Client, grabAll: s.GrabAll, notifyAll: s.NotifyAll}
	if s.Modifiers != nil {
		r.setModifiers = true
		for _, name := range *s.Modifiers {
			k, err := keysym.Parse(name)
			if err != nil {
				return r, err
			}
			r.modifiers = append(r.modifiers, k)
		}
	}
	if s.Keystrokes != nil {
		r.setKeystrokes = true
		for _, ks := range *s.Keystrokes {
			k, err := keysym.Parse(ks.Keysym)
			if err != nil {
				return r, err
			}
			m, err := parseMask(ks.Modifiers)
			if err != nil {
				return r, err
			}
			r.keystrokes = append(r.keystrokes, monitor.Keystroke{Modifiers: m, Keysym: k})
		}
	}
	return r, nil
}

// apply mirrors the order of the D-Bus calls: attaching comes first since
// detaching resets everything else.
func (r resolvedSettings) apply(s *monitor.State) {
	if r.client != nil {
		s.SetClient(*r.client)
	}
	if r.setModifiers {
		s.SetGlobalModifiers(r.modifiers)
	}
	if r.setKeystrokes {
		s.SetKeystrokes(r.keystrokes)
	}
	if r.grabAll != nil {
		s.SetGrabAll(*r.grabAll)
	}
	if r.notifyAll != nil {
		s.SetNotifyAll(*r.notifyAll)
	}
}

type resolvedExpect struct {
	action           *monitor.Action
	state            *keysym.Mask
	char             *string
	grabAll          *bool
	pressedModifiers *keysym.Mask
}

func (e Expect) resolve() (resolvedExpect, error) {
	r := resolvedExpect{char: e.Char, grabAll: e.GrabAll}
	if e.Action != "" {
		a, err := monitor.ParseAction(e.Action)
		if err != nil {
			return r, err
		}
		r.action = &a
	}
	if e.State != nil {
		m, err := parseMask(*e.State)
		if err != nil {
			return r, err
		}
		r.state = &m
	}
	if e.PressedModifiers != nil {
		m, err := parseMask(*e.PressedModifiers)
		if err != nil {
			return r, err
		}
		r.pressedModifiers = &m
	}
	return r, nil
}
