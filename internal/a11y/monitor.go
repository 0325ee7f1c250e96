// Package a11y implements the org.freedesktop.a11y.KeyboardMonitor service.
//
// A Monitor owns the classifier state and serializes every access to it:
// configuration calls made on behalf of the assistive technology (AT) and
// key events delivered by the compositor. A Service exposes the Monitor on
// D-Bus and delivers forwarded events as unicast KeyEvent signals.
package a11y

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"kbdmon/internal/journal"
	"kbdmon/internal/keysym"
	"kbdmon/internal/logging"
	"kbdmon/internal/metrics"
	"kbdmon/internal/monitor"
)

// ErrAccessDenied is returned when a second AT calls the service while
// another one is attached.
var ErrAccessDenied = errors.New("another client is attached")

// Emitter delivers a forwarded key event to the attached client.
type Emitter interface {
	EmitKeyEvent(client string, ev monitor.KeyEvent) error
}

// Recorder persists classification decisions.
type Recorder interface {
	Record(e journal.Entry) (int64, error)
}

// Options configures a Monitor. Every field is optional.
type Options struct {
	Emitter Emitter
	Journal Recorder
	Metrics *metrics.MonitorMetrics
	Logger  *logging.Logger
	Audit   *logging.AuditLogger
}

// Monitor is the keyboard monitor shared by the D-Bus service and the
// compositor bridge.
type Monitor struct {
	mu     sync.Mutex
	state  *monitor.State
	client string

	emitter Emitter
	journal Recorder
	metrics *metrics.MonitorMetrics
	logger  *logging.Logger
	audit   *logging.AuditLogger

	now func() time.Time
}

// NewMonitor creates a Monitor with no client attached.
func NewMonitor(opts Options) *Monitor {
	m := &Monitor{
		state:   monitor.NewState(),
		emitter: opts.Emitter,
		journal: opts.Journal,
		metrics: opts.Metrics,
		logger:  opts.Logger,
		audit:   opts.Audit,
		now:     time.Now,
	}
	if m.metrics == nil {
		m.metrics = metrics.NewMonitorMetrics(nil)
	}
	if m.logger == nil {
		m.logger = logging.Default().WithComponent("a11y")
	}
	return m
}

// SetEmitter replaces the emitter. The D-Bus service installs itself here
// once the bus connection is up.
func (m *Monitor) SetEmitter(e Emitter) {
	m.mu.Lock()
	m.emitter = e
	m.mu.Unlock()
}

// SetJournal replaces the decision journal. Nil stops journaling.
func (m *Monitor) SetJournal(r Recorder) {
	m.mu.Lock()
	m.journal = r
	m.mu.Unlock()
}

// Client returns the unique bus name of the attached client, or "".
func (m *Monitor) Client() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// Snapshot returns a copy of the classifier state.
func (m *Monitor) Snapshot() monitor.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Snapshot()
}

// Metrics returns the monitor's metrics.
func (m *Monitor) Metrics() *metrics.MonitorMetrics {
	return m.metrics
}

// authorize attaches sender if no client is attached, and rejects any
// other sender while one is. Must be called with m.mu held.
func (m *Monitor) authorize(sender string) error {
	switch m.client {
	case sender:
		return nil
	case "":
		m.client = sender
		m.state.SetClient(true)
		m.metrics.ClientsAttached.Inc()
		m.logger.Info("client attached", "client", sender)
		m.auditErr(m.audit.LogClient(logging.AuditClientAttached, sender, ""))
		return nil
	default:
		m.metrics.ClientsRejected.Inc()
		m.logger.Warn("rejected call from second client", "client", sender, "attached", m.client)
		m.auditErr(m.audit.LogClient(logging.AuditClientRejected, sender, "client "+m.client+" attached"))
		return fmt.Errorf("%w: %s", ErrAccessDenied, m.client)
	}
}

// detach drops the client and resets the state. Must be called with m.mu held.
func (m *Monitor) detach(reason string) {
	client := m.client
	m.client = ""
	m.state.SetClient(false)
	m.metrics.ClientsDetached.Inc()
	m.logger.Info("client detached", "client", client, "reason", reason)
	m.auditErr(m.audit.LogClient(logging.AuditClientDetached, client, reason))
}

// WatchKeyboard attaches sender and mirrors every key event to it.
func (m *Monitor) WatchKeyboard(sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(sender); err != nil {
		return err
	}
	m.state.SetNotifyAll(true)
	m.auditErr(m.audit.LogModeChange(logging.AuditNotifyChanged, sender, true))
	m.updateGauges()
	return nil
}

// UnwatchKeyboard detaches sender and resets the state. It is a no-op when
// no client is attached.
func (m *Monitor) UnwatchKeyboard(sender string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == "" {
		return nil
	}
	if err := m.authorize(sender); err != nil {
		return err
	}
	m.detach("unwatch")
	m.updateGauges()
	return nil
}

// GrabKeyboard sends every key event to sender instead of the compositor.
func (m *Monitor) GrabKeyboard(sender string) error {
	return m.setGrab(sender, true)
}

// UngrabKeyboard ends a grab started by GrabKeyboard.
func (m *Monitor) UngrabKeyboard(sender string) error {
	return m.setGrab(sender, false)
}

func (m *Monitor) setGrab(sender string, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(sender); err != nil {
		return err
	}
	m.state.SetGrabAll(on)
	m.auditErr(m.audit.LogModeChange(logging.AuditGrabChanged, sender, on))
	m.updateGauges()
	return nil
}

// SetKeyGrabs replaces the global modifiers and keystroke bindings.
func (m *Monitor) SetKeyGrabs(sender string, modifiers []keysym.Key, keystrokes []monitor.Keystroke) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.authorize(sender); err != nil {
		return err
	}
	for _, k := range modifiers {
		if k != keysym.NoSymbol && !k.IsModifier() {
			m.logger.Debug("global modifier is not a modifier keysym", "client", sender, "keysym", k.String())
		}
	}
	m.state.SetGlobalModifiers(modifiers)
	m.state.SetKeystrokes(keystrokes)
	m.logger.Debug("key grabs set", "client", sender, "modifiers", len(modifiers), "keystrokes", len(keystrokes))
	m.auditErr(m.audit.LogKeyGrabs(sender, len(modifiers), len(keystrokes)))
	m.updateGauges()
	return nil
}

// ClientVanished resets the state if name is the attached client.
func (m *Monitor) ClientVanished(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" || name != m.client {
		return false
	}
	m.detach("vanished")
	m.updateGauges()
	return true
}

// HandleKey classifies one key event from the compositor, forwards it to
// the client when the decision says so and reports whether the compositor
// should process the key itself.
func (m *Monitor) HandleKey(key keysym.Key, release bool, keycode uint16) bool {
	start := m.now()

	m.mu.Lock()
	res, err := m.state.Process(key, release)
	if err != nil {
		m.metrics.ConsistencyFaults.Inc()
		m.logger.Error("classifier consistency fault", "error", err, "keysym", key.String(), "release", release)
	}
	if res.ReachesAT() {
		res.Event = res.Event.WithKeycode(keycode)
		m.emit(res.Event)
	}
	m.updateGauges()
	rec := m.journal
	m.mu.Unlock()

	m.logger.Debug("key classified", "keysym", key.String(), "release", release, "action", res.Action.String())
	m.record(rec, start, key, release, res)
	m.metrics.ObserveEvent(res.Action.String(), m.now().Sub(start))

	return res.ReachesCompositor()
}

// emit must be called with m.mu held so signals leave in event order.
func (m *Monitor) emit(ev monitor.KeyEvent) {
	if m.emitter == nil || m.client == "" {
		return
	}
	if err := m.emitter.EmitKeyEvent(m.client, ev); err != nil {
		m.metrics.SignalErrors.Inc()
		m.logger.Warn("failed to emit key event", "client", m.client, "error", err)
		return
	}
	m.metrics.SignalsEmitted.Inc()
}

func (m *Monitor) record(rec Recorder, at time.Time, key keysym.Key, release bool, res monitor.Result) {
	if rec == nil {
		return
	}
	if _, err := rec.Record(journal.EntryFromResult(at, key, release, res)); err != nil {
		m.metrics.JournalErrors.Inc()
		m.logger.Warn("failed to journal decision", "error", err)
	}
}

// updateGauges must be called with m.mu held.
func (m *Monitor) updateGauges() {
	snap := m.state.Snapshot()
	metrics.SetBool(m.metrics.ClientAttached, snap.HasClient)
	metrics.SetBool(m.metrics.GrabAll, snap.GrabAll)
	metrics.SetBool(m.metrics.NotifyAll, snap.NotifyAll)
	m.metrics.HeldModifiers.Set(int64(len(snap.HeldModifiers)))
	m.metrics.TrackedKeys.Set(int64(len(snap.Pressed)))
}

func (m *Monitor) auditErr(err error) {
	if err != nil {
		m.logger.Warn("failed to write audit event", "error", err)
	}
}
