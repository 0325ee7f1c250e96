package metrics

import (
	"time"
)

// actions mirrors monitor.Action names. It is spelled out here so the
// metrics package does not import the classifier.
var actions = []string{"process_normally", "swallow", "send_to_at", "send_to_at_and_process"}

// MonitorMetrics holds the keyboard monitor's metrics.
type MonitorMetrics struct {
	registry *Registry

	events map[string]*Counter

	ConsistencyFaults *Counter
	SignalsEmitted    *Counter
	SignalErrors      *Counter
	ClientsAttached   *Counter
	ClientsDetached   *Counter
	ClientsRejected   *Counter
	ConfigReloads     *Counter
	JournalErrors     *Counter
	BridgeErrors      *Counter

	ClientAttached *Gauge
	GrabAll        *Gauge
	NotifyAll      *Gauge
	HeldModifiers  *Gauge
	TrackedKeys    *Gauge
	UptimeSeconds  *Gauge

	DispatchLatency *Histogram

	started time.Time
}

// NewMonitorMetrics registers the monitor's metrics in registry.
func NewMonitorMetrics(registry *Registry) *MonitorMetrics {
	if registry == nil {
		registry = NewRegistry("kbdmon")
	}

	m := &MonitorMetrics{
		registry: registry,
		events:   make(map[string]*Counter, len(actions)),
		started:  time.Now(),

		ConsistencyFaults: registry.Counter("consistency_faults_total",
			"Key events that fell through the classifier's transition table", nil),
		SignalsEmitted: registry.Counter("signals_emitted_total",
			"KeyEvent signals sent to the assistive technology", nil),
		SignalErrors: registry.Counter("signal_errors_total",
			"KeyEvent signals that could not be sent", nil),
		ClientsAttached: registry.Counter("clients_attached_total",
			"Assistive technology clients attached", nil),
		ClientsDetached: registry.Counter("clients_detached_total",
			"Assistive technology clients detached", nil),
		ClientsRejected: registry.Counter("clients_rejected_total",
			"Calls rejected because another client is attached", nil),
		ConfigReloads: registry.Counter("config_reloads_total",
			"Successful configuration reloads", nil),
		JournalErrors: registry.Counter("journal_errors_total",
			"Decisions that could not be written to the journal", nil),
		BridgeErrors: registry.Counter("bridge_errors_total",
			"Malformed compositor bridge requests", nil),

		ClientAttached: registry.Gauge("client_attached",
			"1 while an assistive technology is attached", nil),
		GrabAll: registry.Gauge("grab_all",
			"1 while a full keyboard grab is active", nil),
		NotifyAll: registry.Gauge("notify_all",
			"1 while every event is mirrored to the client", nil),
		HeldModifiers: registry.Gauge("held_modifiers",
			"Global modifiers currently held", nil),
		TrackedKeys: registry.Gauge("tracked_keys",
			"Keys pressed under a global modifier awaiting release", nil),
		UptimeSeconds: registry.Gauge("uptime_seconds",
			"Seconds since the monitor started", nil),

		DispatchLatency: registry.Histogram("dispatch_latency_seconds",
			"Time to classify and dispatch one key event", nil, LatencyBuckets),
	}

	for _, a := range actions {
		m.events[a] = registry.Counter("events_total",
			"Key events classified, by action", Labels{"action": a})
	}
	return m
}

// Registry returns the underlying registry.
func (m *MonitorMetrics) Registry() *Registry {
	return m.registry
}

// ObserveEvent counts one classification.
func (m *MonitorMetrics) ObserveEvent(action string, took time.Duration) {
	if c, ok := m.events[action]; ok {
		c.Inc()
	}
	m.DispatchLatency.ObserveDuration(took)
}

// Events returns the number of events classified as action.
func (m *MonitorMetrics) Events(action string) uint64 {
	if c, ok := m.events[action]; ok {
		return c.Value()
	}
	return 0
}

// SetBool sets g to 1 or 0.
func SetBool(g *Gauge, on bool) {
	if on {
		g.Set(1)
	} else {
		g.Set(0)
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *MonitorMetrics) UpdateUptime() {
	m.UptimeSeconds.Set(int64(time.Since(m.started).Seconds()))
}
