package logging

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// AuditEventType identifies a session-level event of the keyboard monitor.
type AuditEventType string

// Audit event types.
const (
	AuditClientAttached AuditEventType = "client_attached"
	AuditClientDetached AuditEventType = "client_detached"
	AuditClientRejected AuditEventType = "client_rejected"
	AuditGrabChanged    AuditEventType = "grab_changed"
	AuditNotifyChanged  AuditEventType = "notify_changed"
	AuditKeyGrabsSet    AuditEventType = "key_grabs_set"
	AuditConfigReloaded AuditEventType = "config_reloaded"
	AuditStartup        AuditEventType = "startup"
	AuditShutdown       AuditEventType = "shutdown"
)

// AuditEvent is one line of the audit log. Key events are never audited;
// only changes to who is listening and what they asked for.
type AuditEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType AuditEventType `json:"event_type"`
	Component string         `json:"component"`
	Client    string         `json:"client,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// AuditConfig configures the audit log file.
type AuditConfig struct {
	FilePath   string
	MaxSize    int64
	MaxAge     int
	MaxBackups int
	Compress   bool
	Component  string
}

// DefaultAuditConfig returns the default audit log settings.
func DefaultAuditConfig() *AuditConfig {
	return &AuditConfig{
		FilePath:   filepath.Join(StateDir(), "audit.log"),
		MaxSize:    10,
		MaxAge:     90,
		MaxBackups: 10,
		Compress:   true,
		Component:  "kbdmon",
	}
}

// AuditLogger appends JSON audit events to a rotating file.
type AuditLogger struct {
	config  *AuditConfig
	rotator *FileRotator
	mu      sync.Mutex
}

// NewAuditLogger opens the audit log.
func NewAuditLogger(cfg *AuditConfig) (*AuditLogger, error) {
	if cfg == nil {
		cfg = DefaultAuditConfig()
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("create audit rotator: %w", err)
	}

	return &AuditLogger{config: cfg, rotator: rotator}, nil
}

// Log writes an audit event. A nil AuditLogger discards events.
func (a *AuditLogger) Log(event AuditEvent) error {
	if a == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Component == "" {
		event.Component = a.config.Component
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	data = append(data, '\n')
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write audit event: %w", err)
	}
	return nil
}

// LogClient records a client attaching, detaching or being rejected.
func (a *AuditLogger) LogClient(kind AuditEventType, client, reason string) error {
	ev := AuditEvent{EventType: kind, Client: client}
	if reason != "" {
		ev.Details = map[string]any{"reason": reason}
	}
	return a.Log(ev)
}

// LogModeChange records a grab or notify toggle.
func (a *AuditLogger) LogModeChange(kind AuditEventType, client string, enabled bool) error {
	return a.Log(AuditEvent{
		EventType: kind,
		Client:    client,
		Details:   map[string]any{"enabled": enabled},
	})
}

// LogKeyGrabs records the size of a SetKeyGrabs update. The keys
// themselves are not written.
func (a *AuditLogger) LogKeyGrabs(client string, modifiers, keystrokes int) error {
	return a.Log(AuditEvent{
		EventType: AuditKeyGrabsSet,
		Client:    client,
		Details:   map[string]any{"modifiers": modifiers, "keystrokes": keystrokes},
	})
}

// Close closes the audit file. A nil AuditLogger is a no-op.
func (a *AuditLogger) Close() error {
	if a == nil {
		return nil
	}
	return a.rotator.Close()
}
