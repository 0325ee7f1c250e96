// Package config handles configuration loading, validation, and hot
// reloading for kbdmon.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// Version is the current configuration schema version.
const Version = 1

// Config holds the complete daemon configuration.
type Config struct {
	// Version is the configuration schema version.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Bus selects the D-Bus connection and the names the monitor owns.
	Bus BusConfig `toml:"bus" json:"bus" yaml:"bus"`

	// Logging configuration.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Journal configuration for the decision journal.
	Journal JournalConfig `toml:"journal" json:"journal" yaml:"journal"`

	// Metrics configuration.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Bridge configures how the compositor feeds key events in.
	Bridge BridgeConfig `toml:"bridge" json:"bridge" yaml:"bridge"`
}

// BusConfig holds D-Bus settings.
type BusConfig struct {
	// Type is "session" or "system".
	Type string `toml:"type" json:"type" yaml:"type"`

	// Name is the well-known name to request.
	Name string `toml:"name" json:"name" yaml:"name"`

	// Path is the object path the interface is exported on.
	Path string `toml:"path" json:"path" yaml:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is "stderr", "stdout", "file" or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the log file used by the "file" and "both" outputs.
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB is the size at which the log file rotates.
	MaxSizeMB int64 `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated files kept.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is how long rotated files are kept.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// LogKeys disables redaction of keysyms and characters in logs.
	LogKeys bool `toml:"log_keys" json:"log_keys" yaml:"log_keys"`

	// AuditPath is the client audit log. Empty disables auditing.
	AuditPath string `toml:"audit_path" json:"audit_path" yaml:"audit_path"`
}

// JournalConfig holds decision journal settings.
type JournalConfig struct {
	// Enabled turns on the SQLite decision journal.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Path is the database file.
	Path string `toml:"path" json:"path" yaml:"path"`

	// RecordKeys stores keysyms alongside decisions. Off by default: the
	// journal then only shows what kind of decisions were made.
	RecordKeys bool `toml:"record_keys" json:"record_keys" yaml:"record_keys"`

	// RetentionHours is how long journal rows are kept. 0 keeps them forever.
	RetentionHours int `toml:"retention_hours" json:"retention_hours" yaml:"retention_hours"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	// Enabled serves Prometheus text metrics on Listen.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// Listen is the TCP address for the metrics endpoint.
	Listen string `toml:"listen" json:"listen" yaml:"listen"`
}

// BridgeConfig holds compositor bridge settings.
type BridgeConfig struct {
	// SocketPath is the Unix socket compositor plugins connect to.
	// Empty disables the socket.
	SocketPath string `toml:"socket_path" json:"socket_path" yaml:"socket_path"`

	// Stdio serves the bridge protocol on stdin/stdout.
	Stdio bool `toml:"stdio" json:"stdio" yaml:"stdio"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Version: Version,
		Bus: BusConfig{
			Type: "session",
			Name: "org.freedesktop.a11y.Manager",
			Path: "/org/freedesktop/a11y/Manager",
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(StateDir(), "kbdmon.log"),
			MaxSizeMB:  20,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Journal: JournalConfig{
			Path:           filepath.Join(StateDir(), "journal.db"),
			RetentionHours: 24,
		},
		Metrics: MetricsConfig{
			Listen: "127.0.0.1:9477",
		},
		Bridge: BridgeConfig{
			SocketPath: filepath.Join(RuntimeDir(), "kbdmon.sock"),
		},
	}
}

// ConfigDir returns $XDG_CONFIG_HOME/kbdmon.
func ConfigDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, "kbdmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "kbdmon")
}

// StateDir returns $XDG_STATE_HOME/kbdmon.
func StateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "kbdmon")
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".local", "state", "kbdmon")
}

// RuntimeDir returns $XDG_RUNTIME_DIR, falling back to the state directory.
func RuntimeDir() string {
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return dir
	}
	return StateDir()
}

// ConfigPath returns the default configuration file path, honoring
// KBDMON_CONFIG.
func ConfigPath() string {
	if p := os.Getenv("KBDMON_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(ConfigDir(), "config.toml")
}

// ApplyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables are prefixed with KBDMON_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("KBDMON_BUS"); v != "" {
		c.Bus.Type = strings.ToLower(v)
	}
	if v := os.Getenv("KBDMON_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("KBDMON_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("KBDMON_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("KBDMON_JOURNAL"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.Journal.Enabled = b
		}
	}
	if v := os.Getenv("KBDMON_JOURNAL_PATH"); v != "" {
		c.Journal.Path = v
	}
	if v := os.Getenv("KBDMON_METRICS_LISTEN"); v != "" {
		c.Metrics.Listen = v
		c.Metrics.Enabled = true
	}
	if v := os.Getenv("KBDMON_SOCKET_PATH"); v != "" {
		c.Bridge.SocketPath = v
	}
}

// Clone returns a copy of the configuration.
func (c *Config) Clone() *Config {
	clone := *c
	return &clone
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}

// EnsureDirectories creates the directories the configured files live in.
func (c *Config) EnsureDirectories() error {
	dirs := []string{filepath.Dir(c.Logging.FilePath)}
	if c.Logging.AuditPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.AuditPath))
	}
	if c.Journal.Enabled {
		dirs = append(dirs, filepath.Dir(c.Journal.Path))
	}
	if c.Bridge.SocketPath != "" {
		dirs = append(dirs, filepath.Dir(c.Bridge.SocketPath))
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return err
		}
	}
	return nil
}
