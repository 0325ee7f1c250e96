package config

import (
	"errors"
	"fmt"
	"net"
	"regexp"
	"strings"

	"github.com/godbus/dbus/v5"
)

// ErrInvalidConfig is wrapped by every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors is a collection of validation errors.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	msgs := make([]string, 0, len(e))
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// Unwrap lets errors.Is match ErrInvalidConfig.
func (e ValidationErrors) Unwrap() error {
	return ErrInvalidConfig
}

// Fields returns the names of the offending fields.
func (e ValidationErrors) Fields() []string {
	out := make([]string, 0, len(e))
	for _, err := range e {
		out = append(out, err.Field)
	}
	return out
}

// ValidateConfig performs comprehensive validation of the configuration.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	if c.Version < 1 || c.Version > Version {
		errs = append(errs, ValidationError{
			Field:   "version",
			Message: fmt.Sprintf("unsupported version %d (current: %d)", c.Version, Version),
		})
	}

	errs = append(errs, validateBus(&c.Bus)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateJournal(&c.Journal)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// busNameRe matches a D-Bus well-known name: two or more dot-separated
// elements, none starting with a digit.
var busNameRe = regexp.MustCompile(`^[A-Za-z_-][A-Za-z0-9_-]*(\.[A-Za-z_-][A-Za-z0-9_-]*)+$`)

func validateBus(b *BusConfig) ValidationErrors {
	var errs ValidationErrors

	switch b.Type {
	case "session", "system":
	default:
		errs = append(errs, ValidationError{
			Field:   "bus.type",
			Message: fmt.Sprintf("invalid bus type: %s (valid: session, system)", b.Type),
		})
	}

	if len(b.Name) > 255 || !busNameRe.MatchString(b.Name) {
		errs = append(errs, ValidationError{
			Field:   "bus.name",
			Message: fmt.Sprintf("invalid well-known bus name: %q", b.Name),
		})
	}

	if !dbus.ObjectPath(b.Path).IsValid() {
		errs = append(errs, ValidationError{
			Field:   "bus.path",
			Message: fmt.Sprintf("invalid object path: %q", b.Path),
		})
	}

	return errs
}

func validateLogging(l *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch l.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("invalid log level: %s (valid: debug, info, warn, error)", l.Level),
		})
	}

	switch l.Format {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("invalid log format: %s (valid: text, json)", l.Format),
		})
	}

	switch l.Output {
	case "stdout", "stderr":
	case "file", "both":
		if l.FilePath == "" {
			errs = append(errs, ValidationError{
				Field:   "logging.file_path",
				Message: fmt.Sprintf("file path is required when output is '%s'", l.Output),
			})
		}
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("invalid log output: %s (valid: stdout, stderr, file, both)", l.Output),
		})
	}

	if l.MaxSizeMB < 1 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: "max size must be at least 1 MB",
		})
	}
	if l.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: "max backups cannot be negative",
		})
	}
	if l.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: "max age cannot be negative",
		})
	}

	return errs
}

func validateJournal(j *JournalConfig) ValidationErrors {
	var errs ValidationErrors

	if j.Enabled && j.Path == "" {
		errs = append(errs, ValidationError{
			Field:   "journal.path",
			Message: "path is required when the journal is enabled",
		})
	}
	if j.RetentionHours < 0 {
		errs = append(errs, ValidationError{
			Field:   "journal.retention_hours",
			Message: "retention cannot be negative",
		})
	}

	return errs
}

func validateMetrics(m *MetricsConfig) ValidationErrors {
	if !m.Enabled {
		return nil
	}
	if _, _, err := net.SplitHostPort(m.Listen); err != nil {
		return ValidationErrors{{
			Field:   "metrics.listen",
			Message: fmt.Sprintf("invalid listen address %q: %v", m.Listen, err),
		}}
	}
	return nil
}
