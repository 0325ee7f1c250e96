package config

import (
	"errors"
	"os"
	"path/filepath"
	"slices"
	"testing"
	"time"
)

func writeConfig(t *testing.T, path, level string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("[logging]\nlevel = \""+level+"\"\n"), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Version != Version {
		t.Errorf("expected version %d, got %d", Version, cfg.Version)
	}
	if cfg.Bus.Name != "org.freedesktop.a11y.Manager" || cfg.Bus.Path != "/org/freedesktop/a11y/Manager" {
		t.Errorf("unexpected bus defaults %+v", cfg.Bus)
	}
	if cfg.Journal.Enabled || cfg.Journal.RecordKeys || cfg.Logging.LogKeys {
		t.Error("journaling and key logging must be off by default")
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"bad version", func(c *Config) { c.Version = 99 }, "version"},
		{"bad bus type", func(c *Config) { c.Bus.Type = "starter" }, "bus.type"},
		{"bad bus name", func(c *Config) { c.Bus.Name = "nodots" }, "bus.name"},
		{"bus name digit element", func(c *Config) { c.Bus.Name = "org.1bad" }, "bus.name"},
		{"bad object path", func(c *Config) { c.Bus.Path = "org/freedesktop" }, "bus.path"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"bad output", func(c *Config) { c.Logging.Output = "syslog" }, "logging.output"},
		{"file without path", func(c *Config) { c.Logging.Output = "file"; c.Logging.FilePath = "" }, "logging.file_path"},
		{"tiny log", func(c *Config) { c.Logging.MaxSizeMB = 0 }, "logging.max_size_mb"},
		{"journal without path", func(c *Config) { c.Journal.Enabled = true; c.Journal.Path = "" }, "journal.path"},
		{"negative retention", func(c *Config) { c.Journal.RetentionHours = -1 }, "journal.retention_hours"},
		{"bad metrics address", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Listen = "nope" }, "metrics.listen"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Fatalf("expected ErrInvalidConfig, got %v", err)
			}

			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			if !slices.Contains(verrs.Fields(), tt.field) {
				t.Errorf("expected field %s in %v", tt.field, verrs.Fields())
			}
		})
	}
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Bus != DefaultConfig().Bus {
		t.Errorf("expected default bus, got %+v", cfg.Bus)
	}
}

func TestLoadFormats(t *testing.T) {
	files := map[string]string{
		"config.toml": `
version = 1
[bus]
type = "system"
[logging]
level = "debug"
[journal]
enabled = true
record_keys = true
`,
		"config.json": `{"version": 1, "bus": {"type": "system"}, "logging": {"level": "debug"}, "journal": {"enabled": true, "record_keys": true}}`,
		"config.yaml": `
version: 1
bus:
  type: system
logging:
  level: debug
journal:
  enabled: true
  record_keys: true
`,
		"config": `
version = 1
[bus]
type = "system"
[logging]
level = "debug"
[journal]
enabled = true
record_keys = true
`,
	}

	for name, body := range files {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), name)
			if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
				t.Fatalf("write config: %v", err)
			}

			cfg, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if cfg.Bus.Type != "system" || cfg.Logging.Level != "debug" {
				t.Errorf("file values not applied: bus=%s level=%s", cfg.Bus.Type, cfg.Logging.Level)
			}
			if !cfg.Journal.Enabled || !cfg.Journal.RecordKeys {
				t.Errorf("journal settings not applied: %+v", cfg.Journal)
			}
			// Unset fields keep their defaults.
			if cfg.Bus.Name != "org.freedesktop.a11y.Manager" || cfg.Logging.MaxSizeMB != 20 {
				t.Errorf("defaults lost: name=%s max_size_mb=%d", cfg.Bus.Name, cfg.Logging.MaxSizeMB)
			}
		})
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "loud")

	if _, err := Load(path); !errors.Is(err, ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig, got %v", err)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("KBDMON_BUS", "SYSTEM")
	t.Setenv("KBDMON_LOG_LEVEL", "warn")
	t.Setenv("KBDMON_JOURNAL", "true")
	t.Setenv("KBDMON_METRICS_LISTEN", "127.0.0.1:9999")

	cfg := DefaultConfig()
	cfg.ApplyEnvOverrides()

	if cfg.Bus.Type != "system" {
		t.Errorf("expected system bus, got %s", cfg.Bus.Type)
	}
	if cfg.Logging.Level != "warn" {
		t.Errorf("expected warn, got %s", cfg.Logging.Level)
	}
	if !cfg.Journal.Enabled || !cfg.Metrics.Enabled {
		t.Error("journal and metrics should be enabled")
	}
	if cfg.Metrics.Listen != "127.0.0.1:9999" {
		t.Errorf("unexpected metrics address %s", cfg.Metrics.Listen)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("overridden config invalid: %v", err)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	for _, name := range []string{"config.toml", "config.json", "config.yaml"} {
		t.Run(name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "nested", name)
			cfg := DefaultConfig()
			cfg.Logging.Level = "error"
			cfg.Journal.RetentionHours = 48

			if err := SaveConfig(cfg, path); err != nil {
				t.Fatalf("save: %v", err)
			}
			loaded, err := Load(path)
			if err != nil {
				t.Fatalf("load: %v", err)
			}
			if *loaded != *cfg {
				t.Errorf("round trip mismatch:\n got %+v\nwant %+v", loaded, cfg)
			}
		})
	}
}

func TestLoadOrCreate(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	cfg, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("first LoadOrCreate: %v", err)
	}
	if !created {
		t.Error("expected the file to be created")
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("config file missing: %v", err)
	}

	again, created, err := LoadOrCreate(path)
	if err != nil {
		t.Fatalf("second LoadOrCreate: %v", err)
	}
	if created {
		t.Error("expected the existing file to be loaded")
	}
	if *again != *cfg {
		t.Errorf("reloaded config differs:\n got %+v\nwant %+v", again, cfg)
	}
}

func TestLoaderReloadKeepsOldOnError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "info")

	l := NewLoader(path)
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	var seen []string
	l.OnChange(func(old, new *Config) {
		seen = append(seen, old.Logging.Level+"->"+new.Logging.Level)
	})

	writeConfig(t, path, "debug")
	if err := l.Reload(); err != nil {
		t.Fatalf("reload: %v", err)
	}
	if got := l.Config().Logging.Level; got != "debug" {
		t.Errorf("expected debug, got %s", got)
	}

	writeConfig(t, path, "loud")
	err := l.Reload()
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	var verrs ValidationErrors
	if !errors.As(err, &verrs) || !slices.Equal(verrs.Fields(), []string{"logging.level"}) {
		t.Errorf("expected logging.level to be reported, got %v", err)
	}
	if got := l.Config().Logging.Level; got != "debug" {
		t.Errorf("invalid reload replaced the config: %s", got)
	}

	if !slices.Equal(seen, []string{"info->debug"}) {
		t.Errorf("unexpected callbacks %v", seen)
	}
}

func TestLoaderConfigReturnsCopy(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "info")

	l := NewLoader(path)
	defer l.Close()
	if l.Config() != nil {
		t.Fatal("expected nil before Load")
	}
	if _, err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	cfg := l.Config()
	cfg.Logging.Level = "error"
	if got := l.Config().Logging.Level; got != "info" {
		t.Errorf("caller mutation leaked into the loader: %s", got)
	}
}

func TestLoaderWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	writeConfig(t, path, "info")

	l := NewLoader(path)
	l.debounce = 10 * time.Millisecond
	defer l.Close()
	if _, err := l.Load(); err != nil {
		t.Fatalf("load: %v", err)
	}

	changed := make(chan *Config, 4)
	l.OnChange(func(_, new *Config) { changed <- new })
	if err := l.Watch(); err != nil {
		t.Fatalf("watch: %v", err)
	}

	writeConfig(t, path, "warn")

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "warn" {
			t.Errorf("expected warn, got %s", cfg.Logging.Level)
		}
	case err := <-l.Errors():
		t.Fatalf("watch error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}
}
