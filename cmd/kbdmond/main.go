// kbdmond is the keyboard monitor daemon.
//
// It owns org.freedesktop.a11y.Manager on D-Bus and implements the
// org.freedesktop.a11y.KeyboardMonitor interface for one assistive
// technology. Key events arrive from a compositor plugin over the bridge
// line protocol, on a Unix socket or on stdin/stdout, and each one is
// answered with "pass" or "drop".
//
// Usage:
//
//	kbdmond [-config path] [-bus session|system] [-socket path] [-stdio]
//
// SIGHUP reloads the configuration; SIGINT and SIGTERM shut down.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/godbus/dbus/v5"
	"golang.org/x/sys/unix"

	"kbdmon/internal/a11y"
	"kbdmon/internal/bridge"
	"kbdmon/internal/config"
	"kbdmon/internal/health"
	"kbdmon/internal/journal"
	"kbdmon/internal/logging"
	"kbdmon/internal/metrics"
)

// Version is set at build time.
var Version = "dev"

func main() {
	configPath := flag.String("config", config.ConfigPath(), "Configuration file")
	busType := flag.String("bus", "", "Bus to own the monitor name on (session or system)")
	socketPath := flag.String("socket", "", "Bridge socket path (overrides config)")
	stdio := flag.Bool("stdio", false, "Serve the bridge protocol on stdin/stdout")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("kbdmond %s\n", Version)
		return
	}

	opts := options{
		configPath: *configPath,
		busType:    *busType,
		socketPath: *socketPath,
		stdio:      *stdio,
	}
	if err := run(opts); err != nil {
		fmt.Fprintf(os.Stderr, "kbdmond: %v\n", err)
		os.Exit(1)
	}
}

type options struct {
	configPath string
	busType    string
	socketPath string
	stdio      bool
}

func (o options) apply(cfg *config.Config) {
	if o.busType != "" {
		cfg.Bus.Type = o.busType
	}
	if o.socketPath != "" {
		cfg.Bridge.SocketPath = o.socketPath
	}
	if o.stdio {
		cfg.Bridge.Stdio = true
	}
}

func run(opts options) error {
	loader := config.NewLoader(opts.configPath)
	defer loader.Close()

	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	opts.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	logger, err := logging.New(loggingConfig(cfg))
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	defer logger.Close()
	logging.SetDefault(logger)

	var audit *logging.AuditLogger
	if cfg.Logging.AuditPath != "" {
		auditCfg := logging.DefaultAuditConfig()
		auditCfg.FilePath = cfg.Logging.AuditPath
		audit, err = logging.NewAuditLogger(auditCfg)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		defer audit.Close()
	}
	audit.Log(logging.AuditEvent{EventType: logging.AuditStartup, Details: map[string]any{"version": Version}})

	registry := metrics.NewRegistry("kbdmon")
	mm := metrics.NewMonitorMetrics(registry)

	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	defer stop()

	var jrnl *journal.Journal
	pruneDone := make(chan struct{})
	if cfg.Journal.Enabled {
		jrnl, err = journal.Open(cfg.Journal.Path)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		jrnl.SetRecordKeys(cfg.Journal.RecordKeys)
		go func() {
			defer close(pruneDone)
			pruneLoop(ctx, jrnl, loader, logger)
		}()
	}

	monOpts := a11y.Options{
		Metrics: mm,
		Logger:  logger.WithComponent("a11y"),
		Audit:   audit,
	}
	if jrnl != nil {
		monOpts.Journal = jrnl
	}
	mon := a11y.NewMonitor(monOpts)
	if jrnl != nil {
		// Runs after the bus and bridge are stopped.
		defer closeJournal(stop, pruneDone, mon, jrnl, logger)
	}

	svc := a11y.NewService(a11y.Config{
		Bus:  cfg.Bus.Type,
		Name: cfg.Bus.Name,
		Path: dbus.ObjectPath(cfg.Bus.Path),
	}, mon, logger.WithComponent("dbus"))
	if err := svc.Start(ctx); err != nil {
		return err
	}
	defer svc.Stop()

	srv := bridge.NewServer(mon, logger.WithComponent("bridge"), mm)
	if cfg.Bridge.SocketPath != "" {
		if err := srv.Listen(cfg.Bridge.SocketPath); err != nil {
			return fmt.Errorf("start bridge: %w", err)
		}
		defer srv.Stop()
	}

	if cfg.Bridge.Stdio {
		go func() {
			if err := srv.Serve(os.Stdin, os.Stdout); err != nil {
				logger.Error("stdio bridge failed", "error", err)
			}
			// The compositor closed the pipe.
			stop()
		}()
	}

	checker := health.NewChecker()
	checker.RegisterFunc("bus", true, health.ConditionCheck(svc.Connected, "bus connection lost"))
	if cfg.Bridge.SocketPath != "" {
		checker.RegisterFunc("bridge", true, health.ConditionCheck(srv.Listening, "bridge socket closed"))
	}
	if jrnl != nil {
		checker.RegisterFunc("journal", false, health.PingCheck(jrnl.Ping))
	}

	if cfg.Metrics.Enabled {
		metricsSrv := serveMetrics(cfg.Metrics.Listen, registry, mm, checker, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			metricsSrv.Shutdown(shutdownCtx)
		}()
	}

	loader.OnChange(func(old, new *config.Config) {
		opts.apply(new)
		applyReload(old, new, logger, jrnl)
		mm.ConfigReloads.Inc()
		audit.Log(logging.AuditEvent{EventType: logging.AuditConfigReloaded})
	})
	if err := loader.Watch(); err != nil {
		logger.Warn("config watch unavailable", "error", err)
	}

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, unix.SIGHUP)
	defer signal.Stop(hup)

	checker.SetReady(true)
	logger.Info("kbdmond started", "version", Version, "bus", cfg.Bus.Type, "socket", cfg.Bridge.SocketPath, "stdio", cfg.Bridge.Stdio)

	for {
		select {
		case <-ctx.Done():
			logger.Info("shutting down")
			audit.Log(logging.AuditEvent{EventType: logging.AuditShutdown})
			if cfg.Bridge.Stdio {
				os.Stdin.Close()
			}
			return nil
		case <-hup:
			if err := loader.Reload(); err != nil {
				logReloadError(logger, err)
			}
		case err := <-loader.Errors():
			logReloadError(logger, err)
		}
	}
}

// logReloadError logs a failed reload, naming the invalid fields when the
// new file did not validate.
func logReloadError(logger *logging.Logger, err error) {
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		logger.Error("config reload rejected", "fields", verrs.Fields(), "error", err)
		return
	}
	logger.Error("config reload failed", "error", err)
}

func loggingConfig(cfg *config.Config) *logging.Config {
	lc := logging.DefaultConfig()
	if level, err := logging.ParseLevel(cfg.Logging.Level); err == nil {
		lc.Level = level
	}
	if format, err := logging.ParseFormat(cfg.Logging.Format); err == nil {
		lc.Format = format
	}
	lc.Output = cfg.Logging.Output
	lc.FilePath = cfg.Logging.FilePath
	lc.MaxSize = cfg.Logging.MaxSizeMB
	lc.MaxBackups = cfg.Logging.MaxBackups
	lc.MaxAge = cfg.Logging.MaxAgeDays
	lc.LogKeys = cfg.Logging.LogKeys
	return lc
}

// applyReload applies the settings that can change without a restart.
func applyReload(old, new *config.Config, logger *logging.Logger, jrnl *journal.Journal) {
	if level, err := logging.ParseLevel(new.Logging.Level); err == nil {
		logger.SetLevel(level)
	}
	if jrnl != nil {
		jrnl.SetRecordKeys(new.Journal.RecordKeys)
	}
	if old.Bus != new.Bus || old.Bridge != new.Bridge || old.Metrics != new.Metrics ||
		old.Journal.Enabled != new.Journal.Enabled || old.Journal.Path != new.Journal.Path {
		logger.Warn("some configuration changes need a restart")
	}
	logger.Info("configuration reloaded", "level", new.Logging.Level)
}

func serveMetrics(addr string, registry *metrics.Registry, mm *metrics.MonitorMetrics, checker *health.Checker, logger *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	checker.RegisterRoutes(mux)
	mux.Handle("/metrics", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mm.UpdateUptime()
		registry.HTTPHandler().ServeHTTP(w, r)
	}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics endpoint failed", "error", err)
		}
	}()
	logger.Info("metrics endpoint listening", "addr", addr)
	return srv
}

// closeJournal cancels the run context, waits for pruning to finish and
// detaches the journal from the monitor before closing it.
func closeJournal(stop context.CancelFunc, pruneDone <-chan struct{}, mon *a11y.Monitor, jrnl *journal.Journal, logger *logging.Logger) {
	stop()
	<-pruneDone
	mon.SetJournal(nil)
	if err := jrnl.Close(); err != nil {
		logger.Warn("failed to close journal", "error", err)
	}
}

func pruneLoop(ctx context.Context, jrnl *journal.Journal, loader *config.Loader, logger *logging.Logger) {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		hours := loader.Config().Journal.RetentionHours
		if hours > 0 {
			n, err := jrnl.Prune(time.Now().Add(-time.Duration(hours) * time.Hour))
			if err != nil {
				logger.Warn("journal prune failed", "error", err)
			} else if n > 0 {
				logger.Debug("journal pruned", "rows", n)
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
