package a11y

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
	"github.com/godbus/dbus/v5/introspect"

	"kbdmon/internal/keysym"
	"kbdmon/internal/logging"
	"kbdmon/internal/monitor"
)

// D-Bus names of the keyboard monitor.
const (
	BusName                    = "org.freedesktop.a11y.Manager"
	ObjectPath dbus.ObjectPath = "/org/freedesktop/a11y/Manager"
	Interface                  = "org.freedesktop.a11y.KeyboardMonitor"
	KeyEventMember             = "KeyEvent"

	errAccessDenied = "org.freedesktop.DBus.Error.AccessDenied"
	errFailed       = "org.freedesktop.DBus.Error.Failed"
)

// Config configures a Service.
type Config struct {
	// Bus is "session" or "system".
	Bus  string
	Name string
	Path dbus.ObjectPath
}

// DefaultServiceConfig returns the well-known names on the session bus.
func DefaultServiceConfig() Config {
	return Config{Bus: "session", Name: BusName, Path: ObjectPath}
}

// Service exports a Monitor on D-Bus.
type Service struct {
	config  Config
	monitor *Monitor
	logger  *logging.Logger

	mu      sync.RWMutex
	conn    *dbus.Conn
	signals chan *dbus.Signal
	done    chan struct{}
	wg      sync.WaitGroup
}

// NewService creates a Service for m. Call Start to connect.
func NewService(cfg Config, m *Monitor, logger *logging.Logger) *Service {
	if cfg.Name == "" {
		cfg.Name = BusName
	}
	if cfg.Path == "" {
		cfg.Path = ObjectPath
	}
	if logger == nil {
		logger = logging.Default().WithComponent("dbus")
	}
	return &Service{config: cfg, monitor: m, logger: logger}
}

func connect(bus string) (*dbus.Conn, error) {
	switch bus {
	case "system":
		return dbus.ConnectSystemBus()
	case "session", "":
		return dbus.ConnectSessionBus()
	default:
		return nil, fmt.Errorf("unknown bus type: %s", bus)
	}
}

// Start connects to the bus, exports the interface, claims the well-known
// name and starts watching for the client to vanish.
func (s *Service) Start(ctx context.Context) error {
	conn, err := connect(s.config.Bus)
	if err != nil {
		return fmt.Errorf("failed to connect to %s bus: %w", s.config.Bus, err)
	}

	if err := s.export(conn); err != nil {
		conn.Close()
		return err
	}

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath("/org/freedesktop/DBus"),
		dbus.WithMatchInterface("org.freedesktop.DBus"),
		dbus.WithMatchMember("NameOwnerChanged"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("failed to watch name owners: %w", err)
	}

	reply, err := conn.RequestName(s.config.Name, dbus.NameFlagDoNotQueue)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to request bus name: %w", err)
	}
	if reply != dbus.RequestNameReplyPrimaryOwner {
		conn.Close()
		return errors.New("bus name already taken")
	}

	s.mu.Lock()
	s.conn = conn
	s.signals = make(chan *dbus.Signal, 16)
	s.done = make(chan struct{})
	s.mu.Unlock()
	conn.Signal(s.signals)
	s.monitor.SetEmitter(s)

	s.wg.Add(1)
	go s.watchOwners(ctx)

	s.logger.Info("keyboard monitor exported", "bus", s.config.Bus, "name", s.config.Name, "path", string(s.config.Path))
	return nil
}

func (s *Service) export(conn *dbus.Conn) error {
	obj := &keyboardMonitor{monitor: s.monitor}
	if err := conn.Export(obj, s.config.Path, Interface); err != nil {
		return fmt.Errorf("failed to export %s: %w", Interface, err)
	}

	node := &introspect.Node{
		Name: string(s.config.Path),
		Interfaces: []introspect.Interface{
			introspect.IntrospectData,
			{
				Name:    Interface,
				Methods: introspect.Methods(obj),
				Signals: []introspect.Signal{keyEventSignal},
			},
		},
	}
	if err := conn.Export(introspect.NewIntrospectable(node), s.config.Path, "org.freedesktop.DBus.Introspectable"); err != nil {
		return fmt.Errorf("failed to export introspection: %w", err)
	}
	return nil
}

var keyEventSignal = introspect.Signal{
	Name: KeyEventMember,
	Args: []introspect.Arg{
		{Name: "released", Type: "b"},
		{Name: "state", Type: "u"},
		{Name: "keysym", Type: "u"},
		{Name: "unichar", Type: "u"},
		{Name: "keycode", Type: "q"},
	},
}

// Connected reports whether the service holds a bus connection.
func (s *Service) Connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.conn != nil && s.conn.Connected()
}

// Stop releases the bus connection.
func (s *Service) Stop() error {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn == nil {
		return nil
	}

	s.monitor.SetEmitter(nil)
	conn.RemoveSignal(s.signals)
	err := conn.Close()
	close(s.done)
	s.wg.Wait()
	return err
}

func (s *Service) watchOwners(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		case sig := <-s.signals:
			s.handleSignal(sig)
		}
	}
}

func (s *Service) handleSignal(sig *dbus.Signal) {
	if sig == nil || sig.Name != "org.freedesktop.DBus.NameOwnerChanged" || len(sig.Body) != 3 {
		return
	}
	name, _ := sig.Body[0].(string)
	newOwner, _ := sig.Body[2].(string)
	if newOwner != "" {
		return
	}
	if s.monitor.ClientVanished(name) {
		s.logger.Info("client vanished from bus", "client", name)
	}
}

// EmitKeyEvent sends the KeyEvent signal to client only.
func (s *Service) EmitKeyEvent(client string, ev monitor.KeyEvent) error {
	s.mu.RLock()
	conn := s.conn
	s.mu.RUnlock()
	if conn == nil {
		return errors.New("not connected")
	}
	call := conn.Send(keyEventMessage(s.config.Path, client, ev), nil)
	return call.Err
}

func keyEventMessage(path dbus.ObjectPath, client string, ev monitor.KeyEvent) *dbus.Message {
	body := []interface{}{
		ev.Release,
		uint32(ev.State),
		uint32(ev.Keysym),
		uint32(ev.UnicharOrZero()),
		ev.Keycode,
	}
	return &dbus.Message{
		Type: dbus.TypeSignal,
		Headers: map[dbus.HeaderField]dbus.Variant{
			dbus.FieldPath:        dbus.MakeVariant(path),
			dbus.FieldInterface:   dbus.MakeVariant(Interface),
			dbus.FieldMember:      dbus.MakeVariant(KeyEventMember),
			dbus.FieldDestination: dbus.MakeVariant(client),
			dbus.FieldSignature:   dbus.MakeVariant(dbus.SignatureOf(body...)),
		},
		Body: body,
	}
}

// KeystrokeTuple is the wire form of a keystroke binding: (keysym, mask).
type KeystrokeTuple struct {
	Keysym    uint32
	Modifiers uint32
}

// keyboardMonitor is the exported method set. Every method receives the
// caller's unique name.
type keyboardMonitor struct {
	monitor *Monitor
}

func (k *keyboardMonitor) GrabKeyboard(sender dbus.Sender) *dbus.Error {
	return toDBusError(k.monitor.GrabKeyboard(string(sender)))
}

func (k *keyboardMonitor) UngrabKeyboard(sender dbus.Sender) *dbus.Error {
	return toDBusError(k.monitor.UngrabKeyboard(string(sender)))
}

func (k *keyboardMonitor) WatchKeyboard(sender dbus.Sender) *dbus.Error {
	return toDBusError(k.monitor.WatchKeyboard(string(sender)))
}

func (k *keyboardMonitor) UnwatchKeyboard(sender dbus.Sender) *dbus.Error {
	return toDBusError(k.monitor.UnwatchKeyboard(string(sender)))
}

func (k *keyboardMonitor) SetKeyGrabs(sender dbus.Sender, modifiers []uint32, keystrokes []KeystrokeTuple) *dbus.Error {
	mods := make([]keysym.Key, len(modifiers))
	for i, m := range modifiers {
		mods[i] = keysym.Key(m)
	}
	bindings := make([]monitor.Keystroke, len(keystrokes))
	for i, ks := range keystrokes {
		bindings[i] = monitor.Keystroke{
			Modifiers: keysym.Mask(ks.Modifiers),
			Keysym:    keysym.Key(ks.Keysym),
		}
	}
	return toDBusError(k.monitor.SetKeyGrabs(string(sender), mods, bindings))
}

func toDBusError(err error) *dbus.Error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrAccessDenied):
		return dbus.NewError(errAccessDenied, []interface{}{err.Error()})
	default:
		return dbus.NewError(errFailed, []interface{}{err.Error()})
	}
}
