// Package display binds a composition pipeline to every connected output
// of one device and keeps the bindings current across hotplug.
//
// All composition state of the device is guarded by one lock owned by the
// Manager and shared with every per-display commit manager.
package display

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/smazurov/hwcomposer/internal/commit"
	"github.com/smazurov/hwcomposer/internal/events"
	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/tunables"
)

// Options configures a Manager.
type Options struct {
	Logger *slog.Logger
	// ModuleLogger returns the logger for a component ("commit", "vsync",
	// "flatten", "fbimport"). Nil derives them from Logger.
	ModuleLogger func(module string) *slog.Logger
	// Bus receives hotplug, link-status, refresh and commit-failure events.
	Bus *events.Bus
	// UseOverlays lets the planner assign layers to overlay planes.
	UseOverlays bool
	// UseCursor lets the planner assign cursor layers to cursor planes.
	UseCursor bool
	// FenceTimeout bounds present fence waits, see commit.DefaultFenceTimeout.
	FenceTimeout time.Duration
	// FlattenTimeout is the idle time before a flattened frame is requested.
	FlattenTimeout time.Duration
	// SweepThreshold sizes the framebuffer cache, see fbimport.
	SweepThreshold int
	// Gamma is the output gamma exponent, default 1.
	Gamma float64
	// Tunables supplies colour tuning. Nil means neutral.
	Tunables *tunables.Store
	// Shadow copies buffers the display cannot scan out. Optional.
	Shadow commit.ShadowCopier
	// Vsync starts every display with vsync delivery enabled.
	Vsync bool
}

// Manager owns the displays of one device.
type Manager struct {
	dev    *kms.Device
	imp    *fbimport.Importer
	bus    *events.Bus
	opts   Options
	logger *slog.Logger

	// mu is the shared composition lock.
	mu       sync.Mutex
	displays map[uint32]*Display // by connector id
	closed   bool

	unsubscribe func()
}

// NewManager creates a manager for dev. No display is bound until Scan.
func NewManager(dev *kms.Device, opts Options) *Manager {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Bus == nil {
		opts.Bus = events.New()
	}
	if opts.ModuleLogger == nil {
		base := opts.Logger
		opts.ModuleLogger = func(module string) *slog.Logger {
			return base.With("component", module)
		}
	}
	m := &Manager{
		dev:      dev,
		bus:      opts.Bus,
		opts:     opts,
		logger:   opts.Logger,
		displays: make(map[uint32]*Display),
	}
	m.imp = fbimport.New(dev.Driver(), fbimport.Options{
		Logger:         opts.ModuleLogger("fbimport"),
		Modifiers:      dev.HasModifiers(),
		SweepThreshold: opts.SweepThreshold,
	})
	if opts.Tunables != nil {
		m.unsubscribe = opts.Tunables.OnChange(func(tunables.Values) { m.ApplyColor() })
	}
	return m
}

// Importer returns the device's framebuffer cache.
func (m *Manager) Importer() *fbimport.Importer { return m.imp }

// Device returns the managed device.
func (m *Manager) Device() *kms.Device { return m.dev }

// Lock returns the shared composition lock.
func (m *Manager) Lock() sync.Locker { return &m.mu }

// Displays returns the bound displays ordered by connector id.
func (m *Manager) Displays() []*Display {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.displaysLocked()
}

func (m *Manager) displaysLocked() []*Display {
	ids := make([]uint32, 0, len(m.displays))
	for id := range m.displays {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	out := make([]*Display, len(ids))
	for i, id := range ids {
		out[i] = m.displays[id]
	}
	return out
}

// Display returns the display bound to the named connector, or nil.
func (m *Manager) Display(name string) *Display {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.displays {
		if d.name == name {
			return d
		}
	}
	return nil
}

// Scan re-probes every connector, binds a display to each newly connected
// one and unbinds those that went away. Failing to bind one connector does
// not stop the others; the errors are joined.
func (m *Manager) Scan() error {
	bind, unbind, changed, err := m.diff()
	if err != nil {
		return err
	}

	for _, d := range unbind {
		d.shutdown()
		m.publish(events.HotplugEvent{
			Connector:   d.name,
			ConnectorID: d.conn.ID(),
			Action:      events.ActionRemoved,
		})
	}

	var errs []error
	for _, conn := range bind {
		d, err := m.bind(conn)
		if err != nil {
			m.logger.Error("Failed to bind display", "connector", conn.Name(), "error", err)
			errs = append(errs, err)
			continue
		}
		m.publish(events.HotplugEvent{
			Connector:   d.name,
			ConnectorID: conn.ID(),
			Action:      events.ActionAdded,
			Mode:        d.Mode().String(),
		})
	}

	for _, d := range changed {
		d.reprobe()
	}
	return errors.Join(errs...)
}

// diff refreshes connector state under the lock and sorts connectors into
// those to bind, displays to unbind and bound displays to re-check.
func (m *Manager) diff() (bind []*kms.Connector, unbind, changed []*Display, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, nil, nil, ErrClosed
	}

	for _, conn := range m.dev.Connectors() {
		if conn.IsWriteback() {
			continue
		}
		if err := conn.Refresh(); err != nil {
			m.logger.Warn("Failed to refresh connector", "connector", conn.Name(), "error", err)
			continue
		}
		d, bound := m.displays[conn.ID()]
		switch {
		case conn.Connected() && !bound:
			bind = append(bind, conn)
		case !conn.Connected() && bound:
			delete(m.displays, conn.ID())
			unbind = append(unbind, d)
		case bound:
			changed = append(changed, d)
		}
	}
	return bind, unbind, changed, nil
}

func (m *Manager) bind(conn *kms.Connector) (*Display, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	pipe, err := m.dev.BindPipeline(conn, conn.Name())
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}
	d := newDisplay(m, pipe)
	m.displays[conn.ID()] = d
	m.mu.Unlock()

	if err := d.light(); err != nil {
		m.mu.Lock()
		delete(m.displays, conn.ID())
		m.mu.Unlock()
		d.shutdown()
		return nil, fmt.Errorf("light %s: %w", conn.Name(), err)
	}
	return d, nil
}

// ApplyColor re-commits the colour tuning on every display.
func (m *Manager) ApplyColor() {
	for _, d := range m.Displays() {
		if err := d.ApplyColor(); err != nil {
			d.logger.Warn("Failed to apply colour tuning", "error", err)
		}
	}
}

// Close turns every display off and releases all pipelines. The device
// itself is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	displays := m.displaysLocked()
	clear(m.displays)
	m.mu.Unlock()

	if m.unsubscribe != nil {
		m.unsubscribe()
	}
	for _, d := range displays {
		d.shutdown()
	}
	m.logger.Info("Display manager closed", "displays", len(displays))
}

func (m *Manager) color() tunables.Values {
	if m.opts.Tunables == nil {
		return tunables.Defaults()
	}
	return m.opts.Tunables.Values()
}

func (m *Manager) publish(ev events.Event) {
	switch e := ev.(type) {
	case events.HotplugEvent:
		e.Timestamp = now()
		ev = e
	case events.LinkStatusEvent:
		e.Timestamp = now()
		ev = e
	case events.RefreshRequestEvent:
		e.Timestamp = now()
		ev = e
	case events.CommitFailedEvent:
		e.Timestamp = now()
		ev = e
	}
	m.bus.Publish(ev)
}

func now() string {
	return time.Now().Format(time.RFC3339Nano)
}

// HandleHotplug rescans after a hotplug notification. Errors are logged.
func (m *Manager) HandleHotplug() {
	if err := m.Scan(); err != nil && !errors.Is(err, ErrClosed) {
		m.logger.Warn("Hotplug rescan incomplete", "error", err)
	}
}
