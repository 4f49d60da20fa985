package kms

import (
	"fmt"
	"log/slog"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// DefaultCursorSize is used when the driver does not report cursor caps.
const DefaultCursorSize = 64

// Options configures Open.
type Options struct {
	Logger *slog.Logger
	// AllowScaling lets non-cursor planes take layers whose source and
	// destination sizes differ.
	AllowScaling bool
}

// Device is one opened display controller.
type Device struct {
	drv    Driver
	logger *slog.Logger
	reg    *Registry

	connectors []*Connector
	encoders   []*Encoder
	crtcs      []*Crtc
	planes     []*Plane

	minWidth, maxWidth   uint32
	minHeight, maxHeight uint32
	cursorWidth          uint32
	cursorHeight         uint32
	modifiers            bool
	allowScaling         bool
}

// Open enables atomic modesetting on drv and enumerates its objects.
// The device takes ownership of drv.
func Open(drv Driver, opts Options) (*Device, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	d := &Device{
		drv:          drv,
		logger:       opts.Logger,
		reg:          NewRegistry(),
		allowScaling: opts.AllowScaling,
	}

	if err := drv.SetClientCap(drm.ClientCapUniversalPlanes, 1); err != nil {
		return nil, fmt.Errorf("enable universal planes: %w", err)
	}
	if err := drv.SetClientCap(drm.ClientCapAtomic, 1); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrAtomicUnsupported, err)
	}
	if err := drv.SetClientCap(drm.ClientCapWritebackConnectors, 1); err != nil {
		d.logger.Debug("Writeback connectors unavailable", "error", err)
	}

	if v, err := drv.Capability(drm.CapAddFB2Modifiers); err == nil {
		d.modifiers = v != 0
	}
	d.cursorWidth = capOr(drv, drm.CapCursorWidth, DefaultCursorSize)
	d.cursorHeight = capOr(drv, drm.CapCursorHeight, DefaultCursorSize)

	if err := d.enumerate(); err != nil {
		return nil, err
	}

	d.logger.Info("Opened display device",
		"connectors", len(d.connectors),
		"crtcs", len(d.crtcs),
		"planes", len(d.planes),
		"modifiers", d.modifiers)
	return d, nil
}

func capOr(drv Driver, capability uint64, def uint32) uint32 {
	v, err := drv.Capability(capability)
	if err != nil || v == 0 {
		return def
	}
	return uint32(v)
}

func (d *Device) enumerate() error {
	res, err := d.drv.Resources()
	if err != nil {
		return fmt.Errorf("get resources: %w", err)
	}
	d.minWidth, d.maxWidth = res.MinWidth, res.MaxWidth
	d.minHeight, d.maxHeight = res.MinHeight, res.MaxHeight

	for i, id := range res.Crtcs {
		crtc, err := newCrtc(d, id, i)
		if err != nil {
			return err
		}
		d.crtcs = append(d.crtcs, crtc)
	}
	for _, id := range res.Encoders {
		info, err := d.drv.Encoder(id)
		if err != nil {
			return fmt.Errorf("get encoder %d: %w", id, err)
		}
		d.encoders = append(d.encoders, &Encoder{info: *info})
	}
	for _, id := range res.Connectors {
		conn, err := newConnector(d, id)
		if err != nil {
			return err
		}
		d.connectors = append(d.connectors, conn)
	}

	planeIDs, err := d.drv.PlaneIDs()
	if err != nil {
		return fmt.Errorf("get plane resources: %w", err)
	}
	for _, id := range planeIDs {
		plane, err := newPlane(d, id)
		if err != nil {
			return err
		}
		d.planes = append(d.planes, plane)
	}
	return nil
}

// Driver returns the kernel interface.
func (d *Device) Driver() Driver { return d.drv }

// Registry returns the ownership registry.
func (d *Device) Registry() *Registry { return d.reg }

// Connectors returns the connectors in enumeration order.
func (d *Device) Connectors() []*Connector { return d.connectors }

// Encoders returns the encoders in enumeration order.
func (d *Device) Encoders() []*Encoder { return d.encoders }

// Crtcs returns the crtcs in index order.
func (d *Device) Crtcs() []*Crtc { return d.crtcs }

// Planes returns the planes in enumeration order.
func (d *Device) Planes() []*Plane { return d.planes }

// HasModifiers reports whether ADDFB2 accepts format modifiers.
func (d *Device) HasModifiers() bool { return d.modifiers }

// AllowScaling reports whether non-cursor planes may scale.
func (d *Device) AllowScaling() bool { return d.allowScaling }

// CursorSize returns the largest cursor plane buffer.
func (d *Device) CursorSize() (width, height uint32) {
	return d.cursorWidth, d.cursorHeight
}

// MaxSize returns the largest framebuffer the device accepts.
func (d *Device) MaxSize() (width, height uint32) {
	return d.maxWidth, d.maxHeight
}

// Connector returns the connector with the given id.
func (d *Device) Connector(id uint32) *Connector {
	for _, c := range d.connectors {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Crtc returns the crtc with the given id.
func (d *Device) Crtc(id uint32) *Crtc {
	for _, c := range d.crtcs {
		if c.ID() == id {
			return c
		}
	}
	return nil
}

// Plane returns the plane with the given id.
func (d *Device) Plane(id uint32) *Plane {
	for _, p := range d.planes {
		if p.ID() == id {
			return p
		}
	}
	return nil
}

func (d *Device) encoder(id uint32) *Encoder {
	for _, e := range d.encoders {
		if e.ID() == id {
			return e
		}
	}
	return nil
}

// Commit submits an atomic request.
func (d *Device) Commit(req *drm.AtomicRequest, flags uint32) error {
	return d.drv.AtomicCommit(req, flags)
}

// Close releases the device. Pipelines must be closed first.
func (d *Device) Close() error {
	if held := d.reg.Snapshot(); len(held) > 0 {
		d.logger.Warn("Closing device with leased objects", "count", len(held))
	}
	if err := d.drv.Close(); err != nil {
		return fmt.Errorf("close device: %w", err)
	}
	return nil
}
