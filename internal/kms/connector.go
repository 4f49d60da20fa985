package kms

import (
	"fmt"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Link status enum names.
const (
	LinkStatusGood = "Good"
	LinkStatusBad  = "Bad"
)

// Content protection enum names.
const (
	ContentProtectionUndesired = "Undesired"
	ContentProtectionDesired   = "Desired"
	ContentProtectionEnabled   = "Enabled"
)

// Connector is one display output.
type Connector struct {
	drv   Driver
	info  drm.ConnectorInfo
	props *PropertySet
}

func newConnector(d *Device, id uint32) (*Connector, error) {
	c := &Connector{drv: d.drv, info: drm.ConnectorInfo{ID: id}}
	if err := c.Refresh(); err != nil {
		return nil, err
	}
	return c, nil
}

// Refresh re-reads the connector's status, modes and property values,
// as needed after a hotplug event.
func (c *Connector) Refresh() error {
	info, err := c.drv.Connector(c.info.ID)
	if err != nil {
		return fmt.Errorf("get connector %d: %w", c.info.ID, err)
	}
	c.info = *info
	if c.props == nil {
		c.props, err = loadProperties(c.drv, info.ID, drm.ObjectConnector)
		return err
	}
	return c.props.refresh(c.drv)
}

// ID returns the kernel object id.
func (c *Connector) ID() uint32 { return c.info.ID }

// Name returns the kernel-style name, e.g. HDMI-A-1.
func (c *Connector) Name() string { return c.info.Name() }

// Type returns the DRM connector type.
func (c *Connector) Type() uint32 { return c.info.Type }

// IsWriteback reports whether the connector captures crtc output to memory.
func (c *Connector) IsWriteback() bool { return c.info.Type == drm.ConnectorWriteback }

// Connected reports whether a sink is attached.
func (c *Connector) Connected() bool { return c.info.Connection == drm.Connected }

// Modes returns the sink's modes as last read.
func (c *Connector) Modes() []drm.ModeInfo { return c.info.Modes }

// PhysicalSize returns the sink size in millimetres.
func (c *Connector) PhysicalSize() (width, height uint32) {
	return c.info.MmWidth, c.info.MmHeight
}

// PreferredMode returns the mode flagged preferred, else the first mode.
func (c *Connector) PreferredMode() (drm.ModeInfo, bool) {
	for _, m := range c.info.Modes {
		if m.Type&drm.ModeTypePreferred != 0 {
			return m, true
		}
	}
	if len(c.info.Modes) > 0 {
		return c.info.Modes[0], true
	}
	return drm.ModeInfo{}, false
}

// Encoders returns the ids of encoders able to drive the connector,
// starting with the currently bound one.
func (c *Connector) Encoders() []uint32 {
	ids := make([]uint32, 0, len(c.info.Encoders)+1)
	if c.info.EncoderID != 0 {
		ids = append(ids, c.info.EncoderID)
	}
	for _, id := range c.info.Encoders {
		if id != c.info.EncoderID {
			ids = append(ids, id)
		}
	}
	return ids
}

// LinkStatusBad reports whether the kernel flagged the link as failed.
func (c *Connector) LinkStatusBad() bool {
	p := c.props.Get("link-status")
	name, _ := p.EnumName(p.Value())
	return name == LinkStatusBad
}

// EDID returns the sink's EDID, nil if none.
func (c *Connector) EDID() ([]byte, error) {
	p := c.props.Get("EDID")
	if p.Value() == 0 {
		return nil, nil
	}
	return c.drv.PropertyBlob(uint32(p.Value()))
}

// Prop returns a named property.
func (c *Connector) Prop(name string) *Property { return c.props.Get(name) }

// Properties returns the connector's property set.
func (c *Connector) Properties() *PropertySet { return c.props }

// SetProperty writes a property outside any atomic commit.
func (c *Connector) SetProperty(name string, value uint64) error {
	return c.props.set(c.drv, name, value)
}

// SetEnumProperty writes an enum property by name outside any atomic commit.
func (c *Connector) SetEnumProperty(prop, name string) error {
	v, err := c.props.Get(prop).EnumValue(name)
	if err != nil {
		return err
	}
	return c.props.set(c.drv, prop, v)
}
