package kms

import "github.com/smazurov/hwcomposer/pkg/linuxav/drm"

// Crtc is a timing generator.
type Crtc struct {
	id        uint32
	index     int
	gammaSize uint32
	props     *PropertySet
}

func newCrtc(d *Device, id uint32, index int) (*Crtc, error) {
	info, err := d.drv.Crtc(id)
	if err != nil {
		return nil, err
	}
	props, err := loadProperties(d.drv, id, drm.ObjectCrtc)
	if err != nil {
		return nil, err
	}
	c := &Crtc{id: id, index: index, gammaSize: info.GammaSize, props: props}
	if p := props.Get("GAMMA_LUT_SIZE"); p.Exists() {
		c.gammaSize = uint32(p.Value())
	}
	return c, nil
}

// ID returns the kernel object id.
func (c *Crtc) ID() uint32 { return c.id }

// Index returns the crtc's position in the resource list, used for
// possible-crtc masks and vblank waits.
func (c *Crtc) Index() int { return c.index }

// Mask returns the crtc's bit in possible-crtc masks.
func (c *Crtc) Mask() uint32 { return 1 << c.index }

// GammaLUTSize returns the number of GAMMA_LUT entries, 0 without gamma support.
func (c *Crtc) GammaLUTSize() uint32 {
	if !c.props.Get("GAMMA_LUT").Exists() {
		return 0
	}
	return c.gammaSize
}

// Prop returns a named property.
func (c *Crtc) Prop(name string) *Property { return c.props.Get(name) }

// Properties returns the crtc's property set.
func (c *Crtc) Properties() *PropertySet { return c.props }
