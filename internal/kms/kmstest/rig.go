//go:build linux

package kmstest

import "github.com/smazurov/hwcomposer/pkg/linuxav/drm"

// Rig is a card populated like a typical single-output atomic driver.
type Rig struct {
	*Card
	Crtc      uint32
	Encoder   uint32
	Connector uint32
	Primary   uint32
	Overlays  []uint32
	Cursor    uint32
}

// Tiled is a vendor modifier the rig planes accept besides linear.
const Tiled uint64 = 0x0100000000000001

// RigFormats are the formats every rig plane scans out.
var RigFormats = []uint32{
	drm.FormatXRGB8888,
	drm.FormatARGB8888,
	drm.FormatXBGR8888,
	drm.FormatABGR8888,
	drm.FormatRGB565,
}

// NewRig creates one 1920x1080@60 HDMI output with a primary plane, two
// overlays and a cursor plane.
func NewRig() *Rig {
	c := New()
	r := &Rig{Card: c}
	r.Crtc = c.AddCrtc()
	r.Encoder = c.AddEncoder(1)
	r.Connector = c.AddConnector(drm.ConnectorHDMIA, []uint32{r.Encoder},
		Mode(1920, 1080, 60), Mode(1280, 720, 60))

	mods := make(map[uint32][]uint64)
	for _, f := range RigFormats {
		mods[f] = []uint64{drm.ModifierLinear, Tiled}
	}
	spec := PlaneSpec{
		PossibleCrtcs: 1,
		Formats:       RigFormats,
		Modifiers:     mods,
		Alpha:         true,
		Blend:         true,
		Rotations:     []uint64{Rotate0, Rotate180, ReflectX, ReflectY},
	}

	primary := spec
	primary.Type = PlanePrimary
	primary.ZPos = []uint64{0, 0}
	primary.ImmutableZPos = true
	r.Primary = c.AddPlane(primary)

	for i := range 2 {
		overlay := spec
		overlay.Type = PlaneOverlay
		overlay.ZPos = []uint64{uint64(i + 1), 3}
		r.Overlays = append(r.Overlays, c.AddPlane(overlay))
	}

	cursor := spec
	cursor.Type = PlaneCursor
	cursor.Formats = []uint32{drm.FormatARGB8888}
	cursor.Modifiers = nil
	cursor.ZPos = []uint64{3, 3}
	cursor.ImmutableZPos = true
	cursor.Rotations = nil
	r.Cursor = c.AddPlane(cursor)
	return r
}
