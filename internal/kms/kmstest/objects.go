//go:build linux

package kmstest

import (
	"fmt"
	"slices"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// Plane type enum values as the kernel defines them.
const (
	PlaneOverlay uint64 = 0
	PlanePrimary uint64 = 1
	PlaneCursor  uint64 = 2
)

// Rotation bit positions of the plane "rotation" bitmask property.
const (
	Rotate0   uint64 = 0
	Rotate90  uint64 = 1
	Rotate180 uint64 = 2
	Rotate270 uint64 = 3
	ReflectX  uint64 = 4
	ReflectY  uint64 = 5
)

// Colorspace enum values of the connector "Colorspace" property.
const (
	ColorspaceDefault   uint64 = 0
	ColorspaceBT2020RGB uint64 = 9
)

var (
	planeTypeEnums = []drm.PropertyEnum{
		{Value: PlaneOverlay, Name: "Overlay"},
		{Value: PlanePrimary, Name: "Primary"},
		{Value: PlaneCursor, Name: "Cursor"},
	}
	blendEnums = []drm.PropertyEnum{
		{Value: 0, Name: "None"},
		{Value: 1, Name: "Pre-multiplied"},
		{Value: 2, Name: "Coverage"},
	}
	rotationEnums = []drm.PropertyEnum{
		{Value: Rotate0, Name: "rotate-0"},
		{Value: Rotate90, Name: "rotate-90"},
		{Value: Rotate180, Name: "rotate-180"},
		{Value: Rotate270, Name: "rotate-270"},
		{Value: ReflectX, Name: "reflect-x"},
		{Value: ReflectY, Name: "reflect-y"},
	}
	colorEncodingEnums = []drm.PropertyEnum{
		{Value: 0, Name: "ITU-R BT.601 YCbCr"},
		{Value: 1, Name: "ITU-R BT.709 YCbCr"},
		{Value: 2, Name: "ITU-R BT.2020 YCbCr"},
	}
	colorRangeEnums = []drm.PropertyEnum{
		{Value: 0, Name: "YCbCr limited range"},
		{Value: 1, Name: "YCbCr full range"},
	}
	dpmsEnums = []drm.PropertyEnum{
		{Value: 0, Name: "On"},
		{Value: 1, Name: "Standby"},
		{Value: 2, Name: "Suspend"},
		{Value: 3, Name: "Off"},
	}
	linkStatusEnums = []drm.PropertyEnum{
		{Value: 0, Name: "Good"},
		{Value: 1, Name: "Bad"},
	}
	colorspaceEnums = []drm.PropertyEnum{
		{Value: ColorspaceDefault, Name: "Default"},
		{Value: 1, Name: "SMPTE_170M_YCC"},
		{Value: 2, Name: "BT709_YCC"},
		{Value: ColorspaceBT2020RGB, Name: "BT2020_RGB"},
		{Value: 10, Name: "BT2020_YCC"},
	}
	contentProtectionEnums = []drm.PropertyEnum{
		{Value: 0, Name: "Undesired"},
		{Value: 1, Name: "Desired"},
		{Value: 2, Name: "Enabled"},
	}
	hdcpTypeEnums = []drm.PropertyEnum{
		{Value: 0, Name: "HDCP Type0"},
		{Value: 1, Name: "HDCP Type1"},
	}
)

// AddProperty attaches a property to an object. Objects share a property
// id only when the definitions match; a name defined with other flags,
// range or enums gets its own id, as zpos does per plane in the kernel.
func (c *Card) AddProperty(obj uint32, name string, flags uint32, value uint64, enums ...drm.PropertyEnum) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addPropertyLocked(obj, name, flags, value, nil, enums)
}

// AddRangeProperty attaches a range property with bounds.
func (c *Card) AddRangeProperty(obj uint32, name string, flags uint32, value, lo, hi uint64) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addPropertyLocked(obj, name, flags|drm.PropRange, value, []uint64{lo, hi}, nil)
}

func (c *Card) addPropertyLocked(obj uint32, name string, flags uint32, value uint64, values []uint64, enums []drm.PropertyEnum) uint32 {
	if id, ok := c.objPropLocked(obj, name); ok {
		c.setLocked(obj, id, value)
		return id
	}
	if values == nil {
		for _, e := range enums {
			values = append(values, e.Value)
		}
	}
	def := &drm.PropertyInfo{
		Name:   name,
		Flags:  flags | drm.PropAtomic,
		Values: slices.Clone(values),
		Enums:  slices.Clone(enums),
	}

	id, ok := c.propByName[name]
	if !ok || !sameDefinition(c.propInfo[id], def) {
		id = c.allocID()
		def.ID = id
		c.propInfo[id] = def
		if !ok {
			c.propByName[name] = id
		}
	}
	c.objProps[obj] = append(c.objProps[obj], drm.PropertyValue{ID: id, Value: value})
	return id
}

func sameDefinition(a, b *drm.PropertyInfo) bool {
	return a.Flags == b.Flags && slices.Equal(a.Values, b.Values) && slices.Equal(a.Enums, b.Enums)
}

// objPropLocked finds the id of the property named name on obj.
func (c *Card) objPropLocked(obj uint32, name string) (uint32, bool) {
	for _, pv := range c.objProps[obj] {
		if info, ok := c.propInfo[pv.ID]; ok && info.Name == name {
			return pv.ID, true
		}
	}
	return 0, false
}

// RemoveProperty detaches a named property from an object.
func (c *Card) RemoveProperty(obj uint32, name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.objPropLocked(obj, name)
	if !ok {
		return
	}
	c.objProps[obj] = slices.DeleteFunc(c.objProps[obj], func(pv drm.PropertyValue) bool {
		return pv.ID == id
	})
}

// AddCrtc creates a crtc with ACTIVE, MODE_ID, OUT_FENCE_PTR and colour
// management properties.
func (c *Card) AddCrtc() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocID()
	c.crtcs = append(c.crtcs, id)
	c.crtcInfo[id] = &drm.CrtcInfo{ID: id, GammaSize: 256}
	c.objProps[id] = nil
	c.addPropertyLocked(id, "ACTIVE", drm.PropRange, 0, []uint64{0, 1}, nil)
	c.addPropertyLocked(id, "MODE_ID", drm.PropBlob, 0, nil, nil)
	c.addPropertyLocked(id, "OUT_FENCE_PTR", drm.PropRange, 0, []uint64{0, ^uint64(0)}, nil)
	c.addPropertyLocked(id, "CTM", drm.PropBlob, 0, nil, nil)
	c.addPropertyLocked(id, "GAMMA_LUT", drm.PropBlob, 0, nil, nil)
	c.addPropertyLocked(id, "GAMMA_LUT_SIZE", drm.PropRange|drm.PropImmutable, 256, []uint64{0, ^uint64(0)}, nil)
	return id
}

// AddEncoder creates an encoder that can drive the crtcs in possibleCrtcs.
func (c *Card) AddEncoder(possibleCrtcs uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocID()
	c.encoders = append(c.encoders, id)
	c.encInfo[id] = &drm.EncoderInfo{ID: id, PossibleCrtcs: possibleCrtcs}
	return id
}

// AddConnector creates a connected connector reachable through encoders.
// The first mode is marked preferred.
func (c *Card) AddConnector(typ uint32, encoders []uint32, modes ...drm.ModeInfo) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocID()
	typeID := uint32(1)
	for _, other := range c.connInfo {
		if other.Type == typ {
			typeID++
		}
	}
	modes = slices.Clone(modes)
	if len(modes) > 0 {
		modes[0].Type |= drm.ModeTypePreferred
	}
	c.connectors = append(c.connectors, id)
	c.connInfo[id] = &drm.ConnectorInfo{
		ID:         id,
		Type:       typ,
		TypeID:     typeID,
		Connection: drm.Connected,
		MmWidth:    520,
		MmHeight:   290,
		Modes:      modes,
		Encoders:   slices.Clone(encoders),
	}
	c.objProps[id] = nil
	c.addPropertyLocked(id, "CRTC_ID", drm.PropObject, 0, []uint64{uint64(drm.ObjectCrtc)}, nil)
	c.addPropertyLocked(id, "DPMS", drm.PropEnum, 0, nil, dpmsEnums)
	c.addPropertyLocked(id, "link-status", drm.PropEnum, 0, nil, linkStatusEnums)
	c.addPropertyLocked(id, "EDID", drm.PropBlob|drm.PropImmutable, 0, nil, nil)
	return id
}

// AddWritebackConnector creates a writeback connector with its properties.
func (c *Card) AddWritebackConnector(encoders []uint32) uint32 {
	id := c.AddConnector(drm.ConnectorWriteback, encoders)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPropertyLocked(id, "WRITEBACK_FB_ID", drm.PropObject, 0, []uint64{uint64(drm.ObjectFB)}, nil)
	c.addPropertyLocked(id, "WRITEBACK_OUT_FENCE_PTR", drm.PropRange, 0, []uint64{0, ^uint64(0)}, nil)
	c.addPropertyLocked(id, "WRITEBACK_PIXEL_FORMATS", drm.PropBlob|drm.PropImmutable, 0, nil, nil)
	return id
}

// EnableHDR adds HDR_OUTPUT_METADATA and Colorspace to a connector.
func (c *Card) EnableHDR(conn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPropertyLocked(conn, "HDR_OUTPUT_METADATA", drm.PropBlob, 0, nil, nil)
	c.addPropertyLocked(conn, "Colorspace", drm.PropEnum, ColorspaceDefault, nil, colorspaceEnums)
}

// EnableContentProtection adds the HDCP properties to a connector.
func (c *Card) EnableContentProtection(conn uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addPropertyLocked(conn, "Content Protection", drm.PropEnum, 0, nil, contentProtectionEnums)
	c.addPropertyLocked(conn, "HDCP Content Type", drm.PropEnum, 0, nil, hdcpTypeEnums)
}

// SetConnection changes a connector's connection status.
func (c *Card) SetConnection(conn, status uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if info, ok := c.connInfo[conn]; ok {
		info.Connection = status
	}
}

// SetModes replaces a connector's mode list. The first mode is marked preferred.
func (c *Card) SetModes(conn uint32, modes ...drm.ModeInfo) {
	c.mu.Lock()
	defer c.mu.Unlock()
	modes = slices.Clone(modes)
	if len(modes) > 0 {
		modes[0].Type |= drm.ModeTypePreferred
	}
	if info, ok := c.connInfo[conn]; ok {
		info.Modes = modes
	}
}

// SetValue overwrites the current value of a named property, as the kernel
// does for driver-updated properties such as link-status.
func (c *Card) SetValue(obj uint32, name string, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.objPropLocked(obj, name); ok {
		c.setLocked(obj, id, value)
	}
}

// PlaneSpec describes a plane for AddPlane.
type PlaneSpec struct {
	Type          uint64
	PossibleCrtcs uint32
	Formats       []uint32
	// Modifiers become the IN_FORMATS blob; nil omits the property.
	Modifiers map[uint32][]uint64
	// ZPos holds the zpos range; nil omits the property.
	ZPos          []uint64
	ImmutableZPos bool
	Alpha         bool
	Blend         bool
	// Rotations lists supported rotation bits; empty omits the property.
	Rotations     []uint64
	ColorEncoding bool
}

// AddPlane creates a plane from spec.
func (c *Card) AddPlane(spec PlaneSpec) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.allocID()
	c.planes = append(c.planes, id)
	c.planeInfo[id] = &drm.PlaneInfo{
		ID:            id,
		PossibleCrtcs: spec.PossibleCrtcs,
		Formats:       slices.Clone(spec.Formats),
	}
	c.objProps[id] = nil

	c.addPropertyLocked(id, "type", drm.PropEnum|drm.PropImmutable, spec.Type, nil, planeTypeEnums)
	c.addPropertyLocked(id, "FB_ID", drm.PropObject, 0, []uint64{uint64(drm.ObjectFB)}, nil)
	c.addPropertyLocked(id, "CRTC_ID", drm.PropObject, 0, []uint64{uint64(drm.ObjectCrtc)}, nil)
	c.addPropertyLocked(id, "IN_FENCE_FD", drm.PropSignedRange, ^uint64(0), []uint64{^uint64(0), 0x7fffffff}, nil)
	for _, name := range []string{"SRC_X", "SRC_Y", "SRC_W", "SRC_H"} {
		c.addPropertyLocked(id, name, drm.PropRange, 0, []uint64{0, 0xffffffff}, nil)
	}
	for _, name := range []string{"CRTC_X", "CRTC_Y"} {
		c.addPropertyLocked(id, name, drm.PropSignedRange, 0, []uint64{uint64(0xffffffff80000000), 0x7fffffff}, nil)
	}
	for _, name := range []string{"CRTC_W", "CRTC_H"} {
		c.addPropertyLocked(id, name, drm.PropRange, 0, []uint64{0, 0x7fffffff}, nil)
	}

	if spec.Modifiers != nil {
		blob := c.allocID()
		c.blobs[blob] = drm.EncodeFormatModifiers(spec.Formats, spec.Modifiers)
		c.addPropertyLocked(id, "IN_FORMATS", drm.PropBlob|drm.PropImmutable, uint64(blob), nil, nil)
	}
	if len(spec.ZPos) == 2 {
		flags := drm.PropRange
		if spec.ImmutableZPos {
			flags |= drm.PropImmutable
		}
		c.addPropertyLocked(id, "zpos", flags, spec.ZPos[0], spec.ZPos, nil)
	}
	if spec.Alpha {
		c.addPropertyLocked(id, "alpha", drm.PropRange, 0xffff, []uint64{0, 0xffff}, nil)
	}
	if spec.Blend {
		c.addPropertyLocked(id, "pixel blend mode", drm.PropEnum, 1, nil, blendEnums)
	}
	if len(spec.Rotations) > 0 {
		var enums []drm.PropertyEnum
		for _, e := range rotationEnums {
			if slices.Contains(spec.Rotations, e.Value) {
				enums = append(enums, e)
			}
		}
		c.addPropertyLocked(id, "rotation", drm.PropBitmask, 1<<Rotate0, nil, enums)
	}
	if spec.ColorEncoding {
		c.addPropertyLocked(id, "COLOR_ENCODING", drm.PropEnum, 0, nil, colorEncodingEnums)
		c.addPropertyLocked(id, "COLOR_RANGE", drm.PropEnum, 0, nil, colorRangeEnums)
	}
	return id
}

// Mode returns a progressive mode with plausible timings.
func Mode(width, height uint16, refresh uint32) drm.ModeInfo {
	m := drm.ModeInfo{
		Hdisplay:   width,
		HsyncStart: width + 88,
		HsyncEnd:   width + 132,
		Htotal:     width + 280,
		Vdisplay:   height,
		VsyncStart: height + 4,
		VsyncEnd:   height + 9,
		Vtotal:     height + 45,
		Vrefresh:   refresh,
		Type:       drm.ModeTypeDriver,
	}
	m.Clock = uint32(uint64(m.Htotal) * uint64(m.Vtotal) * uint64(refresh) / 1000)
	copy(m.Name[:], fmt.Sprintf("%dx%d", width, height))
	return m
}
