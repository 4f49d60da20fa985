package drm

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Object types used by OBJ_GETPROPERTIES and OBJ_SETPROPERTY.
const (
	ObjectCrtc      uint32 = 0xcccccccc
	ObjectConnector uint32 = 0xc0c0c0c0
	ObjectEncoder   uint32 = 0xe0e0e0e0
	ObjectMode      uint32 = 0xdededede
	ObjectProperty  uint32 = 0xb0b0b0b0
	ObjectFB        uint32 = 0xfbfbfbfb
	ObjectBlob      uint32 = 0xbbbbbbbb
	ObjectPlane     uint32 = 0xeeeeeeee
)

// Property flags.
const (
	PropPending      uint32 = 1 << 0
	PropRange        uint32 = 1 << 1
	PropImmutable    uint32 = 1 << 2
	PropEnum         uint32 = 1 << 3
	PropBlob         uint32 = 1 << 4
	PropBitmask      uint32 = 1 << 5
	PropExtendedType uint32 = 0x0000ffc0
	PropObject       uint32 = 1 << 6
	PropSignedRange  uint32 = 2 << 6
	PropAtomic       uint32 = 0x80000000
)

// Device capabilities (DRM_IOCTL_GET_CAP).
const (
	CapDumbBuffer         uint64 = 0x1
	CapVblankHighCrtc     uint64 = 0x2
	CapDumbPreferredDepth uint64 = 0x3
	CapDumbPreferShadow   uint64 = 0x4
	CapPrime              uint64 = 0x5
	CapTimestampMonotonic uint64 = 0x6
	CapAsyncPageFlip      uint64 = 0x7
	CapCursorWidth        uint64 = 0x8
	CapCursorHeight       uint64 = 0x9
	CapAddFB2Modifiers    uint64 = 0x10
	CapPageFlipTarget     uint64 = 0x11
	CapCrtcInVblankEvent  uint64 = 0x12
)

// Client capabilities (DRM_IOCTL_SET_CLIENT_CAP).
const (
	ClientCapStereo3D            uint64 = 1
	ClientCapUniversalPlanes     uint64 = 2
	ClientCapAtomic              uint64 = 3
	ClientCapAspectRatio         uint64 = 4
	ClientCapWritebackConnectors uint64 = 5
)

// Atomic commit flags.
const (
	PageFlipEvent       uint32 = 0x01
	AtomicTestOnly      uint32 = 0x0100
	AtomicNonblock      uint32 = 0x0200
	AtomicAllowModeset  uint32 = 0x0400
	AtomicFlagsMask     uint32 = PageFlipEvent | AtomicTestOnly | AtomicNonblock | AtomicAllowModeset
	FramebufferModifier uint32 = 1 << 1
)

// Connector connection states.
const (
	Connected         uint32 = 1
	Disconnected      uint32 = 2
	UnknownConnection uint32 = 3
)

// Mode type flags.
const (
	ModeTypeBuiltin   uint32 = 1 << 0
	ModeTypePreferred uint32 = 1 << 3
	ModeTypeDefault   uint32 = 1 << 4
	ModeTypeUserdef   uint32 = 1 << 5
	ModeTypeDriver    uint32 = 1 << 6
)

// Mode flags.
const (
	ModeFlagInterlace uint32 = 1 << 4
	ModeFlagDblscan   uint32 = 1 << 5
)

// Connector types.
const (
	ConnectorUnknown     uint32 = 0
	ConnectorVGA         uint32 = 1
	ConnectorDVII        uint32 = 2
	ConnectorDVID        uint32 = 3
	ConnectorDVIA        uint32 = 4
	ConnectorComposite   uint32 = 5
	ConnectorSVIDEO      uint32 = 6
	ConnectorLVDS        uint32 = 7
	ConnectorComponent   uint32 = 8
	Connector9PinDIN     uint32 = 9
	ConnectorDisplayPort uint32 = 10
	ConnectorHDMIA       uint32 = 11
	ConnectorHDMIB       uint32 = 12
	ConnectorTV          uint32 = 13
	ConnectorEDP         uint32 = 14
	ConnectorVirtual     uint32 = 15
	ConnectorDSI         uint32 = 16
	ConnectorDPI         uint32 = 17
	ConnectorWriteback   uint32 = 18
	ConnectorSPI         uint32 = 19
	ConnectorUSB         uint32 = 20
)

var connectorTypeNames = map[uint32]string{
	ConnectorUnknown:     "Unknown",
	ConnectorVGA:         "VGA",
	ConnectorDVII:        "DVI-I",
	ConnectorDVID:        "DVI-D",
	ConnectorDVIA:        "DVI-A",
	ConnectorComposite:   "Composite",
	ConnectorSVIDEO:      "SVIDEO",
	ConnectorLVDS:        "LVDS",
	ConnectorComponent:   "Component",
	Connector9PinDIN:     "DIN",
	ConnectorDisplayPort: "DP",
	ConnectorHDMIA:       "HDMI-A",
	ConnectorHDMIB:       "HDMI-B",
	ConnectorTV:          "TV",
	ConnectorEDP:         "eDP",
	ConnectorVirtual:     "Virtual",
	ConnectorDSI:         "DSI",
	ConnectorDPI:         "DPI",
	ConnectorWriteback:   "Writeback",
	ConnectorSPI:         "SPI",
	ConnectorUSB:         "USB",
}

// ConnectorTypeName returns the kernel's short name for a connector type.
func ConnectorTypeName(typ uint32) string {
	if name, ok := connectorTypeNames[typ]; ok {
		return name
	}
	return "Unknown"
}

// ModeInfo mirrors struct drm_mode_modeinfo (68 bytes).
type ModeInfo struct {
	Clock      uint32
	Hdisplay   uint16
	HsyncStart uint16
	HsyncEnd   uint16
	Htotal     uint16
	Hskew      uint16
	Vdisplay   uint16
	VsyncStart uint16
	VsyncEnd   uint16
	Vtotal     uint16
	Vscan      uint16
	Vrefresh   uint32
	Flags      uint32
	Type       uint32
	Name       [32]byte
}

// NameString returns the mode name without the trailing NUL bytes.
func (m ModeInfo) NameString() string {
	return cstr(m.Name[:])
}

// Bytes encodes the mode as the kernel expects it inside a MODE_ID blob.
func (m *ModeInfo) Bytes() []byte {
	var buf bytes.Buffer
	buf.Grow(68)
	// binary.Write on a fixed-size struct of fixed-size fields cannot fail.
	_ = binary.Write(&buf, binary.NativeEndian, m)
	return buf.Bytes()
}

func (m ModeInfo) String() string {
	return fmt.Sprintf("%dx%d@%d", m.Hdisplay, m.Vdisplay, m.Vrefresh)
}

// Resources is the result of MODE_GETRESOURCES.
type Resources struct {
	Framebuffers []uint32
	Crtcs        []uint32
	Connectors   []uint32
	Encoders     []uint32
	MinWidth     uint32
	MaxWidth     uint32
	MinHeight    uint32
	MaxHeight    uint32
}

// ConnectorInfo is the result of MODE_GETCONNECTOR.
type ConnectorInfo struct {
	ID         uint32
	EncoderID  uint32
	Type       uint32
	TypeID     uint32
	Connection uint32
	MmWidth    uint32
	MmHeight   uint32
	Subpixel   uint32
	Modes      []ModeInfo
	Encoders   []uint32
}

// Name returns the connector name in the kernel's "TYPE-N" form, e.g. HDMI-A-1.
func (c *ConnectorInfo) Name() string {
	return fmt.Sprintf("%s-%d", ConnectorTypeName(c.Type), c.TypeID)
}

// EncoderInfo is the result of MODE_GETENCODER.
type EncoderInfo struct {
	ID             uint32
	Type           uint32
	CrtcID         uint32
	PossibleCrtcs  uint32
	PossibleClones uint32
}

// CrtcInfo is the result of MODE_GETCRTC.
type CrtcInfo struct {
	ID            uint32
	FramebufferID uint32
	X, Y          uint32
	GammaSize     uint32
	ModeValid     bool
	Mode          ModeInfo
}

// PlaneInfo is the result of MODE_GETPLANE.
type PlaneInfo struct {
	ID            uint32
	CrtcID        uint32
	FramebufferID uint32
	PossibleCrtcs uint32
	GammaSize     uint32
	Formats       []uint32
}

// PropertyValue is one (property id, current value) pair of an object.
type PropertyValue struct {
	ID    uint32
	Value uint64
}

// PropertyEnum is one named value of an enum or bitmask property.
type PropertyEnum struct {
	Value uint64
	Name  string
}

// PropertyInfo is the result of MODE_GETPROPERTY.
type PropertyInfo struct {
	ID     uint32
	Flags  uint32
	Name   string
	Values []uint64
	Enums  []PropertyEnum
}

// FramebufferCmd describes a framebuffer for MODE_ADDFB2.
type FramebufferCmd struct {
	Width       uint32
	Height      uint32
	PixelFormat uint32
	Flags       uint32
	Handles     [4]uint32
	Pitches     [4]uint32
	Offsets     [4]uint32
	Modifiers   [4]uint64
}

// cstr converts a null-terminated byte slice to a Go string.
func cstr(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		return string(b[:i])
	}
	return string(b)
}
