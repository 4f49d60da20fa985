//go:build linux && (amd64 || arm64)

package drm

import "unsafe"

// Compile-time struct size assertions.
// These will cause build failures if struct sizes don't match kernel expectations.
var (
	_ [16]byte  = [unsafe.Sizeof(getCap{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(setClientCap{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(modeCardRes{})]byte{}
	_ [68]byte  = [unsafe.Sizeof(ModeInfo{})]byte{}
	_ [104]byte = [unsafe.Sizeof(modeCrtc{})]byte{}
	_ [20]byte  = [unsafe.Sizeof(modeGetEncoder{})]byte{}
	_ [80]byte  = [unsafe.Sizeof(modeGetConnector{})]byte{}
	_ [64]byte  = [unsafe.Sizeof(modeGetProperty{})]byte{}
	_ [40]byte  = [unsafe.Sizeof(modePropertyEnum{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(modeGetBlob{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(modeGetPlaneRes{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(modeGetPlane{})]byte{}
	_ [104]byte = [unsafe.Sizeof(modeFBCmd2{})]byte{}
	_ [32]byte  = [unsafe.Sizeof(modeObjGetProperties{})]byte{}
	_ [24]byte  = [unsafe.Sizeof(modeObjSetProperty{})]byte{}
	_ [56]byte  = [unsafe.Sizeof(modeAtomic{})]byte{}
	_ [16]byte  = [unsafe.Sizeof(modeCreateBlob{})]byte{}
	_ [4]byte   = [unsafe.Sizeof(modeDestroyBlob{})]byte{}
	_ [12]byte  = [unsafe.Sizeof(primeHandle{})]byte{}
	_ [8]byte   = [unsafe.Sizeof(gemClose{})]byte{}
	_ [24]byte  = [unsafe.Sizeof(waitVblank{})]byte{}
)

const ioctlBase = 'd'

const (
	iocNone  = 0x0
	iocWrite = 0x1
	iocRead  = 0x2
)

// ioc encodes an ioctl request number the way the generic _IOC macro does.
func ioc(dir, nr, size uintptr) uintptr {
	return dir<<30 | size<<16 | ioctlBase<<8 | nr
}

func iowr(nr, size uintptr) uintptr { return ioc(iocRead|iocWrite, nr, size) }
func iow(nr, size uintptr) uintptr  { return ioc(iocWrite, nr, size) }

var (
	ioctlGemClose           = iow(0x09, unsafe.Sizeof(gemClose{}))
	ioctlGetCap             = iowr(0x0c, unsafe.Sizeof(getCap{}))
	ioctlSetClientCap       = iow(0x0d, unsafe.Sizeof(setClientCap{}))
	ioctlPrimeFDToHandle    = iowr(0x2e, unsafe.Sizeof(primeHandle{}))
	ioctlWaitVblank         = iowr(0x3a, unsafe.Sizeof(waitVblank{}))
	ioctlModeGetResources   = iowr(0xa0, unsafe.Sizeof(modeCardRes{}))
	ioctlModeGetCrtc        = iowr(0xa1, unsafe.Sizeof(modeCrtc{}))
	ioctlModeGetEncoder     = iowr(0xa6, unsafe.Sizeof(modeGetEncoder{}))
	ioctlModeGetConnector   = iowr(0xa7, unsafe.Sizeof(modeGetConnector{}))
	ioctlModeGetProperty    = iowr(0xaa, unsafe.Sizeof(modeGetProperty{}))
	ioctlModeGetPropBlob    = iowr(0xac, unsafe.Sizeof(modeGetBlob{}))
	ioctlModeRmFB           = iowr(0xaf, unsafe.Sizeof(uint32(0)))
	ioctlModeGetPlaneRes    = iowr(0xb5, unsafe.Sizeof(modeGetPlaneRes{}))
	ioctlModeGetPlane       = iowr(0xb6, unsafe.Sizeof(modeGetPlane{}))
	ioctlModeAddFB2         = iowr(0xb8, unsafe.Sizeof(modeFBCmd2{}))
	ioctlModeObjGetProps    = iowr(0xb9, unsafe.Sizeof(modeObjGetProperties{}))
	ioctlModeObjSetProperty = iowr(0xba, unsafe.Sizeof(modeObjSetProperty{}))
	ioctlModeAtomic         = iowr(0xbc, unsafe.Sizeof(modeAtomic{}))
	ioctlModeCreatePropBlob = iowr(0xbd, unsafe.Sizeof(modeCreateBlob{}))
	ioctlModeDestroyBlob    = iowr(0xbe, unsafe.Sizeof(modeDestroyBlob{}))
)

// Vblank request bits (drm.h).
const (
	vblankRelative      = 0x1
	vblankHighCrtcShift = 1
	vblankHighCrtcMask  = 0x3e
	vblankSecondary     = 0x20000000
)

type getCap struct {
	capability uint64
	value      uint64
}

type setClientCap struct {
	capability uint64
	value      uint64
}

type modeCardRes struct {
	fbIDPtr         uint64
	crtcIDPtr       uint64
	connectorIDPtr  uint64
	encoderIDPtr    uint64
	countFbs        uint32
	countCrtcs      uint32
	countConnectors uint32
	countEncoders   uint32
	minWidth        uint32
	maxWidth        uint32
	minHeight       uint32
	maxHeight       uint32
}

type modeCrtc struct {
	setConnectorsPtr uint64
	countConnectors  uint32
	crtcID           uint32
	fbID             uint32
	x                uint32
	y                uint32
	gammaSize        uint32
	modeValid        uint32
	mode             ModeInfo
}

type modeGetEncoder struct {
	encoderID      uint32
	encoderType    uint32
	crtcID         uint32
	possibleCrtcs  uint32
	possibleClones uint32
}

type modeGetConnector struct {
	encodersPtr     uint64
	modesPtr        uint64
	propsPtr        uint64
	propValuesPtr   uint64
	countModes      uint32
	countProps      uint32
	countEncoders   uint32
	encoderID       uint32
	connectorID     uint32
	connectorType   uint32
	connectorTypeID uint32
	connection      uint32
	mmWidth         uint32
	mmHeight        uint32
	subpixel        uint32
	pad             uint32
}

type modeGetProperty struct {
	valuesPtr      uint64
	enumBlobPtr    uint64
	propID         uint32
	flags          uint32
	name           [32]byte
	countValues    uint32
	countEnumBlobs uint32
}

type modePropertyEnum struct {
	value uint64
	name  [32]byte
}

type modeGetBlob struct {
	blobID uint32
	length uint32
	data   uint64
}

type modeGetPlaneRes struct {
	planeIDPtr  uint64
	countPlanes uint32
	pad         uint32
}

type modeGetPlane struct {
	planeID          uint32
	crtcID           uint32
	fbID             uint32
	possibleCrtcs    uint32
	gammaSize        uint32
	countFormatTypes uint32
	formatTypePtr    uint64
}

type modeFBCmd2 struct {
	fbID        uint32
	width       uint32
	height      uint32
	pixelFormat uint32
	flags       uint32
	handles     [4]uint32
	pitches     [4]uint32
	offsets     [4]uint32
	pad         uint32
	modifier    [4]uint64
}

type modeObjGetProperties struct {
	propsPtr      uint64
	propValuesPtr uint64
	countProps    uint32
	objID         uint32
	objType       uint32
	pad           uint32
}

type modeObjSetProperty struct {
	value   uint64
	propID  uint32
	objID   uint32
	objType uint32
	pad     uint32
}

type modeAtomic struct {
	flags         uint32
	countObjs     uint32
	objsPtr       uint64
	countPropsPtr uint64
	propsPtr      uint64
	propValuesPtr uint64
	reserved      uint64
	userData      uint64
}

type modeCreateBlob struct {
	data   uint64
	length uint32
	blobID uint32
}

type modeDestroyBlob struct {
	blobID uint32
}

type primeHandle struct {
	handle uint32
	flags  uint32
	fd     int32
}

type gemClose struct {
	handle uint32
	pad    uint32
}

// waitVblank overlays union drm_wait_vblank: the request's signal field
// shares storage with the reply's tval_sec.
type waitVblank struct {
	typ      uint32
	sequence uint32
	tvalSec  int64
	tvalUsec int64
}
