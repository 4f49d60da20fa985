//go:build linux && (amd64 || arm64)

package drm

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

const driPath = "/dev/dri"

// Card is an open DRM primary node (/dev/dri/cardN).
type Card struct {
	file *os.File
}

// Open opens /dev/dri/card<n>.
func Open(n int) (*Card, error) {
	return OpenPath(fmt.Sprintf("%s/card%d", driPath, n))
}

// OpenPath opens a DRM device node by path.
func OpenPath(path string) (*Card, error) {
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &Card{file: f}, nil
}

// Close closes the device node.
func (c *Card) Close() error {
	return c.file.Close()
}

// Fd returns the device file descriptor.
func (c *Card) Fd() uintptr {
	return c.file.Fd()
}

// ioctl issues a DRM ioctl, restarting on EINTR and EAGAIN like libdrm does.
func (c *Card) ioctl(name string, req uintptr, arg unsafe.Pointer) error {
	for {
		_, _, errno := unix.Syscall(unix.SYS_IOCTL, c.file.Fd(), req, uintptr(arg))
		if errno == 0 {
			return nil
		}
		if errors.Is(errno, unix.EINTR) || errors.Is(errno, unix.EAGAIN) {
			continue
		}
		return os.NewSyscallError(name, errno)
	}
}

// SetClientCap enables a client capability such as universal planes or atomic.
func (c *Card) SetClientCap(capability, value uint64) error {
	arg := setClientCap{capability: capability, value: value}
	return c.ioctl("DRM_IOCTL_SET_CLIENT_CAP", ioctlSetClientCap, unsafe.Pointer(&arg))
}

// Capability queries a device capability.
func (c *Card) Capability(capability uint64) (uint64, error) {
	arg := getCap{capability: capability}
	if err := c.ioctl("DRM_IOCTL_GET_CAP", ioctlGetCap, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.value, nil
}

// Resources enumerates framebuffers, crtcs, connectors and encoders.
func (c *Card) Resources() (*Resources, error) {
	for {
		var res modeCardRes
		if err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}

		out := &Resources{
			Framebuffers: make([]uint32, res.countFbs),
			Crtcs:        make([]uint32, res.countCrtcs),
			Connectors:   make([]uint32, res.countConnectors),
			Encoders:     make([]uint32, res.countEncoders),
		}
		counts := res
		res.fbIDPtr = slicePtr(out.Framebuffers)
		res.crtcIDPtr = slicePtr(out.Crtcs)
		res.connectorIDPtr = slicePtr(out.Connectors)
		res.encoderIDPtr = slicePtr(out.Encoders)

		err := c.ioctl("DRM_IOCTL_MODE_GETRESOURCES", ioctlModeGetResources, unsafe.Pointer(&res))
		runtime.KeepAlive(out)
		if err != nil {
			return nil, err
		}

		// Hotplug between the two calls can grow the arrays; query again.
		if resourcesGrew(counts, res) {
			continue
		}

		out.Framebuffers = out.Framebuffers[:res.countFbs]
		out.Crtcs = out.Crtcs[:res.countCrtcs]
		out.Connectors = out.Connectors[:res.countConnectors]
		out.Encoders = out.Encoders[:res.countEncoders]
		out.MinWidth, out.MaxWidth = res.minWidth, res.maxWidth
		out.MinHeight, out.MaxHeight = res.minHeight, res.maxHeight
		return out, nil
	}
}

// Connector queries a connector's state, modes and possible encoders.
func (c *Card) Connector(id uint32) (*ConnectorInfo, error) {
	for {
		conn := modeGetConnector{connectorID: id}
		if err := c.ioctl("DRM_IOCTL_MODE_GETCONNECTOR", ioctlModeGetConnector, unsafe.Pointer(&conn)); err != nil {
			return nil, err
		}

		modes := make([]ModeInfo, conn.countModes)
		encoders := make([]uint32, conn.countEncoders)
		counts := conn
		conn.countProps = 0
		conn.propsPtr = 0
		conn.propValuesPtr = 0
		conn.modesPtr = slicePtr(modes)
		conn.encodersPtr = slicePtr(encoders)

		err := c.ioctl("DRM_IOCTL_MODE_GETCONNECTOR", ioctlModeGetConnector, unsafe.Pointer(&conn))
		runtime.KeepAlive(modes)
		runtime.KeepAlive(encoders)
		if err != nil {
			return nil, err
		}
		if connectorGrew(counts, conn) {
			continue
		}

		return &ConnectorInfo{
			ID:         conn.connectorID,
			EncoderID:  conn.encoderID,
			Type:       conn.connectorType,
			TypeID:     conn.connectorTypeID,
			Connection: conn.connection,
			MmWidth:    conn.mmWidth,
			MmHeight:   conn.mmHeight,
			Subpixel:   conn.subpixel,
			Modes:      modes[:conn.countModes],
			Encoders:   encoders[:conn.countEncoders],
		}, nil
	}
}

// resourcesGrew reports whether an array outgrew the buffer sized from
// the first query. The kernel then filled only part of it.
func resourcesGrew(sized, got modeCardRes) bool {
	return got.countFbs > sized.countFbs || got.countCrtcs > sized.countCrtcs ||
		got.countConnectors > sized.countConnectors || got.countEncoders > sized.countEncoders
}

func connectorGrew(sized, got modeGetConnector) bool {
	return got.countModes > sized.countModes || got.countEncoders > sized.countEncoders
}

// Encoder queries an encoder.
func (c *Card) Encoder(id uint32) (*EncoderInfo, error) {
	enc := modeGetEncoder{encoderID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETENCODER", ioctlModeGetEncoder, unsafe.Pointer(&enc)); err != nil {
		return nil, err
	}
	return &EncoderInfo{
		ID:             enc.encoderID,
		Type:           enc.encoderType,
		CrtcID:         enc.crtcID,
		PossibleCrtcs:  enc.possibleCrtcs,
		PossibleClones: enc.possibleClones,
	}, nil
}

// Crtc queries a crtc.
func (c *Card) Crtc(id uint32) (*CrtcInfo, error) {
	crtc := modeCrtc{crtcID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETCRTC", ioctlModeGetCrtc, unsafe.Pointer(&crtc)); err != nil {
		return nil, err
	}
	return &CrtcInfo{
		ID:            crtc.crtcID,
		FramebufferID: crtc.fbID,
		X:             crtc.x,
		Y:             crtc.y,
		GammaSize:     crtc.gammaSize,
		ModeValid:     crtc.modeValid != 0,
		Mode:          crtc.mode,
	}, nil
}

// PlaneIDs lists every plane. Universal planes must be enabled to see
// primary and cursor planes.
func (c *Card) PlaneIDs() ([]uint32, error) {
	for {
		var res modeGetPlaneRes
		if err := c.ioctl("DRM_IOCTL_MODE_GETPLANERESOURCES", ioctlModeGetPlaneRes, unsafe.Pointer(&res)); err != nil {
			return nil, err
		}
		ids := make([]uint32, res.countPlanes)
		count := res.countPlanes
		res.planeIDPtr = slicePtr(ids)
		err := c.ioctl("DRM_IOCTL_MODE_GETPLANERESOURCES", ioctlModeGetPlaneRes, unsafe.Pointer(&res))
		runtime.KeepAlive(ids)
		if err != nil {
			return nil, err
		}
		if res.countPlanes > count {
			continue
		}
		return ids[:res.countPlanes], nil
	}
}

// Plane queries a plane and its legacy format list.
func (c *Card) Plane(id uint32) (*PlaneInfo, error) {
	plane := modeGetPlane{planeID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETPLANE", ioctlModeGetPlane, unsafe.Pointer(&plane)); err != nil {
		return nil, err
	}
	formats := make([]uint32, plane.countFormatTypes)
	if len(formats) > 0 {
		plane.formatTypePtr = slicePtr(formats)
		err := c.ioctl("DRM_IOCTL_MODE_GETPLANE", ioctlModeGetPlane, unsafe.Pointer(&plane))
		runtime.KeepAlive(formats)
		if err != nil {
			return nil, err
		}
	}
	return &PlaneInfo{
		ID:            plane.planeID,
		CrtcID:        plane.crtcID,
		FramebufferID: plane.fbID,
		PossibleCrtcs: plane.possibleCrtcs,
		GammaSize:     plane.gammaSize,
		Formats:       formats[:min(len(formats), int(plane.countFormatTypes))],
	}, nil
}

// ObjectProperties lists the properties and current values of an object.
func (c *Card) ObjectProperties(objectID, objectType uint32) ([]PropertyValue, error) {
	for {
		arg := modeObjGetProperties{objID: objectID, objType: objectType}
		if err := c.ioctl("DRM_IOCTL_MODE_OBJ_GETPROPERTIES", ioctlModeObjGetProps, unsafe.Pointer(&arg)); err != nil {
			return nil, err
		}
		count := arg.countProps
		ids := make([]uint32, count)
		values := make([]uint64, count)
		arg.propsPtr = slicePtr(ids)
		arg.propValuesPtr = slicePtr(values)
		err := c.ioctl("DRM_IOCTL_MODE_OBJ_GETPROPERTIES", ioctlModeObjGetProps, unsafe.Pointer(&arg))
		runtime.KeepAlive(ids)
		runtime.KeepAlive(values)
		if err != nil {
			return nil, err
		}
		if arg.countProps > count {
			continue
		}
		out := make([]PropertyValue, arg.countProps)
		for i := range out {
			out[i] = PropertyValue{ID: ids[i], Value: values[i]}
		}
		return out, nil
	}
}

// Property queries a property's name, flags, range values and enum names.
func (c *Card) Property(id uint32) (*PropertyInfo, error) {
	arg := modeGetProperty{propID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETPROPERTY", ioctlModeGetProperty, unsafe.Pointer(&arg)); err != nil {
		return nil, err
	}

	values := make([]uint64, arg.countValues)
	isEnum := arg.flags&(PropEnum|PropBitmask) != 0
	var enums []modePropertyEnum
	if isEnum {
		enums = make([]modePropertyEnum, arg.countEnumBlobs)
	}
	arg.valuesPtr = slicePtr(values)
	if isEnum {
		arg.enumBlobPtr = slicePtr(enums)
	} else {
		// Blob properties report blob ids here; they are read per object instead.
		arg.countEnumBlobs = 0
		arg.enumBlobPtr = 0
	}
	err := c.ioctl("DRM_IOCTL_MODE_GETPROPERTY", ioctlModeGetProperty, unsafe.Pointer(&arg))
	runtime.KeepAlive(values)
	runtime.KeepAlive(enums)
	if err != nil {
		return nil, err
	}

	info := &PropertyInfo{
		ID:     arg.propID,
		Flags:  arg.flags,
		Name:   cstr(arg.name[:]),
		Values: values[:min(len(values), int(arg.countValues))],
	}
	for i := 0; i < len(enums) && i < int(arg.countEnumBlobs); i++ {
		info.Enums = append(info.Enums, PropertyEnum{Value: enums[i].value, Name: cstr(enums[i].name[:])})
	}
	return info, nil
}

// PropertyBlob reads the contents of a property blob.
func (c *Card) PropertyBlob(id uint32) ([]byte, error) {
	arg := modeGetBlob{blobID: id}
	if err := c.ioctl("DRM_IOCTL_MODE_GETPROPBLOB", ioctlModeGetPropBlob, unsafe.Pointer(&arg)); err != nil {
		return nil, err
	}
	data := make([]byte, arg.length)
	if len(data) == 0 {
		return data, nil
	}
	arg.data = slicePtr(data)
	err := c.ioctl("DRM_IOCTL_MODE_GETPROPBLOB", ioctlModeGetPropBlob, unsafe.Pointer(&arg))
	runtime.KeepAlive(data)
	if err != nil {
		return nil, err
	}
	return data[:min(len(data), int(arg.length))], nil
}

// CreatePropertyBlob uploads data as a new property blob.
func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	if len(data) == 0 {
		return 0, fmt.Errorf("create property blob: %w", unix.EINVAL)
	}
	arg := modeCreateBlob{data: slicePtr(data), length: uint32(len(data))}
	err := c.ioctl("DRM_IOCTL_MODE_CREATEPROPBLOB", ioctlModeCreatePropBlob, unsafe.Pointer(&arg))
	runtime.KeepAlive(data)
	if err != nil {
		return 0, err
	}
	return arg.blobID, nil
}

// DestroyPropertyBlob releases a property blob.
func (c *Card) DestroyPropertyBlob(id uint32) error {
	arg := modeDestroyBlob{blobID: id}
	return c.ioctl("DRM_IOCTL_MODE_DESTROYPROPBLOB", ioctlModeDestroyBlob, unsafe.Pointer(&arg))
}

// SetObjectProperty writes one property outside of an atomic transaction.
func (c *Card) SetObjectProperty(objectID, objectType, propertyID uint32, value uint64) error {
	arg := modeObjSetProperty{value: value, propID: propertyID, objID: objectID, objType: objectType}
	return c.ioctl("DRM_IOCTL_MODE_OBJ_SETPROPERTY", ioctlModeObjSetProperty, unsafe.Pointer(&arg))
}

// AtomicCommit submits an atomic request. Out-fence targets are filled in by
// the kernel before this returns.
func (c *Card) AtomicCommit(req *AtomicRequest, flags uint32) error {
	objs, counts, props, values := req.arrays()
	arg := modeAtomic{
		flags:         flags,
		countObjs:     uint32(len(objs)),
		objsPtr:       slicePtr(objs),
		countPropsPtr: slicePtr(counts),
		propsPtr:      slicePtr(props),
		propValuesPtr: slicePtr(values),
	}
	err := c.ioctl("DRM_IOCTL_MODE_ATOMIC", ioctlModeAtomic, unsafe.Pointer(&arg))
	runtime.KeepAlive(objs)
	runtime.KeepAlive(counts)
	runtime.KeepAlive(props)
	runtime.KeepAlive(values)
	runtime.KeepAlive(req)
	return err
}

// PrimeFDToHandle imports a dma-buf file descriptor as a GEM handle.
// Importing the same buffer twice yields the same handle.
func (c *Card) PrimeFDToHandle(fd int) (uint32, error) {
	arg := primeHandle{fd: int32(fd)}
	if err := c.ioctl("DRM_IOCTL_PRIME_FD_TO_HANDLE", ioctlPrimeFDToHandle, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.handle, nil
}

// CloseHandle closes a GEM handle.
func (c *Card) CloseHandle(handle uint32) error {
	arg := gemClose{handle: handle}
	return c.ioctl("DRM_IOCTL_GEM_CLOSE", ioctlGemClose, unsafe.Pointer(&arg))
}

// AddFramebuffer creates a framebuffer object with MODE_ADDFB2.
func (c *Card) AddFramebuffer(cmd *FramebufferCmd) (uint32, error) {
	arg := modeFBCmd2{
		width:       cmd.Width,
		height:      cmd.Height,
		pixelFormat: cmd.PixelFormat,
		flags:       cmd.Flags,
		handles:     cmd.Handles,
		pitches:     cmd.Pitches,
		offsets:     cmd.Offsets,
		modifier:    cmd.Modifiers,
	}
	if err := c.ioctl("DRM_IOCTL_MODE_ADDFB2", ioctlModeAddFB2, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.fbID, nil
}

// RemoveFramebuffer destroys a framebuffer object.
func (c *Card) RemoveFramebuffer(id uint32) error {
	arg := id
	return c.ioctl("DRM_IOCTL_MODE_RMFB", ioctlModeRmFB, unsafe.Pointer(&arg))
}

// WaitVblank blocks until the next vblank of the crtc at the given index and
// returns its CLOCK_MONOTONIC timestamp in nanoseconds. The kernel bounds the
// wait itself and fails with EBUSY if no vblank arrives.
func (c *Card) WaitVblank(crtcIndex int) (int64, error) {
	arg := waitVblank{typ: vblankRelative, sequence: 1}
	switch {
	case crtcIndex == 1:
		arg.typ |= vblankSecondary
	case crtcIndex > 1:
		arg.typ |= uint32(crtcIndex<<vblankHighCrtcShift) & vblankHighCrtcMask
	}
	if err := c.ioctl("DRM_IOCTL_WAIT_VBLANK", ioctlWaitVblank, unsafe.Pointer(&arg)); err != nil {
		return 0, err
	}
	return arg.tvalSec*1e9 + arg.tvalUsec*1e3, nil
}

func slicePtr[T any](s []T) uint64 {
	if len(s) == 0 {
		return 0
	}
	return uint64(uintptr(unsafe.Pointer(&s[0])))
}
