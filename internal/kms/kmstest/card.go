//go:build linux

// Package kmstest provides an in-memory DRM device for tests.
//
// Card implements the same method set as drm.Card. Objects are created with
// the Add* helpers and carry the properties real atomic drivers expose.
// Atomic commits are validated against those properties, applied to the
// in-memory state and recorded. Out-fences are pipes that signal when the
// test calls SignalFences, or immediately with AutoSignal.
package kmstest

import (
	"fmt"
	"maps"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// PropKey names one property of one object.
type PropKey struct {
	Object uint32
	Name   string
}

// Commit is one recorded atomic commit.
type Commit struct {
	Flags  uint32
	Values map[PropKey]uint64
	Err    error
}

// TestOnly reports whether the commit was a validation-only request.
func (c Commit) TestOnly() bool { return c.Flags&drm.AtomicTestOnly != 0 }

// Nonblock reports whether the commit was non-blocking.
func (c Commit) Nonblock() bool { return c.Flags&drm.AtomicNonblock != 0 }

// SetPropertyCall is one recorded OBJ_SETPROPERTY.
type SetPropertyCall struct {
	Object uint32
	Name   string
	Value  uint64
}

// CommitHook can reject a commit before it is applied.
type CommitHook func(req *drm.AtomicRequest, flags uint32) error

// Card is a fake DRM device.
type Card struct {
	mu sync.Mutex

	// AutoSignal makes every out-fence signalled as soon as it is created.
	AutoSignal bool
	// StrictBusy rejects a non-blocking commit with EBUSY while an earlier
	// out-fence is still pending, like a driver with a flip in flight.
	StrictBusy bool

	nextID     uint32
	nextHandle uint32
	caps       map[uint64]uint64
	clientCaps map[uint64]uint64
	maxWidth   uint32
	maxHeight  uint32

	crtcs      []uint32
	encoders   []uint32
	connectors []uint32
	planes     []uint32

	crtcInfo  map[uint32]*drm.CrtcInfo
	encInfo   map[uint32]*drm.EncoderInfo
	connInfo  map[uint32]*drm.ConnectorInfo
	planeInfo map[uint32]*drm.PlaneInfo

	propInfo   map[uint32]*drm.PropertyInfo
	propByName map[string]uint32
	objProps   map[uint32][]drm.PropertyValue

	blobs map[uint32][]byte

	fdHandles    map[int]uint32
	handleOpen   map[uint32]bool
	handleCloses map[uint32]int
	fbs          map[uint32]drm.FramebufferCmd
	removedFBs   []uint32

	commits  []Commit
	setProps []SetPropertyCall
	pending  []int

	hook         CommitHook
	addFBErr     error
	primeErr     error
	blobErr      error
	vblank       func(crtcIndex int) (int64, error)
	closed       bool
	blobsCreated int
}

// New returns an empty card that supports atomic modesetting and modifiers.
func New() *Card {
	return &Card{
		nextID:       100,
		nextHandle:   1,
		caps:         map[uint64]uint64{drm.CapAddFB2Modifiers: 1, drm.CapCursorWidth: 64, drm.CapCursorHeight: 64},
		clientCaps:   make(map[uint64]uint64),
		maxWidth:     8192,
		maxHeight:    8192,
		crtcInfo:     make(map[uint32]*drm.CrtcInfo),
		encInfo:      make(map[uint32]*drm.EncoderInfo),
		connInfo:     make(map[uint32]*drm.ConnectorInfo),
		planeInfo:    make(map[uint32]*drm.PlaneInfo),
		propInfo:     make(map[uint32]*drm.PropertyInfo),
		propByName:   make(map[string]uint32),
		objProps:     make(map[uint32][]drm.PropertyValue),
		blobs:        make(map[uint32][]byte),
		fdHandles:    make(map[int]uint32),
		handleOpen:   make(map[uint32]bool),
		handleCloses: make(map[uint32]int),
		fbs:          make(map[uint32]drm.FramebufferCmd),
	}
}

func (c *Card) allocID() uint32 {
	c.nextID++
	return c.nextID
}

func errno(name string, e unix.Errno) error {
	return fmt.Errorf("%s: %w", name, e)
}

// SetCap sets a device capability value.
func (c *Card) SetCap(capability, value uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.caps[capability] = value
}

// ClearCap removes a device capability, making the query fail.
func (c *Card) ClearCap(capability uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.caps, capability)
}

// ClientCap returns the value a client capability was set to.
func (c *Card) ClientCap(capability uint64) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientCaps[capability]
}

// SetClientCap implements the driver method.
func (c *Card) SetClientCap(capability, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clientCaps[capability] = value
	return nil
}

// Capability implements the driver method.
func (c *Card) Capability(capability uint64) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.caps[capability]
	if !ok {
		return 0, errno("DRM_IOCTL_GET_CAP", unix.EINVAL)
	}
	return v, nil
}

// Resources implements the driver method.
func (c *Card) Resources() (*drm.Resources, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return &drm.Resources{
		Crtcs:      slices.Clone(c.crtcs),
		Connectors: slices.Clone(c.connectors),
		Encoders:   slices.Clone(c.encoders),
		MaxWidth:   c.maxWidth,
		MaxHeight:  c.maxHeight,
	}, nil
}

// Connector implements the driver method.
func (c *Card) Connector(id uint32) (*drm.ConnectorInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.connInfo[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETCONNECTOR", unix.ENOENT)
	}
	cp := *info
	cp.Modes = slices.Clone(info.Modes)
	cp.Encoders = slices.Clone(info.Encoders)
	return &cp, nil
}

// Encoder implements the driver method.
func (c *Card) Encoder(id uint32) (*drm.EncoderInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.encInfo[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETENCODER", unix.ENOENT)
	}
	cp := *info
	return &cp, nil
}

// Crtc implements the driver method.
func (c *Card) Crtc(id uint32) (*drm.CrtcInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.crtcInfo[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETCRTC", unix.ENOENT)
	}
	cp := *info
	return &cp, nil
}

// PlaneIDs implements the driver method.
func (c *Card) PlaneIDs() ([]uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.planes), nil
}

// Plane implements the driver method.
func (c *Card) Plane(id uint32) (*drm.PlaneInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.planeInfo[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETPLANE", unix.ENOENT)
	}
	cp := *info
	cp.Formats = slices.Clone(info.Formats)
	return &cp, nil
}

// ObjectProperties implements the driver method.
func (c *Card) ObjectProperties(objectID, objectType uint32) ([]drm.PropertyValue, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	props, ok := c.objProps[objectID]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_OBJ_GETPROPERTIES", unix.ENOENT)
	}
	return slices.Clone(props), nil
}

// Property implements the driver method.
func (c *Card) Property(id uint32) (*drm.PropertyInfo, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	info, ok := c.propInfo[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETPROPERTY", unix.ENOENT)
	}
	cp := *info
	cp.Values = slices.Clone(info.Values)
	cp.Enums = slices.Clone(info.Enums)
	return &cp, nil
}

// PropertyBlob implements the driver method.
func (c *Card) PropertyBlob(id uint32) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[id]
	if !ok {
		return nil, errno("DRM_IOCTL_MODE_GETPROPBLOB", unix.ENOENT)
	}
	return slices.Clone(data), nil
}

// CreatePropertyBlob implements the driver method.
func (c *Card) CreatePropertyBlob(data []byte) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.blobErr != nil {
		return 0, c.blobErr
	}
	if len(data) == 0 {
		return 0, errno("DRM_IOCTL_MODE_CREATEPROPBLOB", unix.EINVAL)
	}
	id := c.allocID()
	c.blobs[id] = slices.Clone(data)
	c.blobsCreated++
	return id, nil
}

// DestroyPropertyBlob implements the driver method.
func (c *Card) DestroyPropertyBlob(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.blobs[id]; !ok {
		return errno("DRM_IOCTL_MODE_DESTROYPROPBLOB", unix.ENOENT)
	}
	delete(c.blobs, id)
	return nil
}

// SetObjectProperty implements the driver method.
func (c *Card) SetObjectProperty(objectID, objectType, propertyID uint32, value uint64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkPropLocked(objectID, propertyID); err != nil {
		return errno("DRM_IOCTL_MODE_OBJ_SETPROPERTY", unix.EINVAL)
	}
	c.setLocked(objectID, propertyID, value)
	c.setProps = append(c.setProps, SetPropertyCall{
		Object: objectID,
		Name:   c.propInfo[propertyID].Name,
		Value:  value,
	})
	return nil
}

// AtomicCommit implements the driver method.
func (c *Card) AtomicCommit(req *drm.AtomicRequest, flags uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	record := Commit{Flags: flags, Values: make(map[PropKey]uint64)}
	err := c.validateLocked(req, flags, record.Values)
	if err == nil && c.hook != nil {
		err = c.hook(req, flags)
	}
	if err == nil && c.StrictBusy && flags&drm.AtomicNonblock != 0 && len(c.pending) > 0 {
		err = errno("DRM_IOCTL_MODE_ATOMIC", unix.EBUSY)
	}
	record.Err = err
	c.commits = append(c.commits, record)
	if err != nil || flags&drm.AtomicTestOnly != 0 {
		return err
	}

	req.Each(func(obj, prop uint32, value uint64) {
		c.setLocked(obj, prop, value)
	})
	for _, out := range req.OutFences() {
		fd, ferr := c.newFenceLocked()
		if ferr != nil {
			return ferr
		}
		*out.Dst = int32(fd)
	}
	return nil
}

func (c *Card) validateLocked(req *drm.AtomicRequest, flags uint32, values map[PropKey]uint64) error {
	if flags&^drm.AtomicFlagsMask != 0 {
		return errno("DRM_IOCTL_MODE_ATOMIC", unix.EINVAL)
	}
	if c.clientCaps[drm.ClientCapAtomic] == 0 {
		return errno("DRM_IOCTL_MODE_ATOMIC", unix.EOPNOTSUPP)
	}
	var err error
	req.Each(func(obj, prop uint32, value uint64) {
		if perr := c.checkPropLocked(obj, prop); perr != nil && err == nil {
			err = perr
		}
		if info, ok := c.propInfo[prop]; ok {
			values[PropKey{Object: obj, Name: info.Name}] = value
			if info.Flags&drm.PropImmutable != 0 && err == nil {
				err = errno("DRM_IOCTL_MODE_ATOMIC", unix.EINVAL)
			}
			if info.Flags&drm.PropBlob != 0 && value != 0 && err == nil {
				if _, live := c.blobs[uint32(value)]; !live {
					err = errno("DRM_IOCTL_MODE_ATOMIC", unix.ENOENT)
				}
			}
		}
	})
	return err
}

func (c *Card) checkPropLocked(obj, prop uint32) error {
	for _, pv := range c.objProps[obj] {
		if pv.ID == prop {
			return nil
		}
	}
	return errno("DRM_IOCTL_MODE_ATOMIC", unix.EINVAL)
}

func (c *Card) setLocked(obj, prop uint32, value uint64) {
	props := c.objProps[obj]
	for i := range props {
		if props[i].ID == prop {
			props[i].Value = value
		}
	}
}

func (c *Card) newFenceLocked() (int, error) {
	var p [2]int
	if err := unix.Pipe2(p[:], unix.O_CLOEXEC); err != nil {
		return -1, err
	}
	if c.AutoSignal {
		_, _ = unix.Write(p[1], []byte{1})
		_ = unix.Close(p[1])
		return p[0], nil
	}
	c.pending = append(c.pending, p[1])
	return p[0], nil
}

// SignalFences signals every pending out-fence.
func (c *Card) SignalFences() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.pending {
		_, _ = unix.Write(w, []byte{1})
		_ = unix.Close(w)
	}
	c.pending = nil
}

// PendingFences returns the number of out-fences not yet signalled.
func (c *Card) PendingFences() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// PrimeFDToHandle implements the driver method. The same descriptor yields
// the same handle until that handle is closed.
func (c *Card) PrimeFDToHandle(fd int) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.primeErr != nil {
		return 0, c.primeErr
	}
	if fd < 0 {
		return 0, errno("DRM_IOCTL_PRIME_FD_TO_HANDLE", unix.EBADF)
	}
	if h, ok := c.fdHandles[fd]; ok && c.handleOpen[h] {
		return h, nil
	}
	h := c.nextHandle
	c.nextHandle++
	c.fdHandles[fd] = h
	c.handleOpen[h] = true
	return h, nil
}

// CloseHandle implements the driver method.
func (c *Card) CloseHandle(handle uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handleCloses[handle]++
	if !c.handleOpen[handle] {
		return errno("DRM_IOCTL_GEM_CLOSE", unix.EINVAL)
	}
	c.handleOpen[handle] = false
	return nil
}

// AddFramebuffer implements the driver method.
func (c *Card) AddFramebuffer(cmd *drm.FramebufferCmd) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.addFBErr != nil {
		return 0, c.addFBErr
	}
	if cmd.Flags&drm.FramebufferModifier != 0 && c.caps[drm.CapAddFB2Modifiers] == 0 {
		return 0, errno("DRM_IOCTL_MODE_ADDFB2", unix.EINVAL)
	}
	if cmd.Width == 0 || cmd.Height == 0 || !c.handleOpen[cmd.Handles[0]] {
		return 0, errno("DRM_IOCTL_MODE_ADDFB2", unix.EINVAL)
	}
	id := c.allocID()
	c.fbs[id] = *cmd
	return id, nil
}

// RemoveFramebuffer implements the driver method.
func (c *Card) RemoveFramebuffer(id uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fbs[id]; !ok {
		return errno("DRM_IOCTL_MODE_RMFB", unix.ENOENT)
	}
	delete(c.fbs, id)
	c.removedFBs = append(c.removedFBs, id)
	return nil
}

// WaitVblank implements the driver method. Without a hook installed it
// fails like a driver without vblank interrupts.
func (c *Card) WaitVblank(crtcIndex int) (int64, error) {
	c.mu.Lock()
	fn := c.vblank
	c.mu.Unlock()
	if fn == nil {
		return 0, errno("DRM_IOCTL_WAIT_VBLANK", unix.EOPNOTSUPP)
	}
	return fn(crtcIndex)
}

// Close implements the driver method.
func (c *Card) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, w := range c.pending {
		_ = unix.Close(w)
	}
	c.pending = nil
	c.closed = true
	return nil
}

// Closed reports whether Close was called.
func (c *Card) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// SetCommitHook installs a hook consulted by every atomic commit.
func (c *Card) SetCommitHook(hook CommitHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hook = hook
}

// FailAddFramebuffer makes ADDFB2 fail with err until cleared with nil.
func (c *Card) FailAddFramebuffer(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.addFBErr = err
}

// FailPrime makes PRIME_FD_TO_HANDLE fail with err until cleared with nil.
func (c *Card) FailPrime(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.primeErr = err
}

// FailBlobs makes blob creation fail with err until cleared with nil.
func (c *Card) FailBlobs(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.blobErr = err
}

// SetVblank installs the vblank wait implementation.
func (c *Card) SetVblank(fn func(crtcIndex int) (int64, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.vblank = fn
}

// Commits returns every recorded atomic commit.
func (c *Card) Commits() []Commit {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.commits)
}

// LastCommit returns the most recent atomic commit.
func (c *Card) LastCommit() (Commit, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.commits) == 0 {
		return Commit{}, false
	}
	return c.commits[len(c.commits)-1], true
}

// SetPropertyCalls returns every recorded OBJ_SETPROPERTY.
func (c *Card) SetPropertyCalls() []SetPropertyCall {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.setProps)
}

// Value returns the current value of a named property of an object.
func (c *Card) Value(obj uint32, name string) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, ok := c.objPropLocked(obj, name)
	if !ok {
		return 0, false
	}
	for _, pv := range c.objProps[obj] {
		if pv.ID == id {
			return pv.Value, true
		}
	}
	return 0, false
}

// PropertyID returns the id of the property named name on obj.
func (c *Card) PropertyID(obj uint32, name string) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id, _ := c.objPropLocked(obj, name)
	return id
}

// Blob returns the contents of a live blob.
func (c *Card) Blob(id uint32) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.blobs[id]
	return slices.Clone(data), ok
}

// LiveBlobs returns the number of blobs not yet destroyed.
func (c *Card) LiveBlobs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.blobs)
}

// BlobsCreated returns the number of blobs ever created.
func (c *Card) BlobsCreated() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.blobsCreated
}

// HandleCloses returns how often a GEM handle was closed.
func (c *Card) HandleCloses(handle uint32) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.handleCloses[handle]
}

// OpenHandles returns the number of GEM handles still open.
func (c *Card) OpenHandles() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, open := range c.handleOpen {
		if open {
			n++
		}
	}
	return n
}

// Framebuffers returns the ids of live framebuffers.
func (c *Card) Framebuffers() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.fbs))
}

// Framebuffer returns the ADDFB2 request a live framebuffer was created from.
func (c *Card) Framebuffer(id uint32) (drm.FramebufferCmd, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	cmd, ok := c.fbs[id]
	return cmd, ok
}

// RemovedFramebuffers returns the ids passed to RMFB in order.
func (c *Card) RemovedFramebuffers() []uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.removedFBs)
}
