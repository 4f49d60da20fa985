package fbimport

// Framebuffer is one kernel framebuffer object and the GEM handles backing
// it. It is reference counted: the object is removed and its handles closed
// when the last reference is released.
type Framebuffer struct {
	imp      *Importer
	id       uint32
	handles  [MaxBufferPlanes]uint32
	width    uint32
	height   uint32
	format   uint32
	modifier uint64

	refs int // guarded by imp.mu
}

// ID returns the kernel framebuffer id.
func (fb *Framebuffer) ID() uint32 { return fb.id }

// Handle returns the primary GEM handle, the cache key.
func (fb *Framebuffer) Handle() uint32 { return fb.handles[0] }

// Width returns the framebuffer width in pixels.
func (fb *Framebuffer) Width() uint32 { return fb.width }

// Height returns the framebuffer height in pixels.
func (fb *Framebuffer) Height() uint32 { return fb.height }

// Format returns the fourcc the framebuffer was created with.
func (fb *Framebuffer) Format() uint32 { return fb.format }

// Modifier returns the buffer layout modifier.
func (fb *Framebuffer) Modifier() uint64 { return fb.modifier }

// Acquire adds a reference and returns fb.
func (fb *Framebuffer) Acquire() *Framebuffer {
	fb.imp.mu.Lock()
	defer fb.imp.mu.Unlock()
	if fb.refs == 0 {
		panic("fbimport: acquire of destroyed framebuffer")
	}
	fb.refs++
	return fb
}

// Release drops a reference, destroying the framebuffer with the last one.
func (fb *Framebuffer) Release() {
	fb.imp.mu.Lock()
	defer fb.imp.mu.Unlock()
	if fb.refs == 0 {
		return
	}
	fb.refs--
	if fb.refs == 0 {
		fb.destroyLocked()
	}
}

// Refs returns the current reference count.
func (fb *Framebuffer) Refs() int {
	fb.imp.mu.Lock()
	defer fb.imp.mu.Unlock()
	return fb.refs
}

func (fb *Framebuffer) destroyLocked() {
	if err := fb.imp.drv.RemoveFramebuffer(fb.id); err != nil {
		fb.imp.logger.Warn("Failed to remove framebuffer", "fb_id", fb.id, "error", err)
	}
	n := 0
	for n < len(fb.handles) && fb.handles[n] != 0 {
		n++
	}
	fb.imp.closeHandles(fb.handles[:n])
	fb.imp.logger.Debug("Destroyed framebuffer", "fb_id", fb.id, "handle", fb.handles[0])
}
