// Package fbimport turns exported dma-bufs into kernel framebuffer objects.
//
// Importing the same buffer twice yields the same *Framebuffer as long as a
// reference to it is still held. Framebuffers are keyed by the GEM handle of
// their first memory plane: the kernel hands out the same handle every time a
// given dma-buf is imported on one device file.
package fbimport

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/smazurov/hwcomposer/internal/metrics"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// DefaultSweepThreshold is the cache size above which dead entries are dropped.
const DefaultSweepThreshold = 32

// Driver is the subset of the DRM device the importer needs.
type Driver interface {
	PrimeFDToHandle(fd int) (uint32, error)
	CloseHandle(handle uint32) error
	AddFramebuffer(cmd *drm.FramebufferCmd) (uint32, error)
	RemoveFramebuffer(id uint32) error
}

// Options configures an Importer.
type Options struct {
	Logger *slog.Logger
	// Modifiers reports whether the device accepts ADDFB2 with modifiers.
	Modifiers bool
	// SweepThreshold defaults to DefaultSweepThreshold.
	SweepThreshold int
}

// Importer creates and caches framebuffers for one device.
type Importer struct {
	drv       Driver
	modifiers bool
	threshold int
	logger    *slog.Logger

	mu    sync.Mutex
	cache map[uint32]*Framebuffer
}

// New creates an importer for drv.
func New(drv Driver, opts Options) *Importer {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.SweepThreshold <= 0 {
		opts.SweepThreshold = DefaultSweepThreshold
	}
	return &Importer{
		drv:       drv,
		modifiers: opts.Modifiers,
		threshold: opts.SweepThreshold,
		logger:    opts.Logger,
		cache:     make(map[uint32]*Framebuffer),
	}
}

// Import returns a framebuffer for buf with one reference held by the caller.
// When destCantBlend is set, formats with alpha are created as their opaque
// variant. On error no framebuffer exists and the caller must compose the
// buffer some other way.
func (imp *Importer) Import(buf *Buffer, destCantBlend bool) (*Framebuffer, error) {
	if err := validate(buf); err != nil {
		metrics.IncFramebufferImport(metrics.ImportFailed)
		return nil, err
	}

	primary, err := imp.drv.PrimeFDToHandle(buf.Planes[0].FD)
	if err != nil {
		metrics.IncFramebufferImport(metrics.ImportFailed)
		return nil, fmt.Errorf("%w: fd %d: %w", ErrImport, buf.Planes[0].FD, err)
	}

	imp.mu.Lock()
	defer imp.mu.Unlock()

	if fb, ok := imp.cache[primary]; ok && fb.refs > 0 {
		fb.refs++
		metrics.IncFramebufferImport(metrics.ImportCached)
		return fb, nil
	}

	fb, err := imp.createLocked(buf, primary, destCantBlend)
	if err != nil {
		metrics.IncFramebufferImport(metrics.ImportFailed)
		return nil, err
	}

	imp.cache[primary] = fb
	if len(imp.cache) > imp.threshold {
		imp.sweepLocked()
	}
	metrics.SetFramebufferCacheEntries(len(imp.cache))
	metrics.IncFramebufferImport(metrics.ImportCreated)
	return fb, nil
}

func (imp *Importer) createLocked(buf *Buffer, primary uint32, destCantBlend bool) (*Framebuffer, error) {
	fb := &Framebuffer{
		imp:      imp,
		width:    buf.Width,
		height:   buf.Height,
		format:   buf.Format,
		modifier: buf.Modifier,
		refs:     1,
	}
	fb.handles[0] = primary

	for i := 1; i < len(buf.Planes); i++ {
		fd := buf.Planes[i].FD
		if h, ok := aliasHandle(buf, fb.handles[:i], i); ok {
			fb.handles[i] = h
			continue
		}
		h, err := imp.drv.PrimeFDToHandle(fd)
		if err != nil {
			imp.closeHandles(fb.handles[:i])
			return nil, fmt.Errorf("%w: plane %d fd %d: %w", ErrImport, i, fd, err)
		}
		fb.handles[i] = h
	}

	if destCantBlend {
		fb.format = drm.OpaqueFormat(fb.format)
	}

	cmd := &drm.FramebufferCmd{
		Width:       buf.Width,
		Height:      buf.Height,
		PixelFormat: fb.format,
	}
	for i, p := range buf.Planes {
		cmd.Handles[i] = fb.handles[i]
		cmd.Pitches[i] = p.Pitch
		cmd.Offsets[i] = p.Offset
	}

	switch {
	case imp.modifiers && buf.Modifier != drm.ModifierInvalid:
		cmd.Flags |= drm.FramebufferModifier
		for i := range buf.Planes {
			cmd.Modifiers[i] = buf.Modifier
		}
	case !imp.modifiers && !drm.IsLinearModifier(buf.Modifier):
		imp.closeHandles(fb.handles[:len(buf.Planes)])
		return nil, fmt.Errorf("%w: modifier %#x", ErrModifiersUnsupported, buf.Modifier)
	}

	id, err := imp.drv.AddFramebuffer(cmd)
	if err != nil {
		imp.closeHandles(fb.handles[:len(buf.Planes)])
		return nil, fmt.Errorf("%w: %dx%d %s: %w", ErrCreateFramebuffer,
			buf.Width, buf.Height, drm.FormatName(fb.format), err)
	}
	fb.id = id

	imp.logger.Debug("Created framebuffer",
		"fb_id", id,
		"handle", primary,
		"size", fmt.Sprintf("%dx%d", buf.Width, buf.Height),
		"format", drm.FormatName(fb.format),
		"modifier", fmt.Sprintf("%#x", buf.Modifier))
	return fb, nil
}

// aliasHandle returns the handle of an earlier plane sharing plane i's descriptor.
func aliasHandle(buf *Buffer, handles []uint32, i int) (uint32, bool) {
	for j := range handles {
		if buf.Planes[j].FD == buf.Planes[i].FD {
			return handles[j], true
		}
	}
	return 0, false
}

// closeHandles closes each distinct handle once.
func (imp *Importer) closeHandles(handles []uint32) {
	for i, h := range handles {
		if h == 0 || seenBefore(handles, i) {
			continue
		}
		if err := imp.drv.CloseHandle(h); err != nil {
			imp.logger.Warn("Failed to close GEM handle", "handle", h, "error", err)
		}
	}
}

func seenBefore(handles []uint32, i int) bool {
	for j := range i {
		if handles[j] == handles[i] {
			return true
		}
	}
	return false
}

// sweepLocked drops cache entries whose framebuffer has been destroyed.
func (imp *Importer) sweepLocked() {
	for key, fb := range imp.cache {
		if fb.refs == 0 {
			delete(imp.cache, key)
		}
	}
}

// Len returns the number of cache entries, dead ones included.
func (imp *Importer) Len() int {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	return len(imp.cache)
}

// Live returns the number of framebuffers still referenced.
func (imp *Importer) Live() int {
	imp.mu.Lock()
	defer imp.mu.Unlock()
	n := 0
	for _, fb := range imp.cache {
		if fb.refs > 0 {
			n++
		}
	}
	return n
}

func validate(buf *Buffer) error {
	switch {
	case buf == nil:
		return fmt.Errorf("%w: nil buffer", ErrInvalidBuffer)
	case len(buf.Planes) == 0 || len(buf.Planes) > MaxBufferPlanes:
		return fmt.Errorf("%w: %d planes", ErrInvalidBuffer, len(buf.Planes))
	case buf.Width == 0 || buf.Height == 0:
		return fmt.Errorf("%w: empty %dx%d", ErrInvalidBuffer, buf.Width, buf.Height)
	case buf.Planes[0].FD < 0:
		return fmt.Errorf("%w: bad fd %d", ErrInvalidBuffer, buf.Planes[0].FD)
	}
	return nil
}
