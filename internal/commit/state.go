package commit

import (
	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

// FrameState is what one commit put on screen. It holds a reference on
// every framebuffer and blob the hardware may still be reading.
type FrameState struct {
	planes []*kms.Plane
	fbs    []*fbimport.Framebuffer

	mode    *kms.Blob
	hdr     *kms.Blob
	hdrMeta layer.HDRMetadata
	hdrEOTF layer.Transfer
	ctm     *kms.Blob
	gamma   *kms.Blob

	crtcActive   bool
	writeback    *kms.Connector
	presentFence *syncfile.Fence
}

// Planes returns the planes scanning out in this frame, in z order.
func (s *FrameState) Planes() []*kms.Plane { return s.planes }

// FramebufferIDs returns the kernel ids of the retained framebuffers.
func (s *FrameState) FramebufferIDs() []uint32 {
	ids := make([]uint32, len(s.fbs))
	for i, fb := range s.fbs {
		ids[i] = fb.ID()
	}
	return ids
}

// CrtcActive reports whether the crtc was left running.
func (s *FrameState) CrtcActive() bool { return s.crtcActive }

// next starts the following frame. Blobs and the active flag carry over;
// planes and framebuffers carry over only when keepPlanes is set.
func (s *FrameState) next(keepPlanes bool) *FrameState {
	n := &FrameState{
		mode:       s.mode.Acquire(),
		hdr:        s.hdr.Acquire(),
		hdrMeta:    s.hdrMeta,
		hdrEOTF:    s.hdrEOTF,
		ctm:        s.ctm.Acquire(),
		gamma:      s.gamma.Acquire(),
		crtcActive: s.crtcActive,
		writeback:  s.writeback,
	}
	if keepPlanes {
		n.planes = append(n.planes, s.planes...)
		for _, fb := range s.fbs {
			n.fbs = append(n.fbs, fb.Acquire())
		}
	}
	return n
}

func (s *FrameState) retain(fb *fbimport.Framebuffer) {
	s.fbs = append(s.fbs, fb.Acquire())
}

func (s *FrameState) clearPlanes() {
	for _, fb := range s.fbs {
		fb.Release()
	}
	s.fbs = nil
	s.planes = nil
}

func (s *FrameState) hasPlane(p *kms.Plane) bool {
	for _, q := range s.planes {
		if q == p {
			return true
		}
	}
	return false
}

// release drops every reference the frame holds.
func (s *FrameState) release() []error {
	if s == nil {
		return nil
	}
	s.clearPlanes()
	var errs []error
	for _, b := range []**kms.Blob{&s.mode, &s.hdr, &s.ctm, &s.gamma} {
		if err := (*b).Release(); err != nil {
			errs = append(errs, err)
		}
		*b = nil
	}
	s.closeFence()
	return errs
}

func (s *FrameState) closeFence() {
	if s.presentFence != nil {
		_ = s.presentFence.Close()
		s.presentFence = nil
	}
}
