package kms

import "github.com/smazurov/hwcomposer/pkg/linuxav/drm"

// Encoder routes a crtc to connectors.
type Encoder struct {
	info drm.EncoderInfo
}

// ID returns the kernel object id.
func (e *Encoder) ID() uint32 { return e.info.ID }

// CurrentCrtc returns the crtc the encoder was bound to at enumeration, or 0.
func (e *Encoder) CurrentCrtc() uint32 { return e.info.CrtcID }

// CanDrive reports whether the encoder can be fed by crtc.
func (e *Encoder) CanDrive(crtc *Crtc) bool {
	return e.info.PossibleCrtcs&crtc.Mask() != 0
}
