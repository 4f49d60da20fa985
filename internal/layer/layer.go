// Package layer describes one composition input handed to the planner.
package layer

import (
	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

// Transform is a bitmask of flips and rotations applied to the source.
type Transform uint32

// Transform bits. Rot270 is Rot90|Rot180.
const (
	FlipH  Transform = 1 << 0
	FlipV  Transform = 1 << 1
	Rot90  Transform = 1 << 2
	Rot180 Transform = FlipH | FlipV
	Rot270 Transform = Rot90 | Rot180
)

// BlendMode selects how the layer's alpha channel is interpreted.
type BlendMode int

// Blend modes.
const (
	BlendNone BlendMode = iota
	BlendPremultiplied
	BlendCoverage
)

// Colorspace is the primaries and matrix of the layer's pixels.
type Colorspace int

// Colorspaces.
const (
	ColorspaceDefault Colorspace = iota
	ColorspaceBT601
	ColorspaceBT709
	ColorspaceBT2020
)

// Range is the quantisation range of YCbCr content.
type Range int

// Ranges.
const (
	RangeDefault Range = iota
	RangeLimited
	RangeFull
)

// Transfer is the transfer function of the layer's pixels.
type Transfer int

// Transfer functions. PQ and HLG are HDR.
const (
	TransferSDR Transfer = iota
	TransferPQ
	TransferHLG
)

// Rect is an integer rectangle in display coordinates.
type Rect struct {
	Left, Top, Right, Bottom int32
}

// Width returns the rectangle width.
func (r Rect) Width() int32 { return r.Right - r.Left }

// Height returns the rectangle height.
func (r Rect) Height() int32 { return r.Bottom - r.Top }

// Empty reports whether the rectangle has no area.
func (r Rect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// FRect is a rectangle in buffer coordinates with sub-pixel precision.
type FRect struct {
	Left, Top, Right, Bottom float32
}

// Width returns the rectangle width.
func (r FRect) Width() float32 { return r.Right - r.Left }

// Height returns the rectangle height.
func (r FRect) Height() float32 { return r.Bottom - r.Top }

// Empty reports whether the rectangle has no area.
func (r FRect) Empty() bool { return r.Width() <= 0 || r.Height() <= 0 }

// Chromaticity is a CIE 1931 xy coordinate in units of 0.00002.
type Chromaticity struct {
	X, Y uint16
}

// HDRMetadata is the static metadata of an HDR layer (CTA-861-G type 1).
type HDRMetadata struct {
	Primaries    [3]Chromaticity // red, green, blue
	WhitePoint   Chromaticity
	MaxLuminance uint16 // cd/m²
	MinLuminance uint16 // 0.0001 cd/m²
	MaxCLL       uint16
	MaxFALL      uint16
}

// Layer is one composition input.
type Layer struct {
	// Buffer is nil for solid colour or client-composited layers.
	Buffer *fbimport.Buffer
	// FB is the imported framebuffer. The layer holds one reference.
	FB *fbimport.Framebuffer

	Transform    Transform
	Alpha        float32 // 0 transparent, 1 opaque
	Blend        BlendMode
	Colorspace   Colorspace
	Range        Range
	Transfer     Transfer
	HDR          *HDRMetadata
	SourceCrop   FRect
	DisplayFrame Rect

	// AcquireFence signals when the buffer contents are ready.
	AcquireFence *syncfile.Fence

	Cursor bool
}

// New returns an opaque premultiplied layer scanning out buf at frame.
// The source crop covers the whole buffer.
func New(buf *fbimport.Buffer, frame Rect) *Layer {
	l := &Layer{
		Buffer:       buf,
		Alpha:        1,
		Blend:        BlendPremultiplied,
		DisplayFrame: frame,
	}
	if buf != nil {
		l.SourceCrop = FRect{Right: float32(buf.Width), Bottom: float32(buf.Height)}
	}
	return l
}

// Format returns the pixel format the plane will see: the imported
// framebuffer's when present, else the buffer's.
func (l *Layer) Format() uint32 {
	switch {
	case l.FB != nil:
		return l.FB.Format()
	case l.Buffer != nil:
		return l.Buffer.Format
	}
	return 0
}

// Modifier returns the buffer layout modifier.
func (l *Layer) Modifier() uint64 {
	switch {
	case l.FB != nil:
		return l.FB.Modifier()
	case l.Buffer != nil:
		return l.Buffer.Modifier
	}
	return 0
}

// IsHDR reports whether the layer carries HDR content.
func (l *Layer) IsHDR() bool {
	return l.Transfer == TransferPQ || l.Transfer == TransferHLG
}

// NeedsScaling reports whether source and destination sizes differ once
// the transform is applied.
func (l *Layer) NeedsScaling() bool {
	sw, sh := l.SourceCrop.Width(), l.SourceCrop.Height()
	if l.Transform&Rot90 != 0 {
		sw, sh = sh, sw
	}
	return sw != float32(l.DisplayFrame.Width()) || sh != float32(l.DisplayFrame.Height())
}

// IsOpaque reports whether the layer fully covers what lies beneath it.
func (l *Layer) IsOpaque() bool {
	return l.Alpha >= 1 && (l.Blend == BlendNone || !drm.HasAlpha(l.Format()))
}

// Release drops the layer's framebuffer reference.
func (l *Layer) Release() {
	if l.FB != nil {
		l.FB.Release()
		l.FB = nil
	}
}
