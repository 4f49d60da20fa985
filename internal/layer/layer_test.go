package layer

import (
	"testing"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

func TestNewCoversBuffer(t *testing.T) {
	buf := &fbimport.Buffer{Width: 640, Height: 480, Format: drm.FormatXRGB8888}
	l := New(buf, Rect{Right: 640, Bottom: 480})

	if l.SourceCrop != (FRect{Right: 640, Bottom: 480}) {
		t.Errorf("SourceCrop = %+v", l.SourceCrop)
	}
	if l.Alpha != 1 || l.Blend != BlendPremultiplied {
		t.Errorf("Alpha = %v, Blend = %v", l.Alpha, l.Blend)
	}
	if l.Format() != drm.FormatXRGB8888 {
		t.Errorf("Format = %s", drm.FormatName(l.Format()))
	}
}

func TestNeedsScaling(t *testing.T) {
	tests := []struct {
		name      string
		crop      FRect
		frame     Rect
		transform Transform
		want      bool
	}{
		{"identity", FRect{Right: 100, Bottom: 50}, Rect{Right: 100, Bottom: 50}, 0, false},
		{"upscale", FRect{Right: 100, Bottom: 50}, Rect{Right: 200, Bottom: 100}, 0, true},
		{"offset frame", FRect{Left: 10, Right: 110, Bottom: 50}, Rect{Left: 5, Top: 5, Right: 105, Bottom: 55}, 0, false},
		{"rotated swap", FRect{Right: 100, Bottom: 50}, Rect{Right: 50, Bottom: 100}, Rot90, false},
		{"rotated mismatch", FRect{Right: 100, Bottom: 50}, Rect{Right: 100, Bottom: 50}, Rot270, true},
		{"fractional crop", FRect{Right: 99.5, Bottom: 50}, Rect{Right: 100, Bottom: 50}, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := &Layer{SourceCrop: tt.crop, DisplayFrame: tt.frame, Transform: tt.transform}
			if got := l.NeedsScaling(); got != tt.want {
				t.Errorf("NeedsScaling = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestIsHDR(t *testing.T) {
	tests := []struct {
		transfer Transfer
		want     bool
	}{
		{TransferSDR, false},
		{TransferPQ, true},
		{TransferHLG, true},
	}
	for _, tt := range tests {
		l := &Layer{Transfer: tt.transfer}
		if got := l.IsHDR(); got != tt.want {
			t.Errorf("transfer %d: IsHDR = %v, want %v", tt.transfer, got, tt.want)
		}
	}
}

func TestIsOpaque(t *testing.T) {
	tests := []struct {
		name   string
		format uint32
		alpha  float32
		blend  BlendMode
		want   bool
	}{
		{"xrgb", drm.FormatXRGB8888, 1, BlendPremultiplied, true},
		{"argb blended", drm.FormatARGB8888, 1, BlendPremultiplied, false},
		{"argb no blend", drm.FormatARGB8888, 1, BlendNone, true},
		{"plane alpha", drm.FormatXRGB8888, 0.5, BlendNone, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := New(&fbimport.Buffer{Width: 1, Height: 1, Format: tt.format}, Rect{Right: 1, Bottom: 1})
			l.Alpha = tt.alpha
			l.Blend = tt.blend
			if got := l.IsOpaque(); got != tt.want {
				t.Errorf("IsOpaque = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRectEmpty(t *testing.T) {
	if !(Rect{Left: 5, Right: 5, Bottom: 10}).Empty() {
		t.Error("zero-width rect should be empty")
	}
	if (Rect{Right: 1, Bottom: 1}).Empty() {
		t.Error("1x1 rect should not be empty")
	}
	if !(FRect{Right: -1, Bottom: 1}).Empty() {
		t.Error("negative-width rect should be empty")
	}
}
