//go:build linux

package fbimport_test

import (
	"errors"
	"io"
	"log/slog"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms/kmstest"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

func newImporter(card *kmstest.Card, modifiers bool, threshold int) *fbimport.Importer {
	return fbimport.New(card, fbimport.Options{
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		Modifiers:      modifiers,
		SweepThreshold: threshold,
	})
}

func rgbBuffer(fd int) *fbimport.Buffer {
	return &fbimport.Buffer{
		Width:  256,
		Height: 128,
		Format: drm.FormatARGB8888,
		Planes: []fbimport.BufferPlane{{FD: fd, Pitch: 1024}},
	}
}

func TestImportCachesByPrimaryHandle(t *testing.T) {
	card := kmstest.New()
	imp := newImporter(card, true, 0)

	first, err := imp.Import(rgbBuffer(10), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	second, err := imp.Import(rgbBuffer(10), false)
	if err != nil {
		t.Fatalf("second Import: %v", err)
	}
	if first != second {
		t.Fatal("re-import returned a different framebuffer")
	}
	if first.Refs() != 2 {
		t.Errorf("Refs = %d, want 2", first.Refs())
	}
	if n := len(card.Framebuffers()); n != 1 {
		t.Errorf("kernel framebuffers = %d, want 1", n)
	}

	first.Release()
	if first.Refs() != 1 || len(card.Framebuffers()) != 1 {
		t.Error("framebuffer destroyed while a reference remains")
	}

	handle := second.Handle()
	second.Release()
	if len(card.Framebuffers()) != 0 {
		t.Error("framebuffer not removed after last release")
	}
	if n := card.HandleCloses(handle); n != 1 {
		t.Errorf("primary handle closed %d times, want 1", n)
	}
}

func TestImportAfterDestroyCreatesNew(t *testing.T) {
	card := kmstest.New()
	imp := newImporter(card, true, 0)

	fb, err := imp.Import(rgbBuffer(10), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	oldID := fb.ID()
	fb.Release()

	fb2, err := imp.Import(rgbBuffer(10), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	defer fb2.Release()
	if fb2 == fb || fb2.ID() == oldID {
		t.Error("dead cache entry was reused")
	}
}

func TestImportMultiPlaneClosesDistinctHandlesOnce(t *testing.T) {
	card := kmstest.New()
	imp := newImporter(card, true, 0)

	buf := &fbimport.Buffer{
		Width:  64,
		Height: 64,
		Format: drm.FormatYUV420,
		Planes: []fbimport.BufferPlane{
			{FD: 20, Pitch: 64},
			{FD: 20, Offset: 4096, Pitch: 32}, // alias of plane 0
			{FD: 21, Pitch: 32},
		},
	}
	fb, err := imp.Import(buf, false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}

	cmd, ok := card.Framebuffer(fb.ID())
	if !ok {
		t.Fatal("framebuffer not created")
	}
	if cmd.Handles[0] != cmd.Handles[1] {
		t.Errorf("aliased plane got handle %d, want %d", cmd.Handles[1], cmd.Handles[0])
	}
	if cmd.Handles[2] == cmd.Handles[0] {
		t.Error("distinct descriptor shares the primary handle")
	}
	if cmd.Offsets[1] != 4096 {
		t.Errorf("plane 1 offset = %d, want 4096", cmd.Offsets[1])
	}

	fb.Release()
	for _, h := range []uint32{cmd.Handles[0], cmd.Handles[2]} {
		if n := card.HandleCloses(h); n != 1 {
			t.Errorf("handle %d closed %d times, want 1", h, n)
		}
	}
	if card.OpenHandles() != 0 {
		t.Errorf("open handles = %d, want 0", card.OpenHandles())
	}
}

func TestImportOpaqueRemap(t *testing.T) {
	tests := []struct {
		name          string
		format        uint32
		destCantBlend bool
		want          uint32
	}{
		{"argb blendable", drm.FormatARGB8888, false, drm.FormatARGB8888},
		{"argb opaque", drm.FormatARGB8888, true, drm.FormatXRGB8888},
		{"abgr opaque", drm.FormatABGR8888, true, drm.FormatXBGR8888},
		{"rgba opaque", drm.FormatRGBA8888, true, drm.FormatRGBX8888},
		{"bgra opaque", drm.FormatBGRA8888, true, drm.FormatBGRX8888},
		{"argb2101010 opaque", drm.FormatARGB2101010, true, drm.FormatXRGB2101010},
		{"abgr2101010 opaque", drm.FormatABGR2101010, true, drm.FormatXBGR2101010},
		{"abgr16f opaque", drm.FormatABGR16161616F, true, drm.FormatXBGR16161616F},
		{"xrgb untouched", drm.FormatXRGB8888, true, drm.FormatXRGB8888},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := kmstest.New()
			imp := newImporter(card, true, 0)
			buf := rgbBuffer(30 + i)
			buf.Format = tt.format

			fb, err := imp.Import(buf, tt.destCantBlend)
			if err != nil {
				t.Fatalf("Import: %v", err)
			}
			defer fb.Release()
			cmd, _ := card.Framebuffer(fb.ID())
			if cmd.PixelFormat != tt.want || fb.Format() != tt.want {
				t.Errorf("format = %s, want %s", drm.FormatName(cmd.PixelFormat), drm.FormatName(tt.want))
			}
		})
	}
}

func TestImportModifiers(t *testing.T) {
	tests := []struct {
		name      string
		supported bool
		modifier  uint64
		wantErr   error
		wantFlag  bool
	}{
		{"supported tiled", true, kmstest.Tiled, nil, true},
		{"supported linear", true, drm.ModifierLinear, nil, true},
		{"supported implicit", true, drm.ModifierInvalid, nil, false},
		{"unsupported linear", false, drm.ModifierLinear, nil, false},
		{"unsupported implicit", false, drm.ModifierInvalid, nil, false},
		{"unsupported tiled", false, kmstest.Tiled, fbimport.ErrModifiersUnsupported, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			card := kmstest.New()
			if !tt.supported {
				card.SetCap(drm.CapAddFB2Modifiers, 0)
			}
			imp := newImporter(card, tt.supported, 0)
			buf := rgbBuffer(40)
			buf.Modifier = tt.modifier

			fb, err := imp.Import(buf, false)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				if fb != nil {
					t.Error("got a framebuffer on failure")
				}
				if card.OpenHandles() != 0 {
					t.Errorf("open handles = %d after failure, want 0", card.OpenHandles())
				}
				return
			}
			if err != nil {
				t.Fatalf("Import: %v", err)
			}
			defer fb.Release()
			cmd, _ := card.Framebuffer(fb.ID())
			if got := cmd.Flags&drm.FramebufferModifier != 0; got != tt.wantFlag {
				t.Errorf("modifier flag = %v, want %v", got, tt.wantFlag)
			}
			if tt.wantFlag && cmd.Modifiers[0] != tt.modifier {
				t.Errorf("modifier = %#x, want %#x", cmd.Modifiers[0], tt.modifier)
			}
		})
	}
}

func TestImportFailures(t *testing.T) {
	t.Run("prime failure", func(t *testing.T) {
		card := kmstest.New()
		card.FailPrime(unix.EBADF)
		imp := newImporter(card, true, 0)
		if _, err := imp.Import(rgbBuffer(1), false); !errors.Is(err, fbimport.ErrImport) || !errors.Is(err, unix.EBADF) {
			t.Errorf("err = %v, want ErrImport wrapping EBADF", err)
		}
	})

	t.Run("addfb failure", func(t *testing.T) {
		card := kmstest.New()
		card.FailAddFramebuffer(unix.ENOSPC)
		imp := newImporter(card, true, 0)
		if _, err := imp.Import(rgbBuffer(1), false); !errors.Is(err, fbimport.ErrCreateFramebuffer) {
			t.Errorf("err = %v, want ErrCreateFramebuffer", err)
		}
		if card.OpenHandles() != 0 {
			t.Errorf("open handles = %d, want 0", card.OpenHandles())
		}
	})

	t.Run("invalid buffers", func(t *testing.T) {
		imp := newImporter(kmstest.New(), true, 0)
		for _, buf := range []*fbimport.Buffer{
			nil,
			{Width: 1, Height: 1},
			{Width: 0, Height: 1, Planes: []fbimport.BufferPlane{{FD: 1}}},
			{Width: 1, Height: 1, Planes: []fbimport.BufferPlane{{FD: -1}}},
			{Width: 1, Height: 1, Planes: make([]fbimport.BufferPlane, 5)},
		} {
			if _, err := imp.Import(buf, false); !errors.Is(err, fbimport.ErrInvalidBuffer) {
				t.Errorf("buffer %+v: err = %v, want ErrInvalidBuffer", buf, err)
			}
		}
	})
}

func TestSweepDropsDeadEntries(t *testing.T) {
	card := kmstest.New()
	imp := newImporter(card, true, 4)

	var live []*fbimport.Framebuffer
	for fd := 100; fd < 104; fd++ {
		fb, err := imp.Import(rgbBuffer(fd), false)
		if err != nil {
			t.Fatalf("Import: %v", err)
		}
		if fd%2 == 0 {
			fb.Release()
		} else {
			live = append(live, fb)
		}
	}
	if imp.Len() != 4 {
		t.Fatalf("Len = %d before sweep, want 4", imp.Len())
	}

	fb, err := imp.Import(rgbBuffer(200), false)
	if err != nil {
		t.Fatalf("Import: %v", err)
	}
	live = append(live, fb)

	if imp.Len() != 3 || imp.Live() != 3 {
		t.Errorf("Len = %d, Live = %d after sweep, want 3 and 3", imp.Len(), imp.Live())
	}
	for _, fb := range live {
		fb.Release()
	}
}
