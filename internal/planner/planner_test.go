//go:build linux

package planner

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"testing"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/kms/kmstest"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

func openDevice(t *testing.T, card *kmstest.Card) *kms.Device {
	t.Helper()
	dev, err := kms.Open(card, kms.Options{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return dev
}

func newLayer(format uint32) *layer.Layer {
	buf := &fbimport.Buffer{
		Width: 128, Height: 128, Format: format,
		Planes: []fbimport.BufferPlane{{FD: 3, Pitch: 512}},
	}
	return layer.New(buf, layer.Rect{Right: 128, Bottom: 128})
}

func rigPool(t *testing.T) (*kmstest.Rig, *kms.Device, []*kms.Plane) {
	t.Helper()
	rig := kmstest.NewRig()
	dev := openDevice(t, rig.Card)
	p, err := dev.BindPipeline(dev.Connector(rig.Connector), "planner-test")
	if err != nil {
		t.Fatalf("BindPipeline: %v", err)
	}
	t.Cleanup(p.Close)
	return rig, dev, p.UsablePlanes(true, true)
}

func TestBuildUniquePlanesIncreasingZ(t *testing.T) {
	_, _, pool := rigPool(t)

	for n := 0; n <= 3; n++ {
		layers := make([]*layer.Layer, n)
		for i := range layers {
			layers[i] = newLayer(drm.FormatXRGB8888)
		}

		plan := Build(layers, pool)
		if plan == nil {
			t.Fatalf("%d layers: nil plan", n)
		}
		if len(plan.Entries) != n {
			t.Fatalf("%d layers: %d entries", n, len(plan.Entries))
		}
		seen := make(map[uint32]bool)
		for i, e := range plan.Entries {
			if seen[e.Plane.ID()] {
				t.Errorf("%d layers: plane %d used twice", n, e.Plane.ID())
			}
			seen[e.Plane.ID()] = true
			if e.ZPos != i {
				t.Errorf("%d layers: entry %d zpos = %d", n, i, e.ZPos)
			}
			if e.Layer != layers[i] {
				t.Errorf("%d layers: entry %d has the wrong layer", n, i)
			}
		}
		if len(plan.Entries)+len(plan.Unused) != len(pool) {
			t.Errorf("%d layers: entries + unused = %d, pool = %d",
				n, len(plan.Entries)+len(plan.Unused), len(pool))
		}
	}
}

func TestBuildExhaustionLeavesLeasesAlone(t *testing.T) {
	_, dev, pool := rigPool(t)
	before := dev.Registry().Snapshot()

	// The cursor plane rejects non-cursor layers, leaving three usable planes.
	layers := []*layer.Layer{
		newLayer(drm.FormatXRGB8888),
		newLayer(drm.FormatXRGB8888),
		newLayer(drm.FormatXRGB8888),
		newLayer(drm.FormatXRGB8888),
	}
	if plan := Build(layers, pool); plan != nil {
		t.Fatalf("got a plan with %d entries, want nil", len(plan.Entries))
	}
	_, err := BuildChecked(layers, pool)
	if !errors.Is(err, ErrPoolExhausted) {
		t.Fatalf("err = %v, want ErrPoolExhausted", err)
	}
	if err.Error() != "plane pool exhausted: layer 3" {
		t.Errorf("err = %q, want it to name layer 3", err)
	}
	if after := dev.Registry().Snapshot(); !maps.Equal(before, after) {
		t.Errorf("planning changed leases: %v -> %v", before, after)
	}
}

// Pool {overlay-A without format X, overlay-B, primary}: the layer needing X
// skips overlay-A and lands on overlay-B, the second layer takes the
// primary plane, and the third finds nothing left.
func TestBuildSkipScenario(t *testing.T) {
	formatX := drm.FormatRGB565
	card := kmstest.New()
	card.AddCrtc()
	enc := card.AddEncoder(1)
	card.AddConnector(drm.ConnectorHDMIA, []uint32{enc}, kmstest.Mode(1920, 1080, 60))
	overlayA := card.AddPlane(kmstest.PlaneSpec{Type: kmstest.PlaneOverlay, PossibleCrtcs: 1,
		Formats: []uint32{drm.FormatXRGB8888}})
	overlayB := card.AddPlane(kmstest.PlaneSpec{Type: kmstest.PlaneOverlay, PossibleCrtcs: 1,
		Formats: []uint32{drm.FormatXRGB8888, formatX}})
	primary := card.AddPlane(kmstest.PlaneSpec{Type: kmstest.PlanePrimary, PossibleCrtcs: 1,
		Formats: []uint32{drm.FormatXRGB8888, formatX}})
	dev := openDevice(t, card)

	pool := []*kms.Plane{dev.Plane(overlayA), dev.Plane(overlayB), dev.Plane(primary)}
	l1, l2, l3 := newLayer(formatX), newLayer(drm.FormatXRGB8888), newLayer(drm.FormatXRGB8888)

	b := NewBuilder(pool)
	if err := b.Add(l1); err != nil {
		t.Fatalf("layer 1: %v", err)
	}
	if err := b.Add(l2); err != nil {
		t.Fatalf("layer 2: %v", err)
	}
	plan := b.Plan()
	want := []struct {
		layer *layer.Layer
		plane uint32
		zpos  int
	}{
		{l1, overlayB, 0},
		{l2, primary, 1},
	}
	for i, w := range want {
		e := plan.Entries[i]
		if e.Layer != w.layer || e.Plane.ID() != w.plane || e.ZPos != w.zpos {
			t.Errorf("entry %d = {plane %d, z %d}, want {plane %d, z %d}", i, e.Plane.ID(), e.ZPos, w.plane, w.zpos)
		}
	}
	if len(plan.Unused) != 1 || plan.Unused[0].ID() != overlayA {
		t.Errorf("%d unused planes, want overlay-A only", len(plan.Unused))
	}

	if err := b.Add(l3); !errors.Is(err, ErrPoolExhausted) {
		t.Errorf("layer 3 err = %v, want ErrPoolExhausted", err)
	}
	if Build([]*layer.Layer{l1, l2, l3}, pool) != nil {
		t.Error("Build of all three layers should fail")
	}
}

func TestBuilderPeekDoesNotConsume(t *testing.T) {
	rig, _, pool := rigPool(t)
	b := NewBuilder(pool)
	l := newLayer(drm.FormatXRGB8888)

	if p := b.Peek(l); p == nil || p.ID() != rig.Primary {
		t.Fatalf("Peek = %v, want primary", p)
	}
	if p := b.Peek(l); p == nil || p.ID() != rig.Primary {
		t.Fatal("second Peek moved on")
	}
	if b.Len() != 0 {
		t.Errorf("Len = %d after Peek", b.Len())
	}

	if err := b.Add(l); err != nil {
		t.Fatal(err)
	}
	if p := b.Peek(newLayer(drm.FormatXRGB8888)); p == nil || p.ID() != rig.Overlays[0] {
		t.Errorf("Peek after Add = %v, want first overlay", p)
	}

	unsupported := newLayer(drm.FormatNV12)
	if p := b.Peek(unsupported); p != nil {
		t.Errorf("Peek(NV12) = plane %d, want nil", p.ID())
	}
}

func TestBuilderCursorGoesToCursorPlane(t *testing.T) {
	rig, _, pool := rigPool(t)

	cursor := newLayer(drm.FormatARGB8888)
	cursor.Cursor = true
	cursor.SourceCrop = layer.FRect{Right: 64, Bottom: 64}
	cursor.DisplayFrame = layer.Rect{Left: 100, Top: 100, Right: 164, Bottom: 164}

	b := NewBuilder(pool)
	// Give the primary and overlays to regular layers first.
	for range 3 {
		if err := b.Add(newLayer(drm.FormatXRGB8888)); err != nil {
			t.Fatal(err)
		}
	}
	if err := b.Add(cursor); err != nil {
		t.Fatalf("cursor: %v", err)
	}
	plan := b.Plan()
	if last := plan.Entries[3]; last.Plane.ID() != rig.Cursor || last.ZPos != 3 {
		t.Errorf("cursor on plane %d z %d", last.Plane.ID(), last.ZPos)
	}
	if len(plan.Unused) != 0 {
		t.Errorf("%d unused planes, want 0", len(plan.Unused))
	}
}
