//go:build linux

package kms

import (
	"errors"
	"io"
	"log/slog"
	"maps"
	"testing"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms/kmstest"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openRig(t *testing.T, scaling bool) (*kmstest.Rig, *Device) {
	t.Helper()
	rig := kmstest.NewRig()
	dev, err := Open(rig.Card, Options{Logger: testLogger(), AllowScaling: scaling})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return rig, dev
}

func TestOpenEnablesClientCaps(t *testing.T) {
	rig, dev := openRig(t, false)

	for _, c := range []uint64{drm.ClientCapUniversalPlanes, drm.ClientCapAtomic, drm.ClientCapWritebackConnectors} {
		if rig.ClientCap(c) != 1 {
			t.Errorf("client cap %d not enabled", c)
		}
	}
	if !dev.HasModifiers() {
		t.Error("HasModifiers = false, want true")
	}
	if w, h := dev.CursorSize(); w != 64 || h != 64 {
		t.Errorf("CursorSize = %dx%d, want 64x64", w, h)
	}
	if len(dev.Crtcs()) != 1 || len(dev.Connectors()) != 1 || len(dev.Planes()) != 4 {
		t.Errorf("enumerated %d crtcs, %d connectors, %d planes",
			len(dev.Crtcs()), len(dev.Connectors()), len(dev.Planes()))
	}
}

func TestOpenWithoutModifierCap(t *testing.T) {
	rig := kmstest.NewRig()
	rig.ClearCap(drm.CapAddFB2Modifiers)
	rig.ClearCap(drm.CapCursorWidth)

	dev, err := Open(rig.Card, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if dev.HasModifiers() {
		t.Error("HasModifiers = true without the capability")
	}
	if w, _ := dev.CursorSize(); w != DefaultCursorSize {
		t.Errorf("cursor width = %d, want default %d", w, DefaultCursorSize)
	}
}

func TestPlaneEnumeration(t *testing.T) {
	rig, dev := openRig(t, false)

	want := map[uint32]PlaneType{
		rig.Primary:     PlanePrimary,
		rig.Overlays[0]: PlaneOverlay,
		rig.Overlays[1]: PlaneOverlay,
		rig.Cursor:      PlaneCursor,
	}
	for id, typ := range want {
		p := dev.Plane(id)
		if p == nil {
			t.Fatalf("plane %d missing", id)
		}
		if p.Type() != typ {
			t.Errorf("plane %d type = %s, want %s", id, p.Type(), typ)
		}
	}

	primary := dev.Plane(rig.Primary)
	if !primary.SupportsModifier(drm.FormatXRGB8888, kmstest.Tiled) {
		t.Error("primary should accept the tiled modifier from IN_FORMATS")
	}
	if lo, hi, mutable := primary.ZPosRange(); lo != 0 || hi != 0 || mutable {
		t.Errorf("primary zpos = [%d, %d] mutable=%v", lo, hi, mutable)
	}
	for i, id := range rig.Overlays {
		lo, hi, mutable := dev.Plane(id).ZPosRange()
		if lo != uint64(i+1) || hi != 3 || !mutable {
			t.Errorf("overlay %d zpos = [%d, %d] mutable=%v, want [%d, 3] mutable", id, lo, hi, mutable, i+1)
		}
	}
	if lo, hi, mutable := dev.Plane(rig.Cursor).ZPosRange(); lo != 3 || hi != 3 || mutable {
		t.Errorf("cursor zpos = [%d, %d] mutable=%v", lo, hi, mutable)
	}

	cursor := dev.Plane(rig.Cursor)
	if cursor.SupportsModifier(drm.FormatARGB8888, kmstest.Tiled) {
		t.Error("cursor without IN_FORMATS should only accept linear")
	}
	if !cursor.SupportsModifier(drm.FormatARGB8888, drm.ModifierLinear) {
		t.Error("cursor should accept linear")
	}
}

func TestPropertyEnums(t *testing.T) {
	rig, dev := openRig(t, false)
	plane := dev.Plane(rig.Primary)

	blend := plane.Prop("pixel blend mode")
	if v, err := blend.EnumValue("Coverage"); err != nil || v != 2 {
		t.Errorf("Coverage = %d, %v; want 2", v, err)
	}
	if _, err := blend.EnumValue("Bogus"); !errors.Is(err, ErrUnknownEnum) {
		t.Errorf("unknown enum err = %v", err)
	}

	rotation := plane.Prop("rotation")
	if v, err := rotation.EnumValue("rotate-180"); err != nil || v != 1<<kmstest.Rotate180 {
		t.Errorf("rotate-180 = %#x, %v; want bit value %#x", v, err, 1<<kmstest.Rotate180)
	}
	if rotation.HasEnum("rotate-90") {
		t.Error("rig planes do not advertise rotate-90")
	}

	var missing *Property
	if missing.Exists() || missing.ID() != 0 || missing.HasEnum("x") {
		t.Error("nil property should behave as absent")
	}
	if err := missing.AddTo(drm.NewAtomicRequest(), 1, 1); !errors.Is(err, ErrPropertyNotFound) {
		t.Errorf("AddTo on absent property: %v", err)
	}
}

func TestPropertyAddTo(t *testing.T) {
	rig, dev := openRig(t, false)
	plane := dev.Plane(rig.Primary)
	crtc := dev.Crtcs()[0]
	req := drm.NewAtomicRequest()

	if err := plane.Prop("alpha").AddTo(req, plane.ID(), 0x8000); err != nil {
		t.Errorf("alpha: %v", err)
	}
	if err := plane.Prop("alpha").AddTo(req, plane.ID(), 0x10000); !errors.Is(err, ErrPropertyRange) {
		t.Errorf("out of range alpha: %v", err)
	}
	if err := crtc.Prop("GAMMA_LUT_SIZE").AddTo(req, crtc.ID(), 1); !errors.Is(err, ErrPropertyImmutable) {
		t.Errorf("immutable property: %v", err)
	}
	if err := plane.Prop("pixel blend mode").AddEnumTo(req, plane.ID(), "None"); err != nil {
		t.Errorf("blend None: %v", err)
	}

	if v, ok := req.Value(plane.ID(), plane.Prop("alpha").ID()); !ok || v != 0x8000 {
		t.Errorf("queued alpha = %#x, %v", v, ok)
	}
	if req.Len() != 2 {
		t.Errorf("request has %d properties, want 2", req.Len())
	}
}

func TestConnectorRefresh(t *testing.T) {
	rig, dev := openRig(t, false)
	conn := dev.Connector(rig.Connector)

	if conn.Name() != "HDMI-A-1" || !conn.Connected() {
		t.Fatalf("connector %s connected=%v", conn.Name(), conn.Connected())
	}
	mode, ok := conn.PreferredMode()
	if !ok || mode.Hdisplay != 1920 {
		t.Errorf("preferred mode = %s, %v", mode.String(), ok)
	}

	rig.SetConnection(rig.Connector, drm.Disconnected)
	rig.SetValue(rig.Connector, "link-status", 1)
	if !conn.Connected() {
		t.Error("status changed before Refresh")
	}
	if err := conn.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if conn.Connected() {
		t.Error("Connected = true after unplug")
	}
	if !conn.LinkStatusBad() {
		t.Error("LinkStatusBad = false after refresh")
	}
}

func TestConnectorSetEnumProperty(t *testing.T) {
	rig, dev := openRig(t, false)
	rig.EnableContentProtection(rig.Connector)
	conn := dev.Connector(rig.Connector)
	if err := conn.Refresh(); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	// Properties added after enumeration are not picked up by Refresh.
	if conn.Prop("Content Protection").Exists() {
		t.Fatal("Refresh re-read property definitions")
	}

	rig2 := kmstest.NewRig()
	rig2.EnableContentProtection(rig2.Connector)
	dev2, err := Open(rig2.Card, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	conn2 := dev2.Connector(rig2.Connector)
	if err := conn2.SetEnumProperty("Content Protection", ContentProtectionDesired); err != nil {
		t.Fatalf("SetEnumProperty: %v", err)
	}
	if v, _ := rig2.Value(rig2.Connector, "Content Protection"); v != 1 {
		t.Errorf("Content Protection = %d, want 1", v)
	}
	calls := rig2.SetPropertyCalls()
	if len(calls) != 1 || calls[0].Name != "Content Protection" {
		t.Errorf("set property calls = %+v", calls)
	}
	if err := conn2.SetEnumProperty("Content Protection", "Bogus"); !errors.Is(err, ErrUnknownEnum) {
		t.Errorf("bogus enum: %v", err)
	}
}

func TestBlobRefcount(t *testing.T) {
	rig, dev := openRig(t, false)
	base := rig.LiveBlobs()

	mode := kmstest.Mode(1280, 720, 60)
	blob, err := dev.CreateModeBlob(&mode)
	if err != nil {
		t.Fatalf("CreateModeBlob: %v", err)
	}
	data, ok := rig.Blob(blob.ID())
	if !ok || len(data) != 68 {
		t.Fatalf("mode blob has %d bytes", len(data))
	}

	blob.Acquire()
	if err := blob.Release(); err != nil {
		t.Fatal(err)
	}
	if rig.LiveBlobs() != base+1 {
		t.Error("blob destroyed while referenced")
	}
	if err := blob.Release(); err != nil {
		t.Fatal(err)
	}
	if rig.LiveBlobs() != base {
		t.Error("blob not destroyed with the last reference")
	}

	var nilBlob *Blob
	if nilBlob.ID() != 0 || nilBlob.Acquire() != nil || nilBlob.Release() != nil {
		t.Error("nil blob should be inert")
	}
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()

	a, err := reg.Acquire(10, "a")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := reg.Acquire(10, "b"); !errors.Is(err, ErrResourceBusy) {
		t.Errorf("second Acquire err = %v, want ErrResourceBusy", err)
	}
	if owner, ok := reg.Owner(10); !ok || owner != "a" {
		t.Errorf("Owner = %q, %v", owner, ok)
	}

	a.Release()
	a.Release()
	if reg.Held(10) {
		t.Error("object still held after release")
	}

	b, err := reg.Acquire(10, "b")
	if err != nil {
		t.Fatalf("Acquire after release: %v", err)
	}
	a.Release() // stale lease must not free b's hold
	if owner, _ := reg.Owner(10); owner != "b" {
		t.Errorf("stale release freed the object, owner = %q", owner)
	}
	b.Release()
}

func TestBindPipeline(t *testing.T) {
	rig, dev := openRig(t, false)
	conn := dev.Connector(rig.Connector)

	p, err := dev.BindPipeline(conn, "display-1")
	if err != nil {
		t.Fatalf("BindPipeline: %v", err)
	}
	if p.Crtc.ID() != rig.Crtc || p.Primary.ID() != rig.Primary || p.Encoder.ID() != rig.Encoder {
		t.Errorf("bound crtc %d primary %d encoder %d", p.Crtc.ID(), p.Primary.ID(), p.Encoder.ID())
	}
	for _, id := range []uint32{rig.Connector, rig.Encoder, rig.Crtc, rig.Primary} {
		if owner, _ := dev.Registry().Owner(id); owner != "display-1" {
			t.Errorf("object %d owner = %q", id, owner)
		}
	}

	if _, err := dev.BindPipeline(conn, "display-2"); !errors.Is(err, ErrNoPipeline) {
		t.Errorf("double bind err = %v, want ErrNoPipeline", err)
	}

	p.Close()
	if n := len(dev.Registry().Snapshot()); n != 0 {
		t.Errorf("%d objects still leased after Close", n)
	}
}

func TestBindPipelineNoFreeCrtc(t *testing.T) {
	rig := kmstest.NewRig()
	enc2 := rig.AddEncoder(1) // can only use the rig's single crtc
	conn2 := rig.AddConnector(drm.ConnectorDisplayPort, []uint32{enc2}, kmstest.Mode(1280, 720, 60))
	dev, err := Open(rig.Card, Options{Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if _, err := dev.BindPipeline(dev.Connector(rig.Connector), "first"); err != nil {
		t.Fatalf("first bind: %v", err)
	}
	before := dev.Registry().Snapshot()

	if _, err := dev.BindPipeline(dev.Connector(conn2), "second"); !errors.Is(err, ErrNoPipeline) {
		t.Fatalf("err = %v, want ErrNoPipeline", err)
	}
	if after := dev.Registry().Snapshot(); !maps.Equal(before, after) {
		t.Errorf("failed bind changed leases: %v -> %v", before, after)
	}
}

func TestUsablePlanesOrder(t *testing.T) {
	rig, dev := openRig(t, false)
	p, err := dev.BindPipeline(dev.Connector(rig.Connector), "display-1")
	if err != nil {
		t.Fatalf("BindPipeline: %v", err)
	}
	defer p.Close()

	pool := p.UsablePlanes(true, true)
	want := []uint32{rig.Primary, rig.Overlays[0], rig.Overlays[1], rig.Cursor}
	if len(pool) != len(want) {
		t.Fatalf("pool has %d planes, want %d", len(pool), len(want))
	}
	for i, plane := range pool {
		if plane.ID() != want[i] {
			t.Errorf("pool[%d] = %d, want %d", i, plane.ID(), want[i])
		}
	}

	if pool := p.UsablePlanes(false, false); len(pool) != 1 {
		t.Errorf("primary-only pool has %d planes", len(pool))
	}
}

func TestUsablePlanesSkipsForeignLeases(t *testing.T) {
	rig, dev := openRig(t, false)
	other, err := dev.Registry().Acquire(rig.Overlays[0], "other")
	if err != nil {
		t.Fatal(err)
	}
	defer other.Release()

	p, err := dev.BindPipeline(dev.Connector(rig.Connector), "display-1")
	if err != nil {
		t.Fatalf("BindPipeline: %v", err)
	}
	defer p.Close()

	for _, plane := range p.UsablePlanes(true, false) {
		if plane.ID() == rig.Overlays[0] {
			t.Error("pool contains a plane leased by another owner")
		}
	}
}

func testLayer(format uint32, modifier uint64) *layer.Layer {
	buf := &fbimport.Buffer{
		Width: 256, Height: 256, Format: format, Modifier: modifier,
		Planes: []fbimport.BufferPlane{{FD: 1, Pitch: 1024}},
	}
	return layer.New(buf, layer.Rect{Right: 256, Bottom: 256})
}

func TestValidateLayer(t *testing.T) {
	tests := []struct {
		name    string
		plane   string // primary, overlay, cursor
		scaling bool
		mutate  func(l *layer.Layer)
		want    bool
	}{
		{"plain xrgb", "primary", false, func(*layer.Layer) {}, true},
		{"no buffer", "primary", false, func(l *layer.Layer) { l.Buffer = nil }, false},
		{"unsupported format", "overlay", false, func(l *layer.Layer) { l.Buffer.Format = drm.FormatNV12 }, false},
		{"tiled modifier", "overlay", false, func(l *layer.Layer) { l.Buffer.Modifier = kmstest.Tiled }, true},
		{"unknown modifier", "overlay", false, func(l *layer.Layer) { l.Buffer.Modifier = 0x0200000000000005 }, false},
		{"rotate 180", "overlay", false, func(l *layer.Layer) { l.Transform = layer.Rot180 }, true},
		{"flip h", "overlay", false, func(l *layer.Layer) { l.Transform = layer.FlipH }, true},
		{"rotate 90", "overlay", false, func(l *layer.Layer) {
			l.Transform = layer.Rot90
			l.DisplayFrame = layer.Rect{Right: 256, Bottom: 256}
		}, false},
		{"plane alpha", "overlay", false, func(l *layer.Layer) { l.Alpha = 0.5 }, true},
		{"coverage blend", "overlay", false, func(l *layer.Layer) { l.Blend = layer.BlendCoverage }, true},
		{"scaling disallowed", "overlay", false, func(l *layer.Layer) { l.DisplayFrame.Right = 512 }, false},
		{"scaling allowed", "overlay", true, func(l *layer.Layer) { l.DisplayFrame.Right = 512 }, true},
		{"empty crop", "overlay", false, func(l *layer.Layer) { l.SourceCrop = layer.FRect{} }, false},
		{"colorspace without property", "overlay", false, func(l *layer.Layer) { l.Colorspace = layer.ColorspaceBT709 }, false},
		{"cursor plane plain layer", "cursor", false, func(l *layer.Layer) { l.Buffer.Format = drm.FormatARGB8888 }, false},
		{"cursor layer", "cursor", false, func(l *layer.Layer) {
			l.Buffer.Format = drm.FormatARGB8888
			l.Cursor = true
			l.SourceCrop = layer.FRect{Right: 64, Bottom: 64}
			l.DisplayFrame = layer.Rect{Left: 10, Top: 10, Right: 74, Bottom: 74}
		}, true},
		{"oversized cursor", "cursor", false, func(l *layer.Layer) {
			l.Buffer.Format = drm.FormatARGB8888
			l.Cursor = true
		}, false},
		{"cursor never scales", "cursor", true, func(l *layer.Layer) {
			l.Buffer.Format = drm.FormatARGB8888
			l.Cursor = true
			l.SourceCrop = layer.FRect{Right: 32, Bottom: 32}
			l.DisplayFrame = layer.Rect{Right: 64, Bottom: 64}
		}, false},
		{"cursor layer on overlay", "overlay", false, func(l *layer.Layer) { l.Cursor = true }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rig, dev := openRig(t, tt.scaling)
			id := map[string]uint32{"primary": rig.Primary, "overlay": rig.Overlays[0], "cursor": rig.Cursor}[tt.plane]
			plane := dev.Plane(id)

			l := testLayer(drm.FormatXRGB8888, drm.ModifierLinear)
			tt.mutate(l)

			err := plane.ValidateLayer(l)
			if got := err == nil; got != tt.want {
				t.Errorf("valid = %v (%v), want %v", got, err, tt.want)
			}
			if err != nil && !errors.Is(err, ErrLayerIncompatible) {
				t.Errorf("err = %v, want ErrLayerIncompatible", err)
			}
			if plane.IsValidForLayer(l) != tt.want {
				t.Error("IsValidForLayer disagrees with ValidateLayer")
			}
		})
	}
}

func TestRotationValue(t *testing.T) {
	rig, dev := openRig(t, false)
	plane := dev.Plane(rig.Overlays[0])

	tests := []struct {
		transform layer.Transform
		want      uint64
	}{
		{0, 1 << kmstest.Rotate0},
		{layer.Rot180, 1 << kmstest.Rotate180},
		{layer.FlipH, 1<<kmstest.Rotate0 | 1<<kmstest.ReflectX},
		{layer.FlipV, 1<<kmstest.Rotate0 | 1<<kmstest.ReflectY},
	}
	for _, tt := range tests {
		got, err := plane.RotationValue(tt.transform)
		if err != nil || got != tt.want {
			t.Errorf("transform %#x: got %#x, %v; want %#x", uint32(tt.transform), got, err, tt.want)
		}
	}
	if _, err := plane.RotationValue(layer.Rot270); err == nil {
		t.Error("rotate-270 accepted by a plane that lacks it")
	}
}
