package commit

import (
	"fmt"
	"math"

	"github.com/smazurov/hwcomposer/internal/fbimport"
	"github.com/smazurov/hwcomposer/internal/kms"
	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/internal/planner"
	"github.com/smazurov/hwcomposer/internal/tunables"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
	"github.com/smazurov/hwcomposer/pkg/linuxav/syncfile"
)

// builder accumulates one atomic request and the frame state it produces.
type builder struct {
	m    *Manager
	req  *drm.AtomicRequest
	cur  *FrameState
	next *FrameState

	modeset  bool
	hdrLayer *layer.Layer
	// fences from shadow copies, closed once the commit returns
	fences []*syncfile.Fence
}

func (m *Manager) newBuilder(args Args) *builder {
	cur := m.latestLocked()
	return &builder{
		m:    m,
		req:  drm.NewAtomicRequest(),
		cur:  cur,
		next: cur.next(args.Plan == nil),
	}
}

// build queues everything args asks for, in commit order.
func (b *builder) build(args Args) error {
	if err := b.setActive(args.Active); err != nil {
		return err
	}
	if err := b.setMode(args.Mode); err != nil {
		return err
	}
	if args.Plan != nil {
		if err := b.setPlan(args.Plan); err != nil {
			return err
		}
	}
	if err := b.disableDropped(); err != nil {
		return err
	}
	if args.Plan != nil {
		if err := b.setHDR(); err != nil {
			return err
		}
	}
	if args.ColorAdjustment {
		if err := b.setColor(); err != nil {
			return err
		}
	}
	if args.Writeback != nil {
		if err := b.setWriteback(args.Writeback); err != nil {
			return err
		}
	}
	return nil
}

func (b *builder) closeFences() {
	for _, f := range b.fences {
		_ = f.Close()
	}
	b.fences = nil
}

// setActive turns the crtc on or off. The manager's first real commit
// switches the crtc on unless the caller asked for it to stay off; later
// commits keep the current state unless Active is set.
func (b *builder) setActive(active *bool) error {
	want := b.cur.crtcActive
	if !b.m.committed {
		want = true
	}
	if active != nil {
		want = *active
	}
	if want == b.cur.crtcActive {
		return nil
	}
	crtc := b.m.pipe.Crtc
	var v uint64
	if want {
		v = 1
	}
	if err := crtc.Prop("ACTIVE").AddTo(b.req, crtc.ID(), v); err != nil {
		return fmt.Errorf("crtc %d: %w", crtc.ID(), err)
	}
	b.next.crtcActive = want
	if !want {
		b.next.clearPlanes()
	}
	b.modeset = true
	return nil
}

// setMode attaches a new MODE_ID blob. The first activation without an
// explicit mode uses the connector's preferred mode.
func (b *builder) setMode(mode *drm.ModeInfo) error {
	conn, crtc := b.m.pipe.Connector, b.m.pipe.Crtc
	if mode == nil && b.next.crtcActive && b.next.mode == nil {
		if preferred, ok := conn.PreferredMode(); ok {
			mode = &preferred
		}
	}
	if mode == nil {
		return nil
	}

	blob, err := b.m.dev.CreateModeBlob(mode)
	if err != nil {
		return err
	}
	if err := b.next.mode.Release(); err != nil {
		b.m.logger.Warn("Failed to release mode blob", "error", err)
	}
	b.next.mode = blob

	if err := crtc.Prop("MODE_ID").AddTo(b.req, crtc.ID(), uint64(blob.ID())); err != nil {
		return fmt.Errorf("crtc %d: %w", crtc.ID(), err)
	}
	if err := conn.Prop("CRTC_ID").AddTo(b.req, conn.ID(), uint64(crtc.ID())); err != nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), err)
	}
	if ls := conn.Prop("link-status"); ls.Exists() && !ls.IsImmutable() {
		if err := ls.AddEnumTo(b.req, conn.ID(), kms.LinkStatusGood); err != nil {
			return fmt.Errorf("connector %s: %w", conn.Name(), err)
		}
	}
	b.modeset = true
	b.m.logger.Debug("Mode queued", "mode", mode.String())
	return nil
}

func (b *builder) setPlan(plan *planner.Plan) error {
	if len(plan.Entries) > 0 && !b.next.crtcActive {
		return ErrInactive
	}
	for _, e := range plan.Entries {
		fb, fence, err := b.framebuffer(e)
		if err != nil {
			return err
		}
		if err := b.setPlane(e, fb, fence); err != nil {
			return err
		}
		b.next.planes = append(b.next.planes, e.Plane)
		b.next.retain(fb)
		if e.Layer.IsHDR() && b.hdrLayer == nil {
			b.hdrLayer = e.Layer
		}
	}
	for _, p := range plan.Unused {
		if err := disablePlane(b.req, p); err != nil {
			return err
		}
	}
	return nil
}

// framebuffer resolves the framebuffer and acquire fence a plane will use,
// importing the layer's buffer or copying it to a shadow buffer if needed.
func (b *builder) framebuffer(e planner.Entry) (*fbimport.Framebuffer, *syncfile.Fence, error) {
	l := e.Layer
	if l.FB != nil {
		return l.FB, l.AcquireFence, nil
	}
	if b.m.imp == nil || l.Buffer == nil {
		return nil, nil, fmt.Errorf("layer %d: %w", e.ZPos, fbimport.ErrInvalidBuffer)
	}

	destCantBlend := l.Blend == layer.BlendNone
	fb, err := b.m.imp.Import(l.Buffer, destCantBlend)
	if err == nil {
		l.FB = fb
		return fb, l.AcquireFence, nil
	}
	if b.m.shadow == nil {
		return nil, nil, fmt.Errorf("layer %d: %w", e.ZPos, err)
	}

	b.m.logger.Debug("Buffer not scan-out capable, copying to shadow", "layer", e.ZPos, "error", err)
	buf, fence, err := b.m.shadow.CopyToShadow(l)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d: shadow copy: %w", e.ZPos, err)
	}
	b.fences = append(b.fences, fence)
	fb, err = b.m.imp.Import(buf, destCantBlend)
	if err != nil {
		return nil, nil, fmt.Errorf("layer %d: shadow import: %w", e.ZPos, err)
	}
	l.FB = fb
	return fb, fence, nil
}

type propValue struct {
	name  string
	value uint64
}

func (b *builder) setPlane(e planner.Entry, fb *fbimport.Framebuffer, fence *syncfile.Fence) error {
	p, l := e.Plane, e.Layer
	crop, frame := l.SourceCrop, l.DisplayFrame

	values := []propValue{
		{"FB_ID", uint64(fb.ID())},
		{"CRTC_ID", uint64(b.m.pipe.Crtc.ID())},
		{"SRC_X", fixed16(crop.Left)},
		{"SRC_Y", fixed16(crop.Top)},
		{"SRC_W", fixed16(crop.Width())},
		{"SRC_H", fixed16(crop.Height())},
		{"CRTC_X", uint64(int64(frame.Left))},
		{"CRTC_Y", uint64(int64(frame.Top))},
		{"CRTC_W", uint64(frame.Width())},
		{"CRTC_H", uint64(frame.Height())},
	}

	if lo, hi, mutable := p.ZPosRange(); mutable {
		values = append(values, propValue{"zpos", max(lo, min(hi, uint64(e.ZPos)))})
	}
	if p.Prop("alpha").Exists() {
		a := max(0, min(1, float64(l.Alpha)))
		values = append(values, propValue{"alpha", uint64(math.Round(a * 0xffff))})
	}
	if p.Prop("pixel blend mode").Exists() {
		v, err := p.BlendValue(l.Blend)
		if err != nil {
			return fmt.Errorf("plane %d: %w", p.ID(), err)
		}
		values = append(values, propValue{"pixel blend mode", v})
	}
	if p.Prop("rotation").Exists() {
		v, err := p.RotationValue(l.Transform)
		if err != nil {
			return fmt.Errorf("plane %d: %w", p.ID(), err)
		}
		values = append(values, propValue{"rotation", v})
	}
	if l.Colorspace != layer.ColorspaceDefault && p.Prop("COLOR_ENCODING").Exists() {
		v, err := p.ColorEncodingValue(l.Colorspace)
		if err != nil {
			return fmt.Errorf("plane %d: %w", p.ID(), err)
		}
		values = append(values, propValue{"COLOR_ENCODING", v})
	}
	if l.Range != layer.RangeDefault && p.Prop("COLOR_RANGE").Exists() {
		v, err := p.ColorRangeValue(l.Range)
		if err != nil {
			return fmt.Errorf("plane %d: %w", p.ID(), err)
		}
		values = append(values, propValue{"COLOR_RANGE", v})
	}
	if fd := fence.FD(); fd >= 0 && p.Prop("IN_FENCE_FD").Exists() {
		values = append(values, propValue{"IN_FENCE_FD", uint64(int64(fd))})
	}

	for _, pv := range values {
		if err := p.Prop(pv.name).AddTo(b.req, p.ID(), pv.value); err != nil {
			return fmt.Errorf("plane %d: %w", p.ID(), err)
		}
	}
	return nil
}

// disableDropped turns off planes the previous frame used and this one
// does not.
func (b *builder) disableDropped() error {
	for _, p := range b.cur.planes {
		if b.next.hasPlane(p) {
			continue
		}
		if err := disablePlane(b.req, p); err != nil {
			return err
		}
	}
	return nil
}

func disablePlane(req *drm.AtomicRequest, p *kms.Plane) error {
	if err := p.Prop("FB_ID").AddTo(req, p.ID(), 0); err != nil {
		return fmt.Errorf("plane %d: %w", p.ID(), err)
	}
	if err := p.Prop("CRTC_ID").AddTo(req, p.ID(), 0); err != nil {
		return fmt.Errorf("plane %d: %w", p.ID(), err)
	}
	return nil
}

// fixed16 converts a source coordinate to 16.16 fixed point.
func fixed16(v float32) uint64 {
	if v <= 0 {
		return 0
	}
	return uint64(math.Round(float64(v) * (1 << 16)))
}

// setHDR attaches or detaches the connector's HDR metadata and switches
// its colorimetry with it.
func (b *builder) setHDR() error {
	conn := b.m.pipe.Connector
	prop := conn.Prop("HDR_OUTPUT_METADATA")
	if !prop.Exists() {
		return nil
	}

	if b.hdrLayer == nil {
		if b.next.hdr == nil {
			return nil
		}
		if err := prop.AddTo(b.req, conn.ID(), 0); err != nil {
			return fmt.Errorf("connector %s: %w", conn.Name(), err)
		}
		if err := b.next.hdr.Release(); err != nil {
			b.m.logger.Warn("Failed to release HDR blob", "error", err)
		}
		b.next.hdr = nil
		return b.setColorspace("Default")
	}

	md := DefaultHDRMetadata
	if b.hdrLayer.HDR != nil {
		md = *b.hdrLayer.HDR
	}
	if b.next.hdr != nil && b.next.hdrMeta == md && b.next.hdrEOTF == b.hdrLayer.Transfer {
		return nil
	}
	wasHDR := b.next.hdr != nil

	blob, err := b.m.dev.CreateBlob(EncodeHDRMetadata(md, b.hdrLayer.Transfer))
	if err != nil {
		return err
	}
	if err := b.next.hdr.Release(); err != nil {
		b.m.logger.Warn("Failed to release HDR blob", "error", err)
	}
	b.next.hdr = blob
	b.next.hdrMeta = md
	b.next.hdrEOTF = b.hdrLayer.Transfer

	if err := prop.AddTo(b.req, conn.ID(), uint64(blob.ID())); err != nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), err)
	}
	if wasHDR {
		return nil
	}
	return b.setColorspace("BT2020_RGB")
}

func (b *builder) setColorspace(name string) error {
	conn := b.m.pipe.Connector
	cs := conn.Prop("Colorspace")
	if !cs.HasEnum(name) {
		return nil
	}
	if err := cs.AddEnumTo(b.req, conn.ID(), name); err != nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), err)
	}
	b.modeset = true
	return nil
}

// setColor recomputes CTM and GAMMA_LUT from the tuning values. Neutral
// values detach the blobs.
func (b *builder) setColor() error {
	crtc := b.m.pipe.Crtc
	v := b.m.color()

	ctmWanted := v.Hue != tunables.Neutral || v.Saturation != tunables.Neutral
	var ctmData []byte
	if ctmWanted {
		ctmData = EncodeCTM(ColorMatrix(v))
	}
	if err := b.replaceBlob(crtc, "CTM", &b.next.ctm, ctmData); err != nil {
		return err
	}

	lutWanted := v.Brightness != tunables.Neutral || v.Contrast != tunables.Neutral || b.m.gamma != 1
	var lutData []byte
	if size := crtc.GammaLUTSize(); lutWanted && size > 0 {
		lutData = EncodeGammaLUT(GammaCurve(v, int(size), b.m.gamma))
	}
	return b.replaceBlob(crtc, "GAMMA_LUT", &b.next.gamma, lutData)
}

// replaceBlob points a crtc blob property at data, or detaches it when
// data is nil.
func (b *builder) replaceBlob(crtc *kms.Crtc, name string, slot **kms.Blob, data []byte) error {
	prop := crtc.Prop(name)
	if !prop.Exists() || (data == nil && *slot == nil) {
		return nil
	}

	var blob *kms.Blob
	if data != nil {
		var err error
		if blob, err = b.m.dev.CreateBlob(data); err != nil {
			return err
		}
	}
	if err := (*slot).Release(); err != nil {
		b.m.logger.Warn("Failed to release blob", "property", name, "error", err)
	}
	*slot = blob

	if err := prop.AddTo(b.req, crtc.ID(), uint64(blob.ID())); err != nil {
		return fmt.Errorf("crtc %d: %w", crtc.ID(), err)
	}
	return nil
}

func (b *builder) setWriteback(wb *Writeback) error {
	conn, crtc := wb.Connector, b.m.pipe.Crtc
	if !conn.IsWriteback() || wb.FB == nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), kms.ErrPropertyNotFound)
	}
	if err := conn.Prop("WRITEBACK_FB_ID").AddTo(b.req, conn.ID(), uint64(wb.FB.ID())); err != nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), err)
	}
	if err := conn.Prop("CRTC_ID").AddTo(b.req, conn.ID(), uint64(crtc.ID())); err != nil {
		return fmt.Errorf("connector %s: %w", conn.Name(), err)
	}
	if b.next.writeback != conn {
		b.next.writeback = conn
		b.modeset = true
	}
	b.next.retain(wb.FB)
	return nil
}
