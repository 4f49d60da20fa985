package kms

import (
	"fmt"
	"slices"

	"github.com/smazurov/hwcomposer/internal/layer"
	"github.com/smazurov/hwcomposer/pkg/linuxav/drm"
)

// PlaneType is the role of a plane.
type PlaneType int

// Plane types.
const (
	PlaneOverlay PlaneType = iota
	PlanePrimary
	PlaneCursor
)

func (t PlaneType) String() string {
	switch t {
	case PlanePrimary:
		return "primary"
	case PlaneCursor:
		return "cursor"
	default:
		return "overlay"
	}
}

// Plane is a scan-out surface.
type Plane struct {
	dev           *Device
	id            uint32
	typ           PlaneType
	possibleCrtcs uint32
	formats       []uint32
	modifiers     map[uint32][]uint64 // nil without IN_FORMATS
	props         *PropertySet
}

func newPlane(d *Device, id uint32) (*Plane, error) {
	info, err := d.drv.Plane(id)
	if err != nil {
		return nil, fmt.Errorf("get plane %d: %w", id, err)
	}
	props, err := loadProperties(d.drv, id, drm.ObjectPlane)
	if err != nil {
		return nil, err
	}
	p := &Plane{
		dev:           d,
		id:            id,
		possibleCrtcs: info.PossibleCrtcs,
		formats:       info.Formats,
		props:         props,
	}

	typ := props.Get("type")
	switch name, _ := typ.EnumName(typ.Value()); name {
	case "Primary":
		p.typ = PlanePrimary
	case "Cursor":
		p.typ = PlaneCursor
	default:
		p.typ = PlaneOverlay
	}

	if in := props.Get("IN_FORMATS"); in.Value() != 0 {
		blob, err := d.drv.PropertyBlob(uint32(in.Value()))
		if err != nil {
			return nil, fmt.Errorf("read IN_FORMATS of plane %d: %w", id, err)
		}
		if p.modifiers, err = drm.ParseFormatModifiers(blob); err != nil {
			d.logger.Warn("Ignoring malformed IN_FORMATS", "plane", id, "error", err)
			p.modifiers = nil
		}
	}
	return p, nil
}

// ID returns the kernel object id.
func (p *Plane) ID() uint32 { return p.id }

// Type returns the plane's role.
func (p *Plane) Type() PlaneType { return p.typ }

// Formats returns the supported pixel formats.
func (p *Plane) Formats() []uint32 { return p.formats }

// Modifiers returns the modifiers advertised for format, nil without IN_FORMATS.
func (p *Plane) Modifiers(format uint32) []uint64 {
	if p.modifiers == nil {
		return nil
	}
	return p.modifiers[format]
}

// CanUseCrtc reports whether the plane can scan out on crtc.
func (p *Plane) CanUseCrtc(crtc *Crtc) bool {
	return p.possibleCrtcs&crtc.Mask() != 0
}

// SupportsFormat reports whether the plane scans out format.
func (p *Plane) SupportsFormat(format uint32) bool {
	return slices.Contains(p.formats, format)
}

// SupportsModifier reports whether the plane accepts format with modifier.
// Without IN_FORMATS only linear layouts are accepted.
func (p *Plane) SupportsModifier(format uint32, modifier uint64) bool {
	if modifier == drm.ModifierInvalid {
		return true
	}
	if p.modifiers == nil {
		return modifier == drm.ModifierLinear
	}
	return slices.Contains(p.modifiers[format], modifier)
}

// ZPosRange returns the zpos bounds and whether the plane's zpos can be set.
func (p *Plane) ZPosRange() (lo, hi uint64, mutable bool) {
	zpos := p.props.Get("zpos")
	if !zpos.Exists() {
		return 0, 0, false
	}
	if lo, hi, ok := zpos.Range(); ok {
		return lo, hi, !zpos.IsImmutable()
	}
	return zpos.Value(), zpos.Value(), false
}

// Prop returns a named property.
func (p *Plane) Prop(name string) *Property { return p.props.Get(name) }

// Properties returns the plane's property set.
func (p *Plane) Properties() *PropertySet { return p.props }

// IsValidForLayer reports whether the plane can scan out l unmodified.
func (p *Plane) IsValidForLayer(l *layer.Layer) bool {
	return p.ValidateLayer(l) == nil
}

// ValidateLayer explains why the plane cannot scan out l, or returns nil.
func (p *Plane) ValidateLayer(l *layer.Layer) error {
	reject := func(format string, args ...any) error {
		return fmt.Errorf("%w: plane %d: %s", ErrLayerIncompatible, p.id, fmt.Sprintf(format, args...))
	}

	if l.Buffer == nil && l.FB == nil {
		return reject("no buffer")
	}

	if p.typ == PlaneCursor {
		if !l.Cursor {
			return reject("cursor plane needs a cursor layer")
		}
		cw, ch := p.dev.CursorSize()
		if l.DisplayFrame.Width() > int32(cw) || l.DisplayFrame.Height() > int32(ch) {
			return reject("cursor %dx%d exceeds %dx%d", l.DisplayFrame.Width(), l.DisplayFrame.Height(), cw, ch)
		}
	}

	if l.Transform != 0 {
		if _, err := p.RotationValue(l.Transform); err != nil {
			return reject("transform %#x: %v", uint32(l.Transform), err)
		}
	}

	if l.Alpha < 1 && !p.props.Get("alpha").Exists() {
		return reject("plane alpha unsupported")
	}
	if _, err := p.BlendValue(l.Blend); err != nil {
		return reject("blend mode %d: %v", l.Blend, err)
	}

	format := l.Format()
	if !p.SupportsFormat(format) {
		return reject("format %s unsupported", drm.FormatName(format))
	}
	if !p.SupportsModifier(format, l.Modifier()) {
		return reject("modifier %#x unsupported for %s", l.Modifier(), drm.FormatName(format))
	}

	if l.NeedsScaling() && (p.typ == PlaneCursor || !p.dev.AllowScaling()) {
		return reject("scaling unsupported")
	}

	if l.SourceCrop.Empty() || l.DisplayFrame.Empty() {
		return reject("empty source or destination")
	}
	if maxW, maxH := p.dev.MaxSize(); maxW != 0 && maxH != 0 &&
		(l.SourceCrop.Width() > float32(maxW) || l.SourceCrop.Height() > float32(maxH)) {
		return reject("source %.0fx%.0f exceeds %dx%d", l.SourceCrop.Width(), l.SourceCrop.Height(), maxW, maxH)
	}

	if l.Colorspace != layer.ColorspaceDefault {
		if _, err := p.ColorEncodingValue(l.Colorspace); err != nil {
			return reject("colorspace %d: %v", l.Colorspace, err)
		}
	}
	if l.Range != layer.RangeDefault {
		if _, err := p.ColorRangeValue(l.Range); err != nil {
			return reject("range %d: %v", l.Range, err)
		}
	}
	return nil
}

// RotationValue converts a layer transform into the plane's rotation bitmask.
func (p *Plane) RotationValue(t layer.Transform) (uint64, error) {
	rotation := p.props.Get("rotation")
	if !rotation.Exists() {
		if t == 0 {
			return 0, nil
		}
		return 0, ErrPropertyNotFound
	}
	var value uint64
	for _, name := range rotationNames(t) {
		bit, err := rotation.EnumValue(name)
		if err != nil {
			return 0, err
		}
		value |= bit
	}
	return value, nil
}

func rotationNames(t layer.Transform) []string {
	switch {
	case t&layer.Rot270 == layer.Rot270:
		return []string{"rotate-270"}
	case t&layer.Rot180 == layer.Rot180:
		return []string{"rotate-180"}
	}
	names := []string{"rotate-0"}
	if t&layer.Rot90 != 0 {
		names[0] = "rotate-90"
	}
	if t&layer.FlipH != 0 {
		names = append(names, "reflect-x")
	}
	if t&layer.FlipV != 0 {
		names = append(names, "reflect-y")
	}
	return names
}

var blendNames = map[layer.BlendMode]string{
	layer.BlendNone:          "None",
	layer.BlendPremultiplied: "Pre-multiplied",
	layer.BlendCoverage:      "Coverage",
}

// BlendValue returns the "pixel blend mode" value for mode. Planes without
// the property blend premultiplied and accept None and Premultiplied layers.
func (p *Plane) BlendValue(mode layer.BlendMode) (uint64, error) {
	prop := p.props.Get("pixel blend mode")
	if !prop.Exists() {
		if mode == layer.BlendCoverage {
			return 0, ErrPropertyNotFound
		}
		return 0, nil
	}
	return prop.EnumValue(blendNames[mode])
}

var colorEncodingNames = map[layer.Colorspace]string{
	layer.ColorspaceBT601:  "ITU-R BT.601 YCbCr",
	layer.ColorspaceBT709:  "ITU-R BT.709 YCbCr",
	layer.ColorspaceBT2020: "ITU-R BT.2020 YCbCr",
}

// ColorEncodingValue returns the COLOR_ENCODING value for cs.
func (p *Plane) ColorEncodingValue(cs layer.Colorspace) (uint64, error) {
	name, ok := colorEncodingNames[cs]
	if !ok {
		return 0, fmt.Errorf("%w: colorspace %d", ErrUnknownEnum, cs)
	}
	return p.props.Get("COLOR_ENCODING").EnumValue(name)
}

var colorRangeNames = map[layer.Range]string{
	layer.RangeLimited: "YCbCr limited range",
	layer.RangeFull:    "YCbCr full range",
}

// ColorRangeValue returns the COLOR_RANGE value for r.
func (p *Plane) ColorRangeValue(r layer.Range) (uint64, error) {
	name, ok := colorRangeNames[r]
	if !ok {
		return 0, fmt.Errorf("%w: range %d", ErrUnknownEnum, r)
	}
	return p.props.Get("COLOR_RANGE").EnumValue(name)
}
