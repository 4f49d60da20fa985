package drm

import (
	"bytes"
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

func TestFourcc(t *testing.T) {
	if got := FormatXRGB8888; got != 0x34325258 {
		t.Errorf("XRGB8888 = %#x, want 0x34325258", got)
	}
	if got := FormatName(FormatNV12); got != "NV12" {
		t.Errorf("FormatName(NV12) = %q", got)
	}
	if got := FormatName(0); got != "????" {
		t.Errorf("FormatName(0) = %q", got)
	}
}

func TestOpaqueFormat(t *testing.T) {
	tests := []struct {
		in, want uint32
		alpha    bool
	}{
		{FormatARGB8888, FormatXRGB8888, true},
		{FormatABGR8888, FormatXBGR8888, true},
		{FormatABGR16161616F, FormatXBGR16161616F, true},
		{FormatXRGB8888, FormatXRGB8888, false},
		{FormatNV12, FormatNV12, false},
	}
	for _, tt := range tests {
		t.Run(FormatName(tt.in), func(t *testing.T) {
			if got := OpaqueFormat(tt.in); got != tt.want {
				t.Errorf("OpaqueFormat = %s, want %s", FormatName(got), FormatName(tt.want))
			}
			if got := HasAlpha(tt.in); got != tt.alpha {
				t.Errorf("HasAlpha = %v, want %v", got, tt.alpha)
			}
		})
	}
}

func TestIsLinearModifier(t *testing.T) {
	if !IsLinearModifier(ModifierLinear) || !IsLinearModifier(ModifierInvalid) {
		t.Error("linear and invalid modifiers must count as linear")
	}
	const afbc = 0x0800000000000001
	if IsLinearModifier(afbc) {
		t.Error("vendor modifier reported as linear")
	}
}

func TestAtomicRequest(t *testing.T) {
	req := NewAtomicRequest()
	req.Add(10, 1, 100)
	req.Add(20, 2, 200)
	req.Add(10, 3, 300)
	req.Add(10, 1, 111)

	if req.Len() != 3 {
		t.Fatalf("Len = %d, want 3", req.Len())
	}
	if v, ok := req.Value(10, 1); !ok || v != 111 {
		t.Errorf("Value(10,1) = %d,%v; want 111,true", v, ok)
	}
	if _, ok := req.Value(20, 1); ok {
		t.Error("unexpected value for (20,1)")
	}

	objs, counts, props, values := req.arrays()
	if !reflect.DeepEqual(objs, []uint32{10, 20}) {
		t.Errorf("objs = %v", objs)
	}
	if !reflect.DeepEqual(counts, []uint32{2, 1}) {
		t.Errorf("counts = %v", counts)
	}
	if !reflect.DeepEqual(props, []uint32{1, 3, 2}) {
		t.Errorf("props = %v", props)
	}
	if !reflect.DeepEqual(values, []uint64{111, 300, 200}) {
		t.Errorf("values = %v", values)
	}
}

func TestAtomicRequestOutFence(t *testing.T) {
	req := NewAtomicRequest()
	fence := int32(42)
	req.AddOutFence(5, 6, &fence)

	if fence != -1 {
		t.Errorf("out fence target not reset, got %d", fence)
	}
	fences := req.OutFences()
	if len(fences) != 1 || fences[0].Dst != &fence || fences[0].ObjectID != 5 || fences[0].PropertyID != 6 {
		t.Fatalf("OutFences = %+v", fences)
	}
	if v, ok := req.Value(5, 6); !ok || v == 0 {
		t.Error("out fence pointer not queued as property value")
	}
}

func TestModeInfoBytes(t *testing.T) {
	m := ModeInfo{Clock: 148500, Hdisplay: 1920, Vdisplay: 1080, Vrefresh: 60}
	copy(m.Name[:], "1920x1080")

	b := m.Bytes()
	if len(b) != 68 {
		t.Fatalf("len = %d, want 68", len(b))
	}
	if got := binary.NativeEndian.Uint32(b[0:]); got != 148500 {
		t.Errorf("clock = %d", got)
	}
	if got := binary.NativeEndian.Uint16(b[4:]); got != 1920 {
		t.Errorf("hdisplay = %d", got)
	}
	if !bytes.HasPrefix(b[36:], []byte("1920x1080")) {
		t.Errorf("name not at offset 36: %q", b[36:])
	}
	if m.NameString() != "1920x1080" || m.String() != "1920x1080@60" {
		t.Errorf("NameString = %q, String = %q", m.NameString(), m.String())
	}
}

func TestModeInfoStringOnValue(t *testing.T) {
	mode := func() ModeInfo {
		m := ModeInfo{Hdisplay: 1280, Vdisplay: 720, Vrefresh: 50}
		copy(m.Name[:], "720p50")
		return m
	}
	// Called on a non-addressable return value, as display code does.
	if got := mode().String(); got != "1280x720@50" {
		t.Errorf("String = %q", got)
	}
	if got := mode().NameString(); got != "720p50" {
		t.Errorf("NameString = %q", got)
	}
}

func buildInFormatsBlob(formats []uint32, mods []formatModifier) []byte {
	var buf bytes.Buffer
	hdr := formatModifierBlob{
		Version:         1,
		CountFormats:    uint32(len(formats)),
		FormatsOffset:   24,
		CountModifiers:  uint32(len(mods)),
		ModifiersOffset: 24 + uint32(len(formats))*4,
	}
	_ = binary.Write(&buf, binary.NativeEndian, hdr)
	_ = binary.Write(&buf, binary.NativeEndian, formats)
	_ = binary.Write(&buf, binary.NativeEndian, mods)
	return buf.Bytes()
}

func TestParseFormatModifiers(t *testing.T) {
	const tiled = 0x0100000000000001
	blob := buildInFormatsBlob(
		[]uint32{FormatXRGB8888, FormatARGB8888, FormatNV12},
		[]formatModifier{
			{Formats: 0b111, Offset: 0, Modifier: ModifierLinear},
			{Formats: 0b011, Offset: 0, Modifier: tiled},
		},
	)

	got, err := ParseFormatModifiers(blob)
	if err != nil {
		t.Fatalf("ParseFormatModifiers: %v", err)
	}
	want := map[uint32][]uint64{
		FormatXRGB8888: {ModifierLinear, tiled},
		FormatARGB8888: {ModifierLinear, tiled},
		FormatNV12:     {ModifierLinear},
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("got %v, want %v", got, want)
	}
}

func TestParseFormatModifiersMalformed(t *testing.T) {
	if _, err := ParseFormatModifiers([]byte{1, 2, 3}); !errors.Is(err, ErrMalformedBlob) {
		t.Errorf("short blob: err = %v", err)
	}

	blob := buildInFormatsBlob([]uint32{FormatXRGB8888}, nil)
	binary.NativeEndian.PutUint32(blob[8:], 100) // count_formats beyond the blob
	if _, err := ParseFormatModifiers(blob); !errors.Is(err, ErrMalformedBlob) {
		t.Errorf("oversized count: err = %v", err)
	}
}

func TestConnectorName(t *testing.T) {
	c := ConnectorInfo{Type: ConnectorHDMIA, TypeID: 1}
	if c.Name() != "HDMI-A-1" {
		t.Errorf("Name = %q", c.Name())
	}
	if ConnectorTypeName(99) != "Unknown" {
		t.Error("unknown connector type")
	}
}

func TestEncodeFormatModifiers(t *testing.T) {
	const tiled = 0x0100000000000001
	formats := []uint32{FormatXRGB8888, FormatNV12, FormatARGB8888}
	mods := map[uint32][]uint64{
		FormatXRGB8888: {ModifierLinear, tiled},
		FormatARGB8888: {tiled},
	}

	got, err := ParseFormatModifiers(EncodeFormatModifiers(formats, mods))
	if err != nil {
		t.Fatalf("ParseFormatModifiers: %v", err)
	}
	if !reflect.DeepEqual(got, mods) {
		t.Errorf("got %v, want %v", got, mods)
	}
}
