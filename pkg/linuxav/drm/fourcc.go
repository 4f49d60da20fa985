package drm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"slices"
)

// Fourcc builds a DRM pixel format code from its four characters.
func Fourcc(a, b, c, d byte) uint32 {
	return uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24
}

// Pixel formats (drm_fourcc.h).
var (
	FormatRGB565        = Fourcc('R', 'G', '1', '6')
	FormatBGR565        = Fourcc('B', 'G', '1', '6')
	FormatRGB888        = Fourcc('R', 'G', '2', '4')
	FormatBGR888        = Fourcc('B', 'G', '2', '4')
	FormatXRGB8888      = Fourcc('X', 'R', '2', '4')
	FormatARGB8888      = Fourcc('A', 'R', '2', '4')
	FormatXBGR8888      = Fourcc('X', 'B', '2', '4')
	FormatABGR8888      = Fourcc('A', 'B', '2', '4')
	FormatRGBX8888      = Fourcc('R', 'X', '2', '4')
	FormatRGBA8888      = Fourcc('R', 'A', '2', '4')
	FormatBGRX8888      = Fourcc('B', 'X', '2', '4')
	FormatBGRA8888      = Fourcc('B', 'A', '2', '4')
	FormatXRGB2101010   = Fourcc('X', 'R', '3', '0')
	FormatARGB2101010   = Fourcc('A', 'R', '3', '0')
	FormatXBGR2101010   = Fourcc('X', 'B', '3', '0')
	FormatABGR2101010   = Fourcc('A', 'B', '3', '0')
	FormatXBGR16161616F = Fourcc('X', 'B', '4', 'H')
	FormatABGR16161616F = Fourcc('A', 'B', '4', 'H')
	FormatNV12          = Fourcc('N', 'V', '1', '2')
	FormatNV21          = Fourcc('N', 'V', '2', '1')
	FormatYUV420        = Fourcc('Y', 'U', '1', '2')
	FormatYVU420        = Fourcc('Y', 'V', '1', '2')
	FormatP010          = Fourcc('P', '0', '1', '0')
)

// Format modifiers.
const (
	ModifierLinear  uint64 = 0
	ModifierInvalid uint64 = (1 << 56) - 1
)

// IsLinearModifier reports whether a modifier describes a plain linear layout.
func IsLinearModifier(m uint64) bool {
	return m == ModifierLinear || m == ModifierInvalid
}

var opaqueFormats = map[uint32]uint32{
	FormatARGB8888:      FormatXRGB8888,
	FormatABGR8888:      FormatXBGR8888,
	FormatRGBA8888:      FormatRGBX8888,
	FormatBGRA8888:      FormatBGRX8888,
	FormatARGB2101010:   FormatXRGB2101010,
	FormatABGR2101010:   FormatXBGR2101010,
	FormatABGR16161616F: FormatXBGR16161616F,
}

// OpaqueFormat returns the alpha-less variant of a format, or the format
// itself if it has no alpha channel.
func OpaqueFormat(format uint32) uint32 {
	if opaque, ok := opaqueFormats[format]; ok {
		return opaque
	}
	return format
}

// HasAlpha reports whether the format carries an alpha channel.
func HasAlpha(format uint32) bool {
	_, ok := opaqueFormats[format]
	return ok
}

// FormatName returns the four characters of a format code.
func FormatName(format uint32) string {
	b := []byte{byte(format), byte(format >> 8), byte(format >> 16), byte(format >> 24)}
	for i, c := range b {
		if c < 0x20 || c > 0x7e {
			b[i] = '?'
		}
	}
	return string(b)
}

// ErrMalformedBlob is returned when a property blob does not match its layout.
var ErrMalformedBlob = errors.New("malformed property blob")

// formatModifierBlob mirrors struct drm_format_modifier_blob (24 bytes).
type formatModifierBlob struct {
	Version         uint32
	Flags           uint32
	CountFormats    uint32
	FormatsOffset   uint32
	CountModifiers  uint32
	ModifiersOffset uint32
}

// formatModifier mirrors struct drm_format_modifier (24 bytes).
type formatModifier struct {
	Formats  uint64
	Offset   uint32
	Pad      uint32
	Modifier uint64
}

// ParseFormatModifiers decodes an IN_FORMATS blob into the list of
// modifiers supported for each format.
func ParseFormatModifiers(blob []byte) (map[uint32][]uint64, error) {
	const headerSize, modifierSize = 24, 24

	if len(blob) < headerSize {
		return nil, fmt.Errorf("%w: IN_FORMATS header is %d bytes", ErrMalformedBlob, len(blob))
	}

	var hdr formatModifierBlob
	if _, err := binary.Decode(blob, binary.NativeEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
	}

	formatsEnd := uint64(hdr.FormatsOffset) + uint64(hdr.CountFormats)*4
	modifiersEnd := uint64(hdr.ModifiersOffset) + uint64(hdr.CountModifiers)*modifierSize
	if formatsEnd > uint64(len(blob)) || modifiersEnd > uint64(len(blob)) {
		return nil, fmt.Errorf("%w: IN_FORMATS arrays exceed %d bytes", ErrMalformedBlob, len(blob))
	}

	formats := make([]uint32, hdr.CountFormats)
	for i := range formats {
		off := hdr.FormatsOffset + uint32(i)*4
		formats[i] = binary.NativeEndian.Uint32(blob[off:])
	}

	result := make(map[uint32][]uint64, len(formats))
	for i := uint32(0); i < hdr.CountModifiers; i++ {
		var mod formatModifier
		off := hdr.ModifiersOffset + i*modifierSize
		if _, err := binary.Decode(blob[off:], binary.NativeEndian, &mod); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedBlob, err)
		}
		for bit := uint32(0); bit < 64; bit++ {
			if mod.Formats&(1<<bit) == 0 {
				continue
			}
			idx := mod.Offset + bit
			if idx >= uint32(len(formats)) {
				break
			}
			f := formats[idx]
			result[f] = append(result[f], mod.Modifier)
		}
	}

	return result, nil
}

// EncodeFormatModifiers builds an IN_FORMATS blob advertising mods[f] for
// each format in formats. Formats without an entry in mods get no modifier
// entries.
func EncodeFormatModifiers(formats []uint32, mods map[uint32][]uint64) []byte {
	const headerSize = 24

	var order []uint64
	seen := make(map[uint64]bool)
	for _, f := range formats {
		for _, m := range mods[f] {
			if !seen[m] {
				seen[m] = true
				order = append(order, m)
			}
		}
	}

	var entries []formatModifier
	for _, m := range order {
		for base := 0; base < len(formats); base += 64 {
			var mask uint64
			for bit := 0; bit < 64 && base+bit < len(formats); bit++ {
				if slices.Contains(mods[formats[base+bit]], m) {
					mask |= 1 << bit
				}
			}
			if mask != 0 {
				entries = append(entries, formatModifier{Formats: mask, Offset: uint32(base), Modifier: m})
			}
		}
	}

	formatsSize := uint32(len(formats)) * 4
	modifiersOffset := headerSize + (formatsSize+7)&^7
	hdr := formatModifierBlob{
		Version:         1,
		CountFormats:    uint32(len(formats)),
		FormatsOffset:   headerSize,
		CountModifiers:  uint32(len(entries)),
		ModifiersOffset: modifiersOffset,
	}

	blob := make([]byte, modifiersOffset+uint32(len(entries))*24)
	// Encoding fixed-size values into a buffer sized for them cannot fail.
	_, _ = binary.Encode(blob, binary.NativeEndian, &hdr)
	for i, f := range formats {
		binary.NativeEndian.PutUint32(blob[headerSize+i*4:], f)
	}
	for i := range entries {
		_, _ = binary.Encode(blob[modifiersOffset+uint32(i)*24:], binary.NativeEndian, &entries[i])
	}
	return blob
}
