package commit

import (
	"encoding/binary"

	"github.com/smazurov/hwcomposer/internal/layer"
)

// CTA-861-G EOTF codes.
const (
	eotfSDR = 0
	eotfPQ  = 2
	eotfHLG = 3
)

// DefaultHDRMetadata is used for HDR layers that carry no metadata:
// BT.2020 primaries, D65 white, a 1000 cd/m² PQ mastering display.
var DefaultHDRMetadata = layer.HDRMetadata{
	Primaries: [3]layer.Chromaticity{
		{X: 35400, Y: 14600},
		{X: 8500, Y: 39850},
		{X: 6550, Y: 2300},
	},
	WhitePoint:   layer.Chromaticity{X: 15635, Y: 16450},
	MaxLuminance: 1000,
	MinLuminance: 50,
	MaxCLL:       1000,
	MaxFALL:      400,
}

// hdrOutputMetadata mirrors struct hdr_output_metadata with its type 1
// infoframe.
type hdrOutputMetadata struct {
	MetadataType uint32
	EOTF         uint8
	InfoType     uint8
	Primaries    [3][2]uint16
	WhitePoint   [2]uint16
	MaxMastering uint16
	MinMastering uint16
	MaxCLL       uint16
	MaxFALL      uint16
	_            [2]byte
}

// EncodeHDRMetadata serializes the HDR_OUTPUT_METADATA blob for a layer
// with the given transfer function.
func EncodeHDRMetadata(md layer.HDRMetadata, transfer layer.Transfer) []byte {
	out := hdrOutputMetadata{
		EOTF:         eotfSDR,
		WhitePoint:   [2]uint16{md.WhitePoint.X, md.WhitePoint.Y},
		MaxMastering: md.MaxLuminance,
		MinMastering: md.MinLuminance,
		MaxCLL:       md.MaxCLL,
		MaxFALL:      md.MaxFALL,
	}
	switch transfer {
	case layer.TransferPQ:
		out.EOTF = eotfPQ
	case layer.TransferHLG:
		out.EOTF = eotfHLG
	}
	for i, p := range md.Primaries {
		out.Primaries[i] = [2]uint16{p.X, p.Y}
	}
	buf := make([]byte, binary.Size(out))
	_, _ = binary.Encode(buf, binary.LittleEndian, &out)
	return buf
}
