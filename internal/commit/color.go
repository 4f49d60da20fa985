package commit

import (
	"encoding/binary"
	"math"

	"github.com/smazurov/hwcomposer/internal/tunables"
)

// Rec.709 luma weights.
const (
	lumaR = 0.2126
	lumaG = 0.7152
	lumaB = 0.0722
)

// Matrix is a row-major 3x3 colour transform applied to linear RGB.
type Matrix [9]float64

// Identity is the matrix that leaves colour unchanged.
var Identity = Matrix{1, 0, 0, 0, 1, 0, 0, 0, 1}

// Mul returns m×o.
func (m Matrix) Mul(o Matrix) Matrix {
	var r Matrix
	for i := range 3 {
		for j := range 3 {
			for k := range 3 {
				r[i*3+j] += m[i*3+k] * o[k*3+j]
			}
		}
	}
	return r
}

// HueMatrix rotates hue by degrees around the luma axis.
func HueMatrix(degrees float64) Matrix {
	rad := degrees * math.Pi / 180
	c, s := math.Cos(rad), math.Sin(rad)
	return Matrix{
		lumaR + c*(1-lumaR) - s*lumaR,
		lumaG - c*lumaG - s*lumaG,
		lumaB - c*lumaB + s*(1-lumaB),

		lumaR - c*lumaR + s*0.143,
		lumaG + c*(1-lumaG) + s*0.140,
		lumaB - c*lumaB - s*0.283,

		lumaR - c*lumaR - s*(1-lumaR),
		lumaG - c*lumaG + s*lumaG,
		lumaB + c*(1-lumaB) + s*lumaB,
	}
}

// SaturationMatrix scales chroma by s while keeping luma.
func SaturationMatrix(s float64) Matrix {
	return Matrix{
		lumaR + (1-lumaR)*s, lumaG - lumaG*s, lumaB - lumaB*s,
		lumaR - lumaR*s, lumaG + (1-lumaG)*s, lumaB - lumaB*s,
		lumaR - lumaR*s, lumaG - lumaG*s, lumaB + (1-lumaB)*s,
	}
}

// ColorMatrix combines the hue and saturation tunables.
func ColorMatrix(v tunables.Values) Matrix {
	return HueMatrix(v.HueDegrees()).Mul(SaturationMatrix(v.SaturationScale()))
}

// toS3132 encodes v in the kernel's sign-magnitude S31.32 fixed point.
func toS3132(v float64) uint64 {
	if v < 0 {
		return 1<<63 | uint64(math.Round(-v*(1<<32)))
	}
	return uint64(math.Round(v * (1 << 32)))
}

// EncodeCTM serializes m as a struct drm_color_ctm.
func EncodeCTM(m Matrix) []byte {
	buf := make([]byte, 0, 9*8)
	for _, v := range m {
		buf = binary.LittleEndian.AppendUint64(buf, toS3132(v))
	}
	return buf
}

// GammaCurve returns size samples of the brightness/contrast curve raised
// to 1/gamma, each in [0, 1].
func GammaCurve(v tunables.Values, size int, gamma float64) []float64 {
	if gamma <= 0 {
		gamma = 1
	}
	contrast, brightness := v.ContrastScale(), v.BrightnessOffset()
	out := make([]float64, size)
	for i := range out {
		x := 0.0
		if size > 1 {
			x = float64(i) / float64(size-1)
		}
		y := (x-0.5)*contrast + 0.5 + brightness
		y = max(0, min(1, y))
		out[i] = math.Pow(y, 1/gamma)
	}
	return out
}

// EncodeGammaLUT serializes curve as struct drm_color_lut entries with the
// same value on every channel.
func EncodeGammaLUT(curve []float64) []byte {
	buf := make([]byte, 0, len(curve)*8)
	for _, y := range curve {
		v := uint16(math.Round(y * 0xffff))
		buf = binary.LittleEndian.AppendUint16(buf, v)
		buf = binary.LittleEndian.AppendUint16(buf, v)
		buf = binary.LittleEndian.AppendUint16(buf, v)
		buf = binary.LittleEndian.AppendUint16(buf, 0)
	}
	return buf
}
