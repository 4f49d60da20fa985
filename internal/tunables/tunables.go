// Package tunables reads the persisted colour tuning files: one holding
// hue and saturation, the other brightness and contrast. Each file carries
// two whitespace-separated integers in [0, 100] where 50 is neutral.
// Malformed or out-of-range content is clamped or defaulted and logged,
// never reported as a failure.
package tunables

import (
	"bytes"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"strconv"
)

// Neutral is the value that leaves the picture unchanged.
const Neutral = 50

const (
	minValue = 0
	maxValue = 100
)

// Values is one snapshot of the four tuning knobs.
type Values struct {
	Hue        int
	Saturation int
	Brightness int
	Contrast   int
}

// Defaults returns the identity tuning.
func Defaults() Values {
	return Values{Hue: Neutral, Saturation: Neutral, Brightness: Neutral, Contrast: Neutral}
}

// IsIdentity reports whether the values leave colour untouched.
func (v Values) IsIdentity() bool {
	return v == Defaults()
}

// HueDegrees maps Hue to a rotation in [-180, 180].
func (v Values) HueDegrees() float64 {
	return float64(v.Hue-Neutral) * 3.6
}

// SaturationScale maps Saturation to a chroma gain in [0, 2].
func (v Values) SaturationScale() float64 {
	return float64(v.Saturation) / Neutral
}

// BrightnessOffset maps Brightness to an additive offset in [-0.5, 0.5].
func (v Values) BrightnessOffset() float64 {
	return float64(v.Brightness-Neutral) / 100
}

// ContrastScale maps Contrast to a gain around mid-grey in [0, 2].
func (v Values) ContrastScale() float64 {
	return float64(v.Contrast) / Neutral
}

// Paths names the two tuning files. Empty paths are skipped.
type Paths struct {
	HueSaturation      string
	BrightnessContrast string
}

func (p Paths) list() []string {
	var out []string
	for _, path := range []string{p.HueSaturation, p.BrightnessContrast} {
		if path != "" {
			out = append(out, path)
		}
	}
	return out
}

// Load reads both files. clean is false when any value had to be clamped
// or defaulted; a missing file is not counted as unclean.
func Load(paths Paths, logger *slog.Logger) (v Values, clean bool) {
	if logger == nil {
		logger = slog.Default()
	}
	v = Defaults()
	clean = true

	if paths.HueSaturation != "" {
		var ok bool
		v.Hue, v.Saturation, ok = readPair(paths.HueSaturation, logger)
		clean = clean && ok
	}
	if paths.BrightnessContrast != "" {
		var ok bool
		v.Brightness, v.Contrast, ok = readPair(paths.BrightnessContrast, logger)
		clean = clean && ok
	}
	return v, clean
}

func readPair(path string, logger *slog.Logger) (a, b int, ok bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			logger.Warn("Failed to read tuning file, using defaults", "path", path, "error", err)
			return Neutral, Neutral, false
		}
		return Neutral, Neutral, true
	}
	a, b, ok = ParsePair(data)
	if !ok {
		logger.Warn("Malformed tuning file, values clamped", "path", path, "first", a, "second", b)
	}
	return a, b, ok
}

// ParsePair parses two whitespace-separated integers. Missing or
// unparsable fields become Neutral and out-of-range values are clamped;
// ok is false if either happened.
func ParsePair(data []byte) (a, b int, ok bool) {
	fields := bytes.Fields(data)
	ok = len(fields) == 2

	vals := [2]int{Neutral, Neutral}
	for i := range min(len(fields), 2) {
		n, err := strconv.Atoi(string(fields[i]))
		if err != nil {
			ok = false
			continue
		}
		if n < minValue || n > maxValue {
			ok = false
			n = max(minValue, min(maxValue, n))
		}
		vals[i] = n
	}
	return vals[0], vals[1], ok
}
