package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"
)

// DisparityMap is a per-pixel horizontal correspondence offset between a rectified left and right
// image, in pixels of the left image. Pixels holding the invalid sentinel (or NaN) carry no
// disparity. A DisparityMap is never modified after construction.
type DisparityMap struct {
	width   int
	height  int
	invalid float32

	data []float32
}

// NewDisparityMap copies data, a row major width x height grid, into a new map whose invalid
// pixels are marked with the invalid sentinel. Use NaN when every finite value is valid.
func NewDisparityMap(width, height int, data []float32, invalid float32) (*DisparityMap, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Errorf("invalid disparity map size %dx%d", width, height)
	}
	if len(data) != width*height {
		return nil, errors.Errorf("disparity data has %d values, expected %d", len(data), width*height)
	}
	owned := make([]float32, len(data))
	copy(owned, data)
	return &DisparityMap{width: width, height: height, invalid: invalid, data: owned}, nil
}

// Width returns the horizontal size of the map.
func (dm *DisparityMap) Width() int {
	return dm.width
}

// Height returns the vertical size of the map.
func (dm *DisparityMap) Height() int {
	return dm.height
}

// Bounds returns the rectangle of the map anchored at the origin.
func (dm *DisparityMap) Bounds() image.Rectangle {
	return image.Rect(0, 0, dm.width, dm.height)
}

// InvalidValue is the sentinel that marks pixels without a disparity.
func (dm *DisparityMap) InvalidValue() float32 {
	return dm.invalid
}

// At returns the disparity at (x, y), which may be the invalid sentinel.
func (dm *DisparityMap) At(x, y int) float32 {
	return dm.data[y*dm.width+x]
}

// IsValid reports whether (x, y) holds a measured disparity.
func (dm *DisparityMap) IsValid(x, y int) bool {
	return dm.valid(dm.data[y*dm.width+x])
}

func (dm *DisparityMap) valid(v float32) bool {
	f := float64(v)
	return v != dm.invalid && !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Data returns a copy of the row major values.
func (dm *DisparityMap) Data() []float32 {
	out := make([]float32, len(dm.data))
	copy(out, dm.data)
	return out
}

// MinMax returns the smallest and largest valid disparities. ok is false when no pixel is valid.
func (dm *DisparityMap) MinMax() (minVal, maxVal float32, ok bool) {
	first := true
	for _, v := range dm.data {
		if !dm.valid(v) {
			continue
		}
		if first {
			minVal, maxVal = v, v
			first = false
			continue
		}
		if v < minVal {
			minVal = v
		}
		if v > maxVal {
			maxVal = v
		}
	}
	return minVal, maxVal, !first
}

// ValidCount returns the number of valid pixels.
func (dm *DisparityMap) ValidCount() int {
	n := 0
	for _, v := range dm.data {
		if dm.valid(v) {
			n++
		}
	}
	return n
}
