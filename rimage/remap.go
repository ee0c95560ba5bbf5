package rimage

import (
	"image"
	"math"

	"github.com/pkg/errors"

	"go.orion.dev/depth/utils"
)

// RemapTable stores, for every destination pixel, the source coordinates it samples from.
type RemapTable struct {
	Width  int
	Height int
	MapX   []float32
	MapY   []float32
}

// NewRemapTable allocates an empty table for a width x height destination.
func NewRemapTable(width, height int) *RemapTable {
	return &RemapTable{
		Width:  width,
		Height: height,
		MapX:   make([]float32, width*height),
		MapY:   make([]float32, width*height),
	}
}

// Set stores the source coordinate for destination pixel (x, y).
func (rt *RemapTable) Set(x, y int, sx, sy float64) {
	i := y*rt.Width + x
	rt.MapX[i] = float32(sx)
	rt.MapY[i] = float32(sy)
}

// At returns the source coordinate for destination pixel (x, y).
func (rt *RemapTable) At(x, y int) (float64, float64) {
	i := y*rt.Width + x
	return float64(rt.MapX[i]), float64(rt.MapY[i])
}

// Remap samples src through the table with bilinear interpolation. Samples falling outside
// src are black. Grayscale input produces *image.Gray, anything else *image.NRGBA.
func (rt *RemapTable) Remap(src image.Image) (image.Image, error) {
	if src == nil {
		return nil, errors.New("cannot remap a nil image")
	}
	if len(rt.MapX) != rt.Width*rt.Height || len(rt.MapY) != rt.Width*rt.Height {
		return nil, errors.New("remap table is corrupt")
	}
	if g, ok := src.(*image.Gray); ok {
		return rt.remapGray(MakeGray(g)), nil
	}
	return rt.remapNRGBA(MakeNRGBA(src)), nil
}

func (rt *RemapTable) remapGray(src *image.Gray) *image.Gray {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewGray(image.Rect(0, 0, rt.Width, rt.Height))
	utils.ParallelForEachRow(rt.Height, func(y int) {
		for x := 0; x < rt.Width; x++ {
			i := y*rt.Width + x
			var out float64
			sampleBilinear(float64(rt.MapX[i]), float64(rt.MapY[i]), sw, sh, func(px, py int, w float64) {
				out += w * float64(src.Pix[py*src.Stride+px])
			})
			dst.Pix[y*dst.Stride+x] = uint8(utils.Clamp(math.Round(out), 0, 255))
		}
	})
	return dst
}

func (rt *RemapTable) remapNRGBA(src *image.NRGBA) *image.NRGBA {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dst := image.NewNRGBA(image.Rect(0, 0, rt.Width, rt.Height))
	utils.ParallelForEachRow(rt.Height, func(y int) {
		for x := 0; x < rt.Width; x++ {
			i := y*rt.Width + x
			var acc [4]float64
			sampleBilinear(float64(rt.MapX[i]), float64(rt.MapY[i]), sw, sh, func(px, py int, w float64) {
				o := py*src.Stride + px*4
				for c := 0; c < 4; c++ {
					acc[c] += w * float64(src.Pix[o+c])
				}
			})
			o := y*dst.Stride + x*4
			for c := 0; c < 3; c++ {
				dst.Pix[o+c] = uint8(utils.Clamp(math.Round(acc[c]), 0, 255))
			}
			// outside samples are opaque black like the grayscale path
			dst.Pix[o+3] = 255
		}
	})
	return dst
}

// sampleBilinear visits the up to four source pixels surrounding (sx, sy) with their weights.
// Pixels outside [0, w) x [0, h) contribute zero.
func sampleBilinear(sx, sy float64, w, h int, visit func(px, py int, weight float64)) {
	if math.IsNaN(sx) || math.IsNaN(sy) {
		return
	}
	x0f, y0f := math.Floor(sx), math.Floor(sy)
	x0, y0 := int(x0f), int(y0f)
	if x0 < -1 || y0 < -1 || x0 >= w || y0 >= h {
		return
	}
	ax, ay := sx-x0f, sy-y0f
	weights := [4]float64{(1 - ax) * (1 - ay), ax * (1 - ay), (1 - ax) * ay, ax * ay}
	coords := [4][2]int{{x0, y0}, {x0 + 1, y0}, {x0, y0 + 1}, {x0 + 1, y0 + 1}}
	for k, c := range coords {
		if weights[k] == 0 || c[0] < 0 || c[1] < 0 || c[0] >= w || c[1] >= h {
			continue
		}
		visit(c[0], c[1], weights[k])
	}
}

// ResizeFloat32 resamples a row major width x height grid to newWidth x newHeight with bilinear
// interpolation. Pixel centres are aligned, so a constant grid stays constant.
func ResizeFloat32(data []float32, width, height, newWidth, newHeight int) ([]float32, error) {
	if len(data) != width*height {
		return nil, errors.Errorf("grid has %d values, expected %dx%d", len(data), width, height)
	}
	if width <= 0 || height <= 0 || newWidth <= 0 || newHeight <= 0 {
		return nil, errors.Errorf("invalid resize %dx%d -> %dx%d", width, height, newWidth, newHeight)
	}
	out := make([]float32, newWidth*newHeight)
	scaleX := float64(width) / float64(newWidth)
	scaleY := float64(height) / float64(newHeight)
	utils.ParallelForEachRow(newHeight, func(y int) {
		sy := utils.Clamp((float64(y)+0.5)*scaleY-0.5, 0, float64(height-1))
		y0 := int(sy)
		y1 := utils.Clamp(y0+1, 0, height-1)
		fy := sy - float64(y0)
		for x := 0; x < newWidth; x++ {
			sx := utils.Clamp((float64(x)+0.5)*scaleX-0.5, 0, float64(width-1))
			x0 := int(sx)
			x1 := utils.Clamp(x0+1, 0, width-1)
			fx := sx - float64(x0)
			top := float64(data[y0*width+x0])*(1-fx) + float64(data[y0*width+x1])*fx
			bottom := float64(data[y1*width+x0])*(1-fx) + float64(data[y1*width+x1])*fx
			out[y*newWidth+x] = float32(top*(1-fy) + bottom*fy)
		}
	})
	return out, nil
}
