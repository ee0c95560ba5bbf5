package rimage

import (
	"image"
	"image/color"
	"math"

	"github.com/disintegration/imaging"
)

// DegenerateDisparityLevel is written for every valid pixel of a map whose valid values are all
// equal, where a min/max stretch is undefined.
const DegenerateDisparityLevel = 128

// NormalizeDisparity stretches the valid disparities of dm linearly onto [0, 255] using the
// frame's own minimum and maximum. Invalid pixels are 0. The result is only meant for display:
// the same disparity maps to different levels in different frames.
func NormalizeDisparity(dm *DisparityMap) *image.Gray {
	out := image.NewGray(dm.Bounds())
	minVal, maxVal, ok := dm.MinMax()
	if !ok {
		return out
	}
	span := float64(maxVal) - float64(minVal)
	for y := 0; y < dm.height; y++ {
		row := dm.data[y*dm.width : (y+1)*dm.width]
		pix := out.Pix[y*out.Stride : y*out.Stride+dm.width]
		for x, v := range row {
			if !dm.valid(v) {
				continue
			}
			if span <= 0 {
				pix[x] = DegenerateDisparityLevel
				continue
			}
			level := math.Round((float64(v) - float64(minVal)) * 255 / span)
			pix[x] = uint8(math.Max(0, math.Min(255, level)))
		}
	}
	return out
}

// ColorizeDisparity normalizes dm and applies cm. Invalid pixels are black.
func ColorizeDisparity(dm *DisparityMap, cm *Colormap) *image.NRGBA {
	gray := NormalizeDisparity(dm)
	out := image.NewNRGBA(gray.Rect)
	for y := 0; y < dm.height; y++ {
		for x := 0; x < dm.width; x++ {
			if !dm.IsValid(x, y) {
				out.SetNRGBA(x, y, color.NRGBA{0, 0, 0, 255})
				continue
			}
			out.SetNRGBA(x, y, cm.At(gray.Pix[y*gray.Stride+x]))
		}
	}
	return out
}

// SideBySide places images left to right on a black canvas tall enough for the tallest one.
func SideBySide(images ...image.Image) *image.NRGBA {
	width, height := 0, 0
	for _, img := range images {
		width += img.Bounds().Dx()
		if h := img.Bounds().Dy(); h > height {
			height = h
		}
	}
	canvas := imaging.New(width, height, color.NRGBA{0, 0, 0, 255})
	x := 0
	for _, img := range images {
		canvas = imaging.Paste(canvas, img, image.Pt(x, 0))
		x += img.Bounds().Dx()
	}
	return canvas
}
