// Package rimage holds the image plumbing of the depth pipeline: conversions, remapping,
// resampling, the disparity map type and its visualization.
package rimage

import (
	"image"
	"image/color"
	"image/draw"

	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/utils"
)

// SameImgSize reports whether both images have the same width and height.
func SameImgSize(g1, g2 image.Image) bool {
	return g1.Bounds().Dx() == g2.Bounds().Dx() && g1.Bounds().Dy() == g2.Bounds().Dy()
}

// MakeGray returns a grayscale version of img with bounds starting at the origin. A *image.Gray
// already anchored at the origin is returned as is; callers must not mutate it.
func MakeGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok && g.Rect.Min == (image.Point{}) {
		return g
	}
	b := img.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	switch src := img.(type) {
	case *image.NRGBA:
		utils.ParallelForEachRow(b.Dy(), func(y int) {
			for x := 0; x < b.Dx(); x++ {
				i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				dst.Pix[y*dst.Stride+x] = luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
			}
		})
	case *image.RGBA:
		utils.ParallelForEachRow(b.Dy(), func(y int) {
			for x := 0; x < b.Dx(); x++ {
				i := src.PixOffset(b.Min.X+x, b.Min.Y+y)
				dst.Pix[y*dst.Stride+x] = luminance(src.Pix[i], src.Pix[i+1], src.Pix[i+2])
			}
		})
	default:
		draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	}
	return dst
}

// luminance is the same weighting as color.GrayModel.
func luminance(r, g, b uint8) uint8 {
	y := (19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16
	return uint8(y)
}

// MakeNRGBA returns img as a *image.NRGBA anchored at the origin, copying when needed.
func MakeNRGBA(img image.Image) *image.NRGBA {
	if n, ok := img.(*image.NRGBA); ok && n.Rect.Min == (image.Point{}) {
		return n
	}
	b := img.Bounds()
	dst := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Rect, img, b.Min, draw.Src)
	return dst
}

// GrayToFloat converts a grayscale image into a row major matrix of intensities.
func GrayToFloat(img *image.Gray) *mat.Dense {
	w, h := img.Bounds().Dx(), img.Bounds().Dy()
	out := mat.NewDense(h, w, nil)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w]
		for x, v := range row {
			out.Set(y, x, float64(v))
		}
	}
	return out
}

// ConvertImageToLuminanceFloat converts any image to a matrix of gray intensities in [0, 255].
func ConvertImageToLuminanceFloat(img image.Image) *mat.Dense {
	return GrayToFloat(MakeGray(img))
}

// FloatToGray clamps a matrix of intensities to a grayscale image.
func FloatToGray(m mat.Matrix) *image.Gray {
	h, w := m.Dims()
	out := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			out.SetGray(x, y, color.Gray{uint8(utils.Clamp(m.At(y, x)+0.5, 0, 255))})
		}
	}
	return out
}
