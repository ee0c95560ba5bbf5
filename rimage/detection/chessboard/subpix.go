package chessboard

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
)

// RefineCorners moves every corner to the point where the image gradients inside its window are
// orthogonal to the vectors from that point, which is exact for an ideal X-junction. A corner that
// would leave its window keeps its original position.
func RefineCorners(img *image.Gray, corners []r2.Point, cfg SubPixConfiguration) []r2.Point {
	win := cfg.WindowHalfSize
	side := 2*win + 1
	mask := make([]float64, side*side)
	coeff := 1. / float64(win*win)
	for i := -win; i <= win; i++ {
		wy := math.Exp(-float64(i*i) * coeff)
		for j := -win; j <= win; j++ {
			mask[(i+win)*side+j+win] = wy * math.Exp(-float64(j*j)*coeff)
		}
	}
	maxIter := cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 100
	}
	eps := math.Max(cfg.Epsilon, 0)
	eps *= eps

	w, h := img.Rect.Dx(), img.Rect.Dy()
	patchSide := side + 2
	patch := make([]float64, patchSide*patchSide)

	out := make([]r2.Point, len(corners))
	for k, start := range corners {
		c := start
		for iter := 0; iter < maxIter; iter++ {
			samplePatch(img, c, win+1, patchSide, patch)
			var a, b, cc, bb1, bb2 float64
			for i := 0; i < side; i++ {
				py := float64(i - win)
				for j := 0; j < side; j++ {
					m := mask[i*side+j]
					tgx := patch[(i+1)*patchSide+j+2] - patch[(i+1)*patchSide+j]
					tgy := patch[(i+2)*patchSide+j+1] - patch[i*patchSide+j+1]
					gxx := tgx * tgx * m
					gxy := tgx * tgy * m
					gyy := tgy * tgy * m
					px := float64(j - win)
					a += gxx
					b += gxy
					cc += gyy
					bb1 += gxx*px + gxy*py
					bb2 += gxy*px + gyy*py
				}
			}
			det := a*cc - b*b
			if math.Abs(det) <= 1e-30 {
				break
			}
			scale := 1 / det
			next := r2.Point{
				X: c.X + cc*scale*bb1 - b*scale*bb2,
				Y: c.Y - b*scale*bb1 + a*scale*bb2,
			}
			moved := next.Sub(c)
			c = next
			if c.X < 0 || c.X >= float64(w) || c.Y < 0 || c.Y >= float64(h) {
				break
			}
			if moved.Dot(moved) <= eps {
				break
			}
		}
		if math.Abs(c.X-start.X) > float64(win) || math.Abs(c.Y-start.Y) > float64(win) {
			c = start
		}
		out[k] = c
	}
	return out
}

// samplePatch fills dst with a side x side bilinear resampling of img centred on c, where the
// patch pixel (half, half) lands exactly on c. Borders replicate.
func samplePatch(img *image.Gray, c r2.Point, half, side int, dst []float64) {
	w, h := img.Rect.Dx(), img.Rect.Dy()
	at := func(x, y int) float64 {
		x = min(max(x, 0), w-1)
		y = min(max(y, 0), h-1)
		return float64(img.Pix[y*img.Stride+x])
	}
	x0f, y0f := math.Floor(c.X), math.Floor(c.Y)
	ax, ay := c.X-x0f, c.Y-y0f
	x0, y0 := int(x0f)-half, int(y0f)-half
	for i := 0; i < side; i++ {
		for j := 0; j < side; j++ {
			x, y := x0+j, y0+i
			top := at(x, y)*(1-ax) + at(x+1, y)*ax
			bottom := at(x, y+1)*(1-ax) + at(x+1, y+1)*ax
			dst[i*side+j] = top*(1-ay) + bottom*ay
		}
	}
}
