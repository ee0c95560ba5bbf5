package rimage

import (
	"image"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/utils"
)

// Kernel is a convolution matrix. Content is indexed [y][x].
type Kernel struct {
	Content [][]float64
	Height  int
	Width   int
}

// NewKernel checks that content is a non empty rectangle and wraps it.
func NewKernel(content [][]float64) (Kernel, error) {
	if len(content) == 0 || len(content[0]) == 0 {
		return Kernel{}, errors.New("kernel must not be empty")
	}
	for _, row := range content {
		if len(row) != len(content[0]) {
			return Kernel{}, errors.New("kernel rows must all have the same length")
		}
	}
	return Kernel{Content: content, Height: len(content), Width: len(content[0])}, nil
}

// At returns the kernel value at column x, row y.
func (k *Kernel) At(x, y int) float64 {
	return k.Content[y][x]
}

// Size returns the kernel width and height.
func (k *Kernel) Size() image.Point {
	return image.Point{k.Width, k.Height}
}

// Normalize scales the kernel so its entries sum to one. Kernels summing to zero are unchanged.
func (k *Kernel) Normalize() {
	sum := 0.
	for _, row := range k.Content {
		for _, v := range row {
			sum += v
		}
	}
	if sum == 0 {
		return
	}
	for _, row := range k.Content {
		for i := range row {
			row[i] /= sum
		}
	}
}

// GetSobelX returns the Kernel corresponding to the Sobel kernel in the x direction.
func GetSobelX() Kernel {
	return Kernel{
		[][]float64{
			{-1, 0, 1},
			{-2, 0, 2},
			{-1, 0, 1},
		},
		3,
		3,
	}
}

// GetSobelY returns the Kernel corresponding to the Sobel kernel in the y direction.
func GetSobelY() Kernel {
	return Kernel{
		[][]float64{
			{-1, -2, -1},
			{0, 0, 0},
			{1, 2, 1},
		},
		3,
		3,
	}
}

// GetBlur3 returns the Kernel corresponding to a mean averaging kernel.
func GetBlur3() Kernel {
	return Kernel{
		[][]float64{
			{1 / 9., 1 / 9., 1 / 9.},
			{1 / 9., 1 / 9., 1 / 9.},
			{1 / 9., 1 / 9., 1 / 9.},
		},
		3,
		3,
	}
}

// ConvolveGrayFloat64 implements a gray float64 image convolution with the Kernel filter. The
// kernel is anchored at its centre and borders replicate the edge pixels. There is no clamping.
func ConvolveGrayFloat64(m *mat.Dense, filter *Kernel) (*mat.Dense, error) {
	if filter == nil || filter.Width == 0 || filter.Height == 0 {
		return nil, errors.New("cannot convolve with an empty kernel")
	}
	h, w := m.Dims()
	result := mat.NewDense(h, w, nil)
	anchor := image.Point{filter.Width / 2, filter.Height / 2}

	utils.ParallelForEachRow(h, func(y int) {
		for x := 0; x < w; x++ {
			sum := 0.
			for ky := 0; ky < filter.Height; ky++ {
				sy := utils.Clamp(y+ky-anchor.Y, 0, h-1)
				for kx := 0; kx < filter.Width; kx++ {
					kE := filter.At(kx, ky)
					if kE == 0 {
						continue
					}
					sx := utils.Clamp(x+kx-anchor.X, 0, w-1)
					sum += m.At(sy, sx) * kE
				}
			}
			result.Set(y, x, sum)
		}
	})
	return result, nil
}
