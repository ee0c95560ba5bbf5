package rimage

import (
	"math"
)

// Helper function for convolving matrices together, When used with i, dx := range makeRangeArray(n)
// i is the position within the kernel and dx gives the offset within the image.
// if length is even, then the origin is to the right of middle i.e. 4 -> {-2, -1, 0, 1}.
func makeRangeArray(length int) []int {
	if length <= 0 {
		return make([]int, 0)
	}
	rangeArray := make([]int, length)
	if length%2 == 0 {
		oddArr := makeRangeArray(length - 1)
		return append([]int{-length / 2}, oddArr...)
	}
	span := (length - 1) / 2
	for i := 0; i < span; i++ {
		rangeArray[length-1-i] = span - i
		rangeArray[i] = -span + i
	}
	return rangeArray
}

// GaussianFunction1D takes in a sigma and returns a gaussian function useful for weighing averages or blurring.
func GaussianFunction1D(sigma float64) func(p float64) float64 {
	if sigma <= 0. {
		return func(p float64) float64 {
			return 1.
		}
	}
	return func(p float64) float64 {
		return math.Exp(-0.5*math.Pow(p, 2)/math.Pow(sigma, 2)) / (sigma * math.Sqrt(2.*math.Pi))
	}
}

// GaussianKernel returns a normalized isotropic gaussian kernel that covers 3 sigma on each side.
func GaussianKernel(sigma float64) Kernel {
	gaus1D := GaussianFunction1D(sigma)
	k := 1 + 2*int(math.Ceil(3.*sigma))
	if k < 3 {
		k = 3
	}
	xRange := makeRangeArray(k)
	content := make([][]float64, k)
	for j, y := range xRange {
		row := make([]float64, k)
		for i, x := range xRange {
			row[i] = gaus1D(float64(x)) * gaus1D(float64(y))
		}
		content[j] = row
	}
	kernel := Kernel{Content: content, Height: k, Width: k}
	kernel.Normalize()
	return kernel
}
