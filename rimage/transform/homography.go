package transform

import (
	"math"

	"github.com/golang/geo/r2"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform of the plane.
type Homography struct {
	h *mat.Dense
}

// NewHomography wraps a 3x3 matrix, normalizing it so that h[2][2] is 1 when possible.
func NewHomography(m mat.Matrix) (*Homography, error) {
	if r, c := m.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("homography must be 3x3, got %dx%d", r, c)
	}
	h := mat.DenseCopyOf(m)
	if s := h.At(2, 2); math.Abs(s) > 1e-12 {
		h.Scale(1/s, h)
	}
	return &Homography{h: h}, nil
}

// Matrix returns a copy of the underlying 3x3 matrix.
func (hom *Homography) Matrix() *mat.Dense {
	return mat.DenseCopyOf(hom.h)
}

// Apply maps p through the homography.
func (hom *Homography) Apply(p r2.Point) r2.Point {
	h := hom.h
	w := h.At(2, 0)*p.X + h.At(2, 1)*p.Y + h.At(2, 2)
	return r2.Point{
		X: (h.At(0, 0)*p.X + h.At(0, 1)*p.Y + h.At(0, 2)) / w,
		Y: (h.At(1, 0)*p.X + h.At(1, 1)*p.Y + h.At(1, 2)) / w,
	}
}

// EstimateHomography computes the homography mapping src onto dst with the normalized direct
// linear transform. At least four correspondences are required.
func EstimateHomography(src, dst []r2.Point) (*Homography, error) {
	if len(src) != len(dst) {
		return nil, errors.New("sets of points src and dst must have the same number of elements")
	}
	if len(src) < 4 {
		return nil, errors.New("sets of points must have at least 4 elements")
	}
	nSrc, tSrc := normalizePoints(src)
	nDst, tDst := normalizePoints(dst)

	a := mat.NewDense(2*len(src), 9, nil)
	for i := range nSrc {
		x, y := nSrc[i].X, nSrc[i].Y
		u, v := nDst[i].X, nDst[i].Y
		a.SetRow(2*i, []float64{-x, -y, -1, 0, 0, 0, u * x, u * y, u})
		a.SetRow(2*i+1, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
	}
	hVec := NullVector(a)
	if hVec == nil {
		return nil, errors.New("homography SVD did not converge")
	}
	hn := mat.NewDense(3, 3, hVec)

	// H = tDst^-1 * Hn * tSrc
	var tDstInv mat.Dense
	if err := tDstInv.Inverse(tDst); err != nil {
		return nil, errors.Wrap(err, "degenerate point normalization")
	}
	var h mat.Dense
	h.Mul(&tDstInv, hn)
	h.Mul(&h, tSrc)
	if math.Abs(h.At(2, 2)) < 1e-12 {
		return nil, errors.New("degenerate homography")
	}
	return NewHomography(&h)
}
