package rectify

import (
	"image"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/rimage"
)

// Size is the frame size the map was built for.
func (m *Map) Size() image.Point {
	return m.size
}

// Horizontal reports whether the cameras sit side by side rather than on top of each other.
func (m *Map) Horizontal() bool {
	return m.horizontal
}

// Rotation returns the rectifying rotation of one camera (R1 or R2).
func (m *Map) Rotation(side Side) *mat.Dense {
	return mat.DenseCopyOf(m.rot[side])
}

// Projection returns the 3x4 projection matrix of one rectified camera (P1 or P2).
func (m *Map) Projection(side Side) *mat.Dense {
	return mat.DenseCopyOf(m.proj[side])
}

// Q returns the 4x4 matrix mapping (x, y, disparity, 1) to homogeneous 3D points in the
// rectified left camera frame.
func (m *Map) Q() *mat.Dense {
	return mat.DenseCopyOf(m.q)
}

// Table returns a copy of one camera's remap table.
func (m *Map) Table(side Side) *rimage.RemapTable {
	src := m.tables[side]
	return &rimage.RemapTable{
		Width:  src.Width,
		Height: src.Height,
		MapX:   append([]float32(nil), src.MapX...),
		MapY:   append([]float32(nil), src.MapY...),
	}
}

// FocalLength is the focal length of both rectified cameras, in pixels.
func (m *Map) FocalLength() float64 {
	return m.proj[Left].At(0, 0)
}

// Baseline is the distance between the rectified cameras in calibration units.
func (m *Map) Baseline() float64 {
	tx := m.proj[Right].At(0, 3)
	if !m.horizontal {
		tx = m.proj[Right].At(1, 3)
	}
	if tx < 0 {
		tx = -tx
	}
	return tx / m.FocalLength()
}

// Rectify remaps a raw frame pair into the rectified frames. Both frames must be Size.
func (m *Map) Rectify(left, right image.Image) (image.Image, image.Image, error) {
	if left == nil || right == nil {
		return nil, nil, errors.New("cannot rectify a nil frame")
	}
	for side, img := range []image.Image{left, right} {
		if img.Bounds().Size() != m.size {
			return nil, nil, errors.Wrapf(ErrSizeMismatch, "%s frame is %v, map is %v", Side(side), img.Bounds().Size(), m.size)
		}
	}
	rectL, err := m.tables[Left].Remap(left)
	if err != nil {
		return nil, nil, err
	}
	rectR, err := m.tables[Right].Remap(right)
	if err != nil {
		return nil, nil, err
	}
	return rectL, rectR, nil
}

// RectifyPoint maps a raw pixel of one camera to its rectified image.
func (m *Map) RectifyPoint(side Side, p r2.Point) r2.Point {
	return undistortRectify(m.models[side], m.rot[side], m.proj[side], p)
}

// Reproject turns a rectified left pixel and its disparity into a 3D point in the rectified left
// camera frame. The point is at infinity when d is 0.
func (m *Map) Reproject(x, y, d float64) r3.Vector {
	in := mat.NewVecDense(4, []float64{x, y, d, 1})
	var out mat.VecDense
	out.MulVec(m.q, in)
	w := out.AtVec(3)
	return r3.Vector{X: out.AtVec(0) / w, Y: out.AtVec(1) / w, Z: out.AtVec(2) / w}
}
