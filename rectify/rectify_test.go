package rectify

import (
	"image"
	"image/color"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/rimage/transform"
)

var size = image.Point{X: 320, Y: 240}

func distortedRig(t *testing.T) *calibration.StereoCalibration {
	t.Helper()
	left := &transform.PinholeCameraModel{
		CameraIntrinsics: &transform.CameraIntrinsics{Width: 320, Height: 240, Fx: 305, Fy: 302, Ppx: 161, Ppy: 119},
		Distortion:       &transform.BrownConrady{RadialK1: -0.08, RadialK2: 0.02},
	}
	right := &transform.PinholeCameraModel{
		CameraIntrinsics: &transform.CameraIntrinsics{Width: 320, Height: 240, Fx: 300, Fy: 299, Ppx: 158, Ppy: 122},
		Distortion:       &transform.BrownConrady{RadialK1: -0.05, TangentialP1: 0.001},
	}
	rot := transform.Rodrigues(r3.Vector{X: 0.01, Y: -0.02, Z: 0.005})
	sc, err := calibration.NewStereoCalibration(size, left, right, rot, r3.Vector{X: -0.06, Y: 0.001, Z: 0.002})
	test.That(t, err, test.ShouldBeNil)
	return sc
}

func identityRig(t *testing.T) *calibration.StereoCalibration {
	t.Helper()
	cam := func() *transform.PinholeCameraModel {
		return &transform.PinholeCameraModel{
			CameraIntrinsics: &transform.CameraIntrinsics{Width: 320, Height: 240, Fx: 300, Fy: 300, Ppx: 159.5, Ppy: 119.5},
		}
	}
	sc, err := calibration.NewStereoCalibration(size, cam(), cam(), mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}),
		r3.Vector{X: -0.1})
	test.That(t, err, test.ShouldBeNil)
	return sc
}

func TestComputeIsPure(t *testing.T) {
	calib := distortedRig(t)
	a, err := ComputeZeroCrop(calib, size)
	test.That(t, err, test.ShouldBeNil)
	b, err := ComputeZeroCrop(calib, size)
	test.That(t, err, test.ShouldBeNil)
	for _, side := range []Side{Left, Right} {
		test.That(t, a.Table(side), test.ShouldResemble, b.Table(side))
		test.That(t, mat.Equal(a.Projection(side), b.Projection(side)), test.ShouldBeTrue)
	}
	test.That(t, mat.Equal(a.Q(), b.Q()), test.ShouldBeTrue)

	// accessors do not expose internal state
	table := a.Table(Left)
	table.MapX[0] = 1e6
	test.That(t, a.Table(Left).MapX[0], test.ShouldNotEqual, float32(1e6))
}

func TestIdentityRig(t *testing.T) {
	m, err := ComputeZeroCrop(identityRig(t), size)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, m.Horizontal(), test.ShouldBeTrue)
	test.That(t, mat.EqualApprox(m.Rotation(Left), mat.NewDense(3, 3, []float64{1, 0, 0, 0, 1, 0, 0, 0, 1}), 1e-12), test.ShouldBeTrue)
	test.That(t, m.Baseline(), test.ShouldAlmostEqual, 0.1, 1e-9)
	// the zero crop reaches the far edge of the frame, h - cy = 120.5 against 119.5 rectified rows
	zoom := 120.5 / 119.5
	test.That(t, m.FocalLength(), test.ShouldAlmostEqual, 300*zoom, 1e-6)
	test.That(t, m.Q().At(2, 3), test.ShouldAlmostEqual, 300*zoom, 1e-6)

	// close to the identity apart from the slight zoom of the zero crop
	table := m.Table(Left)
	for _, p := range []image.Point{{0, 0}, {160, 120}, {319, 239}, {40, 200}} {
		sx, sy := table.At(p.X, p.Y)
		test.That(t, sx, test.ShouldAlmostEqual, 159.5+(float64(p.X)-159.5)/zoom, 1e-3)
		test.That(t, sy, test.ShouldAlmostEqual, 119.5+(float64(p.Y)-119.5)/zoom, 1e-3)
	}

	gray := image.NewGray(image.Rect(0, 0, size.X, size.Y))
	for i := range gray.Pix {
		gray.Pix[i] = 90
	}
	rectL, rectR, err := m.Rectify(gray, gray)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, rectL.Bounds(), test.ShouldResemble, gray.Bounds())
	test.That(t, rectL.(*image.Gray).GrayAt(100, 100).Y, test.ShouldEqual, uint8(90))
	test.That(t, rectR.(*image.Gray).GrayAt(5, 5).Y, test.ShouldEqual, uint8(90))
}

func TestRowsAreAligned(t *testing.T) {
	calib := distortedRig(t)
	m, err := ComputeZeroCrop(calib, size)
	test.That(t, err, test.ShouldBeNil)

	for _, p := range []r3.Vector{{X: 0.1, Y: -0.05, Z: 1.2}, {X: -0.2, Y: 0.1, Z: 2}, {X: 0.01, Y: 0.08, Z: 0.7}} {
		rawL := calib.Left.Project(p)
		pr := transform.RotateVector(calib.R, p).Add(calib.T)
		rawR := calib.Right.Project(pr)
		rectL := m.RectifyPoint(Left, rawL)
		rectR := m.RectifyPoint(Right, rawR)
		test.That(t, rectL.Y, test.ShouldAlmostEqual, rectR.Y, 1e-6)

		// the rectified pair triangulates back onto the point
		d := rectL.X - rectR.X
		test.That(t, d, test.ShouldBeGreaterThan, 0)
		got := m.Reproject(rectL.X, rectL.Y, d)
		want := transform.RotateVector(m.Rotation(Left), p)
		test.That(t, got.Sub(want).Norm(), test.ShouldBeLessThan, 1e-6)
	}
}

func TestZeroCropAndFullView(t *testing.T) {
	calib := distortedRig(t)
	inside := func(m *Map) bool {
		for _, side := range []Side{Left, Right} {
			table := m.Table(side)
			for i := range table.MapX {
				x, y := float64(table.MapX[i]), float64(table.MapY[i])
				if x < -0.5 || y < -0.5 || x > float64(size.X)-0.5 || y > float64(size.Y)-0.5 {
					return false
				}
			}
		}
		return true
	}
	crop, err := Compute(calib, size, 0)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inside(crop), test.ShouldBeTrue)

	full, err := Compute(calib, size, 1)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, inside(full), test.ShouldBeFalse)
	test.That(t, full.FocalLength(), test.ShouldBeLessThan, crop.FocalLength())

	_, err = Compute(calib, size, 2)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestSizeMismatch(t *testing.T) {
	calib := distortedRig(t)
	_, err := ComputeZeroCrop(calib, image.Point{X: 640, Y: 480})
	test.That(t, errors.Is(err, ErrSizeMismatch), test.ShouldBeTrue)

	m, err := ComputeZeroCrop(calib, size)
	test.That(t, err, test.ShouldBeNil)
	small := image.NewNRGBA(image.Rect(0, 0, 160, 120))
	frame := image.NewNRGBA(image.Rect(0, 0, size.X, size.Y))
	frame.Set(0, 0, color.White)
	_, _, err = m.Rectify(frame, small)
	test.That(t, errors.Is(err, ErrSizeMismatch), test.ShouldBeTrue)

	rectL, _, err := m.Rectify(frame, frame)
	test.That(t, err, test.ShouldBeNil)
	_, isNRGBA := rectL.(*image.NRGBA)
	test.That(t, isNRGBA, test.ShouldBeTrue)
}

func TestRectifyPointCentre(t *testing.T) {
	m, err := ComputeZeroCrop(identityRig(t), size)
	test.That(t, err, test.ShouldBeNil)
	c := m.RectifyPoint(Left, r2.Point{X: 159.5, Y: 119.5})
	test.That(t, c.X, test.ShouldAlmostEqual, 159.5, 1e-9)
	test.That(t, c.Y, test.ShouldAlmostEqual, 119.5, 1e-9)
	test.That(t, math.IsNaN(m.Reproject(10, 10, 0).Z), test.ShouldBeFalse)
}
