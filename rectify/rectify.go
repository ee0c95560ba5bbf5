// Package rectify computes the transforms that bring a calibrated stereo pair into row aligned
// images and applies them to frames.
package rectify

import (
	"image"
	"math"

	"github.com/golang/geo/r1"
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/calibration"
	"go.orion.dev/depth/rimage"
	"go.orion.dev/depth/rimage/transform"
	"go.orion.dev/depth/utils"
)

// ErrSizeMismatch is returned when a frame does not have the size a Map was built for.
var ErrSizeMismatch = errors.New("image size does not match the rectification map")

// Side selects one camera of the rig.
type Side int

const (
	// Left is the reference camera.
	Left Side = iota
	// Right is the second camera.
	Right
)

func (s Side) String() string {
	if s == Left {
		return "left"
	}
	return "right"
}

// Map holds the rectifying rotations, the projection matrices of the rectified cameras, the
// disparity to depth matrix and a remap table per camera. It is only valid for Size.
type Map struct {
	size       image.Point
	horizontal bool
	rot        [2]*mat.Dense
	proj       [2]*mat.Dense
	q          *mat.Dense
	tables     [2]*rimage.RemapTable
	models     [2]*transform.PinholeCameraModel
}

// ComputeZeroCrop is Compute with alpha 0, so every rectified pixel maps to a valid source pixel.
func ComputeZeroCrop(calib *calibration.StereoCalibration, size image.Point) (*Map, error) {
	return Compute(calib, size, 0)
}

// Compute builds the rectification of calib for frames of the given size. Alpha 0 scales the
// rectified images so no invalid border is visible, alpha 1 keeps every source pixel, values in
// between interpolate. The result only depends on its inputs.
func Compute(calib *calibration.StereoCalibration, size image.Point, alpha float64) (*Map, error) {
	if calib == nil || calib.Left == nil || calib.Right == nil || calib.R == nil {
		return nil, errors.New("rectification needs a complete stereo calibration")
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid image size %v", size)
	}
	if calib.ImageSize != (image.Point{}) && calib.ImageSize != size {
		return nil, errors.Wrapf(ErrSizeMismatch, "calibrated for %v, asked for %v", calib.ImageSize, size)
	}
	if alpha < 0 || alpha > 1 {
		return nil, errors.Errorf("alpha must be in [0, 1], got %v", alpha)
	}
	if calib.T.Norm() == 0 {
		return nil, errors.New("cameras share an optical centre, baseline is zero")
	}

	m := &Map{size: size, models: [2]*transform.PinholeCameraModel{calib.Left, calib.Right}}

	// rotate each camera half way towards the other
	om := transform.RotationToRodrigues(calib.R).Mul(-0.5)
	halfInv := transform.Rodrigues(om)
	t := transform.RotateVector(halfInv, calib.T)

	// then align the baseline with the x (or y) axis
	m.horizontal = math.Abs(t.X) > math.Abs(t.Y)
	axis := r3.Vector{Y: 1}
	c := t.Y
	if m.horizontal {
		axis = r3.Vector{X: 1}
		c = t.X
	}
	if c < 0 {
		axis = axis.Mul(-1)
	}
	ww := t.Cross(axis)
	if nw := ww.Norm(); nw > 0 {
		ww = ww.Mul(math.Acos(math.Abs(c)/t.Norm()) / nw)
	}
	wR := transform.Rodrigues(ww)

	var rotL, rotR mat.Dense
	rotL.Mul(wR, halfInv.T())
	rotR.Mul(wR, halfInv)
	m.rot = [2]*mat.Dense{&rotL, &rotR}
	tNew := transform.RotateVector(&rotR, calib.T)
	baseline := tNew.Y
	if m.horizontal {
		baseline = tNew.X
	}

	// common focal length, shrunk for barrel distortion
	fc := math.MaxFloat64
	w, h := float64(size.X), float64(size.Y)
	for _, model := range m.models {
		f := model.Fx
		if m.horizontal {
			f = model.Fy
		}
		if k1 := distortionK1(model); k1 < 0 {
			f *= 1 + k1*(w*w+h*h)/(4*f*f)
		}
		fc = math.Min(fc, f)
	}

	// principal points centring the undistorted image corners, shared by both cameras so that
	// points at infinity have zero disparity
	corners := []r2.Point{{X: 0, Y: 0}, {X: w - 1, Y: 0}, {X: 0, Y: h - 1}, {X: w - 1, Y: h - 1}}
	var cc r2.Point
	for k, model := range m.models {
		proj := projection(fc, r2.Point{}, 0)
		avg := r2.Point{}
		for _, p := range corners {
			avg = avg.Add(undistortRectify(model, m.rot[k], proj, p))
		}
		cc = cc.Add(r2.Point{X: (w-1)/2 - avg.X/4, Y: (h-1)/2 - avg.Y/4})
	}
	cc = cc.Mul(0.5)

	// scale the focal length for alpha from the inner and outer valid rectangles
	s0, s1 := 0., math.MaxFloat64
	for k, model := range m.models {
		inner, outer := rectangles(model, m.rot[k], projection(fc, cc, 0), size)
		s0 = math.Max(s0, math.Max(math.Max(cc.X/(cc.X-inner.X.Lo), cc.Y/(cc.Y-inner.Y.Lo)),
			math.Max((w-cc.X)/(inner.X.Hi-cc.X), (h-cc.Y)/(inner.Y.Hi-cc.Y))))
		s1 = math.Min(s1, math.Min(math.Min(cc.X/(cc.X-outer.X.Lo), cc.Y/(cc.Y-outer.Y.Lo)),
			math.Min((w-cc.X)/(outer.X.Hi-cc.X), (h-cc.Y)/(outer.Y.Hi-cc.Y))))
	}
	s := s0*(1-alpha) + s1*alpha
	if math.IsNaN(s) || math.IsInf(s, 0) || s <= 0 {
		return nil, errors.New("rectification is degenerate for this calibration")
	}
	fc *= s

	m.proj[0] = projection(fc, cc, 0)
	if m.horizontal {
		m.proj[1] = projection(fc, cc, fc*baseline)
	} else {
		m.proj[1] = projection(fc, cc, 0)
		m.proj[1].Set(1, 3, fc*baseline)
	}
	// principal points are shared, so the last term of Q is zero
	m.q = mat.NewDense(4, 4, []float64{
		1, 0, 0, -cc.X,
		0, 1, 0, -cc.Y,
		0, 0, 0, fc,
		0, 0, -1 / baseline, 0,
	})

	for k := range m.models {
		table, err := buildTable(m.models[k], m.rot[k], m.proj[k], size)
		if err != nil {
			return nil, errors.Wrapf(err, "%s camera", Side(k))
		}
		m.tables[k] = table
	}
	return m, nil
}

func distortionK1(model *transform.PinholeCameraModel) float64 {
	if model.Distortion == nil {
		return 0
	}
	params := model.Distortion.Parameters()
	if len(params) == 0 {
		return 0
	}
	return params[0]
}

// projection returns [f 0 cx tx; 0 f cy 0; 0 0 1 0].
func projection(f float64, c r2.Point, tx float64) *mat.Dense {
	return mat.NewDense(3, 4, []float64{
		f, 0, c.X, tx,
		0, f, c.Y, 0,
		0, 0, 1, 0,
	})
}

// undistortRectify maps a raw pixel to the rectified image described by rot and proj.
func undistortRectify(model *transform.PinholeCameraModel, rot, proj mat.Matrix, p r2.Point) r2.Point {
	n := model.UndistortPixel(p)
	v := transform.RotateVector(rot, r3.Vector{X: n.X, Y: n.Y, Z: 1})
	x, y := v.X/v.Z, v.Y/v.Z
	return r2.Point{
		X: proj.At(0, 0)*x + proj.At(0, 1)*y + proj.At(0, 2),
		Y: proj.At(1, 1)*y + proj.At(1, 2),
	}
}

// rectangles returns the largest rectangle inside and the smallest rectangle around the
// rectified image of the raw frame, sampled on a 9x9 grid.
func rectangles(model *transform.PinholeCameraModel, rot, proj mat.Matrix, size image.Point) (
	inner, outer r2.Rect,
) {
	const n = 9
	innerMin := r2.Point{X: -math.MaxFloat64, Y: -math.MaxFloat64}
	innerMax := r2.Point{X: math.MaxFloat64, Y: math.MaxFloat64}
	outer = r2.EmptyRect()
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			raw := r2.Point{
				X: float64(j) * float64(size.X-1) / (n - 1),
				Y: float64(i) * float64(size.Y-1) / (n - 1),
			}
			p := undistortRectify(model, rot, proj, raw)
			outer = outer.AddPoint(p)
			if j == 0 {
				innerMin.X = math.Max(innerMin.X, p.X)
			}
			if j == n-1 {
				innerMax.X = math.Min(innerMax.X, p.X)
			}
			if i == 0 {
				innerMin.Y = math.Max(innerMin.Y, p.Y)
			}
			if i == n-1 {
				innerMax.Y = math.Min(innerMax.Y, p.Y)
			}
		}
	}
	inner = r2.Rect{
		X: r1.Interval{Lo: innerMin.X, Hi: innerMax.X},
		Y: r1.Interval{Lo: innerMin.Y, Hi: innerMax.Y},
	}
	return inner, outer
}

// buildTable inverts proj * rot for every rectified pixel and projects the ray through the
// distorted camera.
func buildTable(model *transform.PinholeCameraModel, rot, proj *mat.Dense, size image.Point) (*rimage.RemapTable, error) {
	var kr, inv mat.Dense
	kr.Mul(proj.Slice(0, 3, 0, 3), rot)
	if err := inv.Inverse(&kr); err != nil {
		return nil, errors.Wrap(err, "rectified camera is singular")
	}
	table := rimage.NewRemapTable(size.X, size.Y)
	utils.ParallelForEachRow(size.Y, func(y int) {
		for x := 0; x < size.X; x++ {
			ray := transform.RotateVector(&inv, r3.Vector{X: float64(x), Y: float64(y), Z: 1})
			if ray.Z <= 0 {
				table.Set(x, y, -1, -1)
				continue
			}
			p := model.Project(ray)
			table.Set(x, y, p.X, p.Y)
		}
	})
	return table, nil
}
