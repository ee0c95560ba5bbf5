package calibration

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/rimage/transform"
)

// CameraCalibration is the result of calibrating one camera.
type CameraCalibration struct {
	Intrinsics *transform.CameraIntrinsics
	Distortion *transform.BrownConrady
	// per view pose of the board in the camera frame
	Rotations    []r3.Vector
	Translations []r3.Vector
	RMS          float64
}

// Model returns the pinhole model of the calibrated camera.
func (cc *CameraCalibration) Model() *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{CameraIntrinsics: cc.Intrinsics, Distortion: cc.Distortion}
}

// number of intrinsic parameters: fx, fy, cx, cy, k1, k2, p1, p2, k3
const numIntrinsics = 9

func packIntrinsics(k *transform.CameraIntrinsics, d *transform.BrownConrady) []float64 {
	return append([]float64{k.Fx, k.Fy, k.Ppx, k.Ppy}, d.Parameters()...)
}

func unpackModel(x []float64, size image.Point) *transform.PinholeCameraModel {
	return &transform.PinholeCameraModel{
		CameraIntrinsics: &transform.CameraIntrinsics{
			Width: size.X, Height: size.Y,
			Fx: x[0], Fy: x[1], Ppx: x[2], Ppy: x[3],
		},
		Distortion: &transform.BrownConrady{
			RadialK1: x[4], RadialK2: x[5], TangentialP1: x[6], TangentialP2: x[7], RadialK3: x[8],
		},
	}
}

func vec(x []float64) r3.Vector {
	return r3.Vector{X: x[0], Y: x[1], Z: x[2]}
}

// reprojectionResiduals appends observed - projected for every point to dst.
func reprojectionResiduals(dst []float64, model *transform.PinholeCameraModel, object []r3.Vector,
	observed []r2.Point, rot mat.Matrix, t r3.Vector,
) []float64 {
	for i, p := range model.ProjectPointsRotation(object, rot, t) {
		dst = append(dst, p.X-observed[i].X, p.Y-observed[i].Y)
	}
	return dst
}

func rms(sumSquares float64, points int) float64 {
	return math.Sqrt(sumSquares / float64(points))
}

// initIntrinsics estimates the focal lengths from the view homographies with the principal
// point fixed at the image centre, then recovers each view's pose.
func initIntrinsics(object [][]r3.Vector, observed [][]r2.Point, size image.Point) (*transform.CameraIntrinsics, []r3.Vector, []r3.Vector, error) {
	cx, cy := (float64(size.X)-1)/2, (float64(size.Y)-1)/2
	homographies := make([]*mat.Dense, len(object))
	a := mat.NewDense(2*len(object), 2, nil)
	b := mat.NewVecDense(2*len(object), nil)
	for v := range object {
		plane := make([]r2.Point, len(object[v]))
		for i, p := range object[v] {
			plane[i] = r2.Point{X: p.X, Y: p.Y}
		}
		hom, err := transform.EstimateHomography(plane, observed[v])
		if err != nil {
			return nil, nil, nil, errors.Wrapf(err, "view %d", v)
		}
		h := hom.Matrix()
		homographies[v] = h

		// move the principal point to the origin
		var centered [3][3]float64
		for c := 0; c < 3; c++ {
			centered[0][c] = h.At(0, c) - cx*h.At(2, c)
			centered[1][c] = h.At(1, c) - cy*h.At(2, c)
			centered[2][c] = h.At(2, c)
		}
		col := func(c int) r3.Vector {
			return r3.Vector{X: centered[0][c], Y: centered[1][c], Z: centered[2][c]}
		}
		h1, h2 := col(0), col(1)
		d1, d2 := h1.Add(h2).Mul(0.5), h1.Sub(h2).Mul(0.5)
		h1, h2, d1, d2 = h1.Normalize(), h2.Normalize(), d1.Normalize(), d2.Normalize()
		// r1.r2 = 0 and |r1| = |r2| in terms of 1/fx^2, 1/fy^2
		a.Set(2*v, 0, h1.X*h2.X)
		a.Set(2*v, 1, h1.Y*h2.Y)
		b.SetVec(2*v, -h1.Z*h2.Z)
		a.Set(2*v+1, 0, d1.X*d2.X)
		a.Set(2*v+1, 1, d1.Y*d2.Y)
		b.SetVec(2*v+1, -d1.Z*d2.Z)
	}
	var f mat.VecDense
	if err := f.SolveVec(a, b); err != nil {
		return nil, nil, nil, errors.Wrap(err, "focal length estimation is degenerate")
	}
	fx, fy := math.Sqrt(math.Abs(1/f.AtVec(0))), math.Sqrt(math.Abs(1/f.AtVec(1)))
	intr := &transform.CameraIntrinsics{Width: size.X, Height: size.Y, Fx: fx, Fy: fy, Ppx: cx, Ppy: cy}
	if err := intr.CheckValid(); err != nil {
		return nil, nil, nil, errors.Wrap(err, "focal length estimation is degenerate")
	}

	rvecs := make([]r3.Vector, len(object))
	tvecs := make([]r3.Vector, len(object))
	for v, h := range homographies {
		rvecs[v], tvecs[v] = poseFromHomography(intr, h)
	}
	return intr, rvecs, tvecs, nil
}

// poseFromHomography decomposes H = K [r1 r2 t] for a board in front of the camera.
func poseFromHomography(intr *transform.CameraIntrinsics, h *mat.Dense) (r3.Vector, r3.Vector) {
	var kInv, m mat.Dense
	if err := kInv.Inverse(intr.CameraMatrix()); err != nil {
		return r3.Vector{}, r3.Vector{}
	}
	m.Mul(&kInv, h)
	col := func(c int) r3.Vector { return transform.VecToR3(m.ColView(c)) }
	r1, r2, t := col(0), col(1), col(2)
	scale := 1 / r1.Norm()
	if t.Z < 0 {
		scale = -scale
	}
	r1, r2, t = r1.Mul(scale), r2.Mul(scale), t.Mul(scale)
	r3v := r1.Cross(r2)
	rot := mat.NewDense(3, 3, []float64{
		r1.X, r2.X, r3v.X,
		r1.Y, r2.Y, r3v.Y,
		r1.Z, r2.Z, r3v.Z,
	})
	return transform.RotationToRodrigues(transform.Orthonormalize(rot)), t
}

// CalibrateCamera estimates the intrinsics and distortion of one camera from board views.
func CalibrateCamera(object [][]r3.Vector, observed [][]r2.Point, size image.Point, crit Criteria) (*CameraCalibration, error) {
	if len(object) != len(observed) {
		return nil, errors.Errorf("%d object sets for %d image sets", len(object), len(observed))
	}
	if len(object) < 3 {
		return nil, errors.Wrapf(ErrInsufficientSamples, "camera calibration needs 3 views, got %d", len(object))
	}
	intr, rvecs, tvecs, err := initIntrinsics(object, observed, size)
	if err != nil {
		return nil, err
	}

	x0 := packIntrinsics(intr, &transform.BrownConrady{})
	residuals, points := 0, 0
	for v := range object {
		x0 = append(x0, rvecs[v].X, rvecs[v].Y, rvecs[v].Z, tvecs[v].X, tvecs[v].Y, tvecs[v].Z)
		points += len(object[v])
	}
	residuals = 2 * points

	problem := &leastSquares{
		m:  residuals,
		x0: x0,
		f: func(dst, x []float64) {
			model := unpackModel(x, size)
			out := dst[:0]
			for v := range object {
				pose := x[numIntrinsics+6*v:]
				out = reprojectionResiduals(out, model, object[v], observed[v], transform.Rodrigues(vec(pose)), vec(pose[3:]))
			}
		},
	}
	x, cost, err := levenbergMarquardt(problem, crit)
	if err != nil {
		return nil, err
	}

	model := unpackModel(x, size)
	if err := model.CheckValid(); err != nil {
		return nil, errors.Wrap(err, "calibration diverged")
	}
	cc := &CameraCalibration{
		Intrinsics:   model.CameraIntrinsics,
		Distortion:   model.Distortion.(*transform.BrownConrady),
		Rotations:    make([]r3.Vector, len(object)),
		Translations: make([]r3.Vector, len(object)),
		RMS:          rms(cost, points),
	}
	for v := range object {
		pose := x[numIntrinsics+6*v:]
		cc.Rotations[v], cc.Translations[v] = vec(pose), vec(pose[3:])
	}
	return cc, nil
}
