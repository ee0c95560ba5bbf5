package calibration

import (
	"image"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"github.com/montanaflynn/stats"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/logging"
	"go.orion.dev/depth/rimage/transform"
)

// StereoCalibration is the calibrated rig. R and T map points from the left camera frame into
// the right camera frame: Xr = R Xl + T.
type StereoCalibration struct {
	ImageSize image.Point
	Left      *transform.PinholeCameraModel
	Right     *transform.PinholeCameraModel
	R         *mat.Dense
	T         r3.Vector
	E         *mat.Dense
	F         *mat.Dense
	// RMS is the reprojection error over the corners of both cameras after the joint refinement.
	RMS      float64
	LeftRMS  float64
	RightRMS float64
	// ViewErrors is the RMS reprojection error of every sample, both cameras together.
	ViewErrors []float64
}

// NewStereoCalibration builds a calibration from its parts and derives E and F.
func NewStereoCalibration(size image.Point, left, right *transform.PinholeCameraModel, rot mat.Matrix, t r3.Vector) (*StereoCalibration, error) {
	if r, c := rot.Dims(); r != 3 || c != 3 {
		return nil, errors.Errorf("rotation must be 3x3, got %dx%d", r, c)
	}
	for _, m := range []*transform.PinholeCameraModel{left, right} {
		if m == nil {
			return nil, transform.NewNoIntrinsicsError("stereo calibration needs both cameras")
		}
		if err := m.CheckValid(); err != nil {
			return nil, err
		}
	}
	sc := &StereoCalibration{
		ImageSize: size,
		Left:      left,
		Right:     right,
		R:         mat.DenseCopyOf(rot),
		T:         t,
	}
	var err error
	sc.E, sc.F, err = essentialAndFundamental(left.CameraIntrinsics, right.CameraIntrinsics, sc.R, t)
	if err != nil {
		return nil, err
	}
	return sc, nil
}

// essentialAndFundamental returns E = [T]x R and F = Kr^-T E Kl^-1 scaled so F[2][2] is 1.
func essentialAndFundamental(left, right *transform.CameraIntrinsics, rot *mat.Dense, t r3.Vector) (*mat.Dense, *mat.Dense, error) {
	var e mat.Dense
	e.Mul(transform.SkewSymmetric(t), rot)
	var klInv, krInv mat.Dense
	if err := klInv.Inverse(left.CameraMatrix()); err != nil {
		return nil, nil, errors.Wrap(err, "left camera matrix is singular")
	}
	if err := krInv.Inverse(right.CameraMatrix()); err != nil {
		return nil, nil, errors.Wrap(err, "right camera matrix is singular")
	}
	var f mat.Dense
	f.Mul(krInv.T(), &e)
	f.Mul(&f, &klInv)
	if s := f.At(2, 2); math.Abs(s) > 1e-12 {
		f.Scale(1/s, &f)
	}
	return &e, &f, nil
}

// Baseline is the distance between the two optical centres, in board units.
func (sc *StereoCalibration) Baseline() float64 {
	return sc.T.Norm()
}

// Calibrate calibrates each camera on its own and then refines the pose between them with both
// intrinsics held fixed. It needs at least cfg.MinSamples samples, and never fewer than
// MinSamples.
func Calibrate(samples []Sample, size image.Point, cfg Config, logger logging.Logger) (*StereoCalibration, error) {
	need := max(cfg.MinSamples, MinSamples)
	if len(samples) < need {
		return nil, errors.Wrapf(ErrInsufficientSamples, "have %d samples, need %d", len(samples), need)
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Errorf("invalid image size %v", size)
	}
	object := make([][]r3.Vector, len(samples))
	left := make([][]r2.Point, len(samples))
	right := make([][]r2.Point, len(samples))
	for i, s := range samples {
		object[i], left[i], right[i] = s.object, s.left, s.right
	}

	leftCal, err := CalibrateCamera(object, left, size, cfg.MonoCriteria)
	if err != nil {
		return nil, errors.Wrap(err, "left camera")
	}
	logger.Infow("left camera calibrated", "rms", leftCal.RMS, "fx", leftCal.Intrinsics.Fx, "fy", leftCal.Intrinsics.Fy)
	rightCal, err := CalibrateCamera(object, right, size, cfg.MonoCriteria)
	if err != nil {
		return nil, errors.Wrap(err, "right camera")
	}
	logger.Infow("right camera calibrated", "rms", rightCal.RMS, "fx", rightCal.Intrinsics.Fx, "fy", rightCal.Intrinsics.Fy)

	rvec, t, err := initStereoPose(leftCal, rightCal)
	if err != nil {
		return nil, err
	}
	leftModel, rightModel := leftCal.Model(), rightCal.Model()

	// parameters: rig rotation and translation, then the left pose of every view
	x0 := []float64{rvec.X, rvec.Y, rvec.Z, t.X, t.Y, t.Z}
	points := 0
	for v := range object {
		rv, tv := leftCal.Rotations[v], leftCal.Translations[v]
		x0 = append(x0, rv.X, rv.Y, rv.Z, tv.X, tv.Y, tv.Z)
		points += len(object[v])
	}
	problem := &leastSquares{
		m:  4 * points,
		x0: x0,
		f: func(dst, x []float64) {
			rig := transform.Rodrigues(vec(x))
			rigT := vec(x[3:])
			out := dst[:0]
			for v := range object {
				pose := x[6+6*v:]
				rl := transform.Rodrigues(vec(pose))
				tl := vec(pose[3:])
				out = reprojectionResiduals(out, leftModel, object[v], left[v], rl, tl)
				var rr mat.Dense
				rr.Mul(rig, rl)
				tr := transform.RotateVector(rig, tl).Add(rigT)
				out = reprojectionResiduals(out, rightModel, object[v], right[v], &rr, tr)
			}
		},
	}
	x, cost, err := levenbergMarquardt(problem, cfg.StereoCriteria)
	if err != nil {
		return nil, errors.Wrap(err, "stereo refinement")
	}

	sc, err := NewStereoCalibration(size, leftModel, rightModel, transform.Rodrigues(vec(x)), vec(x[3:]))
	if err != nil {
		return nil, err
	}
	// both cameras see every corner
	sc.RMS = rms(cost, 2*points)
	sc.LeftRMS, sc.RightRMS = leftCal.RMS, rightCal.RMS
	sc.ViewErrors = viewErrors(problem, x, object)
	logger.Infow("stereo calibration done", "rms", sc.RMS, "baseline", sc.Baseline(), "samples", len(samples))
	return sc, nil
}

// initStereoPose takes the median over views of the rig pose implied by each view's mono poses.
func initStereoPose(left, right *CameraCalibration) (r3.Vector, r3.Vector, error) {
	n := len(left.Rotations)
	comps := make([][]float64, 6)
	for v := 0; v < n; v++ {
		rl := transform.Rodrigues(left.Rotations[v])
		rr := transform.Rodrigues(right.Rotations[v])
		var rig mat.Dense
		rig.Mul(rr, rl.T())
		rvec := transform.RotationToRodrigues(&rig)
		t := right.Translations[v].Sub(transform.RotateVector(&rig, left.Translations[v]))
		for i, c := range []float64{rvec.X, rvec.Y, rvec.Z, t.X, t.Y, t.Z} {
			comps[i] = append(comps[i], c)
		}
	}
	med := make([]float64, 6)
	for i, c := range comps {
		m, err := stats.Median(c)
		if err != nil {
			return r3.Vector{}, r3.Vector{}, errors.Wrap(err, "cannot initialise the stereo pose")
		}
		med[i] = m
	}
	return vec(med), vec(med[3:]), nil
}

func viewErrors(problem *leastSquares, x []float64, object [][]r3.Vector) []float64 {
	r := make([]float64, problem.m)
	problem.f(r, x)
	out := make([]float64, len(object))
	offset := 0
	for v := range object {
		// left then right residual pairs
		n := 4 * len(object[v])
		sum := 0.
		for _, e := range r[offset : offset+n] {
			sum += e * e
		}
		out[v] = rms(sum, 2*len(object[v]))
		offset += n
	}
	return out
}
