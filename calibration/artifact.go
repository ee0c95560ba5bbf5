package calibration

import (
	"image"
	"math"
	"os"
	"strings"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"github.com/sbinet/npyio/npz"
	"go.uber.org/multierr"
	"gonum.org/v1/gonum/mat"

	"go.orion.dev/depth/rimage/transform"
)

// Array names in the calibration archive. The required ones are what NumPy based stereo tools
// load with np.load.
const (
	keyLeftMatrix  = "mtxL"
	keyLeftDist    = "distL"
	keyRightMatrix = "mtxR"
	keyRightDist   = "distR"
	keyRotation    = "R"
	keyTranslation = "T"
	keyEssential   = "E"
	keyFundamental = "F"
	keyRMS         = "rms"
	keySize        = "size"
)

// SaveArtifact writes sc as a NumPy .npz archive.
func SaveArtifact(path string, sc *StereoCalibration) (err error) {
	if sc == nil || sc.Left == nil || sc.Right == nil || sc.R == nil {
		return errors.New("cannot save an incomplete calibration")
	}
	w, err := npz.Create(path)
	if err != nil {
		return errors.Wrapf(err, "cannot create calibration artifact %q", path)
	}
	defer func() {
		err = multierr.Combine(err, w.Close())
	}()

	arrays := []struct {
		name string
		v    interface{}
	}{
		{keyLeftMatrix, sc.Left.CameraMatrix()},
		{keyLeftDist, distRow(sc.Left)},
		{keyRightMatrix, sc.Right.CameraMatrix()},
		{keyRightDist, distRow(sc.Right)},
		{keyRotation, sc.R},
		{keyTranslation, transform.R3ToVec(sc.T)},
		{keyEssential, sc.E},
		{keyFundamental, sc.F},
		{keyRMS, []float64{sc.RMS}},
		{keySize, []int64{int64(sc.ImageSize.X), int64(sc.ImageSize.Y)}},
	}
	for _, a := range arrays {
		if m, ok := a.v.(*mat.Dense); ok && m == nil {
			continue
		}
		if err := w.Write(a.name, a.v); err != nil {
			return errors.Wrapf(err, "cannot write %s", a.name)
		}
	}
	return nil
}

func distRow(m *transform.PinholeCameraModel) *mat.Dense {
	params := make([]float64, 5)
	if m.Distortion != nil {
		copy(params, m.Distortion.Parameters())
	}
	return mat.NewDense(1, 5, params)
}

// LoadArtifact reads a calibration archive. The image size is taken from the archive when it is
// present, otherwise from size. Any missing or malformed array fails with ErrArtifactInvalid.
func LoadArtifact(path string, size image.Point) (sc *StereoCalibration, err error) {
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(ErrArtifactInvalid, "%v", err)
	}
	r, err := npz.Open(path)
	if err != nil {
		return nil, errors.Wrapf(ErrArtifactInvalid, "cannot open %q: %v", path, err)
	}
	defer func() {
		err = multierr.Combine(err, r.Close())
	}()

	present := map[string]bool{}
	for _, k := range r.Keys() {
		present[strings.TrimSuffix(k, ".npy")] = true
	}
	read := func(name string, n int) ([]float64, error) {
		if !present[name] {
			return nil, errors.Wrapf(ErrArtifactInvalid, "array %q missing from %q", name, path)
		}
		var data []float64
		if err := r.Read(name, &data); err != nil {
			return nil, errors.Wrapf(ErrArtifactInvalid, "array %q: %v", name, err)
		}
		if n > 0 && len(data) != n {
			return nil, errors.Wrapf(ErrArtifactInvalid, "array %q has %d values, want %d", name, len(data), n)
		}
		for _, v := range data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, errors.Wrapf(ErrArtifactInvalid, "array %q has non finite values", name)
			}
		}
		return data, nil
	}

	if present[keySize] {
		var dims []int64
		if err := r.Read(keySize, &dims); err != nil || len(dims) != 2 {
			return nil, errors.Wrapf(ErrArtifactInvalid, "array %q is not a width and height", keySize)
		}
		size = image.Point{X: int(dims[0]), Y: int(dims[1])}
	}
	if size.X <= 0 || size.Y <= 0 {
		return nil, errors.Wrapf(ErrArtifactInvalid, "no image size for %q", path)
	}

	camera := func(matrixKey, distKey string) (*transform.PinholeCameraModel, error) {
		k, err := read(matrixKey, 9)
		if err != nil {
			return nil, err
		}
		d, err := read(distKey, 0)
		if err != nil {
			return nil, err
		}
		intr, err := transform.NewCameraIntrinsicsFromMatrix(mat.NewDense(3, 3, k), size.X, size.Y)
		if err != nil {
			return nil, errors.Wrapf(ErrArtifactInvalid, "%s: %v", matrixKey, err)
		}
		dist, err := transform.NewBrownConrady(d)
		if err != nil {
			return nil, errors.Wrapf(ErrArtifactInvalid, "%s: %v", distKey, err)
		}
		return &transform.PinholeCameraModel{CameraIntrinsics: intr, Distortion: dist}, nil
	}
	left, err := camera(keyLeftMatrix, keyLeftDist)
	if err != nil {
		return nil, err
	}
	right, err := camera(keyRightMatrix, keyRightDist)
	if err != nil {
		return nil, err
	}
	rot, err := read(keyRotation, 9)
	if err != nil {
		return nil, err
	}
	t, err := read(keyTranslation, 3)
	if err != nil {
		return nil, err
	}
	sc, err = NewStereoCalibration(size, left, right, mat.NewDense(3, 3, rot), r3.Vector{X: t[0], Y: t[1], Z: t[2]})
	if err != nil {
		return nil, errors.Wrapf(ErrArtifactInvalid, "%v", err)
	}
	if present[keyRMS] {
		if v, err := read(keyRMS, 1); err == nil {
			sc.RMS = v[0]
		}
	}
	return sc, nil
}
