package transform

import (
	"github.com/golang/geo/r2"
	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// PinholeCameraModel is the model of a pinhole camera with optional lens distortion.
type PinholeCameraModel struct {
	*CameraIntrinsics `json:"intrinsic_parameters"`
	Distortion        Distorter `json:"distortion"`
}

// Project maps a point in the camera frame to distorted pixel coordinates.
func (params *PinholeCameraModel) Project(p r3.Vector) r2.Point {
	x, y := p.X/p.Z, p.Y/p.Z
	if params.Distortion != nil {
		x, y = params.Distortion.Transform(x, y)
	}
	return params.NormalizedToPixel(r2.Point{X: x, Y: y})
}

// UndistortPixel maps a distorted pixel to undistorted coordinates on the normalized image plane.
func (params *PinholeCameraModel) UndistortPixel(p r2.Point) r2.Point {
	n := params.PixelToNormalized(p)
	if params.Distortion == nil {
		return n
	}
	x, y := params.Distortion.Inverse(n.X, n.Y)
	return r2.Point{X: x, Y: y}
}

// DistortionMap is a function that transforms the undistorted pixels (u,v) to the distorted pixels (x,y)
// according to the model in PinholeCameraModel.Distortion.
func (params *PinholeCameraModel) DistortionMap() func(u, v float64) (float64, float64) {
	return func(u, v float64) (float64, float64) {
		x := (u - params.Ppx) / params.Fx
		y := (v - params.Ppy) / params.Fy
		if params.Distortion != nil {
			x, y = params.Distortion.Transform(x, y)
		}
		return x*params.Fx + params.Ppx, y*params.Fy + params.Ppy
	}
}

// ProjectPoints transforms object points by the pose (rvec, tvec) and projects them through the
// camera model.
func (params *PinholeCameraModel) ProjectPoints(objectPoints []r3.Vector, rvec, tvec r3.Vector) []r2.Point {
	return params.ProjectPointsRotation(objectPoints, Rodrigues(rvec), tvec)
}

// ProjectPointsRotation is ProjectPoints with the rotation already expanded to a matrix.
func (params *PinholeCameraModel) ProjectPointsRotation(objectPoints []r3.Vector, rot mat.Matrix, tvec r3.Vector) []r2.Point {
	out := make([]r2.Point, len(objectPoints))
	for i, p := range objectPoints {
		out[i] = params.Project(RotateVector(rot, p).Add(tvec))
	}
	return out
}
