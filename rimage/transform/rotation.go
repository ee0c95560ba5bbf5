package transform

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/mat"
)

// Rodrigues converts an axis-angle rotation vector into a 3x3 rotation matrix.
func Rodrigues(rvec r3.Vector) *mat.Dense {
	theta := rvec.Norm()
	if theta < 1e-12 {
		// first order term keeps the map differentiable around zero
		return mat.NewDense(3, 3, []float64{
			1, -rvec.Z, rvec.Y,
			rvec.Z, 1, -rvec.X,
			-rvec.Y, rvec.X, 1,
		})
	}
	k := rvec.Mul(1 / theta)
	c, s := math.Cos(theta), math.Sin(theta)
	v := 1 - c
	return mat.NewDense(3, 3, []float64{
		c + k.X*k.X*v, k.X*k.Y*v - k.Z*s, k.X*k.Z*v + k.Y*s,
		k.Y*k.X*v + k.Z*s, c + k.Y*k.Y*v, k.Y*k.Z*v - k.X*s,
		k.Z*k.X*v - k.Y*s, k.Z*k.Y*v + k.X*s, c + k.Z*k.Z*v,
	})
}

// RotationToRodrigues converts a rotation matrix into its axis-angle vector. The matrix is first
// projected onto SO(3), so slightly non orthogonal inputs are accepted.
func RotationToRodrigues(rot mat.Matrix) r3.Vector {
	r := Orthonormalize(rot)

	rx := r.At(2, 1) - r.At(1, 2)
	ry := r.At(0, 2) - r.At(2, 0)
	rz := r.At(1, 0) - r.At(0, 1)

	s := math.Sqrt((rx*rx+ry*ry+rz*rz)*0.25)
	c := (r.At(0, 0) + r.At(1, 1) + r.At(2, 2) - 1) * 0.5
	c = math.Max(-1, math.Min(1, c))
	theta := math.Acos(c)

	if s < 1e-5 {
		if c > 0 {
			return r3.Vector{}
		}
		// theta near pi, recover the axis from the diagonal
		x := math.Sqrt(math.Max((r.At(0, 0)+1)*0.5, 0))
		y := math.Sqrt(math.Max((r.At(1, 1)+1)*0.5, 0))
		if r.At(0, 1) < 0 {
			y = -y
		}
		z := math.Sqrt(math.Max((r.At(2, 2)+1)*0.5, 0))
		if r.At(0, 2) < 0 {
			z = -z
		}
		if math.Abs(x) < math.Abs(y) && math.Abs(x) < math.Abs(z) && (r.At(1, 2) > 0) != (y*z > 0) {
			z = -z
		}
		axis := r3.Vector{X: x, Y: y, Z: z}
		return axis.Mul(theta / axis.Norm())
	}

	scale := theta / (2 * s)
	return r3.Vector{X: rx * scale, Y: ry * scale, Z: rz * scale}
}

// Orthonormalize returns the closest rotation matrix to m in the Frobenius sense.
func Orthonormalize(m mat.Matrix) *mat.Dense {
	mats := performSVD(mat.DenseCopyOf(m))
	var out mat.Dense
	out.Mul(mats.U, mats.VT)
	if mat.Det(&out) < 0 {
		// flip the axis of the smallest singular value
		flip := eye(3)
		flip.Set(2, 2, -1)
		out.Mul(mats.U, flip)
		out.Mul(&out, mats.VT)
	}
	return &out
}

// RotateVector returns rot * v.
func RotateVector(rot mat.Matrix, v r3.Vector) r3.Vector {
	return r3.Vector{
		X: rot.At(0, 0)*v.X + rot.At(0, 1)*v.Y + rot.At(0, 2)*v.Z,
		Y: rot.At(1, 0)*v.X + rot.At(1, 1)*v.Y + rot.At(1, 2)*v.Z,
		Z: rot.At(2, 0)*v.X + rot.At(2, 1)*v.Y + rot.At(2, 2)*v.Z,
	}
}

// SkewSymmetric returns the cross product matrix [v]x such that [v]x * w = v x w.
func SkewSymmetric(v r3.Vector) *mat.Dense {
	return mat.NewDense(3, 3, []float64{
		0, -v.Z, v.Y,
		v.Z, 0, -v.X,
		-v.Y, v.X, 0,
	})
}
