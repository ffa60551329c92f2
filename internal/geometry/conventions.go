// Package geometry holds the axis conventions shared by the solver and the field.
//
// The solver side uses the camera-sensor convention (X right, Y down, Z forward).
// The field side uses the robot convention (X forward, Y left, Z up). Both are
// right-handed; the mappings below are fixed permutations with sign flips.
package geometry

import (
	"math"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"
)

// CameraToField converts a solver-frame translation t and angle-axis rotation
// vector r into a field-frame rigid transform.
//
//	translation (tz, -tx, -ty), rotation vector (rz, -rx, -ry)
func CameraToField(t, r r3.Vector) spatialmath.Pose {
	return spatialmath.NewPose(
		CameraToFieldPoint(t),
		spatialmath.R3ToR4(CameraToFieldPoint(r)),
	)
}

// CameraToFieldPoint is the translation half of CameraToField.
func CameraToFieldPoint(t r3.Vector) r3.Vector {
	return r3.Vector{X: t.Z, Y: -t.X, Z: -t.Y}
}

// FieldToCameraPoint maps a field-frame point into the solver convention.
// It is the inverse permutation of CameraToFieldPoint.
func FieldToCameraPoint(p r3.Vector) r3.Vector {
	return r3.Vector{X: -p.Y, Y: -p.Z, Z: p.X}
}

// FieldPose builds a field-frame pose from a translation and a (w, x, y, z)
// quaternion as found in layout files. The quaternion is normalized; a zero
// quaternion is read as the identity rotation.
func FieldPose(t r3.Vector, w, x, y, z float64) spatialmath.Pose {
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n == 0 {
		return spatialmath.NewPoseFromPoint(t)
	}
	return spatialmath.NewPose(t, &spatialmath.Quaternion{
		Real: w / n,
		Imag: x / n,
		Jmag: y / n,
		Kmag: z / n,
	})
}

// Quaternion returns the unit rotation of p as (w, x, y, z), with w >= 0 so the
// same rotation always produces the same four numbers.
func Quaternion(p spatialmath.Pose) (w, x, y, z float64) {
	q := p.Orientation().Quaternion()
	w, x, y, z = q.Real, q.Imag, q.Jmag, q.Kmag
	n := math.Sqrt(w*w + x*x + y*y + z*z)
	if n == 0 {
		return 1, 0, 0, 0
	}
	w, x, y, z = w/n, x/n, y/n, z/n
	if w < 0 {
		w, x, y, z = -w, -x, -y, -z
	}
	return w, x, y, z
}

// TransformPoint applies p to a point expressed in p's child frame.
func TransformPoint(p spatialmath.Pose, local r3.Vector) r3.Vector {
	return spatialmath.Compose(p, spatialmath.NewPoseFromPoint(local)).Point()
}
