package geometry

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"
)

// Intrinsics is a pinhole camera model: the 3x3 camera matrix plus the lens
// distortion coefficients handed to the solver untouched.
type Intrinsics struct {
	K          *mat.Dense
	Distortion []float64
}

// NewIntrinsics builds the camera model from a row-major 3x3 matrix.
func NewIntrinsics(cameraMatrix, distortion []float64) (*Intrinsics, error) {
	if len(cameraMatrix) != 9 {
		return nil, errors.Errorf("camera matrix needs 9 values, got %d", len(cameraMatrix))
	}
	k := mat.NewDense(3, 3, append([]float64(nil), cameraMatrix...))
	return &Intrinsics{
		K:          k,
		Distortion: append([]float64(nil), distortion...),
	}, nil
}

// Validate rejects matrices that cannot describe a real camera.
func (in *Intrinsics) Validate() error {
	if in == nil || in.K == nil {
		return errors.New("camera matrix missing")
	}
	if in.K.At(0, 0) <= 0 || in.K.At(1, 1) <= 0 {
		return errors.Errorf("focal lengths must be positive (fx=%g fy=%g)", in.K.At(0, 0), in.K.At(1, 1))
	}
	if mat.Det(in.K) == 0 {
		return errors.New("camera matrix is singular")
	}
	return nil
}

// Rows returns the camera matrix flattened row-major.
func (in *Intrinsics) Rows() []float64 {
	out := make([]float64, 0, 9)
	for i := 0; i < 3; i++ {
		out = append(out, mat.Row(nil, i, in.K)...)
	}
	return out
}

// Project maps a solver-frame point to pixel coordinates, ignoring distortion.
// ok is false for points at or behind the image plane.
func (in *Intrinsics) Project(p r3.Vector) (u, v float64, ok bool) {
	if p.Z <= 0 {
		return 0, 0, false
	}
	var h mat.VecDense
	h.MulVec(in.K, mat.NewVecDense(3, []float64{p.X, p.Y, p.Z}))
	return h.AtVec(0) / h.AtVec(2), h.AtVec(1) / h.AtVec(2), true
}
