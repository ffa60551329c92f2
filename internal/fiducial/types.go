// Package fiducial turns per-frame marker observations into camera poses on the field.
package fiducial

import (
	"context"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/wilsonwatson/watson-vision/internal/types"
)

// Observation is one detected marker in one frame. Corners follow the
// detector's winding order, matching CornerOffsets.
type Observation struct {
	ID      uint64
	Corners [4][2]float64
}

// Layout maps a marker id to the marker's pose in field coordinates.
type Layout map[uint64]spatialmath.Pose

// CameraPoseObservation is the resolver output for one frame. Secondary is
// nil unless a single marker produced an ambiguous pair of solutions.
type CameraPoseObservation struct {
	TagIDs         []uint64
	Primary        spatialmath.Pose
	PrimaryError   float64
	Secondary      spatialmath.Pose
	SecondaryError float64
}

// HasSecondary reports whether the ambiguous second solution is present.
func (o *CameraPoseObservation) HasSecondary() bool {
	return o.Secondary != nil
}

// Hypothesis is one solver solution: a solver-frame translation, an angle-axis
// rotation vector, and the reprojection error in pixels.
type Hypothesis struct {
	Translation r3.Vector
	Rotation    r3.Vector
	Error       float64
}

// Correspondences pairs solver-frame object points with observed pixels.
type Correspondences struct {
	ObjectPoints []r3.Vector
	ImagePoints  [][2]float64
}

// Solver is the Perspective-n-Point capability.
type Solver interface {
	// SolveSquare solves a single square planar target and returns both
	// camera-to-marker solutions of the two-fold ambiguity.
	SolveSquare(ctx context.Context, c Correspondences) ([]Hypothesis, error)
	// SolveGeneric solves an arbitrary point set and returns camera-to-field
	// solutions, best first.
	SolveGeneric(ctx context.Context, c Correspondences) ([]Hypothesis, error)
}

// Detector finds markers in a frame. Implementations may draw on nothing;
// annotation is the preview encoder's job.
type Detector interface {
	Detect(ctx context.Context, frame *types.Frame) ([]Observation, error)
}
