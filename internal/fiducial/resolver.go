package fiducial

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/golang/geo/r3"
	"go.viam.com/rdk/spatialmath"

	"github.com/wilsonwatson/watson-vision/internal/geometry"
)

// CornerOffsets returns the four marker corners in the marker's local frame.
// The marker lies in its local Y-Z plane; the order matches the detector's
// corner winding.
func CornerOffsets(size float64) [4]r3.Vector {
	h := size / 2
	return [4]r3.Vector{
		{X: 0, Y: h, Z: -h},
		{X: 0, Y: -h, Z: -h},
		{X: 0, Y: -h, Z: h},
		{X: 0, Y: h, Z: h},
	}
}

// ResolverStats counts resolver outcomes since construction.
type ResolverStats struct {
	Resolved     uint64 // frames that produced a pose
	Ambiguous    uint64 // resolved frames carrying a secondary pose
	Unmatched    uint64 // frames where no observation matched the layout
	SolverErrors uint64 // frames dropped because the solver failed
}

// Resolver computes the camera pose on the field from marker observations.
// It holds no per-frame state; one Resolver serves one pipeline session.
type Resolver struct {
	solver Solver
	logger *slog.Logger

	resolved     atomic.Uint64
	ambiguous    atomic.Uint64
	unmatched    atomic.Uint64
	solverErrors atomic.Uint64
}

// NewResolver creates a resolver backed by the given solver.
func NewResolver(solver Solver, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{solver: solver, logger: logger}
}

// Resolve returns the field-to-camera pose for one frame, or nil when no
// observation matches the layout or the solver fails. Solver failures are
// logged and never returned.
//
// One matched marker yields a primary and a secondary pose (the planar
// ambiguity). Two or more yield a single primary pose.
func (r *Resolver) Resolve(ctx context.Context, observations []Observation, layout Layout, size float64) *CameraPoseObservation {
	var (
		corr     Correspondences
		tagIDs   []uint64
		tagPoses []spatialmath.Pose
	)

	offsets := CornerOffsets(size)
	for _, obs := range observations {
		tagPose, ok := layout[obs.ID]
		if !ok {
			continue
		}
		for i, off := range offsets {
			field := geometry.TransformPoint(tagPose, off)
			corr.ObjectPoints = append(corr.ObjectPoints, geometry.FieldToCameraPoint(field))
			corr.ImagePoints = append(corr.ImagePoints, obs.Corners[i])
		}
		tagIDs = append(tagIDs, obs.ID)
		tagPoses = append(tagPoses, tagPose)
	}

	if len(tagIDs) == 0 {
		r.unmatched.Add(1)
		return nil
	}

	var result *CameraPoseObservation
	if len(tagIDs) == 1 {
		result = r.resolveSingle(ctx, corr, tagIDs, tagPoses[0])
	} else {
		result = r.resolveMulti(ctx, corr, tagIDs)
	}
	if result != nil {
		r.resolved.Add(1)
		if result.HasSecondary() {
			r.ambiguous.Add(1)
		}
	}
	return result
}

func (r *Resolver) resolveSingle(ctx context.Context, corr Correspondences, tagIDs []uint64, tagPose spatialmath.Pose) *CameraPoseObservation {
	hyps, err := r.solver.SolveSquare(ctx, corr)
	if err != nil {
		r.solverErrors.Add(1)
		r.logger.Warn("fiducial: square solver failed", "tag_ids", tagIDs, "error", err)
		return nil
	}
	if len(hyps) < 2 {
		r.solverErrors.Add(1)
		r.logger.Warn("fiducial: square solver returned too few solutions",
			"tag_ids", tagIDs,
			"solutions", len(hyps),
		)
		return nil
	}

	// camera-to-marker solutions become field-to-camera via the marker's known pose
	fieldToCamera := func(h Hypothesis) spatialmath.Pose {
		camToTag := geometry.CameraToField(h.Translation, h.Rotation)
		return spatialmath.Compose(tagPose, spatialmath.PoseInverse(camToTag))
	}

	return &CameraPoseObservation{
		TagIDs:         tagIDs,
		Primary:        fieldToCamera(hyps[0]),
		PrimaryError:   hyps[0].Error,
		Secondary:      fieldToCamera(hyps[1]),
		SecondaryError: hyps[1].Error,
	}
}

func (r *Resolver) resolveMulti(ctx context.Context, corr Correspondences, tagIDs []uint64) *CameraPoseObservation {
	hyps, err := r.solver.SolveGeneric(ctx, corr)
	if err != nil {
		r.solverErrors.Add(1)
		r.logger.Warn("fiducial: generic solver failed", "tag_ids", tagIDs, "error", err)
		return nil
	}
	if len(hyps) == 0 {
		r.solverErrors.Add(1)
		r.logger.Warn("fiducial: generic solver returned no solution", "tag_ids", tagIDs)
		return nil
	}

	// object points are already in field coordinates, so the solution is camera-to-field
	camToField := geometry.CameraToField(hyps[0].Translation, hyps[0].Rotation)
	return &CameraPoseObservation{
		TagIDs:       tagIDs,
		Primary:      spatialmath.PoseInverse(camToField),
		PrimaryError: hyps[0].Error,
	}
}

// Stats returns a snapshot of resolver counters.
func (r *Resolver) Stats() ResolverStats {
	return ResolverStats{
		Resolved:     r.resolved.Load(),
		Ambiguous:    r.ambiguous.Load(),
		Unmatched:    r.unmatched.Load(),
		SolverErrors: r.solverErrors.Load(),
	}
}
