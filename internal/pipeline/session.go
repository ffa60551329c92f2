package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wilsonwatson/watson-vision/internal/capture"
	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/preview"
	"github.com/wilsonwatson/watson-vision/internal/types"
	"github.com/wilsonwatson/watson-vision/internal/vision"
)

// PartEncoder turns a frame and its detections into one preview chunk.
type PartEncoder interface {
	EncodePart(frame *types.Frame, observations []fiducial.Observation) ([]byte, error)
}

// Session is everything one pipeline session owns. Nothing in it is shared
// outside the supervisor.
type Session struct {
	ID           string
	Capture      capture.Capture
	Detector     fiducial.Detector
	Resolver     *fiducial.Resolver
	Encoder      PartEncoder
	Layout       fiducial.Layout
	FiducialSize float64

	// closers run after the capture is released, in order
	closers []func() error
}

// OnClose registers cleanup that runs after the capture is released.
func (s *Session) OnClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

// Close releases the capture device first, then everything else.
func (s *Session) Close() error {
	var errs []error
	if s.Capture != nil {
		if err := s.Capture.Close(); err != nil {
			errs = append(errs, fmt.Errorf("capture: %w", err))
		}
	}
	for _, fn := range s.closers {
		if err := fn(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// BuildFunc constructs a session for one configuration snapshot.
type BuildFunc func(ctx context.Context, cfg *config.Config) (*Session, error)

// NewBuilder returns the production builder: the configured capture source,
// the vision worker as detector and solver, and a resolver on top.
func NewBuilder(logger *slog.Logger) BuildFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(ctx context.Context, cfg *config.Config) (*Session, error) {
		id := uuid.NewString()
		log := logger.With("session_id", id)

		intrinsics, err := cfg.Intrinsics()
		if err != nil {
			return nil, fmt.Errorf("camera model: %w", err)
		}

		src, err := capture.New(cfg, log)
		if err != nil {
			return nil, err
		}

		worker, err := vision.New(vision.Config{
			Command:        cfg.Vision.Command,
			Args:           cfg.Vision.Args,
			Dictionary:     cfg.Vision.Dictionary,
			RequestTimeout: cfg.Vision.RequestTimeout,
			Intrinsics:     intrinsics,
		}, log)
		if err != nil {
			src.Close()
			return nil, err
		}
		if err := worker.Start(ctx); err != nil {
			src.Close()
			return nil, fmt.Errorf("vision worker: %w", err)
		}

		sess := &Session{
			ID:           id,
			Capture:      src,
			Detector:     worker,
			Resolver:     fiducial.NewResolver(worker, log),
			Encoder:      preview.NewEncoder(cfg.Preview.JPEGQuality),
			Layout:       cfg.Layout(),
			FiducialSize: cfg.FiducialSizeM,
		}
		sess.OnClose(worker.Stop)
		return sess, nil
	}
}
