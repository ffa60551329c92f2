// Package pipeline runs the capture, detection and pose resolution loop.
//
// The Supervisor builds a session from the current configuration snapshot,
// runs frames through it until the session ends, and starts a new one. Every
// session returns an explicit SessionResult; faults inside a session,
// including panics, end only that session.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wilsonwatson/watson-vision/internal/capture"
	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/lifecycle"
	"github.com/wilsonwatson/watson-vision/internal/telemetry"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

const (
	// DefaultRetryDelay is the pause after an acquisition fault.
	DefaultRetryDelay = 100 * time.Millisecond

	// statsLogInterval is how often a running session logs its counters.
	statsLogInterval = 10 * time.Second
)

// ErrSessionFault wraps every error that ends a session.
var ErrSessionFault = errors.New("pipeline: session fault")

// Outcome is how a session ended.
type Outcome int

const (
	// OutcomeStopped means the stop signal was observed.
	OutcomeStopped Outcome = iota
	// OutcomeFaulted means the session failed and must be rebuilt.
	OutcomeFaulted
	// OutcomeReconfigured means a new configuration was published.
	OutcomeReconfigured
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStopped:
		return "stopped"
	case OutcomeFaulted:
		return "faulted"
	case OutcomeReconfigured:
		return "reconfigured"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

// SessionResult is returned by every session body.
type SessionResult struct {
	SessionID string
	Outcome   Outcome
	Err       error
	Frames    uint64
	Duration  time.Duration
	// Built is false when the session failed before it could run.
	Built bool
}

// Sender is a bounded hand-off that drops instead of blocking.
type Sender interface {
	Send(payload []byte) bool
}

// Options configure a Supervisor.
type Options struct {
	Store     *config.Store
	Build     BuildFunc
	Preview   Sender
	Telemetry Sender
	Clock     *lifecycle.ClockSync
	// Stopped polls the stop signal. ctx cancellation also counts as stop.
	Stopped    func() bool
	RetryDelay time.Duration
	Logger     *slog.Logger
}

// Stats is a snapshot of supervisor counters.
type Stats struct {
	Running           bool                    `json:"running"`
	SessionID         string                  `json:"session_id,omitempty"`
	Sessions          uint64                  `json:"sessions"`
	SessionFaults     uint64                  `json:"session_faults"`
	Reconfigurations  uint64                  `json:"reconfigurations"`
	AcquisitionFaults uint64                  `json:"acquisition_faults"`
	Frames            uint64                  `json:"frames"`
	Samples           uint64                  `json:"samples"`
	SamplesDropped    uint64                  `json:"samples_dropped"`
	EncodeErrors      uint64                  `json:"encode_errors"`
	PreviewDropped    uint64                  `json:"preview_dropped"`
	LastFault         string                  `json:"last_fault,omitempty"`
	FPS               FPSStats                `json:"fps"`
	Capture           *capture.Stats          `json:"capture,omitempty"`
	Resolver          *fiducial.ResolverStats `json:"resolver,omitempty"`
}

// Supervisor owns the pipeline sessions.
type Supervisor struct {
	opts   Options
	logger *slog.Logger
	fps    *fpsTracker

	mu        sync.Mutex
	current   *Session
	lastFault string

	running           atomic.Bool
	sessions          atomic.Uint64
	sessionFaults     atomic.Uint64
	reconfigurations  atomic.Uint64
	acquisitionFaults atomic.Uint64
	frames            atomic.Uint64
	samples           atomic.Uint64
	samplesDropped    atomic.Uint64
	encodeErrors      atomic.Uint64
	previewDropped    atomic.Uint64
}

// New validates opts and creates a supervisor.
func New(opts Options) (*Supervisor, error) {
	if opts.Store == nil {
		return nil, errors.New("pipeline: config store is required")
	}
	if opts.Build == nil {
		return nil, errors.New("pipeline: session builder is required")
	}
	if opts.Preview == nil || opts.Telemetry == nil {
		return nil, errors.New("pipeline: preview and telemetry channels are required")
	}
	if opts.Clock == nil {
		opts.Clock = &lifecycle.ClockSync{}
	}
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Supervisor{
		opts:   opts,
		logger: opts.Logger.With("component", "pipeline"),
		fps:    newFPSTracker(fpsWindow),
	}, nil
}

// Run loops over sessions until the stop signal is set or ctx is done.
func (s *Supervisor) Run(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("pipeline supervisor started")
	for !s.stopped(ctx) {
		cfg, gen := s.opts.Store.Get()
		res := s.runSession(ctx, cfg, gen)

		log := s.logger.With(
			"session_id", res.SessionID,
			"outcome", res.Outcome.String(),
			"frames", res.Frames,
			"duration", res.Duration,
		)

		switch res.Outcome {
		case OutcomeStopped:
			log.Info("pipeline session ended")
		case OutcomeFaulted:
			s.sessionFaults.Add(1)
			s.mu.Lock()
			s.lastFault = res.Err.Error()
			s.mu.Unlock()
			log.Error("pipeline session fault, restarting", "error", res.Err)
			// sessions that die before their first frame back off
			if res.Frames == 0 {
				s.sleep(ctx, s.opts.RetryDelay)
			}
		case OutcomeReconfigured:
			s.reconfigurations.Add(1)
			next, _ := s.opts.Store.Get()
			if config.AcquisitionChanged(cfg, next) {
				log.Info("configuration changed, reopening capture device", "delay", next.Capture.ReopenDelay)
				s.sleep(ctx, next.Capture.ReopenDelay)
			} else {
				log.Info("configuration changed, rebuilding session")
			}
		}
	}
	s.logger.Info("pipeline supervisor stopped",
		"sessions", s.sessions.Load(),
		"session_faults", s.sessionFaults.Load(),
	)
}

// runSession is the crash containment boundary: whatever happens inside, the
// capture device is released and a result comes back.
func (s *Supervisor) runSession(ctx context.Context, cfg *config.Config, gen uint64) (res SessionResult) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			res.Outcome = OutcomeFaulted
			res.Err = fmt.Errorf("%w: panic: %v", ErrSessionFault, r)
			s.logger.Debug("session panic", "session_id", res.SessionID, "stack", string(debug.Stack()))
		}
		res.Duration = time.Since(start)
	}()

	sess, err := s.opts.Build(ctx, cfg)
	if err != nil {
		if s.stopped(ctx) {
			return SessionResult{Outcome: OutcomeStopped}
		}
		return SessionResult{Outcome: OutcomeFaulted, Err: fmt.Errorf("%w: build: %v", ErrSessionFault, err)}
	}
	res.SessionID = sess.ID
	res.Built = true

	s.sessions.Add(1)
	s.setCurrent(sess)
	s.fps.reset()
	defer s.release(sess)

	log := s.logger.With("session_id", sess.ID)
	log.Info("pipeline session started",
		"camera", cfg.CameraName,
		"video_path", cfg.VideoPath,
		"tags", len(sess.Layout),
	)

	lastStats := time.Now()
	for {
		if s.stopped(ctx) {
			res.Outcome = OutcomeStopped
			return res
		}
		if s.opts.Store.Generation() != gen {
			res.Outcome = OutcomeReconfigured
			return res
		}

		frame, err := sess.Capture.Grab(ctx)
		if err != nil {
			if s.stopped(ctx) {
				continue
			}
			if capture.IsSessionFault(err) {
				res.Outcome = OutcomeFaulted
				res.Err = fmt.Errorf("%w: %v", ErrSessionFault, err)
				return res
			}
			s.acquisitionFaults.Add(1)
			log.Debug("acquisition fault, retrying", "error", err)
			s.sleep(ctx, s.opts.RetryDelay)
			continue
		}

		if err := s.process(ctx, sess, frame); err != nil {
			if s.stopped(ctx) {
				continue
			}
			res.Outcome = OutcomeFaulted
			res.Err = err
			return res
		}
		res.Frames++

		if time.Since(lastStats) >= statsLogInterval {
			lastStats = time.Now()
			fps := s.fps.stats()
			log.Info("pipeline stats",
				"frames", res.Frames,
				"fps", fps.FPSMean,
				"fps_stable", fps.IsStable,
				"samples", s.samples.Load(),
				"samples_dropped", s.samplesDropped.Load(),
				"preview_dropped", s.previewDropped.Load(),
			)
		}
	}
}

// process runs one frame through detection, resolution and both hand-offs.
// Only detector failures are returned; everything after detection is per-frame.
func (s *Supervisor) process(ctx context.Context, sess *Session, frame *types.Frame) error {
	s.frames.Add(1)
	s.fps.record(time.Now())

	observations, err := sess.Detector.Detect(ctx, frame)
	if err != nil {
		return fmt.Errorf("%w: detect: %v", ErrSessionFault, err)
	}

	if pose := sess.Resolver.Resolve(ctx, observations, sess.Layout, sess.FiducialSize); pose != nil {
		sampleTime := telemetry.SampleTime(s.opts.Clock.Estimate(time.Now()))
		sample, err := telemetry.Encode(sampleTime, pose)
		switch {
		case err != nil:
			s.encodeErrors.Add(1)
			s.logger.Warn("pose sample dropped", "session_id", sess.ID, "tag_ids", pose.TagIDs, "error", err)
		case s.opts.Telemetry.Send(sample):
			s.samples.Add(1)
		default:
			s.samplesDropped.Add(1)
		}
	}

	part, err := sess.Encoder.EncodePart(frame, observations)
	if err != nil {
		s.logger.Warn("preview encode failed", "session_id", sess.ID, "frame", frame.Seq, "error", err)
		return nil
	}
	if !s.opts.Preview.Send(part) {
		s.previewDropped.Add(1)
	}
	return nil
}

func (s *Supervisor) release(sess *Session) {
	s.setCurrent(nil)
	if err := sess.Close(); err != nil {
		s.logger.Warn("session release failed", "session_id", sess.ID, "error", err)
		return
	}
	s.logger.Debug("session released", "session_id", sess.ID)
}

func (s *Supervisor) setCurrent(sess *Session) {
	s.mu.Lock()
	s.current = sess
	s.mu.Unlock()
}

func (s *Supervisor) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || s.opts.Stopped()
}

// sleep waits d or until ctx is done.
func (s *Supervisor) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// Stats returns a snapshot of the supervisor counters.
func (s *Supervisor) Stats() Stats {
	st := Stats{
		Running:           s.running.Load(),
		Sessions:          s.sessions.Load(),
		SessionFaults:     s.sessionFaults.Load(),
		Reconfigurations:  s.reconfigurations.Load(),
		AcquisitionFaults: s.acquisitionFaults.Load(),
		Frames:            s.frames.Load(),
		Samples:           s.samples.Load(),
		SamplesDropped:    s.samplesDropped.Load(),
		EncodeErrors:      s.encodeErrors.Load(),
		PreviewDropped:    s.previewDropped.Load(),
		FPS:               s.fps.stats(),
	}

	s.mu.Lock()
	st.LastFault = s.lastFault
	if s.current != nil {
		st.SessionID = s.current.ID
		if s.current.Capture != nil {
			cs := s.current.Capture.Stats()
			st.Capture = &cs
		}
		if s.current.Resolver != nil {
			rs := s.current.Resolver.Stats()
			st.Resolver = &rs
		}
	}
	s.mu.Unlock()
	return st
}
