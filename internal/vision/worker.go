// Package vision runs marker detection and pose solving in a worker process.
//
// The worker (scripts/vision_worker.py by default) speaks length-prefixed
// msgpack over stdin/stdout and logs to stderr. One request is in flight at a
// time. A worker that stops answering or exits is reported through errors
// from Detect and the Solve methods; the caller rebuilds it.
package vision

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"

	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/geometry"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

var (
	// ErrNotRunning is returned when a request is made before Start or after Stop.
	ErrNotRunning = errors.New("vision: worker not running")
	// ErrWorkerExited is returned when the worker's output stream ended.
	ErrWorkerExited = errors.New("vision: worker exited")
	// ErrRequestTimeout is returned when a response did not arrive in time.
	ErrRequestTimeout = errors.New("vision: request timed out")
)

// stopTimeout bounds the wait for a graceful worker exit before killing it.
const stopTimeout = 2 * time.Second

// Config describes the worker process and the camera it serves.
type Config struct {
	Command        string
	Args           []string
	Dictionary     string
	RequestTimeout time.Duration
	Intrinsics     *geometry.Intrinsics
}

// Metrics is a snapshot of worker counters.
type Metrics struct {
	Requests     uint64    `json:"requests"`
	Failures     uint64    `json:"failures"`
	StaleDropped uint64    `json:"stale_dropped"`
	AvgLatencyMS float64   `json:"avg_latency_ms"`
	LastSeenAt   time.Time `json:"last_seen_at"`
}

// Worker implements fiducial.Detector and fiducial.Solver on top of the
// worker process.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
	stderr io.Reader

	mu        sync.Mutex // one request in flight
	nextID    atomic.Uint64
	responses chan *Response
	exited    chan struct{}
	exitOnce  sync.Once

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	isActive atomic.Bool
	broken   atomic.Bool

	requests       atomic.Uint64
	failures       atomic.Uint64
	staleDropped   atomic.Uint64
	completed      atomic.Uint64
	totalLatencyUS atomic.Uint64
	lastSeenAt     atomic.Value // time.Time
}

var (
	_ fiducial.Detector = (*Worker)(nil)
	_ fiducial.Solver   = (*Worker)(nil)
)

// New validates cfg and creates a stopped worker.
func New(cfg Config, logger *slog.Logger) (*Worker, error) {
	if cfg.Command == "" {
		return nil, errors.New("vision: command is required")
	}
	if cfg.Intrinsics == nil {
		return nil, errors.New("vision: camera intrinsics are required")
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 500 * time.Millisecond
	}
	if cfg.Dictionary == "" {
		cfg.Dictionary = "APRILTAG_36h11"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{cfg: cfg, logger: logger}, nil
}

// Start spawns the worker process.
func (w *Worker) Start(ctx context.Context) error {
	if w.isActive.Load() {
		return errors.New("vision: worker already started")
	}
	w.ctx, w.cancel = context.WithCancel(ctx)

	cmd := exec.CommandContext(w.ctx, w.cfg.Command, w.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdin pipe")
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return errors.Wrap(err, "failed to create stderr pipe")
	}
	if err := cmd.Start(); err != nil {
		w.cancel()
		return errors.Wrapf(err, "failed to start %s", w.cfg.Command)
	}
	w.cmd = cmd

	w.logger.Info("vision worker spawned",
		"command", w.cfg.Command,
		"pid", cmd.Process.Pid,
		"dictionary", w.cfg.Dictionary,
	)

	w.attach(stdin, stdout, stderr)

	w.wg.Add(1)
	go w.waitProcess()
	return nil
}

// attach wires the streams and starts the reader goroutines. Tests call it
// directly with in-process pipes.
func (w *Worker) attach(stdin io.WriteCloser, stdout, stderr io.Reader) {
	if w.ctx == nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
	}
	w.stdin = stdin
	w.stdout = stdout
	w.stderr = stderr
	w.responses = make(chan *Response, 4)
	w.exited = make(chan struct{})
	w.lastSeenAt.Store(time.Now())
	w.isActive.Store(true)

	w.wg.Add(1)
	go w.readResults()

	if stderr != nil {
		w.wg.Add(1)
		go w.logStderr()
	}
}

// Detect finds markers in frame.
func (w *Worker) Detect(ctx context.Context, frame *types.Frame) ([]fiducial.Observation, error) {
	resp, err := w.roundTrip(ctx, &Request{
		Op:         OpDetect,
		Frame:      frame.Pix,
		Width:      frame.Width,
		Height:     frame.Height,
		Dictionary: w.cfg.Dictionary,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "detect frame %d", frame.Seq)
	}

	observations := make([]fiducial.Observation, 0, len(resp.Markers))
	for _, m := range resp.Markers {
		observations = append(observations, fiducial.Observation{ID: m.ID, Corners: m.Corners})
	}
	return observations, nil
}

// SolveSquare runs the planar square solver, which returns both solutions
// of the single-marker ambiguity.
func (w *Worker) SolveSquare(ctx context.Context, c fiducial.Correspondences) ([]fiducial.Hypothesis, error) {
	return w.solve(ctx, MethodIPPESquare, c)
}

// SolveGeneric runs the general point-set solver.
func (w *Worker) SolveGeneric(ctx context.Context, c fiducial.Correspondences) ([]fiducial.Hypothesis, error) {
	return w.solve(ctx, MethodSQPnP, c)
}

func (w *Worker) solve(ctx context.Context, method string, c fiducial.Correspondences) ([]fiducial.Hypothesis, error) {
	if len(c.ObjectPoints) != len(c.ImagePoints) {
		return nil, errors.Errorf("%d object points for %d image points", len(c.ObjectPoints), len(c.ImagePoints))
	}

	req := &Request{
		Op:           OpSolve,
		Method:       method,
		ObjectPoints: make([][3]float64, len(c.ObjectPoints)),
		ImagePoints:  c.ImagePoints,
		CameraMatrix: w.cfg.Intrinsics.Rows(),
		Distortion:   w.cfg.Intrinsics.Distortion,
	}
	for i, p := range c.ObjectPoints {
		req.ObjectPoints[i] = [3]float64{p.X, p.Y, p.Z}
	}

	resp, err := w.roundTrip(ctx, req)
	if err != nil {
		return nil, errors.Wrapf(err, "solve %s", method)
	}

	hyps := make([]fiducial.Hypothesis, 0, len(resp.Solutions))
	for _, s := range resp.Solutions {
		hyps = append(hyps, fiducial.Hypothesis{
			Translation: r3.Vector{X: s.T[0], Y: s.T[1], Z: s.T[2]},
			Rotation:    r3.Vector{X: s.R[0], Y: s.R[1], Z: s.R[2]},
			Error:       s.Error,
		})
	}
	return hyps, nil
}

// roundTrip sends req and waits for the response with the same id.
func (w *Worker) roundTrip(ctx context.Context, req *Request) (*Response, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.isActive.Load() || w.broken.Load() {
		return nil, ErrNotRunning
	}

	req.ID = w.nextID.Add(1)
	w.requests.Add(1)
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, w.cfg.RequestTimeout)
	defer cancel()

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- WriteMessage(w.stdin, req)
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			w.failures.Add(1)
			w.broken.Store(true)
			return nil, errors.Wrap(err, "failed to write to worker stdin")
		}
	case <-ctx.Done():
		// a partial write leaves the stream unusable
		w.failures.Add(1)
		w.broken.Store(true)
		return nil, errors.Wrap(ErrRequestTimeout, "stdin write (worker may be hung)")
	case <-w.exited:
		w.failures.Add(1)
		return nil, ErrWorkerExited
	}

	for {
		select {
		case resp := <-w.responses:
			if resp.ID != req.ID {
				w.staleDropped.Add(1)
				w.logger.Debug("vision: dropping stale response", "id", resp.ID, "want", req.ID)
				continue
			}
			w.completed.Add(1)
			w.totalLatencyUS.Add(uint64(time.Since(start).Microseconds()))
			w.lastSeenAt.Store(time.Now())
			if resp.Error != "" {
				w.failures.Add(1)
				return nil, errors.Errorf("worker: %s", resp.Error)
			}
			return resp, nil

		case <-w.exited:
			w.failures.Add(1)
			return nil, ErrWorkerExited

		case <-ctx.Done():
			w.failures.Add(1)
			return nil, ErrRequestTimeout
		}
	}
}

// readResults decodes responses until the stream ends.
func (w *Worker) readResults() {
	defer w.wg.Done()
	defer w.exitOnce.Do(func() { close(w.exited) })

	for {
		var resp Response
		if err := ReadMessage(w.stdout, &resp); err != nil {
			if err == io.EOF {
				w.logger.Debug("vision worker stdout closed (EOF)")
			} else if w.ctx.Err() == nil {
				w.logger.Error("failed to read from vision worker", "error", err)
			}
			return
		}

		select {
		case w.responses <- &resp:
		default:
			w.staleDropped.Add(1)
			w.logger.Warn("dropping vision response, nobody waiting", "id", resp.ID)
		}
	}
}

// logStderr maps worker log levels onto slog.
func (w *Worker) logStderr() {
	defer w.wg.Done()

	scanner := bufio.NewScanner(w.stderr)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.Contains(line, "[ERROR]") || strings.Contains(line, "[CRITICAL]"):
			w.logger.Error("vision worker error", "log", line)
		case strings.Contains(line, "[WARNING]") || strings.Contains(line, "[WARN]"):
			w.logger.Warn("vision worker warning", "log", line)
		default:
			w.logger.Debug("vision worker log", "log", line)
		}
	}
	if err := scanner.Err(); err != nil && w.ctx.Err() == nil {
		w.logger.Error("error reading vision worker stderr", "error", err)
	}
}

// waitProcess reaps the worker process.
func (w *Worker) waitProcess() {
	defer w.wg.Done()

	err := w.cmd.Wait()
	pid := w.cmd.Process.Pid
	switch {
	case err == nil:
		w.logger.Info("vision worker exited cleanly", "pid", pid)
	case w.ctx.Err() != nil:
		w.logger.Debug("vision worker exited (shutdown)", "pid", pid)
	default:
		w.logger.Error("vision worker exited unexpectedly", "pid", pid, "error", err)
	}
}

// Stop closes stdin and waits for the worker to exit, killing it after a
// timeout.
func (w *Worker) Stop() error {
	if !w.isActive.Swap(false) {
		return nil
	}

	w.logger.Info("stopping vision worker")
	if w.stdin != nil {
		w.stdin.Close()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(stopTimeout):
		w.logger.Warn("vision worker stop timeout, force killing process")
		if w.cmd != nil && w.cmd.Process != nil {
			if err := w.cmd.Process.Kill(); err != nil {
				w.logger.Error("failed to kill vision worker", "error", err)
			}
		}
		w.cancel()
		<-done
	}
	w.cancel()

	m := w.Metrics()
	w.logger.Info("vision worker stopped",
		"requests", m.Requests,
		"failures", m.Failures,
		"avg_latency_ms", m.AvgLatencyMS,
	)
	return nil
}

// Metrics returns worker counters.
func (w *Worker) Metrics() Metrics {
	var avg float64
	if n := w.completed.Load(); n > 0 {
		avg = float64(w.totalLatencyUS.Load()) / float64(n) / 1000
	}

	var lastSeen time.Time
	if v := w.lastSeenAt.Load(); v != nil {
		lastSeen = v.(time.Time)
	}

	return Metrics{
		Requests:     w.requests.Load(),
		Failures:     w.failures.Load(),
		StaleDropped: w.staleDropped.Load(),
		AvgLatencyMS: avg,
		LastSeenAt:   lastSeen,
	}
}
