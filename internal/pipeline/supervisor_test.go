package pipeline

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang/geo/r3"

	"github.com/wilsonwatson/watson-vision/internal/capture"
	"github.com/wilsonwatson/watson-vision/internal/config"
	"github.com/wilsonwatson/watson-vision/internal/fiducial"
	"github.com/wilsonwatson/watson-vision/internal/lifecycle"
	"github.com/wilsonwatson/watson-vision/internal/preview"
	"github.com/wilsonwatson/watson-vision/internal/telemetry"
	"github.com/wilsonwatson/watson-vision/internal/types"
)

// fakeCapture returns queued errors first, then 8x8 frames.
type fakeCapture struct {
	mu     sync.Mutex
	errs   []error
	block  bool
	closed atomic.Bool
	seq    uint64
}

func (c *fakeCapture) Grab(ctx context.Context) (*types.Frame, error) {
	if c.closed.Load() {
		return nil, capture.ErrClosed
	}
	if c.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	c.mu.Lock()
	if len(c.errs) > 0 {
		err := c.errs[0]
		c.errs = c.errs[1:]
		c.mu.Unlock()
		return nil, err
	}
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Millisecond):
	}
	return &types.Frame{Seq: seq, Timestamp: time.Now(), Width: 8, Height: 8, Pix: make([]byte, 8*8*3)}, nil
}

func (c *fakeCapture) Close() error {
	c.closed.Store(true)
	return nil
}

func (c *fakeCapture) Stats() capture.Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return capture.Stats{Source: "fake", FramesGrabbed: c.seq}
}

type detectFunc func(ctx context.Context, frame *types.Frame) ([]fiducial.Observation, error)

func (f detectFunc) Detect(ctx context.Context, frame *types.Frame) ([]fiducial.Observation, error) {
	return f(ctx, frame)
}

func noMarkers(context.Context, *types.Frame) ([]fiducial.Observation, error) {
	return nil, nil
}

func oneMarker(id uint64) detectFunc {
	return func(context.Context, *types.Frame) ([]fiducial.Observation, error) {
		return []fiducial.Observation{{ID: id, Corners: [4][2]float64{{1, 1}, {6, 1}, {6, 6}, {1, 6}}}}, nil
	}
}

type fakeSolver struct{}

func (fakeSolver) SolveSquare(context.Context, fiducial.Correspondences) ([]fiducial.Hypothesis, error) {
	return []fiducial.Hypothesis{
		{Translation: r3.Vector{Z: 2}, Rotation: r3.Vector{Y: 0.1}, Error: 0.2},
		{Translation: r3.Vector{Z: 2}, Rotation: r3.Vector{Y: -0.1}, Error: 0.5},
	}, nil
}

func (fakeSolver) SolveGeneric(context.Context, fiducial.Correspondences) ([]fiducial.Hypothesis, error) {
	return []fiducial.Hypothesis{{Translation: r3.Vector{Z: 2}, Rotation: r3.Vector{Y: 0.1}}}, nil
}

// recorder is a Sender that keeps what it accepts.
type recorder struct {
	mu       sync.Mutex
	reject   bool
	payloads [][]byte
}

func (r *recorder) Send(p []byte) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.reject {
		return false
	}
	r.payloads = append(r.payloads, p)
	return true
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.payloads)
}

func (r *recorder) first() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payloads[0]
}

func testConfig(tagID uint64) *config.Config {
	return &config.Config{
		CameraName:    "front",
		Width:         8,
		Height:        8,
		FiducialSizeM: 0.165,
		TagLayout: config.TagLayout{Tags: []config.Tag{{
			ID: tagID,
			Pose: config.TagPose{
				Translation: config.Translation{X: 3},
				Rotation:    config.Rotation{Quaternion: config.Quaternion{W: 1}},
			},
		}}},
	}
}

// harness builds sessions from a per-session factory and remembers every
// capture it handed out.
type harness struct {
	t       *testing.T
	store   *config.Store
	preview *recorder
	samples *recorder
	coord   *lifecycle.Coordinator
	sup     *Supervisor

	factory func(n int) (*fakeCapture, fiducial.Detector, error)

	mu       sync.Mutex
	captures []*fakeCapture
	builtAt  []time.Time
}

func newHarness(t *testing.T, cfg *config.Config, factory func(n int) (*fakeCapture, fiducial.Detector, error)) *harness {
	t.Helper()
	h := &harness{
		t:       t,
		store:   config.NewStore(cfg),
		preview: &recorder{},
		samples: &recorder{},
		coord:   lifecycle.New(nil),
		factory: factory,
	}

	sup, err := New(Options{
		Store:      h.store,
		Build:      h.build,
		Preview:    h.preview,
		Telemetry:  h.samples,
		Clock:      h.coord.Clock(),
		Stopped:    h.coord.Stopped,
		RetryDelay: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	h.sup = sup
	return h
}

func (h *harness) start() {
	if err := h.coord.Supervise("pipeline", h.sup.Run); err != nil {
		h.t.Fatalf("Supervise failed: %v", err)
	}
	h.t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.coord.Shutdown(ctx)
	})
}

func (h *harness) build(_ context.Context, cfg *config.Config) (*Session, error) {
	h.mu.Lock()
	n := len(h.builtAt) + 1
	h.builtAt = append(h.builtAt, time.Now())
	h.mu.Unlock()

	c, det, err := h.factory(n)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	h.captures = append(h.captures, c)
	h.mu.Unlock()

	return &Session{
		ID:           "session-" + string(rune('0'+n)),
		Capture:      c,
		Detector:     det,
		Resolver:     fiducial.NewResolver(fakeSolver{}, nil),
		Encoder:      preview.NewEncoder(75),
		Layout:       cfg.Layout(),
		FiducialSize: cfg.FiducialSizeM,
	}, nil
}

func (h *harness) builds() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.builtAt)
}

func (h *harness) capture(i int) *fakeCapture {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.captures[i]
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatalf("timeout waiting for %s", what)
		case <-time.After(2 * time.Millisecond):
		}
	}
}

func TestFaultInjectionRestartsSession(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		if n == 1 {
			return &fakeCapture{}, detectFunc(func(context.Context, *types.Frame) ([]fiducial.Observation, error) {
				panic("detector blew up")
			}), nil
		}
		return &fakeCapture{}, detectFunc(noMarkers), nil
	})
	h.start()

	waitFor(t, "second session", func() bool { return h.builds() >= 2 })
	waitFor(t, "frames in second session", func() bool { return h.preview.count() > 0 })

	if !h.capture(0).closed.Load() {
		t.Error("faulted session did not release its capture")
	}
	if h.coord.Stopped() {
		t.Error("stop signal set by a session fault")
	}

	st := h.sup.Stats()
	if st.SessionFaults != 1 {
		t.Errorf("SessionFaults = %d, want 1", st.SessionFaults)
	}
	if !strings.Contains(st.LastFault, "detector blew up") {
		t.Errorf("LastFault = %q", st.LastFault)
	}
	if !st.Running || st.SessionID != "session-2" {
		t.Errorf("Stats = %+v", st)
	}
}

func TestSessionFaultsRebuild(t *testing.T) {
	tests := []struct {
		name  string
		first func() (*fakeCapture, fiducial.Detector)
	}{
		{
			name: "device failure",
			first: func() (*fakeCapture, fiducial.Detector) {
				return &fakeCapture{errs: []error{capture.ErrDeviceFailed}}, detectFunc(noMarkers)
			},
		},
		{
			name: "detector error",
			first: func() (*fakeCapture, fiducial.Detector) {
				return &fakeCapture{}, detectFunc(func(context.Context, *types.Frame) ([]fiducial.Observation, error) {
					return nil, errors.New("worker exited")
				})
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
				if n == 1 {
					c, d := tt.first()
					return c, d, nil
				}
				return &fakeCapture{}, detectFunc(noMarkers), nil
			})
			h.start()

			waitFor(t, "rebuild", func() bool { return h.builds() >= 2 })
			waitFor(t, "release", func() bool { return h.capture(0).closed.Load() })
			if h.sup.Stats().SessionFaults < 1 {
				t.Error("fault not counted")
			}
		})
	}
}

func TestAcquisitionFaultRetriesInPlace(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{errs: []error{capture.ErrFrameTimeout, capture.ErrNoDevice, capture.ErrFrameTimeout}}, detectFunc(noMarkers), nil
	})
	h.start()

	waitFor(t, "frames after retries", func() bool { return h.sup.Stats().Frames >= 3 })

	if h.builds() != 1 {
		t.Errorf("acquisition faults rebuilt the session (%d builds)", h.builds())
	}
	st := h.sup.Stats()
	if st.AcquisitionFaults != 3 || st.SessionFaults != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestFramePublishesSampleAndPreview(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{}, oneMarker(5), nil
	})
	h.coord.Clock().Update(5_000_000, time.Now())
	h.start()

	waitFor(t, "pose sample", func() bool { return h.samples.count() > 0 })
	waitFor(t, "preview part", func() bool { return h.preview.count() > 0 })

	sample := h.samples.first()
	if len(sample) != telemetry.EncodedLen(1, true) {
		t.Fatalf("sample length %d, want %d", len(sample), telemetry.EncodedLen(1, true))
	}
	if ts := binary.BigEndian.Uint32(sample[:4]); ts < 5_000_000 {
		t.Errorf("sample time %d not derived from the server clock", ts)
	}
	if id := binary.BigEndian.Uint32(sample[8:12]); id != 5 {
		t.Errorf("tag id %d", id)
	}
	if sample[12] != 1 {
		t.Error("single marker sample should carry a secondary pose")
	}

	if !bytes.HasPrefix(h.preview.first(), []byte("--FRAME\r\n")) {
		t.Error("preview part is not multipart")
	}

	st := h.sup.Stats()
	if st.Resolver == nil || st.Resolver.Resolved == 0 {
		t.Errorf("resolver stats = %+v", st.Resolver)
	}
	if st.Capture == nil || st.Capture.Source != "fake" {
		t.Errorf("capture stats = %+v", st.Capture)
	}
}

func TestDropsAreCountedNotFatal(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{}, oneMarker(5), nil
	})
	h.preview.reject = true
	h.samples.reject = true
	h.start()

	waitFor(t, "drops", func() bool {
		st := h.sup.Stats()
		return st.SamplesDropped >= 3 && st.PreviewDropped >= 3
	})
	if h.builds() != 1 || h.sup.Stats().SessionFaults != 0 {
		t.Error("drops must not affect the session")
	}
}

func TestOutOfRangeTagIDDropsSample(t *testing.T) {
	big := uint64(1) << 40
	h := newHarness(t, testConfig(big), func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{}, oneMarker(big), nil
	})
	h.start()

	waitFor(t, "encode errors", func() bool { return h.sup.Stats().EncodeErrors >= 2 })
	if h.samples.count() != 0 {
		t.Error("out of range id reached the telemetry channel")
	}
	if h.preview.count() == 0 {
		t.Error("preview must keep flowing")
	}
	if h.sup.Stats().SessionFaults != 0 {
		t.Error("encode error faulted the session")
	}
}

func TestReconfigureReopensAfterDelay(t *testing.T) {
	cfg := testConfig(5)
	h := newHarness(t, cfg, func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{}, detectFunc(noMarkers), nil
	})
	h.start()
	waitFor(t, "first frames", func() bool { return h.sup.Stats().Frames > 0 })

	next := *cfg
	next.Width = 16
	next.Capture.ReopenDelay = 80 * time.Millisecond
	h.store.Set(&next)

	waitFor(t, "second session", func() bool { return h.builds() >= 2 })
	if !h.capture(0).closed.Load() {
		t.Error("old device not released")
	}

	h.mu.Lock()
	gap := h.builtAt[1].Sub(h.builtAt[0])
	h.mu.Unlock()
	if gap < 80*time.Millisecond {
		t.Errorf("device reopened after %v, want >= reopen delay", gap)
	}
	if st := h.sup.Stats(); st.Reconfigurations != 1 || st.SessionFaults != 0 {
		t.Errorf("Stats = %+v", st)
	}
}

func TestShutdownReleasesBlockedCapture(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		return &fakeCapture{block: true}, detectFunc(noMarkers), nil
	})
	h.start()
	waitFor(t, "session", func() bool { return h.builds() == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := h.coord.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown did not join the supervisor: %v", err)
	}
	if !h.capture(0).closed.Load() {
		t.Error("capture not released before Shutdown returned")
	}
	if h.sup.Stats().Running {
		t.Error("supervisor still running")
	}
	// joins again without blocking
	h.coord.Wait()
}

func TestBuildFailureBacksOffAndRetries(t *testing.T) {
	h := newHarness(t, testConfig(5), func(n int) (*fakeCapture, fiducial.Detector, error) {
		if n <= 2 {
			return nil, nil, errors.New("vision worker: executable not found")
		}
		return &fakeCapture{}, detectFunc(noMarkers), nil
	})
	h.start()

	waitFor(t, "running session", func() bool { return h.sup.Stats().Frames > 0 })

	h.mu.Lock()
	gap := h.builtAt[1].Sub(h.builtAt[0])
	h.mu.Unlock()
	if gap < 5*time.Millisecond {
		t.Errorf("rebuild after failed build came after %v", gap)
	}
	if st := h.sup.Stats(); st.SessionFaults != 2 {
		t.Errorf("SessionFaults = %d, want 2", st.SessionFaults)
	}
}

func TestNewValidatesOptions(t *testing.T) {
	store := config.NewStore(testConfig(5))
	build := func(context.Context, *config.Config) (*Session, error) { return nil, nil }
	r := &recorder{}

	if _, err := New(Options{Build: build, Preview: r, Telemetry: r}); err == nil {
		t.Error("Expected error without store")
	}
	if _, err := New(Options{Store: store, Preview: r, Telemetry: r}); err == nil {
		t.Error("Expected error without builder")
	}
	if _, err := New(Options{Store: store, Build: build, Preview: r}); err == nil {
		t.Error("Expected error without telemetry")
	}
	s, err := New(Options{Store: store, Build: build, Preview: r, Telemetry: r})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if s.opts.RetryDelay != DefaultRetryDelay || s.opts.Clock == nil {
		t.Errorf("defaults not applied: %+v", s.opts)
	}
}

func TestSessionCloseOrder(t *testing.T) {
	var order []string
	c := &fakeCapture{}
	s := &Session{Capture: closeRecorder{c, &order}}
	s.OnClose(func() error { order = append(order, "worker"); return nil })
	s.OnClose(func() error { return errors.New("boom") })

	err := s.Close()
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Errorf("Close error = %v", err)
	}
	if len(order) != 2 || order[0] != "capture" || order[1] != "worker" {
		t.Errorf("close order = %v", order)
	}
}

type closeRecorder struct {
	*fakeCapture
	order *[]string
}

func (c closeRecorder) Close() error {
	*c.order = append(*c.order, "capture")
	return c.fakeCapture.Close()
}

func TestOutcomeString(t *testing.T) {
	for o, want := range map[Outcome]string{
		OutcomeStopped:      "stopped",
		OutcomeFaulted:      "faulted",
		OutcomeReconfigured: "reconfigured",
		Outcome(9):          "outcome(9)",
	} {
		if got := o.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(o), got, want)
		}
	}
}
