// Package publish runs the network publish loop: one telemetry-bus session
// at a time, announcing the preview stream and forwarding pose samples.
package publish

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/wilsonwatson/watson-vision/internal/bus"
	"github.com/wilsonwatson/watson-vision/internal/fabric"
	"github.com/wilsonwatson/watson-vision/internal/lifecycle"
)

const (
	// DefaultPublishTimeout bounds one value publish.
	DefaultPublishTimeout = time.Second
	// DefaultRetryDelay is the pause before reconnecting after a failure.
	DefaultRetryDelay = 500 * time.Millisecond

	// receivePoll caps one wait for a sample so the stop signal and the
	// clock estimate are refreshed while the pipeline is idle.
	receivePoll = 100 * time.Millisecond
)

// ErrPublishTimeout is returned when a value publish exceeds its timeout.
var ErrPublishTimeout = errors.New("publish: timed out")

// Loop states
const (
	StateIdle       = "idle"
	StateConnecting = "connecting"
	StatePublishing = "publishing"
	StateBackoff    = "backoff"
	StateStopped    = "stopped"
)

// Target is where one bus session connects and what it announces.
type Target struct {
	Dialer     bus.Dialer
	Address    string
	CameraName string
	// StreamURL is announced on the streams topic, e.g.
	// "mjpeg:http://10.0.0.5:3000/test.mjpeg".
	StreamURL string
}

// Options configure a Loop.
type Options struct {
	// Target is the fixed endpoint, used when Resolve is nil.
	Target Target
	// Resolve, when set, is called at every session start so a reloaded
	// configuration takes effect on the next connect.
	Resolve func() (Target, error)
	// Generation, when set, is polled between samples; a change ends the
	// session so the next one resolves the new target.
	Generation func() uint64

	Telemetry fabric.Receiver
	Clock     *lifecycle.ClockSync
	// Stopped polls the stop signal. ctx cancellation also counts as stop.
	Stopped        func() bool
	PublishTimeout time.Duration
	RetryDelay     time.Duration
	Logger         *slog.Logger
}

// Stats is a snapshot of the loop.
type Stats struct {
	State     string `json:"state"`
	SessionID string `json:"session_id,omitempty"`
	Sessions  uint64 `json:"sessions"`
	Published uint64 `json:"published"`
	Failures  uint64 `json:"failures"`
	LastError string `json:"last_error,omitempty"`
}

// Loop owns the telemetry-bus session.
type Loop struct {
	opts   Options
	logger *slog.Logger

	mu        sync.Mutex
	state     string
	sessionID string
	lastError string

	sessions  atomic.Uint64
	published atomic.Uint64
	failures  atomic.Uint64
}

// New validates opts and creates a loop.
func New(opts Options) (*Loop, error) {
	if opts.Resolve == nil {
		if err := opts.Target.validate(); err != nil {
			return nil, err
		}
	}
	if opts.Telemetry == nil {
		return nil, errors.New("publish: telemetry receiver is required")
	}
	if opts.Clock == nil {
		opts.Clock = &lifecycle.ClockSync{}
	}
	if opts.Stopped == nil {
		opts.Stopped = func() bool { return false }
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = DefaultPublishTimeout
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = DefaultRetryDelay
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Loop{
		opts:   opts,
		logger: opts.Logger.With("component", "publish"),
		state:  StateIdle,
	}, nil
}

// Run keeps a session alive until the stop signal is set or ctx is done.
// Failures end the session; the next one starts after the retry delay.
func (l *Loop) Run(ctx context.Context) {
	defer l.setState(StateStopped, "")

	for !l.stopped(ctx) {
		err := l.runSession(ctx)
		if l.stopped(ctx) {
			return
		}
		if err != nil {
			l.failures.Add(1)
			l.mu.Lock()
			l.lastError = err.Error()
			l.mu.Unlock()
			l.logger.Warn("telemetry bus session failed, reconnecting",
				"error", err,
				"retry_delay", l.opts.RetryDelay,
			)
		}

		l.setState(StateBackoff, "")
		t := time.NewTimer(l.opts.RetryDelay)
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return
		}
	}
}

func (t Target) validate() error {
	if t.Dialer == nil {
		return errors.New("publish: dialer is required")
	}
	if t.CameraName == "" {
		return errors.New("publish: camera name is required")
	}
	return nil
}

func (l *Loop) target() (Target, error) {
	if l.opts.Resolve == nil {
		return l.opts.Target, nil
	}
	t, err := l.opts.Resolve()
	if err != nil {
		return Target{}, fmt.Errorf("resolve target: %w", err)
	}
	if err := t.validate(); err != nil {
		return Target{}, err
	}
	return t, nil
}

func (l *Loop) generation() uint64 {
	if l.opts.Generation == nil {
		return 0
	}
	return l.opts.Generation()
}

func (l *Loop) runSession(ctx context.Context) error {
	id := uuid.NewString()
	l.setState(StateConnecting, id)

	gen := l.generation()
	tgt, err := l.target()
	if err != nil {
		return err
	}
	log := l.logger.With("session_id", id, "camera", tgt.CameraName)

	sess, err := tgt.Dialer.Connect(ctx, tgt.Address)
	if err != nil {
		return fmt.Errorf("connect %s: %w", tgt.Address, err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.Debug("session close failed", "error", err)
		}
	}()
	l.sessions.Add(1)

	streams, err := sess.PublishTopic(ctx, bus.StreamsTopic(tgt.CameraName), bus.TypeStringArray,
		bus.Properties{Persistent: false, Retained: true})
	if err != nil {
		return fmt.Errorf("streams topic: %w", err)
	}
	if err := l.publish(ctx, sess, streams, []string{tgt.StreamURL}); err != nil {
		return fmt.Errorf("streams announce: %w", err)
	}

	pose, err := sess.PublishTopic(ctx, bus.PoseTopic(tgt.CameraName), bus.TypeRaw,
		bus.Properties{Persistent: false, Retained: false})
	if err != nil {
		return fmt.Errorf("pose topic: %w", err)
	}

	l.setState(StatePublishing, id)
	log.Info("telemetry bus session started", "address", tgt.Address, "stream_url", tgt.StreamURL)

	for {
		if l.stopped(ctx) {
			return nil
		}
		if l.generation() != gen {
			log.Info("configuration changed, reconnecting telemetry bus")
			return nil
		}

		l.opts.Clock.Update(sess.ServerTime(), time.Now())

		rctx, cancel := context.WithTimeout(ctx, receivePoll)
		sample, err := l.opts.Telemetry.Receive(rctx)
		cancel()
		if err != nil {
			if l.stopped(ctx) {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue
			}
			return fmt.Errorf("telemetry channel: %w", err)
		}

		if err := l.publish(ctx, sess, pose, sample); err != nil {
			return fmt.Errorf("pose sample: %w", err)
		}
		l.published.Add(1)
	}
}

// publish sends one value and gives up after the publish timeout even if
// the transport ignores ctx.
func (l *Loop) publish(ctx context.Context, sess bus.Session, pub bus.Publisher, value any) error {
	pctx, cancel := context.WithTimeout(ctx, l.opts.PublishTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- sess.PublishValue(pctx, pub, value)
	}()

	select {
	case err := <-done:
		if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return fmt.Errorf("%w after %v: %v", ErrPublishTimeout, l.opts.PublishTimeout, err)
		}
		return err
	case <-pctx.Done():
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w after %v", ErrPublishTimeout, l.opts.PublishTimeout)
	}
}

func (l *Loop) stopped(ctx context.Context) bool {
	return ctx.Err() != nil || l.opts.Stopped()
}

func (l *Loop) setState(state, sessionID string) {
	l.mu.Lock()
	l.state = state
	l.sessionID = sessionID
	l.mu.Unlock()
}

// Stats returns a snapshot of the loop.
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return Stats{
		State:     l.state,
		SessionID: l.sessionID,
		Sessions:  l.sessions.Load(),
		Published: l.published.Load(),
		Failures:  l.failures.Load(),
		LastError: l.lastError,
	}
}

// StreamURL formats the announced preview stream entry.
func StreamURL(host string, port int) string {
	return "mjpeg:http://" + net.JoinHostPort(host, strconv.Itoa(port)) + "/test.mjpeg"
}

// DiscoverHost returns the local address used to reach server. No packet is
// sent; a UDP dial only selects the route.
func DiscoverHost(server string) (string, error) {
	if _, _, err := net.SplitHostPort(server); err != nil {
		server = net.JoinHostPort(server, "5810")
	}
	conn, err := net.Dial("udp", server)
	if err != nil {
		return "", fmt.Errorf("discover local address: %w", err)
	}
	defer conn.Close()

	addr, ok := conn.LocalAddr().(*net.UDPAddr)
	if !ok {
		return "", fmt.Errorf("discover local address: unexpected %T", conn.LocalAddr())
	}
	return addr.IP.String(), nil
}
