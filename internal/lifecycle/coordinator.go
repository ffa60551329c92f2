// Package lifecycle owns the process-lifetime shared state: the stop signal,
// the supervisor join handle, and the clock-sync snapshot.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrAlreadySupervised is returned when a second supervised worker is started.
var ErrAlreadySupervised = errors.New("lifecycle: supervised worker already running")

// Coordinator is created once at startup and passed to every long-running
// component. The stop signal is set exactly once and never reset.
type Coordinator struct {
	mu      sync.Mutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc

	joined chan struct{} // closed when the supervised worker returns; nil if none
	clock  *ClockSync

	logger *slog.Logger
}

// New creates a coordinator with the stop signal cleared.
func New(logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		ctx:    ctx,
		cancel: cancel,
		clock:  &ClockSync{},
		logger: logger,
	}
}

// Stopped polls the stop signal.
func (c *Coordinator) Stopped() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Context is cancelled when the stop signal is set, so blocking calls made
// between polls are released too.
func (c *Coordinator) Context() context.Context {
	return c.ctx
}

// Clock returns the shared clock-sync snapshot.
func (c *Coordinator) Clock() *ClockSync {
	return c.clock
}

// Supervise runs fn in its own goroutine as the joined worker. Shutdown waits
// for it. Only one worker can be supervised.
func (c *Coordinator) Supervise(name string, fn func(ctx context.Context)) error {
	c.mu.Lock()
	if c.joined != nil {
		c.mu.Unlock()
		return ErrAlreadySupervised
	}
	joined := make(chan struct{})
	c.joined = joined
	c.mu.Unlock()

	go func() {
		defer close(joined)
		fn(c.ctx)
		c.logger.Info("lifecycle: supervised worker exited", "worker", name)
	}()
	return nil
}

// Stop sets the stop signal without waiting.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	first := !c.stopped
	c.stopped = true
	c.mu.Unlock()

	if first {
		c.logger.Info("lifecycle: stop signal set")
		c.cancel()
	}
}

// Shutdown sets the stop signal and waits for the supervised worker to exit,
// so the capture device is released before it returns. Unsupervised loops
// observe the same signal on their own cadence. ctx bounds the wait.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.Stop()

	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()

	if joined == nil {
		return nil
	}
	select {
	case <-joined:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until the supervised worker exits. It returns immediately if
// none was started.
func (c *Coordinator) Wait() {
	c.mu.Lock()
	joined := c.joined
	c.mu.Unlock()
	if joined != nil {
		<-joined
	}
}
