// Package fabric moves encoded frames and pose samples from the pipeline to their
// consumers. Every send has a bounded wait and drops on timeout; a slow consumer
// costs freshness, never producer liveness.
package fabric

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

const (
	// PreviewCapacity is the number of multipart JPEG chunks buffered for viewers.
	PreviewCapacity = 2
	// PreviewSendTimeout bounds how long the pipeline waits on a full preview queue.
	PreviewSendTimeout = 8 * time.Millisecond
	// TelemetrySendTimeout bounds how long the pipeline waits for the publisher.
	TelemetrySendTimeout = 4 * time.Millisecond
)

var (
	// ErrClosed is returned by Receive once the channel is closed.
	ErrClosed = errors.New("fabric: channel is closed")
	// ErrViewerExists is returned when attaching a viewer id twice.
	ErrViewerExists = errors.New("fabric: viewer already attached")
)

// Stats tracks hand-off outcomes
type Stats struct {
	Sent    uint64 `json:"sent"`
	Dropped uint64 `json:"dropped"`
}

// Receiver is the consumer side of a hand-off.
type Receiver interface {
	// Receive blocks until a payload is available, ctx is done, or the
	// channel is closed.
	Receive(ctx context.Context) ([]byte, error)
}

// Channel is a single-producer hand-off queue with a bounded send wait.
// Capacity 0 gives a rendezvous: a send succeeds only if a receiver is
// waiting within the timeout.
type Channel struct {
	ch      chan []byte
	timeout time.Duration

	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewChannel creates a hand-off with the given capacity and send timeout.
func NewChannel(capacity int, timeout time.Duration) *Channel {
	return &Channel{
		ch:      make(chan []byte, capacity),
		timeout: timeout,
		done:    make(chan struct{}),
	}
}

// NewPreviewChannel returns the preview queue: capacity 2, 8 ms send wait.
func NewPreviewChannel() *Channel {
	return NewChannel(PreviewCapacity, PreviewSendTimeout)
}

// NewTelemetryChannel returns the pose-sample rendezvous: capacity 0, 4 ms send wait.
func NewTelemetryChannel() *Channel {
	return NewChannel(0, TelemetrySendTimeout)
}

// Send offers payload to the consumer side, waiting at most the configured
// timeout. It reports whether the payload was handed off; a false return
// means it was dropped and will not be retried.
func (c *Channel) Send(payload []byte) bool {
	select {
	case <-c.done:
		c.dropped.Add(1)
		return false
	default:
	}

	// Fast path: free slot or waiting receiver
	select {
	case c.ch <- payload:
		c.sent.Add(1)
		return true
	default:
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case c.ch <- payload:
		c.sent.Add(1)
		return true
	case <-timer.C:
	case <-c.done:
	}
	c.dropped.Add(1)
	return false
}

// Receive implements Receiver.
func (c *Channel) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-c.ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrClosed
	}
}

// Len returns the number of buffered payloads.
func (c *Channel) Len() int {
	return len(c.ch)
}

// Stats returns a snapshot of send outcomes.
func (c *Channel) Stats() Stats {
	return Stats{
		Sent:    c.sent.Load(),
		Dropped: c.dropped.Load(),
	}
}

// Close wakes every blocked receiver. Later sends are dropped. Safe to call
// more than once.
func (c *Channel) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
