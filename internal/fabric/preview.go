package fabric

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
)

// Preview modes
const (
	// ModeShared keeps one queue; concurrent viewers compete for frames.
	ModeShared = "shared"
	// ModeBroadcast gives each viewer its own drop-oldest buffer.
	ModeBroadcast = "broadcast"
)

// Preview distributes encoded preview chunks to HTTP viewers.
type Preview interface {
	// Send offers one chunk; false means it was dropped.
	Send(payload []byte) bool
	// Attach registers a viewer and returns where it should read from.
	Attach(id string) (Receiver, error)
	// Detach releases a viewer. Unknown ids are ignored.
	Detach(id string)
	// Stats returns producer and per-viewer counters.
	Stats() PreviewStats
	// Close wakes every viewer.
	Close()
}

// PreviewStats is a snapshot of preview distribution.
type PreviewStats struct {
	Mode      string           `json:"mode"`
	Sent      uint64           `json:"sent"`
	Dropped   uint64           `json:"dropped"`
	Viewers   int              `json:"viewers"`
	PerViewer map[string]Stats `json:"per_viewer,omitempty"`
}

// NewPreview builds the preview fabric for the configured mode.
func NewPreview(mode string) (Preview, error) {
	switch mode {
	case "", ModeShared:
		return NewSharedPreview(), nil
	case ModeBroadcast:
		return NewBroadcast(PreviewCapacity), nil
	default:
		return nil, fmt.Errorf("fabric: unknown preview mode %q", mode)
	}
}

// SharedPreview is the single-queue preview: capacity 2, 8 ms send wait,
// one logical queue read by every viewer.
type SharedPreview struct {
	*Channel

	mu      sync.Mutex
	viewers map[string]struct{}
}

// NewSharedPreview creates the single-queue preview.
func NewSharedPreview() *SharedPreview {
	return &SharedPreview{
		Channel: NewPreviewChannel(),
		viewers: make(map[string]struct{}),
	}
}

// Attach implements Preview.
func (p *SharedPreview) Attach(id string) (Receiver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.viewers[id]; ok {
		return nil, ErrViewerExists
	}
	p.viewers[id] = struct{}{}
	return p.Channel, nil
}

// Detach implements Preview.
func (p *SharedPreview) Detach(id string) {
	p.mu.Lock()
	delete(p.viewers, id)
	p.mu.Unlock()
}

// Stats implements Preview.
func (p *SharedPreview) Stats() PreviewStats {
	p.mu.Lock()
	n := len(p.viewers)
	p.mu.Unlock()

	s := p.Channel.Stats()
	return PreviewStats{
		Mode:    ModeShared,
		Sent:    s.Sent,
		Dropped: s.Dropped,
		Viewers: n,
	}
}

// Broadcast fans every chunk out to all attached viewers. Each viewer owns a
// small buffer; when it is full the oldest chunk is discarded, so Send never
// waits.
type Broadcast struct {
	capacity int

	mu      sync.RWMutex
	viewers map[string]*mailbox
	closed  bool

	published atomic.Uint64
}

// NewBroadcast creates a fan-out preview with the given per-viewer buffer.
func NewBroadcast(capacity int) *Broadcast {
	if capacity < 1 {
		capacity = 1
	}
	return &Broadcast{
		capacity: capacity,
		viewers:  make(map[string]*mailbox),
	}
}

// Send implements Preview. It reports false only when nobody is attached or
// the fabric is closed.
func (b *Broadcast) Send(payload []byte) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed || len(b.viewers) == 0 {
		return false
	}

	b.published.Add(1)
	for _, mb := range b.viewers {
		mb.put(payload)
	}
	return true
}

// Attach implements Preview.
func (b *Broadcast) Attach(id string) (Receiver, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if _, ok := b.viewers[id]; ok {
		return nil, ErrViewerExists
	}
	mb := newMailbox(b.capacity)
	b.viewers[id] = mb
	return mb, nil
}

// Detach implements Preview.
func (b *Broadcast) Detach(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if mb, ok := b.viewers[id]; ok {
		mb.close()
		delete(b.viewers, id)
	}
}

// Stats implements Preview.
func (b *Broadcast) Stats() PreviewStats {
	b.mu.RLock()
	defer b.mu.RUnlock()

	s := PreviewStats{
		Mode:      ModeBroadcast,
		Sent:      b.published.Load(),
		Viewers:   len(b.viewers),
		PerViewer: make(map[string]Stats, len(b.viewers)),
	}
	for id, mb := range b.viewers {
		vs := mb.stats()
		s.PerViewer[id] = vs
		s.Dropped += vs.Dropped
	}
	return s
}

// Close implements Preview.
func (b *Broadcast) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for _, mb := range b.viewers {
		mb.close()
	}
	b.viewers = nil
}

// mailbox is one viewer's drop-oldest buffer. Only the broadcaster writes.
type mailbox struct {
	ch        chan []byte
	done      chan struct{}
	closeOnce sync.Once

	sent    atomic.Uint64
	dropped atomic.Uint64
}

func newMailbox(capacity int) *mailbox {
	return &mailbox{
		ch:   make(chan []byte, capacity),
		done: make(chan struct{}),
	}
}

func (m *mailbox) put(payload []byte) {
	for {
		select {
		case m.ch <- payload:
			m.sent.Add(1)
			return
		default:
		}
		// Full: evict the oldest and retry
		select {
		case <-m.ch:
			m.dropped.Add(1)
		default:
		}
	}
}

// Receive implements Receiver.
func (m *mailbox) Receive(ctx context.Context) ([]byte, error) {
	select {
	case payload := <-m.ch:
		return payload, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-m.done:
		return nil, ErrClosed
	}
}

func (m *mailbox) stats() Stats {
	return Stats{Sent: m.sent.Load(), Dropped: m.dropped.Load()}
}

func (m *mailbox) close() {
	m.closeOnce.Do(func() { close(m.done) })
}
