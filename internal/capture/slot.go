package capture

import (
	"context"
	"sync"

	"github.com/wilsonwatson/watson-vision/internal/types"
)

// frameSlot is a single-frame mailbox between the appsink callback and Grab.
// A new frame overwrites an unconsumed one; fail makes every later take
// return the error once the pending frame is consumed.
type frameSlot struct {
	mu      sync.Mutex
	cond    *sync.Cond
	frame   *types.Frame
	err     error
	dropped uint64
}

func newFrameSlot() *frameSlot {
	s := &frameSlot{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *frameSlot) put(frame *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return
	}
	if s.frame != nil {
		s.dropped++
	}
	s.frame = frame
	s.cond.Broadcast()
}

// fail records the first terminal error.
func (s *frameSlot) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
	s.cond.Broadcast()
}

func (s *frameSlot) take(ctx context.Context) (*types.Frame, error) {
	stop := context.AfterFunc(ctx, func() {
		s.mu.Lock()
		s.cond.Broadcast()
		s.mu.Unlock()
	})
	defer stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	for s.frame == nil && s.err == nil && ctx.Err() == nil {
		s.cond.Wait()
	}

	if s.frame != nil {
		frame := s.frame
		s.frame = nil
		return frame, nil
	}
	if s.err != nil {
		return nil, s.err
	}
	return nil, ctx.Err()
}

func (s *frameSlot) droppedCount() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
