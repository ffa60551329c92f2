package lifecycle

import (
	"sync"
	"time"
)

// ClockSync pairs the last known server time with the local instant it was
// observed at. The network loop writes it; the pipeline reads it at encode
// time. Readings are best-effort estimates.
type ClockSync struct {
	mu           sync.Mutex
	serverMicros int64
	observedAt   time.Time
	valid        bool
}

// Update records a server time observation.
func (c *ClockSync) Update(serverMicros int64, observedAt time.Time) {
	c.mu.Lock()
	c.serverMicros = serverMicros
	c.observedAt = observedAt
	c.valid = true
	c.mu.Unlock()
}

// Snapshot returns the last observation. ok is false before the first Update.
func (c *ClockSync) Snapshot() (serverMicros int64, observedAt time.Time, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverMicros, c.observedAt, c.valid
}

// Estimate extrapolates the server time at now using the local monotonic
// clock. It returns 0 before the first Update.
func (c *ClockSync) Estimate(now time.Time) int64 {
	server, at, ok := c.Snapshot()
	if !ok {
		return 0
	}
	return server + now.Sub(at).Microseconds()
}
