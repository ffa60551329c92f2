package pipeline

import (
	"math"
	"sync"
	"time"
)

const (
	// fpsStabilityThreshold is the maximum FPS standard deviation as a
	// fraction of the mean for the rate to count as stable.
	fpsStabilityThreshold = 0.15

	// jitterStabilityThreshold is the maximum mean jitter as a fraction of
	// the expected inter-frame interval.
	jitterStabilityThreshold = 0.20

	// fpsWindow is the number of recent frames kept for rate statistics.
	fpsWindow = 120
)

// FPSStats summarizes the frame rate over a window of frame timestamps.
type FPSStats struct {
	Frames       int           `json:"frames"`
	Duration     time.Duration `json:"duration"`
	FPSMean      float64       `json:"fps_mean"`
	FPSStdDev    float64       `json:"fps_stddev"`
	FPSMin       float64       `json:"fps_min"`
	FPSMax       float64       `json:"fps_max"`
	JitterMean   float64       `json:"jitter_mean_s"`
	JitterStdDev float64       `json:"jitter_stddev_s"`
	JitterMax    float64       `json:"jitter_max_s"`
	IsStable     bool          `json:"is_stable"`
}

// CalculateFPSStats computes rate and jitter statistics from frame times.
// The rate is stable when the stddev is under 15% of the mean and the mean
// jitter is under 20% of the expected interval.
func CalculateFPSStats(frameTimes []time.Time) FPSStats {
	n := len(frameTimes)
	if n < 2 {
		return FPSStats{Frames: n}
	}

	total := frameTimes[n-1].Sub(frameTimes[0])
	stats := FPSStats{Frames: n, Duration: total}
	if total <= 0 {
		return stats
	}

	// n frames span n-1 intervals
	stats.FPSMean = float64(n-1) / total.Seconds()

	intervals := make([]float64, 0, n-1)
	for i := 1; i < n; i++ {
		if iv := frameTimes[i].Sub(frameTimes[i-1]).Seconds(); iv > 0 {
			intervals = append(intervals, iv)
		}
	}
	if len(intervals) == 0 {
		return stats
	}

	stats.FPSMin = math.Inf(1)
	var sumSquares float64
	for _, iv := range intervals {
		fps := 1.0 / iv
		stats.FPSMin = math.Min(stats.FPSMin, fps)
		stats.FPSMax = math.Max(stats.FPSMax, fps)
		d := fps - stats.FPSMean
		sumSquares += d * d
	}
	stats.FPSStdDev = math.Sqrt(sumSquares / float64(len(intervals)))

	expected := 1.0 / stats.FPSMean
	var jitterSum float64
	jitters := make([]float64, len(intervals))
	for i, iv := range intervals {
		j := math.Abs(iv - expected)
		jitters[i] = j
		jitterSum += j
		stats.JitterMax = math.Max(stats.JitterMax, j)
	}
	stats.JitterMean = jitterSum / float64(len(jitters))

	var jitterSquares float64
	for _, j := range jitters {
		d := j - stats.JitterMean
		jitterSquares += d * d
	}
	stats.JitterStdDev = math.Sqrt(jitterSquares / float64(len(jitters)))

	stats.IsStable = stats.FPSStdDev < stats.FPSMean*fpsStabilityThreshold &&
		stats.JitterMean < expected*jitterStabilityThreshold
	return stats
}

// fpsTracker keeps the most recent frame times in a ring.
type fpsTracker struct {
	mu    sync.Mutex
	times []time.Time
	next  int
	full  bool
}

func newFPSTracker(size int) *fpsTracker {
	return &fpsTracker{times: make([]time.Time, size)}
}

func (t *fpsTracker) record(at time.Time) {
	t.mu.Lock()
	t.times[t.next] = at
	t.next = (t.next + 1) % len(t.times)
	if t.next == 0 {
		t.full = true
	}
	t.mu.Unlock()
}

func (t *fpsTracker) reset() {
	t.mu.Lock()
	t.next = 0
	t.full = false
	t.mu.Unlock()
}

// snapshot returns the window in chronological order.
func (t *fpsTracker) snapshot() []time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		return append([]time.Time(nil), t.times[:t.next]...)
	}
	out := make([]time.Time, 0, len(t.times))
	out = append(out, t.times[t.next:]...)
	return append(out, t.times[:t.next]...)
}

func (t *fpsTracker) stats() FPSStats {
	return CalculateFPSStats(t.snapshot())
}
