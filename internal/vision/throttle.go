package vision

import (
	"sync"
	"time"
)

// DefaultCostWindow is the default number of recent inference durations kept
// for the rolling average.
const DefaultCostWindow = 10

// Throttle is the adaptive admission policy for the capture loop: admit a
// frame for inference only when enough time has passed since the previous
// admission. "Enough" is the larger of the target frame interval and the
// rolling average inference cost, so a slow model stretches the cadence
// instead of queueing work.
//
// Throttle takes explicit timestamps so it can be driven by a synthetic
// clock in tests. It is safe for concurrent use, though in practice only
// the capture loop mutates it.
type Throttle struct {
	mu             sync.Mutex
	targetInterval time.Duration
	costs          []time.Duration
	window         int
	lastAdmitted   time.Time
	admitted       uint64
	skipped        uint64
}

// ThrottleStats is a queryable snapshot of the throttle's counters.
type ThrottleStats struct {
	Admitted    uint64
	Skipped     uint64
	AverageCost time.Duration
}

// NewThrottle returns a throttle paced to targetFPS with a rolling cost
// window of the given size. Non-positive arguments fall back to 30 FPS and
// DefaultCostWindow.
func NewThrottle(targetFPS float64, window int) *Throttle {
	if targetFPS <= 0 {
		targetFPS = 30
	}
	if window <= 0 {
		window = DefaultCostWindow
	}
	return &Throttle{
		targetInterval: time.Duration(float64(time.Second) / targetFPS),
		window:         window,
	}
}

// Admit reports whether inference should run for a frame captured at now.
// On admission the last-admitted timestamp advances; skipped frames leave
// the throttle state untouched apart from the skip counter.
func (t *Throttle) Admit(now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	interval := t.targetInterval
	if avg := t.averageCostLocked(); avg > interval {
		interval = avg
	}

	if !t.lastAdmitted.IsZero() && now.Sub(t.lastAdmitted) < interval {
		t.skipped++
		return false
	}

	t.lastAdmitted = now
	t.admitted++
	return true
}

// Observe records a measured inference duration into the rolling window.
// Failed inferences must not be observed; they carry no cost signal.
func (t *Throttle) Observe(cost time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.costs = append(t.costs, cost)
	if len(t.costs) > t.window {
		t.costs = t.costs[len(t.costs)-t.window:]
	}
}

// Stats returns the current admitted/skipped counters and rolling average cost.
func (t *Throttle) Stats() ThrottleStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return ThrottleStats{
		Admitted:    t.admitted,
		Skipped:     t.skipped,
		AverageCost: t.averageCostLocked(),
	}
}

// averageCostLocked returns the mean of the rolling window. Caller holds t.mu.
func (t *Throttle) averageCostLocked() time.Duration {
	if len(t.costs) == 0 {
		return 0
	}
	var sum time.Duration
	for _, c := range t.costs {
		sum += c
	}
	return sum / time.Duration(len(t.costs))
}
