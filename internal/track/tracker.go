// Package track maintains at most one tracked target from a stream of
// candidate points. It filters jitter with exponential smoothing, rejects
// re-identification glitches via a jump threshold, and only reports a target
// as stable once it has passed both the confirmation-count and
// jitter-tolerance gates. Absence of a stable target is a normal state, not
// an error.
package track

import (
	"math"
	"sync"
	"time"

	"github.com/golang/geo/r3"

	"github.com/eidos-vision/pickpoint/internal/transform"
)

// Config holds configuration parameters for the tracker.
type Config struct {
	SmoothingAlpha    float64       // EMA blend factor for new candidates (0, 1]
	JumpThresholdM    float64       // Displacement above which tracking resets (metres)
	ConfirmationCount int           // Consecutive confirmations needed for stability
	JitterToleranceM  float64       // RMS deviation limit over the recent window (metres)
	JitterWindow      int           // Recent candidates feeding the jitter estimate
	StaleAfter        time.Duration // No-candidate timeout before the target is discarded
}

// DefaultConfig returns default tracker configuration.
func DefaultConfig() Config {
	return Config{
		SmoothingAlpha:    0.3,
		JumpThresholdM:    0.10,
		ConfirmationCount: 5,
		JitterToleranceM:  0.005,
		JitterWindow:      8,
		StaleAfter:        time.Second,
	}
}

// TrackedTarget is the single live target maintained by the tracker.
type TrackedTarget struct {
	Position   r3.Vector // filtered position, base frame (metres)
	Velocity   r3.Vector // estimated velocity (m/s), for motion-in-progress scenes
	Confidence float64   // running confidence
	Age        int       // consecutive confirmations
	UpdatedAt  time.Time // last confirming candidate
	SeededAt   time.Time // when this target was first seen
}

// Tracker is the sole writer of the live target. Snapshot queries are
// idempotent and never mutate state; staleness is evaluated at query time
// and reconciled on the next observation.
type Tracker struct {
	mu     sync.RWMutex
	config Config

	target *TrackedTarget
	window []r3.Vector // recent raw candidate positions for the jitter gate
}

// New creates a tracker with the specified configuration.
func New(config Config) *Tracker {
	if config.JitterWindow < 2 {
		config.JitterWindow = 2
	}
	return &Tracker{config: config}
}

// Observe folds one candidate point into the live target.
//
// A candidate displaced beyond the jump threshold is treated as a new object:
// tracking restarts from it rather than smoothing across the glitch. A
// candidate arriving after the staleness timeout likewise re-seeds.
func (t *Tracker) Observe(c transform.CandidatePoint) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := c.Timestamp
	if now.IsZero() {
		now = time.Now()
	}

	if t.target == nil || t.staleAt(now) {
		t.seed(c, now)
		return
	}

	displacement := c.Position.Sub(t.target.Position).Norm()
	if displacement > t.config.JumpThresholdM {
		// Detector re-identification glitch or a genuinely new object.
		t.seed(c, now)
		return
	}

	dt := now.Sub(t.target.UpdatedAt).Seconds()
	prev := t.target.Position

	alpha := t.config.SmoothingAlpha
	t.target.Position = prev.Mul(1 - alpha).Add(c.Position.Mul(alpha))
	if dt > 0 {
		instVel := t.target.Position.Sub(prev).Mul(1 / dt)
		t.target.Velocity = t.target.Velocity.Mul(1 - alpha).Add(instVel.Mul(alpha))
	}
	t.target.Confidence = (1-alpha)*t.target.Confidence + alpha*c.Confidence
	t.target.Age++
	t.target.UpdatedAt = now

	t.window = append(t.window, c.Position)
	if len(t.window) > t.config.JitterWindow {
		t.window = t.window[1:]
	}
}

// seed starts tracking from scratch at the candidate's position.
func (t *Tracker) seed(c transform.CandidatePoint, now time.Time) {
	t.target = &TrackedTarget{
		Position:   c.Position,
		Confidence: c.Confidence,
		Age:        1,
		UpdatedAt:  now,
		SeededAt:   now,
	}
	t.window = append(t.window[:0], c.Position)
}

// StableTarget returns a snapshot of the current target if it has passed the
// stability gate: age at or above the confirmation count, recent positions
// within the jitter tolerance, and not stale. Side-effect-free.
func (t *Tracker) StableTarget(now time.Time) (TrackedTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.target == nil || t.staleAt(now) {
		return TrackedTarget{}, false
	}
	if t.target.Age < t.config.ConfirmationCount {
		return TrackedTarget{}, false
	}
	if t.jitterRMS() > t.config.JitterToleranceM {
		return TrackedTarget{}, false
	}
	return *t.target, true
}

// Current returns the live target snapshot regardless of stability, for
// status reporting. The second return is false when no target exists or the
// target has gone stale.
func (t *Tracker) Current(now time.Time) (TrackedTarget, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.target == nil || t.staleAt(now) {
		return TrackedTarget{}, false
	}
	return *t.target, true
}

// Reset discards the live target entirely. The next stable target must be
// re-confirmed from scratch.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.target = nil
	t.window = t.window[:0]
}

// staleAt reports whether the target has gone unconfirmed past the staleness
// timeout. Callers hold at least a read lock.
func (t *Tracker) staleAt(now time.Time) bool {
	return now.Sub(t.target.UpdatedAt) > t.config.StaleAfter
}

// jitterRMS computes the RMS deviation of the recent raw candidates from
// their mean. A slowly drifting average keeps this high and holds off the
// stability gate. Callers hold at least a read lock.
func (t *Tracker) jitterRMS() float64 {
	n := len(t.window)
	if n < 2 {
		return 0
	}

	var mean r3.Vector
	for _, p := range t.window {
		mean = mean.Add(p)
	}
	mean = mean.Mul(1 / float64(n))

	var sum float64
	for _, p := range t.window {
		d := p.Sub(mean)
		sum += d.Dot(d)
	}
	return math.Sqrt(sum / float64(n))
}
