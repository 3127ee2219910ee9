// Package coordinator provides the dispatcher role of the elbow search.
// This file implements progress watching while results are collected.
package coordinator

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/dreamware/kmelbow/internal/logging"
)

// Outcome tells why a ProgressWatcher returned.
type Outcome int

const (
	// OutcomeComplete means the expected count was reached.
	OutcomeComplete Outcome = iota + 1
	// OutcomeStalled means the count did not move for the configured
	// number of consecutive checks.
	OutcomeStalled
	// OutcomeCanceled means the context ended first.
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomeComplete:
		return "complete"
	case OutcomeStalled:
		return "stalled"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Progress is the state observed at the last check.
type Progress struct {
	LastCheck   time.Time // Timestamp of the last check
	LastAdvance time.Time // Timestamp of the last check that saw the count grow
	Count       int       // Count observed at the last check
	Expected    int       // Target count; 0 when unknown
	StalledFor  int       // Consecutive checks without growth
	ChecksRun   int       // Total checks performed
}

// ProgressWatcher polls a counter at a fixed interval until it reaches an
// expected value, stops growing for too long, or the context ends.
// Thread-safe: Snapshot may be called while Watch runs.
type ProgressWatcher struct {
	count     func() int         // Source of the observed count
	onAdvance func(n, delta int) // Optional callback when the count grows
	log       logrus.FieldLogger
	interval  time.Duration // How often to check
	maxStalls int           // Checks without growth before giving up; 0 disables
	mu        sync.RWMutex  // Protects state
	state     Progress
}

// NewProgressWatcher creates a watcher over count.
//
// Parameters:
//   - interval: how often to check (recommended: 1s)
//   - expected: count at which Watch returns OutcomeComplete; 0 disables
//   - maxStalls: consecutive checks without growth before OutcomeStalled; 0 disables
//   - count: returns the current count; called from the Watch goroutine only
//
// Example:
//
//	w := NewProgressWatcher(time.Second, 12, 30, func() int { return store.Stats().Results }, log)
//	switch w.Watch(ctx) { ... }
func NewProgressWatcher(interval time.Duration, expected, maxStalls int, count func() int, log logrus.FieldLogger) *ProgressWatcher {
	if log == nil {
		log = logging.Nop()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &ProgressWatcher{
		count:     count,
		log:       log.WithField("component", "progress"),
		interval:  interval,
		maxStalls: maxStalls,
		state:     Progress{Expected: expected},
	}
}

// SetOnAdvance sets a callback invoked with the new count and its growth
// each time a check sees the count increase.
func (w *ProgressWatcher) SetOnAdvance(fn func(n, delta int)) {
	w.onAdvance = fn
}

// Watch blocks until the expected count is reached, the count stalls, or
// ctx ends. The count is sampled immediately as a baseline; stalls are
// counted from the first tick on.
func (w *ProgressWatcher) Watch(ctx context.Context) Outcome {
	n := w.count()
	now := time.Now()
	w.mu.Lock()
	w.state.Count = n
	w.state.LastCheck = now
	w.state.LastAdvance = now
	w.state.StalledFor = 0
	expected := w.state.Expected
	w.mu.Unlock()

	if expected > 0 && n >= expected {
		return OutcomeComplete
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if o, done := w.check(); done {
				return o
			}
		case <-ctx.Done():
			w.log.Debug("progress watch canceled")
			return OutcomeCanceled
		}
	}
}

// check performs one observation and reports whether Watch should return.
func (w *ProgressWatcher) check() (Outcome, bool) {
	n := w.count()

	w.mu.Lock()
	prev := w.state.Count
	w.state.LastCheck = time.Now()
	w.state.ChecksRun++
	w.state.Count = n
	if n > prev {
		w.state.StalledFor = 0
		w.state.LastAdvance = w.state.LastCheck
	} else {
		w.state.StalledFor++
	}
	st := w.state
	w.mu.Unlock()

	if n > prev {
		w.log.WithFields(logrus.Fields{"count": n, "expected": st.Expected}).Info("progress")
		if w.onAdvance != nil {
			w.onAdvance(n, n-prev)
		}
	}

	if st.Expected > 0 && n >= st.Expected {
		return OutcomeComplete, true
	}
	if w.maxStalls > 0 && st.StalledFor >= w.maxStalls {
		w.log.WithFields(logrus.Fields{
			"count":       n,
			"expected":    st.Expected,
			"stalled_for": time.Since(st.LastAdvance).Round(time.Millisecond),
		}).Warn("no progress, giving up")
		return OutcomeStalled, true
	}
	return 0, false
}

// Snapshot returns a copy of the current state.
func (w *ProgressWatcher) Snapshot() Progress {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.state
}
