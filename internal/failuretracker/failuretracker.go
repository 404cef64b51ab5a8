// Package failuretracker implements the Failure Tracker: counts
// consecutive order-placement failures, persisted atomically, and
// fires a safe-mode trigger callback exactly once per breach until
// reset.
package failuretracker

import (
	"sync"
	"time"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/metrics"
	"github.com/aegis-trade/execution-core/internal/persist"
)

// state is the on-disk shape of failure_count.json.
type state struct {
	ConsecutiveFailures int       `json:"consecutive_failures"`
	LastFailureUTC      time.Time `json:"last_failure_utc,omitempty"`
}

// Tracker counts consecutive place_order failures and fires
// onSafeModeTriggered exactly once per breach.
type Tracker struct {
	mu sync.Mutex

	path      string
	threshold int

	consecutive int
	lastFailure time.Time
	triggered   bool

	onTriggered func(reason string)
	log         *logx.Logger
}

// New creates a Tracker persisting to path, tripping safe mode after
// threshold consecutive failures.
func New(path string, threshold int) *Tracker {
	return &Tracker{
		path:      path,
		threshold: threshold,
		log:       logx.New().With("component", "failuretracker"),
	}
}

// OnSafeModeTriggered registers the callback invoked when the
// consecutive-failure threshold is reached.
func (t *Tracker) OnSafeModeTriggered(fn func(reason string)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onTriggered = fn
}

// Load restores persisted state. If the loaded count already meets the
// threshold, SafeModeTriggered initializes true — a restart-surviving
// guard — without re-firing the callback (the caller
// is expected to check SafeModeTriggered() directly at startup).
func (t *Tracker) Load() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	var s state
	if err := persist.ReadJSON(t.path, &s); err != nil {
		t.log.Errorf("failed to load failure count, starting at zero: %v", err)
		return nil
	}
	t.consecutive = s.ConsecutiveFailures
	t.lastFailure = s.LastFailureUTC
	if t.consecutive >= t.threshold {
		t.triggered = true
	}
	return nil
}

func (t *Tracker) saveLocked() error {
	return persist.WriteJSON(t.path, state{ConsecutiveFailures: t.consecutive, LastFailureUTC: t.lastFailure})
}

// RecordSuccess resets the consecutive count to zero and clears the
// triggered flag so a future breach can fire again.
func (t *Tracker) RecordSuccess() {
	t.mu.Lock()
	t.consecutive = 0
	t.triggered = false
	err := t.saveLocked()
	t.mu.Unlock()
	metrics.ConsecutiveFailures.Set(0)
	if err != nil {
		t.log.Errorf("failed to persist failure count: %v", err)
	}
}

// RecordFailure increments the consecutive count and, on crossing the
// threshold for the first time since the last reset, fires
// onSafeModeTriggered("consecutive_failures") exactly once.
func (t *Tracker) RecordFailure() {
	t.mu.Lock()
	t.consecutive++
	t.lastFailure = time.Now().UTC()
	err := t.saveLocked()
	fireNow := !t.triggered && t.consecutive >= t.threshold
	if fireNow {
		t.triggered = true
	}
	fn := t.onTriggered
	streak := t.consecutive
	t.mu.Unlock()

	metrics.ConsecutiveFailures.Set(float64(streak))
	if err != nil {
		t.log.Errorf("failed to persist failure count: %v", err)
	}
	if fireNow && fn != nil {
		fn("consecutive_failures")
	}
}

// ConsecutiveFailures returns the current streak length.
func (t *Tracker) ConsecutiveFailures() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.consecutive
}

// SafeModeTriggered reports whether the threshold has been breached
// since the last reset.
func (t *Tracker) SafeModeTriggered() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.triggered
}

// Reset clears the streak and triggered flag (used after safe-mode
// deactivation).
func (t *Tracker) Reset() {
	t.mu.Lock()
	t.consecutive = 0
	t.triggered = false
	err := t.saveLocked()
	t.mu.Unlock()
	if err != nil {
		t.log.Errorf("failed to persist failure count: %v", err)
	}
}
