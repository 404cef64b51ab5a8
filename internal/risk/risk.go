// Package risk implements the Risk Enforcer: tracks
// peak equity and a daily baseline, computes exposure/drawdown/daily
// loss on every evaluation, and raises suspend/safe-mode flags with
// hysteresis.
package risk

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Action labels the reason a risk_limit_breached event fired.
type Action string

const (
	ActionSafeMode                     Action = "safe_mode"
	ActionSuspendEntries                Action = "suspend_entries"
	ActionSuspendEntriesUntilUTCMidnight Action = "suspend_entries_until_utc_midnight"
)

// hysteresisFactor is the fraction of the exposure cap entries must
// fall back below before re-enabling.
var hysteresisFactor = decimal.NewFromFloat(0.95)

// Limits are the portfolio-level thresholds from the active strategy's
// portfolio_risk block.
type Limits struct {
	MaxDrawdownPct      decimal.Decimal
	MaxTotalExposurePct decimal.Decimal
	DailyLossLimitUSD   decimal.Decimal
}

// Enforcer is the process-wide risk state machine. It has no side
// effects beyond emitting events and flipping its own flags; activating
// Safe Mode in response to SafeModeTriggered is the caller's job.
type Enforcer struct {
	mu sync.Mutex

	peakEquity     decimal.Decimal
	dailyBaseline  decimal.Decimal
	dailyResetDate string // YYYY-MM-DD, UTC

	safeModeTriggered  bool
	entriesSuspended   bool
	suspendedUntilDay  bool // true when suspension clears only at next UTC midnight
	lastDrawdownPct    decimal.Decimal

	events *eventlog.Log
}

// New creates an Enforcer seeded with startingEquity as both the
// initial peak and the day's baseline.
func New(startingEquity decimal.Decimal, events *eventlog.Log) *Enforcer {
	return &Enforcer{
		peakEquity:    startingEquity,
		dailyBaseline: startingEquity,
		dailyResetDate: time.Now().UTC().Format("2006-01-02"),
		events:        events,
	}
}

// Evaluate recomputes all risk flags against current equity and total
// notional exposure, for mode.
func (e *Enforcer) Evaluate(equity, exposureNotional decimal.Decimal, limits Limits, mode model.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.rolloverDailyBaselineLocked(equity)

	if equity.GreaterThan(e.peakEquity) {
		e.peakEquity = equity
	}

	var exposurePct, drawdownPct, dailyLoss decimal.Decimal
	if !equity.IsZero() {
		exposurePct = exposureNotional.Div(equity)
	}
	if !e.peakEquity.IsZero() {
		drawdownPct = e.peakEquity.Sub(equity).Div(e.peakEquity)
	}
	dailyLoss = e.dailyBaseline.Sub(equity)
	e.lastDrawdownPct = drawdownPct

	if !e.safeModeTriggered && drawdownPct.GreaterThanOrEqual(limits.MaxDrawdownPct) {
		e.safeModeTriggered = true
		e.emit(mode, limits.MaxDrawdownPct, ActionSafeMode, drawdownPct)
	}

	if exposurePct.GreaterThanOrEqual(limits.MaxTotalExposurePct) {
		if !e.entriesSuspended {
			e.entriesSuspended = true
			e.emit(mode, limits.MaxTotalExposurePct, ActionSuspendEntries, exposurePct)
		}
	} else if e.entriesSuspended && !e.suspendedUntilDay && !e.safeModeTriggered {
		resumeThreshold := limits.MaxTotalExposurePct.Mul(hysteresisFactor)
		if exposurePct.LessThan(resumeThreshold) {
			e.entriesSuspended = false
		}
	}

	if !limits.DailyLossLimitUSD.IsZero() && dailyLoss.GreaterThanOrEqual(limits.DailyLossLimitUSD) {
		if !e.entriesSuspended || !e.suspendedUntilDay {
			e.entriesSuspended = true
			e.suspendedUntilDay = true
			e.emit(mode, limits.DailyLossLimitUSD, ActionSuspendEntriesUntilUTCMidnight, dailyLoss)
		}
	}
}

// rolloverDailyBaselineLocked resets the daily baseline and clears a
// day-scoped suspension when UTC midnight has passed. mu must be held.
func (e *Enforcer) rolloverDailyBaselineLocked(equity decimal.Decimal) {
	today := time.Now().UTC().Format("2006-01-02")
	if today == e.dailyResetDate {
		return
	}
	e.dailyResetDate = today
	e.dailyBaseline = equity
	if e.suspendedUntilDay {
		e.entriesSuspended = false
		e.suspendedUntilDay = false
	}
}

// DrawdownPct returns the drawdown percentage computed on the most
// recent Evaluate call.
func (e *Enforcer) DrawdownPct() decimal.Decimal {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lastDrawdownPct
}

// SafeModeTriggered reports whether drawdown has breached its limit.
func (e *Enforcer) SafeModeTriggered() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.safeModeTriggered
}

// EntriesSuspended reports whether new entries should be skipped.
func (e *Enforcer) EntriesSuspended() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.entriesSuspended
}

// Reset clears all state, reseeding peak and daily baseline at
// newEquity. Used after safe-mode deactivation or on a new strategy.
func (e *Enforcer) Reset(newEquity decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.peakEquity = newEquity
	e.dailyBaseline = newEquity
	e.dailyResetDate = time.Now().UTC().Format("2006-01-02")
	e.safeModeTriggered = false
	e.entriesSuspended = false
	e.suspendedUntilDay = false
}

func (e *Enforcer) emit(mode model.Mode, limit decimal.Decimal, action Action, observed decimal.Decimal) {
	if e.events == nil {
		return
	}
	e.events.Append(mode, model.EventRiskLimitBreached, map[string]interface{}{
		"limit":    limit.String(),
		"action":   string(action),
		"observed": observed.String(),
	})
}
