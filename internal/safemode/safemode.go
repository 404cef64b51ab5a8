// Package safemode implements the Safe Mode Controller: a persistent
// activation flag that, on activation, dispatches market-close orders
// for every open position on a best-effort basis.
package safemode

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/persist"
)

// state is the on-disk shape of safe_mode.json.
type state struct {
	Active     bool       `json:"active"`
	TriggeredAt *time.Time `json:"triggered_at,omitempty"`
	Reason     string     `json:"reason,omitempty"`
}

// PositionCloser is the capability the controller needs to flatten the
// book on activation — satisfied by the Order Router plus the Position
// Registry's OpenPositions snapshot, wired together by the caller so
// this package never imports router/registry directly and risks a
// dependency cycle with the engine package that owns both.
type PositionCloser interface {
	OpenPositions() []*model.OpenPosition
	PlaceExitOrder(ctx context.Context, positionID, asset string, side model.Side, qty decimal.Decimal, reason model.ExitReason, mode model.Mode) (*model.OrderRecord, error)
}

// FailureResetter is the Failure Tracker's reset surface, invoked on
// deactivation.
type FailureResetter interface {
	Reset()
}

// Controller is the process-wide singleton safe-mode flag.
type Controller struct {
	mu sync.Mutex

	path string

	active      bool
	triggeredAt *time.Time
	reason      string

	events  *eventlog.Log
	closer  PositionCloser
	failure FailureResetter
	log     *logx.Logger
}

// New creates a Controller persisting to path.
func New(path string, events *eventlog.Log, closer PositionCloser, failure FailureResetter) *Controller {
	return &Controller{
		path:    path,
		events:  events,
		closer:  closer,
		failure: failure,
		log:     logx.New().With("component", "safemode"),
	}
}

// Load restores persisted state.
func (c *Controller) Load() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var s state
	if err := persist.ReadJSON(c.path, &s); err != nil {
		c.log.Errorf("failed to load safe mode state, starting inactive: %v", err)
		return nil
	}
	c.active = s.Active
	c.triggeredAt = s.TriggeredAt
	c.reason = s.Reason
	return nil
}

func (c *Controller) saveLocked() error {
	return persist.WriteJSON(c.path, state{Active: c.active, TriggeredAt: c.triggeredAt, Reason: c.reason})
}

// Active reports whether safe mode is currently engaged.
func (c *Controller) Active() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

// Reason returns the activation reason, or "" when inactive.
func (c *Controller) Reason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

// Activate is a no-op when already active. Otherwise it persists the
// active flag, emits safe_mode_activated, then dispatches a market
// close for every currently open position on a best-effort basis —
// per-order failures are logged, never roll back the activation.
func (c *Controller) Activate(ctx context.Context, reason string, mode model.Mode) {
	c.mu.Lock()
	if c.active {
		c.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	c.active = true
	c.triggeredAt = &now
	c.reason = reason
	err := c.saveLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Errorf("failed to persist safe mode activation: %v", err)
	}
	if c.events != nil {
		c.events.Append(mode, model.EventSafeModeActivated, map[string]interface{}{"reason": reason})
	}

	if c.closer == nil {
		return
	}
	for _, pos := range c.closer.OpenPositions() {
		side := model.SideSell
		if pos.Direction == model.DirectionShort {
			side = model.SideBuy
		}
		if _, err := c.closer.PlaceExitOrder(ctx, pos.ID, pos.Asset, side, pos.Quantity, model.ExitSafeModeClose, mode); err != nil {
			c.log.Errorf("safe mode close for position %s failed: %v", pos.ID, err)
		}
	}
}

// Deactivate persists cleared state, resets the Failure Tracker, and
// emits safe_mode_deactivated. Requires an explicit operator command;
// it never fires automatically.
func (c *Controller) Deactivate(mode model.Mode) {
	c.mu.Lock()
	c.active = false
	c.triggeredAt = nil
	c.reason = ""
	err := c.saveLocked()
	c.mu.Unlock()

	if err != nil {
		c.log.Errorf("failed to persist safe mode deactivation: %v", err)
	}
	if c.failure != nil {
		c.failure.Reset()
	}
	if c.events != nil {
		c.events.Append(mode, model.EventSafeModeDeactivated, nil)
	}
}
