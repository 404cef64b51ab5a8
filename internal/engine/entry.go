// Package engine hosts the per-tick Entry and Exit Evaluators: the
// drivers that invoke the condition parser, position sizer, and order
// router on every market tick.
package engine

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/condition"
	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/marketdata"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/risk"
	"github.com/aegis-trade/execution-core/internal/router"
	"github.com/aegis-trade/execution-core/internal/safemode"
	"github.com/aegis-trade/execution-core/internal/sizer"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

// ModeSource is the Operation Mode's read surface, consumed here to
// stamp every dispatched order/event with the current paper/live mode.
type ModeSource interface {
	Current() model.Mode
}

// EntryEvaluator drives entry dispatch on every tick.
// The dispatch set is keyed by strategy-position-id and cleared on
// every strategy load so idempotency never survives a hot-swap.
type EntryEvaluator struct {
	mu         sync.Mutex
	dispatched map[string]bool

	strategySvc *strategy.Service
	hub         *marketdata.Hub
	sizer       *sizer.Sizer
	router      *router.Router
	risk        *risk.Enforcer
	safeMode    *safemode.Controller
	mode        ModeSource
	events      *eventlog.Log
	log         *logx.Logger
}

// NewEntryEvaluator wires an EntryEvaluator and subscribes it to the
// Strategy Service's load events to reset the dispatch set.
func NewEntryEvaluator(strategySvc *strategy.Service, hub *marketdata.Hub, sz *sizer.Sizer, r *router.Router, riskEnforcer *risk.Enforcer, safeModeCtl *safemode.Controller, mode ModeSource, events *eventlog.Log) *EntryEvaluator {
	e := &EntryEvaluator{
		dispatched:  make(map[string]bool),
		strategySvc: strategySvc,
		hub:         hub,
		sizer:       sz,
		router:      r,
		risk:        riskEnforcer,
		safeMode:    safeModeCtl,
		mode:        mode,
		events:      events,
		log:         logx.New().With("component", "engine.entry"),
	}
	strategySvc.OnLoaded(func(*strategy.Compiled) { e.reset() })
	return e
}

func (e *EntryEvaluator) reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.dispatched = make(map[string]bool)
}

// Evaluate runs one tick's worth of entry dispatch across every
// position in the active, non-expired strategy.
func (e *EntryEvaluator) Evaluate(ctx context.Context) {
	compiled := e.strategySvc.Current()
	if compiled == nil || e.strategySvc.State() != strategy.StateActive {
		return
	}
	if compiled.Document.Posture == model.PostureExitAll || compiled.Document.Posture == model.PostureFlat {
		return
	}
	if e.safeMode != nil && e.safeMode.Active() {
		return
	}

	mode := e.mode.Current()
	for _, cp := range compiled.Positions {
		e.evaluatePosition(ctx, compiled, cp, mode)
	}
}

func (e *EntryEvaluator) evaluatePosition(ctx context.Context, compiled *strategy.Compiled, cp strategy.CompiledPosition, mode model.Mode) {
	posID := cp.Position.ID

	e.mu.Lock()
	already := e.dispatched[posID]
	e.mu.Unlock()
	if already {
		return
	}

	if e.risk != nil && e.risk.EntriesSuspended() {
		e.emitSkip(mode, posID, cp.Position.Asset, "risk_suspended")
		return
	}

	snap, ok := e.hub.GetSnapshot(cp.Position.Asset)
	if !ok {
		e.emitSkip(mode, posID, cp.Position.Asset, "indicator_not_ready")
		return
	}

	shouldEnter, skip := e.shouldEnter(cp, snap)
	if skip != "" {
		e.emitSkip(mode, posID, cp.Position.Asset, skip)
		return
	}
	if !shouldEnter {
		return
	}

	price := entryTouchPrice(cp.Position, snap)
	qty, sizeSkip, err := e.sizer.Calculate(ctx, cp.Position.Asset, cp.Position.AllocationPct, compiled.Document.PortfolioRisk.MaxPerPositionPct, price)
	if err != nil {
		e.log.Errorf("position sizing failed for %s: %v", posID, err)
		return
	}
	if sizeSkip != "" {
		e.emitSkip(mode, posID, cp.Position.Asset, string(sizeSkip))
		return
	}

	e.mu.Lock()
	if e.dispatched[posID] {
		e.mu.Unlock()
		return
	}
	e.dispatched[posID] = true
	e.mu.Unlock()

	side := model.SideBuy
	if cp.Position.Direction == model.DirectionShort {
		side = model.SideSell
	}
	orderType := model.OrderTypeMarket
	limitPrice := decimal.Zero
	if cp.Position.EntryType == model.EntryLimit {
		orderType = model.OrderTypeLimit
		limitPrice = cp.Position.EntryLimitPrice
	}

	if e.events != nil {
		e.events.Append(mode, model.EventEntryTriggered, map[string]interface{}{
			"strategy_position_id": posID,
			"asset":                cp.Position.Asset,
			"quantity":             qty.String(),
		})
	}
	if _, err := e.router.PlaceEntryOrder(ctx, cp.Position.Asset, side, orderType, qty, limitPrice, posID, compiled.StrategyID, mode); err != nil {
		e.log.Errorf("entry dispatch failed for %s: %v", posID, err)
	}
}

// shouldEnter determines entry eligibility. The
// returned skip reason, when non-empty, takes precedence over the
// bool and always means "do nothing, emit entry_skipped".
func (e *EntryEvaluator) shouldEnter(cp strategy.CompiledPosition, snap model.MarketSnapshot) (bool, string) {
	switch cp.Position.EntryType {
	case model.EntryMarket:
		return true, ""
	case model.EntryLimit:
		if cp.Position.Direction == model.DirectionLong {
			return snap.Bid.LessThanOrEqual(cp.Position.EntryLimitPrice), ""
		}
		return snap.Ask.GreaterThanOrEqual(cp.Position.EntryLimitPrice), ""
	case model.EntryConditional:
		if cp.EntryCondition == nil {
			return false, ""
		}
		result := cp.EntryCondition.Evaluate(condition.Snapshots(e.hub.GetAllSnapshots()))
		switch result {
		case condition.True:
			return true, ""
		case condition.Unknown:
			return false, "indicator_not_ready"
		default:
			return false, ""
		}
	default:
		return false, ""
	}
}

// entryTouchPrice returns the price the sizer should notionalize
// against: the limit price for limit entries, otherwise the side's
// touch (ask for longs, bid for shorts).
func entryTouchPrice(pos model.StrategyPosition, snap model.MarketSnapshot) decimal.Decimal {
	if pos.EntryType == model.EntryLimit {
		return pos.EntryLimitPrice
	}
	if pos.Direction == model.DirectionShort {
		return snap.Bid
	}
	return snap.Ask
}

func (e *EntryEvaluator) emitSkip(mode model.Mode, strategyPositionID, asset, reason string) {
	if e.events == nil {
		return
	}
	e.events.Append(mode, model.EventEntrySkipped, map[string]interface{}{
		"strategy_position_id": strategyPositionID,
		"asset":                asset,
		"reason":               reason,
	})
}
