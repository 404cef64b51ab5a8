package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/condition"
	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/marketdata"
	"github.com/aegis-trade/execution-core/internal/metrics"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/router"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

// ExitEvaluator drives exit dispatch on every tick: for
// every open position it updates unrealized P&L and the trailing stop,
// then evaluates stop/time/invalidation/take-profit triggers in strict
// priority order, one triggering condition per position per tick.
type ExitEvaluator struct {
	mu              sync.Mutex
	closeDispatched map[string]bool

	strategySvc *strategy.Service
	hub         *marketdata.Hub
	registry    *registry.Registry
	router      *router.Router
	mode        ModeSource
	events      *eventlog.Log
	log         *logx.Logger
}

// NewExitEvaluator wires an ExitEvaluator and subscribes it to the
// Router's exit-resolution hook so the close-dispatch set never leaks
// an entry for a position whose close order has already resolved.
func NewExitEvaluator(strategySvc *strategy.Service, hub *marketdata.Hub, reg *registry.Registry, r *router.Router, mode ModeSource, events *eventlog.Log) *ExitEvaluator {
	e := &ExitEvaluator{
		closeDispatched: make(map[string]bool),
		strategySvc:     strategySvc,
		hub:             hub,
		registry:        reg,
		router:          r,
		mode:            mode,
		events:          events,
		log:             logx.New().With("component", "engine.exit"),
	}
	r.OnExitResolved(e.clearDispatched)
	return e
}

func (e *ExitEvaluator) clearDispatched(positionID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.closeDispatched, positionID)
}

func (e *ExitEvaluator) tryDispatch(positionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closeDispatched[positionID] {
		return false
	}
	e.closeDispatched[positionID] = true
	return true
}

// Evaluate runs one tick's worth of exit evaluation across every open
// position.
func (e *ExitEvaluator) Evaluate(ctx context.Context) {
	compiled := e.strategySvc.Current()
	mode := e.mode.Current()
	exitAll := compiled == nil || compiled.Document.Posture == model.PostureExitAll

	for _, pos := range e.registry.OpenPositions() {
		if exitAll {
			e.dispatchFullClose(ctx, pos, model.ExitAll, mode)
			continue
		}
		e.evaluatePosition(ctx, compiled, pos, mode)
	}
}

func (e *ExitEvaluator) evaluatePosition(ctx context.Context, compiled *strategy.Compiled, pos *model.OpenPosition, mode model.Mode) {
	snap, haveSnap := e.hub.GetSnapshot(pos.Asset)
	if haveSnap {
		if err := e.registry.UpdateUnrealizedPnL(pos.ID, snap.Mid()); err != nil {
			e.log.Errorf("failed to update unrealized pnl for %s: %v", pos.ID, err)
		} else {
			pnl := model.RealizedPnL(pos.Direction, pos.AverageEntryPrice, snap.Mid(), pos.Quantity)
			metrics.SetPositionPnL(pos.Asset, string(pos.Direction), asFloat(pnl))
		}
	}

	cp := findCompiledPosition(compiled, pos.StrategyPositionID)
	if cp == nil {
		return
	}

	if cp.Position.StopLoss.Kind == model.StopLossTrailing && haveSnap {
		e.updateTrailingStop(pos, cp.Position, snap)
	}

	if !haveSnap {
		return
	}

	if e.checkHardStop(ctx, pos, cp.Position, snap, mode) {
		return
	}
	if e.checkTrailingStop(ctx, pos, cp.Position, snap, mode) {
		return
	}
	if e.checkTimeExit(ctx, pos, cp.Position, mode) {
		return
	}
	if e.checkInvalidation(ctx, pos, cp.InvalidationCondition, mode) {
		return
	}
	e.checkTakeProfit(ctx, pos, cp.Position, snap, mode)
}

func findCompiledPosition(compiled *strategy.Compiled, strategyPositionID string) *strategy.CompiledPosition {
	if compiled == nil {
		return nil
	}
	for i := range compiled.Positions {
		if compiled.Positions[i].Position.ID == strategyPositionID {
			return &compiled.Positions[i]
		}
	}
	return nil
}

// updateTrailingStop applies the monotonic-improvement
// formula: long max(old, bid*(1-trail)), short min(old, ask*(1+trail)),
// initializing on the first observation.
func (e *ExitEvaluator) updateTrailingStop(pos *model.OpenPosition, sp model.StrategyPosition, snap model.MarketSnapshot) {
	trail := sp.StopLoss.TrailPct
	one := decimal.NewFromInt(1)
	var candidate decimal.Decimal
	if pos.Direction == model.DirectionLong {
		candidate = snap.Bid.Mul(one.Sub(trail))
	} else {
		candidate = snap.Ask.Mul(one.Add(trail))
	}

	var next decimal.Decimal
	switch {
	case pos.TrailingStopPrice == nil:
		next = candidate
	case pos.Direction == model.DirectionLong:
		next = decimal.Max(*pos.TrailingStopPrice, candidate)
	default:
		next = decimal.Min(*pos.TrailingStopPrice, candidate)
	}
	if pos.TrailingStopPrice == nil || !next.Equal(*pos.TrailingStopPrice) {
		if err := e.registry.SetTrailingStop(pos.ID, next); err != nil {
			e.log.Errorf("failed to update trailing stop for %s: %v", pos.ID, err)
			return
		}
		pos.TrailingStopPrice = &next
	}
}

func (e *ExitEvaluator) checkHardStop(ctx context.Context, pos *model.OpenPosition, sp model.StrategyPosition, snap model.MarketSnapshot, mode model.Mode) bool {
	if sp.StopLoss.Kind != model.StopLossHard {
		return false
	}
	triggered := false
	if pos.Direction == model.DirectionLong {
		triggered = snap.Bid.LessThanOrEqual(sp.StopLoss.Price)
	} else {
		triggered = snap.Ask.GreaterThanOrEqual(sp.StopLoss.Price)
	}
	if !triggered {
		return false
	}
	e.dispatchFullClose(ctx, pos, model.ExitStopLossHard, mode)
	return true
}

func (e *ExitEvaluator) checkTrailingStop(ctx context.Context, pos *model.OpenPosition, sp model.StrategyPosition, snap model.MarketSnapshot, mode model.Mode) bool {
	if sp.StopLoss.Kind != model.StopLossTrailing || pos.TrailingStopPrice == nil {
		return false
	}
	triggered := false
	if pos.Direction == model.DirectionLong {
		triggered = snap.Bid.LessThanOrEqual(*pos.TrailingStopPrice)
	} else {
		triggered = snap.Ask.GreaterThanOrEqual(*pos.TrailingStopPrice)
	}
	if !triggered {
		return false
	}
	e.dispatchFullClose(ctx, pos, model.ExitStopLossTrailing, mode)
	return true
}

func (e *ExitEvaluator) checkTimeExit(ctx context.Context, pos *model.OpenPosition, sp model.StrategyPosition, mode model.Mode) bool {
	if sp.TimeExitUTC == nil || time.Now().UTC().Before(*sp.TimeExitUTC) {
		return false
	}
	e.dispatchFullClose(ctx, pos, model.ExitTimeExit, mode)
	return true
}

func (e *ExitEvaluator) checkInvalidation(ctx context.Context, pos *model.OpenPosition, invalidation condition.Node, mode model.Mode) bool {
	if invalidation == nil {
		return false
	}
	result := invalidation.Evaluate(condition.Snapshots(e.hub.GetAllSnapshots()))
	if result != condition.True {
		return false
	}
	e.dispatchFullClose(ctx, pos, model.ExitInvalidation, mode)
	return true
}

func (e *ExitEvaluator) checkTakeProfit(ctx context.Context, pos *model.OpenPosition, sp model.StrategyPosition, snap model.MarketSnapshot, mode model.Mode) {
	if len(sp.TakeProfitTargets) == 0 {
		return
	}

	sumHitPct := decimal.Zero
	nextIdx := -1
	for i, tp := range sp.TakeProfitTargets {
		if pos.TakeProfitTargetsHit[i] {
			sumHitPct = sumHitPct.Add(tp.ClosePct)
			continue
		}
		if nextIdx == -1 {
			nextIdx = i
		}
	}
	if nextIdx == -1 {
		return
	}

	target := sp.TakeProfitTargets[nextIdx]
	triggered := false
	if pos.Direction == model.DirectionLong {
		triggered = snap.Bid.GreaterThanOrEqual(target.Price)
	} else {
		triggered = snap.Ask.LessThanOrEqual(target.Price)
	}
	if !triggered {
		return
	}

	remainingFraction := decimal.NewFromInt(1).Sub(sumHitPct)
	if remainingFraction.LessThanOrEqual(decimal.Zero) {
		return
	}
	closeQty := pos.Quantity.Mul(target.ClosePct.Div(remainingFraction))
	if closeQty.GreaterThan(pos.Quantity) {
		closeQty = pos.Quantity
	}

	if !e.tryDispatch(pos.ID) {
		return
	}
	if err := e.registry.MarkTakeProfitHit(pos.ID, nextIdx); err != nil {
		e.log.Errorf("failed to mark take profit %d hit for %s: %v", nextIdx, pos.ID, err)
	}
	reason := model.ExitReason(fmt.Sprintf("%s%d", model.ExitTakeProfitPrefix, nextIdx))
	e.emitTriggered(mode, pos, reason)
	side := model.SideSell
	if pos.Direction == model.DirectionShort {
		side = model.SideBuy
	}
	if _, err := e.router.PlaceExitOrder(ctx, pos.ID, pos.Asset, side, closeQty, reason, mode); err != nil {
		e.log.Errorf("take profit exit dispatch failed for %s: %v", pos.ID, err)
	}
}

func (e *ExitEvaluator) dispatchFullClose(ctx context.Context, pos *model.OpenPosition, reason model.ExitReason, mode model.Mode) {
	if !e.tryDispatch(pos.ID) {
		return
	}
	e.emitTriggered(mode, pos, reason)
	metrics.ClearPositionPnL(pos.Asset, string(pos.Direction))
	side := model.SideSell
	if pos.Direction == model.DirectionShort {
		side = model.SideBuy
	}
	if _, err := e.router.PlaceExitOrder(ctx, pos.ID, pos.Asset, side, pos.Quantity, reason, mode); err != nil {
		e.log.Errorf("exit dispatch failed for %s: %v", pos.ID, err)
	}
}

// asFloat converts a decimal P&L value to float64 purely for
// Prometheus gauge export; no trading decision ever consumes this
// value back.
func asFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (e *ExitEvaluator) emitTriggered(mode model.Mode, pos *model.OpenPosition, reason model.ExitReason) {
	if e.events == nil {
		return
	}
	e.events.Append(mode, model.EventExitTriggered, map[string]interface{}{
		"position_id": pos.ID,
		"asset":       pos.Asset,
		"exit_reason": reason,
	})
}
