// Package router implements the Order Router: an
// in-flight order table keyed by internal id, idempotent entry dispatch
// keyed by strategy-position-id, and fill application that delegates to
// the Position Registry.
package router

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
)

// FailureNotifier is the Failure Tracker's consumption surface,
// decoupled here to avoid a dependency cycle (router → failure,
// failure → nothing).
type FailureNotifier interface {
	RecordSuccess()
	RecordFailure()
}

// exitIntent records the bookkeeping PlaceExitOrder needs that an entry
// order doesn't: which position a fill should close, and why.
type exitIntent struct {
	positionID string
	reason     model.ExitReason
}

// Router owns the in-flight order table.
type Router struct {
	mu sync.Mutex

	byInternalID map[string]*model.OrderRecord
	byExchangeID map[string]string // exchange order id -> internal id
	byStratPos   map[string]string // strategy_position_id -> internal id of its active (non-terminal) order
	exitIntents  map[string]exitIntent // internal id -> exit intent, for exit orders only

	adapter  exchange.Adapter
	registry *registry.Registry
	events   *eventlog.Log
	failure  FailureNotifier
	log      *logx.Logger

	onExitResolved []func(positionID string)
	onAuthFailure  []func()
}

// OnAuthenticationFailure registers fn to be called when a live-mode
// order placement fails with an AuthenticationError. Retrying a bad
// credential never helps, so the wiring layer uses this to activate
// safe mode with reason authentication_failure.
func (r *Router) OnAuthenticationFailure(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onAuthFailure = append(r.onAuthFailure, fn)
}

func (r *Router) notifyAuthFailure(mode model.Mode) {
	if mode != model.ModeLive {
		return
	}
	r.mu.Lock()
	subs := make([]func(), len(r.onAuthFailure))
	copy(subs, r.onAuthFailure)
	r.mu.Unlock()
	for _, fn := range subs {
		fn()
	}
}

// OnExitResolved registers fn to be called whenever an exit order
// reaches a terminal state (filled, cancelled, or rejected) — the Exit
// Evaluator uses this to clear its close-dispatch set for the
// position (at most one in-flight close per open position).
func (r *Router) OnExitResolved(fn func(positionID string)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onExitResolved = append(r.onExitResolved, fn)
}

func (r *Router) notifyExitResolved(positionID string) {
	if positionID == "" {
		return
	}
	r.mu.Lock()
	subs := make([]func(string), len(r.onExitResolved))
	copy(subs, r.onExitResolved)
	r.mu.Unlock()
	for _, fn := range subs {
		fn(positionID)
	}
}

// New creates a Router dispatching through adapter and recording fills
// into reg. failure may be nil if no Failure Tracker is wired.
func New(adapter exchange.Adapter, reg *registry.Registry, events *eventlog.Log, failure FailureNotifier) *Router {
	return &Router{
		byInternalID: make(map[string]*model.OrderRecord),
		byExchangeID: make(map[string]string),
		byStratPos:   make(map[string]string),
		exitIntents:  make(map[string]exitIntent),
		adapter:      adapter,
		registry:     reg,
		events:       events,
		failure:      failure,
		log:          logx.New().With("component", "router"),
	}
}

// PlaceEntryOrder dispatches a new entry order, returning nil (not an
// error) when an active order already exists for strategyPositionID —
// the primary idempotency guarantee against duplicate dispatch from
// tick races.
func (r *Router) PlaceEntryOrder(ctx context.Context, asset string, side model.Side, orderType model.OrderType, qty, limitPrice decimal.Decimal, strategyPositionID, strategyID string, mode model.Mode) (*model.OrderRecord, error) {
	r.mu.Lock()
	if existingID, ok := r.byStratPos[strategyPositionID]; ok {
		if rec, ok := r.byInternalID[existingID]; ok && !rec.Status.IsTerminal() {
			r.mu.Unlock()
			return nil, nil
		}
	}

	rec := &model.OrderRecord{
		InternalID:         uuid.NewString(),
		Asset:              asset,
		Side:               side,
		Type:               orderType,
		Quantity:           qty,
		Status:             model.OrderPending,
		StrategyPositionID: strategyPositionID,
		StrategyID:         strategyID,
		CreatedAt:          time.Now().UTC(),
		UpdatedAt:          time.Now().UTC(),
	}
	if orderType == model.OrderTypeLimit {
		rec.LimitPrice = &limitPrice
	}
	r.byInternalID[rec.InternalID] = rec
	r.byStratPos[strategyPositionID] = rec.InternalID
	r.mu.Unlock()

	r.dispatch(ctx, rec, exchange.OrderRequest{
		Asset: asset, Side: side, Type: orderType, Quantity: qty, LimitPrice: limitPrice, ClientID: rec.InternalID,
	}, mode)
	return rec, nil
}

// PlaceExitOrder dispatches a market order closing qty of positionID.
// Unlike entries, exits are not deduplicated by strategy-position-id —
// the caller (Exit Evaluator) owns its own close-dispatch set.
func (r *Router) PlaceExitOrder(ctx context.Context, positionID, asset string, side model.Side, qty decimal.Decimal, reason model.ExitReason, mode model.Mode) (*model.OrderRecord, error) {
	rec := &model.OrderRecord{
		InternalID: uuid.NewString(),
		Asset:      asset,
		Side:       side,
		Type:       model.OrderTypeMarket,
		Quantity:   qty,
		Status:     model.OrderPending,
		PositionID: positionID,
		CreatedAt:  time.Now().UTC(),
		UpdatedAt:  time.Now().UTC(),
	}

	r.mu.Lock()
	r.byInternalID[rec.InternalID] = rec
	r.exitIntents[rec.InternalID] = exitIntent{positionID: positionID, reason: reason}
	r.mu.Unlock()

	r.dispatch(ctx, rec, exchange.OrderRequest{
		Asset: asset, Side: side, Type: model.OrderTypeMarket, Quantity: qty, ClientID: rec.InternalID,
	}, mode)
	return rec, nil
}

func (r *Router) dispatch(ctx context.Context, rec *model.OrderRecord, req exchange.OrderRequest, mode model.Mode) {
	ack, err := r.adapter.PlaceOrder(ctx, req)
	if err != nil {
		r.mu.Lock()
		rec.Status = model.OrderRejected
		rec.RejectionReason = err.Error()
		rec.UpdatedAt = time.Now().UTC()
		r.mu.Unlock()

		if r.failure != nil {
			r.failure.RecordFailure()
		}
		r.emit(mode, model.EventOrderRejected, rec, map[string]interface{}{"rejection_reason": err.Error()})
		r.notifyExitResolved(rec.PositionID)
		var authErr *exchange.AuthenticationError
		if errors.As(err, &authErr) {
			r.notifyAuthFailure(mode)
		}
		return
	}

	if r.failure != nil {
		r.failure.RecordSuccess()
	}

	r.mu.Lock()
	rec.ExchangeOrderID = ack.ExchangeOrderID
	rec.Status = model.OrderOpen
	r.byExchangeID[ack.ExchangeOrderID] = rec.InternalID
	rec.UpdatedAt = time.Now().UTC()
	r.mu.Unlock()

	r.emit(mode, model.EventOrderPlaced, rec, nil)

	if ack.FilledQuantity.IsPositive() {
		r.applyFillLocked(rec.InternalID, ack.FilledQuantity, ack.AverageFillPrice, mode)
	}
}

// ApplyFill applies an exchange fill report identified by
// exchangeOrderID. Unknown order ids are logged and ignored — never
// throws.
func (r *Router) ApplyFill(exchangeOrderID string, filledQty, fillPrice decimal.Decimal, mode model.Mode) {
	r.mu.Lock()
	internalID, ok := r.byExchangeID[exchangeOrderID]
	r.mu.Unlock()
	if !ok {
		r.log.Warnf("fill for unknown exchange order %s ignored", exchangeOrderID)
		return
	}
	r.applyFillLocked(internalID, filledQty, fillPrice, mode)
}

// applyFillLocked accumulates a fill report and, on full fill,
// delegates to the Position Registry. filledQty is the order's total
// cumulative filled quantity as reported by the exchange, not a delta.
func (r *Router) applyFillLocked(internalID string, cumulativeFilledQty, avgFillPrice decimal.Decimal, mode model.Mode) {
	r.mu.Lock()
	rec, ok := r.byInternalID[internalID]
	if !ok {
		r.mu.Unlock()
		r.log.Warnf("fill for unknown internal order %s ignored", internalID)
		return
	}
	previouslyFilled := rec.FilledQuantity
	addQty := cumulativeFilledQty.Sub(previouslyFilled)
	if addQty.IsNegative() {
		addQty = decimal.Zero
	}
	rec.FilledQuantity = cumulativeFilledQty
	rec.AverageFillPrice = avgFillPrice
	rec.UpdatedAt = time.Now().UTC()
	isFull := rec.IsFullFill()
	if isFull {
		rec.Status = model.OrderFilled
	} else if rec.FilledQuantity.IsPositive() {
		rec.Status = model.OrderPartiallyFilled
	}
	intent, isExit := r.exitIntents[internalID]
	if isFull && isExit {
		delete(r.exitIntents, internalID)
	}
	recCopy := *rec
	r.mu.Unlock()

	if addQty.IsPositive() {
		if isExit {
			if _, err := r.registry.ClosePosition(intent.positionID, addQty, avgFillPrice, intent.reason, mode); err != nil {
				r.log.Errorf("failed to apply exit fill to registry: %v", err)
			}
		} else {
			existing := r.registry.FindByStrategyPosition(recCopy.StrategyPositionID)
			if existing == nil {
				if _, err := r.registry.OpenPosition(recCopy.StrategyPositionID, recCopy.StrategyID, recCopy.Asset, sideToDirection(recCopy.Side), addQty, avgFillPrice, model.OriginStrategy, mode); err != nil {
					r.log.Errorf("failed to open position from fill: %v", err)
				}
			} else if err := r.registry.ApplyPartialFill(existing.ID, addQty, avgFillPrice); err != nil {
				r.log.Errorf("failed to apply partial fill to registry: %v", err)
			}
		}
	}

	if isFull {
		r.emit(mode, model.EventOrderFilled, &recCopy, nil)
		if isExit {
			r.notifyExitResolved(intent.positionID)
		}
	} else {
		r.emit(mode, model.EventOrderPartiallyFilled, &recCopy, nil)
	}
}

func sideToDirection(side model.Side) model.Direction {
	if side == model.SideSell {
		return model.DirectionShort
	}
	return model.DirectionLong
}

// PollOpenOrders queries the exchange for every non-terminal order
// with an acknowledged exchange id and applies any fill progress it
// reports. Driven once per tick by the coordinator — fills on resting
// limit orders have no push channel on the REST-polled venues, so this
// is where they land.
func (r *Router) PollOpenOrders(ctx context.Context, mode model.Mode) {
	r.mu.Lock()
	type pending struct{ internalID, exchangeID string }
	var open []pending
	for id, rec := range r.byInternalID {
		if rec.ExchangeOrderID == "" || rec.Status.IsTerminal() {
			continue
		}
		open = append(open, pending{internalID: id, exchangeID: rec.ExchangeOrderID})
	}
	r.mu.Unlock()

	for _, p := range open {
		ack, err := r.adapter.GetOrderStatus(ctx, p.exchangeID)
		if err != nil {
			r.log.Warnf("order status poll for %s failed: %v", p.exchangeID, err)
			continue
		}
		if ack.FilledQuantity.IsPositive() {
			r.applyFillLocked(p.internalID, ack.FilledQuantity, ack.AverageFillPrice, mode)
		}
	}
}

// CancelOrder cancels an in-flight order by internal id.
func (r *Router) CancelOrder(ctx context.Context, internalID string, mode model.Mode) error {
	r.mu.Lock()
	rec, ok := r.byInternalID[internalID]
	r.mu.Unlock()
	if !ok {
		return nil
	}
	if err := r.adapter.CancelOrder(ctx, rec.ExchangeOrderID); err != nil {
		return err
	}
	r.mu.Lock()
	rec.Status = model.OrderCancelled
	rec.UpdatedAt = time.Now().UTC()
	intent, isExit := r.exitIntents[internalID]
	if isExit {
		delete(r.exitIntents, internalID)
	}
	recCopy := *rec
	r.mu.Unlock()
	r.emit(mode, model.EventOrderCancelled, &recCopy, nil)
	if isExit {
		r.notifyExitResolved(intent.positionID)
	}
	return nil
}

// CancelPendingEntries cancels every non-terminal limit entry order,
// tagging the cancellation event with reason. Used on strategy_expired
// so an expired strategy cannot still open new exposure: outstanding
// pending limit entries are cancelled rather than left resting.
func (r *Router) CancelPendingEntries(ctx context.Context, mode model.Mode, reason string) []string {
	r.mu.Lock()
	var candidates []*model.OrderRecord
	for internalID, rec := range r.byInternalID {
		if _, isExit := r.exitIntents[internalID]; isExit {
			continue
		}
		if rec.Type == model.OrderTypeLimit && !rec.Status.IsTerminal() {
			candidates = append(candidates, rec)
		}
	}
	r.mu.Unlock()

	var cancelled []string
	for _, rec := range candidates {
		if err := r.adapter.CancelOrder(ctx, rec.ExchangeOrderID); err != nil {
			r.log.Warnf("failed to cancel pending limit entry %s on %s: %v", rec.InternalID, reason, err)
			continue
		}
		r.mu.Lock()
		rec.Status = model.OrderCancelled
		rec.UpdatedAt = time.Now().UTC()
		recCopy := *rec
		r.mu.Unlock()
		r.emit(mode, model.EventOrderCancelled, &recCopy, map[string]interface{}{"reason": reason})
		cancelled = append(cancelled, rec.InternalID)
	}
	return cancelled
}

// Get returns a shallow copy of an order record by internal id.
func (r *Router) Get(internalID string) *model.OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.byInternalID[internalID]
	if !ok {
		return nil
	}
	cp := *rec
	return &cp
}

// HasActiveOrder reports whether strategyPositionID has a non-terminal
// order in flight.
func (r *Router) HasActiveOrder(strategyPositionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byStratPos[strategyPositionID]
	if !ok {
		return false
	}
	rec, ok := r.byInternalID[id]
	return ok && !rec.Status.IsTerminal()
}

func (r *Router) emit(mode model.Mode, eventType model.EventType, rec *model.OrderRecord, extra map[string]interface{}) {
	if r.events == nil {
		return
	}
	data := map[string]interface{}{
		"internal_id":          rec.InternalID,
		"exchange_order_id":    rec.ExchangeOrderID,
		"asset":                rec.Asset,
		"side":                 rec.Side,
		"status":               rec.Status,
		"strategy_position_id": rec.StrategyPositionID,
	}
	for k, v := range extra {
		data[k] = v
	}
	r.events.Append(mode, eventType, data)
}
