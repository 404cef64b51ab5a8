// Package registry implements the authoritative Position Registry:
// open positions keyed by internal id, an append-only list of closed
// trades, a single registry-wide mutex around every
// mutation, and atomic temp-file-plus-rename persistence after each one.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/persist"
)

// Registry is the process-wide singleton position store.
type Registry struct {
	mu sync.Mutex

	positionsPath string
	tradesPath    string

	open   map[string]*model.OpenPosition
	closed []model.ClosedTrade

	onChanged []func()
	events    *eventlog.Log
	log       *logx.Logger
}

// New creates a Registry persisting to positionsPath/tradesPath.
func New(positionsPath, tradesPath string, events *eventlog.Log) *Registry {
	return &Registry{
		positionsPath: positionsPath,
		tradesPath:    tradesPath,
		open:          make(map[string]*model.OpenPosition),
		events:        events,
		log:           logx.New().With("component", "registry"),
	}
}

// OnPositionChanged registers a callback fired outside the mutex after
// every mutation.
func (r *Registry) OnPositionChanged(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onChanged = append(r.onChanged, fn)
}

// Load restores state from disk. Malformed content logs an error and
// leaves the registry empty rather than aborting startup.
func (r *Registry) Load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	var positions []*model.OpenPosition
	if err := persist.ReadJSON(r.positionsPath, &positions); err != nil {
		r.log.Errorf("failed to load positions, starting empty: %v", err)
		r.open = make(map[string]*model.OpenPosition)
	} else {
		r.open = make(map[string]*model.OpenPosition, len(positions))
		for _, p := range positions {
			r.open[p.ID] = p
		}
	}

	var trades []model.ClosedTrade
	if err := persist.ReadJSON(r.tradesPath, &trades); err != nil {
		r.log.Errorf("failed to load trades, starting empty: %v", err)
		r.closed = nil
	} else {
		r.closed = trades
	}
	return nil
}

// save persists both files. Caller must hold r.mu. On failure the
// mutation that triggered it is considered not durably applied —
// callers should treat a save error as a degraded-
// durability warning, not roll back the in-memory state (the exchange
// order already happened; losing the local record is the lesser evil).
func (r *Registry) save() error {
	positions := make([]*model.OpenPosition, 0, len(r.open))
	for _, p := range r.open {
		positions = append(positions, p)
	}
	if err := persist.WriteJSON(r.positionsPath, positions); err != nil {
		return fmt.Errorf("persist positions: %w", err)
	}
	if err := persist.WriteJSON(r.tradesPath, r.closed); err != nil {
		return fmt.Errorf("persist trades: %w", err)
	}
	return nil
}

func (r *Registry) notifyChanged() {
	for _, fn := range r.onChanged {
		safeCall(fn)
	}
}

func safeCall(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			logx.Errorf("position registry listener panicked: %v", rec)
		}
	}()
	fn()
}

// OpenPosition creates a new position from a first fill. mode is the
// current operation mode, threaded into the emitted event record.
func (r *Registry) OpenPosition(strategyPositionID, strategyID, asset string, dir model.Direction, qty, price decimal.Decimal, origin model.PositionOrigin, mode model.Mode) (*model.OpenPosition, error) {
	r.mu.Lock()
	pos := &model.OpenPosition{
		ID:                   uuid.NewString(),
		StrategyPositionID:   strategyPositionID,
		StrategyID:           strategyID,
		Asset:                asset,
		Direction:            dir,
		Quantity:             qty,
		AverageEntryPrice:    price,
		OpenedAt:             time.Now().UTC(),
		TakeProfitTargetsHit: make(map[int]bool),
		Origin:               origin,
	}
	r.open[pos.ID] = pos
	err := r.save()
	r.mu.Unlock()

	if r.events != nil {
		r.events.Append(mode, model.EventPositionOpened, map[string]interface{}{
			"position_id":          pos.ID,
			"strategy_position_id": strategyPositionID,
			"asset":                asset,
			"direction":            dir,
			"quantity":             qty.String(),
			"average_entry_price":  price.String(),
		})
	}
	r.notifyChanged()
	return pos, err
}

// ApplyPartialFill updates a position's quantity and volume-weighted
// average entry price after a partial entry fill.
func (r *Registry) ApplyPartialFill(positionID string, addQty, addPrice decimal.Decimal) error {
	r.mu.Lock()
	pos, ok := r.open[positionID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("apply partial fill: unknown position %s", positionID)
	}
	pos.AverageEntryPrice = model.WeightedAverage(pos.Quantity, pos.AverageEntryPrice, addQty, addPrice)
	pos.Quantity = pos.Quantity.Add(addQty)
	err := r.save()
	r.mu.Unlock()
	r.notifyChanged()
	return err
}

// ClosePosition closes qty of a position (full or partial, for
// take-profit targets) at exitPrice, recording a ClosedTrade snapshot.
// When the closed quantity reaches the position's full quantity the
// open position is removed.
func (r *Registry) ClosePosition(positionID string, qty, exitPrice decimal.Decimal, reason model.ExitReason, mode model.Mode) (*model.ClosedTrade, error) {
	r.mu.Lock()
	pos, ok := r.open[positionID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("close position: unknown position %s", positionID)
	}

	realized := model.RealizedPnL(pos.Direction, pos.AverageEntryPrice, exitPrice, qty)
	trade := model.ClosedTrade{
		ID:                 uuid.NewString(),
		StrategyPositionID: pos.StrategyPositionID,
		StrategyID:         pos.StrategyID,
		Asset:              pos.Asset,
		Direction:          pos.Direction,
		Quantity:           qty,
		AverageEntryPrice:  pos.AverageEntryPrice,
		OpenedAt:           pos.OpenedAt,
		ExitPrice:          exitPrice,
		ClosedAt:           time.Now().UTC(),
		ExitReason:         reason,
		RealizedPnL:        realized,
		Origin:             pos.Origin,
	}
	r.closed = append(r.closed, trade)

	remaining := pos.Quantity.Sub(qty)
	fullyClosed := remaining.LessThanOrEqual(epsilon)
	if fullyClosed {
		delete(r.open, positionID)
	} else {
		pos.Quantity = remaining
	}
	err := r.save()
	r.mu.Unlock()

	if r.events != nil {
		r.events.Append(mode, model.EventPositionClosed, map[string]interface{}{
			"position_id": positionID,
			"asset":       trade.Asset,
			"exit_reason": reason,
			"exit_price":  exitPrice.String(),
			"realized_pnl": realized.String(),
			"fully_closed": fullyClosed,
		})
	}
	r.notifyChanged()
	return &trade, err
}

var epsilon = decimal.NewFromFloat(1e-9)

// UpdateUnrealizedPnL refreshes a position's transient current-price /
// unrealized-PnL fields. Not persisted beyond the next full save (it is
// transient state, recomputed every tick).
func (r *Registry) UpdateUnrealizedPnL(positionID string, currentPrice decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.open[positionID]
	if !ok {
		return fmt.Errorf("update unrealized pnl: unknown position %s", positionID)
	}
	pos.CurrentPrice = currentPrice
	pos.UnrealizedPnL = model.RealizedPnL(pos.Direction, pos.AverageEntryPrice, currentPrice, pos.Quantity)
	return nil
}

// SetTrailingStop sets a position's trailing stop price.
func (r *Registry) SetTrailingStop(positionID string, price decimal.Decimal) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.open[positionID]
	if !ok {
		return fmt.Errorf("set trailing stop: unknown position %s", positionID)
	}
	pos.TrailingStopPrice = &price
	return nil
}

// MarkTakeProfitHit records that target index has fired for a position.
func (r *Registry) MarkTakeProfitHit(positionID string, index int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.open[positionID]
	if !ok {
		return fmt.Errorf("mark take profit hit: unknown position %s", positionID)
	}
	if pos.TakeProfitTargetsHit == nil {
		pos.TakeProfitTargetsHit = make(map[int]bool)
	}
	pos.TakeProfitTargetsHit[index] = true
	return nil
}

// Upsert inserts or replaces a position wholesale (used by
// reconciliation to add an exchange-side position the registry didn't
// know about).
func (r *Registry) Upsert(pos *model.OpenPosition) error {
	r.mu.Lock()
	r.open[pos.ID] = pos
	err := r.save()
	r.mu.Unlock()
	r.notifyChanged()
	return err
}

// Remove deletes a position without recording a closed trade (used when
// reconciliation or an operator command needs to drop a record outright).
func (r *Registry) Remove(positionID string) error {
	r.mu.Lock()
	delete(r.open, positionID)
	err := r.save()
	r.mu.Unlock()
	r.notifyChanged()
	return err
}

// Get returns a shallow copy of one open position, or nil if unknown.
func (r *Registry) Get(positionID string) *model.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	pos, ok := r.open[positionID]
	if !ok {
		return nil
	}
	cp := *pos
	return &cp
}

// FindByStrategyPosition returns the open position for a
// strategy-position-id, or nil.
func (r *Registry) FindByStrategyPosition(strategyPositionID string) *model.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.open {
		if p.StrategyPositionID == strategyPositionID {
			cp := *p
			return &cp
		}
	}
	return nil
}

// OpenPositions returns a shallow-copied snapshot safe to iterate
// without the registry lock.
func (r *Registry) OpenPositions() []*model.OpenPosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*model.OpenPosition, 0, len(r.open))
	for _, p := range r.open {
		cp := *p
		out = append(out, &cp)
	}
	return out
}

// ClosedTrades returns a shallow copy of the closed-trade history.
func (r *Registry) ClosedTrades() []model.ClosedTrade {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]model.ClosedTrade, len(r.closed))
	copy(out, r.closed)
	return out
}
