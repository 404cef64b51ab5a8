package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionOrigin records how a position entered the registry.
type PositionOrigin string

const (
	OriginStrategy   PositionOrigin = "strategy"
	OriginReconciled PositionOrigin = "reconciled"
	OriginExternal   PositionOrigin = "external"
)

// ExitReason enumerates why a position was closed.
type ExitReason string

const (
	ExitStopLossHard       ExitReason = "stop_loss_hard"
	ExitStopLossTrailing   ExitReason = "stop_loss_trailing"
	ExitTakeProfitPrefix   ExitReason = "take_profit_target_" // + index
	ExitTimeExit           ExitReason = "time_exit"
	ExitInvalidation       ExitReason = "invalidation"
	ExitAll                ExitReason = "exit_all"
	ExitReconciledMissing  ExitReason = "reconciled_missing"
	ExitSafeModeClose      ExitReason = "safe_mode_close"
	ExitManual             ExitReason = "manual"
)

// OpenPosition is the authoritative, mutable record of a live position,
// owned exclusively by the Position Registry.
type OpenPosition struct {
	ID                   string             `json:"id"`
	StrategyPositionID   string             `json:"strategy_position_id"`
	StrategyID           string             `json:"strategy_id"`
	Asset                string             `json:"asset"`
	Direction            Direction          `json:"direction"`
	Quantity             decimal.Decimal    `json:"quantity"`
	AverageEntryPrice    decimal.Decimal    `json:"average_entry_price"`
	OpenedAt             time.Time          `json:"opened_at"`
	TrailingStopPrice    *decimal.Decimal   `json:"trailing_stop_price,omitempty"`
	TakeProfitTargetsHit map[int]bool       `json:"take_profit_targets_hit,omitempty"`
	Origin               PositionOrigin     `json:"origin"`

	// Transient fields, recomputed every tick, never round-tripped as
	// durable state beyond whatever snapshot value was last written.
	CurrentPrice  decimal.Decimal `json:"current_price,omitempty"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl,omitempty"`
}

// ClosedTrade is an immutable, append-only snapshot of a position at
// close time.
type ClosedTrade struct {
	ID                 string          `json:"id"`
	StrategyPositionID string          `json:"strategy_position_id"`
	StrategyID         string          `json:"strategy_id"`
	Asset              string          `json:"asset"`
	Direction          Direction       `json:"direction"`
	Quantity           decimal.Decimal `json:"quantity"`
	AverageEntryPrice  decimal.Decimal `json:"average_entry_price"`
	OpenedAt           time.Time       `json:"opened_at"`
	ExitPrice          decimal.Decimal `json:"exit_price"`
	ClosedAt           time.Time       `json:"closed_at"`
	ExitReason         ExitReason      `json:"exit_reason"`
	RealizedPnL        decimal.Decimal `json:"realized_pnl"`
	Origin             PositionOrigin  `json:"origin"`
}

// RealizedPnL computes close arithmetic:
// long: (exit-entry)*qty, short: (entry-exit)*qty.
func RealizedPnL(dir Direction, entry, exit, qty decimal.Decimal) decimal.Decimal {
	if dir == DirectionShort {
		return entry.Sub(exit).Mul(qty)
	}
	return exit.Sub(entry).Mul(qty)
}

// WeightedAverage computes the volume-weighted new average entry price
// after a partial fill: (oldQty*oldAvg + addQty*addPrice) / (oldQty+addQty).
func WeightedAverage(oldQty, oldAvg, addQty, addPrice decimal.Decimal) decimal.Decimal {
	total := oldQty.Add(addQty)
	if total.IsZero() {
		return oldAvg
	}
	return oldQty.Mul(oldAvg).Add(addQty.Mul(addPrice)).Div(total)
}
