// Package sizer implements the Position Sizer: converts
// an allocation percentage into a lot-rounded order quantity, or
// signals why an entry can't be sized.
package sizer

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/exchange"
)

// SkipReason enumerates why Calculate returned no quantity.
type SkipReason string

const (
	SkipNoAvailableCapital  SkipReason = "no_available_capital"
	SkipBelowMinimumLotSize SkipReason = "below_minimum_lot_size"
)

// LotConfig holds the per-asset rounding rule. DefaultLotConfig is used
// for any asset without an explicit override.
type LotConfig struct {
	LotIncrement decimal.Decimal
	MinimumLot   decimal.Decimal
}

// DefaultLotConfig mirrors a BTC-class asset: four decimal places,
// no smaller than one lot increment.
func DefaultLotConfig() LotConfig {
	inc := decimal.NewFromFloat(0.0001)
	return LotConfig{LotIncrement: inc, MinimumLot: inc}
}

// Sizer computes order quantities against live account balance.
type Sizer struct {
	adapter exchange.Adapter
	lots    map[string]LotConfig
	fallback LotConfig
}

// New creates a Sizer. perAssetLots overrides DefaultLotConfig for
// specific assets (e.g. a larger increment for a low-priced altcoin).
func New(adapter exchange.Adapter, perAssetLots map[string]LotConfig) *Sizer {
	return &Sizer{adapter: adapter, lots: perAssetLots, fallback: DefaultLotConfig()}
}

// Calculate returns a lot-rounded quantity, or (zero, reason) when the
// entry must be skipped. price must already reflect the side's touch
// (ask for longs, bid for shorts) — the caller owns that choice.
func (s *Sizer) Calculate(ctx context.Context, asset string, allocationPct, maxPerPositionPct, price decimal.Decimal) (decimal.Decimal, SkipReason, error) {
	balance, err := s.adapter.GetAccountBalance(ctx)
	if err != nil {
		return decimal.Zero, "", err
	}

	effectivePct := allocationPct
	if maxPerPositionPct.LessThan(effectivePct) {
		effectivePct = maxPerPositionPct
	}

	if balance.AvailableBalance.IsZero() || balance.AvailableBalance.IsNegative() {
		return decimal.Zero, SkipNoAvailableCapital, nil
	}

	notional := balance.AvailableBalance.Mul(effectivePct)
	if notional.IsZero() {
		return decimal.Zero, SkipNoAvailableCapital, nil
	}

	rawQty := notional.Div(price)
	lot := s.lotFor(asset)
	steps := rawQty.Div(lot.LotIncrement).Floor()
	roundedQty := steps.Mul(lot.LotIncrement)

	if roundedQty.LessThan(lot.MinimumLot) {
		return decimal.Zero, SkipBelowMinimumLotSize, nil
	}
	return roundedQty, "", nil
}

func (s *Sizer) lotFor(asset string) LotConfig {
	if s.lots != nil {
		if cfg, ok := s.lots[asset]; ok {
			return cfg
		}
	}
	return s.fallback
}
