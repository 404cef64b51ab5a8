package sizer

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/exchange"
)

func TestCalculateRoundsDownToLotIncrement(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{
		SlippageBps: decimal.Zero, CommissionBps: decimal.Zero,
		StartingEquity: decimal.NewFromInt(10000),
	})
	s := New(paper, nil)

	qty, reason, err := s.Calculate(context.Background(), "BTC/USD",
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), decimal.NewFromInt(30000))
	require.NoError(t, err)
	assert.Empty(t, reason)
	assert.True(t, qty.GreaterThan(decimal.Zero))
	// notional = 10000*0.5 = 5000; raw qty = 5000/30000 = 0.1666...; rounded to 0.0001 increments.
	assert.True(t, qty.Equal(decimal.NewFromFloat(0.1666)), "got %s", qty)
}

func TestCalculateUsesLowerOfAllocationAndMaxPerPosition(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{StartingEquity: decimal.NewFromInt(10000)})
	s := New(paper, nil)

	qty, _, err := s.Calculate(context.Background(), "BTC/USD",
		decimal.NewFromFloat(0.9), decimal.NewFromFloat(0.1), decimal.NewFromInt(10000))
	require.NoError(t, err)
	// effective pct = min(0.9,0.1) = 0.1; notional = 1000; raw qty = 0.1
	assert.True(t, qty.Equal(decimal.NewFromFloat(0.1)), "got %s", qty)
}

func TestCalculateSkipsBelowMinimumLotSize(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{StartingEquity: decimal.NewFromInt(1)})
	s := New(paper, nil)

	qty, reason, err := s.Calculate(context.Background(), "BTC/USD",
		decimal.NewFromFloat(0.0001), decimal.NewFromFloat(1), decimal.NewFromInt(30000))
	require.NoError(t, err)
	assert.True(t, qty.IsZero())
	assert.Equal(t, SkipBelowMinimumLotSize, reason)
}

func TestCalculateSkipsWithNoAvailableCapital(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{StartingEquity: decimal.Zero})
	s := New(paper, nil)

	qty, reason, err := s.Calculate(context.Background(), "BTC/USD",
		decimal.NewFromFloat(0.5), decimal.NewFromFloat(0.5), decimal.NewFromInt(30000))
	require.NoError(t, err)
	assert.True(t, qty.IsZero())
	assert.Equal(t, SkipNoAvailableCapital, reason)
}

func TestCalculateHonorsPerAssetLotOverride(t *testing.T) {
	paper := exchange.NewPaper(exchange.PaperConfig{StartingEquity: decimal.NewFromInt(10000)})
	s := New(paper, map[string]LotConfig{
		"DOGE/USD": {LotIncrement: decimal.NewFromInt(1), MinimumLot: decimal.NewFromInt(1)},
	})

	qty, _, err := s.Calculate(context.Background(), "DOGE/USD",
		decimal.NewFromFloat(1), decimal.NewFromFloat(1), decimal.NewFromFloat(0.1))
	require.NoError(t, err)
	assert.True(t, qty.Equal(decimal.NewFromInt(100000)), "got %s", qty)
}
