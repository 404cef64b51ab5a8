package router

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
)

type fakeFailureNotifier struct {
	successes int
	failures  int
}

func (f *fakeFailureNotifier) RecordSuccess() { f.successes++ }
func (f *fakeFailureNotifier) RecordFailure() { f.failures++ }

func newTestRouter(t *testing.T) (*Router, *exchange.Paper, *registry.Registry, *fakeFailureNotifier) {
	t.Helper()
	dir := t.TempDir()
	paper := exchange.NewPaper(exchange.DefaultPaperConfig())
	events := eventlog.New(dir)
	reg := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"), events)
	failure := &fakeFailureNotifier{}
	return New(paper, reg, events, failure), paper, reg, failure
}

func TestPlaceEntryOrderFillsMarketOrderImmediately(t *testing.T) {
	r, paper, reg, failure := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	rec, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeMarket, decimal.NewFromFloat(0.5), decimal.Zero, "pos-1", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, model.OrderFilled, r.Get(rec.InternalID).Status)
	assert.Equal(t, 1, failure.successes)

	pos := reg.FindByStrategyPosition("pos-1")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromFloat(0.5)))
}

func TestPlaceEntryOrderDuplicateDispatchReturnsNil(t *testing.T) {
	r, paper, _, _ := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	first, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeLimit, decimal.NewFromFloat(1), decimal.NewFromInt(40000), "pos-1", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, first)
	assert.Equal(t, model.OrderOpen, r.Get(first.InternalID).Status)

	second, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeLimit, decimal.NewFromFloat(1), decimal.NewFromInt(40000), "pos-1", "strat-1", model.ModePaper)
	require.NoError(t, err)
	assert.Nil(t, second, "duplicate dispatch for the same strategy position must be suppressed")
}

func TestPlaceEntryOrderRejectionEmitsEventAndNotifiesFailure(t *testing.T) {
	r, _, _, failure := newTestRouter(t)
	// No mid seeded for this asset: Paper.PlaceOrder returns an AdapterError.
	rec, err := r.PlaceEntryOrder(context.Background(), "ETH/USD", model.SideBuy, model.OrderTypeMarket, decimal.NewFromInt(1), decimal.Zero, "pos-2", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)

	assert.Equal(t, model.OrderRejected, r.Get(rec.InternalID).Status)
	assert.Equal(t, 1, failure.failures)
	assert.Contains(t, r.Get(rec.InternalID).RejectionReason, "no_market_data")
}

func TestApplyFillAccumulatesAndComputesVWAP(t *testing.T) {
	r, paper, reg, _ := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	rec, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeLimit, decimal.NewFromInt(2), decimal.NewFromInt(40000), "pos-3", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.OrderOpen, r.Get(rec.InternalID).Status)

	exchangeID := r.Get(rec.InternalID).ExchangeOrderID
	r.ApplyFill(exchangeID, decimal.NewFromInt(1), decimal.NewFromInt(49000), model.ModePaper)

	updated := r.Get(rec.InternalID)
	assert.Equal(t, model.OrderPartiallyFilled, updated.Status)
	assert.True(t, updated.FilledQuantity.Equal(decimal.NewFromInt(1)))

	pos := reg.FindByStrategyPosition("pos-3")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
	assert.Equal(t, "strat-1", pos.StrategyID, "the opening fill must carry the order's strategy id")

	r.ApplyFill(exchangeID, decimal.NewFromInt(2), decimal.NewFromInt(51000), model.ModePaper)
	final := r.Get(rec.InternalID)
	assert.Equal(t, model.OrderFilled, final.Status)

	pos = reg.FindByStrategyPosition("pos-3")
	require.NotNil(t, pos)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	expectedAvg := decimal.NewFromInt(1).Mul(decimal.NewFromInt(49000)).
		Add(decimal.NewFromInt(1).Mul(decimal.NewFromInt(51000))).
		Div(decimal.NewFromInt(2))
	assert.True(t, pos.AverageEntryPrice.Equal(expectedAvg), "expected VWAP %s, got %s", expectedAvg, pos.AverageEntryPrice)
}

func TestApplyFillOnUnknownExchangeIDIsIgnoredNotPanicked(t *testing.T) {
	r, _, _, _ := newTestRouter(t)
	assert.NotPanics(t, func() {
		r.ApplyFill("does-not-exist", decimal.NewFromInt(1), decimal.NewFromInt(100), model.ModePaper)
	})
}

func TestPlaceExitOrderClosesPositionOnFullFill(t *testing.T) {
	r, paper, reg, _ := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	entry, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeMarket, decimal.NewFromInt(1), decimal.Zero, "pos-4", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, entry)

	pos := reg.FindByStrategyPosition("pos-4")
	require.NotNil(t, pos)

	exit, err := r.PlaceExitOrder(context.Background(), pos.ID, "BTC/USD", model.SideSell, decimal.NewFromInt(1), model.ExitTakeProfitPrefix, model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, model.OrderFilled, r.Get(exit.InternalID).Status)

	assert.Nil(t, reg.Get(pos.ID), "position should be removed from the open set once fully closed")
	closed := reg.ClosedTrades()
	require.Len(t, closed, 1)
	assert.Equal(t, model.ExitTakeProfitPrefix, closed[0].ExitReason)
}

func TestCancelOrderSetsCancelledStatus(t *testing.T) {
	r, paper, _, _ := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	rec, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(10000), "pos-5", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, model.OrderOpen, r.Get(rec.InternalID).Status)

	require.NoError(t, r.CancelOrder(context.Background(), rec.InternalID, model.ModePaper))
	assert.Equal(t, model.OrderCancelled, r.Get(rec.InternalID).Status)
}

type authFailingAdapter struct {
	exchange.Adapter
}

func (a *authFailingAdapter) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.OrderAck, error) {
	return exchange.OrderAck{}, exchange.NewAuthenticationError("fake", "place_order", assert.AnError)
}

func TestAuthenticationFailureFiresCallbackInLiveModeOnly(t *testing.T) {
	dir := t.TempDir()
	events := eventlog.New(dir)
	reg := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"), events)
	r := New(&authFailingAdapter{}, reg, events, nil)

	fired := 0
	r.OnAuthenticationFailure(func() { fired++ })

	_, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeMarket, decimal.NewFromInt(1), decimal.Zero, "pos-auth-1", "strat-1", model.ModePaper)
	require.NoError(t, err)
	assert.Equal(t, 0, fired, "paper-mode auth failures must not trip safe mode")

	_, err = r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeMarket, decimal.NewFromInt(1), decimal.Zero, "pos-auth-2", "strat-1", model.ModeLive)
	require.NoError(t, err)
	assert.Equal(t, 1, fired)
}

func TestHasActiveOrderReflectsTerminalState(t *testing.T) {
	r, paper, _, _ := newTestRouter(t)
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	assert.False(t, r.HasActiveOrder("pos-6"))

	rec, err := r.PlaceEntryOrder(context.Background(), "BTC/USD", model.SideBuy, model.OrderTypeLimit, decimal.NewFromInt(1), decimal.NewFromInt(10000), "pos-6", "strat-1", model.ModePaper)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.True(t, r.HasActiveOrder("pos-6"))

	require.NoError(t, r.CancelOrder(context.Background(), rec.InternalID, model.ModePaper))
	assert.False(t, r.HasActiveOrder("pos-6"))
}
