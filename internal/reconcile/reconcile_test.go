package reconcile

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

type fakeAdapter struct {
	exchange.Adapter
	positions []exchange.ExchangePosition
	err       error
}

func (f *fakeAdapter) GetOpenPositions(ctx context.Context) ([]exchange.ExchangePosition, error) {
	return f.positions, f.err
}

func newRegistry(t *testing.T) *registry.Registry {
	t.Helper()
	dir := t.TempDir()
	reg := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"), nil)
	require.NoError(t, reg.Load())
	return reg
}

func TestReconcileOrphanedRegistryPositionCloses(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.OpenPosition("sp1", "strat1", "BTC/USD", model.DirectionLong, decimal.NewFromInt(1), decimal.NewFromInt(50000), model.OriginStrategy, model.ModePaper)
	require.NoError(t, err)

	adapter := &fakeAdapter{positions: nil}
	summary := Run(context.Background(), adapter, reg, nil, model.ModePaper)

	assert.Equal(t, "ok", summary.Status)
	assert.Equal(t, 1, summary.OrphanedClosed)
	assert.Equal(t, 0, summary.UnknownAdded)
	assert.Empty(t, reg.OpenPositions())

	trades := reg.ClosedTrades()
	require.Len(t, trades, 1)
	assert.Equal(t, model.ExitReconciledMissing, trades[0].ExitReason)
}

func TestReconcileUnknownExchangePositionAdopted(t *testing.T) {
	reg := newRegistry(t)
	adapter := &fakeAdapter{positions: []exchange.ExchangePosition{
		{Asset: "ETH/USD", Direction: model.DirectionShort, Quantity: decimal.NewFromInt(5), EntryPrice: decimal.NewFromInt(3000)},
	}}

	summary := Run(context.Background(), adapter, reg, nil, model.ModePaper)

	assert.Equal(t, 1, summary.UnknownAdded)
	assert.Equal(t, 0, summary.OrphanedClosed)

	open := reg.OpenPositions()
	require.Len(t, open, 1)
	assert.Equal(t, model.OriginReconciled, open[0].Origin)
	assert.Equal(t, "reconciled_ETH/USD_short", open[0].StrategyPositionID)
}

func TestReconcileMatchedPositionUntouched(t *testing.T) {
	reg := newRegistry(t)
	_, err := reg.OpenPosition("sp1", "strat1", "BTC/USD", model.DirectionLong, decimal.NewFromInt(1), decimal.NewFromInt(50000), model.OriginStrategy, model.ModePaper)
	require.NoError(t, err)

	adapter := &fakeAdapter{positions: []exchange.ExchangePosition{
		{Asset: "BTC/USD", Direction: model.DirectionLong, Quantity: decimal.NewFromInt(1), EntryPrice: decimal.NewFromInt(50000)},
	}}

	summary := Run(context.Background(), adapter, reg, nil, model.ModePaper)

	assert.Equal(t, 1, summary.Matched)
	assert.Equal(t, 0, summary.OrphanedClosed)
	assert.Equal(t, 0, summary.UnknownAdded)
	assert.Len(t, reg.OpenPositions(), 1)
}

func TestReconcileAdapterErrorReportsStatusError(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	events := eventlog.New(dir)
	adapter := &fakeAdapter{err: assert.AnError}

	summary := Run(context.Background(), adapter, reg, events, model.ModePaper)

	assert.Equal(t, "error", summary.Status)
	assert.NotEmpty(t, summary.Error)

	recent := events.GetRecent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, model.EventReconciliationSummary, recent[0].EventType)
	assert.Equal(t, "error", recent[0].Data["status"])
}

func TestReconcileEmitsSummaryEvenOnSuccess(t *testing.T) {
	reg := newRegistry(t)
	dir := t.TempDir()
	events := eventlog.New(dir)
	adapter := &fakeAdapter{}

	Run(context.Background(), adapter, reg, events, model.ModePaper)

	recent := events.GetRecent(10)
	require.Len(t, recent, 1)
	assert.Equal(t, model.EventReconciliationSummary, recent[0].EventType)
	assert.Equal(t, "ok", recent[0].Data["status"])
}
