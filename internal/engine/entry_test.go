package engine

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/marketdata"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/risk"
	"github.com/aegis-trade/execution-core/internal/router"
	"github.com/aegis-trade/execution-core/internal/sizer"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

type fixedMode struct{ m model.Mode }

func (f fixedMode) Current() model.Mode { return f.m }

func marketDoc() model.StrategyDocument {
	return model.StrategyDocument{
		Mode:           model.ModePaper,
		ValidityWindow: time.Now().Add(time.Hour),
		Posture:        model.PostureModerate,
		PortfolioRisk: model.PortfolioRisk{
			MaxDrawdownPct:      decimal.NewFromFloat(0.2),
			DailyLossLimitUSD:   decimal.NewFromInt(1000),
			MaxTotalExposurePct: decimal.NewFromFloat(0.9),
			MaxPerPositionPct:   decimal.NewFromFloat(0.2),
		},
		Positions: []model.StrategyPosition{
			{
				ID:            "pos-1",
				Asset:         "BTC/USD",
				Direction:     model.DirectionLong,
				AllocationPct: decimal.NewFromFloat(0.1),
				EntryType:     model.EntryMarket,
				StopLoss:      model.StopLoss{Kind: model.StopLossHard, Price: decimal.NewFromInt(40000)},
			},
		},
	}
}

func writeStrategyFile(t *testing.T, path string, doc model.StrategyDocument) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func waitForSnapshot(t *testing.T, hub *marketdata.Hub, asset string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if _, ok := hub.GetSnapshot(asset); ok {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s snapshot", asset)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

// waitForMid blocks until hub's cached snapshot for asset reflects mid,
// needed after a SetMid call races with the Hub's async consume loop.
func waitForMid(t *testing.T, hub *marketdata.Hub, asset string, mid decimal.Decimal) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if snap, ok := hub.GetSnapshot(asset); ok && snap.Mid().Equal(mid) {
			return
		}
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for %s mid to reach %s", asset, mid)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

type harness struct {
	entry        *EntryEvaluator
	registry     *registry.Registry
	paper        *exchange.Paper
	events       *eventlog.Log
	strategy     *strategy.Service
	strategyPath string
	hub          *marketdata.Hub
	router       *router.Router
}

func newHarness(t *testing.T, doc model.StrategyDocument, startingBalance decimal.Decimal) *harness {
	t.Helper()
	dir := t.TempDir()
	events := eventlog.New(dir)

	paper := exchange.NewPaper(exchange.PaperConfig{
		SlippageBps:    decimal.NewFromFloat(10), // 0.1% taker slippage
		CommissionBps:  decimal.Zero,
		StartingEquity: startingBalance,
	})
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	reg := registry.New(filepath.Join(dir, "positions.json"), filepath.Join(dir, "trades.json"), events)
	require.NoError(t, reg.Load())

	rtr := router.New(paper, reg, events, nil)
	sz := sizer.New(paper, nil)
	hub := marketdata.New(paper)

	strategyPath := filepath.Join(dir, "strategy.json")
	writeStrategyFile(t, strategyPath, doc)
	svc := strategy.New(strategyPath, 20*time.Millisecond, events, nil)
	require.NoError(t, svc.Start(context.Background(), time.Hour))
	t.Cleanup(svc.Stop)

	require.NoError(t, hub.Resubscribe(context.Background(), svc.Current().Assets()))
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))
	waitForSnapshot(t, hub, "BTC/USD")

	riskEnf := risk.New(startingBalance, events)
	ev := NewEntryEvaluator(svc, hub, sz, rtr, riskEnf, nil, fixedMode{model.ModePaper}, events)
	return &harness{entry: ev, registry: reg, paper: paper, events: events, strategy: svc, strategyPath: strategyPath, hub: hub, router: rtr}
}

func TestEntryEvaluatorHappyPathMarketEntry(t *testing.T) {
	h := newHarness(t, marketDoc(), decimal.NewFromInt(10000))

	h.entry.Evaluate(context.Background())

	open := h.registry.OpenPositions()
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.Equal(decimal.NewFromFloat(0.02)), "expected qty 0.02, got %s", open[0].Quantity)

	var sawOpened bool
	for _, e := range h.events.GetRecent(50) {
		if e.EventType == model.EventPositionOpened {
			sawOpened = true
		}
	}
	assert.True(t, sawOpened)
}

func TestEntryEvaluatorDoesNotReenterOnceDispatched(t *testing.T) {
	h := newHarness(t, marketDoc(), decimal.NewFromInt(10000))

	h.entry.Evaluate(context.Background())
	h.entry.Evaluate(context.Background())

	assert.Len(t, h.registry.OpenPositions(), 1, "second tick must not duplicate the market entry")
}

func TestEntryEvaluatorSkipsExitAllPosture(t *testing.T) {
	doc := marketDoc()
	doc.Posture = model.PostureExitAll
	h := newHarness(t, doc, decimal.NewFromInt(10000))

	h.entry.Evaluate(context.Background())
	assert.Empty(t, h.registry.OpenPositions())
}

func TestEntryEvaluatorDispatchSetResetOnStrategyReload(t *testing.T) {
	doc := marketDoc()
	h := newHarness(t, doc, decimal.NewFromInt(10000))

	h.entry.Evaluate(context.Background())
	require.Len(t, h.registry.OpenPositions(), 1)

	h.entry.reset() // simulates the OnLoaded callback firing for a new strategy_id
	h.entry.Evaluate(context.Background())
	// The dispatch set was cleared, so a second order is placed and filled,
	// but it merges into the existing position (same strategy-position-id)
	// rather than opening a second one.
	open := h.registry.OpenPositions()
	require.Len(t, open, 1)
	assert.True(t, open[0].Quantity.GreaterThan(decimal.NewFromFloat(0.02)), "second fill should have added quantity to the existing position")
}
