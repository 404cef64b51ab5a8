package strategy

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
	"github.com/aegis-trade/execution-core/internal/model"
)

func validDoc(validity time.Time) model.StrategyDocument {
	return model.StrategyDocument{
		Mode:           model.ModePaper,
		ValidityWindow: validity,
		Posture:        model.PostureModerate,
		PortfolioRisk: model.PortfolioRisk{
			MaxDrawdownPct:      decimal.NewFromFloat(0.2),
			DailyLossLimitUSD:   decimal.NewFromInt(500),
			MaxTotalExposurePct: decimal.NewFromFloat(0.8),
			MaxPerPositionPct:   decimal.NewFromFloat(0.3),
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

func writeDoc(t *testing.T, path string, doc model.StrategyDocument) {
	t.Helper()
	data, err := json.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestValidateRejectsPastValidityWindow(t *testing.T) {
	doc := validDoc(time.Now().Add(-time.Hour))
	err := Validate(doc, time.Now().UTC())
	assert.Error(t, err)
}

func TestValidateRejectsTakeProfitOverAllocation(t *testing.T) {
	doc := validDoc(time.Now().Add(time.Hour))
	doc.Positions[0].TakeProfitTargets = []model.TakeProfitTarget{
		{Price: decimal.NewFromInt(70000), ClosePct: decimal.NewFromFloat(0.6)},
		{Price: decimal.NewFromInt(80000), ClosePct: decimal.NewFromFloat(0.6)},
	}
	err := Validate(doc, time.Now().UTC())
	assert.Error(t, err)
}

func TestValidateRejectsUnorderedTakeProfitTargets(t *testing.T) {
	doc := validDoc(time.Now().Add(time.Hour))
	doc.Positions[0].TakeProfitTargets = []model.TakeProfitTarget{
		{Price: decimal.NewFromInt(80000), ClosePct: decimal.NewFromFloat(0.5)},
		{Price: decimal.NewFromInt(70000), ClosePct: decimal.NewFromFloat(0.5)},
	}
	assert.Error(t, Validate(doc, time.Now().UTC()), "long targets must be ascending by price")

	// The same prices are valid for a short, where targets descend.
	doc.Positions[0].Direction = model.DirectionShort
	assert.NoError(t, Validate(doc, time.Now().UTC()))
}

func TestValidateAcceptsWellFormedDocument(t *testing.T) {
	doc := validDoc(time.Now().Add(time.Hour))
	assert.NoError(t, Validate(doc, time.Now().UTC()))
}

func TestServiceLoadsAndCompilesOnStart(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().Add(time.Hour)))

	events := eventlog.New(dir)
	svc := New(path, 20*time.Millisecond, events, nil)
	require.NoError(t, svc.Start(context.Background(), time.Hour))
	defer svc.Stop()

	assert.Equal(t, StateActive, svc.State())
	require.NotNil(t, svc.Current())
	assert.Len(t, svc.Current().Positions, 1)
}

func TestServiceRejectsInvalidHotReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().Add(time.Hour)))

	events := eventlog.New(dir)
	svc := New(path, 20*time.Millisecond, events, nil)
	require.NoError(t, svc.Start(context.Background(), time.Hour))
	defer svc.Stop()

	firstID := svc.Current().StrategyID

	bad := validDoc(time.Now().Add(-time.Hour)) // expired validity window
	writeDoc(t, path, bad)

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, firstID, svc.Current().StrategyID, "invalid reload must not replace the active strategy")

	recent := events.GetRecent(10)
	var sawRejected bool
	for _, e := range recent {
		if e.EventType == model.EventStrategyRejected {
			sawRejected = true
		}
	}
	assert.True(t, sawRejected)
}

func TestServiceSwapsOnValidReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "strategy.json")
	writeDoc(t, path, validDoc(time.Now().Add(time.Hour)))

	events := eventlog.New(dir)
	svc := New(path, 20*time.Millisecond, events, nil)
	require.NoError(t, svc.Start(context.Background(), time.Hour))
	defer svc.Stop()

	firstID := svc.Current().StrategyID

	updated := validDoc(time.Now().Add(2 * time.Hour))
	updated.Positions[0].AllocationPct = decimal.NewFromFloat(0.2)
	writeDoc(t, path, updated)

	time.Sleep(200 * time.Millisecond)
	assert.NotEqual(t, firstID, svc.Current().StrategyID)

	recent := events.GetRecent(10)
	var sawSwapped bool
	for _, e := range recent {
		if e.EventType == model.EventStrategySwapped {
			sawSwapped = true
		}
	}
	assert.True(t, sawSwapped)
}
