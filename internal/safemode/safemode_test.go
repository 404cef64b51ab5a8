package safemode

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/model"
)

type fakeCloser struct {
	positions []*model.OpenPosition
	closed    []string
	failNext  bool
}

func (f *fakeCloser) OpenPositions() []*model.OpenPosition { return f.positions }

func (f *fakeCloser) PlaceExitOrder(ctx context.Context, positionID, asset string, side model.Side, qty decimal.Decimal, reason model.ExitReason, mode model.Mode) (*model.OrderRecord, error) {
	if f.failNext {
		f.failNext = false
		return nil, assert.AnError
	}
	f.closed = append(f.closed, positionID)
	return &model.OrderRecord{InternalID: positionID}, nil
}

type fakeResetter struct{ calls int }

func (f *fakeResetter) Reset() { f.calls++ }

func TestActivateIsNoOpWhenAlreadyActive(t *testing.T) {
	dir := t.TempDir()
	events := eventlog.New(dir)
	closer := &fakeCloser{positions: []*model.OpenPosition{{ID: "p1", Asset: "BTC/USD", Direction: model.DirectionLong, Quantity: decimal.NewFromInt(1)}}}
	ctrl := New(filepath.Join(dir, "safe_mode.json"), events, closer, &fakeResetter{})

	ctrl.Activate(context.Background(), "consecutive_failures", model.ModePaper)
	ctrl.Activate(context.Background(), "drawdown", model.ModePaper)

	assert.Equal(t, "consecutive_failures", ctrl.Reason(), "second activation must be a no-op")
	assert.Len(t, closer.closed, 1, "position close dispatch must happen exactly once")

	recent := events.GetRecent(10)
	activations := 0
	for _, e := range recent {
		if e.EventType == model.EventSafeModeActivated {
			activations++
		}
	}
	assert.Equal(t, 1, activations)
}

func TestActivateClosesAllOpenPositionsBestEffort(t *testing.T) {
	dir := t.TempDir()
	closer := &fakeCloser{
		positions: []*model.OpenPosition{
			{ID: "p1", Asset: "BTC/USD", Direction: model.DirectionLong, Quantity: decimal.NewFromInt(1)},
			{ID: "p2", Asset: "ETH/USD", Direction: model.DirectionShort, Quantity: decimal.NewFromInt(2)},
		},
		failNext: true,
	}
	ctrl := New(filepath.Join(dir, "safe_mode.json"), nil, closer, &fakeResetter{})

	ctrl.Activate(context.Background(), "consecutive_failures", model.ModePaper)

	assert.True(t, ctrl.Active())
	// p1's close failed, but activation still stands and p2 still got dispatched.
	assert.Equal(t, []string{"p2"}, closer.closed)
}

func TestDeactivateResetsFailureTrackerAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "safe_mode.json")
	resetter := &fakeResetter{}
	ctrl := New(path, nil, &fakeCloser{}, resetter)

	ctrl.Activate(context.Background(), "consecutive_failures", model.ModePaper)
	require.True(t, ctrl.Active())

	ctrl.Deactivate(model.ModePaper)
	assert.False(t, ctrl.Active())
	assert.Equal(t, "", ctrl.Reason())
	assert.Equal(t, 1, resetter.calls)

	reloaded := New(path, nil, &fakeCloser{}, &fakeResetter{})
	require.NoError(t, reloaded.Load())
	assert.False(t, reloaded.Active())
}

func TestLoadRestoresActiveState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "safe_mode.json")

	seed := New(path, nil, &fakeCloser{}, &fakeResetter{})
	seed.Activate(context.Background(), "drawdown", model.ModePaper)

	reloaded := New(path, nil, &fakeCloser{}, &fakeResetter{})
	require.NoError(t, reloaded.Load())
	assert.True(t, reloaded.Active())
	assert.Equal(t, "drawdown", reloaded.Reason())
}
