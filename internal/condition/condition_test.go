package condition

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/model"
)

func snap(asset string, bid, ask float64) model.MarketSnapshot {
	return model.MarketSnapshot{
		Asset: asset,
		Bid:   decimal.NewFromFloat(bid),
		Ask:   decimal.NewFromFloat(ask),
	}
}

func TestSimpleComparison(t *testing.T) {
	node, err := Parse("price(BTC/USD) > 50000")
	require.NoError(t, err)

	snaps := Snapshots{"BTC/USD": snap("BTC/USD", 60000, 60010)}
	assert.Equal(t, True, node.Evaluate(snaps))

	snaps = Snapshots{"BTC/USD": snap("BTC/USD", 40000, 40010)}
	assert.Equal(t, False, node.Evaluate(snaps))
}

func TestUnknownWhenAssetMissing(t *testing.T) {
	node, err := Parse("price(BTC/USD) > 50000")
	require.NoError(t, err)
	assert.Equal(t, Unknown, node.Evaluate(Snapshots{}))
}

func TestAndOrNot(t *testing.T) {
	node, err := Parse("AND(price(BTC/USD) > 50000, price(ETH/USD) < 4000)")
	require.NoError(t, err)
	snaps := Snapshots{
		"BTC/USD": snap("BTC/USD", 60000, 60010),
		"ETH/USD": snap("ETH/USD", 3000, 3010),
	}
	assert.Equal(t, True, node.Evaluate(snaps))

	orNode, err := Parse("OR(price(BTC/USD) > 500000, price(ETH/USD) < 4000)")
	require.NoError(t, err)
	assert.Equal(t, True, orNode.Evaluate(snaps))

	notNode, err := Parse("NOT(price(BTC/USD) > 500000)")
	require.NoError(t, err)
	assert.Equal(t, True, notNode.Evaluate(snaps))
}

func TestAndRequiresAtLeastTwoChildren(t *testing.T) {
	_, err := Parse("AND(price(BTC/USD) > 1)")
	assert.Error(t, err)
}

func TestThreeValuedLogicPropagation(t *testing.T) {
	// true AND unknown = unknown
	assert.Equal(t, Unknown, And(True, Unknown))
	// true OR unknown = true
	assert.Equal(t, True, Or(True, Unknown))
	// false AND unknown = false
	assert.Equal(t, False, And(False, Unknown))
	// false OR unknown = unknown
	assert.Equal(t, Unknown, Or(False, Unknown))
	assert.Equal(t, Unknown, Not(Unknown))
}

func TestCrossesAboveNeverFiresOnFirstEvaluation(t *testing.T) {
	node, err := Parse("crosses_above(price(BTC/USD), 50000)")
	require.NoError(t, err)

	snaps := Snapshots{"BTC/USD": snap("BTC/USD", 60000, 60010)}
	assert.Equal(t, False, node.Evaluate(snaps), "must never fire on first tick")
}

func TestCrossesAboveFiresOnStrictTransition(t *testing.T) {
	node, err := Parse("crosses_above(price(BTC/USD), 50000)")
	require.NoError(t, err)

	// Tick 1: below threshold, records state, returns false.
	node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 40000, 40010)})
	// Tick 2: still below.
	result := node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 45000, 45010)})
	assert.Equal(t, False, result)
	// Tick 3: crosses above.
	result = node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 55000, 55010)})
	assert.Equal(t, True, result)
	// Tick 4: stays above — must not re-fire.
	result = node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 56000, 56010)})
	assert.Equal(t, False, result)
}

func TestCrossesBelowFiresOnStrictTransition(t *testing.T) {
	node, err := Parse("crosses_below(price(BTC/USD), 50000)")
	require.NoError(t, err)

	node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 60000, 60010)})
	result := node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 40000, 40010)})
	assert.Equal(t, True, result)
}

func TestCrossNodeKeepsStateAcrossUnknown(t *testing.T) {
	node, err := Parse("crosses_above(price(BTC/USD), 50000)")
	require.NoError(t, err)

	node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 40000, 40010)})
	// Missing snapshot: unknown, must not corrupt prior state nor crash.
	assert.Equal(t, Unknown, node.Evaluate(Snapshots{}))
	result := node.Evaluate(Snapshots{"BTC/USD": snap("BTC/USD", 60000, 60010)})
	assert.Equal(t, True, result)
}

func TestInfixCrossesAboveOnSnapshotIndicator(t *testing.T) {
	node, err := Parse("MACD_histogram(BTC/USD) crosses_above 0")
	require.NoError(t, err)

	histSnap := func(v float64) Snapshots {
		return Snapshots{"BTC/USD": {
			Asset:      "BTC/USD",
			Indicators: map[string]decimal.Decimal{"MACD_HISTOGRAM": decimal.NewFromFloat(v)},
		}}
	}
	assert.Equal(t, False, node.Evaluate(histSnap(-0.5)), "first tick records state, never fires")
	assert.Equal(t, True, node.Evaluate(histSnap(0.5)))
	assert.Equal(t, False, node.Evaluate(histSnap(1.0)), "no re-entry while still above")
}

func TestUnknownFunctionFallsThroughToIndicatorLookup(t *testing.T) {
	node, err := Parse("CUSTOM(7, BTC/USD) > 10")
	require.NoError(t, err)

	snaps := Snapshots{"BTC/USD": {
		Asset:      "BTC/USD",
		Indicators: map[string]decimal.Decimal{"CUSTOM_7": decimal.NewFromInt(15)},
	}}
	assert.Equal(t, True, node.Evaluate(snaps))
}

func TestEqualityUsesRelativeTolerance(t *testing.T) {
	node, err := Parse("price(BTC/USD) == 50000")
	require.NoError(t, err)
	snaps := Snapshots{"BTC/USD": snap("BTC/USD", 50000.00001, 50000.00002)}
	assert.Equal(t, True, node.Evaluate(snaps))
}

func TestRSIIndicatorViaPushBar(t *testing.T) {
	asset := "RSITEST/USD"
	for i := 0; i < 30; i++ {
		price := decimal.NewFromInt(int64(100 + i))
		PushBar(asset, price, price, price)
	}
	node, err := Parse("RSI(14, " + asset + ") > 50")
	require.NoError(t, err)
	result := node.Evaluate(Snapshots{})
	assert.Equal(t, True, result, "steadily rising prices should produce RSI above 50")
}

func TestMalformedConditionsReturnParseError(t *testing.T) {
	cases := []string{
		"AND(price(BTC/USD) > 1)",
		"NOT(a, b)",
		"price(BTC/USD) ",
		"UNKNOWN_OP(1, 2)",
		"price(BTC/USD) >>",
	}
	for _, c := range cases {
		_, err := Parse(c)
		assert.Error(t, err, "expected parse error for %q", c)
	}
}
