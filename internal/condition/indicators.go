package condition

import (
	"strings"
	"sync"

	"github.com/markcheno/go-talib"
	"github.com/shopspring/decimal"
)

// indicatorKey builds the snapshot indicator key:
// NAME_PARAM1_PARAM2…, uppercased.
func indicatorKey(name string, args []decimal.Decimal) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, strings.ToUpper(name))
	for _, a := range args {
		parts = append(parts, a.String())
	}
	return strings.Join(parts, "_")
}

// ohlcvFunc computes a built-in indicator from a rolling OHLCV buffer
// for one asset.
type ohlcvFunc func(asset string, args []decimal.Decimal) (decimal.Decimal, bool)

// builtinFunctions maps indicator names recognized directly by the DSL
// to talib-backed implementations. Unrecognized names fall through to
// an opaque snapshot indicator lookup (see FuncRef.Resolve).
var builtinFunctions = map[string]ohlcvFunc{
	"RSI":             builtinRSI,
	"MACD_HISTOGRAM":  builtinMACDHistogram,
	"ATR":             builtinATR,
	"EMA":             builtinEMA,
	"SMA":             builtinSMA,
}

// series is a single asset's rolling OHLCV history, fed by the Market
// Data Hub (or directly by tests) and consumed by the talib function
// table. Bounded to maxBars; oldest bars drop off as new ones arrive.
type series struct {
	mu              sync.RWMutex
	high, low, close []float64
}

const maxBars = 500

var seriesStore = struct {
	mu   sync.RWMutex
	byAsset map[string]*series
}{byAsset: make(map[string]*series)}

// PushBar appends one OHLC bar for asset, trimming the buffer to the
// most recent maxBars entries.
func PushBar(asset string, high, low, close decimal.Decimal) {
	seriesStore.mu.Lock()
	s, ok := seriesStore.byAsset[asset]
	if !ok {
		s = &series{}
		seriesStore.byAsset[asset] = s
	}
	seriesStore.mu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.high = append(s.high, high.InexactFloat64())
	s.low = append(s.low, low.InexactFloat64())
	s.close = append(s.close, close.InexactFloat64())
	if len(s.close) > maxBars {
		trim := len(s.close) - maxBars
		s.high = s.high[trim:]
		s.low = s.low[trim:]
		s.close = s.close[trim:]
	}
}

func getSeries(asset string) (*series, bool) {
	seriesStore.mu.RLock()
	defer seriesStore.mu.RUnlock()
	s, ok := seriesStore.byAsset[asset]
	return s, ok
}

func intArg(args []decimal.Decimal, idx int, def int) int {
	if idx >= len(args) {
		return def
	}
	return int(args[idx].IntPart())
}

func builtinRSI(asset string, args []decimal.Decimal) (decimal.Decimal, bool) {
	s, ok := getSeries(asset)
	if !ok {
		return decimal.Zero, false
	}
	period := intArg(args, 0, 14)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.close) <= period {
		return decimal.Zero, false
	}
	out := talib.Rsi(s.close, period)
	return lastValue(out)
}

func builtinMACDHistogram(asset string, args []decimal.Decimal) (decimal.Decimal, bool) {
	s, ok := getSeries(asset)
	if !ok {
		return decimal.Zero, false
	}
	fast := intArg(args, 0, 12)
	slow := intArg(args, 1, 26)
	signal := intArg(args, 2, 9)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.close) <= slow+signal {
		return decimal.Zero, false
	}
	_, _, hist := talib.Macd(s.close, fast, slow, signal)
	return lastValue(hist)
}

func builtinATR(asset string, args []decimal.Decimal) (decimal.Decimal, bool) {
	s, ok := getSeries(asset)
	if !ok {
		return decimal.Zero, false
	}
	period := intArg(args, 0, 14)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.close) <= period {
		return decimal.Zero, false
	}
	out := talib.Atr(s.high, s.low, s.close, period)
	return lastValue(out)
}

func builtinEMA(asset string, args []decimal.Decimal) (decimal.Decimal, bool) {
	s, ok := getSeries(asset)
	if !ok {
		return decimal.Zero, false
	}
	period := intArg(args, 0, 20)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.close) <= period {
		return decimal.Zero, false
	}
	out := talib.Ema(s.close, period)
	return lastValue(out)
}

func builtinSMA(asset string, args []decimal.Decimal) (decimal.Decimal, bool) {
	s, ok := getSeries(asset)
	if !ok {
		return decimal.Zero, false
	}
	period := intArg(args, 0, 20)
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.close) <= period {
		return decimal.Zero, false
	}
	out := talib.Sma(s.close, period)
	return lastValue(out)
}

func lastValue(series []float64) (decimal.Decimal, bool) {
	if len(series) == 0 {
		return decimal.Zero, false
	}
	v := series[len(series)-1]
	if v != v { // NaN guard: talib returns NaN for the warm-up window
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(v), true
}
