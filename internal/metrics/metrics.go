// Package metrics exposes the Prometheus instrumentation surface:
// position, risk, and order-flow gauges/counters on a dedicated
// registry, updated by the engine and failuretracker packages and by
// an event-log subscription as they run.
package metrics

import (
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/model"
)

var (
	// Registry is the custom registry execution-core metrics register
	// against, kept separate from the default global registry so a host
	// process embedding this module can mount it under its own path.
	Registry = prometheus.NewRegistry()

	mu sync.RWMutex

	// PositionUnrealizedPnL tracks per-position unrealized P&L in quote
	// currency.
	PositionUnrealizedPnL = promauto.With(Registry).NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "position",
			Name:      "unrealized_pnl",
			Help:      "Unrealized P&L per open position",
		},
		[]string{"asset", "direction"},
	)

	// OpenPositionsCount tracks the number of currently open positions.
	OpenPositionsCount = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "position",
			Name:      "open_count",
			Help:      "Number of open positions",
		},
	)

	// EquityTotal tracks current total account equity.
	EquityTotal = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "risk",
			Name:      "equity_total",
			Help:      "Current total account equity",
		},
	)

	// ExposureNotional tracks current total open-position notional.
	ExposureNotional = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "risk",
			Name:      "exposure_notional",
			Help:      "Current total open-position notional",
		},
	)

	// DrawdownPct tracks current drawdown from the rolling equity peak.
	DrawdownPct = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "risk",
			Name:      "drawdown_pct",
			Help:      "Current drawdown percentage from rolling equity peak",
		},
	)

	// SafeModeActive reports 1 when safe mode is engaged, 0 otherwise.
	SafeModeActive = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "risk",
			Name:      "safe_mode_active",
			Help:      "Whether safe mode is currently engaged",
		},
	)

	// OrdersTotal counts placed orders by side and exit/entry class.
	OrdersTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execution_core",
			Subsystem: "order",
			Name:      "placed_total",
			Help:      "Total orders placed",
		},
		[]string{"asset", "side", "kind"},
	)

	// OrdersRejectedTotal counts exchange-rejected orders.
	OrdersRejectedTotal = promauto.With(Registry).NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "execution_core",
			Subsystem: "order",
			Name:      "rejected_total",
			Help:      "Total orders rejected by the exchange",
		},
		[]string{"asset"},
	)

	// TickDuration tracks per-tick coordinator latency.
	TickDuration = promauto.With(Registry).NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "execution_core",
			Subsystem: "engine",
			Name:      "tick_duration_seconds",
			Help:      "Duration of one coordinator tick",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 2},
		},
	)

	// RateLimitedGauge reports 1 while the active exchange adapter is
	// rate-limited.
	RateLimitedGauge = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "exchange",
			Name:      "rate_limited",
			Help:      "Whether the active exchange adapter is currently rate-limited",
		},
	)

	// ConsecutiveFailures tracks the failure tracker's current streak.
	ConsecutiveFailures = promauto.With(Registry).NewGauge(
		prometheus.GaugeOpts{
			Namespace: "execution_core",
			Subsystem: "resilience",
			Name:      "consecutive_failures",
			Help:      "Current consecutive exchange-call failure count",
		},
	)
)

// SetPositionPnL records one position's unrealized P&L.
func SetPositionPnL(asset, direction string, pnl float64) {
	mu.Lock()
	defer mu.Unlock()
	PositionUnrealizedPnL.WithLabelValues(asset, direction).Set(pnl)
}

// ClearPositionPnL removes a closed position's gauge series.
func ClearPositionPnL(asset, direction string) {
	mu.Lock()
	defer mu.Unlock()
	PositionUnrealizedPnL.DeleteLabelValues(asset, direction)
}

// RecordOrderPlaced increments the placed-orders counter.
func RecordOrderPlaced(asset, side, kind string) {
	OrdersTotal.WithLabelValues(asset, side, kind).Inc()
}

// RecordOrderRejected increments the rejected-orders counter.
func RecordOrderRejected(asset string) {
	OrdersRejectedTotal.WithLabelValues(asset).Inc()
}

// Init registers the standard Go runtime/process collectors alongside
// the domain metrics above.
func Init() {
	Registry.MustRegister(prometheus.NewGoCollector())
	Registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))
}

// SubscribeEventLog wires counters that are naturally event-driven
// (orders placed/rejected, safe mode activation) to an event log, so
// the engine and router packages don't need a direct metrics import.
func SubscribeEventLog(events *eventlog.Log) {
	events.Subscribe(handleEvent)
}

func handleEvent(ev model.Event) {
	switch ev.EventType {
	case model.EventOrderPlaced:
		// Exit orders carry no strategy_position_id; entries always do.
		kind := "entry"
		if stringField(ev.Data, "strategy_position_id") == "" {
			kind = "exit"
		}
		RecordOrderPlaced(stringField(ev.Data, "asset"), stringField(ev.Data, "side"), kind)
	case model.EventOrderRejected:
		RecordOrderRejected(stringField(ev.Data, "asset"))
	case model.EventSafeModeActivated:
		SafeModeActive.Set(1)
	case model.EventSafeModeDeactivated:
		SafeModeActive.Set(0)
	}
}

// stringField renders a data field as a string regardless of whether
// it was stored as a plain string or a named string type (model.Side,
// model.OrderStatus, ...).
func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
