package engine

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/marketdata"
	"github.com/aegis-trade/execution-core/internal/metrics"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/risk"
	"github.com/aegis-trade/execution-core/internal/router"
	"github.com/aegis-trade/execution-core/internal/safemode"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

// Coordinator is the single-writer tick task: one
// goroutine drains market-data snapshots and, per tick, consults the
// Risk Enforcer, then runs Entry evaluation followed by Exit
// evaluation, in that order, so a position never opens and closes
// within the same tick.
type Coordinator struct {
	entry    *EntryEvaluator
	exit     *ExitEvaluator
	risk     *risk.Enforcer
	safeMode *safemode.Controller
	registry *registry.Registry
	hub      *marketdata.Hub
	adapter  exchange.Adapter
	router   *router.Router
	strategySvc *strategy.Service
	mode     ModeSource
	events   *eventlog.Log
	log      *logx.Logger

	mu          sync.Mutex
	rateLimited bool
	ticks       chan struct{}
}

// NewCoordinator wires a Coordinator. Call Trigger() (directly, or via
// hub.OnSnapshot) to enqueue a tick; call Run to start draining them.
func NewCoordinator(entry *EntryEvaluator, exit *ExitEvaluator, riskEnforcer *risk.Enforcer, safeModeCtl *safemode.Controller, reg *registry.Registry, hub *marketdata.Hub, adapter exchange.Adapter, r *router.Router, strategySvc *strategy.Service, mode ModeSource, events *eventlog.Log) *Coordinator {
	c := &Coordinator{
		entry:       entry,
		exit:        exit,
		risk:        riskEnforcer,
		safeMode:    safeModeCtl,
		registry:    reg,
		hub:         hub,
		adapter:     adapter,
		router:      r,
		strategySvc: strategySvc,
		mode:        mode,
		events:      events,
		log:         logx.New().With("component", "engine.coordinator"),
		ticks:       make(chan struct{}, 1),
	}
	hub.OnSnapshot(func(model.MarketSnapshot) { c.Trigger() })
	return c
}

// Trigger enqueues a tick without blocking; if one is already pending,
// this is a no-op — ticks coalesce rather than queue unboundedly.
func (c *Coordinator) Trigger() {
	select {
	case c.ticks <- struct{}{}:
	default:
	}
}

// Run drains enqueued ticks on the calling goroutine until ctx is
// cancelled. This is the sole writer touching the Entry/Exit
// evaluators' dispatch state; crossing detection is only well-defined
// under a total tick ordering per expression.
func (c *Coordinator) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.ticks:
			c.runOneTick(ctx)
		}
	}
}

func (c *Coordinator) runOneTick(ctx context.Context) {
	start := time.Now()
	defer func() { metrics.TickDuration.Observe(time.Since(start).Seconds()) }()

	mode := c.mode.Current()
	metrics.OpenPositionsCount.Set(float64(len(c.registry.OpenPositions())))

	if c.checkRateLimit(ctx, mode) {
		c.exit.Evaluate(ctx)
		return
	}

	if c.risk != nil {
		c.evaluateRisk(ctx, mode)
	}
	if c.safeMode == nil || !c.safeMode.Active() {
		c.entry.Evaluate(ctx)
	}
	c.router.PollOpenOrders(ctx, mode)
	c.exit.Evaluate(ctx)
}

// checkRateLimit suspends new order placement while the adapter
// reports rate-limited. It returns true
// when entries should be skipped this tick.
func (c *Coordinator) checkRateLimit(ctx context.Context, mode model.Mode) bool {
	limited := c.adapter.IsRateLimited()
	if limited {
		metrics.RateLimitedGauge.Set(1)
	} else {
		metrics.RateLimitedGauge.Set(0)
	}

	c.mu.Lock()
	wasLimited := c.rateLimited
	c.rateLimited = limited
	c.mu.Unlock()

	if limited && !wasLimited {
		resumesAt := c.adapter.RateLimitResumesAt()
		if c.events != nil {
			c.events.Append(mode, model.EventRateLimitBackoffStarted, map[string]interface{}{
				"resumes_at": resumesAt,
			})
		}
		c.scheduleBackoffEnd(resumesAt, mode)
	}
	return limited
}

func (c *Coordinator) scheduleBackoffEnd(resumesAt time.Time, mode model.Mode) {
	delay := time.Until(resumesAt)
	if delay < 0 {
		delay = 0
	}
	time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.rateLimited = c.adapter.IsRateLimited()
		stillLimited := c.rateLimited
		c.mu.Unlock()
		if stillLimited {
			return
		}
		if c.events != nil {
			c.events.Append(mode, model.EventRateLimitBackoffEnded, nil)
		}
		c.Trigger()
	})
}

// evaluateRisk recomputes the portfolio's exposure/drawdown/daily-loss
// flags against the active strategy's portfolio_risk limits and
// activates Safe Mode on a drawdown breach.
func (c *Coordinator) evaluateRisk(ctx context.Context, mode model.Mode) {
	compiled := c.strategySvc.Current()
	if compiled == nil {
		return
	}

	balance, err := c.adapter.GetAccountBalance(ctx)
	if err != nil {
		c.log.Errorf("risk evaluation failed to fetch balance: %v", err)
		return
	}

	exposure := decimal.Zero
	for _, pos := range c.registry.OpenPositions() {
		price := pos.CurrentPrice
		if price.IsZero() {
			if snap, ok := c.hub.GetSnapshot(pos.Asset); ok {
				price = snap.Mid()
			}
		}
		exposure = exposure.Add(pos.Quantity.Mul(price))
	}

	limits := risk.Limits{
		MaxDrawdownPct:      compiled.Document.PortfolioRisk.MaxDrawdownPct,
		MaxTotalExposurePct: compiled.Document.PortfolioRisk.MaxTotalExposurePct,
		DailyLossLimitUSD:   compiled.Document.PortfolioRisk.DailyLossLimitUSD,
	}
	c.risk.Evaluate(balance.TotalEquity, exposure, limits, mode)

	equityFloat, _ := balance.TotalEquity.Float64()
	exposureFloat, _ := exposure.Float64()
	drawdownFloat, _ := c.risk.DrawdownPct().Float64()
	metrics.EquityTotal.Set(equityFloat)
	metrics.ExposureNotional.Set(exposureFloat)
	metrics.DrawdownPct.Set(drawdownFloat)

	if c.risk.SafeModeTriggered() && c.safeMode != nil && !c.safeMode.Active() {
		c.safeMode.Activate(ctx, "drawdown_breach", mode)
	}
}
