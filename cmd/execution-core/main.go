// Command execution-core runs the autonomous execution service: it
// loads configuration, wires every component, runs
// startup reconciliation, and drives the tick coordinator until
// terminated.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/audit"
	"github.com/aegis-trade/execution-core/internal/broadcast"
	"github.com/aegis-trade/execution-core/internal/config"
	"github.com/aegis-trade/execution-core/internal/engine"
	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/failuretracker"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/marketdata"
	"github.com/aegis-trade/execution-core/internal/metrics"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/operator"
	"github.com/aegis-trade/execution-core/internal/opmode"
	"github.com/aegis-trade/execution-core/internal/reconcile"
	"github.com/aegis-trade/execution-core/internal/registry"
	"github.com/aegis-trade/execution-core/internal/risk"
	"github.com/aegis-trade/execution-core/internal/router"
	"github.com/aegis-trade/execution-core/internal/safemode"
	"github.com/aegis-trade/execution-core/internal/schedule"
	"github.com/aegis-trade/execution-core/internal/sizer"
	"github.com/aegis-trade/execution-core/internal/strategy"
)

const failureThreshold = 5

func main() {
	configPath := flag.String("config", "./config.yaml", "path to config file")
	flag.Parse()

	log := logx.New().With("component", "main")

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Errorf("config load failed: %v", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(cfg.Data.Dir, 0o755); err != nil {
		log.Errorf("failed to create data dir %s: %v", cfg.Data.Dir, err)
		os.Exit(1)
	}

	adapter, err := buildAdapter(cfg.Exchange)
	if err != nil {
		log.Errorf("failed to build exchange adapter: %v", err)
		os.Exit(1)
	}

	var archiveFn eventlog.ArchiveFunc
	if cfg.Archive.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		archiver, err := eventlog.NewS3Archiver(ctx, cfg.Archive.Bucket, cfg.Archive.Prefix)
		cancel()
		if err != nil {
			log.Errorf("failed to init S3 archiver, continuing without cold archive: %v", err)
		} else {
			archiveFn = archiver.Archive
		}
	}

	eventOpts := []eventlog.Option{eventlog.WithRingLimit(1000)}
	if cfg.Data.EventLogRotation {
		eventOpts = append(eventOpts, eventlog.WithRotation())
	}
	if archiveFn != nil {
		eventOpts = append(eventOpts, eventlog.WithArchive(archiveFn))
	}
	events := eventlog.New(cfg.Data.Dir, eventOpts...)

	metrics.Init()

	auditStore, err := audit.Open(filepath.Join(cfg.Data.Dir, "audit.db"))
	if err != nil {
		log.Errorf("failed to open audit store: %v", err)
		os.Exit(1)
	}
	defer auditStore.Close()
	auditStore.SubscribeEventLog(events)
	metrics.SubscribeEventLog(events)

	bc := broadcast.New()
	events.Subscribe(bc.Publish)

	reg := registry.New(
		filepath.Join(cfg.Data.Dir, "positions.json"),
		filepath.Join(cfg.Data.Dir, "trades.json"),
		events,
	)
	if err := reg.Load(); err != nil {
		log.Errorf("registry load failed: %v", err)
	}

	mode := opmode.New(filepath.Join(cfg.Data.Dir, "operation_mode.json"), events)
	if err := mode.Load(); err != nil {
		log.Errorf("opmode load failed: %v", err)
	}

	sched := schedule.New()

	strategySvc := strategy.New(cfg.Strategy.Path, cfg.Strategy.ReloadDebounce, events, sched)

	tracker := failuretracker.New(filepath.Join(cfg.Data.Dir, "failure_count.json"), failureThreshold)
	if err := tracker.Load(); err != nil {
		log.Errorf("failure tracker load failed: %v", err)
	}

	r := router.New(adapter, reg, events, tracker)

	safeModeCtl := safemode.New(filepath.Join(cfg.Data.Dir, "safe_mode.json"), events, routerPositionCloser{r, reg}, tracker)
	if err := safeModeCtl.Load(); err != nil {
		log.Errorf("safe mode load failed: %v", err)
	}
	tracker.OnSafeModeTriggered(func(reason string) {
		safeModeCtl.Activate(context.Background(), reason, mode.Current())
	})
	r.OnAuthenticationFailure(func() {
		safeModeCtl.Activate(context.Background(), "authentication_failure", mode.Current())
	})

	hub := marketdata.New(adapter)

	riskEnforcer := risk.New(startingEquity(adapter), events)

	lotOverrides := map[string]sizer.LotConfig{}
	sz := sizer.New(adapter, lotOverrides)

	strategySvc.OnExpired(func(strategyID string) {
		r.CancelPendingEntries(context.Background(), mode.Current(), "strategy_expired")
	})

	entryEval := engine.NewEntryEvaluator(strategySvc, hub, sz, r, riskEnforcer, safeModeCtl, mode, events)
	exitEval := engine.NewExitEvaluator(strategySvc, hub, reg, r, mode, events)

	coordinator := engine.NewCoordinator(entryEval, exitEval, riskEnforcer, safeModeCtl, reg, hub, adapter, r, strategySvc, mode, events)

	if err := sched.DailyAtUTCMidnight(func() { riskEnforcer.Reset(startingEquity(adapter)) }); err != nil {
		log.Errorf("failed to register daily reset: %v", err)
	}
	sched.Start()
	defer sched.Stop()

	surf := operator.New([]byte(cfg.Operator.JWTSecret), cfg.Operator.TOTPSecret, mode, safeModeCtl, strategySvc, reg, events)
	_ = surf // transport (CLI/HTTP) wiring is out of this service's scope; Surface is ready to be mounted.

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	events.Append(mode.Current(), model.EventServiceStarted, nil)

	if err := strategySvc.Start(ctx, time.Duration(cfg.ValidityCheckIntervalSec)*time.Second); err != nil {
		log.Errorf("strategy service start failed: %v", err)
	}

	if !safeModeCtl.Active() {
		summary := reconcile.Run(ctx, adapter, reg, events, mode.Current())
		log.Infof("startup reconciliation: %+v", summary)
	} else {
		log.Warnf("safe mode active at startup, skipping reconciliation")
	}

	resubscribe := func() {
		assets := strategyAssets(strategySvc)
		if len(assets) == 0 {
			return
		}
		if err := hub.Resubscribe(ctx, assets); err != nil {
			log.Errorf("market data subscribe failed: %v", err)
		}
	}
	strategySvc.OnLoaded(func(*strategy.Compiled) { resubscribe() })
	resubscribe()
	defer hub.Close()

	go coordinator.Run(ctx)

	<-ctx.Done()
	log.Infof("shutdown signal received, draining")
	events.Append(mode.Current(), model.EventServiceStopped, nil)
	strategySvc.Stop()
}

// startingEquity fetches current equity for seeding the Risk Enforcer;
// zero balance just means risk checks won't trip until the first
// successful fetch updates it via Evaluate.
func startingEquity(adapter exchange.Adapter) decimal.Decimal {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	balance, err := adapter.GetAccountBalance(ctx)
	if err != nil {
		return decimal.Zero
	}
	return balance.TotalEquity
}

func buildAdapter(cfg config.ExchangeConfig) (exchange.Adapter, error) {
	switch cfg.Kind {
	case config.ExchangeBinance:
		return exchange.NewBinance(cfg.APIKey, cfg.APISecret, cfg.Testnet), nil
	case config.ExchangeBybit:
		return exchange.NewBybit(cfg.APIKey, cfg.APISecret, cfg.Testnet), nil
	case config.ExchangeKraken:
		return exchange.NewKraken(cfg.APIKey, cfg.APISecret)
	case config.ExchangeHyperliquid:
		return exchange.NewHyperliquid(cfg.WalletPrivateKeyHex, cfg.Testnet)
	case config.ExchangeLighter:
		return exchange.NewLighter(cfg.WalletPrivateKeyHex, cfg.LighterAccountID, cfg.Testnet)
	default:
		return exchange.NewPaper(exchange.DefaultPaperConfig()), nil
	}
}

// routerPositionCloser adapts the Router/Registry pair to
// safemode.PositionCloser without either package importing the other.
type routerPositionCloser struct {
	r   *router.Router
	reg *registry.Registry
}

func (c routerPositionCloser) OpenPositions() []*model.OpenPosition { return c.reg.OpenPositions() }
func (c routerPositionCloser) PlaceExitOrder(ctx context.Context, positionID, asset string, side model.Side, qty decimal.Decimal, reason model.ExitReason, mode model.Mode) (*model.OrderRecord, error) {
	return c.r.PlaceExitOrder(ctx, positionID, asset, side, qty, reason, mode)
}

func strategyAssets(svc *strategy.Service) []string {
	compiled := svc.Current()
	if compiled == nil {
		return nil
	}
	return compiled.Assets()
}
