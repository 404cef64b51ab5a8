package exchange

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// ErrNoMarketData is the rejection reason for an order on an asset
// with no cached snapshot.
var ErrNoMarketData = errors.New("no_market_data")

// PaperConfig tunes the simulator's fill behavior.
type PaperConfig struct {
	// SlippageBps is applied against the order side: buys fill slippage
	// bps above the reference price, sells slippage bps below — a
	// market order never fills better than the touch it was quoted at.
	SlippageBps decimal.Decimal
	// CommissionBps is charged as qty * fill_price * rate against the
	// simulated cash balance on every fill, separately from the fill
	// price itself.
	CommissionBps decimal.Decimal
	StartingEquity decimal.Decimal
}

// DefaultPaperConfig mirrors typical spot-market maker/taker spreads.
func DefaultPaperConfig() PaperConfig {
	return PaperConfig{
		SlippageBps:    decimal.NewFromFloat(2),
		CommissionBps:  decimal.NewFromFloat(4),
		StartingEquity: decimal.NewFromInt(100000),
	}
}

// Paper is the deterministic simulator adapter used in paper trading
// mode and in tests. It fills market orders immediately against the
// last known mid price with slippage applied, charges commission
// against the simulated cash balance, and fills limit orders only once
// the simulated mid price crosses them.
type Paper struct {
	mu sync.Mutex

	cfg    PaperConfig
	mids   map[string]decimal.Decimal
	orders map[string]*simOrder

	// cash is the running available balance: starting equity minus
	// every buy notional and commission, plus every sell notional net
	// of commission. holdings is the net base-asset quantity per asset
	// accumulated by those same fills, marked to mid for total equity.
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal

	subs []paperSub
	log  *logx.Logger
}

// paperSub is one live SubscribeMarketData call's asset filter and
// delivery channel.
type paperSub struct {
	assets map[string]bool
	ch     chan model.MarketSnapshot
}

type simOrder struct {
	ack  OrderAck
	req  OrderRequest
}

// NewPaper creates a Paper adapter. Market prices must be seeded via
// SetMid before orders can fill.
func NewPaper(cfg PaperConfig) *Paper {
	return &Paper{
		cfg:      cfg,
		mids:     make(map[string]decimal.Decimal),
		orders:   make(map[string]*simOrder),
		cash:     cfg.StartingEquity,
		holdings: make(map[string]decimal.Decimal),
		log:      logx.New().With("component", "exchange.paper"),
	}
}

func (p *Paper) Name() string { return "paper" }

// SetMid seeds or updates the simulator's reference price for asset —
// normally driven by the Market Data Hub's live feed, relayed straight
// through in paper mode — and broadcasts a snapshot to every
// subscriber whose asset set includes it.
func (p *Paper) SetMid(asset string, mid decimal.Decimal) {
	p.mu.Lock()
	p.mids[asset] = mid
	p.fillRestingLocked(asset, mid)
	snap := model.MarketSnapshot{
		Asset:     asset,
		Bid:       mid,
		Ask:       mid,
		Timestamp: time.Now().UTC(),
	}
	var targets []chan model.MarketSnapshot
	for _, s := range p.subs {
		if s.assets[asset] {
			targets = append(targets, s.ch)
		}
	}
	p.mu.Unlock()

	for _, ch := range targets {
		select {
		case ch <- snap:
		default:
		}
	}
}

func (p *Paper) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	mid, ok := p.mids[req.Asset]
	if !ok {
		return OrderAck{}, NewAdapterError("paper", "place_order", ErrNoMarketData)
	}

	id := uuid.NewString()
	ack := OrderAck{ExchangeOrderID: id, Status: model.OrderOpen}

	fillable, fillPrice := p.evaluateFill(req, mid)
	if fillable {
		ack.Status = model.OrderFilled
		ack.FilledQuantity = req.Quantity
		ack.AverageFillPrice = fillPrice
		p.settleLocked(req, fillPrice)
	}
	p.orders[id] = &simOrder{ack: ack, req: req}
	return ack, nil
}

// evaluateFill applies the simulator's slippage model. Market orders
// always fill at mid * (1 ± slippage). Limit orders fill only when mid
// has already crossed the limit price, exactly at the limit price (no
// slippage on resting orders — only takers pay the spread). Commission
// is not part of the fill price; settleLocked charges it against cash.
func (p *Paper) evaluateFill(req OrderRequest, mid decimal.Decimal) (bool, decimal.Decimal) {
	slip := p.cfg.SlippageBps.Div(decimal.NewFromInt(10000))

	if req.Type == model.OrderTypeMarket {
		if req.Side == model.SideBuy {
			return true, mid.Mul(decimal.NewFromInt(1).Add(slip))
		}
		return true, mid.Mul(decimal.NewFromInt(1).Sub(slip))
	}

	// Limit order.
	if req.Side == model.SideBuy && mid.LessThanOrEqual(req.LimitPrice) {
		return true, req.LimitPrice
	}
	if req.Side == model.SideSell && mid.GreaterThanOrEqual(req.LimitPrice) {
		return true, req.LimitPrice
	}
	return false, decimal.Zero
}

// settleLocked applies one fill to the simulated account: buys cost
// notional plus commission, sells credit notional minus commission,
// and the net base-asset position moves by the filled quantity.
// Caller must hold p.mu.
func (p *Paper) settleLocked(req OrderRequest, fillPrice decimal.Decimal) {
	notional := req.Quantity.Mul(fillPrice)
	commission := notional.Mul(p.cfg.CommissionBps.Div(decimal.NewFromInt(10000)))
	if req.Side == model.SideBuy {
		p.cash = p.cash.Sub(notional).Sub(commission)
		p.holdings[req.Asset] = p.holdings[req.Asset].Add(req.Quantity)
	} else {
		p.cash = p.cash.Add(notional).Sub(commission)
		p.holdings[req.Asset] = p.holdings[req.Asset].Sub(req.Quantity)
	}
}

// Tick re-evaluates every resting limit order against the current mid,
// simulating fills as the market moves. SetMid already runs this on
// every price update; Tick exists for callers that want the resulting
// fill set back.
func (p *Paper) Tick(asset string) []OrderAck {
	p.mu.Lock()
	defer p.mu.Unlock()
	mid, ok := p.mids[asset]
	if !ok {
		return nil
	}
	return p.fillRestingLocked(asset, mid)
}

// fillRestingLocked fills every resting limit order crossed by mid.
// Caller must hold p.mu.
func (p *Paper) fillRestingLocked(asset string, mid decimal.Decimal) []OrderAck {
	var filled []OrderAck
	for _, so := range p.orders {
		if so.req.Asset != asset || so.ack.Status != model.OrderOpen {
			continue
		}
		if ok, price := p.evaluateFill(so.req, mid); ok {
			so.ack.Status = model.OrderFilled
			so.ack.FilledQuantity = so.req.Quantity
			so.ack.AverageFillPrice = price
			p.settleLocked(so.req, price)
			filled = append(filled, so.ack)
		}
	}
	return filled
}

func (p *Paper) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	so, ok := p.orders[exchangeOrderID]
	if !ok {
		return NewOrderNotFoundError("paper", "cancel_order", exchangeOrderID)
	}
	if so.ack.Status.IsTerminal() {
		return nil
	}
	so.ack.Status = model.OrderCancelled
	return nil
}

func (p *Paper) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	so, ok := p.orders[exchangeOrderID]
	if !ok {
		return OrderAck{}, NewOrderNotFoundError("paper", "get_order_status", exchangeOrderID)
	}
	return so.ack, nil
}

// GetAccountBalance reports the running cash balance as available
// capital, and cash plus open holdings marked to the latest mid as
// total equity — so drawdown and daily-loss tracking see unrealized
// P&L move, and the sizer sees capital consumed by open positions.
func (p *Paper) GetAccountBalance(ctx context.Context) (Balance, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	equity := p.cash
	for asset, qty := range p.holdings {
		if qty.IsZero() {
			continue
		}
		if mid, ok := p.mids[asset]; ok {
			equity = equity.Add(qty.Mul(mid))
		}
	}
	return Balance{TotalEquity: equity, AvailableBalance: p.cash}, nil
}

// GetOpenPositions always returns empty: the Paper adapter has no
// exchange-side position ledger of its own — the Position Registry is
// authoritative in paper mode, so reconciliation is a no-op.
func (p *Paper) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	return nil, nil
}

// SubscribeMarketData returns a channel fed by whatever SetMid calls
// arrive for the requested assets; it does not dial out anywhere.
func (p *Paper) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	assetSet := make(map[string]bool, len(assets))
	for _, a := range assets {
		assetSet[a] = true
	}
	ch := make(chan model.MarketSnapshot, 16)
	sub := paperSub{assets: assetSet, ch: ch}

	p.mu.Lock()
	p.subs = append(p.subs, sub)
	p.mu.Unlock()

	go func() {
		<-ctx.Done()
		p.mu.Lock()
		for i, s := range p.subs {
			if s.ch == ch {
				p.subs = append(p.subs[:i], p.subs[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
		close(ch)
	}()
	return ch, nil
}

func (p *Paper) IsRateLimited() bool             { return false }
func (p *Paper) RateLimitResumesAt() time.Time   { return time.Time{} }

var _ Adapter = (*Paper)(nil)
