package exchange

import (
	"context"
	"strings"
	"sync"
	"time"

	lighter "github.com/elliottech/lighter-go"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Lighter implements Adapter against the Lighter zk-rollup order book
// venue via elliottech/lighter-go, which signs transactions locally
// with the account's private key before submitting to the sequencer.
type Lighter struct {
	client    *lighter.Client
	accountID int64

	mu          sync.RWMutex
	rateLimited bool
	resumesAt   time.Time

	log *logx.Logger
}

func NewLighter(privateKeyHex string, accountID int64, testnet bool) (*Lighter, error) {
	baseURL := lighter.MainnetURL
	if testnet {
		baseURL = lighter.TestnetURL
	}
	client, err := lighter.NewClient(baseURL, privateKeyHex)
	if err != nil {
		return nil, NewAdapterError("lighter", "init", err)
	}
	return &Lighter{
		client:    client,
		accountID: accountID,
		log:       logx.New().With("component", "exchange.lighter"),
	}, nil
}

func (l *Lighter) Name() string { return "lighter" }

func (l *Lighter) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	isAsk := req.Side == model.SideSell
	orderType := lighter.OrderTypeMarket
	price := decimal.Zero
	if req.Type == model.OrderTypeLimit {
		orderType = lighter.OrderTypeLimit
		price = req.LimitPrice
	}

	resp, err := l.client.CreateOrder(ctx, lighter.CreateOrderParams{
		AccountIndex: l.accountID,
		Market:       req.Asset,
		IsAsk:        isAsk,
		BaseAmount:   req.Quantity.InexactFloat64(),
		Price:        price.InexactFloat64(),
		OrderType:    orderType,
	})
	if err != nil {
		return OrderAck{}, l.classify("place_order", err)
	}
	return OrderAck{ExchangeOrderID: resp.OrderIndex, Status: model.OrderOpen}, nil
}

func (l *Lighter) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := l.client.CancelOrder(ctx, l.accountID, exchangeOrderID); err != nil {
		return l.classify("cancel_order", err)
	}
	return nil
}

func (l *Lighter) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	status, err := l.client.GetOrder(ctx, l.accountID, exchangeOrderID)
	if err != nil {
		return OrderAck{}, l.classify("get_order_status", err)
	}
	return OrderAck{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapLighterStatus(status.Status),
		FilledQuantity:   decimal.NewFromFloat(status.FilledBaseAmount),
		AverageFillPrice: decimal.NewFromFloat(status.AvgPrice),
	}, nil
}

func (l *Lighter) GetAccountBalance(ctx context.Context) (Balance, error) {
	acc, err := l.client.GetAccount(ctx, l.accountID)
	if err != nil {
		return Balance{}, l.classify("get_account_balance", err)
	}
	equity := decimal.NewFromFloat(acc.Collateral)
	return Balance{TotalEquity: equity, AvailableBalance: equity}, nil
}

func (l *Lighter) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	positions, err := l.client.GetPositions(ctx, l.accountID)
	if err != nil {
		return nil, l.classify("get_open_positions", err)
	}
	out := make([]ExchangePosition, 0, len(positions))
	for _, p := range positions {
		dir := model.DirectionLong
		if p.BaseAmount < 0 {
			dir = model.DirectionShort
		}
		out = append(out, ExchangePosition{
			Asset:      p.Market,
			Direction:  dir,
			Quantity:   decimal.NewFromFloat(p.BaseAmount).Abs(),
			EntryPrice: decimal.NewFromFloat(p.AvgEntryPrice),
		})
	}
	return out, nil
}

func (l *Lighter) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	out := make(chan model.MarketSnapshot, 256)
	ticks, err := l.client.SubscribeOrderBook(ctx, assets)
	if err != nil {
		return nil, l.classify("subscribe_market_data", err)
	}
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case tick, ok := <-ticks:
				if !ok {
					return
				}
				snap := model.MarketSnapshot{
					Asset:     tick.Market,
					Bid:       decimal.NewFromFloat(tick.BestBid),
					Ask:       decimal.NewFromFloat(tick.BestAsk),
					Timestamp: time.Now().UTC(),
				}
				select {
				case out <- snap:
				default:
				}
			}
		}
	}()
	return out, nil
}

func (l *Lighter) IsRateLimited() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.rateLimited && time.Now().Before(l.resumesAt)
}

func (l *Lighter) RateLimitResumesAt() time.Time {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.resumesAt
}

func (l *Lighter) classify(op string, err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests") {
		l.mu.Lock()
		l.rateLimited = true
		l.resumesAt = time.Now().Add(time.Minute)
		resumes := l.resumesAt
		l.mu.Unlock()
		return NewRateLimitError("lighter", op, err, resumes.Unix())
	}
	return NewAdapterError("lighter", op, err)
}

func mapLighterStatus(s string) model.OrderStatus {
	switch s {
	case "open":
		return model.OrderOpen
	case "filled":
		return model.OrderFilled
	case "partially_filled":
		return model.OrderPartiallyFilled
	case "canceled":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	default:
		return model.OrderPending
	}
}

var _ Adapter = (*Lighter)(nil)
