package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Binance implements Adapter against Binance spot via
// adshao/go-binance's spot client. Credentials are supplied by the caller (loaded
// from viper/.env at wiring time); this type holds no knowledge of
// where they came from.
type Binance struct {
	client *binance.Client
	log    *logx.Logger

	mu           sync.RWMutex
	rateLimited  bool
	resumesAt    time.Time
}

// NewBinance constructs a Binance adapter. testnet switches the client
// onto Binance's testnet base URL.
func NewBinance(apiKey, secretKey string, testnet bool) *Binance {
	binance.UseTestnet = testnet
	return &Binance{
		client: binance.NewClient(apiKey, secretKey),
		log:    logx.New().With("component", "exchange.binance"),
	}
}

func (b *Binance) Name() string { return "binance" }

func (b *Binance) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	side := binance.SideTypeBuy
	if req.Side == model.SideSell {
		side = binance.SideTypeSell
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Asset).
		Side(side).
		Quantity(req.Quantity.String())

	if req.Type == model.OrderTypeLimit {
		svc = svc.Type(binance.OrderTypeLimit).
			TimeInForce(binance.TimeInForceTypeGTC).
			Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(binance.OrderTypeMarket)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return OrderAck{}, b.classify("place_order", err)
	}

	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	avgPrice := decimal.Zero
	if filled.IsPositive() {
		cumQuote, _ := decimal.NewFromString(resp.CummulativeQuoteQuantity)
		avgPrice = cumQuote.Div(filled)
	}

	return OrderAck{
		ExchangeOrderID:  strconv.FormatInt(resp.OrderID, 10),
		Status:           mapBinanceStatus(string(resp.Status)),
		FilledQuantity:   filled,
		AverageFillPrice: avgPrice,
	}, nil
}

func (b *Binance) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return NewAdapterError("binance", "cancel_order", err)
	}
	_, err = b.client.NewCancelOrderService().OrderID(id).Do(ctx)
	if err != nil {
		return b.classify("cancel_order", err)
	}
	return nil
}

func (b *Binance) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return OrderAck{}, NewAdapterError("binance", "get_order_status", err)
	}
	resp, err := b.client.NewGetOrderService().OrderID(id).Do(ctx)
	if err != nil {
		return OrderAck{}, b.classify("get_order_status", err)
	}
	filled, _ := decimal.NewFromString(resp.ExecutedQuantity)
	avgPrice := decimal.Zero
	if filled.IsPositive() {
		cumQuote, _ := decimal.NewFromString(resp.CummulativeQuoteQuantity)
		avgPrice = cumQuote.Div(filled)
	}
	return OrderAck{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapBinanceStatus(string(resp.Status)),
		FilledQuantity:   filled,
		AverageFillPrice: avgPrice,
	}, nil
}

func (b *Binance) GetAccountBalance(ctx context.Context) (Balance, error) {
	acc, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return Balance{}, b.classify("get_account_balance", err)
	}
	total := decimal.Zero
	for _, bal := range acc.Balances {
		free, _ := decimal.NewFromString(bal.Free)
		locked, _ := decimal.NewFromString(bal.Locked)
		total = total.Add(free).Add(locked)
	}
	return Balance{TotalEquity: total, AvailableBalance: total}, nil
}

func (b *Binance) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	// Spot has no leveraged positions; callers running spot-only assets
	// get an empty reconciliation set, which is correct.
	return nil, nil
}

func (b *Binance) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	out := make(chan model.MarketSnapshot, 256)

	go func() {
		defer close(out)
		for _, asset := range assets {
			asset := asset
			handler := func(event *binance.WsBookTickerEvent) {
				bid, _ := decimal.NewFromString(event.BestBidPrice)
				ask, _ := decimal.NewFromString(event.BestAskPrice)
				select {
				case out <- model.MarketSnapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}:
				default:
				}
			}
			errHandler := func(err error) { b.log.Warnf("binance book ticker stream error for %s: %v", asset, err) }

			doneC, stopC, err := binance.WsBookTickerServe(asset, handler, errHandler)
			if err != nil {
				b.log.Errorf("failed to subscribe book ticker for %s: %v", asset, err)
				continue
			}
			go func() {
				<-ctx.Done()
				stopC <- struct{}{}
			}()
			go func() { <-doneC }()
		}
		<-ctx.Done()
	}()

	return out, nil
}

func (b *Binance) IsRateLimited() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rateLimited && time.Now().Before(b.resumesAt)
}

func (b *Binance) RateLimitResumesAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resumesAt
}

func (b *Binance) classify(op string, err error) error {
	if apiErr, ok := err.(*common.APIError); ok {
		switch apiErr.Code {
		case -1021, -1003:
			b.mu.Lock()
			b.rateLimited = true
			b.resumesAt = time.Now().Add(time.Minute)
			b.mu.Unlock()
			return NewRateLimitError("binance", op, err, b.resumesAt.Unix())
		case -2014, -2015:
			return NewAuthenticationError("binance", op, err)
		case -2011, -2013:
			return NewOrderNotFoundError("binance", op, fmt.Sprintf("code=%d", apiErr.Code))
		}
	}
	return NewAdapterError("binance", op, err)
}

func mapBinanceStatus(s string) model.OrderStatus {
	switch s {
	case "NEW":
		return model.OrderOpen
	case "PARTIALLY_FILLED":
		return model.OrderPartiallyFilled
	case "FILLED":
		return model.OrderFilled
	case "CANCELED", "EXPIRED":
		return model.OrderCancelled
	case "REJECTED":
		return model.OrderRejected
	default:
		return model.OrderPending
	}
}

var _ Adapter = (*Binance)(nil)
