package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	bybit "github.com/bybit-exchange/bybit.go.api"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Bybit implements Adapter against Bybit's v5 unified trading API via
// bybit.go.api.
type Bybit struct {
	client *bybit.Client
	log    *logx.Logger

	mu          sync.RWMutex
	rateLimited bool
	resumesAt   time.Time
}

func NewBybit(apiKey, secretKey string, testnet bool) *Bybit {
	base := bybit.MAINNET
	if testnet {
		base = bybit.TESTNET
	}
	return &Bybit{
		client: bybit.NewBybitHttpClient(apiKey, secretKey, bybit.WithBaseURL(base)),
		log:    logx.New().With("component", "exchange.bybit"),
	}
}

func (b *Bybit) Name() string { return "bybit" }

func (b *Bybit) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	side := "Buy"
	if req.Side == model.SideSell {
		side = "Sell"
	}
	orderType := "Market"
	params := map[string]interface{}{
		"category": "linear",
		"symbol":   req.Asset,
		"side":     side,
		"qty":      req.Quantity.String(),
	}
	if req.Type == model.OrderTypeLimit {
		orderType = "Limit"
		params["price"] = req.LimitPrice.String()
		params["timeInForce"] = "GTC"
	}
	params["orderType"] = orderType
	if req.ClientID != "" {
		params["orderLinkId"] = req.ClientID
	}

	resp, err := bybit.NewPostRequest(ctx, b.client, "/v5/order/create", params)
	if err != nil {
		return OrderAck{}, b.classify("place_order", err)
	}
	orderID, _ := resp["orderId"].(string)
	return OrderAck{ExchangeOrderID: orderID, Status: model.OrderOpen}, nil
}

func (b *Bybit) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	_, err := bybit.NewPostRequest(ctx, b.client, "/v5/order/cancel", map[string]interface{}{
		"category": "linear", "orderId": exchangeOrderID,
	})
	if err != nil {
		return b.classify("cancel_order", err)
	}
	return nil
}

func (b *Bybit) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	resp, err := bybit.NewGetRequest(ctx, b.client, "/v5/order/realtime", map[string]interface{}{
		"category": "linear", "orderId": exchangeOrderID,
	})
	if err != nil {
		return OrderAck{}, b.classify("get_order_status", err)
	}
	status, _ := resp["orderStatus"].(string)
	filledStr, _ := resp["cumExecQty"].(string)
	avgStr, _ := resp["avgPrice"].(string)
	filled, _ := decimal.NewFromString(filledStr)
	avg, _ := decimal.NewFromString(avgStr)
	return OrderAck{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapBybitStatus(status),
		FilledQuantity:   filled,
		AverageFillPrice: avg,
	}, nil
}

func (b *Bybit) GetAccountBalance(ctx context.Context) (Balance, error) {
	resp, err := bybit.NewGetRequest(ctx, b.client, "/v5/account/wallet-balance", map[string]interface{}{"accountType": "UNIFIED"})
	if err != nil {
		return Balance{}, b.classify("get_account_balance", err)
	}
	equityStr, _ := resp["totalEquity"].(string)
	equity, _ := decimal.NewFromString(equityStr)
	return Balance{TotalEquity: equity, AvailableBalance: equity}, nil
}

func (b *Bybit) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	resp, err := bybit.NewGetRequest(ctx, b.client, "/v5/position/list", map[string]interface{}{"category": "linear", "settleCoin": "USDT"})
	if err != nil {
		return nil, b.classify("get_open_positions", err)
	}
	list, _ := resp["list"].([]interface{})
	out := make([]ExchangePosition, 0, len(list))
	for _, item := range list {
		m, ok := item.(map[string]interface{})
		if !ok {
			continue
		}
		sizeStr, _ := m["size"].(string)
		size, _ := decimal.NewFromString(sizeStr)
		if size.IsZero() {
			continue
		}
		entryStr, _ := m["avgPrice"].(string)
		entry, _ := decimal.NewFromString(entryStr)
		side, _ := m["side"].(string)
		dir := model.DirectionLong
		if side == "Sell" {
			dir = model.DirectionShort
		}
		symbol, _ := m["symbol"].(string)
		out = append(out, ExchangePosition{Asset: symbol, Direction: dir, Quantity: size, EntryPrice: entry})
	}
	return out, nil
}

func (b *Bybit) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	out := make(chan model.MarketSnapshot, 256)
	for _, asset := range assets {
		asset := asset
		go RunWSWithReconnect(ctx, WSConfig{URL: "wss://stream.bybit.com/v5/public/linear"},
			func(c *websocket.Conn) error {
				return c.WriteJSON(map[string]interface{}{"op": "subscribe", "args": []string{"tickers." + asset}})
			},
			func(data []byte) {
				snap, ok := parseBybitTicker(asset, data)
				if !ok {
					return
				}
				select {
				case out <- snap:
				default:
				}
			})
	}
	go func() { <-ctx.Done(); close(out) }()
	return out, nil
}

func parseBybitTicker(asset string, data []byte) (model.MarketSnapshot, bool) {
	var msg struct {
		Topic string `json:"topic"`
		Data  struct {
			Bid1Price string `json:"bid1Price"`
			Ask1Price string `json:"ask1Price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Data.Bid1Price == "" {
		return model.MarketSnapshot{}, false
	}
	bid, _ := decimal.NewFromString(msg.Data.Bid1Price)
	ask, _ := decimal.NewFromString(msg.Data.Ask1Price)
	return model.MarketSnapshot{Asset: asset, Bid: bid, Ask: ask, Timestamp: time.Now().UTC()}, true
}

func (b *Bybit) IsRateLimited() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.rateLimited && time.Now().Before(b.resumesAt)
}

func (b *Bybit) RateLimitResumesAt() time.Time {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.resumesAt
}

func (b *Bybit) classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if rateLimitErrLooksLike(err) {
		b.mu.Lock()
		b.rateLimited = true
		b.resumesAt = time.Now().Add(time.Minute)
		b.mu.Unlock()
		return NewRateLimitError("bybit", op, err, b.resumesAt.Unix())
	}
	return NewAdapterError("bybit", op, err)
}

func mapBybitStatus(s string) model.OrderStatus {
	switch s {
	case "New", "Untriggered":
		return model.OrderOpen
	case "PartiallyFilled":
		return model.OrderPartiallyFilled
	case "Filled":
		return model.OrderFilled
	case "Cancelled", "Deactivated":
		return model.OrderCancelled
	case "Rejected":
		return model.OrderRejected
	default:
		return model.OrderPending
	}
}

func rateLimitErrLooksLike(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many visits") || strings.Contains(msg, "10006")
}

var _ Adapter = (*Bybit)(nil)
