package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

const (
	krakenRESTBase = "https://api.kraken.com"
	krakenWSURL    = "wss://ws.kraken.com/v2"
)

// Kraken implements Adapter against Kraken's spot REST API and the v2
// WebSocket ticker feed. Private calls are signed per Kraken's scheme:
// API-Sign = base64(HMAC-SHA512(base64decode(secret),
// path || SHA256(nonce || postdata))).
type Kraken struct {
	http   *resty.Client
	apiKey string
	secret []byte
	log    *logx.Logger

	nonce atomic.Int64

	mu          sync.RWMutex
	rateLimited bool
	resumesAt   time.Time
}

// NewKraken constructs a Kraken adapter. secretKey is the base64-encoded
// API secret exactly as issued by Kraken's key management page.
func NewKraken(apiKey, secretKey string) (*Kraken, error) {
	secret, err := base64.StdEncoding.DecodeString(secretKey)
	if err != nil {
		return nil, fmt.Errorf("kraken: api secret is not valid base64: %w", err)
	}
	httpClient := resty.New().
		SetBaseURL(krakenRESTBase).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		})
	k := &Kraken{
		http:   httpClient,
		apiKey: apiKey,
		secret: secret,
		log:    logx.New().With("component", "exchange.kraken"),
	}
	k.nonce.Store(time.Now().UnixMilli())
	return k, nil
}

func (k *Kraken) Name() string { return "kraken" }

// sign produces the API-Sign header value for a private request.
func (k *Kraken) sign(path, nonce string, form url.Values) string {
	sha := sha256.Sum256([]byte(nonce + form.Encode()))
	mac := hmac.New(sha512.New, k.secret)
	mac.Write([]byte(path))
	mac.Write(sha[:])
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// krakenResponse is the uniform envelope every Kraken REST endpoint
// returns: a (possibly empty) error list and an endpoint-specific result.
type krakenResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

func (k *Kraken) private(ctx context.Context, op, path string, form url.Values, result interface{}) error {
	nonce := strconv.FormatInt(k.nonce.Add(1), 10)
	form.Set("nonce", nonce)

	var envelope krakenResponse
	resp, err := k.http.R().
		SetContext(ctx).
		SetHeader("API-Key", k.apiKey).
		SetHeader("API-Sign", k.sign(path, nonce, form)).
		SetHeader("Content-Type", "application/x-www-form-urlencoded").
		SetBody(form.Encode()).
		SetResult(&envelope).
		Post(path)
	if err != nil {
		return NewAdapterError("kraken", op, err)
	}
	if resp.StatusCode() == http.StatusUnauthorized {
		return NewAuthenticationError("kraken", op, fmt.Errorf("status %d", resp.StatusCode()))
	}
	if err := k.classifyKrakenErrors(op, envelope.Error); err != nil {
		return err
	}
	if resp.StatusCode() != http.StatusOK {
		return NewAdapterError("kraken", op, fmt.Errorf("status %d: %s", resp.StatusCode(), resp.String()))
	}
	if result != nil {
		if err := json.Unmarshal(envelope.Result, result); err != nil {
			return NewAdapterError("kraken", op, fmt.Errorf("decode result: %w", err))
		}
	}
	return nil
}

// classifyKrakenErrors maps Kraken's "ESeverity:Message" error strings
// onto the adapter error taxonomy.
func (k *Kraken) classifyKrakenErrors(op string, errs []string) error {
	if len(errs) == 0 {
		return nil
	}
	joined := strings.Join(errs, "; ")
	switch {
	case strings.Contains(joined, "Rate limit"):
		k.mu.Lock()
		k.rateLimited = true
		k.resumesAt = time.Now().Add(time.Minute)
		resumes := k.resumesAt
		k.mu.Unlock()
		return NewRateLimitError("kraken", op, fmt.Errorf("%s", joined), resumes.Unix())
	case strings.Contains(joined, "Invalid key"), strings.Contains(joined, "Invalid signature"), strings.Contains(joined, "Permission denied"):
		return NewAuthenticationError("kraken", op, fmt.Errorf("%s", joined))
	case strings.Contains(joined, "Unknown order"):
		return NewOrderNotFoundError("kraken", op, "")
	default:
		return NewAdapterError("kraken", op, fmt.Errorf("%s", joined))
	}
}

func (k *Kraken) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	form := url.Values{}
	form.Set("pair", krakenPair(req.Asset))
	if req.Side == model.SideSell {
		form.Set("type", "sell")
	} else {
		form.Set("type", "buy")
	}
	form.Set("volume", req.Quantity.String())
	if req.Type == model.OrderTypeLimit {
		form.Set("ordertype", "limit")
		form.Set("price", req.LimitPrice.String())
	} else {
		form.Set("ordertype", "market")
	}
	if req.ClientID != "" {
		form.Set("cl_ord_id", req.ClientID)
	}

	var result struct {
		TxID []string `json:"txid"`
	}
	if err := k.private(ctx, "place_order", "/0/private/AddOrder", form, &result); err != nil {
		return OrderAck{}, err
	}
	if len(result.TxID) == 0 {
		return OrderAck{}, NewAdapterError("kraken", "place_order", fmt.Errorf("no txid in response"))
	}
	return OrderAck{ExchangeOrderID: result.TxID[0], Status: model.OrderOpen}, nil
}

func (k *Kraken) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	form := url.Values{}
	form.Set("txid", exchangeOrderID)
	return k.private(ctx, "cancel_order", "/0/private/CancelOrder", form, nil)
}

func (k *Kraken) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	form := url.Values{}
	form.Set("txid", exchangeOrderID)

	var result map[string]struct {
		Status  string `json:"status"`
		VolExec string `json:"vol_exec"`
		Price   string `json:"price"`
		Reason  string `json:"reason"`
	}
	if err := k.private(ctx, "get_order_status", "/0/private/QueryOrders", form, &result); err != nil {
		return OrderAck{}, err
	}
	info, ok := result[exchangeOrderID]
	if !ok {
		return OrderAck{}, NewOrderNotFoundError("kraken", "get_order_status", exchangeOrderID)
	}
	filled, _ := decimal.NewFromString(info.VolExec)
	avg, _ := decimal.NewFromString(info.Price)
	return OrderAck{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapKrakenStatus(info.Status, filled),
		FilledQuantity:   filled,
		AverageFillPrice: avg,
	}, nil
}

func (k *Kraken) GetAccountBalance(ctx context.Context) (Balance, error) {
	var result map[string]string
	if err := k.private(ctx, "get_account_balance", "/0/private/Balance", url.Values{}, &result); err != nil {
		return Balance{}, err
	}
	usd := decimal.Zero
	for _, key := range []string{"ZUSD", "USD", "USDT", "USDC"} {
		if v, ok := result[key]; ok {
			amt, err := decimal.NewFromString(v)
			if err == nil {
				usd = usd.Add(amt)
			}
		}
	}
	return Balance{TotalEquity: usd, AvailableBalance: usd}, nil
}

func (k *Kraken) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	var result map[string]struct {
		Pair string `json:"pair"`
		Type string `json:"type"`
		Vol  string `json:"vol"`
		Cost string `json:"cost"`
	}
	if err := k.private(ctx, "get_open_positions", "/0/private/OpenPositions", url.Values{}, &result); err != nil {
		return nil, err
	}
	out := make([]ExchangePosition, 0, len(result))
	for _, p := range result {
		vol, _ := decimal.NewFromString(p.Vol)
		if vol.IsZero() {
			continue
		}
		cost, _ := decimal.NewFromString(p.Cost)
		dir := model.DirectionLong
		if p.Type == "sell" {
			dir = model.DirectionShort
		}
		out = append(out, ExchangePosition{
			Asset:      p.Pair,
			Direction:  dir,
			Quantity:   vol,
			EntryPrice: cost.Div(vol),
		})
	}
	return out, nil
}

func (k *Kraken) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	out := make(chan model.MarketSnapshot, 256)
	symbols := make([]string, len(assets))
	copy(symbols, assets)
	go RunWSWithReconnect(ctx, WSConfig{URL: krakenWSURL},
		func(c *websocket.Conn) error {
			return c.WriteJSON(map[string]interface{}{
				"method": "subscribe",
				"params": map[string]interface{}{
					"channel": "ticker",
					"symbol":  symbols,
				},
			})
		},
		func(data []byte) {
			snap, ok := parseKrakenTicker(data)
			if !ok {
				return
			}
			select {
			case out <- snap:
			default:
			}
		})
	go func() { <-ctx.Done(); close(out) }()
	return out, nil
}

func parseKrakenTicker(data []byte) (model.MarketSnapshot, bool) {
	var msg struct {
		Channel string `json:"channel"`
		Data    []struct {
			Symbol string  `json:"symbol"`
			Bid    float64 `json:"bid"`
			Ask    float64 `json:"ask"`
		} `json:"data"`
	}
	if err := json.Unmarshal(data, &msg); err != nil || msg.Channel != "ticker" || len(msg.Data) == 0 {
		return model.MarketSnapshot{}, false
	}
	t := msg.Data[0]
	return model.MarketSnapshot{
		Asset:     t.Symbol,
		Bid:       decimal.NewFromFloat(t.Bid),
		Ask:       decimal.NewFromFloat(t.Ask),
		Timestamp: time.Now().UTC(),
	}, true
}

func (k *Kraken) IsRateLimited() bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.rateLimited && time.Now().Before(k.resumesAt)
}

func (k *Kraken) RateLimitResumesAt() time.Time {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.resumesAt
}

// krakenPair normalizes this module's slash-delimited asset names
// (BTC/USD) to Kraken's REST pair spelling (XBTUSD).
func krakenPair(asset string) string {
	pair := strings.ReplaceAll(asset, "/", "")
	if strings.HasPrefix(pair, "BTC") {
		pair = "XBT" + pair[3:]
	}
	return pair
}

func mapKrakenStatus(status string, filled decimal.Decimal) model.OrderStatus {
	switch status {
	case "pending":
		return model.OrderPending
	case "open":
		if filled.IsPositive() {
			return model.OrderPartiallyFilled
		}
		return model.OrderOpen
	case "closed":
		return model.OrderFilled
	case "canceled", "expired":
		return model.OrderCancelled
	default:
		return model.OrderPending
	}
}

var _ Adapter = (*Kraken)(nil)
