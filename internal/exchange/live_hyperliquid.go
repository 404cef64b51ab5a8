package exchange

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Hyperliquid implements Adapter against Hyperliquid's perps exchange.
// Orders are signed locally with an ECDSA wallet key (never sent to the
// exchange) via go-ethereum, matching Hyperliquid's EIP-712 signing
// scheme; go-hyperliquid wraps the request/response plumbing.
type Hyperliquid struct {
	client *hyperliquid.Client
	wallet string

	mu          sync.RWMutex
	rateLimited bool
	resumesAt   time.Time

	log *logx.Logger
}

// NewHyperliquid constructs an adapter signing with privateKeyHex (no
// 0x prefix). testnet switches the client onto Hyperliquid's testnet
// API host.
func NewHyperliquid(privateKeyHex string, testnet bool) (*Hyperliquid, error) {
	pk, err := crypto.HexToECDSA(privateKeyHex)
	if err != nil {
		return nil, NewAdapterError("hyperliquid", "init", err)
	}
	address := crypto.PubkeyToAddress(pk.PublicKey).Hex()

	baseURL := hyperliquid.MainnetAPIURL
	if testnet {
		baseURL = hyperliquid.TestnetAPIURL
	}
	client := hyperliquid.NewClient(hyperliquid.ClientConfig{
		BaseURL:    baseURL,
		PrivateKey: pk,
	})

	return &Hyperliquid{
		client: client,
		wallet: address,
		log:    logx.New().With("component", "exchange.hyperliquid"),
	}, nil
}

func (h *Hyperliquid) Name() string { return "hyperliquid" }

func (h *Hyperliquid) PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error) {
	isBuy := req.Side == model.SideBuy
	orderType := hyperliquid.OrderTypeMarket
	limitPx := decimal.Zero
	if req.Type == model.OrderTypeLimit {
		orderType = hyperliquid.OrderTypeLimit
		limitPx = req.LimitPrice
	}

	resp, err := h.client.PlaceOrder(ctx, hyperliquid.OrderRequest{
		Asset:    req.Asset,
		IsBuy:    isBuy,
		Size:     req.Quantity.InexactFloat64(),
		Price:    limitPx.InexactFloat64(),
		OrderType: orderType,
		ReduceOnly: false,
	})
	if err != nil {
		return OrderAck{}, h.classify("place_order", err)
	}
	return OrderAck{
		ExchangeOrderID: resp.OrderID,
		Status:          mapHyperliquidStatus(resp.Status),
		FilledQuantity:  decimal.NewFromFloat(resp.FilledSize),
		AverageFillPrice: decimal.NewFromFloat(resp.AvgPrice),
	}, nil
}

func (h *Hyperliquid) CancelOrder(ctx context.Context, exchangeOrderID string) error {
	if err := h.client.CancelOrder(ctx, exchangeOrderID); err != nil {
		return h.classify("cancel_order", err)
	}
	return nil
}

func (h *Hyperliquid) GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error) {
	status, err := h.client.GetOrderStatus(ctx, exchangeOrderID)
	if err != nil {
		return OrderAck{}, h.classify("get_order_status", err)
	}
	return OrderAck{
		ExchangeOrderID:  exchangeOrderID,
		Status:           mapHyperliquidStatus(status.Status),
		FilledQuantity:   decimal.NewFromFloat(status.FilledSize),
		AverageFillPrice: decimal.NewFromFloat(status.AvgPrice),
	}, nil
}

func (h *Hyperliquid) GetAccountBalance(ctx context.Context) (Balance, error) {
	state, err := h.client.GetAccountState(ctx, h.wallet)
	if err != nil {
		return Balance{}, h.classify("get_account_balance", err)
	}
	equity := decimal.NewFromFloat(state.AccountValue)
	withdrawable := decimal.NewFromFloat(state.Withdrawable)
	return Balance{TotalEquity: equity, AvailableBalance: withdrawable}, nil
}

func (h *Hyperliquid) GetOpenPositions(ctx context.Context) ([]ExchangePosition, error) {
	state, err := h.client.GetAccountState(ctx, h.wallet)
	if err != nil {
		return nil, h.classify("get_open_positions", err)
	}
	out := make([]ExchangePosition, 0, len(state.Positions))
	for _, p := range state.Positions {
		dir := model.DirectionLong
		if p.Size < 0 {
			dir = model.DirectionShort
		}
		out = append(out, ExchangePosition{
			Asset:      p.Asset,
			Direction:  dir,
			Quantity:   decimal.NewFromFloat(p.Size).Abs(),
			EntryPrice: decimal.NewFromFloat(p.EntryPrice),
		})
	}
	return out, nil
}

func (h *Hyperliquid) SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error) {
	out := make(chan model.MarketSnapshot, 256)
	ticks, err := h.client.SubscribeBBO(ctx, assets)
	if err != nil {
		return nil, h.classify("subscribe_market_data", err)
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
					Asset:     tick.Asset,
					Bid:       decimal.NewFromFloat(tick.Bid),
					Ask:       decimal.NewFromFloat(tick.Ask),
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

func (h *Hyperliquid) IsRateLimited() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rateLimited && time.Now().Before(h.resumesAt)
}

func (h *Hyperliquid) RateLimitResumesAt() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.resumesAt
}

func (h *Hyperliquid) classify(op string, err error) error {
	if err == hyperliquid.ErrRateLimited {
		h.mu.Lock()
		h.rateLimited = true
		h.resumesAt = time.Now().Add(time.Minute)
		h.mu.Unlock()
		return NewRateLimitError("hyperliquid", op, err, h.resumesAt.Unix())
	}
	return NewAdapterError("hyperliquid", op, err)
}

func mapHyperliquidStatus(s string) model.OrderStatus {
	switch s {
	case "open", "resting":
		return model.OrderOpen
	case "filled":
		return model.OrderFilled
	case "partiallyFilled":
		return model.OrderPartiallyFilled
	case "canceled":
		return model.OrderCancelled
	case "rejected":
		return model.OrderRejected
	default:
		return model.OrderPending
	}
}

var _ Adapter = (*Hyperliquid)(nil)
