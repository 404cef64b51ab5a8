// Package exchange defines the single capability surface every trading
// venue integration implements and the errors that
// surface through it. Paper is the deterministic simulator used in
// paper mode and in tests; the Live* adapters wrap real venues behind
// the identical interface so the Order Router never branches on
// exchange identity.
package exchange

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/aegis-trade/execution-core/internal/model"
)

// OrderRequest is the adapter-agnostic instruction to place one order.
type OrderRequest struct {
	Asset      string
	Side       model.Side
	Type       model.OrderType
	Quantity   decimal.Decimal
	LimitPrice decimal.Decimal // zero value for market orders
	ClientID   string          // idempotency token, echoed back by adapters that support it
}

// OrderAck is what an adapter returns immediately after a successful
// place_order call — it does not imply a fill.
type OrderAck struct {
	ExchangeOrderID string
	Status          model.OrderStatus
	FilledQuantity  decimal.Decimal
	AverageFillPrice decimal.Decimal
}

// Balance is the adapter-agnostic account balance snapshot.
type Balance struct {
	TotalEquity      decimal.Decimal
	AvailableBalance decimal.Decimal
}

// ExchangePosition is an adapter-reported open position, used by the
// Reconciliation component to cross-check the registry.
type ExchangePosition struct {
	Asset     string
	Direction model.Direction
	Quantity  decimal.Decimal
	EntryPrice decimal.Decimal
}

// Adapter is the capability every trading venue integration must
// provide. All methods are safe for concurrent use.
type Adapter interface {
	Name() string

	PlaceOrder(ctx context.Context, req OrderRequest) (OrderAck, error)
	CancelOrder(ctx context.Context, exchangeOrderID string) error
	GetOrderStatus(ctx context.Context, exchangeOrderID string) (OrderAck, error)

	GetAccountBalance(ctx context.Context) (Balance, error)
	GetOpenPositions(ctx context.Context) ([]ExchangePosition, error)

	// SubscribeMarketData streams ticks for assets onto the returned
	// channel until ctx is cancelled, at which point the channel is
	// closed. Kraken and Bybit reconnect dropped sockets internally via
	// RunWSWithReconnect; the Binance, Hyperliquid and Lighter adapters
	// rely on their SDK streams and do not reconnect themselves.
	SubscribeMarketData(ctx context.Context, assets []string) (<-chan model.MarketSnapshot, error)

	IsRateLimited() bool
	RateLimitResumesAt() time.Time
}
