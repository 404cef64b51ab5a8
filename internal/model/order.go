package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the order record's lifecycle state.
type OrderStatus string

const (
	OrderPending         OrderStatus = "pending"
	OrderOpen            OrderStatus = "open"
	OrderPartiallyFilled OrderStatus = "partially_filled"
	OrderFilled          OrderStatus = "filled"
	OrderCancelled       OrderStatus = "cancelled"
	OrderRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether no further fills/cancels can land on this
// order — used by the router's idempotency check against duplicate
// dispatch for the same strategy-position-id.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	default:
		return false
	}
}

// Side is the order's market side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is the order's execution style.
type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

// OrderRecord is the Order Router's owned record of one dispatched
// order, keyed for idempotency by StrategyPositionID.
type OrderRecord struct {
	InternalID         string          `json:"internal_id"`
	ExchangeOrderID    string          `json:"exchange_order_id,omitempty"`
	Asset              string          `json:"asset"`
	Side               Side            `json:"side"`
	Type               OrderType       `json:"type"`
	Quantity           decimal.Decimal `json:"quantity"`
	LimitPrice         *decimal.Decimal `json:"limit_price,omitempty"`
	Status             OrderStatus     `json:"status"`
	FilledQuantity     decimal.Decimal `json:"filled_quantity"`
	AverageFillPrice   decimal.Decimal `json:"average_fill_price"`
	StrategyPositionID string          `json:"strategy_position_id"`
	StrategyID         string          `json:"strategy_id,omitempty"`
	PositionID         string          `json:"position_id,omitempty"`
	RejectionReason    string          `json:"rejection_reason,omitempty"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// IsFullFill reports whether accumulated fills satisfy the order's
// requested quantity (within a small epsilon for decimal rounding).
func (o *OrderRecord) IsFullFill() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity.Sub(epsilon))
}

var epsilon = decimal.NewFromFloat(1e-9)

// MarketSnapshot is the per-asset latest tick: bid/ask/mid plus any
// indicators the upstream market-data aggregation pipeline computed.
type MarketSnapshot struct {
	Asset      string                     `json:"asset"`
	Bid        decimal.Decimal            `json:"bid"`
	Ask        decimal.Decimal            `json:"ask"`
	Timestamp  time.Time                  `json:"timestamp"`
	Indicators map[string]decimal.Decimal `json:"indicators"`
}

// Mid returns (bid+ask)/2.
func (m MarketSnapshot) Mid() decimal.Decimal {
	return m.Bid.Add(m.Ask).Div(decimal.NewFromInt(2))
}
