// Package model holds the data model shared across the execution core:
// the strategy document, open positions, closed trades, order records,
// market snapshots, and execution events. Money and quantity fields use
// decimal.Decimal rather than float64 so the VWAP average-entry
// recurrence and the take-profit close_pct summation invariant never
// drift under repeated arithmetic.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Mode is the paper/live execution mode.
type Mode string

const (
	ModePaper Mode = "paper"
	ModeLive  Mode = "live"
)

// Posture is the strategy document's overall stance.
type Posture string

const (
	PostureAggressive Posture = "aggressive"
	PostureModerate   Posture = "moderate"
	PostureDefensive  Posture = "defensive"
	PostureFlat       Posture = "flat"
	PostureExitAll    Posture = "exit_all"
)

// Direction is long or short.
type Direction string

const (
	DirectionLong  Direction = "long"
	DirectionShort Direction = "short"
)

// EntryType selects how a position's entry order is dispatched.
type EntryType string

const (
	EntryMarket      EntryType = "market"
	EntryLimit       EntryType = "limit"
	EntryConditional EntryType = "conditional"
)

// StopLossKind distinguishes a hard stop price from a trailing stop.
type StopLossKind string

const (
	StopLossHard     StopLossKind = "hard"
	StopLossTrailing StopLossKind = "trailing"
)

// TakeProfitTarget is one partial-close level of a position's exit plan.
type TakeProfitTarget struct {
	Price    decimal.Decimal `json:"price"`
	ClosePct decimal.Decimal `json:"close_pct"`
}

// StopLoss is either a hard price stop or a trailing stop, never both.
type StopLoss struct {
	Kind     StopLossKind    `json:"kind"`
	Price    decimal.Decimal `json:"price,omitempty"`
	TrailPct decimal.Decimal `json:"trail_pct,omitempty"`
}

// StrategyPosition is one logical position slot in a strategy document.
type StrategyPosition struct {
	ID                    string             `json:"id"`
	Asset                 string             `json:"asset"`
	Direction             Direction          `json:"direction"`
	AllocationPct         decimal.Decimal    `json:"allocation_pct"`
	EntryType             EntryType          `json:"entry_type"`
	EntryCondition        string             `json:"entry_condition,omitempty"`
	EntryLimitPrice       decimal.Decimal    `json:"entry_limit_price,omitempty"`
	TakeProfitTargets     []TakeProfitTarget `json:"take_profit_targets,omitempty"`
	StopLoss              StopLoss           `json:"stop_loss"`
	TimeExitUTC           *time.Time         `json:"time_exit_utc,omitempty"`
	InvalidationCondition string             `json:"invalidation_condition,omitempty"`
}

// PortfolioRisk is the document's portfolio-level guardrail config.
type PortfolioRisk struct {
	MaxDrawdownPct      decimal.Decimal `json:"max_drawdown_pct"`
	DailyLossLimitUSD   decimal.Decimal `json:"daily_loss_limit_usd"`
	MaxTotalExposurePct decimal.Decimal `json:"max_total_exposure_pct"`
	MaxPerPositionPct   decimal.Decimal `json:"max_per_position_pct"`
}

// StrategyDocument is the immutable, hot-swappable strategy contract.
type StrategyDocument struct {
	Mode           Mode               `json:"mode"`
	ValidityWindow time.Time          `json:"validity_window"`
	Posture        Posture            `json:"posture"`
	PortfolioRisk  PortfolioRisk      `json:"portfolio_risk"`
	Positions      []StrategyPosition `json:"positions"`
}
