package model

import "time"

// EventType enumerates the well-known execution events.
type EventType string

const (
	EventServiceStarted            EventType = "service_started"
	EventServiceStopped            EventType = "service_stopped"
	EventStrategyLoaded            EventType = "strategy_loaded"
	EventStrategyRejected          EventType = "strategy_rejected"
	EventStrategyExpired           EventType = "strategy_expired"
	EventStrategySwapped           EventType = "strategy_swapped"
	EventEntryTriggered            EventType = "entry_triggered"
	EventEntrySkipped              EventType = "entry_skipped"
	EventExitTriggered             EventType = "exit_triggered"
	EventExitSkipped               EventType = "exit_skipped"
	EventOrderPlaced               EventType = "order_placed"
	EventOrderFilled               EventType = "order_filled"
	EventOrderPartiallyFilled      EventType = "order_partially_filled"
	EventOrderCancelled            EventType = "order_cancelled"
	EventOrderRejected             EventType = "order_rejected"
	EventPositionOpened            EventType = "position_opened"
	EventPositionClosed            EventType = "position_closed"
	EventPositionReconciled        EventType = "position_reconciled"
	EventRiskLimitBreached         EventType = "risk_limit_breached"
	EventSafeModeActivated         EventType = "safe_mode_activated"
	EventSafeModeDeactivated       EventType = "safe_mode_deactivated"
	EventReconciliationSummary     EventType = "reconciliation_summary"
	EventModeChanged               EventType = "mode_changed"
	EventRateLimitBackoffStarted   EventType = "rate_limit_backoff_started"
	EventRateLimitBackoffEnded     EventType = "rate_limit_backoff_ended"
	EventOperatorCommand           EventType = "operator_command"
)

// Event is one line of the append-only NDJSON event log.
type Event struct {
	Timestamp      time.Time              `json:"timestamp"`
	EventType      EventType              `json:"event_type"`
	Mode           Mode                   `json:"mode"`
	ServiceVersion string                 `json:"service_version"`
	Data           map[string]interface{} `json:"data,omitempty"`
}
