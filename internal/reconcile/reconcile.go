// Package reconcile implements the one-shot startup Reconciliation
// job: it compares the Position Registry against the exchange's
// reported open positions, keyed by (asset, direction), and converges
// the two — closing registry orphans, adopting unknown exchange-side
// positions. Quantity is deliberately not part of the match key;
// quantity divergence is left to the next exit/fill cycle.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/registry"
)

// Summary is the outcome reported on every run, successful or not.
type Summary struct {
	Status         string `json:"status"` // "ok" | "error"
	OrphanedClosed int    `json:"orphaned_closed"`
	UnknownAdded   int    `json:"unknown_added"`
	Matched        int    `json:"matched"`
	Error          string `json:"error,omitempty"`
}

type key struct {
	asset string
	dir   model.Direction
}

// Run performs the one-shot reconciliation. Callers must skip this
// entirely when safe mode is active — Run itself
// does not check, since the safe-mode flag lives in a different
// package and the caller already holds it at startup wiring time.
func Run(ctx context.Context, adapter exchange.Adapter, reg *registry.Registry, events *eventlog.Log, mode model.Mode) Summary {
	log := logx.New().With("component", "reconcile")

	exchangePositions, err := adapter.GetOpenPositions(ctx)
	if err != nil {
		summary := Summary{Status: "error", Error: err.Error()}
		log.Errorf("reconciliation failed to fetch exchange positions: %v", err)
		emit(events, mode, summary)
		return summary
	}

	exchangeByKey := make(map[key]exchange.ExchangePosition, len(exchangePositions))
	for _, ep := range exchangePositions {
		exchangeByKey[key{ep.Asset, ep.Direction}] = ep
	}

	registryPositions := reg.OpenPositions()
	registryByKey := make(map[key]*model.OpenPosition, len(registryPositions))
	for _, p := range registryPositions {
		registryByKey[key{p.Asset, p.Direction}] = p
	}

	summary := Summary{Status: "ok"}

	for k, pos := range registryByKey {
		if _, onExchange := exchangeByKey[k]; onExchange {
			summary.Matched++
			continue
		}
		if _, err := reg.ClosePosition(pos.ID, pos.Quantity, pos.AverageEntryPrice, model.ExitReconciledMissing, mode); err != nil {
			log.Errorf("failed to close orphaned position %s during reconciliation: %v", pos.ID, err)
			continue
		}
		summary.OrphanedClosed++
	}

	for k, ep := range exchangeByKey {
		if _, inRegistry := registryByKey[k]; inRegistry {
			continue
		}
		synthetic := &model.OpenPosition{
			ID:                 uuid.NewString(),
			StrategyPositionID: fmt.Sprintf("reconciled_%s_%s", ep.Asset, ep.Direction),
			Asset:              ep.Asset,
			Direction:          ep.Direction,
			Quantity:           ep.Quantity,
			AverageEntryPrice:  ep.EntryPrice,
			Origin:             model.OriginReconciled,
		}
		if err := reg.Upsert(synthetic); err != nil {
			log.Errorf("failed to adopt unknown exchange position %s/%s during reconciliation: %v", ep.Asset, ep.Direction, err)
			continue
		}
		summary.UnknownAdded++
		if events != nil {
			events.Append(mode, model.EventPositionReconciled, map[string]interface{}{
				"position_id": synthetic.ID,
				"asset":       ep.Asset,
				"direction":   ep.Direction,
			})
		}
	}

	emit(events, mode, summary)
	return summary
}

func emit(events *eventlog.Log, mode model.Mode, s Summary) {
	if events == nil {
		return
	}
	events.Append(mode, model.EventReconciliationSummary, map[string]interface{}{
		"status":          s.Status,
		"orphaned_closed": s.OrphanedClosed,
		"unknown_added":   s.UnknownAdded,
		"matched":         s.Matched,
		"error":           s.Error,
	})
}
