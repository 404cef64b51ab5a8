// Package marketdata implements the Market Data Hub: a
// hosted service that subscribes to the union of assets referenced by
// the active strategy, caches the latest per-asset snapshot, and fans
// updates out to subscribers.
package marketdata

import (
	"context"
	"sync"
	"time"

	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Hub caches the latest snapshot per asset and resubscribes to the
// exchange adapter whenever the strategy's asset set changes.
type Hub struct {
	mu sync.RWMutex

	adapter  exchange.Adapter
	snaps    map[string]model.MarketSnapshot
	lastTick map[string]time.Time

	cancel context.CancelFunc
	assets map[string]bool

	onSnapshot []func(model.MarketSnapshot)
	log        *logx.Logger
}

// New creates a Hub reading from adapter.
func New(adapter exchange.Adapter) *Hub {
	return &Hub{
		adapter:  adapter,
		snaps:    make(map[string]model.MarketSnapshot),
		lastTick: make(map[string]time.Time),
		assets:   make(map[string]bool),
		log:      logx.New().With("component", "marketdata"),
	}
}

// OnSnapshot registers a callback fired asynchronously on every tick.
func (h *Hub) OnSnapshot(fn func(model.MarketSnapshot)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onSnapshot = append(h.onSnapshot, fn)
}

// Resubscribe tears down the current subscription (if any) and opens a
// new one for exactly the given asset set. Call on every strategy load
// with the union of positions[].asset.
func (h *Hub) Resubscribe(ctx context.Context, assets []string) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.cancel()
	}
	newSet := make(map[string]bool, len(assets))
	for _, a := range assets {
		newSet[a] = true
	}
	h.assets = newSet
	subCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.mu.Unlock()

	ticks, err := h.adapter.SubscribeMarketData(subCtx, assets)
	if err != nil {
		return err
	}

	go h.consume(ticks)
	return nil
}

func (h *Hub) consume(ticks <-chan model.MarketSnapshot) {
	for snap := range ticks {
		h.mu.Lock()
		h.snaps[snap.Asset] = snap
		h.lastTick[snap.Asset] = time.Now().UTC()
		subs := make([]func(model.MarketSnapshot), len(h.onSnapshot))
		copy(subs, h.onSnapshot)
		h.mu.Unlock()

		for _, fn := range subs {
			deliverSafely(fn, snap)
		}
	}
}

func deliverSafely(fn func(model.MarketSnapshot), snap model.MarketSnapshot) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("market data subscriber panicked: %v", r)
		}
	}()
	fn(snap)
}

// GetSnapshot returns the cached snapshot for asset and whether one
// exists.
func (h *Hub) GetSnapshot(asset string) (model.MarketSnapshot, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	snap, ok := h.snaps[asset]
	return snap, ok
}

// GetAllSnapshots returns a shallow copy of every cached snapshot.
func (h *Hub) GetAllSnapshots() map[string]model.MarketSnapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[string]model.MarketSnapshot, len(h.snaps))
	for k, v := range h.snaps {
		out[k] = v
	}
	return out
}

// LastTickAt reports when asset last ticked, for staleness detection.
func (h *Hub) LastTickAt(asset string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	t, ok := h.lastTick[asset]
	return t, ok
}

// Close tears down the active subscription.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
}
