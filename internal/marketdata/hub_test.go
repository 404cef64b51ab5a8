package marketdata

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aegis-trade/execution-core/internal/exchange"
	"github.com/aegis-trade/execution-core/internal/model"
)

func TestResubscribeCachesSnapshots(t *testing.T) {
	paper := exchange.NewPaper(exchange.DefaultPaperConfig())
	hub := New(paper)

	require.NoError(t, hub.Resubscribe(context.Background(), []string{"BTC/USD"}))
	paper.SetMid("BTC/USD", decimal.NewFromInt(50000))

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := hub.GetSnapshot("BTC/USD"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for snapshot")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOnSnapshotFiresAndSurvivesPanic(t *testing.T) {
	paper := exchange.NewPaper(exchange.DefaultPaperConfig())
	hub := New(paper)

	var wg sync.WaitGroup
	wg.Add(1)
	hub.OnSnapshot(func(snap model.MarketSnapshot) {
		defer wg.Done()
		panic("subscriber boom")
	})

	hub.consume(mustChan(model.MarketSnapshot{Asset: "ETH/USD"}))
	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber never notified")
	}
}

func TestGetAllSnapshotsIsShallowCopy(t *testing.T) {
	paper := exchange.NewPaper(exchange.DefaultPaperConfig())
	hub := New(paper)
	hub.mu.Lock()
	hub.snaps["BTC/USD"] = model.MarketSnapshot{Asset: "BTC/USD", Bid: decimal.NewFromInt(100)}
	hub.mu.Unlock()

	all := hub.GetAllSnapshots()
	all["BTC/USD"] = model.MarketSnapshot{Asset: "BTC/USD", Bid: decimal.NewFromInt(999)}

	snap, ok := hub.GetSnapshot("BTC/USD")
	require.True(t, ok)
	assert.True(t, snap.Bid.Equal(decimal.NewFromInt(100)))
}

func mustChan(snaps ...model.MarketSnapshot) <-chan model.MarketSnapshot {
	ch := make(chan model.MarketSnapshot, len(snaps))
	for _, s := range snaps {
		ch <- s
	}
	close(ch)
	return ch
}
