package eventlog

import (
	"sync"
	"testing"

	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendAndGetRecent(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	log.Append(model.ModePaper, model.EventOrderPlaced, map[string]interface{}{"asset": "BTC/USD"})
	log.Append(model.ModePaper, model.EventOrderFilled, map[string]interface{}{"asset": "BTC/USD"})

	recent := log.GetRecent(10)
	require.Len(t, recent, 2)
	assert.Equal(t, model.EventOrderPlaced, recent[0].EventType)
	assert.Equal(t, model.EventOrderFilled, recent[1].EventType)
	assert.False(t, log.HasWriteError())
}

func TestGetRecentBounded(t *testing.T) {
	dir := t.TempDir()
	log := New(dir, WithRingLimit(2))

	for i := 0; i < 5; i++ {
		log.Append(model.ModePaper, model.EventOrderPlaced, nil)
	}
	assert.Len(t, log.GetRecent(10), 2)
}

func TestSubscribersNeverBlockOrPropagatePanics(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	var wg sync.WaitGroup
	wg.Add(1)
	log.Subscribe(func(ev model.Event) {
		defer wg.Done()
		panic("subscriber boom")
	})

	assert.NotPanics(t, func() {
		log.Append(model.ModePaper, model.EventOrderPlaced, nil)
	})
	wg.Wait()
}

func TestWriteSerializesNoInterleaving(t *testing.T) {
	dir := t.TempDir()
	log := New(dir)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			log.Append(model.ModePaper, model.EventOrderPlaced, map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	assert.Len(t, log.GetRecent(1000), 50)
}
