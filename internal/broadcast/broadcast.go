// Package broadcast fans out event-log entries and state snapshots to
// subscribers (the monitoring dashboard's read-only consumer).
// The transport is an implementation
// choice; this is the in-process channel fan-out every transport sits
// on top of.
package broadcast

import (
	"sync"

	"github.com/aegis-trade/execution-core/internal/model"
)

// Broadcaster fans events out to any number of registered channels.
// Slow or stalled subscribers never block the publisher: sends are
// non-blocking and drop on a full channel.
type Broadcaster struct {
	mu   sync.RWMutex
	subs map[int]chan model.Event
	next int
}

// New creates an empty broadcaster.
func New() *Broadcaster {
	return &Broadcaster{subs: make(map[int]chan model.Event)}
}

// Subscribe returns a channel of buffered size bufSize and a cancel
// function to unsubscribe.
func (b *Broadcaster) Subscribe(bufSize int) (<-chan model.Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.next
	b.next++
	ch := make(chan model.Event, bufSize)
	b.subs[id] = ch
	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		if c, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(c)
		}
	}
	return ch, cancel
}

// Publish is suitable for registering directly as an eventlog
// subscriber: eventLog.Subscribe(broadcaster.Publish).
func (b *Broadcaster) Publish(ev model.Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			// Drop rather than block; the NDJSON file is the durable
			// record, this channel is a best-effort live feed.
		}
	}
}

// SubscriberCount reports the number of currently attached subscribers.
func (b *Broadcaster) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
