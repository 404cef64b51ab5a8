// Package eventlog implements the append-only NDJSON event sink: one
// line per state change, optional daily rotation, a bounded in-memory
// ring for recent-event queries, and post-write fan out to subscribers
// outside the write lock.
package eventlog

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/persist"
)

// ServiceVersion is stamped onto every event record.
var ServiceVersion = "dev"

// ArchiveFunc is invoked with a just-rotated-away file path, e.g. to
// push it to S3 cold storage. Optional; nil disables archiving.
type ArchiveFunc func(path string) error

// Log is the append-only NDJSON event sink. It is a process-wide
// singleton in production but takes no package-level state, so tests
// can construct as many independent instances as they like.
type Log struct {
	mu sync.Mutex

	dir      string
	baseName string
	rotate   bool
	curDate  string
	curPath  string

	ring      []model.Event
	ringLimit int

	subscribers []func(model.Event)
	archive     ArchiveFunc

	hasWriteError bool
	log           *logx.Logger
}

// Option configures a Log at construction time.
type Option func(*Log)

// WithRotation enables daily UTC-midnight file rotation; the file name
// embeds the current date (events.YYYY-MM-DD.ndjson) instead of a
// fixed events.ndjson.
func WithRotation() Option {
	return func(l *Log) { l.rotate = true }
}

// WithRingLimit bounds the in-memory recent-event ring (default 500).
func WithRingLimit(n int) Option {
	return func(l *Log) { l.ringLimit = n }
}

// WithArchive registers a hook invoked with the path of a file that has
// just rolled over, e.g. to sync it to S3.
func WithArchive(fn ArchiveFunc) Option {
	return func(l *Log) { l.archive = fn }
}

// New creates a Log writing under dir (e.g. "events.ndjson" or, with
// WithRotation, "events.2026-07-31.ndjson").
func New(dir string, opts ...Option) *Log {
	l := &Log{
		dir:       dir,
		baseName:  "events",
		ringLimit: 500,
		log:       logx.New().With("component", "eventlog"),
	}
	for _, o := range opts {
		o(l)
	}
	l.curPath = l.pathFor(time.Now().UTC())
	l.curDate = dateKey(time.Now().UTC())
	return l
}

func dateKey(t time.Time) string { return t.Format("2006-01-02") }

func (l *Log) pathFor(t time.Time) string {
	if l.rotate {
		return filepath.Join(l.dir, fmt.Sprintf("%s.%s.ndjson", l.baseName, dateKey(t)))
	}
	return filepath.Join(l.dir, l.baseName+".ndjson")
}

// Subscribe registers fn to be called, outside the write lock, after
// every successful append. A panicking subscriber never propagates:
// Append delivers through deliverSafely, which recovers and logs the
// panic.
func (l *Log) Subscribe(fn func(model.Event)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, fn)
}

// HasWriteError reports whether the most recent append failed.
func (l *Log) HasWriteError() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasWriteError
}

// Append writes one event. Write failures set HasWriteError and log to
// stderr instead of panicking — a degraded event log never takes down
// the trading loop.
func (l *Log) Append(mode model.Mode, eventType model.EventType, data map[string]interface{}) {
	ev := model.Event{
		Timestamp:      time.Now().UTC(),
		EventType:      eventType,
		Mode:           mode,
		ServiceVersion: ServiceVersion,
		Data:           data,
	}

	l.mu.Lock()
	l.maybeRotate()
	line, err := json.Marshal(ev)
	if err != nil {
		l.hasWriteError = true
		l.mu.Unlock()
		l.log.Errorf("failed to marshal event %s: %v", eventType, err)
		return
	}
	if err := persist.AppendLine(l.curPath, line); err != nil {
		l.hasWriteError = true
		l.mu.Unlock()
		l.log.Errorf("failed to append event %s: %v", eventType, err)
		return
	}
	l.hasWriteError = false
	l.ring = append(l.ring, ev)
	if len(l.ring) > l.ringLimit {
		l.ring = l.ring[len(l.ring)-l.ringLimit:]
	}
	subs := make([]func(model.Event), len(l.subscribers))
	copy(subs, l.subscribers)
	l.mu.Unlock()

	for _, sub := range subs {
		deliverSafely(sub, ev)
	}
}

func deliverSafely(fn func(model.Event), ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("event subscriber panicked: %v", r)
		}
	}()
	fn(ev)
}

// maybeRotate rolls the file over at a UTC date boundary. Caller must
// hold l.mu.
func (l *Log) maybeRotate() {
	if !l.rotate {
		return
	}
	now := dateKey(time.Now().UTC())
	if now == l.curDate {
		return
	}
	closed := l.curPath
	l.curDate = now
	l.curPath = l.pathFor(time.Now().UTC())
	if l.archive != nil {
		go func(p string) {
			if err := l.archive(p); err != nil {
				logx.Errorf("event log archive failed for %s: %v", p, err)
			}
		}(closed)
	}
}

// GetRecent returns up to limit most-recent events, newest last.
func (l *Log) GetRecent(limit int) []model.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	if limit <= 0 || limit > len(l.ring) {
		limit = len(l.ring)
	}
	out := make([]model.Event, limit)
	copy(out, l.ring[len(l.ring)-limit:])
	return out
}
