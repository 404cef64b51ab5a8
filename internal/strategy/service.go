// Package strategy implements the Strategy Service: a
// file watcher that hot-reloads, validates, and compiles the active
// strategy document, and tracks its idle/active/expired lifecycle.
package strategy

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/schedule"
)

// Service watches one strategy document file, hot-swapping the active
// compiled strategy on valid changes and tracking expiry.
type Service struct {
	mu sync.RWMutex

	path           string
	debounce       time.Duration
	current        *Compiled
	state          State
	mode           model.Mode

	events    *eventlog.Log
	onLoaded  []func(*Compiled)
	onExpired []func(strategyID string)
	scheduler *schedule.Scheduler
	log       *logx.Logger

	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

// New creates a Service for the strategy document at path. debounce is
// the reload_latency_ms trailing-timer window; the scheduler drives
// the validity-expiry check.
func New(path string, debounce time.Duration, events *eventlog.Log, sched *schedule.Scheduler) *Service {
	return &Service{
		path:      path,
		debounce:  debounce,
		state:     StateIdle,
		mode:      model.ModePaper,
		events:    events,
		scheduler: sched,
		log:       logx.New().With("component", "strategy"),
	}
}

// OnLoaded registers a callback fired after every successful hot-swap.
func (s *Service) OnLoaded(fn func(*Compiled)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onLoaded = append(s.onLoaded, fn)
}

// OnExpired registers a callback fired after the active strategy
// transitions to expired. Used by wiring code to cancel outstanding
// pending limit entry orders.
func (s *Service) OnExpired(fn func(strategyID string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onExpired = append(s.onExpired, fn)
}

// Current returns the active compiled strategy, or nil when idle.
func (s *Service) Current() *Compiled {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// State returns the service's lifecycle state.
func (s *Service) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Start performs an initial load, begins watching for file changes, and
// registers the validity-check timer on the scheduler. Call Stop (or
// cancel ctx) to tear down.
func (s *Service) Start(ctx context.Context, validityCheckInterval time.Duration) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(s.path); err != nil {
		watcher.Close()
		return err
	}
	s.watcher = watcher

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.reload()
	go s.watchLoop(runCtx)

	if s.scheduler != nil {
		seconds := int(validityCheckInterval / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		if err := s.scheduler.EverySeconds(seconds, s.checkExpiry); err != nil {
			return err
		}
	}
	return nil
}

// ForceReload re-reads and re-validates the strategy document
// immediately, bypassing the file watcher's debounce window. Used by
// the operator surface's force-reload command.
func (s *Service) ForceReload() {
	s.reload()
}

// Stop tears down the file watcher.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	if s.watcher != nil {
		s.watcher.Close()
	}
}

func (s *Service) watchLoop(ctx context.Context) {
	var pending *time.Timer
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(s.debounce, s.reload)
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Errorf("strategy file watcher error: %v", err)
		}
	}
}

// reload implements the read-parse-validate-swap hot-reload sequence.
func (s *Service) reload() {
	raw, err := os.ReadFile(s.path)
	if err != nil {
		s.emit(model.EventStrategyRejected, map[string]interface{}{"reason": err.Error()})
		s.log.Warnf("strategy file unreadable, keeping current strategy: %v", err)
		return
	}

	strategyID := contentHash(raw)

	var doc model.StrategyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		s.emit(model.EventStrategyRejected, map[string]interface{}{"reason": "invalid json: " + err.Error()})
		return
	}

	if err := Validate(doc, time.Now().UTC()); err != nil {
		s.emit(model.EventStrategyRejected, map[string]interface{}{"reason": err.Error()})
		return
	}

	compiled, err := compile(doc, strategyID)
	if err != nil {
		s.emit(model.EventStrategyRejected, map[string]interface{}{"reason": "condition compile failed: " + err.Error()})
		return
	}

	s.mu.Lock()
	previousID := ""
	if s.current != nil {
		previousID = s.current.StrategyID
	}
	s.current = compiled
	s.state = StateActive
	s.mode = doc.Mode
	subs := make([]func(*Compiled), len(s.onLoaded))
	copy(subs, s.onLoaded)
	s.mu.Unlock()

	s.emit(model.EventStrategyLoaded, map[string]interface{}{"strategy_id": strategyID})
	if previousID != "" && previousID != strategyID {
		s.emit(model.EventStrategySwapped, map[string]interface{}{"previous_strategy_id": previousID, "strategy_id": strategyID})
	}

	for _, fn := range subs {
		deliverSafely(fn, compiled)
	}
}

func deliverSafely(fn func(*Compiled), c *Compiled) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("strategy load listener panicked: %v", r)
		}
	}()
	fn(c)
}

// checkExpiry transitions active → expired once the clock passes the
// active document's validity_window.
func (s *Service) checkExpiry() {
	s.mu.Lock()
	if s.state != StateActive || s.current == nil {
		s.mu.Unlock()
		return
	}
	if time.Now().UTC().Before(s.current.Document.ValidityWindow) {
		s.mu.Unlock()
		return
	}
	s.state = StateExpired
	strategyID := s.current.StrategyID
	subs := make([]func(string), len(s.onExpired))
	copy(subs, s.onExpired)
	s.mu.Unlock()

	s.emit(model.EventStrategyExpired, map[string]interface{}{"strategy_id": strategyID})
	for _, fn := range subs {
		deliverExpirySafely(fn, strategyID)
	}
}

func deliverExpirySafely(fn func(string), strategyID string) {
	defer func() {
		if r := recover(); r != nil {
			logx.Errorf("strategy expiry listener panicked: %v", r)
		}
	}()
	fn(strategyID)
}

func (s *Service) emit(eventType model.EventType, data map[string]interface{}) {
	if s.events == nil {
		return
	}
	s.events.Append(s.currentMode(), eventType, data)
}

func (s *Service) currentMode() model.Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

func contentHash(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}
