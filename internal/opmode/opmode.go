// Package opmode implements Operation Mode: the
// persistent paper/live switch that is threaded into every execution
// event and that selects which Exchange Adapter the Order Router
// dispatches through.
package opmode

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
	"github.com/aegis-trade/execution-core/internal/persist"
)

// state is the on-disk shape of operation_mode.json.
type state struct {
	Mode      model.Mode `json:"mode"`
	ChangedAt time.Time  `json:"changed_at"`
	ChangedBy string     `json:"changed_by"`
}

// Switch is the process-wide singleton operation-mode flag. Default is
// paper; transitions require an explicit operator note.
type Switch struct {
	mu sync.Mutex

	path string

	mode      model.Mode
	changedAt time.Time
	changedBy string

	events *eventlog.Log
	log    *logx.Logger
}

// New creates a Switch persisting to path, defaulting to paper mode.
func New(path string, events *eventlog.Log) *Switch {
	return &Switch{
		path:   path,
		mode:   model.ModePaper,
		events: events,
		log:    logx.New().With("component", "opmode"),
	}
}

// Load restores persisted state, defaulting to paper when nothing is
// on disk.
func (s *Switch) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st state
	if err := persist.ReadJSON(s.path, &st); err != nil {
		s.log.Errorf("failed to load operation mode, defaulting to paper: %v", err)
		return nil
	}
	if st.Mode == "" {
		return nil
	}
	s.mode = st.Mode
	s.changedAt = st.ChangedAt
	s.changedBy = st.ChangedBy
	return nil
}

// Current returns the active mode.
func (s *Switch) Current() model.Mode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// Transition changes the mode, persists it, and emits mode_changed with
// the operator note. A no-op transition (same mode) still persists the
// note and emits the event — the operator command itself is the record
// of intent, even when the mode doesn't move.
func (s *Switch) Transition(newMode model.Mode, operatorNote string) error {
	if strings.TrimSpace(operatorNote) == "" {
		return errors.New("opmode: transition requires an operator note")
	}
	s.mu.Lock()
	previous := s.mode
	s.mode = newMode
	s.changedAt = time.Now().UTC()
	s.changedBy = operatorNote
	err := persist.WriteJSON(s.path, state{Mode: newMode, ChangedAt: s.changedAt, ChangedBy: operatorNote})
	s.mu.Unlock()

	if s.events != nil {
		s.events.Append(newMode, model.EventModeChanged, map[string]interface{}{
			"new_mode":      newMode,
			"previous_mode": previous,
			"operator_note": operatorNote,
		})
	}
	return err
}
