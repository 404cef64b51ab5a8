// Package audit implements the strategy-version and decision audit
// store: a SQLite-backed, append-mostly ledger of
// every strategy document that has ever been loaded and every
// dispatch decision the engine made against it. It is purely
// additive — nothing in the execution path reads from it, so a write
// failure here never blocks a trading decision.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aegis-trade/execution-core/internal/eventlog"
	"github.com/aegis-trade/execution-core/internal/logx"
	"github.com/aegis-trade/execution-core/internal/model"
)

// Store is the audit database handle.
type Store struct {
	db  *sql.DB
	log *logx.Logger
}

// StrategyVersion is one row of the strategy_versions table: a single
// hot-reload event, successful or rejected.
type StrategyVersion struct {
	StrategyID string
	LoadedAt   time.Time
	RawContent string
	Accepted   bool
	RejectReason string
}

// DecisionRecord is one row of the decisions table: a single
// entry/exit dispatch. Rows written by SubscribeEventLog leave
// StrategyID empty, since the entry/exit events carry no strategy id.
type DecisionRecord struct {
	StrategyID  string
	PositionID  string
	Asset       string
	Decision    string // "entry" | "exit"
	Reason      string
	Mode        model.Mode
	DecidedAt   time.Time
}

// Open connects to the audit database at path with WAL journal mode,
// full fsync durability and foreign keys enabled, since this data
// backs incident reconstruction after the fact.
func Open(path string) (*Store, error) {
	connStr := path + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", connStr)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: failed to ping database: %w", err)
	}

	s := &Store{db: db, log: logx.New().With("component", "audit")}
	if err := s.initTables(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initTables() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS strategy_versions (
			strategy_id TEXT NOT NULL,
			loaded_at DATETIME NOT NULL,
			raw_content TEXT NOT NULL,
			accepted BOOLEAN NOT NULL,
			reject_reason TEXT DEFAULT '',
			PRIMARY KEY (strategy_id, loaded_at)
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: failed to create strategy_versions table: %w", err)
	}

	_, err = s.db.Exec(`
		CREATE TABLE IF NOT EXISTS decisions (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			strategy_id TEXT NOT NULL,
			position_id TEXT NOT NULL,
			asset TEXT NOT NULL,
			decision TEXT NOT NULL,
			reason TEXT NOT NULL,
			mode TEXT NOT NULL,
			decided_at DATETIME NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("audit: failed to create decisions table: %w", err)
	}

	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_strategy_id ON decisions(strategy_id)`)
	_, _ = s.db.Exec(`CREATE INDEX IF NOT EXISTS idx_decisions_position_id ON decisions(position_id)`)
	return nil
}

// RecordStrategyVersion persists one hot-reload attempt, accepted or
// rejected. Failures are logged, not returned, since the strategy
// service's reload path must not stall on audit I/O.
func (s *Store) RecordStrategyVersion(v StrategyVersion) {
	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO strategy_versions (strategy_id, loaded_at, raw_content, accepted, reject_reason)
		VALUES (?, ?, ?, ?, ?)
	`, v.StrategyID, v.LoadedAt, v.RawContent, v.Accepted, v.RejectReason)
	if err != nil {
		s.log.Errorf("failed to record strategy version %s: %v", v.StrategyID, err)
	}
}

// RecordDecision persists one entry/exit dispatch decision.
func (s *Store) RecordDecision(d DecisionRecord) {
	_, err := s.db.Exec(`
		INSERT INTO decisions (strategy_id, position_id, asset, decision, reason, mode, decided_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, d.StrategyID, d.PositionID, d.Asset, d.Decision, d.Reason, string(d.Mode), d.DecidedAt)
	if err != nil {
		s.log.Errorf("failed to record decision for position %s: %v", d.PositionID, err)
	}
}

// StrategyHistory returns every recorded version of strategyID, most
// recent first.
func (s *Store) StrategyHistory(strategyID string) ([]StrategyVersion, error) {
	rows, err := s.db.Query(`
		SELECT strategy_id, loaded_at, raw_content, accepted, reject_reason
		FROM strategy_versions
		WHERE strategy_id = ?
		ORDER BY loaded_at DESC
	`, strategyID)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query strategy history: %w", err)
	}
	defer rows.Close()

	var out []StrategyVersion
	for rows.Next() {
		var v StrategyVersion
		if err := rows.Scan(&v.StrategyID, &v.LoadedAt, &v.RawContent, &v.Accepted, &v.RejectReason); err != nil {
			return nil, fmt.Errorf("audit: failed to scan strategy version row: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// DecisionsForPosition returns every decision recorded against
// positionID, oldest first.
func (s *Store) DecisionsForPosition(positionID string) ([]DecisionRecord, error) {
	rows, err := s.db.Query(`
		SELECT strategy_id, position_id, asset, decision, reason, mode, decided_at
		FROM decisions
		WHERE position_id = ?
		ORDER BY decided_at ASC
	`, positionID)
	if err != nil {
		return nil, fmt.Errorf("audit: failed to query decisions: %w", err)
	}
	defer rows.Close()

	var out []DecisionRecord
	for rows.Next() {
		var d DecisionRecord
		var mode string
		if err := rows.Scan(&d.StrategyID, &d.PositionID, &d.Asset, &d.Decision, &d.Reason, &mode, &d.DecidedAt); err != nil {
			return nil, fmt.Errorf("audit: failed to scan decision row: %w", err)
		}
		d.Mode = model.Mode(mode)
		out = append(out, d)
	}
	return out, rows.Err()
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// SubscribeEventLog wires the store to an event log so every
// strategy load/reject and entry/exit dispatch is mirrored into the
// audit tables as it happens, with no changes needed in the emitting
// packages.
func (s *Store) SubscribeEventLog(events *eventlog.Log) {
	events.Subscribe(s.handleEvent)
}

func (s *Store) handleEvent(ev model.Event) {
	switch ev.EventType {
	case model.EventStrategyLoaded:
		s.RecordStrategyVersion(StrategyVersion{
			StrategyID: stringField(ev.Data, "strategy_id"),
			LoadedAt:   ev.Timestamp,
			Accepted:   true,
		})
	case model.EventStrategyRejected:
		s.RecordStrategyVersion(StrategyVersion{
			LoadedAt:     ev.Timestamp,
			Accepted:     false,
			RejectReason: stringField(ev.Data, "reason"),
		})
	case model.EventEntryTriggered:
		s.RecordDecision(DecisionRecord{
			PositionID: stringField(ev.Data, "strategy_position_id"),
			Asset:      stringField(ev.Data, "asset"),
			Decision:   "entry",
			Reason:     "entry_triggered",
			Mode:       ev.Mode,
			DecidedAt:  ev.Timestamp,
		})
	case model.EventExitTriggered:
		s.RecordDecision(DecisionRecord{
			PositionID: stringField(ev.Data, "position_id"),
			Asset:      stringField(ev.Data, "asset"),
			Decision:   "exit",
			Reason:     stringField(ev.Data, "exit_reason"),
			Mode:       ev.Mode,
			DecidedAt:  ev.Timestamp,
		})
	}
}

func stringField(data map[string]interface{}, key string) string {
	if data == nil {
		return ""
	}
	v, ok := data[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}
