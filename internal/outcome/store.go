// Package outcome persists what the engine did and how well it worked:
// the cycle history, per-action effectiveness, the exploration audit
// trail and per-dimension trend snapshots.
//
// Every write path is fail-soft. A failed insert is logged at Warn and
// swallowed so the control loop never stops because of storage; the
// cost is a lost outcome row. Read paths return errors and callers
// decide how to degrade.
package outcome

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/opstate"
	"github.com/nugget/kaizen/internal/reward"
)

// GeneralTarget is the effectiveness key used when an action ran
// without a specific target.
const GeneralTarget = "__general__"

// SentinelCycleID is returned by [Store.BeginCycle] when the cycle row
// could not be written. [Store.FinishCycle] and [Store.RecordSnapshot]
// ignore it.
const SentinelCycleID = "unrecorded"

// FailureThreshold is the reward at or below which a run counts as a
// failure for the consecutive-failure streak.
const FailureThreshold = -0.01

// timeLayout is fixed-width UTC so TEXT columns order chronologically.
const timeLayout = "2006-01-02T15:04:05.000Z"

// ActionRef identifies the action a cycle ran and why it was chosen.
type ActionRef struct {
	Type     string `json:"action_type"`
	Target   string `json:"target,omitempty"`
	Strategy string `json:"strategy"`
}

// Result is the executor's verdict on a cycle.
type Result struct {
	Success    bool   `json:"success"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

// Cycle is one recorded pass of the engine loop. StateAfter, Delta and
// FinishedAt are empty while the cycle is in flight; StateAfter stays
// nil for aborted cycles.
type Cycle struct {
	ID          string            `json:"id"`
	ActionType  string            `json:"action_type"`
	Target      string            `json:"target,omitempty"`
	Strategy    string            `json:"strategy"`
	StateBefore observe.Snapshot  `json:"state_before"`
	StateAfter  *observe.Snapshot `json:"state_after,omitempty"`
	Delta       reward.Delta      `json:"delta,omitempty"`
	Reward      float64           `json:"reward"`
	Success     bool              `json:"success"`
	Error       string            `json:"error,omitempty"`
	DurationMs  int64             `json:"duration_ms"`
	StartedAt   time.Time         `json:"started_at"`
	FinishedAt  time.Time         `json:"finished_at,omitzero"`
}

// Finished reports whether the cycle was finalized.
func (c Cycle) Finished() bool { return !c.FinishedAt.IsZero() }

// Effectiveness is the running record of one (action, target) key.
// AvgReward always equals TotalReward / TotalRuns.
type Effectiveness struct {
	ActionType          string    `json:"action_type"`
	Target              string    `json:"target"`
	TotalRuns           int       `json:"total_runs"`
	TotalReward         float64   `json:"total_reward"`
	AvgReward           float64   `json:"avg_reward"`
	BestReward          float64   `json:"best_reward"`
	WorstReward         float64   `json:"worst_reward"`
	LastRunAt           time.Time `json:"last_run_at"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

// Exploration is one entry of the append-only selection audit trail.
type Exploration struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	Epsilon      float64   `json:"epsilon"`
	WasExplore   bool      `json:"was_explore"`
	ChosenAction string    `json:"chosen_action"`
	Strategy     string    `json:"strategy"`
}

// TrendPoint is one recorded dimension value.
type TrendPoint struct {
	CycleID    string            `json:"cycle_id"`
	Dimension  observe.Dimension `json:"dimension"`
	Value      float64           `json:"value"`
	RecordedAt time.Time         `json:"recorded_at"`
}

// Store is the SQLite-backed outcome store. It shares its database
// handle with an [opstate.Store] used for fixed-key engine state.
type Store struct {
	db     *sql.DB
	state  *opstate.Store
	logger *slog.Logger

	now   func() time.Time
	newID func() string
}

// NewStore migrates the outcome schema on db and returns a store.
func NewStore(db *sql.DB, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	state, err := opstate.NewStore(db)
	if err != nil {
		return nil, err
	}
	s := &Store{
		db:     db,
		state:  state,
		logger: logger,
		now:    time.Now,
		newID:  newCycleID,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate outcome schema: %w", err)
	}
	return s, nil
}

func newCycleID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS engine_cycles (
		id           TEXT PRIMARY KEY,
		action_type  TEXT NOT NULL,
		target       TEXT NOT NULL DEFAULT '',
		strategy     TEXT NOT NULL,
		state_before TEXT NOT NULL,
		state_after  TEXT,
		delta        TEXT,
		reward       REAL,
		success      INTEGER,
		error        TEXT,
		duration_ms  INTEGER,
		started_at   TEXT NOT NULL,
		finished_at  TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_cycles_started ON engine_cycles(started_at);

	CREATE TABLE IF NOT EXISTS action_effectiveness (
		action_type          TEXT NOT NULL,
		target               TEXT NOT NULL,
		total_runs           INTEGER NOT NULL,
		total_reward         REAL NOT NULL,
		avg_reward           REAL NOT NULL,
		best_reward          REAL NOT NULL,
		worst_reward         REAL NOT NULL,
		last_run_at          TEXT NOT NULL,
		consecutive_failures INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (action_type, target)
	);

	CREATE TABLE IF NOT EXISTS exploration_log (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp     TEXT NOT NULL,
		epsilon       REAL NOT NULL,
		was_explore   INTEGER NOT NULL,
		chosen_action TEXT NOT NULL,
		strategy      TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS state_snapshots (
		id          INTEGER PRIMARY KEY AUTOINCREMENT,
		cycle_id    TEXT NOT NULL,
		dimension   TEXT NOT NULL,
		value       REAL NOT NULL,
		recorded_at TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_snapshots_dimension ON state_snapshots(dimension, recorded_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BeginCycle inserts an in-flight cycle row and returns its id. On
// failure it logs and returns [SentinelCycleID].
func (s *Store) BeginCycle(action ActionRef, before observe.Snapshot) string {
	id := s.newID()
	stateJSON, err := json.Marshal(before)
	if err != nil {
		s.logger.Warn("encode cycle state", "error", err)
		return SentinelCycleID
	}

	_, err = s.db.Exec(
		`INSERT INTO engine_cycles (id, action_type, target, strategy, state_before, started_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, action.Type, action.Target, action.Strategy, string(stateJSON), formatTime(s.now()),
	)
	if err != nil {
		s.logger.Warn("begin cycle failed", "action", action.Type, "error", err)
		return SentinelCycleID
	}
	return id
}

// FinishCycle finalizes a cycle. after is nil for aborted cycles. A
// sentinel id is skipped.
func (s *Store) FinishCycle(id string, after *observe.Snapshot, delta reward.Delta, r float64, res Result) {
	if id == SentinelCycleID || id == "" {
		return
	}

	var afterJSON, deltaJSON sql.NullString
	if after != nil {
		if data, err := json.Marshal(after); err == nil {
			afterJSON = sql.NullString{String: string(data), Valid: true}
		}
	}
	if delta != nil {
		if data, err := json.Marshal(delta); err == nil {
			deltaJSON = sql.NullString{String: string(data), Valid: true}
		}
	}
	var errText sql.NullString
	if res.Error != "" {
		errText = sql.NullString{String: res.Error, Valid: true}
	}

	_, err := s.db.Exec(
		`UPDATE engine_cycles
		 SET state_after = ?, delta = ?, reward = ?, success = ?, error = ?,
		     duration_ms = ?, finished_at = ?
		 WHERE id = ?`,
		afterJSON, deltaJSON, reward.Clamp(r), boolInt(res.Success), errText,
		res.DurationMs, formatTime(s.now()), id,
	)
	if err != nil {
		s.logger.Warn("finish cycle failed", "cycle_id", id, "error", err)
	}
}

// RecordSnapshot stores one dimension value observed after a cycle.
func (s *Store) RecordSnapshot(cycleID string, dim observe.Dimension, value float64) {
	if cycleID == SentinelCycleID || cycleID == "" {
		return
	}
	_, err := s.db.Exec(
		`INSERT INTO state_snapshots (cycle_id, dimension, value, recorded_at)
		 VALUES (?, ?, ?, ?)`,
		cycleID, string(dim), value, formatTime(s.now()),
	)
	if err != nil {
		s.logger.Warn("record snapshot failed", "cycle_id", cycleID, "dimension", dim, "error", err)
	}
}

// RecordSnapshots stores every dimension of snap for cycleID.
func (s *Store) RecordSnapshots(cycleID string, snap observe.Snapshot) {
	for _, dim := range snap.Dimensions() {
		v, _ := snap.Get(dim)
		s.RecordSnapshot(cycleID, dim, v)
	}
}

// UpsertEffectiveness folds one reward into the (actionType, target)
// record. An empty target is stored as [GeneralTarget]. The streak of
// consecutive failures grows on rewards at or below [FailureThreshold]
// and resets on anything better.
func (s *Store) UpsertEffectiveness(actionType, target string, r float64) {
	if target == "" {
		target = GeneralTarget
	}
	r = reward.Clamp(r)
	failures := 0
	if r <= FailureThreshold {
		failures = 1
	}

	_, err := s.db.Exec(
		`INSERT INTO action_effectiveness
			(action_type, target, total_runs, total_reward, avg_reward,
			 best_reward, worst_reward, last_run_at, consecutive_failures)
		 VALUES (?, ?, 1, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (action_type, target) DO UPDATE SET
			total_runs   = total_runs + 1,
			total_reward = total_reward + excluded.total_reward,
			avg_reward   = (total_reward + excluded.total_reward) / (total_runs + 1),
			best_reward  = MAX(best_reward, excluded.best_reward),
			worst_reward = MIN(worst_reward, excluded.worst_reward),
			last_run_at  = excluded.last_run_at,
			consecutive_failures = CASE
				WHEN excluded.total_reward <= ? THEN consecutive_failures + 1
				ELSE 0
			END`,
		actionType, target, r, r, r, r, formatTime(s.now()), failures, FailureThreshold,
	)
	if err != nil {
		s.logger.Warn("upsert effectiveness failed", "action", actionType, "target", target, "error", err)
	}
}

// LogExploration appends a selection decision to the audit trail.
func (s *Store) LogExploration(epsilon float64, wasExplore bool, chosenAction, strategy string) {
	_, err := s.db.Exec(
		`INSERT INTO exploration_log (timestamp, epsilon, was_explore, chosen_action, strategy)
		 VALUES (?, ?, ?, ?, ?)`,
		formatTime(s.now()), epsilon, boolInt(wasExplore), chosenAction, strategy,
	)
	if err != nil {
		s.logger.Warn("log exploration failed", "action", chosenAction, "error", err)
	}
}

// SetState stores v as JSON under a fixed namespace/key. Failures are
// logged.
func (s *Store) SetState(namespace, key string, v any) {
	if err := s.state.SetJSON(namespace, key, v); err != nil {
		s.logger.Warn("persist state failed", "namespace", namespace, "key", key, "error", err)
	}
}

// GetState decodes the value stored under namespace/key into v and
// reports whether one was found. Corrupt values are logged and treated
// as absent.
func (s *Store) GetState(namespace, key string, v any) bool {
	ok, err := s.state.GetJSON(namespace, key, v)
	if err != nil {
		s.logger.Warn("load state failed", "namespace", namespace, "key", key, "error", err)
		return false
	}
	return ok
}

// DeleteState removes a fixed-key value. Failures are logged.
func (s *Store) DeleteState(namespace, key string) {
	if err := s.state.Delete(namespace, key); err != nil {
		s.logger.Warn("delete state failed", "namespace", namespace, "key", key, "error", err)
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
