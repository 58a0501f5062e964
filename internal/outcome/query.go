package outcome

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nugget/kaizen/internal/observe"
)

// Default query limits.
const (
	DefaultBestLimit   = 10
	DefaultRecentLimit = 20
)

const effectivenessColumns = `action_type, target, total_runs, total_reward, avg_reward,
	best_reward, worst_reward, last_run_at, consecutive_failures`

// QueryBestActions returns effectiveness records ordered by average
// reward, best first. A non-positive limit uses [DefaultBestLimit].
func (s *Store) QueryBestActions(limit int) ([]Effectiveness, error) {
	if limit <= 0 {
		limit = DefaultBestLimit
	}
	return s.queryEffectiveness(
		`SELECT `+effectivenessColumns+` FROM action_effectiveness
		 ORDER BY avg_reward DESC, total_runs DESC, action_type ASC
		 LIMIT ?`, limit)
}

// ListEffectiveness returns every effectiveness record ordered by
// action type and target. A non-positive limit returns all rows.
func (s *Store) ListEffectiveness(limit int) ([]Effectiveness, error) {
	if limit <= 0 {
		limit = -1
	}
	return s.queryEffectiveness(
		`SELECT `+effectivenessColumns+` FROM action_effectiveness
		 ORDER BY action_type ASC, target ASC
		 LIMIT ?`, limit)
}

// Effectiveness returns the record for one key. An empty target means
// [GeneralTarget].
func (s *Store) Effectiveness(actionType, target string) (Effectiveness, bool, error) {
	if target == "" {
		target = GeneralTarget
	}
	rows, err := s.queryEffectiveness(
		`SELECT `+effectivenessColumns+` FROM action_effectiveness
		 WHERE action_type = ? AND target = ?`, actionType, target)
	if err != nil || len(rows) == 0 {
		return Effectiveness{}, false, err
	}
	return rows[0], true, nil
}

func (s *Store) queryEffectiveness(query string, args ...any) ([]Effectiveness, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query effectiveness: %w", err)
	}
	defer rows.Close()

	var out []Effectiveness
	for rows.Next() {
		var e Effectiveness
		var lastRun string
		if err := rows.Scan(&e.ActionType, &e.Target, &e.TotalRuns, &e.TotalReward,
			&e.AvgReward, &e.BestReward, &e.WorstReward, &lastRun, &e.ConsecutiveFailures); err != nil {
			return nil, fmt.Errorf("scan effectiveness: %w", err)
		}
		e.LastRunAt = parseTime(lastRun)
		out = append(out, e)
	}
	return out, rows.Err()
}

// QueryRecentCycles returns the most recent cycles, newest first. A
// non-positive limit uses [DefaultRecentLimit].
func (s *Store) QueryRecentCycles(limit int) ([]Cycle, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.Query(
		`SELECT id, action_type, target, strategy, state_before, state_after, delta,
		        reward, success, error, duration_ms, started_at, finished_at
		 FROM engine_cycles
		 ORDER BY started_at DESC, rowid DESC
		 LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query recent cycles: %w", err)
	}
	defer rows.Close()

	var out []Cycle
	for rows.Next() {
		c, err := scanCycle(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Cycle returns one cycle by id.
func (s *Store) Cycle(id string) (Cycle, bool, error) {
	rows, err := s.db.Query(
		`SELECT id, action_type, target, strategy, state_before, state_after, delta,
		        reward, success, error, duration_ms, started_at, finished_at
		 FROM engine_cycles WHERE id = ?`, id)
	if err != nil {
		return Cycle{}, false, fmt.Errorf("query cycle %s: %w", id, err)
	}
	defer rows.Close()

	if !rows.Next() {
		return Cycle{}, false, rows.Err()
	}
	c, err := scanCycle(rows)
	if err != nil {
		return Cycle{}, false, err
	}
	return c, true, nil
}

func scanCycle(rows *sql.Rows) (Cycle, error) {
	var (
		c                   Cycle
		before              string
		after, delta, errS  sql.NullString
		finished            sql.NullString
		started             string
		rewardV             sql.NullFloat64
		success, durationMs sql.NullInt64
	)
	if err := rows.Scan(&c.ID, &c.ActionType, &c.Target, &c.Strategy, &before, &after,
		&delta, &rewardV, &success, &errS, &durationMs, &started, &finished); err != nil {
		return Cycle{}, fmt.Errorf("scan cycle: %w", err)
	}

	if err := json.Unmarshal([]byte(before), &c.StateBefore); err != nil {
		return Cycle{}, fmt.Errorf("decode state_before of %s: %w", c.ID, err)
	}
	if after.Valid {
		var snap observe.Snapshot
		if err := json.Unmarshal([]byte(after.String), &snap); err == nil {
			c.StateAfter = &snap
		}
	}
	if delta.Valid {
		_ = json.Unmarshal([]byte(delta.String), &c.Delta)
	}
	c.Reward = rewardV.Float64
	c.Success = success.Int64 == 1
	c.Error = errS.String
	c.DurationMs = durationMs.Int64
	c.StartedAt = parseTime(started)
	if finished.Valid {
		c.FinishedAt = parseTime(finished.String)
	}
	return c, nil
}

// QueryStaleActions returns the action types whose most recent run is
// older than olderThan. Only actions with effectiveness history are
// considered; never-run actions are the caller's concern.
func (s *Store) QueryStaleActions(olderThan time.Duration) ([]string, error) {
	cutoff := formatTime(s.now().Add(-olderThan))
	rows, err := s.db.Query(
		`SELECT action_type FROM action_effectiveness
		 GROUP BY action_type
		 HAVING MAX(last_run_at) < ?
		 ORDER BY MAX(last_run_at) ASC, action_type ASC`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("query stale actions: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("scan stale action: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Trend returns up to limit recorded values of dim in chronological
// order, ending with the most recent.
func (s *Store) Trend(dim observe.Dimension, limit int) ([]TrendPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.Query(
		`SELECT cycle_id, dimension, value, recorded_at FROM state_snapshots
		 WHERE dimension = ?
		 ORDER BY recorded_at DESC, id DESC
		 LIMIT ?`, string(dim), limit)
	if err != nil {
		return nil, fmt.Errorf("query trend %s: %w", dim, err)
	}
	defer rows.Close()

	var out []TrendPoint
	for rows.Next() {
		var p TrendPoint
		var d, at string
		if err := rows.Scan(&p.CycleID, &d, &p.Value, &at); err != nil {
			return nil, fmt.Errorf("scan trend: %w", err)
		}
		p.Dimension = observe.Dimension(d)
		p.RecordedAt = parseTime(at)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out, nil
}

// ListExploration returns the most recent exploration entries, newest
// first.
func (s *Store) ListExploration(limit int) ([]Exploration, error) {
	if limit <= 0 {
		limit = DefaultRecentLimit
	}
	rows, err := s.db.Query(
		`SELECT id, timestamp, epsilon, was_explore, chosen_action, strategy
		 FROM exploration_log ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query exploration log: %w", err)
	}
	defer rows.Close()

	var out []Exploration
	for rows.Next() {
		var e Exploration
		var ts string
		var explore int
		if err := rows.Scan(&e.ID, &ts, &e.Epsilon, &explore, &e.ChosenAction, &e.Strategy); err != nil {
			return nil, fmt.Errorf("scan exploration: %w", err)
		}
		e.Timestamp = parseTime(ts)
		e.WasExplore = explore == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

// LearningStats summarizes what the engine has learned so far.
type LearningStats struct {
	TotalCycles      int             `json:"total_cycles"`
	CompletedCycles  int             `json:"completed_cycles"`
	SuccessfulCycles int             `json:"successful_cycles"`
	SuccessRate      float64         `json:"success_rate"`
	AvgReward        float64         `json:"avg_reward"`
	Decisions        int             `json:"decisions"`
	ExplorationRatio float64         `json:"exploration_ratio"`
	TopActions       []Effectiveness `json:"top_actions"`
}

// LearningStats aggregates cycle, exploration and effectiveness data.
func (s *Store) LearningStats() (LearningStats, error) {
	var st LearningStats
	var avg sql.NullFloat64
	err := s.db.QueryRow(
		`SELECT COUNT(*),
		        COALESCE(SUM(CASE WHEN finished_at IS NOT NULL THEN 1 ELSE 0 END), 0),
		        COALESCE(SUM(CASE WHEN success = 1 THEN 1 ELSE 0 END), 0),
		        AVG(reward)
		 FROM engine_cycles`,
	).Scan(&st.TotalCycles, &st.CompletedCycles, &st.SuccessfulCycles, &avg)
	if err != nil {
		return LearningStats{}, fmt.Errorf("cycle stats: %w", err)
	}
	st.AvgReward = avg.Float64
	if st.CompletedCycles > 0 {
		st.SuccessRate = float64(st.SuccessfulCycles) / float64(st.CompletedCycles)
	}

	var ratio sql.NullFloat64
	err = s.db.QueryRow(
		`SELECT COUNT(*), AVG(was_explore) FROM exploration_log`,
	).Scan(&st.Decisions, &ratio)
	if err != nil {
		return LearningStats{}, fmt.Errorf("exploration stats: %w", err)
	}
	st.ExplorationRatio = ratio.Float64

	st.TopActions, err = s.QueryBestActions(5)
	if err != nil {
		return LearningStats{}, err
	}
	return st, nil
}
