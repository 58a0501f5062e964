package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/nugget/kaizen/internal/events"
	"github.com/nugget/kaizen/internal/executor"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/outcome"
	"github.com/nugget/kaizen/internal/reward"
	"github.com/nugget/kaizen/internal/selector"
)

// cycleResult is what the loop needs from a finished cycle to pick the
// rest that follows it.
type cycleResult struct {
	number   int
	reward   float64
	success  bool
	aborted  bool
	panicked bool
	skipped  bool // cancelled before an action was chosen
}

// runCycle runs one OBSERVE → SEARCH → PLAN → EXECUTE → EXTRACT HANDOFF →
// MEASURE → LEARN pass. A panic anywhere in the cycle is recovered and
// the cycle is recorded as failed.
func (e *Engine) runCycle(ctx context.Context) (res cycleResult) {
	e.mu.Lock()
	num := e.cycleCount + 1
	eps := e.epsilon
	e.mu.Unlock()

	res.number = num
	log := e.logger.With("cycle", num)
	cycleID := ""
	start := e.clock.Now()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic: %v", r)
			log.Error("cycle panicked", "error", msg, "stack", string(debug.Stack()))
			if cycleID != "" {
				e.store.FinishCycle(cycleID, nil, nil, 0, outcome.Result{
					Error:      msg,
					DurationMs: e.clock.Now().Sub(start).Milliseconds(),
				})
			}
			e.bus.Emit(events.SourceEngine, events.KindCyclePanic, map[string]any{
				"cycle": num,
				"error": msg,
			})
			res = cycleResult{number: num, panicked: true}
			e.finishInfo(cycleID, false, msg, 0, e.clock.Now().Sub(start).Milliseconds())
		}
		if !res.skipped {
			e.endCycle(res)
		}
	}()

	// OBSERVE
	e.phase(num, PhaseObserve)
	before := e.observer.Observe(ctx)
	if ctx.Err() != nil {
		res.skipped = true
		return res
	}
	log.Debug("state observed", "dimensions", before.Len())

	// SEARCH
	e.phase(num, PhaseSearch)
	hist := e.history()
	prev := e.handoffs.Load()

	// PLAN
	e.phase(num, PhasePlan)
	forced := e.takeForced()
	action := e.selector.Plan(selector.PlanInput{
		State:   before,
		History: hist,
		Handoff: prev,
		Forced:  forced,
		Epsilon: eps,
	})
	e.store.LogExploration(eps, action.WasExplore(), action.ID, action.Strategy)
	cycleID = e.store.BeginCycle(action.Ref(), before)
	e.beginInfo(cycleID, num, action)
	log = log.With("cycle_id", cycleID, "action", action.ID, "strategy", action.Strategy)
	log.Info("cycle started", "target", action.Target, "epsilon", eps)
	e.bus.Emit(events.SourceEngine, events.KindCycleStart, map[string]any{
		"cycle":    num,
		"cycle_id": cycleID,
		"action":   action.ID,
		"strategy": action.Strategy,
		"target":   action.Target,
		"epsilon":  eps,
	})

	// EXECUTE
	e.phase(num, PhaseExecute)
	result := e.execute(ctx, executor.Request{
		Cycle:   num,
		Action:  action,
		State:   before,
		Handoff: prev,
	})

	if result.Aborted() {
		e.store.FinishCycle(cycleID, nil, nil, 0, outcome.Result{
			Error:      result.Error,
			DurationMs: result.DurationMs,
		})
		e.finishInfo(cycleID, false, result.Error, 0, result.DurationMs)
		e.publishComplete(num, cycleID, action.ID, result, 0, "")
		log.Info("cycle aborted", "duration_ms", result.DurationMs)
		return cycleResult{number: num, aborted: true}
	}

	// EXTRACT HANDOFF
	e.phase(num, PhaseHandoff)
	next := handoff.Extract(result.Output, action.ID, cycleID, e.clock.Now())
	e.handoffs.Save(next)

	// MEASURE
	e.phase(num, PhaseMeasure)
	after := e.observer.Observe(context.WithoutCancel(ctx))
	delta := e.rewards.Delta(before, after)
	r := e.rewards.Reward(delta)

	// LEARN
	e.phase(num, PhaseLearn)
	e.store.FinishCycle(cycleID, &after, delta, r, outcome.Result{
		Success:    result.Success,
		Error:      result.Error,
		DurationMs: result.DurationMs,
	})
	e.store.RecordSnapshots(cycleID, after)
	e.store.UpsertEffectiveness(action.ID, action.Target, r)

	e.finishInfo(cycleID, result.Success, result.Error, r, result.DurationMs)
	e.publishComplete(num, cycleID, action.ID, result, r, next.NextTask)
	log.Info("cycle complete",
		"success", result.Success,
		"error", result.Error,
		"reward", r,
		"delta", formatDelta(delta),
		"tool_calls", len(result.ToolCalls),
		"duration_ms", result.DurationMs,
		"handoff_source", next.Source,
	)
	return cycleResult{number: num, reward: r, success: result.Success}
}

// execute runs the request under a cancel func that Pause can reach.
func (e *Engine) execute(ctx context.Context, req executor.Request) executor.Result {
	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	e.mu.Lock()
	e.cancelExec = cancel
	e.loopState = StateExecuting
	if e.paused {
		cancel()
	}
	from, to := StateRunning, e.stateLocked()
	e.mu.Unlock()
	if to == StateExecuting {
		e.publishState(from, to)
	}

	defer func() {
		e.mu.Lock()
		e.cancelExec = nil
		e.loopState = StateRunning
		e.mu.Unlock()
	}()
	return e.exec.Execute(execCtx, req)
}

// history gathers what the selector consults. Query failures degrade to
// an empty history.
func (e *Engine) history() selector.History {
	var h selector.History

	recent, err := e.store.QueryRecentCycles(e.cfg.RecentWindow)
	if err != nil {
		e.logger.Warn("recent cycles unavailable", "error", err)
	}
	for _, c := range recent {
		h.Recent = append(h.Recent, c.ActionType)
	}

	h.Best, err = e.store.QueryBestActions(e.cfg.BestLimit)
	if err != nil {
		e.logger.Warn("best actions unavailable", "error", err)
	}

	h.Stale, err = e.store.QueryStaleActions(e.cfg.StaleAfter)
	if err != nil {
		e.logger.Warn("stale actions unavailable", "error", err)
	}
	return h
}

// takeForced returns and clears the nudged action.
func (e *Engine) takeForced() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	f := e.forced
	e.forced = ""
	return f
}

func (e *Engine) phase(cycle int, name string) {
	e.mu.Lock()
	if e.current != nil {
		e.current.Phase = name
	}
	e.mu.Unlock()
	e.bus.Emit(events.SourceEngine, events.KindPhase, map[string]any{"cycle": cycle, "phase": name})
	e.logger.Log(context.Background(), slog.Level(-8), "cycle phase", "cycle", cycle, "phase", name) // config.LevelTrace
}

func (e *Engine) beginInfo(id string, num int, a selector.Action) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.current = &CycleInfo{
		ID:        id,
		Number:    num,
		Action:    a.ID,
		Target:    a.Target,
		Strategy:  a.Strategy,
		Phase:     PhasePlan,
		StartedAt: e.clock.Now(),
	}
}

func (e *Engine) finishInfo(id string, success bool, errText string, r float64, durMs int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.current == nil || e.current.ID != id {
		return
	}
	c := *e.current
	c.Phase = ""
	c.Success = success
	c.Error = errText
	c.Reward = r
	c.DurationMs = durMs
	e.last = &c
	e.current = nil
}

// endCycle advances the counters, decays epsilon and persists.
func (e *Engine) endCycle(res cycleResult) {
	e.mu.Lock()
	e.cycleCount++
	e.epsilon = max(e.cfg.EpsilonMin, e.epsilon*e.cfg.EpsilonDecay)
	if !res.aborted {
		e.lastReward = res.reward
	}
	e.current = nil
	e.mu.Unlock()
	e.persist()
}

func (e *Engine) publishComplete(num int, id, action string, res executor.Result, r float64, nextTask string) {
	e.bus.Emit(events.SourceEngine, events.KindCycleComplete, map[string]any{
		"cycle":       num,
		"cycle_id":    id,
		"action":      action,
		"success":     res.Success,
		"error":       res.Error,
		"reward":      r,
		"duration_ms": res.DurationMs,
		"next_task":   nextTask,
	})
}

// formatDelta renders a delta as a log attribute value.
func formatDelta(d reward.Delta) map[string]float64 {
	out := make(map[string]float64, len(d))
	for dim, v := range d {
		out[string(dim)] = v
	}
	return out
}

var _ Observer = (*observe.Observer)(nil)
