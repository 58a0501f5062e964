// Package engine runs the continuous improvement loop: observe the
// world, pick an action, hand it to the execution backend, measure what
// changed, learn from it and rest.
//
// One goroutine owns all cycle state. The control methods ([Engine.Start],
// [Engine.Stop], [Engine.Pause], [Engine.Resume], [Engine.WakeFromRest],
// [Engine.Nudge]) may be called from any goroutine and only touch a
// small mutex-guarded control block.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/kaizen/internal/activity"
	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/clock"
	"github.com/nugget/kaizen/internal/events"
	"github.com/nugget/kaizen/internal/executor"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/outcome"
	"github.com/nugget/kaizen/internal/rest"
	"github.com/nugget/kaizen/internal/reward"
	"github.com/nugget/kaizen/internal/selector"
)

// State is the engine's externally visible state.
type State string

// Engine states.
const (
	StateStopped   State = "stopped"
	StateRunning   State = "running"
	StatePaused    State = "paused"
	StateResting   State = "resting"
	StateExecuting State = "executing"
)

var (
	// ErrBackendNotReady is returned by [Engine.Start] when the
	// execution backend fails its readiness check.
	ErrBackendNotReady = errors.New("execution backend not ready")

	// ErrUnknownAction is returned by [Engine.Nudge] for an action type
	// that is not in the catalog.
	ErrUnknownAction = errors.New("unknown action type")

	// ErrNotRunning is returned by [Engine.Pause] when the engine is
	// stopped.
	ErrNotRunning = errors.New("engine is not running")
)

// Cycle phases published on the event bus.
const (
	PhaseObserve = "observe"
	PhaseSearch  = "search"
	PhasePlan    = "plan"
	PhaseExecute = "execute"
	PhaseHandoff = "extract_handoff"
	PhaseMeasure = "measure"
	PhaseLearn   = "learn"
	PhaseRest    = "rest"
)

// Fixed key of the persisted engine state in the outcome store.
const (
	stateNamespace = "engine"
	stateKey       = "state"
)

// Observer captures the current state of the world.
type Observer interface {
	Observe(ctx context.Context) observe.Snapshot
}

// Deps holds the engine's collaborators. Observer, Store, Executor and
// Handoffs are required.
type Deps struct {
	Observer Observer
	Store    *outcome.Store
	Executor *executor.Executor
	Handoffs *handoff.Manager
	Clock    clock.Clock         // nil uses the wall clock
	Rand     selector.RandSource // nil uses math/rand/v2
	Bus      *events.Bus         // optional
	Activity *activity.Tracker   // optional; control interactions are recorded here
	Logger   *slog.Logger
}

// CycleInfo describes the cycle in flight or the last finished one.
type CycleInfo struct {
	ID         string    `json:"id"`
	Number     int       `json:"number"`
	Action     string    `json:"action"`
	Target     string    `json:"target,omitempty"`
	Strategy   string    `json:"strategy"`
	Phase      string    `json:"phase,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	Success    bool      `json:"success"`
	Error      string    `json:"error,omitempty"`
	Reward     float64   `json:"reward"`
	DurationMs int64     `json:"duration_ms,omitempty"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State         State                  `json:"state"`
	Running       bool                   `json:"running"`
	Paused        bool                   `json:"paused"`
	Resting       bool                   `json:"resting"`
	RestUntil     time.Time              `json:"rest_until,omitzero"`
	CycleCount    int                    `json:"cycle_count"`
	Epsilon       float64                `json:"epsilon"`
	CurrentCycle  *CycleInfo             `json:"current_cycle,omitempty"`
	LastCycle     *CycleInfo             `json:"last_cycle,omitempty"`
	NextHandoff   *handoff.Handoff       `json:"next_handoff,omitempty"`
	LearningStats *outcome.LearningStats `json:"learning_stats,omitempty"`
	LastReward    float64                `json:"last_reward"`
	ForcedAction  string                 `json:"forced_action,omitempty"`
	Backend       string                 `json:"backend"`
}

// persistedState survives restarts.
type persistedState struct {
	CycleCount int     `json:"cycle_count"`
	Epsilon    float64 `json:"epsilon"`
	LastReward float64 `json:"last_reward"`
	Running    bool    `json:"running"`
	Paused     bool    `json:"paused"`
}

// Engine is the continuous improvement loop.
type Engine struct {
	cfg       Config
	observer  Observer
	store     *outcome.Store
	exec      *executor.Executor
	handoffs  *handoff.Manager
	clock     clock.Clock
	bus       *events.Bus
	activity  *activity.Tracker
	logger    *slog.Logger
	selector  *selector.Selector
	scheduler *rest.Scheduler
	rewards   *reward.Computer
	waiter    *rest.Waiter

	mu         sync.Mutex
	running    bool
	paused     bool
	wasRunning bool
	loopState  State
	cycleCount int
	epsilon    float64
	lastReward float64
	forced     string
	current    *CycleInfo
	last       *CycleInfo
	cancelLoop context.CancelFunc
	cancelExec context.CancelFunc
	done       chan struct{}
}

// New builds an engine and restores its persisted counters. With
// cfg.ResetEpsilon the stored epsilon is discarded in favor of
// cfg.EpsilonInitial.
func New(cfg Config, deps Deps) *Engine {
	if cfg.Catalog == nil {
		cfg.Catalog = catalog.Default()
	}
	if cfg.Weights == nil {
		cfg.Weights = reward.DefaultWeights()
	}
	if cfg.PausePoll <= 0 {
		cfg.PausePoll = DefaultConfig().PausePoll
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	e := &Engine{
		cfg:      cfg,
		observer: deps.Observer,
		store:    deps.Store,
		exec:     deps.Executor,
		handoffs: deps.Handoffs,
		clock:    deps.Clock,
		bus:      deps.Bus,
		activity: deps.Activity,
		logger:   deps.Logger,
		selector: selector.New(cfg.Catalog, selector.Config{
			RecentWindow:     cfg.RecentWindow,
			FailureThreshold: cfg.FailureThreshold,
		}, deps.Rand),
		scheduler: rest.NewScheduler(cfg.Rest),
		rewards:   reward.NewComputer(cfg.Weights),
		waiter:    rest.NewWaiter(deps.Clock),
		loopState: StateRunning,
		epsilon:   cfg.EpsilonInitial,
	}
	e.restore()
	return e
}

func (e *Engine) restore() {
	var ps persistedState
	if !e.store.GetState(stateNamespace, stateKey, &ps) {
		return
	}
	e.cycleCount = ps.CycleCount
	e.lastReward = ps.LastReward
	e.paused = ps.Paused
	e.wasRunning = ps.Running
	if !e.cfg.ResetEpsilon && ps.Epsilon > 0 {
		e.epsilon = max(e.cfg.EpsilonMin, min(ps.Epsilon, 1))
	}
	e.logger.Info("engine state restored",
		"cycle_count", e.cycleCount,
		"epsilon", e.epsilon,
		"was_running", ps.Running,
		"paused", ps.Paused,
		"reset_epsilon", e.cfg.ResetEpsilon,
	)
}

// persist writes the counters and control flags. Failures are logged by
// the store.
func (e *Engine) persist() {
	e.mu.Lock()
	ps := persistedState{
		CycleCount: e.cycleCount,
		Epsilon:    e.epsilon,
		LastReward: e.lastReward,
		Running:    e.running,
		Paused:     e.paused,
	}
	e.mu.Unlock()
	e.store.SetState(stateNamespace, stateKey, ps)
}

// Catalog returns the action catalog the engine selects from.
func (e *Engine) Catalog() *catalog.Catalog { return e.cfg.Catalog }

// WasRunning reports whether the engine was running when its state was
// last persisted.
func (e *Engine) WasRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.wasRunning
}

// Start launches the loop goroutine. The backend must report ready;
// otherwise ErrBackendNotReady is returned and the engine stays stopped.
// Starting a running engine is a no-op. The loop outlives ctx's
// cancellation; use [Engine.Stop] to end it.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if running {
		return nil
	}

	if !e.exec.Backend().Ready(ctx) {
		e.logger.Warn("engine start refused", "backend", e.exec.Backend().Name(), "error", ErrBackendNotReady)
		return ErrBackendNotReady
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.running = true
	e.wasRunning = true
	e.loopState = StateRunning
	e.cancelLoop = cancel
	e.done = make(chan struct{})
	done := e.done
	to := e.stateLocked()
	e.mu.Unlock()

	e.waiter.Disarm()
	e.persist()
	e.publishState(StateStopped, to)
	e.logger.Info("engine started", "state", to, "backend", e.exec.Backend().Name())

	go e.run(loopCtx, done)
	return nil
}

// Stop cancels the in-flight execution and any rest, then waits for the
// loop goroutine to exit. Stopping a stopped engine is a no-op.
func (e *Engine) Stop() {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return
	}
	from := e.stateLocked()
	cancel := e.cancelLoop
	done := e.done
	e.running = false
	e.wasRunning = false
	e.paused = false
	e.cancelLoop = nil
	e.mu.Unlock()

	cancel()
	<-done

	e.persist()
	e.publishState(from, StateStopped)
	e.record("stopped engine")
	e.logger.Info("engine stopped")
}

// Pause aborts the in-flight execution and holds the loop until
// [Engine.Resume]. Pausing a paused engine is a no-op.
func (e *Engine) Pause() error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	if e.paused {
		e.mu.Unlock()
		return nil
	}
	from := e.stateLocked()
	e.paused = true
	if e.cancelExec != nil {
		e.cancelExec()
	}
	e.mu.Unlock()

	e.waiter.Signal()
	e.persist()
	e.publishState(from, StatePaused)
	e.record("paused engine")
	e.logger.Info("engine paused")
	return nil
}

// Resume releases a paused engine. Resuming an engine that is not paused
// is a no-op.
func (e *Engine) Resume() error {
	e.mu.Lock()
	if !e.paused {
		e.mu.Unlock()
		return nil
	}
	e.paused = false
	to := e.stateLocked()
	e.mu.Unlock()

	e.waiter.Signal()
	e.persist()
	e.publishState(StatePaused, to)
	e.record("resumed engine")
	e.logger.Info("engine resumed")
	return nil
}

// WakeFromRest ends a pending rest so the next cycle starts at once. It
// reports whether the engine was resting.
func (e *Engine) WakeFromRest() bool {
	woke := e.waiter.Wake()
	if woke {
		e.record("woke engine from rest")
		e.logger.Info("engine woken from rest")
	}
	return woke
}

// Nudge forces action type id for the next cycle and wakes the engine
// from rest.
func (e *Engine) Nudge(id string) error {
	if !e.cfg.Catalog.Has(id) {
		return fmt.Errorf("%w: %q", ErrUnknownAction, id)
	}

	e.mu.Lock()
	e.forced = id
	paused := e.paused
	e.mu.Unlock()

	if !paused {
		e.waiter.Signal()
	}
	e.bus.Emit(events.SourceEngine, events.KindNudge, map[string]any{"action": id})
	e.record("nudged " + id)
	e.logger.Info("engine nudged", "action", id)
	return nil
}

// RecordActivity adds a user note to the context of future cycles.
func (e *Engine) RecordActivity(text string) {
	e.record(text)
	e.bus.Emit(events.SourceActivity, events.KindNote, map[string]any{"text": text})
}

func (e *Engine) record(text string) {
	if e.activity != nil {
		e.activity.Record(text)
	}
}

// Status returns the current state, counters, cycle info, the handoff
// the next cycle will see, and aggregate learning statistics.
func (e *Engine) Status() Status {
	e.mu.Lock()
	st := Status{
		State:        e.stateLocked(),
		Running:      e.running,
		Paused:       e.paused,
		CycleCount:   e.cycleCount,
		Epsilon:      e.epsilon,
		LastReward:   e.lastReward,
		ForcedAction: e.forced,
		Backend:      e.exec.Backend().Name(),
	}
	if e.current != nil {
		c := *e.current
		st.CurrentCycle = &c
	}
	if e.last != nil {
		c := *e.last
		st.LastCycle = &c
	}
	e.mu.Unlock()

	st.Resting = e.waiter.Resting() && st.State == StateResting
	if st.Resting {
		st.RestUntil = e.waiter.Until()
	}
	st.NextHandoff = e.handoffs.Load()
	if ls, err := e.store.LearningStats(); err != nil {
		e.logger.Warn("learning stats unavailable", "error", err)
	} else {
		st.LearningStats = &ls
	}
	return st
}

// stateLocked derives the visible state. Caller holds e.mu.
func (e *Engine) stateLocked() State {
	switch {
	case !e.running:
		return StateStopped
	case e.paused:
		return StatePaused
	default:
		return e.loopState
	}
}

// setLoopState records what the loop goroutine is doing. A paused or
// stopped engine keeps reporting paused or stopped.
func (e *Engine) setLoopState(s State) {
	e.mu.Lock()
	from := e.stateLocked()
	e.loopState = s
	to := e.stateLocked()
	e.mu.Unlock()
	if from != to {
		e.publishState(from, to)
	}
}

func (e *Engine) publishState(from, to State) {
	e.bus.Emit(events.SourceEngine, events.KindStateChange, map[string]any{
		"from": string(from),
		"to":   string(to),
	})
}

func (e *Engine) isPaused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// run is the loop goroutine. It returns when ctx is cancelled.
func (e *Engine) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		e.mu.Lock()
		e.current = nil
		e.cancelExec = nil
		e.mu.Unlock()
	}()

	for ctx.Err() == nil {
		if e.isPaused() {
			e.waiter.Rest(ctx, e.cfg.PausePoll)
			continue
		}

		e.waiter.Disarm()
		e.setLoopState(StateRunning)
		res := e.runCycle(ctx)
		if ctx.Err() != nil {
			return
		}

		d := e.restDelay(res)
		if d <= 0 {
			continue
		}
		e.rest(ctx, res.number, d)
	}
}

func (e *Engine) rest(ctx context.Context, cycle int, d time.Duration) {
	e.phase(cycle, PhaseRest)
	e.setLoopState(StateResting)
	until := e.clock.Now().Add(d)
	e.bus.Emit(events.SourceEngine, events.KindRestStart, map[string]any{
		"cycle":   cycle,
		"seconds": d.Seconds(),
		"until":   until,
	})
	e.logger.Info("resting", "cycle", cycle, "duration", d, "until", until.Format(time.RFC3339))

	out := e.waiter.Rest(ctx, d)

	e.bus.Emit(events.SourceEngine, events.KindRestEnd, map[string]any{"outcome": out.String()})
	e.logger.Debug("rest ended", "cycle", cycle, "outcome", out.String())
	e.setLoopState(StateRunning)
}

// restDelay picks the rest after a cycle. A pending nudge or pause skips
// the rest; failed cycles rest at least FallbackRest.
func (e *Engine) restDelay(res cycleResult) time.Duration {
	e.mu.Lock()
	skip := e.forced != "" || e.paused
	e.mu.Unlock()

	switch {
	case skip:
		return 0
	case res.skipped:
		return e.cfg.FallbackRest
	case res.panicked:
		return e.cfg.FallbackRest
	}
	d := e.scheduler.Delay(res.reward)
	if !res.success && d < e.cfg.FallbackRest {
		d = e.cfg.FallbackRest
	}
	return d
}
