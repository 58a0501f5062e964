// Package selector decides which action the engine runs next.
//
// Selection is an ordered chain of strategies. Each strategy either
// produces an action or declines, and the first to produce one wins:
//
//	forced → handoff → handoff_inferred → explore | exploit →
//	exploit_weakest → fallback
//
// The final fallback always succeeds because the catalog is never
// empty, so [Selector.Plan] always returns a valid action.
package selector

import (
	"math/rand/v2"
	"sort"

	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/outcome"
)

// Strategy tags recorded with every selected action.
const (
	StrategyForced          = "forced"
	StrategyHandoff         = "handoff"
	StrategyHandoffInferred = "handoff_inferred"
	StrategyExplore         = "explore"
	StrategyExploit         = "exploit"
	StrategyExploitWeakest  = "exploit_weakest"
	StrategyFallback        = "fallback"
)

// Action is a selected action type plus the provenance of the choice.
type Action struct {
	catalog.ActionType
	Strategy       string   `json:"strategy"`
	Target         string   `json:"target,omitempty"`
	HandoffContext string   `json:"handoff_context,omitempty"`
	ExpectedReward *float64 `json:"expected_reward,omitempty"`
}

// Ref returns the identity recorded with the cycle.
func (a Action) Ref() outcome.ActionRef {
	return outcome.ActionRef{Type: a.ID, Target: a.Target, Strategy: a.Strategy}
}

// WasExplore reports whether the action came from exploration.
func (a Action) WasExplore() bool { return a.Strategy == StrategyExplore }

// History is the slice of past outcomes the selector consults.
type History struct {
	Recent []string                // action types of recent cycles, newest first
	Best   []outcome.Effectiveness // ordered by average reward, best first
	Stale  []string                // action types not run within the stale window
}

// PlanInput is everything one selection needs.
type PlanInput struct {
	State   observe.Snapshot
	History History
	Handoff *handoff.Handoff
	Forced  string
	Epsilon float64
}

// RandSource abstracts randomness for deterministic testing.
type RandSource interface {
	// Float64 returns a pseudo-random float64 in [0.0, 1.0).
	Float64() float64
}

type defaultRand struct{}

func (defaultRand) Float64() float64 { return rand.Float64() }

// Config tunes the selection policy.
type Config struct {
	RecentWindow     int // cycles whose actions are excluded from the pool
	FailureThreshold int // exploit skips actions with this many consecutive failures
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{RecentWindow: 5, FailureThreshold: 3}
}

// strategy is one link of the selection chain.
type strategy struct {
	name   string
	choose func(s *Selector, p *plan) (Action, bool)
}

// Selector plans actions against a fixed catalog.
type Selector struct {
	catalog *catalog.Catalog
	cfg     Config
	rand    RandSource
	chain   []strategy
}

// New returns a selector. A nil rnd uses math/rand/v2.
func New(cat *catalog.Catalog, cfg Config, rnd RandSource) *Selector {
	if cfg.RecentWindow < 0 {
		cfg.RecentWindow = 0
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig().FailureThreshold
	}
	if rnd == nil {
		rnd = defaultRand{}
	}
	return &Selector{
		catalog: cat,
		cfg:     cfg,
		rand:    rnd,
		chain:   defaultChain(),
	}
}

func defaultChain() []strategy {
	return []strategy{
		{StrategyForced, selectForced},
		{StrategyHandoff, selectHandoff},
		{StrategyHandoffInferred, selectHandoffInferred},
		{StrategyExplore, selectExplore},
		{StrategyExploit, selectExploit},
		{StrategyExploitWeakest, selectWeakest},
		{StrategyFallback, selectFallback},
	}
}

// plan is the working state of one Plan call.
type plan struct {
	in     PlanInput
	pool   []catalog.ActionType
	drawn  bool
	sample float64
}

// draw returns the single epsilon draw for this plan.
func (p *plan) draw(r RandSource) float64 {
	if !p.drawn {
		p.sample = r.Float64()
		p.drawn = true
	}
	return p.sample
}

// Plan selects the next action.
func (s *Selector) Plan(in PlanInput) Action {
	p := &plan{in: in, pool: s.Pool(in.History.Recent)}
	for _, st := range s.chain {
		if a, ok := st.choose(s, p); ok {
			a.Strategy = st.name
			return a
		}
	}
	// Unreachable with a non-empty catalog: fallback always selects.
	return Action{ActionType: s.catalog.Types()[0], Strategy: StrategyFallback}
}

// Pool returns the catalog minus the action types run in the last
// RecentWindow cycles, or the whole catalog if that leaves nothing.
func (s *Selector) Pool(recent []string) []catalog.ActionType {
	if len(recent) > s.cfg.RecentWindow {
		recent = recent[:s.cfg.RecentWindow]
	}
	exclude := make(map[string]bool, len(recent))
	for _, id := range recent {
		exclude[id] = true
	}

	all := s.catalog.Types()
	pool := make([]catalog.ActionType, 0, len(all))
	for _, t := range all {
		if !exclude[t.ID] {
			pool = append(pool, t)
		}
	}
	if len(pool) == 0 {
		return all
	}
	return pool
}

func (s *Selector) pick(types []catalog.ActionType) catalog.ActionType {
	i := int(s.rand.Float64() * float64(len(types)))
	if i >= len(types) {
		i = len(types) - 1
	}
	if i < 0 {
		i = 0
	}
	return types[i]
}

func selectForced(s *Selector, p *plan) (Action, bool) {
	if p.in.Forced == "" {
		return Action{}, false
	}
	t, ok := s.catalog.Get(p.in.Forced)
	if !ok {
		return Action{}, false
	}
	return Action{ActionType: t}, true
}

func selectHandoff(s *Selector, p *plan) (Action, bool) {
	h := p.in.Handoff
	if h == nil || h.SuggestedAction == "" {
		return Action{}, false
	}
	t, ok := s.catalog.Get(h.SuggestedAction)
	if !ok {
		return Action{}, false
	}
	return Action{ActionType: t, Target: h.NextTask, HandoffContext: h.Context}, true
}

func selectHandoffInferred(s *Selector, p *plan) (Action, bool) {
	h := p.in.Handoff
	if h == nil || h.NextTask == "" {
		return Action{}, false
	}
	t, ok := s.catalog.Infer(h.NextTask)
	if !ok {
		return Action{}, false
	}
	return Action{ActionType: t, Target: h.NextTask, HandoffContext: h.Context}, true
}

func selectExplore(s *Selector, p *plan) (Action, bool) {
	if p.draw(s.rand) >= p.in.Epsilon {
		return Action{}, false
	}
	stale := make(map[string]bool, len(p.in.History.Stale))
	for _, id := range p.in.History.Stale {
		stale[id] = true
	}
	var preferred []catalog.ActionType
	for _, t := range p.pool {
		if stale[t.ID] {
			preferred = append(preferred, t)
		}
	}
	if len(preferred) > 0 {
		return Action{ActionType: s.pick(preferred)}, true
	}
	return Action{ActionType: s.pick(p.pool)}, true
}

func selectExploit(s *Selector, p *plan) (Action, bool) {
	if p.draw(s.rand) < p.in.Epsilon {
		return Action{}, false
	}
	inPool := make(map[string]bool, len(p.pool))
	for _, t := range p.pool {
		inPool[t.ID] = true
	}
	// A type failing under any target is skipped under all of them.
	failing := make(map[string]bool)
	for _, e := range p.in.History.Best {
		if e.ConsecutiveFailures >= s.cfg.FailureThreshold {
			failing[e.ActionType] = true
		}
	}
	for _, e := range p.in.History.Best {
		if failing[e.ActionType] || !inPool[e.ActionType] {
			continue
		}
		t, _ := s.catalog.Get(e.ActionType)
		expected := e.AvgReward
		a := Action{ActionType: t, ExpectedReward: &expected}
		if e.Target != outcome.GeneralTarget {
			a.Target = e.Target
		}
		return a, true
	}
	return Action{}, false
}

func selectWeakest(s *Selector, p *plan) (Action, bool) {
	dims := p.in.State.Dimensions()
	sort.SliceStable(dims, func(i, j int) bool {
		vi, _ := p.in.State.Get(dims[i])
		vj, _ := p.in.State.Get(dims[j])
		if vi != vj {
			return vi < vj
		}
		return dims[i] < dims[j]
	})
	for _, dim := range dims {
		for _, t := range p.pool {
			if t.Dimension == dim {
				return Action{ActionType: t}, true
			}
		}
	}
	return Action{}, false
}

func selectFallback(s *Selector, p *plan) (Action, bool) {
	return Action{ActionType: s.pick(p.pool)}, true
}
