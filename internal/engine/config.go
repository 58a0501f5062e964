package engine

import (
	"fmt"
	"slices"
	"time"

	"github.com/nugget/kaizen/internal/catalog"
	"github.com/nugget/kaizen/internal/config"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/rest"
	"github.com/nugget/kaizen/internal/reward"
)

// Config holds the parsed engine configuration with time.Duration
// fields (as opposed to the YAML string representation in
// [config.EngineConfig]).
type Config struct {
	Autostart    bool
	ResetEpsilon bool

	EpsilonInitial float64
	EpsilonMin     float64
	EpsilonDecay   float64

	Rest         rest.Config
	FallbackRest time.Duration // minimum rest after a failed cycle
	PausePoll    time.Duration

	ExecutionTimeout time.Duration
	ObserveTimeout   time.Duration
	StaleAfter       time.Duration
	RecentWindow     int
	BestLimit        int
	FailureThreshold int

	HandoffFile string
	Weights     reward.Weights
	Catalog     *catalog.Catalog
}

// DefaultConfig returns the stock engine configuration.
func DefaultConfig() Config {
	return Config{
		EpsilonInitial:   0.3,
		EpsilonMin:       0.05,
		EpsilonDecay:     0.995,
		Rest:             rest.DefaultConfig(),
		FallbackRest:     5 * time.Minute,
		PausePoll:        30 * time.Second,
		ExecutionTimeout: 10 * time.Minute,
		ObserveTimeout:   2 * time.Second,
		StaleAfter:       24 * time.Hour,
		RecentWindow:     5,
		BestLimit:        10,
		FailureThreshold: 3,
		HandoffFile:      "handoff.json",
		Weights:          reward.DefaultWeights(),
		Catalog:          catalog.Default(),
	}
}

// ParseConfig converts a [config.EngineConfig] into a [Config]. Call
// after config validation has passed.
func ParseConfig(raw config.EngineConfig) (Config, error) {
	cfg := DefaultConfig()
	cfg.Autostart = raw.Autostart
	cfg.ResetEpsilon = raw.ResetEpsilon
	cfg.EpsilonInitial = raw.Epsilon.Initial
	cfg.EpsilonMin = raw.Epsilon.Min
	cfg.EpsilonDecay = raw.Epsilon.Decay
	cfg.RecentWindow = raw.RecentWindow
	cfg.BestLimit = raw.BestLimit
	cfg.FailureThreshold = raw.FailureThreshold
	if raw.HandoffFile != "" {
		cfg.HandoffFile = raw.HandoffFile
	}

	durations := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"rest.default", raw.Rest.Default, &cfg.Rest.Default},
		{"rest.min", raw.Rest.Min, &cfg.Rest.Min},
		{"rest.max", raw.Rest.Max, &cfg.Rest.Max},
		{"rest.fallback", raw.Rest.Fallback, &cfg.FallbackRest},
		{"pause_poll", raw.PausePoll, &cfg.PausePoll},
		{"execution_timeout", raw.ExecutionTimeout, &cfg.ExecutionTimeout},
		{"observe_timeout", raw.ObserveTimeout, &cfg.ObserveTimeout},
		{"stale_after", raw.StaleAfter, &cfg.StaleAfter},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return Config{}, fmt.Errorf("%s %q: %w", d.name, d.raw, err)
		}
		if v <= 0 {
			return Config{}, fmt.Errorf("%s %q must be positive", d.name, d.raw)
		}
		*d.dst = v
	}
	if cfg.Rest.Min > cfg.Rest.Max {
		return Config{}, fmt.Errorf("rest.min %v exceeds rest.max %v", cfg.Rest.Min, cfg.Rest.Max)
	}

	if len(raw.Weights) > 0 {
		cfg.Weights = reward.DefaultWeights()
		for name, w := range raw.Weights {
			dim, err := parseDimension(name)
			if err != nil {
				return Config{}, fmt.Errorf("weights: %w", err)
			}
			cfg.Weights[dim] = w
		}
	}

	if len(raw.Actions) > 0 || len(raw.Keywords) > 0 {
		cat, err := parseCatalog(raw.Actions, raw.Keywords)
		if err != nil {
			return Config{}, err
		}
		cfg.Catalog = cat
	}
	return cfg, nil
}

func parseDimension(name string) (observe.Dimension, error) {
	dim := observe.Dimension(name)
	if !slices.Contains(observe.AllDimensions(), dim) {
		return "", fmt.Errorf("unknown dimension %q", name)
	}
	return dim, nil
}

// parseCatalog builds the action catalog. Configured actions replace the
// default list; configured keywords replace the default keyword table.
func parseCatalog(actions []config.ActionConfig, keywords []config.KeywordConfig) (*catalog.Catalog, error) {
	types := catalog.DefaultTypes()
	if len(actions) > 0 {
		types = make([]catalog.ActionType, 0, len(actions))
		for _, a := range actions {
			dim, err := parseDimension(a.Dimension)
			if err != nil {
				return nil, fmt.Errorf("action %q: %w", a.ID, err)
			}
			types = append(types, catalog.ActionType{ID: a.ID, Dimension: dim, Label: a.Label})
		}
	}

	var kws []catalog.Keyword
	if len(keywords) > 0 {
		kws = make([]catalog.Keyword, 0, len(keywords))
		for _, k := range keywords {
			kws = append(kws, catalog.Keyword{Phrase: k.Phrase, Action: k.Action})
		}
	}

	cat, err := catalog.New(types, kws)
	if err != nil {
		return nil, fmt.Errorf("actions: %w", err)
	}
	return cat, nil
}
