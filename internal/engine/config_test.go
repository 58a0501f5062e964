package engine

import (
	"strings"
	"testing"
	"time"

	"github.com/nugget/kaizen/internal/config"
	"github.com/nugget/kaizen/internal/observe"
)

func TestParseConfig_Defaults(t *testing.T) {
	cfg, err := ParseConfig(config.Default().Engine)
	if err != nil {
		t.Fatal(err)
	}
	want := DefaultConfig()
	if cfg.Rest != want.Rest {
		t.Errorf("Rest = %+v, want %+v", cfg.Rest, want.Rest)
	}
	if cfg.FallbackRest != want.FallbackRest || cfg.PausePoll != want.PausePoll ||
		cfg.ExecutionTimeout != want.ExecutionTimeout || cfg.StaleAfter != want.StaleAfter {
		t.Errorf("durations = %+v", cfg)
	}
	if cfg.EpsilonInitial != 0.3 || cfg.EpsilonMin != 0.05 || cfg.EpsilonDecay != 0.995 {
		t.Errorf("epsilon = %v/%v/%v", cfg.EpsilonInitial, cfg.EpsilonMin, cfg.EpsilonDecay)
	}
	if cfg.Catalog.Len() != 9 {
		t.Errorf("catalog has %d types, want 9", cfg.Catalog.Len())
	}
}

func TestParseConfig_Overrides(t *testing.T) {
	raw := config.Default().Engine
	raw.Rest.Default = "30m"
	raw.Rest.Fallback = "10m"
	raw.ExecutionTimeout = "20m"
	raw.Weights = map[string]float64{"health": 0.5}
	raw.Actions = []config.ActionConfig{
		{ID: "garden_check", Dimension: "health"},
		{ID: "budget_review", Dimension: "finance", Label: "Review the monthly budget"},
	}
	raw.Keywords = []config.KeywordConfig{{Phrase: "Budget", Action: "budget_review"}}

	cfg, err := ParseConfig(raw)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Rest.Default != 30*time.Minute || cfg.FallbackRest != 10*time.Minute || cfg.ExecutionTimeout != 20*time.Minute {
		t.Errorf("durations = %v %v %v", cfg.Rest.Default, cfg.FallbackRest, cfg.ExecutionTimeout)
	}
	if cfg.Weights[observe.Health] != 0.5 || cfg.Weights[observe.Safety] != 0.05 {
		t.Errorf("Weights = %v", cfg.Weights)
	}
	if cfg.Catalog.Len() != 2 || !cfg.Catalog.Has("garden_check") {
		t.Errorf("catalog = %v", cfg.Catalog.Types())
	}
	if at, ok := cfg.Catalog.Infer("tidy up the budget"); !ok || at.ID != "budget_review" {
		t.Errorf("Infer() = %v, %v", at, ok)
	}
}

func TestParseConfig_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.EngineConfig)
		want   string
	}{
		{"bad duration", func(e *config.EngineConfig) { e.PausePoll = "soon" }, "pause_poll"},
		{"negative duration", func(e *config.EngineConfig) { e.Rest.Min = "-1m" }, "must be positive"},
		{"min over max", func(e *config.EngineConfig) { e.Rest.Min = "3h" }, "exceeds"},
		{"unknown weight", func(e *config.EngineConfig) { e.Weights = map[string]float64{"karma": 1} }, "unknown dimension"},
		{"unknown action dimension", func(e *config.EngineConfig) {
			e.Actions = []config.ActionConfig{{ID: "x", Dimension: "karma"}}
		}, `action "x"`},
		{"keyword to missing action", func(e *config.EngineConfig) {
			e.Keywords = []config.KeywordConfig{{Phrase: "zen", Action: "meditate"}}
		}, "unknown action"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := config.Default().Engine
			tt.mutate(&raw)
			_, err := ParseConfig(raw)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("ParseConfig() error = %v, want containing %q", err, tt.want)
			}
		})
	}
}
