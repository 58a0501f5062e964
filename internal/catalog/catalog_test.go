package catalog

import (
	"errors"
	"testing"

	"github.com/nugget/kaizen/internal/observe"
)

func TestDefault(t *testing.T) {
	c := Default()
	if c.Len() != 9 {
		t.Fatalf("Len() = %d, want 9", c.Len())
	}
	at, ok := c.Get("goal_progress")
	if !ok {
		t.Fatal("goal_progress missing from default catalog")
	}
	if at.Dimension != observe.Goals {
		t.Errorf("goal_progress dimension = %q, want goals", at.Dimension)
	}
	if got := len(c.ByDimension(observe.Finance)); got != 2 {
		t.Errorf("ByDimension(finance) = %d types, want 2", got)
	}
	if len(c.Keywords()) != len(DefaultKeywords()) {
		t.Errorf("Keywords() = %d, want %d", len(c.Keywords()), len(DefaultKeywords()))
	}
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name     string
		types    []ActionType
		keywords []Keyword
		wantErr  bool
	}{
		{name: "empty", types: nil, wantErr: true},
		{name: "missing id", types: []ActionType{{Dimension: observe.Finance}}, wantErr: true},
		{name: "missing dimension", types: []ActionType{{ID: "a"}}, wantErr: true},
		{
			name:    "duplicate",
			types:   []ActionType{{ID: "a", Dimension: observe.Finance}, {ID: "a", Dimension: observe.Health}},
			wantErr: true,
		},
		{
			name:     "keyword to unknown action",
			types:    []ActionType{{ID: "a", Dimension: observe.Finance}},
			keywords: []Keyword{{Phrase: "x", Action: "b"}},
			wantErr:  true,
		},
		{
			name:     "blank phrase",
			types:    []ActionType{{ID: "a", Dimension: observe.Finance}},
			keywords: []Keyword{{Phrase: "  ", Action: "a"}},
			wantErr:  true,
		},
		{
			name:     "valid",
			types:    []ActionType{{ID: "a", Dimension: observe.Finance}},
			keywords: []Keyword{{Phrase: "Money", Action: "a"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.types, tt.keywords)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}

	if _, err := New(nil, nil); !errors.Is(err, ErrEmpty) {
		t.Errorf("New(nil) error = %v, want ErrEmpty", err)
	}
}

func TestNew_LabelDefaultsToID(t *testing.T) {
	c, err := New([]ActionType{{ID: "a", Dimension: observe.Finance}}, []Keyword{})
	if err != nil {
		t.Fatal(err)
	}
	if at, _ := c.Get("a"); at.Label != "a" {
		t.Errorf("Label = %q, want %q", at.Label, "a")
	}
}

func TestNew_DefaultKeywordsFiltered(t *testing.T) {
	c, err := New([]ActionType{{ID: "health_check", Dimension: observe.Health}}, nil)
	if err != nil {
		t.Fatal(err)
	}
	for _, kw := range c.Keywords() {
		if kw.Action != "health_check" {
			t.Errorf("keyword %q kept for absent action %q", kw.Phrase, kw.Action)
		}
	}
	if _, ok := c.Infer("portfolio rebalance"); ok {
		t.Error("Infer matched a keyword whose action is not in the catalog")
	}
}

func TestInfer(t *testing.T) {
	c := Default()
	tests := []struct {
		text string
		want string
	}{
		{"Rebalance the PORTFOLIO after the market dip", "portfolio_review"},
		{"check market open", "market_scan"},
		{"Sleep debt is growing", "health_check"},
		{"finish the Q3 goal writeup", "goal_progress"},
		{"read the news", "news_digest"},
		{"verify the backup rotation", "security_audit"},
		{"clean up disk space", "system_maintenance"},
	}
	for _, tt := range tests {
		got, ok := c.Infer(tt.text)
		if !ok || got.ID != tt.want {
			t.Errorf("Infer(%q) = %q, %v; want %q", tt.text, got.ID, ok, tt.want)
		}
	}

	for _, text := range []string{"", "   ", "water the plants"} {
		if got, ok := c.Infer(text); ok {
			t.Errorf("Infer(%q) = %q, want no match", text, got.ID)
		}
	}
}

func TestTypes_ReturnsCopy(t *testing.T) {
	c := Default()
	types := c.Types()
	types[0].ID = "mutated"
	if _, ok := c.Get("portfolio_review"); !ok {
		t.Error("catalog mutated through Types() slice")
	}
	if c.Types()[0].ID != "portfolio_review" {
		t.Error("Types() order changed")
	}
}
