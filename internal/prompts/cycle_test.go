package prompts

import (
	"strings"
	"testing"
	"time"

	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
)

var cycleNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func baseInput() CycleInput {
	return CycleInput{
		Cycle:       42,
		ActionID:    "portfolio_review",
		ActionLabel: "Review portfolio positions and allocation",
		Dimension:   observe.Finance,
		Strategy:    "exploit",
		State: observe.NewSnapshot(map[observe.Dimension]float64{
			observe.Finance: 152300.5,
			observe.Health:  71,
		}, cycleNow),
		Now: cycleNow,
	}
}

func TestCyclePrompt_Basics(t *testing.T) {
	result := CyclePrompt(baseInput())

	for _, want := range []string{
		"cycle 42",
		"Review portfolio positions and allocation (portfolio_review)",
		"Dimension: finance",
		"Chosen by: exploit",
		"- finance: 152300.5",
		"- health: 71",
		"## HANDOFF",
		"Next: <",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
	if strings.Contains(result, "DO THIS FIRST") {
		t.Error("prompt without handoff should not contain handoff section")
	}
	if strings.Contains(result, "Recent User Activity") || strings.Contains(result, "Recent Data Changes") {
		t.Error("empty activity sections should be omitted")
	}
	if !strings.HasSuffix(strings.TrimSpace(result), "Be concrete.") {
		t.Error("handoff instruction should close the prompt")
	}
}

func TestCyclePrompt_Handoff(t *testing.T) {
	in := baseInput()
	in.Target = "Re-check the NVDA stop loss"
	in.HandoffContext = "Earnings Thursday"
	in.Handoff = &handoff.Handoff{
		NextTask:     "Re-check the NVDA stop loss",
		Context:      "Earnings Thursday",
		FilesChanged: []string{"notes/a.md", "notes/b.md"},
		FromAction:   "market_scan",
		ExtractedAt:  cycleNow.Add(-time.Hour),
	}

	result := CyclePrompt(in)

	handoffAt := strings.Index(result, "DO THIS FIRST")
	actionAt := strings.Index(result, "This Cycle's Action")
	if handoffAt < 0 || actionAt < 0 || handoffAt > actionAt {
		t.Fatal("handoff section should precede the action section")
	}
	for _, want := range []string{
		"Next: Re-check the NVDA stop loss",
		"Files: notes/a.md, notes/b.md",
		"left by market_scan",
		"- Target: Re-check the NVDA stop loss",
		"- Context: Earnings Thursday",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestCyclePrompt_EmptyHandoffOmitted(t *testing.T) {
	in := baseInput()
	in.Handoff = &handoff.Handoff{Source: handoff.SourceNone}
	if strings.Contains(CyclePrompt(in), "DO THIS FIRST") {
		t.Error("empty handoff should not produce a handoff section")
	}
}

func TestCyclePrompt_ActivityAndChanges(t *testing.T) {
	in := baseInput()
	in.Activity = []string{"08:55 nudged health_check"}
	in.DataChanges = []string{"08:40 modified data/metrics.yaml"}
	in.State = observe.NewSnapshot(nil, cycleNow)

	result := CyclePrompt(in)
	for _, want := range []string{
		"## Recent User Activity",
		"- 08:55 nudged health_check",
		"## Recent Data Changes",
		"- 08:40 modified data/metrics.yaml",
		"No dimensions could be observed",
	} {
		if !strings.Contains(result, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestCyclePrompt_ParsesAsHandoff(t *testing.T) {
	// A backend that echoes the template verbatim must still yield a
	// labeled handoff rather than falling through to a paragraph.
	h := handoff.Extract(HandoffInstruction, "a", "c", cycleNow)
	if h.Source != handoff.SourceLabeled {
		t.Errorf("Source = %q, want labeled", h.Source)
	}
}
