package prompts

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/observe"
)

// HandoffInstruction is appended to every cycle prompt. The labeled
// block it asks for is the grammar handoff.Extract parses first.
const HandoffInstruction = `## Required: End With a Handoff

Your output MUST end with a handoff block for the next cycle, exactly in
this shape (omit a line only if it truly does not apply):

## HANDOFF
Next: <the single most valuable next task, one line>
Context: <what the next cycle needs to know, one line>
Files: <comma-separated paths you changed, or none>
Unfinished: <work you started but did not finish, or none>
Action: <suggested action type id for the next cycle, or none>

The next cycle starts from this block and nothing else. Be concrete.`

// CycleInput holds the dynamic parts of one cycle prompt.
type CycleInput struct {
	Cycle          int
	ActionID       string
	ActionLabel    string
	Dimension      observe.Dimension
	Strategy       string
	Target         string
	HandoffContext string
	State          observe.Snapshot
	Handoff        *handoff.Handoff
	Activity       []string // recent user activity, newest first
	DataChanges    []string // recently changed data files, newest first
	Now            time.Time
}

// CyclePrompt returns the full prompt for one improvement cycle.
func CyclePrompt(in CycleInput) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Continuous improvement cycle %d (%s)\n\n", in.Cycle, in.Now.UTC().Format(time.RFC1123))
	b.WriteString("You are running as an autonomous improvement loop. Each cycle performs one\n")
	b.WriteString("focused unit of work, then stops. Outcomes are measured after you finish.\n\n")

	if h := in.Handoff; h != nil && !h.Empty() {
		b.WriteString("## Handoff From Previous Cycle: DO THIS FIRST\n\n")
		writeHandoff(&b, h)
		b.WriteString("\n")
	}

	b.WriteString("## This Cycle's Action\n\n")
	fmt.Fprintf(&b, "- Action: %s (%s)\n", in.ActionLabel, in.ActionID)
	fmt.Fprintf(&b, "- Dimension: %s\n", in.Dimension)
	fmt.Fprintf(&b, "- Chosen by: %s\n", in.Strategy)
	if in.Target != "" {
		fmt.Fprintf(&b, "- Target: %s\n", in.Target)
	}
	if in.HandoffContext != "" {
		fmt.Fprintf(&b, "- Context: %s\n", in.HandoffContext)
	}
	b.WriteString("\n")

	b.WriteString("## Current State\n\n")
	if in.State.Len() == 0 {
		b.WriteString("No dimensions could be observed this cycle.\n")
	} else {
		for _, dim := range in.State.Dimensions() {
			v, _ := in.State.Get(dim)
			fmt.Fprintf(&b, "- %s: %s\n", dim, strconv.FormatFloat(v, 'f', -1, 64))
		}
	}
	b.WriteString("\n")

	if len(in.Activity) > 0 {
		b.WriteString("## Recent User Activity\n\n")
		writeList(&b, in.Activity)
		b.WriteString("\n")
	}
	if len(in.DataChanges) > 0 {
		b.WriteString("## Recent Data Changes\n\n")
		writeList(&b, in.DataChanges)
		b.WriteString("\n")
	}

	b.WriteString(HandoffInstruction)
	b.WriteString("\n")
	return b.String()
}

func writeHandoff(b *strings.Builder, h *handoff.Handoff) {
	if h.NextTask != "" {
		fmt.Fprintf(b, "Next: %s\n", h.NextTask)
	}
	if h.Context != "" {
		fmt.Fprintf(b, "Context: %s\n", h.Context)
	}
	if len(h.FilesChanged) > 0 {
		fmt.Fprintf(b, "Files: %s\n", strings.Join(h.FilesChanged, ", "))
	}
	if h.UnfinishedWork != "" {
		fmt.Fprintf(b, "Unfinished: %s\n", h.UnfinishedWork)
	}
	if h.SuggestedAction != "" {
		fmt.Fprintf(b, "Action: %s\n", h.SuggestedAction)
	}
	if h.FromAction != "" {
		fmt.Fprintf(b, "(left by %s at %s)\n", h.FromAction, h.ExtractedAt.UTC().Format(time.RFC3339))
	}
}

func writeList(b *strings.Builder, items []string) {
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}
