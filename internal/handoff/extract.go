// Package handoff carries a directive from one engine cycle to the next.
//
// An execution's free-text output is parsed by [Extract], a pure
// function with a fixed fallback order:
//
//  1. Labeled block. The section after the last marker line
//     ("## HANDOFF", "HANDOFF:", "--- HANDOFF ---", any case) is read
//     line by line. Lines of the form "Next: ...", "Context: ...",
//     "Files: a, b", "Unfinished: ..." and "Action: ..." set fields;
//     list bullets and bold markup around the label are ignored. The
//     first unlabeled line becomes NextTask if none was given. Output
//     with no marker uses its last contiguous run of labeled lines.
//  2. Fenced JSON. A ```json block holding an object with a
//     "next_task" key. The last such block wins.
//  3. Paragraph. The last paragraph longer than 40 characters becomes
//     Context, with no NextTask.
//
// Parsing never fails; output with nothing usable yields an empty
// Handoff, which still replaces the previous one when saved.
package handoff

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"
	"unicode/utf8"
)

// Handoff is a forward-looking directive left by one cycle for the next.
// It is only ever replaced whole, never merged.
type Handoff struct {
	NextTask        string    `json:"next_task,omitempty"`
	Context         string    `json:"context,omitempty"`
	FilesChanged    []string  `json:"files_changed,omitempty"`
	UnfinishedWork  string    `json:"unfinished_work,omitempty"`
	SuggestedAction string    `json:"suggested_action,omitempty"`
	ExtractedAt     time.Time `json:"extracted_at"`
	FromCycle       string    `json:"from_cycle,omitempty"`
	FromAction      string    `json:"from_action,omitempty"`
	Source          string    `json:"source,omitempty"`
}

// Extraction sources recorded in [Handoff.Source].
const (
	SourceLabeled   = "labeled"
	SourceJSON      = "json"
	SourceParagraph = "paragraph"
	SourceNone      = "none"
)

// Empty reports whether h carries no directive at all.
func (h Handoff) Empty() bool {
	return h.NextTask == "" && h.Context == "" && len(h.FilesChanged) == 0 &&
		h.UnfinishedWork == "" && h.SuggestedAction == ""
}

const (
	maxFieldLen     = 2000
	minParagraphLen = 40
	fence           = "```"
)

// Extract parses raw execution output into a Handoff attributed to the
// given action and cycle.
func Extract(raw, fromAction, fromCycle string, now time.Time) Handoff {
	h, ok := parseLabeled(raw)
	if !ok {
		h, ok = parseFencedJSON(raw)
	}
	if !ok {
		h, ok = parseParagraph(raw)
	}
	if !ok {
		h = Handoff{Source: SourceNone}
	}

	h.NextTask = capField(h.NextTask)
	h.Context = capField(h.Context)
	h.UnfinishedWork = capField(h.UnfinishedWork)
	h.SuggestedAction = normalizeAction(h.SuggestedAction)
	for i, f := range h.FilesChanged {
		h.FilesChanged[i] = capField(f)
	}

	h.ExtractedAt = now
	h.FromAction = fromAction
	h.FromCycle = fromCycle
	return h
}

// isMarker reports whether line introduces a labeled handoff block.
func isMarker(line string) bool {
	s := strings.ToLower(strings.Trim(line, "#-*=: \t"))
	return s == "handoff" || s == "session handoff"
}

type field int

const (
	fieldNone field = iota
	fieldNext
	fieldContext
	fieldFiles
	fieldUnfinished
	fieldAction
)

var labels = map[string]field{
	"next":             fieldNext,
	"next task":        fieldNext,
	"next_task":        fieldNext,
	"context":          fieldContext,
	"files":            fieldFiles,
	"files changed":    fieldFiles,
	"files_changed":    fieldFiles,
	"unfinished":       fieldUnfinished,
	"unfinished work":  fieldUnfinished,
	"unfinished_work":  fieldUnfinished,
	"action":           fieldAction,
	"suggested action": fieldAction,
	"suggested_action": fieldAction,
}

// splitLabel returns the field named by a "Label: value" line.
func splitLabel(line string) (field, string) {
	idx := strings.Index(line, ":")
	if idx <= 0 {
		return fieldNone, ""
	}
	key := strings.ToLower(strings.TrimSpace(strings.Trim(line[:idx], "*_ \t")))
	f, ok := labels[key]
	if !ok {
		return fieldNone, ""
	}
	value := strings.TrimSpace(strings.Trim(strings.TrimSpace(line[idx+1:]), "*"))
	return f, value
}

func stripBullet(line string) string {
	s := strings.TrimSpace(line)
	for _, p := range []string{"- ", "* ", "• ", "+ "} {
		if strings.HasPrefix(s, p) {
			return strings.TrimSpace(s[len(p):])
		}
	}
	return s
}

func parseLabeled(raw string) (Handoff, bool) {
	lines := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n")
	start := -1
	for i, line := range lines {
		if isMarker(line) {
			start = i + 1
		}
	}
	if start < 0 {
		return fillLabeled(lastLabeledRun(lines))
	}

	var block []string
	for _, line := range lines[start:] {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, fence) || strings.HasPrefix(trimmed, "#") {
			break
		}
		block = append(block, line)
	}
	return fillLabeled(block)
}

// lastLabeledRun returns the last contiguous run of recognized
// "Label: value" lines outside fenced blocks, for output that carries
// labeled lines without a marker.
func lastLabeledRun(lines []string) []string {
	var last, cur []string
	inFence := false
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), fence) {
			inFence = !inFence
			cur = nil
			continue
		}
		if inFence {
			continue
		}
		if f, _ := splitLabel(stripBullet(line)); f != fieldNone {
			cur = append(cur, line)
			last = cur
			continue
		}
		cur = nil
	}
	return last
}

// fillLabeled reads fields from a labeled block. The first unlabeled
// line becomes NextTask when no Next label is present.
func fillLabeled(block []string) (Handoff, bool) {
	var h Handoff
	var unlabeled string
	for _, line := range block {
		s := stripBullet(line)
		if s == "" {
			continue
		}

		f, value := splitLabel(s)
		switch f {
		case fieldNext:
			h.NextTask = value
		case fieldContext:
			h.Context = value
		case fieldFiles:
			h.FilesChanged = splitFiles(value)
		case fieldUnfinished:
			h.UnfinishedWork = value
		case fieldAction:
			h.SuggestedAction = value
		default:
			if unlabeled == "" {
				unlabeled = s
			}
		}
	}
	if h.NextTask == "" {
		h.NextTask = unlabeled
	}
	if h.Empty() {
		return Handoff{}, false
	}
	h.Source = SourceLabeled
	return h, true
}

func splitFiles(value string) []string {
	var out []string
	for _, f := range strings.Split(value, ",") {
		f = strings.Trim(strings.TrimSpace(f), "`")
		switch strings.ToLower(f) {
		case "", "none", "n/a", "-":
			continue
		}
		out = append(out, f)
	}
	return out
}

var fencedJSON = regexp.MustCompile("(?s)```(?:json|JSON)?[ \t]*\n(.*?)```")

type jsonHandoff struct {
	NextTask        *string  `json:"next_task"`
	Context         string   `json:"context"`
	FilesChanged    []string `json:"files_changed"`
	UnfinishedWork  string   `json:"unfinished_work"`
	SuggestedAction string   `json:"suggested_action"`
}

func parseFencedJSON(raw string) (Handoff, bool) {
	matches := fencedJSON.FindAllStringSubmatch(raw, -1)
	for i := len(matches) - 1; i >= 0; i-- {
		var j jsonHandoff
		if err := json.Unmarshal([]byte(strings.TrimSpace(matches[i][1])), &j); err != nil {
			continue
		}
		if j.NextTask == nil {
			continue
		}
		h := Handoff{
			NextTask:        strings.TrimSpace(*j.NextTask),
			Context:         strings.TrimSpace(j.Context),
			UnfinishedWork:  strings.TrimSpace(j.UnfinishedWork),
			SuggestedAction: j.SuggestedAction,
			Source:          SourceJSON,
		}
		for _, f := range j.FilesChanged {
			if f = strings.TrimSpace(f); f != "" {
				h.FilesChanged = append(h.FilesChanged, f)
			}
		}
		return h, true
	}
	return Handoff{}, false
}

func parseParagraph(raw string) (Handoff, bool) {
	paras := strings.Split(strings.ReplaceAll(raw, "\r\n", "\n"), "\n\n")
	for i := len(paras) - 1; i >= 0; i-- {
		p := strings.TrimSpace(paras[i])
		if utf8.RuneCountInString(p) > minParagraphLen {
			return Handoff{Context: p, Source: SourceParagraph}, true
		}
	}
	return Handoff{}, false
}

func normalizeAction(a string) string {
	a = strings.ToLower(strings.Trim(strings.TrimSpace(a), "`'\""))
	switch a {
	case "none", "n/a", "-":
		return ""
	}
	return strings.ReplaceAll(a, " ", "_")
}

func capField(s string) string {
	if utf8.RuneCountInString(s) <= maxFieldLen {
		return s
	}
	r := []rune(s)
	return string(r[:maxFieldLen])
}
