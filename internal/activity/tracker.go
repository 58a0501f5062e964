// Package activity collects the recent context embedded in each cycle
// prompt: notes about what the user has been doing, and changes to the
// data files the engine's domains live in.
package activity

import (
	"sync"
	"time"

	"github.com/nugget/kaizen/internal/clock"
)

// DefaultWindow is how far back entries are reported.
const DefaultWindow = 24 * time.Hour

// DefaultMaxEntries bounds a tracker's memory.
const DefaultMaxEntries = 200

// Entry is one timestamped line.
type Entry struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// Tracker keeps a bounded, time-windowed list of entries. It satisfies
// executor.ContextSource.
type Tracker struct {
	clock  clock.Clock
	window time.Duration
	max    int

	mu      sync.Mutex
	entries []Entry
}

// NewTracker returns a tracker reporting entries newer than window.
// Non-positive window or max select the defaults.
func NewTracker(c clock.Clock, window time.Duration, max int) *Tracker {
	if c == nil {
		c = clock.Real{}
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if max <= 0 {
		max = DefaultMaxEntries
	}
	return &Tracker{clock: c, window: window, max: max}
}

// Record appends text stamped with the current time. Empty text is
// ignored.
func (t *Tracker) Record(text string) {
	if text == "" {
		return
	}
	t.add(Entry{At: t.clock.Now(), Text: text})
}

func (t *Tracker) add(e Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = append(t.entries, e)
	if over := len(t.entries) - t.max; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
}

// Entries returns the entries within the window ending at now, newest
// first.
func (t *Tracker) Entries(now time.Time) []Entry {
	cutoff := now.Add(-t.window)

	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for i := len(t.entries) - 1; i >= 0; i-- {
		e := t.entries[i]
		if e.At.Before(cutoff) {
			break
		}
		if e.At.After(now) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Recent formats [Tracker.Entries] as "Jan 2 15:04 text" lines.
func (t *Tracker) Recent(now time.Time) []string {
	entries := t.Entries(now)
	lines := make([]string, len(entries))
	for i, e := range entries {
		lines[i] = e.At.Local().Format("Jan 2 15:04") + " " + e.Text
	}
	return lines
}
