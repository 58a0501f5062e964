// Package rest decides how long the engine idles between cycles and
// realizes that idle period as a cancellable timer.
package rest

import (
	"context"
	"sync"
	"time"

	"github.com/nugget/kaizen/internal/clock"
)

// Config bounds the adaptive delay.
type Config struct {
	Default time.Duration
	Min     time.Duration
	Max     time.Duration
}

// DefaultConfig returns the stock rest bounds.
func DefaultConfig() Config {
	return Config{
		Default: 15 * time.Minute,
		Min:     2 * time.Minute,
		Max:     2 * time.Hour,
	}
}

// Scheduler maps the last cycle's reward to a rest duration. Good
// outcomes shorten the rest so momentum is kept; bad ones lengthen it.
type Scheduler struct {
	cfg Config
}

// NewScheduler returns a scheduler. Zero fields take their defaults.
func NewScheduler(cfg Config) *Scheduler {
	def := DefaultConfig()
	if cfg.Default <= 0 {
		cfg.Default = def.Default
	}
	if cfg.Min <= 0 {
		cfg.Min = def.Min
	}
	if cfg.Max <= 0 {
		cfg.Max = def.Max
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Scheduler{cfg: cfg}
}

// Config returns the effective bounds.
func (s *Scheduler) Config() Config { return s.cfg }

// Delay returns the rest after a cycle that earned lastReward:
//
//	reward > 0.10   0.5 × default
//	reward > 0.01   1 × default
//	reward > -0.01  1.5 × default
//	reward > -0.1   2 × default
//	otherwise       4 × default
//
// The result is clamped to [Min, Max].
func (s *Scheduler) Delay(lastReward float64) time.Duration {
	var factor float64
	switch {
	case lastReward > 0.10:
		factor = 0.5
	case lastReward > 0.01:
		factor = 1
	case lastReward > -0.01:
		factor = 1.5
	case lastReward > -0.1:
		factor = 2
	default:
		factor = 4
	}
	return s.clamp(time.Duration(float64(s.cfg.Default) * factor))
}

func (s *Scheduler) clamp(d time.Duration) time.Duration {
	return max(s.cfg.Min, min(d, s.cfg.Max))
}

// Outcome reports how a rest ended.
type Outcome int

const (
	// Elapsed means the full duration passed.
	Elapsed Outcome = iota
	// Woken means [Waiter.Wake] cut the rest short.
	Woken
	// Canceled means the context ended.
	Canceled
)

func (o Outcome) String() string {
	switch o {
	case Elapsed:
		return "elapsed"
	case Woken:
		return "woken"
	case Canceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Waiter runs at most one rest at a time. Wake may be called from any
// goroutine.
type Waiter struct {
	clock clock.Clock

	mu     sync.Mutex
	wake   chan struct{}
	until  time.Time
	signal bool
}

// NewWaiter returns a waiter on the given clock. A nil clock uses the
// wall clock.
func NewWaiter(c clock.Clock) *Waiter {
	if c == nil {
		c = clock.Real{}
	}
	return &Waiter{clock: c}
}

// Rest blocks for d, until Wake is called, or until ctx is done,
// whichever comes first. A non-positive d returns Elapsed at once.
func (w *Waiter) Rest(ctx context.Context, d time.Duration) Outcome {
	if d <= 0 {
		return Elapsed
	}

	wake := make(chan struct{})
	w.mu.Lock()
	if w.signal {
		w.signal = false
		w.mu.Unlock()
		return Woken
	}
	w.wake = wake
	w.until = w.clock.Now().Add(d)
	w.mu.Unlock()

	t := w.clock.NewTimer(d)
	defer func() {
		t.Stop()
		w.mu.Lock()
		if w.wake == wake {
			w.wake = nil
		}
		w.until = time.Time{}
		w.mu.Unlock()
	}()

	select {
	case <-t.C():
		return Elapsed
	case <-wake:
		return Woken
	case <-ctx.Done():
		return Canceled
	}
}

// Wake ends a pending rest immediately. It reports whether a rest was
// pending.
func (w *Waiter) Wake() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wake == nil {
		return false
	}
	close(w.wake)
	w.wake = nil
	return true
}

// Signal wakes a pending rest. If none is pending, the next Rest
// returns Woken immediately instead.
func (w *Waiter) Signal() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.wake == nil {
		w.signal = true
		return
	}
	close(w.wake)
	w.wake = nil
}

// Disarm discards a Signal not yet consumed by Rest.
func (w *Waiter) Disarm() {
	w.mu.Lock()
	w.signal = false
	w.mu.Unlock()
}

// Resting reports whether a rest is in progress.
func (w *Waiter) Resting() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.wake != nil
}

// Until returns when the current rest is due to end, or the zero time
// if none is in progress.
func (w *Waiter) Until() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.until
}
