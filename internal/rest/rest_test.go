package rest

import (
	"context"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/nugget/kaizen/internal/clock"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestDelay(t *testing.T) {
	s := NewScheduler(DefaultConfig())
	tests := []struct {
		reward float64
		want   time.Duration
	}{
		{0.5, 7*time.Minute + 30*time.Second},
		{0.10, 15 * time.Minute}, // boundary falls to the next band
		{0.05, 15 * time.Minute},
		{0.01, 22*time.Minute + 30*time.Second},
		{0, 22*time.Minute + 30*time.Second},
		{-0.01, 30 * time.Minute},
		{-0.05, 30 * time.Minute},
		{-0.1, time.Hour},
		{-1, time.Hour},
	}
	for _, tt := range tests {
		if got := s.Delay(tt.reward); got != tt.want {
			t.Errorf("Delay(%v) = %v, want %v", tt.reward, got, tt.want)
		}
	}
}

func TestDelay_Clamped(t *testing.T) {
	s := NewScheduler(Config{Default: time.Hour, Min: 10 * time.Minute, Max: 90 * time.Minute})
	if got := s.Delay(-1); got != 90*time.Minute {
		t.Errorf("Delay(-1) = %v, want max 90m", got)
	}

	s = NewScheduler(Config{Default: 3 * time.Minute, Min: 2 * time.Minute, Max: time.Hour})
	if got := s.Delay(1); got != 2*time.Minute {
		t.Errorf("Delay(1) = %v, want min 2m", got)
	}
}

func TestNewScheduler_Defaults(t *testing.T) {
	s := NewScheduler(Config{Min: time.Hour, Max: time.Minute})
	cfg := s.Config()
	if cfg.Default != 15*time.Minute || cfg.Max != time.Hour {
		t.Errorf("Config() = %+v", cfg)
	}
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestWaiter_Elapsed(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	w := NewWaiter(clk)

	done := make(chan Outcome, 1)
	go func() { done <- w.Rest(context.Background(), 15*time.Minute) }()

	waitFor(t, func() bool { return clk.Pending() == 1 })
	if !w.Resting() {
		t.Error("Resting() = false during rest")
	}
	if want := clk.Now().Add(15 * time.Minute); !w.Until().Equal(want) {
		t.Errorf("Until() = %v, want %v", w.Until(), want)
	}

	clk.Advance(15 * time.Minute)
	if got := <-done; got != Elapsed {
		t.Errorf("Rest() = %v, want elapsed", got)
	}
	if w.Resting() || !w.Until().IsZero() {
		t.Error("waiter still resting after rest ended")
	}
}

func TestWaiter_Wake(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	w := NewWaiter(clk)

	if w.Wake() {
		t.Error("Wake() with no rest pending = true")
	}

	done := make(chan Outcome, 1)
	go func() { done <- w.Rest(context.Background(), time.Hour) }()
	waitFor(t, w.Resting)

	if !w.Wake() {
		t.Error("Wake() during rest = false")
	}
	select {
	case got := <-done:
		if got != Woken {
			t.Errorf("Rest() = %v, want woken", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Wake() did not end the rest promptly")
	}
	waitFor(t, func() bool { return clk.Pending() == 0 })
}

func TestWaiter_Canceled(t *testing.T) {
	w := NewWaiter(clock.NewFake(time.Now()))
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan Outcome, 1)
	go func() { done <- w.Rest(ctx, time.Hour) }()
	waitFor(t, w.Resting)
	cancel()

	if got := <-done; got != Canceled {
		t.Errorf("Rest() = %v, want canceled", got)
	}
}

func TestWaiter_NonPositive(t *testing.T) {
	w := NewWaiter(nil)
	if got := w.Rest(context.Background(), 0); got != Elapsed {
		t.Errorf("Rest(0) = %v, want elapsed", got)
	}
}

func TestOutcome_String(t *testing.T) {
	for o, want := range map[Outcome]string{Elapsed: "elapsed", Woken: "woken", Canceled: "canceled", Outcome(9): "unknown"} {
		if o.String() != want {
			t.Errorf("%d.String() = %q, want %q", o, o.String(), want)
		}
	}
}

func TestWaiter_SignalLatches(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))
	w := NewWaiter(clk)

	w.Signal()
	if got := w.Rest(context.Background(), time.Hour); got != Woken {
		t.Errorf("Rest() after Signal = %v, want woken", got)
	}

	// The signal is consumed by one rest.
	done := make(chan Outcome, 1)
	go func() { done <- w.Rest(context.Background(), time.Hour) }()
	waitFor(t, w.Resting)
	w.Signal()
	if got := <-done; got != Woken {
		t.Errorf("Rest() = %v, want woken", got)
	}

	w.Signal()
	w.Disarm()
	go func() { done <- w.Rest(context.Background(), time.Minute) }()
	waitFor(t, func() bool { return clk.Pending() == 1 })
	clk.Advance(time.Minute)
	if got := <-done; got != Elapsed {
		t.Errorf("Rest() after Disarm = %v, want elapsed", got)
	}
}
