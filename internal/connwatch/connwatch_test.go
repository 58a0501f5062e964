package connwatch

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// testBackoff returns a fast schedule for tests.
func testBackoff() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 1 * time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2.0,
		PollInterval: 5 * time.Millisecond,
		ProbeTimeout: 100 * time.Millisecond,
	}
}

// eventually polls cond until it holds or a second passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}

func TestBackoffConfig_Defaults(t *testing.T) {
	t.Parallel()
	got := BackoffConfig{Multiplier: 0.5}.withDefaults()
	want := DefaultBackoffConfig()
	if got != want {
		t.Errorf("withDefaults() = %+v, want %+v", got, want)
	}

	custom := testBackoff()
	if custom.withDefaults() != custom {
		t.Error("withDefaults() changed explicit values")
	}
}

func TestWatcher_ImmediateSuccess(t *testing.T) {
	t.Parallel()
	var readyCalled atomic.Int32

	m := NewManager(slog.Default())
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name:    "claude",
		Probe:   func(ctx context.Context) error { return nil },
		Backoff: testBackoff(),
		OnReady: func() { readyCalled.Add(1) },
	})

	eventually(t, "ready", w.IsReady)
	eventually(t, "OnReady", func() bool { return readyCalled.Load() == 1 })

	// Further successful polls are not transitions.
	eventually(t, "more probes", func() bool { return w.Status().Probes > 3 })
	if n := readyCalled.Load(); n != 1 {
		t.Errorf("OnReady called %d times, want 1", n)
	}
}

func TestWatcher_DownThenRecover(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	var ready, down atomic.Int32

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "ollama",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("connection refused")
		},
		Backoff: testBackoff(),
		OnReady: func() { ready.Add(1) },
		OnDown:  func(error) { down.Add(1) },
	})

	eventually(t, "failed probes", func() bool { return w.Status().Probes >= 2 })
	if w.IsReady() {
		t.Fatal("IsReady() = true while probe fails")
	}
	if st := w.Status(); st.LastError != "connection refused" {
		t.Errorf("LastError = %q", st.LastError)
	}
	if down.Load() != 0 {
		t.Error("OnDown fired without a prior ready state")
	}

	healthy.Store(true)
	eventually(t, "recovery", w.IsReady)
	eventually(t, "OnReady", func() bool { return ready.Load() == 1 })

	healthy.Store(false)
	eventually(t, "outage", func() bool { return !w.IsReady() })
	eventually(t, "OnDown", func() bool { return down.Load() == 1 })
}

func TestWatcher_ReadyProbesOnDemand(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool

	b := testBackoff()
	b.InitialDelay = time.Hour
	b.MaxDelay = time.Hour

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "claude",
		Probe: func(ctx context.Context) error {
			if healthy.Load() {
				return nil
			}
			return errors.New("not installed")
		},
		Backoff: b,
	})

	eventually(t, "first probe", func() bool { return w.Status().Probes == 1 })
	if w.Ready(context.Background()) {
		t.Fatal("Ready() = true for an unhealthy service")
	}

	// The background loop is asleep for an hour; Ready must notice the
	// recovery on its own.
	healthy.Store(true)
	if !w.Ready(context.Background()) {
		t.Error("Ready() did not re-probe")
	}
	if !w.IsReady() {
		t.Error("on-demand probe result not cached")
	}
}

func TestWatcher_ProbeTimeout(t *testing.T) {
	t.Parallel()
	b := testBackoff()
	b.ProbeTimeout = 5 * time.Millisecond

	m := NewManager(nil)
	defer m.Stop()
	w := m.Watch(context.Background(), WatcherConfig{
		Name: "slow",
		Probe: func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		},
		Backoff: b,
	})

	eventually(t, "timed out probe", func() bool { return w.LastError() != nil })
	if !errors.Is(w.LastError(), context.DeadlineExceeded) {
		t.Errorf("LastError() = %v, want deadline exceeded", w.LastError())
	}
}

func TestManager_StatusAndGet(t *testing.T) {
	t.Parallel()
	m := NewManager(nil)
	m.Watch(context.Background(), WatcherConfig{Name: "a", Probe: func(context.Context) error { return nil }, Backoff: testBackoff()})
	m.Watch(context.Background(), WatcherConfig{Name: "b", Probe: func(context.Context) error { return errors.New("down") }, Backoff: testBackoff()})

	a, ok := m.Get("a")
	if !ok {
		t.Fatal("Get(a) missing")
	}
	eventually(t, "a ready", a.IsReady)

	st := m.Status()
	if len(st) != 2 || !st["a"].Ready {
		t.Errorf("Status() = %+v", st)
	}
	if _, ok := m.Get("c"); ok {
		t.Error("Get(c) found an unregistered watcher")
	}

	m.Stop()
}

func TestManager_WatchPanics(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		cfg  WatcherConfig
	}{
		{"empty name", WatcherConfig{Probe: func(context.Context) error { return nil }}},
		{"nil probe", WatcherConfig{Name: "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Error("Watch() did not panic")
				}
			}()
			NewManager(nil).Watch(context.Background(), tt.cfg)
		})
	}
}

func TestWatcher_StopsWithContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	w := NewManager(nil).Watch(ctx, WatcherConfig{
		Name:    "ctx",
		Probe:   func(context.Context) error { return nil },
		Backoff: testBackoff(),
	})
	cancel()

	select {
	case <-w.done:
	case <-time.After(time.Second):
		t.Fatal("watcher did not exit after context cancellation")
	}
}
