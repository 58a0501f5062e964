// Package connwatch tracks whether the engine's external dependencies
// (execution backends, Home Assistant) are reachable.
//
// Each Watcher probes one service in the background. While the service
// is down, probes follow an exponential backoff (2s, 4s, 8s, ... capped
// at 60s) that restarts with every outage; while it is up, probes run
// every PollInterval. Ready answers from the last probe and re-probes on
// demand when the cached answer is negative, so a control request never
// waits for the next scheduled poll to notice a recovered backend.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ProbeFunc checks whether a service is reachable. Return nil if healthy.
type ProbeFunc func(ctx context.Context) error

// BackoffConfig controls probe timing.
type BackoffConfig struct {
	// InitialDelay is the first retry delay after a failed probe (default: 2s).
	InitialDelay time.Duration

	// MaxDelay caps backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed probe (default: 2.0).
	Multiplier float64

	// PollInterval is the probe interval while the service is up (default: 60s).
	PollInterval time.Duration

	// ProbeTimeout bounds each probe call (default: 10s).
	ProbeTimeout time.Duration
}

// DefaultBackoffConfig returns the default probe schedule.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay: 2 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2.0,
		PollInterval: 60 * time.Second,
		ProbeTimeout: 10 * time.Second,
	}
}

// withDefaults fills zero fields from [DefaultBackoffConfig].
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.PollInterval <= 0 {
		c.PollInterval = d.PollInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = d.ProbeTimeout
	}
	return c
}

// WatcherConfig configures a single service watcher.
type WatcherConfig struct {
	// Name identifies the service in logs and status (e.g. "claude").
	Name string

	// Probe checks service health. Must be safe for concurrent use.
	Probe ProbeFunc

	Backoff BackoffConfig

	// OnReady runs in its own goroutine when the service goes from
	// down (or unknown) to up. Optional.
	OnReady func()

	// OnDown runs in its own goroutine when the service goes from up to
	// down. Optional.
	OnDown func(err error)

	Logger *slog.Logger
}

// ServiceStatus is the health of a watched service.
type ServiceStatus struct {
	Name      string    `json:"name"`
	Ready     bool      `json:"ready"`
	LastCheck time.Time `json:"last_check"`
	LastError string    `json:"last_error,omitempty"`
	Probes    int64     `json:"probes"`
}

// Watcher monitors a single service.
type Watcher struct {
	config WatcherConfig
	ready  atomic.Bool
	probes atomic.Int64
	cancel context.CancelFunc
	done   chan struct{}

	mu        sync.Mutex
	lastErr   error
	lastCheck time.Time
}

// IsReady reports the result of the most recent probe.
func (w *Watcher) IsReady() bool {
	return w.ready.Load()
}

// Ready reports whether the service is reachable. A cached positive
// answer is returned as is; otherwise the service is probed now.
func (w *Watcher) Ready(ctx context.Context) bool {
	if w.ready.Load() {
		return true
	}
	return w.Check(ctx) == nil
}

// Check probes the service immediately and records the result.
func (w *Watcher) Check(ctx context.Context) error {
	err := w.probe(ctx)
	w.record(err)
	return err
}

// LastError returns the most recent probe error, or nil if healthy.
func (w *Watcher) LastError() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.lastErr
}

// Status returns the current health status.
func (w *Watcher) Status() ServiceStatus {
	w.mu.Lock()
	defer w.mu.Unlock()

	s := ServiceStatus{
		Name:      w.config.Name,
		Ready:     w.ready.Load(),
		LastCheck: w.lastCheck,
		Probes:    w.probes.Load(),
	}
	if w.lastErr != nil {
		s.LastError = w.lastErr.Error()
	}
	return s
}

// Stop cancels the watcher and waits for its goroutine to exit.
func (w *Watcher) Stop() {
	w.cancel()
	<-w.done
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	cfg := w.config.Backoff
	delay := cfg.InitialDelay
	failures := 0

	for {
		err := w.Check(ctx)
		if ctx.Err() != nil {
			return
		}

		next := cfg.PollInterval
		if err != nil {
			failures++
			next = delay
			delay = time.Duration(float64(delay) * cfg.Multiplier)
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
			w.config.Logger.Debug("service probe failed",
				"service", w.config.Name,
				"consecutive_failures", failures,
				"next_probe", next.String(),
				"error", err,
			)
		} else {
			failures = 0
			delay = cfg.InitialDelay
		}

		if !sleepCtx(ctx, next) {
			return
		}
	}
}

func (w *Watcher) probe(ctx context.Context) error {
	w.probes.Add(1)
	probeCtx, cancel := context.WithTimeout(ctx, w.config.Backoff.ProbeTimeout)
	defer cancel()
	return w.config.Probe(probeCtx)
}

// record stores a probe outcome and fires transition callbacks. The
// swap makes each transition fire once even when Check races the
// background loop.
func (w *Watcher) record(err error) {
	w.mu.Lock()
	w.lastErr = err
	w.lastCheck = time.Now()
	w.mu.Unlock()

	up := err == nil
	if w.ready.Swap(up) == up {
		return
	}
	if up {
		w.config.Logger.Info("service ready", "service", w.config.Name)
		if w.config.OnReady != nil {
			go w.config.OnReady()
		}
		return
	}
	w.config.Logger.Warn("service unreachable", "service", w.config.Name, "error", err)
	if w.config.OnDown != nil {
		go w.config.OnDown(err)
	}
}

// sleepCtx sleeps for d or until ctx is cancelled. Returns false if cancelled.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// Manager coordinates multiple service watchers.
type Manager struct {
	mu       sync.RWMutex
	watchers map[string]*Watcher
	logger   *slog.Logger
}

// NewManager creates a manager.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		watchers: make(map[string]*Watcher),
		logger:   logger,
	}
}

// Watch registers and starts a watcher that runs until ctx is cancelled
// or Stop is called. It panics if Name is empty or Probe is nil.
func (m *Manager) Watch(ctx context.Context, cfg WatcherConfig) *Watcher {
	if cfg.Name == "" {
		panic("connwatch: WatcherConfig.Name must not be empty")
	}
	if cfg.Probe == nil {
		panic("connwatch: WatcherConfig.Probe must not be nil")
	}
	if cfg.Logger == nil {
		cfg.Logger = m.logger
	}
	cfg.Backoff = cfg.Backoff.withDefaults()

	watchCtx, cancel := context.WithCancel(ctx)
	w := &Watcher{
		config: cfg,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go w.run(watchCtx)

	m.mu.Lock()
	m.watchers[cfg.Name] = w
	m.mu.Unlock()
	return w
}

// Get returns the watcher registered under name.
func (m *Manager) Get(name string) (*Watcher, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.watchers[name]
	return w, ok
}

// Status returns the health of all watched services.
func (m *Manager) Status() map[string]ServiceStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]ServiceStatus, len(m.watchers))
	for name, w := range m.watchers {
		status[name] = w.Status()
	}
	return status
}

// Stop shuts down all watchers and waits for them to exit.
func (m *Manager) Stop() {
	m.mu.RLock()
	watchers := make([]*Watcher, 0, len(m.watchers))
	for _, w := range m.watchers {
		watchers = append(watchers, w)
	}
	m.mu.RUnlock()

	for _, w := range watchers {
		w.Stop()
	}
}
