package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nugget/kaizen/internal/claudecli"
	"github.com/nugget/kaizen/internal/config"
	"github.com/nugget/kaizen/internal/connwatch"
	"github.com/nugget/kaizen/internal/events"
	"github.com/nugget/kaizen/internal/executor"
	"github.com/nugget/kaizen/internal/llm"
)

// probedBackend is an execution backend that can also be health
// checked by connwatch.
type probedBackend interface {
	executor.Backend
	Probe(ctx context.Context) error
}

// ollamaProbe adapts the Ollama client's Ping to [probedBackend].
type ollamaProbe struct {
	*llm.OllamaClient
}

func (o ollamaProbe) Probe(ctx context.Context) error { return o.Ping(ctx) }

// watchedBackend answers Ready from the connwatch watcher so the
// engine's start check reuses the cached probe result instead of
// spawning a probe per call.
type watchedBackend struct {
	executor.Backend
	watcher *connwatch.Watcher
}

func (w watchedBackend) Ready(ctx context.Context) bool {
	return w.watcher.Ready(ctx)
}

// newBackend builds the configured backend without watching it.
func newBackend(cfg config.BackendConfig, logger *slog.Logger) (probedBackend, error) {
	switch cfg.Kind {
	case "claude":
		return claudecli.New(claudecli.Config{
			Bin:          cfg.Claude.Bin,
			WorkDir:      cfg.Claude.WorkDir,
			AllowedTools: cfg.Claude.AllowedTools,
			ExtraArgs:    cfg.Claude.ExtraArgs,
			Logger:       logger,
		}), nil
	case "ollama":
		return ollamaProbe{llm.NewOllamaClient(llm.OllamaConfig{
			URL:         cfg.Ollama.URL,
			Model:       cfg.Ollama.Model,
			System:      cfg.Ollama.System,
			Temperature: cfg.Ollama.Temperature,
			NumCtx:      cfg.Ollama.NumCtx,
			Logger:      logger,
		})}, nil
	default:
		return nil, fmt.Errorf("unknown backend kind %q", cfg.Kind)
	}
}

// buildBackend constructs the backend and registers it with connMgr.
// Readiness transitions are published on bus.
func buildBackend(ctx context.Context, cfg config.BackendConfig, connMgr *connwatch.Manager, bus *events.Bus, logger *slog.Logger) (executor.Backend, error) {
	backend, err := newBackend(cfg, logger)
	if err != nil {
		return nil, err
	}
	name := backend.Name()

	watcher := connMgr.Watch(ctx, connwatch.WatcherConfig{
		Name:    name,
		Probe:   backend.Probe,
		Backoff: connwatch.DefaultBackoffConfig(),
		OnReady: func() {
			bus.Emit(events.SourceBackend, events.KindReady, map[string]any{"service": name})
		},
		OnDown: func(err error) {
			bus.Emit(events.SourceBackend, events.KindDown, map[string]any{"service": name, "error": err.Error()})
		},
		Logger: logger,
	})
	logger.Info("execution backend configured", "backend", name)

	return watchedBackend{Backend: backend, watcher: watcher}, nil
}
