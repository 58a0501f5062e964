package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/kaizen/internal/activity"
	"github.com/nugget/kaizen/internal/api"
	"github.com/nugget/kaizen/internal/buildinfo"
	"github.com/nugget/kaizen/internal/clock"
	"github.com/nugget/kaizen/internal/config"
	"github.com/nugget/kaizen/internal/connwatch"
	"github.com/nugget/kaizen/internal/engine"
	"github.com/nugget/kaizen/internal/events"
	"github.com/nugget/kaizen/internal/executor"
	"github.com/nugget/kaizen/internal/handoff"
	"github.com/nugget/kaizen/internal/homeassistant"
	"github.com/nugget/kaizen/internal/mqtt"
	"github.com/nugget/kaizen/internal/observe"
	"github.com/nugget/kaizen/internal/outcome"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// shutdownTimeout bounds the graceful shutdown of servers and the
// in-flight cycle.
const shutdownTimeout = 15 * time.Second

// runServe handles the "kaizen serve" subcommand. It loads config,
// opens the database, wires the observer, backend, engine, control API
// and optional MQTT publisher, and blocks until a shutdown signal.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The engine stops, aborting any in-flight execution
//  3. MQTT publishes "offline" and disconnects
//  4. The API server drains in-flight requests
//  5. The database and watchers are closed via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting Kaizen", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that the desired level and format are known.
	{
		// Validated by config.Load.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	engCfg, err := engine.ParseConfig(cfg.Engine)
	if err != nil {
		return fmt.Errorf("engine config: %w", err)
	}
	activityWindow, err := time.ParseDuration(cfg.Activity.Window)
	if err != nil {
		return fmt.Errorf("activity.window %q: %w", cfg.Activity.Window, err)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"port", cfg.Listen.Port,
		"backend", cfg.Backend.Kind,
		"actions", engCfg.Catalog.Len(),
	)

	// --- Data directory and database ---
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}
	dbPath := filepath.Join(cfg.DataDir, "kaizen.db")
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open database %s: %w", dbPath, err)
	}
	defer db.Close()

	store, err := outcome.NewStore(db, logger)
	if err != nil {
		return fmt.Errorf("open outcome store %s: %w", dbPath, err)
	}
	logger.Info("database opened", "path", dbPath)

	bus := events.New()

	connMgr := connwatch.NewManager(logger)
	defer connMgr.Stop()

	// --- Observation ---
	provider, err := buildProviders(ctx, cfg.Providers, connMgr, logger)
	if err != nil {
		return err
	}
	observer := observe.NewObserver(observe.ObserverConfig{
		Provider:    provider,
		ReadTimeout: engCfg.ObserveTimeout,
		Logger:      logger,
	})

	// --- Execution backend ---
	backend, err := buildBackend(ctx, cfg.Backend, connMgr, bus, logger)
	if err != nil {
		return err
	}

	// --- Activity and data-change context ---
	realClock := clock.Real{}
	notes := activity.NewTracker(realClock, activityWindow, 0)

	var (
		eng         *engine.Engine
		watcher     *activity.Watcher
		dataChanges executor.ContextSource
	)
	if len(cfg.Activity.WatchDirs) > 0 {
		changes := activity.NewTracker(realClock, activityWindow, 0)
		watcher, err = activity.NewWatcher(activity.WatcherConfig{
			Dirs:    cfg.Activity.WatchDirs,
			Changes: changes,
			OnChange: func(path, op string) {
				bus.Emit(events.SourceActivity, events.KindDataChange, map[string]any{"path": path, "op": op})
				if cfg.Activity.WakeOnChange {
					eng.WakeFromRest()
				}
			},
			Logger: logger,
		})
		if err != nil {
			return fmt.Errorf("create data change watcher: %w", err)
		}
		defer watcher.Stop()
		dataChanges = watcher
	}

	exec := executor.New(executor.Config{
		Backend:     backend,
		Clock:       realClock,
		Timeout:     engCfg.ExecutionTimeout,
		Activity:    notes,
		DataChanges: dataChanges,
		Logger:      logger,
	})

	handoffs := handoff.NewManager(filepath.Join(cfg.DataDir, engCfg.HandoffFile), store, logger)

	eng = engine.New(engCfg, engine.Deps{
		Observer: observer,
		Store:    store,
		Executor: exec,
		Handoffs: handoffs,
		Clock:    realClock,
		Bus:      bus,
		Activity: notes,
		Logger:   logger,
	})

	// The watcher's callback reaches the engine, so it starts only now.
	if watcher != nil {
		if err := watcher.Start(ctx); err != nil {
			return fmt.Errorf("start data change watcher: %w", err)
		}
	}

	// --- Control API ---
	server := api.NewServer(api.Config{
		Address:  cfg.Listen.Address,
		Port:     cfg.Listen.Port,
		Engine:   eng,
		Store:    store,
		Handoffs: handoffs,
		Services: connMgr,
		Bus:      bus,
		Logger:   logger,
	})

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := server.Start(gctx); err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	})

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Enabled {
		instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		mqttPub = mqtt.New(cfg.MQTT, instanceID, eng, bus, logger)
		mqttPub.SetCommander(eng)
		g.Go(func() error {
			if err := mqttPub.Start(gctx); err != nil {
				// The engine runs fine without MQTT.
				logger.Error("mqtt publisher failed", "error", err)
			}
			return nil
		})

		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name: "mqtt",
			Probe: func(pCtx context.Context) error {
				awaitCtx, awaitCancel := context.WithTimeout(pCtx, 2*time.Second)
				defer awaitCancel()
				return mqttPub.AwaitConnection(awaitCtx)
			},
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"instance_id", instanceID,
		)
	} else {
		logger.Info("mqtt publishing disabled")
	}

	// --- Autostart ---
	if cfg.Engine.Autostart || eng.WasRunning() {
		if err := eng.Start(ctx); err != nil {
			// The operator can start it later through the API.
			logger.Warn("engine autostart failed", "error", err)
		}
	}

	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")

		eng.Stop()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer shutdownCancel()
		if mqttPub != nil {
			if err := mqttPub.Stop(shutdownCtx); err != nil {
				logger.Error("mqtt shutdown failed", "error", err)
			}
		}
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("api server shutdown failed", "error", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		return err
	}

	logger.Info("Kaizen stopped")
	return nil
}

// buildProviders assembles the dimension provider chain: the metrics
// file first, then Home Assistant entities.
func buildProviders(ctx context.Context, cfg config.ProvidersConfig, connMgr *connwatch.Manager, logger *slog.Logger) (observe.DataProvider, error) {
	var chain observe.Chain
	if cfg.File.Path != "" {
		chain = append(chain, observe.NewFileProvider(cfg.File.Path, logger))
		logger.Info("metrics file provider enabled", "path", cfg.File.Path)
	}

	ha := cfg.HomeAssistant
	if ha.Configured() {
		sources := make(map[observe.Dimension]homeassistant.Source, len(ha.Entities))
		for name, entity := range ha.Entities {
			dim := observe.Dimension(name)
			if !slices.Contains(observe.AllDimensions(), dim) {
				return nil, fmt.Errorf("providers.homeassistant.entities: unknown dimension %q", name)
			}
			sources[dim] = homeassistant.ParseSource(entity)
		}
		client := homeassistant.NewClient(ha.URL, ha.Token, logger)
		chain = append(chain, homeassistant.NewProvider(client, sources, logger))

		// Registered for health visibility; reads fail soft on their own.
		connMgr.Watch(ctx, connwatch.WatcherConfig{
			Name:    "homeassistant",
			Probe:   client.Ping,
			Backoff: connwatch.DefaultBackoffConfig(),
			Logger:  logger,
		})
		logger.Info("home assistant provider enabled", "url", ha.URL, "entities", len(sources))
	}

	if len(chain) == 0 {
		logger.Warn("no dimension providers configured; every observation will be empty")
	}
	return chain, nil
}
