package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	dragonpilot "github.com/ZanzyTHEbar/dragonpilot"
	"github.com/ZanzyTHEbar/dragonpilot/internal/config"
	"github.com/ZanzyTHEbar/dragonpilot/internal/eventbus"
	"github.com/ZanzyTHEbar/dragonpilot/internal/executor"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/rpclink"
	"github.com/ZanzyTHEbar/dragonpilot/internal/link/sim"
	"github.com/ZanzyTHEbar/dragonpilot/internal/registry"
	"github.com/ZanzyTHEbar/dragonpilot/internal/store"
	"github.com/ZanzyTHEbar/dragonpilot/internal/tools"
	"github.com/ZanzyTHEbar/dragonpilot/internal/verifier"
	"github.com/ZanzyTHEbar/dragonpilot/pkg/mission"
)

// app is the fully wired runtime shared by the serve and run commands.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	registry *registry.Registry
	link     *link.Link
	bus      *eventbus.ChannelEventBus
	results  *store.Tiered
	engine   *mission.Engine
}

func newTransport(cfg *config.Config) link.Transport {
	if cfg.Link.Transport == config.TransportRPC {
		return rpclink.NewClient(cfg.Link.Endpoint,
			rpclink.WithPollInterval(cfg.Link.PollInterval),
			rpclink.WithVendor(cfg.Link.Vendor))
	}
	return sim.New(cfg.Sim)
}

func newRegistry(cfg *config.Config, logger *slog.Logger) (*registry.Registry, error) {
	r := registry.New()
	if err := tools.RegisterBuiltins(r); err != nil {
		return nil, err
	}
	for _, path := range cfg.Catalogs {
		n, err := tools.RegisterCatalog(r, path)
		if err != nil {
			return nil, fmt.Errorf("catalog %s: %w", path, err)
		}
		logger.Info("catalog loaded", "path", path, "tools", n)
	}
	r.Seal()
	return r, nil
}

func newApp(cfg *config.Config, logger *slog.Logger) (*app, error) {
	r, err := newRegistry(cfg, logger)
	if err != nil {
		return nil, err
	}

	l := link.New(newTransport(cfg),
		link.WithLogger(logger),
		link.WithReconnectInterval(cfg.Link.ReconnectInterval))
	commander, err := l.Commander()
	if err != nil {
		return nil, err
	}

	bus := eventbus.NewChannelEventBus(
		eventbus.WithBufferSize(cfg.EventBus.BufferSize),
		eventbus.WithWorkerCount(cfg.EventBus.Workers),
		eventbus.WithLogger(logger),
	)

	var durable dragonpilot.ResultStore
	if cfg.Store.SQLitePath != "" {
		sq, err := store.OpenSQLite(cfg.Store.SQLitePath)
		if err != nil {
			_ = bus.Close()
			return nil, err
		}
		durable = sq
	}
	results := store.NewTiered(store.NewMemoryStore(cfg.Store.CacheTTL, logger), durable, logger)

	v := verifier.New(l.Telemetry(),
		verifier.WithPollInterval(cfg.Verifier.PollInterval),
		verifier.WithLogger(logger))
	exec := executor.NewExecutor(r, commander, l.Telemetry(), v,
		executor.WithEventBus(bus),
		executor.WithLogger(logger),
		executor.WithStopTimeout(cfg.Executor.StopTimeout))

	engine, err := mission.New(r, l.Telemetry(), exec,
		mission.WithStore(results),
		mission.WithEventBus(bus),
		mission.WithLogger(logger))
	if err != nil {
		_ = results.Close()
		_ = bus.Close()
		return nil, err
	}

	return &app{cfg: cfg, logger: logger, registry: r, link: l, bus: bus, results: results, engine: engine}, nil
}

// waitForTelemetry blocks until the link has delivered a first snapshot.
func (a *app) waitForTelemetry(ctx context.Context, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if _, err := a.link.Telemetry().Latest(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("no telemetry from the vehicle after %s: %w", timeout, dragonpilot.NewNoTelemetryError())
		case <-ticker.C:
		}
	}
}

// cleanupLoop forgets finished executions; their results stay in the store.
func (a *app) cleanupLoop(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := a.engine.CleanupCompleted(every); n > 0 {
				a.logger.Debug("forgot finished executions", "count", n)
			}
		}
	}
}

func (a *app) Close() error {
	return errors.Join(a.engine.Close(), a.bus.Close(), a.results.Close())
}

func exitCode(err error) int {
	switch {
	case errors.Is(err, dragonpilot.ErrConfiguration):
		return 2
	case errors.Is(err, dragonpilot.ErrTimedOut), errors.Is(err, dragonpilot.ErrImpossible), errors.Is(err, dragonpilot.ErrCancelled):
		return 3
	default:
		return 1
	}
}
