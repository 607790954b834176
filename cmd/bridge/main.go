// Command bridge wires the Q-SYS QRC control bridge: the WebSocket
// transport, its connection manager and circuit breaker, the discovery,
// state, and event caches, the semantic adapter and change-group engine
// that sit on top of them, the poll loop that keeps change groups fresh,
// and the persistence store — behind one state facade — then serves until
// SIGINT/SIGTERM, shutting the pipeline down in dependency order.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/qrc-bridge/internal/changegroup"
	"github.com/ocx/qrc-bridge/internal/circuitbreaker"
	"github.com/ocx/qrc-bridge/internal/config"
	"github.com/ocx/qrc-bridge/internal/connmgr"
	"github.com/ocx/qrc-bridge/internal/discovery"
	"github.com/ocx/qrc-bridge/internal/events"
	"github.com/ocx/qrc-bridge/internal/eventcache"
	"github.com/ocx/qrc-bridge/internal/facade"
	"github.com/ocx/qrc-bridge/internal/invalidation"
	"github.com/ocx/qrc-bridge/internal/persistence"
	"github.com/ocx/qrc-bridge/internal/pollloop"
	"github.com/ocx/qrc-bridge/internal/qrc"
	"github.com/ocx/qrc-bridge/internal/semantic"
	"github.com/ocx/qrc-bridge/internal/statecache"
)

// shutdownTimeout bounds the graceful shutdown cascade; past it we stop
// waiting and exit anyway rather than hang on a stuck dependency.
const shutdownTimeout = 10 * time.Second

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("bridge: no .env file found, using process environment")
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg := config.Get()
	bus := events.NewBus(logger)

	breaker := circuitbreaker.New(&circuitbreaker.Config{
		Name:             "qrc-core",
		FailureThreshold: cfg.Breaker.FailureThreshold,
		SuccessThreshold: cfg.Breaker.SuccessThreshold,
		Timeout:          cfg.Breaker.Timeout(),
	})

	client := qrc.New(cfg.Transport, breaker, logger)
	connMgr := connmgr.New(connmgr.Config{
		InitialDelay: cfg.Transport.ReconnectInterval(),
		MaxDelay:     30 * time.Second,
		MaxAttempts:  cfg.Transport.MaxReconnectAttempts,
		OnStateChange: func(from, to connmgr.State) {
			logger.Info("bridge: connection state changed", "from", from.String(), "to", to.String())
		},
	}, client.Connect, breaker, logger)

	disco := discovery.New(discovery.Config{
		ComponentListTTL: cfg.Discovery.ComponentListTTL(),
		MaxControlSets:   cfg.Discovery.MaxControlSets,
	})
	client.OnClosed = func(error) { disco.InvalidateAll() }

	cache := statecache.New(statecache.Config{
		MaxEntries: cfg.Cache.MaxEntries,
		DefaultTTL: cfg.Cache.TTL(),
		Emitter:    bus,
	})
	if cfg.Cache.DistributedRedisURL != "" {
		backend, err := statecache.NewRedisBackend(cfg.Cache.DistributedRedisURL, "", 0)
		if err != nil {
			logger.Warn("bridge: redis backend unavailable, running single-instance", "error", err)
		} else {
			cache.SetBackend(backend)
			defer backend.Close()
		}
	}

	inval := invalidation.New(func(keys []string) {
		for _, k := range keys {
			cache.Delete(k)
		}
	})

	adapter := semantic.New(client, disco, cache)
	changeGroups := changegroup.New(adapter, connMgr.Healthy, bus, cfg.ChangeGroup.MaxWritesPerSecond)

	eventCache := eventcache.New(eventcache.Config{
		MaxMemoryBytes:         int64(cfg.EventCache.GlobalMemoryLimitMB * 1024 * 1024),
		MemoryCheckInterval:    time.Duration(cfg.EventCache.MemoryCheckInterval) * time.Millisecond,
		RecentWindow:           time.Duration(cfg.EventCache.Compression.RecentWindowMs) * time.Millisecond,
		MediumWindow:           time.Duration(cfg.EventCache.Compression.MediumWindowMs) * time.Millisecond,
		AncientWindow:          time.Duration(cfg.EventCache.Compression.AncientWindowMs) * time.Millisecond,
		CompressionCooldown:    time.Duration(cfg.EventCache.Compression.CooldownPerGroupMs) * time.Millisecond,
		SpilloverDir:           cfg.EventCache.DiskSpillover.Directory,
		SpilloverMaxAgeDays:    cfg.EventCache.DiskSpillover.MaxAgeDays,
		SignificantChangeRatio: cfg.EventCache.Compression.SignificantChangePct / 100,
		Emitter:                bus,
	})

	poll := pollloop.New(client, eventCache, bus, cfg.Transport.PollingInterval(), logger)

	var store *persistence.Store
	if cfg.Persistence.Enabled {
		format := persistence.FormatJSON
		if cfg.Persistence.Format == "jsonl" {
			format = persistence.FormatJSONL
		}
		store = persistence.New(persistence.Config{
			Path:       cfg.Persistence.File,
			Format:     format,
			Gzip:       cfg.Persistence.Gzip,
			MaxBackups: cfg.Persistence.BackupCount,
		})
	}

	state := facade.New(facade.Dependencies{
		Cache:        cache,
		Invalidation: inval,
		ChangeGroups: changeGroups,
		Persistence:  store,
		ConnManager:  connMgr,
		Breaker:      breaker,
		Emitter:      bus,
		Logger:       logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := state.Initialize(ctx); err != nil {
		logger.Error("bridge: facade initialize failed", "error", err)
		os.Exit(1)
	}

	if store != nil {
		if n, err := state.Restore(); err != nil {
			logger.Warn("bridge: no prior snapshot restored", "error", err)
		} else {
			logger.Info("bridge: restored control states from snapshot", "count", n)
		}
	}

	if err := connMgr.ConnectWithRetry(ctx); err != nil {
		logger.Error("bridge: initial connect failed", "error", err)
	}

	go connMgr.RunHealthChecks(ctx, 15*time.Second)
	go poll.Run(ctx)
	go eventCache.RunMemoryMonitor(ctx)
	go eventCache.RunJanitor(ctx, time.Hour)
	go runPersistLoop(ctx, state, logger, time.Minute)

	logger.Info("bridge: running", "host", cfg.Transport.Host, "port", cfg.Transport.Port)
	<-ctx.Done()

	shutdown(state, connMgr, client, eventCache, logger)
}

// runPersistLoop snapshots cached control state on a fixed interval so a
// restart can Restore without waiting for a live resync. A no-op when no
// persistence store was configured (Facade.Persist degrades to nil).
func runPersistLoop(ctx context.Context, state *facade.Facade, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := state.Persist(); err != nil {
				logger.Warn("bridge: periodic snapshot failed", "error", err)
			}
		}
	}
}

// shutdown runs the graceful-shutdown cascade: stop accepting new poll
// cycles, flush any buffered events to disk, persist a final snapshot, then
// close the transport — bounded by shutdownTimeout so a stuck dependency
// cannot hang the process on exit.
func shutdown(state *facade.Facade, connMgr *connmgr.Manager, client *qrc.Client, eventCache *eventcache.Manager, logger *slog.Logger) {
	logger.Info("bridge: shutting down")
	done := make(chan struct{})

	go func() {
		defer close(done)
		eventCache.Shutdown()
		if err := eventCache.FlushAllSpill(); err != nil {
			logger.Warn("bridge: flush spillover on shutdown failed", "error", err)
		}
		if err := state.Persist(); err != nil {
			logger.Warn("bridge: final snapshot on shutdown failed", "error", err)
		}
		state.Shutdown()
		connMgr.Disconnect()
		client.Disconnect()
	}()

	select {
	case <-done:
		logger.Info("bridge: shutdown complete")
	case <-time.After(shutdownTimeout):
		logger.Warn("bridge: shutdown timed out, exiting anyway")
	}
}
