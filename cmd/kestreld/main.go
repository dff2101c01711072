// Package main is the entry point for kestreld, the lifecycle engine daemon.
// The process runs the poll loop, the HTTP API, and the WebSocket gateway
// together with shared infrastructure.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/api"
	"github.com/kestrelhq/kestrel/internal/common/config"
	"github.com/kestrelhq/kestrel/internal/common/logger"
	"github.com/kestrelhq/kestrel/internal/common/tracing"
	"github.com/kestrelhq/kestrel/internal/engine"
	"github.com/kestrelhq/kestrel/internal/events/bus"
	gateways "github.com/kestrelhq/kestrel/internal/gateway/websocket"
	"github.com/kestrelhq/kestrel/internal/history"
	"github.com/kestrelhq/kestrel/internal/notify"
	"github.com/kestrelhq/kestrel/internal/plugin"
	"github.com/kestrelhq/kestrel/internal/session"
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting kestreld...")

	// 3. Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	defer func() {
		if err := tracing.Shutdown(context.Background()); err != nil {
			log.Warn("Tracing shutdown failed", zap.Error(err))
		}
	}()

	// 4. Initialize event bus (in-memory by default, NATS if configured)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		log.Info("Connecting to NATS...", zap.String("url", cfg.NATS.URL))
		natsEventBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		eventBus = natsEventBus
		defer natsEventBus.Close()
	} else {
		log.Info("Using in-memory event bus")
		eventBus = bus.NewMemoryEventBus(log)
	}

	// 5. Event history (optional)
	var hist *history.Store
	if cfg.History.Path != "" {
		hist, err = history.Open(cfg.History.Path)
		if err != nil {
			log.Fatal("Failed to open event history", zap.Error(err), zap.String("path", cfg.History.Path))
		}
		defer hist.Close()
		if n, err := hist.Prune(ctx, cfg.History.RetentionDays); err != nil {
			log.Warn("History prune failed", zap.Error(err))
		} else if n > 0 {
			log.Info("Pruned old events", zap.Int64("removed", n))
		}
		log.Info("Event history initialized", zap.String("path", cfg.History.Path))
	}

	// 6. Plugin registry. Plugins register themselves from their packages;
	// the daemon only owns the registry.
	registry := plugin.NewRegistry()

	// 7. Session manager over the sessions directory
	sessionsDir := expandHome(cfg.SessionsDir)
	store := session.NewStore(sessionsDir)
	names := session.ManagerConfig{
		Prefixes:       make(map[string]string, len(cfg.Projects)),
		Runtimes:       make(map[string]string, len(cfg.Projects)),
		DefaultRuntime: cfg.Defaults.Runtime,
	}
	for id, p := range cfg.Projects {
		names.Prefixes[id] = p.SessionPrefix
		names.Runtimes[id] = p.Runtime
	}
	manager := session.NewFSManager(sessionsDir, store, registry, names, log)
	log.Info("Session manager initialized", zap.String("dir", sessionsDir))

	// 8. Notifier routing
	router := notify.NewRouter(registry, cfg, log)

	// 9. Lifecycle engine
	var sink engine.EventSink
	if hist != nil {
		sink = hist
	}
	eng := engine.New(engine.Options{
		Config:   cfg,
		Registry: registry,
		Manager:  manager,
		Metadata: store,
		Notifier: router,
		Bus:      eventBus,
		History:  sink,
	})
	eng.Start(ctx)
	defer eng.Stop()

	// 10. WebSocket gateway
	hub := gateways.NewHub(log)
	go hub.Run(ctx)
	if _, err := hub.SubscribeBus(eventBus); err != nil {
		log.Warn("WebSocket bus bridge failed", zap.Error(err))
	}

	// 11. HTTP API
	server := api.NewServer(cfg, eng, manager, hist, hub, log)
	go func() {
		if err := server.Start(); err != nil {
			log.Error("API server failed", zap.Error(err))
			cancel()
		}
	}()

	// 12. Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Warn("API shutdown failed", zap.Error(err))
	}
	cancel()
	log.Info("kestreld stopped")
}

// expandHome resolves a leading ~ in configured paths.
func expandHome(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return home + path[1:]
}
