package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/cc-executor/cc-executor/internal/common/config"
	"github.com/cc-executor/cc-executor/internal/common/logger"
	"github.com/cc-executor/cc-executor/internal/events/bus"
	"github.com/cc-executor/cc-executor/internal/gateway/websocket"
	"github.com/cc-executor/cc-executor/internal/hooks"
	"github.com/cc-executor/cc-executor/internal/session"
	"github.com/cc-executor/cc-executor/internal/timing"
)

// version is stamped by the build; "dev" for local builds.
var version = "dev"

// Exit codes: 1 configuration error, 2 bind failure, 3 fatal runtime error.
const (
	exitConfig = 1
	exitBind   = 2
	exitFatal  = 3
)

func main() {
	// 1. Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(exitConfig)
	}

	// 2. Initialize logger
	log, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(exitConfig)
	}
	defer log.Sync()
	logger.SetDefault(log)

	log.Info("Starting cc-executor service...", zap.String("version", version))

	// 3. Connect to the event bus (NATS when configured, in-memory otherwise)
	var eventBus bus.EventBus
	if cfg.NATS.URL != "" {
		natsBus, err := bus.NewNATSEventBus(cfg.NATS, log)
		if err != nil {
			log.Error("Failed to connect to NATS", zap.Error(err))
			os.Exit(exitFatal)
		}
		eventBus = natsBus
		log.Info("Connected to NATS event bus", zap.String("url", cfg.NATS.URL))
	} else {
		eventBus = bus.NewMemoryEventBus(log)
		log.Info("Using in-memory event bus")
	}
	defer eventBus.Close()

	// 4. Load hook configuration
	hookTimeout := time.Duration(cfg.Hooks.DefaultTimeoutS * float64(time.Second))
	hookCfg, err := hooks.LoadFile(cfg.Hooks.ConfigPath, hookTimeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load hook configuration: %v\n", err)
		os.Exit(exitConfig)
	}
	hookRunner := hooks.NewRunner(hookCfg, cfg.Execution.SensitiveEnvKeys, log)
	if cfg.Hooks.ConfigPath != "" {
		log.Info("Loaded hook configuration", zap.String("path", cfg.Hooks.ConfigPath))
	}

	// 5. Open the timing store (Redis when a DSN is set, in-memory otherwise)
	timingStore, err := timing.New(cfg.Timing, cfg.Execution.StallFractionOfTotal, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open timing store: %v\n", err)
		os.Exit(exitConfig)
	}
	defer timingStore.Close()

	// 6. Create the session registry
	registry := session.NewRegistry(cfg, hookRunner, timingStore, eventBus, log)

	// 7. Bind and serve the websocket gateway
	server := websocket.NewServer(cfg, registry, version, log)
	listener, err := server.Listen()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to bind %s: %v\n", cfg.Server.ListenAddr, err)
		os.Exit(exitBind)
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("Listening", zap.String("addr", cfg.Server.ListenAddr))
		serveErr <- server.Serve(listener)
	}()

	// 8. Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info("Shutting down cc-executor service...", zap.String("signal", sig.String()))
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", zap.Error(err))
			os.Exit(exitFatal)
		}
	}

	// 9. Graceful shutdown: stop accepting, then drain sessions. Each open
	// session cancels its execution and awaits the termination protocol.
	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		cfg.Execution.GracefulShutdown()+10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server shutdown error", zap.Error(err))
	}
	registry.Shutdown(shutdownCtx)

	log.Info("cc-executor service stopped")
}
