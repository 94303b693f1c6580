// Command bridge is the ESP MCP Bridge process entry point: it wires
// configuration, the durable store, the in-memory registry, the MQTT bus,
// the router, the background supervisor, and the MCP tool surface, then
// serves over stdio until SIGINT/SIGTERM triggers a graceful shutdown.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"github.com/apicov/esp-mcp-bridge/internal/bus"
	"github.com/apicov/esp-mcp-bridge/internal/config"
	"github.com/apicov/esp-mcp-bridge/internal/logging"
	"github.com/apicov/esp-mcp-bridge/internal/registry"
	"github.com/apicov/esp-mcp-bridge/internal/router"
	"github.com/apicov/esp-mcp-bridge/internal/store"
	"github.com/apicov/esp-mcp-bridge/internal/supervisor"
	"github.com/apicov/esp-mcp-bridge/internal/tools"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := config.Load(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, "bridge: config error:", err)
		return 1
	}

	level := parseLevel(cfg.LogLevel)
	logger := logging.New(level, cfg.LogJSON)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Startup order: Store open -> Registry instantiate -> Bus connect ->
	// Router subscribe handlers -> Supervisor tasks start -> Tools exposed.
	st, err := store.Open(store.Config{Path: cfg.DBPath, Logger: logger})
	if err != nil {
		logger.Error("bridge: failed to open store", "error", err)
		return 1
	}
	defer st.Close()

	reg := registry.New()

	b := bus.New(bus.Config{
		Hostname: cfg.MQTTBroker,
		Port:     cfg.MQTTPort,
		Username: cfg.MQTTUsername,
		Password: cfg.MQTTPassword,
		Logger:   logger,
	})
	if err := b.Connect(ctx); err != nil {
		logger.Error("bridge: failed to connect to broker", "error", err)
		return 1
	}
	defer b.Disconnect()

	rt := router.New(b, reg, st, 4, logger)

	sv := supervisor.New(reg, st, supervisor.Config{
		DeviceTimeout:       time.Duration(cfg.DeviceTimeoutMinutes) * time.Minute,
		SensorRetentionDays: cfg.RetentionDays,
		ErrorRetentionDays:  cfg.ErrorRetentionDays,
		Logger:              logger,
	})
	sv.Start(ctx)

	tl := tools.New(reg, st, b, 5*time.Second, logger)
	mcpServer := server.NewMCPServer("esp-mcp-bridge", "1.0.0", server.WithToolCapabilities(true))
	tl.Register(mcpServer)

	logger.Info("bridge: ready", "broker", cfg.MQTTBroker, "db", cfg.DBPath)

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.ServeStdio(mcpServer) }()

	select {
	case <-ctx.Done():
		logger.Info("bridge: shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.Error("bridge: mcp transport exited", "error", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sv.Stop(shutdownCtx); err != nil {
		logger.Warn("bridge: supervisor did not stop cleanly", "error", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		logger.Warn("bridge: router did not drain cleanly", "error", err)
	}

	return 0
}

func parseLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
