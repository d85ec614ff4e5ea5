package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rushil-kapadia/eye-detection/internal/config"
	"github.com/rushil-kapadia/eye-detection/internal/controller"
	"github.com/rushil-kapadia/eye-detection/internal/metrics"
	"github.com/rushil-kapadia/eye-detection/internal/server"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "glassesctl"
	serviceVersion    = "1.0.0"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary
	logger.Info("Configuration loaded",
		slog.String("device_address", cfg.Device.Address),
		slog.Int("udp_port", cfg.Device.UDPPort),
		slog.Int("discovery_listen_port", cfg.Discovery.ListenPort),
		slog.Float64("keepalive_interval", cfg.Stream.KeepaliveInterval),
		slog.Int("receive_timeout", cfg.Stream.ReceiveTimeout),
		slog.Bool("video_scene", cfg.Device.VideoScene),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Connect to the device (discovering it first when no address is
	// configured)
	ctrl, err := controller.New(ctx, cfg, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to connect to device", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Controller initialized", slog.String("device_address", ctrl.Address()))

	// Initialize HTTP monitor server (if enabled)
	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, ctrl, appMetrics)
		logger.Info("HTTP monitor server initialized",
			slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
		)
	}

	// Start streaming live data
	if err := ctrl.StartStreaming(); err != nil {
		logger.Error("Failed to start streaming", slog.String("error", err.Error()))
		ctrl.Close()
		os.Exit(1)
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			ctrl.Close()
			os.Exit(1)
		}
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	if httpServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		if err := httpServer.Stop(shutdownCtx); err != nil {
			logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
		}
	}

	// Stop the streaming session and close the sockets
	sessionStats := ctrl.SessionStats()
	merges, updates := ctrl.StoreStats()
	if err := ctrl.Close(); err != nil {
		logger.Error("Error closing controller", slog.String("error", err.Error()))
	}

	logger.Info("Final session statistics",
		slog.Uint64("keepalives_sent", sessionStats.KeepalivesSent),
		slog.Uint64("datagrams_received", sessionStats.DatagramsReceived),
		slog.Uint64("parse_errors", sessionStats.ParseErrors),
		slog.Uint64("receive_timeouts", sessionStats.ReceiveTimeouts),
		slog.Uint64("store_merges", merges),
		slog.Uint64("store_updates", updates),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
