package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/rushil-kapadia/eye-detection/internal/config"
	"github.com/rushil-kapadia/eye-detection/internal/controller"
	"github.com/rushil-kapadia/eye-detection/internal/metrics"
)

// HTTPServer provides HTTP API endpoints for monitoring the controller
type HTTPServer struct {
	server     *http.Server
	logger     *slog.Logger
	config     *config.Config
	controller *controller.Controller
	metrics    *metrics.Metrics

	// Server state
	startTime time.Time
	mu        sync.RWMutex
}

// NewHTTPServer creates a new HTTP monitor server
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger,
	appConfig *config.Config, ctrl *controller.Controller, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:     logger,
		config:     appConfig,
		controller: ctrl,
		metrics:    m,
		startTime:  time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Health check endpoint
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))

	// Latest samples per channel
	mux.HandleFunc("/snapshot", h.withMetrics("/snapshot", h.handleSnapshot))

	// Device system status, proxied from the control plane
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))

	// Configuration endpoint
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))

	// Statistics endpoint
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint (no metrics needed for metrics endpoint)
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

			if ww.statusCode >= 400 {
				errorType := "client_error"
				if ww.statusCode >= 500 {
					errorType = "server_error"
				}
				h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
			}
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP monitor server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP monitor server...")

	return h.server.Shutdown(ctx)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)
	sessionStats := h.controller.SessionStats()
	merges, updates := h.controller.StoreStats()
	clientStats := h.controller.Device().GetStats()

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"device": map[string]interface{}{
			"address":   h.controller.Address(),
			"streaming": h.controller.IsStreaming(),
		},
		"components": map[string]interface{}{
			"session": map[string]interface{}{
				"keepalives_sent":    sessionStats.KeepalivesSent,
				"datagrams_received": sessionStats.DatagramsReceived,
				"parse_errors":       sessionStats.ParseErrors,
				"receive_timeouts":   sessionStats.ReceiveTimeouts,
			},
			"store": map[string]interface{}{
				"merges":  merges,
				"updates": updates,
			},
			"control_plane": map[string]interface{}{
				"total_requests":  clientStats.TotalRequests,
				"failed_requests": clientStats.FailedRequests,
			},
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(health)
}

// handleSnapshot implements the /snapshot endpoint
func (h *HTTPServer) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snapshot := h.controller.Snapshot()
	channels := make(map[string]interface{}, len(snapshot))
	for ch, msg := range snapshot {
		channels[string(ch)] = msg
	}

	response := map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"streaming": h.controller.IsStreaming(),
		"channels":  channels,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// handleStatus implements the /status endpoint by proxying the device
// system status
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status, err := h.controller.Status(r.Context())
	if err != nil {
		h.logger.Error("Failed to fetch device status", slog.String("error", err.Error()))
		http.Error(w, "Device unreachable", http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sanitizedConfig := map[string]interface{}{
		"device": map[string]interface{}{
			"address":         h.config.Device.Address,
			"udp_port":        h.config.Device.UDPPort,
			"rest_port":       h.config.Device.RESTPort,
			"video_scene":     h.config.Device.VideoScene,
			"connect_timeout": h.config.Device.ConnectTimeout,
		},
		"discovery": map[string]interface{}{
			"listen_port": h.config.Discovery.ListenPort,
			"timeout":     h.config.Discovery.Timeout,
		},
		"stream": map[string]interface{}{
			"keepalive_interval": h.config.Stream.KeepaliveInterval,
			"receive_timeout":    h.config.Stream.ReceiveTimeout,
			"buffer_size":        h.config.Stream.BufferSize,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(sanitizedConfig)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionStats := h.controller.SessionStats()
	merges, updates := h.controller.StoreStats()
	clientStats := h.controller.Device().GetStats()
	uptime := time.Since(h.startTime)

	stats := map[string]interface{}{
		"uptime":    uptime.String(),
		"timestamp": time.Now().UTC(),
		"streaming": h.controller.IsStreaming(),
		"session": map[string]interface{}{
			"keepalives_sent":    sessionStats.KeepalivesSent,
			"datagrams_received": sessionStats.DatagramsReceived,
			"parse_errors":       sessionStats.ParseErrors,
			"receive_timeouts":   sessionStats.ReceiveTimeouts,
		},
		"store": map[string]interface{}{
			"merges":  merges,
			"updates": updates,
		},
		"control_plane": map[string]interface{}{
			"total_requests":  clientStats.TotalRequests,
			"failed_requests": clientStats.FailedRequests,
		},
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Eye Tracker Controller",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"GET /":         "API documentation",
			"GET /health":   "Controller health check",
			"GET /snapshot": "Latest sample per data channel",
			"GET /status":   "Device system status (proxied)",
			"GET /config":   "Controller configuration",
			"GET /stats":    "Session and store statistics",
			"GET /metrics":  "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(apiDoc)
}
