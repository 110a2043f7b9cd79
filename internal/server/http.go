package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/skypro1111/wake-audio-service/internal/config"
	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/transcription"
)

const (
	serviceName    = "wake-audio-service"
	serviceVersion = "1.0.0"
)

// TranscriptionSources exposes the transcription pipeline to the API.
// Both fields are nil when transcription is disabled.
type TranscriptionSources struct {
	Worker *transcription.Worker
	Client *transcription.HTTPTranscriber
}

// HTTPServer provides HTTP API endpoints for monitoring
type HTTPServer struct {
	server        *http.Server
	logger        *slog.Logger
	config        *config.Config
	listeners     []Listener
	transcription TranscriptionSources
	metrics       *metrics.Metrics
	gatherer      prometheus.Gatherer

	// Server state
	startTime time.Time
	mu        sync.Mutex
	listener  net.Listener
}

// NewHTTPServer creates a new HTTP API server. A nil gatherer serves the default registry.
func NewHTTPServer(cfg config.HTTPConfig, logger *slog.Logger, appConfig *config.Config,
	listeners []Listener, tx TranscriptionSources, m *metrics.Metrics, gatherer prometheus.Gatherer) *HTTPServer {

	if logger == nil {
		logger = slog.Default()
	}
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	h := &HTTPServer{
		logger:        logger,
		config:        appConfig,
		listeners:     listeners,
		transcription: tx,
		metrics:       m,
		gatherer:      gatherer,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         net.JoinHostPort(cfg.Address, fmt.Sprintf("%d", cfg.Port)),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/status", h.withMetrics("/status", h.handleStatus))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats/transcription", h.withMetrics("/stats/transcription", h.handleTranscriptionStats))

	// Prometheus metrics endpoint (not instrumented itself)
	mux.Handle("/metrics", promhttp.HandlerFor(h.gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// Handler returns the routed handler, mainly for tests
func (h *HTTPServer) Handler() http.Handler {
	return h.server.Handler
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		h.metrics.RecordHTTPRequest(r.Method, endpoint, fmt.Sprintf("%d", ww.statusCode), duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
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

// Start binds the API address and serves requests in the background
func (h *HTTPServer) Start() error {
	listener, err := net.Listen("tcp", h.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.server.Addr, err)
	}

	h.mu.Lock()
	h.listener = listener
	h.mu.Unlock()

	h.logger.Info("Starting HTTP API server", slog.String("address", listener.Addr().String()))

	go func() {
		if err := h.server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Addr returns the bound address, or nil before Start
func (h *HTTPServer) Addr() net.Addr {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.listener == nil {
		return nil
	}
	return h.listener.Addr()
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")
	return h.server.Shutdown(ctx)
}

// writeJSON encodes body as the JSON response
func (h *HTTPServer) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Warn("Failed to encode response", slog.String("error", err.Error()))
	}
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	status := "healthy"
	components := make(map[string]any, len(h.listeners)+1)
	for _, l := range h.listeners {
		stats := l.Statistics()
		state := "running"
		if !stats.Running {
			state = "stopped"
			status = "degraded"
		}
		components[stats.Transport] = map[string]any{
			"status":       state,
			"is_recording": stats.Session.Recording,
			"read_errors":  stats.ReadErrors,
		}
	}

	if worker := h.transcription.Worker; worker != nil {
		state := "running"
		if !worker.IsRunning() {
			state = "stopped"
			status = "degraded"
		}
		components["transcription"] = map[string]any{
			"status":     state,
			"queue_size": worker.QueueSize(),
		}
	}

	code := http.StatusOK
	if status != "healthy" {
		code = http.StatusServiceUnavailable
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]any{
		"status":    status,
		"timestamp": time.Now().UTC(),
		"uptime":    time.Since(h.startTime).String(),
		"service": map[string]any{
			"name":    serviceName,
			"version": serviceVersion,
		},
		"components": components,
	})
}

// handleStatus implements the /status endpoint
func (h *HTTPServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	recording := false
	listeners := make([]ListenerStatistics, 0, len(h.listeners))
	for _, l := range h.listeners {
		stats := l.Statistics()
		recording = recording || stats.Session.Recording
		listeners = append(listeners, stats)
	}

	h.writeJSON(w, map[string]any{
		"uptime":       time.Since(h.startTime).String(),
		"timestamp":    time.Now().UTC(),
		"is_recording": recording,
		"listeners":    listeners,
	})
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// The API key is never exposed
	sanitized := map[string]any{
		"tcp":       h.config.TCP,
		"udp":       h.config.UDP,
		"recording": h.config.Recording,
		"transcription": map[string]any{
			"enabled":        h.config.Transcription.Enabled,
			"endpoint":       h.config.Transcription.Endpoint,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"language":       h.config.Transcription.Language,
			"model":          h.config.Transcription.Model,
			"queue_capacity": h.config.Transcription.QueueCapacity,
			"write_sidecar":  h.config.Transcription.WriteSidecar,
			"api_key_set":    h.config.Transcription.APIKey != "",
		},
		"logging": h.config.Logging,
	}

	h.writeJSON(w, sanitized)
}

// handleTranscriptionStats implements the /stats/transcription endpoint
func (h *HTTPServer) handleTranscriptionStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	response := map[string]any{
		"enabled": h.transcription.Worker != nil,
	}
	if h.transcription.Worker != nil {
		response["worker"] = h.transcription.Worker.Stats()
	}
	if h.transcription.Client != nil {
		response["client"] = h.transcription.Client.GetStats()
	}

	h.writeJSON(w, response)
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

	h.writeJSON(w, map[string]any{
		"service": "Wake Audio Recording Service",
		"version": serviceVersion,
		"endpoints": map[string]string{
			"GET /":                    "API documentation",
			"GET /health":              "Service health check",
			"GET /status":              "Listener and recording status",
			"GET /config":              "Service configuration without secrets",
			"GET /stats/transcription": "Transcription statistics",
			"GET /metrics":             "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	})
}
