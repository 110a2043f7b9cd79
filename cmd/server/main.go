package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/skypro1111/wake-audio-service/internal/config"
	"github.com/skypro1111/wake-audio-service/internal/metrics"
	"github.com/skypro1111/wake-audio-service/internal/server"
	"github.com/skypro1111/wake-audio-service/internal/session"
	"github.com/skypro1111/wake-audio-service/internal/transcription"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "wake-audio-service"
	serviceVersion    = "1.0.0"
	shutdownTimeout   = 10 * time.Second
)

func main() {
	configPath := pflag.StringP("config", "c", defaultConfigPath, "Path to configuration file")
	showVersion := pflag.Bool("version", false, "Print version and exit")
	pflag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", serviceName, serviceVersion)
		return
	}

	// An explicitly requested file must exist; the default path is optional
	var (
		cfg *config.Config
		err error
	)
	if pflag.CommandLine.Changed("config") {
		cfg, err = config.Load(*configPath)
	} else {
		cfg, err = config.LoadOrDefault(*configPath)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger := initLogger(cfg.Logging)

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	logger.Info("Configuration loaded",
		slog.Bool("tcp_enabled", cfg.TCP.Enabled),
		slog.String("tcp_address", cfg.TCP.Address()),
		slog.Bool("udp_enabled", cfg.UDP.Enabled),
		slog.String("udp_address", cfg.UDP.Address()),
		slog.String("save_dir", cfg.Recording.SaveDir),
		slog.Int("sample_rate", cfg.Recording.SampleRate),
		slog.Duration("silence_timeout", cfg.Recording.GetSilenceTimeoutDuration()),
		slog.Bool("transcription_enabled", cfg.Transcription.Enabled),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	// Finished recordings go to the transcription worker when it is enabled
	var (
		handoff session.Handoff
		tx      server.TranscriptionSources
	)
	if cfg.Transcription.Enabled {
		tx, err = newTranscription(cfg.Transcription, logger, appMetrics)
		if err != nil {
			logger.Error("Failed to create transcription worker", slog.String("error", err.Error()))
			os.Exit(1)
		}
		handoff = tx.Worker
	}

	listeners, err := newListeners(cfg, handoff, logger, appMetrics)
	if err != nil {
		logger.Error("Failed to create listeners", slog.String("error", err.Error()))
		os.Exit(1)
	}

	var httpServer *server.HTTPServer
	if cfg.HTTP.Enabled {
		httpServer = server.NewHTTPServer(cfg.HTTP, logger, cfg, listeners, tx, appMetrics, prometheus.DefaultGatherer)
	}

	if tx.Worker != nil {
		tx.Worker.Start()
	}

	for _, l := range listeners {
		if err := l.Start(); err != nil {
			logger.Error("Failed to start listener", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	if httpServer != nil {
		if err := httpServer.Start(); err != nil {
			logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...")

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	logger.Info("Starting graceful shutdown...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	// Listeners finalize their open recordings on Stop, so they stop
	// before the worker that receives those recordings.
	var g errgroup.Group
	if httpServer != nil {
		g.Go(func() error {
			if err := httpServer.Stop(ctx); err != nil {
				return fmt.Errorf("http server: %w", err)
			}
			return nil
		})
	}
	for _, l := range listeners {
		g.Go(l.Stop)
	}
	if err := g.Wait(); err != nil {
		logger.Error("Error during shutdown", slog.String("error", err.Error()))
	}

	if tx.Worker != nil {
		if err := tx.Worker.Stop(ctx); err != nil {
			logger.Warn("Transcription worker did not drain", slog.String("error", err.Error()))
		}
	}

	for _, l := range listeners {
		stats := l.Statistics()
		logger.Info("Final listener statistics",
			slog.String("transport", stats.Transport),
			slog.Uint64("bytes_received", stats.BytesReceived),
			slog.Uint64("frames_decoded", stats.FramesDecoded),
			slog.Uint64("sessions_closed", stats.Session.SessionsClosed),
			slog.Uint64("filler_frames", stats.Session.FillerFrames),
		)
	}

	logger.Info("Service stopped")
}

// newTranscription wires the HTTP transcriber, the worker and the sidecar writer
func newTranscription(cfg config.TranscriptionConfig, logger *slog.Logger, m *metrics.Metrics) (server.TranscriptionSources, error) {
	client, err := transcription.NewHTTPTranscriber(transcription.Config{
		Endpoint:   cfg.Endpoint,
		APIKey:     cfg.APIKey,
		Timeout:    cfg.GetTimeoutDuration(),
		MaxRetries: cfg.MaxRetries,
		Language:   cfg.Language,
		Model:      cfg.Model,
	}, m)
	if err != nil {
		return server.TranscriptionSources{}, err
	}

	var handler transcription.ResultHandler
	if cfg.WriteSidecar {
		handler = transcription.NewSidecarWriter(logger)
	}

	worker, err := transcription.NewWorker(client, handler, cfg.QueueCapacity, logger, m)
	if err != nil {
		return server.TranscriptionSources{}, err
	}

	logger.Info("Transcription enabled",
		slog.String("endpoint", cfg.Endpoint),
		slog.Int("queue_capacity", cfg.QueueCapacity),
		slog.Bool("write_sidecar", cfg.WriteSidecar),
	)

	return server.TranscriptionSources{Worker: worker, Client: client}, nil
}

// newListeners creates the enabled transports
func newListeners(cfg *config.Config, handoff session.Handoff, logger *slog.Logger, m *metrics.Metrics) ([]server.Listener, error) {
	var listeners []server.Listener

	if cfg.TCP.Enabled {
		tcp, err := server.NewTCPServer(server.TCPListenerConfig(cfg), handoff, logger, m)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, tcp)
	}

	if cfg.UDP.Enabled {
		udp, err := server.NewUDPServer(server.UDPListenerConfig(cfg), handoff, logger, m)
		if err != nil {
			return nil, err
		}
		listeners = append(listeners, udp)
	}

	return listeners, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Anything else is a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(output, opts)
	} else {
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
