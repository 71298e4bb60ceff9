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

	"github.com/shopvoice/voice-relay/internal/audio"
	"github.com/shopvoice/voice-relay/internal/config"
	"github.com/shopvoice/voice-relay/internal/metrics"
	"github.com/shopvoice/voice-relay/internal/prediction"
	"github.com/shopvoice/voice-relay/internal/push"
	"github.com/shopvoice/voice-relay/internal/router"
	"github.com/shopvoice/voice-relay/internal/server"
	"github.com/shopvoice/voice-relay/internal/session"
	"github.com/shopvoice/voice-relay/internal/socket"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "voice-relay"
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

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("port", cfg.Server.Port),
		slog.String("bind_address", cfg.Server.BindAddress),
		slog.Int("flush_threshold", cfg.Audio.FlushThreshold),
		slog.Duration("heartbeat_interval", cfg.Stream.GetHeartbeatInterval()),
		slog.Duration("idle_timeout", cfg.Stream.GetIdleTimeout()),
		slog.String("prediction_endpoint", cfg.Prediction.Endpoint),
		slog.Int("max_poll_attempts", cfg.Prediction.MaxPollAttempts),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for the background routines
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Initialize session registry and audio buffers
	sessions := session.NewRegistry(logger)
	buffers := audio.NewManager()

	// Initialize the delivery channels
	streams := push.NewRegistry(sessions, logger, appMetrics, cfg.Stream.GetHeartbeatInterval())
	sockets := socket.NewRegistry(sessions, logger, cfg.Stream.SocketSendBuffer)
	results := router.NewRouter(sessions, streams, sockets, logger, appMetrics)

	// Initialize the prediction client. Missing credentials degrade
	// dispatch to the fallback response unless strict mode is on.
	var client *prediction.Client
	if cfg.Prediction.HasCredentials() {
		client, err = prediction.NewClient(prediction.ClientConfig{
			Endpoint:      cfg.Prediction.Endpoint,
			APIToken:      cfg.Prediction.APIToken,
			ModelVersion:  cfg.Prediction.ModelVersion,
			SubmitTimeout: cfg.Prediction.GetSubmitTimeout(),
			MaxConcurrent: cfg.Prediction.MaxConcurrent,
		})
		if err != nil {
			logger.Error("Failed to create prediction client", slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Prediction client initialized",
			slog.String("endpoint", cfg.Prediction.Endpoint),
		)
	} else {
		if cfg.Prediction.Strict {
			logger.Error("Prediction credentials missing and strict mode is enabled")
			os.Exit(1)
		}
		logger.Warn("Prediction credentials missing, running in degraded mode")
	}

	dispatcher := prediction.NewDispatcher(client, logger, appMetrics,
		sessions.ChannelsActive, results.Deliver,
		cfg.Prediction.GetPollInterval(), cfg.Prediction.MaxPollAttempts)

	// Initialize the idle-session sweeper. Expiry reclaims the audio
	// buffer and tears down whatever channels the session still holds.
	sweeper := session.NewSweeper(sessions, logger,
		cfg.Stream.GetSweepInterval(), cfg.Stream.GetIdleTimeout(),
		func(sess session.Session) {
			if sess.ParticipantID != "" {
				buffers.Clear(sess.ParticipantID)
				sockets.Close(sess.ParticipantID, push.ReasonSessionExpired)
			}
			streams.Close(sess.ID, push.ReasonSessionExpired)
			appMetrics.RecordSessionExpired()
			appMetrics.SetActiveSessions(sessions.Count())
		})
	sweeper.Start(ctx)
	logger.Info("Session sweeper started",
		slog.Duration("interval", cfg.Stream.GetSweepInterval()),
		slog.Duration("idle_timeout", cfg.Stream.GetIdleTimeout()),
	)

	// Initialize and start the HTTP server
	var predStats func() prediction.ClientStats
	if client != nil {
		predStats = client.GetStats
	}
	httpServer := server.NewServer(cfg, logger, appMetrics,
		sessions, buffers, streams, sockets, results, dispatcher, predStats)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)),
	)

	sig := <-sigChan
	logger.Info("Received shutdown signal", slog.String("signal", sig.String()))

	logger.Info("Starting graceful shutdown...")

	// Stop the HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the sweeper and tear down live connections
	sweeper.Stop()
	streams.CloseAll(push.ReasonShutdown)
	sockets.CloseAll(push.ReasonShutdown)

	// Final statistics
	stats := sessions.GetStats()
	logger.Info("Final session statistics",
		slog.Int("live", stats.Live),
		slog.Uint64("created", stats.Created),
		slog.Uint64("expired", stats.Expired),
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
		AddSource: level == slog.LevelDebug,
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
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
