package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/voice-transcriber/internal/config"
	"github.com/lexiqai/voice-transcriber/internal/fetcher"
	"github.com/lexiqai/voice-transcriber/internal/messaging"
	"github.com/lexiqai/voice-transcriber/internal/observability"
	"github.com/lexiqai/voice-transcriber/internal/pipeline"
	"github.com/lexiqai/voice-transcriber/internal/resilience"
	"github.com/lexiqai/voice-transcriber/internal/runfeed"
	"github.com/lexiqai/voice-transcriber/internal/transcription"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("assemblyai_url", cfg.AssemblyAIBaseURL).
		Str("staging_mode", cfg.StagingMode).
		Int("max_concurrent_runs", cfg.MaxConcurrentRuns).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Transcriber Service starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Connect to Telegram, retrying while the Bot API is unreachable
	var bot *messaging.Telegram
	reconnectCfg := &resilience.ReconnectConfig{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
		Multiplier:  2.0,
		MaxBackoff:  30 * time.Second,
	}
	err = resilience.Reconnect(ctx, func() error {
		var err error
		bot, err = messaging.NewTelegram(cfg, logger)
		return err
	}, reconnectCfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to connect to Telegram")
	}

	stt := transcription.NewAssemblyAIClient(cfg, logger)
	attachments := fetcher.NewFetcher(cfg, bot, logger)

	var opts []pipeline.Option
	var hub *runfeed.Hub
	if cfg.RunFeedEnabled {
		hub = runfeed.NewHub(logger)
		opts = append(opts, pipeline.WithPublisher(hub))
	}

	orch := pipeline.NewOrchestrator(bot, attachments, stt, pipeline.MessagesFromConfig(cfg), logger, opts...)
	dispatcher := messaging.NewDispatcher(bot, orch, cfg.MaxConcurrentRuns, logger)

	// Operator HTTP server
	mux := http.NewServeMux()

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness endpoint
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.HealthCheckFunc{
		"telegram":   bot.HealthCheck,
		"assemblyai": stt.HealthCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Run lifecycle feed
	if hub != nil {
		mux.HandleFunc("/runs/stream", hub.Handler())
		logger.Info().Msg("Run feed enabled at /runs/stream")
	}

	// Create HTTP server with timeouts
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().Str("port", cfg.Port).Msg("Operator server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Consume updates until a signal arrives or the update stream ends
	logger.Info().Str("bot", bot.BotName()).Msg("Listening for voice messages")
	if err := dispatcher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("Dispatcher stopped unexpectedly")
	}

	logger.Info().Msg("Shutting down...")

	// Let in-flight runs finish, then cancel what remains
	runsCtx, cancelRuns := context.WithTimeout(context.Background(), cfg.ShutdownTimeoutDuration())
	defer cancelRuns()
	if err := dispatcher.Shutdown(runsCtx); err != nil {
		logger.Warn().Err(err).Msg("In-flight runs cancelled at shutdown")
	}

	if hub != nil {
		logger.Info().Int("subscribers", hub.ClientCount()).Msg("Closing run feed")
		hub.Close()
	}

	serverCtx, cancelServer := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelServer()
	if err := server.Shutdown(serverCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	logger.Info().Msg("Server exited gracefully")
}
