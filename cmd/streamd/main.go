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

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"streamadapt/internal/core/ports"
	"streamadapt/internal/core/services"
	httphandlers "streamadapt/internal/handlers/http"
	"streamadapt/internal/infrastructure/distributed"
	"streamadapt/internal/infrastructure/events"
	"streamadapt/internal/infrastructure/feed"
	"streamadapt/internal/infrastructure/fetcher"
	"streamadapt/internal/infrastructure/middleware"
	"streamadapt/internal/infrastructure/monitoring"
	"streamadapt/internal/infrastructure/repositories"
	"streamadapt/pkg/config"
	"streamadapt/pkg/logger"
	"streamadapt/pkg/tracing"
)

const defaultConfigPath = "configs/config.yaml"

func main() {
	configPath := os.Getenv("STREAMADAPT_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	zapLogger, err := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer zapLogger.Sync()

	if err := run(cfg, zapLogger); err != nil {
		zapLogger.Sugar().Errorw("streamd exited with error", "error", err)
		zapLogger.Sync()
		os.Exit(1)
	}
}

func run(cfg *config.Config, zapLogger *zap.Logger) error {
	log := zapLogger.Sugar()

	instanceID := cfg.Server.InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
	}
	log = log.With("instance_id", instanceID)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Tracing
	tp, err := tracing.Init(tracing.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		JaegerURL:   cfg.Tracing.JaegerEndpoint,
		Environment: tracing.DefaultConfig().Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}

	// Storage
	repoFactory := repositories.NewRepositoryFactory(cfg, log.Named("repositories"))
	history := services.NewCachedHistoryRepository(
		repoFactory.CreateSessionHistoryRepository(),
		cfg.Streaming.HistoryCacheTTL,
	)

	// Events: local broker, mirrored through Redis when available
	broker := events.NewBroker(log.Named("events"))
	var publisher ports.EventPublisher = broker
	var bus *distributed.EventBus
	if client := repoFactory.Client(); client != nil {
		bus = distributed.NewEventBus(client, instanceID, distributed.EventBusOptions{
			Channel:       cfg.Redis.EventChannel,
			BatchSize:     cfg.Events.BatchSize,
			BatchInterval: cfg.Events.BatchInterval,
		}, log.Named("event_bus"))
		publisher = events.FanOut{broker, bus}

		go func() {
			if err := bus.Relay(ctx, broker); err != nil && !errors.Is(err, context.Canceled) {
				log.Warnw("event relay stopped", "error", err)
			}
		}()
	}

	collector := monitoring.NewPrometheusCollector()

	deps := services.ServiceDeps{
		Publisher: publisher,
		History:   history,
		Recorder:  collector,
		Logger:    log.Named("streaming"),
	}
	if cfg.Fetcher.Enabled {
		segmentFetcher, err := fetcher.NewHTTPFetcher(cfg.Fetcher.BaseURL, cfg.Fetcher.Timeout, log.Named("fetcher"))
		if err != nil {
			return err
		}
		deps.Fetcher = segmentFetcher
	}

	streaming, err := services.NewStreamingService(serviceConfig(cfg), deps)
	if err != nil {
		return fmt.Errorf("create streaming service: %w", err)
	}

	// Health
	checker := monitoring.NewHealthChecker()
	if client := repoFactory.Client(); client != nil {
		checker.AddRedisCheck(client, cfg.Monitoring.MetricsInterval, 2*time.Second)
	}
	checker.AddHistoryCheck(history, cfg.Monitoring.MetricsInterval, 2*time.Second)
	checker.StartBackgroundChecks(ctx)

	// HTTP
	if cfg.Logging.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(
		middleware.RecoveryMiddleware(log),
		middleware.RequestLoggingMiddleware(zapLogger),
	)
	if cfg.Tracing.Enabled {
		router.Use(middleware.TracingMiddleware())
	}
	router.Use(
		middleware.ErrorHandlerMiddleware(log),
		middleware.NewHTTPRateLimitMiddleware(cfg),
	)

	var metricsHandler http.Handler
	if cfg.Monitoring.PrometheusEnabled {
		metricsHandler = collector.Handler()
	}
	httphandlers.NewHealthHandler(checker, metricsHandler).SetupRoutes(router)
	httphandlers.NewSessionHandler(streaming).SetupRoutes(router)

	wsServer := feed.NewWebSocketServer(broker, middleware.NewWebSocketLimiter(cfg), feed.OptionsFromConfig(cfg), log.Named("feed"))
	router.GET("/ws/events", gin.WrapF(wsServer.HandleWebSocket))

	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 2)
	go func() {
		log.Infow("starting streamd", "address", cfg.Server.Address)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var metricsSrv *http.Server
	if cfg.Monitoring.PrometheusEnabled && cfg.Monitoring.PrometheusPort > 0 {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		metricsSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Monitoring.PrometheusPort),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Infow("serving metrics", "address", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serverErr <- fmt.Errorf("metrics server: %w", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	var runErr error
	select {
	case runErr = <-serverErr:
		log.Errorw("server failed", "error", runErr)
	case sig := <-sigChan:
		log.Infow("received shutdown signal", "signal", sig)
	}

	log.Info("shutting down streamd")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error during server shutdown", "error", err)
		_ = srv.Close()
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	if err := wsServer.Shutdown(shutdownCtx); err != nil {
		log.Warnw("event feed did not drain", "error", err)
	}

	// archive the remaining sessions while storage is still up
	if err := streaming.Shutdown(shutdownCtx); err != nil {
		log.Errorw("error stopping streaming service", "error", err)
	}

	cancel()
	if bus != nil {
		_ = bus.Close()
	}
	broker.Close()
	history.Close()

	if err := tp.Shutdown(shutdownCtx); err != nil {
		log.Warnw("error flushing traces", "error", err)
	}
	if err := repoFactory.Close(); err != nil {
		log.Errorw("error closing repositories", "error", err)
	}

	log.Info("streamd stopped")
	return runErr
}
