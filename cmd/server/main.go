package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/livescore-pipeline/internal/config"
	"github.com/livescore-pipeline/internal/handler"
	"github.com/livescore-pipeline/internal/ingest"
	"github.com/livescore-pipeline/internal/kafka"
	"github.com/livescore-pipeline/internal/ledger"
	"github.com/livescore-pipeline/internal/metrics"
	"github.com/livescore-pipeline/internal/postgres"
	"github.com/livescore-pipeline/internal/provider"
	"github.com/livescore-pipeline/internal/redis"
	"github.com/livescore-pipeline/internal/scoring"
	"github.com/livescore-pipeline/internal/service"
	"github.com/livescore-pipeline/internal/stream"
	"github.com/livescore-pipeline/internal/worker"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	flag.Parse()

	// Setup structured logging
	var level slog.LevelVar
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: &level,
	}))
	slog.SetDefault(logger)

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Warn("failed to load config file, using defaults", "error", err)
		cfg = config.DefaultConfig()
	}
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		logger.Warn("unknown log level, using info", "level", cfg.Log.Level)
	}

	location, err := time.LoadLocation(cfg.Budget.Timezone)
	if err != nil {
		logger.Error("invalid budget timezone", "timezone", cfg.Budget.Timezone, "error", err)
		os.Exit(1)
	}

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := metrics.NewManager()

	// Initialize Redis
	logger.Info("connecting to Redis", "addr", cfg.Redis.Addr)
	redisClient, err := redis.NewClient(ctx, &cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	defer redisClient.Close()
	logger.Info("connected to Redis")

	// Initialize PostgreSQL
	logger.Info("connecting to PostgreSQL", "host", cfg.Postgres.Host, "database", cfg.Postgres.Database)
	postgresRepo, err := postgres.NewRepository(&cfg.Postgres, logger)
	if err != nil {
		logger.Error("failed to connect to PostgreSQL", "error", err)
		os.Exit(1)
	}
	defer postgresRepo.Close()
	logger.Info("connected to PostgreSQL")

	// Run database migrations
	if err := postgresRepo.RunMigrations(ctx); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Rate budget ledger
	budget := ledger.New(
		redis.NewLedgerStore(redisClient, cfg.Redis.KeyPrefix, location, logger),
		ledger.Limits{
			DailyCap:   cfg.Budget.DailyCap,
			SourceCaps: map[ledger.Source]int{ledger.SourceFixtures: cfg.Budget.FixturesCap},
			Location:   location,
		},
		nil,
		logger,
	)

	providerClient := provider.NewClient(provider.ClientConfig{
		BaseURL:           cfg.Provider.BaseURL,
		APIKey:            cfg.Provider.APIKey,
		Timeout:           cfg.Provider.Timeout,
		MaxRetries:        cfg.Provider.MaxRetries,
		RequestsPerSecond: cfg.Provider.RequestsPerSecond,
		Metrics:           m,
		Logger:            logger,
	})

	scheme, err := scoring.NewScheme(cfg.Scoring.Scheme)
	if err != nil {
		logger.Error("invalid scoring scheme", "error", err)
		os.Exit(1)
	}
	scoringService := scoring.NewService(postgresRepo, scheme, cfg.Scoring.Workers, m, logger)
	applier := ingest.NewApplier(postgresRepo, nil, m, logger)
	liveService := service.NewLiveService(postgresRepo, logger)

	// Initialize stream hub
	hub := stream.NewHub(stream.HubConfig{
		PingInterval: cfg.Stream.PingInterval,
		SendBuffer:   cfg.Stream.SendBuffer,
		Metrics:      m,
		Logger:       logger,
	})
	go hub.Run()
	if err := liveService.SeedSnapshot(ctx, hub); err != nil {
		logger.Warn("failed to seed live snapshot", "error", err)
	}
	logger.Info("stream hub initialized")

	// Score updates are mirrored to Kafka when enabled
	var publisher worker.UpdatePublisher
	var kafkaPublisher *kafka.Publisher
	if cfg.Kafka.Enabled && cfg.Kafka.PublishScores {
		kafkaPublisher, err = kafka.NewPublisher(&cfg.Kafka, logger)
		if err != nil {
			logger.Warn("failed to create Kafka publisher, continuing without it", "error", err)
		} else {
			publisher = kafkaPublisher
		}
	}

	poller := worker.NewPoller(worker.PollerDeps{
		Budget:    budget,
		Source:    providerClient,
		Applier:   applier,
		Scorer:    scoringService,
		Fixtures:  postgresRepo,
		Notifier:  hub,
		Publisher: publisher,
		Metrics:   m,
		Logger:    logger,
	}, cfg.Polling.Interval, cfg.Polling.CycleTimeout)

	refresher := worker.NewScheduleRefresher(
		budget,
		providerClient,
		applier,
		scoringService,
		hub,
		nil,
		location,
		cfg.Polling.CycleTimeout,
		m,
		logger,
	)

	var supervisor *worker.Supervisor
	if cfg.Supervisor.Enabled {
		supervisor, err = worker.NewSupervisor(worker.SupervisorConfig{
			SmartStartSpec:  cfg.Supervisor.SmartStartCron,
			ScheduleSpec:    cfg.Supervisor.ScheduleCron,
			ScheduleEnabled: cfg.Supervisor.ScheduleEnabled,
			SweepSpec:       cfg.Supervisor.SweepCron,
			Location:        location,
		}, poller, refresher, scoringService, logger)
		if err != nil {
			logger.Error("failed to create supervisor", "error", err)
			os.Exit(1)
		}
		supervisor.Start()
	}

	// Initialize Kafka consumer for out-of-band scoring requests
	var kafkaConsumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		logger.Info("initializing Kafka consumer",
			"brokers", cfg.Kafka.Brokers,
			"topic", cfg.Kafka.ScoringTopic,
		)
		var err error
		kafkaConsumer, err = kafka.NewConsumer(&cfg.Kafka, scoringService, logger)
		if err != nil {
			logger.Warn("failed to create Kafka consumer, continuing without Kafka", "error", err)
		} else {
			if err := kafkaConsumer.Start(); err != nil {
				logger.Warn("failed to start Kafka consumer, continuing without Kafka", "error", err)
				kafkaConsumer = nil
			} else {
				logger.Info("Kafka consumer started successfully")
			}
		}
	}

	httpHandler := handler.NewHandler(handler.Deps{
		Poller:  poller,
		Budget:  budget,
		Scorer:  scoringService,
		Live:    liveService,
		Stream:  hub,
		Metrics: m.Handler(),
	}, logger)

	// Create HTTP server
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Info("starting HTTP server", "port", cfg.Server.Port)
		logger.Info("stream endpoints available at /api/live/stream and /ws")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	// Create shutdown context with timeout
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// Stop scheduling before the poller so no job restarts it
	if supervisor != nil {
		supervisor.Stop()
	}
	poller.Close()

	// Stop Kafka consumer
	if kafkaConsumer != nil {
		if err := kafkaConsumer.Stop(); err != nil {
			logger.Error("failed to stop Kafka consumer", "error", err)
		}
	}
	if kafkaPublisher != nil {
		if err := kafkaPublisher.Close(); err != nil {
			logger.Error("failed to close Kafka publisher", "error", err)
		}
	}

	// Closing the hub ends every open stream so Shutdown does not wait on them
	hub.Stop()

	// Shutdown HTTP server
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shutdown server", "error", err)
	}

	logger.Info("server stopped")
}
