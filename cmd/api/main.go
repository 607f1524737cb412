package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/config"
	"github.com/mpesa-checkout/internal/database"
	"github.com/mpesa-checkout/internal/handlers"
	"github.com/mpesa-checkout/internal/logger"
	"github.com/mpesa-checkout/internal/mpesa"
	"github.com/mpesa-checkout/internal/payment"
	"github.com/mpesa-checkout/internal/queue"
	"github.com/mpesa-checkout/internal/server"
	"github.com/mpesa-checkout/internal/store"
	"github.com/mpesa-checkout/internal/worker"
)

func main() {
	logger.New(os.Getenv("MPESA_LOG_LEVEL"), os.Getenv("MPESA_LOG_FORMAT"))
	log.Info().Msg("M-Pesa checkout service starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogSafeConfig()

	ctx := context.Background()

	// Initialize storage
	var st store.Store
	switch cfg.Store {
	case config.StoreMemory:
		log.Warn().Msg("Using in-memory store, payments are lost on restart")
		st = store.NewMemoryStore()
	default:
		db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer db.Close()

		if err := db.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("Failed to migrate database")
		}
		st = store.NewPostgresStore(db.Pool)
	}

	// Initialize gateway client
	tokenService := mpesa.NewTokenService(
		cfg.SafaricomConsumerKey,
		cfg.SafaricomConsumerSecret,
		cfg.AuthURL(),
		cfg.TokenTimeout,
	)
	gateway := mpesa.NewClient(cfg.ClientConfig(), tokenService)

	// Initialize payment service
	paymentService := payment.NewService(st, gateway, payment.Options{
		ActiveStatusQuery: cfg.StatusQueryEnabled,
	})

	// Callback dispatch: inline, or through Redis when configured
	var dispatcher worker.Dispatcher = worker.NewInlineDispatcher(paymentService)
	var asynqServer *asynq.Server

	if cfg.QueuedCallbacks() {
		q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize queue")
		}
		defer q.Close()

		dispatcher = worker.NewQueueDispatcher(q.Client)

		if cfg.EmbeddedWorker {
			worker.NewProcessor(paymentService).Register(q.Mux)
			asynqServer = q.NewServer()

			if err := asynqServer.Start(q.Mux); err != nil {
				log.Fatal().Err(err).Msg("Failed to start embedded worker")
			}
			log.Info().Msg("Embedded callback worker started")
		}
	}

	// Initialize HTTP server
	httpHandlers := handlers.NewHandler(paymentService, dispatcher, st)
	httpServer := server.NewServer(cfg, httpHandlers)

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- httpServer.Start()
	}()

	// Wait for interrupt signal or server failure
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")
	case err := <-serverErr:
		if err != nil {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	if asynqServer != nil {
		asynqServer.Shutdown()
	}

	log.Info().Msg("Shutdown complete")
}
