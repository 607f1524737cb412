package main

import (
	"context"
	"os"

	"github.com/rs/zerolog/log"

	"github.com/mpesa-checkout/internal/config"
	"github.com/mpesa-checkout/internal/database"
	"github.com/mpesa-checkout/internal/logger"
	"github.com/mpesa-checkout/internal/mpesa"
	"github.com/mpesa-checkout/internal/payment"
	"github.com/mpesa-checkout/internal/queue"
	"github.com/mpesa-checkout/internal/store"
	"github.com/mpesa-checkout/internal/worker"
)

func main() {
	logger.New(os.Getenv("MPESA_LOG_LEVEL"), os.Getenv("MPESA_LOG_FORMAT"))
	log.Info().Msg("M-Pesa checkout callback worker starting...")

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if err := cfg.ValidateWorker(); err != nil {
		log.Fatal().Err(err).Msg("Invalid worker configuration")
	}
	logger.New(cfg.LogLevel, cfg.LogFormat)
	cfg.LogSafeConfig()

	ctx := context.Background()

	// Initialize database
	db, err := database.NewDatabase(ctx, cfg.DatabaseURL, cfg.DBMinConns, cfg.DBMaxConns)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to migrate database")
	}

	// Callbacks never query the gateway, but the service wants a full client
	tokenService := mpesa.NewTokenService(cfg.SafaricomConsumerKey, cfg.SafaricomConsumerSecret, cfg.AuthURL(), cfg.TokenTimeout)
	paymentService := payment.NewService(
		store.NewPostgresStore(db.Pool),
		mpesa.NewClient(cfg.ClientConfig(), tokenService),
		payment.Options{},
	)

	// Initialize queue
	q, err := queue.NewQueue(cfg.RedisURL, cfg.WorkerConcurrency)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize queue")
	}
	defer q.Close()

	worker.NewProcessor(paymentService).Register(q.Mux)

	// Run blocks until SIGINT/SIGTERM, then drains in-flight tasks
	log.Info().Msg("Worker started, processing tasks...")
	if err := q.NewServer().Run(q.Mux); err != nil {
		log.Error().Err(err).Msg("Worker failed")
		return
	}

	log.Info().Msg("Worker shutdown complete")
}
