package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"perp-sync/internal/config"
	"perp-sync/internal/engine"
	"perp-sync/internal/indexer"
	"perp-sync/internal/metrics"
	"perp-sync/internal/publisher"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	// Setup logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load(config.Path())
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	setupLogging(cfg)

	instanceID := uuid.NewString()
	log.Info().
		Str("instance", instanceID).
		Str("ws", cfg.Indexer.WSURL).
		Str("rest", cfg.Indexer.RestURL).
		Str("redis", cfg.RedisAddr()).
		Str("metrics", cfg.MetricsAddr()).
		Str("address", cfg.Account.Address).
		Int("parent", cfg.Account.ParentSubaccount).
		Strs("markets", cfg.Markets).
		Msg("Starting perpetual account sync service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pubOpts := publisher.DefaultOptions()
	pubOpts.Source = instanceID
	pubOpts.AccountTTL = cfg.Redis.AccountTTL
	pubOpts.MarketsTTL = cfg.Redis.MarketsTTL
	pubOpts.OrderbookInterval = cfg.Redis.OrderbookInterval
	pubOpts.StreamMaxLen = cfg.Redis.StreamMaxLen
	pubOpts.BookDepth = cfg.Redis.BookDepth

	pub, err := publisher.NewRedisPublisher(ctx, cfg.RedisAddr(), pubOpts)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create Redis publisher")
	}
	defer pub.Close()

	eng := engine.New(engine.Options{
		Config:     cfg,
		API:        indexer.NewRestClient(cfg.Indexer.RestURL, cfg.Indexer.RestTimeout),
		Publisher:  pub,
		InstanceID: instanceID,
	})

	// Start metrics server
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), eng.Healthy)
	go func() {
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Metrics server error")
		}
	}()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	log.Info().Msg("Shutting down...")
	eng.Stop()

	if err := metricsServer.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping metrics server")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Log.Level).Msg("Unknown log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Log.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
}
