package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/i474232898/transit-weather-relay/internal/config"
	"github.com/i474232898/transit-weather-relay/internal/logging"
	"github.com/i474232898/transit-weather-relay/internal/metrics"
	"github.com/i474232898/transit-weather-relay/internal/publisher"
	"github.com/i474232898/transit-weather-relay/internal/relay"
	"github.com/i474232898/transit-weather-relay/internal/retry"
	"github.com/i474232898/transit-weather-relay/internal/transit/emt"
	"github.com/i474232898/transit-weather-relay/internal/weather"
	"github.com/i474232898/transit-weather-relay/internal/weather/providers"
)

const appName = "transit-weather-relay"

// Default version is "dev" if not set with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg, version, appName)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Warn("run interrupted")
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AppConfig, logger *slog.Logger) error {
	collector := metrics.NewCollector()
	defer writeMetrics(cfg, collector, logger)

	// Shared HTTP client for outbound provider calls.
	httpClient := &http.Client{
		Timeout: cfg.HTTPTimeout,
	}

	policy := retry.Policy{
		MaxAttempts:   cfg.RetryMaxAttempts,
		Base:          cfg.RetryBackoffBase,
		Logger:        logger,
		OnRateLimited: collector.ObserveRateLimited,
	}

	// A missing AEMET key only degrades weather to PENDING.
	var provider weather.Provider
	aemet, providerErr := providers.NewAEMETProvider(httpClient, cfg.AEMETAPIKey, cfg.AEMETStationID, cfg.AEMETBaseURL, logger)
	if providerErr == nil {
		provider = aemet
	}
	weatherSvc := weather.NewService(provider, providerErr, policy, logger.With("component", "weather"))

	// Missing EMT credentials are fatal.
	transitClient, err := emt.NewClient(httpClient, emt.Config{
		ClientID:         cfg.EMTClientID,
		Password:         cfg.EMTPassword,
		LoginURL:         cfg.EMTLoginURL,
		BaseURL:          cfg.EMTBaseURL,
		BreakerThreshold: uint32(max(cfg.EMTBreakerThreshold, 0)),
	}, policy, logger.With("component", "transit"))
	if err != nil {
		logger.Error("transit client configuration", "error", err)
		return err
	}

	pub := publisher.New(newTransport(cfg, logger), publisher.Options{
		MaxRetries:    cfg.PublishMaxRetries,
		RetryInterval: cfg.PublishRetryInterval,
		Logger:        logger.With("component", "publisher"),
		Metrics:       collector,
	})

	svc := relay.NewService(relay.Options{
		Weather:        weatherSvc,
		Transit:        transitClient,
		Publisher:      pub,
		Stops:          cfg.EMTStops,
		PublishRetries: cfg.PublishMaxRetries,
		Metrics:        collector,
		Logger:         logger,
	})

	_, err = svc.Run(ctx)
	return err
}

func newTransport(cfg *config.AppConfig, logger *slog.Logger) publisher.Transport {
	if cfg.QueueBackend == config.BackendNATS {
		return publisher.NewNATSTransport(cfg.NATSURL, cfg.NATSStream, cfg.NATSSubject, logger)
	}
	return publisher.NewAMQPTransport(cfg.RabbitMQURL, cfg.RabbitMQQueue)
}

func writeMetrics(cfg *config.AppConfig, c *metrics.Collector, logger *slog.Logger) {
	if cfg.MetricsTextfile == "" {
		return
	}
	if err := c.WriteTextfile(cfg.MetricsTextfile); err != nil {
		logger.Error("failed to write metrics textfile", "path", cfg.MetricsTextfile, "error", err)
	}
}
