package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/pos-pricing/internal/config"
	"github.com/noah-isme/pos-pricing/internal/notify"
	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/queue"
	"github.com/noah-isme/pos-pricing/internal/resilience"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("component", "worker").Logger()

	if cfg.RedisURL == "" {
		logger.Fatal().Msg("REDIS_URL is required for the worker")
	}
	endpoints, err := notify.ParseEndpoints(cfg.WebhookEndpoints)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse WEBHOOK_ENDPOINTS")
	}
	if len(endpoints) == 0 {
		logger.Warn().Msg("no webhook endpoints configured; queued deliveries will be dropped")
	}

	if cfg.TracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pos-pricing-worker",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
		} else {
			defer func() {
				if err := shutdown(context.Background()); err != nil {
					logger.Error().Err(err).Msg("shutdown tracer")
				}
			}()
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	redisClient := mustInitRedis(ctx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	dispatcher := &notify.Dispatcher{
		HTTP: &resilience.HTTPClient{
			Client: &http.Client{
				Timeout:   cfg.WebhookTimeout,
				Transport: otelhttp.NewTransport(http.DefaultTransport),
			},
			Breaker: resilience.NewBreaker(cfg.BreakerFailures, 0.5, cfg.BreakerCooldown).
				WithTarget("webhook").
				WithLogger(logger),
			// The queue owns retries; one attempt per task run.
			MaxAttempts: 1,
			Timeout:     cfg.WebhookTimeout,
		},
		Replay:    notify.RedisReplayProtector{Client: redisClient},
		ReplayTTL: cfg.WebhookReplayTTL,
	}

	worker := &queue.Worker{
		RedisURL:    cfg.RedisURL,
		Concurrency: cfg.QueueConcurrency,
		RetryBase:   cfg.QueueRetryBase,
		RetryJitter: 0.2,
		Logger:      logger,
	}
	worker.Handle(notify.TaskWebhookDelivery, notify.DeliveryHandler(dispatcher, endpoints))

	logger.Info().Int("endpoints", len(endpoints)).Msg("worker starting")
	if err := worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("worker stopped with error")
	} else {
		logger.Info().Msg("worker shutdown complete")
	}
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}
