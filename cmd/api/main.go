package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/pos-pricing/internal/common"
	"github.com/noah-isme/pos-pricing/internal/config"
	"github.com/noah-isme/pos-pricing/internal/events"
	"github.com/noah-isme/pos-pricing/internal/fx"
	"github.com/noah-isme/pos-pricing/internal/health"
	"github.com/noah-isme/pos-pricing/internal/ledger"
	"github.com/noah-isme/pos-pricing/internal/lock"
	"github.com/noah-isme/pos-pricing/internal/notify"
	"github.com/noah-isme/pos-pricing/internal/obs"
	"github.com/noah-isme/pos-pricing/internal/prices"
	"github.com/noah-isme/pos-pricing/internal/pricing"
	"github.com/noah-isme/pos-pricing/internal/queue"
	"github.com/noah-isme/pos-pricing/internal/ratelimit"
	"github.com/noah-isme/pos-pricing/internal/resilience"
	"github.com/noah-isme/pos-pricing/internal/security"
	"github.com/noah-isme/pos-pricing/internal/snapshot"
	"github.com/noah-isme/pos-pricing/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel).With().Str("env", cfg.AppEnv).Logger()

	if cfg.MetricsEnabled {
		obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)
	}

	tracingEnabled := cfg.TracingEnabled
	if tracingEnabled {
		shutdown, err := obs.InitTracer(context.Background(), obs.TracingConfig{
			ServiceName:   "pos-pricing",
			Endpoint:      cfg.OTLPEndpoint,
			Exporter:      cfg.TracingExporter,
			SamplingRatio: cfg.TracingSampling,
			Environment:   cfg.AppEnv,
		})
		if err != nil {
			logger.Error().Err(err).Msg("initialise tracing")
			tracingEnabled = false
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

	startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	backend, closeBackend, err := store.Open(startCtx, cfg.DatabaseURL, cfg.DatabaseMigrate)
	if err != nil {
		logger.Fatal().Err(err).Msg("open store")
	}
	defer closeBackend()
	logger.Info().Str("store", store.Kind(cfg.DatabaseURL)).Msg("store ready")

	redisClient := openRedis(startCtx, cfg, logger)
	if redisClient != nil {
		defer func() {
			if err := redisClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close redis")
			}
		}()
	}

	cache := snapshot.NewCache(redisClient, backend, cfg.SnapshotCacheTTL, &logger)

	bus := &events.Bus{
		Store:     backend,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger}},
	}
	if cfg.WebhookEndpoints != "" {
		endpoints, err := notify.ParseEndpoints(cfg.WebhookEndpoints)
		if err != nil {
			logger.Fatal().Err(err).Msg("parse WEBHOOK_ENDPOINTS")
		}
		taskClient, err := queue.NewClient(cfg.RedisURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("initialise task queue")
		}
		defer func() {
			if err := taskClient.Close(); err != nil {
				logger.Error().Err(err).Msg("close task queue")
			}
		}()
		bus.Notifiers = append(bus.Notifiers, notify.QueueNotifier{
			Queue:       taskClient,
			Endpoints:   endpoints,
			MaxAttempts: cfg.WebhookMaxAttempts,
		})
		logger.Info().Int("endpoints", len(endpoints)).Msg("webhook fan-out enabled")
	}

	edits := &ledger.Ledger{
		Store:      backend,
		LockTTL:    cfg.LockTTL,
		MaxRetries: cfg.LedgerMaxRetries,
		Events:     bus,
		Cache:      cache,
		Logger:     &logger,
	}
	if redisClient != nil {
		edits.Locker = lock.Locker{
			Client:       redisClient,
			RetryBackoff: cfg.LockRetryBackoff,
			MaxWait:      cfg.LockMaxWait,
		}
	}

	rates, err := fx.ParseRates(cfg.FXRates)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse FX_RATES")
	}
	fxTable := fx.NewTable(rates)
	if cfg.FXEndpoint != "" {
		breaker := resilience.NewBreaker(cfg.BreakerFailures, 0.5, cfg.BreakerCooldown).
			WithTarget("fx").
			WithLogger(logger)
		refresher := &fx.Refresher{
			Client:   fx.NewHTTPClient(cfg.FXTimeout, cfg.FXMaxAttempts, cfg.FXBaseBackoff, breaker),
			Endpoint: cfg.FXEndpoint,
			Table:    fxTable,
			Interval: cfg.FXRefreshInterval,
			Logger:   logger.With().Str("component", "fx").Logger(),
		}
		go refresher.Run(ctx)
	}

	priceSvc, err := prices.NewService(prices.ServiceConfig{
		Source:   cache,
		Resolver: pricing.Resolver{BaseCurrency: cfg.BaseCurrency, Converter: fxTable},
		Location: cfg.StoreTZ,
		Logger:   &logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise pricing service")
	}
	priceHandler := &prices.Handler{Svc: priceSvc}
	tariffHandler := &ledger.Handler{Ledger: edits, Catalog: backend, History: backend}

	limiterStore, err := ratelimit.NewStore(redisClient, "pricing:rl")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter")
	}
	resolveLimit := ratelimit.Handler{
		Limiter: ratelimit.NewFixed(limiterStore, cfg.ResolveRatePerMin, time.Minute),
		OnError: func(err error) { logger.Warn().Err(err).Msg("rate limiter unavailable") },
	}
	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	var httpMetrics *obs.HTTPMetrics
	if cfg.MetricsEnabled {
		httpMetrics = obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBuckets), nil)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(obs.RoutePatternMiddleware)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	if httpMetrics != nil {
		r.Use(obs.HTTPObs{Metrics: httpMetrics}.Middleware)
	}
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{Enable: true, EnableHSTS: cfg.AppEnv == "production", HSTSMaxAge: 31536000}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type", obs.StoreHeader, common.IdempotencyHeader},
		MaxAge:         300,
	}))

	if cfg.MetricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	healthHandler := health.Handler{Probes: map[string]health.Probe{"store": backend.Ping}, Timeout: cfg.HealthDBTimeout}
	if redisClient != nil {
		healthHandler.Probes["redis"] = func(ctx context.Context) error {
			ctx, cancel := context.WithTimeout(ctx, cfg.HealthRedisTimeout)
			defer cancel()
			return redisClient.Ping(ctx).Err()
		}
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Use(security.BodyLimit{Max: cfg.BodyLimitBytes}.Middleware)

		v.With(resolveLimit.Middleware).Post("/prices/resolve", priceHandler.Resolve)

		v.Route("/tariffs", func(t chi.Router) {
			t.Get("/", tariffHandler.List)
			t.Get("/{id}", tariffHandler.Get)
			t.Get("/{id}/history", tariffHandler.ListHistory)
			t.Put("/{id}/overrides/{productId}", tariffHandler.SetOverride)
			t.Delete("/{id}/overrides/{productId}", tariffHandler.ClearOverride)
			t.With(idem.Middleware).Post("/{id}/bulk-adjust", tariffHandler.BulkAdjust)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("server shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

// openRedis returns nil when REDIS_URL is unset; caching, the edit lock and
// idempotency keys are then disabled.
func openRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	if cfg.RedisURL == "" {
		logger.Info().Msg("redis disabled")
		return nil
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	client := redis.NewClient(opts)
	if err := redisotel.InstrumentTracing(client); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if cfg.MetricsEnabled {
		if err := redisotel.InstrumentMetrics(client); err != nil {
			logger.Error().Err(err).Msg("instrument redis metrics")
		}
	}
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return client
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}
