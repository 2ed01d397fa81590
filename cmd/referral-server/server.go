package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/referral/internal/config"
	"github.com/ehr/referral/internal/domain/referral"
	"github.com/ehr/referral/internal/domain/referral/metrics"
	"github.com/ehr/referral/internal/platform/auth"
	"github.com/ehr/referral/internal/platform/db"
	"github.com/ehr/referral/internal/platform/events"
	"github.com/ehr/referral/internal/platform/middleware"
	"github.com/ehr/referral/internal/platform/telemetry"
)

const auditChannel = "referral.audit"

func newLogger(cfg *config.Config) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if cfg.IsDev() {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return logger.Level(cfg.ZerologLevel())
}

// deps are the collaborators newServer wires into the HTTP surface.
type deps struct {
	cfg       *config.Config
	logger    zerolog.Logger
	store     *store
	publisher events.Publisher
	registry  prometheus.Registerer
	gatherer  prometheus.Gatherer
}

func newServer(d deps) *echo.Echo {
	cfg, logger := d.cfg, d.logger

	svc := referral.NewService(d.store.repo, nil)
	svc.SetLogger(logger.With().Str("component", "referral").Logger())
	svc.SetMetrics(metrics.New(d.registry))
	if d.publisher != nil {
		svc.SetPublisher(d.publisher, cfg.EventsChannel)
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(telemetry.TracingMiddleware(telemetry.WithSkipPaths("/health", "/metrics")))
	e.Use(middleware.Logger(logger))
	var secOpts []middleware.SecurityOption
	if cfg.IsDev() {
		secOpts = append(secOpts, middleware.WithoutHSTS())
	}
	e.Use(middleware.SecurityHeaders(secOpts...))
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins: cfg.CORSOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost},
		AllowHeaders: []string{"Authorization", "Content-Type", middleware.RequestIDHeader, "X-Tenant-ID"},
	}))

	// Unauthenticated health and metrics
	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})
	e.GET("/health/db", db.HealthHandler(d.store.driver, d.store.health))
	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.gatherer, promhttp.HandlerOpts{})))

	var authMW echo.MiddlewareFunc
	if cfg.IsDev() {
		logger.Warn().Msg("development auth active: every request is treated as admin")
		authMW = auth.DevAuthMiddleware(cfg.DefaultTenant)
	} else {
		authMW = auth.JWTMiddleware(auth.JWTConfig{
			Issuer:     cfg.AuthIssuer,
			Audience:   cfg.AuthAudience,
			JWKSURL:    cfg.AuthJWKSURL,
			SigningKey: []byte(cfg.AuthSigningKey),
		})
	}

	rateLimitCfg := middleware.RateLimitConfig{
		RequestsPerSecond: cfg.RateLimitRPS,
		BurstSize:         cfg.RateLimitBurst,
		IdleTTL:           10 * time.Minute,
	}
	if rateLimitCfg.RequestsPerSecond <= 0 {
		rateLimitCfg = middleware.DefaultRateLimitConfig()
	}

	chain := []echo.MiddlewareFunc{authMW}
	if d.store.pool != nil {
		chain = append(chain, db.TenantMiddleware(d.store.pool, cfg.DefaultTenant))
	}
	chain = append(chain,
		middleware.Audit(logger, auditRecorder(d.publisher)),
		middleware.RateLimit(rateLimitCfg),
		middleware.RequestTimeout(cfg.RequestTimeout),
	)

	apiV1 := e.Group("/api/v1", chain...)
	fhirGroup := e.Group("/fhir", chain...)
	referral.NewHandler(svc).RegisterRoutes(apiV1, fhirGroup)

	return e
}

// auditRecorder forwards audit entries to the event bus when one is
// configured.
func auditRecorder(p events.Publisher) middleware.AuditRecorder {
	if p == nil {
		return nil
	}
	return middleware.AuditRecorderFunc(func(entry middleware.AuditEntry) error {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		return p.Publish(ctx, auditChannel, entry)
	})
}

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger(cfg)
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("invalid configuration")
		return err
	}

	shutdownTracing, err := telemetry.Setup(ctx, telemetry.Config{
		ServiceName:  "referral-server",
		Environment:  cfg.Env,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SampleRate:   cfg.OTELSampleRate,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to set up tracing")
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			logger.Warn().Err(err).Msg("failed to flush traces")
		}
	}()

	st, err := openStore(ctx, cfg)
	if err != nil {
		logger.Error().Err(err).Str("driver", cfg.StoreDriver).Msg("failed to open ledger store")
		return err
	}
	defer st.Close()
	logger.Info().Str("driver", st.driver).Msg("ledger store ready")

	var publisher events.Publisher = events.NopPublisher{}
	var rdb *redis.Client
	if cfg.RedisURL != "" {
		rdb, err = events.NewRedisClient(ctx, events.RedisConfig{
			URL:          cfg.RedisURL,
			DialTimeout:  5 * time.Second,
			WriteTimeout: 2 * time.Second,
		})
		if err != nil {
			logger.Error().Err(err).Msg("failed to connect to redis")
			return err
		}
		defer rdb.Close()
		publisher = events.NewRedisPublisher(rdb)
		logger.Info().Str("channel", cfg.EventsChannel).Msg("transition events fan out over redis")
	} else {
		logger.Info().Msg("REDIS_URL not set, transition events are dropped")
	}

	e := newServer(deps{
		cfg:       cfg,
		logger:    logger,
		store:     st,
		publisher: publisher,
		registry:  prometheus.DefaultRegisterer,
		gatherer:  prometheus.DefaultGatherer,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}
