package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/vantagehq/vantage/internal/app/migrate"
	"github.com/vantagehq/vantage/internal/drilldown"
	httpx "github.com/vantagehq/vantage/internal/http"
	"github.com/vantagehq/vantage/internal/metrics"
	"github.com/vantagehq/vantage/internal/query"
	"github.com/vantagehq/vantage/internal/store"
	"github.com/vantagehq/vantage/internal/stream"
	"github.com/vantagehq/vantage/pkg/config"
	"github.com/vantagehq/vantage/pkg/jwt"
	"github.com/vantagehq/vantage/pkg/logger"
)

// jwtVerifier adapts the shared token helpers to the streaming handshake.
type jwtVerifier struct {
	secret string
}

func (v jwtVerifier) Verify(token string) (string, string, error) {
	claims, err := jwt.Parse(token, v.secret)
	if err != nil {
		return "", "", err
	}
	return claims.UserID, claims.TenantID, nil
}

func main() {
	cfg := config.LoadServerConfig()
	log := logger.New("vantage", slog.LevelInfo)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metricStore := metrics.NewStore(log,
		metrics.WithCapacity(cfg.RingCapacity),
		metrics.WithRetention(cfg.SampleRetention),
		metrics.WithAggregationTTL(cfg.AggregationTTL),
		metrics.WithSweepInterval(cfg.RetentionSweep),
	)
	go metricStore.Run(ctx)

	streamSrv := stream.NewServer(stream.Config{
		RequireAuth:        cfg.RequireAuth,
		HeartbeatInterval:  cfg.HeartbeatInterval,
		IdleWindow:         cfg.IdleWindow,
		RateLimitPerClient: cfg.RateLimitPerClient,
		MaxClients:         cfg.MaxClients,
		StabilityBandPct:   cfg.StabilityBandPct,
		MinUpdateFloor:     cfg.MinUpdateIntervalFloor,
	}, metricStore, jwtVerifier{secret: cfg.JWTSecret}, log)

	// Postgres is optional. With a DSN configured it backs drill-down queries
	// and durably records streaming subscriptions; without one everything
	// runs off the in-process metric store.
	var backend query.Backend = query.NewMemoryBackend(metricStore)
	var subscriptions httpx.SubscriptionLister
	var dbHealth func(context.Context) error
	if cfg.DatabaseURL != "" {
		pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Error("failed to connect to database", "error", err)
			os.Exit(1)
		}
		defer pool.Close()

		runner, err := migrate.New(pool, cfg.DatabaseURL, cfg.MigrationsDir, log)
		if err != nil {
			log.Error("failed to configure migrations", "error", err)
			os.Exit(1)
		}
		if err := runner.Ping(ctx); err != nil {
			log.Error("database ping failed", "error", err)
			os.Exit(1)
		}
		if err := runner.Ensure(ctx); err != nil {
			log.Error("migrations failed", "error", err)
			os.Exit(1)
		}

		backend = query.NewPostgresBackend(pool)
		subStore := store.NewSubscriptionStore(pool)
		subscriptions = subStore
		streamSrv.SetSubscriptionSink(subStore)
		dbHealth = pool.Ping
	}
	go streamSrv.Run(ctx)

	catalog := drilldown.NewCatalog()
	if cfg.PathsFile != "" {
		if err := catalog.LoadFile(cfg.PathsFile, log); err != nil {
			log.Error("failed to load drill-down paths", "error", err)
			os.Exit(1)
		}
	}

	sessions := drilldown.NewSessions(catalog, cfg.SessionIdleTimeout, cfg.SessionSweep, log)
	go sessions.Run(ctx)

	cache := drilldown.NewResultCache(cfg.ResultCacheTTL, cfg.ResultCacheSweep)
	go cache.Run(ctx)

	engine := drilldown.NewEngine(catalog, sessions, cache, backend, log)
	engine.SetConfidenceCutoff(cfg.ConfidenceCutoff)
	engine.SetStabilityBand(cfg.StabilityBandPct)

	limiter := httpx.NewMemoryRateLimiter()
	if addr := strings.TrimSpace(cfg.RateLimitRedisAddr); addr != "" {
		redisLimiter, err := httpx.NewRedisRateLimiter(addr, cfg.RateLimitRedisPass, cfg.RateLimitRedisDB, log)
		if err != nil {
			log.Warn("redis rate limiter unavailable", "error", err)
		} else {
			limiter = redisLimiter
		}
	}

	router := httpx.NewRouter(httpx.Options{
		Logger:        log,
		Stream:        streamSrv,
		Store:         metricStore,
		Catalog:       catalog,
		Sessions:      sessions,
		Cache:         cache,
		Engine:        engine,
		Subscriptions: subscriptions,
		Limiter:       limiter,
		JWTSecret:     cfg.JWTSecret,
		IngestToken:   cfg.IngestToken,
		SendBuffer:    cfg.SendBuffer,
		DBHealth:      dbHealth,
	})
	defer router.Close()

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errorCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", cfg.Addr, "environment", cfg.Environment)
		errorCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("graceful shutdown failed", "error", err)
		}
		log.Info("server stopped")
	case err := <-errorCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "error", err)
			os.Exit(1)
		}
	}
}
