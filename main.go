package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	oshttp "net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chatcore/internal/api"
	"chatcore/internal/auth"
	"chatcore/internal/broadcast"
	"chatcore/internal/broker"
	"chatcore/internal/config"
	"chatcore/internal/http"
	"chatcore/internal/presence"
	"chatcore/internal/processor"
	"chatcore/internal/security"
	"chatcore/internal/storage"
	"chatcore/internal/ws"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func newLogger(dev bool) (*zap.Logger, error) {
	if dev {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func brokerOptions(cfg *config.Config, onDeadLetter broker.DeadLetterFunc) broker.Options {
	tiers := broker.DefaultTierConfig()
	for tier, prefetch := range map[broker.Tier]int{
		broker.TierHigh:   cfg.PrefetchHigh,
		broker.TierMedium: cfg.PrefetchMedium,
		broker.TierLow:    cfg.PrefetchLow,
	} {
		c := tiers[tier]
		c.Prefetch = prefetch
		tiers[tier] = c
	}

	retries := cfg.MaxRetries
	if retries == 0 {
		retries = -1 // no retries at all
	}
	return broker.Options{
		Tiers:        tiers,
		Retry:        broker.RetryPolicy{MaxRetries: retries, BackoffUnit: cfg.BackoffUnit},
		OnDeadLetter: onDeadLetter,
	}
}

// openBroker picks the durable broker when an AMQP URL is configured.
var openBroker = func(cfg *config.Config, opts broker.Options, log *zap.Logger) (broker.Broker, error) {
	if cfg.AMQPURL == "" {
		log.Info("no AMQP URL configured, using the in-process broker")
		return broker.NewMemory(opts, log), nil
	}
	b, err := broker.DialAMQP(cfg.AMQPURL, opts, log)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogDev)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := storage.Open(cfg.DBDriver, cfg.DBDSN, cfg.DBDebug, logger)
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	deadLetters, err := storage.NewDeadLetterStore(cfg.DeadLetterDB)
	if err != nil {
		return err
	}
	defer func() { _ = deadLetters.Close() }()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer func() { _ = rdb.Close() }()
	cache := presence.NewRedisCache(rdb, store, presence.Config{
		PresenceTTL: cfg.PresenceTTL,
		GraphTTL:    cfg.GraphTTL,
	}, logger)
	if !cache.HealthCheck(ctx) {
		logger.Warn("redis is not reachable, broadcast targeting is degraded", zap.String("addr", cfg.RedisAddr))
	}

	authService, err := auth.NewAuthService(ctx, auth.Config{
		Secret:      base64.StdEncoding.EncodeToString([]byte(cfg.AuthSecret)),
		TokenExpiry: cfg.TokenExpiry,
		Issuer:      cfg.TokenIssuer,
	})
	if err != nil {
		return err
	}

	limiter := security.NewRateLimiter(ctx, cfg.RateLimit, cfg.RateWindow)
	guard := security.NewBlocker(ctx, cfg.SuspiciousThreshold, cfg.BlockDuration, logger)
	filter := security.NewContentFilter(cfg.MaxContentLength, cfg.BlockedTerms)

	hub := ws.NewHub(cfg.EmitTimeout, logger)
	relay := broadcast.NewRelay(hub, rdb, cfg.RelayChannel, cfg.NodeName, logger)
	proc := processor.New(store, store, cache, relay, filter, logger)

	opts := brokerOptions(cfg, func(ctx context.Context, dl broker.DeadLetter) {
		if err := deadLetters.Archive(ctx, dl); err != nil {
			logger.Error("failed to archive dead letter", zap.String("event_id", dl.Event.ID), zap.Error(err))
		}
		proc.DeadLetter(ctx, dl)
	})
	events, err := openBroker(cfg, opts, logger)
	if err != nil {
		return err
	}
	defer func() { _ = events.Close() }()

	gateway := ws.NewGateway(cache, relay, events, proc, limiter, logger)
	wsServer := ws.NewServer(ctx, hub, gateway, authService, guard, cfg.AuthTimeout, logger)

	apiHandlers := api.New(authService, store, relay, map[string]api.HealthChecker{
		"broker":   events,
		"cache":    cache,
		"database": store,
	}, logger)
	apiServer := http.NewAPIServer(apiHandlers, wsServer.HandleConnections, cfg.APIAddr, logger)
	adminServer := http.NewAdminServer(api.NewAdminHandler(deadLetters, guard, authService, logger), cfg.AdminAddr, logger)

	g, gCtx := errgroup.WithContext(ctx)

	for _, tier := range broker.Tiers {
		g.Go(func() error {
			broker.Supervise(gCtx, events, tier.Queue(), proc.Handle, cfg.BackoffUnit, logger)
			return nil
		})
	}

	g.Go(func() error {
		return relay.Run(gCtx)
	})

	// Online entries of processes that died without cleaning up
	g.Go(func() error {
		ticker := time.NewTicker(cfg.PresenceTTL)
		defer ticker.Stop()
		for {
			select {
			case <-gCtx.Done():
				return nil
			case <-ticker.C:
				n, err := cache.PruneOnline(gCtx, cfg.PresenceTTL)
				if err != nil {
					logger.Warn("failed to prune online users", zap.Error(err))
				} else if n > 0 {
					logger.Info("pruned stale online users", zap.Int64("count", n))
				}
			}
		}
	})

	// Start Admin Server
	g.Go(func() error {
		err := adminServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Start API Server
	g.Go(func() error {
		err := apiServer.Start()
		if err != nil && err != oshttp.ErrServerClosed {
			return err
		}
		return nil
	})

	// Wait for context cancellation (signal)
	g.Go(func() error {
		<-gCtx.Done()
		logger.Info("shutting down servers")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := adminServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("admin server shutdown error", zap.Error(err))
		}
		if err := apiServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("API server shutdown error", zap.Error(err))
		}
		return nil
	})

	return g.Wait()
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("Application error: %v", err)
	}
}
