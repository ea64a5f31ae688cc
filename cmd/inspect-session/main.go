package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/spec-kit/inspect-session/internal/api/client"
	httptransport "github.com/spec-kit/inspect-session/internal/api/http"
	"github.com/spec-kit/inspect-session/internal/api/http/handlers"
	"github.com/spec-kit/inspect-session/internal/auth"
	"github.com/spec-kit/inspect-session/internal/cli"
	"github.com/spec-kit/inspect-session/internal/config"
	"github.com/spec-kit/inspect-session/internal/events"
	"github.com/spec-kit/inspect-session/internal/lock"
	"github.com/spec-kit/inspect-session/internal/observability"
	"github.com/spec-kit/inspect-session/internal/persistence"
	"github.com/spec-kit/inspect-session/internal/service"
	"github.com/spec-kit/inspect-session/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.NewMetrics(registry)

	area, err := persistence.Open(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open shared storage", zap.Error(err), zap.String("driver", cfg.Storage.Driver))
	}
	defer area.Close()

	origin := cfg.API.EndpointURL()
	jar, err := client.NewSharedJar(ctx, area, origin, logger)
	if err != nil {
		logger.Fatal("failed to load shared cookies", zap.Error(err))
	}
	go func() {
		if err := jar.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("cookie sync stopped", zap.Error(err))
		}
	}()

	api := client.New(client.Config{
		BaseURL:     origin,
		GraphQLPath: cfg.API.GraphQLPath,
		Refresh: client.RetryPolicy{
			Attempts: cfg.Refresh.Attempts,
			Timeout:  cfg.Refresh.Timeout(),
			Backoff: client.Backoff{
				Initial: cfg.Refresh.BackoffInitial(),
				Max:     cfg.Refresh.BackoffMax(),
				Jitter:  cfg.Refresh.Jitter,
			},
		},
		CallTimeout: cfg.API.LoginTimeout(),
	}, jar, logger, metrics)
	oracle := auth.NewOracle(jar, origin, logger)

	refresher := service.NewRefresher(service.RefresherConfig{
		Fetcher:      api,
		Eligibility:  oracle,
		Locker:       newLocker(cfg, area, logger, metrics),
		PollInterval: cfg.Refresh.PollInterval(),
		Logger:       logger,
		Metrics:      metrics,
	})

	dispatcher := events.NewInMemoryDispatcher(logger)
	service.NewAuditService(dispatcher, logger).RegisterHandlers()

	session := service.NewSession(service.SessionDependencies{
		API:        api,
		Refresher:  refresher,
		Oracle:     oracle,
		Area:       area,
		Dispatcher: dispatcher,
		Logger:     logger,
	})
	if err := session.Start(ctx); err != nil {
		logger.Fatal("failed to start session", zap.Error(err))
	}
	defer session.Close()

	if cfg.Online.Enabled {
		watcher := worker.NewOnlineWatcher(api, cfg.Online.CheckInterval(), cfg.Online.ProbeTimeout(), func(ctx context.Context) {
			session.Online(ctx)
		}, logger)
		go watcher.Run(ctx)
	}

	if cfg.Metrics.Addr != "" {
		app := httptransport.NewApp(logger, metrics, httptransport.RouteConfig{
			Health:   handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, area, api),
			Session:  handlers.NewSessionHandler(session),
			Gatherer: registry,
		})
		go func() {
			if err := app.Listen(cfg.Metrics.Addr); err != nil {
				logger.Error("status server stopped", zap.Error(err))
			}
		}()
		defer app.Shutdown() //nolint:errcheck
	}

	logger.Info("session instance started",
		zap.String("instance", session.Instance()),
		zap.String("api", origin.String()),
		zap.String("storage", cfg.Storage.Driver),
		zap.String("lock", cfg.Lock.Mode))

	done := make(chan struct{})
	go func() {
		defer close(done)
		cli.Run(ctx, session, os.Stdin, os.Stdout)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		logger.Info("shutting down", zap.Error(context.Cause(ctx)))
	}
}

func newLocker(cfg *config.Config, area persistence.Area, logger *zap.Logger, metrics *observability.Metrics) lock.Locker {
	opts := lock.Options{
		MaxAttempts: cfg.Lock.MaxAttempts,
		Settle:      cfg.Lock.Settle(),
		BackoffMin:  cfg.Lock.BackoffMin(),
		BackoffMax:  cfg.Lock.BackoffMax(),
		Logger:      logger,
		Metrics:     metrics,
	}
	if ra, ok := area.(*persistence.RedisArea); ok && cfg.Lock.Mode == "redis" {
		return lock.NewRedisLease(ra.Client(), ra.Key(cfg.Lock.Key), cfg.Lock.Lease(), opts)
	}
	return lock.NewStorageLock(area, cfg.Lock.Key, opts)
}
