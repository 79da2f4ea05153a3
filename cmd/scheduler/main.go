package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"leadrouter_backend/internal/events"
	handoffrepo "leadrouter_backend/internal/handoff/repository"
	handoffsvc "leadrouter_backend/internal/handoff/service"
	leadrepo "leadrouter_backend/internal/leads/repository"
	"leadrouter_backend/internal/notification"
	"leadrouter_backend/internal/queue"
	"leadrouter_backend/internal/routing"
	"leadrouter_backend/internal/scheduler"
	"leadrouter_backend/platform/config"
	"leadrouter_backend/platform/db"
	"leadrouter_backend/platform/logger"
	"leadrouter_backend/platform/redis"
	"leadrouter_backend/platform/validator"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	log := logger.New(cfg.Env)
	log.Info("starting scheduler", "env", cfg.Env)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var pool *pgxpool.Pool
	if err := withRetry(ctx, log, "database connection", 5, 2*time.Second, func() error {
		p, err := db.NewPool(ctx, cfg)
		if err != nil {
			return err
		}
		pool = p
		return nil
	}); err != nil {
		log.Error("failed to connect to database", "error", err)
		panic("failed to connect to database: " + err.Error())
	}
	defer pool.Close()

	redisClient, err := redis.NewClient(ctx, cfg)
	if err != nil {
		log.Error("failed to connect to redis", "error", err)
		panic("failed to connect to redis: " + err.Error())
	}
	defer func() { _ = redisClient.Close() }()

	eventBus := events.NewInMemoryBus(log)
	val := validator.New()

	// Worker-side routing wiring (no HTTP handlers required).
	routingModule, err := routing.NewModule(pool, redisClient, eventBus, val, cfg, log)
	if err != nil {
		log.Error("failed to initialize routing module", "error", err)
		panic("failed to initialize routing module: " + err.Error())
	}

	rerouteClient, err := scheduler.NewClient(cfg)
	if err != nil {
		log.Error("failed to initialize reroute client", "error", err)
		panic("failed to initialize reroute client: " + err.Error())
	}
	defer func() { _ = rerouteClient.Close() }()

	optimizer := handoffsvc.New(
		leadrepo.New(pool),
		routingModule.Agents(),
		handoffrepo.New(pool),
		queue.NewManager(redisClient, log),
		rerouteClient,
		notification.NewBusNotifier(eventBus, log),
		eventBus,
		cfg,
		log,
	)

	worker, err := scheduler.NewWorker(cfg, routingModule.Service(), log)
	if err != nil {
		log.Error("failed to initialize scheduler worker", "error", err)
		panic("failed to initialize scheduler worker: " + err.Error())
	}

	dispatchInterval := getDurationEnv("DISPATCH_INTERVAL", 15*time.Second)
	slaInterval := getDurationEnv("SLA_SWEEP_INTERVAL", 30*time.Second)
	ageInterval := getDurationEnv("QUEUE_AGE_SWEEP_INTERVAL", 5*time.Minute)
	retentionInterval := getDurationEnv("QUEUE_RETENTION_SWEEP_INTERVAL", time.Hour)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		worker.Run(gctx)
		return nil
	})

	g.Go(func() error {
		return runEvery(gctx, dispatchInterval, func(c context.Context) {
			forEachTenant(c, optimizer, log, "dispatch", func(c context.Context, tenantID uuid.UUID) error {
				assigned, err := routingModule.Service().Dispatch(c, tenantID)
				if assigned > 0 {
					log.Info("dispatch pass complete", "tenantId", tenantID.String(), "assigned", assigned)
				}
				return err
			})
		})
	})

	g.Go(func() error {
		return runEvery(gctx, slaInterval, func(c context.Context) {
			handled, err := optimizer.SweepSLA(c)
			if err != nil {
				log.Error("sla sweep failed", "error", err)
				return
			}
			if handled > 0 {
				log.Info("sla sweep complete", "timedOut", handled)
			}
		})
	})

	g.Go(func() error {
		return runEvery(gctx, cfg.GetOptimizerInterval(), func(c context.Context) {
			forEachTenant(c, optimizer, log, "optimizer", func(c context.Context, tenantID uuid.UUID) error {
				return optimizer.OptimizeTenant(c, tenantID)
			})
		})
	})

	g.Go(func() error {
		return runEvery(gctx, ageInterval, func(c context.Context) {
			forEachTenant(c, optimizer, log, "queue age sweep", func(c context.Context, tenantID uuid.UUID) error {
				_, err := optimizer.SweepQueueAge(c, tenantID)
				return err
			})
		})
	})

	g.Go(func() error {
		return runEvery(gctx, retentionInterval, func(c context.Context) {
			forEachTenant(c, optimizer, log, "retention sweep", func(c context.Context, tenantID uuid.UUID) error {
				_, err := optimizer.SweepRetention(c, tenantID)
				return err
			})
		})
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("scheduler stopped", "error", err)
		panic("scheduler stopped: " + err.Error())
	}
}

// runEvery runs fn on a fixed interval until ctx is cancelled.
func runEvery(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

func forEachTenant(ctx context.Context, optimizer *handoffsvc.Service, log *logger.Logger, name string, fn func(context.Context, uuid.UUID) error) {
	tenants, err := optimizer.Tenants(ctx)
	if err != nil {
		log.Error(name+" tenant listing failed", "error", err)
		return
	}
	for _, tenantID := range tenants {
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx, tenantID); err != nil {
			log.Error(name+" failed", "tenantId", tenantID.String(), "error", err)
		}
	}
}

func withRetry(ctx context.Context, log *logger.Logger, name string, attempts int, baseDelay time.Duration, fn func() error) error {
	if attempts < 1 {
		return errors.New(name + ": invalid retry attempts")
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := fn(); err == nil {
			return nil
		} else {
			lastErr = err
			log.Warn("retryable operation failed", "operation", name, "attempt", attempt, "error", err)
		}

		if attempt < attempts {
			delay := time.Duration(attempt*attempt) * baseDelay
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
	}

	return errors.New(name + ": " + lastErr.Error())
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil || parsed <= 0 {
		return fallback
	}

	return parsed
}
