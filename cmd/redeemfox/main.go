package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/RedeemFox/app/controllers"
	"github.com/ManuelReschke/RedeemFox/app/repository"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/cache"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/database"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/eligibility"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/env"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/events"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/exchange"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/jobqueue"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/lock"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/pool"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/router"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/secret"
	"github.com/ManuelReschke/RedeemFox/internal/pkg/taskapi"
)

type application struct {
	app       *fiber.App
	manager   *jobqueue.Manager
	publisher events.Publisher
	redis     *redis.Client
}

func main() {
	a, err := newApplication()
	if err != nil {
		log.Fatalf("[Main] Startup failed: %v", err)
	}

	if err := a.manager.Start(); err != nil {
		log.Fatalf("[Main] Job queue manager failed to start: %v", err)
	}

	go func() {
		addr := fmt.Sprintf("%s:%s", env.GetEnv("APP_HOST", "localhost"), env.GetEnv("APP_PORT", "4000"))
		if err := a.app.Listen(addr); err != nil {
			log.Errorf("[Main] Listener stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("[Main] Shutting down")
	a.shutdown()
}

func newApplication() (*application, error) {
	env.SetupEnvFile()

	// credentials are never stored or read in plaintext
	box, err := secret.LoadBox()
	if err != nil {
		return nil, err
	}

	db, err := database.SetupDatabase()
	if err != nil {
		return nil, fmt.Errorf("database: %w", err)
	}
	repos := repository.NewFactory(db).GetRepositories()

	rdb := cache.NewClient(cache.LoadConfig())
	locks := lock.NewRedisLocker(rdb)
	checker := eligibility.NewChecker(locks, repos)
	alloc := pool.NewAllocator(pool.NewRedisStore(rdb), locks, repos.Account, checker, pool.LoadConfig())

	api := taskapi.NewClientFromEnv()
	if api.BaseURL == "" {
		log.Warn("[Main] TASK_API_BASE_URL is not set, every exchange will fail at the remote stages")
	}

	counters := counter.New(rdb)
	publisher := events.Fanout{events.NewFromEnv(), counters}
	orch := exchange.NewOrchestrator(
		repos,
		api,
		alloc,
		checker,
		exchange.NewRates(repos.Rate, exchange.LoadFallbackRate()),
		box,
		publisher,
		exchange.LoadConfig(),
	)

	mcfg := jobqueue.LoadManagerConfig()
	queue := jobqueue.NewQueue(rdb, mcfg.Workers)
	queue.Handle(jobqueue.JobTypeExchange, jobqueue.ExchangeHandler(orch))
	queue.Handle(jobqueue.JobTypePoolRebuild, jobqueue.PoolRebuildHandler(alloc))
	manager := jobqueue.NewManager(queue, alloc, func(ctx context.Context) error {
		stats, err := exchange.Rollover(ctx, repos)
		if err == nil {
			log.Infof("[Main] Rollover checked %d plans, %d accounts, completed %d plans", stats.Plans, stats.Checked, stats.Completed)
		}
		return err
	}, mcfg)

	app := fiber.New(fiber.Config{
		AppName:   "RedeemFox",
		BodyLimit: 4 * 1024 * 1024,
	})
	app.Use(recover.New(), logger.New())

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database handle: %w", err)
	}
	router.InstallRouter(app, router.Dependencies{
		APIKey:    env.GetEnv("API_KEY", ""),
		RateLimit: env.GetEnvInt("API_RATE_LIMIT", 120),
		Exchanges: controllers.NewExchangeController(orch, queue, repos.Exchange),
		Pools:     controllers.NewPoolController(alloc, queue),
		Accounts:  controllers.NewAccountController(repos.Account, box, alloc),
		Jobs:      controllers.NewJobController(queue),
		Stats:     controllers.NewStatsController(counters),
		Health: map[string]router.HealthCheck{
			"database": sqlDB.PingContext,
			"redis":    func(ctx context.Context) error { return rdb.Ping(ctx).Err() },
		},
	})

	return &application{app: app, manager: manager, publisher: publisher, redis: rdb}, nil
}

func (a *application) shutdown() {
	if err := a.app.ShutdownWithTimeout(10 * time.Second); err != nil {
		log.Warnf("[Main] HTTP shutdown: %v", err)
	}
	a.manager.Stop()
	a.publisher.Close()
	if err := a.redis.Close(); err != nil {
		log.Warnf("[Main] Redis close: %v", err)
	}
	log.Info("[Main] Bye")
}
