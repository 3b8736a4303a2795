// Package app assembles the control plane components from configuration.
// The worker process and the CLI share it.
package app

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/costlens/pipeline-service/config"
	"github.com/costlens/pipeline-service/internal/admission"
	"github.com/costlens/pipeline-service/internal/database"
	"github.com/costlens/pipeline-service/internal/executor"
	pipehttp "github.com/costlens/pipeline-service/internal/http"
	"github.com/costlens/pipeline-service/internal/lock"
	"github.com/costlens/pipeline-service/internal/metrics"
	"github.com/costlens/pipeline-service/internal/orchestrator"
	"github.com/costlens/pipeline-service/internal/quota"
	"github.com/costlens/pipeline-service/internal/retry"
	"github.com/costlens/pipeline-service/internal/runs"
	"github.com/costlens/pipeline-service/internal/sweepers"
	"github.com/costlens/pipeline-service/internal/taskqueue"
	"github.com/costlens/pipeline-service/internal/tenants"
)

// App holds the wired components
type App struct {
	Config       *config.Config
	Pool         *pgxpool.Pool
	Redis        *redis.Client
	Metrics      *metrics.Recorder
	Runs         *runs.Store
	Queue        *taskqueue.Queue
	Locks        *lock.Manager
	Admission    *admission.Controller
	Tiers        *tenants.CachedResolver
	Counters     *quota.Counters
	Executors    *executor.Registry
	Orchestrator *orchestrator.Orchestrator
	Jobs         *quota.Jobs
	Scheduler    *sweepers.Scheduler

	logger *zerolog.Logger
}

// New connects to the stores and wires every component. The caller
// must call Close.
func New(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) (*App, error) {
	dbURL := config.GetDatabaseURL()
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL not set")
	}
	if err := database.Connect(ctx, dbURL, database.Options{
		MaxConns:    cfg.Database.MaxConnections,
		MinConns:    cfg.Database.MinConnections,
		MaxLifetime: cfg.Database.MaxConnLifetime,
		MaxIdleTime: cfg.Database.MaxConnIdleTime,
	}); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	a := &App{
		Config:  cfg,
		Pool:    database.Pool(),
		Metrics: metrics.NewRecorder(),
		logger:  logger,
	}

	lockStore, err := a.lockStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	gate, err := admission.NewGate(cfg.Admission.Mode, a.Pool)
	if err != nil {
		a.Close()
		return nil, err
	}

	callBackoff := retry.Backoff{
		Attempts: cfg.Retry.CallAttempts,
		Initial:  cfg.Retry.CallInitialDelay,
		Max:      cfg.Retry.CallMaxDelay,
	}
	policy := retry.NewPolicy(
		cfg.Retry.MaxRetries,
		cfg.Retry.BaseDelay,
		cfg.Retry.BackoffMultiplier,
		cfg.Retry.MaxDelay,
		cfg.Retry.RetryableClasses,
	)

	a.Runs = runs.NewStore(a.Pool, policy, a.Metrics)
	a.Queue = taskqueue.New(a.Pool)
	a.Locks = lock.NewManager(lockStore, lock.ManagerConfig{
		TTL:      cfg.Lock.TTL,
		FailOpen: cfg.Lock.FailOpen,
		Backoff:  callBackoff,
	}, a.Metrics, logger)
	a.Admission = admission.NewController(gate, admission.NewPostgresLedger(a.Pool), a.Metrics, logger)
	a.Tiers = tenants.NewCachedResolver(tenants.NewResolver(a.Pool), cfg.Admission.TierCacheTTL)
	a.Counters = quota.NewCounters(a.Pool, logger)

	httpConfig := pipehttp.DefaultConfig()
	httpConfig.RequestsPerSecond = cfg.Executor.WebhookRequestsPerSecond
	httpConfig.Burst = cfg.Executor.WebhookBurst
	a.Executors = executor.NewRegistry(
		executor.NewNoop(),
		executor.NewWebhook(pipehttp.NewClient(httpConfig)),
	)

	a.Orchestrator = orchestrator.New(orchestrator.Deps{
		Runs:      a.Runs,
		Queue:     a.Queue,
		Locks:     a.Locks,
		Admission: a.Admission,
		Tiers:     a.Tiers,
		Counters:  a.Counters,
		Executors: a.Executors,
		Metrics:   a.Metrics,
	}, orchestrator.Config{
		RequeueDelay:    cfg.Worker.RequeueDelay,
		FinalizeTimeout: cfg.Worker.ShutdownTimeout,
	}, logger)

	a.Jobs = quota.NewJobs(a.Pool, a.Runs, a.Queue, quota.Config{
		StaleThreshold: cfg.Recovery.StaleThreshold,
		LookbackDays:   cfg.Recovery.QuotaLookbackDays,
	}, a.Metrics, logger)
	if slots, ok := gate.(*admission.StoreGate); ok {
		a.Jobs.WithSlots(slots)
	}

	a.Scheduler = sweepers.New(a.Locks, cfg.Worker.ID, a.Metrics, logger)
	for _, job := range sweepers.StandardJobs(a.schedule(), a.Jobs, a.Orchestrator, a.Queue, a.Metrics, logger) {
		if err := a.Scheduler.Register(job); err != nil {
			a.Close()
			return nil, err
		}
	}

	return a, nil
}

// lockStore builds the configured lock backend. An unreachable redis is
// tolerated when the manager fails open; the client reconnects lazily.
func (a *App) lockStore(ctx context.Context) (lock.Store, error) {
	cfg := a.Config
	if cfg.Lock.Backend == "postgres" {
		return lock.NewPostgresStore(a.Pool), nil
	}

	client, err := lock.NewRedisClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		if !cfg.Lock.FailOpen {
			return nil, err
		}
		a.logger.Warn().Err(err).Msg("Redis unreachable at startup, execution locks will fail open")
		client = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
	}
	a.Redis = client
	return lock.NewRedisStore(client), nil
}

func (a *App) schedule() sweepers.Schedule {
	s := a.Config.Schedule
	return sweepers.Schedule{
		DailyReset:     s.DailyReset,
		MonthlyReset:   s.MonthlyReset,
		StaleRecovery:  s.StaleRecovery,
		RetryDispatch:  s.RetryDispatch,
		QueueCleanup:   s.QueueCleanup,
		QueueDepth:     s.QueueDepth,
		QueueRetention: a.Config.Recovery.QueueRetention,
	}
}

// Close releases store connections
func (a *App) Close() {
	if a.Redis != nil {
		if err := a.Redis.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	}
	database.Close()
}
