package app

import (
	"context"
	"time"

	"commissioner/internal/backup"
	"commissioner/internal/config"
	"commissioner/internal/executor"
	"commissioner/internal/lock"
	"commissioner/internal/metrics"
	"commissioner/internal/progress"
	"commissioner/internal/runner"
	"commissioner/internal/schedule"
	"commissioner/internal/storage"
	"commissioner/internal/store"
	"commissioner/internal/tasks"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const shutdownTimeout = 30 * time.Second

// App wires the store, locks, executor and scheduler together
type App struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     *store.SQLiteStore
	redis     *redis.Client
	metrics   *metrics.Collector
	tracker   *progress.Tracker
	processes *runner.ProcessRegistry
	executor  *executor.Executor
	scheduler *schedule.Runner
	backups   *backup.Service
	started   bool
}

// New creates a new application instance
func New(cfg *config.Config, logger *zap.Logger) (*App, error) {
	a := &App{
		cfg:       cfg,
		logger:    logger,
		metrics:   metrics.New(),
		tracker:   progress.NewTracker(),
		processes: runner.NewProcessRegistry(),
	}

	// Create task store
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create task store")
	}
	a.store = s

	provider, versions, err := a.lockProvider()
	if err != nil {
		a.Close()
		return nil, err
	}

	// Create artifact storage client
	var objects storage.Client
	if cfg.Storage.Endpoint != "" {
		objects, err = storage.NewMinIOClient(storage.Config{
			Endpoint:  cfg.Storage.Endpoint,
			AccessKey: cfg.Storage.AccessKey,
			SecretKey: cfg.Storage.SecretKey,
			Secure:    cfg.Storage.Secure,
		})
		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "failed to create storage client")
		}
	}

	shell := runner.NewShellRunner(cfg.Runner.BackupScript,
		time.Duration(cfg.Runner.TimeoutSeconds)*time.Second, a.processes, logger)

	registry := executor.NewRegistry()
	if err := tasks.Register(registry, tasks.Deps{
		Store:    s,
		Runner:   shell,
		Versions: versions,
		Storage:  objects,
		Bucket:   cfg.Storage.Bucket,
		Logger:   logger,
	}); err != nil {
		a.Close()
		return nil, errors.Wrap(err, "failed to register task types")
	}

	a.executor = executor.New(executor.Config{
		PoolSize:    cfg.Executor.PoolSize,
		QueueSize:   cfg.Executor.QueueSize,
		WaitRetries: cfg.Executor.WaitRetries,
		WaitDelay:   cfg.Executor.WaitDelay(),
	}, registry, s, lock.NewLocker(provider, logger), a.metrics, a.tracker, logger)
	a.scheduler = schedule.NewRunner(s, provider, a.executor, a.metrics, logger)
	a.backups = backup.NewService(s, a.executor, a.processes, logger)

	return a, nil
}

func (a *App) lockProvider() (lock.Provider, lock.Versioner, error) {
	switch a.cfg.Lock.Provider {
	case config.LockProviderRedis:
		a.redis = redis.NewClient(&redis.Options{
			Addr:     a.cfg.Lock.Redis.Addr,
			Password: a.cfg.Lock.Redis.Password,
			DB:       a.cfg.Lock.Redis.DB,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.redis.Ping(ctx).Err(); err != nil {
			return nil, nil, errors.Wrapf(err, "failed to connect to redis at %s", a.cfg.Lock.Redis.Addr)
		}
		p := lock.NewRedisProvider(a.redis, time.Duration(a.cfg.Lock.ExpirySeconds)*time.Second, a.logger)
		return p, p, nil
	case config.LockProviderMemory:
		p := lock.NewMemoryProvider()
		return p, p, nil
	default:
		return a.store, a.store, nil
	}
}

// Store returns the task store
func (a *App) Store() *store.SQLiteStore { return a.store }

// Executor returns the task executor
func (a *App) Executor() *executor.Executor { return a.executor }

// Backups returns the backup operator service
func (a *App) Backups() *backup.Service { return a.backups }

// Scheduler returns the schedule runner
func (a *App) Scheduler() *schedule.Runner { return a.scheduler }

// Tracker returns the live progress of running tasks
func (a *App) Tracker() *progress.Tracker { return a.tracker }

// Metrics returns the metrics collector
func (a *App) Metrics() *metrics.Collector { return a.metrics }

// Start starts the executor and, when withScheduler is set and enabled in config, the scheduler
func (a *App) Start(ctx context.Context, withScheduler bool) error {
	a.executor.Start(ctx)
	a.started = true
	if withScheduler && a.cfg.Scheduler.Enabled {
		if err := a.scheduler.Start(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Run serves until ctx is cancelled
func (a *App) Run(ctx context.Context) error {
	a.logger.Info("Starting commissioner",
		zap.String("database", a.cfg.Database.Path),
		zap.String("lock_provider", a.cfg.Lock.Provider),
		zap.Int("pool_size", a.cfg.Executor.PoolSize),
		zap.Bool("scheduler", a.cfg.Scheduler.Enabled),
	)

	// Start metrics server in a goroutine with error handling
	if a.cfg.Metrics.Addr != "" {
		go func() {
			if err := a.metrics.StartServer(a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("Failed to start metrics server", zap.Error(err))
			}
		}()
	}

	if err := a.Start(ctx, true); err != nil {
		return err
	}

	<-ctx.Done()
	a.logger.Info("Commissioner stopping")
	return nil
}

// Close stops the scheduler and executor and cleans up resources
func (a *App) Close() error {
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	var err error
	if a.executor != nil && a.started {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		err = a.executor.Stop(ctx)
		cancel()
		if err != nil {
			a.logger.Warn("Executor did not drain before shutdown", zap.Error(err))
		}
	}
	if a.redis != nil {
		if cerr := a.redis.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	if a.store != nil {
		if cerr := a.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
