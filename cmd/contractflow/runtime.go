package main

import (
	"context"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	goredis "github.com/redis/go-redis/v9"
	"github.com/urfave/cli/v2"
	"go.uber.org/zap"

	"contractflow/alert"
	"contractflow/config"
	"contractflow/db"
	"contractflow/lease"
	"contractflow/lifecycle"
	"contractflow/logging"
	"contractflow/metrics"
	"contractflow/query"
	"contractflow/sweeper"
)

// runtime holds the components shared by every command that talks to the
// database.
type runtime struct {
	cfg       config.Config
	logger    *zap.Logger
	pool      *pgxpool.Pool
	redis     *goredis.Client
	metrics   *metrics.Recorder
	lifecycle *lifecycle.Service
	alerts    *alert.Engine
	query     *query.Service
	sweeper   *sweeper.Sweeper
}

func loadConfig(c *cli.Context) (config.Config, error) {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return config.Config{}, cli.Exit(err.Error(), 2)
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, cli.Exit(fmt.Sprintf("invalid configuration:\n%v", err), 2)
	}
	return cfg, nil
}

func newRuntime(c *cli.Context) (*runtime, error) {
	cfg, err := loadConfig(c)
	if err != nil {
		return nil, err
	}
	logger, err := logging.New(cfg.Log.Level, os.Stderr)
	if err != nil {
		return nil, err
	}
	rec, err := metrics.NewFromGlobal()
	if err != nil {
		return nil, fmt.Errorf("metrics: %w", err)
	}

	pool, err := db.NewPool(c.Context, cfg.Database.URL, db.PoolOptions{
		MaxConns:          cfg.Database.MaxConns,
		MinConns:          cfg.Database.MinConns,
		MaxConnLifetime:   cfg.Database.MaxConnLifetime.Duration,
		HealthCheckPeriod: cfg.Database.HealthCheckPeriod.Duration,
	})
	if err != nil {
		return nil, fmt.Errorf("bootstrap database pool: %w", err)
	}

	rt := &runtime{cfg: cfg, logger: logger, pool: pool, metrics: rec}
	if cfg.Redis.URL != "" {
		opts, err := goredis.ParseURL(cfg.Redis.URL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		rt.redis = goredis.NewClient(opts)
	}

	rt.lifecycle = lifecycle.NewService(pool, nil).WithLogger(logger).WithMetrics(rec)
	rt.alerts = alert.NewEngine(pool, nil).WithLogger(logger).WithMetrics(rec)
	rt.query = query.NewService(pool, nil).WithLogger(logger)
	rt.sweeper = sweeper.New(pool, rt.lifecycle, rt.locker()).
		WithHolder(holderID()).
		WithLeaseTTL(cfg.Sweeper.LeaseTTL.Duration).
		WithBatchSize(cfg.Sweeper.BatchSize).
		WithRateLimit(cfg.Sweeper.MaxPerSecond, 1).
		WithLogger(logger).
		WithMetrics(rec)
	return rt, nil
}

func (rt *runtime) locker() lease.Locker {
	switch rt.cfg.Sweeper.LeaseBackend {
	case config.LeaseRedis:
		return lease.NewRedis(rt.redis, rt.cfg.Redis.LeasePrefix)
	case config.LeaseMemory:
		return lease.NewMemory()
	default:
		return lease.NewPostgres(rt.pool)
	}
}

func (rt *runtime) Close() {
	if rt.redis != nil {
		if err := rt.redis.Close(); err != nil {
			rt.logger.Warn("close redis client", zap.Error(err))
		}
	}
	rt.pool.Close()
	_ = rt.logger.Sync()
}

// holderID identifies this process as a lease holder.
func holderID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s-%d-%s", host, os.Getpid(), uuid.NewString()[:8])
}

func withRuntime(fn func(ctx context.Context, rt *runtime, c *cli.Context) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		rt, err := newRuntime(c)
		if err != nil {
			return err
		}
		defer rt.Close()
		return fn(c.Context, rt, c)
	}
}
