package main

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/adapter/storage"
	"github.com/rl1809/stock-guard/internal/config"
	"github.com/rl1809/stock-guard/internal/core/service"
	"github.com/rl1809/stock-guard/internal/obs"
	"github.com/rl1809/stock-guard/internal/port"
)

type seeder interface {
	SetStock(ctx context.Context, key string, quantity int64) error
}

type dependencies struct {
	strategy    service.Decreaser
	reader      port.StockReader
	idempotency port.IdempotencyStore
	seeder      seeder
	closers     []func() error
}

func (d *dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i]()
	}
}

func wire(ctx context.Context, cfg config.Config, metrics *obs.Metrics, logger pslog.Logger) (*dependencies, error) {
	deps := &dependencies{}
	var (
		repo   port.StockRepository
		txRepo port.TxStockRepository
		rdb    *redis.Client
	)

	openRedis := func() (*redis.Client, error) {
		if rdb != nil {
			return rdb, nil
		}
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			PoolSize: cfg.RedisPoolSize,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, fmt.Errorf("connect redis: %w", err)
		}
		logger.Info("redis.connected", "addr", cfg.RedisAddr)
		rdb = client
		deps.closers = append(deps.closers, client.Close)
		return client, nil
	}

	switch cfg.Backend {
	case config.BackendMemory:
		store := storage.NewMemoryStore(nil)
		repo, txRepo, deps.seeder = store, store, store
		deps.idempotency = storage.NewMemoryIdempotency(nil)
	case config.BackendMySQL:
		db, err := sql.Open("mysql", cfg.MySQLDSN)
		if err != nil {
			return nil, fmt.Errorf("open mysql: %w", err)
		}
		db.SetMaxOpenConns(cfg.MySQLMaxOpen)
		db.SetMaxIdleConns(cfg.MySQLMaxIdle)
		db.SetConnMaxLifetime(cfg.MySQLConnMaxLife)
		deps.closers = append(deps.closers, db.Close)
		if err := db.PingContext(ctx); err != nil {
			deps.Close()
			return nil, fmt.Errorf("ping mysql: %w", err)
		}
		logger.Info("mysql.connected")

		adapter := storage.NewMySQLAdapter(db)
		if err := adapter.EnsureSchema(ctx); err != nil {
			deps.Close()
			return nil, err
		}
		repo, txRepo, deps.seeder = adapter, adapter, adapter
		deps.idempotency = storage.NewMemoryIdempotency(nil)
	case config.BackendRedis:
		client, err := openRedis()
		if err != nil {
			return nil, err
		}
		adapter := storage.NewRedisAdapter(client)
		repo, deps.seeder, deps.idempotency = adapter, adapter, adapter
	}
	deps.reader = repo

	build := func(name string) (service.Decreaser, error) {
		switch name {
		case service.StrategyMutex:
			return service.NewMutexStrategy(repo, service.MutexOptions{LockWait: cfg.LockWait, Logger: logger}), nil
		case service.StrategyPessimistic:
			if txRepo == nil {
				return nil, fmt.Errorf("backend %s has no row locks", cfg.Backend)
			}
			return service.NewPessimisticStrategy(txRepo, service.PessimisticOptions{LockWait: cfg.LockWait, Logger: logger}), nil
		case service.StrategyOptimistic:
			return service.NewOptimisticStrategy(repo, service.OptimisticOptions{
				MaxAttempts: cfg.OptimisticAttempts,
				BaseDelay:   cfg.OptimisticBaseDelay,
				MaxDelay:    cfg.OptimisticMaxDelay,
				Multiplier:  cfg.OptimisticMultiplier,
				Metrics:     metrics,
				Logger:      logger,
			}), nil
		}
		return nil, fmt.Errorf("unknown strategy %q", name)
	}

	if cfg.Strategy != service.StrategyDistributed {
		strategy, err := build(cfg.Strategy)
		if err != nil {
			deps.Close()
			return nil, err
		}
		deps.strategy = strategy
		return deps, nil
	}

	inner, err := build(cfg.InnerStrategy)
	if err != nil {
		deps.Close()
		return nil, err
	}

	var leases port.LeaseService
	switch cfg.LeaseBackend {
	case config.BackendMemory:
		leases = storage.NewMemoryLeases(nil)
	case config.BackendRedis:
		client, err := openRedis()
		if err != nil {
			deps.Close()
			return nil, err
		}
		leases = storage.NewRedisLeases(client)
	case config.BackendSQLite:
		sqliteLeases, err := storage.OpenSQLiteLeases(ctx, storage.SQLiteConfig{Path: cfg.SQLitePath}, nil)
		if err != nil {
			deps.Close()
			return nil, fmt.Errorf("open sqlite leases: %w", err)
		}
		deps.closers = append(deps.closers, sqliteLeases.Close)
		leases = sqliteLeases
	}

	waitMode := service.WaitBlock
	if cfg.WaitMode == config.WaitFailFast {
		waitMode = service.WaitFailFast
	}
	distributed := service.NewDistributedStrategy(leases, inner, service.DistributedOptions{
		TTL:            cfg.LeaseTTL,
		WaitMode:       waitMode,
		AcquireTimeout: cfg.AcquireTimeout,
		Metrics:        metrics,
		Logger:         logger,
	})
	logger.Info("lease.owner", "owner", distributed.Owner(), "lease_backend", cfg.LeaseBackend, "inner", cfg.InnerStrategy)
	deps.strategy = distributed
	return deps, nil
}
