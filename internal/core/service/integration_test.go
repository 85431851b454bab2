package service

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-guard/internal/adapter/storage"
	"github.com/rl1809/stock-guard/internal/core/domain"
)

type testEnv struct {
	redis *redis.Client
	mysql *sql.DB
	cache *storage.RedisAdapter
	db    *storage.MySQLAdapter
}

func setupRedis(t *testing.T) *testEnv {
	redisAddr := os.Getenv("REDIS_ADDR")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
	}
	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		rdb.Close()
		t.Skipf("Redis not available: %v", err)
	}
	t.Cleanup(func() { rdb.Close() })
	return &testEnv{redis: rdb, cache: storage.NewRedisAdapter(rdb)}
}

func setupMySQL(t *testing.T) *testEnv {
	mysqlDSN := os.Getenv("MYSQL_DSN")
	if mysqlDSN == "" {
		mysqlDSN = "root:root@tcp(localhost:3306)/stockguard?parseTime=true"
	}
	db, err := sql.Open("mysql", mysqlDSN)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		t.Skipf("MySQL not available: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	adapter := storage.NewMySQLAdapter(db)
	if err := adapter.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("schema: %v", err)
	}
	return &testEnv{mysql: db, db: adapter}
}

func runCallers(t *testing.T, processes []Decreaser, key string, callers int) int64 {
	t.Helper()
	var succeeded atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(d Decreaser) {
			defer wg.Done()
			err := d.Decrease(context.Background(), key, 1)
			switch {
			case err == nil:
				succeeded.Add(1)
			case !domain.IsRetryable(err) && !errors.Is(err, domain.ErrInsufficientStock):
				t.Errorf("unexpected error: %v", err)
			}
		}(processes[i%len(processes)])
	}
	wg.Wait()
	return succeeded.Load()
}

func TestIntegration_MySQLPessimistic(t *testing.T) {
	env := setupMySQL(t)
	ctx := context.Background()
	key := "integration-pessimistic"
	if err := env.db.SetStock(ctx, key, 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.db.Delete(ctx, key)

	processes := []Decreaser{
		NewPessimisticStrategy(env.db, PessimisticOptions{LockWait: 10 * time.Second}),
		NewPessimisticStrategy(env.db, PessimisticOptions{LockWait: 10 * time.Second}),
	}
	succeeded := runCallers(t, processes, key, 120)

	rec, err := env.db.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if succeeded != 100 || rec.Quantity != 0 {
		t.Errorf("expected 100 successes and stock 0, got %d and %d", succeeded, rec.Quantity)
	}
}

func TestIntegration_MySQLOptimistic(t *testing.T) {
	env := setupMySQL(t)
	ctx := context.Background()
	key := "integration-optimistic-mysql"
	if err := env.db.SetStock(ctx, key, 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.db.Delete(ctx, key)

	opts := OptimisticOptions{MaxAttempts: 100}
	succeeded := runCallers(t, []Decreaser{NewOptimisticStrategy(env.db, opts), NewOptimisticStrategy(env.db, opts)}, key, 100)

	rec, _ := env.db.Get(ctx, key)
	if rec.Quantity != 100-succeeded {
		t.Errorf("expected stock %d, got %d", 100-succeeded, rec.Quantity)
	}
}

func TestIntegration_RedisOptimistic(t *testing.T) {
	env := setupRedis(t)
	ctx := context.Background()
	key := "integration-optimistic-" + uuid.NewString()
	if err := env.cache.SetStock(ctx, key, 100); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.cache.Delete(ctx, key)

	opts := OptimisticOptions{MaxAttempts: 100}
	succeeded := runCallers(t, []Decreaser{NewOptimisticStrategy(env.cache, opts), NewOptimisticStrategy(env.cache, opts)}, key, 100)

	rec, _ := env.cache.Get(ctx, key)
	if rec.Quantity != 100-succeeded {
		t.Errorf("expected stock %d, got %d", 100-succeeded, rec.Quantity)
	}
}

func TestIntegration_RedisLeases(t *testing.T) {
	env := setupRedis(t)
	ctx := context.Background()
	key := "integration-distributed-" + uuid.NewString()
	if err := env.cache.SetStock(ctx, key, 50); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.cache.Delete(ctx, key)
	defer env.redis.Del(ctx, "lease:"+key, "lease:"+key+":fence")

	leases := storage.NewRedisLeases(env.redis)
	var processes []Decreaser
	for _, owner := range []string{"process-a", "process-b"} {
		processes = append(processes, NewDistributedStrategy(leases, NewMutexStrategy(env.cache, MutexOptions{}), DistributedOptions{
			Owner:          owner,
			TTL:            5 * time.Second,
			AcquireTimeout: 30 * time.Second,
			RetryMin:       time.Millisecond,
			RetryMax:       10 * time.Millisecond,
		}))
	}
	succeeded := runCallers(t, processes, key, 50)

	rec, _ := env.cache.Get(ctx, key)
	if succeeded != 50 || rec.Quantity != 0 {
		t.Errorf("expected 50 successes and stock 0, got %d and %d", succeeded, rec.Quantity)
	}
}

func TestIntegration_IdempotencyPreventsDoubleDecrease(t *testing.T) {
	env := setupRedis(t)
	ctx := context.Background()
	key := "integration-idempotency-" + uuid.NewString()
	requestID := "same-request-id-" + uuid.NewString()
	if err := env.cache.SetStock(ctx, key, 10); err != nil {
		t.Fatalf("seed: %v", err)
	}
	defer env.cache.Delete(ctx, key)
	defer env.cache.ClearIdempotency(ctx, "decrease:"+requestID)

	svc := NewStockService(NewOptimisticStrategy(env.cache, OptimisticOptions{}), env.cache, env.cache, nil)

	if err := svc.Decrease(ctx, requestID, key, 1); err != nil {
		t.Fatalf("first decrease failed: %v", err)
	}
	if err := svc.Decrease(ctx, requestID, key, 1); !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got: %v", err)
	}

	rec, _ := env.cache.Get(ctx, key)
	if rec.Quantity != 9 {
		t.Errorf("expected stock 9, got %d", rec.Quantity)
	}
}
