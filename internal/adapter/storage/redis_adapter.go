package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/port"
)

const (
	stockKeyPrefix    = "stock:"
	idempotencyKeyTTL = 24 * time.Hour
)

var saveStockScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return -1
end
redis.call('HSET', KEYS[1], 'quantity', ARGV[1], 'updated_at', ARGV[2])
return redis.call('HINCRBY', KEYS[1], 'version', 1)
`)

var compareAndSetStockScript = redis.NewScript(`
local version = redis.call('HGET', KEYS[1], 'version')
if not version then
	return -1
end
if tonumber(version) ~= tonumber(ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[1], 'quantity', ARGV[2], 'updated_at', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'version', 1)
return 1
`)

// RedisAdapter stores each record as a hash stock:<key> {quantity, version,
// updated_at}. Redis has no row locks, so it only serves the lock-free and
// lease-based strategies.
type RedisAdapter struct {
	client *redis.Client
}

var (
	_ port.StockRepository  = (*RedisAdapter)(nil)
	_ port.IdempotencyStore = (*RedisAdapter)(nil)
)

func NewRedisAdapter(client *redis.Client) *RedisAdapter {
	return &RedisAdapter{client: client}
}

func (r *RedisAdapter) Get(ctx context.Context, key string) (domain.StockRecord, error) {
	fields, err := r.client.HGetAll(ctx, stockKeyPrefix+key).Result()
	if err != nil {
		return domain.StockRecord{}, fmt.Errorf("hgetall %s: %w", key, err)
	}
	if len(fields) == 0 {
		return domain.StockRecord{}, fmt.Errorf("get %s: %w", key, domain.ErrNotFound)
	}

	rec := domain.StockRecord{ID: key}
	if rec.Quantity, err = strconv.ParseInt(fields["quantity"], 10, 64); err != nil {
		return domain.StockRecord{}, fmt.Errorf("parse quantity for %s: %w", key, err)
	}
	if rec.Version, err = strconv.ParseInt(fields["version"], 10, 64); err != nil {
		return domain.StockRecord{}, fmt.Errorf("parse version for %s: %w", key, err)
	}
	if ms, err := strconv.ParseInt(fields["updated_at"], 10, 64); err == nil {
		rec.UpdatedAt = time.UnixMilli(ms).UTC()
	}
	return rec, nil
}

func (r *RedisAdapter) Save(ctx context.Context, key string, quantity int64) error {
	result, err := saveStockScript.Run(ctx, r.client, []string{stockKeyPrefix + key},
		quantity, time.Now().UnixMilli()).Int64()
	if err != nil {
		return fmt.Errorf("save %s: %w", key, err)
	}
	if result < 0 {
		return fmt.Errorf("save %s: %w", key, domain.ErrNotFound)
	}
	return nil
}

func (r *RedisAdapter) CompareAndSet(ctx context.Context, key string, expectedVersion, quantity int64) (bool, error) {
	result, err := compareAndSetStockScript.Run(ctx, r.client, []string{stockKeyPrefix + key},
		expectedVersion, quantity, time.Now().UnixMilli()).Int()
	if err != nil {
		return false, fmt.Errorf("compare and set %s: %w", key, err)
	}
	if result < 0 {
		return false, fmt.Errorf("compare and set %s: %w", key, domain.ErrNotFound)
	}
	return result == 1, nil
}

// SetStock provisions key with quantity and version 0.
func (r *RedisAdapter) SetStock(ctx context.Context, key string, quantity int64) error {
	return r.client.HSet(ctx, stockKeyPrefix+key,
		"quantity", quantity,
		"version", 0,
		"updated_at", time.Now().UnixMilli(),
	).Err()
}

func (r *RedisAdapter) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, stockKeyPrefix+key).Err()
}

func (r *RedisAdapter) SetIdempotency(ctx context.Context, key string) (bool, error) {
	ok, err := r.client.SetNX(ctx, key, 1, idempotencyKeyTTL).Result()
	if err != nil {
		return false, err
	}

	return ok, nil
}

func (r *RedisAdapter) ClearIdempotency(ctx context.Context, key string) error {
	return r.client.Del(ctx, key).Err()
}
