// Package config loads the stock-guard server configuration from flags and
// STOCKGUARD_* environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "STOCKGUARD"

const (
	BackendMemory = "memory"
	BackendMySQL  = "mysql"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"

	WaitBlock    = "block"
	WaitFailFast = "fail-fast"
)

type Config struct {
	HTTPListen string
	GRPCListen string

	Backend          string
	MySQLDSN         string
	MySQLMaxOpen     int
	MySQLMaxIdle     int
	MySQLConnMaxLife time.Duration
	RedisAddr        string
	RedisPoolSize    int

	Strategy      string
	InnerStrategy string
	LockWait      time.Duration

	OptimisticAttempts   int
	OptimisticBaseDelay  time.Duration
	OptimisticMaxDelay   time.Duration
	OptimisticMultiplier float64

	LeaseBackend   string
	SQLitePath     string
	LeaseTTL       time.Duration
	WaitMode       string
	AcquireTimeout time.Duration

	SeedKey      string
	SeedQuantity int64

	ShutdownTimeout time.Duration
}

// BindFlags registers every setting on fs and binds it to v, both as the flag
// and as STOCKGUARD_<FLAG_NAME>.
func BindFlags(fs *pflag.FlagSet, v *viper.Viper) error {
	fs.String("http-listen", ":8080", "HTTP listen address")
	fs.String("grpc-listen", ":50051", "gRPC listen address (empty disables gRPC)")
	fs.String("backend", BackendMemory, "stock storage backend (memory|mysql|redis)")
	fs.String("mysql-dsn", "root:root@tcp(localhost:3306)/stockguard?parseTime=true", "MySQL DSN")
	fs.Int("mysql-max-open", 50, "MySQL max open connections")
	fs.Int("mysql-max-idle", 25, "MySQL max idle connections")
	fs.Duration("mysql-conn-max-lifetime", 5*time.Minute, "MySQL connection max lifetime")
	fs.String("redis-addr", "localhost:6379", "Redis address")
	fs.Int("redis-pool-size", 100, "Redis pool size")
	fs.String("strategy", "optimistic", "decrement strategy (mutex|pessimistic|optimistic|distributed)")
	fs.String("inner-strategy", "mutex", "strategy run under the distributed lease")
	fs.Duration("lock-wait", 5*time.Second, "maximum wait for a mutex or row lock")
	fs.Int("optimistic-attempts", 10, "maximum compare-and-set attempts")
	fs.Duration("optimistic-base-delay", time.Millisecond, "initial backoff between compare-and-set attempts")
	fs.Duration("optimistic-max-delay", 50*time.Millisecond, "maximum backoff between compare-and-set attempts")
	fs.Float64("optimistic-multiplier", 2, "backoff multiplier")
	fs.String("lease-backend", BackendMemory, "lease service backend (memory|redis|sqlite)")
	fs.String("sqlite-path", "stockguard-leases.db", "SQLite lease database path")
	fs.Duration("lease-ttl", 10*time.Second, "distributed lease TTL")
	fs.String("wait-mode", WaitBlock, "lease wait mode (block|fail-fast)")
	fs.Duration("acquire-timeout", 5*time.Second, "maximum lease acquisition wait in block mode (0 uses the 5s default)")
	fs.String("seed-key", "", "stock key provisioned at startup")
	fs.Int64("seed-quantity", 0, "quantity provisioned for seed-key")
	fs.Duration("shutdown-timeout", 5*time.Second, "graceful shutdown timeout")

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	var bindErr error
	fs.VisitAll(func(flag *pflag.Flag) {
		if bindErr != nil {
			return
		}
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			bindErr = fmt.Errorf("bind %s: %w", flag.Name, err)
		}
	})
	return bindErr
}

func Load(v *viper.Viper) (Config, error) {
	cfg := Config{
		HTTPListen:           v.GetString("http-listen"),
		GRPCListen:           v.GetString("grpc-listen"),
		Backend:              strings.ToLower(strings.TrimSpace(v.GetString("backend"))),
		MySQLDSN:             v.GetString("mysql-dsn"),
		MySQLMaxOpen:         v.GetInt("mysql-max-open"),
		MySQLMaxIdle:         v.GetInt("mysql-max-idle"),
		MySQLConnMaxLife:     v.GetDuration("mysql-conn-max-lifetime"),
		RedisAddr:            v.GetString("redis-addr"),
		RedisPoolSize:        v.GetInt("redis-pool-size"),
		Strategy:             strings.ToLower(strings.TrimSpace(v.GetString("strategy"))),
		InnerStrategy:        strings.ToLower(strings.TrimSpace(v.GetString("inner-strategy"))),
		LockWait:             v.GetDuration("lock-wait"),
		OptimisticAttempts:   v.GetInt("optimistic-attempts"),
		OptimisticBaseDelay:  v.GetDuration("optimistic-base-delay"),
		OptimisticMaxDelay:   v.GetDuration("optimistic-max-delay"),
		OptimisticMultiplier: v.GetFloat64("optimistic-multiplier"),
		LeaseBackend:         strings.ToLower(strings.TrimSpace(v.GetString("lease-backend"))),
		SQLitePath:           v.GetString("sqlite-path"),
		LeaseTTL:             v.GetDuration("lease-ttl"),
		WaitMode:             strings.ToLower(strings.TrimSpace(v.GetString("wait-mode"))),
		AcquireTimeout:       v.GetDuration("acquire-timeout"),
		SeedKey:              strings.TrimSpace(v.GetString("seed-key")),
		SeedQuantity:         v.GetInt64("seed-quantity"),
		ShutdownTimeout:      v.GetDuration("shutdown-timeout"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	switch c.Backend {
	case BackendMemory, BackendMySQL, BackendRedis:
	default:
		return fmt.Errorf("config: unknown backend %q", c.Backend)
	}

	switch c.Strategy {
	case "mutex", "optimistic":
	case "pessimistic":
		if c.Backend == BackendRedis {
			return fmt.Errorf("config: pessimistic strategy needs row locks, backend %q has none", c.Backend)
		}
	case "distributed":
		switch c.InnerStrategy {
		case "mutex", "optimistic":
		case "pessimistic":
			if c.Backend == BackendRedis {
				return fmt.Errorf("config: pessimistic inner strategy needs row locks, backend %q has none", c.Backend)
			}
		default:
			return fmt.Errorf("config: unknown inner strategy %q", c.InnerStrategy)
		}
		switch c.LeaseBackend {
		case BackendMemory, BackendRedis, BackendSQLite:
		default:
			return fmt.Errorf("config: unknown lease backend %q", c.LeaseBackend)
		}
		if c.LeaseTTL <= 0 {
			return fmt.Errorf("config: lease-ttl must be > 0")
		}
		if c.WaitMode != WaitBlock && c.WaitMode != WaitFailFast {
			return fmt.Errorf("config: unknown wait mode %q", c.WaitMode)
		}
		if c.AcquireTimeout < 0 {
			return fmt.Errorf("config: acquire-timeout must be >= 0")
		}
	default:
		return fmt.Errorf("config: unknown strategy %q", c.Strategy)
	}

	if c.LockWait < 0 {
		return fmt.Errorf("config: lock-wait must be >= 0")
	}
	if c.OptimisticAttempts < 1 {
		return fmt.Errorf("config: optimistic-attempts must be >= 1")
	}
	if c.SeedKey != "" && c.SeedQuantity < 0 {
		return fmt.Errorf("config: seed-quantity must be >= 0")
	}
	if c.HTTPListen == "" {
		return fmt.Errorf("config: http-listen is required")
	}
	return nil
}
