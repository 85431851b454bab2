package config

import (
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := viper.New()
	if err := BindFlags(fs, v); err != nil {
		t.Fatalf("bind: %v", err)
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("parse: %v", err)
	}
	return Load(v)
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Backend != BackendMemory || cfg.Strategy != "optimistic" {
		t.Errorf("unexpected defaults: backend=%s strategy=%s", cfg.Backend, cfg.Strategy)
	}
	if cfg.LockWait != 5*time.Second {
		t.Errorf("expected lock wait 5s, got %s", cfg.LockWait)
	}
	if cfg.OptimisticAttempts != 10 {
		t.Errorf("expected 10 attempts, got %d", cfg.OptimisticAttempts)
	}
}

func TestLoadFlags(t *testing.T) {
	cfg, err := load(t, "--strategy=distributed", "--inner-strategy=pessimistic", "--backend=mysql", "--lease-backend=sqlite", "--lease-ttl=3s", "--wait-mode=fail-fast")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != "distributed" || cfg.InnerStrategy != "pessimistic" || cfg.LeaseBackend != BackendSQLite {
		t.Errorf("flags not applied: %+v", cfg)
	}
	if cfg.LeaseTTL != 3*time.Second || cfg.WaitMode != WaitFailFast {
		t.Errorf("lease settings not applied: ttl=%s wait=%s", cfg.LeaseTTL, cfg.WaitMode)
	}
}

func TestLoadEnv(t *testing.T) {
	t.Setenv("STOCKGUARD_STRATEGY", "pessimistic")
	t.Setenv("STOCKGUARD_LOCK_WAIT", "250ms")
	t.Setenv("STOCKGUARD_SEED_KEY", "sku-1")
	t.Setenv("STOCKGUARD_SEED_QUANTITY", "100")

	cfg, err := load(t)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Strategy != "pessimistic" || cfg.LockWait != 250*time.Millisecond {
		t.Errorf("env not applied: strategy=%s lock-wait=%s", cfg.Strategy, cfg.LockWait)
	}
	if cfg.SeedKey != "sku-1" || cfg.SeedQuantity != 100 {
		t.Errorf("seed not applied: %s=%d", cfg.SeedKey, cfg.SeedQuantity)
	}
}

func TestValidateRejectsPessimisticOnRedis(t *testing.T) {
	_, err := load(t, "--backend=redis", "--strategy=pessimistic")
	if err == nil || !strings.Contains(err.Error(), "row locks") {
		t.Fatalf("expected row lock error, got %v", err)
	}

	_, err = load(t, "--backend=redis", "--strategy=distributed", "--inner-strategy=pessimistic")
	if err == nil {
		t.Fatalf("expected error for pessimistic inner strategy on redis")
	}
}

func TestValidateRejectsUnknownValues(t *testing.T) {
	for _, args := range [][]string{
		{"--backend=postgres"},
		{"--strategy=spinlock"},
		{"--strategy=distributed", "--lease-backend=etcd"},
		{"--strategy=distributed", "--wait-mode=forever"},
		{"--optimistic-attempts=0"},
	} {
		if _, err := load(t, args...); err == nil {
			t.Errorf("expected error for %v", args)
		}
	}
}
