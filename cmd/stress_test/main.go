package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/adapter/storage"
	"github.com/rl1809/stock-guard/internal/core/domain"
	"github.com/rl1809/stock-guard/internal/core/service"
	"github.com/rl1809/stock-guard/internal/port"
)

const itemID = "stress-item"

type stressOptions struct {
	stock     int64
	requests  int
	processes int
	redisAddr string
}

type result struct {
	name       string
	success    int64
	contention int64
	soldOut    int64
	failed     int64
	final      int64
	elapsed    time.Duration
}

func main() {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("STOCKGUARD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	)

	opts := stressOptions{}
	cmd := &cobra.Command{
		Use:   "stress_test",
		Short: "Hammer every decrement strategy with concurrent callers and compare",
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			return run(cmd.Context(), opts, logger)
		},
	}
	cmd.Flags().Int64Var(&opts.stock, "stock", 100, "initial stock")
	cmd.Flags().IntVar(&opts.requests, "requests", 150, "concurrent decrements of 1")
	cmd.Flags().IntVar(&opts.processes, "processes", 2, "simulated processes per strategy")
	cmd.Flags().StringVar(&opts.redisAddr, "redis-addr", "", "run against Redis instead of memory (optimistic and distributed only)")

	if err := cmd.ExecuteContext(context.Background()); err != nil {
		logger.Error("stress test failed", "error", err)
		os.Exit(1)
	}
}

type backend struct {
	repo   port.StockRepository
	txRepo port.TxStockRepository
	leases port.LeaseService
	seed   func(ctx context.Context, quantity int64) error
}

func run(ctx context.Context, opts stressOptions, logger pslog.Logger) error {
	newBackend := func() (*backend, error) {
		store := storage.NewMemoryStore(nil)
		return &backend{
			repo:   store,
			txRepo: store,
			leases: storage.NewMemoryLeases(nil),
			seed:   func(ctx context.Context, q int64) error { return store.SetStock(ctx, itemID, q) },
		}, nil
	}
	if opts.redisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.redisAddr})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		defer rdb.Close()
		adapter := storage.NewRedisAdapter(rdb)
		leases := storage.NewRedisLeases(rdb)
		newBackend = func() (*backend, error) {
			return &backend{
				repo:   adapter,
				leases: leases,
				seed:   func(ctx context.Context, q int64) error { return adapter.SetStock(ctx, itemID, q) },
			}, nil
		}
	}

	strategies := []struct {
		name  string
		build func(b *backend) service.Decreaser
	}{
		{service.StrategyMutex, func(b *backend) service.Decreaser {
			return service.NewMutexStrategy(b.repo, service.MutexOptions{Logger: logger})
		}},
		{service.StrategyPessimistic, func(b *backend) service.Decreaser {
			if b.txRepo == nil {
				return nil
			}
			return service.NewPessimisticStrategy(b.txRepo, service.PessimisticOptions{Logger: logger})
		}},
		{service.StrategyOptimistic, func(b *backend) service.Decreaser {
			return service.NewOptimisticStrategy(b.repo, service.OptimisticOptions{Logger: logger})
		}},
		{service.StrategyDistributed, func(b *backend) service.Decreaser {
			return service.NewDistributedStrategy(b.leases, service.NewMutexStrategy(b.repo, service.MutexOptions{}), service.DistributedOptions{
				Owner:          fmt.Sprintf("stress-%d", time.Now().UnixNano()),
				AcquireTimeout: 10 * time.Second,
				Logger:         logger,
			})
		}},
	}

	var results []result
	for _, s := range strategies {
		b, err := newBackend()
		if err != nil {
			return err
		}
		if err := b.seed(ctx, opts.stock); err != nil {
			return fmt.Errorf("seed: %w", err)
		}

		// Each simulated process builds its own strategy instance.
		var processes []service.Decreaser
		for i := 0; i < opts.processes; i++ {
			if d := s.build(b); d != nil {
				processes = append(processes, d)
			}
		}
		if len(processes) == 0 {
			fmt.Printf("skipping %s: backend has no row locks\n", s.name)
			continue
		}

		res := hammer(ctx, s.name, processes, opts.requests)
		rec, err := b.repo.Get(ctx, itemID)
		if err != nil {
			return fmt.Errorf("read final stock: %w", err)
		}
		res.final = rec.Quantity
		results = append(results, res)
	}

	report(opts, results)
	return nil
}

func hammer(ctx context.Context, name string, processes []service.Decreaser, requests int) result {
	var success, contention, soldOut, failed atomic.Int64
	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < requests; i++ {
		wg.Add(1)
		go func(d service.Decreaser) {
			defer wg.Done()
			err := d.Decrease(ctx, itemID, 1)
			switch {
			case err == nil:
				success.Add(1)
			case errors.Is(err, domain.ErrInsufficientStock):
				soldOut.Add(1)
			case domain.IsRetryable(err):
				contention.Add(1)
			default:
				failed.Add(1)
			}
		}(processes[i%len(processes)])
	}
	wg.Wait()

	return result{
		name:       name,
		success:    success.Load(),
		contention: contention.Load(),
		soldOut:    soldOut.Load(),
		failed:     failed.Load(),
		elapsed:    time.Since(start),
	}
}

func report(opts stressOptions, results []result) {
	fmt.Println("========== STRESS TEST RESULTS ==========")
	fmt.Printf("Initial Stock:    %s\n", humanize.Comma(opts.stock))
	fmt.Printf("Total Requests:   %s across %d simulated processes\n", humanize.Comma(int64(opts.requests)), opts.processes)
	fmt.Println("==========================================")
	for _, r := range results {
		perSec := float64(opts.requests) / r.elapsed.Seconds()
		fmt.Printf("%-12s ok=%-5d sold_out=%-5d busy=%-5d failed=%-5d final=%-5d %s (%s req/s)\n",
			r.name, r.success, r.soldOut, r.contention, r.failed, r.final,
			r.elapsed.Round(time.Microsecond), humanize.Comma(int64(perSec)))

		expected := opts.stock - r.success
		if r.final == expected && r.final >= 0 {
			fmt.Printf("  PASS: final stock %d matches %d successful decrements\n", r.final, r.success)
		} else {
			fmt.Printf("  FAIL: %d successful decrements should leave %d, found %d (lost updates)\n", r.success, expected, r.final)
		}
	}
}
