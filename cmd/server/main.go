package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"google.golang.org/grpc"
	"pkt.systems/pslog"

	"github.com/rl1809/stock-guard/internal/adapter/handler"
	"github.com/rl1809/stock-guard/internal/config"
	"github.com/rl1809/stock-guard/internal/core/service"
	"github.com/rl1809/stock-guard/internal/obs"
)

func main() {
	os.Exit(submain(context.Background()))
}

func submain(ctx context.Context) int {
	logger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("STOCKGUARD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "stock-guard")

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cmd, err := newRootCommand(logger)
	if err != nil {
		logger.Error("command setup failed", "error", err)
		return 1
	}
	if err := cmd.ExecuteContext(ctx); err != nil {
		if !errors.Is(err, context.Canceled) {
			logger.Error("command failed", "error", err)
		}
		return 1
	}
	return 0
}

func newRootCommand(logger pslog.Logger) (*cobra.Command, error) {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "stock-guard",
		Short: "Serve concurrency-safe stock decrements over HTTP and gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(v)
			if err != nil {
				return err
			}
			cmd.SilenceUsage = true
			return serve(cmd.Context(), cfg, logger)
		},
	}
	if err := config.BindFlags(cmd.Flags(), v); err != nil {
		return nil, err
	}
	return cmd, nil
}

func serve(ctx context.Context, cfg config.Config, logger pslog.Logger) error {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := obs.NewMetrics(registry)

	deps, err := wire(ctx, cfg, metrics, logger)
	if err != nil {
		return err
	}
	defer deps.Close()

	if cfg.SeedKey != "" {
		if err := deps.seeder.SetStock(ctx, cfg.SeedKey, cfg.SeedQuantity); err != nil {
			return fmt.Errorf("seed %s: %w", cfg.SeedKey, err)
		}
		logger.Info("stock.seeded", "key", cfg.SeedKey, "quantity", cfg.SeedQuantity)
	}

	decreaser := service.Instrument(cfg.Strategy, deps.strategy, metrics, logger)
	stockService := service.NewStockService(decreaser, deps.reader, deps.idempotency, logger)

	var grpcServer *grpc.Server
	if cfg.GRPCListen != "" {
		lis, err := net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcServer = grpc.NewServer()
		handler.RegisterStockServiceServer(grpcServer, handler.NewGRPCHandler(stockService))
		go func() {
			logger.Info("grpc.listening", "addr", cfg.GRPCListen)
			if err := grpcServer.Serve(lis); err != nil {
				logger.Warn("grpc.serve.stopped", "error", err)
			}
		}()
	}

	mux := http.NewServeMux()
	handler.NewHTTPHandler(stockService, logger).Register(mux)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	httpServer := &http.Server{
		Addr:    cfg.HTTPListen,
		Handler: mux,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("http.listening", "addr", cfg.HTTPListen, "strategy", cfg.Strategy, "backend", cfg.Backend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http serve: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http.shutdown.failed", "error", err)
	}
	if grpcServer != nil {
		grpcServer.GracefulStop()
	}
	logger.Info("stopped")
	return nil
}
