package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	creditv1 "github.com/MarkoPoloResearchLab/credits/api/credit/v1"
	"github.com/MarkoPoloResearchLab/credits/internal/grpcserver"
	"github.com/MarkoPoloResearchLab/credits/internal/observability"
	"github.com/MarkoPoloResearchLab/credits/internal/store/gormstore"
	"github.com/MarkoPoloResearchLab/credits/internal/store/pgstore"
	"github.com/MarkoPoloResearchLab/credits/internal/sweeper"
	"github.com/MarkoPoloResearchLab/credits/internal/tiers"
	"github.com/MarkoPoloResearchLab/credits/pkg/ledger"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(cfg *runtimeConfig) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gRPC server, sweeper and metrics endpoint",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return loadServeConfig(cmd, cfg)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg)
		},
	}
	cmd.Flags().String(flagListenAddr, defaultGRPCListenAddr, "gRPC listen address")
	cmd.Flags().String(flagMetricsAddr, defaultMetricsAddr, "Prometheus metrics listen address; empty disables")
	cmd.Flags().Duration(flagSlotTTL, defaultSlotTTL, "lifetime of a concurrency slot")
	cmd.Flags().Int(flagStaleHoldMaxAgeHours, defaultStaleHoldMaxAgeHours, "age after which pending holds are cancelled")
	cmd.Flags().Duration(flagSweepInterval, defaultSweepInterval, "interval between expiry and cleanup sweeps")
	cmd.Flags().String(flagTierLimits, tiers.DefaultLimits, "concurrent request limit per tier, e.g. free=1,pro=3")
	cmd.Flags().String(flagDefaultTier, string(ledger.TierFree), "tier for users without an assignment")
	cmd.Flags().String(flagUserTiers, "", "per-user tier assignments, e.g. alice=pro,bob=enterprise")
	cmd.Flags().Int(flagConflictAttempts, defaultConflictAttempts, "attempts per operation on serialization conflicts")
	return cmd
}

func runServer(ctx context.Context, cfg *runtimeConfig) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("database open: %w", err)
	}
	defer closeStore()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	operationLogger := observability.FanOut{
		observability.NewZapOperationLogger(logger),
		observability.NewMetrics(registry),
	}

	clock := func() int64 { return time.Now().UTC().Unix() }
	creditService, err := ledger.NewService(store, clock,
		ledger.WithOperationLogger(operationLogger),
		ledger.WithConflictAttempts(cfg.ConflictAttempts),
	)
	if err != nil {
		return fmt.Errorf("credit service init: %w", err)
	}
	tierProvider, err := tiers.FromConfig(cfg.TierLimits, cfg.DefaultTier, cfg.UserTiers)
	if err != nil {
		return fmt.Errorf("tiers init: %w", err)
	}
	slotLimiter, err := ledger.NewSlotLimiter(store, tierProvider, clock,
		ledger.WithSlotTTL(cfg.SlotTTL),
		ledger.WithSlotOperationLogger(operationLogger),
		ledger.WithSlotConflictAttempts(cfg.ConflictAttempts),
	)
	if err != nil {
		return fmt.Errorf("slot limiter init: %w", err)
	}
	backgroundSweeper, err := sweeper.New(
		sweeper.Jobs{Credits: creditService, Slots: slotLimiter},
		sweeper.Config{Interval: cfg.SweepInterval, StaleHoldMaxAgeHours: cfg.StaleHoldMaxAgeHours},
		clock,
		logger,
	)
	if err != nil {
		return fmt.Errorf("sweeper init: %w", err)
	}

	listener, err := net.Listen("tcp", cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	grpcServer := grpc.NewServer()
	creditv1.RegisterCreditServiceServer(grpcServer, grpcserver.NewCreditServiceServer(creditService, slotLimiter))

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Info("gRPC server starting", zap.String("listen_addr", cfg.ListenAddr))
		if serveErr := grpcServer.Serve(listener); serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc serve: %w", serveErr)
		}
		return nil
	})
	group.Go(func() error {
		return backgroundSweeper.Run(groupCtx)
	})

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		mux.HandleFunc("/healthz", func(writer http.ResponseWriter, _ *http.Request) {
			writer.WriteHeader(http.StatusOK)
		})
		metricsServer = &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			logger.Info("metrics server starting", zap.String("metrics_addr", cfg.MetricsAddr))
			if serveErr := metricsServer.ListenAndServe(); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
				return fmt.Errorf("metrics serve: %w", serveErr)
			}
			return nil
		})
	}

	group.Go(func() error {
		<-groupCtx.Done()
		logger.Info("shutdown requested")
		grpcServer.GracefulStop()
		if metricsServer != nil {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
				logger.Warn("metrics shutdown error", zap.Error(shutdownErr))
			}
		}
		return nil
	})

	return group.Wait()
}

// openStore picks pgstore or gormstore from the database URL and prepares the schema.
func openStore(ctx context.Context, cfg *runtimeConfig, logger *zap.Logger) (ledger.Store, func(), error) {
	postgres, err := cfg.usesPostgres()
	if err != nil {
		return nil, nil, err
	}
	if postgres {
		changed, err := pgstore.MigrateUp(cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("schema ready", zap.Bool("migrated", changed))
	}
	if postgres && cfg.StoreBackend == storeBackendPgx {
		pool, err := pgstore.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("store opened", zap.String("backend", storeBackendPgx))
		return pgstore.New(pool), pool.Close, nil
	}
	db, driver, err := gormstore.Open(cfg.DatabaseURL)
	if err != nil {
		return nil, nil, err
	}
	logger.Info("store opened", zap.String("backend", storeBackendGorm), zap.String("driver", driver))
	closeDB := func() {
		if closeErr := gormstore.Close(db); closeErr != nil {
			logger.Warn("database close error", zap.Error(closeErr))
		}
	}
	return gormstore.New(db), closeDB, nil
}
