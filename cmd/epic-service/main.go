// Command epic-service serves the demo canteen epics over gRPC.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"

	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/epic/canteen"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/config"
	"github.com/jcmexdev/canteen-integration/internal/pkg/interceptors"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

var Version = "dev"

func main() {
	var (
		configPath string
		domains    []string
	)

	rootCmd := &cobra.Command{
		Use:     "epic-service",
		Short:   "Serve canteen epics (menus, orders, payments, notifications) over gRPC",
		Version: Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, domains)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")
	rootCmd.Flags().StringSliceVar(&domains, "domains", nil, "epics to serve (default all)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, domains []string) error {
	logger := telemetry.InitLogger(cfg.Log.Level)

	if cfg.OTel.Enabled {
		shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
			ServiceName: "canteen-epic-service",
			Endpoint:    cfg.OTel.Endpoint,
			Environment: cfg.OTel.Environment,
			SampleRatio: cfg.OTel.SampleRatio,
		})
		if err != nil {
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("tracer shutdown error", "error", err)
			}
		}()
	}

	var replay cache.Cache = cache.NewMemoryCache("canteen-epics", nil)
	if cfg.Redis.Addr != "" {
		replay = cache.NewRedisCache(cfg.Redis.Addr, "canteen-epics")
		if err := cache.Ping(ctx, replay); err != nil {
			return err
		}
	}

	c := canteen.New(canteen.Config{ChargeLimit: cfg.Canteen.ChargeLimit, Cache: replay, Logger: logger})
	router := epic.NewRouter()
	for _, svc := range c.Services() {
		if len(domains) == 0 || slices.Contains(domains, svc.Domain()) {
			router.Mount(svc)
		}
	}
	if len(router.Domains()) == 0 {
		return fmt.Errorf("epic-service: none of %v is a canteen epic", domains)
	}

	grpcServer := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.UnaryServerInterceptor(),
			interceptors.LoggingServerInterceptor(logger),
		),
	)
	epic.NewServer(router, logger).Register(grpcServer)

	lis, err := net.Listen("tcp", cfg.GRPC.Addr)
	if err != nil {
		return fmt.Errorf("epic-service: listen %s: %w", cfg.GRPC.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("epic service gRPC running", "addr", cfg.GRPC.Addr, "epics", router.Domains())
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down epic service")
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(cfg.ShutdownTimeout):
		grpcServer.Stop()
	}
	return nil
}
