// Command gateway runs the integration engine behind the HTTP API. Epics
// are reached over gRPC when an address is configured, otherwise served in
// process from the demo canteen.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/jcmexdev/canteen-integration/internal/coordinator"
	"github.com/jcmexdev/canteen-integration/internal/coordinator/sagalog/sqlite"
	"github.com/jcmexdev/canteen-integration/internal/epic"
	"github.com/jcmexdev/canteen-integration/internal/epic/canteen"
	"github.com/jcmexdev/canteen-integration/internal/gateway/httpx"
	"github.com/jcmexdev/canteen-integration/internal/pkg/cache"
	"github.com/jcmexdev/canteen-integration/internal/pkg/config"
	"github.com/jcmexdev/canteen-integration/internal/pkg/scheduler"
	"github.com/jcmexdev/canteen-integration/internal/pkg/telemetry"
)

var Version = "dev"

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:     "gateway",
		Short:   "Canteen integration gateway and saga coordinator",
		Version: Version,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVarP(&configPath, "config", "c", "", "config file (yaml or json)")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger := telemetry.InitLogger(cfg.Log.Level)

	if cfg.OTel.Enabled {
		shutdown, err := telemetry.SetupTracer(ctx, telemetry.TracerConfig{
			ServiceName: cfg.OTel.ServiceName,
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := telemetry.NewMetrics(reg)

	results, err := newCache(ctx, cfg.Redis.Addr, "canteen-gateway")
	if err != nil {
		return err
	}

	policies, err := cfg.RetryPolicies()
	if err != nil {
		return err
	}

	router, closeEpics, err := newEpicRouter(cfg, logger)
	if err != nil {
		return err
	}
	defer closeEpics()

	opts := coordinator.Options{
		Invoker:  router,
		Policies: policies,
		Settings: cfg.Engine,
		Cache:    results,
		Metrics:  metrics,
		Logger:   logger,
	}
	if cfg.SagaLog.Path != "" {
		repo, err := sqlite.Open(cfg.SagaLog.Path)
		if err != nil {
			return err
		}
		defer repo.Close()
		opts.AuditLog = repo
	}

	engine, err := coordinator.NewEngine(opts)
	if err != nil {
		return err
	}
	logger.Info("engine configured", "settings", cfg.Engine.String(), "epics", router.Domains())

	jobs := scheduler.New(logger, engine.Jobs()...)
	if err := jobs.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		if err := jobs.Stop(stopCtx); err != nil {
			logger.Error("scheduler stop error", "error", err)
		}
	}()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           httpx.NewRouter(httpx.NewHandler(engine, logger), promhttp.HandlerFor(reg, promhttp.HandlerOpts{})),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway HTTP running", "addr", cfg.HTTP.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down gateway")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newCache(ctx context.Context, redisAddr, service string) (cache.Cache, error) {
	if redisAddr == "" {
		return cache.NewMemoryCache(service, nil), nil
	}
	c := cache.NewRedisCache(redisAddr, service)
	if err := cache.Ping(ctx, c); err != nil {
		return nil, err
	}
	return c, nil
}

// newEpicRouter dials every configured epic and, when embedded mode is on,
// serves the remaining canteen domains in process.
func newEpicRouter(cfg *config.Config, logger *slog.Logger) (*epic.Router, func(), error) {
	router := epic.NewRouter()
	var conns []*grpc.ClientConn
	closeAll := func() {
		for _, c := range conns {
			_ = c.Close()
		}
	}

	for domain, addr := range cfg.RemoteEpics() {
		conn, err := epic.Dial(addr)
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		conns = append(conns, conn)
		router.Route(domain, epic.NewClient(conn))
		logger.Info("epic routed over gRPC", "domain", domain, "addr", addr)
	}

	if cfg.Embedded {
		local := canteen.New(canteen.Config{ChargeLimit: cfg.Canteen.ChargeLimit, Logger: logger})
		remote := cfg.RemoteEpics()
		for _, svc := range local.Services() {
			if _, ok := remote[svc.Domain()]; ok {
				continue
			}
			router.Mount(svc)
		}
	}

	if len(router.Domains()) == 0 {
		closeAll()
		return nil, nil, errors.New("gateway: no epics configured")
	}
	return router, closeAll, nil
}
