package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/joseph-ayodele/specsheet-validator/internal/app"
	"github.com/joseph-ayodele/specsheet-validator/internal/scheduler"
	"github.com/joseph-ayodele/specsheet-validator/internal/server"
)

const shutdownTimeout = 30 * time.Second

func buildServeCommand(o *options) *cobra.Command {
	var grpcAddr, httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the daemon: periodic ticks, housekeeping and health checks plus the gRPC and HTTP surfaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if grpcAddr == "" {
				grpcAddr = o.cfg.Server.GRPCAddr
			}
			if httpAddr == "" {
				httpAddr = o.cfg.Server.HTTPAddr
			}
			return o.withApp(cmd.Context(), func(a *app.App) error {
				return serve(cmd.Context(), a, grpcAddr, httpAddr)
			})
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "gRPC listen address (default from config)")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "HTTP listen address (default from config)")
	return cmd
}

// daemonTasks are the periodic invocations that replace an external cron in daemon mode.
func daemonTasks(a *app.App) []scheduler.Task {
	cfg := a.Config
	return []scheduler.Task{
		{
			Name:     "tick",
			Schedule: cfg.Scheduler.TickSchedule,
			Run: func(ctx context.Context) error {
				_, err := a.Scheduler.Tick(ctx, cfg.Scheduler.BatchSize)
				return err
			},
		},
		{
			Name:     "housekeeping",
			Schedule: cfg.Housekeeping.Schedule,
			Timeout:  15 * time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Housekeeper.Run(ctx, time.Now())
				return err
			},
		},
		{
			Name:     "health",
			Schedule: cfg.Housekeeping.HealthSchedule,
			Timeout:  time.Minute,
			Run: func(ctx context.Context) error {
				_, err := a.Health.Check(ctx, time.Now())
				return err
			},
		},
	}
}

func serve(ctx context.Context, a *app.App, grpcAddr, httpAddr string) error {
	logger := a.Logger

	grpcServer := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, hs)
	reflection.Register(grpcServer)
	server.RegisterAnalysisServer(grpcServer, server.NewAnalysisService(a.Analysis, logger))

	reporter := server.NewHealthReporter(hs, a.Metrics)
	a.OnHealth(reporter.Observe)

	c := scheduler.NewCron(logger)
	for _, t := range daemonTasks(a) {
		if err := c.Add(t); err != nil {
			return err
		}
	}

	lis, err := net.Listen("tcp", grpcAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", grpcAddr, err)
	}
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           server.NewRouter(a.Analysis, reporter, a.Registry, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc serving", "addr", lis.Addr().String())
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("grpc serve: %w", err)
		}
	}()
	go func() {
		logger.Info("http serving", "addr", httpAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http serve: %w", err)
		}
	}()

	// First status right away so /healthz and the gRPC health service do not wait for the schedule.
	if _, err := a.Health.Check(ctx, time.Now()); err != nil {
		logger.Warn("health.initial.failed", "error", err)
	}
	c.Start()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down...")
	case runErr = <-errCh:
		logger.Error("server failed, shutting down", "error", runErr)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	hs.Shutdown()
	c.Stop(shutdownCtx)
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	logger.Info("stopped")
	return runErr
}
