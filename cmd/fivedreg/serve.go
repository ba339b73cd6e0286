package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/HatiCode/fivedreg/cmd/fivedreg/config"
	"github.com/HatiCode/fivedreg/cmd/fivedreg/router"
	"github.com/HatiCode/fivedreg/pkg/httpx"
	"github.com/HatiCode/fivedreg/pkg/serving"
)

// predictorService is the gRPC health service name that tracks model readiness.
const predictorService = "fivedreg.Predictor"

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve the HTTP API for dataset upload, training, status and prediction.

When --grpc-listen is set, a gRPC health server also reports the
"` + predictorService + `" service as SERVING while a model is published.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig(cmd)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return runServe(ctx, cfg, log, prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config, log *slog.Logger, reg prometheus.Registerer, gatherer prometheus.Gatherer) error {
	log.Info("starting fivedreg",
		"version", version,
		"listen", cfg.Listen,
		"grpc_listen", cfg.GRPCListen,
		"store", cfg.Store.Backend,
		"tls_enabled", cfg.TLS.Enabled,
	)

	a, err := newApp(ctx, cfg, log, reg)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.orch.Recover(ctx); err != nil {
		log.Warn("failed to recover latest training job", "error", err)
	}

	healthServer := newHealthServer(a.registry)
	if cfg.PreloadModel {
		a.preload()
	}

	serverTLS, err := cfg.TLS.ServerConfig()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}

	handler := router.New(router.Deps{
		Orchestrator: a.orch,
		Registry:     a.registry,
		Loader:       a.loader,
		DataDir:      cfg.DataDir,
		CORSOrigins:  cfg.CORSOrigins,
		Gatherer:     gatherer,
		HealthChecks: []httpx.Check{{Name: "store", Fn: a.store.Ping}},
		Logger:       log,
	})

	httpServer := httpx.NewServer(cfg.Listen, handler, log)
	if serverTLS != nil {
		httpServer.SetTLSConfig(serverTLS)
	}

	var (
		grpcServer *grpc.Server
		grpcLis    net.Listener
	)
	if cfg.GRPCListen != "" {
		var opts []grpc.ServerOption
		if serverTLS != nil {
			opts = append(opts, grpc.Creds(credentials.NewTLS(serverTLS)))
		}
		grpcServer = grpc.NewServer(opts...)
		grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)
		reflection.Register(grpcServer)

		grpcLis, err = net.Listen("tcp", cfg.GRPCListen)
		if err != nil {
			return fmt.Errorf("grpc listen on %s: %w", cfg.GRPCListen, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(httpServer.Start)
	g.Go(func() error {
		<-gctx.Done()
		return httpServer.Stop(cfg.ShutdownTimeout)
	})

	if grpcServer != nil {
		g.Go(func() error {
			log.Info("grpc health server listening", "addr", grpcLis.Addr().String())
			if err := grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				return fmt.Errorf("grpc server failed: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			healthServer.Shutdown()
			grpcServer.GracefulStop()
			log.Info("grpc health server stopped")
			return nil
		})
	}

	err = g.Wait()
	log.Info("shutdown complete")
	return err
}

// newHealthServer reports the overall server as SERVING and predictorService as
// SERVING only while registry has a published model.
func newHealthServer(registry *serving.Registry) *health.Server {
	hs := health.NewServer()
	hs.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)

	set := func(loaded bool) {
		status := grpc_health_v1.HealthCheckResponse_NOT_SERVING
		if loaded {
			status = grpc_health_v1.HealthCheckResponse_SERVING
		}
		hs.SetServingStatus(predictorService, status)
	}
	set(registry.Loaded())
	registry.Subscribe(set)
	return hs
}
