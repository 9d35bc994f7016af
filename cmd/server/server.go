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

	"github.com/nats-io/nats.go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/pesio-ai/be-approval-routing/internal/catalog"
	"github.com/pesio-ai/be-approval-routing/internal/client"
	"github.com/pesio-ai/be-approval-routing/internal/config"
	"github.com/pesio-ai/be-approval-routing/internal/handler"
	"github.com/pesio-ai/be-approval-routing/internal/logger"
	"github.com/pesio-ai/be-approval-routing/internal/service"
	"github.com/pesio-ai/be-approval-routing/internal/tracing"
)

func runServer(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	log := newLogger(cfg)
	log.Info().
		Str("environment", cfg.Service.Environment).
		Str("driver", cfg.Database.Driver).
		Msg("Starting Approval Routing Service")

	if cfg.Tracing.Enabled {
		if err := tracing.Init(cfg.Service.Name, cfg.Service.Version); err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
			defer cancel()
			if err := tracing.Shutdown(shutdownCtx); err != nil {
				log.Error().Err(err).Msg("Tracing shutdown failed")
			}
		}()
	}

	st, err := openStores(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer st.Close()

	directory := st.directory
	if cfg.Directory.GRPCAddr != "" {
		dirClient, err := client.NewDirectoryGRPCClient(cfg.Directory.GRPCAddr)
		if err != nil {
			return fmt.Errorf("create directory gRPC client: %w", err)
		}
		defer dirClient.Close()
		directory = dirClient
		log.Info().Str("directory_grpc", cfg.Directory.GRPCAddr).Msg("Directory gRPC client initialized")
	}

	var natsConn *nats.Conn
	if cfg.NATS.Enabled {
		natsConn, err = client.ConnectNATS(cfg.NATS.URL, cfg.Service.Name, log.Logger)
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		defer func() {
			if err := natsConn.Drain(); err != nil {
				log.Error().Err(err).Msg("NATS drain failed")
			}
		}()
		log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
	}
	publisher := client.NewNotificationPublisher(natsConn, cfg.NATS.SubjectPrefix, log.Component("notifications").Logger)

	cat := catalog.New(st.rules, catalog.NewCache(cfg.Approval.RuleCacheTTL), log.Component("catalog").Logger)
	routingService := service.NewApprovalRoutingService(cat, directory, st.lines, st.requests, publisher, service.Options{
		AdministratorIDs:   cfg.Approval.AdministratorIDs,
		MaxConflictRetries: cfg.Approval.MaxConflictRetries,
	}, log.Component("routing"))

	httpHandler := handler.NewHTTPHandler(routingService, log)
	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler.Routes(cfg.Server.RequestTimeout),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		handler.RecoveryInterceptor(log.Logger),
		handler.LoggingInterceptor(log.Logger),
	))
	handler.RegisterApprovalRoutingServer(grpcServer, handler.NewGRPCHandler(routingService, log.Logger))
	healthServer := health.NewServer()
	healthServer.SetServingStatus(handler.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	grpcListener, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("create gRPC listener: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	go func() {
		log.Info().Int("port", cfg.Server.GRPCPort).Msg("Starting gRPC server")
		if err := grpcServer.Serve(grpcListener); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	var serveErr error
	select {
	case sig := <-quit:
		log.Info().Str("signal", sig.String()).Msg("Shutting down server...")
	case serveErr = <-errCh:
		log.Error().Err(serveErr).Msg("Server failed, shutting down")
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	grpcServer.GracefulStop()

	log.Info().Msg("Server stopped")
	return serveErr
}

func newLogger(cfg *config.Config) *logger.Logger {
	return logger.New(logger.Config{
		Level:       cfg.Service.LogLevel,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
}
