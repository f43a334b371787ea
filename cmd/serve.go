package main

import (
	"context"
	"database/sql"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/akylbek/payment-system/escrow-engine/internal/api"
	"github.com/akylbek/payment-system/escrow-engine/internal/config"
	"github.com/akylbek/payment-system/escrow-engine/internal/events"
	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/service"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

// app holds the wired components shared by serve and sweep.
type app struct {
	db           *sql.DB
	publisher    interfaces.EventPublisher
	closeLease   func() error
	registry     *providers.Registry
	ledger       *service.Ledger
	scheduler    *service.Scheduler
	reconciler   *service.Reconciler
	orchestrator *service.Orchestrator
}

func build(cfg *config.Config) (*app, error) {
	db, repo, err := openRepository(cfg)
	if err != nil {
		return nil, err
	}
	if err := repo.InitDB(); err != nil {
		db.Close()
		return nil, err
	}

	publisher, err := events.New(cfg.EventBus, cfg.KafkaBrokers, cfg.NatsURL)
	if err != nil {
		db.Close()
		return nil, err
	}

	registry, err := buildRegistry(cfg)
	if err != nil {
		publisher.Close()
		db.Close()
		return nil, err
	}

	lease, closeLease := buildLease(cfg)
	ledger := service.NewLedger(repo, publisher)
	scheduler := service.NewScheduler(ledger, lease, service.SchedulerConfig{
		Interval: cfg.SchedulerInterval,
		Batch:    cfg.SchedulerBatch,
	})

	return &app{
		db:           db,
		publisher:    publisher,
		closeLease:   closeLease,
		registry:     registry,
		ledger:       ledger,
		scheduler:    scheduler,
		reconciler:   service.NewReconciler(registry, ledger, repo, scheduler),
		orchestrator: service.NewOrchestrator(ledger, registry, scheduler),
	}, nil
}

func (a *app) Close() {
	if err := a.publisher.Close(); err != nil {
		telemetry.Logger.Warn("Failed to close event publisher", zap.Error(err))
	}
	if err := a.closeLease(); err != nil {
		telemetry.Logger.Warn("Failed to close Redis client", zap.Error(err))
	}
	a.db.Close()
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, webhook receiver and escrow scheduler",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(parent context.Context, cfg *config.Config) error {
	telemetry.Logger.Info("Starting escrow engine")

	a, err := build(cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		if err := a.scheduler.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			telemetry.Logger.Error("Escrow scheduler exited", zap.Error(err))
		}
	}()

	if cfg.WebhookRelayTopic != "" && cfg.KafkaBrokers != "" {
		relay := events.NewWebhookRelay(cfg.KafkaBrokers, cfg.WebhookRelayTopic,
			func(ctx context.Context, code string, raw []byte, signature string) error {
				_, err := a.reconciler.Handle(ctx, code, raw, signature)
				return err
			})
		go relay.Run(ctx)
	}

	gin.SetMode(gin.ReleaseMode)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(a.orchestrator, a.reconciler, a.registry),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		telemetry.Logger.Info("Escrow engine starting", zap.String("port", cfg.Port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			telemetry.Logger.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	grpcServer, health := api.NewHealthServer(serviceName)
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}
	go func() {
		telemetry.Logger.Info("gRPC health service starting", zap.String("port", cfg.GRPCPort))
		if err := grpcServer.Serve(lis); err != nil {
			telemetry.Logger.Error("gRPC server stopped", zap.Error(err))
		}
	}()

	<-ctx.Done()

	telemetry.Logger.Info("Shutting down server...")
	health.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		telemetry.Logger.Error("Server forced to shutdown", zap.Error(err))
	}
	grpcServer.GracefulStop()

	telemetry.Logger.Info("Server exited")
	return nil
}
