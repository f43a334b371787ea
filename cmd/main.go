package main

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/akylbek/payment-system/escrow-engine/internal/config"
	"github.com/akylbek/payment-system/escrow-engine/internal/interfaces"
	"github.com/akylbek/payment-system/escrow-engine/internal/providers"
	"github.com/akylbek/payment-system/escrow-engine/internal/repository"
	"github.com/akylbek/payment-system/escrow-engine/internal/telemetry"
)

const serviceName = "escrow-engine"

func main() {
	root := &cobra.Command{
		Use:           serviceName,
		Short:         "Payment orchestration and escrow engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), migrateCmd(), sweepCmd())

	if err := root.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			db, repo, err := openRepository(cfg)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := repo.InitDBContext(cmd.Context()); err != nil {
				return err
			}
			telemetry.Logger.Info("Schema is up to date", zap.String("driver", cfg.DatabaseDriver))
			return nil
		},
	}
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Release every held payment whose deadline has passed, then exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			defer telemetry.Shutdown(context.Background())

			a, err := build(cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			released, err := a.scheduler.Tick(cmd.Context(), time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "released %d payment(s)\n", released)
			return nil
		},
	}
}

func setup() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	err = telemetry.InitTelemetry(telemetry.Options{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.JaegerEndpoint,
		LogLevel:     cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("initialize telemetry: %w", err)
	}
	return cfg, nil
}

func openRepository(cfg *config.Config) (*sql.DB, *repository.PaymentRepository, error) {
	dialect, err := repository.DialectFor(cfg.DatabaseDriver)
	if err != nil {
		return nil, nil, err
	}
	db, err := sql.Open(dialect.Driver, cfg.DatabaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}
	if dialect.Name == repository.SQLite.Name && strings.Contains(cfg.DatabaseURL, ":memory:") {
		// each connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}
	return db, repository.NewPaymentRepository(db, dialect), nil
}

func buildRegistry(cfg *config.Config) (*providers.Registry, error) {
	policy := providers.RetryPolicy{
		MaxAttempts:     cfg.ProviderMaxAttempts,
		InitialInterval: cfg.ProviderBackoffInitial,
		MaxInterval:     cfg.ProviderBackoffMax,
		Timeout:         cfg.ProviderTimeout,
	}
	registry := providers.NewRegistry()
	for _, code := range cfg.Providers {
		creds := cfg.Credentials[code]
		p, err := providers.New(code, providers.Config{
			TestMode:      cfg.ProviderTestMode,
			BaseURL:       creds.BaseURL,
			SecretKey:     creds.SecretKey,
			ClientID:      creds.ClientID,
			WebhookSecret: creds.WebhookSecret,
			WebhookID:     creds.WebhookID,
		})
		if err != nil {
			return nil, err
		}
		registry.Register(providers.WithRetry(p, policy))
	}
	telemetry.Logger.Info("Providers registered",
		zap.Strings("providers", registry.Codes()),
		zap.Bool("test_mode", cfg.ProviderTestMode),
	)
	return registry, nil
}

func buildLease(cfg *config.Config) (interfaces.Lease, func() error) {
	if cfg.RedisURL == "" {
		return nil, func() error { return nil }
	}
	redisClient := redis.NewClient(&redis.Options{
		Addr: cfg.RedisURL,
	})
	return repository.NewRedisLease(redisClient, serviceName+":"), redisClient.Close
}
