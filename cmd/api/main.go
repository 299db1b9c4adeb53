package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/riverdriver/riverpgxv5"
	"github.com/riverqueue/river/rivermigrate"
	"github.com/rs/cors"

	"github.com/renderdeck/backend/internal/auth"
	"github.com/renderdeck/backend/internal/catalog"
	"github.com/renderdeck/backend/internal/config"
	"github.com/renderdeck/backend/internal/dashboard"
	"github.com/renderdeck/backend/internal/execution"
	"github.com/renderdeck/backend/internal/handlers"
	"github.com/renderdeck/backend/internal/jobs"
	"github.com/renderdeck/backend/internal/ledger"
	"github.com/renderdeck/backend/internal/provider"
	"github.com/renderdeck/backend/internal/repository"
	"github.com/renderdeck/backend/internal/router"
	"github.com/renderdeck/backend/internal/storage"
	"github.com/renderdeck/backend/internal/sweeper"
	"github.com/renderdeck/backend/internal/webhook"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		slog.Error("Unable to create database pool", "error", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		slog.Error("Cannot reach PostgreSQL. Ensure Postgres is running, e.g. docker-compose up -d", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")

	// River migrations. Application schema migrations (migrations/*.sql) are
	// applied by the deploy pipeline before the binary starts.
	migrator, err := rivermigrate.New(riverpgxv5.New(pool), nil)
	if err != nil {
		slog.Error("Failed to create River migrator", "error", err)
		os.Exit(1)
	}
	if _, err := migrator.Migrate(ctx, rivermigrate.DirectionUp, nil); err != nil {
		slog.Error("River migrate up failed", "error", err)
		os.Exit(1)
	}
	slog.Info("River migrations applied")

	// Repositories and core services.
	accountRepo := repository.NewAccountRepo(pool)
	creditRepo := repository.NewCreditRepo(pool)
	jobRepo := repository.NewJobRepo(pool)

	ledgerSvc := ledger.NewService(creditRepo, creditRepo)
	cat := catalog.Default()

	gateway := provider.NewClient(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		cfg.Provider.SubmitTimeout, cfg.Provider.DownloadTimeout)

	store, err := storage.NewClient(ctx, storage.Options{
		Endpoint:  cfg.Storage.Endpoint,
		AccessKey: cfg.Storage.AccessKey,
		SecretKey: cfg.Storage.SecretKey,
		Bucket:    cfg.Storage.Bucket,
		UseSSL:    cfg.Storage.UseSSL,
		URLTTL:    cfg.Storage.URLTTL,
	})
	if err != nil {
		slog.Error("Failed to init object storage", "error", err)
		os.Exit(1)
	}

	jobsSvc := jobs.NewService(pool, jobRepo, ledgerSvc, gateway, store, cat, cfg.WebhookURL(), logger)
	sweepSvc := sweeper.NewService(jobRepo, jobsSvc, gateway, cfg.Sweeper.StaleAfter, cfg.Sweeper.BatchSize, logger)

	// Background workers.
	workers := river.NewWorkers()
	river.AddWorker(workers, execution.NewMaterializeWorker(jobsSvc))
	river.AddWorker(workers, execution.NewSweepWorker(sweepSvc))

	riverClient, err := river.NewClient(riverpgxv5.New(pool), &river.Config{
		Queues: map[string]river.QueueConfig{
			river.QueueDefault: {MaxWorkers: 10},
		},
		Workers: workers,
		PeriodicJobs: []*river.PeriodicJob{
			river.NewPeriodicJob(
				river.PeriodicInterval(cfg.Sweeper.Interval),
				func() (river.JobArgs, *river.InsertOpts) {
					return execution.SweepArgs{}, nil
				},
				&river.PeriodicJobOpts{RunOnStart: true},
			),
		},
	})
	if err != nil {
		slog.Error("Failed to create River client", "error", err)
		os.Exit(1)
	}

	enqueueMaterialize := func(ctx context.Context, jobID uuid.UUID, result *provider.Result) error {
		_, err := riverClient.Insert(ctx, execution.MaterializeArgs{JobID: jobID, Result: *result}, nil)
		return err
	}
	enqueueSweep := func(ctx context.Context, userID uuid.UUID) error {
		_, err := riverClient.Insert(ctx, execution.SweepArgs{UserID: &userID}, nil)
		return err
	}

	// Auth.
	authSvc := auth.NewService(pool, accountRepo, ledgerSvc, cfg.Auth.JWTSecret, cfg.Auth.TokenTTL, cfg.Auth.SignupGrant)
	authHandler := auth.NewHandler(authSvc, logger)

	// HTTP surface.
	mux := router.New(router.Deps{
		Auth:    authHandler,
		AuthSvc: authSvc,
		Jobs: &handlers.JobHandler{
			Jobs:         jobsSvc,
			EnqueueSweep: enqueueSweep,
			Logger:       logger,
		},
		Credits: &handlers.CreditHandler{
			Pool:   pool,
			Ledger: ledgerSvc,
			Logger: logger,
		},
		Dashboard: dashboard.NewHandler(ledgerSvc, accountRepo, logger),
		Webhook: webhook.NewHandler(cfg.Provider.WebhookSecret, cfg.Provider.SkipSignatureVerify,
			jobsSvc, enqueueMaterialize, logger),
		Models: handlers.ListModels(cat),
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}).Handler(mux)

	riverCtx, stopRiver := context.WithCancel(ctx)
	defer stopRiver()
	go func() {
		if err := riverClient.Start(riverCtx); err != nil && riverCtx.Err() == nil {
			slog.Error("River client stopped", "error", err)
		}
	}()

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           corsHandler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	slog.Info("Starting HTTP server", "addr", cfg.Server.Addr)
	if err := server.ListenAndServe(); err != nil {
		slog.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
}
