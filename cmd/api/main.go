package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/joho/godotenv"

	"github.com/equipsync/equipsync-go/internal/config"
	"github.com/equipsync/equipsync-go/internal/handler"
	"github.com/equipsync/equipsync-go/internal/mapping"
	"github.com/equipsync/equipsync-go/internal/middleware"
	"github.com/equipsync/equipsync-go/internal/remote"
	"github.com/equipsync/equipsync-go/internal/repository"
	"github.com/equipsync/equipsync-go/internal/service"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}

	cfg := config.Load()

	db, err := repository.NewDB(cfg.DatabaseDSN)
	if err != nil {
		slog.Error("database connection failed", "error", err)
		os.Exit(1)
	}
	if err := repository.Migrate(db); err != nil {
		slog.Error("schema migration failed", "error", err)
		os.Exit(1)
	}

	recordRepo := repository.NewRecordRepository(db)
	modRepo := repository.NewModificationRepository(db)
	jobRepo := repository.NewJobRepository(db)
	batchRepo := repository.NewBatchRepository(db)
	queueRepo := repository.NewQueueRepository(db)
	conflictRepo := repository.NewConflictRepository(db)

	resolver := mapping.NewResolver(repository.NewMappingStore(db))

	remoteClient := remote.NewClient(remote.Config{
		BaseURL:  cfg.RemoteBaseURL,
		Token:    cfg.RemoteToken,
		RPS:      cfg.RemoteRPS,
		Burst:    cfg.RemoteBurst,
		PageSize: cfg.RemotePageSize,
	})

	auditSink := service.LogAuditSink{}

	syncService := service.NewSyncService(jobRepo, recordRepo, resolver, remoteClient, auditSink, cfg.RemotePageSize)
	batchService := service.NewBatchService(batchRepo, jobRepo, syncService, auditSink)
	queueService := service.NewQueueService(recordRepo, modRepo, queueRepo, resolver, auditSink)
	conflictService := service.NewConflictService(conflictRepo, queueRepo, modRepo, recordRepo, resolver, remoteClient, auditSink)

	drainer := service.NewDrainer(queueRepo, modRepo, recordRepo, resolver, remoteClient, conflictService, auditSink, service.DrainerConfig{
		Interval:    cfg.DrainInterval,
		MaxAttempts: cfg.MaxAttempts,
		BackoffBase: cfg.BackoffBase,
		BackoffCap:  cfg.BackoffCap,
		Lease:       cfg.ProcessingLease,
	})

	drainCtx, stopDrainer := context.WithCancel(context.Background())
	go drainer.Run(drainCtx)

	syncHandler := handler.NewSyncHandler(syncService)
	batchHandler := handler.NewBatchHandler(batchService)
	queueHandler := handler.NewQueueHandler(queueService)
	conflictHandler := handler.NewConflictHandler(conflictService)

	r := chi.NewRouter()
	r.Use(middleware.Logger)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("database unavailable"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTSecret))

		r.Post("/api/v1/sync", syncHandler.HandleStartSync)
		r.Get("/api/v1/sync/{job_id}", syncHandler.HandleProgress)

		r.Post("/api/v1/batches", batchHandler.HandleStartBatch)
		r.Get("/api/v1/batches/{batch_id}", batchHandler.HandleBatchStatus)

		r.Post("/api/v1/records/{business_key}/modifications", queueHandler.HandleCreateModification)
		r.Post("/api/v1/queue", queueHandler.HandleEnqueue)
		r.Get("/api/v1/queue", queueHandler.HandleListItems)
		r.Get("/api/v1/queue/stats", queueHandler.HandleStats)

		r.Get("/api/v1/conflicts", conflictHandler.HandleListConflicts)
	})

	// Operator-only endpoints: authenticated and keyed, with a tighter
	// rate limit.
	r.Group(func(r chi.Router) {
		r.Use(middleware.JWTAuth(cfg.JWTSecret))
		r.Use(middleware.OperatorKey(cfg.OperatorKeyHash))
		r.Use(middleware.RateLimit(5, 10))

		r.Post("/api/v1/sync/{job_id}/cancel", syncHandler.HandleCancel)
		r.Post("/api/v1/queue/{item_id}/retry", queueHandler.HandleRetryItem)
		r.Post("/api/v1/conflicts/{conflict_id}/resolve", conflictHandler.HandleResolve)
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: r,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Port, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("shutting down server")
	stopDrainer()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("server forced shutdown", "error", err)
		os.Exit(1)
	}

	if err := db.Close(); err != nil {
		slog.Error("database close failed", "error", err)
	}

	slog.Info("server stopped")
}
