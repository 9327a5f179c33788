package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	_ "github.com/noah-isme/campus-timetable-api/api/swagger"
	"github.com/noah-isme/campus-timetable-api/internal/handler"
	"github.com/noah-isme/campus-timetable-api/internal/repository"
	"github.com/noah-isme/campus-timetable-api/internal/router"
	"github.com/noah-isme/campus-timetable-api/internal/service"
	"github.com/noah-isme/campus-timetable-api/internal/timetable"
	"github.com/noah-isme/campus-timetable-api/pkg/cache"
	"github.com/noah-isme/campus-timetable-api/pkg/config"
	"github.com/noah-isme/campus-timetable-api/pkg/database"
	"github.com/noah-isme/campus-timetable-api/pkg/logger"
	"github.com/noah-isme/campus-timetable-api/pkg/storage"
)

// @title Campus Timetable API
// @version 1.0.0
// @description Generates, publishes and serves department timetables.
// @BasePath /api/v1
// @schemes http

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logr, err := logger.New(cfg)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logr.Sync() //nolint:errcheck

	if err := run(cfg, logr); err != nil {
		logr.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logr *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer db.Close() //nolint:errcheck

	redisClient, err := cache.NewRedis(ctx, cfg.Redis)
	if err != nil {
		return fmt.Errorf("connect redis: %w", err)
	}
	if redisClient != nil {
		defer redisClient.Close() //nolint:errcheck
	}

	registry := timetable.DefaultRegistry()
	if err := registry.ApplyWeights(cfg.Scheduler.SoftWeights); err != nil {
		return fmt.Errorf("apply soft weights: %w", err)
	}
	gridCfg, err := service.GridFromConfig(cfg.Grid.Days, cfg.Grid.PeriodsPerDay, cfg.Grid.DayStart, cfg.Grid.PeriodMinutes, cfg.Grid.Breaks)
	if err != nil {
		return err
	}
	slots, err := timetable.BuildTimeSlots(gridCfg)
	if err != nil {
		return fmt.Errorf("build time grid: %w", err)
	}

	runRepo := repository.NewTimetableRunRepository(db)
	entryRepo := repository.NewTimetableEntryRepository(db)
	snapshotRepo := repository.NewSnapshotRepository(db)
	cacheRepo := repository.NewCacheRepository(redisClient, "timetable", logr)

	checks := map[string]handler.Pinger{"database": snapshotRepo}
	var source service.SnapshotSource = snapshotRepo
	if cfg.Backend.SnapshotSource == config.SnapshotSourceREST {
		backend := repository.NewBackendClient(cfg.Backend.BaseURL, cfg.Backend.Timeout)
		source = backend
		checks["backend"] = backend
	}
	if redisClient != nil {
		checks["redis"] = cacheRepo
	}

	metrics := service.NewMetricsService()
	cacheSvc := service.NewCacheService(cacheRepo, metrics, cfg.Cache.TTL, logr, cfg.Cache.Enabled && redisClient != nil)

	locks := service.NewGenerationLocks(nil, logr)
	if redisClient != nil {
		locks = service.NewGenerationLocks(cache.NewRedisLocker(redisClient, "timetable:lock:", cfg.Scheduler.LockTTL), logr)
	}

	solverOpts := timetable.DefaultOptions()
	solverOpts.TimeBudget = cfg.Scheduler.TimeBudget
	solverOpts.MaxBacktracks = cfg.Scheduler.MaxBacktracks
	solverOpts.Parallel = cfg.Scheduler.Parallel

	timetableSvc := service.NewTimetableService(
		runRepo, entryRepo, source, db, service.NewScheduleStore(), locks, cacheSvc, metrics, registry, nil, logr,
		service.TimetableServiceConfig{
			Slots:        slots,
			Solver:       solverOpts,
			CacheTTL:     cfg.Cache.TTL,
			QueueWorkers: cfg.Scheduler.QueueWorkers,
			QueueRetries: cfg.Scheduler.QueueRetries,
		},
	)
	if err := timetableSvc.Warm(ctx); err != nil {
		return fmt.Errorf("warm schedule store: %w", err)
	}
	timetableSvc.Start(ctx)
	defer timetableSvc.Stop()
	timetableSvc.StartRefresher(ctx, cfg.Scheduler.RefreshPeriod)

	fileStore, err := storage.NewLocalStorage(cfg.Exports.StorageDir)
	if err != nil {
		return err
	}
	exportSvc := service.NewExportService(timetableSvc, fileStore,
		storage.NewSignedURLSigner(cfg.Exports.SignedURLSecret, cfg.Exports.SignedURLTTL),
		service.ExportConfig{APIPrefix: cfg.APIPrefix, ResultTTL: cfg.Exports.SignedURLTTL, Slots: slots}, logr)
	exportSvc.StartCleanup(ctx, cfg.Exports.CleanupInterval)

	engine := router.New(cfg, router.Handlers{
		Timetable: handler.NewTimetableHandler(timetableSvc, exportSvc),
		Metrics:   handler.NewMetricsHandler(metrics, checks),
	}, metrics, logr)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logr.Info("server starting", zap.String("addr", srv.Addr), zap.String("env", cfg.Env), zap.Int("slots", len(slots)))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		return err
	case <-ctx.Done():
	}

	logr.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logr.Error("http shutdown", zap.Error(err))
	}
	return nil
}
