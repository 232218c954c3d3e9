package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"gauge-tracking-backend/config"
	"gauge-tracking-backend/internal/api"
	"gauge-tracking-backend/internal/audit"
	"gauge-tracking-backend/internal/db"
	"gauge-tracking-backend/internal/duesweep"
	"gauge-tracking-backend/internal/logger"
	"gauge-tracking-backend/internal/metrics"
	"gauge-tracking-backend/internal/service"
	"gauge-tracking-backend/internal/store"
	"gauge-tracking-backend/internal/txn"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	log, err := logger.New(cfg.Logging.Mode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	log.Info("configuration loaded", "path", configPath)

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		log.Fatal("failed to initialize database", "error", err)
	}
	log.Info("database initialized", "driver", cfg.Database.Driver)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	deps := service.Deps{
		Runner:  txn.NewRunner(gormDB, cfg.Database.LockTimeout, log),
		Gauges:  store.NewGaugeRepo(log),
		Sets:    store.NewGaugeSetRepo(log),
		Batches: store.NewCalibrationBatchRepo(log),
		Audit:   audit.NewGormRecorder(log),
		Metrics: metrics.NewPrometheus(registry),
		Log:     log,
	}
	cascade := service.NewCascadeEngine(deps)
	handler := api.NewHandler(
		service.NewSetLifecycleService(deps, cfg.Pairing, cfg.Calibration),
		cascade,
		service.NewCalibrationWorkflowService(deps, cfg.Calibration),
		log,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sweeper := duesweep.NewSweeper(cfg.DueSweep, deps.Runner, deps.Gauges, cascade, log)
	go sweeper.Run(ctx)

	router := api.NewRouter(handler, cfg.Server, registry)
	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	go func() {
		log.Info("HTTP server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("HTTP server ListenAndServe", "error", err)
		}
	}()

	// Setup signal handling for graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	<-stop
	log.Info("shutdown signal received, stopping services")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server Shutdown", "error", err)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		_ = sqlDB.Close()
	}

	log.Info("server gracefully stopped")
}
