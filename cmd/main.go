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

	"golang.org/x/sync/errgroup"

	"github.com/fuzziecoder/Flexi-Roaster/internal/app"
	"github.com/fuzziecoder/Flexi-Roaster/internal/coordination"
	"github.com/fuzziecoder/Flexi-Roaster/internal/db"
	"github.com/fuzziecoder/Flexi-Roaster/internal/engine"
	httpx "github.com/fuzziecoder/Flexi-Roaster/internal/http"
	"github.com/fuzziecoder/Flexi-Roaster/internal/http/handlers"
	"github.com/fuzziecoder/Flexi-Roaster/internal/logger"
	"github.com/fuzziecoder/Flexi-Roaster/internal/observability"
	"github.com/fuzziecoder/Flexi-Roaster/internal/repos"
	"github.com/fuzziecoder/Flexi-Roaster/internal/utils"
)

func main() {
	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Config
	log.Info("Loading configuration from main...")
	cfg := app.LoadConfig(log)

	// Tracing
	otelShutdown := observability.InitOTel(context.Background(), log, observability.OtelConfig{
		ServiceName: "flexiroaster",
		Environment: utils.GetEnv("ENVIRONMENT", "development", log),
		Version:     utils.GetEnv("SERVICE_VERSION", "dev", log),
	})

	// Database
	dbService, err := db.NewDatabaseService(log)
	if err != nil {
		log.Error("Database init failed", "error", err)
		os.Exit(1)
	}
	if err = dbService.AutoMigrateAll(); err != nil {
		log.Error("Database auto migration failed", "error", err)
		os.Exit(1)
	}
	theDB := dbService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	pipelineRepo := repos.NewPipelineRepo(theDB, log)
	executionRepo := repos.NewExecutionRepo(theDB, log)
	stageExecRepo := repos.NewStageExecutionRepo(theDB, log)
	execLogRepo := repos.NewExecutionLogRepo(theDB, log)
	lockRepo := repos.NewLockRepo(theDB, log)
	insightRepo := repos.NewInsightRepo(theDB, log)
	metricRepo := repos.NewMetricRepo(theDB, log)

	// Coordination
	log.Info("Setting up coordination from main...")
	coord := coordination.NewCoordinator(log)
	defer coord.Close()

	// Engine
	log.Info("Setting up engine from main...")
	scorer := engine.NewRiskScorer(cfg, log)
	detector := engine.NewAnomalyDetector(cfg)
	registry := engine.NewHandlerRegistry()
	runner := engine.NewStageRunner(theDB, stageExecRepo, execLogRepo, metricRepo, insightRepo, coord, registry, detector, cfg, log)
	supervisor := engine.NewSupervisor(cfg, theDB, pipelineRepo, executionRepo, stageExecRepo, execLogRepo, lockRepo, insightRepo, metricRepo, coord, scorer, detector, runner, log)
	reaper := engine.NewReaper(executionRepo, stageExecRepo, execLogRepo, lockRepo, coord, cfg.HeartbeatInterval, cfg.HeartbeatTTL, supervisor.IsActive, log)

	// Pipeline definitions on disk
	if dir := utils.GetEnv("PIPELINES_DIR", "", log); dir != "" {
		n, err := engine.LoadPipelinesDir(context.Background(), dir, pipelineRepo, cfg, log)
		if err != nil {
			log.Warn("Failed to load pipeline definitions", "dir", dir, "error", err)
		} else {
			log.Info("Loaded pipeline definitions", "dir", dir, "count", n)
		}
	}

	// Handlers
	log.Info("Setting up handlers from main...")
	pipelineHandler := handlers.NewPipelineHandler(pipelineRepo, coord, cfg)
	executionHandler := handlers.NewExecutionHandler(supervisor, executionRepo, stageExecRepo, execLogRepo)
	airflowHandler := handlers.NewAirflowHandler(supervisor, executionRepo, execLogRepo, log)
	insightHandler := handlers.NewInsightHandler(insightRepo)
	metricHandler := handlers.NewMetricHandler(metricRepo)
	healthHandler := handlers.NewHealthHandler(theDB, coord, supervisor)

	// Server
	log.Info("Setting up server from main...")
	port := utils.GetEnv("PORT", "8080", log)
	srv := httpx.NewServer(httpx.RouterConfig{
		PipelineHandler:  pipelineHandler,
		ExecutionHandler: executionHandler,
		AirflowHandler:   airflowHandler,
		InsightHandler:   insightHandler,
		MetricHandler:    metricHandler,
		HealthHandler:    healthHandler,
		AirflowSecret:    cfg.AirflowCallbackSecret,
		Log:              log,
	}, ":"+port)

	rootCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(rootCtx)
	g.Go(func() error {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		reaper.Run(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+5*time.Second)
		defer cancel()
		if err := supervisor.Shutdown(shutdownCtx); err != nil {
			log.Warn("Supervisor shutdown incomplete", "error", err)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Warn("HTTP shutdown failed", "error", err)
		}
		if otelShutdown != nil {
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Warn("Tracing shutdown failed", "error", err)
			}
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error("Server failed", "error", err)
		os.Exit(1)
	}
}
