/**
 * @description
 * This is the main entry point for the billing-service. It loads configuration,
 * wires the ledger store, lock service and job queue, starts the job workers
 * and the cron scheduler, and serves the HTTP API until SIGINT/SIGTERM.
 *
 * @dependencies
 * - github.com/joho/godotenv: For loading .env files during local development.
 * - internal/bootstrap: Builds the runtime shared with billingctl.
 * - internal/api, internal/app, internal/config: Internal packages for the service.
 */
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/escolar/billing-service/internal/api"
	"github.com/escolar/billing-service/internal/app"
	"github.com/escolar/billing-service/internal/bootstrap"
	"github.com/escolar/billing-service/internal/config"
	"github.com/joho/godotenv"
)

func main() {
	// Load .env file for local development.
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("cannot load config: %v", err)
	}
	logger := bootstrap.NewLogger(cfg.LogLevel)

	if cfg.InternalAPIKey == "" && cfg.OperatorJWTSecret == "" {
		logger.Warn("no operator credentials configured; internal billing routes will reject every request",
			"component", "bootstrap", "env", "INTERNAL_API_KEY,OPERATOR_JWT_SECRET")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	rt, err := bootstrap.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build runtime", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.StartWorkers(ctx); err != nil {
		logger.Error("failed to start job workers", "component", "bootstrap", "error", err)
		os.Exit(1)
	}
	logger.Info("job workers started", "component", "bootstrap", "jobs", rt.Registry.Names())

	jobs := app.NewJobs(rt.Service, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	registered := scheduler.Start()
	logger.Info("scheduler started", "component", "bootstrap", "jobs", registered)

	handler := api.NewHandler(rt.Service, logger)
	router := api.NewRouter(handler, api.RouterConfig{
		InternalAPIKey: cfg.InternalAPIKey,
		JWTSecret:      cfg.OperatorJWTSecret,
		AllowedOrigins: cfg.AllowedOrigins(),
		Metrics:        rt.Metrics.Handler(),
	})

	server := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.ServerPort),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("server listening", "component", "http", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server stopped unexpectedly", "component", "http", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	logger.Info("shutdown started", "component", "http")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown failed", "component", "http", "error", err)
	}
	<-scheduler.Stop().Done()
	cancel()

	logger.Info("shutdown complete", "component", "http")
}
