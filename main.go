package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"mailhub_server/config"
	"mailhub_server/internal/bootstrap"
	"mailhub_server/pkg/logger"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger.Init(logger.Config{
		Level:   logger.ParseLevel(os.Getenv("LOG_LEVEL")),
		Service: "mailhub",
	})

	// Load .env file if exists (for local development)
	if err := godotenv.Load(); err != nil {
		logger.Debug("No .env file found, using environment variables")
	}

	mode := flag.String("mode", "all", "Run mode: api, worker, all")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load config: %v", err)
	}

	deps, cleanup, err := bootstrap.NewDependencies(cfg)
	if err != nil {
		logger.Fatal("Failed to initialize dependencies: %v", err)
	}
	defer cleanup()

	var worker *bootstrap.Worker
	if *mode == "worker" || *mode == "all" {
		worker = bootstrap.NewWorker(deps)
		worker.Start()
	}

	if *mode == "worker" {
		// API 없이 백그라운드만 구동
		waitForSignal()
		stopWorker(worker)
		return
	}

	if *mode != "api" && *mode != "all" {
		logger.Fatal("Unknown mode: %s", *mode)
	}

	app, err := bootstrap.NewAPI(cfg, deps)
	if err != nil {
		logger.Fatal("Failed to initialize API: %v", err)
	}

	go func() {
		waitForSignal()
		logger.Info("Shutting down (timeout: %v)...", shutdownTimeout)

		if worker != nil {
			stopWorker(worker)
		}

		done := make(chan error, 1)
		go func() {
			done <- app.Shutdown()
		}()

		select {
		case err := <-done:
			if err != nil {
				logger.Error("Error shutting down API: %v", err)
			} else {
				logger.Info("API server shut down gracefully")
			}
		case <-time.After(shutdownTimeout):
			logger.Warn("Shutdown timed out, forcing exit")
			os.Exit(1)
		}
	}()

	addr := ":" + cfg.Port
	logger.Info("Starting API server on %s", addr)
	if err := app.Listen(addr); err != nil {
		logger.Fatal("Failed to start server: %v", err)
	}
}

func waitForSignal() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
}

func stopWorker(worker *bootstrap.Worker) {
	done := make(chan struct{})
	go func() {
		worker.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("Worker shut down gracefully")
	case <-time.After(shutdownTimeout):
		logger.Warn("Worker shutdown timed out")
	}
}
