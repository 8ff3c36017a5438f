package main

import (
	"bytes"
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/hibiken/asynq"

	"github.com/chrisgadekar/maharera-scraper/internal/config"
	"github.com/chrisgadekar/maharera-scraper/internal/core/job"
	"github.com/chrisgadekar/maharera-scraper/internal/core/run"
	"github.com/chrisgadekar/maharera-scraper/internal/logger"
	rds "github.com/chrisgadekar/maharera-scraper/internal/platform/redis"
	tasks "github.com/chrisgadekar/maharera-scraper/internal/platform/tasks"
	"github.com/chrisgadekar/maharera-scraper/internal/server"
	"github.com/chrisgadekar/maharera-scraper/internal/worker"
)

func main() {
	cfg := config.Load()
	log.Printf("[maharera-scraper] starting at %s (env=%s)\n", cfg.HTTPAddr, cfg.AppEnv)

	logr := logger.New("main")

	// Redis client
	redisSvc, err := rds.New(rds.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer redisSvc.Close()

	// Asynq client and server. Runs are heavyweight (each owns WORKER_COUNT
	// browsers) so only one executes at a time.
	taskClient := tasks.New(redisSvc)
	asynqServer := asynq.NewServer(redisSvc.AsynqRedisOpt(), asynq.Config{
		Concurrency: 1,
		Queues:      map[string]int{"default": 1},
	})

	// Core services
	jobSvc := job.NewJobService(redisSvc)
	runSvc := run.New(cfg, jobSvc, redisSvc)

	// Worker mux
	mux := worker.NewMux()
	mux.HandleFunc(run.TaskTypeRun, runSvc.HandleTask)

	_, workerCancel := context.WithCancel(context.Background())
	go func() {
		if err := asynqServer.Start(mux.Mux()); err != nil {
			log.Printf("[worker] stopped: %v\n", err)
		}
	}()

	// HTTP server
	app := fiber.New(fiber.Config{
		AppName: "MahaRERA Extractor",
		JSONEncoder: func(v interface{}) ([]byte, error) {
			var buf bytes.Buffer
			encoder := json.NewEncoder(&buf)
			encoder.SetEscapeHTML(false)
			if err := encoder.Encode(v); err != nil {
				return nil, err
			}
			return buf.Bytes(), nil
		},
	})
	// Serve exported CSV partitions from DATA_DIR under /files
	app.Static("/files", cfg.DataDir)

	deps := server.Dependencies{
		Job:   jobSvc,
		Run:   runSvc,
		Tasks: taskClient,
		Redis: redisSvc,
	}
	healthHandler := server.RegisterRoutes(app, deps)

	go func() {
		time.Sleep(2 * time.Second)
		healthHandler.SetReady()
	}()

	// Graceful shutdown
	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-shutdown
		logr.LogInfo("Shutting down...")
		workerCancel()
		asynqServer.Shutdown()
		_ = app.ShutdownWithTimeout(5 * time.Second)
	}()

	if err := app.Listen(cfg.HTTPAddr); err != nil {
		log.Fatalf("server listen: %v", err)
	}
}
