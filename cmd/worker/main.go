package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/skuflow/skuflow/internal/config"
	"github.com/skuflow/skuflow/internal/database"
	"github.com/skuflow/skuflow/internal/ingest"
	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/objectstore"
	"github.com/skuflow/skuflow/internal/queue"
	"github.com/skuflow/skuflow/internal/repository"
	"github.com/skuflow/skuflow/internal/webhook"
	"github.com/skuflow/skuflow/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	products := repository.NewProductRepository(pool)
	webhooks := repository.NewWebhookRepository(pool)

	objects, err := objectstore.New(cfg)
	if err != nil {
		log.Fatalf("init object store: %v", err)
	}
	if err := objects.EnsureBucket(ctx); err != nil {
		log.Fatalf("ensure bucket: %v", err)
	}

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	jobs := jobstate.NewRedisStore(rdb)

	queueClient := queue.NewClient(redisOpt)
	defer queueClient.Close()

	trigger := webhook.NewTrigger(logger, webhooks, queueClient)
	deliverer := webhook.NewDeliverer(logger)
	pipeline := ingest.New(logger, jobs, products, objects, trigger)
	processor := worker.NewProcessor(logger, pipeline, webhooks, deliverer, objects)

	server := asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: cfg.WorkerConcurrency,
		// Deliveries keep flowing while a long import occupies a slot.
		Queues: map[string]int{
			queue.QueueWebhooks: 5,
			queue.QueueImports:  2,
		},
		RetryDelayFunc: worker.RetryDelay,
	})

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("worker started", slog.Int("concurrency", cfg.WorkerConcurrency))
	if err := server.Run(processor.Handler()); err != nil {
		logger.Error("worker stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
