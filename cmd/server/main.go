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

	"github.com/skuflow/skuflow/internal/api"
	"github.com/skuflow/skuflow/internal/config"
	"github.com/skuflow/skuflow/internal/database"
	"github.com/skuflow/skuflow/internal/jobstate"
	"github.com/skuflow/skuflow/internal/objectstore"
	"github.com/skuflow/skuflow/internal/queue"
	"github.com/skuflow/skuflow/internal/repository"
	"github.com/skuflow/skuflow/internal/webhook"
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

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	jobs := jobstate.NewRedisStore(rdb)

	queueClient := queue.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	trigger := webhook.NewTrigger(logger, webhooks, queueClient)
	deliverer := webhook.NewDeliverer(logger)

	srv := api.New(cfg, logger, products, webhooks, jobs, objects, queueClient, trigger, deliverer)
	if err := srv.Run(ctx); err != nil {
		logger.Error("server stopped", slog.String("err", err.Error()))
		os.Exit(1)
	}
}
