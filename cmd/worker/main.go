package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/joho/godotenv/autoload"
	"go.uber.org/zap"

	"tagging/internal/config"
	"tagging/internal/queue"
	"tagging/internal/store"
)

// outcome mirrors the message the API publishes for every committed tap.
type outcome struct {
	Action     string    `json:"action"`
	Location   string    `json:"location"`
	DeviceType string    `json:"device_type"`
	At         time.Time `json:"at"`
}

// Worker consumes committed tap outcomes and folds them into per-day
// Redis counters the dashboards read.
func main() {
	cfg := config.Load()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger, err := zap.NewProduction()
	if cfg.Env == "dev" {
		logger, err = zap.NewDevelopment()
	}
	if err != nil {
		os.Exit(1)
	}
	defer logger.Sync()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown signal received")
		cancel()
	}()

	redisClient := store.NewRedis(cfg.RedisAddr)

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey)
	}

	loc := cfg.LoadLocation()

	messages, err := q.Consume(ctx)
	if err != nil {
		logger.Fatal("queue consume init failed", zap.Error(err))
	}

	logger.Info("worker started, waiting for outcomes")
	for msg := range messages {
		if msg.Type != "tag" {
			continue
		}

		var out outcome
		if err := json.Unmarshal(msg.Body, &out); err != nil {
			logger.Warn("bad outcome payload", zap.Error(err))
			continue
		}
		if out.At.IsZero() {
			out.At = time.Now()
		}
		if out.Location == "" {
			out.Location = "unknown"
		}

		day := out.At.In(loc).Format("2006-01-02")
		key := "tagging:stats:" + day
		field := fmt.Sprintf("%s|%s", out.Location, out.Action)

		pipe := redisClient.Client.Pipeline()
		pipe.HIncrBy(ctx, key, field, 1)
		pipe.Expire(ctx, key, 48*time.Hour)
		if _, err := pipe.Exec(ctx); err != nil {
			logger.Warn("stats update failed", zap.String("key", key), zap.Error(err))
			continue
		}
		logger.Debug("counted outcome", zap.String("key", key), zap.String("field", field))
	}

	logger.Info("worker stopped")
}
