package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"
	"github.com/redis/go-redis/v9"

	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/engine"
	"github.com/nkhandel/soundml-server/internal/failstore"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/queue"
	"github.com/nkhandel/soundml-server/internal/status"
	"github.com/nkhandel/soundml-server/pkg/config"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, nil))

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	fmt.Println("Starting Detection Engine...")

	// Connect to database
	db, err := database.Connect(cfg.Database.ConnectionString())
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	logger.Info("connected to database", "host", cfg.Database.Host, "db", cfg.Database.DBName)

	// Run migrations
	if err := db.RunMigrations("migrations"); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	// Create failure store
	fails, err := failstore.New(cfg.Engine.FailstoreDir)
	if err != nil {
		logger.Error("failed to create failure store", "error", err)
		os.Exit(1)
	}
	logger.Info("failure store ready", "dir", fails.Dir())

	// Connect to Redis for the live status mirror. The mirror is advisory,
	// so an unreachable Redis disables it rather than failing startup.
	var mirror engine.StatusMirror
	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	defer redisClient.Close()

	if err := redisClient.Ping(context.Background()).Err(); err != nil {
		logger.Warn("redis unavailable, live status mirror disabled", "addr", cfg.Redis.Addr, "error", err)
	} else {
		mirror = status.NewMirror(redisClient)
		logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	// Create the status events topic
	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicEvents,
		1, // single partition for events
		1, // replication factor
	); err != nil {
		logger.Warn("topic creation failed (may already exist)", "topic", cfg.Kafka.TopicEvents, "error", err)
	}

	// Create event producer
	eventProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents)
	defer eventProducer.Close()

	// Create and start the engine. The worker gets a background context so
	// queued batches drain fully on shutdown.
	eng := engine.New(db, fails, mirror, eventProducer, logger, engine.Config{
		QueueSize:       cfg.Engine.QueueSize,
		Alpha:           cfg.Engine.NoiseAlpha,
		ProfileCacheTTL: cfg.Engine.ProfileCacheTTL,
		FetchLimit:      cfg.Engine.FetchLimit,
	})
	eng.Start(context.Background())

	// Consume batches from the gateway
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	batchConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicBatches, "engine-group")
	defer batchConsumer.Close()

	go func() {
		for {
			msg, err := batchConsumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				logger.Error("failed to consume batch", "error", err)
				time.Sleep(time.Second)
				continue
			}

			batch, err := protocol.DecodeBatch(msg.Value)
			if err != nil {
				logger.Error("failed to decode batch", "error", err, "offset", msg.Offset)
				batchConsumer.Commit(ctx, msg)
				continue
			}

			// A full queue already persisted the batch for replay, and a
			// validation error will not improve on retry. Either way the
			// offset advances.
			if _, err := eng.Submit(ctx, batch); err != nil && !errors.Is(err, engine.ErrQueueFull) {
				logger.Error("rejected batch", "batch_id", batch.BatchID, "tenant", batch.TenantID, "error", err)
			}

			if err := batchConsumer.Commit(ctx, msg); err != nil {
				logger.Error("failed to commit offset", "error", err)
			}
		}
	}()

	// Consume auxiliary sensor samples
	sensorConsumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicSensors, "sensor-writer-group")
	defer sensorConsumer.Close()

	sensorWriter := queue.NewSensorWriter(sensorConsumer, db, logger, 100, 5*time.Second)
	sensorWriter.Start(context.Background())

	// Log statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := batchConsumer.Stats()
			logger.Info("engine stats",
				"queue_length", eng.QueueLength(),
				"kafka_messages", stats.Messages,
				"kafka_errors", stats.Errors)
		}
	}()

	fmt.Println("\n✓ Detection Engine is running")
	fmt.Println("✓ Consuming batches from Kafka")
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
	cancel()
	eng.Stop()
	sensorWriter.Stop()
	fmt.Println("Detection Engine stopped")
}
