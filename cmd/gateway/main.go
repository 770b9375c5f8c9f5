package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nkhandel/soundml-server/internal/connection"
	"github.com/nkhandel/soundml-server/internal/queue"
	"github.com/nkhandel/soundml-server/internal/server"
	"github.com/nkhandel/soundml-server/internal/timer"
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

	fmt.Println("Starting Sensor Gateway...")

	// Create Kafka topics the gateway produces to
	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicBatches,
		cfg.Kafka.NumPartitions,
		1, // replication factor
	); err != nil {
		logger.Warn("topic creation failed (may already exist)", "topic", cfg.Kafka.TopicBatches, "error", err)
	}

	if err := queue.CreateTopic(
		cfg.Kafka.Brokers,
		cfg.Kafka.TopicSensors,
		cfg.Kafka.NumPartitions,
		1, // replication factor
	); err != nil {
		logger.Warn("topic creation failed (may already exist)", "topic", cfg.Kafka.TopicSensors, "error", err)
	}

	// Create Kafka producers
	batchProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBatches)
	defer batchProducer.Close()

	sensorProducer := queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicSensors)
	defer sensorProducer.Close()
	logger.Info("kafka producers initialized", "brokers", cfg.Kafka.Brokers)

	// Create connection manager
	connManager := connection.NewManager(cfg.Gateway.MaxConnections)

	// Create timer manager for inactivity disconnects
	timerManager := timer.NewTimerManager()
	timerManager.Start()
	defer timerManager.Stop()

	// Create TCP server
	tcpServer := server.NewTCPServer(&cfg.Gateway, connManager, timerManager, batchProducer, sensorProducer, logger)
	if err := tcpServer.Start(); err != nil {
		logger.Error("failed to start TCP server", "error", err)
		os.Exit(1)
	}
	defer tcpServer.Stop()

	// Log statistics periodically
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			stats := connManager.Stats()
			timerStats := timerManager.Stats()
			logger.Info("gateway stats",
				"connections", stats.TotalConnections,
				"max_connections", stats.MaxConnections,
				"tenants", stats.UniqueTenants,
				"timers", timerStats.ScheduledTasks)
		}
	}()

	fmt.Println("\n✓ Sensor Gateway is running")
	fmt.Printf("✓ TCP server listening on port %d\n", cfg.Gateway.Port)
	fmt.Println("✓ Press Ctrl+C to stop")

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
