package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lmittmann/tint"

	"github.com/nkhandel/soundml-server/internal/notification"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/queue"
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

	fmt.Println("Starting Notifier Service...")

	// Create email notifier
	notifier := notification.NewEmailNotifier(&cfg.SMTP, logger)

	// Test SMTP connection (optional, will skip if not configured)
	if err := notifier.TestConnection(); err != nil {
		logger.Warn("smtp unavailable, notifications will be logged only", "error", err)
	}

	// Create consumer for machine status events
	consumer := queue.NewConsumer(cfg.Kafka.Brokers, cfg.Kafka.TopicEvents, "notifier-group")
	defer consumer.Close()

	ctx := context.Background()

	fmt.Println("\n✓ Notifier Service is running")
	fmt.Println("✓ Press Ctrl+C to stop")

	// Start consuming events
	go func() {
		for {
			msg, err := consumer.Consume(ctx)
			if err != nil {
				logger.Error("failed to consume event", "error", err)
				time.Sleep(time.Second)
				continue
			}

			ev, err := protocol.DecodeStatusEvent(msg.Value)
			if err != nil {
				logger.Error("failed to decode event", "error", err, "offset", msg.Offset)
				consumer.Commit(ctx, msg)
				continue
			}

			// Don't commit on send failure so the event is retried
			if err := notifier.SendStatusEvent(ev); err != nil {
				logger.Error("failed to send notification", "type", ev.Type, "tenant", ev.TenantID, "error", err)
				continue
			}

			if err := consumer.Commit(ctx, msg); err != nil {
				logger.Error("failed to commit offset", "error", err)
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	fmt.Println("\nShutting down gracefully...")
}
