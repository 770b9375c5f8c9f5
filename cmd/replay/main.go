package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/lmittmann/tint"

	"github.com/nkhandel/soundml-server/internal/failstore"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/queue"
	"github.com/nkhandel/soundml-server/pkg/config"
)

func main() {
	logger := slog.New(tint.NewHandler(os.Stderr, nil))

	dryRun := flag.Bool("dry-run", false, "list failure records without replaying them")
	dir := flag.String("dir", "", "failure directory (default ENGINE_FAILSTORE_DIR)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	failDir := *dir
	if failDir == "" {
		failDir = cfg.Engine.FailstoreDir
	}

	fails, err := failstore.New(failDir)
	if err != nil {
		logger.Error("failed to open failure store", "error", err)
		os.Exit(1)
	}

	names, err := fails.List()
	if err != nil {
		logger.Error("failed to list failure records", "error", err)
		os.Exit(1)
	}
	if len(names) == 0 {
		fmt.Printf("No failure records in %s\n", fails.Dir())
		return
	}

	var producer *queue.Producer
	if !*dryRun {
		producer = queue.NewProducer(cfg.Kafka.Brokers, cfg.Kafka.TopicBatches)
		defer producer.Close()
	}

	ctx := context.Background()
	replayed := 0

	for _, name := range names {
		rec, err := fails.Load(name)
		if err != nil {
			logger.Error("failed to load record", "file", name, "error", err)
			continue
		}

		if *dryRun {
			fmt.Printf("%s  batch=%s tenant=%s mode=%s frames=%d reason=%q recorded=%s\n",
				name, rec.Batch.BatchID, rec.Batch.TenantID, rec.Batch.Mode,
				len(rec.Batch.Frames), rec.Reason, rec.RecordedAt.Format("2006-01-02 15:04:05"))
			continue
		}

		data, err := protocol.EncodeBatch(rec.Batch)
		if err != nil {
			logger.Error("failed to encode batch", "file", name, "error", err)
			continue
		}

		if err := producer.Publish(ctx, rec.Batch.TenantID, data); err != nil {
			logger.Error("failed to publish batch, keeping record", "file", name, "error", err)
			continue
		}

		// Remove only after the batch is back on the queue
		if err := fails.Remove(name); err != nil {
			logger.Error("replayed but failed to remove record", "file", name, "error", err)
			continue
		}

		logger.Info("replayed batch", "file", name, "batch_id", rec.Batch.BatchID, "tenant", rec.Batch.TenantID)
		replayed++
	}

	if *dryRun {
		fmt.Printf("\n%d failure record(s) in %s\n", len(names), fails.Dir())
	} else {
		fmt.Printf("Replayed %d of %d failure record(s)\n", replayed, len(names))
	}
}
