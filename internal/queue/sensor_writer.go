package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/protocol"
)

// SensorWriter consumes auxiliary sensor samples from Kafka and batch-writes
// them to the database. Samples are advisory data for session reports, so a
// short buffering delay is acceptable.
type SensorWriter struct {
	consumer      *Consumer
	db            *database.DB
	logger        *slog.Logger
	batchSize     int
	flushInterval time.Duration
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// NewSensorWriter creates a new sensor sample writer
func NewSensorWriter(consumer *Consumer, db *database.DB, logger *slog.Logger, batchSize int, flushInterval time.Duration) *SensorWriter {
	return &SensorWriter{
		consumer:      consumer,
		db:            db,
		logger:        logger.With("component", "sensor_writer"),
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
	}
}

// Start begins consuming and writing to database
func (sw *SensorWriter) Start(ctx context.Context) {
	sw.wg.Add(1)
	go sw.run(ctx)
}

// Stop stops the sensor writer gracefully, flushing any buffered samples
func (sw *SensorWriter) Stop() {
	close(sw.stopCh)
	sw.wg.Wait()
}

func (sw *SensorWriter) run(ctx context.Context) {
	defer sw.wg.Done()

	var batch []kafka.Message
	ticker := time.NewTicker(sw.flushInterval)
	defer ticker.Stop()

	msgChan := make(chan kafka.Message, 10)
	go func() {
		for {
			msg, err := sw.consumer.Consume(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				sw.logger.Error("consumer error", "error", err)
				time.Sleep(time.Second)
				continue
			}
			select {
			case msgChan <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-sw.stopCh:
			// Flush remaining batch before stopping
			if len(batch) > 0 {
				sw.flush(ctx, batch)
			}
			return

		case <-ticker.C:
			if len(batch) > 0 {
				sw.flush(ctx, batch)
				batch = nil
			}

		case msg := <-msgChan:
			batch = append(batch, msg)
			if len(batch) >= sw.batchSize {
				sw.flush(ctx, batch)
				batch = nil
			}
		}
	}
}

func (sw *SensorWriter) flush(ctx context.Context, batch []kafka.Message) {
	successCount := 0
	for _, msg := range batch {
		if err := sw.processMessage(msg); err != nil {
			sw.logger.Error("failed to process sensor sample", "error", err,
				"partition", msg.Partition, "offset", msg.Offset)
			continue
		}
		successCount++

		// Commit offset after successful processing
		if err := sw.consumer.Commit(ctx, msg); err != nil {
			sw.logger.Error("failed to commit offset", "error", err)
		}
	}

	sw.logger.Debug("flushed sensor samples", "count", successCount, "batch", len(batch))
}

func (sw *SensorWriter) processMessage(msg kafka.Message) error {
	sample, err := protocol.DecodeSensorSample(msg.Value)
	if err != nil {
		return fmt.Errorf("failed to decode sensor sample: %w", err)
	}
	if sample.TenantID == "" {
		return fmt.Errorf("sensor sample missing tenant id")
	}

	ts := sample.ReceivedAt
	if ts.IsZero() {
		ts = time.Now()
	}

	reading := &database.SensorReading{
		TenantID:   sample.TenantID,
		DeviceID:   sample.DeviceID,
		Timestamp:  ts,
		Vibration:  sample.Vibration,
		EventCount: sample.EventCount,
		GasRaw:     sample.GasRaw,
		GasStatus:  sample.GasStatus,
	}

	if err := sw.db.InsertSensorReading(reading); err != nil {
		return fmt.Errorf("failed to insert sensor reading: %w", err)
	}

	return nil
}
