package engine

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nkhandel/soundml-server/internal/audio"
	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/failstore"
	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/stability"
	"github.com/nkhandel/soundml-server/internal/status"
)

// Store is the persistence surface the engine needs. *database.DB satisfies it.
type Store interface {
	InsertFrame(frame *database.StoredFrame) error
	FetchCalibrationPeaks(tenantID, machineID string, limit int) ([][]protocol.Peak, error)
	UpsertProfile(p *database.MachineProfile) error
	GetProfile(tenantID, machineID string) (*database.MachineProfile, error)
	ListProfiles(tenantID string) ([]*database.MachineProfile, error)
	DeleteProfile(tenantID, machineID string) (bool, error)
}

// StatusMirror receives live status snapshots. *status.Mirror satisfies it.
type StatusMirror interface {
	Publish(ctx context.Context, snap *status.Snapshot) error
	Delete(ctx context.Context, tenantID string) error
}

// EventPublisher receives machine status events. *queue.Producer satisfies it.
type EventPublisher interface {
	Publish(ctx context.Context, key string, value []byte) error
}

// Config tunes the ingestion pipeline
type Config struct {
	// QueueSize bounds the batch queue; a full queue rejects batches
	QueueSize int
	// Alpha is the noise model smoothing factor
	Alpha float64
	// ProfileCacheTTL is how long fetched profiles stay valid
	ProfileCacheTTL time.Duration
	// FetchLimit caps how many calibration frames a compilation reads
	FetchLimit int
}

func (c *Config) applyDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 64
	}
	if c.Alpha <= 0 || c.Alpha >= 1 {
		c.Alpha = audio.DefaultAlpha
	}
	if c.ProfileCacheTTL <= 0 {
		c.ProfileCacheTTL = 5 * time.Minute
	}
	if c.FetchLimit <= 0 {
		c.FetchLimit = profile.CalibrationFetchLimit
	}
}

// Status is a tenant's current view: what the last batch detected and which
// machines pass the stability filter
type Status struct {
	Detected  []string
	Stable    []string
	Anomalous []string
	UpdatedAt time.Time
}

// BatchResult is the outcome of processing one batch
type BatchResult struct {
	BatchID        string
	FramesReceived int
	FramesInserted int
	Detected       []string
	Stable         []string
	Anomalous      []string
	NoiseAnomalies int
	MaxZScore      float64
	Err            error
}

// job pairs a batch with an optional completion channel for callers that
// wait for the result
type job struct {
	batch *protocol.Batch
	done  chan *BatchResult
}

// Engine is the ingestion pipeline: a bounded queue feeding one worker
// goroutine that owns all per-tenant detection state. All mutation of noise
// models and detection history happens on the worker; synchronous callers
// go through the same queue and wait for their batch to complete.
type Engine struct {
	store  Store
	fails  *failstore.Store
	mirror StatusMirror   // optional
	events EventPublisher // optional
	logger *slog.Logger
	cfg    Config

	queue  chan *job
	stopCh chan struct{}
	wg     sync.WaitGroup

	// worker-owned, never touched off the worker goroutine
	noise map[string]*audio.NoiseModel

	// guarded by mu: read by status callers, written by the worker and
	// by profile deletion
	mu      sync.RWMutex
	tracker *stability.Tracker
	last    map[string]*Status

	// guarded by cacheMu
	cacheMu sync.Mutex
	cache   map[string]*cachedProfiles
}

// ErrQueueFull signals that the batch was rejected and persisted to the
// failure store instead
var ErrQueueFull = &OverflowError{"ingestion queue full"}

// OverflowError represents a rejected batch due to backpressure
type OverflowError struct {
	msg string
}

func (e *OverflowError) Error() string {
	return e.msg
}

// New creates an engine. The mirror and event publisher may be nil.
func New(store Store, fails *failstore.Store, mirror StatusMirror, events EventPublisher, logger *slog.Logger, cfg Config) *Engine {
	cfg.applyDefaults()

	return &Engine{
		store:   store,
		fails:   fails,
		mirror:  mirror,
		events:  events,
		logger:  logger.With("component", "engine"),
		cfg:     cfg,
		queue:   make(chan *job, cfg.QueueSize),
		stopCh:  make(chan struct{}),
		noise:   make(map[string]*audio.NoiseModel),
		tracker: stability.NewTracker(),
		last:    make(map[string]*Status),
		cache:   make(map[string]*cachedProfiles),
	}
}

// Start launches the worker goroutine
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go e.run(ctx)
}

// Stop drains the queue and stops the worker
func (e *Engine) Stop() {
	close(e.stopCh)
	e.wg.Wait()
}

// Submit validates and enqueues a batch without waiting for processing.
// It returns the queue length after enqueueing. A full queue persists the
// batch to the failure store and returns ErrQueueFull; the batch is not
// processed and no state changes.
func (e *Engine) Submit(ctx context.Context, batch *protocol.Batch) (int, error) {
	if err := e.prepare(batch); err != nil {
		return 0, err
	}
	if err := e.enqueue(&job{batch: batch}); err != nil {
		return 0, err
	}
	return len(e.queue), nil
}

// Process validates and enqueues a batch, then waits for the worker to
// finish it. This is the synchronous entrypoint; it shares the queue and
// worker with Submit so there is exactly one code path mutating detection
// state. Queued batches always run to completion; cancelling ctx only
// abandons the wait.
func (e *Engine) Process(ctx context.Context, batch *protocol.Batch) (*BatchResult, error) {
	if err := e.prepare(batch); err != nil {
		return nil, err
	}

	j := &job{batch: batch, done: make(chan *BatchResult, 1)}
	if err := e.enqueue(j); err != nil {
		return nil, err
	}

	select {
	case res := <-j.done:
		if res.Err != nil {
			return res, res.Err
		}
		return res, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// prepare validates the batch and assigns a batch ID if the edge did not
func (e *Engine) prepare(batch *protocol.Batch) error {
	if err := batch.Validate(); err != nil {
		return err
	}
	if batch.BatchID == "" {
		batch.BatchID = uuid.New().String()
	}
	if batch.ReceivedAt.IsZero() {
		batch.ReceivedAt = time.Now()
	}
	return nil
}

func (e *Engine) enqueue(j *job) error {
	select {
	case e.queue <- j:
		return nil
	default:
	}

	name, err := e.fails.Record(j.batch, "queue full")
	if err != nil {
		e.logger.Error("failed to persist rejected batch", "batch_id", j.batch.BatchID, "error", err)
	} else {
		e.logger.Warn("queue full, batch persisted", "batch_id", j.batch.BatchID, "file", name)
	}
	return ErrQueueFull
}

// QueueLength returns how many batches are waiting
func (e *Engine) QueueLength() int {
	return len(e.queue)
}

// LiveStatus returns the tenant's current detection state. Tenants that
// have not sent a live batch yet get an empty status.
func (e *Engine) LiveStatus(tenantID string) Status {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if s, ok := e.last[tenantID]; ok {
		return *s
	}
	return Status{}
}
