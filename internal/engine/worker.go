package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nkhandel/soundml-server/internal/audio"
	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/status"
)

// run is the worker loop. On stop it drains whatever is still queued so
// accepted batches are never silently dropped.
func (e *Engine) run(ctx context.Context) {
	defer e.wg.Done()

	e.logger.Info("worker started", "queue_size", cap(e.queue))

	for {
		select {
		case <-e.stopCh:
			for {
				select {
				case j := <-e.queue:
					e.processJob(ctx, j)
				default:
					e.logger.Info("worker stopped")
					return
				}
			}
		case j := <-e.queue:
			e.processJob(ctx, j)
		}
	}
}

// processJob runs one batch and reports the outcome. A failed batch is
// persisted to the failure store exactly once, whether the caller is
// waiting or not.
func (e *Engine) processJob(ctx context.Context, j *job) {
	res := e.processBatch(ctx, j.batch)

	if res.Err != nil {
		e.logger.Error("batch failed",
			"batch_id", j.batch.BatchID,
			"tenant", j.batch.TenantID,
			"mode", j.batch.Mode,
			"error", res.Err)
		if name, err := e.fails.Record(j.batch, res.Err.Error()); err != nil {
			e.logger.Error("failed to persist failed batch", "batch_id", j.batch.BatchID, "error", err)
		} else {
			e.logger.Warn("batch persisted for replay", "batch_id", j.batch.BatchID, "file", name)
		}
	}

	if j.done != nil {
		j.done <- res
	}
}

func (e *Engine) processBatch(ctx context.Context, batch *protocol.Batch) *BatchResult {
	res := &BatchResult{
		BatchID:        batch.BatchID,
		FramesReceived: len(batch.Frames),
	}

	switch batch.Mode {
	case protocol.ModeCalibration:
		e.processCalibration(batch, res)
	default:
		e.processLive(ctx, batch, res)
	}
	return res
}

// skipFrame applies the storage filter: quiet frames with no spectral
// content carry no signal unless the batch asks for everything
func skipFrame(batch *protocol.Batch, frame protocol.Frame) bool {
	return !batch.StoreAll && (frame.Amplitude < audio.AmplitudeThreshold || len(frame.Peaks) == 0)
}

func frameTime(frame protocol.Frame) time.Time {
	if frame.Timestamp == 0 {
		return time.Now()
	}
	return time.UnixMilli(frame.Timestamp)
}

func storedFrame(batch *protocol.Batch, frame protocol.Frame, machineID *string) *database.StoredFrame {
	sf := &database.StoredFrame{
		TenantID:  batch.TenantID,
		Timestamp: frameTime(frame),
		Amplitude: frame.Amplitude,
		Peaks:     frame.Peaks,
		MachineID: machineID,
		Mode:      batch.Mode,
	}
	if len(frame.Peaks) > 0 {
		freq := frame.Peaks[0].Freq
		conf := frame.Peaks[0].Amp
		sf.DominantFreq = &freq
		sf.FreqConfidence = &conf
	}
	return sf
}

// processCalibration stores frames tagged with the machine under
// calibration. No detection state is touched; a storage error stops the
// batch and surfaces through the result.
func (e *Engine) processCalibration(batch *protocol.Batch, res *BatchResult) {
	machineID := batch.MachineID
	for _, frame := range batch.Frames {
		if skipFrame(batch, frame) {
			continue
		}
		if err := e.store.InsertFrame(storedFrame(batch, frame, &machineID)); err != nil {
			res.Err = fmt.Errorf("storing calibration frame: %w", err)
			return
		}
		res.FramesInserted++
	}

	e.logger.Info("calibration batch stored",
		"batch_id", batch.BatchID,
		"tenant", batch.TenantID,
		"machine", machineID,
		"frames", res.FramesInserted)
}

// processLive stores frames, feeds the noise model, classifies peaks
// against the tenant's profiles and advances the stability filter. The
// stability update happens once per batch, after all frames.
func (e *Engine) processLive(ctx context.Context, batch *protocol.Batch, res *BatchResult) {
	profiles, roster, err := e.matcherProfiles(batch.TenantID)
	if err != nil {
		res.Err = fmt.Errorf("loading profiles: %w", err)
		return
	}

	noise := e.noiseModel(batch.TenantID)
	detected := make(map[string]bool)
	anomalous := make(map[string]bool)

	for _, frame := range batch.Frames {
		if skipFrame(batch, frame) {
			continue
		}

		z, anomaly := noise.Update(frame.Amplitude)
		if anomaly {
			res.NoiseAnomalies++
			if z > res.MaxZScore {
				res.MaxZScore = z
			}
		}

		if err := e.store.InsertFrame(storedFrame(batch, frame, nil)); err != nil {
			res.Err = fmt.Errorf("storing frame: %w", err)
			return
		}
		res.FramesInserted++

		if len(frame.Peaks) > 0 {
			c := audio.Classify(frame.Peaks, profiles)
			for _, id := range c.Detected {
				detected[id] = true
			}
			for _, id := range c.Anomalous {
				anomalous[id] = true
			}
		}
	}

	res.Detected = sortedKeys(detected)
	res.Anomalous = sortedKeys(anomalous)

	var started, stopped []string
	now := time.Now()

	e.mu.Lock()
	e.tracker.Observe(batch.TenantID, detected, roster)
	res.Stable = e.tracker.Stable(batch.TenantID, roster)

	var prevStable []string
	if prev, ok := e.last[batch.TenantID]; ok {
		prevStable = prev.Stable
	}
	started = diff(res.Stable, prevStable)
	stopped = diff(prevStable, res.Stable)

	e.last[batch.TenantID] = &Status{
		Detected:  res.Detected,
		Stable:    res.Stable,
		Anomalous: res.Anomalous,
		UpdatedAt: now,
	}
	e.mu.Unlock()

	e.publishTransitions(ctx, batch, res, started, stopped, now)
	e.publishSnapshot(ctx, batch, res, now)

	e.logger.Info("live batch processed",
		"batch_id", batch.BatchID,
		"tenant", batch.TenantID,
		"frames", res.FramesInserted,
		"detected", len(res.Detected),
		"stable", len(res.Stable),
		"noise_anomalies", res.NoiseAnomalies)
}

// noiseModel returns the tenant's model, creating it on first use.
// Worker-only; not safe off the worker goroutine.
func (e *Engine) noiseModel(tenantID string) *audio.NoiseModel {
	m, ok := e.noise[tenantID]
	if !ok {
		m = audio.NewNoiseModel(e.cfg.Alpha)
		e.noise[tenantID] = m
	}
	return m
}

// publishTransitions emits machine started/stopped events for stability
// transitions and a noise anomaly event when the batch tripped the model.
// Event delivery is advisory; failures are logged and processing goes on.
func (e *Engine) publishTransitions(ctx context.Context, batch *protocol.Batch, res *BatchResult, started, stopped []string, at time.Time) {
	if e.events == nil {
		return
	}

	for _, id := range started {
		e.publishEvent(ctx, &protocol.StatusEvent{
			Type:      protocol.EventMachineStarted,
			TenantID:  batch.TenantID,
			MachineID: id,
			BatchID:   batch.BatchID,
			At:        at,
		})
	}
	for _, id := range stopped {
		e.publishEvent(ctx, &protocol.StatusEvent{
			Type:      protocol.EventMachineStopped,
			TenantID:  batch.TenantID,
			MachineID: id,
			BatchID:   batch.BatchID,
			At:        at,
		})
	}
	if res.NoiseAnomalies > 0 {
		e.publishEvent(ctx, &protocol.StatusEvent{
			Type:     protocol.EventNoiseAnomaly,
			TenantID: batch.TenantID,
			ZScore:   res.MaxZScore,
			BatchID:  batch.BatchID,
			At:       at,
		})
	}
}

func (e *Engine) publishEvent(ctx context.Context, ev *protocol.StatusEvent) {
	data, err := protocol.EncodeStatusEvent(ev)
	if err != nil {
		e.logger.Error("failed to encode event", "type", ev.Type, "error", err)
		return
	}
	if err := e.events.Publish(ctx, ev.TenantID, data); err != nil {
		e.logger.Error("failed to publish event", "type", ev.Type, "tenant", ev.TenantID, "error", err)
	}
}

func (e *Engine) publishSnapshot(ctx context.Context, batch *protocol.Batch, res *BatchResult, at time.Time) {
	if e.mirror == nil {
		return
	}

	snap := &status.Snapshot{
		TenantID:        batch.TenantID,
		Detected:        res.Detected,
		Stable:          res.Stable,
		AnomalyMachines: res.Anomalous,
		NoiseAnomaly:    res.NoiseAnomalies > 0,
		MaxZScore:       res.MaxZScore,
		QueueLength:     len(e.queue),
		UpdatedAt:       at,
	}
	if err := e.mirror.Publish(ctx, snap); err != nil {
		e.logger.Error("failed to publish status snapshot", "tenant", batch.TenantID, "error", err)
	}
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// diff returns the elements of a that are not in b, preserving a's order
func diff(a, b []string) []string {
	if len(a) == 0 {
		return nil
	}
	in := make(map[string]bool, len(b))
	for _, s := range b {
		in[s] = true
	}
	var out []string
	for _, s := range a {
		if !in[s] {
			out = append(out, s)
		}
	}
	return out
}
