package engine

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/failstore"
	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
	"github.com/nkhandel/soundml-server/internal/status"
)

type fakeStore struct {
	mu        sync.Mutex
	frames    []*database.StoredFrame
	profiles  []*database.MachineProfile
	calib     [][]protocol.Peak
	insertErr error
	listCalls int
	upserted  []*database.MachineProfile
}

func (s *fakeStore) InsertFrame(f *database.StoredFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	f.ID = int64(len(s.frames) + 1)
	s.frames = append(s.frames, f)
	return nil
}

func (s *fakeStore) FetchCalibrationPeaks(tenantID, machineID string, limit int) ([][]protocol.Peak, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.calib) > limit {
		return s.calib[:limit], nil
	}
	return s.calib, nil
}

func (s *fakeStore) UpsertProfile(p *database.MachineProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.upserted = append(s.upserted, p)
	return nil
}

func (s *fakeStore) GetProfile(tenantID, machineID string) (*database.MachineProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.profiles {
		if p.TenantID == tenantID && p.MachineID == machineID {
			return p, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) ListProfiles(tenantID string) ([]*database.MachineProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listCalls++
	var out []*database.MachineProfile
	for _, p := range s.profiles {
		if p.TenantID == tenantID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (s *fakeStore) DeleteProfile(tenantID, machineID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.profiles {
		if p.TenantID == tenantID && p.MachineID == machineID {
			s.profiles = append(s.profiles[:i], s.profiles[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) setInsertErr(err error) {
	s.mu.Lock()
	s.insertErr = err
	s.mu.Unlock()
}

func (s *fakeStore) frameCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *fakeStore) lastFrame() *database.StoredFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1]
}

type fakeEvents struct {
	mu     sync.Mutex
	events []*protocol.StatusEvent
}

func (f *fakeEvents) Publish(ctx context.Context, key string, value []byte) error {
	ev, err := protocol.DecodeStatusEvent(value)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
	return nil
}

func (f *fakeEvents) ofType(eventType string) []*protocol.StatusEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.StatusEvent
	for _, ev := range f.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type fakeMirror struct {
	mu      sync.Mutex
	snaps   []*status.Snapshot
	deleted []string
}

func (f *fakeMirror) Publish(ctx context.Context, snap *status.Snapshot) error {
	f.mu.Lock()
	f.snaps = append(f.snaps, snap)
	f.mu.Unlock()
	return nil
}

func (f *fakeMirror) Delete(ctx context.Context, tenantID string) error {
	f.mu.Lock()
	f.deleted = append(f.deleted, tenantID)
	f.mu.Unlock()
	return nil
}

func (f *fakeMirror) deleteCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.deleted)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testFails(t *testing.T) *failstore.Store {
	t.Helper()
	fails, err := failstore.New(filepath.Join(t.TempDir(), "failed"))
	if err != nil {
		t.Fatalf("failed to create failure store: %v", err)
	}
	return fails
}

func twoBandProfile(tenant, machine string) *database.MachineProfile {
	return &database.MachineProfile{
		TenantID:   tenant,
		MachineID:  machine,
		MedianFreq: 175,
		IQRLow:     100,
		IQRHigh:    250,
		Bands: []profile.Band{
			{Center: 120, Low: 110, High: 130, Samples: 40},
			{Center: 230, Low: 220, High: 240, Samples: 38},
		},
		PoolSize: 78,
	}
}

func matchingFrame() protocol.Frame {
	return protocol.Frame{
		Amplitude: 0.8,
		Peaks: []protocol.Peak{
			{Freq: 120, Amp: 0.5},
			{Freq: 230, Amp: 0.4},
		},
	}
}

func missingFrame() protocol.Frame {
	return protocol.Frame{
		Amplitude: 0.8,
		Peaks:     []protocol.Peak{{Freq: 500, Amp: 0.5}},
	}
}

func liveBatch(tenant string, frames ...protocol.Frame) *protocol.Batch {
	return &protocol.Batch{
		TenantID: tenant,
		Mode:     protocol.ModeLive,
		Frames:   frames,
	}
}

func TestProcessLiveBatch(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")}}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	res, err := e.Process(context.Background(), liveBatch("t1", matchingFrame(), matchingFrame()))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.FramesReceived != 2 || res.FramesInserted != 2 {
		t.Errorf("expected 2 frames received and inserted, got %d/%d", res.FramesReceived, res.FramesInserted)
	}
	if len(res.Detected) != 1 || res.Detected[0] != "pump-1" {
		t.Errorf("expected pump-1 detected, got %v", res.Detected)
	}
	if len(res.Stable) != 0 {
		t.Errorf("one batch should not reach stability, got %v", res.Stable)
	}
	if res.BatchID == "" {
		t.Error("expected an assigned batch ID")
	}

	frame := store.lastFrame()
	if frame.MachineID != nil {
		t.Error("live frames should not carry a machine ID")
	}
	if frame.Mode != protocol.ModeLive {
		t.Errorf("expected live mode, got %s", frame.Mode)
	}
	if frame.DominantFreq == nil || *frame.DominantFreq != 120 {
		t.Errorf("expected dominant freq 120, got %v", frame.DominantFreq)
	}

	st := e.LiveStatus("t1")
	if len(st.Detected) != 1 || st.Detected[0] != "pump-1" {
		t.Errorf("expected live status to list pump-1, got %v", st.Detected)
	}
}

func TestProcessSkipsQuietFrames(t *testing.T) {
	store := &fakeStore{}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	quiet := protocol.Frame{Amplitude: 0.001, Peaks: []protocol.Peak{{Freq: 120, Amp: 0.5}}}
	noPeaks := protocol.Frame{Amplitude: 0.8}

	res, err := e.Process(context.Background(), liveBatch("t1", quiet, noPeaks, matchingFrame()))
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.FramesInserted != 1 {
		t.Errorf("expected only the loud frame stored, got %d", res.FramesInserted)
	}

	b := liveBatch("t1", quiet, noPeaks)
	b.StoreAll = true
	res, err = e.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.FramesInserted != 2 {
		t.Errorf("store_all should keep every frame, got %d", res.FramesInserted)
	}
}

func TestProcessValidation(t *testing.T) {
	e := New(&fakeStore{}, testFails(t), nil, nil, testLogger(), Config{})

	_, err := e.Process(context.Background(), liveBatch("", matchingFrame()))
	if !errors.Is(err, protocol.ErrMissingTenant) {
		t.Errorf("expected missing tenant error, got %v", err)
	}

	_, err = e.Process(context.Background(), liveBatch("t1"))
	if !errors.Is(err, protocol.ErrNoFrames) {
		t.Errorf("expected no frames error, got %v", err)
	}

	b := liveBatch("t1", matchingFrame())
	b.Mode = "replay"
	_, err = e.Process(context.Background(), b)
	if !errors.Is(err, protocol.ErrInvalidMode) {
		t.Errorf("expected invalid mode error, got %v", err)
	}

	b = liveBatch("t1", matchingFrame())
	b.Mode = protocol.ModeCalibration
	_, err = e.Process(context.Background(), b)
	if !errors.Is(err, protocol.ErrMissingMachineID) {
		t.Errorf("expected missing machine error, got %v", err)
	}
}

func TestStabilityTransitionsEmitEvents(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")}}
	events := &fakeEvents{}
	e := New(store, testFails(t), nil, events, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	var res *BatchResult
	var err error
	for i := 0; i < 5; i++ {
		res, err = e.Process(context.Background(), liveBatch("t1", matchingFrame()))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	if len(res.Stable) != 1 || res.Stable[0] != "pump-1" {
		t.Fatalf("expected pump-1 stable after 5 detections, got %v", res.Stable)
	}
	started := events.ofType(protocol.EventMachineStarted)
	if len(started) != 1 || started[0].MachineID != "pump-1" {
		t.Fatalf("expected one MACHINE_STARTED for pump-1, got %v", started)
	}

	for i := 0; i < 4; i++ {
		res, err = e.Process(context.Background(), liveBatch("t1", missingFrame()))
		if err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}

	if len(res.Stable) != 0 {
		t.Fatalf("expected stability lost after 4 silent batches, got %v", res.Stable)
	}
	stopped := events.ofType(protocol.EventMachineStopped)
	if len(stopped) != 1 || stopped[0].MachineID != "pump-1" {
		t.Fatalf("expected one MACHINE_STOPPED for pump-1, got %v", stopped)
	}
	if len(events.ofType(protocol.EventMachineStarted)) != 1 {
		t.Error("MACHINE_STARTED should not repeat while the machine stays stable")
	}
}

func TestNoiseAnomalyEvent(t *testing.T) {
	store := &fakeStore{}
	events := &fakeEvents{}
	e := New(store, testFails(t), nil, events, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	frames := make([]protocol.Frame, 0, 31)
	for i := 0; i < 30; i++ {
		frames = append(frames, protocol.Frame{Amplitude: 1.0})
	}
	frames = append(frames, protocol.Frame{Amplitude: 10.0})

	b := liveBatch("t1", frames...)
	b.StoreAll = true
	res, err := e.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.NoiseAnomalies == 0 {
		t.Fatal("expected the amplitude jump to register as a noise anomaly")
	}
	if res.MaxZScore <= 3.0 {
		t.Errorf("expected z-score above threshold, got %f", res.MaxZScore)
	}

	anomalies := events.ofType(protocol.EventNoiseAnomaly)
	if len(anomalies) != 1 {
		t.Fatalf("expected one NOISE_ANOMALY event, got %d", len(anomalies))
	}
	if anomalies[0].ZScore != res.MaxZScore {
		t.Errorf("event z-score %f does not match result %f", anomalies[0].ZScore, res.MaxZScore)
	}
}

func TestNoiseModelsIsolatedPerTenant(t *testing.T) {
	store := &fakeStore{}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	frames := make([]protocol.Frame, 30)
	for i := range frames {
		frames[i] = protocol.Frame{Amplitude: 1.0}
	}
	b := liveBatch("t1", frames...)
	b.StoreAll = true
	if _, err := e.Process(context.Background(), b); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	// the same spike that would alarm t1's settled model is t2's very
	// first sample and must pass quietly
	spike := liveBatch("t2", protocol.Frame{Amplitude: 10.0})
	spike.StoreAll = true
	res, err := e.Process(context.Background(), spike)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if res.NoiseAnomalies != 0 {
		t.Errorf("fresh tenant should not inherit another tenant's baseline, got %d anomalies", res.NoiseAnomalies)
	}
}

func TestQueueFullPersistsBatch(t *testing.T) {
	store := &fakeStore{}
	fails := testFails(t)
	e := New(store, fails, nil, nil, testLogger(), Config{QueueSize: 1})
	// worker not started so the queue stays full

	if _, err := e.Submit(context.Background(), liveBatch("t1", matchingFrame())); err != nil {
		t.Fatalf("first submit should fit: %v", err)
	}

	_, err := e.Submit(context.Background(), liveBatch("t1", matchingFrame()))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}

	_, err = e.Process(context.Background(), liveBatch("t1", matchingFrame()))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull from Process too, got %v", err)
	}

	names, err := fails.List()
	if err != nil {
		t.Fatalf("listing failure records: %v", err)
	}
	if len(names) != 2 {
		t.Fatalf("expected one failure record per rejected batch, got %d", len(names))
	}
	if store.frameCount() != 0 {
		t.Error("rejected batches must not reach the store")
	}
}

func TestWorkerSurvivesFailingBatch(t *testing.T) {
	store := &fakeStore{}
	fails := testFails(t)
	e := New(store, fails, nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	store.setInsertErr(errors.New("connection reset"))
	_, err := e.Process(context.Background(), liveBatch("t1", matchingFrame()))
	if err == nil {
		t.Fatal("expected the storage error to surface")
	}

	names, err := fails.List()
	if err != nil {
		t.Fatalf("listing failure records: %v", err)
	}
	if len(names) != 1 {
		t.Fatalf("expected the failed batch persisted once, got %d records", len(names))
	}

	rec, err := fails.Load(names[0])
	if err != nil {
		t.Fatalf("loading failure record: %v", err)
	}
	if rec.Batch.TenantID != "t1" {
		t.Errorf("expected tenant t1 in record, got %s", rec.Batch.TenantID)
	}

	store.setInsertErr(nil)
	res, err := e.Process(context.Background(), liveBatch("t1", matchingFrame()))
	if err != nil {
		t.Fatalf("worker should keep running after a failed batch: %v", err)
	}
	if res.FramesInserted != 1 {
		t.Errorf("expected 1 frame inserted, got %d", res.FramesInserted)
	}
}

func TestQueuedBatchSurvivesAbandonedWait(t *testing.T) {
	store := &fakeStore{}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := e.Process(ctx, liveBatch("t1", matchingFrame()))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	// the batch was accepted before the caller gave up, so the worker
	// still owes it a run
	e.Start(context.Background())
	e.Stop()

	if store.frameCount() != 1 {
		t.Errorf("expected the abandoned batch to be processed, got %d frames", store.frameCount())
	}
}

func TestCalibrationBatchStoresTaggedFrames(t *testing.T) {
	store := &fakeStore{}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	b := &protocol.Batch{
		TenantID:  "t1",
		MachineID: "pump-1",
		Mode:      protocol.ModeCalibration,
		Frames: []protocol.Frame{
			matchingFrame(),
			{Amplitude: 0.001, Peaks: []protocol.Peak{{Freq: 120, Amp: 0.5}}},
		},
	}
	res, err := e.Process(context.Background(), b)
	if err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	if res.FramesInserted != 1 {
		t.Errorf("expected the quiet frame skipped, got %d inserted", res.FramesInserted)
	}
	if len(res.Detected) != 0 || len(res.Stable) != 0 {
		t.Error("calibration batches must not classify")
	}

	frame := store.lastFrame()
	if frame.MachineID == nil || *frame.MachineID != "pump-1" {
		t.Errorf("calibration frames must carry the machine ID, got %v", frame.MachineID)
	}
	if frame.Mode != protocol.ModeCalibration {
		t.Errorf("expected calibration mode, got %s", frame.Mode)
	}
}

func TestCompileProfile(t *testing.T) {
	calib := make([][]protocol.Peak, 25)
	for i := range calib {
		calib[i] = []protocol.Peak{{Freq: 120, Amp: 0.5}}
	}
	store := &fakeStore{calib: calib}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})

	p, err := e.CompileProfile(context.Background(), "t1", "pump-1", []float64{0, 1, 0, 1}, []float64{400, 500})
	if err != nil {
		t.Fatalf("CompileProfile failed: %v", err)
	}

	if p.MedianFreq != 120 {
		t.Errorf("expected median 120, got %f", p.MedianFreq)
	}
	if p.PoolSize != 25 {
		t.Errorf("expected pool size 25, got %d", p.PoolSize)
	}
	if len(p.Bands) != 1 {
		t.Errorf("expected one band, got %d", len(p.Bands))
	}
	if p.Vibration == nil || p.Vibration.Samples != 4 {
		t.Errorf("expected vibration summary over 4 samples, got %+v", p.Vibration)
	}
	if p.Gas == nil || p.Gas.Status != profile.GasStatusSafe {
		t.Errorf("expected safe gas summary, got %+v", p.Gas)
	}

	store.mu.Lock()
	upserts := len(store.upserted)
	store.mu.Unlock()
	if upserts != 1 {
		t.Errorf("expected one upsert, got %d", upserts)
	}
}

func TestCompileProfileInsufficientData(t *testing.T) {
	store := &fakeStore{calib: [][]protocol.Peak{
		{{Freq: 120, Amp: 0.5}},
		{{Freq: 121, Amp: 0.5}},
	}}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})

	_, err := e.CompileProfile(context.Background(), "t1", "pump-1", nil, nil)
	var insufficient *profile.InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected InsufficientDataError, got %v", err)
	}
	if insufficient.Count != 2 {
		t.Errorf("expected count 2, got %d", insufficient.Count)
	}

	store.calib = nil
	_, err = e.CompileProfile(context.Background(), "t1", "pump-1", nil, nil)
	if !errors.Is(err, profile.ErrNoCalibrationData) {
		t.Errorf("expected ErrNoCalibrationData, got %v", err)
	}
}

func TestProfileCacheInvalidatedOnCompile(t *testing.T) {
	calib := make([][]protocol.Peak, 25)
	for i := range calib {
		calib[i] = []protocol.Peak{{Freq: 120, Amp: 0.5}}
	}
	store := &fakeStore{
		profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")},
		calib:    calib,
	}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	for i := 0; i < 2; i++ {
		if _, err := e.Process(context.Background(), liveBatch("t1", matchingFrame())); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	store.mu.Lock()
	calls := store.listCalls
	store.mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected one profile load within the TTL, got %d", calls)
	}

	if _, err := e.CompileProfile(context.Background(), "t1", "pump-2", nil, nil); err != nil {
		t.Fatalf("CompileProfile failed: %v", err)
	}
	if _, err := e.Process(context.Background(), liveBatch("t1", matchingFrame())); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	store.mu.Lock()
	calls = store.listCalls
	store.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected a reload after compilation, got %d loads", calls)
	}
}

func TestClassifyFrameReadOnly(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")}}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})

	cl, err := e.ClassifyFrame(context.Background(), "t1", matchingFrame().Peaks)
	if err != nil {
		t.Fatalf("ClassifyFrame failed: %v", err)
	}
	if len(cl.Detected) != 1 || cl.Detected[0] != "pump-1" {
		t.Errorf("expected pump-1 detected, got %+v", cl)
	}

	if n := e.tracker.Observations("t1", "pump-1"); n != 0 {
		t.Errorf("a classification probe must not record history, got %d observations", n)
	}
	if st := e.LiveStatus("t1"); len(st.Detected) != 0 {
		t.Errorf("a classification probe must not touch live status, got %+v", st)
	}
}

func TestDeleteProfileEvictsHistory(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")}}
	e := New(store, testFails(t), nil, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	for i := 0; i < 5; i++ {
		if _, err := e.Process(context.Background(), liveBatch("t1", matchingFrame())); err != nil {
			t.Fatalf("Process failed: %v", err)
		}
	}
	if st := e.LiveStatus("t1"); len(st.Stable) != 1 {
		t.Fatalf("expected pump-1 stable before deletion, got %v", st.Stable)
	}

	found, err := e.DeleteProfile(context.Background(), "t1", "pump-1")
	if err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	if !found {
		t.Fatal("expected the profile to exist")
	}

	st := e.LiveStatus("t1")
	if len(st.Stable) != 0 || len(st.Detected) != 0 {
		t.Errorf("deleted machine must leave the live status, got %+v", st)
	}
	if n := e.tracker.Observations("t1", "pump-1"); n != 0 {
		t.Errorf("expected detection history evicted, got %d observations", n)
	}

	found, err = e.DeleteProfile(context.Background(), "t1", "pump-1")
	if err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	if found {
		t.Error("second deletion should report not found")
	}
}

func TestDeleteLastProfileClearsMirror(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{
		twoBandProfile("t1", "pump-1"),
		twoBandProfile("t1", "fan-1"),
	}}
	mirror := &fakeMirror{}
	e := New(store, testFails(t), mirror, nil, testLogger(), Config{})

	if _, err := e.DeleteProfile(context.Background(), "t1", "pump-1"); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	if n := mirror.deleteCount(); n != 0 {
		t.Errorf("snapshot must survive while fan-1 remains, got %d deletes", n)
	}

	if _, err := e.DeleteProfile(context.Background(), "t1", "fan-1"); err != nil {
		t.Fatalf("DeleteProfile failed: %v", err)
	}
	if n := mirror.deleteCount(); n != 1 {
		t.Errorf("expected the snapshot cleared with the last profile, got %d deletes", n)
	}
}

func TestSnapshotPublished(t *testing.T) {
	store := &fakeStore{profiles: []*database.MachineProfile{twoBandProfile("t1", "pump-1")}}
	mirror := &fakeMirror{}
	e := New(store, testFails(t), mirror, nil, testLogger(), Config{})
	e.Start(context.Background())
	defer e.Stop()

	if _, err := e.Process(context.Background(), liveBatch("t1", matchingFrame())); err != nil {
		t.Fatalf("Process failed: %v", err)
	}

	mirror.mu.Lock()
	defer mirror.mu.Unlock()
	if len(mirror.snaps) != 1 {
		t.Fatalf("expected one snapshot, got %d", len(mirror.snaps))
	}
	snap := mirror.snaps[0]
	if snap.TenantID != "t1" {
		t.Errorf("expected tenant t1, got %s", snap.TenantID)
	}
	if len(snap.Detected) != 1 || snap.Detected[0] != "pump-1" {
		t.Errorf("expected pump-1 in snapshot, got %v", snap.Detected)
	}
}
