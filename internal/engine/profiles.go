package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/nkhandel/soundml-server/internal/audio"
	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
)

// cachedProfiles holds one tenant's compiled profiles, refetched after the
// configured TTL or when a profile changes
type cachedProfiles struct {
	matcher  []audio.Profile
	roster   []string
	loadedAt time.Time
}

// matcherProfiles returns the tenant's profiles in matcher form plus the
// machine roster, loading from the store when the cache is stale. The
// roster is the sorted machine ID list and drives stability bookkeeping.
func (e *Engine) matcherProfiles(tenantID string) ([]audio.Profile, []string, error) {
	e.cacheMu.Lock()
	defer e.cacheMu.Unlock()

	if c, ok := e.cache[tenantID]; ok && time.Since(c.loadedAt) < e.cfg.ProfileCacheTTL {
		return c.matcher, c.roster, nil
	}

	stored, err := e.store.ListProfiles(tenantID)
	if err != nil {
		return nil, nil, err
	}

	matcher := make([]audio.Profile, 0, len(stored))
	roster := make([]string, 0, len(stored))
	for _, p := range stored {
		matcher = append(matcher, audio.Profile{
			MachineID: p.MachineID,
			Bands:     p.Bands,
			IQRLow:    p.IQRLow,
			IQRHigh:   p.IQRHigh,
		})
		roster = append(roster, p.MachineID)
	}

	e.cache[tenantID] = &cachedProfiles{
		matcher:  matcher,
		roster:   roster,
		loadedAt: time.Now(),
	}
	e.logger.Debug("profiles loaded", "tenant", tenantID, "count", len(matcher))

	return matcher, roster, nil
}

func (e *Engine) invalidateProfiles(tenantID string) {
	e.cacheMu.Lock()
	delete(e.cache, tenantID)
	e.cacheMu.Unlock()
}

// CompileProfile builds a fingerprint from the machine's stored calibration
// frames and upserts it, replacing any previous profile wholesale. Optional
// vibration and gas readings captured during the calibration run are
// summarized alongside.
func (e *Engine) CompileProfile(ctx context.Context, tenantID, machineID string, vibration, gas []float64) (*database.MachineProfile, error) {
	if tenantID == "" {
		return nil, protocol.ErrMissingTenant
	}
	if machineID == "" {
		return nil, protocol.ErrMissingMachineID
	}

	frames, err := e.store.FetchCalibrationPeaks(tenantID, machineID, e.cfg.FetchLimit)
	if err != nil {
		return nil, fmt.Errorf("fetching calibration frames: %w", err)
	}

	fp, err := profile.Compile(frames)
	if err != nil {
		return nil, err
	}

	p := &database.MachineProfile{
		TenantID:   tenantID,
		MachineID:  machineID,
		MedianFreq: fp.MedianFreq,
		IQRLow:     fp.IQRLow,
		IQRHigh:    fp.IQRHigh,
		Bands:      fp.Bands,
		PoolSize:   fp.PoolSize,
		Vibration:  profile.SummarizeVibration(vibration),
		Gas:        profile.SummarizeGas(gas),
		UpdatedAt:  time.Now(),
	}
	if err := e.store.UpsertProfile(p); err != nil {
		return nil, fmt.Errorf("saving profile: %w", err)
	}

	e.invalidateProfiles(tenantID)
	e.logger.Info("profile compiled",
		"tenant", tenantID,
		"machine", machineID,
		"bands", len(p.Bands),
		"pool_size", p.PoolSize)

	return p, nil
}

// DeleteProfile removes the machine's profile and evicts its detection
// history so a stale stable flag cannot outlive the profile. Returns false
// when no profile existed.
func (e *Engine) DeleteProfile(ctx context.Context, tenantID, machineID string) (bool, error) {
	if tenantID == "" {
		return false, protocol.ErrMissingTenant
	}

	found, err := e.store.DeleteProfile(tenantID, machineID)
	if err != nil {
		return false, err
	}
	if !found {
		return false, nil
	}

	e.invalidateProfiles(tenantID)

	e.mu.Lock()
	e.tracker.Evict(tenantID, machineID)
	if s, ok := e.last[tenantID]; ok {
		s.Detected = remove(s.Detected, machineID)
		s.Stable = remove(s.Stable, machineID)
		s.Anomalous = remove(s.Anomalous, machineID)
	}
	e.mu.Unlock()

	// A tenant whose last profile is gone has nothing to monitor; clear the
	// mirrored snapshot instead of letting it linger until the TTL.
	if e.mirror != nil {
		if _, roster, err := e.matcherProfiles(tenantID); err == nil && len(roster) == 0 {
			if err := e.mirror.Delete(ctx, tenantID); err != nil {
				e.logger.Warn("failed to clear live status", "tenant", tenantID, "error", err)
			}
		}
	}

	e.logger.Info("profile deleted", "tenant", tenantID, "machine", machineID)
	return true, nil
}

// GetProfile returns the stored profile, or nil if the machine has none
func (e *Engine) GetProfile(ctx context.Context, tenantID, machineID string) (*database.MachineProfile, error) {
	return e.store.GetProfile(tenantID, machineID)
}

// ListProfiles returns all of the tenant's profiles ordered by machine ID
func (e *Engine) ListProfiles(ctx context.Context, tenantID string) ([]*database.MachineProfile, error) {
	return e.store.ListProfiles(tenantID)
}

// ClassifyFrame matches one frame's peaks against the tenant's profiles
// without touching noise or stability state
func (e *Engine) ClassifyFrame(ctx context.Context, tenantID string, peaks []protocol.Peak) (audio.Classification, error) {
	profiles, _, err := e.matcherProfiles(tenantID)
	if err != nil {
		return audio.Classification{}, err
	}
	return audio.Classify(peaks, profiles), nil
}

// remove returns a copy of list without id; copies from LiveStatus may
// still reference the old backing array
func remove(list []string, id string) []string {
	var out []string
	for _, s := range list {
		if s != id {
			out = append(out, s)
		}
	}
	return out
}
