package status

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Snapshot is the live status of one tenant's machine floor, refreshed
// after every processed live batch
type Snapshot struct {
	TenantID        string    `json:"tenant_id"`
	Detected        []string  `json:"detected"`
	Stable          []string  `json:"stable"`
	AnomalyMachines []string  `json:"anomaly_machines,omitempty"`
	NoiseAnomaly    bool      `json:"noise_anomaly"`
	MaxZScore       float64   `json:"max_z_score,omitempty"`
	QueueLength     int       `json:"queue_length"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// snapshotTTL keeps stale tenants from lingering after their devices stop
// reporting
const snapshotTTL = 24 * time.Hour

// Mirror publishes per-tenant status snapshots to Redis so the reporting
// frontend can poll them without touching the engine
type Mirror struct {
	redis *redis.Client
}

// NewMirror creates a new status mirror
func NewMirror(redisClient *redis.Client) *Mirror {
	return &Mirror{redis: redisClient}
}

// Publish saves the snapshot for a tenant
func (m *Mirror) Publish(ctx context.Context, snap *Snapshot) error {
	key := fmt.Sprintf("live_status:%s", snap.TenantID)

	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if err := m.redis.Set(ctx, key, data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("failed to set snapshot in Redis: %w", err)
	}

	return nil
}

// Get retrieves the snapshot for a tenant. A tenant with no snapshot yet
// gets an empty one.
func (m *Mirror) Get(ctx context.Context, tenantID string) (*Snapshot, error) {
	key := fmt.Sprintf("live_status:%s", tenantID)

	data, err := m.redis.Get(ctx, key).Result()
	if err == redis.Nil {
		return &Snapshot{TenantID: tenantID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot from Redis: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}

	return &snap, nil
}

// Delete removes a tenant's snapshot
func (m *Mirror) Delete(ctx context.Context, tenantID string) error {
	key := fmt.Sprintf("live_status:%s", tenantID)
	return m.redis.Del(ctx, key).Err()
}

// All returns the snapshots of every tenant currently mirrored
func (m *Mirror) All(ctx context.Context) (map[string]*Snapshot, error) {
	keys, err := m.redis.Keys(ctx, "live_status:*").Result()
	if err != nil {
		return nil, err
	}

	snapshots := make(map[string]*Snapshot)
	for _, key := range keys {
		data, err := m.redis.Get(ctx, key).Result()
		if err != nil {
			continue
		}

		var snap Snapshot
		if err := json.Unmarshal([]byte(data), &snap); err != nil {
			continue
		}

		snapshots[snap.TenantID] = &snap
	}

	return snapshots, nil
}
