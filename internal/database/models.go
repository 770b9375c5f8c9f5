package database

import (
	"time"

	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
)

// StoredFrame represents one spectral frame row
type StoredFrame struct {
	ID             int64
	TenantID       string
	Timestamp      time.Time
	Amplitude      float64
	DominantFreq   *float64
	FreqConfidence *float64
	Peaks          []protocol.Peak
	MachineID      *string // set for calibration rows, nil for live
	Mode           string
	CreatedAt      time.Time
}

// MachineProfile represents a compiled machine fingerprint row
type MachineProfile struct {
	TenantID   string
	MachineID  string
	MedianFreq float64
	IQRLow     float64
	IQRHigh    float64
	Bands      []profile.Band
	PoolSize   int
	Vibration  *profile.VibrationSummary
	Gas        *profile.GasSummary
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// SensorReading represents one auxiliary sensor sample row
type SensorReading struct {
	ID         int64
	TenantID   string
	DeviceID   string
	Timestamp  time.Time
	Vibration  float64
	EventCount int
	GasRaw     float64
	GasStatus  string
	CreatedAt  time.Time
}
