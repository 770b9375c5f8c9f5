package protocol

import (
	"encoding/json"
	"time"
)

// Batch is the internal pipeline unit: one capture window from one device,
// carried on Kafka between the gateway and the engine
type Batch struct {
	BatchID        string    `json:"batch_id"`
	TenantID       string    `json:"tenant_id"`
	MachineID      string    `json:"machine_id,omitempty"`
	DeviceID       string    `json:"device_id,omitempty"`
	Mode           string    `json:"mode"`
	StoreAll       bool      `json:"store_all,omitempty"`
	FramesCaptured int       `json:"frames_captured"`
	ReceivedAt     time.Time `json:"received_at"`
	Frames         []Frame   `json:"frames"`
}

// Validate checks the batch fields required by the ingestion pipeline.
// It never mutates the batch.
func (b *Batch) Validate() error {
	if b.TenantID == "" {
		return ErrMissingTenant
	}
	if b.Mode != ModeLive && b.Mode != ModeCalibration {
		return ErrInvalidMode
	}
	if b.Mode == ModeCalibration && b.MachineID == "" {
		return ErrMissingMachineID
	}
	if len(b.Frames) == 0 {
		return ErrNoFrames
	}
	return nil
}

// SensorSample is the internal message format for auxiliary sensor readings
type SensorSample struct {
	TenantID   string    `json:"tenant_id"`
	DeviceID   string    `json:"device_id"`
	Vibration  float64   `json:"vibration"`
	EventCount int       `json:"event_count"`
	GasRaw     float64   `json:"gas_raw"`
	GasStatus  string    `json:"gas_status,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
}

// StatusEvent is the message format for machine status notifications
type StatusEvent struct {
	Type      string    `json:"type"` // MACHINE_STARTED, MACHINE_STOPPED, NOISE_ANOMALY
	TenantID  string    `json:"tenant_id"`
	MachineID string    `json:"machine_id,omitempty"`
	ZScore    float64   `json:"z_score,omitempty"`
	BatchID   string    `json:"batch_id,omitempty"`
	At        time.Time `json:"at"`
}

const (
	EventMachineStarted = "MACHINE_STARTED"
	EventMachineStopped = "MACHINE_STOPPED"
	EventNoiseAnomaly   = "NOISE_ANOMALY"
)

// EncodeBatch encodes a Batch to JSON
func EncodeBatch(b *Batch) ([]byte, error) {
	return json.Marshal(b)
}

// DecodeBatch decodes JSON to a Batch
func DecodeBatch(data []byte) (*Batch, error) {
	var b Batch
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, err
	}
	return &b, nil
}

// EncodeSensorSample encodes a SensorSample to JSON
func EncodeSensorSample(s *SensorSample) ([]byte, error) {
	return json.Marshal(s)
}

// DecodeSensorSample decodes JSON to a SensorSample
func DecodeSensorSample(data []byte) (*SensorSample, error) {
	var s SensorSample
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// EncodeStatusEvent encodes a StatusEvent to JSON
func EncodeStatusEvent(ev *StatusEvent) ([]byte, error) {
	return json.Marshal(ev)
}

// DecodeStatusEvent decodes JSON to a StatusEvent
func DecodeStatusEvent(data []byte) (*StatusEvent, error) {
	var ev StatusEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}
