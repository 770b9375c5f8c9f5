package protocol

import (
	"encoding/json"
	"fmt"
)

// MessageType represents the type of message
type MessageType string

const (
	// Client to Server
	MsgTypeIdentify  MessageType = "identify"
	MsgTypeFrames    MessageType = "frames"
	MsgTypeSensor    MessageType = "sensor"
	MsgTypeKeepalive MessageType = "keepalive"

	// Server to Client
	MsgTypeAck MessageType = "ack"
)

// Capture modes for frame batches
const (
	ModeLive        = "live"
	ModeCalibration = "calibration"
)

// BaseMessage is the common structure for all messages
type BaseMessage struct {
	Type MessageType `json:"type"`
}

// IdentifyMessage is sent by the device on connection
type IdentifyMessage struct {
	Type     MessageType `json:"type"`
	TenantID string      `json:"tenant_id"`
	DeviceID string      `json:"device_id"`
	Site     string      `json:"site,omitempty"`
}

// Peak is a single spectral peak within a frame
type Peak struct {
	Freq float64 `json:"freq"`
	Amp  float64 `json:"amp"`
}

// Frame is one short-time spectral observation
type Frame struct {
	Timestamp int64   `json:"timestamp"` // milliseconds since epoch
	Amplitude float64 `json:"amplitude"`
	Peaks     []Peak  `json:"peaks"`
}

// FramesMessage carries a capture window of spectral frames
type FramesMessage struct {
	Type      MessageType `json:"type"`
	Mode      string      `json:"mode"`
	MachineID string      `json:"machine_id,omitempty"`
	StoreAll  bool        `json:"store_all,omitempty"`
	Frames    []Frame     `json:"frames"`
}

// SensorMessage carries auxiliary vibration/gas readings from the device
type SensorMessage struct {
	Type       MessageType `json:"type"`
	Vibration  float64     `json:"vibration"`
	EventCount int         `json:"event_count"`
	GasRaw     float64     `json:"gas_raw"`
	GasStatus  string      `json:"gas_status,omitempty"`
}

// KeepaliveMessage is sent by the device between captures
type KeepaliveMessage struct {
	Type MessageType `json:"type"`
}

// AckMessage is sent by the server in response to messages
type AckMessage struct {
	Type   MessageType `json:"type"`
	Status string      `json:"status"`
	Detail string      `json:"detail,omitempty"`
}

// AckStatus constants
const (
	AckStatusIdentified = "identified"
	AckStatusAccepted   = "accepted"
	AckStatusAlive      = "alive"
	AckStatusError      = "error"
)

// ParseMessage parses a JSON line into the appropriate message type
func ParseMessage(data []byte) (interface{}, error) {
	var base BaseMessage
	if err := json.Unmarshal(data, &base); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	switch base.Type {
	case MsgTypeIdentify:
		var msg IdentifyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid identify message: %w", err)
		}
		if err := validateIdentify(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeFrames:
		var msg FramesMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid frames message: %w", err)
		}
		if msg.Mode == "" {
			msg.Mode = ModeLive
		}
		if err := validateFrames(&msg); err != nil {
			return nil, err
		}
		return &msg, nil

	case MsgTypeSensor:
		var msg SensorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid sensor message: %w", err)
		}
		return &msg, nil

	case MsgTypeKeepalive:
		var msg KeepaliveMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, fmt.Errorf("invalid keepalive message: %w", err)
		}
		return &msg, nil

	default:
		return nil, fmt.Errorf("unknown message type: %s", base.Type)
	}
}

// validateIdentify validates an identify message
func validateIdentify(msg *IdentifyMessage) error {
	if msg.TenantID == "" {
		return ErrMissingTenant
	}
	if msg.DeviceID == "" {
		return &InputError{"device_id is required"}
	}
	return nil
}

// validateFrames validates a frames message
func validateFrames(msg *FramesMessage) error {
	if msg.Mode != ModeLive && msg.Mode != ModeCalibration {
		return ErrInvalidMode
	}
	if msg.Mode == ModeCalibration && msg.MachineID == "" {
		return ErrMissingMachineID
	}
	if len(msg.Frames) == 0 {
		return ErrNoFrames
	}
	return nil
}

// EncodeMessage encodes a message to JSON
func EncodeMessage(msg interface{}) ([]byte, error) {
	return json.Marshal(msg)
}

// NewAckMessage creates a new acknowledgment message
func NewAckMessage(status string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: status,
	}
}

// NewErrorAck creates an error acknowledgment with a detail string
func NewErrorAck(detail string) *AckMessage {
	return &AckMessage{
		Type:   MsgTypeAck,
		Status: AckStatusError,
		Detail: detail,
	}
}

var (
	ErrMissingTenant    = &InputError{"tenant_id is required"}
	ErrMissingMachineID = &InputError{"machine_id is required for calibration"}
	ErrNoFrames         = &InputError{"no frames in batch"}
	ErrInvalidMode      = &InputError{"mode must be live or calibration"}
)

// InputError represents a rejected client input
type InputError struct {
	msg string
}

func (e *InputError) Error() string {
	return e.msg
}
