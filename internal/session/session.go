package session

import (
	"database/sql"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/nkhandel/soundml-server/internal/database"
	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
)

// Data modes for the sound summary. Live rows are preferred; calibration
// rows are the fallback; the two are never mixed in one report.
const (
	DataModeLive        = "live"
	DataModeCalibration = "calibration"
	DataModeNone        = "none"
)

// Session gas status levels. These grade a whole window, unlike the
// per-sample statuses the devices report.
const (
	GasLow    = "LOW"
	GasMedium = "MEDIUM"
	GasHigh   = "HIGH"
)

// Window describes the most recent data range available for a tenant
type Window struct {
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	HasData     bool      `json:"has_data"`
	FrameCount  int       `json:"frame_count"`
	SensorCount int       `json:"sensor_count"`
}

// RangeCheck reports whether a requested window contains any data
type RangeCheck struct {
	Valid         bool       `json:"valid"`
	FrameCount    int        `json:"frame_count"`
	SensorCount   int        `json:"sensor_count"`
	EarliestFrame *time.Time `json:"earliest_frame,omitempty"`
	LatestFrame   *time.Time `json:"latest_frame,omitempty"`
}

// SoundSummary aggregates dominant frequencies over the window
type SoundSummary struct {
	DataMode           string     `json:"data_mode"`
	DominantFreqMedian float64    `json:"dominant_freq_median"`
	FreqIQR            [2]float64 `json:"freq_iqr"`
	OutOfProfileEvents int        `json:"out_of_profile_events"`
}

// VibrationActivity aggregates vibration readings over the window
type VibrationActivity struct {
	Avg        float64 `json:"avg"`
	Peak       float64 `json:"peak"`
	EventCount int     `json:"event_count"`
}

// GasActivity aggregates gas readings over the window
type GasActivity struct {
	AvgRaw  float64 `json:"avg_raw"`
	PeakRaw float64 `json:"peak_raw"`
	Status  string  `json:"status"`
}

// Span is the report's time bounds
type Span struct {
	Start       time.Time `json:"start"`
	Stop        time.Time `json:"stop"`
	DurationSec float64   `json:"duration_sec"`
}

// Report is the aggregated session payload
type Report struct {
	MachineID string            `json:"machine_id"`
	DeviceID  string            `json:"device_id"`
	Session   Span              `json:"session"`
	Sound     SoundSummary      `json:"sound_summary"`
	Vibration VibrationActivity `json:"vibration_summary"`
	Gas       GasActivity       `json:"gas_summary"`
}

// Aggregator builds session reports from stored frames and sensor samples
type Aggregator struct {
	db *database.DB
}

// NewAggregator creates a new session aggregator
func NewAggregator(db *database.DB) *Aggregator {
	return &Aggregator{db: db}
}

// LatestWindow finds the most recent window of the given duration, anchored
// at the newest stored frame
func (a *Aggregator) LatestWindow(tenantID string, duration time.Duration) (*Window, error) {
	var latest sql.NullTime
	err := a.db.QueryRow(
		`SELECT MAX(timestamp) FROM raw_frames WHERE tenant_id = $1`,
		tenantID,
	).Scan(&latest)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest frame: %w", err)
	}
	if !latest.Valid {
		return &Window{}, nil
	}

	w := &Window{
		Start: latest.Time.Add(-duration),
		Stop:  latest.Time,
	}

	if w.FrameCount, err = a.countRows(`raw_frames`, tenantID, w.Start, w.Stop); err != nil {
		return nil, err
	}
	if w.SensorCount, err = a.countRows(`sensor_samples`, tenantID, w.Start, w.Stop); err != nil {
		return nil, err
	}
	w.HasData = w.FrameCount > 0

	return w, nil
}

// ValidateRange checks whether the requested window holds any data and
// reports the tenant's actual frame boundaries
func (a *Aggregator) ValidateRange(tenantID string, start, stop time.Time) (*RangeCheck, error) {
	rc := &RangeCheck{}
	var err error

	if rc.FrameCount, err = a.countRows(`raw_frames`, tenantID, start, stop); err != nil {
		return nil, err
	}
	if rc.SensorCount, err = a.countRows(`sensor_samples`, tenantID, start, stop); err != nil {
		return nil, err
	}
	rc.Valid = rc.FrameCount > 0 || rc.SensorCount > 0

	var earliest, latest sql.NullTime
	err = a.db.QueryRow(
		`SELECT MIN(timestamp), MAX(timestamp) FROM raw_frames WHERE tenant_id = $1`,
		tenantID,
	).Scan(&earliest, &latest)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame boundaries: %w", err)
	}
	if earliest.Valid {
		rc.EarliestFrame = &earliest.Time
	}
	if latest.Valid {
		rc.LatestFrame = &latest.Time
	}

	return rc, nil
}

func (a *Aggregator) countRows(table, tenantID string, start, stop time.Time) (int, error) {
	var count int
	err := a.db.QueryRow(
		`SELECT COUNT(*) FROM `+table+` WHERE tenant_id = $1 AND timestamp BETWEEN $2 AND $3`,
		tenantID, start, stop,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", table, err)
	}
	return count, nil
}

// Aggregate builds the session report for the window. machineID and
// deviceID are optional filters; when empty, the report resolves them from
// the data itself. A window with no data at all yields a zeroed report with
// data mode "none" rather than an error.
func (a *Aggregator) Aggregate(tenantID string, start, stop time.Time, machineID, deviceID string) (*Report, error) {
	frameCount, err := a.countRows(`raw_frames`, tenantID, start, stop)
	if err != nil {
		return nil, err
	}
	sensorCount, err := a.countRows(`sensor_samples`, tenantID, start, stop)
	if err != nil {
		return nil, err
	}

	report := &Report{
		MachineID: machineID,
		DeviceID:  deviceID,
		Session: Span{
			Start:       start,
			Stop:        stop,
			DurationSec: round1(stop.Sub(start).Seconds()),
		},
	}

	if frameCount == 0 && sensorCount == 0 {
		report.Sound = SoundSummary{DataMode: DataModeNone}
		report.Gas = GasActivity{Status: GasLow}
		fillUnknown(report)
		return report, nil
	}

	sound, detectedMachine, err := a.aggregateSound(tenantID, start, stop, machineID)
	if err != nil {
		return nil, err
	}
	report.Sound = *sound
	if report.MachineID == "" {
		report.MachineID = detectedMachine
	}

	vibration, gas, resolvedDevice, err := a.aggregateSensors(tenantID, start, stop, deviceID)
	if err != nil {
		return nil, err
	}
	report.Vibration = *vibration
	report.Gas = *gas
	if report.DeviceID == "" {
		report.DeviceID = resolvedDevice
	}

	fillUnknown(report)
	return report, nil
}

func fillUnknown(report *Report) {
	if report.MachineID == "" {
		report.MachineID = "unknown"
	}
	if report.DeviceID == "" {
		report.DeviceID = "unknown"
	}
}

// aggregateSound prefers live frames and falls back to calibration frames,
// never mixing modes. Returns the summary and the machine the window
// resolved to.
func (a *Aggregator) aggregateSound(tenantID string, start, stop time.Time, machineID string) (*SoundSummary, string, error) {
	freqs, machines, err := a.fetchFrequencies(tenantID, start, stop, machineID, protocol.ModeLive)
	if err != nil {
		return nil, "", err
	}
	dataMode := DataModeLive

	if len(freqs) == 0 {
		freqs, machines, err = a.fetchFrequencies(tenantID, start, stop, machineID, protocol.ModeCalibration)
		if err != nil {
			return nil, "", err
		}
		dataMode = DataModeCalibration
	}

	if len(freqs) == 0 {
		return &SoundSummary{DataMode: DataModeNone}, machineID, nil
	}

	detected := machineID
	if detected == "" {
		detected = lexicalMax(machines)
	}

	median, q1, q3 := summarizeFrequencies(freqs)

	// calibration data IS the profile, so out-of-profile events only make
	// sense against live data
	outOfProfile := 0
	if dataMode == DataModeLive && detected != "" {
		if outOfProfile, err = a.countOutOfProfile(tenantID, detected, freqs); err != nil {
			return nil, "", err
		}
	}

	return &SoundSummary{
		DataMode:           dataMode,
		DominantFreqMedian: round2(median),
		FreqIQR:            [2]float64{round2(q1), round2(q3)},
		OutOfProfileEvents: outOfProfile,
	}, detected, nil
}

func (a *Aggregator) fetchFrequencies(tenantID string, start, stop time.Time, machineID, mode string) ([]float64, []string, error) {
	query := `
		SELECT dominant_freq, machine_id
		FROM raw_frames
		WHERE tenant_id = $1
		  AND timestamp BETWEEN $2 AND $3
		  AND dominant_freq IS NOT NULL
		  AND dominant_freq > 0
		  AND mode = $4
	`
	args := []interface{}{tenantID, start, stop, mode}
	if machineID != "" {
		query += ` AND machine_id = $5`
		args = append(args, machineID)
	}
	query += ` ORDER BY timestamp`

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to fetch frequencies: %w", err)
	}
	defer rows.Close()

	var freqs []float64
	var machines []string
	for rows.Next() {
		var freq float64
		var machine sql.NullString
		if err := rows.Scan(&freq, &machine); err != nil {
			return nil, nil, err
		}
		freqs = append(freqs, freq)
		if machine.Valid && machine.String != "" {
			machines = append(machines, machine.String)
		}
	}

	return freqs, machines, rows.Err()
}

// countOutOfProfile counts frequencies outside the machine's calibrated IQR
// range. A machine without a stored profile contributes zero.
func (a *Aggregator) countOutOfProfile(tenantID, machineID string, freqs []float64) (int, error) {
	var low, high float64
	err := a.db.QueryRow(
		`SELECT iqr_low, iqr_high FROM machine_profiles WHERE tenant_id = $1 AND machine_id = $2`,
		tenantID, machineID,
	).Scan(&low, &high)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load profile range: %w", err)
	}

	return countOutside(freqs, low, high), nil
}

func (a *Aggregator) aggregateSensors(tenantID string, start, stop time.Time, deviceID string) (*VibrationActivity, *GasActivity, string, error) {
	query := `
		SELECT vibration, gas_raw, device_id, gas_status
		FROM sensor_samples
		WHERE tenant_id = $1
		  AND timestamp BETWEEN $2 AND $3
	`
	args := []interface{}{tenantID, start, stop}
	if deviceID != "" {
		query += ` AND device_id = $4`
		args = append(args, deviceID)
	}

	rows, err := a.db.Query(query, args...)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to fetch sensor samples: %w", err)
	}
	defer rows.Close()

	var vibrations, gasRaws []float64
	var devices, statuses []string
	rowCount := 0
	for rows.Next() {
		rowCount++
		var vibration, gasRaw sql.NullFloat64
		var device, status sql.NullString
		if err := rows.Scan(&vibration, &gasRaw, &device, &status); err != nil {
			return nil, nil, "", err
		}
		if vibration.Valid {
			vibrations = append(vibrations, vibration.Float64)
		}
		if gasRaw.Valid && gasRaw.Float64 > 0 {
			gasRaws = append(gasRaws, gasRaw.Float64)
		}
		if device.Valid && device.String != "" {
			devices = append(devices, device.String)
		}
		if status.Valid && status.String != "" {
			statuses = append(statuses, status.String)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, nil, "", err
	}

	if rowCount == 0 {
		return &VibrationActivity{}, &GasActivity{Status: profile.GasStatusNoData}, deviceID, nil
	}

	resolved := deviceID
	if resolved == "" {
		resolved = lexicalMax(devices)
	}

	vibration := reduceVibration(vibrations)
	gas := reduceGas(gasRaws, statuses)

	return vibration, gas, resolved, nil
}

// summarizeFrequencies returns the true median and the lower-biased
// quartiles of the values. Mutates its argument by sorting.
func summarizeFrequencies(freqs []float64) (median, q1, q3 float64) {
	sort.Float64s(freqs)
	n := len(freqs)

	if n%2 == 1 {
		median = freqs[n/2]
	} else {
		median = (freqs[n/2-1] + freqs[n/2]) / 2
	}

	q1 = freqs[int(0.25*float64(n-1))]
	q3 = freqs[int(0.75*float64(n-1))]
	return median, q1, q3
}

func countOutside(freqs []float64, low, high float64) int {
	count := 0
	for _, f := range freqs {
		if f < low || f > high {
			count++
		}
	}
	return count
}

// reduceVibration averages the readings and counts active samples. Unlike
// the calibration summary this treats positive readings as activity, which
// is how the session devices report.
func reduceVibration(vibrations []float64) *VibrationActivity {
	if len(vibrations) == 0 {
		return &VibrationActivity{}
	}

	sum := 0.0
	peak := vibrations[0]
	events := 0
	for _, v := range vibrations {
		sum += v
		if v > peak {
			peak = v
		}
		if v > 0 {
			events++
		}
	}

	return &VibrationActivity{
		Avg:        round2(sum / float64(len(vibrations))),
		Peak:       peak,
		EventCount: events,
	}
}

func reduceGas(gasRaws []float64, statuses []string) *GasActivity {
	var avg, peak float64
	if len(gasRaws) > 0 {
		sum := 0.0
		peak = gasRaws[0]
		for _, g := range gasRaws {
			sum += g
			if g > peak {
				peak = g
			}
		}
		avg = sum / float64(len(gasRaws))
	}

	return &GasActivity{
		AvgRaw:  round1(avg),
		PeakRaw: round1(peak),
		Status:  sessionGasStatus(avg, statuses),
	}
}

// sessionGasStatus grades the window: any flagged per-sample status wins,
// then average thresholds apply
func sessionGasStatus(avg float64, statuses []string) string {
	for _, s := range statuses {
		if s == "DANGER" || s == "RISK" || s == "HAZARDOUS" {
			return GasHigh
		}
	}
	switch {
	case avg > 2000:
		return GasHigh
	case avg > 800:
		return GasMedium
	default:
		return GasLow
	}
}

func lexicalMax(values []string) string {
	max := ""
	for _, v := range values {
		if v > max {
			max = v
		}
	}
	return max
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
