package profile

import "math"

// Gas status levels derived from average raw MQ-sensor readings
const (
	GasStatusNoData    = "NO_DATA"
	GasStatusSafe      = "SAFE"
	GasStatusModerate  = "MODERATE"
	GasStatusHazardous = "HAZARDOUS"
)

// VibrationSummary describes the vibration behavior observed during
// calibration. The SW-420 style sensor reads 0 while vibrating, so
// DetectedCount counts zero samples and a low Percent means the machine
// shook through most of the window.
type VibrationSummary struct {
	Samples       int     `json:"samples"`
	DetectedCount int     `json:"vibration_detected_count"`
	Percent       float64 `json:"vibration_percent"`
	AvgRaw        float64 `json:"avg_raw_value"`
	HasVibration  bool    `json:"has_vibration"`
}

// GasSummary describes the gas sensor readings observed during calibration
type GasSummary struct {
	Samples      int     `json:"samples"`
	ValidSamples int     `json:"valid_samples"`
	AvgRaw       float64 `json:"avg_raw"`
	MaxRaw       float64 `json:"max_raw"`
	MinRaw       float64 `json:"min_raw"`
	Status       string  `json:"status"`
}

// SummarizeVibration reduces raw vibration samples to a summary.
// Returns nil when there are no samples.
func SummarizeVibration(samples []float64) *VibrationSummary {
	if len(samples) == 0 {
		return nil
	}

	zeros := 0
	sum := 0.0
	for _, v := range samples {
		if v == 0 {
			zeros++
		}
		sum += v
	}

	total := len(samples)
	percent := (1 - float64(zeros)/float64(total)) * 100

	return &VibrationSummary{
		Samples:       total,
		DetectedCount: zeros,
		Percent:       round1(percent),
		AvgRaw:        round3(sum / float64(total)),
		HasVibration:  percent < 50,
	}
}

// SummarizeGas reduces raw gas readings to a summary with a safety status.
// Readings of zero or below are ignored as sensor warmup noise. Returns nil
// when there are no samples at all.
func SummarizeGas(samples []float64) *GasSummary {
	if len(samples) == 0 {
		return nil
	}

	var valid []float64
	for _, v := range samples {
		if v > 0 {
			valid = append(valid, v)
		}
	}

	var avg, max, min float64
	if len(valid) > 0 {
		sum := 0.0
		max = valid[0]
		min = valid[0]
		for _, v := range valid {
			sum += v
			if v > max {
				max = v
			}
			if v < min {
				min = v
			}
		}
		avg = sum / float64(len(valid))
	}

	status := GasStatusNoData
	switch {
	case avg == 0:
		status = GasStatusNoData
	case avg < 800:
		status = GasStatusSafe
	case avg < 2000:
		status = GasStatusModerate
	default:
		status = GasStatusHazardous
	}

	return &GasSummary{
		Samples:      len(samples),
		ValidSamples: len(valid),
		AvgRaw:       round1(avg),
		MaxRaw:       round1(max),
		MinRaw:       round1(min),
		Status:       status,
	}
}

func round1(x float64) float64 {
	return math.Round(x*10) / 10
}

func round3(x float64) float64 {
	return math.Round(x*1000) / 1000
}
