package audio

import "math"

// DefaultAlpha is the EWMA smoothing factor for the ambient noise model
const DefaultAlpha = 0.02

// AmplitudeThreshold is the silence floor: frames below it carry no usable
// signal and are skipped by the ingestion pipeline
const AmplitudeThreshold = 0.02

// anomalyZScore is the deviation at which an amplitude counts as anomalous
const anomalyZScore = 3.0

// NoiseModel tracks the expected ambient amplitude and its variance with an
// exponentially weighted moving average. The first sample seeds the baseline;
// every later sample moves it by alpha times the deviation.
//
// Not safe for concurrent use. The ingestion pipeline owns one model per
// tenant and serializes updates on its worker goroutine.
type NoiseModel struct {
	alpha       float64
	expected    float64
	variance    float64
	initialized bool
}

// NewNoiseModel creates a noise model with the given smoothing factor.
// Alpha outside (0, 1) falls back to DefaultAlpha.
func NewNoiseModel(alpha float64) *NoiseModel {
	if alpha <= 0 || alpha >= 1 {
		alpha = DefaultAlpha
	}
	return &NoiseModel{alpha: alpha}
}

// Update folds one amplitude observation into the model and returns the
// z-score of the observation against the baseline plus whether it crosses
// the anomaly threshold. The first observation seeds the model and is never
// anomalous.
func (m *NoiseModel) Update(amplitude float64) (float64, bool) {
	if !m.initialized {
		m.expected = amplitude
		m.variance = 1.0
		m.initialized = true
		return 0, false
	}

	diff := amplitude - m.expected
	m.expected += m.alpha * diff
	m.variance += m.alpha * (diff*diff - m.variance)

	std := 1.0
	if m.variance > 0 {
		std = math.Sqrt(m.variance)
	}
	z := math.Abs(diff) / std

	return z, z >= anomalyZScore
}

// Expected returns the current ambient amplitude baseline.
func (m *NoiseModel) Expected() float64 {
	return m.expected
}

// Initialized reports whether the model has seen at least one sample.
func (m *NoiseModel) Initialized() bool {
	return m.initialized
}
