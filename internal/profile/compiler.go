package profile

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/nkhandel/soundml-server/internal/protocol"
)

// Compilation parameters
const (
	// FreqBinSize is the width of the frequency histogram buckets in Hz
	FreqBinSize = 15
	// MinClusterSamples is the minimum bucket population for a band
	MinClusterSamples = 15
	// MinPoolSize is the minimum number of pooled frequencies to compile at all
	MinPoolSize = 20
	// MaxBands caps how many bands a fingerprint keeps
	MaxBands = 5
	// TopPeaksPerFrame limits how many peaks each calibration frame contributes
	TopPeaksPerFrame = 5
	// MinCalibrationAmp is the amplitude floor for a peak to enter the pool
	MinCalibrationAmp = 0.10
	// CalibrationFetchLimit is how many recent calibration frames compilation reads
	CalibrationFetchLimit = 3000
)

// ErrNoCalibrationData means the machine has no stored calibration frames
var ErrNoCalibrationData = errors.New("no calibration data found")

// InsufficientDataError means the calibration frames yielded too small a
// frequency pool to compile a trustworthy fingerprint
type InsufficientDataError struct {
	Count    int
	Required int
}

func (e *InsufficientDataError) Error() string {
	return fmt.Sprintf("not enough valid frequencies (%d < %d)", e.Count, e.Required)
}

// Band is one calibrated frequency band of a machine fingerprint
type Band struct {
	Center  float64 `json:"center"`
	Low     float64 `json:"low"`
	High    float64 `json:"high"`
	Samples int     `json:"samples"`
}

// Fingerprint is the compiled signature of one machine: up to MaxBands
// frequency bands plus the overall spread of the calibration pool
type Fingerprint struct {
	MedianFreq float64
	IQRLow     float64
	IQRHigh    float64
	Bands      []Band
	PoolSize   int
}

// Compile builds a fingerprint from calibration frames. Each frame
// contributes its loudest TopPeaksPerFrame peaks, filtered to positive
// frequencies with amplitude at least MinCalibrationAmp. The pooled
// frequencies are clustered into FreqBinSize buckets; buckets with at least
// MinClusterSamples become bands with an IQR-derived range around their
// mean. The MaxBands most populated bands are kept, ordered by ascending
// center frequency.
func Compile(frames [][]protocol.Peak) (*Fingerprint, error) {
	pool := poolFrequencies(frames)
	if len(pool) < MinPoolSize {
		return nil, &InsufficientDataError{Count: len(pool), Required: MinPoolSize}
	}

	bands := clusterBands(pool)

	sort.Float64s(pool)
	q1 := percentile(pool, 0.25)
	q3 := percentile(pool, 0.75)
	iqr := q3 - q1

	return &Fingerprint{
		MedianFreq: percentile(pool, 0.5),
		IQRLow:     math.Max(0, q1-0.5*iqr),
		IQRHigh:    q3 + 0.5*iqr,
		Bands:      bands,
		PoolSize:   len(pool),
	}, nil
}

// poolFrequencies extracts the usable peak frequencies from every frame
func poolFrequencies(frames [][]protocol.Peak) []float64 {
	var pool []float64
	for _, peaks := range frames {
		candidates := make([]protocol.Peak, 0, len(peaks))
		for _, p := range peaks {
			if p.Freq > 0 {
				candidates = append(candidates, p)
			}
		}
		sort.SliceStable(candidates, func(i, j int) bool {
			return candidates[i].Amp > candidates[j].Amp
		})
		if len(candidates) > TopPeaksPerFrame {
			candidates = candidates[:TopPeaksPerFrame]
		}
		for _, p := range candidates {
			if p.Amp >= MinCalibrationAmp {
				pool = append(pool, p.Freq)
			}
		}
	}
	return pool
}

// clusterBands groups the pool into FreqBinSize buckets and turns the
// populated buckets into bands
func clusterBands(pool []float64) []Band {
	clusters := make(map[int][]float64)
	for _, freq := range pool {
		bucket := int(math.Round(freq/FreqBinSize)) * FreqBinSize
		clusters[bucket] = append(clusters[bucket], freq)
	}

	buckets := make([]int, 0, len(clusters))
	for bucket := range clusters {
		buckets = append(buckets, bucket)
	}
	sort.Ints(buckets)

	var bands []Band
	for _, bucket := range buckets {
		freqs := clusters[bucket]
		if len(freqs) < MinClusterSamples {
			continue
		}
		sort.Float64s(freqs)
		n := len(freqs)
		q1 := freqs[n/4]
		q3 := freqs[3*n/4]
		iqr := q3 - q1

		sum := 0.0
		for _, f := range freqs {
			sum += f
		}

		bands = append(bands, Band{
			Center:  round2(sum / float64(n)),
			Low:     round2(math.Max(0, q1-0.5*iqr)),
			High:    round2(q3 + 0.5*iqr),
			Samples: n,
		})
	}

	sort.SliceStable(bands, func(i, j int) bool {
		return bands[i].Samples > bands[j].Samples
	})
	if len(bands) > MaxBands {
		bands = bands[:MaxBands]
	}
	sort.SliceStable(bands, func(i, j int) bool {
		return bands[i].Center < bands[j].Center
	})

	return bands
}

// percentile picks the value at position p through the sorted slice,
// truncating the index. No interpolation, matching the calibration
// convention used throughout.
func percentile(sorted []float64, p float64) float64 {
	return sorted[int(p*float64(len(sorted)-1))]
}

func round2(x float64) float64 {
	return math.Round(x*100) / 100
}
