package audio

import (
	"github.com/nkhandel/soundml-server/internal/profile"
	"github.com/nkhandel/soundml-server/internal/protocol"
)

// MinPeakAmp is the minimum amplitude for a peak to participate in matching
const MinPeakAmp = 0.15

// MinBandMatches is the number of frequency bands that must match within a
// single frame before a machine counts as detected
const MinBandMatches = 2

// Near-miss zone width around a band, in Hz. A peak 5 to 10 Hz outside a
// band edge suggests the machine drifted rather than stopped.
const (
	nearMissInner = 5.0
	nearMissOuter = 10.0
)

// Profile is the matcher's view of a compiled machine fingerprint
type Profile struct {
	MachineID string
	Bands     []profile.Band
	IQRLow    float64
	IQRHigh   float64
}

// Classification is the per-frame matching outcome. A machine appears in at
// most one of the two lists. Order follows the profile iteration order.
type Classification struct {
	Detected  []string
	Anomalous []string
}

// Classify matches one frame's peaks against the given machine profiles.
//
// Profiles with bands require MinBandMatches distinct bands to contain a
// qualifying peak; the same count of near misses instead marks the machine
// as an anomaly candidate. Profiles without bands fall back to the overall
// calibration spread: one qualifying peak inside [IQRLow, IQRHigh] detects
// the machine, and near misses count only when nothing landed inside.
//
// Peaks below MinPeakAmp or with a non-positive frequency never participate.
// An empty peak list yields an empty classification.
func Classify(peaks []protocol.Peak, profiles []Profile) Classification {
	var result Classification
	if len(peaks) == 0 {
		return result
	}

	for _, p := range profiles {
		if len(p.Bands) > 0 {
			matches := 0
			nearMisses := 0
			for _, band := range p.Bands {
				for _, peak := range peaks {
					if peak.Freq <= 0 || peak.Amp < MinPeakAmp {
						continue
					}
					if band.Low <= peak.Freq && peak.Freq <= band.High {
						matches++
						break
					}
					if inNearMissZone(peak.Freq, band.Low, band.High) {
						nearMisses++
						break
					}
				}
			}
			if matches >= MinBandMatches {
				result.Detected = append(result.Detected, p.MachineID)
			} else if nearMisses >= MinBandMatches {
				result.Anomalous = append(result.Anomalous, p.MachineID)
			}
			continue
		}

		// Legacy profiles without bands carry only the overall IQR range.
		inside := false
		near := false
		for _, peak := range peaks {
			if peak.Freq <= 0 || peak.Amp < MinPeakAmp {
				continue
			}
			if p.IQRLow <= peak.Freq && peak.Freq <= p.IQRHigh {
				inside = true
			} else if inNearMissZone(peak.Freq, p.IQRLow, p.IQRHigh) {
				near = true
			}
		}
		if inside {
			result.Detected = append(result.Detected, p.MachineID)
		} else if near {
			result.Anomalous = append(result.Anomalous, p.MachineID)
		}
	}

	return result
}

// inNearMissZone reports whether freq sits 5 to 10 Hz outside either edge
// of the [low, high] range.
func inNearMissZone(freq, low, high float64) bool {
	return (low-nearMissOuter <= freq && freq < low-nearMissInner) ||
		(high+nearMissInner < freq && freq <= high+nearMissOuter)
}
