package profile

import (
	"errors"
	"math"
	"testing"

	"github.com/nkhandel/soundml-server/internal/protocol"
)

// frameAt builds a single-peak calibration frame
func frameAt(freq, amp float64) []protocol.Peak {
	return []protocol.Peak{{Freq: freq, Amp: amp}}
}

func TestCompileInsufficientData(t *testing.T) {
	frames := make([][]protocol.Peak, 15)
	for i := range frames {
		frames[i] = frameAt(120, 0.5)
	}

	_, err := Compile(frames)
	if err == nil {
		t.Fatal("expected insufficient data error")
	}

	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientDataError, got %T", err)
	}
	if insufficient.Count != 15 || insufficient.Required != MinPoolSize {
		t.Errorf("expected count 15/%d, got %+v", MinPoolSize, insufficient)
	}
}

func TestCompileSingleTone(t *testing.T) {
	frames := make([][]protocol.Peak, 20)
	for i := range frames {
		frames[i] = frameAt(120, 0.5)
	}

	fp, err := Compile(frames)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if fp.PoolSize != 20 {
		t.Errorf("expected pool of 20, got %d", fp.PoolSize)
	}
	if len(fp.Bands) != 1 {
		t.Fatalf("expected 1 band, got %d", len(fp.Bands))
	}
	band := fp.Bands[0]
	if band.Center != 120 || band.Low != 120 || band.High != 120 || band.Samples != 20 {
		t.Errorf("unexpected band: %+v", band)
	}
	if fp.MedianFreq != 120 || fp.IQRLow != 120 || fp.IQRHigh != 120 {
		t.Errorf("unexpected overall stats: %+v", fp)
	}
}

func TestCompileDiscardsSparseClusters(t *testing.T) {
	var frames [][]protocol.Peak
	for i := 0; i < 20; i++ {
		frames = append(frames, frameAt(120, 0.5))
	}
	// 10 samples near 240: below the cluster minimum, no band.
	for i := 0; i < 10; i++ {
		frames = append(frames, frameAt(240, 0.5))
	}

	fp, err := Compile(frames)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(fp.Bands) != 1 {
		t.Fatalf("sparse cluster should be discarded, got %d bands", len(fp.Bands))
	}
	if fp.Bands[0].Center != 120 {
		t.Errorf("surviving band should be at 120, got %+v", fp.Bands[0])
	}
}

func TestCompileKeepsTopFiveBandsAscending(t *testing.T) {
	// Six well-populated clusters; the least populated one (at 165 Hz) must
	// be dropped and the survivors ordered by ascending center.
	populations := map[float64]int{
		15:  30,
		45:  29,
		75:  28,
		105: 27,
		135: 26,
		165: 25,
	}

	var frames [][]protocol.Peak
	for freq, count := range populations {
		for i := 0; i < count; i++ {
			frames = append(frames, frameAt(freq, 0.5))
		}
	}

	fp, err := Compile(frames)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}
	if len(fp.Bands) != MaxBands {
		t.Fatalf("expected %d bands, got %d", MaxBands, len(fp.Bands))
	}

	want := []float64{15, 45, 75, 105, 135}
	for i, band := range fp.Bands {
		if band.Center != want[i] {
			t.Errorf("band %d: expected center %f, got %f", i, want[i], band.Center)
		}
	}
}

func TestCompileQuartileConvention(t *testing.T) {
	// 20 frequencies from 100.0 in 0.5 steps, all inside one bucket.
	var frames [][]protocol.Peak
	for i := 0; i < 20; i++ {
		frames = append(frames, frameAt(100+0.5*float64(i), 0.5))
	}

	fp, err := Compile(frames)
	if err != nil {
		t.Fatalf("Compile failed: %v", err)
	}

	if len(fp.Bands) != 1 {
		t.Fatalf("expected 1 band, got %d", len(fp.Bands))
	}
	band := fp.Bands[0]
	// Cluster quartiles index at n/4 and 3n/4: 102.5 and 107.5, half an IQR
	// of padding on each side.
	if band.Low != 100.0 || band.High != 110.0 {
		t.Errorf("expected band [100, 110], got [%f, %f]", band.Low, band.High)
	}
	if band.Center != 104.75 {
		t.Errorf("expected center 104.75, got %f", band.Center)
	}

	// Overall stats index at int(p*(n-1)): q1=102.0, q3=107.0, median=104.5.
	if fp.MedianFreq != 104.5 {
		t.Errorf("expected median 104.5, got %f", fp.MedianFreq)
	}
	if math.Abs(fp.IQRLow-99.5) > 1e-9 || math.Abs(fp.IQRHigh-109.5) > 1e-9 {
		t.Errorf("expected overall range [99.5, 109.5], got [%f, %f]", fp.IQRLow, fp.IQRHigh)
	}
}

func TestCompilePoolsTopPeaksOnly(t *testing.T) {
	// A frame with seven peaks contributes at most its five loudest; the
	// amplitude floor applies after that cut.
	frames := [][]protocol.Peak{
		{
			{Freq: 100, Amp: 0.9},
			{Freq: 110, Amp: 0.8},
			{Freq: 120, Amp: 0.05},
			{Freq: 130, Amp: 0.04},
			{Freq: 140, Amp: 0.03},
			{Freq: 150, Amp: 0.02},
			{Freq: 160, Amp: 0.01},
		},
	}

	_, err := Compile(frames)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientDataError, got %v", err)
	}
	if insufficient.Count != 2 {
		t.Errorf("only the two loud peaks should be pooled, got %d", insufficient.Count)
	}
}

func TestCompileIgnoresNonPositiveFrequencies(t *testing.T) {
	frames := [][]protocol.Peak{
		{
			{Freq: 0, Amp: 0.9},
			{Freq: -5, Amp: 0.9},
			{Freq: 120, Amp: 0.9},
		},
	}

	_, err := Compile(frames)
	var insufficient *InsufficientDataError
	if !errors.As(err, &insufficient) {
		t.Fatalf("expected *InsufficientDataError, got %v", err)
	}
	if insufficient.Count != 1 {
		t.Errorf("non-positive frequencies must not pool, got %d", insufficient.Count)
	}
}
