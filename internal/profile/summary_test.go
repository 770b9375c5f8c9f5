package profile

import "testing"

func TestSummarizeVibration(t *testing.T) {
	s := SummarizeVibration([]float64{0, 0, 0, 1})
	if s == nil {
		t.Fatal("expected a summary")
	}
	if s.Samples != 4 || s.DetectedCount != 3 {
		t.Errorf("expected 4 samples with 3 zeros, got %+v", s)
	}
	if s.Percent != 25.0 {
		t.Errorf("expected 25.0 percent, got %f", s.Percent)
	}
	if s.AvgRaw != 0.25 {
		t.Errorf("expected avg 0.25, got %f", s.AvgRaw)
	}
	if !s.HasVibration {
		t.Error("mostly-zero samples mean the machine vibrates")
	}
}

func TestSummarizeVibrationQuiet(t *testing.T) {
	s := SummarizeVibration([]float64{1, 1, 1, 1})
	if s.Percent != 100.0 {
		t.Errorf("expected 100 percent, got %f", s.Percent)
	}
	if s.HasVibration {
		t.Error("all-nonzero samples mean no vibration")
	}
}

func TestSummarizeVibrationEmpty(t *testing.T) {
	if s := SummarizeVibration(nil); s != nil {
		t.Errorf("expected nil summary for no samples, got %+v", s)
	}
}

func TestSummarizeGas(t *testing.T) {
	cases := []struct {
		name    string
		samples []float64
		status  string
		valid   int
		avg     float64
	}{
		{"safe", []float64{0, 500, 700}, GasStatusSafe, 2, 600.0},
		{"moderate", []float64{900}, GasStatusModerate, 1, 900.0},
		{"hazardous", []float64{2500, 2500}, GasStatusHazardous, 2, 2500.0},
		{"warmup only", []float64{0, 0}, GasStatusNoData, 0, 0},
	}

	for _, tc := range cases {
		s := SummarizeGas(tc.samples)
		if s == nil {
			t.Fatalf("%s: expected a summary", tc.name)
		}
		if s.Status != tc.status {
			t.Errorf("%s: expected status %s, got %s", tc.name, tc.status, s.Status)
		}
		if s.ValidSamples != tc.valid {
			t.Errorf("%s: expected %d valid samples, got %d", tc.name, tc.valid, s.ValidSamples)
		}
		if s.AvgRaw != tc.avg {
			t.Errorf("%s: expected avg %f, got %f", tc.name, tc.avg, s.AvgRaw)
		}
	}
}

func TestSummarizeGasEmpty(t *testing.T) {
	if s := SummarizeGas(nil); s != nil {
		t.Errorf("expected nil summary for no samples, got %+v", s)
	}
}
