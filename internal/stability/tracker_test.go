package stability

import "testing"

func observeN(t *Tracker, tenant string, machine string, bit bool, n int) {
	detected := map[string]bool{}
	if bit {
		detected[machine] = true
	}
	for i := 0; i < n; i++ {
		t.Observe(tenant, detected, []string{machine})
	}
}

func TestStableRequiresMinObservations(t *testing.T) {
	tr := NewTracker()
	roster := []string{"pump-1"}

	observeN(tr, "t1", "pump-1", true, MinObservations-1)
	if got := tr.Stable("t1", roster); len(got) != 0 {
		t.Errorf("machine stable after %d observations: %v", MinObservations-1, got)
	}

	observeN(tr, "t1", "pump-1", true, 1)
	got := tr.Stable("t1", roster)
	if len(got) != 1 || got[0] != "pump-1" {
		t.Errorf("machine should be stable at %d detections: %v", MinObservations, got)
	}
}

func TestStableThresholdBoundary(t *testing.T) {
	tr := NewTracker()
	roster := []string{"pump-1"}

	// 3 of 5 is exactly the threshold rate.
	observeN(tr, "t1", "pump-1", true, 3)
	observeN(tr, "t1", "pump-1", false, 2)
	if got := tr.Stable("t1", roster); len(got) != 1 {
		t.Errorf("rate exactly at threshold should be stable: %v", got)
	}

	// One more miss drops below.
	observeN(tr, "t1", "pump-1", false, 1)
	if got := tr.Stable("t1", roster); len(got) != 0 {
		t.Errorf("3 of 6 should not be stable: %v", got)
	}
}

func TestWindowSlides(t *testing.T) {
	tr := NewTracker()
	roster := []string{"pump-1"}

	observeN(tr, "t1", "pump-1", true, Window)
	if got := tr.Stable("t1", roster); len(got) != 1 {
		t.Fatalf("full window of detections should be stable: %v", got)
	}

	// Seven misses push the rate to 8/15, below threshold.
	observeN(tr, "t1", "pump-1", false, 7)
	if n := tr.Observations("t1", "pump-1"); n != Window {
		t.Errorf("history should stay capped at %d, got %d", Window, n)
	}
	if got := tr.Stable("t1", roster); len(got) != 0 {
		t.Errorf("old detections should age out: %v", got)
	}
}

func TestLastDetected(t *testing.T) {
	tr := NewTracker()
	roster := []string{"fan-1", "pump-1"}

	tr.Observe("t1", map[string]bool{"pump-1": true}, roster)
	got := tr.LastDetected("t1", roster)
	if len(got) != 1 || got[0] != "pump-1" {
		t.Errorf("expected only pump-1 detected: %v", got)
	}

	tr.Observe("t1", map[string]bool{"fan-1": true}, roster)
	got = tr.LastDetected("t1", roster)
	if len(got) != 1 || got[0] != "fan-1" {
		t.Errorf("last observation wins: %v", got)
	}
}

func TestTenantsIsolated(t *testing.T) {
	tr := NewTracker()
	roster := []string{"pump-1"}

	observeN(tr, "t1", "pump-1", true, Window)
	if got := tr.Stable("t2", roster); len(got) != 0 {
		t.Errorf("tenant t2 must not see t1 history: %v", got)
	}
}

func TestEvict(t *testing.T) {
	tr := NewTracker()
	roster := []string{"fan-1", "pump-1"}

	observeN(tr, "t1", "pump-1", true, Window)
	observeN(tr, "t1", "fan-1", true, Window)

	tr.Evict("t1", "pump-1")
	if n := tr.Observations("t1", "pump-1"); n != 0 {
		t.Errorf("evicted machine still has %d observations", n)
	}
	if got := tr.Stable("t1", roster); len(got) != 1 || got[0] != "fan-1" {
		t.Errorf("only fan-1 should remain stable: %v", got)
	}

	tr.EvictTenant("t1")
	if got := tr.Stable("t1", roster); len(got) != 0 {
		t.Errorf("evicted tenant should have no stable machines: %v", got)
	}
}
