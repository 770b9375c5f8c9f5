package stability

// Stability filtering parameters
const (
	// Window is how many recent batches each machine's history keeps
	Window = 15
	// Threshold is the detection rate required to call a machine stable
	Threshold = 0.6
	// MinObservations is the history length needed before a machine can be
	// judged at all
	MinObservations = 5
)

// Tracker keeps per-tenant detection history for temporal stability
// filtering. Raw per-frame matches flap; a machine only counts as running
// once it was detected in enough of the recent batches.
//
// Not safe for concurrent use. The ingestion pipeline owns the tracker and
// mutates it only on its worker goroutine.
type Tracker struct {
	history map[string]map[string][]byte // tenant -> machine -> recent 0/1 bits
}

// NewTracker creates an empty tracker
func NewTracker() *Tracker {
	return &Tracker{
		history: make(map[string]map[string][]byte),
	}
}

// Observe records one batch outcome for every machine in the tenant's
// roster: 1 when the machine is in the detected set, 0 otherwise. Histories
// are capped at Window entries.
func (t *Tracker) Observe(tenant string, detected map[string]bool, roster []string) {
	machines, ok := t.history[tenant]
	if !ok {
		machines = make(map[string][]byte)
		t.history[tenant] = machines
	}

	for _, machineID := range roster {
		var bit byte
		if detected[machineID] {
			bit = 1
		}
		h := append(machines[machineID], bit)
		if len(h) > Window {
			h = h[len(h)-Window:]
		}
		machines[machineID] = h
	}
}

// Stable returns the roster machines whose recent detection rate meets the
// stability threshold. Machines with fewer than MinObservations entries are
// never stable. Roster order is preserved.
func (t *Tracker) Stable(tenant string, roster []string) []string {
	machines, ok := t.history[tenant]
	if !ok {
		return nil
	}

	var stable []string
	for _, machineID := range roster {
		h := machines[machineID]
		if len(h) < MinObservations {
			continue
		}
		sum := 0
		for _, bit := range h {
			sum += int(bit)
		}
		if float64(sum)/float64(len(h)) >= Threshold {
			stable = append(stable, machineID)
		}
	}
	return stable
}

// LastDetected returns the roster machines whose most recent observation
// was a detection. Roster order is preserved.
func (t *Tracker) LastDetected(tenant string, roster []string) []string {
	machines, ok := t.history[tenant]
	if !ok {
		return nil
	}

	var detected []string
	for _, machineID := range roster {
		h := machines[machineID]
		if len(h) > 0 && h[len(h)-1] == 1 {
			detected = append(detected, machineID)
		}
	}
	return detected
}

// Observations returns how many batches have been recorded for a machine
func (t *Tracker) Observations(tenant, machineID string) int {
	return len(t.history[tenant][machineID])
}

// Evict drops one machine's history, keeping the tracker bounded by the
// set of existing profiles
func (t *Tracker) Evict(tenant, machineID string) {
	machines, ok := t.history[tenant]
	if !ok {
		return
	}
	delete(machines, machineID)
	if len(machines) == 0 {
		delete(t.history, tenant)
	}
}

// EvictTenant drops all history for a tenant
func (t *Tracker) EvictTenant(tenant string) {
	delete(t.history, tenant)
}
