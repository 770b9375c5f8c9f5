package failstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/nkhandel/soundml-server/internal/protocol"
)

// Record is one persisted failure: the full batch plus why it could not be
// processed. Records are self-describing so they can be replayed later.
type Record struct {
	RecordedAt time.Time       `json:"recorded_at"`
	Reason     string          `json:"reason"`
	Batch      *protocol.Batch `json:"batch"`
}

// Store persists failed or rejected batches as individual JSON files in a
// directory. Files are append-only; replaying removes them.
type Store struct {
	dir string
}

// New creates the failure directory if needed and returns a store
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create failure directory: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store writes to
func (s *Store) Dir() string {
	return s.dir
}

// Record writes one failure record and returns its file name
func (s *Store) Record(batch *protocol.Batch, reason string) (string, error) {
	rec := Record{
		RecordedAt: time.Now().UTC(),
		Reason:     reason,
		Batch:      batch,
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("failed to encode failure record: %w", err)
	}

	name := fmt.Sprintf("failed_%d_%s.json", time.Now().UnixMilli(), batch.BatchID)
	if err := os.WriteFile(filepath.Join(s.dir, name), data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write failure record: %w", err)
	}
	return name, nil
}

// List returns the failure record file names in chronological order
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read failure directory: %w", err)
	}

	var names []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, "failed_") || !strings.HasSuffix(name, ".json") {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	return names, nil
}

// Load reads one failure record by file name
func (s *Store) Load(name string) (*Record, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return nil, fmt.Errorf("failed to read failure record %s: %w", name, err)
	}

	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode failure record %s: %w", name, err)
	}
	return &rec, nil
}

// Remove deletes one failure record after a successful replay
func (s *Store) Remove(name string) error {
	if err := os.Remove(filepath.Join(s.dir, name)); err != nil {
		return fmt.Errorf("failed to remove failure record %s: %w", name, err)
	}
	return nil
}
