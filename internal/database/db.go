package database

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	_ "github.com/lib/pq"

	"github.com/nkhandel/soundml-server/internal/protocol"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	// Read all migration files
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	// Filter and sort SQL files
	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	// Execute each migration
	for _, filename := range sqlFiles {
		fmt.Printf("Running migration: %s\n", filename)

		filePath := filepath.Join(migrationsDir, filename)
		content, err := os.ReadFile(filePath)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	fmt.Println("All migrations completed successfully")
	return nil
}

// InsertFrame inserts a raw spectral frame
func (db *DB) InsertFrame(frame *StoredFrame) error {
	peaksJSON, err := json.Marshal(frame.Peaks)
	if err != nil {
		return fmt.Errorf("failed to encode peaks: %w", err)
	}

	query := `
		INSERT INTO raw_frames (
			tenant_id, timestamp, amplitude, dominant_freq, freq_confidence,
			peaks, machine_id, mode
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`

	return db.QueryRow(
		query,
		frame.TenantID,
		frame.Timestamp,
		frame.Amplitude,
		frame.DominantFreq,
		frame.FreqConfidence,
		peaksJSON,
		frame.MachineID,
		frame.Mode,
	).Scan(&frame.ID)
}

// FetchCalibrationPeaks returns the peak lists of the most recent
// calibration frames for a machine, newest first
func (db *DB) FetchCalibrationPeaks(tenantID, machineID string, limit int) ([][]protocol.Peak, error) {
	query := `
		SELECT peaks
		FROM raw_frames
		WHERE tenant_id = $1 AND machine_id = $2 AND mode = 'calibration'
		ORDER BY timestamp DESC
		LIMIT $3
	`

	rows, err := db.Query(query, tenantID, machineID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var frames [][]protocol.Peak
	for rows.Next() {
		var peaksJSON []byte
		if err := rows.Scan(&peaksJSON); err != nil {
			return nil, err
		}
		if len(peaksJSON) == 0 {
			continue
		}
		var peaks []protocol.Peak
		if err := json.Unmarshal(peaksJSON, &peaks); err != nil {
			return nil, fmt.Errorf("failed to decode peaks: %w", err)
		}
		if len(peaks) > 0 {
			frames = append(frames, peaks)
		}
	}

	return frames, rows.Err()
}

// UpsertProfile inserts or fully replaces a machine profile
func (db *DB) UpsertProfile(p *MachineProfile) error {
	bandsJSON, err := json.Marshal(p.Bands)
	if err != nil {
		return fmt.Errorf("failed to encode bands: %w", err)
	}

	var vibJSON, gasJSON []byte
	if p.Vibration != nil {
		if vibJSON, err = json.Marshal(p.Vibration); err != nil {
			return fmt.Errorf("failed to encode vibration data: %w", err)
		}
	}
	if p.Gas != nil {
		if gasJSON, err = json.Marshal(p.Gas); err != nil {
			return fmt.Errorf("failed to encode gas data: %w", err)
		}
	}

	query := `
		INSERT INTO machine_profiles (
			tenant_id, machine_id, median_freq, iqr_low, iqr_high,
			freq_bands, pool_size, vibration_data, gas_data, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW(), NOW())
		ON CONFLICT (tenant_id, machine_id) DO UPDATE
		SET median_freq = EXCLUDED.median_freq,
		    iqr_low = EXCLUDED.iqr_low,
		    iqr_high = EXCLUDED.iqr_high,
		    freq_bands = EXCLUDED.freq_bands,
		    pool_size = EXCLUDED.pool_size,
		    vibration_data = EXCLUDED.vibration_data,
		    gas_data = EXCLUDED.gas_data,
		    updated_at = NOW()
	`

	_, err = db.Exec(query, p.TenantID, p.MachineID, p.MedianFreq, p.IQRLow, p.IQRHigh,
		bandsJSON, p.PoolSize, vibJSON, gasJSON)
	return err
}

// GetProfile retrieves a machine profile. Returns nil when no profile exists.
func (db *DB) GetProfile(tenantID, machineID string) (*MachineProfile, error) {
	query := `
		SELECT tenant_id, machine_id, median_freq, iqr_low, iqr_high,
		       freq_bands, pool_size, vibration_data, gas_data, created_at, updated_at
		FROM machine_profiles
		WHERE tenant_id = $1 AND machine_id = $2
	`

	p, err := scanProfile(db.QueryRow(query, tenantID, machineID))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return p, nil
}

// ListProfiles retrieves all machine profiles for a tenant ordered by
// machine ID
func (db *DB) ListProfiles(tenantID string) ([]*MachineProfile, error) {
	query := `
		SELECT tenant_id, machine_id, median_freq, iqr_low, iqr_high,
		       freq_bands, pool_size, vibration_data, gas_data, created_at, updated_at
		FROM machine_profiles
		WHERE tenant_id = $1
		ORDER BY machine_id
	`

	rows, err := db.Query(query, tenantID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []*MachineProfile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}

	return profiles, rows.Err()
}

// ListMachineIDs returns the machine IDs with a profile for a tenant,
// ordered by machine ID
func (db *DB) ListMachineIDs(tenantID string) ([]string, error) {
	rows, err := db.Query(
		`SELECT machine_id FROM machine_profiles WHERE tenant_id = $1 ORDER BY machine_id`,
		tenantID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	return ids, rows.Err()
}

// DeleteProfile removes a machine profile. The bool reports whether a
// profile existed.
func (db *DB) DeleteProfile(tenantID, machineID string) (bool, error) {
	result, err := db.Exec(
		`DELETE FROM machine_profiles WHERE tenant_id = $1 AND machine_id = $2`,
		tenantID, machineID,
	)
	if err != nil {
		return false, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// InsertSensorReading inserts an auxiliary sensor sample
func (db *DB) InsertSensorReading(r *SensorReading) error {
	query := `
		INSERT INTO sensor_samples (
			tenant_id, device_id, timestamp, vibration, event_count,
			gas_raw, gas_status
		) VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`

	return db.QueryRow(
		query,
		r.TenantID,
		r.DeviceID,
		r.Timestamp,
		r.Vibration,
		r.EventCount,
		r.GasRaw,
		r.GasStatus,
	).Scan(&r.ID)
}

// scanner covers both *sql.Row and *sql.Rows
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanProfile(row scanner) (*MachineProfile, error) {
	var p MachineProfile
	var bandsJSON, vibJSON, gasJSON []byte

	if err := row.Scan(
		&p.TenantID,
		&p.MachineID,
		&p.MedianFreq,
		&p.IQRLow,
		&p.IQRHigh,
		&bandsJSON,
		&p.PoolSize,
		&vibJSON,
		&gasJSON,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return nil, err
	}

	if len(bandsJSON) > 0 {
		if err := json.Unmarshal(bandsJSON, &p.Bands); err != nil {
			return nil, fmt.Errorf("failed to decode bands for %s: %w", p.MachineID, err)
		}
	}
	if len(vibJSON) > 0 {
		if err := json.Unmarshal(vibJSON, &p.Vibration); err != nil {
			return nil, fmt.Errorf("failed to decode vibration data for %s: %w", p.MachineID, err)
		}
	}
	if len(gasJSON) > 0 {
		if err := json.Unmarshal(gasJSON, &p.Gas); err != nil {
			return nil, fmt.Errorf("failed to decode gas data for %s: %w", p.MachineID, err)
		}
	}

	return &p, nil
}
