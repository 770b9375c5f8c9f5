package connection

import (
	"fmt"
	"net"
	"sync"
	"time"
)

// DeviceInfo holds information about a connected sensor device
type DeviceInfo struct {
	ConnectionID  string
	TenantID      string
	DeviceID      string
	Site          string
	ConnectedAt   time.Time
	LastHeardFrom time.Time
	Conn          net.Conn
	mu            sync.RWMutex
}

// UpdateLastHeardFrom updates the last activity timestamp
func (d *DeviceInfo) UpdateLastHeardFrom() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.LastHeardFrom = time.Now()
}

// GetLastHeardFrom returns the last activity timestamp
func (d *DeviceInfo) GetLastHeardFrom() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.LastHeardFrom
}

// Manager manages all active device connections
type Manager struct {
	devices  map[string]*DeviceInfo // key: connection_id
	byTenant map[string][]string    // key: tenant_id, value: []connection_id
	mu       sync.RWMutex
	maxConns int
}

// NewManager creates a new connection manager
func NewManager(maxConnections int) *Manager {
	return &Manager{
		devices:  make(map[string]*DeviceInfo),
		byTenant: make(map[string][]string),
		maxConns: maxConnections,
	}
}

// Register adds a new device connection
func (m *Manager) Register(connectionID, tenantID, deviceID, site string, conn net.Conn) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Check max connections
	if len(m.devices) >= m.maxConns {
		return ErrMaxConnectionsReached
	}

	// Check if connection ID already exists
	if _, exists := m.devices[connectionID]; exists {
		return fmt.Errorf("connection ID %s already registered", connectionID)
	}

	now := time.Now()
	info := &DeviceInfo{
		ConnectionID:  connectionID,
		TenantID:      tenantID,
		DeviceID:      deviceID,
		Site:          site,
		ConnectedAt:   now,
		LastHeardFrom: now,
		Conn:          conn,
	}

	m.devices[connectionID] = info
	m.byTenant[tenantID] = append(m.byTenant[tenantID], connectionID)

	return nil
}

// Unregister removes a device connection
func (m *Manager) Unregister(connectionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	device, exists := m.devices[connectionID]
	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	// Remove from tenant map
	tenantID := device.TenantID
	if connIDs, ok := m.byTenant[tenantID]; ok {
		// Remove this connection ID from the slice
		for i, id := range connIDs {
			if id == connectionID {
				m.byTenant[tenantID] = append(connIDs[:i], connIDs[i+1:]...)
				break
			}
		}
		// Clean up empty tenant entries
		if len(m.byTenant[tenantID]) == 0 {
			delete(m.byTenant, tenantID)
		}
	}

	// Remove from devices map
	delete(m.devices, connectionID)

	return nil
}

// Get retrieves device information by connection ID
func (m *Manager) Get(connectionID string) (*DeviceInfo, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	device, exists := m.devices[connectionID]
	return device, exists
}

// GetByTenant retrieves all connection IDs for a tenant
func (m *Manager) GetByTenant(tenantID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := m.byTenant[tenantID]
	// Return a copy to avoid race conditions
	result := make([]string, len(connIDs))
	copy(result, connIDs)
	return result
}

// UpdateActivity updates the last heard from timestamp for a connection
func (m *Manager) UpdateActivity(connectionID string) error {
	m.mu.RLock()
	device, exists := m.devices[connectionID]
	m.mu.RUnlock()

	if !exists {
		return fmt.Errorf("connection ID %s not found", connectionID)
	}

	device.UpdateLastHeardFrom()
	return nil
}

// GetInactiveConnections returns connection IDs that haven't been heard from in the given duration
func (m *Manager) GetInactiveConnections(timeout time.Duration) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	now := time.Now()
	var inactive []string

	for connID, device := range m.devices {
		lastHeard := device.GetLastHeardFrom()
		if now.Sub(lastHeard) > timeout {
			inactive = append(inactive, connID)
		}
	}

	return inactive
}

// Count returns the total number of active connections
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.devices)
}

// CountByTenant returns the number of active connections per tenant
func (m *Manager) CountByTenant() map[string]int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make(map[string]int)
	for tenantID, connIDs := range m.byTenant {
		result[tenantID] = len(connIDs)
	}
	return result
}

// GetAllConnections returns all connection IDs
func (m *Manager) GetAllConnections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	connIDs := make([]string, 0, len(m.devices))
	for connID := range m.devices {
		connIDs = append(connIDs, connID)
	}
	return connIDs
}

// Stats returns statistics about the connection manager
func (m *Manager) Stats() ManagerStats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return ManagerStats{
		TotalConnections: len(m.devices),
		UniqueTenants:    len(m.byTenant),
		MaxConnections:   m.maxConns,
	}
}

// ManagerStats contains statistics about the connection manager
type ManagerStats struct {
	TotalConnections int
	UniqueTenants    int
	MaxConnections   int
}

var (
	ErrMaxConnectionsReached = &ConnectionError{"maximum connections reached"}
)

// ConnectionError represents a connection error
type ConnectionError struct {
	msg string
}

func (e *ConnectionError) Error() string {
	return e.msg
}
