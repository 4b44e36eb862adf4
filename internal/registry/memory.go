package registry

import (
	"context"
	"sync"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// MemRegistry is an in-memory fake satisfying Registry, used by tests and
// by the connection handler's own test suite. Keyed by device_id, with a
// secondary IMEI index; AssignShortDeviceID is guarded by a single mutex
// since the in-memory table has no transaction to retry against.
type MemRegistry struct {
	mu        sync.Mutex
	byID      map[string]*telemetry.Device
	byIMEI    map[string]*telemetry.Device
	nextShort int
}

func NewMemRegistry() *MemRegistry {
	return &MemRegistry{
		byID:      make(map[string]*telemetry.Device),
		byIMEI:    make(map[string]*telemetry.Device),
		nextShort: 100,
	}
}

// Seed pre-provisions a device, the way an external portal would before a
// TFMS90 device's first connection.
func (m *MemRegistry) Seed(dev *telemetry.Device) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[dev.DeviceID] = dev
	if dev.IMEI != "" {
		m.byIMEI[dev.IMEI] = dev
	}
}

func (m *MemRegistry) GetDevice(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.byID[deviceID]
	if !ok {
		return nil, ErrNotFound
	}
	return dev, nil
}

func (m *MemRegistry) GetDeviceByIMEI(ctx context.Context, imei string) (*telemetry.Device, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.byIMEI[imei]
	if !ok {
		return nil, ErrNotFound
	}
	return dev, nil
}

func (m *MemRegistry) UpsertDevice(ctx context.Context, dev *telemetry.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[dev.DeviceID] = dev
	if dev.IMEI != "" {
		m.byIMEI[dev.IMEI] = dev
	}
	return nil
}

func (m *MemRegistry) UpdateDeviceByUUID(ctx context.Context, uuid string, dev *telemetry.Device) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, existing := range m.byID {
		if existing.ID == uuid {
			delete(m.byID, id)
			m.byID[dev.DeviceID] = dev
			if dev.IMEI != "" {
				m.byIMEI[dev.IMEI] = dev
			}
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemRegistry) UpdateLastSeen(ctx context.Context, deviceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	dev, ok := m.byID[deviceID]
	if !ok {
		return ErrNotFound
	}
	dev.LastSeen = time.Now().UTC()
	return nil
}

func (m *MemRegistry) AssignShortDeviceID(ctx context.Context, imei string, proto telemetry.Protocol) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if dev, ok := m.byIMEI[imei]; ok && dev.ShortDeviceID != nil {
		return *dev.ShortDeviceID, nil
	}
	id := m.nextShort
	m.nextShort++
	if dev, ok := m.byIMEI[imei]; ok {
		dev.ShortDeviceID = &id
	}
	return id, nil
}
