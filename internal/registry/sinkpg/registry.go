package sinkpg

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/telemetry"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Store wraps a *gorm.DB shared by the registry and sink implementations,
// mirroring the Luna-IOT-Server pattern of a package-global DB handle
// consulted by plain `db.GetDB().Where(...)` calls.
type Store struct {
	DB *gorm.DB
}

// Open connects to Postgres with the given DSN and runs AutoMigrate for the
// two tables this core writes to.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("sinkpg: connect: %w", err)
	}
	if err := db.AutoMigrate(&DeviceRow{}, &TelemetryRow{}); err != nil {
		return nil, fmt.Errorf("sinkpg: migrate: %w", err)
	}
	return &Store{DB: db}, nil
}

func rowToDevice(r *DeviceRow) *telemetry.Device {
	return &telemetry.Device{
		ID:              r.ID,
		DeviceID:        r.DeviceID,
		IMEI:            r.IMEI,
		ShortDeviceID:   r.ShortDeviceID,
		Protocol:        telemetry.Protocol(r.Protocol),
		FirmwareVersion: r.FirmwareVersion,
		SIMICCID:        r.SIMICCID,
		LastSeen:        r.LastSeen,
		IsActive:        r.IsActive,
		CreatedAt:       r.CreatedAt,
	}
}

func deviceToRow(d *telemetry.Device) *DeviceRow {
	id := d.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &DeviceRow{
		ID:              id,
		DeviceID:        d.DeviceID,
		IMEI:            d.IMEI,
		ShortDeviceID:   d.ShortDeviceID,
		Protocol:        string(d.Protocol),
		FirmwareVersion: d.FirmwareVersion,
		SIMICCID:        d.SIMICCID,
		IsActive:        true,
		LastSeen:        d.LastSeen,
		CreatedAt:       d.CreatedAt,
	}
}

func (s *Store) GetDevice(ctx context.Context, deviceID string) (*telemetry.Device, error) {
	var row DeviceRow
	err := s.DB.WithContext(ctx).Where("device_id = ?", deviceID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sinkpg: get device: %w", err)
	}
	return rowToDevice(&row), nil
}

func (s *Store) GetDeviceByIMEI(ctx context.Context, imei string) (*telemetry.Device, error) {
	var row DeviceRow
	err := s.DB.WithContext(ctx).Where("imei = ?", imei).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, registry.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("sinkpg: get device by imei: %w", err)
	}
	return rowToDevice(&row), nil
}

// UpsertDevice inserts or updates keyed by device_id, matching the spec's
// "ON CONFLICT DO UPDATE" requirement.
func (s *Store) UpsertDevice(ctx context.Context, dev *telemetry.Device) error {
	row := deviceToRow(dev)
	err := s.DB.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "device_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"imei", "short_device_id", "protocol", "firmware_version", "sim_iccid", "is_active", "last_seen"}),
	}).Create(row).Error
	if err != nil {
		return fmt.Errorf("sinkpg: upsert device: %w", err)
	}
	return nil
}

func (s *Store) UpdateDeviceByUUID(ctx context.Context, uuidStr string, dev *telemetry.Device) error {
	row := deviceToRow(dev)
	row.ID = uuidStr
	err := s.DB.WithContext(ctx).Model(&DeviceRow{}).Where("id = ?", uuidStr).Updates(row).Error
	if err != nil {
		return fmt.Errorf("sinkpg: update device by uuid: %w", err)
	}
	return nil
}

func (s *Store) UpdateLastSeen(ctx context.Context, deviceID string) error {
	err := s.DB.WithContext(ctx).Model(&DeviceRow{}).
		Where("device_id = ?", deviceID).
		Update("last_seen", time.Now().UTC()).Error
	if err != nil {
		return fmt.Errorf("sinkpg: update last seen: %w", err)
	}
	return nil
}

// AssignShortDeviceID is the one multi-step critical section the registry
// must make linearizable (§5). It runs inside a transaction, locking the
// candidate row with SELECT ... FOR UPDATE before computing the next alias,
// and is retried on a unique-violation the way a concurrent racer would
// trigger, the transactional generalization of the plain upsert the rest of
// this package uses.
func (s *Store) AssignShortDeviceID(ctx context.Context, imei string, proto telemetry.Protocol) (int, error) {
	const maxRetries = 5
	var result int
	var err error
	for attempt := 0; attempt < maxRetries; attempt++ {
		err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			var row DeviceRow
			lookupErr := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Where("imei = ?", imei).First(&row).Error
			if lookupErr != nil && !errors.Is(lookupErr, gorm.ErrRecordNotFound) {
				return lookupErr
			}
			if lookupErr == nil && row.ShortDeviceID != nil {
				result = *row.ShortDeviceID
				return nil
			}

			var maxRow DeviceRow
			next := 100
			if err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
				Order("short_device_id DESC").
				Where("short_device_id IS NOT NULL").
				First(&maxRow).Error; err == nil && maxRow.ShortDeviceID != nil {
				next = *maxRow.ShortDeviceID + 1
			}

			if lookupErr == nil {
				if err := tx.Model(&DeviceRow{}).Where("id = ?", row.ID).
					Update("short_device_id", next).Error; err != nil {
					return err
				}
			} else {
				newRow := &DeviceRow{
					ID:            uuid.NewString(),
					DeviceID:      imei,
					IMEI:          imei,
					ShortDeviceID: &next,
					Protocol:      string(proto),
					IsActive:      true,
					LastSeen:      time.Now().UTC(),
					CreatedAt:     time.Now().UTC(),
				}
				if err := tx.Create(newRow).Error; err != nil {
					return err
				}
			}
			result = next
			return nil
		})
		if err == nil {
			return result, nil
		}
	}
	return 0, fmt.Errorf("sinkpg: assign short device id: %w", err)
}
