// Package sinkpg is a GORM/Postgres-backed implementation of both the
// device registry and telemetry sink ports, sharing one connection pool
// since both tables (devices, telemetry_data) live in the same database.
package sinkpg

import "time"

// DeviceRow mirrors the external devices table (§6 schema).
type DeviceRow struct {
	ID              string    `gorm:"column:id;primaryKey"`
	DeviceID        string    `gorm:"column:device_id;uniqueIndex"`
	IMEI            string    `gorm:"column:imei;index"`
	ShortDeviceID   *int      `gorm:"column:short_device_id;uniqueIndex"`
	Protocol        string    `gorm:"column:protocol"`
	FirmwareVersion string    `gorm:"column:firmware_version"`
	SIMICCID        string    `gorm:"column:sim_iccid"`
	IsActive        bool      `gorm:"column:is_active"`
	LastSeen        time.Time `gorm:"column:last_seen"`
	CreatedAt       time.Time `gorm:"column:created_at"`
}

func (DeviceRow) TableName() string { return "devices" }

// TelemetryRow mirrors the external telemetry_data table (§6 schema),
// including the TE-only trip-summary columns promoted from io_elements.
type TelemetryRow struct {
	ID          uint      `gorm:"column:id;primaryKey;autoIncrement"`
	DeviceID    string    `gorm:"column:device_id;index"`
	Timestamp   time.Time `gorm:"column:timestamp"`
	Latitude    float64   `gorm:"column:latitude"`
	Longitude   float64   `gorm:"column:longitude"`
	Altitude    *float64  `gorm:"column:altitude"`
	Speed       *float64  `gorm:"column:speed"`
	Heading     *float64  `gorm:"column:heading"`
	Satellites  *int      `gorm:"column:satellites"`
	FuelLevel   *float64  `gorm:"column:fuel_level"`
	Protocol    string    `gorm:"column:protocol"`
	MessageType string    `gorm:"column:message_type"`
	IOElements  string    `gorm:"column:io_elements;type:jsonb"`

	StartTimestamp  *time.Time `gorm:"column:start_timestamp"`
	EndTimestamp    *time.Time `gorm:"column:end_timestamp"`
	DurationSeconds *int       `gorm:"column:duration_seconds"`
	StartFuel       *float64   `gorm:"column:start_fuel"`
	EndFuel         *float64   `gorm:"column:end_fuel"`
	DistanceKM      *float64   `gorm:"column:distance_km"`
	StartLatitude   *float64   `gorm:"column:start_latitude"`
	StartLongitude  *float64   `gorm:"column:start_longitude"`
}

func (TelemetryRow) TableName() string { return "telemetry_data" }
