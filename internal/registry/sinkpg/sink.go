package sinkpg

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// Insert and InsertBatch satisfy the telemetry sink port (component F)
// against the same *gorm.DB the registry uses, following the
// db.GetDB().Create(&gpsData) pattern the pack's GPS tracker tcp server
// uses to persist decoded fixes.
func (s *Store) Insert(ctx context.Context, rec *telemetry.Record) error {
	row, err := recordToRow(rec)
	if err != nil {
		return err
	}
	if err := s.DB.WithContext(ctx).Create(row).Error; err != nil {
		return fmt.Errorf("sinkpg: insert telemetry: %w", err)
	}
	return nil
}

func (s *Store) InsertBatch(ctx context.Context, recs []*telemetry.Record) error {
	if len(recs) == 0 {
		return nil
	}
	rows := make([]*TelemetryRow, 0, len(recs))
	for _, rec := range recs {
		row, err := recordToRow(rec)
		if err != nil {
			return err
		}
		rows = append(rows, row)
	}
	if err := s.DB.WithContext(ctx).Create(rows).Error; err != nil {
		return fmt.Errorf("sinkpg: insert telemetry batch: %w", err)
	}
	return nil
}

func recordToRow(rec *telemetry.Record) (*TelemetryRow, error) {
	ioJSON, err := json.Marshal(rec.IOElements)
	if err != nil {
		return nil, fmt.Errorf("sinkpg: marshal io_elements: %w", err)
	}
	row := &TelemetryRow{
		DeviceID:    rec.DeviceID,
		Timestamp:   rec.Timestamp,
		Latitude:    rec.Latitude,
		Longitude:   rec.Longitude,
		Altitude:    rec.Altitude,
		Speed:       rec.Speed,
		Heading:     rec.Heading,
		Satellites:  rec.Satellites,
		FuelLevel:   rec.FuelLevel,
		Protocol:    string(rec.Protocol),
		MessageType: rec.MessageType,
		IOElements:  string(ioJSON),
	}
	if rec.MessageType == "TE" {
		promoteTripSummary(row, rec)
	}
	return row, nil
}

// promoteTripSummary copies the TE-only trip-summary io_elements keys into
// their dedicated columns (§6, §9 "bypass downstream schema-cache issues").
// Other record kinds do not promote.
func promoteTripSummary(row *TelemetryRow, rec *telemetry.Record) {
	if t, ok := timeField(rec, "start_timestamp"); ok {
		row.StartTimestamp = &t
	}
	if t, ok := timeField(rec, "end_timestamp"); ok {
		row.EndTimestamp = &t
	}
	if v, ok := intField(rec, "duration_seconds"); ok {
		row.DurationSeconds = &v
	}
	if v, ok := floatField(rec, "start_fuel"); ok {
		row.StartFuel = &v
	}
	if v, ok := floatField(rec, "end_fuel"); ok {
		row.EndFuel = &v
	}
	if v, ok := floatField(rec, "distance_km"); ok {
		row.DistanceKM = &v
	}
	if v, ok := floatField(rec, "start_latitude"); ok {
		row.StartLatitude = &v
	}
	if v, ok := floatField(rec, "start_longitude"); ok {
		row.StartLongitude = &v
	}
}
