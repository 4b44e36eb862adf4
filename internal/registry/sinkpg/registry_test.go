//go:build integration

package sinkpg

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

func openTestStore(t *testing.T) *Store {
	dsn := os.Getenv("TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("TEST_POSTGRES_DSN not set")
	}
	store, err := Open(dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	return store
}

func TestUpsertAndGetDeviceByIMEI(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	imei := "867762040399999"
	dev := &telemetry.Device{
		DeviceID: imei,
		IMEI:     imei,
		Protocol: telemetry.ProtocolTFMS90,
		IsActive: true,
	}
	if err := store.UpsertDevice(ctx, dev); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := store.GetDeviceByIMEI(ctx, imei)
	if err != nil {
		t.Fatalf("get by imei: %v", err)
	}
	if got.IMEI != imei {
		t.Fatalf("imei mismatch: %s", got.IMEI)
	}
}

func TestAssignShortDeviceIDIsStableAcrossCalls(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	imei := "867762040398888"
	first, err := store.AssignShortDeviceID(ctx, imei, telemetry.ProtocolTFMS90)
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	second, err := store.AssignShortDeviceID(ctx, imei, telemetry.ProtocolTFMS90)
	if err != nil {
		t.Fatalf("assign again: %v", err)
	}
	if first != second {
		t.Fatalf("expected stable short id, got %d then %d", first, second)
	}
}

func TestInsertBatchPersistsRecords(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()

	imei := "867762040397777"
	rec, err := telemetry.NewRecord(imei, telemetry.ProtocolTeltonika, "", time.Now(), 12.9, 77.5)
	if err != nil {
		t.Fatalf("new record: %v", err)
	}
	if err := store.InsertBatch(ctx, []*telemetry.Record{rec}); err != nil {
		t.Fatalf("insert batch: %v", err)
	}
}
