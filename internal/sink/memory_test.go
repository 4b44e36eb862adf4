package sink

import (
	"context"
	"testing"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

func TestMemSinkInsertBatchPreservesOrder(t *testing.T) {
	s := NewMemSink()
	r1, _ := telemetry.NewRecord("d1", telemetry.ProtocolTeltonika, "codec_8E", time.Now(), 1, 1)
	r2, _ := telemetry.NewRecord("d1", telemetry.ProtocolTeltonika, "codec_8E", time.Now(), 2, 2)
	if err := s.InsertBatch(context.Background(), []*telemetry.Record{r1, r2}); err != nil {
		t.Fatal(err)
	}
	all := s.All()
	if len(all) != 2 || all[0] != r1 || all[1] != r2 {
		t.Fatalf("expected batch order preserved, got %v", all)
	}
}

func TestMemSinkForcedFailure(t *testing.T) {
	s := NewMemSink()
	s.FailNext = true
	r1, _ := telemetry.NewRecord("d1", telemetry.ProtocolTeltonika, "codec_8E", time.Now(), 1, 1)
	if err := s.Insert(context.Background(), r1); err == nil {
		t.Fatal("expected forced failure")
	}
	if len(s.All()) != 0 {
		t.Fatal("expected no records recorded on failure")
	}
}
