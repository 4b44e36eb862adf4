// Package sink is the narrow contract to the external telemetry store
// (component F): best-effort persistence, single and batch.
package sink

import (
	"context"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// Sink is the telemetry sink port. Failures are returned to the caller,
// which logs and keeps the connection open rather than closing it — the
// device's own retransmission cadence is the recovery path.
type Sink interface {
	Insert(ctx context.Context, rec *telemetry.Record) error
	InsertBatch(ctx context.Context, recs []*telemetry.Record) error
}
