package sinkpg

import (
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

func timeField(rec *telemetry.Record, key string) (time.Time, bool) {
	v, ok := rec.IOElements[key]
	if !ok {
		return time.Time{}, false
	}
	t, ok := v.(time.Time)
	return t, ok
}

func intField(rec *telemetry.Record, key string) (int, bool) {
	v, ok := rec.IOElements[key]
	if !ok {
		return 0, false
	}
	n, ok := v.(int)
	return n, ok
}

func floatField(rec *telemetry.Record, key string) (float64, bool) {
	v, ok := rec.IOElements[key]
	if !ok {
		return 0, false
	}
	f, ok := v.(float64)
	return f, ok
}
