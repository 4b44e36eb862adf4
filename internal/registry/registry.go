// Package registry is the narrow contract to the external device store: it
// never reaches into telemetry or wire-protocol concerns, only device
// identity and the short-alias assignment TFMS90 needs at login.
package registry

import (
	"context"
	"errors"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// ErrNotFound is returned when a lookup finds no matching device.
var ErrNotFound = errors.New("registry: device not found")

// Registry is the device registry port (component E). Every method may
// block on network I/O; callers must not hold a lock across a call.
type Registry interface {
	GetDevice(ctx context.Context, deviceID string) (*telemetry.Device, error)
	GetDeviceByIMEI(ctx context.Context, imei string) (*telemetry.Device, error)
	UpsertDevice(ctx context.Context, dev *telemetry.Device) error
	UpdateDeviceByUUID(ctx context.Context, uuid string, dev *telemetry.Device) error
	UpdateLastSeen(ctx context.Context, deviceID string) error
	// AssignShortDeviceID returns the existing short alias for imei if one
	// is already assigned, otherwise allocates the next one starting at
	// 100. Must be linearizable against concurrent assigners for distinct
	// IMEIs (see the concurrency model).
	AssignShortDeviceID(ctx context.Context, imei string, proto telemetry.Protocol) (int, error)
}
