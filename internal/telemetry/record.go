// Package telemetry defines the uniform in-memory record every wire
// protocol parser produces and the device model the registry persists.
package telemetry

import (
	"fmt"
	"time"
)

// Protocol tags the wire format a record was decoded from.
type Protocol string

const (
	ProtocolTeltonika Protocol = "teltonika"
	ProtocolTFMS90    Protocol = "tfms90"
)

// Record is the canonical output of every parser in this repository.
// A zero-value Record is not valid; build one through NewRecord so the
// invariants below are enforced once, in one place.
type Record struct {
	DeviceID    string
	Protocol    Protocol
	MessageType string

	Timestamp time.Time

	Latitude   float64
	Longitude  float64
	Altitude   *float64
	Speed      *float64
	Heading    *float64
	Satellites *int
	HDOP       *float64

	Odometer       *float64
	EngineHours    *float64
	FuelLevel      *float64
	BatteryVoltage *float64
	Ignition       *bool
	Moving         *bool

	IOElements map[string]interface{}

	RawData []byte
}

// NewRecord builds a Record, returning an error when latitude or longitude
// is out of range. Heading, speed and satellites are not set here; the
// SetHeading, SetSpeed and SetSatellites setters apply their invariants.
func NewRecord(deviceID string, proto Protocol, msgType string, ts time.Time, lat, lon float64) (*Record, error) {
	if lat < -90 || lat > 90 {
		return nil, fmt.Errorf("telemetry: latitude %f out of range", lat)
	}
	if lon < -180 || lon > 180 {
		return nil, fmt.Errorf("telemetry: longitude %f out of range", lon)
	}
	return &Record{
		DeviceID:    deviceID,
		Protocol:    proto,
		MessageType: msgType,
		Timestamp:   ts.UTC(),
		Latitude:    lat,
		Longitude:   lon,
		IOElements:  make(map[string]interface{}),
	}, nil
}

// SetHeading applies the heading invariant: values outside [0,360] are
// dropped to nil rather than clamped, since an out-of-range heading
// indicates a garbled field, not a value to be saturated.
func (r *Record) SetHeading(h float64) {
	if h < 0 || h > 360 {
		r.Heading = nil
		return
	}
	r.Heading = &h
}

// SetSpeed stores a non-negative speed; negative inputs are dropped.
func (r *Record) SetSpeed(kmh float64) {
	if kmh < 0 {
		return
	}
	r.Speed = &kmh
}

// SetSatellites stores a non-negative satellite count.
func (r *Record) SetSatellites(n int) {
	if n < 0 {
		return
	}
	r.Satellites = &n
}

// RequiresIOElements reports whether msgType is one of the TFMS90 event
// types for which io_elements is never nil by contract.
func RequiresIOElements(proto Protocol, msgType string) bool {
	if proto != ProtocolTFMS90 {
		return false
	}
	switch msgType {
	case "TS", "TE", "FLF", "FLD":
		return true
	default:
		return false
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("Record{device=%s proto=%s type=%s ts=%s lat=%.6f lon=%.6f}",
		r.DeviceID, r.Protocol, r.MessageType, r.Timestamp.Format(time.RFC3339), r.Latitude, r.Longitude)
}

// Device is the subset of the external devices row the core reads and
// writes. short_device_id and imei are populated only for tfms90 devices.
type Device struct {
	ID              string
	DeviceID        string
	IMEI            string
	ShortDeviceID   *int
	Protocol        Protocol
	FirmwareVersion string
	SIMICCID        string
	LastSeen        time.Time
	IsActive        bool
	CreatedAt       time.Time
}
