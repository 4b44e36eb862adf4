// Package tfms90 decodes TFMS90 v2.0 text frames and builds the ACKs the
// protocol expects. It also owns the process-wide short-alias table TFMS90
// devices use in place of their IMEI after login.
package tfms90

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

// Epoch2000 is the TFMS90 hex-timestamp reference instant.
var Epoch2000 = time.Date(2000, 1, 1, 0, 0, 0, 0, time.UTC)

// ErrMalformedFrame is returned when a frame does not have the fields a
// message type's table demands.
var ErrMalformedFrame = errors.New("tfms90: malformed frame")

// ErrUnknownMessageType is returned for a message type outside the closed
// set this parser recognizes.
var ErrUnknownMessageType = errors.New("tfms90: unknown message type")

// HexToTimestamp converts an 8 hex-digit seconds-since-2000 timestamp to a
// UTC instant. hex_to_ts("00000000") == 2000-01-01T00:00:00Z.
func HexToTimestamp(h string) (time.Time, error) {
	secs, err := strconv.ParseUint(h, 16, 32)
	if err != nil {
		return time.Time{}, fmt.Errorf("tfms90: bad hex timestamp %q: %w", h, err)
	}
	return Epoch2000.Add(time.Duration(secs) * time.Second), nil
}

// TimestampToHex is the inverse of HexToTimestamp.
func TimestampToHex(t time.Time) string {
	secs := uint32(t.UTC().Sub(Epoch2000).Seconds())
	return fmt.Sprintf("%08X", secs)
}

// AliasTable is the process-wide short_device_id -> imei mapping populated
// by LG handlers. Reads vastly outnumber writes, so a sync.Map is used
// rather than a mutex-guarded map (see the concurrency model).
type AliasTable struct {
	m sync.Map // int -> string
}

func NewAliasTable() *AliasTable {
	return &AliasTable{}
}

func (t *AliasTable) Set(shortID int, imei string) {
	t.m.Store(shortID, imei)
}

func (t *AliasTable) Lookup(shortID int) (string, bool) {
	v, ok := t.m.Load(shortID)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Frame is one parsed `$,...,#?` message: the raw split fields plus the
// token and message type every frame carries.
type Frame struct {
	Fields      []string
	Token       string
	MessageType string
}

// ParseFrame splits a raw line on "," after trimming the trailing #?/#
// marker and CR/LF. Field 0 is the literal "$", field 1 the token, field 2
// the message type, matching the worked examples in the wire format.
func ParseFrame(line string) (*Frame, error) {
	s := strings.TrimRight(line, "\r\n")
	s = strings.TrimSuffix(s, "#?")
	s = strings.TrimSuffix(s, "#")
	s = strings.TrimRight(s, ",")
	fields := strings.Split(s, ",")
	if len(fields) < 3 || fields[0] != "$" {
		return nil, ErrMalformedFrame
	}
	return &Frame{Fields: fields, Token: fields[1], MessageType: fields[2]}, nil
}

// addTripNumber stamps the original's trip-number field (index 4, ahead of
// the hex timestamp in every message type that carries one) into
// io_elements. Best-effort: a missing or non-numeric field leaves the
// record untouched rather than failing the parse.
func addTripNumber(rec *telemetry.Record, fields []string) {
	if v, ok := intField(fields, 4); ok {
		rec.IOElements["trip_number"] = v
	}
}

func field(fields []string, i int) (string, bool) {
	if i < 0 || i >= len(fields) {
		return "", false
	}
	return fields[i], true
}

func floatField(fields []string, i int) (float64, bool) {
	s, ok := field(fields, i)
	if !ok || s == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

func intField(fields []string, i int) (int, bool) {
	s, ok := field(fields, i)
	if !ok || s == "" {
		return 0, false
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, false
	}
	return n, true
}

func tsField(fields []string, i int) (time.Time, bool) {
	s, ok := field(fields, i)
	if !ok || s == "" {
		return time.Time{}, false
	}
	ts, err := HexToTimestamp(s)
	if err != nil {
		return time.Time{}, false
	}
	return ts, true
}

// LoginInfo is the registration side-effect payload of an LG frame: no
// telemetry record is emitted for LG (design decision, see DESIGN.md §(c)).
type LoginInfo struct {
	ShortID         string
	IMEI            string
	FirmwareVersion string
	SIMICCID        string
}

// ParseLogin extracts registration fields from an LG frame per the §4.3
// table: 3:short_id, 4:imei, 5:firmware, 6:iccid.
func ParseLogin(f *Frame) (*LoginInfo, error) {
	shortID, ok := field(f.Fields, 3)
	if !ok {
		return nil, ErrMalformedFrame
	}
	imei, ok := field(f.Fields, 4)
	if !ok || imei == "" {
		return nil, ErrMalformedFrame
	}
	firmware, _ := field(f.Fields, 5)
	iccid, _ := field(f.Fields, 6)
	return &LoginInfo{ShortID: shortID, IMEI: imei, FirmwareVersion: firmware, SIMICCID: iccid}, nil
}

// ParseDataFrame decodes a non-LG frame into zero or one telemetry records,
// per the message-type table in §4.3. deviceID is the registry device_id
// (the IMEI, attributed via the alias table) to stamp onto the record.
func ParseDataFrame(f *Frame, deviceID string) (*telemetry.Record, error) {
	switch f.MessageType {
	case "TD", "TDA":
		return parseTD(f, deviceID)
	case "TS":
		return parseTS(f, deviceID)
	case "TE":
		return parseTE(f, deviceID)
	case "HA2":
		return parseHarsh(f, deviceID, "harsh_accel")
	case "HB2":
		return parseHarsh(f, deviceID, "harsh_brake")
	case "HC2":
		return parseHarsh(f, deviceID, "harsh_corner")
	case "FLF":
		return parseFuel(f, deviceID, "fuel_fill")
	case "FLD":
		return parseFuel(f, deviceID, "fuel_drain")
	case "HB", "OS3", "STAT":
		return parseHeartbeat(f, deviceID)
	case "DHR", "ERR", "GEO", "DID", "TMP", "FCR":
		// Recognized but not parsed into a telemetry record: no row is
		// emitted, but the frame still earns an ACK at the handler level.
		return nil, nil
	default:
		return nil, ErrUnknownMessageType
	}
}

func parseTD(f *Frame, deviceID string) (*telemetry.Record, error) {
	ts, ok := tsField(f.Fields, 5)
	if !ok {
		return nil, ErrMalformedFrame
	}
	lat, ok1 := floatField(f.Fields, 6)
	lon, ok2 := floatField(f.Fields, 7)
	if !ok1 || !ok2 {
		return nil, ErrMalformedFrame
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, ts, lat, lon)
	if err != nil {
		return nil, err
	}
	if v, ok := floatField(f.Fields, 8); ok {
		rec.SetSpeed(v)
	}
	if v, ok := floatField(f.Fields, 9); ok {
		rec.SetHeading(v)
	}
	if v, ok := intField(f.Fields, 10); ok {
		rec.SetSatellites(v)
	}
	if v, ok := floatField(f.Fields, 11); ok {
		rec.HDOP = &v
	}
	if v, ok := floatField(f.Fields, 12); ok {
		rec.FuelLevel = &v
	}
	if v, ok := floatField(f.Fields, 13); ok {
		odo := v / 1000.0
		rec.Odometer = &odo
	}
	if hexFlags, ok := field(f.Fields, 14); ok && hexFlags != "" {
		flags, err := strconv.ParseUint(hexFlags, 16, 64)
		if err == nil {
			ignition := flags&0x1 != 0
			rec.Ignition = &ignition
		}
		rec.IOElements["status_flags_hex"] = hexFlags
	}
	if v, ok := floatField(f.Fields, 17); ok {
		rec.BatteryVoltage = &v
	}
	addTripNumber(rec, f.Fields)
	return rec, nil
}

func parseTS(f *Frame, deviceID string) (*telemetry.Record, error) {
	ts, ok := tsField(f.Fields, 5)
	if !ok {
		return nil, ErrMalformedFrame
	}
	lat, ok1 := floatField(f.Fields, 7)
	lon, ok2 := floatField(f.Fields, 8)
	if !ok1 || !ok2 {
		return nil, ErrMalformedFrame
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, ts, lat, lon)
	if err != nil {
		return nil, err
	}
	if v, ok := floatField(f.Fields, 6); ok {
		rec.FuelLevel = &v
	}
	if v, ok := floatField(f.Fields, 9); ok {
		rec.SetHeading(v)
	}
	rec.IOElements["event_type"] = "trip_start"
	addTripNumber(rec, f.Fields)
	return rec, nil
}

func parseTE(f *Frame, deviceID string) (*telemetry.Record, error) {
	endTS, ok := tsField(f.Fields, 6)
	if !ok {
		return nil, ErrMalformedFrame
	}
	lat, ok1 := floatField(f.Fields, 16)
	lon, ok2 := floatField(f.Fields, 17)
	if !ok1 || !ok2 {
		return nil, ErrMalformedFrame
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, endTS, lat, lon)
	if err != nil {
		return nil, err
	}
	rec.IOElements["event_type"] = "trip_end"
	if startTS, ok := tsField(f.Fields, 5); ok {
		rec.IOElements["start_timestamp"] = startTS
	}
	rec.IOElements["end_timestamp"] = endTS
	if v, ok := intField(f.Fields, 7); ok {
		rec.IOElements["duration_seconds"] = v
	}
	// distance_m is the original's meter-resolution trip distance, kept
	// alongside distance_km below rather than replacing it.
	if v, ok := floatField(f.Fields, 8); ok {
		rec.IOElements["distance_m"] = v
	}
	if v, ok := floatField(f.Fields, 9); ok {
		rec.IOElements["start_fuel"] = v
	}
	if v, ok := floatField(f.Fields, 10); ok {
		rec.IOElements["end_fuel"] = v
	}
	if v, ok := floatField(f.Fields, 11); ok {
		rec.IOElements["distance_km"] = v
	}
	if v, ok := floatField(f.Fields, 12); ok {
		rec.IOElements["max_speed"] = v
	}
	if v, ok := floatField(f.Fields, 13); ok {
		rec.IOElements["avg_speed"] = v
	}
	if v, ok := floatField(f.Fields, 14); ok {
		rec.IOElements["start_latitude"] = v
	}
	if v, ok := floatField(f.Fields, 15); ok {
		rec.IOElements["start_longitude"] = v
	}
	if v, ok := floatField(f.Fields, 18); ok {
		rec.SetHeading(v)
	}
	addTripNumber(rec, f.Fields)
	return rec, nil
}

func parseHarsh(f *Frame, deviceID, eventType string) (*telemetry.Record, error) {
	ts, ok := tsField(f.Fields, 5)
	if !ok {
		return nil, ErrMalformedFrame
	}
	lat, ok1 := floatField(f.Fields, 6)
	lon, ok2 := floatField(f.Fields, 7)
	if !ok1 || !ok2 {
		return nil, ErrMalformedFrame
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, ts, lat, lon)
	if err != nil {
		return nil, err
	}
	rec.IOElements["event_type"] = eventType
	return rec, nil
}

func parseFuel(f *Frame, deviceID, eventType string) (*telemetry.Record, error) {
	ts, ok := tsField(f.Fields, 5)
	if !ok {
		return nil, ErrMalformedFrame
	}
	lat, ok1 := floatField(f.Fields, 9)
	lon, ok2 := floatField(f.Fields, 10)
	if !ok1 || !ok2 {
		return nil, ErrMalformedFrame
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, ts, lat, lon)
	if err != nil {
		return nil, err
	}
	rec.IOElements["event_type"] = eventType
	if before, ok := floatField(f.Fields, 6); ok {
		rec.IOElements["fuel_before"] = before
	}
	if after, ok := floatField(f.Fields, 7); ok {
		rec.FuelLevel = &after
	}
	if amount, ok := floatField(f.Fields, 8); ok {
		rec.IOElements["fuel_amount"] = amount
	}
	addTripNumber(rec, f.Fields)
	return rec, nil
}

func parseHeartbeat(f *Frame, deviceID string) (*telemetry.Record, error) {
	ts, ok := tsField(f.Fields, 5)
	if !ok {
		ts = time.Now().UTC()
	}
	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTFMS90, f.MessageType, ts, 0, 0)
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// BuildLoginACK is the reply to a successful LG: $,0,ACK,<short_id>,#?\n.
func BuildLoginACK(shortID int) string {
	return fmt.Sprintf("$,0,ACK,%d,#?\n", shortID)
}

// BuildDataACK is the reply after a non-LG frame is parsed and persisted:
// $,<token>,ACK,<short_device_id>,<num_records>,#?\n.
func BuildDataACK(token string, shortDeviceID int, numRecords int) string {
	return fmt.Sprintf("$,%s,ACK,%d,%d,#?\n", token, shortDeviceID, numRecords)
}
