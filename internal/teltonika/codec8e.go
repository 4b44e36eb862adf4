// Package teltonika decodes Teltonika Codec 8 and Codec 8E AVL packets and
// builds the replies the wire protocol expects.
package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/telemetry"
)

const (
	Codec8  = 0x08
	Codec8E = 0x8E
)

// ErrUnknownCodec is returned when the codec-id byte is neither Codec8 nor
// Codec8E; the caller drops the frame per the framing error policy.
var ErrUnknownCodec = errors.New("teltonika: unknown codec id")

// ErrTruncated marks a frame that ran out of bytes mid-field.
var ErrTruncated = errors.New("teltonika: frame truncated")

// IO id -> typed telemetry field promotion, per the Codec 8/8E post-decode
// promotion table.
const (
	ioIgnition       = 239
	ioMoving         = 240
	ioBatteryVoltage = 67
	ioExternalVolt   = 66
	ioOdometer       = 16
	ioFuelLevel      = 70
	ioEngineHours    = 15
)

// ParseResult is the outcome of decoding one Codec 8/8E packet: the records
// successfully decoded plus whether the trailing record count matched the
// header (a mismatch is a warning, not a failure — the decoded prefix is
// still returned).
type ParseResult struct {
	Records       []*telemetry.Record
	CountMismatch bool
	HeaderCount   int
	TrailerCount  int
}

// IdentifyIMEI extracts the IMEI from the very first packet on a Teltonika
// connection: [2 B length][ASCII digits IMEI]. Returns "" if the packet is
// too short or not well-formed ASCII digits.
func IdentifyIMEI(data []byte) string {
	if len(data) < 2 {
		return ""
	}
	length := int(binary.BigEndian.Uint16(data[0:2]))
	if length <= 0 || len(data) < 2+length {
		return ""
	}
	imei := data[2 : 2+length]
	for _, b := range imei {
		if b < '0' || b > '9' {
			return ""
		}
	}
	return string(imei)
}

// BuildIMEIReply returns the single-byte accept/reject reply to an IMEI
// handshake packet. The core always accepts a well-formed IMEI; the reject
// path is reserved for future use.
func BuildIMEIReply(accept bool) []byte {
	if accept {
		return []byte{0x01}
	}
	return []byte{0x00}
}

// BuildACK returns the 4-byte big-endian record count acknowledgment sent
// after successful persistence of n records.
func BuildACK(n int) []byte {
	out := make([]byte, 4)
	binary.BigEndian.PutUint32(out, uint32(n))
	return out
}

// ParsePacket decodes one framed Codec 8/8E packet:
//
//	[4B preamble][4B data length][1B codec id][1B record count N]
//	[N x AVL record][1B record count][4B CRC16]
//
// deviceID is the IMEI already established at handshake. An unknown codec
// id yields (nil, ErrUnknownCodec); the frame is dropped per policy.
func ParsePacket(data []byte, deviceID string) (*ParseResult, error) {
	offset := 0
	if len(data) < 9 {
		return nil, ErrTruncated
	}
	// preamble, not validated beyond length; a non-zero preamble is
	// accepted without error.
	offset += 4
	offset += 4 // data length, not needed to bound parsing since we trust len(data)

	codecID := data[offset]
	offset++
	if codecID != Codec8 && codecID != Codec8E {
		return nil, ErrUnknownCodec
	}

	headerCount := int(data[offset])
	offset++

	records := make([]*telemetry.Record, 0, headerCount)
	msgType := fmt.Sprintf("codec_%02x", codecID)

	for i := 0; i < headerCount; i++ {
		rec, newOffset, err := parseAVLRecord(data, offset, deviceID, codecID, msgType)
		if err != nil {
			// Parse error mid-batch: keep the decoded prefix and stop.
			return &ParseResult{Records: records, HeaderCount: headerCount, TrailerCount: len(records)}, nil
		}
		offset = newOffset
		records = append(records, rec)
	}

	if offset >= len(data) {
		return &ParseResult{Records: records, HeaderCount: headerCount, TrailerCount: len(records)}, nil
	}

	trailerCount := int(data[offset])
	offset++

	return &ParseResult{
		Records:       records,
		CountMismatch: trailerCount != headerCount,
		HeaderCount:   headerCount,
		TrailerCount:  trailerCount,
	}, nil
}

func parseAVLRecord(data []byte, offset int, deviceID string, codecID byte, msgType string) (*telemetry.Record, int, error) {
	if offset+8 > len(data) {
		return nil, offset, ErrTruncated
	}
	timestampMs := binary.BigEndian.Uint64(data[offset : offset+8])
	offset += 8
	ts := time.UnixMilli(int64(timestampMs)).UTC()

	if offset+1 > len(data) {
		return nil, offset, ErrTruncated
	}
	offset++ // priority, opaque pass-through

	if offset+15 > len(data) {
		return nil, offset, ErrTruncated
	}
	lonRaw := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	latRaw := int32(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	altitude := int16(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	angle := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	satellites := int(data[offset])
	offset++
	speed := binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2

	lat := float64(latRaw) / 1e7
	lon := float64(lonRaw) / 1e7

	rec, err := telemetry.NewRecord(deviceID, telemetry.ProtocolTeltonika, msgType, ts, lat, lon)
	if err != nil {
		return nil, offset, err
	}

	if altitude != 0 {
		a := float64(altitude)
		rec.Altitude = &a
	}
	rec.SetSpeed(float64(speed))
	rec.SetHeading(float64(angle))
	rec.SetSatellites(satellites)

	ioElements, newOffset, err := parseIOElement(data, offset, codecID)
	if err != nil {
		return nil, newOffset, err
	}
	offset = newOffset
	rec.IOElements = ioElements

	promoteIOFields(rec, ioElements)

	return rec, offset, nil
}

func parseIOElement(data []byte, offset int, codecID byte) (map[string]interface{}, int, error) {
	io := make(map[string]interface{})
	wide := codecID == Codec8E

	var err error
	_, offset, err = readCount(data, offset, wide) // event IO id, unused
	if err != nil {
		return io, offset, err
	}
	_, offset, err = readCount(data, offset, wide) // total IO count, informational
	if err != nil {
		return io, offset, err
	}

	for _, size := range []int{1, 2, 4, 8} {
		offset, err = parseIOGroup(data, offset, io, size, wide)
		if err != nil {
			return io, offset, err
		}
	}

	if wide {
		offset, err = parseIOGroupVariable(data, offset, io)
		if err != nil {
			return io, offset, err
		}
	}

	return io, offset, nil
}

// readCount reads a 2-byte field for Codec 8E or a 1-byte field for Codec 8.
func readCount(data []byte, offset int, wide bool) (int, int, error) {
	if wide {
		if offset+2 > len(data) {
			return 0, offset, ErrTruncated
		}
		return int(binary.BigEndian.Uint16(data[offset : offset+2])), offset + 2, nil
	}
	if offset+1 > len(data) {
		return 0, offset, ErrTruncated
	}
	return int(data[offset]), offset + 1, nil
}

func parseIOGroup(data []byte, offset int, io map[string]interface{}, valueSize int, wide bool) (int, error) {
	count, offset, err := readCount(data, offset, wide)
	if err != nil {
		return offset, err
	}
	for i := 0; i < count; i++ {
		id, newOffset, err := readCount(data, offset, wide)
		if err != nil {
			return newOffset, err
		}
		offset = newOffset
		if offset+valueSize > len(data) {
			return offset, ErrTruncated
		}
		var value uint64
		switch valueSize {
		case 1:
			value = uint64(data[offset])
		case 2:
			value = uint64(binary.BigEndian.Uint16(data[offset : offset+2]))
		case 4:
			value = uint64(binary.BigEndian.Uint32(data[offset : offset+4]))
		case 8:
			value = binary.BigEndian.Uint64(data[offset : offset+8])
		}
		offset += valueSize
		io[fmt.Sprintf("io_%d", id)] = value
	}
	return offset, nil
}

func parseIOGroupVariable(data []byte, offset int, io map[string]interface{}) (int, error) {
	if offset+2 > len(data) {
		return offset, ErrTruncated
	}
	count := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	for i := 0; i < count; i++ {
		if offset+4 > len(data) {
			return offset, ErrTruncated
		}
		id := binary.BigEndian.Uint16(data[offset : offset+2])
		offset += 2
		length := int(binary.BigEndian.Uint16(data[offset : offset+2]))
		offset += 2
		if offset+length > len(data) {
			return offset, ErrTruncated
		}
		value := data[offset : offset+length]
		offset += length
		io[fmt.Sprintf("io_%d_var", id)] = hex.EncodeToString(value)
	}
	return offset, nil
}

func promoteIOFields(rec *telemetry.Record, io map[string]interface{}) {
	if v, ok := ioUint(io, ioIgnition); ok {
		b := v != 0
		rec.Ignition = &b
	}
	if v, ok := ioUint(io, ioMoving); ok {
		b := v != 0
		rec.Moving = &b
	}
	if v, ok := ioUint(io, ioBatteryVoltage); ok {
		val := float64(v) / 1000.0
		rec.BatteryVoltage = &val
	}
	if v, ok := ioUint(io, ioOdometer); ok {
		val := float64(v) / 1000.0
		rec.Odometer = &val
	}
	if v, ok := ioUint(io, ioFuelLevel); ok {
		val := float64(v)
		rec.FuelLevel = &val
	}
	if v, ok := ioUint(io, ioEngineHours); ok {
		val := float64(v) / 3600.0
		rec.EngineHours = &val
	}
}

func ioUint(io map[string]interface{}, id int) (uint64, bool) {
	v, ok := io[fmt.Sprintf("io_%d", id)]
	if !ok {
		return 0, false
	}
	u, ok := v.(uint64)
	return u, ok
}
