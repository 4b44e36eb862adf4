package teltonika

import (
	"encoding/binary"
	"encoding/hex"
	"testing"
)

// buildIMEIPacket builds [2B length][ASCII IMEI].
func buildIMEIPacket(imei string) []byte {
	out := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	copy(out[2:], imei)
	return out
}

func TestIdentifyIMEI(t *testing.T) {
	imei := "352094087456789"
	got := IdentifyIMEI(buildIMEIPacket(imei))
	if got != imei {
		t.Fatalf("got %q, want %q", got, imei)
	}
}

func TestIdentifyIMEIRejectsNonDigits(t *testing.T) {
	data := buildIMEIPacket("35209408745678X")
	if got := IdentifyIMEI(data); got != "" {
		t.Fatalf("expected empty for non-digit IMEI, got %q", got)
	}
}

func TestBuildACK(t *testing.T) {
	got := hex.EncodeToString(BuildACK(1))
	if got != "00000001" {
		t.Fatalf("got %s, want 00000001", got)
	}
}

// buildSingleRecordCodec8E builds a minimal one-record Codec 8E packet with
// a single fixed 1-byte IO element id 239=1 (ignition).
func buildSingleRecordCodec8E(lat, lon float64, speed uint16) []byte {
	var rec []byte

	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, 1700000000000)
	rec = append(rec, tsBuf...)
	rec = append(rec, 0x01) // priority

	lonBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lonBuf, uint32(int32(lon*1e7)))
	rec = append(rec, lonBuf...)

	latBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(latBuf, uint32(int32(lat*1e7)))
	rec = append(rec, latBuf...)

	rec = append(rec, 0x00, 0x00) // altitude
	rec = append(rec, 0x00, 0x00) // angle
	rec = append(rec, 0x05)       // satellites

	speedBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(speedBuf, speed)
	rec = append(rec, speedBuf...)

	// IO element, codec 8E: event id (2B), total count (2B)
	rec = append(rec, 0x00, 0xEF) // event io id 239
	rec = append(rec, 0x00, 0x01) // total count 1
	// 1-byte group: count=1, id=239 (2B), value=1 (1B)
	rec = append(rec, 0x00, 0x01)
	rec = append(rec, 0x00, 0xEF)
	rec = append(rec, 0x01)
	// 2-byte group: count=0
	rec = append(rec, 0x00, 0x00)
	// 4-byte group: count=0
	rec = append(rec, 0x00, 0x00)
	// 8-byte group: count=0
	rec = append(rec, 0x00, 0x00)
	// variable group: count=0
	rec = append(rec, 0x00, 0x00)

	var packet []byte
	packet = append(packet, 0x00, 0x00, 0x00, 0x00) // preamble
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(rec)+2))
	packet = append(packet, lenBuf...)
	packet = append(packet, Codec8E)
	packet = append(packet, 0x01) // record count
	packet = append(packet, rec...)
	packet = append(packet, 0x01)                   // trailing record count
	packet = append(packet, 0x00, 0x00, 0x00, 0x00) // CRC, unvalidated

	return packet
}

func TestParsePacketSingleRecord(t *testing.T) {
	packet := buildSingleRecordCodec8E(55.123456, 25.987654, 42)
	result, err := ParsePacket(packet, "352094087456789")
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if result.CountMismatch {
		t.Fatalf("expected matching counts")
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]
	if rec.DeviceID != "352094087456789" {
		t.Fatalf("device id mismatch: %s", rec.DeviceID)
	}
	if diff := rec.Latitude - 55.123456; diff > 1e-5 || diff < -1e-5 {
		t.Fatalf("latitude mismatch: %f", rec.Latitude)
	}
	if rec.Speed == nil || *rec.Speed != 42 {
		t.Fatalf("speed mismatch: %v", rec.Speed)
	}
	if rec.Ignition == nil || !*rec.Ignition {
		t.Fatalf("expected ignition true, got %v", rec.Ignition)
	}
}

// buildAVLRecordBody builds one encoded AVL record (timestamp, priority,
// GPS element, a single fixed 1-byte IO element) without the packet framing
// around it, for composing multi-record packets.
func buildAVLRecordBody(lat, lon float64, speed uint16) []byte {
	var rec []byte

	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, 1700000000000)
	rec = append(rec, tsBuf...)
	rec = append(rec, 0x01) // priority

	lonBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lonBuf, uint32(int32(lon*1e7)))
	rec = append(rec, lonBuf...)

	latBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(latBuf, uint32(int32(lat*1e7)))
	rec = append(rec, latBuf...)

	rec = append(rec, 0x00, 0x00) // altitude
	rec = append(rec, 0x00, 0x00) // angle
	rec = append(rec, 0x05)       // satellites

	speedBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(speedBuf, speed)
	rec = append(rec, speedBuf...)

	rec = append(rec, 0x00, 0xEF) // event io id 239
	rec = append(rec, 0x00, 0x01) // total count 1
	rec = append(rec, 0x00, 0x01) // 1-byte group: count=1
	rec = append(rec, 0x00, 0xEF) // id 239
	rec = append(rec, 0x01)       // value
	rec = append(rec, 0x00, 0x00) // 2-byte group: count=0
	rec = append(rec, 0x00, 0x00) // 4-byte group: count=0
	rec = append(rec, 0x00, 0x00) // 8-byte group: count=0
	rec = append(rec, 0x00, 0x00) // variable group: count=0

	return rec
}

// buildCodec8EPacket frames numRecords valid AVL records behind a header
// declaring headerCount and a trailer declaring trailerCount, letting the
// two diverge the way a real count-mismatch frame does (§8 S4).
func buildCodec8EPacket(numRecords, headerCount, trailerCount int) []byte {
	var body []byte
	for i := 0; i < numRecords; i++ {
		body = append(body, buildAVLRecordBody(55.0+float64(i), 25.0+float64(i), uint16(10+i))...)
	}

	var packet []byte
	packet = append(packet, 0x00, 0x00, 0x00, 0x00) // preamble
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(body)+2))
	packet = append(packet, lenBuf...)
	packet = append(packet, Codec8E)
	packet = append(packet, byte(headerCount))
	packet = append(packet, body...)
	packet = append(packet, byte(trailerCount))
	packet = append(packet, 0x00, 0x00, 0x00, 0x00) // CRC, unvalidated
	return packet
}

func TestParsePacketCountMismatch(t *testing.T) {
	// Header declares 3 records, trailer declares 2: S4's named scenario.
	// All 3 records are fully present on the wire, so the parser decodes
	// every one and flags the mismatch rather than truncating.
	packet := buildCodec8EPacket(3, 3, 2)
	result, err := ParsePacket(packet, "352094087456789")
	if err != nil {
		t.Fatalf("ParsePacket: %v", err)
	}
	if !result.CountMismatch {
		t.Fatalf("expected CountMismatch true for header=3 trailer=2")
	}
	if result.HeaderCount != 3 {
		t.Fatalf("expected header count 3, got %d", result.HeaderCount)
	}
	if result.TrailerCount != 2 {
		t.Fatalf("expected trailer count 2, got %d", result.TrailerCount)
	}
	if len(result.Records) != 3 {
		t.Fatalf("expected the decoded prefix of 3 records, got %d", len(result.Records))
	}
}

func TestParsePacketUnknownCodec(t *testing.T) {
	packet := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x01, 0x07}
	_, err := ParsePacket(packet, "x")
	if err != ErrUnknownCodec {
		t.Fatalf("expected ErrUnknownCodec, got %v", err)
	}
}
