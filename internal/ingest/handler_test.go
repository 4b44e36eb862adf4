package ingest

import (
	"bufio"
	"context"
	"encoding/binary"
	"net"
	"testing"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/sink"
	"github.com/fleetpulse/telemetry-server/internal/telemetry"
	"github.com/fleetpulse/telemetry-server/internal/tfms90"
)

func buildIMEIPacket(imei string) []byte {
	out := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	copy(out[2:], imei)
	return out
}

func buildCodec8ERecord(lat, lon float64, speed uint16) []byte {
	var rec []byte
	tsBuf := make([]byte, 8)
	binary.BigEndian.PutUint64(tsBuf, 1700000000000)
	rec = append(rec, tsBuf...)
	rec = append(rec, 0x01)

	lonBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lonBuf, uint32(int32(lon*1e7)))
	rec = append(rec, lonBuf...)
	latBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(latBuf, uint32(int32(lat*1e7)))
	rec = append(rec, latBuf...)
	rec = append(rec, 0x00, 0x00, 0x00, 0x00, 0x05)
	speedBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(speedBuf, speed)
	rec = append(rec, speedBuf...)

	rec = append(rec, 0x00, 0xEF, 0x00, 0x01)
	rec = append(rec, 0x00, 0x01, 0x00, 0xEF, 0x01)
	rec = append(rec, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00)

	var packet []byte
	packet = append(packet, 0x00, 0x00, 0x00, 0x00)
	lenBuf := make([]byte, 4)
	binary.BigEndian.PutUint32(lenBuf, uint32(len(rec)+2))
	packet = append(packet, lenBuf...)
	packet = append(packet, 0x8E, 0x01)
	packet = append(packet, rec...)
	packet = append(packet, 0x01, 0x00, 0x00, 0x00, 0x00)
	return packet
}

func TestTeltonikaIMEIAcceptAndRecord(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := registry.NewMemRegistry()
	snk := sink.NewMemSink()
	aliases := tfms90.NewAliasTable()
	h := New(serverConn, 4096, 0, reg, snk, aliases)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	client := bufio.NewReader(clientConn)

	imei := "352094087456789"
	if _, err := clientConn.Write(buildIMEIPacket(imei)); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 1)
	if _, err := client.Read(reply); err != nil {
		t.Fatal(err)
	}
	if reply[0] != 0x01 {
		t.Fatalf("expected 0x01 accept, got %x", reply[0])
	}

	packet := buildCodec8ERecord(55.123456, 25.987654, 42)
	if _, err := clientConn.Write(packet); err != nil {
		t.Fatal(err)
	}

	ack := make([]byte, 4)
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := client.Read(ack); err != nil {
		t.Fatal(err)
	}
	if ack[0] != 0 || ack[1] != 0 || ack[2] != 0 || ack[3] != 1 {
		t.Fatalf("expected ack 00000001, got %x", ack)
	}

	clientConn.Close()
	<-done

	records := snk.All()
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].DeviceID != imei {
		t.Fatalf("device id mismatch: %s", records[0].DeviceID)
	}
	if records[0].Ignition == nil || !*records[0].Ignition {
		t.Fatalf("expected ignition true")
	}
}

func TestTFMS90LoginRejectsUnknownIMEI(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := registry.NewMemRegistry()
	snk := sink.NewMemSink()
	aliases := tfms90.NewAliasTable()
	h := New(serverConn, 4096, 0, reg, snk, aliases)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	line := "$,0,LG,000,999999999999999,2.0.1,8997,#?\n"
	if _, err := clientConn.Write([]byte(line)); err != nil {
		t.Fatal(err)
	}

	clientConn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
	buf := make([]byte, 64)
	n, err := clientConn.Read(buf)
	if err == nil && n > 0 {
		t.Fatalf("expected no ACK for unprovisioned device, got %q", buf[:n])
	}

	<-done
	if len(snk.All()) != 0 {
		t.Fatal("expected no telemetry persisted for rejected login")
	}
}

func TestTFMS90LoginThenTracking(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	defer clientConn.Close()

	reg := registry.NewMemRegistry()
	imei := "867762040399039"
	reg.Seed(&telemetry.Device{DeviceID: imei, IMEI: imei, Protocol: telemetry.ProtocolTFMS90})
	snk := sink.NewMemSink()
	aliases := tfms90.NewAliasTable()
	h := New(serverConn, 4096, 0, reg, snk, aliases)

	done := make(chan struct{})
	go func() {
		h.Run(context.Background())
		close(done)
	}()

	client := bufio.NewReader(clientConn)

	login := "$,0,LG,000,867762040399039,2.0.1,8997,#?\n"
	if _, err := clientConn.Write([]byte(login)); err != nil {
		t.Fatal(err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	ackLine, err := client.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if ackLine != "$,0,ACK,100,#?\n" {
		t.Fatalf("unexpected login ack: %q", ackLine)
	}

	td := "$,0,TD,100,1,2A3B4C5D,12.971600,77.594600,30,90,8,0.8,40.0,15000,01,a,b,12.4,#?\n"
	if _, err := clientConn.Write([]byte(td)); err != nil {
		t.Fatal(err)
	}
	clientConn.SetReadDeadline(time.Now().Add(2 * time.Second))
	dataAck, err := client.ReadString('\n')
	if err != nil {
		t.Fatal(err)
	}
	if dataAck != "$,0,ACK,100,1,#?\n" {
		t.Fatalf("unexpected data ack: %q", dataAck)
	}

	clientConn.Close()
	<-done

	records := snk.All()
	if len(records) != 1 {
		t.Fatalf("expected 1 persisted record, got %d", len(records))
	}
	if records[0].FuelLevel == nil || *records[0].FuelLevel != 40.0 {
		t.Fatalf("expected fuel 40.0, got %v", records[0].FuelLevel)
	}
}
