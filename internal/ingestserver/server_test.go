package ingestserver

import (
	"context"
	"encoding/binary"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/config"
	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/sink"
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port
	l.Close()
	return port
}

func imeiPacket(imei string) []byte {
	out := make([]byte, 2+len(imei))
	binary.BigEndian.PutUint16(out, uint16(len(imei)))
	copy(out[2:], imei)
	return out
}

func TestServerAcceptsAndEnforcesConnectionCap(t *testing.T) {
	port := freePort(t)
	settings := config.Settings{
		TCPHost:        "127.0.0.1",
		TCPPort:        port,
		BufferSize:     4096,
		MaxConnections: 1,
		IdleTimeoutSec: 0,
	}
	reg := registry.NewMemRegistry()
	snk := sink.NewMemSink()
	srv := New(settings, reg, snk)

	errChan := make(chan error, 1)
	go func() {
		errChan <- srv.Start()
	}()

	addr := "127.0.0.1:" + strconv.Itoa(port)

	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", addr)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("could not dial server: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(imeiPacket("352094087456789")); err != nil {
		t.Fatal(err)
	}
	reply := make([]byte, 1)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(reply); err != nil {
		t.Fatalf("expected accept reply: %v", err)
	}

	time.Sleep(100 * time.Millisecond)
	if got := srv.GetActiveConnections(); got != 1 {
		t.Fatalf("expected 1 active connection, got %d", got)
	}

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatal(err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(1 * time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatal("expected the capped second connection to be closed immediately")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
}
