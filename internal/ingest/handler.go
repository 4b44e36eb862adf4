// Package ingest implements the per-connection state machine: sniff the
// protocol, identify the device, run the handshake, then loop
// parse/persist/ack until the connection closes.
package ingest

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/obs"
	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/sink"
	"github.com/fleetpulse/telemetry-server/internal/sniffer"
	"github.com/fleetpulse/telemetry-server/internal/telemetry"
	"github.com/fleetpulse/telemetry-server/internal/teltonika"
	"github.com/fleetpulse/telemetry-server/internal/tfms90"
	"go.uber.org/zap"
)

// ErrUnknownProtocol is the IDENTITY-stage failure for a connection whose
// opening bytes match neither known protocol.
var ErrUnknownProtocol = errors.New("ingest: unknown protocol")

// ErrNotProvisioned is the HANDSHAKE-stage failure for a TFMS90 IMEI that
// is not present in the registry.
var ErrNotProvisioned = errors.New("ingest: device not pre-provisioned")

// ErrNoIdentity is the IDENTIFY-stage failure when a parser cannot extract
// a device identity from the opening bytes.
var ErrNoIdentity = errors.New("ingest: could not identify device")

// Handler owns one accepted connection's exclusive socket for its entire
// lifetime: raw buffer, chosen protocol, device identity, and (for TFMS90)
// the short device id put into every ACK; each ACK's token is taken from
// the frame it answers. Freed when the connection reaches CLOSED.
type Handler struct {
	conn       net.Conn
	remoteAddr string
	bufferSize int
	idleTimeout time.Duration

	registry registry.Registry
	sink     sink.Sink
	aliases  *tfms90.AliasTable

	protocol      sniffer.Protocol
	deviceID      string
	shortDeviceID int
}

// New builds a Handler for a freshly accepted connection. aliases is the
// process-wide TFMS90 short-id table, shared across all handlers.
func New(conn net.Conn, bufferSize int, idleTimeout time.Duration, reg registry.Registry, snk sink.Sink, aliases *tfms90.AliasTable) *Handler {
	return &Handler{
		conn:        conn,
		remoteAddr:  conn.RemoteAddr().String(),
		bufferSize:  bufferSize,
		idleTimeout: idleTimeout,
		registry:    reg,
		sink:        snk,
		aliases:     aliases,
	}
}

// Run drives the full state machine to completion: READ_INIT -> SNIFF ->
// IDENTIFY -> HANDSHAKE -> STEADY -> CLOSED. It always closes the socket on
// every exit path, including a panicking parser (recovered here so one
// connection's fault cannot affect any other).
func (h *Handler) Run(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			obs.Error("connection panicked", zap.String("remote_addr", h.remoteAddr), zap.Any("panic", r))
		}
		_ = h.conn.Close()
		obs.LogConnection(h.remoteAddr, "connection_closed")
	}()

	obs.LogConnection(h.remoteAddr, "connection_accepted")

	reader := bufio.NewReaderSize(h.conn, h.bufferSize)

	first, err := h.readInit(reader)
	if err != nil {
		return
	}

	h.protocol = sniffer.Classify(first)
	if h.protocol == sniffer.Unknown {
		obs.Warn("unknown protocol, closing", zap.String("remote_addr", h.remoteAddr))
		return
	}

	if err := h.identifyAndHandshake(ctx, reader, first); err != nil {
		obs.Error("handshake failed", zap.String("remote_addr", h.remoteAddr), zap.Error(err))
		return
	}

	h.steady(ctx, reader)
}

func (h *Handler) setDeadline() {
	if h.idleTimeout > 0 {
		_ = h.conn.SetReadDeadline(time.Now().Add(h.idleTimeout))
	}
}

// readInit reads up to bufferSize bytes with no framing assumption; an
// empty read closes the connection.
func (h *Handler) readInit(reader *bufio.Reader) ([]byte, error) {
	h.setDeadline()
	buf := make([]byte, h.bufferSize)
	n, err := reader.Read(buf)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("ingest: read_init: %w", errOrEOF(err))
	}
	return buf[:n], nil
}

func errOrEOF(err error) error {
	if err == nil {
		return errors.New("empty read")
	}
	return err
}

// identifyAndHandshake runs IDENTIFY and HANDSHAKE, leaving the handler
// ready for STEADY. For Teltonika, the IMEI reply is written and the next
// frame fetched so STEADY's first iteration processes live telemetry; for
// TFMS90, an LG frame runs the registry lookup and login ACK, a non-LG
// frame is processed at once as a STEADY frame by attributeTFMS90 before
// steady() reads the next one.
func (h *Handler) identifyAndHandshake(ctx context.Context, reader *bufio.Reader, first []byte) error {
	switch h.protocol {
	case sniffer.Teltonika:
		imei := teltonika.IdentifyIMEI(first)
		if imei == "" {
			return ErrNoIdentity
		}
		h.deviceID = imei
		if _, err := h.conn.Write(teltonika.BuildIMEIReply(true)); err != nil {
			return fmt.Errorf("ingest: write imei reply: %w", err)
		}
		if err := h.registry.UpsertDevice(ctx, &telemetry.Device{
			DeviceID: imei,
			Protocol: telemetry.ProtocolTeltonika,
			IsActive: true,
		}); err != nil {
			obs.LogPersist(h.remoteAddr, imei, 0, err)
		}
		return nil

	case sniffer.TFMS90:
		frame, err := tfms90.ParseFrame(string(first))
		if err != nil {
			return fmt.Errorf("ingest: parse tfms90 frame: %w", err)
		}
		if frame.MessageType != "LG" {
			// non-LG first frame: the device must already have a
			// short id attributed from a prior connection's login;
			// attribute by the short id carried in this frame.
			return h.attributeTFMS90(ctx, frame)
		}
		return h.handleLogin(ctx, frame)

	default:
		return ErrUnknownProtocol
	}
}

func (h *Handler) attributeTFMS90(ctx context.Context, frame *tfms90.Frame) error {
	shortID, ok := intFromField(frame.Fields, 3)
	if !ok {
		return ErrNoIdentity
	}
	imei, ok := h.aliases.Lookup(shortID)
	if !ok {
		return ErrNotProvisioned
	}
	h.deviceID = imei
	h.shortDeviceID = shortID
	return h.processSteadyFrame(ctx, frame)
}

func (h *Handler) handleLogin(ctx context.Context, frame *tfms90.Frame) error {
	login, err := tfms90.ParseLogin(frame)
	if err != nil {
		return fmt.Errorf("ingest: parse login: %w", err)
	}
	dev, err := h.registry.GetDeviceByIMEI(ctx, login.IMEI)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNotProvisioned, login.IMEI)
	}

	shortID, err := h.registry.AssignShortDeviceID(ctx, login.IMEI, telemetry.ProtocolTFMS90)
	if err != nil {
		return fmt.Errorf("ingest: assign short device id: %w", err)
	}
	h.aliases.Set(shortID, login.IMEI)
	h.deviceID = login.IMEI
	h.shortDeviceID = shortID

	dev.FirmwareVersion = login.FirmwareVersion
	dev.SIMICCID = login.SIMICCID
	dev.ShortDeviceID = &shortID
	dev.Protocol = telemetry.ProtocolTFMS90
	if err := h.registry.UpsertDevice(ctx, dev); err != nil {
		obs.LogPersist(h.remoteAddr, login.IMEI, 0, err)
	}

	if _, err := h.conn.Write([]byte(tfms90.BuildLoginACK(shortID))); err != nil {
		return fmt.Errorf("ingest: write login ack: %w", err)
	}
	return nil
}

func intFromField(fields []string, i int) (int, bool) {
	if i < 0 || i >= len(fields) {
		return 0, false
	}
	var n int
	if _, err := fmt.Sscanf(fields[i], "%d", &n); err != nil {
		return 0, false
	}
	return n, true
}

// steady is the STEADY loop: read next frame, parse, persist, ack, repeat
// until an empty read closes the connection. Parse errors are logged and
// do not close the connection, per the error handling policy.
func (h *Handler) steady(ctx context.Context, reader *bufio.Reader) {
	for {
		h.setDeadline()
		var line []byte
		var err error
		switch h.protocol {
		case sniffer.Teltonika:
			line, err = readTeltonikaPacket(reader, h.bufferSize)
		case sniffer.TFMS90:
			var s string
			s, err = reader.ReadString('\n')
			line = []byte(strings.TrimRight(s, "\r\n"))
		}
		if err != nil || len(line) == 0 {
			return
		}

		switch h.protocol {
		case sniffer.Teltonika:
			h.processTeltonikaFrame(ctx, line)
		case sniffer.TFMS90:
			frame, ferr := tfms90.ParseFrame(string(line))
			if ferr != nil {
				obs.Warn("malformed tfms90 frame", zap.String("remote_addr", h.remoteAddr), zap.Error(ferr))
				continue
			}
			if err := h.processSteadyFrame(ctx, frame); err != nil {
				obs.Warn("tfms90 frame error", zap.String("remote_addr", h.remoteAddr), zap.Error(err))
			}
		}
	}
}

// readTeltonikaPacket reads one more Codec 8/8E packet. The transport is
// one packet per read for this server (devices send one AVL container per
// write); a production implementation would reassemble on the declared
// data-length field for packets split across TCP segments.
func readTeltonikaPacket(reader *bufio.Reader, bufferSize int) ([]byte, error) {
	buf := make([]byte, bufferSize)
	n, err := reader.Read(buf)
	if err != nil || n == 0 {
		return nil, errOrEOF(err)
	}
	return buf[:n], nil
}

func (h *Handler) processTeltonikaFrame(ctx context.Context, data []byte) {
	result, err := teltonika.ParsePacket(data, h.deviceID)
	if err != nil {
		obs.Warn("teltonika frame dropped", zap.String("remote_addr", h.remoteAddr), zap.Error(err))
		return
	}
	if result.CountMismatch {
		obs.Warn("teltonika record count mismatch",
			zap.String("remote_addr", h.remoteAddr),
			zap.Int("header_count", result.HeaderCount),
			zap.Int("trailer_count", result.TrailerCount))
	}
	if len(result.Records) == 0 {
		return
	}

	if err := h.sink.InsertBatch(ctx, result.Records); err != nil {
		obs.LogPersist(h.remoteAddr, h.deviceID, len(result.Records), err)
		return // no ACK on persistence failure
	}
	obs.LogPersist(h.remoteAddr, h.deviceID, len(result.Records), nil)
	_ = h.registry.UpdateLastSeen(ctx, h.deviceID)

	if _, err := h.conn.Write(teltonika.BuildACK(len(result.Records))); err != nil {
		obs.Error("write ack failed", zap.String("remote_addr", h.remoteAddr), zap.Error(err))
	}
}

func (h *Handler) processSteadyFrame(ctx context.Context, frame *tfms90.Frame) error {
	rec, err := tfms90.ParseDataFrame(frame, h.deviceID)
	if err != nil {
		return err
	}

	n := 0
	if rec != nil {
		if err := h.sink.Insert(ctx, rec); err != nil {
			obs.LogPersist(h.remoteAddr, h.deviceID, 1, err)
			return nil // no ACK on persistence failure
		}
		n = 1
		obs.LogPersist(h.remoteAddr, h.deviceID, 1, nil)
	}
	_ = h.registry.UpdateLastSeen(ctx, h.deviceID)

	ack := tfms90.BuildDataACK(frame.Token, h.shortDeviceID, n)
	if _, err := h.conn.Write([]byte(ack)); err != nil {
		return fmt.Errorf("ingest: write ack: %w", err)
	}
	return nil
}
