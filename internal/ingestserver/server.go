// Package ingestserver is the TCP accept loop (component H): it owns the
// listening endpoint and spawns one ingest.Handler goroutine per accepted
// connection, enforcing the global connection cap and coordinating
// graceful shutdown.
package ingestserver

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/fleetpulse/telemetry-server/internal/config"
	"github.com/fleetpulse/telemetry-server/internal/ingest"
	"github.com/fleetpulse/telemetry-server/internal/obs"
	"github.com/fleetpulse/telemetry-server/internal/registry"
	"github.com/fleetpulse/telemetry-server/internal/sink"
	"github.com/fleetpulse/telemetry-server/internal/tfms90"
	"go.uber.org/zap"
)

// Server accepts TCP connections on one multiplexed endpoint (Teltonika
// and TFMS90 share a port; the sniffer inside each handler discriminates).
type Server struct {
	settings config.Settings
	registry registry.Registry
	sink     sink.Sink
	aliases  *tfms90.AliasTable

	listener net.Listener
	wg       sync.WaitGroup
	mu       sync.Mutex
	active   map[string]net.Conn
}

// New builds a Server bound to the given registry and sink ports.
func New(settings config.Settings, reg registry.Registry, snk sink.Sink) *Server {
	return &Server{
		settings: settings,
		registry: reg,
		sink:     snk,
		aliases:  tfms90.NewAliasTable(),
		active:   make(map[string]net.Conn),
	}
}

// Start binds the listener and blocks until a shutdown signal arrives or
// the listener is closed, mirroring the teacher's signal-driven
// Start/Shutdown split. Other accept errors are logged and accepting
// continues.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.settings.TCPHost, s.settings.TCPPort)

	obs.Info("starting telemetry ingestion server",
		zap.String("addr", addr),
		zap.Int("buffer_size", s.settings.BufferSize),
		zap.Int("max_connections", s.settings.MaxConnections),
	)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("ingestserver: listen: %w", err)
	}
	s.listener = listener

	obs.Info("server listening", zap.String("addr", addr))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		errChan <- s.acceptConnections()
	}()

	select {
	case <-sigChan:
		obs.Info("shutdown signal received, stopping server")
		return s.Shutdown(context.Background())
	case err := <-errChan:
		return err
	}
}

func (s *Server) acceptConnections() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if opErr, ok := err.(*net.OpError); ok && opErr.Err.Error() == "use of closed network connection" {
				return nil
			}
			obs.Error("accept failed", zap.Error(err))
			continue
		}

		if s.GetActiveConnections() >= s.settings.MaxConnections {
			obs.Warn("connection cap reached, rejecting", zap.String("remote_addr", conn.RemoteAddr().String()))
			_ = conn.Close()
			continue
		}

		remoteAddr := conn.RemoteAddr().String()
		s.mu.Lock()
		s.active[remoteAddr] = conn
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				s.mu.Lock()
				delete(s.active, remoteAddr)
				s.mu.Unlock()
			}()

			idle := time.Duration(s.settings.IdleTimeoutSec) * time.Second
			handler := ingest.New(conn, s.settings.BufferSize, idle, s.registry, s.sink, s.aliases)
			handler.Run(context.Background())
		}()
	}
}

// Shutdown stops accepting new connections, closes every active connection
// so in-flight reads unblock, and waits (bounded) for all handler
// goroutines to exit. Idempotent and safe to call once.
func (s *Server) Shutdown(ctx context.Context) error {
	obs.Info("shutting down server")

	if s.listener != nil {
		if err := s.listener.Close(); err != nil {
			obs.Error("error closing listener", zap.Error(err))
		}
	}

	s.mu.Lock()
	for addr, conn := range s.active {
		obs.Info("closing active connection", zap.String("remote_addr", addr))
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		obs.Info("all connections closed gracefully")
	case <-ctx.Done():
		obs.Warn("shutdown context cancelled, forcing close")
	case <-time.After(10 * time.Second):
		obs.Warn("shutdown timeout after 10 seconds, forcing close")
	}

	obs.Sync()
	return nil
}

// GetActiveConnections returns the number of connections currently handled.
func (s *Server) GetActiveConnections() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}
