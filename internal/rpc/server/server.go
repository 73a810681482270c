// Package server is the C7 reference transport adapter: a Server binds the
// C1-C6 packages (xdr, rpc message model, framer, dispatcher, auth
// pipeline) to real TCP and UDP sockets, following the teacher's
// NFSAdapter/NFSConnection lifecycle (accept loop, per-connection
// goroutine, context-driven graceful shutdown, panic recovery) generalized
// away from anything NFS-specific.
package server

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oncrpc-go/rpcd/internal/bytesize"
	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/portmap"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/rpc/transport"
)

// PortmapRegistration configures a Server to self-register with a
// portmapper on Serve and deregister on shutdown, per spec.md's
// registration contract: one SET per (program, version, protocol) the
// Server ends up listening on.
type PortmapRegistration struct {
	Client  *portmap.Client
	Program uint32
	Version uint32
}

// Timeouts groups the per-connection timeouts, mirroring the teacher's
// NFSTimeoutsConfig.
type Timeouts struct {
	Read     time.Duration
	Write    time.Duration
	Idle     time.Duration
	Shutdown time.Duration
}

// Config controls one Server's listening behavior.
type Config struct {
	// TCPAddr and UDPAddr are the addresses to listen on (e.g. ":2049"). An
	// empty address disables that transport.
	TCPAddr string
	UDPAddr string

	// MaxConnections limits concurrent TCP connections; 0 means unlimited.
	MaxConnections int

	// MaxRecordSize bounds a single TCP record-marked message and a single
	// UDP datagram.
	MaxRecordSize bytesize.ByteSize

	// UDPWorkers sizes the worker pool draining the UDP socket; 0 defaults
	// to 4.
	UDPWorkers int

	Timeouts Timeouts

	// Portmap, if non-nil, is used to self-register Serve's bound
	// (program, version, protocol, port) mappings on startup and remove
	// them again during shutdown.
	Portmap *PortmapRegistration
}

func (c *Config) applyDefaults() {
	if c.MaxRecordSize == 0 {
		c.MaxRecordSize = bytesize.ByteSize(1 << 20)
	}
	if c.UDPWorkers == 0 {
		c.UDPWorkers = 4
	}
	if c.Timeouts.Shutdown == 0 {
		c.Timeouts.Shutdown = 30 * time.Second
	}
}

// Server accepts RPC calls over TCP and/or UDP and routes them through a
// Dispatcher after running each call through an auth.Pipeline.
type Server struct {
	config     Config
	dispatcher *rpc.Dispatcher
	pipeline   *auth.Pipeline
	metrics    *rpc.Metrics

	tcpListener transport.Listener
	udpConn     transport.PacketConn

	listenerMu sync.RWMutex

	activeConns        sync.WaitGroup
	connCount          atomic.Int32
	activeConnections  sync.Map // remote addr string -> transport.Connection
	connSemaphore      chan struct{}

	shutdown       chan struct{}
	shutdownOnce   sync.Once
	shutdownCtx    context.Context
	cancelRequests context.CancelFunc

	registeredMappings []portmap.Mapping
}

// New creates a Server. dispatcher routes authenticated calls; pipeline
// authenticates every call's credential before it reaches dispatcher;
// metrics may be nil to disable Prometheus instrumentation.
func New(cfg Config, dispatcher *rpc.Dispatcher, pipeline *auth.Pipeline, metrics *rpc.Metrics) *Server {
	cfg.applyDefaults()

	var connSem chan struct{}
	if cfg.MaxConnections > 0 {
		connSem = make(chan struct{}, cfg.MaxConnections)
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		config:         cfg,
		dispatcher:     dispatcher,
		pipeline:       pipeline,
		metrics:        metrics,
		connSemaphore:  connSem,
		shutdown:       make(chan struct{}),
		shutdownCtx:    shutdownCtx,
		cancelRequests: cancel,
	}
}

// Serve starts whichever of TCP/UDP are configured and blocks until ctx is
// cancelled or Stop is called, at which point it drains in-flight work and
// returns.
func (s *Server) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	if s.config.TCPAddr != "" {
		listener, err := net.Listen("tcp", s.config.TCPAddr)
		if err != nil {
			return fmt.Errorf("listen tcp %s: %w", s.config.TCPAddr, err)
		}
		s.listenerMu.Lock()
		s.tcpListener = transport.NewNetListener(listener)
		s.listenerMu.Unlock()
		logger.Info("rpc server listening", "transport", "tcp", "address", s.config.TCPAddr)
		s.registerWithPortmap(portmap.ProtoTCP, listener.Addr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveTCP()
		}()
	}

	if s.config.UDPAddr != "" {
		udpAddr, err := net.ResolveUDPAddr("udp", s.config.UDPAddr)
		if err != nil {
			return fmt.Errorf("resolve udp %s: %w", s.config.UDPAddr, err)
		}
		udpConn, err := net.ListenUDP("udp", udpAddr)
		if err != nil {
			return fmt.Errorf("listen udp %s: %w", s.config.UDPAddr, err)
		}
		s.udpConn = transport.NewNetPacketConn(udpConn)
		logger.Info("rpc server listening", "transport", "udp", "address", s.config.UDPAddr)
		s.registerWithPortmap(portmap.ProtoUDP, udpConn.LocalAddr())

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveUDP()
		}()
	}

	go func() {
		<-ctx.Done()
		logger.Info("rpc server shutdown signal received", "error", ctx.Err())
		s.initiateShutdown()
	}()

	wg.Wait()
	return s.gracefulShutdown()
}

// Addr returns the TCP listener's address, or "" if TCP is not configured
// or Serve has not yet started it.
func (s *Server) Addr() string {
	s.listenerMu.RLock()
	defer s.listenerMu.RUnlock()
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// Stop initiates graceful shutdown without waiting for it to complete; call
// from outside the goroutine running Serve.
func (s *Server) Stop() {
	s.initiateShutdown()
}

// registerWithPortmap issues a SET for (program, version, protocol, port) if
// Config.Portmap is configured. Failures are logged, not fatal: a server
// unreachable by the portmapper should still serve clients that dial it
// directly.
func (s *Server) registerWithPortmap(protocol uint32, addr net.Addr) {
	if s.config.Portmap == nil {
		return
	}
	_, portStr, err := net.SplitHostPort(addr.String())
	if err != nil {
		logger.Warn("portmap registration: cannot parse bound address", "address", addr, "error", err)
		return
	}
	port, err := strconv.ParseUint(portStr, 10, 32)
	if err != nil {
		logger.Warn("portmap registration: cannot parse bound port", "address", addr, "error", err)
		return
	}

	m := portmap.Mapping{
		Program:  s.config.Portmap.Program,
		Version:  s.config.Portmap.Version,
		Protocol: protocol,
		Port:     uint32(port),
	}
	ok, err := s.config.Portmap.Client.Set(context.Background(), m)
	if err != nil {
		logger.Warn("portmap registration failed", "mapping", m, "error", err)
		return
	}
	if !ok {
		logger.Warn("portmapper rejected registration", "mapping", m)
		return
	}
	logger.Info("registered with portmapper", "mapping", m)
	s.registeredMappings = append(s.registeredMappings, m)
}

// deregisterFromPortmap unsets every mapping registerWithPortmap
// successfully registered, best-effort.
func (s *Server) deregisterFromPortmap() {
	if s.config.Portmap == nil {
		return
	}
	for _, m := range s.registeredMappings {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if _, err := s.config.Portmap.Client.Unset(ctx, m); err != nil {
			logger.Warn("portmap deregistration failed", "mapping", m, "error", err)
		}
		cancel()
	}
}

func (s *Server) initiateShutdown() {
	s.shutdownOnce.Do(func() {
		logger.Debug("rpc server shutdown initiated")
		s.deregisterFromPortmap()
		close(s.shutdown)

		s.listenerMu.Lock()
		if s.tcpListener != nil {
			if err := s.tcpListener.Close(); err != nil {
				logger.Debug("error closing tcp listener", "error", err)
			}
		}
		s.listenerMu.Unlock()
		if s.udpConn != nil {
			if err := s.udpConn.Close(); err != nil {
				logger.Debug("error closing udp listener", "error", err)
			}
		}

		s.interruptBlockingReads()
		s.cancelRequests()
	})
}

// interruptBlockingReads sets a short deadline on every active TCP
// connection so a blocked Read() unblocks promptly instead of waiting out
// the full read timeout.
func (s *Server) interruptBlockingReads() {
	deadline := time.Now().Add(100 * time.Millisecond)
	s.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(transport.Connection); ok {
			if err := conn.SetReadDeadline(deadline); err != nil {
				logger.Debug("error setting shutdown deadline", "address", key, "error", err)
			}
		}
		return true
	})
}

func (s *Server) gracefulShutdown() error {
	active := s.connCount.Load()
	logger.Info("rpc server graceful shutdown: waiting for active connections", "active", active, "timeout", s.config.Timeouts.Shutdown)

	done := make(chan struct{})
	go func() {
		s.activeConns.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("rpc server graceful shutdown complete")
		return nil
	case <-time.After(s.config.Timeouts.Shutdown):
		remaining := s.connCount.Load()
		logger.Warn("rpc server shutdown timeout exceeded, forcing closure", "active", remaining)
		s.forceCloseConnections()
		return fmt.Errorf("rpc server shutdown timeout: %d connections force-closed", remaining)
	}
}

func (s *Server) forceCloseConnections() {
	s.activeConnections.Range(func(key, value any) bool {
		if conn, ok := value.(transport.Connection); ok {
			_ = conn.Close()
		}
		return true
	})
}
