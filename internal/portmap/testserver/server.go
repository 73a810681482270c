// Package testserver provides an in-process portmapper double for
// integration tests, grounded on the teacher's embedded portmapper
// (internal/protocol/portmap.Server): the same dual TCP/UDP accept loops,
// built on this module's own C1-C6 packages instead of hand-rolled framing.
package testserver

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/portmap"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

const (
	acceptTimeout  = 5 * time.Second
	udpReadTimeout = 500 * time.Millisecond
	maxMessageSize = 1 << 16
)

// Server is a minimal portmapper listening on both TCP and UDP, backed by a
// portmap.Registry. It exists for tests exercising portmap.Client and
// rpc/server's self-registration against something other than a live
// system rpcbind daemon.
type Server struct {
	registry *portmap.Registry

	dispatcher *rpc.Dispatcher

	tcpListener net.Listener
	udpConn     *net.UDPConn

	shutdown     chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewServer creates a Server backed by registry. If registry is nil, a
// fresh empty one is created.
func NewServer(registry *portmap.Registry) *Server {
	if registry == nil {
		registry = portmap.NewRegistry()
	}

	rpcRegistry := rpc.NewRegistry()
	rpcRegistry.Register(
		rpc.ProgramKey{Program: portmap.Program, Version: portmap.Version},
		portmap.NewHandler(registry),
	)

	return &Server{
		registry:   registry,
		dispatcher: rpc.NewDispatcher(rpcRegistry, nil, 128),
		shutdown:   make(chan struct{}),
	}
}

// Serve listens on addr (e.g. "127.0.0.1:0" for an ephemeral port chosen by
// the OS) for both TCP and UDP, blocking until ctx is cancelled or Stop is
// called.
func (s *Server) Serve(ctx context.Context, addr string) error {
	tcpListener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen tcp %s: %w", addr, err)
	}
	s.tcpListener = tcpListener

	udpAddr, err := net.ResolveUDPAddr("udp", s.tcpListener.Addr().String())
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("resolve udp %s: %w", addr, err)
	}
	udpConn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		_ = s.tcpListener.Close()
		return fmt.Errorf("listen udp %s: %w", addr, err)
	}
	s.udpConn = udpConn

	s.wg.Add(2)
	go s.serveTCP()
	go s.serveUDP()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	s.wg.Wait()
	return nil
}

// Addr returns the TCP listener address, or "" if not yet serving.
func (s *Server) Addr() string {
	if s.tcpListener == nil {
		return ""
	}
	return s.tcpListener.Addr().String()
}

// UDPAddr returns the UDP listener address, or "" if not yet serving.
func (s *Server) UDPAddr() string {
	if s.udpConn == nil {
		return ""
	}
	return s.udpConn.LocalAddr().String()
}

// Stop closes both listeners, unblocking Serve.
func (s *Server) Stop() {
	s.shutdownOnce.Do(func() {
		close(s.shutdown)
		if s.tcpListener != nil {
			_ = s.tcpListener.Close()
		}
		if s.udpConn != nil {
			_ = s.udpConn.Close()
		}
	})
}

func (s *Server) serveTCP() {
	defer s.wg.Done()
	for {
		conn, err := s.tcpListener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
			default:
				logger.Debug("portmap testserver: accept error", "error", err)
			}
			return
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handleTCPConn(conn)
		}()
	}
}

func (s *Server) handleTCPConn(conn net.Conn) {
	defer conn.Close()
	addr := conn.RemoteAddr().String()

	if err := conn.SetDeadline(time.Now().Add(acceptTimeout)); err != nil {
		return
	}

	framer := rpc.NewTCPFramer(maxMessageSize)
	readBuf := make([]byte, 4096)
	for {
		n, err := conn.Read(readBuf)
		if err != nil {
			return
		}
		var replied bool
		if err := framer.Feed(readBuf[:n], func(record []byte) error {
			reply, ok := s.processMessage(record, addr)
			if !ok {
				return nil
			}
			_, werr := conn.Write(rpc.EncodeRecord(reply, 0))
			replied = true
			return werr
		}); err != nil {
			logger.Debug("portmap testserver: framing error", "client", addr, "error", err)
			return
		}
		if replied {
			return
		}
	}
}

func (s *Server) serveUDP() {
	defer s.wg.Done()
	buf := make([]byte, maxMessageSize)
	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.udpConn.SetReadDeadline(time.Now().Add(udpReadTimeout)); err != nil {
			return
		}
		n, clientAddr, err := s.udpConn.ReadFromUDP(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				continue
			}
		}

		msg := append([]byte(nil), buf[:n]...)
		reply, ok := s.processMessage(msg, clientAddr.String())
		if !ok {
			continue
		}
		_, _ = s.udpConn.WriteToUDP(reply, clientAddr)
	}
}

// processMessage decodes an RPC call and dispatches it, returning the
// reply bytes and false if the message could not even be parsed as a call
// (in which case RFC 5531 defines no reply).
func (s *Server) processMessage(data []byte, clientAddr string) ([]byte, bool) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(data))
	call, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		logger.Debug("portmap testserver: decode call error", "client", clientAddr, "error", err)
		return nil, false
	}

	reply, err := s.dispatcher.Dispatch(context.Background(), call, dec)
	if err != nil {
		logger.Debug("portmap testserver: dispatch error", "client", clientAddr, "error", err)
		return nil, false
	}
	return reply, true
}
