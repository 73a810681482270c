package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"runtime/debug"
	"time"

	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/transport"
	"github.com/oncrpc-go/rpcd/internal/xdr"
	"github.com/oncrpc-go/rpcd/pkg/bufpool"
)

// serveTCP accepts connections until the listener is closed by shutdown.
func (s *Server) serveTCP() {
	for {
		if s.connSemaphore != nil {
			select {
			case s.connSemaphore <- struct{}{}:
			case <-s.shutdown:
				return
			}
		}

		s.listenerMu.RLock()
		listener := s.tcpListener
		s.listenerMu.RUnlock()

		conn, err := listener.Accept()
		if err != nil {
			if s.connSemaphore != nil {
				<-s.connSemaphore
			}
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("error accepting connection", "error", err)
				continue
			}
		}

		s.activeConns.Add(1)
		s.connCount.Add(1)
		addr := conn.RemoteAddr().String()
		s.activeConnections.Store(addr, conn)
		s.metrics.RecordConnectionAccepted()
		logger.Debug("connection accepted", "address", addr, "active", s.connCount.Load())

		go func() {
			defer func() {
				s.activeConnections.Delete(addr)
				s.activeConns.Done()
				s.connCount.Add(-1)
				if s.connSemaphore != nil {
					<-s.connSemaphore
				}
				s.metrics.RecordConnectionClosed()
				logger.Debug("connection closed", "address", addr, "active", s.connCount.Load())
			}()
			tcpConn{server: s, conn: conn}.serve(s.shutdownCtx)
		}()
	}
}

// tcpConn handles one TCP connection: a single decode/dispatch/reply
// pipeline serialized end to end, matching spec.md's concurrency model
// (no concurrent requests within one connection; parallelism comes from
// one goroutine per connection, and from the UDP worker pool).
type tcpConn struct {
	server *Server
	conn   transport.Connection
}

func (c tcpConn) serve(ctx context.Context) {
	defer c.handleClose()

	addr := c.conn.RemoteAddr().String()
	if c.server.config.Timeouts.Idle > 0 {
		_ = c.conn.SetDeadline(time.Now().Add(c.server.config.Timeouts.Idle))
	}

	framer := rpc.NewTCPFramer(int(c.server.config.MaxRecordSize))
	readBuf := bufpool.Get(bufpool.DefaultSmallSize)
	defer bufpool.Put(readBuf)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.server.shutdown:
			return
		default:
		}

		if c.server.config.Timeouts.Read > 0 {
			if err := c.conn.SetReadDeadline(time.Now().Add(c.server.config.Timeouts.Read)); err != nil {
				return
			}
		}

		n, err := c.conn.Read(readBuf)
		if err != nil {
			if err == io.EOF {
				logger.Debug("connection closed by client", "address", addr)
			} else if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				logger.Debug("connection timed out", "address", addr)
			} else {
				logger.Debug("error reading request", "address", addr, "error", err)
			}
			return
		}

		var fatal error
		if ferr := framer.Feed(readBuf[:n], func(record []byte) error {
			return c.handleRecord(ctx, append([]byte(nil), record...))
		}); ferr != nil {
			fatal = ferr
		}
		if fatal != nil {
			c.server.metrics.RecordFramingError()
			logger.Debug("framing error", "address", addr, "error", fatal)
			return
		}

		if c.server.config.Timeouts.Idle > 0 {
			_ = c.conn.SetDeadline(time.Now().Add(c.server.config.Timeouts.Idle))
		}
	}
}

// handleRecord decodes one complete record-marked RPC message, dispatches
// it, and writes the reply. A decode failure at the header level (bad
// rpcvers, non-CALL message) is handled per RFC 5531 without closing the
// connection; everything past that is delegated to dispatchCall.
func (c tcpConn) handleRecord(ctx context.Context, record []byte) error {
	defer c.handlePanic(c.conn.RemoteAddr().String())

	dec := xdr.NewDecoder(xdr.WrapBuffer(record))
	call, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		var versionErr *rpc.VersionMismatchError
		if errors.As(err, &versionErr) {
			return c.writeReply(rpc.NewRPCMismatchReply(versionErr.XID))
		}
		var notCallErr *rpc.NotCallError
		if errors.As(err, &notCallErr) {
			logger.Debug("dropping non-call message", "xid", notCallErr.XID)
			return nil
		}
		logger.Debug("error decoding call header", "error", err)
		return nil
	}

	reply, err := dispatchCall(ctx, c.server, call, dec)
	if err != nil {
		logger.Debug("error processing request", "xid", fmt.Sprintf("0x%x", call.XID), "error", err)
		return nil
	}
	if reply == nil {
		return nil
	}
	return c.writeBytes(reply)
}

func (c tcpConn) writeReply(reply *rpc.ReplyMessage) error {
	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	if err := rpc.EncodeReplyHeader(enc, reply); err != nil {
		return err
	}
	return c.writeBytes(buf.Bytes())
}

func (c tcpConn) writeBytes(body []byte) error {
	if c.server.config.Timeouts.Write > 0 {
		if err := c.conn.SetWriteDeadline(time.Now().Add(c.server.config.Timeouts.Write)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	record := rpc.EncodeRecord(body, 0)
	if _, err := c.conn.Write(record); err != nil {
		return fmt.Errorf("write reply: %w", err)
	}
	return nil
}

func (c tcpConn) handleClose() {
	if r := recover(); r != nil {
		logger.Error("panic in connection handler", "address", c.conn.RemoteAddr().String(), "error", r, "stack", string(debug.Stack()))
	}
	_ = c.conn.Close()
}

func (c tcpConn) handlePanic(addr string) {
	if r := recover(); r != nil {
		logger.Error("panic in request handler", "address", addr, "error", r, "stack", string(debug.Stack()))
	}
}
