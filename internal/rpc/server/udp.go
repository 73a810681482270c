package server

import (
	"context"
	"errors"
	"net"
	"runtime/debug"
	"sync"
	"time"

	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
	"github.com/oncrpc-go/rpcd/pkg/bufpool"
)

// udpReadTimeout bounds how long ReadFrom blocks between shutdown checks.
const udpReadTimeout = 500 * time.Millisecond

// datagram is one received UDP message paired with the address to reply to.
type datagram struct {
	data []byte
	addr net.Addr
}

// WorkerPool dispatches UDP datagrams across a fixed number of goroutines:
// unlike TCP, where the connection itself serializes requests, UDP has no
// per-client connection to serialize on, so spec.md's concurrency model
// calls for a bounded pool instead (sized by Config.UDPWorkers /
// WorkerThreadCount).
type WorkerPool struct {
	jobs chan datagram
	wg   sync.WaitGroup
}

// NewWorkerPool starts n goroutines, each running handle for every job
// submitted via Submit.
func NewWorkerPool(n int, handle func(datagram)) *WorkerPool {
	if n <= 0 {
		n = 4
	}
	p := &WorkerPool{jobs: make(chan datagram, n*4)}
	p.wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer p.wg.Done()
			for job := range p.jobs {
				func() {
					defer func() {
						if r := recover(); r != nil {
							logger.Error("panic in udp worker", "error", r, "stack", string(debug.Stack()))
						}
					}()
					handle(job)
				}()
			}
		}()
	}
	return p
}

// Submit enqueues job, blocking if every worker is busy and the queue is
// full.
func (p *WorkerPool) Submit(job datagram) {
	p.jobs <- job
}

// Close stops accepting new jobs and waits for in-flight ones to finish.
func (p *WorkerPool) Close() {
	close(p.jobs)
	p.wg.Wait()
}

func (s *Server) serveUDP() {
	pool := NewWorkerPool(s.config.UDPWorkers, func(d datagram) {
		s.handleDatagram(s.shutdownCtx, d)
	})
	defer pool.Close()

	buf := bufpool.Get(int(s.config.MaxRecordSize))
	defer bufpool.Put(buf)

	for {
		select {
		case <-s.shutdown:
			return
		default:
		}

		if err := s.udpConn.SetReadDeadline(time.Now().Add(udpReadTimeout)); err != nil {
			return
		}
		n, addr, err := s.udpConn.ReadFrom(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				continue
			}
			select {
			case <-s.shutdown:
				return
			default:
				logger.Debug("udp read error", "error", err)
				continue
			}
		}

		data := make([]byte, n)
		copy(data, buf[:n])
		pool.Submit(datagram{data: data, addr: addr})
	}
}

func (s *Server) handleDatagram(ctx context.Context, d datagram) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(d.data))
	call, err := rpc.DecodeCallHeader(dec)
	if err != nil {
		var versionErr *rpc.VersionMismatchError
		if errors.As(err, &versionErr) {
			reply, encErr := encodeReply(rpc.NewRPCMismatchReply(versionErr.XID), nil)
			if encErr != nil {
				logger.Debug("error encoding udp rpc mismatch reply", "client", d.addr, "error", encErr)
				return
			}
			if _, err := s.udpConn.WriteTo(reply, d.addr); err != nil {
				logger.Debug("error writing udp reply", "client", d.addr, "error", err)
			}
			return
		}
		logger.Debug("error decoding udp call header", "client", d.addr, "error", err)
		return
	}

	reply, err := dispatchCall(ctx, s, call, dec)
	if err != nil {
		logger.Debug("error processing udp request", "client", d.addr, "error", err)
		return
	}
	if reply == nil {
		return
	}
	if _, err := s.udpConn.WriteTo(reply, d.addr); err != nil {
		logger.Debug("error writing udp reply", "client", d.addr, "error", err)
	}
}
