package server

import (
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/portmap"
	"github.com/oncrpc-go/rpcd/internal/portmap/testserver"
	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

const (
	testProgram = 100001
	testVersion = 1
	testProc    = 0
)

// echoHandler decodes one uint32 argument and writes it back unchanged,
// mirroring internal/rpc's own echoHandler test helper.
func echoHandler(_ context.Context, _ uint32, dec *xdr.Decoder, enc *xdr.Encoder) (rpc.AcceptStat, error) {
	v, err := dec.DecodeUint32()
	if err != nil {
		return rpc.GarbageArgs, err
	}
	if err := enc.EncodeUint32(v); err != nil {
		return rpc.SystemErr, err
	}
	return rpc.Success, nil
}

func newTestServer(t *testing.T, cfg Config) *Server {
	t.Helper()
	reg := rpc.NewRegistry()
	reg.Register(rpc.ProgramKey{Program: testProgram, Version: testVersion}, echoHandler)
	dispatcher := rpc.NewDispatcher(reg, nil, 64)

	pipeline := auth.NewPipeline()
	pipeline.Register(rpc.AuthNone, auth.NoneFilter{})

	return New(cfg, dispatcher, pipeline, nil)
}

// encodeEchoCall builds the wire bytes of one AUTH_NONE call to
// (testProgram, testVersion, testProc) carrying a single uint32 argument.
func encodeEchoCall(t *testing.T, xid, arg uint32) []byte {
	t.Helper()
	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	call := &rpc.CallHeader{
		XID:        xid,
		Program:    testProgram,
		Version:    testVersion,
		Procedure:  testProc,
		Credential: rpc.AuthNoneVerifier,
		Verifier:   rpc.AuthNoneVerifier,
	}
	require.NoError(t, rpc.EncodeCallHeader(enc, call))
	require.NoError(t, enc.EncodeUint32(arg))
	return buf.Bytes()
}

// decodeEchoReply parses a SUCCESS accepted reply carrying a single
// echoed-back uint32, failing the test on any other outcome.
func decodeEchoReply(t *testing.T, wire []byte) uint32 {
	t.Helper()
	dec := xdr.NewDecoder(xdr.WrapBuffer(wire))
	reply, err := rpc.DecodeReplyHeader(dec)
	require.NoError(t, err)
	require.Equal(t, rpc.MsgAccepted, reply.Stat)
	require.Equal(t, rpc.Success, reply.Accepted.Stat)
	v, err := dec.DecodeUint32()
	require.NoError(t, err)
	return v
}

func TestServer_TCPRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{TCPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Write(rpc.EncodeRecord(encodeEchoCall(t, 1, 42), 0))
	require.NoError(t, err)

	framer := rpc.NewTCPFramer(1 << 16)
	readBuf := make([]byte, 4096)
	var record []byte
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	for record == nil {
		n, err := conn.Read(readBuf)
		require.NoError(t, err)
		require.NoError(t, framer.Feed(readBuf[:n], func(r []byte) error {
			record = append([]byte(nil), r...)
			return nil
		}))
	}

	assert.Equal(t, uint32(42), decodeEchoReply(t, record))

	cancel()
	require.NoError(t, <-serveDone)
}

func TestServer_TCPMultipleCallsSameConnection(t *testing.T) {
	srv := newTestServer(t, Config{TCPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	framer := rpc.NewTCPFramer(1 << 16)
	readBuf := make([]byte, 4096)

	readOneRecord := func() []byte {
		var record []byte
		for record == nil {
			n, err := conn.Read(readBuf)
			require.NoError(t, err)
			require.NoError(t, framer.Feed(readBuf[:n], func(r []byte) error {
				record = append([]byte(nil), r...)
				return nil
			}))
		}
		return record
	}

	for i, arg := range []uint32{1, 2, 3} {
		_, err := conn.Write(rpc.EncodeRecord(encodeEchoCall(t, uint32(i+1), arg), 0))
		require.NoError(t, err)
		assert.Equal(t, arg, decodeEchoReply(t, readOneRecord()))
	}

	cancel()
	require.NoError(t, <-serveDone)
}

func TestServer_UDPRoundTrip(t *testing.T) {
	srv := newTestServer(t, Config{UDPAddr: "127.0.0.1:0", UDPWorkers: 2})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	var udpAddr string
	require.Eventually(t, func() bool {
		srv.listenerMu.RLock()
		defer srv.listenerMu.RUnlock()
		if srv.udpConn == nil {
			return false
		}
		udpAddr = srv.udpConn.LocalAddr().String()
		return true
	}, time.Second, time.Millisecond)

	conn, err := net.Dial("udp", udpAddr)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	_, err = conn.Write(encodeEchoCall(t, 9, 7))
	require.NoError(t, err)

	readBuf := make([]byte, 4096)
	n, err := conn.Read(readBuf)
	require.NoError(t, err)
	assert.Equal(t, uint32(7), decodeEchoReply(t, readBuf[:n]))

	cancel()
	require.NoError(t, <-serveDone)
}

func TestServer_UnknownProgramReturnsProgUnavail(t *testing.T) {
	srv := newTestServer(t, Config{TCPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	call := &rpc.CallHeader{
		XID: 3, Program: 999999, Version: 1, Procedure: 0,
		Credential: rpc.AuthNoneVerifier, Verifier: rpc.AuthNoneVerifier,
	}
	require.NoError(t, rpc.EncodeCallHeader(enc, call))
	_, err = conn.Write(rpc.EncodeRecord(buf.Bytes(), 0))
	require.NoError(t, err)

	framer := rpc.NewTCPFramer(1 << 16)
	readBuf := make([]byte, 4096)
	var record []byte
	for record == nil {
		n, err := conn.Read(readBuf)
		require.NoError(t, err)
		require.NoError(t, framer.Feed(readBuf[:n], func(r []byte) error {
			record = append([]byte(nil), r...)
			return nil
		}))
	}

	dec := xdr.NewDecoder(xdr.WrapBuffer(record))
	reply, err := rpc.DecodeReplyHeader(dec)
	require.NoError(t, err)
	assert.Equal(t, rpc.ProgUnavail, reply.Accepted.Stat)

	cancel()
	require.NoError(t, <-serveDone)
}

func TestServer_UnknownAuthFlavorRejected(t *testing.T) {
	srv := newTestServer(t, Config{TCPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.SetDeadline(time.Now().Add(2*time.Second)))

	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	call := &rpc.CallHeader{
		XID: 4, Program: testProgram, Version: testVersion, Procedure: testProc,
		Credential: rpc.OpaqueAuth{Flavor: 12345},
		Verifier:   rpc.AuthNoneVerifier,
	}
	require.NoError(t, rpc.EncodeCallHeader(enc, call))
	require.NoError(t, enc.EncodeUint32(1))
	_, err = conn.Write(rpc.EncodeRecord(buf.Bytes(), 0))
	require.NoError(t, err)

	framer := rpc.NewTCPFramer(1 << 16)
	readBuf := make([]byte, 4096)
	var record []byte
	for record == nil {
		n, err := conn.Read(readBuf)
		require.NoError(t, err)
		require.NoError(t, framer.Feed(readBuf[:n], func(r []byte) error {
			record = append([]byte(nil), r...)
			return nil
		}))
	}

	dec := xdr.NewDecoder(xdr.WrapBuffer(record))
	reply, err := rpc.DecodeReplyHeader(dec)
	require.NoError(t, err)
	require.Equal(t, rpc.MsgDenied, reply.Stat)
	assert.Equal(t, rpc.AuthErr, reply.Denied.Stat)
	assert.Equal(t, rpc.AuthBadCred, reply.Denied.Why)

	cancel()
	require.NoError(t, <-serveDone)
}

// TestServer_ShutdownInterruptsBlockedConnection exercises
// interruptBlockingReads: a connection blocked in Read must unblock and the
// per-connection goroutine exit promptly once shutdown begins, instead of
// Serve hanging until the connection's own idle timeout.
func TestServer_ShutdownInterruptsBlockedConnection(t *testing.T) {
	srv := newTestServer(t, Config{TCPAddr: "127.0.0.1:0"})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	conn, err := net.Dial("tcp", srv.Addr())
	require.NoError(t, err)
	defer conn.Close()

	cancel()

	select {
	case err := <-serveDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after ctx was cancelled")
	}
}

// TestServer_SelfRegistersAndDeregistersWithPortmap exercises
// PortmapRegistration end to end against the real testserver.Server
// portmapper double: Serve must SET a mapping for its bound TCP port on
// startup and UNSET it again once shutdown begins.
func TestServer_SelfRegistersAndDeregistersWithPortmap(t *testing.T) {
	pm := testserver.NewServer(nil)
	pmCtx, pmCancel := context.WithCancel(context.Background())
	defer pmCancel()
	pmDone := make(chan error, 1)
	go func() { pmDone <- pm.Serve(pmCtx, "127.0.0.1:0") }()
	require.Eventually(t, func() bool { return pm.Addr() != "" }, time.Second, time.Millisecond)

	client := portmap.NewClient(pm.Addr(), "tcp")

	const (
		selfProgram = 100002
		selfVersion = 1
	)
	srv := newTestServer(t, Config{
		TCPAddr: "127.0.0.1:0",
		Portmap: &PortmapRegistration{Client: client, Program: selfProgram, Version: selfVersion},
	})

	ctx, cancel := context.WithCancel(context.Background())
	serveDone := make(chan error, 1)
	go func() { serveDone <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool { return srv.Addr() != "" }, time.Second, time.Millisecond)

	_, portStr, err := net.SplitHostPort(srv.Addr())
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		port, err := client.GetPort(context.Background(), selfProgram, selfVersion, portmap.ProtoTCP)
		return err == nil && port != 0 && portStr == fmt.Sprintf("%d", port)
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-serveDone)

	require.Eventually(t, func() bool {
		port, err := client.GetPort(context.Background(), selfProgram, selfVersion, portmap.ProtoTCP)
		return err == nil && port == 0
	}, 2*time.Second, 10*time.Millisecond)

	pmCancel()
	require.NoError(t, <-pmDone)
}
