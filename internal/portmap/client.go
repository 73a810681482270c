package portmap

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// defaultTimeout bounds how long a single portmap RPC waits for a reply,
// matching the teacher's fixed 5s deadline on its own portmap server's
// connection handling.
const defaultTimeout = 5 * time.Second

// maxReplySize caps a single portmap reply: these messages are a handful
// of uint32 fields or, for DUMP, a short list of them, never more than a
// few hundred bytes in practice.
const maxReplySize = 1 << 16

// Client issues SET/UNSET/GETPORT/DUMP calls (RFC 1833 Section 3) against a
// portmapper at a fixed address, over either TCP or UDP.
type Client struct {
	address string
	network string // "tcp" or "udp"
	timeout time.Duration
	nextXID atomic.Uint32
}

// NewClient creates a Client that dials address ("host:port") over network
// ("tcp" or "udp") for each call. network defaults to "tcp" if empty.
func NewClient(address, network string) *Client {
	if network == "" {
		network = "tcp"
	}
	c := &Client{address: address, network: network, timeout: defaultTimeout}
	c.nextXID.Store(1)
	return c
}

// WithTimeout returns a copy of c using the given per-call timeout.
func (c *Client) WithTimeout(d time.Duration) *Client {
	clone := *c
	clone.timeout = d
	return &clone
}

// Set registers m with the portmapper, returning whether the registration
// succeeded (RFC 1833 Section 3: false only on resource exhaustion or a
// malformed request, since any existing mapping for the same key is simply
// replaced).
func (c *Client) Set(ctx context.Context, m Mapping) (bool, error) {
	dec, err := c.call(ctx, ProcSet, func(enc *xdr.Encoder) error { return encodeMapping(enc, m) })
	if err != nil {
		return false, err
	}
	return decodeBoolResult(dec)
}

// Unset removes the registration for (m.Program, m.Version, m.Protocol);
// m.Port is ignored by the wire protocol. Returns whether a mapping
// existed and was removed.
func (c *Client) Unset(ctx context.Context, m Mapping) (bool, error) {
	dec, err := c.call(ctx, ProcUnset, func(enc *xdr.Encoder) error { return encodeMapping(enc, m) })
	if err != nil {
		return false, err
	}
	return decodeBoolResult(dec)
}

// GetPort resolves (program, version, protocol) to its registered port, or
// 0 if no such mapping exists.
func (c *Client) GetPort(ctx context.Context, program, version, protocol uint32) (uint32, error) {
	query := Mapping{Program: program, Version: version, Protocol: protocol}
	dec, err := c.call(ctx, ProcGetport, func(enc *xdr.Encoder) error { return encodeMapping(enc, query) })
	if err != nil {
		return 0, err
	}
	port, err := dec.DecodeUint32()
	if err != nil {
		return 0, fmt.Errorf("decode port: %w", err)
	}
	return port, nil
}

// Dump returns every mapping currently registered with the portmapper.
func (c *Client) Dump(ctx context.Context) ([]Mapping, error) {
	dec, err := c.call(ctx, ProcDump, func(*xdr.Encoder) error { return nil })
	if err != nil {
		return nil, err
	}
	return decodeDumpResult(dec)
}

// Null pings the portmapper, succeeding iff it is reachable and responsive.
func (c *Client) Null(ctx context.Context) error {
	_, err := c.call(ctx, ProcNull, func(*xdr.Encoder) error { return nil })
	return err
}

// call sends one RPC call carrying AUTH_NONE credentials, built by
// encodeArgs, and returns a decoder positioned at the start of the
// procedure-specific result data of a SUCCESS accepted reply. Any other
// outcome (PROG_UNAVAIL, denied, transport failure) is returned as an
// error.
func (c *Client) call(ctx context.Context, procedure uint32, encodeArgs func(*xdr.Encoder) error) (*xdr.Decoder, error) {
	xid := c.nextXID.Add(1)

	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	header := &rpc.CallHeader{
		XID:        xid,
		Program:    Program,
		Version:    Version,
		Procedure:  procedure,
		Credential: rpc.AuthNoneVerifier,
		Verifier:   rpc.AuthNoneVerifier,
	}
	if err := rpc.EncodeCallHeader(enc, header); err != nil {
		return nil, fmt.Errorf("encode call header: %w", err)
	}
	if err := encodeArgs(enc); err != nil {
		return nil, fmt.Errorf("encode args: %w", err)
	}
	body := buf.Bytes()

	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, c.network, c.address)
	if err != nil {
		return nil, fmt.Errorf("dial portmapper %s: %w", c.address, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("set deadline: %w", err)
	}

	replyBody, err := c.roundTrip(conn, body)
	if err != nil {
		return nil, err
	}

	replyDec := xdr.NewDecoder(xdr.WrapBuffer(replyBody))
	reply, err := rpc.DecodeReplyHeader(replyDec)
	if err != nil {
		return nil, fmt.Errorf("decode reply header: %w", err)
	}
	if reply.XID != xid {
		return nil, fmt.Errorf("portmap: reply xid 0x%x does not match call xid 0x%x", reply.XID, xid)
	}
	if reply.Stat != rpc.MsgAccepted {
		return nil, fmt.Errorf("portmap: call denied, reject_stat=%d", reply.Denied.Stat)
	}
	if reply.Accepted.Stat != rpc.Success {
		return nil, fmt.Errorf("portmap: call not successful, accept_stat=%d", reply.Accepted.Stat)
	}
	return replyDec, nil
}

// roundTrip writes body to conn and returns the reply's raw bytes, framing
// it per RFC 5531 Appendix A for TCP or treating the connection as one
// complete datagram per call for UDP.
func (c *Client) roundTrip(conn net.Conn, body []byte) ([]byte, error) {
	if c.network == "udp" {
		if _, err := conn.Write(body); err != nil {
			return nil, fmt.Errorf("write call: %w", err)
		}
		buf := make([]byte, maxReplySize)
		n, err := conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		return buf[:n], nil
	}

	if _, err := conn.Write(rpc.EncodeRecord(body, 0)); err != nil {
		return nil, fmt.Errorf("write call: %w", err)
	}

	framer := rpc.NewTCPFramer(maxReplySize)
	readBuf := make([]byte, 4096)
	var record []byte
	for record == nil {
		n, err := conn.Read(readBuf)
		if err != nil {
			return nil, fmt.Errorf("read reply: %w", err)
		}
		if err := framer.Feed(readBuf[:n], func(r []byte) error {
			record = append([]byte(nil), r...)
			return nil
		}); err != nil {
			return nil, fmt.Errorf("frame reply: %w", err)
		}
	}
	return record, nil
}
