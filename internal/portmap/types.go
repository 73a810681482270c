// Package portmap implements an RFC 1833 portmapper client: the NULL
// procedure and the four compatibility procedures (SET/UNSET/GETPORT/DUMP)
// carried over
// program 100000 version 2, used by internal/rpc/server.Server to
// self-register its listening ports and by any other client that needs to
// resolve an RPC program to a port.
package portmap

// Program and version identify the portmapper itself as an RPC program
// (RFC 1833 Section 3, retained from RFC 1057's portmap v2 for backward
// compatibility, which is the only version this client speaks).
const (
	Program uint32 = 100000
	Version uint32 = 2
)

// Procedure numbers for portmap v2 (RFC 1833 Section 3). CALLIT (5) is
// deliberately not exposed by this client: it forwards calls through the
// portmapper to another program, a capability this package's callers never
// need and that RFC 1833 itself recommends restricting.
const (
	ProcNull    uint32 = 0
	ProcSet     uint32 = 1
	ProcUnset   uint32 = 2
	ProcGetport uint32 = 3
	ProcDump    uint32 = 4
)

// Protocol identifiers for the prot field of a Mapping, the IPPROTO_TCP/UDP
// values RFC 1833 mandates.
const (
	ProtoTCP uint32 = 6
	ProtoUDP uint32 = 17
)

// Mapping is one (program, version, protocol) -> port registration (RFC
// 1833 Section 3, struct mapping).
type Mapping struct {
	Program  uint32
	Version  uint32
	Protocol uint32
	Port     uint32
}
