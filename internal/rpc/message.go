// Package rpc implements the RFC 5531 (ONC-RPC version 2) message model,
// TCP record-marking framing, and dispatcher that, together with the
// authentication pipeline in internal/rpc/auth,
// form the core of an RPC server: decode a call, verify its credentials,
// route it to a registered (program, version, procedure) handler, and
// encode the reply.
//
// The package intentionally knows nothing about any specific RPC
// application program (NFS, MOUNT, NLM, ...); those are built on top by
// registering a HandlerFunc for a ProgramKey.
package rpc

import "fmt"

// RPCVersion is the only ONC-RPC message version this package understands.
// A call header declaring any other value is rejected with RPC_MISMATCH.
const RPCVersion uint32 = 2

// MsgType distinguishes a Call from a Reply in the second word of every RPC
// message (RFC 5531 Section 8, msg_type).
type MsgType uint32

const (
	MsgCall  MsgType = 0
	MsgReply MsgType = 1
)

// Authentication flavor values (RFC 5531 Section 8.2, and RFC 2203 Section 1
// for RPCSEC_GSS).
const (
	AuthNone     uint32 = 0
	AuthSys      uint32 = 1
	AuthShort    uint32 = 2
	AuthRPCSECGSS uint32 = 6
)

// maxAuthBodyLength is the RFC 5531 ceiling on an opaque_auth body: 400
// octets, independent of how the flavor itself structures its contents.
const maxAuthBodyLength = 400

// OpaqueAuth carries a flavor tag and an opaque body, used for both the
// credential and the verifier fields of a call, and the verifier field of
// an accepted reply (RFC 5531 Section 8.2, opaque_auth).
type OpaqueAuth struct {
	Flavor uint32
	Body   []byte
}

// AuthNoneVerifier is the verifier every non-GSS reply uses: AUTH_NONE
// flavor, empty body.
var AuthNoneVerifier = OpaqueAuth{Flavor: AuthNone}

// ReplyStat discriminates whether a reply was accepted or denied at the RPC
// level (RFC 5531 Section 8.3, reply_stat).
type ReplyStat uint32

const (
	MsgAccepted ReplyStat = 0
	MsgDenied   ReplyStat = 1
)

// AcceptStat is the status of an accepted reply (RFC 5531 Section 8.3.2,
// accept_stat).
type AcceptStat uint32

const (
	// Success indicates the call succeeded; the reply body follows.
	Success AcceptStat = 0
	// ProgUnavail indicates no program matching the call's program number
	// is registered.
	ProgUnavail AcceptStat = 1
	// ProgMismatch indicates the program is registered but not at the
	// requested version; AcceptedReply.Mismatch carries the registered [low, high]
	// version range.
	ProgMismatch AcceptStat = 2
	// ProcUnavail indicates the program/version pair is registered but the
	// procedure number is not.
	ProcUnavail AcceptStat = 3
	// GarbageArgs indicates the procedure's arguments could not be decoded.
	GarbageArgs AcceptStat = 4
	// SystemErr indicates an uncaught internal failure in the handler.
	SystemErr AcceptStat = 5
)

// RejectStat is the status of a denied reply (RFC 5531 Section 8.3.1,
// reject_stat).
type RejectStat uint32

const (
	// RPCMismatch indicates rpcvers was not 2; RejectedReply.Mismatch carries [2, 2].
	RPCMismatch RejectStat = 0
	// AuthErr indicates the credential or verifier was rejected;
	// RejectedReply.Why carries why.
	AuthErr RejectStat = 1
)

// AuthStat enumerates why a credential/verifier was rejected (RFC 5531
// Section 8.4, auth_stat). Only the values this package produces or
// consumes are listed; others pass through opaquely where decoded from the
// wire.
type AuthStat uint32

const (
	AuthOK              AuthStat = 0
	AuthBadCred         AuthStat = 1
	AuthRejectedCred    AuthStat = 2
	AuthBadVerf         AuthStat = 3
	AuthRejectedVerf    AuthStat = 4
	AuthTooWeak         AuthStat = 5
	AuthInvalidResp     AuthStat = 6
	AuthFailed          AuthStat = 7
	RPCSECGSSCredProblem AuthStat = 13
	RPCSECGSSCtxProblem AuthStat = 14
)

// VersionRange describes the [Low, High] inclusive version bounds reported
// by PROG_MISMATCH (program version) or RPC_MISMATCH (rpc version, always
// [2, 2] in this package).
type VersionRange struct {
	Low  uint32
	High uint32
}

// ProgramKey identifies a registered RPC endpoint by program number and
// version, the dispatcher's map key (RFC 5531 Section 8.1).
type ProgramKey struct {
	Program uint32
	Version uint32
}

// String renders the key as "prog/vers" for logging.
func (k ProgramKey) String() string {
	return fmt.Sprintf("%d/%d", k.Program, k.Version)
}

// CallHeader is the decoded fixed-format prefix of an RPC call message,
// positioned just before the procedure-specific argument body (RFC 5531
// Section 8.1, call_body).
type CallHeader struct {
	XID        uint32
	Program    uint32
	Version    uint32
	Procedure  uint32
	Credential OpaqueAuth
	Verifier   OpaqueAuth
}

// Key returns the ProgramKey this call addresses.
func (c *CallHeader) Key() ProgramKey {
	return ProgramKey{Program: c.Program, Version: c.Version}
}

// AcceptedReply is the tail of a reply whose reply_stat is MSG_ACCEPTED
// (RFC 5531 Section 8.3.2, accepted_reply). Stat SUCCESS carries no
// additional fields here: the procedure results are written separately by
// the handler and concatenated after this header by the dispatcher.
// ProgMismatch carries Mismatch; all other stats carry nothing further.
type AcceptedReply struct {
	Verifier OpaqueAuth
	Stat     AcceptStat
	Mismatch VersionRange // only meaningful when Stat == ProgMismatch
}

// RejectedReply is the tail of a reply whose reply_stat is MSG_DENIED (RFC
// 5531 Section 8.3.1, rejected_reply).
type RejectedReply struct {
	Stat     RejectStat
	Mismatch VersionRange // only meaningful when Stat == RPCMismatch
	Why      AuthStat     // only meaningful when Stat == AuthErr
}

// ReplyMessage is the decoded/encoded representation of a full RPC reply:
// the xid correlating it to a call, and exactly one of Accepted or Denied
// depending on Stat.
type ReplyMessage struct {
	XID      uint32
	Stat     ReplyStat
	Accepted *AcceptedReply
	Denied   *RejectedReply
}

// NewAcceptedReply builds a ReplyMessage for a successful or
// handler-reported accept_stat, using the AUTH_NONE verifier unless
// overridden by the caller (RPCSEC_GSS data replies set their own MIC
// verifier after construction).
func NewAcceptedReply(xid uint32, stat AcceptStat) *ReplyMessage {
	return &ReplyMessage{
		XID:  xid,
		Stat: MsgAccepted,
		Accepted: &AcceptedReply{
			Verifier: AuthNoneVerifier,
			Stat:     stat,
		},
	}
}

// NewProgMismatchReply builds a PROG_MISMATCH accepted reply carrying the
// registered version range for the offending program.
func NewProgMismatchReply(xid uint32, versions VersionRange) *ReplyMessage {
	r := NewAcceptedReply(xid, ProgMismatch)
	r.Accepted.Mismatch = versions
	return r
}

// NewRPCMismatchReply builds a denied reply for rpcvers != 2: always
// [2, 2] per this package's supported version.
func NewRPCMismatchReply(xid uint32) *ReplyMessage {
	return &ReplyMessage{
		XID:  xid,
		Stat: MsgDenied,
		Denied: &RejectedReply{
			Stat:     RPCMismatch,
			Mismatch: VersionRange{Low: RPCVersion, High: RPCVersion},
		},
	}
}

// NewAuthErrorReply builds a denied reply rejecting the call's credential
// or verifier for the given reason.
func NewAuthErrorReply(xid uint32, why AuthStat) *ReplyMessage {
	return &ReplyMessage{
		XID:  xid,
		Stat: MsgDenied,
		Denied: &RejectedReply{
			Stat: AuthErr,
			Why:  why,
		},
	}
}
