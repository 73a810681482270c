package rpc

import (
	"fmt"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// maxCredentialBodyLength mirrors RFC 5531's 400-octet ceiling on an
// opaque_auth body and is enforced on both the credential and the verifier.
const maxCredentialBodyLength = maxAuthBodyLength

// decodeOpaqueAuth reads one opaque_auth structure: a flavor enum followed
// by a variable-length opaque body capped at 400 octets (RFC 5531
// Section 8.2).
func decodeOpaqueAuth(dec *xdr.Decoder) (OpaqueAuth, error) {
	flavor, err := dec.DecodeUint32()
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("decode auth flavor: %w", err)
	}
	length, err := dec.DecodeUint32()
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("decode auth body length: %w", err)
	}
	if length > maxCredentialBodyLength {
		return OpaqueAuth{}, fmt.Errorf("%w: auth body length %d exceeds %d", xdr.ErrGarbageArgs, length, maxCredentialBodyLength)
	}
	if length == 0 {
		return OpaqueAuth{Flavor: flavor}, nil
	}
	body, err := dec.DecodeOpaqueFixed(int(length))
	if err != nil {
		return OpaqueAuth{}, fmt.Errorf("decode auth body: %w", err)
	}
	return OpaqueAuth{Flavor: flavor, Body: body}, nil
}

// encodeOpaqueAuth writes one opaque_auth structure.
func encodeOpaqueAuth(enc *xdr.Encoder, a OpaqueAuth) error {
	if err := enc.EncodeUint32(a.Flavor); err != nil {
		return err
	}
	return enc.EncodeOpaque(a.Body)
}

// EncodeCallHeader writes the fixed-format prefix of an RPC call message
// for call (RFC 5531 Section 8.1, call_body); the caller writes the
// procedure-specific arguments immediately afterward on the same Encoder.
// This is the client-side counterpart of DecodeCallHeader, used by
// internal/portmap.Client and any other RPC client built on this package.
func EncodeCallHeader(enc *xdr.Encoder, call *CallHeader) error {
	if err := enc.EncodeUint32(call.XID); err != nil {
		return fmt.Errorf("encode xid: %w", err)
	}
	if err := enc.EncodeUint32(uint32(MsgCall)); err != nil {
		return fmt.Errorf("encode msg_type: %w", err)
	}
	if err := enc.EncodeUint32(RPCVersion); err != nil {
		return fmt.Errorf("encode rpcvers: %w", err)
	}
	if err := enc.EncodeUint32(call.Program); err != nil {
		return fmt.Errorf("encode prog: %w", err)
	}
	if err := enc.EncodeUint32(call.Version); err != nil {
		return fmt.Errorf("encode vers: %w", err)
	}
	if err := enc.EncodeUint32(call.Procedure); err != nil {
		return fmt.Errorf("encode proc: %w", err)
	}
	if err := encodeOpaqueAuth(enc, call.Credential); err != nil {
		return fmt.Errorf("encode cred: %w", err)
	}
	return encodeOpaqueAuth(enc, call.Verifier)
}

// DecodeReplyHeader reads a full reply_body, leaving the decoder positioned
// at the start of the procedure-specific result data for an accepted
// SUCCESS reply. This is the client-side counterpart of EncodeReplyHeader.
func DecodeReplyHeader(dec *xdr.Decoder) (*ReplyMessage, error) {
	xid, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode xid: %w", err)
	}
	msgType, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode msg_type: %w", err)
	}
	if MsgType(msgType) != MsgReply {
		return nil, fmt.Errorf("rpc: message xid 0x%x is not a reply", xid)
	}
	stat, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode reply_stat: %w", err)
	}

	reply := &ReplyMessage{XID: xid, Stat: ReplyStat(stat)}
	switch reply.Stat {
	case MsgAccepted:
		verf, err := decodeOpaqueAuth(dec)
		if err != nil {
			return nil, fmt.Errorf("decode verf: %w", err)
		}
		acceptStat, err := dec.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("decode accept_stat: %w", err)
		}
		accepted := &AcceptedReply{Verifier: verf, Stat: AcceptStat(acceptStat)}
		if accepted.Stat == ProgMismatch {
			low, err := dec.DecodeUint32()
			if err != nil {
				return nil, err
			}
			high, err := dec.DecodeUint32()
			if err != nil {
				return nil, err
			}
			accepted.Mismatch = VersionRange{Low: low, High: high}
		}
		reply.Accepted = accepted

	case MsgDenied:
		rejectStat, err := dec.DecodeUint32()
		if err != nil {
			return nil, fmt.Errorf("decode reject_stat: %w", err)
		}
		denied := &RejectedReply{Stat: RejectStat(rejectStat)}
		switch denied.Stat {
		case RPCMismatch:
			low, err := dec.DecodeUint32()
			if err != nil {
				return nil, err
			}
			high, err := dec.DecodeUint32()
			if err != nil {
				return nil, err
			}
			denied.Mismatch = VersionRange{Low: low, High: high}
		case AuthErr:
			why, err := dec.DecodeUint32()
			if err != nil {
				return nil, err
			}
			denied.Why = AuthStat(why)
		}
		reply.Denied = denied

	default:
		return nil, fmt.Errorf("rpc: unknown reply_stat %d", stat)
	}
	return reply, nil
}

// DecodeCallHeader reads the fixed-format prefix of an RPC call message,
// leaving the decoder positioned at the start of the procedure-specific
// argument body (RFC 5531 Section 8.1, call_body).
//
// If the decoded rpcvers is not 2, a *VersionMismatchError is returned
// carrying the xid, since an RPC_MISMATCH reply still requires it. If the
// message is not a CALL, a *NotCallError is returned, also carrying the
// xid, for a caller that wants to log it; RFC 5531 defines no reply for a
// non-call message, so the connection-level caller should simply drop it.
func DecodeCallHeader(dec *xdr.Decoder) (*CallHeader, error) {
	xid, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode xid: %w", err)
	}
	msgType, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode msg_type: %w", err)
	}
	if MsgType(msgType) != MsgCall {
		return nil, &NotCallError{XID: xid}
	}
	rpcvers, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode rpcvers: %w", err)
	}
	if rpcvers != RPCVersion {
		return nil, &VersionMismatchError{XID: xid}
	}

	program, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode prog: %w", err)
	}
	version, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode vers: %w", err)
	}
	procedure, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode proc: %w", err)
	}
	cred, err := decodeOpaqueAuth(dec)
	if err != nil {
		return nil, fmt.Errorf("decode cred: %w", err)
	}
	verf, err := decodeOpaqueAuth(dec)
	if err != nil {
		return nil, fmt.Errorf("decode verf: %w", err)
	}

	return &CallHeader{
		XID:        xid,
		Program:    program,
		Version:    version,
		Procedure:  procedure,
		Credential: cred,
		Verifier:   verf,
	}, nil
}

// EncodeReplyHeader writes the full reply_body for msg except, for an
// accepted SUCCESS reply, the procedure-specific result data: the caller
// writes that separately (via the same or a different Encoder) and the
// transport layer concatenates the two byte ranges. Every other outcome
// (PROG_UNAVAIL, PROG_MISMATCH, PROC_UNAVAIL, GARBAGE_ARGS, SYSTEM_ERR, and
// every MSG_DENIED case) is fully self-contained in this header.
func EncodeReplyHeader(enc *xdr.Encoder, r *ReplyMessage) error {
	if err := enc.EncodeUint32(r.XID); err != nil {
		return fmt.Errorf("encode xid: %w", err)
	}
	if err := enc.EncodeUint32(uint32(MsgReply)); err != nil {
		return fmt.Errorf("encode msg_type: %w", err)
	}
	if err := enc.EncodeUint32(uint32(r.Stat)); err != nil {
		return fmt.Errorf("encode reply_stat: %w", err)
	}

	switch r.Stat {
	case MsgAccepted:
		a := r.Accepted
		if err := encodeOpaqueAuth(enc, a.Verifier); err != nil {
			return fmt.Errorf("encode verf: %w", err)
		}
		if err := enc.EncodeUint32(uint32(a.Stat)); err != nil {
			return fmt.Errorf("encode accept_stat: %w", err)
		}
		if a.Stat == ProgMismatch {
			if err := enc.EncodeUint32(a.Mismatch.Low); err != nil {
				return err
			}
			if err := enc.EncodeUint32(a.Mismatch.High); err != nil {
				return err
			}
		}
		return nil

	case MsgDenied:
		d := r.Denied
		if err := enc.EncodeUint32(uint32(d.Stat)); err != nil {
			return fmt.Errorf("encode reject_stat: %w", err)
		}
		switch d.Stat {
		case RPCMismatch:
			if err := enc.EncodeUint32(d.Mismatch.Low); err != nil {
				return err
			}
			if err := enc.EncodeUint32(d.Mismatch.High); err != nil {
				return err
			}
		case AuthErr:
			if err := enc.EncodeUint32(uint32(d.Why)); err != nil {
				return err
			}
		}
		return nil

	default:
		return fmt.Errorf("rpc: unknown reply_stat %d", r.Stat)
	}
}
