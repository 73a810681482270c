// Package gss implements RPCSEC_GSS (RFC 2203) over the krb5 GSS-API
// mechanism (RFC 4121): credential/context establishment, the sliding
// sequence window, and the integrity/privacy data transforms, wired as an
// auth.Filter for the dispatcher's auth pipeline.
package gss

import (
	"fmt"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// RPCGSSVers1 is the only defined RPCSEC_GSS credential version.
const RPCGSSVers1 uint32 = 1

// RPCSEC_GSS procedure values (gss_proc field of the credential, RFC 2203
// Section 5.3.1).
const (
	RPCGSSData         uint32 = 0
	RPCGSSInit         uint32 = 1
	RPCGSSContinueInit uint32 = 2
	RPCGSSDestroy      uint32 = 3
)

// RPCSEC_GSS service levels (RFC 2203 Section 5.3.1).
const (
	RPCGSSSvcNone      uint32 = 1
	RPCGSSSvcIntegrity uint32 = 2
	RPCGSSSvcPrivacy   uint32 = 3
)

// MAXSEQ is the ceiling on a sequence number (RFC 2203 Section 5.3.3.1).
const MAXSEQ uint32 = 0x80000000

// GSS-API major status codes this package produces (RFC 2743
// Section 1.2.1.1).
const (
	GSSComplete        uint32 = 0
	GSSContinueNeeded   uint32 = 1
	GSSDefectiveCred    uint32 = 2
)

// RFC 4121 Section 2 key usage values for krb5 MIC/Wrap tokens.
const (
	KeyUsageAcceptorSeal  uint32 = 22
	KeyUsageAcceptorSign  uint32 = 23
	KeyUsageInitiatorSeal uint32 = 24
	KeyUsageInitiatorSign uint32 = 25
)

// maxHandleLength bounds a credential's context handle, independent of the
// buffer it's decoded from.
const maxHandleLength = 1024

// Credential is the decoded RPCSEC_GSS credential body (rpc_gss_cred_t,
// RFC 2203 Section 5.3.1), carried in a call's OpaqueAuth.Body when its
// flavor is rpc.AuthRPCSECGSS.
type Credential struct {
	GSSProc uint32
	SeqNum  uint32
	Service uint32
	Handle  []byte
}

// ParseCredential decodes an RPCSEC_GSS credential body.
func ParseCredential(body []byte) (*Credential, error) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(body))

	version, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode version: %w", err)
	}
	if version != RPCGSSVers1 {
		return nil, fmt.Errorf("unsupported RPCSEC_GSS version %d", version)
	}

	cred := &Credential{}
	if cred.GSSProc, err = dec.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("decode gss_proc: %w", err)
	}
	if cred.SeqNum, err = dec.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("decode seq_num: %w", err)
	}
	if cred.Service, err = dec.DecodeUint32(); err != nil {
		return nil, fmt.Errorf("decode service: %w", err)
	}

	length, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode handle length: %w", err)
	}
	if length > maxHandleLength {
		return nil, fmt.Errorf("%w: handle length %d exceeds %d", xdr.ErrGarbageArgs, length, maxHandleLength)
	}
	if cred.Handle, err = dec.DecodeOpaqueFixed(int(length)); err != nil {
		return nil, fmt.Errorf("decode handle: %w", err)
	}

	return cred, nil
}

// EncodeCredential encodes cred as an RPCSEC_GSS credential body.
func EncodeCredential(cred *Credential) ([]byte, error) {
	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	if err := enc.EncodeUint32(RPCGSSVers1); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(cred.GSSProc); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(cred.SeqNum); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(cred.Service); err != nil {
		return nil, err
	}
	if err := enc.EncodeOpaque(cred.Handle); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// InitResult is the server's response to an INIT/CONTINUE_INIT call
// (rpc_gss_init_res, RFC 2203 Section 5.2.3.1).
type InitResult struct {
	Handle    []byte
	GSSMajor  uint32
	GSSMinor  uint32
	SeqWindow uint32
	GSSToken  []byte
}

// EncodeInitResult encodes res as the reply body of an INIT/CONTINUE_INIT
// call.
func EncodeInitResult(res *InitResult) ([]byte, error) {
	buf := xdr.NewBuffer(128)
	enc := xdr.NewEncoder(buf)
	if err := enc.EncodeOpaque(res.Handle); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(res.GSSMajor); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(res.GSSMinor); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(res.SeqWindow); err != nil {
		return nil, err
	}
	if err := enc.EncodeOpaque(res.GSSToken); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
