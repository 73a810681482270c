package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpc-go/rpcd/internal/rpc"
)

// ComputeReplyVerifier computes the RPCSEC_GSS reply verifier for a DATA
// call: the MIC of the XDR-encoded sequence number (RFC 2203 Section
// 5.3.3.2), proving the server holds the session key.
func ComputeReplyVerifier(sessionKey types.EncryptionKey, seqNum uint32) ([]byte, error) {
	seqBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(seqBytes, seqNum)

	micToken := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   seqBytes,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("compute MIC for reply verifier: %w", err)
	}
	micBytes, err := micToken.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal MIC token: %w", err)
	}
	return micBytes, nil
}

// WrapReplyVerifier wraps mic into the OpaqueAuth carried as an RPCSEC_GSS
// reply verifier (flavor RPCSEC_GSS).
func WrapReplyVerifier(mic []byte) rpc.OpaqueAuth {
	return rpc.OpaqueAuth{Flavor: rpc.AuthRPCSECGSS, Body: mic}
}

// ComputeInitVerifier computes the reply verifier for a successful
// INIT/CONTINUE_INIT response: the MIC of the XDR-encoded sequence window
// size (RFC 2203 Section 5.3.3.2). hasAcceptorSubkey must be set when the
// established context uses an acceptor subkey, so the client's MIC
// verification uses the matching key.
func ComputeInitVerifier(sessionKey types.EncryptionKey, seqWindow uint32, hasAcceptorSubkey bool) ([]byte, error) {
	winBytes := make([]byte, 4)
	binary.BigEndian.PutUint32(winBytes, seqWindow)

	var flags byte = gssapi.MICTokenFlagSentByAcceptor
	if hasAcceptorSubkey {
		flags |= gssapi.MICTokenFlagAcceptorSubkey
	}

	micToken := gssapi.MICToken{
		Flags:     flags,
		SndSeqNum: 0,
		Payload:   winBytes,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("compute MIC for INIT verifier: %w", err)
	}
	micBytes, err := micToken.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal MIC token: %w", err)
	}
	return micBytes, nil
}
