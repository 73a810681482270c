package gss

import (
	"encoding/binary"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// UnwrapIntegrity decodes and verifies an rpc_gss_integ_data call body (RFC
// 2203 Section 5.3.3.4.2):
//
//	struct rpc_gss_integ_data {
//	    opaque databody_integ<>;  // XDR(seq_num) + procedure args
//	    opaque checksum<>;        // MIC over databody_integ
//	};
//
// The seq_num embedded in databody_integ must match credSeqNum (dual
// validation, RFC 2203 Section 5.3.3.4.2); the MIC is verified with
// KeyUsageInitiatorSign since the request travels client-to-server.
func UnwrapIntegrity(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(requestBody))

	databodyInteg, err := dec.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("decode databody_integ: %w", err)
	}
	checksumBytes, err := dec.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("decode checksum: %w", err)
	}

	var micToken gssapi.MICToken
	if err := micToken.Unmarshal(checksumBytes, false); err != nil {
		return nil, 0, fmt.Errorf("unmarshal MIC token: %w", err)
	}
	micToken.Payload = databodyInteg

	ok, err := micToken.Verify(sessionKey, KeyUsageInitiatorSign)
	if err != nil {
		return nil, 0, fmt.Errorf("verify MIC: %w", err)
	}
	if !ok {
		return nil, 0, fmt.Errorf("integrity MIC verification failed")
	}

	if len(databodyInteg) < 4 {
		return nil, 0, fmt.Errorf("databody_integ too short for seq_num: %d bytes", len(databodyInteg))
	}
	bodySeqNum := binary.BigEndian.Uint32(databodyInteg[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return databodyInteg[4:], bodySeqNum, nil
}

// WrapIntegrity encodes replyBody as rpc_gss_integ_data for a reply sent
// under rpc_gss_svc_integrity: the sequence number is prefixed to the body
// and the MIC is computed with KeyUsageAcceptorSign.
func WrapIntegrity(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	databodyInteg := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(databodyInteg[0:4], seqNum)
	copy(databodyInteg[4:], replyBody)

	micToken := gssapi.MICToken{
		Flags:     gssapi.MICTokenFlagSentByAcceptor,
		SndSeqNum: uint64(seqNum),
		Payload:   databodyInteg,
	}
	if err := micToken.SetChecksum(sessionKey, KeyUsageAcceptorSign); err != nil {
		return nil, fmt.Errorf("compute integrity MIC: %w", err)
	}
	micBytes, err := micToken.Marshal()
	if err != nil {
		return nil, fmt.Errorf("marshal integrity MIC: %w", err)
	}

	buf := xdr.NewBuffer(len(databodyInteg) + len(micBytes) + 16)
	enc := xdr.NewEncoder(buf)
	if err := enc.EncodeOpaque(databodyInteg); err != nil {
		return nil, fmt.Errorf("encode databody_integ: %w", err)
	}
	if err := enc.EncodeOpaque(micBytes); err != nil {
		return nil, fmt.Errorf("encode checksum: %w", err)
	}
	return buf.Bytes(), nil
}
