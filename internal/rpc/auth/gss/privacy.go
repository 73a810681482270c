package gss

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpc-go/rpcd/internal/logger"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// rpc_gss_priv_data carries a GSS Wrap token (RFC 4121 Section 4.2.6.2) as
// its sole opaque field. The gokrb5 WrapToken type does not implement
// decryption for the Sealed flag, so the encrypted form is parsed by hand
// per RFC 4121 Section 4.2.4.
const (
	wrapTokenHdrLen = 16

	wrapFlagSentByAcceptor = 0x01
	wrapFlagSealed         = 0x02
	wrapFlagAcceptorSubkey = 0x04
)

// UnwrapPrivacy decodes and decrypts an rpc_gss_priv_data call body (RFC
// 2203 Section 5.3.3.4.3). The seq_num embedded in the decrypted plaintext
// must match credSeqNum (dual validation).
func UnwrapPrivacy(sessionKey types.EncryptionKey, credSeqNum uint32, requestBody []byte) ([]byte, uint32, error) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(requestBody))
	wrapTokenBytes, err := dec.DecodeOpaque()
	if err != nil {
		return nil, 0, fmt.Errorf("decode databody_priv: %w", err)
	}

	if len(wrapTokenBytes) < wrapTokenHdrLen {
		return nil, 0, fmt.Errorf("wrap token too short: %d bytes, need at least %d", len(wrapTokenBytes), wrapTokenHdrLen)
	}
	if wrapTokenBytes[0] != 0x05 || wrapTokenBytes[1] != 0x04 {
		return nil, 0, fmt.Errorf("invalid Wrap token ID: 0x%02x%02x, expected 0x0504", wrapTokenBytes[0], wrapTokenBytes[1])
	}

	flags := wrapTokenBytes[2]
	ec := binary.BigEndian.Uint16(wrapTokenBytes[4:6])
	rrc := binary.BigEndian.Uint16(wrapTokenBytes[6:8])
	sndSeqNum := binary.BigEndian.Uint64(wrapTokenBytes[8:16])

	logger.Debug("wrap token header parsed",
		"flags", fmt.Sprintf("0x%02x", flags),
		"sealed", flags&wrapFlagSealed != 0,
		"ec", ec,
		"rrc", rrc,
		"snd_seq_num", sndSeqNum,
	)

	if flags&wrapFlagSentByAcceptor != 0 {
		return nil, 0, fmt.Errorf("unexpected acceptor flag set: expecting token from initiator")
	}

	var plaintext []byte
	if flags&wrapFlagSealed != 0 {
		ciphertext := wrapTokenBytes[wrapTokenHdrLen:]
		if rrc > 0 && len(ciphertext) > 0 {
			ciphertext = rotateLeft(ciphertext, int(rrc))
		}

		decrypted, err := crypto.DecryptMessage(ciphertext, sessionKey, KeyUsageInitiatorSeal)
		if err != nil {
			return nil, 0, fmt.Errorf("decrypt Wrap token: %w", err)
		}

		logger.Debug("decrypted wrap token payload",
			"decrypted_len", len(decrypted),
			"first_16", hex.EncodeToString(firstN(decrypted, 16)),
			"last_16", hex.EncodeToString(lastN(decrypted, 16)),
		)

		// Per RFC 4121 Section 4.2.4, the decrypted content is
		// plaintext | filler | header_copy, with header_copy's EC/RRC
		// zeroed for the checksum calculation.
		if len(decrypted) < wrapTokenHdrLen {
			return nil, 0, fmt.Errorf("decrypted data too short for header: %d bytes", len(decrypted))
		}
		headerCopy := decrypted[len(decrypted)-wrapTokenHdrLen:]

		expectedHeader := make([]byte, wrapTokenHdrLen)
		copy(expectedHeader, wrapTokenBytes[:wrapTokenHdrLen])
		binary.BigEndian.PutUint16(expectedHeader[4:6], 0)
		binary.BigEndian.PutUint16(expectedHeader[6:8], 0)

		if !bytes.Equal(headerCopy[:2], expectedHeader[:2]) {
			return nil, 0, fmt.Errorf("header_copy token ID mismatch: got %s, expected %s",
				hex.EncodeToString(headerCopy[:2]), hex.EncodeToString(expectedHeader[:2]))
		}
		if headerCopy[2] != expectedHeader[2] {
			return nil, 0, fmt.Errorf("header_copy flags mismatch: got 0x%02x, expected 0x%02x", headerCopy[2], expectedHeader[2])
		}
		if copySeqNum := binary.BigEndian.Uint64(headerCopy[8:16]); copySeqNum != sndSeqNum {
			return nil, 0, fmt.Errorf("header_copy seq_num mismatch: got %d, expected %d", copySeqNum, sndSeqNum)
		}

		fillerSize := int(ec)
		plaintextEnd := len(decrypted) - wrapTokenHdrLen - fillerSize
		if plaintextEnd < 0 {
			return nil, 0, fmt.Errorf("invalid EC value %d: would make plaintext negative", ec)
		}
		plaintext = decrypted[:plaintextEnd]
	} else {
		var wrapToken gssapi.WrapToken
		if err := wrapToken.Unmarshal(wrapTokenBytes, false); err != nil {
			return nil, 0, fmt.Errorf("unmarshal non-sealed Wrap token: %w", err)
		}
		ok, err := wrapToken.Verify(sessionKey, KeyUsageInitiatorSeal)
		if err != nil {
			return nil, 0, fmt.Errorf("verify non-sealed Wrap token: %w", err)
		}
		if !ok {
			return nil, 0, fmt.Errorf("non-sealed Wrap token verification failed")
		}
		plaintext = wrapToken.Payload
	}

	if len(plaintext) < 4 {
		return nil, 0, fmt.Errorf("plaintext too short for seq_num: %d bytes", len(plaintext))
	}
	bodySeqNum := binary.BigEndian.Uint32(plaintext[0:4])
	if bodySeqNum != credSeqNum {
		return nil, 0, fmt.Errorf("seq_num mismatch: credential=%d, body=%d", credSeqNum, bodySeqNum)
	}

	return plaintext[4:], bodySeqNum, nil
}

// rotateLeft rotates data left by n positions, undoing the RRC rotation
// applied by the sender.
func rotateLeft(data []byte, n int) []byte {
	if len(data) == 0 || n <= 0 {
		return data
	}
	n = n % len(data)
	if n == 0 {
		return data
	}
	result := make([]byte, len(data))
	copy(result, data[n:])
	copy(result[len(data)-n:], data[:n])
	return result
}

func firstN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[:n]
}

func lastN(b []byte, n int) []byte {
	if len(b) < n {
		return b
	}
	return b[len(b)-n:]
}

// WrapPrivacy encrypts replyBody as rpc_gss_priv_data for a reply sent
// under rpc_gss_svc_privacy: the sequence number is prefixed to the body,
// the result sealed with the session key, and wrapped in a GSS Wrap token
// (RFC 4121 Section 4.2.4) with EC=0 and RRC=0.
func WrapPrivacy(sessionKey types.EncryptionKey, seqNum uint32, replyBody []byte) ([]byte, error) {
	plaintext := make([]byte, 4+len(replyBody))
	binary.BigEndian.PutUint32(plaintext[0:4], seqNum)
	copy(plaintext[4:], replyBody)

	encType, err := crypto.GetEtype(sessionKey.KeyType)
	if err != nil {
		return nil, fmt.Errorf("get encryption type: %w", err)
	}

	flags := byte(wrapFlagSentByAcceptor | wrapFlagSealed)
	const ec, rrc = uint16(0), uint16(0)

	header := make([]byte, wrapTokenHdrLen)
	header[0], header[1] = 0x05, 0x04
	header[2] = flags
	header[3] = 0xFF
	binary.BigEndian.PutUint16(header[4:6], ec)
	binary.BigEndian.PutUint16(header[6:8], rrc)
	binary.BigEndian.PutUint64(header[8:16], uint64(seqNum))

	headerCopy := make([]byte, wrapTokenHdrLen)
	copy(headerCopy, header)
	binary.BigEndian.PutUint16(headerCopy[4:6], 0)
	binary.BigEndian.PutUint16(headerCopy[6:8], 0)

	toEncrypt := make([]byte, len(plaintext)+wrapTokenHdrLen)
	copy(toEncrypt, plaintext)
	copy(toEncrypt[len(plaintext):], headerCopy)

	_, ciphertext, err := encType.EncryptMessage(sessionKey.KeyValue, toEncrypt, KeyUsageAcceptorSeal)
	if err != nil {
		return nil, fmt.Errorf("encrypt Wrap token: %w", err)
	}

	logger.Debug("privacy reply sealed", "plaintext_len", len(plaintext), "ciphertext_len", len(ciphertext), "seq_num", seqNum)

	wrapTokenBytes := make([]byte, wrapTokenHdrLen+len(ciphertext))
	copy(wrapTokenBytes, header)
	copy(wrapTokenBytes[wrapTokenHdrLen:], ciphertext)

	buf := xdr.NewBuffer(len(wrapTokenBytes) + 8)
	enc := xdr.NewEncoder(buf)
	if err := enc.EncodeOpaque(wrapTokenBytes); err != nil {
		return nil, fmt.Errorf("encode databody_priv: %w", err)
	}
	return buf.Bytes(), nil
}
