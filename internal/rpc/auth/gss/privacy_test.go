package gss

import (
	"encoding/binary"
	"testing"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/gssapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// encodeClientPrivacyRequest builds an rpc_gss_priv_data call body the way a
// client would: a GSS Wrap token (RFC 4121 Section 4.2.4) over
// seq_num || args. With sealed set, the token is encrypted with
// KeyUsageInitiatorSeal and EC=0, RRC=0; otherwise it carries the plaintext
// with a checksum and EC set to the checksum length.
func encodeClientPrivacyRequest(t *testing.T, sealed bool, seqNum uint32, args []byte) []byte {
	t.Helper()

	plaintext := make([]byte, 4+len(args))
	binary.BigEndian.PutUint32(plaintext[0:4], seqNum)
	copy(plaintext[4:], args)

	var wrapTokenBytes []byte
	if sealed {
		encType, err := crypto.GetEtype(testSessionKey().KeyType)
		require.NoError(t, err)

		header := make([]byte, wrapTokenHdrLen)
		header[0], header[1] = 0x05, 0x04
		header[2] = 0x00 // not sent by acceptor, sealed bit set below
		header[2] |= wrapFlagSealed
		header[3] = 0xFF
		binary.BigEndian.PutUint64(header[8:16], uint64(seqNum))

		headerCopy := make([]byte, wrapTokenHdrLen)
		copy(headerCopy, header)

		toEncrypt := make([]byte, 0, len(plaintext)+wrapTokenHdrLen)
		toEncrypt = append(toEncrypt, plaintext...)
		toEncrypt = append(toEncrypt, headerCopy...)

		_, ciphertext, err := encType.EncryptMessage(testSessionKey().KeyValue, toEncrypt, KeyUsageInitiatorSeal)
		require.NoError(t, err)

		wrapTokenBytes = make([]byte, wrapTokenHdrLen+len(ciphertext))
		copy(wrapTokenBytes, header)
		copy(wrapTokenBytes[wrapTokenHdrLen:], ciphertext)
	} else {
		encType, err := crypto.GetEtype(testSessionKey().KeyType)
		require.NoError(t, err)

		wrapToken := gssapi.WrapToken{
			Flags:     0x00,
			EC:        uint16(encType.GetHMACBitLength() / 8),
			SndSeqNum: uint64(seqNum),
			Payload:   plaintext,
		}
		require.NoError(t, wrapToken.SetCheckSum(testSessionKey(), KeyUsageInitiatorSeal))
		marshaled, err := wrapToken.Marshal()
		require.NoError(t, err)
		wrapTokenBytes = marshaled
	}

	buf := xdr.NewBuffer(len(wrapTokenBytes) + 8)
	enc := xdr.NewEncoder(buf)
	require.NoError(t, enc.EncodeOpaque(wrapTokenBytes))
	return buf.Bytes()
}

func TestUnwrapPrivacy_SealedClientRequest(t *testing.T) {
	key := testSessionKey()
	requestBody := encodeClientPrivacyRequest(t, true, 11, []byte("sealed args"))

	args, seqNum, err := UnwrapPrivacy(key, 11, requestBody)
	require.NoError(t, err)
	assert.Equal(t, uint32(11), seqNum)
	assert.Equal(t, []byte("sealed args"), args)
}

func TestUnwrapPrivacy_NonSealedClientRequest(t *testing.T) {
	key := testSessionKey()
	requestBody := encodeClientPrivacyRequest(t, false, 4, []byte("plain wrap args"))

	args, seqNum, err := UnwrapPrivacy(key, 4, requestBody)
	require.NoError(t, err)
	assert.Equal(t, uint32(4), seqNum)
	assert.Equal(t, []byte("plain wrap args"), args)
}

func TestUnwrapPrivacy_RejectsSeqNumMismatch(t *testing.T) {
	key := testSessionKey()
	requestBody := encodeClientPrivacyRequest(t, true, 11, []byte("args"))

	_, _, err := UnwrapPrivacy(key, 12, requestBody)
	assert.Error(t, err)
}

func TestUnwrapPrivacy_RejectsAcceptorSentToken(t *testing.T) {
	key := testSessionKey()
	replyBody, err := WrapPrivacy(key, 1, []byte("reply"))
	require.NoError(t, err)

	// A token built by WrapPrivacy (server reply direction) must never be
	// accepted as a client request.
	_, _, err = UnwrapPrivacy(key, 1, replyBody)
	assert.Error(t, err)
}

func TestWrapPrivacy_ProducesDecryptableReply(t *testing.T) {
	key := testSessionKey()
	replyBody := []byte("reply payload")

	wrapped, err := WrapPrivacy(key, 5, replyBody)
	require.NoError(t, err)

	dec := xdr.NewDecoder(xdr.WrapBuffer(wrapped))
	wrapTokenBytes, err := dec.DecodeOpaque()
	require.NoError(t, err)
	require.True(t, len(wrapTokenBytes) >= wrapTokenHdrLen)

	assert.Equal(t, byte(0x05), wrapTokenBytes[0])
	assert.Equal(t, byte(0x04), wrapTokenBytes[1])
	flags := wrapTokenBytes[2]
	assert.NotZero(t, flags&wrapFlagSentByAcceptor)
	assert.NotZero(t, flags&wrapFlagSealed)

	ciphertext := wrapTokenBytes[wrapTokenHdrLen:]
	decrypted, err := crypto.DecryptMessage(ciphertext, key, KeyUsageAcceptorSeal)
	require.NoError(t, err)
	require.True(t, len(decrypted) >= wrapTokenHdrLen)

	plaintext := decrypted[:len(decrypted)-wrapTokenHdrLen]
	require.True(t, len(plaintext) >= 4)
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(plaintext[0:4]))
	assert.Equal(t, replyBody, plaintext[4:])
}
