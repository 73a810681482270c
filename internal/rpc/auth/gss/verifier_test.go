package gss

import (
	"testing"

	"github.com/jcmturner/gokrb5/v8/crypto"
	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/rpc"
)

func aes128Key() types.EncryptionKey {
	keyValue := make([]byte, 16)
	for i := range keyValue {
		keyValue[i] = byte(i + 1)
	}
	return types.EncryptionKey{KeyType: 17, KeyValue: keyValue}
}

func TestComputeReplyVerifier_ProducesWellFormedMIC(t *testing.T) {
	key := aes128Key()

	mic, err := ComputeReplyVerifier(key, 42)
	require.NoError(t, err)
	require.True(t, len(mic) >= 16)

	assert.Equal(t, byte(0x04), mic[0])
	assert.Equal(t, byte(0x04), mic[1])
	assert.NotZero(t, mic[2]&0x01, "expected SentByAcceptor flag set")

	etype, err := crypto.GetEtype(key.KeyType)
	require.NoError(t, err)
	checksumSize := etype.GetHMACBitLength() / 8
	assert.Equal(t, 16+checksumSize, len(mic))
}

func TestComputeReplyVerifier_DifferentSeqNumsDiffer(t *testing.T) {
	key := aes128Key()

	mic1, err := ComputeReplyVerifier(key, 1)
	require.NoError(t, err)
	mic2, err := ComputeReplyVerifier(key, 2)
	require.NoError(t, err)

	assert.NotEqual(t, mic1, mic2)
}

func TestComputeReplyVerifier_RejectsUnsupportedEtype(t *testing.T) {
	key := types.EncryptionKey{KeyType: 9999, KeyValue: []byte("bogus")}

	_, err := ComputeReplyVerifier(key, 1)
	assert.Error(t, err)
}

func TestWrapReplyVerifier_SetsRPCSECGSSFlavor(t *testing.T) {
	mic := []byte{1, 2, 3, 4}

	oa := WrapReplyVerifier(mic)
	assert.Equal(t, rpc.AuthRPCSECGSS, oa.Flavor)
	assert.Equal(t, mic, oa.Body)
}

func TestComputeInitVerifier_ProducesWellFormedMIC(t *testing.T) {
	key := aes128Key()

	mic, err := ComputeInitVerifier(key, DefaultSeqWindowSize, false)
	require.NoError(t, err)
	require.True(t, len(mic) >= 16)

	assert.Equal(t, byte(0x04), mic[0])
	assert.Equal(t, byte(0x04), mic[1])
	assert.NotZero(t, mic[2]&0x01, "expected SentByAcceptor flag set")
	assert.Zero(t, mic[2]&0x04, "acceptor subkey flag should be unset")
}

func TestComputeInitVerifier_SetsAcceptorSubkeyFlag(t *testing.T) {
	key := aes128Key()

	mic, err := ComputeInitVerifier(key, DefaultSeqWindowSize, true)
	require.NoError(t, err)
	assert.NotZero(t, mic[2]&0x04, "expected acceptor subkey flag set")
}
