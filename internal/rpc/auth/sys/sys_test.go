package sys

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

func TestCredential_RoundTrip(t *testing.T) {
	want := &Credential{
		Stamp:       1,
		MachineName: "client.example.com",
		UID:         1000,
		GID:         1000,
		GIDs:        []uint32{1000, 27, 100},
	}
	body, err := EncodeCredential(want)
	require.NoError(t, err)

	got, err := ParseCredential(body)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestParseCredential_RejectsOversizedMachineName(t *testing.T) {
	name := make([]byte, 256)
	for i := range name {
		name[i] = 'a'
	}
	body, err := EncodeCredential(&Credential{MachineName: string(name)})
	require.NoError(t, err)

	_, err = ParseCredential(body)
	assert.ErrorIs(t, err, xdr.ErrGarbageArgs)
}

func TestParseCredential_RejectsTooManyGIDs(t *testing.T) {
	gids := make([]uint32, 17)
	body, err := EncodeCredential(&Credential{GIDs: gids})
	require.NoError(t, err)

	_, err = ParseCredential(body)
	assert.ErrorIs(t, err, xdr.ErrGarbageArgs)
}

func TestFilter_AcceptsAndAttachesCredential(t *testing.T) {
	cred := &Credential{Stamp: 1, MachineName: "h", UID: 42, GID: 42}
	body, err := EncodeCredential(cred)
	require.NoError(t, err)

	call := &rpc.CallHeader{Credential: rpc.OpaqueAuth{Flavor: rpc.AuthSys, Body: body}}

	ctx, decision, err := (Filter{}).Authenticate(context.Background(), call, xdr.NewDecoder(xdr.NewBuffer(4)))
	require.NoError(t, err)
	assert.Equal(t, auth.ActionContinue, decision.Action)
	assert.Equal(t, rpc.AuthNoneVerifier, decision.Verifier)

	got, ok := CredentialFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, uint32(42), got.UID)
}
