package gss

import (
	"context"
	"testing"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

type stubVerifier struct {
	result *VerifiedContext
	err    error
}

func (v *stubVerifier) VerifyToken(gssToken []byte) (*VerifiedContext, error) {
	return v.result, v.err
}

func newTestFilter(verifier Verifier) *Filter {
	return NewFilter(verifier, NewContextStore(16, time.Minute), nil)
}

func encodeInitCallArgs(t *testing.T, cred *Credential, gssToken []byte) (*rpc.CallHeader, *xdr.Decoder) {
	t.Helper()
	credBody, err := EncodeCredential(cred)
	require.NoError(t, err)

	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	require.NoError(t, enc.EncodeOpaque(gssToken))

	call := &rpc.CallHeader{Credential: rpc.OpaqueAuth{Flavor: rpc.AuthRPCSECGSS, Body: credBody}}
	dec := xdr.NewDecoder(xdr.WrapBuffer(buf.Bytes()))
	return call, dec
}

func TestFilter_HandleInit_Success(t *testing.T) {
	key := aes128Key()
	verifier := &stubVerifier{result: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM", SessionKey: key}}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	call, dec := encodeInitCallArgs(t, &Credential{GSSProc: RPCGSSInit, Service: RPCGSSSvcNone}, []byte("token"))

	_, decision, err := f.Authenticate(context.Background(), call, dec)
	require.NoError(t, err)
	assert.Equal(t, auth.ActionReplyDirect, decision.Action)
	assert.Equal(t, rpc.AuthRPCSECGSS, decision.Verifier.Flavor)
	require.NotEmpty(t, decision.DirectReply)

	resDec := xdr.NewDecoder(xdr.WrapBuffer(decision.DirectReply))
	handle, err := resDec.DecodeOpaque()
	require.NoError(t, err)
	assert.NotEmpty(t, handle)

	major, err := resDec.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, GSSComplete, major)

	assert.Equal(t, 1, f.Contexts.Count())
}

func TestFilter_HandleInit_VerifierFailureRepliesDefectiveCred(t *testing.T) {
	verifier := &stubVerifier{err: assert.AnError}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	call, dec := encodeInitCallArgs(t, &Credential{GSSProc: RPCGSSInit, Service: RPCGSSSvcNone}, []byte("bad-token"))

	_, decision, err := f.Authenticate(context.Background(), call, dec)
	assert.Error(t, err)
	assert.Equal(t, auth.ActionReplyDirect, decision.Action)
	assert.Equal(t, rpc.AuthNoneVerifier, decision.Verifier)

	resDec := xdr.NewDecoder(xdr.WrapBuffer(decision.DirectReply))
	_, err = resDec.DecodeOpaque()
	require.NoError(t, err)
	major, err := resDec.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, GSSDefectiveCred, major)

	assert.Equal(t, 0, f.Contexts.Count())
}

// establishContext drives a successful INIT through f and returns the
// resulting context handle and session key.
func establishContext(t *testing.T, f *Filter, key types.EncryptionKey, service uint32) []byte {
	t.Helper()
	call, dec := encodeInitCallArgs(t, &Credential{GSSProc: RPCGSSInit, Service: service}, []byte("token"))
	_, decision, err := f.Authenticate(context.Background(), call, dec)
	require.NoError(t, err)
	require.Equal(t, auth.ActionReplyDirect, decision.Action)

	resDec := xdr.NewDecoder(xdr.WrapBuffer(decision.DirectReply))
	handle, err := resDec.DecodeOpaque()
	require.NoError(t, err)
	return handle
}

func encodeDataCall(t *testing.T, cred *Credential, body []byte) (*rpc.CallHeader, *xdr.Decoder) {
	t.Helper()
	credBody, err := EncodeCredential(cred)
	require.NoError(t, err)

	call := &rpc.CallHeader{Credential: rpc.OpaqueAuth{Flavor: rpc.AuthRPCSECGSS, Body: credBody}}
	dec := xdr.NewDecoder(xdr.WrapBuffer(body))
	return call, dec
}

func TestFilter_HandleData_ServiceNonePassesThroughArgs(t *testing.T) {
	key := aes128Key()
	verifier := &stubVerifier{result: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM", SessionKey: key}}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	handle := establishContext(t, f, key, RPCGSSSvcNone)

	args := []byte("procedure arguments")
	call, dec := encodeDataCall(t, &Credential{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: handle}, args)

	ctx, decision, err := f.Authenticate(context.Background(), call, dec)
	require.NoError(t, err)
	assert.Equal(t, auth.ActionContinue, decision.Action)
	assert.Equal(t, args, decision.RewrittenArgs)

	identity, ok := IdentityFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "alice", identity.Principal)
	assert.Equal(t, uint32(1), identity.SeqNum)
}

func TestFilter_HandleData_UnknownHandleRejected(t *testing.T) {
	verifier := &stubVerifier{}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	call, dec := encodeDataCall(t, &Credential{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcNone, Handle: []byte("nope")}, []byte("x"))

	_, decision, err := f.Authenticate(context.Background(), call, dec)
	assert.Error(t, err)
	assert.Equal(t, auth.ActionReject, decision.Action)
	assert.Equal(t, rpc.RPCSECGSSCredProblem, decision.RejectWhy)
}

func TestFilter_HandleData_ReplayedSeqNumDropped(t *testing.T) {
	key := aes128Key()
	verifier := &stubVerifier{result: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM", SessionKey: key}}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	handle := establishContext(t, f, key, RPCGSSSvcNone)

	call1, dec1 := encodeDataCall(t, &Credential{GSSProc: RPCGSSData, SeqNum: 5, Service: RPCGSSSvcNone, Handle: handle}, []byte("x"))
	_, decision1, err := f.Authenticate(context.Background(), call1, dec1)
	require.NoError(t, err)
	require.Equal(t, auth.ActionContinue, decision1.Action)

	call2, dec2 := encodeDataCall(t, &Credential{GSSProc: RPCGSSData, SeqNum: 5, Service: RPCGSSSvcNone, Handle: handle}, []byte("x"))
	_, decision2, err := f.Authenticate(context.Background(), call2, dec2)
	require.NoError(t, err)
	assert.Equal(t, auth.ActionDrop, decision2.Action)
}

func TestFilter_HandleData_IntegrityServiceUnwraps(t *testing.T) {
	key := aes128Key()
	verifier := &stubVerifier{result: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM", SessionKey: key}}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	handle := establishContext(t, f, key, RPCGSSSvcIntegrity)

	requestBody := encodeClientIntegrityRequest(t, key, 1, []byte("secure args"))
	call, dec := encodeDataCall(t, &Credential{GSSProc: RPCGSSData, SeqNum: 1, Service: RPCGSSSvcIntegrity, Handle: handle}, requestBody)

	_, decision, err := f.Authenticate(context.Background(), call, dec)
	require.NoError(t, err)
	assert.Equal(t, auth.ActionContinue, decision.Action)
	assert.Equal(t, []byte("secure args"), decision.RewrittenArgs)
}

func TestFilter_HandleDestroy_RemovesContext(t *testing.T) {
	key := aes128Key()
	verifier := &stubVerifier{result: &VerifiedContext{Principal: "alice", Realm: "EXAMPLE.COM", SessionKey: key}}
	f := newTestFilter(verifier)
	defer f.Contexts.Stop()

	handle := establishContext(t, f, key, RPCGSSSvcNone)
	require.Equal(t, 1, f.Contexts.Count())

	credBody, err := EncodeCredential(&Credential{GSSProc: RPCGSSDestroy, Handle: handle})
	require.NoError(t, err)
	call := &rpc.CallHeader{Credential: rpc.OpaqueAuth{Flavor: rpc.AuthRPCSECGSS, Body: credBody}}
	dec := xdr.NewDecoder(xdr.WrapBuffer(nil))

	_, decision, err := f.Authenticate(context.Background(), call, dec)
	require.NoError(t, err)
	assert.Equal(t, auth.ActionReplyDirect, decision.Action)
	assert.Equal(t, 0, f.Contexts.Count())
}
