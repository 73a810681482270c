package gss

import (
	"context"
	"fmt"
	"time"

	"github.com/jcmturner/gokrb5/v8/types"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// DefaultSeqWindowSize is the sequence window size advertised to clients in
// a successful INIT response, unless the Filter is configured with a
// different size.
const DefaultSeqWindowSize = 32

// Identity is the caller identity a successful DATA call attaches to its
// context: the principal established at INIT time, plus the per-call
// sequence number, service level, and session key a later reply-wrapping
// step needs to protect the response body.
type Identity struct {
	Principal  string
	Realm      string
	Service    uint32
	SeqNum     uint32
	SessionKey types.EncryptionKey
}

type identityKey struct{}

// WithIdentity returns a context carrying identity.
func WithIdentity(ctx context.Context, identity *Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext returns the Identity attached by WithIdentity, if any.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityKey{}).(*Identity)
	return id, ok
}

// Filter implements auth.Filter for RPCSEC_GSS (RFC 2203): it verifies
// AP-REQ tokens to establish contexts (INIT/CONTINUE_INIT), validates the
// sequence window and unwraps integrity/privacy-protected bodies for DATA
// calls, and tears contexts down on DESTROY.
type Filter struct {
	Verifier      Verifier
	Contexts      *ContextStore
	Metrics       *Metrics
	SeqWindowSize uint32
}

// NewFilter creates a Filter backed by verifier and contexts.
func NewFilter(verifier Verifier, contexts *ContextStore, metrics *Metrics) *Filter {
	return &Filter{Verifier: verifier, Contexts: contexts, Metrics: metrics, SeqWindowSize: DefaultSeqWindowSize}
}

// Authenticate implements auth.Filter: it parses the RPCSEC_GSS credential
// and routes by its gss_proc field (RFC 2203 Section 5.3.1).
func (f *Filter) Authenticate(ctx context.Context, call *rpc.CallHeader, dec *xdr.Decoder) (context.Context, auth.Decision, error) {
	cred, err := ParseCredential(call.Credential.Body)
	if err != nil {
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("decode RPCSEC_GSS credential: %w", err)
	}

	switch cred.GSSProc {
	case RPCGSSInit, RPCGSSContinueInit:
		gssToken, err := dec.DecodeOpaque()
		if err != nil {
			return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("decode rpc_gss_init_arg: %w", err)
		}
		decision, err := f.handleInit(cred, gssToken)
		return ctx, decision, err

	case RPCGSSData:
		requestBody, err := dec.Buffer().GetBytes(dec.Buffer().Remaining())
		if err != nil {
			return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("read RPCSEC_GSS call body: %w", err)
		}
		return f.handleData(ctx, cred, requestBody)

	case RPCGSSDestroy:
		decision, err := f.handleDestroy(cred)
		return ctx, decision, err

	default:
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("unknown RPCSEC_GSS procedure: %d", cred.GSSProc)
	}
}

// windowSize returns the configured sequence window size, defaulting to
// DefaultSeqWindowSize.
func (f *Filter) windowSize() uint32 {
	if f.SeqWindowSize == 0 {
		return DefaultSeqWindowSize
	}
	return f.SeqWindowSize
}

func (f *Filter) handleInit(cred *Credential, gssToken []byte) (auth.Decision, error) {
	initStart := time.Now()
	defer func() { f.Metrics.recordInitDuration(time.Since(initStart)) }()

	verified, err := f.Verifier.VerifyToken(gssToken)
	if err != nil {
		f.Metrics.recordContextCreation(false)
		f.Metrics.recordAuthFailure("credential_problem")

		errRes := &InitResult{GSSMajor: GSSDefectiveCred}
		body, encErr := EncodeInitResult(errRes)
		if encErr != nil {
			return auth.Decision{}, fmt.Errorf("encode GSS error response: %w", encErr)
		}
		return auth.Decision{Action: auth.ActionReplyDirect, Verifier: rpc.AuthNoneVerifier, DirectReply: body},
			fmt.Errorf("GSS INIT failed: %w", err)
	}

	now := time.Now()
	gssCtx := &GSSContext{
		Principal:  verified.Principal,
		Realm:      verified.Realm,
		SessionKey: verified.SessionKey,
		SeqWindow:  NewSeqWindow(f.windowSize()),
		Service:    cred.Service,
		CreatedAt:  now,
		LastUsed:   now,
	}
	// Store before encoding the reply: if the reply reaches the client
	// first, its next DATA call would race a context that isn't there yet.
	f.Contexts.Store(gssCtx)

	initRes := &InitResult{
		Handle:    gssCtx.Handle,
		GSSMajor:  GSSComplete,
		SeqWindow: f.windowSize(),
		GSSToken:  verified.APRepToken,
	}
	body, err := EncodeInitResult(initRes)
	if err != nil {
		return auth.Decision{}, fmt.Errorf("encode GSS init response: %w", err)
	}

	mic, err := ComputeInitVerifier(verified.SessionKey, f.windowSize(), verified.HasAcceptorSubkey)
	if err != nil {
		return auth.Decision{}, fmt.Errorf("compute INIT reply verifier: %w", err)
	}

	f.Metrics.recordContextCreation(true)
	return auth.Decision{Action: auth.ActionReplyDirect, Verifier: WrapReplyVerifier(mic), DirectReply: body}, nil
}

func (f *Filter) handleData(ctx context.Context, cred *Credential, requestBody []byte) (context.Context, auth.Decision, error) {
	dataStart := time.Now()

	gssCtx, found := f.Contexts.Lookup(cred.Handle)
	if !found {
		f.Metrics.recordAuthFailure("context_problem")
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.RPCSECGSSCredProblem},
			fmt.Errorf("RPCSEC_GSS_CREDPROBLEM: context not found")
	}

	if cred.SeqNum >= MAXSEQ {
		f.Contexts.Delete(cred.Handle)
		f.Metrics.recordAuthFailure("context_problem")
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.RPCSECGSSCtxProblem},
			fmt.Errorf("RPCSEC_GSS_CTXPROBLEM: sequence number exceeds MAXSEQ")
	}

	if !gssCtx.SeqWindow.Accept(cred.SeqNum) {
		// RFC 2203 Section 5.3.3.1: replayed/out-of-window sequence numbers
		// are silently discarded, not rejected with an error reply.
		f.Metrics.recordAuthFailure("sequence_violation")
		return ctx, auth.Decision{Action: auth.ActionDrop}, nil
	}

	var processedData []byte
	var err error
	switch cred.Service {
	case RPCGSSSvcNone:
		processedData = requestBody
	case RPCGSSSvcIntegrity:
		processedData, _, err = UnwrapIntegrity(gssCtx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			f.Metrics.recordAuthFailure("integrity_failure")
			return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("integrity unwrap failed: %w", err)
		}
	case RPCGSSSvcPrivacy:
		processedData, _, err = UnwrapPrivacy(gssCtx.SessionKey, cred.SeqNum, requestBody)
		if err != nil {
			f.Metrics.recordAuthFailure("privacy_failure")
			return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("privacy unwrap failed: %w", err)
		}
	default:
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, fmt.Errorf("unknown RPCSEC_GSS service level: %d", cred.Service)
	}

	gssCtx.LastUsed = time.Now()

	mic, err := ComputeReplyVerifier(gssCtx.SessionKey, cred.SeqNum)
	if err != nil {
		return ctx, auth.Decision{}, fmt.Errorf("compute reply verifier: %w", err)
	}

	f.Metrics.recordDataRequest(serviceLevelName(cred.Service), time.Since(dataStart))

	identity := &Identity{
		Principal:  gssCtx.Principal,
		Realm:      gssCtx.Realm,
		Service:    cred.Service,
		SeqNum:     cred.SeqNum,
		SessionKey: gssCtx.SessionKey,
	}
	return WithIdentity(ctx, identity),
		auth.Decision{Action: auth.ActionContinue, Verifier: WrapReplyVerifier(mic), RewrittenArgs: processedData},
		nil
}

func (f *Filter) handleDestroy(cred *Credential) (auth.Decision, error) {
	destroyStart := time.Now()
	defer func() { f.Metrics.recordDestroyDuration(time.Since(destroyStart)) }()

	_, found := f.Contexts.Lookup(cred.Handle)
	f.Contexts.Delete(cred.Handle)
	if found {
		f.Metrics.recordContextDestruction()
	}

	body, err := EncodeInitResult(&InitResult{Handle: cred.Handle, GSSMajor: GSSComplete})
	if err != nil {
		return auth.Decision{}, fmt.Errorf("encode GSS destroy response: %w", err)
	}
	return auth.Decision{Action: auth.ActionReplyDirect, Verifier: rpc.AuthNoneVerifier, DirectReply: body}, nil
}
