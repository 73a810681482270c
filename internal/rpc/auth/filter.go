// Package auth implements the RPC authentication pipeline: a Filter per
// credential flavor, run after the RPC header is decoded and before the
// call reaches the dispatcher (RFC 5531 Section 9).
package auth

import (
	"context"
	"fmt"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// Action is what a Filter decided to do with a call.
type Action int

const (
	// ActionContinue means the call is authenticated; dispatch it normally
	// and use Decision.Verifier as the reply's verifier.
	ActionContinue Action = iota
	// ActionReject means the call's credential or verifier was rejected;
	// build a MSG_DENIED/AUTH_ERROR reply with Decision.RejectWhy.
	ActionReject
	// ActionReplyDirect means the filter already produced the complete
	// wire reply itself (RPCSEC_GSS INIT/CONTINUE_INIT/DESTROY all reply
	// without ever reaching a registered program handler); dispatch is
	// skipped and Decision.DirectReply is sent as-is.
	ActionReplyDirect
	// ActionDrop means the call must be silently discarded with no reply
	// at all (RPCSEC_GSS sequence number replay/out-of-window policy per
	// RFC 2203 Section 5.3.3.1).
	ActionDrop
)

// Decision is the result of running a call through a Filter.
type Decision struct {
	Action      Action
	Verifier    rpc.OpaqueAuth
	RejectWhy   rpc.AuthStat
	DirectReply []byte

	// RewrittenArgs is set when the Filter consumed the wire body itself
	// and produced a different byte sequence for the procedure arguments
	// (RPCSEC_GSS integrity/privacy unwrapping). nil means the handler
	// should keep reading from the decoder passed to Authenticate.
	RewrittenArgs []byte
}

// Filter authenticates one call's credential/verifier pair for a single
// flavor. dec is positioned immediately after the RPC header's verifier
// field, at the start of the procedure arguments. A Filter that needs to
// consume the whole body itself (RPCSEC_GSS's integrity/privacy wrapping)
// reads it from dec and returns the unwrapped bytes in
// Decision.RewrittenArgs; the caller builds a fresh decoder over those
// bytes before dispatching. The returned context carries whatever
// caller-identity information the Filter extracted (AUTH_SYS's uid/gid,
// RPCSEC_GSS's principal), for handlers further down the pipeline.
type Filter interface {
	Authenticate(ctx context.Context, call *rpc.CallHeader, dec *xdr.Decoder) (context.Context, Decision, error)
}

// Pipeline dispatches a call to the Filter registered for its credential's
// auth flavor.
type Pipeline struct {
	filters map[uint32]Filter
}

// NewPipeline creates an empty Pipeline.
func NewPipeline() *Pipeline {
	return &Pipeline{filters: map[uint32]Filter{}}
}

// Register installs f as the Filter for flavor.
func (p *Pipeline) Register(flavor uint32, f Filter) {
	p.filters[flavor] = f
}

// Authenticate runs call through the Filter registered for its credential's
// flavor. An unregistered flavor is rejected with AuthBadCred, per RFC 5531
// Section 9's requirement that an unsupported credential flavor is an auth
// rejection, not a protocol error.
func (p *Pipeline) Authenticate(ctx context.Context, call *rpc.CallHeader, dec *xdr.Decoder) (context.Context, Decision, error) {
	f, ok := p.filters[call.Credential.Flavor]
	if !ok {
		return ctx, Decision{Action: ActionReject, RejectWhy: rpc.AuthBadCred},
			fmt.Errorf("%w: flavor %d", rpc.ErrUnknownFlavor, call.Credential.Flavor)
	}
	return f.Authenticate(ctx, call, dec)
}
