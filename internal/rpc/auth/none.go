package auth

import (
	"context"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// NoneFilter implements AUTH_NONE (RFC 5531 Section 9, flavor 0): every
// call is accepted, and the reply verifier is always AUTH_NONE.
type NoneFilter struct{}

// Authenticate always returns ActionContinue with the AUTH_NONE verifier.
func (NoneFilter) Authenticate(ctx context.Context, _ *rpc.CallHeader, _ *xdr.Decoder) (context.Context, Decision, error) {
	return ctx, Decision{Action: ActionContinue, Verifier: rpc.AuthNoneVerifier}, nil
}
