package server

import (
	"context"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// dispatchCall runs call through s's auth pipeline and, if authenticated,
// s's dispatcher, returning the fully encoded reply to write to the wire.
// A nil reply with a nil error means the call must be silently dropped
// (RPCSEC_GSS out-of-window policy).
func dispatchCall(ctx context.Context, s *Server, call *rpc.CallHeader, dec *xdr.Decoder) ([]byte, error) {
	ctx, decision, err := s.pipeline.Authenticate(ctx, call, dec)
	if err != nil {
		if decision.Action != auth.ActionReject {
			return nil, err
		}
	}

	switch decision.Action {
	case auth.ActionReject:
		return encodeReply(rpc.NewAuthErrorReply(call.XID, decision.RejectWhy), nil)

	case auth.ActionDrop:
		return nil, nil

	case auth.ActionReplyDirect:
		// The filter produced only the RPCSEC_GSS-specific result body
		// (rpc_gss_init_res); it still needs the xid/reply_stat/
		// accept_stat/verifier wrapping every RPC reply requires, with
		// decision.Verifier as the accepted reply's verifier.
		reply := rpc.NewAcceptedReply(call.XID, rpc.Success)
		reply.Accepted.Verifier = decision.Verifier
		return encodeReply(reply, decision.DirectReply)

	case auth.ActionContinue:
		if decision.RewrittenArgs != nil {
			dec = xdr.NewDecoder(xdr.WrapBuffer(decision.RewrittenArgs))
		}
		return s.dispatcher.DispatchWithVerifier(ctx, call, dec, decision.Verifier)

	default:
		return encodeReply(rpc.NewAuthErrorReply(call.XID, rpc.AuthFailed), nil)
	}
}

// encodeReply encodes reply's header and appends body (the procedure- or
// filter-specific result bytes, if any) after it.
func encodeReply(reply *rpc.ReplyMessage, body []byte) ([]byte, error) {
	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	if err := rpc.EncodeReplyHeader(enc, reply); err != nil {
		return nil, err
	}
	out := buf.Bytes()
	if body != nil {
		out = append(out, body...)
	}
	return out, nil
}
