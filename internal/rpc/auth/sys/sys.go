// Package sys implements AUTH_SYS (RFC 5531 Section 9, flavor 1): the
// traditional Unix-style credential carrying a uid, gid, and group list.
package sys

import (
	"context"
	"fmt"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/rpc/auth"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// maxMachineNameLength and maxGIDs are RFC 5531 Section 9's ceilings on an
// AUTH_SYS credential: machinename is at most 255 octets and at most 16
// supplementary groups are carried.
const (
	maxMachineNameLength = 255
	maxGIDs              = 16
)

// Credential is the decoded body of an AUTH_SYS credential (auth_sys_parms
// in RFC 5531 Section 9).
type Credential struct {
	Stamp       uint32
	MachineName string
	UID         uint32
	GID         uint32
	GIDs        []uint32
}

// ParseCredential decodes an AUTH_SYS credential body.
func ParseCredential(body []byte) (*Credential, error) {
	dec := xdr.NewDecoder(xdr.WrapBuffer(body))

	stamp, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode stamp: %w", err)
	}
	machineName, err := dec.DecodeString()
	if err != nil {
		return nil, fmt.Errorf("decode machinename: %w", err)
	}
	if len(machineName) > maxMachineNameLength {
		return nil, fmt.Errorf("%w: machinename length %d exceeds %d", xdr.ErrGarbageArgs, len(machineName), maxMachineNameLength)
	}
	uid, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode uid: %w", err)
	}
	gid, err := dec.DecodeUint32()
	if err != nil {
		return nil, fmt.Errorf("decode gid: %w", err)
	}

	var gids []uint32
	count, err := dec.DecodeVarArray(func(i int) error {
		v, err := dec.DecodeUint32()
		if err != nil {
			return err
		}
		gids = append(gids, v)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("decode gids: %w", err)
	}
	if count > maxGIDs {
		return nil, fmt.Errorf("%w: gids count %d exceeds %d", xdr.ErrGarbageArgs, count, maxGIDs)
	}

	return &Credential{
		Stamp:       stamp,
		MachineName: machineName,
		UID:         uid,
		GID:         gid,
		GIDs:        gids,
	}, nil
}

// EncodeCredential encodes c as an AUTH_SYS credential body, e.g. for a
// client that sends on behalf of a local process.
func EncodeCredential(c *Credential) ([]byte, error) {
	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	if err := enc.EncodeUint32(c.Stamp); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(c.MachineName); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(c.UID); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint32(c.GID); err != nil {
		return nil, err
	}
	if err := enc.EncodeVarArray(len(c.GIDs), func(i int) error {
		return enc.EncodeUint32(c.GIDs[i])
	}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Filter implements auth.Filter for AUTH_SYS: the credential is parsed and
// validated against the RFC ceilings; the call is always accepted (AUTH_SYS
// carries no verifier to check), and the reply verifier is AUTH_NONE.
type Filter struct{}

// Authenticate parses call.Credential.Body and accepts the call, attaching
// the parsed Credential to ctx for handlers that want the caller's
// identity.
func (Filter) Authenticate(ctx context.Context, call *rpc.CallHeader, _ *xdr.Decoder) (context.Context, auth.Decision, error) {
	cred, err := ParseCredential(call.Credential.Body)
	if err != nil {
		return ctx, auth.Decision{Action: auth.ActionReject, RejectWhy: rpc.AuthBadCred}, err
	}
	return WithCredential(ctx, cred), auth.Decision{Action: auth.ActionContinue, Verifier: rpc.AuthNoneVerifier}, nil
}

type credentialKey struct{}

// WithCredential returns a context carrying cred, for a handler that wants
// the caller's uid/gid without re-parsing the credential body.
func WithCredential(ctx context.Context, cred *Credential) context.Context {
	return context.WithValue(ctx, credentialKey{}, cred)
}

// CredentialFromContext returns the Credential attached by WithCredential,
// if any.
func CredentialFromContext(ctx context.Context) (*Credential, bool) {
	cred, ok := ctx.Value(credentialKey{}).(*Credential)
	return cred, ok
}
