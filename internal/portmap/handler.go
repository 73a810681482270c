package portmap

import (
	"context"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// NewHandler builds an rpc.HandlerFunc serving NULL and the four portmap v2
// compatibility procedures against registry, for registration under
// ProgramKey{Program, Version} on an rpc.Registry. Used by testserver's
// in-process portmapper double; a production embedding of the portmapper
// itself (as opposed to just this package's Client) would register the
// same handler on rpc/server.Server.
func NewHandler(registry *Registry) rpc.HandlerFunc {
	return func(_ context.Context, procedure uint32, dec *xdr.Decoder, enc *xdr.Encoder) (rpc.AcceptStat, error) {
		switch procedure {
		case ProcNull:
			return rpc.Success, nil

		case ProcSet:
			m, err := decodeMapping(dec)
			if err != nil {
				return rpc.GarbageArgs, err
			}
			if err := enc.EncodeBool(registry.Set(m)); err != nil {
				return rpc.SystemErr, err
			}
			return rpc.Success, nil

		case ProcUnset:
			m, err := decodeMapping(dec)
			if err != nil {
				return rpc.GarbageArgs, err
			}
			ok := registry.Unset(m.Program, m.Version, m.Protocol)
			if err := enc.EncodeBool(ok); err != nil {
				return rpc.SystemErr, err
			}
			return rpc.Success, nil

		case ProcGetport:
			m, err := decodeMapping(dec)
			if err != nil {
				return rpc.GarbageArgs, err
			}
			port := registry.Getport(m.Program, m.Version, m.Protocol)
			if err := enc.EncodeUint32(port); err != nil {
				return rpc.SystemErr, err
			}
			return rpc.Success, nil

		case ProcDump:
			if err := encodeDumpResult(enc, registry.Dump()); err != nil {
				return rpc.SystemErr, err
			}
			return rpc.Success, nil

		default:
			return rpc.ProcUnavail, nil
		}
	}
}
