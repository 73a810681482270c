package portmap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oncrpc-go/rpcd/internal/rpc"
	"github.com/oncrpc-go/rpcd/internal/xdr"
)

func TestHandler_ProcUnavailForUnknownProcedure(t *testing.T) {
	handler := NewHandler(NewRegistry())
	buf := xdr.NewBuffer(4)
	enc := xdr.NewEncoder(buf)

	stat, err := handler(context.Background(), 99, xdr.NewDecoder(xdr.NewBuffer(0)), enc)
	require.NoError(t, err)
	assert.Equal(t, rpc.ProcUnavail, stat)
}

func TestHandler_SetUnsetGetportGarbageArgsOnShortBody(t *testing.T) {
	registry := NewRegistry()
	handler := NewHandler(registry)
	enc := xdr.NewEncoder(xdr.NewBuffer(4))

	for _, proc := range []uint32{ProcSet, ProcUnset, ProcGetport} {
		dec := xdr.NewDecoder(xdr.WrapBuffer([]byte{0, 0}))
		stat, err := handler(context.Background(), proc, dec, enc)
		assert.Error(t, err)
		assert.Equal(t, rpc.GarbageArgs, stat)
	}
}

func TestHandler_DumpEncodesEveryRegisteredMapping(t *testing.T) {
	registry := NewRegistry()
	registry.Set(Mapping{Program: 1, Version: 1, Protocol: ProtoTCP, Port: 111})
	registry.Set(Mapping{Program: 2, Version: 1, Protocol: ProtoUDP, Port: 222})
	handler := NewHandler(registry)

	buf := xdr.NewBuffer(64)
	enc := xdr.NewEncoder(buf)
	stat, err := handler(context.Background(), ProcDump, xdr.NewDecoder(xdr.NewBuffer(0)), enc)
	require.NoError(t, err)
	assert.Equal(t, rpc.Success, stat)

	dec := xdr.NewDecoder(xdr.WrapBuffer(buf.Bytes()))
	mappings, err := decodeDumpResult(dec)
	require.NoError(t, err)
	assert.Len(t, mappings, 2)
}

func TestHandler_SetThenGetportRoundTrip(t *testing.T) {
	registry := NewRegistry()
	handler := NewHandler(registry)
	m := Mapping{Program: 100003, Version: 3, Protocol: ProtoTCP, Port: 2049}

	setBuf := xdr.NewBuffer(16)
	setEnc := xdr.NewEncoder(setBuf)
	require.NoError(t, encodeMapping(setEnc, m))
	setArgDec := xdr.NewDecoder(xdr.WrapBuffer(setBuf.Bytes()))

	setResultEnc := xdr.NewEncoder(xdr.NewBuffer(4))
	stat, err := handler(context.Background(), ProcSet, setArgDec, setResultEnc)
	require.NoError(t, err)
	assert.Equal(t, rpc.Success, stat)

	getBuf := xdr.NewBuffer(16)
	getEnc := xdr.NewEncoder(getBuf)
	require.NoError(t, encodeMapping(getEnc, m))
	getArgDec := xdr.NewDecoder(xdr.WrapBuffer(getBuf.Bytes()))

	getResultBuf := xdr.NewBuffer(4)
	getResultEnc := xdr.NewEncoder(getResultBuf)
	stat, err = handler(context.Background(), ProcGetport, getArgDec, getResultEnc)
	require.NoError(t, err)
	assert.Equal(t, rpc.Success, stat)

	portDec := xdr.NewDecoder(xdr.WrapBuffer(getResultBuf.Bytes()))
	port, err := portDec.DecodeUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2049), port)
}
