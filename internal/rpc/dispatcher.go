package rpc

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/oncrpc-go/rpcd/internal/xdr"
)

// HandlerFunc handles one decoded RPC call for a registered (program,
// version) pair. procedure identifies which procedure of that program was
// called; dec is positioned immediately after the RPC header, ready to
// decode procedure-specific arguments; enc writes into a fresh buffer that
// becomes the reply body if the returned AcceptStat is Success.
//
// A HandlerFunc reports GarbageArgs if it could not decode its arguments,
// ProcUnavail if it does not recognize procedure, and SystemErr for any
// other internal failure; the dispatcher never inspects err beyond counting
// it in the handler-error metric, since the wire reply is determined
// entirely by the returned AcceptStat.
type HandlerFunc func(ctx context.Context, procedure uint32, dec *xdr.Decoder, enc *xdr.Encoder) (AcceptStat, error)

// registryTable is the immutable snapshot swapped atomically by Registry:
// every Register/Unregister builds a new table and stores it, so concurrent
// Lookup calls never observe a partially updated map (property: program
// registration is a concurrent mapping with lock-free reads).
type registryTable struct {
	handlers map[ProgramKey]HandlerFunc
	versions map[uint32][]uint32 // sorted ascending, per program number
}

// Registry is the dispatcher's ProgramKey -> HandlerFunc map. Reads
// (Lookup) never block; writes (Register/Unregister) serialize on a mutex
// among themselves but publish each update as a single atomic pointer swap,
// so a Lookup concurrent with a Register either sees the table entirely
// before or entirely after the change.
type Registry struct {
	writeMu sync.Mutex
	table   atomic.Pointer[registryTable]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.table.Store(&registryTable{
		handlers: map[ProgramKey]HandlerFunc{},
		versions: map[uint32][]uint32{},
	})
	return r
}

// Register adds or replaces the handler for key, rebuilding and publishing
// a new table snapshot.
func (r *Registry) Register(key ProgramKey, h HandlerFunc) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.table.Load()
	next := &registryTable{
		handlers: make(map[ProgramKey]HandlerFunc, len(old.handlers)+1),
		versions: make(map[uint32][]uint32, len(old.versions)),
	}
	for k, v := range old.handlers {
		next.handlers[k] = v
	}
	next.handlers[key] = h

	for prog, vers := range old.versions {
		next.versions[prog] = append([]uint32(nil), vers...)
	}
	next.versions[key.Program] = insertSorted(next.versions[key.Program], key.Version)

	r.table.Store(next)
}

// Unregister removes the handler for key, if present.
func (r *Registry) Unregister(key ProgramKey) {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	old := r.table.Load()
	if _, ok := old.handlers[key]; !ok {
		return
	}
	next := &registryTable{
		handlers: make(map[ProgramKey]HandlerFunc, len(old.handlers)),
		versions: make(map[uint32][]uint32, len(old.versions)),
	}
	for k, v := range old.handlers {
		if k != key {
			next.handlers[k] = v
		}
	}
	for prog, vers := range old.versions {
		if prog != key.Program {
			next.versions[prog] = append([]uint32(nil), vers...)
			continue
		}
		var kept []uint32
		for _, v := range vers {
			if v != key.Version {
				kept = append(kept, v)
			}
		}
		if len(kept) > 0 {
			next.versions[prog] = kept
		}
	}

	r.table.Store(next)
}

// lookupResult is the outcome of Registry.Lookup.
type lookupResult struct {
	handler      HandlerFunc
	programKnown bool
	versions     []uint32 // registered versions of the program, if programKnown
}

// Lookup finds the handler for (program, version). If no version of
// program is registered, programKnown is false. If program is registered
// but not at version, programKnown is true, handler is nil, and versions
// gives every registered version (used to build the PROG_MISMATCH [low,
// high] range).
func (r *Registry) Lookup(program, version uint32) lookupResult {
	table := r.table.Load()
	versions, known := table.versions[program]
	if !known || len(versions) == 0 {
		return lookupResult{programKnown: false}
	}
	h, ok := table.handlers[ProgramKey{Program: program, Version: version}]
	if !ok {
		return lookupResult{programKnown: true, versions: versions}
	}
	return lookupResult{handler: h, programKnown: true, versions: versions}
}

func insertSorted(s []uint32, v uint32) []uint32 {
	i := sort.Search(len(s), func(i int) bool { return s[i] >= v })
	if i < len(s) && s[i] == v {
		return s
	}
	s = append(s, 0)
	copy(s[i+1:], s[i:])
	s[i] = v
	return s
}

// Dispatcher routes a decoded call to its registered handler and produces
// the wire bytes of the reply: the reply header concatenated with whatever
// body the handler wrote, if any (RFC 5531 Section 8.1's call_body ->
// call_reply flow; see the C6 dispatch algorithm).
type Dispatcher struct {
	registry       *Registry
	metrics        *Metrics
	replyBufferLen int
}

// NewDispatcher creates a Dispatcher routing through registry. replyBufferLen
// is the initial capacity given to each call's reply body buffer.
func NewDispatcher(registry *Registry, metrics *Metrics, replyBufferLen int) *Dispatcher {
	if replyBufferLen <= 0 {
		replyBufferLen = 256
	}
	return &Dispatcher{registry: registry, metrics: metrics, replyBufferLen: replyBufferLen}
}

// Dispatch looks up call.Key(), invokes the matching handler if any, and
// returns the fully encoded reply message (header plus, for a Success
// accept_stat, the handler's body). dec must be positioned immediately
// after the RPC header (i.e. where DecodeCallHeader left it).
//
// Dispatch itself never returns an error for a protocol-level outcome
// (PROG_UNAVAIL, PROC_UNAVAIL, ...): those are all encoded as a normal
// reply. An error return here means the reply itself could not be encoded,
// which is always a fatal condition for the connection.
//
// Dispatch always replies with the AUTH_NONE verifier. A caller running
// calls through an auth.Pipeline first (internal/rpc/server does) uses
// DispatchWithVerifier instead, so the reply's verifier reflects whatever
// the authenticated flavor's Filter computed (e.g. RPCSEC_GSS's MIC).
func (d *Dispatcher) Dispatch(ctx context.Context, call *CallHeader, dec *xdr.Decoder) ([]byte, error) {
	return d.dispatch(ctx, call, dec, AuthNoneVerifier)
}

// DispatchWithVerifier is Dispatch, but the accepted reply's verifier is
// verifier instead of always AUTH_NONE.
func (d *Dispatcher) DispatchWithVerifier(ctx context.Context, call *CallHeader, dec *xdr.Decoder, verifier OpaqueAuth) ([]byte, error) {
	return d.dispatch(ctx, call, dec, verifier)
}

func (d *Dispatcher) dispatch(ctx context.Context, call *CallHeader, dec *xdr.Decoder, verifier OpaqueAuth) ([]byte, error) {
	result := d.registry.Lookup(call.Program, call.Version)

	var reply *ReplyMessage
	var bodyBuf *xdr.Buffer

	switch {
	case !result.programKnown:
		d.metrics.recordOutcome(ProgUnavail)
		reply = NewAcceptedReply(call.XID, ProgUnavail)

	case result.handler == nil:
		d.metrics.recordOutcome(ProgMismatch)
		low, high := versionRange(result.versions)
		reply = NewProgMismatchReply(call.XID, VersionRange{Low: low, High: high})

	default:
		bodyBuf = xdr.NewBuffer(d.replyBufferLen)
		enc := xdr.NewEncoder(bodyBuf)
		stat, err := result.handler(ctx, call.Procedure, dec, enc)
		if err != nil {
			d.metrics.recordHandlerError(call.Key(), err)
		}
		d.metrics.recordOutcome(stat)
		reply = NewAcceptedReply(call.XID, stat)
		if stat == Success {
			reply.Accepted.Verifier = verifier
		} else {
			bodyBuf = nil
		}
	}

	headerBuf := xdr.NewBuffer(64)
	headerEnc := xdr.NewEncoder(headerBuf)
	if err := EncodeReplyHeader(headerEnc, reply); err != nil {
		return nil, err
	}

	out := headerBuf.Bytes()
	if bodyBuf != nil {
		out = append(out, bodyBuf.Bytes()...)
	}
	return out, nil
}

// versionRange returns the (min, max) of a sorted, non-empty version slice.
func versionRange(versions []uint32) (low, high uint32) {
	return versions[0], versions[len(versions)-1]
}
