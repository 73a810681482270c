package gss

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jcmturner/gokrb5/v8/types"
)

// GSSContext is an established RPCSEC_GSS security context: the product of
// a successful INIT/CONTINUE_INIT exchange, keyed by Handle and referenced
// by every subsequent DATA call.
type GSSContext struct {
	Handle     []byte
	Principal  string
	Realm      string
	SessionKey types.EncryptionKey
	SeqWindow  *SeqWindow
	Service    uint32
	CreatedAt  time.Time
	LastUsed   time.Time
}

// generateHandle returns a fresh, globally unique context handle.
func generateHandle() []byte {
	id := uuid.New()
	return id[:]
}

// ContextStore holds established GSS contexts, evicting the least recently
// used entry once capacity is reached and reaping entries idle past ttl.
//
// Each entry's SeqWindow carries its own lock (see SeqWindow), so sequence
// validation for one context never blocks lookups or updates for another.
type ContextStore struct {
	capacity int
	ttl      time.Duration

	mu       sync.Mutex
	contexts map[string]*GSSContext

	stopOnce sync.Once
	stopCh   chan struct{}
}

// NewContextStore creates a store holding at most capacity contexts, each
// idle-reaped after ttl. A background goroutine sweeps for expired entries
// every 5 minutes; call Stop to release it.
func NewContextStore(capacity int, ttl time.Duration) *ContextStore {
	s := &ContextStore{
		capacity: capacity,
		ttl:      ttl,
		contexts: make(map[string]*GSSContext),
		stopCh:   make(chan struct{}),
	}
	go s.reapLoop()
	return s
}

// Store inserts or replaces ctx, generating a handle first if ctx.Handle is
// empty. If the store is at capacity, the least recently used context is
// evicted to make room.
func (s *ContextStore) Store(ctx *GSSContext) {
	if len(ctx.Handle) == 0 {
		ctx.Handle = generateHandle()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := string(ctx.Handle)
	if _, exists := s.contexts[key]; !exists && len(s.contexts) >= s.capacity {
		s.evictOldestLocked()
	}
	s.contexts[key] = ctx
}

// Lookup returns the context for handle, if any.
func (s *ContextStore) Lookup(handle []byte) (*GSSContext, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ctx, ok := s.contexts[string(handle)]
	return ctx, ok
}

// Delete removes the context for handle. Deleting a handle that is not
// present is a no-op.
func (s *ContextStore) Delete(handle []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.contexts, string(handle))
}

// Count returns the number of contexts currently held.
func (s *ContextStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contexts)
}

// Stop terminates the background reaper. Safe to call more than once.
func (s *ContextStore) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
}

func (s *ContextStore) reapLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stopCh:
			return
		}
	}
}

// cleanup removes contexts whose LastUsed is older than ttl.
func (s *ContextStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-s.ttl)
	for key, ctx := range s.contexts {
		if ctx.LastUsed.Before(cutoff) {
			delete(s.contexts, key)
		}
	}
}

// evictOldestLocked removes the context with the smallest LastUsed. Callers
// must hold s.mu.
func (s *ContextStore) evictOldestLocked() {
	var oldestKey string
	var oldest time.Time
	first := true
	for key, ctx := range s.contexts {
		if first || ctx.LastUsed.Before(oldest) {
			oldestKey = key
			oldest = ctx.LastUsed
			first = false
		}
	}
	if !first {
		delete(s.contexts, oldestKey)
	}
}
