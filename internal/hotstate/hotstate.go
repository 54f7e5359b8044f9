package hotstate

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quantpulse/btcstream/internal/book"
	"github.com/quantpulse/btcstream/internal/features"
	"github.com/quantpulse/btcstream/internal/rolling"
)

var (
	// ErrBusy is returned when a re-anchor lease is already held.
	ErrBusy = errors.New("hotstate: re-anchor already in progress")
	// ErrLeaseExpired is returned when a token's lease has auto-expired.
	ErrLeaseExpired = errors.New("hotstate: lease expired")
	// ErrUnknownToken is returned for a token that does not hold the lease.
	ErrUnknownToken = errors.New("hotstate: unknown lease token")
	// ErrIncompleteBundle is returned when a substitute is missing entities.
	ErrIncompleteBundle = errors.New("hotstate: bundle is incomplete")
)

// Bundle is one hot-state revision: the four entities read together by the
// inference tick. Entities are immutable once placed in a bundle; writers
// replace whole entities, never fields of a published one.
type Bundle struct {
	Book    *book.Snapshot
	Stats1s *rolling.Stats
	Stats5s *rolling.Stats
	Vector  *features.Vector
}

// Complete reports whether every entity is present.
func (b Bundle) Complete() bool {
	return b.Book != nil && b.Stats1s != nil && b.Stats5s != nil && b.Vector != nil
}

type revision struct {
	bundle Bundle
	id     uint64
}

// Token identifies a held re-anchor lease.
type Token struct {
	id      uuid.UUID
	expires time.Time
}

// Store is the single shared structure of the hot path. The aggregator is the
// sole steady-state writer; the re-anchor coordinator replaces all four
// entities in one atomic step via Substitute. Readers obtain a coherent
// bundle with a single atomic load and never block the writer.
type Store struct {
	current atomic.Pointer[revision]

	leaseMu sync.Mutex
	lease   *Token

	now func() time.Time // injectable for lease-expiry tests
}

// New creates an empty store. Revision returns ok=false until the first
// complete bundle is written.
func New() *Store {
	return &Store{now: time.Now}
}

// Revision returns the current bundle and its revision id. Coherence is the
// only guarantee; freshness bounds belong to callers.
func (s *Store) Revision() (Bundle, uint64, bool) {
	rev := s.current.Load()
	if rev == nil || !rev.bundle.Complete() {
		return Bundle{}, 0, false
	}
	return rev.bundle, rev.id, true
}

// Apply runs a writer-side field-granular mutation. Only the aggregator (or
// the coordinator while building the very first bundle) may call it. The
// mutator receives a copy of the current bundle and replaces entity pointers;
// concurrent readers see either the pre- or post-mutation bundle. When a
// Substitute lands between the load and the swap the mutator is re-run on the
// substituted bundle, so it must be idempotent and a substituted revision is
// never lost.
func (s *Store) Apply(mutate func(*Bundle)) {
	for {
		cur := s.current.Load()
		next := &revision{}
		if cur != nil {
			next.bundle = cur.bundle
			next.id = cur.id
		} else {
			next.id = 1
		}
		mutate(&next.bundle)
		if s.current.CompareAndSwap(cur, next) {
			return
		}
	}
}

// Substitute atomically replaces all four entities and bumps the revision id.
// It is the sole operation whose atomicity crosses entities, and it requires
// a live re-anchor lease. On failure the store is unchanged.
func (s *Store) Substitute(tok Token, bundle Bundle) (uint64, error) {
	if !bundle.Complete() {
		return 0, ErrIncompleteBundle
	}
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.lease == nil || s.lease.id != tok.id {
		return 0, ErrUnknownToken
	}
	if s.now().After(s.lease.expires) {
		s.lease = nil
		return 0, ErrLeaseExpired
	}

	var nextID uint64 = 1
	if cur := s.current.Load(); cur != nil {
		nextID = cur.id + 1
	}
	s.current.Store(&revision{bundle: bundle, id: nextID})
	return nextID, nil
}

// TryBeginReanchor acquires the re-anchor lease, granting at most one
// in-flight re-anchor. Returns ErrBusy when another lease is live; an
// expired lease is reclaimed.
func (s *Store) TryBeginReanchor(ttl time.Duration) (Token, error) {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	now := s.now()
	if s.lease != nil && now.Before(s.lease.expires) {
		return Token{}, ErrBusy
	}
	tok := Token{id: uuid.New(), expires: now.Add(ttl)}
	s.lease = &tok
	return tok, nil
}

// EndReanchor releases the lease held by tok. Releasing an already-expired
// or replaced token is not an error for the expiry case the caller cannot
// distinguish, so only an outright unknown token is rejected.
func (s *Store) EndReanchor(tok Token) error {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()

	if s.lease == nil || s.lease.id != tok.id {
		return ErrUnknownToken
	}
	s.lease = nil
	return nil
}

// ReanchorInProgress reports the advisory in-progress flag.
func (s *Store) ReanchorInProgress() bool {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	return s.lease != nil && s.now().Before(s.lease.expires)
}
