package orderbook

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// MaxReplicaAge is the zombie threshold: replicas with no applied update
	// for longer than this are unreadable and must not be persisted.
	MaxReplicaAge = 120 * time.Second

	// futuresSoftFailureLimit is how many consecutive pu-continuity misses a
	// futures replica absorbs before it is marked for resync. Single dropped
	// stream messages are common enough that an immediate resync would churn.
	futuresSoftFailureLimit = 3
)

// book is the mutable replica state. Guarded by its own mutex so applies for
// different pairs never contend.
type book struct {
	mu sync.Mutex

	key          PairKey
	bids         []PriceLevel
	asks         []PriceLevel
	lastUpdateID int64
	firstApplied bool
	needsResync  bool
	softFailures int
	lastApplied  time.Time
	maxLevels    int
}

// Store owns all replicas, partitioned by PairKey.
type Store struct {
	mu    sync.RWMutex
	books map[PairKey]*book
	now   func() time.Time
}

// NewStore creates an empty replica store.
func NewStore() *Store {
	return &Store{
		books: make(map[PairKey]*book),
		now:   time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) clock() func() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.now
}

func (s *Store) lookup(key PairKey) *book {
	s.mu.RLock()
	b := s.books[key]
	s.mu.RUnlock()
	return b
}

// Initialize replaces any existing replica for key with the snapshot state.
// Snapshot sides are sorted and sanitized; the resync and first-update flags
// reset.
func (s *Store) Initialize(key PairKey, snap *Snapshot) {
	maxLevels := MaxLevels(key.Symbol)
	now := s.clock()()

	b := &book{
		key:          key,
		bids:         normalizeSide(snap.Bids, true, maxLevels),
		asks:         normalizeSide(snap.Asks, false, maxLevels),
		lastUpdateID: snap.LastUpdateID,
		lastApplied:  now,
		maxLevels:    maxLevels,
	}

	s.mu.Lock()
	s.books[key] = b
	s.mu.Unlock()

	log.Debug().
		Str("pair", key.String()).
		Int64("last_update_id", snap.LastUpdateID).
		Int("bids", len(b.bids)).
		Int("asks", len(b.asks)).
		Msg("replica initialized")
}

// ApplyDiff validates and applies one streamed diff under the segment's
// continuity rules.
func (s *Store) ApplyDiff(key PairKey, d *Diff) ApplyResult {
	b := s.lookup(key)
	if b == nil {
		return MissingReplica
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.needsResync {
		return NotReady
	}

	var res ApplyResult
	if key.Segment == Futures {
		res = b.applyFutures(d)
	} else {
		res = b.applySpot(d)
	}

	switch res {
	case Applied:
		b.lastApplied = s.clock()()
	case Gap:
		log.Warn().
			Str("pair", key.String()).
			Int64("first_id", d.FirstID).
			Int64("final_id", d.FinalID).
			Int64("prev_final_id", d.PrevFinalID).
			Int64("replica_id", b.lastUpdateID).
			Msg("update gap detected, replica marked for resync")
	}
	return res
}

// applySpot: stale when u <= L, gap when U > L+1, otherwise apply.
func (b *book) applySpot(d *Diff) ApplyResult {
	switch {
	case d.FinalID <= b.lastUpdateID:
		return Stale
	case d.FirstID > b.lastUpdateID+1:
		b.needsResync = true
		return Gap
	default:
		b.apply(d)
		return Applied
	}
}

// applyFutures enforces pu-continuity after the first event. The first event
// after a snapshot legitimately overlaps the REST id by an arbitrary amount,
// so it only has to cover L+1; later events must chain exactly, with up to
// futuresSoftFailureLimit consecutive misses tolerated.
func (b *book) applyFutures(d *Diff) ApplyResult {
	if d.FinalID < b.lastUpdateID {
		return Stale
	}
	if !b.firstApplied {
		if d.FirstID > b.lastUpdateID+1 || d.FinalID < b.lastUpdateID+1 {
			b.softFailures = 0
			return NotReady
		}
	} else if d.PrevFinalID != b.lastUpdateID {
		b.softFailures++
		if b.softFailures >= futuresSoftFailureLimit {
			b.softFailures = 0
			b.needsResync = true
			return Gap
		}
		return NotReady
	}
	b.apply(d)
	return Applied
}

func (b *book) apply(d *Diff) {
	b.bids = mergeSide(b.bids, d.Bids, true, b.maxLevels, b.key)
	b.asks = mergeSide(b.asks, d.Asks, false, b.maxLevels, b.key)
	b.lastUpdateID = d.FinalID
	b.firstApplied = true
	b.softFailures = 0

	if len(b.bids) > 0 && len(b.asks) > 0 && b.bids[0].Price >= b.asks[0].Price {
		log.Warn().
			Str("pair", b.key.String()).
			Float64("best_bid", b.bids[0].Price).
			Float64("best_ask", b.asks[0].Price).
			Msg("crossed book after apply")
	}
}

// Get returns a deep copy of the replica, or nil when none exists, a resync
// is pending, or the replica is a zombie (older than MaxReplicaAge).
func (s *Store) Get(key PairKey) *Replica {
	b := s.lookup(key)
	if b == nil {
		return nil
	}
	now := s.clock()()

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.needsResync || now.Sub(b.lastApplied) > MaxReplicaAge {
		return nil
	}
	return &Replica{
		Key:           b.key,
		Bids:          copyLevels(b.bids),
		Asks:          copyLevels(b.asks),
		LastUpdateID:  b.lastUpdateID,
		LastAppliedAt: b.lastApplied,
	}
}

// View returns the top-n projection for the status facade, regardless of
// resync state (operators want to see the stuck book too).
func (s *Store) View(key PairKey, n int) *BookView {
	b := s.lookup(key)
	if b == nil {
		return nil
	}
	now := s.clock()()

	b.mu.Lock()
	defer b.mu.Unlock()
	bids := b.bids
	if len(bids) > n {
		bids = bids[:n]
	}
	asks := b.asks
	if len(asks) > n {
		asks = asks[:n]
	}
	return &BookView{
		Key:          b.key,
		Bids:         copyLevels(bids),
		Asks:         copyLevels(asks),
		LastUpdateID: b.lastUpdateID,
		Timestamp:    b.lastApplied,
		AgeSeconds:   now.Sub(b.lastApplied).Seconds(),
	}
}

// MarkNeedsResync flags the replica so readers skip it until re-initialized.
func (s *Store) MarkNeedsResync(key PairKey) {
	if b := s.lookup(key); b != nil {
		b.mu.Lock()
		b.needsResync = true
		b.mu.Unlock()
	}
}

// NeedsResync reports whether the key is flagged for resync.
func (s *Store) NeedsResync(key PairKey) bool {
	b := s.lookup(key)
	if b == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.needsResync
}

// ResyncPending lists every key currently flagged for resync.
func (s *Store) ResyncPending() []PairKey {
	s.mu.RLock()
	books := make([]*book, 0, len(s.books))
	for _, b := range s.books {
		books = append(books, b)
	}
	s.mu.RUnlock()

	var keys []PairKey
	for _, b := range books {
		b.mu.Lock()
		if b.needsResync {
			keys = append(keys, b.key)
		}
		b.mu.Unlock()
	}
	return keys
}

// Clear removes the replica for key.
func (s *Store) Clear(key PairKey) {
	s.mu.Lock()
	delete(s.books, key)
	s.mu.Unlock()
}

// Keys lists every replica key currently held.
func (s *Store) Keys() []PairKey {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]PairKey, 0, len(s.books))
	for k := range s.books {
		keys = append(keys, k)
	}
	return keys
}

// Age returns how long ago the replica last applied an update.
func (s *Store) Age(key PairKey) (time.Duration, bool) {
	b := s.lookup(key)
	if b == nil {
		return 0, false
	}
	now := s.clock()()
	b.mu.Lock()
	defer b.mu.Unlock()
	return now.Sub(b.lastApplied), true
}
