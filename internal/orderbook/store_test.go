package orderbook

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func spotKey(symbol string) PairKey    { return NewPairKey(symbol, Spot) }
func futuresKey(symbol string) PairKey { return NewPairKey(symbol, Futures) }

func seedSpot(t *testing.T) (*Store, PairKey) {
	t.Helper()
	s := NewStore()
	key := spotKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 100,
		Bids:         []PriceLevel{{Price: 10, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 11, Quantity: 1}},
	})
	return s, key
}

func TestSpotHappyPath(t *testing.T) {
	s, key := seedSpot(t)

	res := s.ApplyDiff(key, &Diff{
		FirstID: 101,
		FinalID: 105,
		Bids:    []PriceLevel{{Price: 10, Quantity: 2}},
	})
	require.Equal(t, Applied, res)

	r := s.Get(key)
	require.NotNil(t, r)
	assert.Equal(t, int64(105), r.LastUpdateID)
	assert.Equal(t, []PriceLevel{{Price: 10, Quantity: 2}}, r.Bids)
	assert.Equal(t, []PriceLevel{{Price: 11, Quantity: 1}}, r.Asks)
}

func TestSpotStaleLeavesReplicaUntouched(t *testing.T) {
	s, key := seedSpot(t)
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 101, FinalID: 105, Bids: []PriceLevel{{Price: 10, Quantity: 2}}}))
	before := s.Get(key)

	res := s.ApplyDiff(key, &Diff{
		FirstID: 50,
		FinalID: 100,
		Bids:    []PriceLevel{{Price: 10, Quantity: 9}},
	})
	assert.Equal(t, Stale, res)

	after := s.Get(key)
	require.NotNil(t, after)
	assert.Equal(t, before.LastUpdateID, after.LastUpdateID)
	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, before.Asks, after.Asks)
}

func TestSpotGapMarksResync(t *testing.T) {
	s, key := seedSpot(t)
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 101, FinalID: 105, Bids: []PriceLevel{{Price: 10, Quantity: 2}}}))

	res := s.ApplyDiff(key, &Diff{FirstID: 200, FinalID: 210})
	assert.Equal(t, Gap, res)
	assert.True(t, s.NeedsResync(key))
	assert.Nil(t, s.Get(key), "flagged replica must be unreadable")
	assert.Contains(t, s.ResyncPending(), key)

	// The stuck book is still visible through the operator view.
	v := s.View(key, 5)
	require.NotNil(t, v)
	assert.Equal(t, []PriceLevel{{Price: 10, Quantity: 2}}, v.Bids)
}

func TestFuturesFirstEventOverlapApplies(t *testing.T) {
	s := NewStore()
	key := futuresKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 1000,
		Bids:         []PriceLevel{{Price: 9, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 10, Quantity: 1}},
	})

	// pu does not match the snapshot id, but the diff covers L+1.
	res := s.ApplyDiff(key, &Diff{
		FirstID:     900,
		FinalID:     1010,
		PrevFinalID: 750,
		Bids:        []PriceLevel{{Price: 9, Quantity: 2}},
	})
	require.Equal(t, Applied, res)

	r := s.Get(key)
	require.NotNil(t, r)
	assert.Equal(t, int64(1010), r.LastUpdateID)
	assert.Equal(t, []PriceLevel{{Price: 9, Quantity: 2}}, r.Bids)
	assert.False(t, s.NeedsResync(key))
}

func TestFuturesFirstEventCoverageFailureDiscards(t *testing.T) {
	s := NewStore()
	key := futuresKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 1000,
		Bids:         []PriceLevel{{Price: 9, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 10, Quantity: 1}},
	})

	// Starts beyond L+1: not a gap on the first event, just a skip.
	res := s.ApplyDiff(key, &Diff{FirstID: 1005, FinalID: 1010, PrevFinalID: 1004})
	assert.Equal(t, NotReady, res)
	assert.False(t, s.NeedsResync(key))

	r := s.Get(key)
	require.NotNil(t, r)
	assert.Equal(t, int64(1000), r.LastUpdateID)
}

func TestFuturesSoftFailureBound(t *testing.T) {
	s := NewStore()
	key := futuresKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 1000,
		Bids:         []PriceLevel{{Price: 9, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 10, Quantity: 1}},
	})
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 900, FinalID: 1010, PrevFinalID: 750, Bids: []PriceLevel{{Price: 9, Quantity: 2}}}))
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 1011, FinalID: 1012, PrevFinalID: 1010}))

	// Three consecutive continuity misses: two tolerated, third resyncs.
	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1013, FinalID: 1014, PrevFinalID: 9999}))
	assert.False(t, s.NeedsResync(key))
	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1015, FinalID: 1016, PrevFinalID: 9999}))
	assert.False(t, s.NeedsResync(key))
	assert.Equal(t, Gap, s.ApplyDiff(key, &Diff{FirstID: 1017, FinalID: 1018, PrevFinalID: 9999}))
	assert.True(t, s.NeedsResync(key))
}

func TestFuturesContinuityCounterResetsOnSuccess(t *testing.T) {
	s := NewStore()
	key := futuresKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 1000,
		Bids:         []PriceLevel{{Price: 9, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 10, Quantity: 1}},
	})
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 1000, FinalID: 1001, PrevFinalID: 999}))

	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1002, FinalID: 1003, PrevFinalID: 9999}))
	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1004, FinalID: 1005, PrevFinalID: 9999}))
	// A clean event resets the counter, so two more misses stay tolerated.
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 1002, FinalID: 1006, PrevFinalID: 1001}))
	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1007, FinalID: 1008, PrevFinalID: 9999}))
	assert.Equal(t, NotReady, s.ApplyDiff(key, &Diff{FirstID: 1009, FinalID: 1010, PrevFinalID: 9999}))
	assert.False(t, s.NeedsResync(key))
}

func TestFuturesStaleDiscardedSilently(t *testing.T) {
	s := NewStore()
	key := futuresKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 1000,
		Bids:         []PriceLevel{{Price: 9, Quantity: 1}},
		Asks:         []PriceLevel{{Price: 10, Quantity: 1}},
	})
	assert.Equal(t, Stale, s.ApplyDiff(key, &Diff{FirstID: 500, FinalID: 600, PrevFinalID: 499}))
	assert.False(t, s.NeedsResync(key))
}

func TestApplyMissingReplica(t *testing.T) {
	s := NewStore()
	assert.Equal(t, MissingReplica, s.ApplyDiff(spotKey("NOPEUSDT"), &Diff{FirstID: 1, FinalID: 2}))
}

func TestInitializeSortsAndFilters(t *testing.T) {
	s := NewStore()
	key := spotKey("ADAUSDT")
	s.Initialize(key, &Snapshot{
		LastUpdateID: 10,
		Bids: []PriceLevel{
			{Price: 9, Quantity: 1},
			{Price: 10, Quantity: 2},
			{Price: 8, Quantity: 0}, // zero qty dropped
		},
		Asks: []PriceLevel{
			{Price: 12, Quantity: 1},
			{Price: 11, Quantity: 3},
			{Price: -1, Quantity: 4}, // bad price dropped
		},
	})

	r := s.Get(key)
	require.NotNil(t, r)
	assert.Equal(t, []PriceLevel{{Price: 10, Quantity: 2}, {Price: 9, Quantity: 1}}, r.Bids)
	assert.Equal(t, []PriceLevel{{Price: 11, Quantity: 3}, {Price: 12, Quantity: 1}}, r.Asks)
	assert.Equal(t, int64(10), r.LastUpdateID)
}

func TestInsertThenDeleteRestoresLevel(t *testing.T) {
	s, key := seedSpot(t)
	before := s.Get(key)

	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{
		FirstID: 101, FinalID: 102,
		Bids: []PriceLevel{{Price: 9.5, Quantity: 3}},
	}))
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{
		FirstID: 103, FinalID: 104,
		Bids: []PriceLevel{{Price: 9.5, Quantity: 0}},
	}))

	after := s.Get(key)
	require.NotNil(t, after)
	assert.Equal(t, before.Bids, after.Bids)
	assert.Equal(t, before.Asks, after.Asks)
}

func TestSideOrderingInvariants(t *testing.T) {
	s, key := seedSpot(t)
	diffs := []*Diff{
		{FirstID: 101, FinalID: 102, Bids: []PriceLevel{{Price: 9.8, Quantity: 1}, {Price: 9.9, Quantity: 2}}},
		{FirstID: 103, FinalID: 106, Asks: []PriceLevel{{Price: 11.5, Quantity: 1}, {Price: 11.2, Quantity: 2}}},
		{FirstID: 107, FinalID: 110, Bids: []PriceLevel{{Price: 9.9, Quantity: 5}}, Asks: []PriceLevel{{Price: 11.2, Quantity: 0}}},
	}
	lastID := int64(100)
	for _, d := range diffs {
		require.Equal(t, Applied, s.ApplyDiff(key, d))
		r := s.Get(key)
		require.NotNil(t, r)

		assert.GreaterOrEqual(t, r.LastUpdateID, lastID, "update id must be monotonic")
		assert.Equal(t, d.FinalID, r.LastUpdateID)
		lastID = r.LastUpdateID

		for i := 1; i < len(r.Bids); i++ {
			assert.Less(t, r.Bids[i].Price, r.Bids[i-1].Price, "bids strictly descending")
		}
		for i := 1; i < len(r.Asks); i++ {
			assert.Greater(t, r.Asks[i].Price, r.Asks[i-1].Price, "asks strictly ascending")
		}
		for _, l := range append(append([]PriceLevel{}, r.Bids...), r.Asks...) {
			assert.Greater(t, l.Quantity, 0.0, "quantities strictly positive")
		}
		if len(r.Bids) > 0 && len(r.Asks) > 0 {
			assert.Less(t, r.Bids[0].Price, r.Asks[0].Price, "book must not cross")
		}
	}
}

func TestTruncationAtMaxLevels(t *testing.T) {
	s := NewStore()
	key := spotKey("ADAUSDT") // non-major: 300 levels
	snap := &Snapshot{LastUpdateID: 1}
	for i := 0; i < 400; i++ {
		snap.Bids = append(snap.Bids, PriceLevel{Price: 1000 - float64(i), Quantity: 1})
		snap.Asks = append(snap.Asks, PriceLevel{Price: 1001 + float64(i), Quantity: 1})
	}
	s.Initialize(key, snap)

	r := s.Get(key)
	require.NotNil(t, r)
	assert.Len(t, r.Bids, 300)
	assert.Len(t, r.Asks, 300)

	// Applying more levels keeps the cap.
	d := &Diff{FirstID: 2, FinalID: 2}
	for i := 0; i < 50; i++ {
		d.Bids = append(d.Bids, PriceLevel{Price: 1000.5 - float64(i), Quantity: 2})
	}
	require.Equal(t, Applied, s.ApplyDiff(key, d))
	r = s.Get(key)
	assert.LessOrEqual(t, len(r.Bids), 300)
}

func TestMajorSymbolCapacity(t *testing.T) {
	assert.Equal(t, 500, MaxLevels("BTCUSDT"))
	assert.Equal(t, 500, MaxLevels("ETHUSDT"))
	assert.Equal(t, 300, MaxLevels("ADAUSDT"))
}

func TestFarFromBestEntriesDiscarded(t *testing.T) {
	s, key := seedSpot(t)
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{
		FirstID: 101, FinalID: 102,
		Bids: []PriceLevel{{Price: 0.01, Quantity: 50}}, // >50% below best bid 10
		Asks: []PriceLevel{{Price: 900, Quantity: 50}},  // >50% above best ask 11
	}))
	r := s.Get(key)
	require.NotNil(t, r)
	assert.Equal(t, []PriceLevel{{Price: 10, Quantity: 1}}, r.Bids)
	assert.Equal(t, []PriceLevel{{Price: 11, Quantity: 1}}, r.Asks)
}

func TestZombieReplicaUnreadable(t *testing.T) {
	s, key := seedSpot(t)

	now := time.Now()
	s.SetClock(func() time.Time { return now.Add(MaxReplicaAge + time.Second) })
	assert.Nil(t, s.Get(key))

	age, ok := s.Age(key)
	require.True(t, ok)
	assert.Greater(t, age, MaxReplicaAge)

	// Fresh apply revives readability.
	s.SetClock(time.Now)
	require.Equal(t, Applied, s.ApplyDiff(key, &Diff{FirstID: 101, FinalID: 102, Bids: []PriceLevel{{Price: 10, Quantity: 3}}}))
	assert.NotNil(t, s.Get(key))
}

func TestClearRemovesReplica(t *testing.T) {
	s, key := seedSpot(t)
	s.Clear(key)
	assert.Nil(t, s.Get(key))
	assert.Empty(t, s.Keys())
}
