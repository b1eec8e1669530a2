package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/stream"
)

type fakeController struct {
	mu         sync.Mutex
	statuses   []stream.SubscriptionStatus
	retries    []*stream.FailedEntry
	subscribed []orderbook.PairKey
	unsubbed   []orderbook.PairKey
	combined   [][]string
	symbols    []string
	dropped    []orderbook.PairKey
}

func (f *fakeController) Subscribe(ctx context.Context, symbol string, segment orderbook.Segment) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.subscribed = append(f.subscribed, orderbook.NewPairKey(symbol, segment))
	return true
}

func (f *fakeController) Unsubscribe(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubbed = append(f.unsubbed, key)
}

func (f *fakeController) SubscribeFuturesCombined(ctx context.Context, symbols []string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.combined = append(f.combined, symbols)
	return true
}

func (f *fakeController) CombinedSymbols() []string { return f.symbols }

func (f *fakeController) NextRetry(minDelay time.Duration) *stream.FailedEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.retries) == 0 {
		return nil
	}
	e := f.retries[0]
	f.retries = f.retries[1:]
	e.RetryCount++
	return e
}

func (f *fakeController) DropRetry(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dropped = append(f.dropped, key)
}

func (f *fakeController) SubscriptionStatuses() []stream.SubscriptionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]stream.SubscriptionStatus(nil), f.statuses...)
}

type fakeBooks struct {
	mu      sync.Mutex
	pending []orderbook.PairKey
	cleared []orderbook.PairKey
	inits   []orderbook.PairKey
}

func (f *fakeBooks) ResyncPending() []orderbook.PairKey {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]orderbook.PairKey(nil), f.pending...)
}

func (f *fakeBooks) Clear(key orderbook.PairKey) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, key)
}

func (f *fakeBooks) Initialize(key orderbook.PairKey, snap *orderbook.Snapshot) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inits = append(f.inits, key)
	for i, p := range f.pending {
		if p == key {
			f.pending = append(f.pending[:i], f.pending[i+1:]...)
			break
		}
	}
}

type fakeFetcher struct {
	mu      sync.Mutex
	block   chan struct{}
	calls   int
	snap    *orderbook.Snapshot
	missing bool
}

func (f *fakeFetcher) fetch(ctx context.Context) (*orderbook.Snapshot, error) {
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.missing {
		return nil, nil
	}
	return f.snap, nil
}

func (f *fakeFetcher) FetchSpotDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	return f.fetch(ctx)
}

func (f *fakeFetcher) FetchFuturesDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	return f.fetch(ctx)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestSupervisor(ctrl Controller, books BookStore, fetcher stream.SnapshotFetcher) *Supervisor {
	return New(DefaultConfig(), ctrl, books, fetcher, nil)
}

func TestRetryDrainSinglePair(t *testing.T) {
	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	ctrl := &fakeController{retries: []*stream.FailedEntry{{Key: key, Reason: stream.ReasonTransport}}}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})

	sup.Tick(context.Background())

	require.Len(t, ctrl.subscribed, 1)
	assert.Equal(t, key, ctrl.subscribed[0])
	assert.Empty(t, ctrl.combined)
}

func TestRetryCombinedResendsFullList(t *testing.T) {
	ctrl := &fakeController{
		retries: []*stream.FailedEntry{{Key: stream.CombinedKey, Reason: stream.ReasonTransport}},
		symbols: []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
	}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})

	sup.Tick(context.Background())

	require.Len(t, ctrl.combined, 1)
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"}, ctrl.combined[0])
	assert.Empty(t, ctrl.subscribed)
}

func TestRetryDropsUnlistedInstrument(t *testing.T) {
	gone := orderbook.NewPairKey("GONEUSDT", orderbook.Futures)
	next := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	ctrl := &fakeController{retries: []*stream.FailedEntry{
		{Key: gone, Reason: stream.ReasonMissingInstrument, RetryCount: 10},
		{Key: next, Reason: stream.ReasonTransport},
	}}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})

	sup.Tick(context.Background())

	require.Len(t, ctrl.dropped, 1)
	assert.Equal(t, gone, ctrl.dropped[0])
	// The drop does not consume the tick's retry slot.
	require.Len(t, ctrl.subscribed, 1)
	assert.Equal(t, next, ctrl.subscribed[0])
}

func TestStallRemediationOncePerTick(t *testing.T) {
	now := time.Unix(10_000, 0)
	a := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	b := orderbook.NewPairKey("ETHUSDT", orderbook.Spot)
	ctrl := &fakeController{statuses: []stream.SubscriptionStatus{
		{Key: a, IsAlive: true, ConnectedAt: now.Add(-time.Hour), LastEventAt: now.Add(-70 * time.Second)},
		{Key: b, IsAlive: true, ConnectedAt: now.Add(-time.Hour), LastEventAt: now.Add(-90 * time.Second)},
	}}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})
	sup.SetClock(func() time.Time { return now })

	sup.Tick(context.Background())

	require.Len(t, ctrl.unsubbed, 1)
	require.Len(t, ctrl.subscribed, 1)
	assert.Equal(t, ctrl.unsubbed[0], ctrl.subscribed[0])
}

func TestHealthyPairsLeftAlone(t *testing.T) {
	now := time.Unix(10_000, 0)
	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	ctrl := &fakeController{statuses: []stream.SubscriptionStatus{
		{Key: key, IsAlive: true, ConnectedAt: now.Add(-time.Hour), LastEventAt: now.Add(-5 * time.Second)},
	}}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})
	sup.SetClock(func() time.Time { return now })

	sup.Tick(context.Background())

	assert.Empty(t, ctrl.unsubbed)
	assert.Empty(t, ctrl.subscribed)
}

func TestNeverAliveRemediation(t *testing.T) {
	now := time.Unix(10_000, 0)
	key := orderbook.NewPairKey("BTCUSDT", orderbook.Futures)
	ctrl := &fakeController{statuses: []stream.SubscriptionStatus{
		{Key: key, IsAlive: false, ConnectedAt: now.Add(-61 * time.Second)},
	}}
	sup := newTestSupervisor(ctrl, &fakeBooks{}, &fakeFetcher{})
	sup.SetClock(func() time.Time { return now })

	sup.Tick(context.Background())

	require.Len(t, ctrl.unsubbed, 1)
	assert.Equal(t, key, ctrl.unsubbed[0])
	require.Len(t, ctrl.subscribed, 1)

	// A young connection is given time to initialize.
	ctrl2 := &fakeController{statuses: []stream.SubscriptionStatus{
		{Key: key, IsAlive: false, ConnectedAt: now.Add(-30 * time.Second)},
	}}
	sup2 := newTestSupervisor(ctrl2, &fakeBooks{}, &fakeFetcher{})
	sup2.SetClock(func() time.Time { return now })
	sup2.Tick(context.Background())
	assert.Empty(t, ctrl2.unsubbed)
}

func TestResyncClearsAndReinitializes(t *testing.T) {
	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	books := &fakeBooks{pending: []orderbook.PairKey{key}}
	fetcher := &fakeFetcher{snap: &orderbook.Snapshot{
		LastUpdateID: 500,
		Bids:         []orderbook.PriceLevel{{Price: 10, Quantity: 1}},
		Asks:         []orderbook.PriceLevel{{Price: 11, Quantity: 1}},
	}}
	sup := newTestSupervisor(&fakeController{}, books, fetcher)

	sup.Tick(context.Background())

	require.Eventually(t, func() bool {
		books.mu.Lock()
		defer books.mu.Unlock()
		return len(books.inits) == 1
	}, 2*time.Second, 10*time.Millisecond)

	books.mu.Lock()
	defer books.mu.Unlock()
	require.Len(t, books.cleared, 1)
	assert.Equal(t, key, books.cleared[0])
	assert.Equal(t, key, books.inits[0])
}

func TestResyncInFlightNotDuplicated(t *testing.T) {
	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	books := &fakeBooks{pending: []orderbook.PairKey{key}}
	fetcher := &fakeFetcher{
		block: make(chan struct{}),
		snap:  &orderbook.Snapshot{LastUpdateID: 500},
	}
	sup := newTestSupervisor(&fakeController{}, books, fetcher)

	sup.Tick(context.Background())
	require.Eventually(t, func() bool {
		return len(sup.ResyncsInFlight()) == 1
	}, time.Second, 5*time.Millisecond)

	// Second tick while the fetch hangs must not start another resync.
	sup.Tick(context.Background())
	assert.Len(t, sup.ResyncsInFlight(), 1)

	close(fetcher.block)
	require.Eventually(t, func() bool {
		return len(sup.ResyncsInFlight()) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, fetcher.callCount())
}

// A dead endpoint converges to a failed-list entry with a positive retry
// count within two ticks.
func TestConvergenceAfterStreamFailure(t *testing.T) {
	books := orderbook.NewStore()
	sub := stream.New(stream.Config{
		SpotWSBase:    "ws://127.0.0.1:1",
		FuturesWSBase: "ws://127.0.0.1:1",
	}, books, bus.New(), &fakeFetcher{}, nil)
	defer sub.Close()

	require.False(t, sub.Subscribe(context.Background(), "BTCUSDT", orderbook.Spot))
	failed := sub.FailedSubscriptions()
	require.Len(t, failed, 1)
	assert.Equal(t, stream.ReasonTransport, failed[0].Reason)

	cfg := DefaultConfig()
	cfg.RetryDelay = 0
	sup := New(cfg, sub, books, &fakeFetcher{}, nil)

	sup.Tick(context.Background())
	sup.Tick(context.Background())

	failed = sub.FailedSubscriptions()
	require.Len(t, failed, 1)
	assert.GreaterOrEqual(t, failed[0].RetryCount, 1)
}
