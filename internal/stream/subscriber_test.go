package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/orderbook"
)

type fakeFetcher struct {
	mu       sync.Mutex
	spot     map[string]*orderbook.Snapshot
	futures  map[string]*orderbook.Snapshot
	spotErr  error
	gate     chan struct{} // when set, spot fetches wait for it
	calls    int
	futCalls []string
}

func (f *fakeFetcher) FetchSpotDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		// Let the read pump buffer whatever the server already sent.
		time.Sleep(150 * time.Millisecond)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.spotErr != nil {
		return nil, f.spotErr
	}
	return cloneSnapshot(f.spot[symbol]), nil
}

func (f *fakeFetcher) FetchFuturesDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.futCalls = append(f.futCalls, symbol)
	return cloneSnapshot(f.futures[symbol]), nil
}

func cloneSnapshot(s *orderbook.Snapshot) *orderbook.Snapshot {
	if s == nil {
		return nil
	}
	out := &orderbook.Snapshot{LastUpdateID: s.LastUpdateID}
	out.Bids = append(out.Bids, s.Bids...)
	out.Asks = append(out.Asks, s.Asks...)
	return out
}

func diffJSON(symbol string, firstID, finalID, prevFinal int64, bids, asks string) string {
	return fmt.Sprintf(`{"e":"depthUpdate","E":%d,"s":%q,"U":%d,"u":%d,"pu":%d,"b":%s,"a":%s}`,
		time.Now().UnixMilli(), symbol, firstID, finalID, prevFinal, bids, asks)
}

func wsBase(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func newTestSubscriber(base string, fetcher SnapshotFetcher) (*Subscriber, *orderbook.Store) {
	cfg := DefaultConfig()
	cfg.SpotWSBase = base
	cfg.FuturesWSBase = base
	cfg.InitWait = 5 * time.Second
	cfg.SnapshotSpacing = 10 * time.Millisecond
	books := orderbook.NewStore()
	return New(cfg, books, bus.New(), fetcher, nil), books
}

func TestSubscribeBuffersThenDrains(t *testing.T) {
	var upgrader websocket.Upgrader
	sent := make(chan struct{})
	hold := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/ws/btcusdt@depth", r.URL.Path)
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		// Both arrive before the snapshot exists client-side.
		stale := diffJSON("BTCUSDT", 95, 100, 0, `[["9.50","7"]]`, `[]`)
		fresh := diffJSON("BTCUSDT", 106, 110, 0, `[["10.50","3"]]`, `[["11.20","1"]]`)
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(stale)))
		require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(fresh)))
		close(sent)
		<-hold
	}))
	defer srv.Close()
	defer close(hold)

	fetcher := &fakeFetcher{
		gate: sent,
		spot: map[string]*orderbook.Snapshot{
			"BTCUSDT": {
				LastUpdateID: 105,
				Bids:         []orderbook.PriceLevel{{Price: 10, Quantity: 2}},
				Asks:         []orderbook.PriceLevel{{Price: 11, Quantity: 3}},
			},
		},
	}
	sub, books := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	sub.retries.Add(key, ReasonTransport)

	require.True(t, sub.Subscribe(context.Background(), "btcusdt", orderbook.Spot))

	require.Eventually(t, func() bool {
		st, ok := sub.Status(key)
		return ok && st.IsAlive
	}, 2*time.Second, 10*time.Millisecond, "first applied diff flips liveness")

	view := books.View(key, 10)
	require.NotNil(t, view)
	require.Len(t, view.Bids, 2)
	assert.Equal(t, 10.50, view.Bids[0].Price)
	assert.Equal(t, 3.0, view.Bids[0].Quantity)
	assert.Equal(t, 10.0, view.Bids[1].Price)
	// The stale diff's level never lands.
	for _, lvl := range view.Bids {
		assert.NotEqual(t, 9.50, lvl.Price)
	}
	assert.Equal(t, int64(110), view.LastUpdateID)

	// Coming alive clears the retry entry.
	assert.Empty(t, sub.FailedSubscriptions())
	assert.Equal(t, 1, fetcher.calls)
}

func TestSubscribeAdmissionLimit(t *testing.T) {
	fetcher := &fakeFetcher{}
	sub, _ := newTestSubscriber("ws://127.0.0.1:1", fetcher)
	defer sub.Close()

	now := time.Unix(9000, 0)
	sub.SetClock(func() time.Time { return now })
	for i := 0; i < defaultAttemptLimit; i++ {
		sub.window.Allow()
	}

	assert.False(t, sub.Subscribe(context.Background(), "BTCUSDT", orderbook.Spot))

	failed := sub.FailedSubscriptions()
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonRateLimit, failed[0].Reason)
	assert.Zero(t, fetcher.calls)
}

func TestSubscribeSnapshotErrorQueuesRetry(t *testing.T) {
	var upgrader websocket.Upgrader
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{spotErr: fmt.Errorf("exchange: depth request: HTTP 500")}
	sub, _ := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	cfgShort := sub.cfg
	cfgShort.InitWait = 300 * time.Millisecond
	sub.cfg = cfgShort

	assert.False(t, sub.Subscribe(context.Background(), "BTCUSDT", orderbook.Spot))

	failed := sub.FailedSubscriptions()
	require.Len(t, failed, 1)
	assert.Equal(t, ReasonSnapshotHTTP, failed[0].Reason)
}

func TestTransportCloseEnqueuesRetry(t *testing.T) {
	var upgrader websocket.Upgrader
	drop := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-drop
		ws.Close()
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{
		spot: map[string]*orderbook.Snapshot{
			"BTCUSDT": {
				LastUpdateID: 50,
				Bids:         []orderbook.PriceLevel{{Price: 10, Quantity: 1}},
				Asks:         []orderbook.PriceLevel{{Price: 11, Quantity: 1}},
			},
		},
	}
	sub, _ := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	require.True(t, sub.Subscribe(context.Background(), "BTCUSDT", orderbook.Spot))
	assert.Equal(t, 1, sub.OverallStatus().ActiveConnections)

	close(drop)

	require.Eventually(t, func() bool {
		for _, e := range sub.FailedSubscriptions() {
			if e.Key == key && e.Reason == ReasonTransport {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := sub.Status(key)
	require.True(t, ok)
	assert.False(t, st.IsAlive)
	assert.Zero(t, sub.OverallStatus().ActiveConnections)
}

func TestUnsubscribeClearsStatusWithoutRetry(t *testing.T) {
	var upgrader websocket.Upgrader
	hold := make(chan struct{})
	defer close(hold)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-hold
		ws.Close()
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{
		spot: map[string]*orderbook.Snapshot{
			"BTCUSDT": {
				LastUpdateID: 50,
				Bids:         []orderbook.PriceLevel{{Price: 10, Quantity: 1}},
				Asks:         []orderbook.PriceLevel{{Price: 11, Quantity: 1}},
			},
		},
	}
	sub, _ := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	key := orderbook.NewPairKey("BTCUSDT", orderbook.Spot)
	require.True(t, sub.Subscribe(context.Background(), "BTCUSDT", orderbook.Spot))
	_, ok := sub.Status(key)
	require.True(t, ok)

	sub.Unsubscribe(key)

	_, ok = sub.Status(key)
	assert.False(t, ok, "deliberate unsubscribe drops the status entry")
	assert.Empty(t, sub.FailedSubscriptions())
	assert.Zero(t, sub.OverallStatus().ActiveConnections)
}

func TestSubscribeFuturesCombined(t *testing.T) {
	var upgrader websocket.Upgrader

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stream", r.URL.Path)
		assert.Equal(t, "btcusdt@depth/ethusdt@depth/xxxusdt@depth", r.URL.Query().Get("streams"))
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer ws.Close()

		// Every diff reaches back past the snapshot id and links to the
		// previous one via pu, so whichever the client sees first applies.
		last := int64(1010)
		prev := int64(0)
		for i := 0; i < 300; i++ {
			msg := diffJSON("BTCUSDT", 990, last, prev, `[["100.5","2"]]`, `[["101.5","1"]]`)
			env := fmt.Sprintf(`{"stream":"btcusdt@depth","data":%s}`, msg)
			if ws.WriteMessage(websocket.TextMessage, []byte(env)) != nil {
				return
			}
			prev = last
			last += 10
			time.Sleep(10 * time.Millisecond)
		}
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{
		futures: map[string]*orderbook.Snapshot{
			"BTCUSDT": {
				LastUpdateID: 1000,
				Bids:         []orderbook.PriceLevel{{Price: 100, Quantity: 5}},
				Asks:         []orderbook.PriceLevel{{Price: 101, Quantity: 5}},
			},
			"ETHUSDT": {
				LastUpdateID: 2000,
				Bids:         []orderbook.PriceLevel{{Price: 20, Quantity: 5}},
				Asks:         []orderbook.PriceLevel{{Price: 21, Quantity: 5}},
			},
			// XXXUSDT has no futures listing: fetcher returns (nil, nil).
		},
	}
	sub, books := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	ok := sub.SubscribeFuturesCombined(context.Background(), []string{"btcusdt", "ethusdt", "xxxusdt"})
	require.True(t, ok)

	btc := orderbook.NewPairKey("BTCUSDT", orderbook.Futures)
	require.Eventually(t, func() bool {
		st, ok := sub.Status(btc)
		return ok && st.IsAlive
	}, 3*time.Second, 20*time.Millisecond)

	view := books.View(btc, 10)
	require.NotNil(t, view)
	assert.Equal(t, 100.5, view.Bids[0].Price)

	// ETHUSDT gets its snapshot even with no stream traffic.
	require.Eventually(t, func() bool {
		return books.View(orderbook.NewPairKey("ETHUSDT", orderbook.Futures), 1) != nil
	}, 3*time.Second, 20*time.Millisecond)

	// The missing instrument is skipped, not fatal.
	missing := orderbook.NewPairKey("XXXUSDT", orderbook.Futures)
	require.Eventually(t, func() bool {
		st, ok := sub.Status(missing)
		return ok && st.LastError == ReasonMissingInstrument
	}, 3*time.Second, 20*time.Millisecond)

	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT", "XXXUSDT"}, sub.CombinedSymbols())
}

func TestCombinedCloseQueuesSyntheticKey(t *testing.T) {
	var upgrader websocket.Upgrader
	drop := make(chan struct{})

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		<-drop
		ws.Close()
	}))
	defer srv.Close()

	fetcher := &fakeFetcher{
		futures: map[string]*orderbook.Snapshot{
			"BTCUSDT": {
				LastUpdateID: 1000,
				Bids:         []orderbook.PriceLevel{{Price: 100, Quantity: 5}},
				Asks:         []orderbook.PriceLevel{{Price: 101, Quantity: 5}},
			},
		},
	}
	sub, _ := newTestSubscriber(wsBase(srv), fetcher)
	defer sub.Close()

	require.True(t, sub.SubscribeFuturesCombined(context.Background(), []string{"BTCUSDT"}))
	close(drop)

	require.Eventually(t, func() bool {
		for _, e := range sub.FailedSubscriptions() {
			if e.Key == CombinedKey && e.Reason == ReasonTransport {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)

	st, ok := sub.Status(orderbook.NewPairKey("BTCUSDT", orderbook.Futures))
	require.True(t, ok)
	assert.False(t, st.IsAlive)
	assert.Equal(t, []string{"BTCUSDT"}, sub.CombinedSymbols())
}
