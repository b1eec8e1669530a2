package stream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/exchange"
	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/telemetry"
)

// Retry-queue reasons. The supervisor matches on these strings.
const (
	ReasonRateLimit         = "connection rate limit"
	ReasonRateLimitedSnap   = "rate-limited snapshot"
	ReasonSnapshotHTTP      = "snapshot http error"
	ReasonTransport         = "ws transport error"
	ReasonInitTimeout       = "init timeout"
	ReasonMissingInstrument = "missing instrument"
)

const (
	defaultPingInterval = 30 * time.Second
	defaultInitWait     = 30 * time.Second
	defaultAttemptLimit = 50
	writeWait           = 10 * time.Second
	initPollInterval    = 100 * time.Millisecond
)

// SnapshotFetcher is the REST surface the subscriber needs. *exchange.Client
// satisfies it; tests substitute fakes.
type SnapshotFetcher interface {
	FetchSpotDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error)
	FetchFuturesDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error)
}

// Config carries the stream endpoints and timing knobs.
type Config struct {
	SpotWSBase    string `yaml:"spot_ws_base"`
	FuturesWSBase string `yaml:"futures_ws_base"`
	Interval      string `yaml:"update_interval"`

	PingInterval      time.Duration `yaml:"ping_interval"`
	InitWait          time.Duration `yaml:"init_wait"`
	AttemptsPerMinute int           `yaml:"max_connections_per_minute"`
	SnapshotSpacing   time.Duration `yaml:"snapshot_spacing"`
}

// DefaultConfig returns the production endpoints and timings.
func DefaultConfig() Config {
	return Config{
		SpotWSBase:        "wss://stream.binance.com:9443",
		FuturesWSBase:     "wss://fstream.binance.com",
		Interval:          Interval1000ms,
		PingInterval:      defaultPingInterval,
		InitWait:          defaultInitWait,
		AttemptsPerMinute: defaultAttemptLimit,
		SnapshotSpacing:   500 * time.Millisecond,
	}
}

func (c *Config) normalize() {
	if c.PingInterval <= 0 {
		c.PingInterval = defaultPingInterval
	}
	if c.InitWait <= 0 {
		c.InitWait = defaultInitWait
	}
	if c.AttemptsPerMinute <= 0 {
		c.AttemptsPerMinute = defaultAttemptLimit
	}
	if c.SnapshotSpacing <= 0 {
		c.SnapshotSpacing = 500 * time.Millisecond
	}
}

// conn is one live websocket with its initialization state.
type conn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu            sync.Mutex
	buffer        []*orderbook.Diff
	snapshotReady bool
	draining      bool
	alive         bool

	done      chan struct{}
	closeOnce sync.Once
	expected  bool // deliberate close, skip the retry queue
}

func newConn(ws *websocket.Conn) *conn {
	return &conn{ws: ws, done: make(chan struct{})}
}

func (c *conn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

// markAlive reports whether this call was the first.
func (c *conn) markAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive {
		return false
	}
	c.alive = true
	return true
}

func (c *conn) shutdown(expected bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.expected = expected
		c.mu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *conn) wasExpected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected
}

// Subscriber maintains depth-stream connections and their replicas.
type Subscriber struct {
	cfg     Config
	books   *orderbook.Store
	bus     *bus.Bus
	fetcher SnapshotFetcher
	metrics *telemetry.Metrics
	dialer  *websocket.Dialer

	window  *attemptWindow
	retries *retryQueue
	status  *statusBoard

	mu           sync.Mutex
	conns        map[orderbook.PairKey]*conn
	combined     *combinedConn
	lastCombined []string

	now func() time.Time
}

func New(cfg Config, books *orderbook.Store, b *bus.Bus, fetcher SnapshotFetcher, metrics *telemetry.Metrics) *Subscriber {
	cfg.normalize()
	now := time.Now
	return &Subscriber{
		cfg:     cfg,
		books:   books,
		bus:     b,
		fetcher: fetcher,
		metrics: metrics,
		dialer:  websocket.DefaultDialer,
		window:  newAttemptWindow(cfg.AttemptsPerMinute, now),
		retries: newRetryQueue(now),
		status:  newStatusBoard(),
		conns:   make(map[orderbook.PairKey]*conn),
		now:     now,
	}
}

// Subscribe opens one depth stream for the pair and blocks until its replica
// is readable, up to the configured init wait. Failures land in the retry
// queue for the supervisor.
func (s *Subscriber) Subscribe(ctx context.Context, symbol string, segment orderbook.Segment) bool {
	key := orderbook.NewPairKey(symbol, segment)

	if !s.window.Allow() {
		s.fail(key, ReasonRateLimit)
		return false
	}

	s.Unsubscribe(key)

	wsURL := s.singleURL(key)
	ws, _, err := s.dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		log.Error().Err(err).Str("symbol", key.Symbol).Str("segment", string(key.Segment)).Msg("depth stream dial failed")
		s.fail(key, ReasonTransport)
		return false
	}

	c := newConn(ws)
	s.mu.Lock()
	s.conns[key] = c
	active := s.activeLocked()
	s.mu.Unlock()
	s.metrics.SetActiveConnections(active)
	s.metrics.Reconnect()
	s.status.connected(key, s.now())

	log.Info().Str("symbol", key.Symbol).Str("segment", string(key.Segment)).Msg("depth stream connected")

	go s.readPump(key, c)
	go s.pingLoop(c)
	go s.bootstrap(ctx, key, c)

	if s.waitReadable(ctx, key, c) {
		return true
	}
	// Bootstrap failures record their own reason first.
	if !s.retries.Has(key) {
		s.fail(key, ReasonInitTimeout)
	}
	c.shutdown(true)
	return false
}

// Unsubscribe deliberately closes the pair's connection without queueing a
// retry.
func (s *Subscriber) Unsubscribe(key orderbook.PairKey) {
	s.mu.Lock()
	c := s.conns[key]
	delete(s.conns, key)
	s.mu.Unlock()
	if c != nil {
		c.shutdown(true)
	}
	s.status.remove(key)
}

// Close shuts down every connection, including the combined stream.
func (s *Subscriber) Close() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[orderbook.PairKey]*conn)
	cc := s.combined
	s.combined = nil
	s.mu.Unlock()

	for _, c := range conns {
		c.shutdown(true)
	}
	if cc != nil {
		cc.shutdown(true)
	}
	s.metrics.SetActiveConnections(0)
}

func (s *Subscriber) singleURL(key orderbook.PairKey) string {
	base := s.cfg.SpotWSBase
	if key.Segment == orderbook.Futures {
		base = s.cfg.FuturesWSBase
	}
	return base + "/ws/" + StreamName(key.Symbol, s.cfg.Interval)
}

func (s *Subscriber) activeLocked() int {
	n := len(s.conns)
	if s.combined != nil {
		n++
	}
	return n
}

func (s *Subscriber) waitReadable(ctx context.Context, key orderbook.PairKey, c *conn) bool {
	deadline := s.now().Add(s.cfg.InitWait)
	for {
		if s.books.Get(key) != nil {
			return true
		}
		if !s.now().Before(deadline) {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-c.done:
			return s.books.Get(key) != nil
		case <-time.After(initPollInterval):
		}
	}
}

func (s *Subscriber) readPump(key orderbook.PairKey, c *conn) {
	c.ws.SetPingHandler(func(appData string) error {
		return c.writeControl(websocket.PongMessage, []byte(appData))
	})
	defer s.onClose(key, c)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleMessage(key, c, msg)
	}
}

func (s *Subscriber) handleMessage(key orderbook.PairKey, c *conn, msg []byte) {
	d, err := parseDepthEvent(msg)
	if err != nil {
		log.Warn().Err(err).Str("symbol", key.Symbol).Msg("bad depth message")
		return
	}
	if d == nil {
		return
	}

	c.mu.Lock()
	if !c.snapshotReady || c.draining {
		c.buffer = append(c.buffer, d)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	s.applyDiff(key, c, d)
}

func (s *Subscriber) pingLoop(c *conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			if err := c.writeControl(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// bootstrap fetches the REST snapshot, initializes the replica, and drains
// the buffered diffs in order, discarding those the snapshot already covers.
func (s *Subscriber) bootstrap(ctx context.Context, key orderbook.PairKey, c *conn) {
	snap, reason := s.fetchSnapshot(ctx, key)
	if reason != "" {
		s.fail(key, reason)
		c.shutdown(true)
		return
	}

	s.books.Initialize(key, snap)
	s.metrics.Resync(string(key.Segment))

	c.mu.Lock()
	c.snapshotReady = true
	c.draining = true
	c.mu.Unlock()

	for {
		c.mu.Lock()
		if len(c.buffer) == 0 {
			c.draining = false
			c.mu.Unlock()
			break
		}
		batch := c.buffer
		c.buffer = nil
		c.mu.Unlock()

		for _, d := range batch {
			if d.FinalID <= snap.LastUpdateID {
				continue
			}
			s.applyDiff(key, c, d)
		}
	}

	log.Debug().
		Str("symbol", key.Symbol).
		Str("segment", string(key.Segment)).
		Int64("last_update_id", snap.LastUpdateID).
		Msg("replica initialized")
}

func (s *Subscriber) fetchSnapshot(ctx context.Context, key orderbook.PairKey) (*orderbook.Snapshot, string) {
	var (
		snap *orderbook.Snapshot
		err  error
	)
	if key.Segment == orderbook.Futures {
		snap, err = s.fetcher.FetchFuturesDepth(ctx, key.Symbol)
	} else {
		snap, err = s.fetcher.FetchSpotDepth(ctx, key.Symbol)
	}
	switch {
	case err == nil && snap == nil:
		return nil, ReasonMissingInstrument
	case errors.Is(err, exchange.ErrRateLimited), errors.Is(err, exchange.ErrWeightExhausted):
		return nil, ReasonRateLimitedSnap
	case err != nil:
		log.Error().Err(err).Str("symbol", key.Symbol).Str("segment", string(key.Segment)).Msg("snapshot fetch failed")
		return nil, ReasonSnapshotHTTP
	}
	return snap, ""
}

func (s *Subscriber) applyDiff(key orderbook.PairKey, c *conn, d *orderbook.Diff) {
	start := time.Now()
	res := s.books.ApplyDiff(key, d)
	s.metrics.ObserveApply(time.Since(start).Seconds())

	switch res {
	case orderbook.Applied:
		s.metrics.DiffApplied(string(key.Segment))
		s.status.event(key, s.now())
		if c.markAlive() {
			s.status.alive(key)
			s.retries.Remove(key)
			s.metrics.SetRetryQueueLength(s.retries.Len())
			log.Info().Str("symbol", key.Symbol).Str("segment", string(key.Segment)).Msg("subscription alive")
		}
		s.bus.Publish(bus.TopicReplicaUpdated, key, nil)
	case orderbook.Gap:
		s.metrics.Gap(string(key.Segment))
		log.Warn().
			Str("symbol", key.Symbol).
			Str("segment", string(key.Segment)).
			Int64("first_id", d.FirstID).
			Int64("final_id", d.FinalID).
			Msg("sequence gap, resync required")
		s.bus.Publish(bus.TopicError, key, "sequence gap")
	}
}

func (s *Subscriber) onClose(key orderbook.PairKey, c *conn) {
	c.shutdown(c.wasExpected())

	s.mu.Lock()
	if s.conns[key] == c {
		delete(s.conns, key)
	}
	active := s.activeLocked()
	s.mu.Unlock()
	s.metrics.SetActiveConnections(active)

	if c.wasExpected() {
		return
	}
	log.Warn().Str("symbol", key.Symbol).Str("segment", string(key.Segment)).Msg("depth stream closed")
	s.fail(key, ReasonTransport)
}

func (s *Subscriber) fail(key orderbook.PairKey, reason string) {
	s.status.failed(key, reason)
	s.retries.Add(key, reason)
	s.metrics.SetRetryQueueLength(s.retries.Len())
}

// FailedSubscriptions lists the retry queue.
func (s *Subscriber) FailedSubscriptions() []FailedEntry {
	return s.retries.List()
}

// NextRetry hands the supervisor the oldest entry whose last attempt is at
// least minDelay old, or nil.
func (s *Subscriber) NextRetry(minDelay time.Duration) *FailedEntry {
	e := s.retries.NextReady(minDelay)
	s.metrics.SetRetryQueueLength(s.retries.Len())
	return e
}

// DropRetry removes an entry the supervisor has given up on.
func (s *Subscriber) DropRetry(key orderbook.PairKey) {
	s.retries.Remove(key)
	s.metrics.SetRetryQueueLength(s.retries.Len())
}

// SubscriptionStatuses snapshots per-pair health.
func (s *Subscriber) SubscriptionStatuses() []SubscriptionStatus {
	return s.status.list()
}

// Status returns one pair's health.
func (s *Subscriber) Status(key orderbook.PairKey) (SubscriptionStatus, bool) {
	return s.status.get(key)
}

// Overall is the aggregate connection picture for the status endpoint.
type Overall struct {
	ActiveConnections int           `json:"activeConnections"`
	RecentAttempts    int           `json:"recentAttempts"`
	AttemptLimit      int           `json:"attemptLimit"`
	FailedCount       int           `json:"failedCount"`
	Failed            []FailedEntry `json:"failed,omitempty"`
}

func (s *Subscriber) OverallStatus() Overall {
	s.mu.Lock()
	active := s.activeLocked()
	s.mu.Unlock()
	failed := s.retries.List()
	return Overall{
		ActiveConnections: active,
		RecentAttempts:    s.window.Count(),
		AttemptLimit:      s.cfg.AttemptsPerMinute,
		FailedCount:       len(failed),
		Failed:            failed,
	}
}

// SetClock injects a clock for retry and admission timing in tests. The
// websocket plumbing keeps wall time.
func (s *Subscriber) SetClock(now func() time.Time) {
	s.now = now
	s.window.now = now
	s.retries.now = now
}
