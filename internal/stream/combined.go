package stream

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/orderbook"
)

// combinedConn is the single futures socket multiplexing every symbol.
type combinedConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex

	mu          sync.Mutex
	symbols     []string
	initialized map[string]bool
	alive       map[string]bool

	done      chan struct{}
	closeOnce sync.Once
	expected  bool
}

func newCombinedConn(ws *websocket.Conn, symbols []string) *combinedConn {
	return &combinedConn{
		ws:          ws,
		symbols:     symbols,
		initialized: make(map[string]bool, len(symbols)),
		alive:       make(map[string]bool, len(symbols)),
		done:        make(chan struct{}),
	}
}

func (c *combinedConn) writeControl(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteControl(messageType, data, time.Now().Add(writeWait))
}

func (c *combinedConn) markInitialized(symbol string) {
	c.mu.Lock()
	c.initialized[symbol] = true
	c.mu.Unlock()
}

func (c *combinedConn) isInitialized(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized[symbol]
}

func (c *combinedConn) anyInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.initialized) > 0
}

// markAlive reports whether this was the symbol's first applied diff.
func (c *combinedConn) markAlive(symbol string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.alive[symbol] {
		return false
	}
	c.alive[symbol] = true
	return true
}

func (c *combinedConn) shutdown(expected bool) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.expected = expected
		c.mu.Unlock()
		_ = c.ws.Close()
		close(c.done)
	})
}

func (c *combinedConn) wasExpected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.expected
}

// SubscribeFuturesCombined opens one combined stream for every futures
// symbol, fetches their snapshots sequentially, and blocks until at least one
// replica is readable or the init wait lapses. Failure queues the synthetic
// combined key for the supervisor.
func (s *Subscriber) SubscribeFuturesCombined(ctx context.Context, symbols []string) bool {
	if len(symbols) == 0 {
		return false
	}
	upper := make([]string, len(symbols))
	for i, sym := range symbols {
		upper[i] = strings.ToUpper(sym)
	}

	if !s.window.Allow() {
		s.fail(CombinedKey, ReasonRateLimit)
		return false
	}

	s.closeCombined()

	ws, _, err := s.dialer.DialContext(ctx, s.combinedURL(upper), nil)
	if err != nil {
		log.Error().Err(err).Int("symbols", len(upper)).Msg("combined stream dial failed")
		s.fail(CombinedKey, ReasonTransport)
		return false
	}

	c := newCombinedConn(ws, upper)
	s.mu.Lock()
	s.combined = c
	active := s.activeLocked()
	s.mu.Unlock()
	s.metrics.SetActiveConnections(active)
	s.metrics.Reconnect()

	now := s.now()
	for _, sym := range upper {
		s.status.connected(orderbook.NewPairKey(sym, orderbook.Futures), now)
	}
	log.Info().Int("symbols", len(upper)).Msg("combined futures stream connected")

	go s.combinedReadPump(c)
	go s.combinedPingLoop(c)
	go s.combinedBootstrap(ctx, c)

	deadline := s.now().Add(s.cfg.InitWait)
	for {
		if c.anyInitialized() {
			s.retries.Remove(CombinedKey)
			s.metrics.SetRetryQueueLength(s.retries.Len())
			return true
		}
		if !s.now().Before(deadline) {
			s.fail(CombinedKey, ReasonInitTimeout)
			c.shutdown(true)
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(initPollInterval):
		}
	}
}

// CombinedSymbols returns the full symbol list of the current (or last)
// combined stream so a retry re-sends all of it.
func (s *Subscriber) CombinedSymbols() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.combined == nil {
		return append([]string(nil), s.lastCombined...)
	}
	return append([]string(nil), s.combined.symbols...)
}

func (s *Subscriber) combinedURL(symbols []string) string {
	names := make([]string, len(symbols))
	for i, sym := range symbols {
		names[i] = StreamName(sym, s.cfg.Interval)
	}
	return s.cfg.FuturesWSBase + "/stream?streams=" + strings.Join(names, "/")
}

func (s *Subscriber) closeCombined() {
	s.mu.Lock()
	c := s.combined
	s.combined = nil
	if c != nil {
		s.lastCombined = append([]string(nil), c.symbols...)
	}
	s.mu.Unlock()
	if c != nil {
		c.shutdown(true)
	}
}

// combinedBootstrap fetches each symbol's snapshot in turn with a fixed
// spacing so the REST weight budget is never burst through.
func (s *Subscriber) combinedBootstrap(ctx context.Context, c *combinedConn) {
	for i, sym := range c.symbols {
		if i > 0 {
			select {
			case <-ctx.Done():
				return
			case <-c.done:
				return
			case <-time.After(s.cfg.SnapshotSpacing):
			}
		}

		key := orderbook.NewPairKey(sym, orderbook.Futures)
		snap, reason := s.fetchSnapshot(ctx, key)
		if reason == ReasonMissingInstrument {
			log.Warn().Str("symbol", sym).Msg("futures instrument missing, skipping")
			s.status.failed(key, reason)
			continue
		}
		if reason != "" {
			log.Warn().Str("symbol", sym).Str("reason", reason).Msg("combined snapshot failed")
			s.status.failed(key, reason)
			continue
		}

		s.books.Initialize(key, snap)
		s.metrics.Resync(string(orderbook.Futures))
		c.markInitialized(sym)
	}
}

func (s *Subscriber) combinedReadPump(c *combinedConn) {
	c.ws.SetPingHandler(func(appData string) error {
		return c.writeControl(websocket.PongMessage, []byte(appData))
	})
	defer s.onCombinedClose(c)

	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		s.handleCombinedMessage(c, msg)
	}
}

func (s *Subscriber) handleCombinedMessage(c *combinedConn, msg []byte) {
	env, err := parseEnvelope(msg)
	if err != nil {
		log.Warn().Err(err).Msg("bad combined message")
		return
	}
	symbol := SymbolFromStream(env.Stream)
	if !c.isInitialized(symbol) {
		return
	}

	d, err := parseDepthEvent(env.Data)
	if err != nil || d == nil {
		return
	}

	key := orderbook.NewPairKey(symbol, orderbook.Futures)
	s.applyCombinedDiff(key, c, d)
}

func (s *Subscriber) applyCombinedDiff(key orderbook.PairKey, c *combinedConn, d *orderbook.Diff) {
	start := time.Now()
	res := s.books.ApplyDiff(key, d)
	s.metrics.ObserveApply(time.Since(start).Seconds())

	switch res {
	case orderbook.Applied:
		s.metrics.DiffApplied(string(key.Segment))
		s.status.event(key, s.now())
		if c.markAlive(key.Symbol) {
			s.status.alive(key)
			log.Info().Str("symbol", key.Symbol).Msg("futures subscription alive")
		}
		s.bus.Publish(bus.TopicReplicaUpdated, key, nil)
	case orderbook.Gap:
		s.metrics.Gap(string(key.Segment))
		log.Warn().
			Str("symbol", key.Symbol).
			Int64("final_id", d.FinalID).
			Msg("futures sequence gap, resync required")
		s.bus.Publish(bus.TopicError, key, "sequence gap")
	}
}

func (s *Subscriber) combinedPingLoop(c *combinedConn) {
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

func (s *Subscriber) onCombinedClose(c *combinedConn) {
	c.shutdown(c.wasExpected())

	s.mu.Lock()
	if s.combined == c {
		s.combined = nil
		s.lastCombined = append([]string(nil), c.symbols...)
	}
	active := s.activeLocked()
	s.mu.Unlock()
	s.metrics.SetActiveConnections(active)

	if c.wasExpected() {
		return
	}
	for _, sym := range c.symbols {
		s.status.failed(orderbook.NewPairKey(sym, orderbook.Futures), ReasonTransport)
	}
	log.Warn().Int("symbols", len(c.symbols)).Msg("combined futures stream closed")
	s.retries.Add(CombinedKey, ReasonTransport)
	s.metrics.SetRetryQueueLength(s.retries.Len())
}
