// Package supervisor drives recovery for the stream subscriptions: retry
// drains, never-alive and stall remediations, and replica resyncs.
package supervisor

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/stream"
	"github.com/sawpanic/depthwatch/internal/telemetry"
)

// Controller is the slice of the stream subscriber the supervisor drives.
type Controller interface {
	Subscribe(ctx context.Context, symbol string, segment orderbook.Segment) bool
	Unsubscribe(key orderbook.PairKey)
	SubscribeFuturesCombined(ctx context.Context, symbols []string) bool
	CombinedSymbols() []string
	NextRetry(minDelay time.Duration) *stream.FailedEntry
	DropRetry(key orderbook.PairKey)
	SubscriptionStatuses() []stream.SubscriptionStatus
}

// BookStore is the replica surface needed for resyncs.
type BookStore interface {
	ResyncPending() []orderbook.PairKey
	Clear(key orderbook.PairKey)
	Initialize(key orderbook.PairKey, snap *orderbook.Snapshot)
}

// Config tunes the supervision loop.
type Config struct {
	TickInterval     time.Duration `yaml:"tick_interval"`
	RetryDelay       time.Duration `yaml:"retry_delay"`
	NeverAliveAfter  time.Duration `yaml:"never_alive_after"`
	StallAfter       time.Duration `yaml:"stall_after"`
	MaxSymbolRetries int           `yaml:"max_symbol_retries"`
}

func DefaultConfig() Config {
	return Config{
		TickInterval:     15 * time.Second,
		RetryDelay:       5 * time.Second,
		NeverAliveAfter:  60 * time.Second,
		StallAfter:       60 * time.Second,
		MaxSymbolRetries: 10,
	}
}

func (c *Config) normalize() {
	d := DefaultConfig()
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = d.RetryDelay
	}
	if c.NeverAliveAfter <= 0 {
		c.NeverAliveAfter = d.NeverAliveAfter
	}
	if c.StallAfter <= 0 {
		c.StallAfter = d.StallAfter
	}
	if c.MaxSymbolRetries <= 0 {
		c.MaxSymbolRetries = d.MaxSymbolRetries
	}
}

// Supervisor runs the 15s remediation loop. Each tick performs at most one
// remediation per class so a long failed list never bursts connections.
type Supervisor struct {
	cfg     Config
	ctrl    Controller
	books   BookStore
	fetcher stream.SnapshotFetcher
	metrics *telemetry.Metrics

	mu        sync.Mutex
	resyncing map[orderbook.PairKey]bool

	now func() time.Time
}

func New(cfg Config, ctrl Controller, books BookStore, fetcher stream.SnapshotFetcher, metrics *telemetry.Metrics) *Supervisor {
	cfg.normalize()
	return &Supervisor{
		cfg:       cfg,
		ctrl:      ctrl,
		books:     books,
		fetcher:   fetcher,
		metrics:   metrics,
		resyncing: make(map[orderbook.PairKey]bool),
		now:       time.Now,
	}
}

// SetClock injects a clock for tests.
func (s *Supervisor) SetClock(now func() time.Time) { s.now = now }

// Run ticks until the context ends.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	log.Info().Dur("tick", s.cfg.TickInterval).Msg("health supervisor started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("health supervisor stopped")
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick runs one supervision pass.
func (s *Supervisor) Tick(ctx context.Context) {
	s.drainRetry(ctx)
	s.scanNeverAlive(ctx)
	s.scanStalls(ctx)
	s.scanResyncs(ctx)
}

// ResyncsInFlight lists keys currently being re-initialized.
func (s *Supervisor) ResyncsInFlight() []orderbook.PairKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]orderbook.PairKey, 0, len(s.resyncing))
	for key := range s.resyncing {
		out = append(out, key)
	}
	return out
}

func (s *Supervisor) drainRetry(ctx context.Context) {
	for {
		e := s.ctrl.NextRetry(s.cfg.RetryDelay)
		if e == nil {
			return
		}

		// A futures listing that keeps coming back missing is not going to
		// appear; cap its retries instead of burning weight forever.
		if e.Reason == stream.ReasonMissingInstrument && e.RetryCount > s.cfg.MaxSymbolRetries {
			log.Warn().
				Str("symbol", e.Key.Symbol).
				Int("retries", e.RetryCount).
				Msg("dropping unlisted instrument from retry queue")
			s.ctrl.DropRetry(e.Key)
			continue
		}

		log.Info().
			Str("symbol", e.Key.Symbol).
			Str("segment", string(e.Key.Segment)).
			Str("reason", e.Reason).
			Int("attempt", e.RetryCount).
			Msg("retrying subscription")

		if e.Key == stream.CombinedKey {
			s.ctrl.SubscribeFuturesCombined(ctx, s.ctrl.CombinedSymbols())
		} else {
			s.ctrl.Subscribe(ctx, e.Key.Symbol, e.Key.Segment)
		}
		return
	}
}

func (s *Supervisor) scanNeverAlive(ctx context.Context) {
	now := s.now()
	for _, st := range s.ctrl.SubscriptionStatuses() {
		if st.IsAlive || st.ConnectedAt.IsZero() {
			continue
		}
		if now.Sub(st.ConnectedAt) <= s.cfg.NeverAliveAfter {
			continue
		}
		log.Warn().
			Str("symbol", st.Key.Symbol).
			Str("segment", string(st.Key.Segment)).
			Dur("age", now.Sub(st.ConnectedAt)).
			Msg("subscription never came alive, recycling")
		s.recycle(ctx, st.Key)
		return
	}
}

func (s *Supervisor) scanStalls(ctx context.Context) {
	now := s.now()
	for _, st := range s.ctrl.SubscriptionStatuses() {
		if !st.IsAlive || st.LastEventAt.IsZero() {
			continue
		}
		if now.Sub(st.LastEventAt) <= s.cfg.StallAfter {
			continue
		}
		log.Warn().
			Str("symbol", st.Key.Symbol).
			Str("segment", string(st.Key.Segment)).
			Dur("stale_for", now.Sub(st.LastEventAt)).
			Msg("subscription stalled, recycling")
		s.recycle(ctx, st.Key)
		return
	}
}

func (s *Supervisor) recycle(ctx context.Context, key orderbook.PairKey) {
	s.ctrl.Unsubscribe(key)
	s.ctrl.Subscribe(ctx, key.Symbol, key.Segment)
}

func (s *Supervisor) scanResyncs(ctx context.Context) {
	for _, key := range s.books.ResyncPending() {
		if !s.beginResync(key) {
			continue
		}
		go s.resync(ctx, key)
		return
	}
}

func (s *Supervisor) beginResync(key orderbook.PairKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resyncing[key] {
		return false
	}
	s.resyncing[key] = true
	return true
}

func (s *Supervisor) endResync(key orderbook.PairKey) {
	s.mu.Lock()
	delete(s.resyncing, key)
	s.mu.Unlock()
}

// resync discards the flagged replica and rebuilds it from a fresh snapshot.
// A failed fetch leaves the key unreadable; the stall scan picks it up on a
// later tick.
func (s *Supervisor) resync(ctx context.Context, key orderbook.PairKey) {
	defer s.endResync(key)

	s.books.Clear(key)

	var (
		snap *orderbook.Snapshot
		err  error
	)
	if key.Segment == orderbook.Futures {
		snap, err = s.fetcher.FetchFuturesDepth(ctx, key.Symbol)
	} else {
		snap, err = s.fetcher.FetchSpotDepth(ctx, key.Symbol)
	}
	if err != nil || snap == nil {
		log.Error().Err(err).
			Str("symbol", key.Symbol).
			Str("segment", string(key.Segment)).
			Msg("resync snapshot fetch failed")
		return
	}

	s.books.Initialize(key, snap)
	s.metrics.Resync(string(key.Segment))
	log.Info().
		Str("symbol", key.Symbol).
		Str("segment", string(key.Segment)).
		Int64("last_update_id", snap.LastUpdateID).
		Msg("replica resynced")
}
