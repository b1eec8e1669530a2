package liquidity

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/timeseries"
)

const (
	// DefaultDebounce coalesces bursty replica updates per pair.
	DefaultDebounce = 100 * time.Millisecond
	// DefaultSaveInterval is the minimum spacing between persisted records
	// per pair per class.
	DefaultSaveInterval = 30 * time.Second

	persistTimeout  = 5 * time.Second
	eventBufferSize = 4096
)

// EngineConfig tunes the metrics engine.
type EngineConfig struct {
	Debounce         time.Duration
	CoreInterval     time.Duration
	AdvancedInterval time.Duration
}

// DefaultEngineConfig returns the standard debounce and save cadence.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Debounce:         DefaultDebounce,
		CoreInterval:     DefaultSaveInterval,
		AdvancedInterval: DefaultSaveInterval,
	}
}

// Engine consumes replica-updated events, recomputes metrics with per-key
// debouncing and persists them at the configured cadence. Persistence is
// fire-and-forget: a slow store never blocks the compute path.
type Engine struct {
	books  *orderbook.Store
	sink   timeseries.Store
	events *bus.Bus
	sub    *bus.Subscription
	cfg    EngineConfig

	mu       sync.Mutex
	dirty    map[orderbook.PairKey]struct{}
	lastCore map[orderbook.PairKey]time.Time
	lastAdv  map[orderbook.PairKey]time.Time
	latest   map[orderbook.PairKey]*Metrics
	now      func() time.Time
}

// NewEngine wires the engine and registers its replica-updated subscription
// immediately, so diffs applied before Run starts are not lost. sink may be
// nil, disabling persistence.
func NewEngine(books *orderbook.Store, sink timeseries.Store, events *bus.Bus, cfg EngineConfig) *Engine {
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}
	if cfg.CoreInterval <= 0 {
		cfg.CoreInterval = DefaultSaveInterval
	}
	if cfg.AdvancedInterval <= 0 {
		cfg.AdvancedInterval = DefaultSaveInterval
	}
	return &Engine{
		books:    books,
		sink:     sink,
		events:   events,
		sub:      events.Subscribe(bus.TopicReplicaUpdated, eventBufferSize),
		cfg:      cfg,
		dirty:    make(map[orderbook.PairKey]struct{}),
		lastCore: make(map[orderbook.PairKey]time.Time),
		lastAdv:  make(map[orderbook.PairKey]time.Time),
		latest:   make(map[orderbook.PairKey]*Metrics),
		now:      time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (e *Engine) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.now = now
	e.mu.Unlock()
}

// Run blocks consuming events until ctx is cancelled.
func (e *Engine) Run(ctx context.Context) {
	defer e.sub.Cancel()

	ticker := time.NewTicker(e.cfg.Debounce)
	defer ticker.Stop()

	log.Info().
		Dur("debounce", e.cfg.Debounce).
		Dur("core_interval", e.cfg.CoreInterval).
		Msg("metrics engine started")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-e.sub.C:
			if !ok {
				return
			}
			e.mu.Lock()
			e.dirty[ev.Key] = struct{}{}
			e.mu.Unlock()
		case <-ticker.C:
			e.flush(ctx)
		}
	}
}

// flush drains the dirty-key set and recomputes each pair once.
func (e *Engine) flush(ctx context.Context) {
	e.mu.Lock()
	if len(e.dirty) == 0 {
		e.mu.Unlock()
		return
	}
	keys := make([]orderbook.PairKey, 0, len(e.dirty))
	for k := range e.dirty {
		keys = append(keys, k)
	}
	e.dirty = make(map[orderbook.PairKey]struct{})
	e.mu.Unlock()

	for _, key := range keys {
		e.computeKey(ctx, key)
	}
}

func (e *Engine) computeKey(ctx context.Context, key orderbook.PairKey) {
	replica := e.books.Get(key)
	if replica == nil {
		// Zombie, resyncing or gone; nothing to compute or persist.
		return
	}

	e.mu.Lock()
	now := e.now()
	e.mu.Unlock()

	m, err := Compute(replica, now.UnixMilli())
	if err != nil {
		log.Debug().Err(err).Str("pair", key.String()).Msg("metrics computation skipped")
		return
	}

	e.mu.Lock()
	e.latest[key] = m
	e.mu.Unlock()

	e.events.Publish(bus.TopicMetricsComputed, key, m)
	e.maybePersist(ctx, key, m, now)
}

// maybePersist writes core/advanced records when their cadence has elapsed.
func (e *Engine) maybePersist(ctx context.Context, key orderbook.PairKey, m *Metrics, now time.Time) {
	if e.sink == nil {
		return
	}

	e.mu.Lock()
	writeCore := now.Sub(e.lastCore[key]) >= e.cfg.CoreInterval
	if writeCore {
		e.lastCore[key] = now
	}
	writeAdv := now.Sub(e.lastAdv[key]) >= e.cfg.AdvancedInterval
	if writeAdv {
		e.lastAdv[key] = now
	}
	e.mu.Unlock()

	if !writeCore && !writeAdv {
		return
	}

	seriesKey := timeseries.NewSeriesKey(key)
	core := m.CoreRecord()
	adv := m.AdvancedRecord()
	go func() {
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
		defer cancel()
		if writeCore {
			if err := e.sink.AppendCore(wctx, seriesKey, core); err != nil {
				log.Warn().Err(err).Str("pair", key.String()).Msg("core metrics write failed")
			}
		}
		if writeAdv {
			if err := e.sink.AppendAdvanced(wctx, seriesKey, adv); err != nil {
				log.Warn().Err(err).Str("pair", key.String()).Msg("advanced metrics write failed")
			}
		}
	}()
}

// Latest returns the most recent metrics for a pair, or nil.
func (e *Engine) Latest(key orderbook.PairKey) *Metrics {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.latest[key]
}
