// Package app wires configuration into the running daemon: exchange client,
// order-book store, streams, metrics engine, supervisor and the HTTP facade.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/bus"
	"github.com/sawpanic/depthwatch/internal/config"
	"github.com/sawpanic/depthwatch/internal/exchange"
	"github.com/sawpanic/depthwatch/internal/httpapi"
	"github.com/sawpanic/depthwatch/internal/liquidity"
	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/stream"
	"github.com/sawpanic/depthwatch/internal/supervisor"
	"github.com/sawpanic/depthwatch/internal/telemetry"
	"github.com/sawpanic/depthwatch/internal/timeseries"
)

const spotSubscribeSpacing = time.Second

// App owns every long-lived component of the daemon.
type App struct {
	cfg     config.Config
	metrics *telemetry.Metrics

	books  *orderbook.Store
	events *bus.Bus
	client *exchange.Client
	series timeseries.Store
	engine *liquidity.Engine
	sub    *stream.Subscriber
	sup    *supervisor.Supervisor
	server *http.Server
}

// New builds the component graph without opening any connections.
func New(cfg config.Config) *App {
	metrics := telemetry.New()
	books := orderbook.NewStore()
	events := bus.New()

	client := exchange.New(exchange.Config{
		SpotRESTBase:    cfg.Exchange.SpotRESTBase,
		FuturesRESTBase: cfg.Exchange.FuturesRESTBase,
		WeightPerMinute: cfg.Exchange.WeightPerMinute,
		Timeout:         cfg.Exchange.Timeout(),
		Metrics:         metrics,
	})

	series := openStore(cfg.Timeseries)

	engine := liquidity.NewEngine(books, series, events, liquidity.EngineConfig{
		Debounce:         cfg.Metrics.Debounce(),
		CoreInterval:     cfg.Metrics.CoreSaveInterval(),
		AdvancedInterval: cfg.Metrics.AdvancedSaveInterval(),
	})

	sub := stream.New(stream.Config{
		SpotWSBase:        cfg.Stream.SpotWSBase,
		FuturesWSBase:     cfg.Stream.FuturesWSBase,
		Interval:          cfg.Stream.UpdateInterval,
		PingInterval:      cfg.Stream.PingInterval(),
		AttemptsPerMinute: cfg.Stream.MaxConnectionsPerMinute,
	}, books, events, client, metrics)

	sup := supervisor.New(supervisor.Config{
		TickInterval:     cfg.Supervisor.TickInterval(),
		RetryDelay:       cfg.Stream.ReconnectDelay(),
		MaxSymbolRetries: cfg.Supervisor.MaxSymbolRetries,
	}, sub, books, client, metrics)

	facade := httpapi.NewServer(books, engine, series, sub, sup, client, metrics.Handler())
	server := &http.Server{
		Addr:         cfg.HTTP.ListenAddr,
		Handler:      facade.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return &App{
		cfg:     cfg,
		metrics: metrics,
		books:   books,
		events:  events,
		client:  client,
		series:  series,
		engine:  engine,
		sub:     sub,
		sup:     sup,
		server:  server,
	}
}

func openStore(cfg config.TimeseriesConfig) timeseries.Store {
	switch cfg.Backend {
	case "redis":
		log.Info().Str("addr", cfg.RedisAddr).Msg("timeseries backend: redis")
		return timeseries.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	case "postgres":
		store, err := timeseries.NewPostgresStore(cfg.PostgresDSN)
		if err != nil {
			log.Error().Err(err).Msg("postgres unavailable, falling back to memory store")
			return timeseries.NewMemoryStore()
		}
		log.Info().Msg("timeseries backend: postgres")
		return store
	default:
		log.Info().Msg("timeseries backend: memory")
		return timeseries.NewMemoryStore()
	}
}

// Run boots the daemon and blocks until the context is cancelled.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Persistence is best effort: a dead store degrades to computed-only
	// metrics instead of refusing to start.
	pingCtx, pingCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := a.series.Ping(pingCtx); err != nil {
		log.Warn().Err(err).Msg("timeseries store unreachable, metrics will not persist")
	}
	pingCancel()

	go a.engine.Run(ctx)

	pairs, err := a.resolvePairs(ctx)
	if err != nil {
		return err
	}
	log.Info().Strs("pairs", pairs).Msg("starting depth subscriptions")

	for i, symbol := range pairs {
		if i > 0 {
			select {
			case <-ctx.Done():
				a.shutdown()
				return nil
			case <-time.After(spotSubscribeSpacing):
			}
		}
		if !a.sub.Subscribe(ctx, symbol, orderbook.Spot) {
			log.Warn().Str("symbol", symbol).Msg("spot subscription pending retry")
		}
	}

	if !a.sub.SubscribeFuturesCombined(ctx, pairs) {
		log.Warn().Msg("combined futures subscription pending retry")
	}

	go a.sup.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", a.server.Addr).Msg("facade listening")
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.shutdown()
		return nil
	case err := <-errCh:
		a.shutdown()
		return fmt.Errorf("app: facade server: %w", err)
	}
}

// resolvePairs returns the configured list, or the top pairs by 24h quote
// volume when none are configured.
func (a *App) resolvePairs(ctx context.Context) ([]string, error) {
	if len(a.cfg.Pairs) > 0 {
		return a.cfg.Pairs, nil
	}

	tickers, err := a.client.FetchTop24hVolumes(ctx)
	if err != nil {
		return nil, fmt.Errorf("app: pair discovery: %w", err)
	}
	sort.SliceStable(tickers, func(i, j int) bool {
		return tickers[i].SpotVolume > tickers[j].SpotVolume
	})

	limit := a.cfg.MaxPairs
	pairs := make([]string, 0, limit)
	for _, tk := range tickers {
		if !strings.HasSuffix(tk.Symbol, "USDT") {
			continue
		}
		pairs = append(pairs, tk.Symbol)
		if len(pairs) == limit {
			break
		}
	}
	if len(pairs) == 0 {
		return nil, fmt.Errorf("app: pair discovery returned no USDT pairs")
	}
	log.Info().Int("count", len(pairs)).Msg("pairs selected by 24h volume")
	return pairs, nil
}

func (a *App) shutdown() {
	log.Info().Msg("shutting down")

	a.sub.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("facade shutdown")
	}

	a.events.Close()
	if err := a.series.Close(); err != nil {
		log.Warn().Err(err).Msg("timeseries close")
	}
	log.Info().Msg("shutdown complete")
}
