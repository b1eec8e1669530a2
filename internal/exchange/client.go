// Package exchange is the Binance REST client used for depth snapshots and
// 24h volume discovery. It owns all process-wide REST state: the per-minute
// request-weight budget, the IP-ban flag (HTTP 418) and the rate-limit pause
// (HTTP 429).
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/telemetry"
)

const (
	defaultSpotRESTBase    = "https://api.binance.com"
	defaultFuturesRESTBase = "https://fapi.binance.com"

	// Request weights per Binance documentation.
	depthWeightShallow = 5  // limit <= 100
	depthWeightDeep    = 10 // limit == 500
	tickerWeight       = 40

	defaultWeightPerMinute = 6000
	defaultTimeout         = 12 * time.Second

	usedWeightHeader = "x-mbx-used-weight-1m"

	// Binance error code for a symbol with no instrument on the venue.
	codeInvalidSymbol = -1121
)

var (
	// ErrBanned is returned for every call after an HTTP 418 until ResetBan.
	ErrBanned = errors.New("exchange: IP banned (418), operator reset required")
	// ErrRateLimited is returned while a 429 Retry-After pause is active.
	ErrRateLimited = errors.New("exchange: rate limited (429)")
	// ErrWeightExhausted is returned when the local weight budget is spent.
	ErrWeightExhausted = errors.New("exchange: request weight budget exhausted")
)

// Config tunes the client. Zero values fall back to defaults.
type Config struct {
	SpotRESTBase    string
	FuturesRESTBase string
	WeightPerMinute int
	Timeout         time.Duration
	Metrics         *telemetry.Metrics
}

// Status is the process-wide REST state snapshot for the facade.
type Status struct {
	Banned       bool      `json:"banned"`
	PausedUntil  time.Time `json:"pausedUntil,omitempty"`
	UsedWeight1m int64     `json:"usedWeight1m"`
	SpotBreaker  string    `json:"spotBreaker"`
	FutBreaker   string    `json:"futuresBreaker"`
}

// VolumeTicker is one merged 24h volume entry.
type VolumeTicker struct {
	Symbol         string  `json:"symbol"`
	SpotVolume     float64 `json:"spotVolume"`
	FuturesVolume  float64 `json:"futuresVolume"`
	PriceChangePct float64 `json:"priceChangePercent"`
}

// Client is safe for concurrent use.
type Client struct {
	httpClient      *http.Client
	spotBase        string
	futuresBase     string
	weights         *rate.Limiter
	weightPerMinute int

	mu          sync.Mutex
	banned      bool
	pausedUntil time.Time
	usedWeight  int64

	spotBreaker    *gobreaker.CircuitBreaker
	futuresBreaker *gobreaker.CircuitBreaker

	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates a client with its weight budget and circuit breakers.
func New(cfg Config) *Client {
	if cfg.SpotRESTBase == "" {
		cfg.SpotRESTBase = defaultSpotRESTBase
	}
	if cfg.FuturesRESTBase == "" {
		cfg.FuturesRESTBase = defaultFuturesRESTBase
	}
	if cfg.WeightPerMinute <= 0 {
		cfg.WeightPerMinute = defaultWeightPerMinute
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	newBreaker := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:     name,
			Interval: time.Minute,
			Timeout:  30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn().
					Str("breaker", name).
					Str("from", from.String()).
					Str("to", to.String()).
					Msg("REST circuit breaker state change")
			},
		})
	}

	return &Client{
		httpClient:      &http.Client{Timeout: cfg.Timeout},
		spotBase:        strings.TrimRight(cfg.SpotRESTBase, "/"),
		futuresBase:     strings.TrimRight(cfg.FuturesRESTBase, "/"),
		weights:         rate.NewLimiter(rate.Limit(float64(cfg.WeightPerMinute)/60.0), cfg.WeightPerMinute),
		weightPerMinute: cfg.WeightPerMinute,
		spotBreaker:     newBreaker("binance-spot"),
		futuresBreaker:  newBreaker("binance-futures"),
		metrics:         cfg.Metrics,
		now:             time.Now,
	}
}

// SetClock overrides the wall clock, for tests.
func (c *Client) SetClock(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.mu.Unlock()
}

// DepthLimit returns the REST depth limit for a symbol: 500 levels for the
// majors, 100 otherwise.
func DepthLimit(symbol string) int {
	if orderbook.IsMajor(symbol) {
		return 500
	}
	return 100
}

func depthWeight(limit int) int {
	if limit > 100 {
		return depthWeightDeep
	}
	return depthWeightShallow
}

// gate fails fast on ban, active pause or exhausted weight budget.
func (c *Client) gate(weight int) error {
	c.mu.Lock()
	now := c.now()
	banned := c.banned
	paused := c.pausedUntil
	c.mu.Unlock()

	if banned {
		return ErrBanned
	}
	if now.Before(paused) {
		return fmt.Errorf("%w until %s", ErrRateLimited, paused.Format(time.RFC3339))
	}
	if !c.weights.AllowN(now, weight) {
		return ErrWeightExhausted
	}
	return nil
}

// handleStatus updates process-wide state from an error response.
func (c *Client) handleStatus(resp *http.Response) error {
	switch resp.StatusCode {
	case http.StatusTeapot: // 418: auto-ban
		c.mu.Lock()
		c.banned = true
		c.mu.Unlock()
		log.Error().Msg("Binance returned 418, REST calls disabled until operator reset")
		return ErrBanned
	case http.StatusTooManyRequests:
		retryAfter := 60 * time.Second
		if v := resp.Header.Get("Retry-After"); v != "" {
			if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
				retryAfter = time.Duration(secs) * time.Second
			}
		}
		c.mu.Lock()
		c.pausedUntil = c.now().Add(retryAfter)
		until := c.pausedUntil
		c.mu.Unlock()
		log.Warn().Time("paused_until", until).Msg("Binance rate limit hit, REST calls paused")
		return fmt.Errorf("%w until %s", ErrRateLimited, until.Format(time.RFC3339))
	default:
		return fmt.Errorf("exchange: unexpected HTTP %d", resp.StatusCode)
	}
}

func (c *Client) trackWeight(resp *http.Response, estimated int) {
	c.mu.Lock()
	if v := resp.Header.Get(usedWeightHeader); v != "" {
		if used, err := strconv.ParseInt(v, 10, 64); err == nil {
			c.usedWeight = used
		}
	} else {
		c.usedWeight += int64(estimated)
	}
	used := c.usedWeight
	c.mu.Unlock()
	c.metrics.SetRequestWeight(int(used))
}

// outcomeLabel maps a call result onto the rest_requests_total outcome label.
func outcomeLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrBanned):
		return "banned"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrWeightExhausted):
		return "weight_exhausted"
	default:
		return "error"
	}
}

func (c *Client) breakerFor(segment orderbook.Segment) *gobreaker.CircuitBreaker {
	if segment == orderbook.Futures {
		return c.futuresBreaker
	}
	return c.spotBreaker
}

func (c *Client) get(ctx context.Context, segment orderbook.Segment, url string, weight int) (data []byte, err error) {
	defer func() { c.metrics.RESTRequest(string(segment), outcomeLabel(err)) }()

	if err := c.gate(weight); err != nil {
		return nil, err
	}

	body, err := c.breakerFor(segment).Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("exchange: transport: %w", err)
		}
		defer resp.Body.Close()

		c.trackWeight(resp, weight)
		if resp.StatusCode != http.StatusOK {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if err := c.handleStatus(resp); err != nil {
				if errors.Is(err, ErrBanned) || errors.Is(err, ErrRateLimited) {
					return nil, err
				}
				return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(string(data)))
			}
		}
		return io.ReadAll(resp.Body)
	})
	if err != nil {
		return nil, err
	}
	return body.([]byte), nil
}

// wireDepth is the raw REST depth payload, levels as string pairs.
type wireDepth struct {
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// wireError is Binance's error envelope.
type wireError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func parseLevels(raw [][]string) []orderbook.PriceLevel {
	out := make([]orderbook.PriceLevel, 0, len(raw))
	for _, pair := range raw {
		if len(pair) < 2 {
			continue
		}
		price, err1 := strconv.ParseFloat(pair[0], 64)
		qty, err2 := strconv.ParseFloat(pair[1], 64)
		if err1 != nil || err2 != nil {
			continue
		}
		out = append(out, orderbook.PriceLevel{Price: price, Quantity: qty})
	}
	return out
}

// FetchSpotDepth fetches a spot depth snapshot.
func (c *Client) FetchSpotDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	limit := DepthLimit(symbol)
	url := fmt.Sprintf("%s/api/v3/depth?symbol=%s&limit=%d", c.spotBase, strings.ToUpper(symbol), limit)
	body, err := c.get(ctx, orderbook.Spot, url, depthWeight(limit))
	if err != nil {
		return nil, err
	}
	return decodeDepth(body)
}

// FetchFuturesDepth fetches a USD-M futures depth snapshot. A symbol with no
// futures instrument is a benign miss: (nil, nil).
func (c *Client) FetchFuturesDepth(ctx context.Context, symbol string) (*orderbook.Snapshot, error) {
	limit := DepthLimit(symbol)
	url := fmt.Sprintf("%s/fapi/v1/depth?symbol=%s&limit=%d", c.futuresBase, strings.ToUpper(symbol), limit)
	body, err := c.get(ctx, orderbook.Futures, url, depthWeight(limit))
	if err != nil {
		if isMissingInstrument(err) {
			log.Debug().Str("symbol", symbol).Msg("no futures instrument for symbol")
			return nil, nil
		}
		return nil, err
	}
	return decodeDepth(body)
}

func isMissingInstrument(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, strconv.Itoa(codeInvalidSymbol)) ||
		strings.Contains(msg, "HTTP 404")
}

func decodeDepth(body []byte) (*orderbook.Snapshot, error) {
	var raw wireDepth
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("exchange: decode depth: %w", err)
	}
	return &orderbook.Snapshot{
		LastUpdateID: raw.LastUpdateID,
		Bids:         parseLevels(raw.Bids),
		Asks:         parseLevels(raw.Asks),
	}, nil
}

// wireTicker is one 24h ticker entry.
type wireTicker struct {
	Symbol             string `json:"symbol"`
	QuoteVolume        string `json:"quoteVolume"`
	PriceChangePercent string `json:"priceChangePercent"`
}

// FetchTop24hVolumes merges spot and futures 24h quote volumes, ordered by
// spot volume descending.
func (c *Client) FetchTop24hVolumes(ctx context.Context) ([]VolumeTicker, error) {
	spotBody, err := c.get(ctx, orderbook.Spot, c.spotBase+"/api/v3/ticker/24hr", tickerWeight)
	if err != nil {
		return nil, err
	}
	var spot []wireTicker
	if err := json.Unmarshal(spotBody, &spot); err != nil {
		return nil, fmt.Errorf("exchange: decode spot tickers: %w", err)
	}

	merged := make(map[string]*VolumeTicker, len(spot))
	for _, t := range spot {
		vol, _ := strconv.ParseFloat(t.QuoteVolume, 64)
		chg, _ := strconv.ParseFloat(t.PriceChangePercent, 64)
		merged[t.Symbol] = &VolumeTicker{Symbol: t.Symbol, SpotVolume: vol, PriceChangePct: chg}
	}

	futBody, err := c.get(ctx, orderbook.Futures, c.futuresBase+"/fapi/v1/ticker/24hr", tickerWeight)
	if err != nil {
		// Futures tickers are additive; spot volumes alone still rank pairs.
		log.Warn().Err(err).Msg("futures 24h tickers unavailable")
	} else {
		var futures []wireTicker
		if err := json.Unmarshal(futBody, &futures); err != nil {
			return nil, fmt.Errorf("exchange: decode futures tickers: %w", err)
		}
		for _, t := range futures {
			vol, _ := strconv.ParseFloat(t.QuoteVolume, 64)
			entry, ok := merged[t.Symbol]
			if !ok {
				entry = &VolumeTicker{Symbol: t.Symbol}
				merged[t.Symbol] = entry
			}
			entry.FuturesVolume = vol
		}
	}

	out := make([]VolumeTicker, 0, len(merged))
	for _, v := range merged {
		out = append(out, *v)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SpotVolume > out[j].SpotVolume })
	return out, nil
}

// ResetBan clears the 418 flag after operator intervention.
func (c *Client) ResetBan() {
	c.mu.Lock()
	c.banned = false
	c.mu.Unlock()
	log.Info().Msg("exchange ban flag reset")
}

// Status reports the shared REST state.
func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		Banned:       c.banned,
		PausedUntil:  c.pausedUntil,
		UsedWeight1m: c.usedWeight,
		SpotBreaker:  c.spotBreaker.State().String(),
		FutBreaker:   c.futuresBreaker.State().String(),
	}
}
