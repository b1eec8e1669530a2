// Package httpapi serves the observability facade: health, status, replica
// snapshots, latest liquidity metrics, time-series queries and Prometheus
// exposition.
package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/depthwatch/internal/exchange"
	"github.com/sawpanic/depthwatch/internal/liquidity"
	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/stream"
	"github.com/sawpanic/depthwatch/internal/timeseries"
)

const defaultSnapshotLevels = 20

// StatusSource is the stream subscriber's health surface.
type StatusSource interface {
	OverallStatus() stream.Overall
	SubscriptionStatuses() []stream.SubscriptionStatus
}

// ResyncSource reports in-flight resyncs.
type ResyncSource interface {
	ResyncsInFlight() []orderbook.PairKey
}

// MetricsSource serves the latest computed liquidity metrics.
type MetricsSource interface {
	Latest(key orderbook.PairKey) *liquidity.Metrics
}

// ExchangeSource reports REST client state and accepts the operator's
// ban-flag reset.
type ExchangeSource interface {
	Status() exchange.Status
	ResetBan()
}

// Server routes the facade. Any nil source disables its endpoints with 503.
type Server struct {
	books    *orderbook.Store
	metrics  MetricsSource
	series   timeseries.Store
	statuses StatusSource
	resyncs  ResyncSource
	rest     ExchangeSource
	promh    http.Handler

	now func() time.Time
}

func NewServer(books *orderbook.Store, metrics MetricsSource, series timeseries.Store, statuses StatusSource, resyncs ResyncSource, rest ExchangeSource, promh http.Handler) *Server {
	return &Server{
		books:    books,
		metrics:  metrics,
		series:   series,
		statuses: statuses,
		resyncs:  resyncs,
		rest:     rest,
		promh:    promh,
		now:      time.Now,
	}
}

// Router builds the mux router for the facade.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", s.handleStatus).Methods(http.MethodGet)
	r.HandleFunc("/api/orderbook/{segment}/{symbol}", s.handleOrderBook).Methods(http.MethodGet)
	r.HandleFunc("/api/liquidity/{segment}/{symbol}", s.handleLiquidity).Methods(http.MethodGet)
	r.HandleFunc("/api/timeseries/{segment}/{symbol}", s.handleTimeseries).Methods(http.MethodGet)
	r.HandleFunc("/api/exchange/reset-ban", s.handleResetBan).Methods(http.MethodPost)
	if s.promh != nil {
		r.Handle("/metrics", s.promh).Methods(http.MethodGet)
	}
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("facade response encode failed")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func pairKeyFromRequest(r *http.Request) (orderbook.PairKey, bool) {
	vars := mux.Vars(r)
	var segment orderbook.Segment
	switch strings.ToLower(vars["segment"]) {
	case "spot":
		segment = orderbook.Spot
	case "futures":
		segment = orderbook.Futures
	default:
		return orderbook.PairKey{}, false
	}
	symbol := vars["symbol"]
	if symbol == "" {
		return orderbook.PairKey{}, false
	}
	return orderbook.NewPairKey(symbol, segment), true
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type statusResponse struct {
	Overall       stream.Overall      `json:"connections"`
	Subscriptions []subscriptionView  `json:"subscriptions"`
	Resyncs       []orderbook.PairKey `json:"resyncsInProgress"`
	Exchange      *exchange.Status    `json:"exchange,omitempty"`
	Timeseries    map[string]string   `json:"timeseries,omitempty"`
}

type subscriptionView struct {
	Key                    orderbook.PairKey `json:"key"`
	IsAlive                bool              `json:"isAlive"`
	AgeSeconds             float64           `json:"ageSeconds"`
	SubscriptionAgeSeconds float64           `json:"subscriptionAgeSeconds"`
	LastError              string            `json:"lastError,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if s.statuses == nil {
		writeError(w, http.StatusServiceUnavailable, "status source unavailable")
		return
	}
	now := s.now()
	resp := statusResponse{
		Overall: s.statuses.OverallStatus(),
		Resyncs: []orderbook.PairKey{},
	}
	for _, st := range s.statuses.SubscriptionStatuses() {
		view := subscriptionView{
			Key:       st.Key,
			IsAlive:   st.IsAlive,
			LastError: st.LastError,
		}
		if !st.LastEventAt.IsZero() {
			view.AgeSeconds = now.Sub(st.LastEventAt).Seconds()
		}
		if !st.ConnectedAt.IsZero() {
			view.SubscriptionAgeSeconds = now.Sub(st.ConnectedAt).Seconds()
		}
		resp.Subscriptions = append(resp.Subscriptions, view)
	}
	if s.resyncs != nil {
		resp.Resyncs = s.resyncs.ResyncsInFlight()
	}
	if s.rest != nil {
		st := s.rest.Status()
		resp.Exchange = &st
	}
	if s.series != nil {
		ctx, cancel := contextWithTimeout(r, 2*time.Second)
		defer cancel()
		status := "ok"
		if err := s.series.Ping(ctx); err != nil {
			status = err.Error()
		}
		resp.Timeseries = map[string]string{"status": status}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleOrderBook(w http.ResponseWriter, r *http.Request) {
	key, ok := pairKeyFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "segment must be spot or futures")
		return
	}
	levels := queryInt(r, "levels", defaultSnapshotLevels)
	view := s.books.View(key, levels)
	if view == nil {
		writeError(w, http.StatusNotFound, "no replica for "+key.Symbol)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleLiquidity(w http.ResponseWriter, r *http.Request) {
	if s.metrics == nil {
		writeError(w, http.StatusServiceUnavailable, "metrics engine unavailable")
		return
	}
	key, ok := pairKeyFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "segment must be spot or futures")
		return
	}
	m := s.metrics.Latest(key)
	if m == nil {
		writeError(w, http.StatusNotFound, "no metrics for "+key.Symbol)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// handleResetBan clears the 418 flag after operator intervention.
func (s *Server) handleResetBan(w http.ResponseWriter, _ *http.Request) {
	if s.rest == nil {
		writeError(w, http.StatusServiceUnavailable, "exchange client unavailable")
		return
	}
	s.rest.ResetBan()
	writeJSON(w, http.StatusOK, s.rest.Status())
}

func (s *Server) handleTimeseries(w http.ResponseWriter, r *http.Request) {
	if s.series == nil {
		writeError(w, http.StatusServiceUnavailable, "timeseries store unavailable")
		return
	}
	key, ok := pairKeyFromRequest(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "segment must be spot or futures")
		return
	}
	skey := timeseries.NewSeriesKey(key)
	ctx, cancel := contextWithTimeout(r, 5*time.Second)
	defer cancel()

	if recent := queryInt(r, "recent", 0); recent > 0 {
		includeAdvanced := r.URL.Query().Get("class") == "advanced"
		res, err := s.series.Recent(ctx, skey, recent, includeAdvanced)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	now := s.now()
	from := queryInt64(r, "from", now.Add(-time.Hour).UnixMilli())
	to := queryInt64(r, "to", now.UnixMilli())
	limit := queryInt(r, "limit", 1000)

	if r.URL.Query().Get("class") == "advanced" {
		recs, err := s.series.RangeAdvanced(ctx, skey, from, to, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"key": key, "class": "advanced", "records": recs})
		return
	}
	recs, err := s.series.RangeCore(ctx, skey, from, to, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"key": key, "class": "core", "records": recs})
}

func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func queryInt64(r *http.Request, name string, fallback int64) int64 {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return n
}

func contextWithTimeout(r *http.Request, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), d)
}
