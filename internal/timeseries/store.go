// Package timeseries persists liquidity metric records as append-only,
// time-indexed series keyed by (class, segment, symbol). Three backends share
// one contract: Redis sorted sets (default in production), an in-memory store
// (default without Redis, and for tests) and a Postgres archive.
package timeseries

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sawpanic/depthwatch/internal/orderbook"
)

const (
	// RetentionPeriod is how far back records are kept.
	RetentionPeriod = 30 * 24 * time.Hour
	// SeriesTTL expires a whole series after this much inactivity.
	SeriesTTL = 31 * 24 * time.Hour
)

// Class separates the two record families.
type Class string

const (
	ClassCore     Class = "core"
	ClassAdvanced Class = "advanced"
)

// SeriesKey identifies one pair's series.
type SeriesKey struct {
	Segment orderbook.Segment
	Symbol  string
}

// NewSeriesKey builds a key from a pair key.
func NewSeriesKey(key orderbook.PairKey) SeriesKey {
	return SeriesKey{Segment: key.Segment, Symbol: key.Symbol}
}

func (k SeriesKey) storageKey(class Class) string {
	return fmt.Sprintf("dw:ts:%s:%s:%s", class, k.Segment, k.Symbol)
}

// CoreRecord is the per-update liquidity summary.
type CoreRecord struct {
	TimestampMs    int64   `json:"timestampMs"`
	SpreadPercent  float64 `json:"spreadPercent"`
	TotalDepth     float64 `json:"totalDepth"`
	BidDepth       float64 `json:"bidDepth"`
	AskDepth       float64 `json:"askDepth"`
	Slippage100K   float64 `json:"slippage100k"`
	Slippage1M     float64 `json:"slippage1m"`
	LiquidityScore float64 `json:"liquidityScore"`
	Imbalance      float64 `json:"imbalance"`
	MidPrice       float64 `json:"midPrice"`
	BestBid        float64 `json:"bestBid"`
	BestAsk        float64 `json:"bestAsk"`
}

// AdvancedRecord carries the deviation-depth and impact-cost detail.
type AdvancedRecord struct {
	TimestampMs       int64   `json:"timestampMs"`
	BidDepth          float64 `json:"bidDepth"`
	AskDepth          float64 `json:"askDepth"`
	ImpactCostAvg     float64 `json:"impactCostAvg"`
	DepthDeviationBid float64 `json:"depthDeviationBid"`
	DepthDeviationAsk float64 `json:"depthDeviationAsk"`
	BestBid           float64 `json:"bestBid"`
	BestAsk           float64 `json:"bestAsk"`
	DeviationLabel    string  `json:"deviationLabel"`
}

// Stats summarizes one pair's stored series.
type Stats struct {
	CoreCount     int64 `json:"coreCount"`
	AdvancedCount int64 `json:"advancedCount"`
	TimeRange     struct {
		Start int64 `json:"start"`
		End   int64 `json:"end"`
	} `json:"timeRange"`
}

// RecentResult bundles the newest records for a pair.
type RecentResult struct {
	Core     []CoreRecord     `json:"core"`
	Advanced []AdvancedRecord `json:"advanced,omitempty"`
}

// Store is the persistence contract. Range and Recent results are ordered by
// time ascending; zero startMs/endMs mean unbounded.
type Store interface {
	AppendCore(ctx context.Context, key SeriesKey, rec *CoreRecord) error
	AppendAdvanced(ctx context.Context, key SeriesKey, rec *AdvancedRecord) error
	RangeCore(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]CoreRecord, error)
	RangeAdvanced(ctx context.Context, key SeriesKey, startMs, endMs int64, limit int) ([]AdvancedRecord, error)
	Recent(ctx context.Context, key SeriesKey, count int, includeAdvanced bool) (*RecentResult, error)
	Stats(ctx context.Context, key SeriesKey) (*Stats, error)
	Ping(ctx context.Context) error
	Close() error
}

// Stored members use short field names for compactness; the read path
// restores the canonical names above.

type compactCore struct {
	T  int64   `json:"t"`
	Sp float64 `json:"sp"`
	Td float64 `json:"td"`
	Bd float64 `json:"bd"`
	Ad float64 `json:"ad"`
	S1 float64 `json:"s1"`
	SM float64 `json:"sm"`
	Sc float64 `json:"sc"`
	Im float64 `json:"im"`
	Mp float64 `json:"mp"`
	Bb float64 `json:"bb"`
	Ba float64 `json:"ba"`
}

type compactAdvanced struct {
	T  int64   `json:"t"`
	Bd float64 `json:"bd"`
	Ad float64 `json:"ad"`
	Ic float64 `json:"ic"`
	Db float64 `json:"db"`
	Da float64 `json:"da"`
	Bb float64 `json:"bb"`
	Ba float64 `json:"ba"`
	Dl string  `json:"dl"`
}

func encodeCore(rec *CoreRecord) ([]byte, error) {
	return json.Marshal(compactCore{
		T: rec.TimestampMs, Sp: rec.SpreadPercent, Td: rec.TotalDepth,
		Bd: rec.BidDepth, Ad: rec.AskDepth, S1: rec.Slippage100K,
		SM: rec.Slippage1M, Sc: rec.LiquidityScore, Im: rec.Imbalance,
		Mp: rec.MidPrice, Bb: rec.BestBid, Ba: rec.BestAsk,
	})
}

func decodeCore(data []byte) (CoreRecord, error) {
	var c compactCore
	if err := json.Unmarshal(data, &c); err != nil {
		return CoreRecord{}, fmt.Errorf("timeseries: decode core record: %w", err)
	}
	return CoreRecord{
		TimestampMs: c.T, SpreadPercent: c.Sp, TotalDepth: c.Td,
		BidDepth: c.Bd, AskDepth: c.Ad, Slippage100K: c.S1,
		Slippage1M: c.SM, LiquidityScore: c.Sc, Imbalance: c.Im,
		MidPrice: c.Mp, BestBid: c.Bb, BestAsk: c.Ba,
	}, nil
}

func encodeAdvanced(rec *AdvancedRecord) ([]byte, error) {
	return json.Marshal(compactAdvanced{
		T: rec.TimestampMs, Bd: rec.BidDepth, Ad: rec.AskDepth,
		Ic: rec.ImpactCostAvg, Db: rec.DepthDeviationBid, Da: rec.DepthDeviationAsk,
		Bb: rec.BestBid, Ba: rec.BestAsk, Dl: rec.DeviationLabel,
	})
}

func decodeAdvanced(data []byte) (AdvancedRecord, error) {
	var c compactAdvanced
	if err := json.Unmarshal(data, &c); err != nil {
		return AdvancedRecord{}, fmt.Errorf("timeseries: decode advanced record: %w", err)
	}
	return AdvancedRecord{
		TimestampMs: c.T, BidDepth: c.Bd, AskDepth: c.Ad,
		ImpactCostAvg: c.Ic, DepthDeviationBid: c.Db, DepthDeviationAsk: c.Da,
		BestBid: c.Bb, BestAsk: c.Ba, DeviationLabel: c.Dl,
	}, nil
}
