// Package liquidity derives depth, spread, slippage, impact-cost, imbalance
// and score metrics from order-book replicas, and persists them as time
// series at a throttled cadence.
package liquidity

import (
	"fmt"
	"math"

	"github.com/sawpanic/depthwatch/internal/orderbook"
	"github.com/sawpanic/depthwatch/internal/timeseries"
)

const (
	// SlippageSentinel marks a notional the book cannot fill.
	SlippageSentinel = 999.0

	// depthWindow is the ±0.1% band used for bid/ask depth and imbalance.
	depthWindow = 0.001

	// impactNotionalUSD is the standard trade size for impact cost.
	impactNotionalUSD = 100_000

	scoreDepthNormUSD = 1_000_000
	scoreSpreadNorm   = 0.05
)

// SlippageNotionals are the USDT sizes evaluated on both sides.
var SlippageNotionals = []float64{100_000, 300_000, 500_000, 1_000_000, 5_000_000}

// SlippagePoint is the slippage at one notional size.
type SlippagePoint struct {
	NotionalUSD float64 `json:"notionalUsd"`
	Percent     float64 `json:"percent"`
}

// SlippageCurve holds the evaluated points in ascending notional order.
type SlippageCurve []SlippagePoint

// At returns the percent at an exact notional, SlippageSentinel when the
// notional was not evaluated.
func (c SlippageCurve) At(notional float64) float64 {
	for _, p := range c {
		if p.NotionalUSD == notional {
			return p.Percent
		}
	}
	return SlippageSentinel
}

// DeviationDepth is cumulative quoted value within one percentage band of
// mid-price.
type DeviationDepth struct {
	Deviation float64 `json:"deviation"`
	Label     string  `json:"label"`
	BidDepth  float64 `json:"bidDepth"`
	AskDepth  float64 `json:"askDepth"`
}

// deviationSet returns the active bands for a symbol: tight for the majors,
// wide for everything else.
func deviationSet(symbol string) []DeviationDepth {
	if orderbook.IsMajor(symbol) {
		return []DeviationDepth{
			{Deviation: 0.0003, Label: "0.03%"},
			{Deviation: 0.0005, Label: "0.05%"},
			{Deviation: 0.0010, Label: "0.10%"},
		}
	}
	return []DeviationDepth{
		{Deviation: 0.0030, Label: "0.30%"},
		{Deviation: 0.0050, Label: "0.50%"},
		{Deviation: 0.0100, Label: "1.00%"},
	}
}

// Metrics is one full computation for a pair.
type Metrics struct {
	Key         orderbook.PairKey `json:"key"`
	TimestampMs int64             `json:"timestampMs"`

	BestBid       float64 `json:"bestBid"`
	BestAsk       float64 `json:"bestAsk"`
	MidPrice      float64 `json:"midPrice"`
	SpreadPercent float64 `json:"spreadPercent"`

	BidDepth   float64 `json:"bidDepth"`
	AskDepth   float64 `json:"askDepth"`
	TotalDepth float64 `json:"totalDepth"`
	Imbalance  float64 `json:"imbalance"`

	// Slippage percent per notional, buy against asks, sell against bids
	// (sell-side values are negative).
	BuySlippage  SlippageCurve `json:"buySlippage"`
	SellSlippage SlippageCurve `json:"sellSlippage"`

	ImpactCost100K float64 `json:"impactCost100k"`
	LiquidityScore float64 `json:"liquidityScore"`

	DepthAtDeviation []DeviationDepth `json:"depthAtDeviation"`
	DeviationLabel   string           `json:"deviationLabel"`
}

// Compute derives all metrics from a replica. Both sides must be non-empty.
func Compute(r *orderbook.Replica, nowMs int64) (*Metrics, error) {
	if r == nil {
		return nil, fmt.Errorf("liquidity: nil replica")
	}
	if len(r.Bids) == 0 || len(r.Asks) == 0 {
		return nil, fmt.Errorf("liquidity: one-sided book for %s (%d bids, %d asks)",
			r.Key, len(r.Bids), len(r.Asks))
	}

	bestBid := r.Bids[0].Price
	bestAsk := r.Asks[0].Price
	mid := (bestBid + bestAsk) / 2
	spread := (bestAsk - bestBid) / bestBid * 100

	bidDepth := depthDown(r.Bids, bestBid*(1-depthWindow))
	askDepth := depthUp(r.Asks, bestAsk*(1+depthWindow))
	total := bidDepth + askDepth

	imbalance := 0.0
	if total > 0 {
		imbalance = (bidDepth - askDepth) / total
	}

	m := &Metrics{
		Key:           r.Key,
		TimestampMs:   nowMs,
		BestBid:       bestBid,
		BestAsk:       bestAsk,
		MidPrice:      mid,
		SpreadPercent: spread,
		BidDepth:      bidDepth,
		AskDepth:      askDepth,
		TotalDepth:    total,
		Imbalance:     imbalance,
		BuySlippage:   make(SlippageCurve, 0, len(SlippageNotionals)),
		SellSlippage:  make(SlippageCurve, 0, len(SlippageNotionals)),
	}

	for _, notional := range SlippageNotionals {
		m.BuySlippage = append(m.BuySlippage, SlippagePoint{notional, slippagePercent(r.Asks, notional)})
		m.SellSlippage = append(m.SellSlippage, SlippagePoint{notional, slippagePercent(r.Bids, notional)})
	}
	m.ImpactCost100K = (m.BuySlippage.At(impactNotionalUSD) + math.Abs(m.SellSlippage.At(impactNotionalUSD))) / 2 / 100

	m.DepthAtDeviation = deviationSet(r.Key.Symbol)
	for i := range m.DepthAtDeviation {
		d := m.DepthAtDeviation[i].Deviation
		m.DepthAtDeviation[i].BidDepth = depthDown(r.Bids, mid*(1-d))
		m.DepthAtDeviation[i].AskDepth = depthUp(r.Asks, mid*(1+d))
	}
	m.DeviationLabel = m.DepthAtDeviation[len(m.DepthAtDeviation)-1].Label

	m.LiquidityScore = score(total, spread)
	return m, nil
}

// depthDown sums quoted value on bids from the top down to bound.
func depthDown(bids []orderbook.PriceLevel, bound float64) float64 {
	sum := 0.0
	for _, l := range bids {
		if l.Price < bound {
			break
		}
		sum += l.Price * l.Quantity
	}
	return sum
}

// depthUp sums quoted value on asks from the top up to bound.
func depthUp(asks []orderbook.PriceLevel, bound float64) float64 {
	sum := 0.0
	for _, l := range asks {
		if l.Price > bound {
			break
		}
		sum += l.Price * l.Quantity
	}
	return sum
}

// slippagePercent walks the side consuming quoted value until notional USDT
// is filled and returns the weighted-average deviation from the best price
// in percent. SlippageSentinel when the book is too thin.
func slippagePercent(levels []orderbook.PriceLevel, notional float64) float64 {
	if len(levels) == 0 {
		return SlippageSentinel
	}
	best := levels[0].Price
	remaining := notional
	var qty, spent float64
	for _, l := range levels {
		value := l.Price * l.Quantity
		if value >= remaining {
			qty += remaining / l.Price
			spent += remaining
			remaining = 0
			break
		}
		qty += l.Quantity
		spent += value
		remaining -= value
	}
	if remaining > 0 || qty == 0 {
		return SlippageSentinel
	}
	avg := spent / qty
	return (avg - best) / best * 100
}

// score maps total 0.1%-window depth and spread to the 0-100 composite.
func score(totalDepth, spreadPercent float64) float64 {
	depthComponent := 70 * math.Min(totalDepth/scoreDepthNormUSD, 1)
	spreadComponent := 30 * math.Max(0, 1-spreadPercent/scoreSpreadNorm)
	s := math.Round(depthComponent + spreadComponent)
	if s > 100 {
		s = 100
	}
	if s < 0 {
		s = 0
	}
	return s
}

// CoreRecord projects the metrics into the persisted core shape.
func (m *Metrics) CoreRecord() *timeseries.CoreRecord {
	return &timeseries.CoreRecord{
		TimestampMs:    m.TimestampMs,
		SpreadPercent:  m.SpreadPercent,
		TotalDepth:     m.TotalDepth,
		BidDepth:       m.BidDepth,
		AskDepth:       m.AskDepth,
		Slippage100K:   m.BuySlippage.At(100_000),
		Slippage1M:     m.BuySlippage.At(1_000_000),
		LiquidityScore: m.LiquidityScore,
		Imbalance:      m.Imbalance,
		MidPrice:       m.MidPrice,
		BestBid:        m.BestBid,
		BestAsk:        m.BestAsk,
	}
}

// AdvancedRecord projects the metrics into the persisted advanced shape,
// carrying the widest deviation band.
func (m *Metrics) AdvancedRecord() *timeseries.AdvancedRecord {
	widest := m.DepthAtDeviation[len(m.DepthAtDeviation)-1]
	return &timeseries.AdvancedRecord{
		TimestampMs:       m.TimestampMs,
		BidDepth:          m.BidDepth,
		AskDepth:          m.AskDepth,
		ImpactCostAvg:     m.ImpactCost100K,
		DepthDeviationBid: widest.BidDepth,
		DepthDeviationAsk: widest.AskDepth,
		BestBid:           m.BestBid,
		BestAsk:           m.BestAsk,
		DeviationLabel:    widest.Label,
	}
}
