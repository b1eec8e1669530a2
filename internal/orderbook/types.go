// Package orderbook maintains local replicas of Binance depth books for
// spot and USD-M futures pairs. Replicas are seeded from REST snapshots and
// advanced by validated streaming diffs; the segment-specific continuity
// rules live in store.go.
package orderbook

import (
	"fmt"
	"strings"
	"time"
)

// Segment identifies the Binance market a pair trades on. Spot and futures
// have distinct REST paths, stream endpoints and diff-continuity semantics.
type Segment string

const (
	Spot    Segment = "spot"
	Futures Segment = "futures"
)

// MajorSymbols get deeper books (500 levels) and tighter deviation windows.
var MajorSymbols = map[string]bool{
	"BTCUSDT": true,
	"ETHUSDT": true,
}

// IsMajor reports whether symbol is one of the high-liquidity majors.
func IsMajor(symbol string) bool {
	return MajorSymbols[strings.ToUpper(symbol)]
}

// MaxLevels returns the per-side replica capacity for a symbol.
func MaxLevels(symbol string) int {
	if IsMajor(symbol) {
		return 500
	}
	return 300
}

// PairKey identifies one replicated book.
type PairKey struct {
	Symbol  string
	Segment Segment
}

// NewPairKey normalizes symbol casing so keys compare reliably.
func NewPairKey(symbol string, segment Segment) PairKey {
	return PairKey{Symbol: strings.ToUpper(symbol), Segment: segment}
}

func (k PairKey) String() string {
	return fmt.Sprintf("%s:%s", k.Segment, k.Symbol)
}

// PriceLevel is one (price, quantity) entry on a book side. In a diff a zero
// quantity means "remove this level".
type PriceLevel struct {
	Price    float64 `json:"price"`
	Quantity float64 `json:"quantity"`
}

// Snapshot is a full REST depth response.
type Snapshot struct {
	LastUpdateID int64        `json:"lastUpdateId"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
}

// Diff is one streamed depth delta. FirstID/FinalID bound the update-id range
// (Binance U/u); PrevFinalID (pu) is only populated on futures events.
type Diff struct {
	FirstID     int64
	FinalID     int64
	PrevFinalID int64
	Bids        []PriceLevel
	Asks        []PriceLevel
	EventTime   int64 // exchange event time, ms
}

// ApplyResult classifies the outcome of Store.ApplyDiff.
type ApplyResult int

const (
	// Applied means the diff mutated the replica and advanced its update id.
	Applied ApplyResult = iota
	// Stale means the diff predates the replica state and was discarded.
	Stale
	// Gap means lost updates were detected and the replica needs a resync.
	Gap
	// MissingReplica means no replica exists for the key.
	MissingReplica
	// NotReady means the diff was discarded without damage: either a first
	// futures event failing the coverage test, or a tolerated continuity
	// miss below the soft-failure limit.
	NotReady
)

func (r ApplyResult) String() string {
	switch r {
	case Applied:
		return "applied"
	case Stale:
		return "stale"
	case Gap:
		return "gap"
	case MissingReplica:
		return "missing-replica"
	case NotReady:
		return "not-ready"
	default:
		return fmt.Sprintf("apply-result(%d)", int(r))
	}
}

// Replica is a read-only copy of one book handed to consumers. Mutation goes
// through the Store only.
type Replica struct {
	Key           PairKey      `json:"key"`
	Bids          []PriceLevel `json:"bids"`
	Asks          []PriceLevel `json:"asks"`
	LastUpdateID  int64        `json:"lastAppliedUpdateId"`
	LastAppliedAt time.Time    `json:"lastAppliedAt"`
}

// BestBid returns the top bid price, or 0 when the side is empty.
func (r *Replica) BestBid() float64 {
	if len(r.Bids) == 0 {
		return 0
	}
	return r.Bids[0].Price
}

// BestAsk returns the top ask price, or 0 when the side is empty.
func (r *Replica) BestAsk() float64 {
	if len(r.Asks) == 0 {
		return 0
	}
	return r.Asks[0].Price
}

// BookView is the top-of-book projection served by the status facade.
type BookView struct {
	Key          PairKey      `json:"key"`
	Bids         []PriceLevel `json:"bids"`
	Asks         []PriceLevel `json:"asks"`
	LastUpdateID int64        `json:"lastAppliedUpdateId"`
	Timestamp    time.Time    `json:"timestamp"`
	AgeSeconds   float64      `json:"ageSeconds"`
}
