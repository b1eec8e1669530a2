package orderbook

import (
	"math"
	"sort"

	"github.com/rs/zerolog/log"
)

// priceEpsilon is the fixed tolerance for price equality. Binance tick sizes
// are far coarser than this, so two float64 prices within epsilon are the
// same level.
const priceEpsilon = 1e-10

// maxBestDistance rejects entries more than 50% away from the current best
// price on the side. Corrupt ticks get dropped; normal volatility passes.
const maxBestDistance = 0.50

func equalPrice(a, b float64) bool {
	return math.Abs(a-b) <= priceEpsilon
}

// searchSide locates price on a sorted side. Returns the index at which the
// price sits or would be inserted, and whether a level at that price exists.
func searchSide(levels []PriceLevel, price float64, descending bool) (int, bool) {
	idx := sort.Search(len(levels), func(i int) bool {
		if descending {
			return levels[i].Price <= price+priceEpsilon
		}
		return levels[i].Price >= price-priceEpsilon
	})
	if idx < len(levels) && equalPrice(levels[idx].Price, price) {
		return idx, true
	}
	return idx, false
}

// mergeSide applies diff entries to one side: qty 0 removes, existing price
// updates in place, new price inserts in order. The side is truncated to
// maxLevels afterwards.
func mergeSide(levels []PriceLevel, updates []PriceLevel, descending bool, maxLevels int, key PairKey) []PriceLevel {
	for _, u := range updates {
		if math.IsNaN(u.Price) || math.IsInf(u.Price, 0) || u.Price <= 0 || u.Quantity < 0 {
			continue
		}
		if len(levels) > 0 {
			best := levels[0].Price
			if best > 0 && math.Abs(u.Price-best)/best > maxBestDistance {
				log.Warn().
					Str("pair", key.String()).
					Float64("price", u.Price).
					Float64("best", best).
					Msg("discarding depth entry far from best price")
				continue
			}
		}
		idx, found := searchSide(levels, u.Price, descending)
		switch {
		case u.Quantity == 0:
			if found {
				levels = append(levels[:idx], levels[idx+1:]...)
			}
		case found:
			levels[idx].Quantity = u.Quantity
		default:
			levels = append(levels, PriceLevel{})
			copy(levels[idx+1:], levels[idx:])
			levels[idx] = u
		}
	}
	if len(levels) > maxLevels {
		levels = levels[:maxLevels]
	}
	return levels
}

// normalizeSide sorts and sanitizes snapshot levels: non-positive prices and
// quantities are dropped, order enforced, capacity respected.
func normalizeSide(levels []PriceLevel, descending bool, maxLevels int) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	for _, l := range levels {
		if math.IsNaN(l.Price) || math.IsInf(l.Price, 0) || l.Price <= 0 || l.Quantity <= 0 {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		if descending {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if len(out) > maxLevels {
		out = out[:maxLevels]
	}
	return out
}

func copyLevels(levels []PriceLevel) []PriceLevel {
	if levels == nil {
		return nil
	}
	out := make([]PriceLevel, len(levels))
	copy(out, levels)
	return out
}
