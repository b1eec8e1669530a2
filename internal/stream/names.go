// Package stream owns the Binance depth-stream subscriptions: one websocket
// per spot pair, one combined websocket for all futures pairs, the REST
// snapshot + buffered-diff initialization protocol, keep-alive, and the
// retry/status bookkeeping the health supervisor drives.
package stream

import (
	"strings"

	"github.com/rs/zerolog/log"
)

// Update intervals recognized for the depth streams. 1000ms is the exchange
// default and carries no suffix; 500ms exists on futures only.
const (
	Interval100ms  = "100ms"
	Interval500ms  = "500ms"
	Interval1000ms = "1000ms"
)

// StreamName returns the exchange stream name for a symbol at the configured
// interval. Unknown intervals fall back to the default with a warning.
func StreamName(symbol, interval string) string {
	base := strings.ToLower(symbol) + "@depth"
	switch interval {
	case Interval1000ms, "":
		return base
	case Interval100ms:
		return base + "@100ms"
	case Interval500ms:
		return base + "@500ms"
	default:
		log.Warn().Str("interval", interval).Msg("unknown depth interval, using default")
		return base
	}
}

// SymbolFromStream extracts the upper-case symbol from a combined-stream
// name like "btcusdt@depth@100ms".
func SymbolFromStream(stream string) string {
	if i := strings.IndexByte(stream, '@'); i > 0 {
		return strings.ToUpper(stream[:i])
	}
	return strings.ToUpper(stream)
}
