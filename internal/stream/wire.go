package stream

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/sawpanic/depthwatch/internal/orderbook"
)

// depthEvent is the streamed diff payload. Spot and futures share the shape;
// futures additionally carries pu (previous event's final id).
type depthEvent struct {
	EventType string     `json:"e"`
	EventTime int64      `json:"E"`
	Symbol    string     `json:"s"`
	FirstID   int64      `json:"U"`
	FinalID   int64      `json:"u"`
	PrevFinal int64      `json:"pu"`
	Bids      [][]string `json:"b"`
	Asks      [][]string `json:"a"`
}

// combinedEnvelope wraps combined-stream messages.
type combinedEnvelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func parseEnvelope(data []byte) (*combinedEnvelope, error) {
	var env combinedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("stream: decode combined envelope: %w", err)
	}
	return &env, nil
}

func parseWireLevels(raw [][]string) []orderbook.PriceLevel {
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

// parseDepthEvent decodes one diff message. Non-depth events (subscription
// acks, for example) return (nil, nil).
func parseDepthEvent(data []byte) (*orderbook.Diff, error) {
	var ev depthEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("stream: decode depth event: %w", err)
	}
	if ev.EventType != "depthUpdate" {
		return nil, nil
	}
	return &orderbook.Diff{
		FirstID:     ev.FirstID,
		FinalID:     ev.FinalID,
		PrevFinalID: ev.PrevFinal,
		Bids:        parseWireLevels(ev.Bids),
		Asks:        parseWireLevels(ev.Asks),
		EventTime:   ev.EventTime,
	}, nil
}
