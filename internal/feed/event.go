// Package feed defines the market event model shared by the ingestion
// pipeline and the distribution engine: data types, priority tiers,
// payload normalization and the flushed packet snapshot.
package feed

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// DataType identifies the kind of market update carried by an event.
type DataType string

const (
	TypeQuote     DataType = "quote"
	TypeTrade     DataType = "trade"
	TypeBar       DataType = "bar"
	TypeOrderBook DataType = "orderbook"
	TypeNews      DataType = "news"
	TypeAlert     DataType = "alert"
)

// Tier is the flush-urgency classification of an event.
type Tier uint8

const (
	TierCritical Tier = iota // quotes, trades - flushed immediately under pressure
	TierHigh                 // bars, order book snapshots
	TierNormal               // news, alerts
	TierLow                  // everything else that is still a known type
)

func (t Tier) String() string {
	switch t {
	case TierCritical:
		return "critical"
	case TierHigh:
		return "high"
	case TierNormal:
		return "normal"
	default:
		return "low"
	}
}

// Tiers lists all tiers in descending urgency, for metric labels and drains.
var Tiers = [4]Tier{TierCritical, TierHigh, TierNormal, TierLow}

var tierByType = map[DataType]Tier{
	TypeQuote:     TierCritical,
	TypeTrade:     TierCritical,
	TypeBar:       TierHigh,
	TypeOrderBook: TierHigh,
	TypeNews:      TierNormal,
	TypeAlert:     TierNormal,
}

// ErrUnknownType is returned when an inbound event carries a data type the
// classifier has no mapping for. Callers count it as a processing failure.
var ErrUnknownType = fmt.Errorf("feed: unknown data type")

// Classify returns the priority tier for a data type. The second return is
// false for unknown types.
func Classify(dt DataType) (Tier, bool) {
	tier, ok := tierByType[dt]
	return tier, ok
}

// Conflates reports whether the type keeps only the latest value per symbol
// in the buffer store. Non-conflating types are buffered as bounded streams.
func (dt DataType) Conflates() bool {
	switch dt {
	case TypeQuote, TypeBar, TypeOrderBook:
		return true
	}
	return false
}

// Event is a single classified inbound market update.
type Event struct {
	Type     DataType
	Symbol   string
	Payload  map[string]interface{}
	Received time.Time
	Tier     Tier
}

// Upstream feeds disagree on field spellings; normalization rewrites the
// recognized aliases to a single canonical key with a decimal value.
var fieldAliases = map[DataType]map[string][]string{
	TypeQuote: {
		"bid":      {"bid", "bidPrice", "bid_price", "bp"},
		"ask":      {"ask", "askPrice", "ask_price", "ap"},
		"bid_size": {"bid_size", "bidSize", "bs"},
		"ask_size": {"ask_size", "askSize", "as"},
		"last":     {"last", "lastPrice", "last_price", "lp"},
	},
	TypeTrade: {
		"price": {"price", "p", "tradePrice", "trade_price"},
		"size":  {"size", "qty", "quantity", "volume"},
	},
	TypeBar: {
		"open":   {"open", "o"},
		"high":   {"high", "h"},
		"low":    {"low", "l"},
		"close":  {"close", "c"},
		"volume": {"volume", "v"},
	},
}

var symbolKeys = []string{"symbol", "sym", "ticker", "pair", "instrument"}

// New classifies and normalizes an inbound payload into an Event.
// Unknown data types return ErrUnknownType. The payload map is not retained;
// normalized fields are copied into a fresh map owned by the event.
func New(dt DataType, payload map[string]interface{}) (*Event, error) {
	tier, ok := Classify(dt)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, dt)
	}

	ev := &Event{
		Type:     dt,
		Payload:  normalize(dt, payload),
		Received: time.Now(),
		Tier:     tier,
	}
	ev.Symbol = extractSymbol(payload)
	return ev, nil
}

func extractSymbol(payload map[string]interface{}) string {
	for _, k := range symbolKeys {
		if v, ok := payload[k]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// normalize copies the payload, collapsing known aliases into canonical
// decimal-valued fields. Unrecognized fields pass through untouched so
// downstream consumers keep whatever extra context the feed attached.
func normalize(dt DataType, payload map[string]interface{}) map[string]interface{} {
	aliases := fieldAliases[dt]
	out := make(map[string]interface{}, len(payload))

	consumed := make(map[string]struct{}, len(payload))
	for canonical, names := range aliases {
		for _, name := range names {
			v, ok := payload[name]
			if !ok {
				continue
			}
			if d, ok := toDecimal(v); ok {
				out[canonical] = d
				for _, n := range names {
					consumed[n] = struct{}{}
				}
				break
			}
		}
	}

	for k, v := range payload {
		if _, taken := consumed[k]; taken {
			continue
		}
		if _, taken := out[k]; taken {
			continue
		}
		out[k] = v
	}
	return out
}

func toDecimal(v interface{}) (decimal.Decimal, bool) {
	switch x := v.(type) {
	case decimal.Decimal:
		return x, true
	case float64:
		return decimal.NewFromFloat(x), true
	case float32:
		return decimal.NewFromFloat32(x), true
	case int:
		return decimal.NewFromInt(int64(x)), true
	case int64:
		return decimal.NewFromInt(x), true
	case string:
		d, err := decimal.NewFromString(x)
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	case fmt.Stringer:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return decimal.Decimal{}, false
		}
		return d, true
	}
	return decimal.Decimal{}, false
}
