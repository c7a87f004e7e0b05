package ingestion

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// priceTickJSON is the wire format of keeper.prices.{market} messages.
// Price may be a JSON number or a decimal string.
type priceTickJSON struct {
	Market      string          `json:"market"`
	Price       json.RawMessage `json:"price"`
	TimestampMs int64           `json:"timestamp_ms"`
}

// ParsePriceTick decodes a price message. When the payload carries no market
// it is taken from the last subject token.
func ParsePriceTick(subject string, data []byte) (PriceTick, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return PriceTick{}, fmt.Errorf("parse price tick: %w", err)
	}

	market := j.Market
	if market == "" {
		if i := strings.LastIndex(subject, "."); i >= 0 && i < len(subject)-1 {
			market = subject[i+1:]
		}
	}
	if market == "" {
		return PriceTick{}, fmt.Errorf("parse price tick: missing market")
	}

	price, err := parsePrice(j.Price)
	if err != nil {
		return PriceTick{}, fmt.Errorf("parse price tick %s: %w", market, err)
	}
	if j.TimestampMs <= 0 {
		return PriceTick{}, fmt.Errorf("parse price tick %s: missing timestamp_ms", market)
	}

	return PriceTick{
		Market:    market,
		Price:     price,
		Timestamp: time.UnixMilli(j.TimestampMs),
		Source:    "nats",
	}, nil
}

func parsePrice(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 {
		return 0, fmt.Errorf("missing price")
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("price must be a number or string")
	}
	return strconv.ParseFloat(s, 64)
}
