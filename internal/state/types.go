// internal/state/types.go
package state

import (
	"math/big"
	"strings"
	"time"
)

// OrderType mirrors the protocol's order type enum.
type OrderType uint8

const (
	OrderTypeMarket OrderType = 0
	OrderTypeLimit  OrderType = 1
	OrderTypeStop   OrderType = 2
)

func (t OrderType) String() string {
	switch t {
	case OrderTypeMarket:
		return "market"
	case OrderTypeLimit:
		return "limit"
	case OrderTypeStop:
		return "stop"
	default:
		return "unknown"
	}
}

// Market is an immutable market snapshot. Ratios are in basis points.
type Market struct {
	Name                    string
	Category                string
	ChainlinkFeed           string
	MaxLeverage             int64
	MaxDeviation            int64
	Fee                     int64
	LiqThreshold            int64
	FundingFactor           int64
	MinOrderAge             int64
	PythMaxAge              int64 // seconds
	PythFeed                string
	AllowChainlinkExecution bool
	IsClosed                bool
	IsReduceOnly            bool
}

// Order amounts are already decimal-scaled.
type Order struct {
	OrderID       int64
	User          string
	Asset         string
	Market        string
	Margin        float64
	Size          float64
	Price         float64
	Fee           float64
	IsLong        bool
	OrderType     OrderType
	IsReduceOnly  bool
	Timestamp     int64
	Expiry        int64
	CancelOrderID int64
}

// Position amounts are already decimal-scaled. FundingTracker is the raw
// 18-decimal on-chain snapshot taken when the position was last modified.
type Position struct {
	User           string
	Asset          string
	Market         string
	IsLong         bool
	Size           float64
	Margin         float64
	Price          float64
	FundingTracker *big.Int
	Timestamp      int64
}

const keySeparator = "||"

// PositionKey builds the canonical user||market||asset key.
func PositionKey(user, market, asset string) string {
	return user + keySeparator + market + keySeparator + asset
}

// ParsePositionKey splits a key built by PositionKey.
func ParsePositionKey(key string) (user, market, asset string, ok bool) {
	parts := strings.Split(key, keySeparator)
	if len(parts) != 3 {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

func (p *Position) Key() string {
	return PositionKey(p.User, p.Market, p.Asset)
}

// FundingKey identifies a funding tracker.
type FundingKey struct {
	Asset  string
	Market string
}

// PricePoint is the last accepted observation for a market.
type PricePoint struct {
	Price     float64
	Timestamp time.Time
}
