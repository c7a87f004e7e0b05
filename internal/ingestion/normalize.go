package ingestion

import (
	"PerpKeeper/internal/chain"
	fpmath "PerpKeeper/internal/math"
	"PerpKeeper/internal/state"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"
)

// NormalizeOrder converts an on-chain order into store units: size, margin
// and fee use the asset's decimals, price always has 18.
func NormalizeOrder(t chain.OrderTuple, stableAsset string) (*state.Order, error) {
	asset := t.Asset.Hex()
	dec := fpmath.AssetDecimals(asset, stableAsset)

	size, err := fpmath.FormatUnits(t.Size, dec)
	if err != nil {
		return nil, fmt.Errorf("order %v size: %w", t.OrderId, err)
	}
	margin, err := fpmath.FormatUnits(orZero(t.Margin), dec)
	if err != nil {
		return nil, err
	}
	fee, err := fpmath.FormatUnits(orZero(t.Fee), dec)
	if err != nil {
		return nil, err
	}
	price, err := fpmath.FormatUnits(orZero(t.Price), fpmath.DefaultDecimals)
	if err != nil {
		return nil, err
	}

	return &state.Order{
		OrderID:       orZero(t.OrderId).Int64(),
		User:          t.User.Hex(),
		Asset:         asset,
		Market:        t.Market,
		Margin:        margin,
		Size:          size,
		Price:         price,
		Fee:           fee,
		IsLong:        t.IsLong,
		OrderType:     state.OrderType(t.OrderType),
		IsReduceOnly:  t.IsReduceOnly,
		Timestamp:     orZero(t.Timestamp).Int64(),
		Expiry:        orZero(t.Expiry).Int64(),
		CancelOrderID: orZero(t.CancelOrderId).Int64(),
	}, nil
}

// NormalizePosition converts an on-chain position into store units. The
// funding tracker stays a raw 18-decimal integer.
func NormalizePosition(t chain.PositionTuple, stableAsset string) (*state.Position, error) {
	asset := t.Asset.Hex()
	dec := fpmath.AssetDecimals(asset, stableAsset)

	size, err := fpmath.FormatUnits(t.Size, dec)
	if err != nil {
		return nil, fmt.Errorf("position %s/%s size: %w", t.User.Hex(), t.Market, err)
	}
	margin, err := fpmath.FormatUnits(orZero(t.Margin), dec)
	if err != nil {
		return nil, err
	}
	price, err := fpmath.FormatUnits(orZero(t.Price), fpmath.DefaultDecimals)
	if err != nil {
		return nil, err
	}

	return &state.Position{
		User:           t.User.Hex(),
		Asset:          asset,
		Market:         t.Market,
		IsLong:         t.IsLong,
		Size:           size,
		Margin:         margin,
		Price:          price,
		FundingTracker: new(big.Int).Set(orZero(t.FundingTracker)),
		Timestamp:      orZero(t.Timestamp).Int64(),
	}, nil
}

// NormalizeMarket converts an on-chain market. The pyth feed id becomes a
// 0x-prefixed lowercase hex string.
func NormalizeMarket(t chain.MarketTuple) *state.Market {
	return &state.Market{
		Name:                    t.Name,
		Category:                t.Category,
		ChainlinkFeed:           t.ChainlinkFeed.Hex(),
		MaxLeverage:             orZero(t.MaxLeverage).Int64(),
		MaxDeviation:            orZero(t.MaxDeviation).Int64(),
		Fee:                     orZero(t.Fee).Int64(),
		LiqThreshold:            orZero(t.LiqThreshold).Int64(),
		FundingFactor:           orZero(t.FundingFactor).Int64(),
		MinOrderAge:             orZero(t.MinOrderAge).Int64(),
		PythMaxAge:              orZero(t.PythMaxAge).Int64(),
		PythFeed:                "0x" + hex.EncodeToString(t.PythFeed[:]),
		AllowChainlinkExecution: t.AllowChainlinkExecution,
		IsClosed:                t.IsClosed,
		IsReduceOnly:            t.IsReduceOnly,
	}
}

// NormalizeFeedID lowercases a feed id and strips the 0x prefix.
func NormalizeFeedID(id string) string {
	return strings.TrimPrefix(strings.ToLower(id), "0x")
}

func orZero(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return v
}

func isZero(v *big.Int) bool {
	return v == nil || v.Sign() == 0
}
