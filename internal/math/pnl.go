// internal/math/pnl.go
package math

import (
	"errors"
	"math/big"
)

var ErrZeroEntryPrice = errors.New("entry price must be positive")

// ComputeUnrealizedPnL returns size × (price − entry) / entry for longs and
// the negation for shorts.
func ComputeUnrealizedPnL(isLong bool, price, entryPrice, size float64) (float64, error) {
	if entryPrice <= 0 {
		return 0, ErrZeroEntryPrice
	}
	pnl := size * (price - entryPrice) / entryPrice
	if !isLong {
		pnl = -pnl
	}
	return pnl, nil
}

// ComputeFundingFee returns size × (current − snapshot) / BPSDivider, with
// both trackers given as 18-decimal on-chain integers. A positive result is
// owed by the position.
func ComputeFundingFee(size float64, current, snapshot *big.Int) (float64, error) {
	if current == nil || snapshot == nil {
		return 0, ErrNilAmount
	}
	delta, err := FormatUnits(new(big.Int).Sub(current, snapshot), DefaultDecimals)
	if err != nil {
		return 0, err
	}
	return size * delta / BPSDivider, nil
}

// ApplyFunding adjusts raw P/L by the funding fee: longs pay a positive fee,
// shorts receive it.
func ApplyFunding(isLong bool, pnl, fee float64) float64 {
	if isLong {
		return pnl - fee
	}
	return pnl + fee
}

// LiquidationThreshold returns margin × liqThresholdBps / BPSDivider. A
// non-positive threshold means the full margin.
func LiquidationThreshold(margin float64, liqThresholdBps int64) float64 {
	if liqThresholdBps <= 0 {
		liqThresholdBps = BPSDivider
	}
	return margin * float64(liqThresholdBps) / BPSDivider
}
