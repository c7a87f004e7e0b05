// internal/math/units.go
package math

import (
	"errors"
	"math"
	"math/big"
	"strings"

	"github.com/shopspring/decimal"
)

// BPSDivider is the basis-point denominator used by every on-chain ratio.
const BPSDivider = 10_000

const (
	// StableDecimals is the precision of the settlement asset (USDC).
	StableDecimals int32 = 6
	// DefaultDecimals is the precision of every other asset and of funding trackers.
	DefaultDecimals int32 = 18
)

var ErrNilAmount = errors.New("nil amount")

// AssetDecimals returns 6 for the settlement asset and 18 for everything else.
// Addresses are compared case-insensitively.
func AssetDecimals(asset, stableAsset string) int32 {
	if stableAsset != "" && strings.EqualFold(asset, stableAsset) {
		return StableDecimals
	}
	return DefaultDecimals
}

// FormatUnits converts an on-chain integer into a float using decimals places.
func FormatUnits(amount *big.Int, decimals int32) (float64, error) {
	if amount == nil {
		return 0, ErrNilAmount
	}
	f, _ := decimal.NewFromBigInt(amount, -decimals).Float64()
	return f, nil
}

// ParseUnits converts a float into an on-chain integer with decimals places,
// truncating toward zero. NaN and infinities map to zero.
func ParseUnits(amount float64, decimals int32) *big.Int {
	if math.IsNaN(amount) || math.IsInf(amount, 0) {
		return new(big.Int)
	}
	return decimal.NewFromFloat(amount).Shift(decimals).BigInt()
}
