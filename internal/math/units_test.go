package math_test

import (
	fpmath "PerpKeeper/internal/math"
	"math"
	"math/big"
	"testing"
)

func TestFormatUnits(t *testing.T) {
	got, err := fpmath.FormatUnits(big.NewInt(1_500_000), fpmath.StableDecimals)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 1.5 {
		t.Errorf("got %v, want 1.5", got)
	}

	wei, _ := new(big.Int).SetString("2500000000000000000", 10)
	got, _ = fpmath.FormatUnits(wei, fpmath.DefaultDecimals)
	if got != 2.5 {
		t.Errorf("got %v, want 2.5", got)
	}

	if _, err := fpmath.FormatUnits(nil, 6); err == nil {
		t.Error("nil amount should fail")
	}
}

func TestParseUnits(t *testing.T) {
	if got := fpmath.ParseUnits(1.5, 6); got.Int64() != 1_500_000 {
		t.Errorf("got %v, want 1500000", got)
	}
	if got := fpmath.ParseUnits(-12.25, 6); got.Int64() != -12_250_000 {
		t.Errorf("got %v, want -12250000", got)
	}
	if got := fpmath.ParseUnits(1.23456789, 6); got.Int64() != 1_234_567 {
		t.Errorf("truncation: got %v, want 1234567", got)
	}
	if got := fpmath.ParseUnits(math.NaN(), 6); got.Sign() != 0 {
		t.Errorf("NaN: got %v, want 0", got)
	}
}

func TestAssetDecimals(t *testing.T) {
	usdc := "0xAbC"
	if got := fpmath.AssetDecimals("0xabc", usdc); got != 6 {
		t.Errorf("stable: got %d, want 6", got)
	}
	if got := fpmath.AssetDecimals("0xdef", usdc); got != 18 {
		t.Errorf("other: got %d, want 18", got)
	}
}
