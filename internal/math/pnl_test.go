package math_test

import (
	fpmath "PerpKeeper/internal/math"
	"errors"
	"math"
	"math/big"
	"testing"
)

func TestComputeUnrealizedPnL(t *testing.T) {
	got, err := fpmath.ComputeUnrealizedPnL(true, 95, 100, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != -50 {
		t.Errorf("long: got %v, want -50", got)
	}

	got, _ = fpmath.ComputeUnrealizedPnL(false, 95, 100, 1000)
	if got != 50 {
		t.Errorf("short: got %v, want 50", got)
	}

	if _, err := fpmath.ComputeUnrealizedPnL(true, 95, 0, 1000); !errors.Is(err, fpmath.ErrZeroEntryPrice) {
		t.Errorf("got %v, want ErrZeroEntryPrice", err)
	}
}

func TestComputeFundingFee(t *testing.T) {
	// tracker delta of 2e18 → 2.0; 1000 × 2 / 10000 = 0.2
	current, _ := new(big.Int).SetString("5000000000000000000", 10)
	snapshot, _ := new(big.Int).SetString("3000000000000000000", 10)

	fee, err := fpmath.ComputeFundingFee(1000, current, snapshot)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(fee-0.2) > 1e-12 {
		t.Errorf("got %v, want 0.2", fee)
	}

	if _, err := fpmath.ComputeFundingFee(1000, current, nil); err == nil {
		t.Error("nil snapshot should fail")
	}
}

func TestApplyFunding(t *testing.T) {
	if got := fpmath.ApplyFunding(true, 10, 2); got != 8 {
		t.Errorf("long: got %v, want 8", got)
	}
	if got := fpmath.ApplyFunding(false, 10, 2); got != 12 {
		t.Errorf("short: got %v, want 12", got)
	}
}

func TestLiquidationThreshold(t *testing.T) {
	if got := fpmath.LiquidationThreshold(100, 500); got != 5 {
		t.Errorf("got %v, want 5", got)
	}
	if got := fpmath.LiquidationThreshold(100, 0); got != 100 {
		t.Errorf("unset: got %v, want 100", got)
	}
}
