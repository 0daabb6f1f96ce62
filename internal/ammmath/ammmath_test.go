package ammmath

import (
	"errors"
	"math/big"
	"math/rand"
	"testing"

	"dexarb/internal/chain"
)

func bi(s int64) *big.Int { return big.NewInt(s) }

func TestGetAmountOut_RejectsNonPositiveInputs(t *testing.T) {
	cases := []struct {
		name           string
		aIn, rIn, rOut *big.Int
	}{
		{"zero aIn", bi(0), bi(100), bi(100)},
		{"negative aIn", bi(-1), bi(100), bi(100)},
		{"zero rIn", bi(10), bi(0), bi(100)},
		{"zero rOut", bi(10), bi(100), bi(0)},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			_, err := GetAmountOut(c.aIn, c.rIn, c.rOut, 997, 1000)
			if !errors.Is(err, chain.ErrInvalidInput) {
				t.Fatalf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestGetAmountOut_BoundedByReserveOut(t *testing.T) {
	rIn := bi(1_000_000)
	rOut := bi(2_000_000)
	for _, aIn := range []int64{1, 100, 10_000, 1_000_000, 1_000_000_000} {
		out, err := GetAmountOut(bi(aIn), rIn, rOut, 997, 1000)
		if err != nil {
			t.Fatalf("aIn=%d: unexpected error %v", aIn, err)
		}
		if out.Cmp(rOut) >= 0 {
			t.Fatalf("aIn=%d: aOut=%s not < rOut=%s", aIn, out, rOut)
		}
		if out.Sign() < 0 {
			t.Fatalf("aIn=%d: aOut=%s negative", aIn, out)
		}
	}
}

func TestGetAmountIn_RoundTripCoversRequestedOutput(t *testing.T) {
	rIn := bi(5_000_000)
	rOut := bi(3_000_000)
	for _, aOut := range []int64{1, 10, 1000, 100_000, 2_999_999} {
		aIn, err := GetAmountIn(bi(aOut), rIn, rOut, 997, 1000)
		if err != nil {
			t.Fatalf("aOut=%d: unexpected error %v", aOut, err)
		}
		got, err := GetAmountOut(aIn, rIn, rOut, 997, 1000)
		if err != nil {
			t.Fatalf("aOut=%d: GetAmountOut(GetAmountIn(...)) errored: %v", aOut, err)
		}
		if got.Cmp(bi(aOut)) < 0 {
			t.Fatalf("aOut=%d: round trip produced %s, want >= %d", aOut, got, aOut)
		}
	}
}

func TestGetAmountIn_RejectsOutOfRangeOutput(t *testing.T) {
	rIn, rOut := bi(1000), bi(500)
	if _, err := GetAmountIn(bi(500), rIn, rOut, 997, 1000); !errors.Is(err, chain.ErrInsufficientLiquidity) {
		t.Fatalf("aOut == rOut: expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := GetAmountIn(bi(501), rIn, rOut, 997, 1000); !errors.Is(err, chain.ErrInsufficientLiquidity) {
		t.Fatalf("aOut > rOut: expected ErrInsufficientLiquidity, got %v", err)
	}
	if _, err := GetAmountIn(bi(0), rIn, rOut, 997, 1000); !errors.Is(err, chain.ErrInvalidInput) {
		t.Fatalf("aOut == 0: expected ErrInvalidInput, got %v", err)
	}
}

func TestGetAmountIn_BoundaryAmountOutReserveMinusOne(t *testing.T) {
	rIn, rOut := bi(1_000_000), bi(1_000_000)
	aOut := new(big.Int).Sub(rOut, bi(1))
	aIn, err := GetAmountIn(aOut, rIn, rOut, 997, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if aIn.Sign() <= 0 {
		t.Fatalf("expected a large positive finite aIn, got %s", aIn)
	}
}

func TestAmountsOut_ZeroFeeIdenticalPoolsNeverProfitable(t *testing.T) {
	rIn, rOut := bi(1_000_000), bi(1_000_000)
	for _, aIn := range []int64{1, 10, 1000, 500_000} {
		amounts, err := AmountsOut(bi(aIn), 1000, 1000, [][2]*big.Int{{rIn, rOut}})
		if aIn == 1 {
			// floor(1*1e6 / (1e6+1)) = 0: the hop yields nothing, which
			// AmountsOut reports as insufficient liquidity.
			if !errors.Is(err, chain.ErrInsufficientLiquidity) {
				t.Fatalf("aIn=1: expected ErrInsufficientLiquidity for a zero-output hop, got %v", err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("aIn=%d: unexpected error %v", aIn, err)
		}
		final := amounts[len(amounts)-1]
		if final.Cmp(bi(aIn)) > 0 {
			t.Fatalf("aIn=%d: aOut=%s > aIn with zero fee on identical pool", aIn, final)
		}
	}
}

func TestAmountsOut_FailsFastOnInsufficientLiquidity(t *testing.T) {
	_, err := AmountsOut(bi(10), 997, 1000, [][2]*big.Int{{bi(0), bi(100)}})
	if !errors.Is(err, chain.ErrInvalidInput) && !errors.Is(err, chain.ErrInsufficientLiquidity) {
		t.Fatalf("expected a domain error, got %v", err)
	}
}

func TestOptimalTwoLegSize_Unimodal(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 50; trial++ {
		rInA := bi(1_000_000 + rng.Int63n(1_000_000))
		rOutA := bi(1_000_000 + rng.Int63n(1_000_000))
		// Introduce a price gap on the sell leg.
		rInB := new(big.Int).Set(rOutA)
		rOutB := new(big.Int).Add(rInA, bi(rng.Int63n(50_000)+1))
		maxIn := bi(rInA.Int64() / 2)
		gas := bi(10)

		result, err := OptimalTwoLegSize(rInA, rOutA, rInB, rOutB, 997, 1000, 997, 1000, maxIn, gas)
		if err != nil {
			t.Fatalf("trial %d: unexpected error: %v", trial, err)
		}

		// Brute-force the true maximum over a coarse grid and confirm
		// the ternary-search result is within a small neighborhood of
		// it in profit terms (linear scan inside the final window
		// already guarantees exactness there; this is a sanity check
		// against a fundamentally different search order).
		bestBrute := new(big.Int).Neg(gas)
		step := new(big.Int).Div(maxIn, bi(200))
		if step.Sign() == 0 {
			step = bi(1)
		}
		for i := new(big.Int).Set(bi(1)); i.Cmp(maxIn) <= 0; i.Add(i, step) {
			mid, err := GetAmountOut(i, rInA, rOutA, 997, 1000)
			if err != nil || mid.Sign() == 0 {
				continue
			}
			out, err := GetAmountOut(mid, rInB, rOutB, 997, 1000)
			if err != nil {
				continue
			}
			profit := new(big.Int).Sub(out, i)
			profit.Sub(profit, gas)
			if profit.Cmp(bestBrute) > 0 {
				bestBrute = profit
			}
		}

		if result.NetProfit.Cmp(bestBrute) < 0 {
			t.Fatalf("trial %d: ternary search profit %s worse than coarse-grid best %s (amount=%s)",
				trial, result.NetProfit, bestBrute, result.AmountIn)
		}
	}
}

func TestOptimalTwoLegSize_TieBreaksSmallestAmount(t *testing.T) {
	// Identical pools both ways: amount 1 rounds to a zero first-leg
	// output (a failing probe), and every amount from 2 up to a few
	// hundred rounds to the same profit of -2, so the optimizer must
	// settle on the smallest feasible amount, 2.
	rIn, rOut := bi(1_000_000), bi(1_000_000)
	result, err := OptimalTwoLegSize(rIn, rOut, rIn, rOut, 997, 1000, 997, 1000, bi(1000), bi(0))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.AmountIn.Cmp(bi(2)) != 0 {
		t.Fatalf("expected tie-break to amount=2, got %s", result.AmountIn)
	}
}

func TestPriceImpact_IncreasesWithTradeSize(t *testing.T) {
	rIn, rOut := bi(1_000_000), bi(1_000_000)
	small, err := PriceImpact(bi(100), rIn, rOut, 997, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	large, err := PriceImpact(bi(500_000), rIn, rOut, 997, 1000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if large <= small {
		t.Fatalf("expected larger trade to have higher impact: small=%d large=%d", small, large)
	}
	if small < 0 || large >= priceImpactScale {
		t.Fatalf("impact out of range: small=%d large=%d", small, large)
	}
}
