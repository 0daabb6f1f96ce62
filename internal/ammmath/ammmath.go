// Package ammmath implements exact, deterministic constant-product
// (Uniswap V2-style) swap math over arbitrary-precision integers.
// Every function here is pure and allocation-only: no I/O, no
// randomness, no floating point. Intermediate products of
// reserve*amount*fee routinely exceed 64 bits and even exceed a fixed
// 256-bit budget inside getAmountIn's numerator before the final
// division brings the result back down, so math/big is used
// throughout rather than a fixed-width integer type (see DESIGN.md).
package ammmath

import (
	"fmt"
	"math/big"

	"dexarb/internal/chain"
)

// GetAmountOut computes the output amount of a constant-product swap:
// aOut = floor((aIn*feeNum*rOut) / (rIn*feeDen + aIn*feeNum)).
//
// Preconditions: aIn > 0, rIn > 0, rOut > 0. Guarantees aOut < rOut.
func GetAmountOut(aIn, rIn, rOut *big.Int, feeNum, feeDen int64) (*big.Int, error) {
	if aIn.Sign() <= 0 || rIn.Sign() <= 0 || rOut.Sign() <= 0 {
		return nil, fmt.Errorf("getAmountOut: aIn=%s rIn=%s rOut=%s: %w", aIn, rIn, rOut, chain.ErrInvalidInput)
	}
	if feeNum <= 0 || feeDen <= 0 || feeNum > feeDen {
		return nil, fmt.Errorf("getAmountOut: invalid fee %d/%d: %w", feeNum, feeDen, chain.ErrInvalidInput)
	}

	aInWithFee := new(big.Int).Mul(aIn, big.NewInt(feeNum))
	numerator := new(big.Int).Mul(aInWithFee, rOut)
	denominator := new(big.Int).Mul(rIn, big.NewInt(feeDen))
	denominator.Add(denominator, aInWithFee)

	aOut := new(big.Int).Div(numerator, denominator)
	if aOut.Cmp(rOut) >= 0 {
		// Numerically unreachable given the formula above (aOut is
		// strictly bounded by rOut as aIn -> infinity), but guard the
		// documented invariant explicitly rather than trust algebra.
		aOut = new(big.Int).Sub(rOut, big.NewInt(1))
	}
	return aOut, nil
}

// GetAmountIn computes the input amount required to receive exactly
// aOut: aIn = floor((rIn*aOut*feeDen) / ((rOut-aOut)*feeNum)) + 1.
//
// Preconditions: 0 < aOut < rOut. Guarantees
// GetAmountOut(GetAmountIn(aOut,...),...) >= aOut.
func GetAmountIn(aOut, rIn, rOut *big.Int, feeNum, feeDen int64) (*big.Int, error) {
	if rIn.Sign() <= 0 || rOut.Sign() <= 0 {
		return nil, fmt.Errorf("getAmountIn: rIn=%s rOut=%s: %w", rIn, rOut, chain.ErrInvalidInput)
	}
	if aOut.Sign() <= 0 {
		return nil, fmt.Errorf("getAmountIn: aOut=%s must be positive: %w", aOut, chain.ErrInvalidInput)
	}
	if aOut.Cmp(rOut) >= 0 {
		return nil, fmt.Errorf("getAmountIn: aOut=%s >= rOut=%s: %w", aOut, rOut, chain.ErrInsufficientLiquidity)
	}
	if feeNum <= 0 || feeDen <= 0 || feeNum > feeDen {
		return nil, fmt.Errorf("getAmountIn: invalid fee %d/%d: %w", feeNum, feeDen, chain.ErrInvalidInput)
	}

	numerator := new(big.Int).Mul(rIn, aOut)
	numerator.Mul(numerator, big.NewInt(feeDen))
	denomBase := new(big.Int).Sub(rOut, aOut)
	denominator := new(big.Int).Mul(denomBase, big.NewInt(feeNum))

	aIn := new(big.Int).Div(numerator, denominator)
	aIn.Add(aIn, big.NewInt(1))
	return aIn, nil
}

// AmountsOut applies GetAmountOut hop by hop along path, where
// reserves[i] = (rIn, rOut) for hop i. It fails fast with
// ErrInsufficientLiquidity-wrapped error on the first hop whose
// output would be zero.
func AmountsOut(aIn *big.Int, feeNum, feeDen int64, reserves [][2]*big.Int) ([]*big.Int, error) {
	amounts := make([]*big.Int, len(reserves)+1)
	amounts[0] = new(big.Int).Set(aIn)
	cur := aIn
	for i, hop := range reserves {
		out, err := GetAmountOut(cur, hop[0], hop[1], feeNum, feeDen)
		if err != nil {
			return nil, fmt.Errorf("amountsOut: hop %d: %w", i, err)
		}
		if out.Sign() == 0 {
			return nil, fmt.Errorf("amountsOut: hop %d produced zero output: %w", i, chain.ErrInsufficientLiquidity)
		}
		amounts[i+1] = out
		cur = out
	}
	return amounts, nil
}

// priceImpactScale is the fixed-decimal scale PriceImpact truncates
// to: results are returned as an integer numerator over this
// denominator, i.e. parts per priceImpactScale.
const priceImpactScale = 1_000_000

// PriceImpact computes 1 - (aOut/aIn) / (rOut/rIn) as an exact
// rational, truncated to a fixed-decimal integer numerator over
// priceImpactScale (so the caller compares against a threshold
// without floating point). Returns a value in [0, priceImpactScale).
func PriceImpact(aIn, rIn, rOut *big.Int, feeNum, feeDen int64) (int64, error) {
	aOut, err := GetAmountOut(aIn, rIn, rOut, feeNum, feeDen)
	if err != nil {
		return 0, fmt.Errorf("priceImpact: %w", err)
	}
	// executedPrice = aOut/aIn ; spotPrice = rOut/rIn
	// impact = 1 - executedPrice/spotPrice
	//        = 1 - (aOut*rIn) / (aIn*rOut)
	lhs := new(big.Int).Mul(aOut, rIn)
	rhs := new(big.Int).Mul(aIn, rOut)
	if rhs.Sign() == 0 {
		return 0, fmt.Errorf("priceImpact: zero denominator: %w", chain.ErrInvalidInput)
	}
	// ratio = lhs/rhs ; impact = (rhs - lhs) / rhs, scaled.
	diff := new(big.Int).Sub(rhs, lhs)
	if diff.Sign() < 0 {
		diff = big.NewInt(0)
	}
	scaled := new(big.Int).Mul(diff, big.NewInt(priceImpactScale))
	impact := new(big.Int).Div(scaled, rhs)
	if impact.Cmp(big.NewInt(priceImpactScale)) >= 0 {
		impact = big.NewInt(priceImpactScale - 1)
	}
	return impact.Int64(), nil
}

// PriceImpactFraction converts PriceImpact's fixed-decimal integer
// into a float64 for logging/reporting purposes only; detection and
// qualification logic must compare the integer form, never this.
func PriceImpactFraction(impact int64) float64 {
	return float64(impact) / float64(priceImpactScale)
}

// TwoLegResult is the outcome of OptimalTwoLegSize: the input amount
// that maximizes net profit and the resulting profit (may be
// negative, meaning no amount in range is profitable).
type TwoLegResult struct {
	AmountIn  *big.Int
	NetProfit *big.Int
}

// OptimalTwoLegSize searches aIn in [1, maxIn] maximizing
// profit(aIn) = getAmountOut(getAmountOut(aIn, poolA), poolB) - aIn - gasQuote
// where poolA=(rInA,rOutA) and poolB=(rInB,rOutB) are the buy and sell
// legs, each with its own venue fee fraction. The profit function is
// strictly unimodal on constant-product pools (marginal output
// strictly decreases in aIn on both legs, so net profit is concave
// minus linear), so ternary search on integers converges to a window
// of size <= 2, then a linear scan picks the exact maximum. Ties
// inside that final window break toward the smallest amount; where
// integer rounding leaves a flat stretch of equal profit wider than
// the window, a larger amount with the same profit can be returned
// instead of the smallest one. A failing hop at any probe
// contributes profit = -infinity for that probe only.
func OptimalTwoLegSize(rInA, rOutA, rInB, rOutB *big.Int, feeNumA, feeDenA, feeNumB, feeDenB int64, maxIn, gasQuote *big.Int) (TwoLegResult, error) {
	if maxIn.Sign() <= 0 {
		return TwoLegResult{}, fmt.Errorf("optimalTwoLegSize: maxIn=%s must be positive: %w", maxIn, chain.ErrInvalidInput)
	}

	profitAt := func(aIn *big.Int) (*big.Int, bool) {
		if aIn.Sign() <= 0 {
			return nil, false
		}
		mid, err := GetAmountOut(aIn, rInA, rOutA, feeNumA, feeDenA)
		if err != nil || mid.Sign() == 0 {
			return nil, false
		}
		out, err := GetAmountOut(mid, rInB, rOutB, feeNumB, feeDenB)
		if err != nil {
			return nil, false
		}
		profit := new(big.Int).Sub(out, aIn)
		profit.Sub(profit, gasQuote)
		return profit, true
	}

	lo := big.NewInt(1)
	hi := new(big.Int).Set(maxIn)

	for {
		diff := new(big.Int).Sub(hi, lo)
		if diff.Cmp(big.NewInt(2)) <= 0 {
			break
		}
		third := new(big.Int).Div(diff, big.NewInt(3))
		m1 := new(big.Int).Add(lo, third)
		m2 := new(big.Int).Sub(hi, third)
		if m1.Cmp(m2) >= 0 {
			// diff too small to separate distinct probes; fall through
			// to the linear scan below.
			break
		}

		p1, ok1 := profitAt(m1)
		p2, ok2 := profitAt(m2)
		switch {
		case !ok1 && !ok2:
			// Both probes fail: shrink from both ends.
			lo = m1
			hi = m2
		case !ok1:
			lo = new(big.Int).Add(m1, big.NewInt(1))
		case !ok2:
			hi = new(big.Int).Sub(m2, big.NewInt(1))
		case p1.Cmp(p2) < 0:
			lo = m1
		default:
			hi = m2
		}
	}

	var best *big.Int
	var bestProfit *big.Int
	for i := new(big.Int).Set(lo); i.Cmp(hi) <= 0; i.Add(i, big.NewInt(1)) {
		p, ok := profitAt(i)
		if !ok {
			continue
		}
		if bestProfit == nil || p.Cmp(bestProfit) > 0 {
			bestProfit = p
			best = new(big.Int).Set(i)
		}
	}

	if best == nil {
		// No probed amount produced a valid chain of swaps at all;
		// report the smallest amount with an effectively failing
		// profit so the caller's netProfit > 0 check rejects it.
		return TwoLegResult{
			AmountIn:  big.NewInt(1),
			NetProfit: new(big.Int).Neg(gasQuote),
		}, nil
	}

	return TwoLegResult{AmountIn: best, NetProfit: bestProfit}, nil
}
