// Package qualifier applies the ordered threshold checks that turn a
// Detector candidate into a Qualified opportunity or a Rejected
// record with a reason code. Checks run in a fixed sequence and stop
// at the first failure, mirroring the sequential post-filter chain
// the teacher runs over FlipResult after the cross-join in
// internal/engine/scanner.go (MinMargin, MinDailyVolume, MinS2BPerDay,
// ... applied one after another, each producing a smaller slice).
package qualifier

import (
	"math/big"
	"time"

	"dexarb/internal/chain"
)

// priceImpactScale matches ammmath.priceImpactScale: price impact is
// reported as parts-per-million of the pre-trade price.
const priceImpactScale = 1_000_000

// GasEstimates is the gasEstimate(kind) lookup table.
type GasEstimates struct {
	TwoLeg     uint64 // default 200_000
	Triangular uint64 // default 300_000
}

// DefaultGasEstimates returns the spec-mandated default gas units per
// opportunity kind.
func DefaultGasEstimates() GasEstimates {
	return GasEstimates{TwoLeg: 200_000, Triangular: 300_000}
}

// Config holds every threshold the Qualifier enforces. Zero-value
// fields for the *big.Int pointers must be set by the caller; New
// does not fill in silent defaults for monetary thresholds because a
// zero minimum profit would silently qualify every candidate.
type Config struct {
	MinProfitQuote     *big.Int
	MinMargin          float64 // default 0.005
	SafetyMargin       float64 // default 0.10
	MinLiquidityQuote  *big.Int
	MaxPriceImpactPPM  int64 // default 5000 (0.5%)
	MaxGasPriceWei      *big.Int
	GasBuffer          float64 // default 1.2
	GasEstimates       GasEstimates
	OpportunityTimeout time.Duration // default 30s
}

// LegLiquidity is the caller-supplied liquidity and price-impact
// context for one leg of a candidate, computed from the same
// ReserveSnapshot the Detector used. The Qualifier itself has no
// transport or cache dependency; it only judges numbers it is handed.
type LegLiquidity struct {
	ReserveQuote   *big.Int // this leg's pool-side reserve, denominated in quote units
	PriceImpactPPM int64    // ammmath.PriceImpact(...) result for this leg at the candidate's trade size
}

// Input bundles a Detector candidate with the live context the
// Qualifier needs but does not fetch itself: per-leg liquidity/impact
// figures, and the current native-gas-token price.
type Input struct {
	Opportunity        *chain.Opportunity
	Legs               []LegLiquidity
	GasPriceWei        *big.Int
	NativeToQuotePrice float64 // raw quote-token units per whole native gas token, e.g. 6-decimal USDC units per ETH
}

// Qualifier applies the seven ordered checks of the qualification
// pipeline to Detector candidates.
type Qualifier struct {
	cfg Config
}

// New constructs a Qualifier. Callers must populate every Config
// field; New does not substitute spec defaults for monetary fields.
func New(cfg Config) *Qualifier {
	return &Qualifier{cfg: cfg}
}

// Qualify runs the ordered check chain against in.Opportunity. On
// success it returns a copy of the opportunity with Status=Qualified,
// GasCostQuote/NetProfitQuote recomputed from live gas price, and
// ExpiresAt set. On failure it returns a copy with Status=Rejected and
// Reason set to the failing check's code, and a *chain.QualifierReject
// describing the same failure.
func (q *Qualifier) Qualify(in Input, now time.Time) (*chain.Opportunity, error) {
	src := in.Opportunity
	out := *src
	out.Legs = append([]chain.Leg(nil), src.Legs...)

	reject := func(reason string) (*chain.Opportunity, error) {
		out.Status = chain.Rejected
		out.Reason = reason
		return &out, &chain.QualifierReject{Reason: reason}
	}

	// 1. netProfit >= minProfit
	if src.NetProfitQuote == nil || q.cfg.MinProfitQuote == nil || src.NetProfitQuote.Cmp(q.cfg.MinProfitQuote) < 0 {
		return reject("minProfit")
	}

	// 2. margin >= minMargin
	if src.Margin < q.cfg.MinMargin {
		return reject("minMargin")
	}

	// 3. minLiquidity: both terminal pools' reserveQuote must clear the
	// floor. A leg with ReserveQuote left nil (an intermediate hop in a
	// triangular cycle, not a cycle endpoint) is not itself constrained
	// by this check.
	if q.cfg.MinLiquidityQuote != nil {
		for _, leg := range in.Legs {
			if leg.ReserveQuote != nil && leg.ReserveQuote.Cmp(q.cfg.MinLiquidityQuote) < 0 {
				return reject("minLiquidity")
			}
		}
	}

	// 4. maxPriceImpactPerLeg <= cap
	for _, leg := range in.Legs {
		if leg.PriceImpactPPM > q.cfg.MaxPriceImpactPPM {
			return reject("maxPriceImpact")
		}
	}

	// 5. gasPrice <= maxGasPrice
	if q.cfg.MaxGasPriceWei != nil && in.GasPriceWei != nil && in.GasPriceWei.Cmp(q.cfg.MaxGasPriceWei) > 0 {
		return reject("maxGasPrice")
	}

	// Gas cost derivation: gasCostQuote = gasEstimate * gasPrice *
	// price(nativeToken, quote) * gasBuffer, replacing the detector's
	// placeholder gas quote with a live-priced figure.
	gasEstimate := q.cfg.GasEstimates.TwoLeg
	if src.Kind == chain.Triangular {
		gasEstimate = q.cfg.GasEstimates.Triangular
	}
	gasCostQuote := gasCostInQuote(gasEstimate, in.GasPriceWei, in.NativeToQuotePrice, q.cfg.GasBuffer)

	grossProfit := new(big.Int).Add(src.NetProfitQuote, src.GasCostQuote)
	netProfit := new(big.Int).Sub(grossProfit, gasCostQuote)

	// 6. safetyMargin: requalify minProfit on the discounted figure
	netAfterSafety := applySafetyMargin(netProfit, q.cfg.SafetyMargin)
	if q.cfg.MinProfitQuote != nil && netAfterSafety.Cmp(q.cfg.MinProfitQuote) < 0 {
		return reject("safetyMargin")
	}

	// 7. expiry
	out.GasCostQuote = gasCostQuote
	out.NetProfitQuote = netProfit
	out.GrossProfitQuote = grossProfit
	out.Status = chain.Qualified
	out.Reason = ""
	out.ExpiresAt = now.Add(q.cfg.OpportunityTimeout)
	if out.CreatedAt.IsZero() {
		out.CreatedAt = now
	}
	return &out, nil
}

// applySafetyMargin returns netProfit * (1 - safetyMargin), floor
// rounded toward zero profit (never past it), matching the spec's
// "requalify against minProfit" language: a discount, not a further
// cost.
func applySafetyMargin(netProfit *big.Int, safetyMargin float64) *big.Int {
	if safetyMargin <= 0 {
		return new(big.Int).Set(netProfit)
	}
	if safetyMargin >= 1 {
		return big.NewInt(0)
	}
	keepPPM := int64((1 - safetyMargin) * priceImpactScale)
	result := new(big.Int).Mul(netProfit, big.NewInt(keepPPM))
	return result.Quo(result, big.NewInt(priceImpactScale))
}

// gasCostInQuote converts a gas-unit estimate into quote-denominated
// cost: gasEstimate * gasBuffer wei-equivalent units, multiplied by
// gasPriceWei, scaled by the native token's 18 decimals, then priced
// into raw quote units via nativeToQuotePrice (already expressed in
// raw quote-token units per whole native token). Float64 is used here
// deliberately: this is an external price-oracle conversion, not the
// constant-product invariant math internal/ammmath keeps exact.
func gasCostInQuote(gasEstimate uint64, gasPriceWei *big.Int, nativeToQuotePrice, gasBuffer float64) *big.Int {
	if gasPriceWei == nil || nativeToQuotePrice <= 0 {
		return big.NewInt(0)
	}
	if gasBuffer <= 0 {
		gasBuffer = 1
	}
	weiCost := new(big.Float).SetInt(new(big.Int).Mul(gasPriceWei, new(big.Int).SetUint64(gasEstimate)))
	weiCost.Mul(weiCost, big.NewFloat(gasBuffer))
	weiPerNative := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	nativeAmount := new(big.Float).Quo(weiCost, weiPerNative)
	quoteCost := new(big.Float).Mul(nativeAmount, big.NewFloat(nativeToQuotePrice))
	result, _ := quoteCost.Int(nil)
	if result == nil {
		return big.NewInt(0)
	}
	return result
}
