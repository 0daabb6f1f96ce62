// Package riskgate turns a Qualified opportunity into a sized,
// approved-or-rejected Assessment: fractional-Kelly position sizing
// followed by a fixed set of portfolio-level gate checks, grounded on
// the weighted, clamped risk-score idiom in
// internal/engine/risk.go (EWMA volatility mapped to a 0-100 score,
// soft-capped) and the exposure bookkeeping in
// internal/engine/portfolio.go of the reference corpus.
package riskgate

import (
	"math/big"

	"dexarb/internal/ammmath"
	"dexarb/internal/chain"
)

// Config holds every RiskGate threshold. Like qualifier.Config, the
// monetary *big.Int fields have no silent zero-value default: a zero
// MaxDailyLoss would reject every candidate, which is a deliberate
// fail-closed default a caller must override, not one this package
// should assume.
type Config struct {
	KellyFraction          float64 // default 0.25
	MinPosition            *big.Int
	MaxPosition            *big.Int
	MaxPortfolioExposure   float64 // fraction of TotalValue, default 0.5
	AssumedLossFraction    float64 // default 0.1
	MaxConcurrentPositions int
	MaxDrawdown            float64 // default 0.2
	MaxDailyLoss           *big.Int
	MaxPriceImpactPPM      int64 // default 5000 (0.5%)
	MinProfitQuote         *big.Int
	VolatilityTerm         float64 // constant risk-score addend, default 0.05
}

// LegReserves is the reserve pair and fee fraction for one leg of the
// opportunity, in the same (reserveIn, reserveOut) orientation the
// Detector used to size the opportunity. Ordered to match
// Opportunity.Legs.
type LegReserves struct {
	ReserveIn  *big.Int
	ReserveOut *big.Int
	FeeNum     int64
	FeeDen     int64
}

// Input bundles the qualified candidate with the live reserve/
// portfolio context RiskGate needs to size and gate it.
type Input struct {
	Opportunity       *chain.Opportunity
	Legs              []LegReserves // chained hops; works for both TwoLeg (2) and Triangular (3)
	GasCostQuote      *big.Int
	Portfolio         chain.PortfolioSnapshot
	TotalValue        *big.Int
	AvailableCapital  *big.Int
	TerminalReserveQuote []*big.Int // per-leg reserveQuote, for the risk score's liquidity-ratio term
	MinLiquidityQuote *big.Int
}

// Assessment is the RiskGate verdict: the sized amount (nil if
// rejected), an observability-only [0,1] risk score, and the reasons
// for any rejection (empty when approved).
type Assessment struct {
	Approved    bool
	SizedAmount *big.Int
	Score       float64
	Reasons     []string
}

// Gate sizes and gates a qualified opportunity, per spec.md §4.7.
func Gate(cfg Config, in Input) Assessment {
	opp := in.Opportunity
	sized := sizePosition(cfg, opp, in.AvailableCapital)

	// Gate's "cannot size above detector's optimum" clamp.
	if opp.TradeAmountIn != nil && sized.Cmp(opp.TradeAmountIn) > 0 {
		sized = new(big.Int).Set(opp.TradeAmountIn)
	}

	// Re-evaluate profitability at the sized amount if it differs from
	// the amount the Detector/Qualifier priced the candidate at.
	if opp.TradeAmountIn != nil && sized.Cmp(opp.TradeAmountIn) != 0 {
		reprofit, err := profitAtAmount(in.Legs, sized, in.GasCostQuote)
		if err != nil || (cfg.MinProfitQuote != nil && reprofit.Cmp(cfg.MinProfitQuote) < 0) {
			// Fall back to the detector's own optimum if that is still
			// within limits; otherwise there is nothing left to approve.
			fallback := clampToLimits(cfg, opp.TradeAmountIn)
			if fallback.Cmp(opp.TradeAmountIn) != 0 {
				return Assessment{Reasons: []string{"sizedBelowMinProfit"}}
			}
			sized = fallback
		}
	}

	var reasons []string

	exposure := currentExposure(in.Portfolio)
	newExposure := new(big.Int).Add(exposure, sized)
	maxExposure := scaleInt(in.TotalValue, cfg.MaxPortfolioExposure)
	if maxExposure != nil && newExposure.Cmp(maxExposure) > 0 {
		reasons = append(reasons, "maxPortfolioExposure")
	}

	if cfg.MaxDailyLoss != nil && in.Portfolio.DailyPnL != nil && in.Portfolio.DailyPnL.Sign() < 0 {
		dailyLoss := new(big.Int).Neg(in.Portfolio.DailyPnL)
		if dailyLoss.Cmp(cfg.MaxDailyLoss) >= 0 {
			reasons = append(reasons, "maxDailyLoss")
		}
		potentialLoss := scaleInt(sized, cfg.AssumedLossFraction)
		remaining := new(big.Int).Sub(cfg.MaxDailyLoss, dailyLoss)
		if potentialLoss != nil && potentialLoss.Cmp(remaining) > 0 {
			reasons = append(reasons, "potentialDailyLoss")
		}
	} else if cfg.MaxDailyLoss != nil {
		potentialLoss := scaleInt(sized, cfg.AssumedLossFraction)
		if potentialLoss != nil && potentialLoss.Cmp(cfg.MaxDailyLoss) > 0 {
			reasons = append(reasons, "potentialDailyLoss")
		}
	}

	if cfg.MaxConcurrentPositions > 0 && in.Portfolio.ActivePositions >= cfg.MaxConcurrentPositions {
		reasons = append(reasons, "maxConcurrentPositions")
	}

	if cfg.MaxDrawdown > 0 && in.Portfolio.Drawdown() > cfg.MaxDrawdown {
		reasons = append(reasons, "maxDrawdown")
	}

	impactReasons := checkPriceImpact(cfg, in.Legs, sized)
	reasons = append(reasons, impactReasons...)

	score := riskScore(cfg, opp, in, sized)

	if len(reasons) > 0 {
		return Assessment{Approved: false, Score: score, Reasons: reasons}
	}
	return Assessment{Approved: true, SizedAmount: sized, Score: score}
}

// sizePosition applies the fractional-Kelly heuristic: f* = max(0,
// (b-1)/b) where b is the opportunity's gross return multiplier
// (1 + Opportunity.Margin, since Margin is stored as a net return
// rate per unit invested rather than an odds ratio — see DESIGN.md).
// 0.25*f* is the conservative fraction applied to available capital,
// clamped to [minPosition, maxPosition].
func sizePosition(cfg Config, opp *chain.Opportunity, availableCapital *big.Int) *big.Int {
	b := 1 + opp.Margin
	fStar := 0.0
	if b > 0 {
		fStar = (b - 1) / b
	}
	if fStar < 0 {
		fStar = 0
	}
	fraction := cfg.KellyFraction * fStar
	if fraction <= 0 || availableCapital == nil {
		return clampToLimits(cfg, big.NewInt(0))
	}
	sizedF := new(big.Float).Mul(new(big.Float).SetInt(availableCapital), big.NewFloat(fraction))
	sized, _ := sizedF.Int(nil)
	if sized == nil {
		sized = big.NewInt(0)
	}
	return clampToLimits(cfg, sized)
}

func clampToLimits(cfg Config, amount *big.Int) *big.Int {
	out := new(big.Int).Set(amount)
	if cfg.MinPosition != nil && out.Cmp(cfg.MinPosition) < 0 {
		out = new(big.Int).Set(cfg.MinPosition)
	}
	if cfg.MaxPosition != nil && out.Cmp(cfg.MaxPosition) > 0 {
		out = new(big.Int).Set(cfg.MaxPosition)
	}
	return out
}

// profitAtAmount chains GetAmountOut across every leg starting from
// amount, then subtracts gasCostQuote, the same composition the
// Detector uses to evaluate a candidate but parameterized over an
// arbitrary leg count so it serves both TwoLeg and Triangular
// opportunities.
func profitAtAmount(legs []LegReserves, amount, gasCostQuote *big.Int) (*big.Int, error) {
	current := amount
	for _, leg := range legs {
		out, err := ammmath.GetAmountOut(current, leg.ReserveIn, leg.ReserveOut, leg.FeeNum, leg.FeeDen)
		if err != nil {
			return nil, err
		}
		current = out
	}
	profit := new(big.Int).Sub(current, amount)
	if gasCostQuote != nil {
		profit.Sub(profit, gasCostQuote)
	}
	return profit, nil
}

// checkPriceImpact recomputes each leg's price impact at the sized
// amount and rejects if any leg exceeds the configured cap.
func checkPriceImpact(cfg Config, legs []LegReserves, amount *big.Int) []string {
	current := amount
	for _, leg := range legs {
		impact, err := ammmath.PriceImpact(current, leg.ReserveIn, leg.ReserveOut, leg.FeeNum, leg.FeeDen)
		if err != nil {
			return []string{"priceImpactUnavailable"}
		}
		if impact > cfg.MaxPriceImpactPPM {
			return []string{"priceImpactPerLeg"}
		}
		out, err := ammmath.GetAmountOut(current, leg.ReserveIn, leg.ReserveOut, leg.FeeNum, leg.FeeDen)
		if err != nil {
			return []string{"priceImpactUnavailable"}
		}
		current = out
	}
	return nil
}

func currentExposure(p chain.PortfolioSnapshot) *big.Int {
	total := big.NewInt(0)
	for _, v := range p.ExposureByVenue {
		total.Add(total, v)
	}
	return total
}

func scaleInt(amount *big.Int, fraction float64) *big.Int {
	if amount == nil {
		return nil
	}
	f := new(big.Float).Mul(new(big.Float).SetInt(amount), big.NewFloat(fraction))
	out, _ := f.Int(nil)
	if out == nil {
		return big.NewInt(0)
	}
	return out
}

// riskScore is an observability-only weighted sum of normalized
// margin-deficit, liquidity-ratio, exposure-fraction and gas-fraction
// terms plus a constant volatility term, clamped to [0,1] — not a
// hard gate, mirroring the 0-100 soft-capped score the teacher
// computes from EWMA volatility in internal/engine/risk.go.
func riskScore(cfg Config, opp *chain.Opportunity, in Input, sized *big.Int) float64 {
	marginDeficit := 0.0
	if opp.Margin < 0.02 {
		marginDeficit = (0.02 - opp.Margin) / 0.02
	}
	if marginDeficit < 0 {
		marginDeficit = 0
	}

	liquidityRatio := 0.0
	if in.MinLiquidityQuote != nil && in.MinLiquidityQuote.Sign() > 0 {
		minReserve := (*big.Int)(nil)
		for _, r := range in.TerminalReserveQuote {
			if r == nil {
				continue
			}
			if minReserve == nil || r.Cmp(minReserve) < 0 {
				minReserve = r
			}
		}
		if minReserve != nil {
			ratioF := new(big.Float).Quo(new(big.Float).SetInt(in.MinLiquidityQuote), new(big.Float).SetInt(minReserve))
			ratio, _ := ratioF.Float64()
			liquidityRatio = clamp01(ratio)
		}
	}

	exposureFraction := 0.0
	if in.TotalValue != nil && in.TotalValue.Sign() > 0 {
		exposure := new(big.Int).Add(currentExposure(in.Portfolio), sized)
		ratioF := new(big.Float).Quo(new(big.Float).SetInt(exposure), new(big.Float).SetInt(in.TotalValue))
		ratio, _ := ratioF.Float64()
		exposureFraction = clamp01(ratio)
	}

	gasFraction := 0.0
	if opp.GasCostQuote != nil && opp.GrossProfitQuote != nil && opp.GrossProfitQuote.Sign() > 0 {
		ratioF := new(big.Float).Quo(new(big.Float).SetInt(opp.GasCostQuote), new(big.Float).SetInt(opp.GrossProfitQuote))
		ratio, _ := ratioF.Float64()
		gasFraction = clamp01(ratio)
	}

	score := 0.25*marginDeficit + 0.25*liquidityRatio + 0.25*exposureFraction + 0.15*gasFraction + cfg.VolatilityTerm
	return clamp01(score)
}

func clamp01(f float64) float64 {
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}
