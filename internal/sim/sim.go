// Package sim is the simulated execution stepper: it consumes
// approved opportunities and produces realistic post-trade telemetry.
// It never signs or broadcasts a transaction (spec.md §1 scope) — the
// same role chidi150c-coinbase's broker_paper.go plays for spot
// trades, ported here from a single-price market-order fill to a
// multi-leg AMM-hop fill that settles directly against
// chain.PortfolioState instead of returning a placed-order receipt.
package sim

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"

	"dexarb/internal/chain"
	"dexarb/internal/logger"
	"dexarb/internal/metrics"
)

const logTag = "SIMULATOR"

// Config holds the Simulator's tunables. SlippageBps is the
// additional, beyond-modeled slippage a real fill would incur once it
// actually touches the pools (latency between quote and inclusion,
// other searchers front-running the same cycle) — applied as a fixed
// discount to the opportunity's modeled NetProfitQuote, not drawn from
// any randomness source, so outcomes stay reproducible.
type Config struct {
	Portfolio   *chain.PortfolioState
	SlippageBps int64 // default 50 (0.5%)
}

// Fill is one simulated execution's realized telemetry.
type Fill struct {
	ID                string
	OpportunityID     string
	SizedAmount       *big.Int
	ModeledNetProfit  *big.Int
	RealizedNetProfit *big.Int
	SlippageQuote     *big.Int
	SubmittedAt       time.Time
	SettledAt         time.Time
}

// Simulator tracks every fill it has produced, purely for telemetry
// retrieval (internal/api's supplemented surface); the Orchestrator's
// own Statistics come from the Store, not from here.
type Simulator struct {
	cfg Config

	mu    sync.Mutex
	fills []Fill
}

// New constructs a Simulator. A zero-value Config.SlippageBps means
// "no extra slippage modeled" — callers wanting the spec-realistic
// default must set it explicitly.
func New(cfg Config) *Simulator {
	return &Simulator{cfg: cfg}
}

// Submit simulates the fill of opp at sizedAmount: discounts the
// opportunity's modeled net profit by SlippageBps to produce a
// realized figure, records the fill, and settles the position against
// Portfolio so PortfolioState.Equity/DailyPnL reflect the outcome for
// the next RiskGate pass.
func (s *Simulator) Submit(ctx context.Context, opp *chain.Opportunity, sizedAmount *big.Int) error {
	now := time.Now()
	modeled := new(big.Int)
	if opp.NetProfitQuote != nil {
		modeled.Set(opp.NetProfitQuote)
	}
	realized, slippage := applySlippage(modeled, s.cfg.SlippageBps)

	fill := Fill{
		ID:                uuid.New().String(),
		OpportunityID:     opp.ID,
		SizedAmount:       new(big.Int).Set(sizedAmount),
		ModeledNetProfit:  modeled,
		RealizedNetProfit: realized,
		SlippageQuote:     slippage,
		SubmittedAt:       now,
		SettledAt:         now,
	}

	s.mu.Lock()
	s.fills = append(s.fills, fill)
	s.mu.Unlock()

	if s.cfg.Portfolio != nil {
		s.cfg.Portfolio.Settle(opp.ID, realized, now)
	}
	realizedFloat, _ := new(big.Float).SetInt(realized).Float64()
	metrics.AddCumulativeNetProfit(realizedFloat)

	logger.Info(logTag, "simulated fill "+opp.ID+" realized="+realized.String())
	return nil
}

// Fills returns every recorded fill, oldest first. Callers must not
// mutate the returned slice's *big.Int fields.
func (s *Simulator) Fills() []Fill {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fill, len(s.fills))
	copy(out, s.fills)
	return out
}

// applySlippage returns (modeled - modeled*slippageBps/10000, that discount),
// floored so a pathological bps value never flips a profitable fill
// into a larger loss than the modeled profit itself.
func applySlippage(modeled *big.Int, slippageBps int64) (realized, slippage *big.Int) {
	if slippageBps <= 0 || modeled.Sign() == 0 {
		return new(big.Int).Set(modeled), big.NewInt(0)
	}
	slip := new(big.Int).Mul(modeled, big.NewInt(slippageBps))
	slip = slip.Div(slip, big.NewInt(10_000))
	if slip.Sign() < 0 {
		slip = new(big.Int).Neg(slip)
	}
	if modeled.Sign() > 0 {
		if maxSlip := new(big.Int).Lsh(modeled, 1); slip.Cmp(maxSlip) > 0 {
			slip = maxSlip
		}
	}
	realized = new(big.Int).Sub(modeled, slip)
	return realized, slip
}
