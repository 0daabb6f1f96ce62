package sim

import (
	"context"
	"math/big"
	"testing"
	"time"

	"dexarb/internal/chain"
)

func TestSubmit_AppliesSlippageAndSettlesPortfolio(t *testing.T) {
	portfolio := chain.NewPortfolioState(big.NewInt(1_000_000_000), time.Now())
	s := New(Config{Portfolio: portfolio, SlippageBps: 500}) // 5%

	opp := &chain.Opportunity{
		ID:             "opp-1",
		Kind:           chain.TwoLeg,
		TradeAmountIn:  big.NewInt(1_000_000),
		NetProfitQuote: big.NewInt(100_000),
		Status:         chain.Qualified,
	}
	portfolio.Open(opp, opp.TradeAmountIn, time.Now())

	if err := s.Submit(context.Background(), opp, opp.TradeAmountIn); err != nil {
		t.Fatalf("Submit: %v", err)
	}

	fills := s.Fills()
	if len(fills) != 1 {
		t.Fatalf("len(fills) = %d, want 1", len(fills))
	}
	want := big.NewInt(95_000) // 100_000 - 5%
	if fills[0].RealizedNetProfit.Cmp(want) != 0 {
		t.Errorf("RealizedNetProfit = %s, want %s", fills[0].RealizedNetProfit, want)
	}

	snap := portfolio.Snapshot()
	if snap.Equity.Cmp(big.NewInt(1_000_095_000)) != 0 {
		t.Errorf("Equity = %s, want 1000095000", snap.Equity)
	}
	if snap.ActivePositions != 0 {
		t.Errorf("ActivePositions = %d, want 0 (settled)", snap.ActivePositions)
	}
}

func TestSubmit_ZeroSlippageLeavesProfitUnchanged(t *testing.T) {
	portfolio := chain.NewPortfolioState(big.NewInt(1_000_000_000), time.Now())
	s := New(Config{Portfolio: portfolio})

	opp := &chain.Opportunity{
		ID:             "opp-2",
		NetProfitQuote: big.NewInt(50_000),
		TradeAmountIn:  big.NewInt(1_000_000),
		Status:         chain.Qualified,
	}
	portfolio.Open(opp, opp.TradeAmountIn, time.Now())

	if err := s.Submit(context.Background(), opp, opp.TradeAmountIn); err != nil {
		t.Fatalf("Submit: %v", err)
	}
	fills := s.Fills()
	if fills[0].RealizedNetProfit.Cmp(big.NewInt(50_000)) != 0 {
		t.Errorf("RealizedNetProfit = %s, want 50000", fills[0].RealizedNetProfit)
	}
}

func TestApplySlippage_NegativeModeledProfitDeepensLossByNonNegativeSlip(t *testing.T) {
	modeled := big.NewInt(-10_000)
	realized, slip := applySlippage(modeled, 500)
	if slip.Sign() < 0 {
		t.Errorf("slip should be non-negative, got %s", slip)
	}
	if realized.Cmp(modeled) >= 0 {
		t.Errorf("realized (%s) should be worse than modeled (%s) on a losing trade", realized, modeled)
	}
}
