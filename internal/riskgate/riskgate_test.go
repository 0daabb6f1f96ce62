package riskgate

import (
	"math/big"
	"testing"

	"dexarb/internal/chain"
)

func baseConfig() Config {
	return Config{
		KellyFraction:          0.25,
		MinPosition:            big.NewInt(1_000),
		MaxPosition:            big.NewInt(1_000_000_000),
		MaxPortfolioExposure:   0.5,
		AssumedLossFraction:    0.1,
		MaxConcurrentPositions: 5,
		MaxDrawdown:            0.2,
		MaxDailyLoss:           big.NewInt(1_000_000_000),
		MaxPriceImpactPPM:      5000,
		MinProfitQuote:         big.NewInt(10_000_000),
		VolatilityTerm:         0.05,
	}
}

func baseOpportunity() *chain.Opportunity {
	return &chain.Opportunity{
		ID:               "opp-1",
		Kind:             chain.TwoLeg,
		TradeAmountIn:    big.NewInt(100_000_000),
		NetProfitQuote:   big.NewInt(50_000_000),
		GrossProfitQuote: big.NewInt(60_000_000),
		GasCostQuote:     big.NewInt(10_000_000),
		Margin:           0.05,
		Status:           chain.Qualified,
	}
}

func baseLegs() []LegReserves {
	return []LegReserves{
		{ReserveIn: big.NewInt(1_000_000_000_000), ReserveOut: big.NewInt(2_000_000_000_000), FeeNum: 997, FeeDen: 1000},
		{ReserveIn: big.NewInt(2_000_000_000_000), ReserveOut: big.NewInt(1_100_000_000_000), FeeNum: 997, FeeDen: 1000},
	}
}

func baseInput() Input {
	return Input{
		Opportunity:      baseOpportunity(),
		Legs:             baseLegs(),
		GasCostQuote:     big.NewInt(10_000_000),
		Portfolio:        chain.PortfolioSnapshot{ExposureByVenue: map[string]*big.Int{}, DailyPnL: big.NewInt(0), PeakEquity: big.NewInt(1_000_000_000), Equity: big.NewInt(1_000_000_000)},
		TotalValue:       big.NewInt(1_000_000_000),
		AvailableCapital: big.NewInt(500_000_000),
		TerminalReserveQuote: []*big.Int{big.NewInt(1_000_000_000_000), big.NewInt(1_100_000_000_000)},
		MinLiquidityQuote: big.NewInt(1_000_000_000),
	}
}

func TestGate_ApprovesHealthyCandidate(t *testing.T) {
	a := Gate(baseConfig(), baseInput())
	if !a.Approved {
		t.Fatalf("expected approval, got reasons %v", a.Reasons)
	}
	if a.SizedAmount == nil || a.SizedAmount.Sign() <= 0 {
		t.Fatalf("expected a positive sized amount, got %v", a.SizedAmount)
	}
	if a.SizedAmount.Cmp(baseOpportunity().TradeAmountIn) > 0 {
		t.Fatalf("sized amount must never exceed detector optimum: %s > %s", a.SizedAmount, baseOpportunity().TradeAmountIn)
	}
	if a.Score < 0 || a.Score > 1 {
		t.Fatalf("score out of [0,1]: %f", a.Score)
	}
}

func TestGate_RejectsOnExposureCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPortfolioExposure = 0.001
	a := Gate(cfg, baseInput())
	if a.Approved {
		t.Fatal("expected rejection on exposure cap")
	}
	if !containsReason(a.Reasons, "maxPortfolioExposure") {
		t.Fatalf("expected maxPortfolioExposure reason, got %v", a.Reasons)
	}
}

func TestGate_RejectsOnDailyLossAlreadyExceeded(t *testing.T) {
	cfg := baseConfig()
	in := baseInput()
	in.Portfolio.DailyPnL = big.NewInt(-2_000_000_000)
	a := Gate(cfg, in)
	if a.Approved {
		t.Fatal("expected rejection on daily loss")
	}
	if !containsReason(a.Reasons, "maxDailyLoss") {
		t.Fatalf("expected maxDailyLoss reason, got %v", a.Reasons)
	}
}

func TestGate_RejectsOnConcurrentPositionCap(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxConcurrentPositions = 1
	in := baseInput()
	in.Portfolio.ActivePositions = 3
	a := Gate(cfg, in)
	if a.Approved {
		t.Fatal("expected rejection on concurrent positions")
	}
	if !containsReason(a.Reasons, "maxConcurrentPositions") {
		t.Fatalf("expected maxConcurrentPositions reason, got %v", a.Reasons)
	}
}

func TestGate_RejectsOnDrawdownExceeded(t *testing.T) {
	cfg := baseConfig()
	in := baseInput()
	in.Portfolio.PeakEquity = big.NewInt(1_000_000_000)
	in.Portfolio.Equity = big.NewInt(500_000_000) // 50% drawdown > 20% cap
	a := Gate(cfg, in)
	if a.Approved {
		t.Fatal("expected rejection on drawdown")
	}
	if !containsReason(a.Reasons, "maxDrawdown") {
		t.Fatalf("expected maxDrawdown reason, got %v", a.Reasons)
	}
}

func TestGate_SizingNeverExceedsMaxPosition(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxPosition = big.NewInt(1_000)
	in := baseInput()
	in.Opportunity.TradeAmountIn = big.NewInt(1_000_000_000)
	a := Gate(cfg, in)
	if a.Approved && a.SizedAmount.Cmp(big.NewInt(1_000)) > 0 {
		t.Fatalf("expected sized amount clamped to MaxPosition, got %s", a.SizedAmount)
	}
}

func containsReason(reasons []string, want string) bool {
	for _, r := range reasons {
		if r == want {
			return true
		}
	}
	return false
}
