package qualifier

import (
	"math/big"
	"testing"
	"time"

	"dexarb/internal/chain"
)

func baseOpportunity() *chain.Opportunity {
	return &chain.Opportunity{
		ID:               "test-1",
		Kind:             chain.TwoLeg,
		Legs:             []chain.Leg{{Venue: "uniswap"}, {Venue: "sushiswap"}},
		TradeAmountIn:    big.NewInt(1_000_000),
		NetProfitQuote:   big.NewInt(50_000_000), // $50 in 6-decimal quote units
		GasCostQuote:     big.NewInt(0),
		GrossProfitQuote: big.NewInt(50_000_000),
		Margin:           0.01,
		CreatedAt:        time.Unix(1000, 0),
		Status:           chain.Detected,
	}
}

func testConfig() Config {
	return Config{
		MinProfitQuote:     big.NewInt(10_000_000), // $10
		MinMargin:          0.005,
		SafetyMargin:       0.10,
		MinLiquidityQuote:  big.NewInt(1_000_000_000),
		MaxPriceImpactPPM:  5000, // 0.5%
		MaxGasPriceWei:      big.NewInt(100_000_000_000),
		GasBuffer:          1.2,
		GasEstimates:       DefaultGasEstimates(),
		OpportunityTimeout: 30 * time.Second,
	}
}

func testInput(opp *chain.Opportunity) Input {
	return Input{
		Opportunity: opp,
		Legs: []LegLiquidity{
			{ReserveQuote: big.NewInt(5_000_000_000), PriceImpactPPM: 100},
			{ReserveQuote: big.NewInt(5_000_000_000), PriceImpactPPM: 100},
		},
		GasPriceWei:        big.NewInt(20_000_000_000), // 20 gwei
		NativeToQuotePrice: 2_000_000_000.0,            // $2000/ETH in 6-decimal USDC units
	}
}

func TestQualify_HealthyCandidateQualifies(t *testing.T) {
	q := New(testConfig())
	out, err := q.Qualify(testInput(baseOpportunity()), time.Unix(1000, 0))
	if err != nil {
		t.Fatalf("unexpected reject: %v", err)
	}
	if out.Status != chain.Qualified {
		t.Fatalf("expected Qualified, got %v (reason=%s)", out.Status, out.Reason)
	}
	if !out.ExpiresAt.Equal(time.Unix(1030, 0)) {
		t.Fatalf("expected expiry 30s after now, got %v", out.ExpiresAt)
	}
	if out.NetProfitQuote.Sign() <= 0 {
		t.Fatalf("expected positive net profit after gas repricing, got %s", out.NetProfitQuote)
	}
}

func TestQualify_RejectsBelowMinProfit(t *testing.T) {
	q := New(testConfig())
	opp := baseOpportunity()
	opp.NetProfitQuote = big.NewInt(1_000_000) // $1
	out, err := q.Qualify(testInput(opp), time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "minProfit" {
		t.Fatalf("expected minProfit reason, got %s", out.Reason)
	}
}

func TestQualify_RejectsBelowMinMargin(t *testing.T) {
	q := New(testConfig())
	opp := baseOpportunity()
	opp.Margin = 0.001
	out, err := q.Qualify(testInput(opp), time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "minMargin" {
		t.Fatalf("expected minMargin reason, got %s", out.Reason)
	}
}

func TestQualify_RejectsOnThinLiquidity(t *testing.T) {
	q := New(testConfig())
	in := testInput(baseOpportunity())
	in.Legs[0].ReserveQuote = big.NewInt(1)
	out, err := q.Qualify(in, time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "minLiquidity" {
		t.Fatalf("expected minLiquidity reason, got %s", out.Reason)
	}
}

func TestQualify_RejectsOnExcessivePriceImpact(t *testing.T) {
	q := New(testConfig())
	in := testInput(baseOpportunity())
	in.Legs[1].PriceImpactPPM = 10_000 // 1% > 0.5% cap
	out, err := q.Qualify(in, time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "maxPriceImpact" {
		t.Fatalf("expected maxPriceImpact reason, got %s", out.Reason)
	}
}

func TestQualify_RejectsOnExcessiveGasPrice(t *testing.T) {
	q := New(testConfig())
	in := testInput(baseOpportunity())
	in.GasPriceWei = big.NewInt(500_000_000_000) // 500 gwei
	out, err := q.Qualify(in, time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "maxGasPrice" {
		t.Fatalf("expected maxGasPrice reason, got %s", out.Reason)
	}
}

func TestQualify_RejectsOnSafetyMarginRequalification(t *testing.T) {
	q := New(testConfig())
	opp := baseOpportunity()
	// Just over minProfit before the gas reprice and safety discount,
	// so it should fail once 10% is shaved off.
	opp.NetProfitQuote = big.NewInt(10_500_000)
	out, err := q.Qualify(testInput(opp), time.Unix(1000, 0))
	if err == nil {
		t.Fatal("expected reject")
	}
	if out.Reason != "safetyMargin" {
		t.Fatalf("expected safetyMargin reason, got %s", out.Reason)
	}
}

func TestApplySafetyMargin_DiscountsProportionally(t *testing.T) {
	got := applySafetyMargin(big.NewInt(1000), 0.10)
	if got.Cmp(big.NewInt(900)) != 0 {
		t.Fatalf("expected 900, got %s", got)
	}
}

func TestGasCostInQuote_ScalesWithGasPriceAndEstimate(t *testing.T) {
	low := gasCostInQuote(200_000, big.NewInt(10_000_000_000), 2000.0, 1.2)
	high := gasCostInQuote(200_000, big.NewInt(20_000_000_000), 2000.0, 1.2)
	if high.Cmp(low) <= 0 {
		t.Fatalf("expected higher gas price to yield higher cost: low=%s high=%s", low, high)
	}
}
