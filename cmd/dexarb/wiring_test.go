package main

import (
	"testing"

	"dexarb/internal/config"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Tokens = []config.TokenConfig{
		{Symbol: "WETH", Address: "0x000000000000000000000000000000000000aa", Decimals: 18},
		{Symbol: "USDC", Address: "0x000000000000000000000000000000000000bb", Decimals: 6},
	}
	cfg.Venues = []config.VenueConfig{
		{Name: "uniswap-v2", Factory: "0x000000000000000000000000000000000000cc", FeeNum: 997, FeeDen: 1000},
	}
	cfg.TriangularCycles = []config.TriangularCycle{
		{Tokens: [3]string{"WETH", "USDC", "WETH"}, QuoteToken: "USDC"},
	}
	cfg.MaxPositionSize = "1000000000000000000"
	return cfg
}

func TestBuildTokens_IndexesBySymbol(t *testing.T) {
	tokens, err := buildTokens(testConfig())
	if err != nil {
		t.Fatalf("buildTokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("len(tokens) = %d, want 2", len(tokens))
	}
	if tokens["USDC"].Decimals != 6 {
		t.Errorf("USDC decimals = %d, want 6", tokens["USDC"].Decimals)
	}
}

func TestBuildVenues_DefaultsMissingFee(t *testing.T) {
	cfg := testConfig()
	cfg.Venues[0].FeeNum = 0
	cfg.Venues[0].FeeDen = 0
	chainVenues, detectorVenues, err := buildVenues(cfg)
	if err != nil {
		t.Fatalf("buildVenues: %v", err)
	}
	if chainVenues["uniswap-v2"].FeeNum != 997 || chainVenues["uniswap-v2"].FeeDen != 1000 {
		t.Errorf("fee = %d/%d, want 997/1000 default", chainVenues["uniswap-v2"].FeeNum, chainVenues["uniswap-v2"].FeeDen)
	}
	if detectorVenues["uniswap-v2"].Name != "uniswap-v2" {
		t.Errorf("detector venue name = %q, want uniswap-v2", detectorVenues["uniswap-v2"].Name)
	}
}

func TestBuildCycles_ResolvesTokensAndQuote(t *testing.T) {
	cfg := testConfig()
	tokens, err := buildTokens(cfg)
	if err != nil {
		t.Fatalf("buildTokens: %v", err)
	}
	cycles, err := buildCycles(cfg, tokens)
	if err != nil {
		t.Fatalf("buildCycles: %v", err)
	}
	if len(cycles) != 1 {
		t.Fatalf("len(cycles) = %d, want 1", len(cycles))
	}
	if cycles[0].QuoteToken.Symbol != "USDC" {
		t.Errorf("quote token = %s, want USDC", cycles[0].QuoteToken.Symbol)
	}
}

func TestBuildCycles_UnknownTokenFails(t *testing.T) {
	cfg := testConfig()
	cfg.TriangularCycles[0].Tokens[0] = "NOPE"
	tokens, _ := buildTokens(cfg)
	if _, err := buildCycles(cfg, tokens); err == nil {
		t.Error("expected error for unknown cycle token, got nil")
	}
}

func TestBuildRiskGateConfig_ParsesMaxPositionSize(t *testing.T) {
	cfg := testConfig()
	riskCfg, err := buildRiskGateConfig(cfg)
	if err != nil {
		t.Fatalf("buildRiskGateConfig: %v", err)
	}
	if riskCfg.MaxPosition.String() != "1000000000000000000" {
		t.Errorf("MaxPosition = %s, want 1000000000000000000", riskCfg.MaxPosition)
	}
}

func TestBuildRiskGateConfig_InvalidMaxPositionSizeFails(t *testing.T) {
	cfg := testConfig()
	cfg.MaxPositionSize = "not-a-number"
	if _, err := buildRiskGateConfig(cfg); err == nil {
		t.Error("expected error for invalid max_position_size, got nil")
	}
}

func TestWorstCaseGasQuote_ScalesWithGasUnitsAndPrice(t *testing.T) {
	cfg := testConfig()
	cfg.MaxGasPrice = 100_000_000_000 // 100 gwei
	cfg.NativeToQuotePrice = 2000     // 2000 quote-units per native token

	got := worstCaseGasQuote(200_000, cfg)
	if got.Sign() <= 0 {
		t.Fatalf("worstCaseGasQuote returned non-positive: %s", got)
	}
	doubled := worstCaseGasQuote(400_000, cfg)
	if doubled.Cmp(got) <= 0 {
		t.Errorf("doubling gas units should increase the quote: got %s, doubled %s", got, doubled)
	}
}
