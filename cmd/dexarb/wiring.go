package main

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/chain"
	"dexarb/internal/config"
	"dexarb/internal/detector"
	"dexarb/internal/paircache"
	"dexarb/internal/pricefeed"
	"dexarb/internal/qualifier"
	"dexarb/internal/riskgate"
)

// buildTokens indexes cfg.Tokens by symbol for the monitored-pair and
// triangular-cycle wiring steps below.
func buildTokens(cfg *config.Config) (map[string]chain.Token, error) {
	tokens := make(map[string]chain.Token, len(cfg.Tokens))
	for _, t := range cfg.Tokens {
		tok, err := chain.NewToken(common.HexToAddress(t.Address), t.Symbol, t.Decimals, true)
		if err != nil {
			return nil, fmt.Errorf("config: token %s: %w", t.Symbol, err)
		}
		tokens[t.Symbol] = tok
	}
	return tokens, nil
}

// buildVenues indexes cfg.Venues by name, both as chain.Venue (for
// the factory resolver) and detector.Venue (for the search pass).
func buildVenues(cfg *config.Config) (map[string]chain.Venue, map[string]detector.Venue, error) {
	chainVenues := make(map[string]chain.Venue, len(cfg.Venues))
	detectorVenues := make(map[string]detector.Venue, len(cfg.Venues))
	for _, v := range cfg.Venues {
		feeNum, feeDen := v.FeeNum, v.FeeDen
		if feeNum == 0 && feeDen == 0 {
			feeNum, feeDen = chain.DefaultFee()
		}
		cv := chain.Venue{Name: v.Name, Factory: common.HexToAddress(v.Factory), FeeNum: feeNum, FeeDen: feeDen}
		if err := cv.Validate(); err != nil {
			return nil, nil, err
		}
		chainVenues[v.Name] = cv
		detectorVenues[v.Name] = detector.Venue{Name: v.Name, FeeNum: feeNum, FeeDen: feeDen}
	}
	return chainVenues, detectorVenues, nil
}

// resolvedPairs is the output of resolvePairs: the parallel
// pricefeed.MonitoredPair and detector.MonitoredPair lists built from
// the same resolved pair addresses, so both components watch exactly
// the same (venue, pair) set.
type resolvedPairs struct {
	feed     []pricefeed.MonitoredPair
	detect   []detector.MonitoredPair
}

// resolvePairs eagerly resolves every configured (monitored pair,
// venue) combination through the cache's factory resolver. Done once
// at startup rather than lazily, so a misconfigured token/venue
// combination fails fast instead of silently starving the detector.
func resolvePairs(ctx context.Context, cfg *config.Config, tokens map[string]chain.Token, cache *paircache.Cache) (resolvedPairs, error) {
	var out resolvedPairs
	for _, mp := range cfg.MonitoredPairs {
		tokA, ok := tokens[mp.TokenA]
		if !ok {
			return out, fmt.Errorf("config: monitored pair references unknown token %q", mp.TokenA)
		}
		tokB, ok := tokens[mp.TokenB]
		if !ok {
			return out, fmt.Errorf("config: monitored pair references unknown token %q", mp.TokenB)
		}
		token0, token1 := chain.OrderTokens(tokA, tokB)
		for _, v := range cfg.Venues {
			addr, err := cache.ResolvePair(ctx, v.Name, token0.Address, token1.Address)
			if err != nil {
				return out, fmt.Errorf("resolving %s/%s on %s: %w", token0.Symbol, token1.Symbol, v.Name, err)
			}
			pair := chain.Pair{Venue: v.Name, Token0: token0, Token1: token1, PairAddress: addr}
			out.feed = append(out.feed, pricefeed.MonitoredPair{Pair: pair, PairAddress: addr})
			out.detect = append(out.detect, detector.MonitoredPair{PairID: pair.ID(), Venue: v.Name, Token0: token0, Token1: token1})
		}
	}
	return out, nil
}

// buildCycles resolves cfg.TriangularCycles into detector.TriangularCycle.
func buildCycles(cfg *config.Config, tokens map[string]chain.Token) ([]detector.TriangularCycle, error) {
	cycles := make([]detector.TriangularCycle, 0, len(cfg.TriangularCycles))
	for _, c := range cfg.TriangularCycles {
		var legs [3]chain.Token
		for i, symbol := range c.Tokens {
			tok, ok := tokens[symbol]
			if !ok {
				return nil, fmt.Errorf("config: triangular cycle references unknown token %q", symbol)
			}
			legs[i] = tok
		}
		quote, ok := tokens[c.QuoteToken]
		if !ok {
			return nil, fmt.Errorf("config: triangular cycle quote token %q not found", c.QuoteToken)
		}
		cycles = append(cycles, detector.TriangularCycle{Tokens: legs, QuoteToken: quote})
	}
	return cycles, nil
}

// buildQualifierConfig converts the YAML-friendly threshold fields
// into qualifier.Config's *big.Int/typed form.
func buildQualifierConfig(cfg *config.Config) qualifier.Config {
	return qualifier.Config{
		MinProfitQuote:     big.NewInt(cfg.MinProfitQuote),
		MinMargin:          cfg.MinMargin,
		SafetyMargin:       cfg.SafetyMargin,
		MinLiquidityQuote:  big.NewInt(cfg.MinLiquidityQuote),
		MaxPriceImpactPPM:  int64(cfg.MaxPriceImpact * 1_000_000),
		MaxGasPriceWei:     big.NewInt(cfg.MaxGasPrice),
		GasBuffer:          cfg.GasBuffer,
		GasEstimates:       qualifier.DefaultGasEstimates(),
		OpportunityTimeout: cfg.OpportunityTimeout,
	}
}

// buildRiskGateConfig converts the YAML-friendly threshold fields
// into riskgate.Config's *big.Int/typed form.
func buildRiskGateConfig(cfg *config.Config) (riskgate.Config, error) {
	maxPosition := new(big.Int)
	if cfg.MaxPositionSize != "" {
		if _, ok := maxPosition.SetString(cfg.MaxPositionSize, 10); !ok {
			return riskgate.Config{}, fmt.Errorf("config: invalid max_position_size %q", cfg.MaxPositionSize)
		}
	}
	return riskgate.Config{
		KellyFraction:          0.25,
		MinPosition:            big.NewInt(1),
		MaxPosition:            maxPosition,
		MaxPortfolioExposure:   0.5,
		AssumedLossFraction:    0.1,
		MaxConcurrentPositions: cfg.MaxConcurrentPositions,
		MaxDrawdown:            cfg.MaxDrawdown,
		MaxDailyLoss:           big.NewInt(cfg.MaxDailyLoss),
		MaxPriceImpactPPM:      int64(cfg.MaxPriceImpact * 1_000_000),
		MinProfitQuote:         big.NewInt(cfg.MinProfitQuote),
		VolatilityTerm:         0.05,
	}, nil
}

// buildDetectorConfig assembles detector.Config from the resolved
// pairs/cycles and the YAML-friendly gas/size thresholds.
func buildDetectorConfig(cfg *config.Config, cache *paircache.Cache, venues map[string]detector.Venue, pairs []detector.MonitoredPair, cycles []detector.TriangularCycle) detector.Config {
	maxPosition := new(big.Int)
	if cfg.MaxPositionSize != "" {
		maxPosition.SetString(cfg.MaxPositionSize, 10)
	}
	estimates := qualifier.DefaultGasEstimates()
	return detector.Config{
		Cache:              cache,
		Venues:             venues,
		MonitoredPairs:     pairs,
		Cycles:             cycles,
		CacheTTL:           cfg.CacheTTL,
		MaxBlockSkew:       cfg.MaxBlockSkew,
		MaxPositionSize:    maxPosition,
		GasQuoteTwoLeg:     worstCaseGasQuote(estimates.TwoLeg, cfg),
		GasQuoteTriangular: worstCaseGasQuote(estimates.Triangular, cfg),
		MinMarginPPM:       int64(cfg.MinMargin * 1_000_000),
	}
}

// worstCaseGasQuote converts a gas-unit estimate into a conservative
// quote-currency figure using the configured gas ceiling, for the
// detector's coarse pre-qualification filter (Qualifier recomputes
// the precise figure from the live gas price afterward).
func worstCaseGasQuote(gasUnits uint64, cfg *config.Config) *big.Int {
	weiCost := new(big.Int).Mul(big.NewInt(int64(gasUnits)), big.NewInt(cfg.MaxGasPrice))
	quote := new(big.Float).Mul(new(big.Float).SetInt(weiCost), big.NewFloat(cfg.NativeToQuotePrice))
	quote.Quo(quote, big.NewFloat(1e18))
	out, _ := quote.Int(nil)
	return out
}
