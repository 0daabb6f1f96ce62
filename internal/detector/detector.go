// Package detector searches fresh ReserveSnapshots for two-leg
// (cross-venue) and triangular (three-token cycle) arbitrage
// candidates. Generalized from the teacher's calculateResults ranking
// pipeline (internal/engine/scanner.go in the reference corpus): fan
// out over candidate combinations, score each, sort by a multi-key
// comparator, tie-break deterministically.
package detector

import (
	"fmt"
	"math/big"
	"sort"
	"time"

	"dexarb/internal/ammmath"
	"dexarb/internal/chain"
	"dexarb/internal/paircache"
)

// PairSource is the subset of paircache.Cache the Detector reads
// from: fresh reserve snapshots keyed by pair ID.
type PairSource interface {
	GetReserveSnapshot(pairID string, ttl time.Duration) (paircache.ReserveResult, bool)
}

// Venue is the minimal venue description the detector needs: its fee
// fraction.
type Venue struct {
	Name   string
	FeeNum int64
	FeeDen int64
}

// MonitoredPair is one (token0, token1) pair watched on a specific
// venue, with its resolved pair ID for cache lookups.
type MonitoredPair struct {
	PairID string
	Venue  string
	Token0 chain.Token
	Token1 chain.Token
}

// TriangularCycle is a configured 3-token cycle with its quote token,
// per spec.md §9: quote currency is never inferred.
type TriangularCycle struct {
	Tokens     [3]chain.Token
	QuoteToken chain.Token
}

// Config configures a Detector run.
type Config struct {
	Cache          PairSource
	Venues         map[string]Venue
	MonitoredPairs []MonitoredPair
	Cycles         []TriangularCycle
	CacheTTL       time.Duration
	MaxBlockSkew   uint64
	MaxPositionSize *big.Int
	GasQuoteTwoLeg  *big.Int
	GasQuoteTriangular *big.Int
	MinMarginPPM   int64 // min_margin expressed in parts-per-million for exact rational comparison
}

// Detector runs the two-leg and triangular search.
type Detector struct {
	cfg Config
}

// New constructs a Detector.
func New(cfg Config) *Detector {
	return &Detector{cfg: cfg}
}

// ImpactedMarker is called with a pair ID whenever the detector wants
// it re-checked next block (both legs of a two-leg candidate).
type ImpactedMarker func(pairID string)

// Detect runs both search phases and returns the ranked, tie-broken
// candidate set anchored at currentBlock.
func (d *Detector) Detect(currentBlock uint64, mark ImpactedMarker) []*chain.Opportunity {
	var candidates []*chain.Opportunity
	candidates = append(candidates, d.detectTwoLeg(currentBlock, mark)...)
	candidates = append(candidates, d.detectTriangular(currentBlock)...)

	assignIDs(candidates, currentBlock)

	sort.Slice(candidates, func(i, j int) bool { return less(candidates[i], candidates[j]) })
	return candidates
}

// assignIDs sets each candidate's deterministic id, per spec.md §4:
// (kind, pair_path, venue_path, block_number) plus a monotonic
// counter that disambiguates candidates sharing the same tuple
// (distinct trade sizes on the same cycle, for instance). Assigned in
// generation order, before the final ranking sort, so the same
// snapshot set always yields the same ids regardless of how the
// ranking comparator later reorders the slice.
func assignIDs(candidates []*chain.Opportunity, currentBlock uint64) {
	seen := make(map[string]int, len(candidates))
	for _, c := range candidates {
		key := fmt.Sprintf("%s:%s:%s:%d", c.Kind, c.PairPath(), c.VenuePath(), currentBlock)
		seen[key]++
		c.ID = fmt.Sprintf("%s#%d", key, seen[key])
	}
}

// less implements the tie-break rule: largest netProfit first; on
// equality, smaller trade_amount_in first; on equality,
// lexicographically smaller venue path first.
func less(a, b *chain.Opportunity) bool {
	if cmp := a.NetProfitQuote.Cmp(b.NetProfitQuote); cmp != 0 {
		return cmp > 0
	}
	if cmp := a.TradeAmountIn.Cmp(b.TradeAmountIn); cmp != 0 {
		return cmp < 0
	}
	return a.VenuePath() < b.VenuePath()
}

type pairReservePair struct {
	venue  string
	r0, r1 *big.Int
	block  uint64
}

func (d *Detector) lookupFresh(pairID string) (pairReservePair, chain.Freshness, bool) {
	result, ok := d.cfg.Cache.GetReserveSnapshot(pairID, d.cfg.CacheTTL)
	if !ok {
		return pairReservePair{}, chain.Dead, false
	}
	return pairReservePair{r0: result.Snapshot.Reserve0, r1: result.Snapshot.Reserve1, block: result.Snapshot.BlockNumber}, result.Freshness, true
}

// detectTwoLeg implements spec.md §4.5's two-leg search: for each
// monitored pair and each unordered pair of distinct venues carrying it,
// compare spot prices by exact cross-multiplication, then size the
// trade with ammmath.OptimalTwoLegSize.
func (d *Detector) detectTwoLeg(currentBlock uint64, mark ImpactedMarker) []*chain.Opportunity {
	byPairKey := make(map[string][]MonitoredPair)
	for _, mp := range d.cfg.MonitoredPairs {
		key := mp.Token0.Address.Hex() + ":" + mp.Token1.Address.Hex()
		byPairKey[key] = append(byPairKey[key], mp)
	}

	var out []*chain.Opportunity
	for _, venuePairs := range byPairKey {
		for i := range venuePairs {
			for j := i + 1; j < len(venuePairs); j++ {
				// tryTwoLeg resolves buy/sell direction itself from the
				// cross-multiplication sign, so each unordered venue pair
				// is tried once; trying both orderings would emit the
				// same opportunity twice.
				cand := d.tryTwoLeg(venuePairs[i], venuePairs[j], currentBlock, mark)
				if cand != nil {
					out = append(out, cand)
				}
			}
		}
	}
	return out
}

func (d *Detector) tryTwoLeg(buySide, sellSide MonitoredPair, currentBlock uint64, mark ImpactedMarker) *chain.Opportunity {
	r1, fresh1, ok1 := d.lookupFresh(buySide.PairID)
	r2, fresh2, ok2 := d.lookupFresh(sellSide.PairID)
	if !ok1 || !ok2 || fresh1 == chain.Dead || fresh2 == chain.Dead {
		return nil
	}
	if fresh1 == chain.Stale || fresh2 == chain.Stale {
		return nil
	}
	oldest, newest := r1.block, r2.block
	if oldest > newest {
		oldest, newest = newest, oldest
	}
	if newest-oldest > d.cfg.MaxBlockSkew {
		return nil
	}

	v1 := d.cfg.Venues[buySide.Venue]
	v2 := d.cfg.Venues[sellSide.Venue]

	// p1 = r1.r1/r1.r0 (price of token1 in token0 on venue1); compare
	// p1 vs p2 by cross multiplication to avoid floats:
	// p1 < p2  <=>  r1.r1 * r2.r0 < r2.r1 * r1.r0
	lhs := new(big.Int).Mul(r1.r1, r2.r0)
	rhs := new(big.Int).Mul(r2.r1, r1.r0)
	cmp := lhs.Cmp(rhs)
	if cmp == 0 {
		return nil // identical prices: no margin at all
	}

	// margin = |p1-p2| / min(p1,p2); reject below minMargin using the
	// same cross-multiplication trick:
	// |p1-p2|/min(p1,p2) < minMargin/1e6
	// <=> |lhs-rhs| * 1e6 < min(lhs,rhs) * minMarginPPM
	diff := new(big.Int).Sub(lhs, rhs)
	diff.Abs(diff)
	minLR := lhs
	if rhs.Cmp(lhs) < 0 {
		minLR = rhs
	}
	scaled := new(big.Int).Mul(diff, big.NewInt(1_000_000))
	threshold := new(big.Int).Mul(minLR, big.NewInt(d.cfg.MinMarginPPM))
	if scaled.Cmp(threshold) < 0 {
		return nil
	}
	margin, _ := new(big.Float).Quo(new(big.Float).SetInt(diff), new(big.Float).SetInt(minLR)).Float64()

	var buyReserves, sellReserves pairReservePair
	var buyVenue, sellVenue string
	var buyVenueCfg, sellVenueCfg Venue
	if cmp < 0 {
		buyReserves, sellReserves = r1, r2
		buyVenue, sellVenue = buySide.Venue, sellSide.Venue
		buyVenueCfg, sellVenueCfg = v1, v2
	} else {
		buyReserves, sellReserves = r2, r1
		buyVenue, sellVenue = sellSide.Venue, buySide.Venue
		buyVenueCfg, sellVenueCfg = v2, v1
	}

	// Buy leg spends token1 (quote) to acquire token0 (base), so its
	// pool is (rIn=r1, rOut=r0); the sell leg then spends that token0
	// to recover token1, so its pool is (rIn=r0, rOut=r1) — aIn, mid,
	// and the final profit are all denominated in token1 throughout.
	result, err := ammmath.OptimalTwoLegSize(
		buyReserves.r1, buyReserves.r0,
		sellReserves.r0, sellReserves.r1,
		buyVenueCfg.FeeNum, buyVenueCfg.FeeDen,
		sellVenueCfg.FeeNum, sellVenueCfg.FeeDen,
		d.cfg.MaxPositionSize, d.cfg.GasQuoteTwoLeg,
	)
	if err != nil || result.NetProfit.Sign() <= 0 {
		return nil
	}

	if mark != nil {
		mark(buySide.PairID)
		mark(sellSide.PairID)
	}

	now := time.Now()
	opp := &chain.Opportunity{
		Kind: chain.TwoLeg,
		Legs: []chain.Leg{
			// Buy leg spends token1 to acquire token0; sell leg spends
			// that token0 to recover token1, matching the OptimalTwoLegSize
			// call above. Token0/Token1 are the same pair on both venues,
			// so buySide/sellSide's Token0/Token1 are interchangeable here.
			{Venue: buyVenue, TokenIn: buySide.Token1.Address, TokenOut: buySide.Token0.Address},
			{Venue: sellVenue, TokenIn: sellSide.Token0.Address, TokenOut: sellSide.Token1.Address},
		},
		TradeAmountIn:    result.AmountIn,
		GrossProfitQuote: new(big.Int).Add(result.NetProfit, d.cfg.GasQuoteTwoLeg),
		NetProfitQuote:   result.NetProfit,
		GasCostQuote:     new(big.Int).Set(d.cfg.GasQuoteTwoLeg),
		Margin:           margin,
		BlockNumber:      currentBlock,
		CreatedAt:        now,
		Status:           chain.Detected,
	}
	return opp
}

// detectTriangular implements spec.md §4.5's triangular search: for
// each configured 3-token cycle, probe a coarse geometric grid of
// input amounts to locate the profitable region, then a full
// ternary-search optimizer over the three hops, written inline here
// (ammmath.OptimalTwoLegSize handles two hops only).
func (d *Detector) detectTriangular(currentBlock uint64) []*chain.Opportunity {
	var out []*chain.Opportunity
	for _, cycle := range d.cfg.Cycles {
		for _, venueCombo := range tripleVenueCombos(d.cfg.Venues) {
			cand := d.tryTriangular(cycle, venueCombo, currentBlock)
			if cand != nil {
				out = append(out, cand)
			}
		}
	}
	return out
}

// tripleVenueCombos returns every ordered triple of venue names with
// at least two distinct venues among the three legs, matching spec
// §4.5's "all combinations with at least two distinct venues".
func tripleVenueCombos(venues map[string]Venue) [][3]string {
	names := make([]string, 0, len(venues))
	for name := range venues {
		names = append(names, name)
	}
	sort.Strings(names) // deterministic iteration order

	var combos [][3]string
	for _, a := range names {
		for _, b := range names {
			for _, c := range names {
				if a == b && b == c {
					continue
				}
				combos = append(combos, [3]string{a, b, c})
			}
		}
	}
	return combos
}

func (d *Detector) tryTriangular(cycle TriangularCycle, venues [3]string, currentBlock uint64) *chain.Opportunity {
	legPairs := make([]pairReservePair, 3)
	legVenueCfg := make([]Venue, 3)
	oldestBlock, newestBlock := ^uint64(0), uint64(0)

	for i := 0; i < 3; i++ {
		tokenIn := cycle.Tokens[i]
		tokenOut := cycle.Tokens[(i+1)%3]
		t0, t1 := chain.OrderTokens(tokenIn, tokenOut)
		pairID := venues[i] + ":" + t0.Address.Hex() + ":" + t1.Address.Hex()

		rp, fresh, ok := d.lookupFresh(pairID)
		if !ok || fresh != chain.Fresh {
			return nil
		}
		// Orient reserves so rp.r0 is always tokenIn's reserve.
		if tokenIn.Address != t0.Address {
			rp.r0, rp.r1 = rp.r1, rp.r0
		}
		legPairs[i] = rp
		legVenueCfg[i] = d.cfg.Venues[venues[i]]

		if rp.block < oldestBlock {
			oldestBlock = rp.block
		}
		if rp.block > newestBlock {
			newestBlock = rp.block
		}
	}
	if newestBlock-oldestBlock > d.cfg.MaxBlockSkew {
		return nil
	}

	profitAt := func(aIn *big.Int) (*big.Int, bool) {
		cur := aIn
		for i := 0; i < 3; i++ {
			out, err := ammmath.GetAmountOut(cur, legPairs[i].r0, legPairs[i].r1, legVenueCfg[i].FeeNum, legVenueCfg[i].FeeDen)
			if err != nil || out.Sign() == 0 {
				return nil, false
			}
			cur = out
		}
		profit := new(big.Int).Sub(cur, aIn)
		profit.Sub(profit, d.cfg.GasQuoteTriangular)
		return profit, true
	}

	// Coarse geometric probe aA in {reserve/k : k = 1024..1} to locate
	// the profitable region, per spec §4.5.
	baseReserve := legPairs[0].r0
	var bestAmount *big.Int
	var bestProfit *big.Int
	for k := int64(1024); k >= 1; k /= 2 {
		probe := new(big.Int).Div(baseReserve, big.NewInt(k))
		if probe.Sign() <= 0 {
			continue
		}
		if d.cfg.MaxPositionSize != nil && probe.Cmp(d.cfg.MaxPositionSize) > 0 {
			probe = new(big.Int).Set(d.cfg.MaxPositionSize)
		}
		profit, ok := profitAt(probe)
		if !ok {
			continue
		}
		if bestProfit == nil || profit.Cmp(bestProfit) > 0 {
			bestProfit = profit
			bestAmount = probe
		}
	}
	if bestAmount == nil {
		return nil
	}

	// Ternary-search refine around bestAmount within the local window
	// bounded by the adjacent geometric probes.
	lo := new(big.Int).Div(bestAmount, big.NewInt(2))
	if lo.Sign() <= 0 {
		lo = big.NewInt(1)
	}
	hi := new(big.Int).Mul(bestAmount, big.NewInt(2))
	if d.cfg.MaxPositionSize != nil && hi.Cmp(d.cfg.MaxPositionSize) > 0 {
		hi = new(big.Int).Set(d.cfg.MaxPositionSize)
	}
	for {
		diff := new(big.Int).Sub(hi, lo)
		if diff.Cmp(big.NewInt(2)) <= 0 {
			break
		}
		third := new(big.Int).Div(diff, big.NewInt(3))
		m1 := new(big.Int).Add(lo, third)
		m2 := new(big.Int).Sub(hi, third)
		if m1.Cmp(m2) >= 0 {
			break
		}
		p1, ok1 := profitAt(m1)
		p2, ok2 := profitAt(m2)
		switch {
		case !ok1 && !ok2:
			lo, hi = m1, m2
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
	for i := new(big.Int).Set(lo); i.Cmp(hi) <= 0; i.Add(i, big.NewInt(1)) {
		profit, ok := profitAt(i)
		if !ok {
			continue
		}
		if profit.Cmp(bestProfit) > 0 {
			bestProfit = profit
			bestAmount = new(big.Int).Set(i)
		}
	}

	if bestProfit.Sign() <= 0 {
		return nil
	}

	// Margin for a cycle has no price-gap analogue (there are three
	// legs, not two prices to compare): use net return per unit
	// invested, the same quantity the two-leg path's cross-
	// multiplication margin approximates at the optimal size.
	margin, _ := new(big.Float).Quo(new(big.Float).SetInt(bestProfit), new(big.Float).SetInt(bestAmount)).Float64()

	now := time.Now()
	return &chain.Opportunity{
		Kind: chain.Triangular,
		Legs: []chain.Leg{
			{Venue: venues[0], TokenIn: cycle.Tokens[0].Address, TokenOut: cycle.Tokens[1].Address},
			{Venue: venues[1], TokenIn: cycle.Tokens[1].Address, TokenOut: cycle.Tokens[2].Address},
			{Venue: venues[2], TokenIn: cycle.Tokens[2].Address, TokenOut: cycle.Tokens[0].Address},
		},
		TradeAmountIn:    bestAmount,
		GrossProfitQuote: new(big.Int).Add(bestProfit, d.cfg.GasQuoteTriangular),
		NetProfitQuote:   bestProfit,
		GasCostQuote:     new(big.Int).Set(d.cfg.GasQuoteTriangular),
		Margin:           margin,
		BlockNumber:      currentBlock,
		CreatedAt:        now,
		Status:           chain.Detected,
	}
}
