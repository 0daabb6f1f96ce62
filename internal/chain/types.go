// Package chain defines the data model shared by every component of
// the opportunity engine: tokens, venues, pairs, reserve snapshots,
// opportunities and the process-wide portfolio state. Types here are
// plain structs over github.com/ethereum/go-ethereum/common.Address
// and math/big, in the style of a chain-facing Go service rather than
// a deeply-inherited domain model.
package chain

import (
	"bytes"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Token is an immutable 20-byte address plus the decimals needed to
// interpret its raw integer amounts. Decimals are mandatory: the
// source this system was distilled from silently assumed 18 decimals
// everywhere, which is wrong for USDC/USDT (6). NewToken rejects an
// unset value instead of papering over it.
type Token struct {
	Address  common.Address
	Symbol   string
	Decimals uint8
}

// NewToken validates and constructs a Token. decimals must be
// explicitly supplied; zero is a valid decimals value for some
// tokens, so the caller must pass decimalsSet=true to confirm it was
// not simply left unset.
func NewToken(addr common.Address, symbol string, decimals uint8, decimalsSet bool) (Token, error) {
	if addr == (common.Address{}) {
		return Token{}, fmt.Errorf("token %s: zero address: %w", symbol, ErrInvalidInput)
	}
	if !decimalsSet {
		return Token{}, fmt.Errorf("token %s: decimals not set: %w", symbol, ErrInvalidInput)
	}
	return Token{Address: addr, Symbol: symbol, Decimals: decimals}, nil
}

// Less reports whether t sorts before other by raw address bytes,
// the canonical token0/token1 ordering used throughout the pair
// model.
func (t Token) Less(other Token) bool {
	return bytes.Compare(t.Address.Bytes(), other.Address.Bytes()) < 0
}

// Venue is a stable, immutable-per-process description of a DEX
// family: a factory contract and its swap fee fraction. Default fee
// is the canonical Uniswap V2 997/1000 (0.3%).
type Venue struct {
	Name       string
	Factory    common.Address
	FeeNum     int64
	FeeDen     int64
}

// DefaultFee returns the canonical 997/1000 constant-product fee used
// when a venue's config omits one.
func DefaultFee() (num, den int64) { return 997, 1000 }

// Validate checks a Venue's invariants: a non-stable-zero name, a set
// factory address, and a fee fraction in (0, 1].
func (v Venue) Validate() error {
	if v.Name == "" {
		return fmt.Errorf("venue: empty name: %w", ErrInvalidInput)
	}
	if v.Factory == (common.Address{}) {
		return fmt.Errorf("venue %s: zero factory address: %w", v.Name, ErrInvalidInput)
	}
	if v.FeeDen <= 0 || v.FeeNum <= 0 || v.FeeNum > v.FeeDen {
		return fmt.Errorf("venue %s: invalid fee %d/%d: %w", v.Name, v.FeeNum, v.FeeDen, ErrInvalidInput)
	}
	return nil
}

// Pair identifies an ordered token pair on a single venue. Identity
// is (Venue, Token0, Token1); Token0 always sorts before Token1 by
// raw address bytes. A Pair is created on first lookup by PairCache
// and never mutated thereafter.
type Pair struct {
	Venue       string
	Token0      Token
	Token1      Token
	PairAddress common.Address
}

// OrderTokens returns (token0, token1) in canonical ascending byte
// order, matching the ordering a real Uniswap V2 factory enforces.
func OrderTokens(a, b Token) (Token, Token) {
	if a.Less(b) {
		return a, b
	}
	return b, a
}

// ID returns the stable cache/identity key for a pair: (venue,
// token0, token1).
func (p Pair) ID() string {
	return fmt.Sprintf("%s:%s:%s", p.Venue, p.Token0.Address.Hex(), p.Token1.Address.Hex())
}

// Freshness classifies a ReserveSnapshot relative to the feed's
// current block number and configured TTL/skew budget.
type Freshness int

const (
	// Fresh snapshots are within TTL and block skew budget.
	Fresh Freshness = iota
	// Stale snapshots are outside TTL, or beyond the configured block
	// skew, but still carry a usable (non-zero) reserve pair.
	Stale
	// Dead snapshots have a zero reserve on at least one side and are
	// excluded from detection entirely.
	Dead
)

func (f Freshness) String() string {
	switch f {
	case Fresh:
		return "Fresh"
	case Stale:
		return "Stale"
	case Dead:
		return "Dead"
	default:
		return "Unknown"
	}
}

// ReserveSnapshot is an immutable, point-in-time view of a pair's
// reserves. PriceFeed publishes new snapshots atomically (publish-
// replace); readers never observe a torn update.
type ReserveSnapshot struct {
	PairID      string
	Reserve0    *big.Int
	Reserve1    *big.Int
	BlockNumber uint64
	BlockHash   common.Hash
	ObservedAt  time.Time
}

// IsDead reports whether either reserve is zero, per spec: a snapshot
// with a zero reserve on either side is excluded from detection.
func (s *ReserveSnapshot) IsDead() bool {
	if s == nil {
		return true
	}
	return s.Reserve0.Sign() <= 0 || s.Reserve1.Sign() <= 0
}

// FreshnessAt classifies the snapshot given the current block number,
// the configured TTL and the maximum tolerated block skew.
func (s *ReserveSnapshot) FreshnessAt(now time.Time, currentBlock uint64, ttl time.Duration, maxBlockSkew uint64) Freshness {
	if s.IsDead() {
		return Dead
	}
	if now.Sub(s.ObservedAt) > ttl {
		return Stale
	}
	if currentBlock > s.BlockNumber && currentBlock-s.BlockNumber > maxBlockSkew {
		return Stale
	}
	return Fresh
}

// OpportunityKind distinguishes two-leg cross-venue arbitrage from
// three-leg triangular cycles. A fixed variant set, not an open
// hierarchy: no further kinds are anticipated within this spec.
type OpportunityKind string

const (
	TwoLeg     OpportunityKind = "TwoLeg"
	Triangular OpportunityKind = "Triangular"
)

// OpportunityStatus is the lifecycle state of an Opportunity record.
type OpportunityStatus string

const (
	Detected         OpportunityStatus = "Detected"
	Qualified        OpportunityStatus = "Qualified"
	Rejected         OpportunityStatus = "Rejected"
	Expired          OpportunityStatus = "Expired"
	SimulatedExecuted OpportunityStatus = "SimulatedExecuted"
)

// Leg is one hop of an arbitrage cycle: swap tokenIn for tokenOut on
// venue.
type Leg struct {
	Venue    string
	TokenIn  common.Address
	TokenOut common.Address
}

// Opportunity is an immutable record of a detected, and possibly
// qualified and sized, arbitrage candidate.
type Opportunity struct {
	ID                string
	Kind              OpportunityKind
	Legs              []Leg
	TradeAmountIn     *big.Int
	GrossProfitQuote  *big.Int
	NetProfitQuote    *big.Int
	GasCostQuote      *big.Int
	FeeCostQuote      *big.Int
	Margin            float64
	BlockNumber       uint64
	BlockHash         common.Hash
	CreatedAt         time.Time
	ExpiresAt         time.Time
	Status            OpportunityStatus
	Reason            string
}

// Validate checks the record-level invariants spec.md §3 requires:
// expiry strictly after creation, and (for Qualified records) a
// positive TradeAmountIn. Per-leg amounts are not checked.
func (o *Opportunity) Validate() error {
	if !o.ExpiresAt.After(o.CreatedAt) {
		return fmt.Errorf("opportunity %s: expires_at must be after created_at: %w", o.ID, ErrInvalidInput)
	}
	if o.Status == Qualified {
		if o.TradeAmountIn == nil || o.TradeAmountIn.Sign() <= 0 {
			return fmt.Errorf("opportunity %s: qualified with non-positive trade amount: %w", o.ID, ErrInvalidInput)
		}
	}
	return nil
}

// PairPath renders the ordered list of pair token symbols/addresses
// touched by this opportunity's legs, used both for the deterministic
// id and for the store's pair_path column.
func (o *Opportunity) PairPath() string {
	out := ""
	for i, l := range o.Legs {
		if i > 0 {
			out += ">"
		}
		out += l.TokenIn.Hex() + "-" + l.TokenOut.Hex()
	}
	return out
}

// VenuePath renders the ordered list of venues touched by this
// opportunity's legs.
func (o *Opportunity) VenuePath() string {
	out := ""
	for i, l := range o.Legs {
		if i > 0 {
			out += ">"
		}
		out += l.Venue
	}
	return out
}

// Position is one simulated open exposure tracked by PortfolioState,
// mutated only by RiskGate (on approval) and the simulator (on
// settlement).
type Position struct {
	OpportunityID string
	Venue         string
	AmountIn      *big.Int
	OpenedAt      time.Time
}

// PortfolioState is the single process-wide, single-writer structure
// tracking simulated exposure. Its only writers are the Orchestrator,
// which calls Open for each position RiskGate approves, and the
// simulator, which calls Settle; every other reader is handed an immutable snapshot
// (see Snapshot) rather than a pointer into live state.
type PortfolioState struct {
	ExposureByVenue map[string]*big.Int
	DailyPnL        *big.Int
	DailyPnLResetAt time.Time
	PeakEquity      *big.Int
	Equity          *big.Int
	ActivePositions []Position
}

// NewPortfolioState returns a zeroed PortfolioState with the given
// starting equity.
func NewPortfolioState(startingEquity *big.Int, now time.Time) *PortfolioState {
	return &PortfolioState{
		ExposureByVenue: make(map[string]*big.Int),
		DailyPnL:        big.NewInt(0),
		DailyPnLResetAt: now,
		PeakEquity:      new(big.Int).Set(startingEquity),
		Equity:          new(big.Int).Set(startingEquity),
	}
}

// PortfolioSnapshot is an immutable point-in-time copy of
// PortfolioState, handed to RiskGate and readers so they never
// observe a write in progress.
type PortfolioSnapshot struct {
	ExposureByVenue map[string]*big.Int
	DailyPnL        *big.Int
	PeakEquity      *big.Int
	Equity          *big.Int
	ActivePositions int
}

// Snapshot returns an immutable copy of the current state. Callers
// must not mutate the returned maps/big.Ints.
func (p *PortfolioState) Snapshot() PortfolioSnapshot {
	exposure := make(map[string]*big.Int, len(p.ExposureByVenue))
	for k, v := range p.ExposureByVenue {
		exposure[k] = new(big.Int).Set(v)
	}
	return PortfolioSnapshot{
		ExposureByVenue: exposure,
		DailyPnL:        new(big.Int).Set(p.DailyPnL),
		PeakEquity:      new(big.Int).Set(p.PeakEquity),
		Equity:          new(big.Int).Set(p.Equity),
		ActivePositions: len(p.ActivePositions),
	}
}

// Drawdown returns (peak - equity) / peak as a float64 in [0, 1],
// matching the RiskGate gate check's definition.
func (s PortfolioSnapshot) Drawdown() float64 {
	if s.PeakEquity.Sign() <= 0 {
		return 0
	}
	diff := new(big.Int).Sub(s.PeakEquity, s.Equity)
	if diff.Sign() <= 0 {
		return 0
	}
	num := new(big.Float).SetInt(diff)
	den := new(big.Float).SetInt(s.PeakEquity)
	f, _ := new(big.Float).Quo(num, den).Float64()
	return f
}

// Open records a newly approved position: appends it to
// ActivePositions and adds its size to ExposureByVenue, keyed by the
// opportunity's full venue path (RiskGate's sizing already accounts
// for per-venue exposure across the whole cycle, not per-leg). Called
// by the Orchestrator immediately after RiskGate approves; RiskGate
// itself only reads the portfolio.
func (p *PortfolioState) Open(opp *Opportunity, amountIn *big.Int, now time.Time) Position {
	venue := opp.VenuePath()
	pos := Position{OpportunityID: opp.ID, Venue: venue, AmountIn: new(big.Int).Set(amountIn), OpenedAt: now}
	p.ActivePositions = append(p.ActivePositions, pos)
	cur, ok := p.ExposureByVenue[venue]
	if !ok {
		cur = big.NewInt(0)
	}
	p.ExposureByVenue[venue] = new(big.Int).Add(cur, amountIn)
	return pos
}

// Settle closes the position opened under opportunityID: removes it
// from ActivePositions, releases its exposure, and applies pnl (signed,
// quote units) to Equity/DailyPnL/PeakEquity. The simulator is the
// only caller — it is the component that knows a simulated trade's
// realized outcome. Settling an unknown opportunityID is a no-op: an
// expired or already-settled position being retried by a caller is not
// an error condition worth surfacing.
func (p *PortfolioState) Settle(opportunityID string, pnl *big.Int, now time.Time) {
	idx := -1
	for i, pos := range p.ActivePositions {
		if pos.OpportunityID == opportunityID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return
	}
	pos := p.ActivePositions[idx]
	p.ActivePositions = append(p.ActivePositions[:idx], p.ActivePositions[idx+1:]...)

	if cur, ok := p.ExposureByVenue[pos.Venue]; ok {
		remaining := new(big.Int).Sub(cur, pos.AmountIn)
		if remaining.Sign() < 0 {
			remaining = big.NewInt(0)
		}
		p.ExposureByVenue[pos.Venue] = remaining
	}

	if now.UTC().Format("2006-01-02") != p.DailyPnLResetAt.UTC().Format("2006-01-02") {
		p.DailyPnL = big.NewInt(0)
		p.DailyPnLResetAt = now
	}
	p.DailyPnL = new(big.Int).Add(p.DailyPnL, pnl)
	p.Equity = new(big.Int).Add(p.Equity, pnl)
	if p.Equity.Cmp(p.PeakEquity) > 0 {
		p.PeakEquity = new(big.Int).Set(p.Equity)
	}
}
