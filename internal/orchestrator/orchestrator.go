// Package orchestrator drives the process-wide detection loop:
// Stopped -> Starting -> Running -> Stopping -> Stopped, block-driven
// detection with a periodic backup timer, and the per-candidate
// qualify -> gate -> emit pipeline. Shaped after the teacher's
// explicit operating-mode state machine
// (internal/engine/station_command_center.go) and the startup/
// shutdown wiring order of its root main.go in the reference corpus.
package orchestrator

import (
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	"dexarb/internal/ammmath"
	"dexarb/internal/chain"
	"dexarb/internal/detector"
	"dexarb/internal/logger"
	"dexarb/internal/metrics"
	"dexarb/internal/qualifier"
	"dexarb/internal/riskgate"
)

const logTag = "ORCHESTRATOR"

// GasOracle is the subset of rpcpool.Pool the Orchestrator needs: the
// per-tick gas price veto and the current block number for the
// periodic backup cadence. Kept as an interface, rather than a
// concrete *rpcpool.Pool dependency, so detection-pass logic can be
// exercised without a live transport.
type GasOracle interface {
	GetGasPrice(ctx context.Context) (*hexutil.Big, error)
	GetBlockNumber(ctx context.Context) (uint64, error)
}

// BlockFeed is the subset of pricefeed.Feed the Orchestrator drives:
// its subscription run loop and impacted-pair marking.
type BlockFeed interface {
	Run(ctx context.Context) error
	MarkImpacted(pairID string)
}

// CandidateDetector is the subset of detector.Detector the
// Orchestrator calls once per tick.
type CandidateDetector interface {
	Detect(currentBlock uint64, mark detector.ImpactedMarker) []*chain.Opportunity
}

// CandidateQualifier is the subset of qualifier.Qualifier the
// Orchestrator calls per candidate.
type CandidateQualifier interface {
	Qualify(in qualifier.Input, now time.Time) (*chain.Opportunity, error)
}

// State is the Orchestrator's process-wide lifecycle state.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	default:
		return "Unknown"
	}
}

// Store is the append-only opportunity sink the Orchestrator emits
// to. Implemented by internal/store; kept as an interface here so the
// Orchestrator carries no storage-driver dependency.
type Store interface {
	InsertOpportunity(ctx context.Context, opp *chain.Opportunity) error
}

// Simulator is the paper-execution sink for RiskGate-approved
// opportunities. Implemented by internal/sim.
type Simulator interface {
	Submit(ctx context.Context, opp *chain.Opportunity, sizedAmount *big.Int) error
}

// Config wires every component the Orchestrator drives.
type Config struct {
	Pool      GasOracle
	Cache     detector.PairSource
	Feed      BlockFeed
	Detector  CandidateDetector
	Qualifier CandidateQualifier
	Portfolio *chain.PortfolioState

	RiskGate riskgate.Config
	Venues   map[string]detector.Venue

	// NativeToQuotePrice is the current quote-currency price of one
	// whole unit of the native gas token. spec.md derives gasCostQuote
	// from "price(nativeToken, quote)" without specifying an oracle
	// component; absent one, this is a configured value the operator
	// refreshes out of band (see DESIGN.md open question decisions).
	NativeToQuotePrice float64

	CacheTTL                 time.Duration
	MaxBlockSkew             uint64
	ScanInterval             time.Duration // periodic backup cadence, default 5s
	MaxOpportunitiesPerBlock int           // default 3
	MaxGasPriceWei           *big.Int
	ShutdownGrace            time.Duration // default 5s
	MinLiquidityQuote        *big.Int

	Store     Store
	Simulator Simulator
}

// Stats is an immutable snapshot of the Orchestrator's running
// counters, consumed by internal/api's /statistics and /health
// handlers.
type Stats struct {
	TicksProcessed       uint64
	TicksSkippedHighGas  uint64
	OpportunitiesEmitted uint64
	OpportunitiesDropped uint64
	Qualified            uint64
	Rejected             uint64
	LastBlockNumber      uint64
	LastBlockAt          time.Time
	StartedAt            time.Time
}

// Orchestrator runs the detection loop described in spec.md §4.8.
type Orchestrator struct {
	cfg Config

	mu    sync.Mutex
	state State

	detecting int32 // atomic guard: block-driven and periodic runs never overlap

	ticksProcessed       uint64
	ticksSkippedHighGas  uint64
	opportunitiesEmitted uint64
	opportunitiesDropped uint64
	qualified            uint64
	rejected             uint64

	lastBlockNumber uint64
	lastBlockAt     time.Time
	startedAt       time.Time

	cancel   context.CancelFunc
	doneFeed chan struct{}
	doneTick chan struct{}

	stopOnce sync.Once
	stopErr  error
}

// New constructs an Orchestrator. Start must be called to bring it up.
func New(cfg Config) *Orchestrator {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = 5 * time.Second
	}
	if cfg.MaxOpportunitiesPerBlock <= 0 {
		cfg.MaxOpportunitiesPerBlock = 3
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 5 * time.Second
	}
	o := &Orchestrator{cfg: cfg, state: Stopped}
	return o
}

// SetFeed attaches the BlockFeed after construction: PriceFeed's
// OnRefreshed callback is the Orchestrator's own OnBlockRefreshed
// method, so the feed can only be built once the Orchestrator exists.
// Must be called before Start.
func (o *Orchestrator) SetFeed(feed BlockFeed) {
	o.mu.Lock()
	o.cfg.Feed = feed
	o.mu.Unlock()
}

// State returns the Orchestrator's current lifecycle state.
func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Stats returns a snapshot of the running counters.
func (o *Orchestrator) Stats() Stats {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Stats{
		TicksProcessed:       o.ticksProcessed,
		TicksSkippedHighGas:  o.ticksSkippedHighGas,
		OpportunitiesEmitted: o.opportunitiesEmitted,
		OpportunitiesDropped: o.opportunitiesDropped,
		Qualified:            o.qualified,
		Rejected:             o.rejected,
		LastBlockNumber:      o.lastBlockNumber,
		LastBlockAt:          o.lastBlockAt,
		StartedAt:            o.startedAt,
	}
}

func (o *Orchestrator) setState(s State) {
	o.mu.Lock()
	o.state = s
	o.mu.Unlock()
}

// Start brings the Orchestrator from Stopped to Running: Starting
// launches the PriceFeed run loop (which drives block-driven
// detection) and the periodic detection loop. The Pool and Cache are
// constructed by the caller and handed in via Config; they have no
// background loops for Start to bring up.
// Start returns once Running is reached; it does not block for the
// lifetime of the process.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.setState(Starting)
	logger.Info(logTag, "starting: rpcpool -> paircache -> pricefeed")

	runCtx, cancel := context.WithCancel(ctx)
	o.cancel = cancel

	o.mu.Lock()
	o.startedAt = time.Now()
	o.mu.Unlock()

	o.doneFeed = make(chan struct{})
	o.doneTick = make(chan struct{})

	errCh := make(chan error, 2)

	go func() {
		defer close(o.doneFeed)
		if err := o.cfg.Feed.Run(runCtx); err != nil && runCtx.Err() == nil {
			errCh <- fmt.Errorf("pricefeed: %w", err)
		}
	}()

	go o.runPeriodicLoop(runCtx)

	go func() {
		select {
		case err := <-errCh:
			logger.Error(logTag, fmt.Sprintf("background task failed: %v, shutting down", err))
			o.mu.Lock()
			o.stopErr = err
			o.mu.Unlock()
			_ = o.Stop(context.Background())
		case <-runCtx.Done():
		}
	}()

	o.setState(Running)
	logger.Success(logTag, "running")
	return nil
}

// runPeriodicLoop is the backup detection cadence: a fixed-interval
// timer that runs a detection pass only when no block-driven pass is
// already in flight.
func (o *Orchestrator) runPeriodicLoop(ctx context.Context) {
	defer close(o.doneTick)
	ticker := time.NewTicker(o.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !atomic.CompareAndSwapInt32(&o.detecting, 0, 1) {
				continue // a block-driven pass is already in flight
			}
			blockNumber, _ := o.cfg.Pool.GetBlockNumber(ctx)
			o.runDetectionPass(ctx, blockNumber)
			atomic.StoreInt32(&o.detecting, 0)
		}
	}
}

// OnBlockRefreshed is the PriceFeed.Config.OnRefreshed callback: the
// block-driven detection trigger. Skips if a periodic pass already
// holds the in-flight guard.
func (o *Orchestrator) OnBlockRefreshed(blockNumber uint64) {
	if !atomic.CompareAndSwapInt32(&o.detecting, 0, 1) {
		return
	}
	defer atomic.StoreInt32(&o.detecting, 0)
	o.runDetectionPass(context.Background(), blockNumber)
}

// runDetectionPass implements the four numbered steps of spec.md
// §4.8: a gas-price veto ahead of detection, then
// refresh -> detect -> (qualify -> gate) -> emit, capped and ordered
// by descending margin.
func (o *Orchestrator) runDetectionPass(ctx context.Context, blockNumber uint64) {
	runID := uuid.NewString()

	gasPriceWei, err := o.cfg.Pool.GetGasPrice(ctx)
	if err != nil {
		logger.Warn(logTag, fmt.Sprintf("run %s: gas price unavailable: %v, skipping tick", runID, err))
		return
	}
	gasPrice := gasPriceWei.ToInt()
	if o.cfg.MaxGasPriceWei != nil && gasPrice.Cmp(o.cfg.MaxGasPriceWei) > 0 {
		o.mu.Lock()
		o.ticksSkippedHighGas++
		o.mu.Unlock()
		metrics.IncTicksSkippedHighGas()
		logger.Warn(logTag, fmt.Sprintf("run %s: gas price %s exceeds max, skipping tick", runID, gasPrice))
		return
	}

	start := time.Now()
	candidates := o.cfg.Detector.Detect(blockNumber, o.cfg.Feed.MarkImpacted)

	records := make([]*chain.Opportunity, 0, len(candidates))
	for _, cand := range candidates {
		rec := o.process(ctx, cand, gasPrice)
		if rec != nil {
			records = append(records, rec)
		}
	}

	emitted, dropped := capAndOrder(records, o.cfg.MaxOpportunitiesPerBlock)
	for _, rec := range emitted {
		o.emit(ctx, rec)
	}

	o.mu.Lock()
	o.ticksProcessed++
	o.lastBlockNumber = blockNumber
	o.lastBlockAt = time.Now()
	o.opportunitiesDropped += uint64(len(dropped))
	o.mu.Unlock()
	metrics.IncTicksProcessed()
	metrics.ObserveDetectionLatency(time.Since(start).Seconds())
	if portfolio := o.cfg.Portfolio; portfolio != nil {
		snap := portfolio.Snapshot()
		equity, _ := new(big.Float).SetInt(snap.Equity).Float64()
		metrics.SetPortfolioEquity(equity)
		metrics.SetPortfolioDrawdown(snap.Drawdown())
	}

	if len(dropped) > 0 {
		logger.Warn(logTag, fmt.Sprintf("run %s: dropped %d lowest-margin records at block %d cap", runID, len(dropped), blockNumber))
	}
}

// process runs one candidate through Qualifier then RiskGate,
// returning the final record (Rejected, or Qualified-and-approved, or
// Qualified-but-gate-rejected). A nil return means the candidate
// could not be evaluated at all (missing reserve context) and is
// silently dropped, matching the Qualifier's "expired opportunities
// dropped without logging an error" failure semantics for the
// analogous case.
func (o *Orchestrator) process(ctx context.Context, cand *chain.Opportunity, gasPrice *big.Int) *chain.Opportunity {
	metrics.IncDetected(string(cand.Kind))

	legReserves, legLiquidity, ok := o.legsFor(cand)
	if !ok {
		return nil
	}

	qIn := qualifier.Input{
		Opportunity:        cand,
		Legs:               legLiquidity,
		GasPriceWei:        gasPrice,
		NativeToQuotePrice: o.cfg.NativeToQuotePrice,
	}
	qualified, err := o.cfg.Qualifier.Qualify(qIn, time.Now())
	if err != nil {
		o.mu.Lock()
		o.rejected++
		o.mu.Unlock()
		metrics.IncRejected("qualifier", err.Error())
		return qualified
	}
	o.mu.Lock()
	o.qualified++
	o.mu.Unlock()

	terminalQuote := terminalReserves(legLiquidity)
	portfolio := o.cfg.Portfolio.Snapshot()
	totalValue := portfolio.Equity
	available := new(big.Int).Sub(totalValue, currentExposure(portfolio))
	if available.Sign() < 0 {
		available = big.NewInt(0)
	}

	gIn := riskgate.Input{
		Opportunity:          qualified,
		Legs:                 legReserves,
		GasCostQuote:         qualified.GasCostQuote,
		Portfolio:            portfolio,
		TotalValue:           totalValue,
		AvailableCapital:     available,
		TerminalReserveQuote: terminalQuote,
		MinLiquidityQuote:    o.cfg.MinLiquidityQuote,
	}
	assessment := riskgate.Gate(o.cfg.RiskGate, gIn)
	if !assessment.Approved {
		rejected := *qualified
		rejected.Status = chain.Rejected
		rejected.Reason = firstOrJoined(assessment.Reasons)
		o.mu.Lock()
		o.rejected++
		o.mu.Unlock()
		metrics.IncRejected("risk_gate", rejected.Reason)
		return &rejected
	}

	approved := *qualified
	approved.TradeAmountIn = assessment.SizedAmount
	if o.cfg.Portfolio != nil {
		o.cfg.Portfolio.Open(&approved, assessment.SizedAmount, time.Now())
	}
	metrics.IncQualified(string(approved.Kind))
	netProfit, _ := new(big.Float).SetInt(approved.NetProfitQuote).Float64()
	metrics.SetNetProfitQuote(string(approved.Kind), netProfit)
	return &approved
}

// emit inserts the final record into the Store, and for approved
// Qualified records also submits it to the Simulator.
func (o *Orchestrator) emit(ctx context.Context, rec *chain.Opportunity) {
	if o.cfg.Store != nil {
		if err := o.cfg.Store.InsertOpportunity(ctx, rec); err != nil {
			logger.Warn(logTag, fmt.Sprintf("store insert failed for %s: %v", rec.ID, err))
		}
	}
	if rec.Status == chain.Qualified && o.cfg.Simulator != nil {
		if err := o.cfg.Simulator.Submit(ctx, rec, rec.TradeAmountIn); err != nil {
			logger.Warn(logTag, fmt.Sprintf("simulator submit failed for %s: %v", rec.ID, err))
		}
	}
	o.mu.Lock()
	o.opportunitiesEmitted++
	o.mu.Unlock()
}

// Stop transitions Running -> Stopping -> Stopped: cancels the block
// subscription and the periodic timer, then waits up to
// cfg.ShutdownGrace for both loops to exit before forcing Stopped.
func (o *Orchestrator) Stop(ctx context.Context) error {
	var stopErr error
	o.stopOnce.Do(func() {
		o.setState(Stopping)
		logger.Info(logTag, "stopping")
		if o.cancel != nil {
			o.cancel()
		}

		grace, cancel := context.WithTimeout(ctx, o.cfg.ShutdownGrace)
		defer cancel()

		wait := func(ch chan struct{}) {
			if ch == nil {
				return
			}
			select {
			case <-ch:
			case <-grace.Done():
				logger.Warn(logTag, "shutdown grace period exceeded, forcing Stopped")
			}
		}
		wait(o.doneFeed)
		wait(o.doneTick)

		o.mu.Lock()
		stopErr = o.stopErr
		o.mu.Unlock()
		o.setState(Stopped)
		logger.Success(logTag, "stopped")
	})
	return stopErr
}

// legsFor resolves live ReserveSnapshots for every leg of cand and
// builds the parallel riskgate.LegReserves / qualifier.LegLiquidity
// slices the qualify/gate pipeline needs. Both slices are chained in
// the same (reserveIn, reserveOut) order regardless of leg count, so
// this one function serves TwoLeg and Triangular candidates alike.
func (o *Orchestrator) legsFor(cand *chain.Opportunity) ([]riskgate.LegReserves, []qualifier.LegLiquidity, bool) {
	legs := make([]riskgate.LegReserves, 0, len(cand.Legs))
	liquidity := make([]qualifier.LegLiquidity, 0, len(cand.Legs))
	amount := cand.TradeAmountIn
	if amount == nil {
		return nil, nil, false
	}
	amount = new(big.Int).Set(amount)

	for _, leg := range cand.Legs {
		t0, t1 := chain.OrderTokens(chain.Token{Address: leg.TokenIn}, chain.Token{Address: leg.TokenOut})
		pairID := chain.Pair{Venue: leg.Venue, Token0: t0, Token1: t1}.ID()
		result, ok := o.cfg.Cache.GetReserveSnapshot(pairID, o.cfg.CacheTTL)
		if !ok || result.Snapshot.IsDead() {
			return nil, nil, false
		}

		var reserveIn, reserveOut *big.Int
		if leg.TokenIn == t0.Address {
			reserveIn, reserveOut = result.Snapshot.Reserve0, result.Snapshot.Reserve1
		} else {
			reserveIn, reserveOut = result.Snapshot.Reserve1, result.Snapshot.Reserve0
		}

		venue := o.cfg.Venues[leg.Venue]
		legs = append(legs, riskgate.LegReserves{ReserveIn: reserveIn, ReserveOut: reserveOut, FeeNum: venue.FeeNum, FeeDen: venue.FeeDen})

		impact, err := ammmath.PriceImpact(amount, reserveIn, reserveOut, venue.FeeNum, venue.FeeDen)
		if err != nil {
			return nil, nil, false
		}
		// ReserveQuote is left nil for an intermediate hop (neither the
		// first leg's entry pool nor the last leg's exit pool): the
		// minLiquidity check only constrains the cycle's two terminal
		// pools, per spec.md §4.6 item 3.
		liquidity = append(liquidity, qualifier.LegLiquidity{PriceImpactPPM: impact})

		out, err := ammmath.GetAmountOut(amount, reserveIn, reserveOut, venue.FeeNum, venue.FeeDen)
		if err != nil || out.Sign() == 0 {
			return nil, nil, false
		}
		amount = out
	}

	if len(legs) > 0 {
		liquidity[0].ReserveQuote = legs[0].ReserveIn
		liquidity[len(liquidity)-1].ReserveQuote = legs[len(legs)-1].ReserveOut
	}
	return legs, liquidity, true
}

func terminalReserves(legs []qualifier.LegLiquidity) []*big.Int {
	out := make([]*big.Int, 0, 2)
	for _, l := range legs {
		if l.ReserveQuote != nil {
			out = append(out, l.ReserveQuote)
		}
	}
	return out
}

func currentExposure(p chain.PortfolioSnapshot) *big.Int {
	total := big.NewInt(0)
	for _, v := range p.ExposureByVenue {
		total.Add(total, v)
	}
	return total
}

func firstOrJoined(reasons []string) string {
	if len(reasons) == 0 {
		return "gateReject"
	}
	return reasons[0]
}

// capAndOrder sorts records by descending margin and splits them into
// the at-most-max slice to emit and the remainder to drop, per
// spec.md §4.8 item 4 and the backpressure rule in §5 (drop
// lowest-margin Rejected first, then lowest-margin Qualified).
func capAndOrder(records []*chain.Opportunity, max int) (emitted, dropped []*chain.Opportunity) {
	if len(records) <= max {
		sort.SliceStable(records, func(i, j int) bool { return records[i].Margin > records[j].Margin })
		return records, nil
	}

	var approved, rejected []*chain.Opportunity
	for _, r := range records {
		if r.Status == chain.Qualified {
			approved = append(approved, r)
		} else {
			rejected = append(rejected, r)
		}
	}
	byMarginDesc := func(s []*chain.Opportunity) {
		sort.SliceStable(s, func(i, j int) bool { return s[i].Margin > s[j].Margin })
	}
	byMarginDesc(approved)
	byMarginDesc(rejected)

	keep := make([]*chain.Opportunity, 0, max)
	keep = append(keep, approved...)
	remaining := max - len(keep)
	if remaining < 0 {
		dropped = append(dropped, keep[max:]...)
		keep = keep[:max]
		dropped = append(dropped, rejected...)
		return keep, dropped
	}
	if remaining >= len(rejected) {
		keep = append(keep, rejected...)
		return keep, nil
	}
	keep = append(keep, rejected[:remaining]...)
	dropped = append(dropped, rejected[remaining:]...)
	return keep, dropped
}
