// Package pricefeed runs the block-driven reserve refresh pipeline:
// a subscription state machine over RpcPool's block feed, impacted-
// pair tracking, batched getReserves calls through PairCache, and a
// coalescing queue of depth 1 so a burst of blocks never queues more
// than the latest one. Shaped after the teacher's concurrent
// fetch-and-index pipeline (internal/engine/scanner.go) and its
// explicit operating-mode state machine
// (internal/engine/station_command_center.go) in the reference
// corpus.
package pricefeed

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"dexarb/internal/chain"
	"dexarb/internal/logger"
	"dexarb/internal/paircache"
	"dexarb/internal/rpcpool"
)

const logTag = "PRICEFEED"

// State is the subscription state machine's current mode.
type State int

const (
	Idle State = iota
	Subscribing
	Running
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Subscribing:
		return "Subscribing"
	case Running:
		return "Running"
	default:
		return "Unknown"
	}
}

// MonitoredPair is one (venue, pair) the feed keeps fresh.
type MonitoredPair struct {
	Pair        chain.Pair
	PairAddress common.Address
}

// Config configures a new Feed.
type Config struct {
	Pool         *rpcpool.Pool
	Cache        *paircache.Cache
	BatchSize    int           // default 25
	StaggerDelay time.Duration // default 100ms
	CacheTTL     time.Duration // default 30s
	MaxBlockSkew uint64        // not read by Feed; block-skew freshness is judged by Cache's own MaxBlockSkew

	// OnRefreshed, if set, is called synchronously after each
	// completed refresh pass with the block it refreshed at. The
	// Orchestrator uses this as its block-driven detection trigger;
	// left nil in tests that only exercise the refresh pipeline.
	OnRefreshed func(blockNumber uint64)
}

// Feed runs the block-driven refresh loop over a fixed monitored-pair
// set.
type Feed struct {
	pool         *rpcpool.Pool
	cache        *paircache.Cache
	batchSize    int
	staggerDelay time.Duration
	cacheTTL     time.Duration
	onRefreshed  func(blockNumber uint64)

	mu           sync.Mutex
	state        State
	monitored    []MonitoredPair
	impacted     map[string]bool // pair ID -> impacted since last refresh
	coldStart    bool
	refreshing   bool
	pendingBlock *rpcpool.BlockHeader // coalescing queue of depth 1

	lastBlockNumber uint64
	lastBlockAt     time.Time
}

// New constructs a Feed over the given monitored pair set.
func New(cfg Config, monitored []MonitoredPair) *Feed {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 25
	}
	if cfg.StaggerDelay <= 0 {
		cfg.StaggerDelay = 100 * time.Millisecond
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	return &Feed{
		pool:         cfg.Pool,
		cache:        cfg.Cache,
		batchSize:    cfg.BatchSize,
		staggerDelay: cfg.StaggerDelay,
		cacheTTL:     cfg.CacheTTL,
		onRefreshed:  cfg.OnRefreshed,
		state:        Idle,
		monitored:    monitored,
		impacted:     make(map[string]bool),
		coldStart:    true,
	}
}

// State returns the feed's current subscription state.
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// LastBlock returns the last block number and observation time the
// feed has processed, for /health reporting.
func (f *Feed) LastBlock() (number uint64, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastBlockNumber, f.lastBlockAt
}

// MarkImpacted records that a pair's reserves are believed to have
// changed and must be re-read on the next refresh. A pair that is
// never marked is re-read only when it has no cached snapshot or its
// snapshot is no longer Fresh (see impactedPairSet); the feed does not
// fall back to refreshing every monitored pair on every block when
// MarkImpacted goes uncalled.
func (f *Feed) MarkImpacted(pairID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.impacted[pairID] = true
}

func (f *Feed) setState(s State) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
}

// Run drives the subscription state machine until ctx is canceled:
// Idle -> Subscribing -> Running, with automatic resubscription on
// transport error and a coalescing queue of depth 1 for blocks that
// arrive while a refresh is in flight.
func (f *Feed) Run(ctx context.Context) error {
	for ctx.Err() == nil {
		f.setState(Subscribing)
		err := f.pool.SubscribeBlocks(ctx, f.onBlockHeader(ctx))
		if ctx.Err() != nil {
			f.setState(Idle)
			return nil
		}
		if err != nil {
			logger.Warn(logTag, fmt.Sprintf("subscription ended: %v, retrying", err))
			f.setState(Idle)
			continue
		}
	}
	f.setState(Idle)
	return nil
}

func (f *Feed) onBlockHeader(ctx context.Context) rpcpool.BlockHandler {
	return func(head rpcpool.BlockHeader) {
		f.setState(Running)
		f.mu.Lock()
		if f.refreshing {
			// Coalescing queue of depth 1: overwrite any previously
			// queued head so only the latest is processed next.
			f.pendingBlock = &head
			f.mu.Unlock()
			return
		}
		f.refreshing = true
		f.mu.Unlock()

		go f.runRefreshChain(ctx, head)
	}
}

// runRefreshChain processes head, then drains the coalescing queue
// (at most one more block) until it is empty, ensuring two refreshes
// never run concurrently.
func (f *Feed) runRefreshChain(ctx context.Context, head rpcpool.BlockHeader) {
	current := head
	for {
		f.refreshOnce(ctx, uint64(current.Number), current.Hash)

		f.mu.Lock()
		if f.pendingBlock == nil {
			f.refreshing = false
			f.mu.Unlock()
			return
		}
		current = *f.pendingBlock
		f.pendingBlock = nil
		f.mu.Unlock()
	}
}

func (f *Feed) refreshOnce(ctx context.Context, blockNumber uint64, blockHash string) {
	impactedSet := f.impactedPairSet()

	batches := chunkPairs(impactedSet, f.batchSize)
	for i, batch := range batches {
		if i > 0 {
			time.Sleep(f.staggerDelay)
		}
		f.refreshBatch(ctx, batch, blockNumber, blockHash)
	}

	f.mu.Lock()
	f.impacted = make(map[string]bool)
	f.coldStart = false
	f.lastBlockNumber = blockNumber
	f.lastBlockAt = time.Now()
	f.mu.Unlock()

	if f.onRefreshed != nil {
		f.onRefreshed(blockNumber)
	}
}

// impactedPairSet computes the union of (a) pairs marked impacted
// since the last refresh, (b) pairs with no cached snapshot or whose
// snapshot is no longer Fresh (TTL expired, too many blocks behind,
// or Dead), and (c) on a cold start, every monitored pair.
func (f *Feed) impactedPairSet() []MonitoredPair {
	f.mu.Lock()
	coldStart := f.coldStart
	impacted := make(map[string]bool, len(f.impacted))
	for k, v := range f.impacted {
		impacted[k] = v
	}
	monitored := f.monitored
	f.mu.Unlock()

	if coldStart {
		return monitored
	}

	out := make([]MonitoredPair, 0, len(monitored))
	for _, mp := range monitored {
		id := mp.Pair.ID()
		if impacted[id] {
			out = append(out, mp)
			continue
		}
		if _, ok := f.cache.GetReserveSnapshot(id, f.cacheTTL); !ok {
			out = append(out, mp)
			continue
		}
		result, _ := f.cache.GetReserveSnapshot(id, f.cacheTTL)
		if result.Freshness != chain.Fresh {
			out = append(out, mp)
		}
	}
	return out
}

func chunkPairs(pairs []MonitoredPair, size int) [][]MonitoredPair {
	if len(pairs) == 0 {
		return nil
	}
	var chunks [][]MonitoredPair
	for i := 0; i < len(pairs); i += size {
		end := i + size
		if end > len(pairs) {
			end = len(pairs)
		}
		chunks = append(chunks, pairs[i:end])
	}
	return chunks
}

func (f *Feed) refreshBatch(ctx context.Context, batch []MonitoredPair, blockNumber uint64, blockHash string) {
	if len(batch) == 0 {
		return
	}

	requests := make([]rpcpool.BatchRequest, len(batch))
	rawResults := make([]string, len(batch))
	blockTag := fmt.Sprintf("0x%x", blockNumber)
	for i, mp := range batch {
		callMsg := map[string]interface{}{
			"to":   mp.PairAddress.Hex(),
			"data": chain.EncodeGetReserves(),
		}
		requests[i] = rpcpool.BatchRequest{
			Method: "eth_call",
			Args:   []interface{}{callMsg, blockTag},
			Result: &rawResults[i],
		}
	}

	results, err := f.pool.BatchCall(ctx, requests)
	if err != nil && results == nil {
		// Whole batch failed at the transport layer with nothing to
		// salvage: fall back to individual calls per spec §4.4 step 3.
		f.refreshIndividually(ctx, batch, blockNumber, blockHash)
		return
	}

	for i, mp := range batch {
		if i >= len(results) || results[i].Err != nil {
			logger.Warn(logTag, fmt.Sprintf("batch item failed for pair %s: retrying individually", mp.Pair.ID()))
			f.refreshIndividually(ctx, []MonitoredPair{mp}, blockNumber, blockHash)
			continue
		}
		f.publishFromRaw(mp, rawResults[i], blockNumber, blockHash)
	}
}

func (f *Feed) refreshIndividually(ctx context.Context, batch []MonitoredPair, blockNumber uint64, blockHash string) {
	g, gctx := errgroup.WithContext(ctx)
	blockTag := fmt.Sprintf("0x%x", blockNumber)
	for _, mp := range batch {
		mp := mp
		g.Go(func() error {
			callMsg := map[string]interface{}{
				"to":   mp.PairAddress.Hex(),
				"data": chain.EncodeGetReserves(),
			}
			var raw string
			if err := f.pool.Call(gctx, &raw, "eth_call", callMsg, blockTag); err != nil {
				logger.Warn(logTag, fmt.Sprintf("individual getReserves failed for pair %s: %v (prior snapshot retained)", mp.Pair.ID(), err))
				return nil
			}
			f.publishFromRaw(mp, raw, blockNumber, blockHash)
			return nil
		})
	}
	_ = g.Wait()
}

func (f *Feed) publishFromRaw(mp MonitoredPair, raw string, blockNumber uint64, blockHash string) {
	data, err := decodeHex(raw)
	if err != nil {
		logger.Warn(logTag, fmt.Sprintf("malformed getReserves result for pair %s: %v", mp.Pair.ID(), err))
		return
	}
	r0, r1, _, err := chain.DecodeGetReservesResult(data)
	if err != nil {
		logger.Warn(logTag, fmt.Sprintf("decode getReserves for pair %s: %v", mp.Pair.ID(), err))
		return
	}
	snap := &chain.ReserveSnapshot{
		PairID:      mp.Pair.ID(),
		Reserve0:    r0,
		Reserve1:    r1,
		BlockNumber: blockNumber,
		BlockHash:   common.HexToHash(blockHash),
		ObservedAt:  time.Now(),
	}
	f.cache.PutReserveSnapshot(mp.Pair.ID(), snap)
}

func decodeHex(s string) ([]byte, error) {
	s = strings.TrimPrefix(s, "0x")
	return hex.DecodeString(s)
}
