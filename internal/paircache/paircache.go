// Package paircache resolves (venue, tokenX, tokenY) to a pair
// address and owns the most recent ReserveSnapshot per pair. Pair
// addresses are a TTL'd cache with eviction sweeps and
// singleflight-deduplicated misses, generalized from the teacher's
// order cache (internal/esi/order_cache.go in the reference corpus).
// Reserve snapshots are kept until replaced and tagged with their
// freshness on read rather than evicted.
package paircache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/singleflight"

	"dexarb/internal/chain"
)

const evictionSweepThreshold = 200
const evictionGrace = 30 * time.Minute

// pairKey normalizes (venue, tokenX, tokenY) by ascending byte order
// before lookup, matching the canonical token0/token1 ordering.
type pairKey struct {
	Venue  string
	Token0 common.Address
	Token1 common.Address
}

func newPairKey(venue string, a, b common.Address) pairKey {
	t0, t1 := a, b
	if !lessAddress(t0, t1) {
		t0, t1 = b, a
	}
	return pairKey{Venue: venue, Token0: t0, Token1: t1}
}

func lessAddress(a, b common.Address) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

type pairEntry struct {
	address  common.Address
	noPair   bool
	expires  time.Time
	updated  time.Time
}

type reserveEntry struct {
	snapshot *chain.ReserveSnapshot
}

// FactoryResolver looks up a pair address from a factory contract.
// Implemented by internal/rpcpool callers at wiring time; kept as an
// interface here so paircache has no direct transport dependency.
type FactoryResolver interface {
	ResolvePairAddress(ctx context.Context, venue string, tokenA, tokenB common.Address) (common.Address, error)
}

// Cache is a thread-safe pair-address and reserve-snapshot cache.
type Cache struct {
	mu            sync.RWMutex
	pairs         map[pairKey]*pairEntry
	reserves      map[string]*reserveEntry // keyed by chain.Pair.ID()
	group         singleflight.Group
	resolver      FactoryResolver
	pairTTL       time.Duration
	noPairTTL     time.Duration
	latestBlock   uint64
	maxBlockSkew  uint64
}

// Config configures a new Cache.
type Config struct {
	Resolver     FactoryResolver
	PairTTL      time.Duration // default 30s
	NoPairTTL    time.Duration // default 5s
	MaxBlockSkew uint64        // no default: 0 tolerates no block lag
}

// New constructs a Cache.
func New(cfg Config) *Cache {
	if cfg.PairTTL <= 0 {
		cfg.PairTTL = 30 * time.Second
	}
	if cfg.NoPairTTL <= 0 {
		cfg.NoPairTTL = 5 * time.Second
	}
	return &Cache{
		pairs:        make(map[pairKey]*pairEntry),
		reserves:     make(map[string]*reserveEntry),
		resolver:     cfg.Resolver,
		pairTTL:      cfg.PairTTL,
		noPairTTL:    cfg.NoPairTTL,
		maxBlockSkew: cfg.MaxBlockSkew,
	}
}

// ResolvePair returns the pair address for (venue, tokenA, tokenB),
// resolving via the factory on a cache miss. Concurrent misses for
// the same key are coalesced via singleflight. A negative lookup
// (factory returns the zero address) is cached as NoPair with a
// shorter TTL.
func (c *Cache) ResolvePair(ctx context.Context, venue string, tokenA, tokenB common.Address) (common.Address, error) {
	key := newPairKey(venue, tokenA, tokenB)

	c.mu.RLock()
	entry, ok := c.pairs[key]
	c.mu.RUnlock()
	if ok && time.Now().Before(entry.expires) {
		if entry.noPair {
			return common.Address{}, fmt.Errorf("paircache: no pair for %s %s/%s: %w", venue, tokenA.Hex(), tokenB.Hex(), chain.ErrNotFound)
		}
		return entry.address, nil
	}

	sfKey := fmt.Sprintf("%s:%s:%s", venue, key.Token0.Hex(), key.Token1.Hex())
	result, err, _ := c.group.Do(sfKey, func() (interface{}, error) {
		if c.resolver == nil {
			return nil, fmt.Errorf("paircache: no resolver configured: %w", chain.ErrConfigError)
		}
		addr, resolveErr := c.resolver.ResolvePairAddress(ctx, venue, key.Token0, key.Token1)
		c.putPair(key, addr, resolveErr)
		if resolveErr != nil {
			return nil, resolveErr
		}
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("paircache: no pair for %s %s/%s: %w", venue, key.Token0.Hex(), key.Token1.Hex(), chain.ErrNotFound)
		}
		return addr, nil
	})
	if err != nil {
		return common.Address{}, err
	}
	return result.(common.Address), nil
}

func (c *Cache) putPair(key pairKey, addr common.Address, resolveErr error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.pairs) > evictionSweepThreshold {
		now := time.Now()
		for k, e := range c.pairs {
			if now.Sub(e.expires) > evictionGrace {
				delete(c.pairs, k)
			}
		}
	}

	if resolveErr != nil {
		return // don't cache a transport failure as a negative lookup
	}
	ttl := c.pairTTL
	noPair := addr == (common.Address{})
	if noPair {
		ttl = c.noPairTTL
	}
	c.pairs[key] = &pairEntry{address: addr, noPair: noPair, expires: time.Now().Add(ttl), updated: time.Now()}
}

// PutReserveSnapshot publishes a new ReserveSnapshot atomically: a
// reader either observes the prior snapshot or this one, never a
// partial update, because the map value is replaced by a new pointer
// rather than mutated in place.
func (c *Cache) PutReserveSnapshot(pairID string, snap *chain.ReserveSnapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reserves[pairID] = &reserveEntry{snapshot: snap}
	if snap.BlockNumber > c.latestBlock {
		c.latestBlock = snap.BlockNumber
	}
}

// ReserveResult is a borrowed snapshot plus its freshness tag,
// relative to the cache's most recently observed block number.
type ReserveResult struct {
	Snapshot  *chain.ReserveSnapshot
	Freshness chain.Freshness
}

// GetReserveSnapshot returns the most recent snapshot for pairID, or
// ok=false if none has ever been published. The returned snapshot is
// never mutated by the cache after publication, so callers may read
// it without copying.
func (c *Cache) GetReserveSnapshot(pairID string, ttl time.Duration) (ReserveResult, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.reserves[pairID]
	if !ok {
		return ReserveResult{}, false
	}
	now := time.Now()
	fresh := entry.snapshot.FreshnessAt(now, c.latestBlock, ttl, c.maxBlockSkew)
	return ReserveResult{Snapshot: entry.snapshot, Freshness: fresh}, true
}

// LatestBlock returns the highest block number of any published
// snapshot.
func (c *Cache) LatestBlock() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.latestBlock
}

// EvictExpiredPairs removes pair-address entries that expired more
// than evictionGrace ago. Returns the number of entries removed.
// Nothing in this module calls it on a timer; putPair runs the same
// sweep whenever more than evictionSweepThreshold entries are cached.
func (c *Cache) EvictExpiredPairs() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	evicted := 0
	for k, e := range c.pairs {
		if now.Sub(e.expires) > evictionGrace {
			delete(c.pairs, k)
			evicted++
		}
	}
	return evicted
}
