// Package rpcpool implements a multi-endpoint JSON-RPC transport with
// failover, batching and block subscription, generalized from the
// teacher's rate-limited HTTP client (internal/esi/client.go in the
// reference corpus) and applied to github.com/ethereum/go-ethereum/rpc
// clients instead of a single fixed REST host. It keeps one semaphore
// bounding concurrent calls; a failed call is retried on the next
// endpoint at once, with no backoff delay, and every failure counts
// as retryable.
package rpcpool

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/sync/errgroup"

	"dexarb/internal/chain"
	"dexarb/internal/logger"
)

const logTag = "RPCPOOL"

// EndpointConfig describes one JSON-RPC endpoint in the pool's
// ordered list.
type EndpointConfig struct {
	URL        string
	Weight     int
	MaxRetries int
	Timeout    time.Duration
}

// endpoint wraps a dialed rpc.Client with its failure bookkeeping.
type endpoint struct {
	cfg               EndpointConfig
	client            *rpc.Client
	consecutiveErrors int
	lastRotatedAt     time.Time
}

// Dialer dials a JSON-RPC endpoint. Exposed as a field so tests can
// substitute an in-memory client without a real network dial.
type Dialer func(ctx context.Context, url string) (*rpc.Client, error)

func defaultDialer(ctx context.Context, url string) (*rpc.Client, error) {
	return rpc.DialContext(ctx, url)
}

// Pool is a failover-aware JSON-RPC transport over an ordered list of
// endpoints. All exported methods are safe for concurrent use.
type Pool struct {
	mu       sync.Mutex
	active   int
	endpoints []*endpoint

	failoverThreshold int
	cooldownPeriod    time.Duration
	maxAttempts       int

	sem     chan struct{} // bounds concurrent single calls
	dialer  Dialer

	errorsMu     sync.Mutex
	endpointErrs map[int]int // endpoint index -> error count since the pool was constructed
}

// Config configures a new Pool.
type Config struct {
	Endpoints         []EndpointConfig
	FailoverThreshold int           // default 3
	CooldownPeriod    time.Duration // default 60s
	MaxAttempts       int           // default len(Endpoints)
	MaxConcurrent     int           // default 50
	Dialer            Dialer        // default dials real JSON-RPC over HTTP/WS
}

// New constructs a Pool. It does not dial any endpoint eagerly; the
// first Call triggers a lazy dial of the active endpoint.
func New(cfg Config) (*Pool, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("rpcpool: no endpoints configured: %w", chain.ErrConfigError)
	}
	if cfg.FailoverThreshold <= 0 {
		cfg.FailoverThreshold = 3
	}
	if cfg.CooldownPeriod <= 0 {
		cfg.CooldownPeriod = 60 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = len(cfg.Endpoints)
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 50
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}

	endpoints := make([]*endpoint, len(cfg.Endpoints))
	for i, e := range cfg.Endpoints {
		if e.Timeout <= 0 {
			e.Timeout = 10 * time.Second
		}
		if e.MaxRetries <= 0 {
			e.MaxRetries = 3
		}
		endpoints[i] = &endpoint{cfg: e}
	}

	return &Pool{
		endpoints:         endpoints,
		failoverThreshold: cfg.FailoverThreshold,
		cooldownPeriod:    cfg.CooldownPeriod,
		maxAttempts:       cfg.MaxAttempts,
		sem:               make(chan struct{}, cfg.MaxConcurrent),
		dialer:            cfg.Dialer,
		endpointErrs:      make(map[int]int),
	}, nil
}

// ActiveEndpointIndex reports the index of the currently active
// endpoint, for /health reporting.
func (p *Pool) ActiveEndpointIndex() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active
}

// EndpointErrorCounts returns a copy of the per-endpoint error counts
// accumulated since the pool was constructed, for /health reporting.
func (p *Pool) EndpointErrorCounts() map[int]int {
	p.errorsMu.Lock()
	defer p.errorsMu.Unlock()
	out := make(map[int]int, len(p.endpointErrs))
	for k, v := range p.endpointErrs {
		out[k] = v
	}
	return out
}

func (p *Pool) recordEndpointError(idx int) {
	p.errorsMu.Lock()
	p.endpointErrs[idx]++
	p.errorsMu.Unlock()
}

func (p *Pool) dialActive(ctx context.Context) (*rpc.Client, int, error) {
	p.mu.Lock()
	idx := p.active
	ep := p.endpoints[idx]
	client := ep.client
	p.mu.Unlock()
	if client != nil {
		return client, idx, nil
	}
	dialed, err := p.dialer(ctx, ep.cfg.URL)
	if err != nil {
		return nil, idx, fmt.Errorf("rpcpool: dial %s: %w", ep.cfg.URL, chain.ErrTransportRefused)
	}
	p.mu.Lock()
	ep.client = dialed
	p.mu.Unlock()
	return dialed, idx, nil
}

// rotate advances to the next endpoint, rate-limited by
// cooldownPeriod so a flapping chain cannot thrash the pool between
// every pair of endpoints.
func (p *Pool) rotate(idx int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if idx != p.active {
		return // already rotated by another goroutine
	}
	ep := p.endpoints[idx]
	if time.Since(ep.lastRotatedAt) < p.cooldownPeriod {
		return
	}
	ep.lastRotatedAt = time.Now()
	ep.consecutiveErrors = 0
	next := (idx + 1) % len(p.endpoints)
	p.active = next
	logger.Warn(logTag, fmt.Sprintf("failing over endpoint %d -> %d", idx, next))
}

func (p *Pool) noteFailure(idx int) {
	p.mu.Lock()
	ep := p.endpoints[idx]
	ep.consecutiveErrors++
	shouldRotate := ep.consecutiveErrors >= p.failoverThreshold
	p.mu.Unlock()
	p.recordEndpointError(idx)
	if shouldRotate {
		p.rotate(idx)
	}
}

func (p *Pool) noteSuccess(idx int) {
	p.mu.Lock()
	p.endpoints[idx].consecutiveErrors = 0
	p.mu.Unlock()
}

// Call executes a single JSON-RPC method against the currently active
// endpoint, retrying up to maxAttempts times across endpoints on
// failure. A per-attempt timeout races the call; timing out counts as
// a failure.
func (p *Pool) Call(ctx context.Context, result interface{}, method string, args ...interface{}) error {
	var lastErr error
	for attempt := 0; attempt < p.maxAttempts; attempt++ {
		select {
		case p.sem <- struct{}{}:
		case <-ctx.Done():
			return fmt.Errorf("rpcpool: call %s: %w", method, ctx.Err())
		}

		client, idx, err := p.dialActive(ctx)
		if err != nil {
			<-p.sem
			lastErr = err
			p.noteFailure(idx)
			continue
		}

		timeout := p.endpoints[idx].cfg.Timeout
		callCtx, cancel := context.WithTimeout(ctx, timeout)
		err = client.CallContext(callCtx, result, method, args...)
		cancel()
		<-p.sem

		if err == nil {
			p.noteSuccess(idx)
			return nil
		}

		lastErr = classifyCallError(method, err)
		p.noteFailure(idx)
		logger.Warn(logTag, fmt.Sprintf("call %s failed on endpoint %d (attempt %d/%d): %v", method, idx, attempt+1, p.maxAttempts, lastErr))
	}
	return fmt.Errorf("rpcpool: %s: %w: %v", method, chain.ErrEndpointsExhausted, lastErr)
}

func classifyCallError(method string, err error) error {
	if err == context.DeadlineExceeded {
		return fmt.Errorf("rpcpool: %s: %w", method, chain.ErrTransportTimeout)
	}
	return fmt.Errorf("rpcpool: %s: %w", method, chain.ErrTransportRefused)
}

// BatchRequest is one element of a batchCall: a method and its
// arguments, paired with a destination to decode into.
type BatchRequest struct {
	Method string
	Args   []interface{}
	Result interface{}
}

// BatchItemResult carries the per-item outcome of a BatchCall: either
// Result was populated, or Err explains why this one item failed.
// The surrounding BatchCall only fails if every item failed.
type BatchItemResult struct {
	Err error
}

// BatchCall issues all requests in one network round trip if the
// active endpoint's client supports JSON-RPC batching; callers that
// need a guaranteed per-item result order can rely on resequencing
// the returned slice, which is always in request order regardless of
// transport path.
func (p *Pool) BatchCall(ctx context.Context, requests []BatchRequest) ([]BatchItemResult, error) {
	if len(requests) == 0 {
		return nil, nil
	}

	client, idx, err := p.dialActive(ctx)
	if err != nil {
		return p.batchCallFallback(ctx, requests)
	}

	elems := make([]rpc.BatchElem, len(requests))
	for i, r := range requests {
		elems[i] = rpc.BatchElem{Method: r.Method, Args: r.Args, Result: r.Result}
	}

	timeout := p.endpoints[idx].cfg.Timeout
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	err = client.BatchCallContext(callCtx, elems)
	cancel()

	if err != nil {
		// Transport-level batch failure: fall back to per-item fan-out
		// rather than fail the whole call, per spec: a partial result
		// is still useful and the surrounding call only fails if every
		// sub-call fails.
		p.noteFailure(idx)
		return p.batchCallFallback(ctx, requests)
	}
	p.noteSuccess(idx)

	results := make([]BatchItemResult, len(elems))
	failures := 0
	for i, e := range elems {
		if e.Error != nil {
			results[i] = BatchItemResult{Err: fmt.Errorf("rpcpool: batch item %d (%s): %w", i, e.Method, e.Error)}
			failures++
		}
	}
	if failures == len(elems) {
		return results, fmt.Errorf("rpcpool: batch call: all %d items failed", failures)
	}
	return results, nil
}

// batchCallFallback fans individual requests out concurrently via
// errgroup and collects per-item results, used when the active
// endpoint does not support JSON-RPC batching or the batch attempt
// itself failed at the transport level.
func (p *Pool) batchCallFallback(ctx context.Context, requests []BatchRequest) ([]BatchItemResult, error) {
	results := make([]BatchItemResult, len(requests))
	g, gctx := errgroup.WithContext(ctx)
	for i := range requests {
		i := i
		g.Go(func() error {
			err := p.Call(gctx, requests[i].Result, requests[i].Method, requests[i].Args...)
			if err != nil {
				results[i] = BatchItemResult{Err: err}
			}
			return nil // individual failures don't abort the group
		})
	}
	_ = g.Wait()

	failures := 0
	for _, r := range results {
		if r.Err != nil {
			failures++
		}
	}
	if failures == len(requests) {
		return results, fmt.Errorf("rpcpool: batch fallback: all %d items failed", failures)
	}
	return results, nil
}

// BlockHeader is the minimal header shape SubscribeBlocks delivers.
type BlockHeader struct {
	Number hexutil.Uint64 `json:"number"`
	Hash   string         `json:"hash"`
}

// BlockHandler receives new block headers. Handlers must be
// idempotent and tolerate gaps: the subscription is a logical channel
// that may drop and resubscribe transparently.
type BlockHandler func(BlockHeader)

// SubscribeBlocks delivers new block headers to handler until ctx is
// canceled. If the underlying transport drops, the pool rotates
// endpoints and re-subscribes automatically; callers do not need to
// retry.
func (p *Pool) SubscribeBlocks(ctx context.Context, handler BlockHandler) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := p.subscribeOnce(ctx, handler); err != nil {
			logger.Warn(logTag, fmt.Sprintf("block subscription dropped: %v", err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		return nil // ctx canceled cleanly inside subscribeOnce
	}
}

func (p *Pool) subscribeOnce(ctx context.Context, handler BlockHandler) error {
	client, idx, err := p.dialActive(ctx)
	if err != nil {
		p.noteFailure(idx)
		return err
	}

	ch := make(chan BlockHeader, 1)
	sub, err := client.EthSubscribe(ctx, ch, "newHeads")
	if err != nil {
		p.noteFailure(idx)
		return fmt.Errorf("rpcpool: eth_subscribe newHeads: %w", chain.ErrTransportRefused)
	}
	defer sub.Unsubscribe()
	p.noteSuccess(idx)

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-sub.Err():
			p.recordEndpointError(idx)
			p.rotate(idx)
			return fmt.Errorf("rpcpool: subscription error: %w", err)
		case head := <-ch:
			handler(head)
		}
	}
}

// GetGasPrice is a thin wrapper over Call that inherits failover.
func (p *Pool) GetGasPrice(ctx context.Context) (*hexutil.Big, error) {
	var result hexutil.Big
	if err := p.Call(ctx, &result, "eth_gasPrice"); err != nil {
		return nil, err
	}
	return &result, nil
}

// GetBlockNumber is a thin wrapper over Call that inherits failover.
func (p *Pool) GetBlockNumber(ctx context.Context) (uint64, error) {
	var result hexutil.Uint64
	if err := p.Call(ctx, &result, "eth_blockNumber"); err != nil {
		return 0, err
	}
	return uint64(result), nil
}
