package main

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/chain"
	"dexarb/internal/rpcpool"
)

// factoryResolver adapts rpcpool.Pool to paircache.FactoryResolver by
// encoding/decoding the Factory.getPair(address,address) call the
// same way internal/pricefeed encodes Pair.getReserves() over the
// pool's eth_call transport.
type factoryResolver struct {
	pool     *rpcpool.Pool
	venues   map[string]chain.Venue
}

func newFactoryResolver(pool *rpcpool.Pool, venues map[string]chain.Venue) *factoryResolver {
	return &factoryResolver{pool: pool, venues: venues}
}

func (r *factoryResolver) ResolvePairAddress(ctx context.Context, venue string, tokenA, tokenB common.Address) (common.Address, error) {
	v, ok := r.venues[venue]
	if !ok {
		return common.Address{}, fmt.Errorf("resolver: unknown venue %q", venue)
	}
	callMsg := map[string]interface{}{
		"to":   v.Factory.Hex(),
		"data": chain.EncodeGetPair(tokenA, tokenB),
	}
	var raw string
	if err := r.pool.Call(ctx, &raw, "eth_call", callMsg, "latest"); err != nil {
		return common.Address{}, fmt.Errorf("resolver: getPair(%s,%s) on %s: %w", tokenA.Hex(), tokenB.Hex(), venue, err)
	}
	data := common.FromHex(raw)
	addr, err := chain.DecodeGetPairResult(data)
	if err != nil {
		return common.Address{}, err
	}
	if addr == (common.Address{}) {
		return common.Address{}, fmt.Errorf("resolver: no pair for (%s,%s) on %s: %w", tokenA.Hex(), tokenB.Hex(), venue, chain.ErrNotFound)
	}
	return addr, nil
}
