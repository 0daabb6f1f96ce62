package chain

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// The two ABI call shapes this engine depends on, per spec.md §6:
// Factory.getPair(address,address) -> address, and
// Pair.getReserves() -> (uint112, uint112, uint32). Selectors are the
// well-known Uniswap V2 4-byte function selectors; encoded by hand
// rather than pulled in through go-ethereum's accounts/abi package,
// since exactly two fixed call shapes don't need a general ABI codec.
var (
	selectorGetReserves = []byte{0x09, 0x02, 0xf1, 0xac}
	selectorGetPair     = []byte{0xe6, 0xa4, 0x39, 0x05}
)

// EncodeGetReserves returns the eth_call input data for
// Pair.getReserves().
func EncodeGetReserves() hexutil.Bytes {
	return hexutil.Bytes(selectorGetReserves)
}

// DecodeGetReservesResult parses the ABI-encoded return value of
// getReserves(): (uint112 reserve0, uint112 reserve1, uint32
// blockTimestampLast), each right-aligned in its own 32-byte word.
func DecodeGetReservesResult(data []byte) (reserve0, reserve1 *big.Int, blockTimestampLast uint32, err error) {
	if len(data) < 96 {
		return nil, nil, 0, fmt.Errorf("chain: getReserves result too short (%d bytes): %w", len(data), ErrTransportMalformed)
	}
	reserve0 = new(big.Int).SetBytes(data[0:32])
	reserve1 = new(big.Int).SetBytes(data[32:64])
	blockTimestampLast = uint32(new(big.Int).SetBytes(data[64:96]).Uint64())
	return reserve0, reserve1, blockTimestampLast, nil
}

// EncodeGetPair returns the eth_call input data for
// Factory.getPair(tokenA, tokenB).
func EncodeGetPair(tokenA, tokenB common.Address) hexutil.Bytes {
	buf := make([]byte, 4+32+32)
	copy(buf[0:4], selectorGetPair)
	copy(buf[4+12:4+32], tokenA.Bytes())
	copy(buf[36+12:36+32], tokenB.Bytes())
	return hexutil.Bytes(buf)
}

// DecodeGetPairResult parses the ABI-encoded return value of
// getPair(): a single right-aligned address word.
func DecodeGetPairResult(data []byte) (common.Address, error) {
	if len(data) < 32 {
		return common.Address{}, fmt.Errorf("chain: getPair result too short (%d bytes): %w", len(data), ErrTransportMalformed)
	}
	return common.BytesToAddress(data[len(data)-20:]), nil
}

// CallMsg is the eth_call request shape: a target contract and its
// ABI-encoded input data.
type CallMsg struct {
	To   common.Address
	Data hexutil.Bytes
}
