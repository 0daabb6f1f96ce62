package pricefeed

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/chain"
	"dexarb/internal/paircache"
	"dexarb/internal/rpcpool"
)

type rpcReq struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
}

// encodeReservesHex builds the raw ABI-encoded getReserves() result
// hex string a real Uniswap V2 pair contract would return.
func encodeReservesHex(r0, r1 int64) string {
	buf := make([]byte, 96)
	big.NewInt(r0).FillBytes(buf[0:32])
	big.NewInt(r1).FillBytes(buf[32:64])
	return "0x" + hexEncode(buf)
}

func hexEncode(b []byte) string {
	const digits = "0123456789abcdef"
	out := make([]byte, len(b)*2)
	for i, c := range b {
		out[i*2] = digits[c>>4]
		out[i*2+1] = digits[c&0xf]
	}
	return string(out)
}

func newFakeChainServer(t *testing.T, reserve0, reserve1 int64) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcReq
		json.NewDecoder(r.Body).Decode(&req)
		w.Header().Set("Content-Type", "application/json")
		resp := map[string]interface{}{"jsonrpc": "2.0", "id": req.ID}
		switch req.Method {
		case "eth_call":
			resp["result"] = encodeReservesHex(reserve0, reserve1)
		default:
			resp["result"] = "0x0"
		}
		json.NewEncoder(w).Encode(resp)
	}))
}

func TestRefreshOnce_PublishesSnapshotsForAllMonitoredPairs(t *testing.T) {
	srv := newFakeChainServer(t, 1000, 2000)
	defer srv.Close()

	pool, err := rpcpool.New(rpcpool.Config{
		Endpoints: []rpcpool.EndpointConfig{{URL: srv.URL, Timeout: 2 * time.Second}},
	})
	if err != nil {
		t.Fatalf("rpcpool.New: %v", err)
	}

	cache := paircache.New(paircache.Config{MaxBlockSkew: 1})

	tokenA := common.HexToAddress("0x1111111111111111111111111111111111111111")
	tokenB := common.HexToAddress("0x2222222222222222222222222222222222222222")
	pairAddr := common.HexToAddress("0x3333333333333333333333333333333333333333")

	pair := chain.Pair{Venue: "uniswap", Token0: chain.Token{Address: tokenA}, Token1: chain.Token{Address: tokenB}, PairAddress: pairAddr}
	monitored := []MonitoredPair{{Pair: pair, PairAddress: pairAddr}}

	feed := New(Config{Pool: pool, Cache: cache, CacheTTL: 30 * time.Second}, monitored)

	feed.refreshOnce(context.Background(), 100, "0xabc")

	result, ok := cache.GetReserveSnapshot(pair.ID(), 30*time.Second)
	if !ok {
		t.Fatal("expected a published snapshot after refreshOnce")
	}
	if result.Snapshot.Reserve0.Cmp(big.NewInt(1000)) != 0 {
		t.Fatalf("expected reserve0=1000, got %s", result.Snapshot.Reserve0)
	}
	if result.Snapshot.Reserve1.Cmp(big.NewInt(2000)) != 0 {
		t.Fatalf("expected reserve1=2000, got %s", result.Snapshot.Reserve1)
	}
	if result.Snapshot.BlockNumber != 100 {
		t.Fatalf("expected block 100, got %d", result.Snapshot.BlockNumber)
	}
}

func TestImpactedPairSet_ColdStartRefreshesEverything(t *testing.T) {
	cache := paircache.New(paircache.Config{})
	pair := chain.Pair{Venue: "uniswap", Token0: chain.Token{Address: common.HexToAddress("0x1")}, Token1: chain.Token{Address: common.HexToAddress("0x2")}}
	monitored := []MonitoredPair{{Pair: pair}}
	feed := New(Config{Cache: cache}, monitored)

	set := feed.impactedPairSet()
	if len(set) != 1 {
		t.Fatalf("expected cold start to include all monitored pairs, got %d", len(set))
	}
}

func TestMarkImpacted_AddsPairToNextRefreshSet(t *testing.T) {
	cache := paircache.New(paircache.Config{})
	p1 := chain.Pair{Venue: "uniswap", Token0: chain.Token{Address: common.HexToAddress("0x1")}, Token1: chain.Token{Address: common.HexToAddress("0x2")}}
	p2 := chain.Pair{Venue: "uniswap", Token0: chain.Token{Address: common.HexToAddress("0x3")}, Token1: chain.Token{Address: common.HexToAddress("0x4")}}
	monitored := []MonitoredPair{{Pair: p1}, {Pair: p2}}
	feed := New(Config{Cache: cache}, monitored)
	feed.coldStart = false // simulate having already done a first refresh
	for _, p := range []chain.Pair{p1, p2} {
		cache.PutReserveSnapshot(p.ID(), &chain.ReserveSnapshot{PairID: p.ID(), Reserve0: big.NewInt(1), Reserve1: big.NewInt(1), BlockNumber: 1, ObservedAt: time.Now()})
	}

	feed.MarkImpacted(p1.ID())
	set := feed.impactedPairSet()
	if len(set) != 1 || set[0].Pair.ID() != p1.ID() {
		t.Fatalf("expected only the marked pair in the refresh set, got %+v", set)
	}
}
