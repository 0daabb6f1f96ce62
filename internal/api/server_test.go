package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"dexarb/internal/chain"
	"dexarb/internal/store"
)

type fakeReader struct {
	opps   []*chain.Opportunity
	prices []store.PriceRecord
}

func (f *fakeReader) ListOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]*chain.Opportunity, error) {
	var out []*chain.Opportunity
	for _, o := range f.opps {
		if filter.Kind != "" && o.Kind != filter.Kind {
			continue
		}
		out = append(out, o)
	}
	return out, nil
}

func (f *fakeReader) GetOpportunity(ctx context.Context, id string) (*chain.Opportunity, error) {
	for _, o := range f.opps {
		if o.ID == id {
			return o, nil
		}
	}
	return nil, chain.ErrNotFound
}

func (f *fakeReader) ListPrices(ctx context.Context, filter store.PriceFilter) ([]store.PriceRecord, error) {
	return f.prices, nil
}

type fakeStats struct {
	stats store.Statistics
}

func (f *fakeStats) Statistics(ctx context.Context) (store.Statistics, error) {
	return f.stats, nil
}

func newTestServer() (*Server, *fakeReader) {
	reader := &fakeReader{
		opps: []*chain.Opportunity{
			{ID: "a", Kind: chain.TwoLeg, Status: chain.Qualified, NetProfitQuote: big.NewInt(1)},
			{ID: "b", Kind: chain.Triangular, Status: chain.Qualified, NetProfitQuote: big.NewInt(2)},
		},
	}
	stats := &fakeStats{stats: store.Statistics{
		QualifiedTwoLeg:     1,
		QualifiedTriangular: 1,
		CumulativeNetProfit: big.NewInt(3),
	}}
	s := New(reader, stats, nil, nil, nil)
	return s, reader
}

func TestHandleListOpportunities_FiltersByKind(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/opportunities?kind=TwoLeg", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got []chain.Opportunity
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Errorf("got %+v, want one record with ID=a", got)
	}
}

func TestHandleGetOpportunity_NotFound(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/opportunities/missing", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
}

func TestHandleGetOpportunity_Found(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/opportunities/b", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var got chain.Opportunity
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.ID != "b" {
		t.Errorf("ID = %s, want b", got.ID)
	}
}

func TestHandleStatistics_ReportsCumulativeProfit(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/statistics", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["cumulative_net_profit"] != "3" {
		t.Errorf("cumulative_net_profit = %v, want \"3\"", got["cumulative_net_profit"])
	}
}

func TestHandleHealth_WithoutOrchestratorOrEndpointHealth(t *testing.T) {
	s, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	var got map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got["status"] != "unknown" {
		t.Errorf("status = %v, want unknown (no orchestrator wired)", got["status"])
	}
}
