// Package api is the read-only HTTP surface spec.md §6 requires:
// /opportunities, /opportunities/{id}, /statistics, /prices, /health,
// plus the supplemented /metrics and /config endpoints. Structured
// after the teacher's internal/api/server.go — a single *http.ServeMux
// with Go 1.22+ method-pattern routes, the same writeJSON/writeError
// response helpers, and the same net/http-only dependency (no router
// framework) — trimmed from the teacher's much larger UI/auth/industry
// surface to the documented read-only one.
package api

import (
	"context"
	"encoding/json"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dexarb/internal/chain"
	"dexarb/internal/config"
	"dexarb/internal/orchestrator"
	"dexarb/internal/store"
)

// EndpointHealth is the subset of rpcpool.Pool the /health handler
// needs: which endpoint is currently active, and the failure counts
// that drove any failover.
type EndpointHealth interface {
	ActiveEndpointIndex() int
	EndpointErrorCounts() map[int]int
}

// StatisticsSource is the subset of sqlstore.Store / gormstore.Store
// the /statistics handler calls — just the aggregate query, which neither the sqlite nor mysql adapter needs to share
// through the narrower store.Store contract.
type StatisticsSource interface {
	Statistics(ctx context.Context) (store.Statistics, error)
}

// Server serves the opportunity engine's read-only HTTP API.
type Server struct {
	store        store.Reader
	stats        StatisticsSource
	orchestrator *orchestrator.Orchestrator
	health       EndpointHealth
	cfg          *config.Config
}

// New constructs a Server. health may be nil if no RpcPool is wired
// (e.g. a store-replay-only deployment); /health then omits the
// endpoint fields instead of panicking.
func New(reader store.Reader, stats StatisticsSource, orch *orchestrator.Orchestrator, health EndpointHealth, cfg *config.Config) *Server {
	return &Server{store: reader, stats: stats, orchestrator: orch, health: health, cfg: cfg}
}

// Handler builds the routed *http.ServeMux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /opportunities", s.handleListOpportunities)
	mux.HandleFunc("GET /opportunities/{id}", s.handleGetOpportunity)
	mux.HandleFunc("GET /statistics", s.handleStatistics)
	mux.HandleFunc("GET /prices", s.handleListPrices)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /config", s.handleGetConfig)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// handleListOpportunities serves GET /opportunities?limit=&kind=&min_profit=&from=&to=.
func (s *Server) handleListOpportunities(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.OpportunityFilter{Kind: chain.OpportunityKind(q.Get("kind"))}

	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	if minProfitStr := q.Get("min_profit"); minProfitStr != "" {
		if mp, ok := new(big.Int).SetString(minProfitStr, 10); ok {
			filter.MinProfit = mp
		}
	}
	if fromStr := q.Get("from"); fromStr != "" {
		if t, err := time.Parse(time.RFC3339, fromStr); err == nil {
			filter.From = t
		}
	}
	if toStr := q.Get("to"); toStr != "" {
		if t, err := time.Parse(time.RFC3339, toStr); err == nil {
			filter.To = t
		}
	}

	opps, err := s.store.ListOpportunities(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, opps)
}

// handleGetOpportunity serves GET /opportunities/{id}.
func (s *Server) handleGetOpportunity(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	opp, err := s.store.GetOpportunity(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	writeJSON(w, opp)
}

// handleStatistics serves GET /statistics: store-derived counts and
// cumulative profit, merged with live Orchestrator tick counters.
func (s *Server) handleStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.Statistics(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	resp := map[string]any{
		"qualified_two_leg":     stats.QualifiedTwoLeg,
		"qualified_triangular":  stats.QualifiedTriangular,
		"rejected_total":        stats.RejectedTotal,
		"cumulative_net_profit": stats.CumulativeNetProfit.String(),
		"by_venue":              stats.ByVenue,
	}
	if s.orchestrator != nil {
		live := s.orchestrator.Stats()
		resp["ticks_processed"] = live.TicksProcessed
		resp["ticks_skipped_high_gas"] = live.TicksSkippedHighGas
		resp["opportunities_emitted"] = live.OpportunitiesEmitted
		resp["opportunities_dropped"] = live.OpportunitiesDropped
		resp["last_block_number"] = live.LastBlockNumber
		resp["last_block_at"] = live.LastBlockAt
		resp["uptime_seconds"] = time.Since(live.StartedAt).Seconds()
	}
	writeJSON(w, resp)
}

// handleListPrices serves GET /prices?pair=&venue=&limit=.
func (s *Server) handleListPrices(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.PriceFilter{Pair: q.Get("pair"), Venue: q.Get("venue")}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}
	prices, err := s.store.ListPrices(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, prices)
}

// handleHealth serves GET /health:
// {status, last_block_number, last_block_at, endpoint_index, endpoint_errors}.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "unknown"}
	if s.orchestrator != nil {
		st := s.orchestrator.Stats()
		live := s.orchestrator.State()
		resp["status"] = live.String()
		resp["last_block_number"] = st.LastBlockNumber
		resp["last_block_at"] = st.LastBlockAt
		resp["ticks_skipped_high_gas"] = st.TicksSkippedHighGas
	}
	if s.health != nil {
		resp["endpoint_index"] = s.health.ActiveEndpointIndex()
		resp["endpoint_errors"] = s.health.EndpointErrorCounts()
	}
	writeJSON(w, resp)
}

// handleGetConfig serves GET /config: a read-only dump of the active
// configuration, supplementing the documented read surface so an
// operator can confirm what thresholds a running process loaded
// without shelling into the box.
func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	if s.cfg == nil {
		writeError(w, http.StatusServiceUnavailable, "configuration not loaded")
		return
	}
	writeJSON(w, s.cfg)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
