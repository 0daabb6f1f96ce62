// Package store defines the opportunity engine's durable-sink
// contract: the append-only opportunities/price_history tables and
// the read queries the HTTP API needs. Concrete adapters live in
// store/sqlstore (modernc.org/sqlite, single-process deployments) and
// store/gormstore (gorm+MySQL, shared-database deployments) — mirroring
// the teacher's split between its embedded internal/db sqlite store and
// ChoSanghyuk-blackholedex's gorm/MySQL recorder for the same role.
package store

import (
	"context"
	"math/big"
	"time"

	"dexarb/internal/chain"
)

// OpportunityFilter narrows a ListOpportunities query. Zero values
// mean "no constraint" except Limit, where zero or negative falls
// back to DefaultListLimit.
type OpportunityFilter struct {
	Limit     int
	Kind      chain.OpportunityKind // "" means any kind
	MinProfit *big.Int              // nil means no floor
	From, To  time.Time             // zero means unbounded on that side
}

// DefaultListLimit is applied when a caller's filter leaves Limit unset.
const DefaultListLimit = 100

// PriceRecord is one row of the price_history logical table (spec.md
// §6): a reserve snapshot persisted at refresh time.
type PriceRecord struct {
	Pair         string
	Venue        string
	Reserve0     *big.Int
	Reserve1     *big.Int
	BlockNumber  uint64
	ObservedAt   time.Time
}

// PriceFilter narrows a ListPrices query.
type PriceFilter struct {
	Pair  string // "" means any pair
	Venue string // "" means any venue
	Limit int
}

// VenueCount is one row of Statistics.ByVenue.
type VenueCount struct {
	Venue      string
	Qualified  uint64
	Rejected   uint64
}

// Statistics answers GET /statistics (spec.md §6): counts by kind,
// cumulative net profit, per-venue counters, uptime, last block
// processed.
type Statistics struct {
	QualifiedTwoLeg     uint64
	QualifiedTriangular uint64
	RejectedTotal       uint64
	CumulativeNetProfit *big.Int
	ByVenue             []VenueCount
	LastBlockNumber     uint64
	LastBlockAt         time.Time
	Uptime              time.Duration
}

// Writer is the append-only ingestion side the Orchestrator drives.
// InsertOpportunity must be idempotent: repeated inserts carrying the
// same Opportunity.ID must not duplicate the row (spec.md §6).
type Writer interface {
	InsertOpportunity(ctx context.Context, opp *chain.Opportunity) error
	InsertPriceSnapshot(ctx context.Context, rec PriceRecord) error
}

// Reader is the query side internal/api serves.
type Reader interface {
	ListOpportunities(ctx context.Context, filter OpportunityFilter) ([]*chain.Opportunity, error)
	GetOpportunity(ctx context.Context, id string) (*chain.Opportunity, error)
	ListPrices(ctx context.Context, filter PriceFilter) ([]PriceRecord, error)
}

// Store is the full durable-sink contract. Implementations also close
// their own underlying connection.
type Store interface {
	Writer
	Reader
	Close() error
}
