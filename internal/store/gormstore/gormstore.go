// Package gormstore is the shared-database durable-sink adapter: a
// gorm-backed MySQL store for multi-process deployments where several
// Orchestrator instances (or the read API) share one database.
// Grounded on ChoSanghyuk-blackholedex's internal/db/transaction_recorder.go
// — same gorm.Open(mysql.Open(dsn)) + AutoMigrate wiring, same
// big.Int-as-varchar(78) column convention for monetary fields that
// don't fit an int64.
package gormstore

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"dexarb/internal/chain"
	"dexarb/internal/store"
)

// opportunityRecord is the gorm model backing the opportunities table.
type opportunityRecord struct {
	ID               string `gorm:"primaryKey;size:128"`
	Kind             string `gorm:"index;not null"`
	PairPath         string `gorm:"not null"`
	VenuePath        string `gorm:"index;not null"`
	LegsJSON         string `gorm:"type:text;not null"`
	TradeAmountIn    string `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	GrossProfitQuote string `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	NetProfitQuote   string `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	GasCostQuote     string `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	FeeCostQuote     string `gorm:"type:varchar(78);not null;comment:big.Int as string"`
	Margin           float64
	Status           string `gorm:"index;not null"`
	Reason           string
	BlockNumber      uint64 `gorm:"index"`
	BlockHash        string
	CreatedAt        time.Time `gorm:"index"`
	ExpiresAt        time.Time
}

func (opportunityRecord) TableName() string { return "opportunities" }

// priceRecord is the gorm model backing the price_history table.
type priceRecord struct {
	ID          uint   `gorm:"primaryKey;autoIncrement"`
	Pair        string `gorm:"index:idx_price_pair_venue;not null"`
	Venue       string `gorm:"index:idx_price_pair_venue;not null"`
	Reserve0    string `gorm:"type:varchar(78);not null"`
	Reserve1    string `gorm:"type:varchar(78);not null"`
	BlockNumber uint64
	ObservedAt  time.Time `gorm:"index"`
}

func (priceRecord) TableName() string { return "price_history" }

// Store wraps a gorm.DB connection and satisfies dexarb/internal/store.Store.
type Store struct {
	db *gorm.DB
}

// Open connects to dsn ("user:password@tcp(host:port)/dbname?parseTime=True&loc=Local")
// and migrates the schema.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("connect mysql: %w", err)
	}
	if err := db.AutoMigrate(&opportunityRecord{}, &priceRecord{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-opened *gorm.DB (tests, shared-connection callers).
func OpenWithDB(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&opportunityRecord{}, &priceRecord{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("underlying db: %w", err)
	}
	return sqlDB.Close()
}

// InsertOpportunity writes opp. Idempotent on the primary key,
// matching spec.md §6's "repeated inserts with the same id must not
// duplicate" — gorm's Clauses(clause.OnConflict{DoNothing: true}),
// which the MySQL dialect renders as ON DUPLICATE KEY UPDATE `id`=`id`,
// is the cross-dialect equivalent of sqlite's ON CONFLICT DO NOTHING.
func (s *Store) InsertOpportunity(ctx context.Context, opp *chain.Opportunity) error {
	legsJSON, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	rec := opportunityRecord{
		ID:               opp.ID,
		Kind:             string(opp.Kind),
		PairPath:         opp.PairPath(),
		VenuePath:        opp.VenuePath(),
		LegsJSON:         string(legsJSON),
		TradeAmountIn:    bigString(opp.TradeAmountIn),
		GrossProfitQuote: bigString(opp.GrossProfitQuote),
		NetProfitQuote:   bigString(opp.NetProfitQuote),
		GasCostQuote:     bigString(opp.GasCostQuote),
		FeeCostQuote:     bigString(opp.FeeCostQuote),
		Margin:           opp.Margin,
		Status:           string(opp.Status),
		Reason:           opp.Reason,
		BlockNumber:      opp.BlockNumber,
		BlockHash:        opp.BlockHash.Hex(),
		CreatedAt:        opp.CreatedAt,
		ExpiresAt:        opp.ExpiresAt,
	}
	result := s.db.WithContext(ctx).Clauses(onConflictDoNothing()).Create(&rec)
	if result.Error != nil {
		return fmt.Errorf("insert opportunity %s: %w", opp.ID, result.Error)
	}
	return nil
}

// InsertPriceSnapshot appends one price_history row.
func (s *Store) InsertPriceSnapshot(ctx context.Context, rec store.PriceRecord) error {
	row := priceRecord{
		Pair:        rec.Pair,
		Venue:       rec.Venue,
		Reserve0:    bigString(rec.Reserve0),
		Reserve1:    bigString(rec.Reserve1),
		BlockNumber: rec.BlockNumber,
		ObservedAt:  rec.ObservedAt,
	}
	if result := s.db.WithContext(ctx).Create(&row); result.Error != nil {
		return fmt.Errorf("insert price snapshot: %w", result.Error)
	}
	return nil
}

// ListOpportunities returns newest-first records matching filter.
func (s *Store) ListOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]*chain.Opportunity, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	q := s.db.WithContext(ctx).Model(&opportunityRecord{})
	if filter.Kind != "" {
		q = q.Where("kind = ?", string(filter.Kind))
	}
	if filter.MinProfit != nil {
		q = q.Where("CAST(net_profit_quote AS SIGNED) >= ?", filter.MinProfit.Int64())
	}
	if !filter.From.IsZero() {
		q = q.Where("created_at >= ?", filter.From)
	}
	if !filter.To.IsZero() {
		q = q.Where("created_at <= ?", filter.To)
	}
	var rows []opportunityRecord
	if err := q.Order("created_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	out := make([]*chain.Opportunity, 0, len(rows))
	for _, r := range rows {
		opp, err := toOpportunity(r)
		if err != nil {
			return nil, err
		}
		out = append(out, opp)
	}
	return out, nil
}

// GetOpportunity returns a single record by id, or chain.ErrNotFound.
func (s *Store) GetOpportunity(ctx context.Context, id string) (*chain.Opportunity, error) {
	var rec opportunityRecord
	err := s.db.WithContext(ctx).First(&rec, "id = ?", id).Error
	if err == gorm.ErrRecordNotFound {
		return nil, fmt.Errorf("opportunity %s: %w", id, chain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return toOpportunity(rec)
}

// ListPrices returns recent price_history rows, newest first.
func (s *Store) ListPrices(ctx context.Context, filter store.PriceFilter) ([]store.PriceRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	q := s.db.WithContext(ctx).Model(&priceRecord{})
	if filter.Pair != "" {
		q = q.Where("pair = ?", filter.Pair)
	}
	if filter.Venue != "" {
		q = q.Where("venue = ?", filter.Venue)
	}
	var rows []priceRecord
	if err := q.Order("observed_at DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	out := make([]store.PriceRecord, 0, len(rows))
	for _, r := range rows {
		out = append(out, store.PriceRecord{
			Pair:        r.Pair,
			Venue:       r.Venue,
			Reserve0:    parseBig(r.Reserve0),
			Reserve1:    parseBig(r.Reserve1),
			BlockNumber: r.BlockNumber,
			ObservedAt:  r.ObservedAt,
		})
	}
	return out, nil
}

// Statistics aggregates counts and cumulative profit across all rows.
// Not part of store.Reader (the interface internal/api consumes a
// narrower view through), but exposed for internal/api's /statistics
// handler to call directly against the concrete adapter, same split
// as sqlstore.Store.Statistics.
func (s *Store) Statistics(ctx context.Context) (store.Statistics, error) {
	var stats store.Statistics
	stats.CumulativeNetProfit = big.NewInt(0)

	var kindRows []struct {
		Kind       string
		Status     string
		Count      uint64
		SumProfit  int64
	}
	err := s.db.WithContext(ctx).Model(&opportunityRecord{}).
		Select("kind, status, COUNT(*) as count, COALESCE(SUM(CAST(net_profit_quote AS SIGNED)), 0) as sum_profit").
		Group("kind, status").
		Scan(&kindRows).Error
	if err != nil {
		return stats, fmt.Errorf("statistics by kind: %w", err)
	}
	for _, r := range kindRows {
		switch {
		case r.Status == string(chain.Qualified) && r.Kind == string(chain.TwoLeg):
			stats.QualifiedTwoLeg += r.Count
		case r.Status == string(chain.Qualified) && r.Kind == string(chain.Triangular):
			stats.QualifiedTriangular += r.Count
		case r.Status == string(chain.Rejected):
			stats.RejectedTotal += r.Count
		}
		if r.Status == string(chain.Qualified) {
			stats.CumulativeNetProfit.Add(stats.CumulativeNetProfit, big.NewInt(r.SumProfit))
		}
	}

	var venueRows []struct {
		VenuePath string
		Status    string
		Count     uint64
	}
	err = s.db.WithContext(ctx).Model(&opportunityRecord{}).
		Select("venue_path, status, COUNT(*) as count").
		Where("status IN ?", []string{string(chain.Qualified), string(chain.Rejected)}).
		Group("venue_path, status").
		Scan(&venueRows).Error
	if err != nil {
		return stats, fmt.Errorf("statistics by venue: %w", err)
	}
	byVenue := make(map[string]store.VenueCount)
	for _, r := range venueRows {
		v := byVenue[r.VenuePath]
		v.Venue = r.VenuePath
		if r.Status == string(chain.Qualified) {
			v.Qualified = r.Count
		} else {
			v.Rejected = r.Count
		}
		byVenue[r.VenuePath] = v
	}
	for _, v := range byVenue {
		stats.ByVenue = append(stats.ByVenue, v)
	}
	return stats, nil
}

func toOpportunity(r opportunityRecord) (*chain.Opportunity, error) {
	opp := &chain.Opportunity{
		ID:               r.ID,
		Kind:             chain.OpportunityKind(r.Kind),
		TradeAmountIn:    parseBig(r.TradeAmountIn),
		GrossProfitQuote: parseBig(r.GrossProfitQuote),
		NetProfitQuote:   parseBig(r.NetProfitQuote),
		GasCostQuote:     parseBig(r.GasCostQuote),
		FeeCostQuote:     parseBig(r.FeeCostQuote),
		Margin:           r.Margin,
		Status:           chain.OpportunityStatus(r.Status),
		Reason:           r.Reason,
		BlockNumber:      r.BlockNumber,
		CreatedAt:        r.CreatedAt,
		ExpiresAt:        r.ExpiresAt,
	}
	opp.BlockHash = hexToHash(r.BlockHash)
	if err := json.Unmarshal([]byte(r.LegsJSON), &opp.Legs); err != nil {
		return nil, fmt.Errorf("unmarshal legs for %s: %w", r.ID, err)
	}
	return opp, nil
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseBig(s string) *big.Int {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return big.NewInt(0)
	}
	return v
}
