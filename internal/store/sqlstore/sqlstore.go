// Package sqlstore is the single-process durable-sink adapter: a
// pure-Go SQLite database holding the opportunities and price_history
// logical tables (spec.md §6). Structured after the teacher's
// internal/db/db.go — same schema_version-gated migration ladder, same
// modernc.org/sqlite driver and busy_timeout/WAL pragmas, same
// ensureTableColumn-style additive migrations — generalized from EVE
// market-flip tables to arbitrage opportunity rows.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"dexarb/internal/chain"
	"dexarb/internal/logger"
	"dexarb/internal/store"

	_ "modernc.org/sqlite"
)

const logTag = "SQLSTORE"

// Store wraps a SQLite database connection and satisfies
// dexarb/internal/store.Store.
type Store struct {
	db *sql.DB
}

// defaultPath mirrors the teacher's dbPath(): prefer the working
// directory so the file is stable across `go run`/`go build`, falling
// back to the executable's directory for deployed binaries.
func defaultPath() string {
	if wd, err := os.Getwd(); err == nil {
		return filepath.Join(wd, "dexarb.db")
	}
	exe, _ := os.Executable()
	return filepath.Join(filepath.Dir(exe), "dexarb.db")
}

// Open opens (or creates) path and runs migrations. path=="" uses
// defaultPath().
func Open(path string) (*Store, error) {
	if path == "" {
		path = defaultPath()
	}
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	s := &Store{db: sqlDB}
	if err := s.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate db: %w", err)
	}
	logger.Success(logTag, fmt.Sprintf("Opened %s", path))
	return s, nil
}

// Close closes the underlying connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	version := 0
	s.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)

	if version < 1 {
		_, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (version INTEGER PRIMARY KEY);

			CREATE TABLE IF NOT EXISTS opportunities (
				id                  TEXT PRIMARY KEY,
				kind                TEXT NOT NULL,
				pair_path           TEXT NOT NULL,
				venue_path          TEXT NOT NULL,
				legs_json           TEXT NOT NULL,
				trade_amount_in     TEXT NOT NULL DEFAULT '0',
				gross_profit_quote  TEXT NOT NULL DEFAULT '0',
				net_profit_quote    TEXT NOT NULL DEFAULT '0',
				gas_cost_quote      TEXT NOT NULL DEFAULT '0',
				fee_cost_quote      TEXT NOT NULL DEFAULT '0',
				margin              REAL NOT NULL DEFAULT 0,
				status              TEXT NOT NULL,
				reason              TEXT NOT NULL DEFAULT '',
				block_number        INTEGER NOT NULL,
				block_hash          TEXT NOT NULL DEFAULT '',
				created_at          TEXT NOT NULL,
				expires_at          TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_opportunities_created ON opportunities(created_at DESC);
			CREATE INDEX IF NOT EXISTS idx_opportunities_kind ON opportunities(kind);
			CREATE INDEX IF NOT EXISTS idx_opportunities_status ON opportunities(status);

			CREATE TABLE IF NOT EXISTS price_history (
				id           INTEGER PRIMARY KEY AUTOINCREMENT,
				pair         TEXT NOT NULL,
				venue        TEXT NOT NULL,
				reserve0     TEXT NOT NULL,
				reserve1     TEXT NOT NULL,
				block_number INTEGER NOT NULL,
				observed_at  TEXT NOT NULL
			);
			CREATE INDEX IF NOT EXISTS idx_price_history_pair_venue ON price_history(pair, venue, observed_at DESC);

			INSERT OR IGNORE INTO schema_version (version) VALUES (1);
		`)
		if err != nil {
			return fmt.Errorf("migration v1: %w", err)
		}
		logger.Info(logTag, "Applied migration v1")
	}

	return nil
}

// InsertOpportunity writes opp, or silently no-ops if an opportunity
// with the same id is already present — the idempotence guarantee
// spec.md §6 requires for repeated inserts.
func (s *Store) InsertOpportunity(ctx context.Context, opp *chain.Opportunity) error {
	legsJSON, err := json.Marshal(opp.Legs)
	if err != nil {
		return fmt.Errorf("marshal legs: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO opportunities (
			id, kind, pair_path, venue_path, legs_json, trade_amount_in,
			gross_profit_quote, net_profit_quote, gas_cost_quote, fee_cost_quote,
			margin, status, reason, block_number, block_hash, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		opp.ID, string(opp.Kind), opp.PairPath(), opp.VenuePath(), string(legsJSON),
		bigString(opp.TradeAmountIn), bigString(opp.GrossProfitQuote), bigString(opp.NetProfitQuote),
		bigString(opp.GasCostQuote), bigString(opp.FeeCostQuote),
		opp.Margin, string(opp.Status), opp.Reason,
		opp.BlockNumber, opp.BlockHash.Hex(),
		opp.CreatedAt.UTC().Format(time.RFC3339Nano), opp.ExpiresAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert opportunity %s: %w", opp.ID, err)
	}
	return nil
}

// InsertPriceSnapshot appends one price_history row.
func (s *Store) InsertPriceSnapshot(ctx context.Context, rec store.PriceRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO price_history (pair, venue, reserve0, reserve1, block_number, observed_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, rec.Pair, rec.Venue, bigString(rec.Reserve0), bigString(rec.Reserve1), rec.BlockNumber,
		rec.ObservedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert price snapshot: %w", err)
	}
	return nil
}

// ListOpportunities returns newest-first records matching filter.
func (s *Store) ListOpportunities(ctx context.Context, filter store.OpportunityFilter) ([]*chain.Opportunity, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var clauses []string
	var args []any
	if filter.Kind != "" {
		clauses = append(clauses, "kind = ?")
		args = append(args, string(filter.Kind))
	}
	if filter.MinProfit != nil {
		clauses = append(clauses, "CAST(net_profit_quote AS INTEGER) >= ?")
		args = append(args, filter.MinProfit.Int64())
	}
	if !filter.From.IsZero() {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, filter.From.UTC().Format(time.RFC3339Nano))
	}
	if !filter.To.IsZero() {
		clauses = append(clauses, "created_at <= ?")
		args = append(args, filter.To.UTC().Format(time.RFC3339Nano))
	}
	query := "SELECT " + selectColumns + " FROM opportunities"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list opportunities: %w", err)
	}
	defer rows.Close()

	var out []*chain.Opportunity
	for rows.Next() {
		opp, err := scanOpportunity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, opp)
	}
	return out, rows.Err()
}

// GetOpportunity returns a single record by id, or chain.ErrNotFound.
func (s *Store) GetOpportunity(ctx context.Context, id string) (*chain.Opportunity, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+selectColumns+" FROM opportunities WHERE id = ?", id)
	opp, err := scanOpportunity(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("opportunity %s: %w", id, chain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get opportunity %s: %w", id, err)
	}
	return opp, nil
}

// ListPrices returns recent price_history rows, newest first.
func (s *Store) ListPrices(ctx context.Context, filter store.PriceFilter) ([]store.PriceRecord, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = store.DefaultListLimit
	}
	var clauses []string
	var args []any
	if filter.Pair != "" {
		clauses = append(clauses, "pair = ?")
		args = append(args, filter.Pair)
	}
	if filter.Venue != "" {
		clauses = append(clauses, "venue = ?")
		args = append(args, filter.Venue)
	}
	query := "SELECT pair, venue, reserve0, reserve1, block_number, observed_at FROM price_history"
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}
	query += " ORDER BY observed_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prices: %w", err)
	}
	defer rows.Close()

	var out []store.PriceRecord
	for rows.Next() {
		var rec store.PriceRecord
		var reserve0, reserve1, observedAt string
		if err := rows.Scan(&rec.Pair, &rec.Venue, &reserve0, &reserve1, &rec.BlockNumber, &observedAt); err != nil {
			return nil, fmt.Errorf("scan price row: %w", err)
		}
		rec.Reserve0 = parseBig(reserve0)
		rec.Reserve1 = parseBig(reserve1)
		rec.ObservedAt, _ = time.Parse(time.RFC3339Nano, observedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Statistics aggregates counts and cumulative profit across all rows.
// Not part of store.Reader (the interface internal/api consumes a
// narrower view through), but exposed for internal/api's /statistics
// handler to call directly against the concrete adapter.
func (s *Store) Statistics(ctx context.Context) (store.Statistics, error) {
	var stats store.Statistics
	stats.CumulativeNetProfit = big.NewInt(0)

	rows, err := s.db.QueryContext(ctx, `
		SELECT kind, status, COUNT(*), COALESCE(SUM(CAST(net_profit_quote AS INTEGER)), 0)
		FROM opportunities GROUP BY kind, status
	`)
	if err != nil {
		return stats, fmt.Errorf("statistics by kind: %w", err)
	}
	for rows.Next() {
		var kind, status string
		var count uint64
		var sumProfit int64
		if err := rows.Scan(&kind, &status, &count, &sumProfit); err != nil {
			rows.Close()
			return stats, fmt.Errorf("scan statistics row: %w", err)
		}
		switch {
		case status == string(chain.Qualified) && kind == string(chain.TwoLeg):
			stats.QualifiedTwoLeg += count
		case status == string(chain.Qualified) && kind == string(chain.Triangular):
			stats.QualifiedTriangular += count
		case status == string(chain.Rejected):
			stats.RejectedTotal += count
		}
		if status == string(chain.Qualified) {
			stats.CumulativeNetProfit.Add(stats.CumulativeNetProfit, big.NewInt(sumProfit))
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, err
	}

	venueRows, err := s.db.QueryContext(ctx, `
		SELECT venue_path, status, COUNT(*) FROM opportunities
		WHERE status IN (?, ?) GROUP BY venue_path, status
	`, string(chain.Qualified), string(chain.Rejected))
	if err != nil {
		return stats, fmt.Errorf("statistics by venue: %w", err)
	}
	defer venueRows.Close()
	byVenue := make(map[string]store.VenueCount)
	for venueRows.Next() {
		var venue, status string
		var count uint64
		if err := venueRows.Scan(&venue, &status, &count); err != nil {
			return stats, fmt.Errorf("scan venue statistics row: %w", err)
		}
		v := byVenue[venue]
		v.Venue = venue
		if status == string(chain.Qualified) {
			v.Qualified = count
		} else {
			v.Rejected = count
		}
		byVenue[venue] = v
	}
	for _, v := range byVenue {
		stats.ByVenue = append(stats.ByVenue, v)
	}
	return stats, venueRows.Err()
}

const selectColumns = `id, kind, legs_json, trade_amount_in, gross_profit_quote, net_profit_quote,
	gas_cost_quote, fee_cost_quote, margin, status, reason, block_number, block_hash, created_at, expires_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanOpportunity(row scanner) (*chain.Opportunity, error) {
	var opp chain.Opportunity
	var kind, legsJSON, tradeAmountIn, grossProfit, netProfit, gasCost, feeCost string
	var status, blockHash, createdAt, expiresAt string
	if err := row.Scan(&opp.ID, &kind, &legsJSON, &tradeAmountIn, &grossProfit, &netProfit,
		&gasCost, &feeCost, &opp.Margin, &status, &opp.Reason, &opp.BlockNumber, &blockHash,
		&createdAt, &expiresAt); err != nil {
		return nil, err
	}
	opp.Kind = chain.OpportunityKind(kind)
	opp.Status = chain.OpportunityStatus(status)
	opp.TradeAmountIn = parseBig(tradeAmountIn)
	opp.GrossProfitQuote = parseBig(grossProfit)
	opp.NetProfitQuote = parseBig(netProfit)
	opp.GasCostQuote = parseBig(gasCost)
	opp.FeeCostQuote = parseBig(feeCost)
	opp.BlockHash = common.HexToHash(blockHash)
	opp.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	opp.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	if err := json.Unmarshal([]byte(legsJSON), &opp.Legs); err != nil {
		return nil, fmt.Errorf("unmarshal legs for %s: %w", opp.ID, err)
	}
	return &opp, nil
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
