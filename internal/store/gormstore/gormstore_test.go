package gormstore

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/driver/mysql"
	"gorm.io/gorm"

	"dexarb/internal/chain"
	"dexarb/internal/store"
)

// newMockStore wires a *Store against a sqlmock connection, the same
// convention ChoSanghyuk-blackholedex's transaction_recorder_test.go
// uses to exercise gorm queries without a live MySQL instance.
func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	gormDB, err := gorm.Open(mysql.New(mysql.Config{
		Conn:                      sqlDB,
		SkipInitializeWithVersion: true,
	}), &gorm.Config{})
	if err != nil {
		t.Fatalf("gorm.Open: %v", err)
	}
	return &Store{db: gormDB}, mock
}

func TestInsertOpportunity_ExecutesIdempotentInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `opportunities`.*ON DUPLICATE KEY UPDATE").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	opp := &chain.Opportunity{
		ID:   "TwoLeg:A>B:uniswap>sushiswap:100#1",
		Kind: chain.TwoLeg,
		Legs: []chain.Leg{
			{Venue: "uniswap", TokenIn: common.HexToAddress("0xA"), TokenOut: common.HexToAddress("0xB")},
		},
		TradeAmountIn:    big.NewInt(1_000_000),
		GrossProfitQuote: big.NewInt(59_600_000),
		NetProfitQuote:   big.NewInt(50_000_000),
		GasCostQuote:     big.NewInt(9_600_000),
		FeeCostQuote:     big.NewInt(0),
		Margin:           0.01,
		Status:           chain.Qualified,
		BlockNumber:      100,
		CreatedAt:        time.Now(),
		ExpiresAt:        time.Now().Add(30 * time.Second),
	}

	if err := s.InsertOpportunity(context.Background(), opp); err != nil {
		t.Fatalf("InsertOpportunity: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestInsertPriceSnapshot_ExecutesInsert(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO `price_history`").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := s.InsertPriceSnapshot(context.Background(), priceSnapshotFixture())
	if err != nil {
		t.Fatalf("InsertPriceSnapshot: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func priceSnapshotFixture() store.PriceRecord {
	return store.PriceRecord{
		Pair:        "uniswap:A:B",
		Venue:       "uniswap",
		Reserve0:    big.NewInt(1_000_000),
		Reserve1:    big.NewInt(2_000_000),
		BlockNumber: 42,
		ObservedAt:  time.Now(),
	}
}

func TestBigString(t *testing.T) {
	cases := []struct {
		name  string
		input *big.Int
		want  string
	}{
		{"nil", nil, "0"},
		{"zero", big.NewInt(0), "0"},
		{"positive", big.NewInt(123456789), "123456789"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := bigString(c.input); got != c.want {
				t.Errorf("bigString(%v) = %q, want %q", c.input, got, c.want)
			}
		})
	}
}

func TestStatistics_AggregatesCountsAndProfitByKindAndVenue(t *testing.T) {
	s, mock := newMockStore(t)

	kindRows := sqlmock.NewRows([]string{"kind", "status", "count", "sum_profit"}).
		AddRow("TwoLeg", "Qualified", 3, 150_000_000).
		AddRow("Triangular", "Qualified", 1, 40_000_000).
		AddRow("TwoLeg", "Rejected", 7, 0)
	mock.ExpectQuery("SELECT kind, status").WillReturnRows(kindRows)

	venueRows := sqlmock.NewRows([]string{"venue_path", "status", "count"}).
		AddRow("uniswap>sushiswap", "Qualified", 3).
		AddRow("uniswap>sushiswap", "Rejected", 7).
		AddRow("uniswap>quickswap", "Qualified", 1)
	mock.ExpectQuery("SELECT venue_path, status").WillReturnRows(venueRows)

	stats, err := s.Statistics(context.Background())
	if err != nil {
		t.Fatalf("Statistics: %v", err)
	}
	if stats.QualifiedTwoLeg != 3 {
		t.Errorf("QualifiedTwoLeg = %d, want 3", stats.QualifiedTwoLeg)
	}
	if stats.QualifiedTriangular != 1 {
		t.Errorf("QualifiedTriangular = %d, want 1", stats.QualifiedTriangular)
	}
	if stats.RejectedTotal != 7 {
		t.Errorf("RejectedTotal = %d, want 7", stats.RejectedTotal)
	}
	if stats.CumulativeNetProfit.Cmp(big.NewInt(190_000_000)) != 0 {
		t.Errorf("CumulativeNetProfit = %s, want 190000000", stats.CumulativeNetProfit)
	}
	if len(stats.ByVenue) != 2 {
		t.Fatalf("len(ByVenue) = %d, want 2", len(stats.ByVenue))
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestOpportunityRecord_TableName(t *testing.T) {
	if got := (opportunityRecord{}).TableName(); got != "opportunities" {
		t.Errorf("TableName() = %q, want opportunities", got)
	}
}
