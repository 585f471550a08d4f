package store

import (
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/shopspring/decimal"

	"papertrade/internal/models"
)

// ============================================================
// BarRepository Tests
// ============================================================

func testBar(symbol, tier string) *models.Bar {
	return &models.Bar{
		Symbol: symbol,
		TS:     time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Open:   decimal.RequireFromString("189.5000"),
		High:   decimal.RequireFromString("190.1000"),
		Low:    decimal.RequireFromString("189.2000"),
		Close:  decimal.RequireFromString("190.0000"),
		Volume: decimal.NewFromInt(120000),
		Tier:   tier,
	}
}

func TestBarRepositoryUpsert(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewBarRepository(db)
	bar := testBar("AAPL", models.TierLive)

	mock.ExpectExec(`INSERT INTO bars`).
		WithArgs(bar.Symbol, bar.TS, bar.Open, bar.High, bar.Low, bar.Close, bar.Volume, bar.Tier).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.Upsert(bar); err != nil {
		t.Errorf("unexpected error: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func barRows(bars ...*models.Bar) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{"symbol", "ts", "open", "high", "low", "close", "volume", "tier"})
	for _, b := range bars {
		rows.AddRow(b.Symbol, b.TS, b.Open, b.High, b.Low, b.Close, b.Volume, b.Tier)
	}
	return rows
}

func TestBarRepositoryLoadForBacktest(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewBarRepository(db)
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT symbol, ts, open, high, low, close, volume, tier`).
		WithArgs("AAPL", from, to).
		WillReturnRows(barRows(testBar("AAPL", models.TierLive), testBar("AAPL", models.TierHistoric)))

	bars, err := repo.LoadForBacktest("AAPL", from, to)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 2 {
		t.Errorf("expected 2 bars, got %d", len(bars))
	}
}

// Universe-tier строки в диапазоне бэктеста - ошибка загрузки,
// а не молчаливый фильтр
func TestBarRepositoryLoadForBacktest_RejectsUniverseTier(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewBarRepository(db)
	from := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 6, 3, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT symbol, ts, open, high, low, close, volume, tier`).
		WithArgs("AAPL", from, to).
		WillReturnRows(barRows(
			testBar("AAPL", models.TierHistoric),
			testBar("AAPL", models.TierUniverse),
		))

	bars, err := repo.LoadForBacktest("AAPL", from, to)
	if !errors.Is(err, ErrUniverseTierInBacktest) {
		t.Fatalf("expected ErrUniverseTierInBacktest, got %v", err)
	}
	if bars != nil {
		t.Errorf("bars must be nil on rejection")
	}
}

func TestBarRepositoryGetRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	repo := NewBarRepository(db)

	mock.ExpectQuery(`SELECT symbol, ts, open, high, low, close, volume, tier`).
		WithArgs("SPY", 10).
		WillReturnRows(barRows(testBar("SPY", models.TierLive)))

	bars, err := repo.GetRecent("SPY", 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(bars) != 1 || bars[0].Symbol != "SPY" {
		t.Errorf("unexpected result: %+v", bars)
	}
}
