package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

func newMockRepo(t *testing.T) (persistence.DerivedRepo, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewDerivedRepo(sqlx.NewDb(db, "sqlmock"), 5*time.Second), mock
}

// deleteOrder is the required child-to-parent table order. Foreign keys
// point child to parent, so any reordering would fail at the database.
var deleteOrder = []string{
	"cluster_positions",
	"correlation_clusters",
	"pairwise_correlations",
	"correlation_calculations",
	"scenario_impacts",
	"volatility",
	"sector_weights",
	"factor_exposures",
	"position_betas",
	"position_valuations",
	"equity_points",
	"exposures",
	"portfolio_snapshots",
}

func TestDeleteRange_ChildToParentOrder(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	for _, table := range deleteOrder {
		mock.ExpectExec("DELETE FROM " + table).
			WithArgs(int64(7), from, to).
			WillReturnResult(sqlmock.NewResult(0, 3))
	}
	mock.ExpectCommit()

	err := repo.DeleteRange(context.Background(), 7, persistence.DateRange{From: from, To: to})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteRange_RollsBackOnFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)

	mock.ExpectBegin()
	for _, table := range deleteOrder[:4] {
		mock.ExpectExec("DELETE FROM " + table).
			WithArgs(int64(7), from, to).
			WillReturnResult(sqlmock.NewResult(0, 0))
	}
	mock.ExpectExec("DELETE FROM scenario_impacts").
		WithArgs(int64(7), from, to).
		WillReturnError(errors.New("deadlock detected"))
	mock.ExpectRollback()

	err := repo.DeleteRange(context.Background(), 7, persistence.DateRange{From: from, To: to})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to delete derived rows")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitUnit_SingleTransaction(t *testing.T) {
	repo, mock := newMockRepo(t)

	date := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
	unit := persistence.UnitResult{
		PortfolioID: 7,
		Date:        date,
		Valuations: []persistence.PositionValuation{
			{PositionID: 10, PortfolioID: 7, Date: date, Price: 100, MarketValue: 1000, PriceSource: "cache"},
		},
		Snapshot: &persistence.Snapshot{PortfolioID: 7, Date: date, Equity: 251000},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO position_valuations").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO portfolio_snapshots").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.CommitUnit(context.Background(), unit))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCommitUnit_RollsBackOnInsertFailure(t *testing.T) {
	repo, mock := newMockRepo(t)

	date := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
	unit := persistence.UnitResult{
		PortfolioID: 7,
		Date:        date,
		Valuations: []persistence.PositionValuation{
			{PositionID: 10, PortfolioID: 7, Date: date, Price: 100, MarketValue: 1000, PriceSource: "cache"},
		},
		Snapshot: &persistence.Snapshot{PortfolioID: 7, Date: date, Equity: 251000},
	}

	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO position_valuations").
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err := repo.CommitUnit(context.Background(), unit)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "position valuation")
	require.NoError(t, mock.ExpectationsWereMet())
}
