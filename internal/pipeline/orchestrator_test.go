package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/engines"
	"github.com/quantfolio/quantfolio/internal/exposure"
	"github.com/quantfolio/quantfolio/internal/metrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/persistence/memory"
)

type fixture struct {
	orch    *Orchestrator
	tracker *Tracker
	store   *memory.Store
	market  *memory.MarketStore
	dates   []time.Time
}

// newFixture seeds one portfolio holding 10 AAPL over three weeks of
// trading days with the stock climbing a dollar a day.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	from := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	to := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
	dates := calendar.TradingDays(from, to)
	require.Len(t, dates, 15)

	market := memory.NewMarketStore()
	for i, d := range dates {
		market.SetClose("AAPL", d, 100+float64(i))
	}
	// Seed the day before the range so the first unit has a prior price.
	market.SetClose("AAPL", calendar.PrevTradingDay(from), 99)

	store := memory.NewStore()
	store.AddPortfolio(
		domain.Portfolio{ID: 1, Name: "Core", StartingEquity: 250000},
		[]domain.Position{{ID: 10, PortfolioID: 1, Symbol: "AAPL", Quantity: 10, Kind: domain.KindPublicEquity}},
		nil,
	)

	cache := exposure.NewTTLCache()
	t.Cleanup(cache.Stop)

	cfg := config.Default()
	repos := store.Repository()
	deps := engines.Deps{
		Market:     market,
		Exposures:  exposure.NewService(cache, time.Hour),
		Portfolios: repos.Portfolios,
		Derived:    repos.Derived,
		Config:     cfg,
	}

	tracker := NewTracker()
	orch := NewOrchestrator(deps, repos, tracker, metrics.NewRegistry())

	return &fixture{orch: orch, tracker: tracker, store: store, market: market, dates: dates}
}

func TestRunDates_ChainsRollforward(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	portfolio, err := f.store.Repository().Portfolios.Get(ctx, 1)
	require.NoError(t, err)

	summary := f.orch.RunDates(ctx, *portfolio, f.dates, portfolio.StartingEquity, nil)
	assert.Equal(t, 15, summary.Succeeded)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, 15, f.store.UnitCount(1))

	// Each day adds $10 of P&L (10 shares, +$1). The chain begins at
	// starting equity plus the first day's move off the seeded prior
	// close.
	prev := 250000.0 + 10.0
	for i, d := range f.dates {
		unit, ok := f.store.Unit(1, d)
		require.True(t, ok, "unit for %s", d.Format("2006-01-02"))
		require.NotNil(t, unit.Snapshot)
		assert.InDelta(t, prev, unit.Snapshot.Equity, 1e-9, "day %d", i)
		prev += 10.0
	}
}

func TestRunDates_DryRunCommitsNothing(t *testing.T) {
	f := newFixture(t)
	f.orch.DryRun = true
	ctx := context.Background()

	portfolio, err := f.store.Repository().Portfolios.Get(ctx, 1)
	require.NoError(t, err)

	summary := f.orch.RunDates(ctx, *portfolio, f.dates, portfolio.StartingEquity, nil)
	assert.Equal(t, 15, summary.Succeeded)
	assert.Zero(t, f.store.UnitCount(1))
}

func TestRunBatch_SingleDate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	portfolio, err := f.store.Repository().Portfolios.Get(ctx, 1)
	require.NoError(t, err)

	date := f.dates[len(f.dates)-1]
	summaries, err := f.orch.RunBatch(ctx, []domain.Portfolio{*portfolio}, date, false)
	require.NoError(t, err)
	require.Len(t, summaries, 1)
	assert.Equal(t, 1, summaries[0].Succeeded)

	run, ok := f.tracker.Status(1)
	require.True(t, ok)
	assert.Equal(t, persistence.RunCompleted, run.Status)

	// The run record was persisted.
	rec, err := f.store.Repository().Runs.Latest(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, persistence.RunCompleted, rec.Status)
}

func TestRunBatch_BusyPortfolioRejectsWholeBatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.store.AddPortfolio(
		domain.Portfolio{ID: 2, Name: "Hedge", StartingEquity: 100000},
		[]domain.Position{{ID: 20, PortfolioID: 2, Symbol: "AAPL", Quantity: 5, Kind: domain.KindPublicEquity}},
		nil,
	)
	portfolios, err := f.store.Repository().Portfolios.List(ctx)
	require.NoError(t, err)
	require.Len(t, portfolios, 2)

	_, err = f.tracker.TryStart(2, 1, false)
	require.NoError(t, err)

	// Portfolio 2 is busy: nothing may launch, not even the idle one.
	summaries, err := f.orch.RunBatch(ctx, portfolios, f.dates[0], false)
	assert.ErrorIs(t, err, ErrRunActive)
	assert.Nil(t, summaries)
	assert.Zero(t, f.store.UnitCount(1))
	_, ok := f.tracker.Status(1)
	assert.False(t, ok)

	// Force launches both and reports both summaries.
	summaries, err = f.orch.RunBatch(ctx, portfolios, f.dates[0], true)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	assert.Equal(t, 1, summaries[0].Succeeded)
	assert.Equal(t, 1, summaries[1].Succeeded)
	assert.Equal(t, 1, f.store.UnitCount(1))
	assert.Equal(t, 1, f.store.UnitCount(2))
}

func TestRunBatch_RejectsActiveRun(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	portfolio, err := f.store.Repository().Portfolios.Get(ctx, 1)
	require.NoError(t, err)

	_, err = f.tracker.TryStart(1, 1, false)
	require.NoError(t, err)

	_, err = f.orch.RunBatch(ctx, []domain.Portfolio{*portfolio}, f.dates[0], false)
	assert.ErrorIs(t, err, ErrRunActive)

	// Force goes through.
	summaries, err := f.orch.RunBatch(ctx, []domain.Portfolio{*portfolio}, f.dates[0], true)
	require.NoError(t, err)
	assert.Equal(t, 1, summaries[0].Succeeded)
}

func TestRunDates_FactorDefinitionsFromStore(t *testing.T) {
	date := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)
	history := calendar.TradingDays(time.Date(2024, 12, 2, 0, 0, 0, 0, time.UTC), date)

	// Alternating moves give the ridge fit plenty of variance.
	market := memory.NewMarketStore()
	price := 100.0
	for i, d := range history {
		market.SetClose("AAPL", d, price)
		if i%2 == 0 {
			price *= 1.01
		} else {
			price *= 0.99
		}
	}

	store := memory.NewStore()
	store.AddPortfolio(
		domain.Portfolio{ID: 1, Name: "Core", StartingEquity: 250000},
		[]domain.Position{{ID: 10, PortfolioID: 1, Symbol: "AAPL", Quantity: 10, Kind: domain.KindPublicEquity}},
		nil,
	)
	// The stored definitions differ from the configured defaults: the
	// proxy below has history, the defaults' proxies have none.
	store.SetFactors([]domain.FactorDefinition{
		{Name: "market", ProxySymbol: "AAPL", DisplayOrder: 1},
	}, nil)

	cache := exposure.NewTTLCache()
	t.Cleanup(cache.Stop)

	repos := store.Repository()
	deps := engines.Deps{
		Market:     market,
		Exposures:  exposure.NewService(cache, time.Hour),
		Portfolios: repos.Portfolios,
		Derived:    repos.Derived,
		Config:     config.Default(),
	}
	orch := NewOrchestrator(deps, repos, NewTracker(), metrics.NewRegistry())

	ctx := context.Background()
	portfolio, err := repos.Portfolios.Get(ctx, 1)
	require.NoError(t, err)

	summary := orch.RunDates(ctx, *portfolio, []time.Time{date}, portfolio.StartingEquity, nil)
	require.Equal(t, 1, summary.Succeeded)

	unit, ok := store.Unit(1, date)
	require.True(t, ok)

	// Ridge rows exist only because the stored definitions were used.
	var position, total *persistence.FactorExposure
	for i := range unit.FactorExposures {
		row := &unit.FactorExposures[i]
		if row.Model != persistence.ModelRidge || row.Factor != "market" {
			continue
		}
		if row.PositionID == 10 {
			position = row
		}
		if row.PositionID == 0 {
			total = row
		}
	}
	require.NotNil(t, position)
	require.NotNil(t, total)
	assert.InDelta(t, 1.0, position.Beta, 0.05)
	assert.InDelta(t, 1.0, total.Beta, 0.05)
}

func TestSummary_String(t *testing.T) {
	s := Summary{PortfolioID: 3, Succeeded: 45, Failed: 0}
	assert.Equal(t, "portfolio 3: 45/45 successful", s.String())
}
