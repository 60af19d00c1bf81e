package engines

import (
	"context"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/exposure"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/persistence/memory"
)

var unitDate = time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC) // Monday

// seedMarket seeds deterministic daily closes for the window before
// unitDate. Every symbol's daily return is mult times an alternating
// +1%/-1% base series, so regressions recover known slopes exactly.
func seedMarket(store *memory.MarketStore, symbol string, start, mult float64) {
	days := calendar.TradingDays(unitDate.AddDate(0, 0, -120), unitDate)
	price := start
	for i, d := range days {
		if i > 0 {
			base := 0.01
			if i%2 == 0 {
				base = -0.01
			}
			price *= 1 + mult*base
		}
		store.SetClose(symbol, d, price)
	}
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Lookback = config.LookbackConfig{
		BetaDays:        120,
		SpreadDays:      120,
		CorrelationDays: 120,
		VolatilityDays:  120,
	}
	cfg.Factors = []domain.FactorDefinition{
		{Name: "market", ProxySymbol: "SPY", DisplayOrder: 1},
	}
	cfg.SpreadFactors = []domain.SpreadFactorDefinition{
		{Name: "risk_spread", LongSymbol: "SPY", ShortSymbol: "TLT", DisplayOrder: 1},
	}
	cfg.Stress = []config.StressScenario{
		{Name: "2008_financial_crisis", Shocks: map[string]float64{"market": -0.40}},
	}
	return cfg
}

type env struct {
	deps   Deps
	store  *memory.Store
	market *memory.MarketStore
	cache  *exposure.TTLCache
}

func newEnv(t *testing.T) *env {
	t.Helper()

	market := memory.NewMarketStore()
	seedMarket(market, "SPY", 500, 1.0)
	seedMarket(market, "TLT", 90, -0.5)
	seedMarket(market, "AAPL", 200, 2.0)
	seedMarket(market, "MSFT", 400, 1.0)

	store := memory.NewStore()
	cache := exposure.NewTTLCache()
	t.Cleanup(cache.Stop)

	repos := store.Repository()
	cfg := testConfig()

	return &env{
		deps: Deps{
			Market:     market,
			Exposures:  exposure.NewService(cache, time.Hour),
			Portfolios: repos.Portfolios,
			Derived:    repos.Derived,
			Config:     cfg,
		},
		store:  store,
		market: market,
		cache:  cache,
	}
}

func testPortfolio() (domain.Portfolio, []domain.Position) {
	p := domain.Portfolio{ID: 1, Name: "Growth", StartingEquity: 250000}
	positions := []domain.Position{
		{ID: 10, PortfolioID: 1, Symbol: "AAPL", Quantity: 100, Kind: domain.KindPublicEquity, Sector: "technology"},
		{ID: 11, PortfolioID: 1, Symbol: "MSFT", Quantity: -50, Kind: domain.KindPublicEquity},
		{ID: 12, PortfolioID: 1, Symbol: "SPX_CALL", Quantity: 2, Kind: domain.KindOption,
			Expiration: time.Date(2025, 1, 17, 0, 0, 0, 0, time.UTC)},
		{ID: 13, PortfolioID: 1, Symbol: "PRIVCO", Quantity: 1, Kind: domain.KindPrivate},
	}
	return p, positions
}

func runAll(t *testing.T, e *env, st *State) {
	t.Helper()
	ctx := context.Background()
	for _, engine := range Ordered(e.deps) {
		require.NoError(t, engine.Run(ctx, st), "engine %s", engine.Name())
	}
}

func newUnitState(e *env) *State {
	portfolio, positions := testPortfolio()
	e.store.AddPortfolio(portfolio, positions, []domain.EquityEvent{
		{ID: 1, PortfolioID: 1, Date: unitDate, Amount: 10000},
	})
	st := NewState(portfolio, positions, unitDate, calendar.PrevTradingDay(unitDate))
	st.Factors = e.deps.Config.Factors
	st.SpreadFactors = e.deps.Config.SpreadFactors
	return st
}

func TestMarketDataSync_SkipsAndPrices(t *testing.T) {
	e := newEnv(t)
	st := newUnitState(e)

	require.NoError(t, (&MarketDataSync{e.deps}).Run(context.Background(), st))

	assert.Contains(t, st.Skipped, int64(12)) // expired option
	assert.Contains(t, st.Skipped, int64(13)) // no cached price
	assert.Contains(t, st.Prices, "AAPL")
	assert.Contains(t, st.Prices, "MSFT")
	assert.Contains(t, st.PrevPrices, "AAPL")
	assert.Equal(t, "cache", st.PriceSource["AAPL"])
}

func TestFullEnginePass(t *testing.T) {
	e := newEnv(t)
	st := newUnitState(e)
	runAll(t, e, st)

	ctx := context.Background()

	// Valuations: only the two priced equities, absent rows for skips.
	require.Len(t, st.Result.Valuations, 2)
	aaplPrice, err := e.market.Close(ctx, "AAPL", unitDate)
	require.NoError(t, err)
	msftPrice, err := e.market.Close(ctx, "MSFT", unitDate)
	require.NoError(t, err)
	assert.Equal(t, 100*aaplPrice, st.Result.Valuations[0].MarketValue)
	assert.Equal(t, -50*msftPrice, st.Result.Valuations[1].MarketValue)

	// Rollforward: begin from starting equity, day P&L from both-day
	// prices, flows from the dated equity event.
	require.NotNil(t, st.Result.Equity)
	prevDate := calendar.PrevTradingDay(unitDate)
	aaplPrev, err := e.market.Close(ctx, "AAPL", prevDate)
	require.NoError(t, err)
	msftPrev, err := e.market.Close(ctx, "MSFT", prevDate)
	require.NoError(t, err)
	wantPnL := 100*(aaplPrice-aaplPrev) + (-50)*(msftPrice-msftPrev)
	eq := st.Result.Equity
	assert.Equal(t, 250000.0, eq.BeginEquity)
	assert.InDelta(t, wantPnL, eq.PnL, 1e-9)
	assert.Equal(t, 10000.0, eq.Flows)
	assert.InDelta(t, eq.BeginEquity+eq.PnL+eq.Flows, eq.EndEquity, 1e-9)

	// Aggregation.
	require.NotNil(t, st.Exposure)
	assert.InDelta(t, 100*aaplPrice, st.Exposure.Long, 1e-9)
	assert.InDelta(t, 50*msftPrice, st.Exposure.Short, 1e-9)
	assert.InDelta(t, st.Exposure.Long-st.Exposure.Short, st.Exposure.Net, 1e-9)

	// Betas: AAPL moves at 2x SPY, MSFT at 1x; both exact fits.
	betas := make(map[int64]map[persistence.BetaKind]persistence.PositionBeta)
	for _, b := range st.Result.Betas {
		if betas[b.PositionID] == nil {
			betas[b.PositionID] = make(map[persistence.BetaKind]persistence.PositionBeta)
		}
		betas[b.PositionID][b.Kind] = b
	}
	aaplMkt := betas[10][persistence.BetaMarket]
	assert.InDelta(t, 2.0, aaplMkt.Beta, 1e-6)
	assert.True(t, aaplMkt.Significant)
	assert.False(t, aaplMkt.Capped)
	assert.InDelta(t, 1.0, betas[11][persistence.BetaMarket].Beta, 1e-6)
	// TLT moves at -0.5x SPY, so AAPL regressed on TLT gives -4.
	assert.InDelta(t, -4.0, betas[10][persistence.BetaInterestRate].Beta, 1e-6)

	// Portfolio beta is |value|-weighted over signed values.
	aaplVal := 100 * aaplPrice
	msftVal := -50 * msftPrice
	base := math.Abs(aaplVal) + math.Abs(msftVal)
	wantPortBeta := (2.0*aaplVal + 1.0*msftVal) / base
	assert.InDelta(t, wantPortBeta, st.PortfolioMarketBeta, 1e-6)

	// Factor exposures: per-position and portfolio-level rows for both
	// models, ridge betas rescaled to raw units.
	var ridgePortfolio, spreadPortfolio int
	for _, fe := range st.Result.FactorExposures {
		if fe.PositionID != 0 {
			continue
		}
		switch fe.Model {
		case persistence.ModelRidge:
			ridgePortfolio++
		case persistence.ModelSpread:
			spreadPortfolio++
		}
	}
	assert.Equal(t, 1, ridgePortfolio)
	assert.Equal(t, 1, spreadPortfolio)

	// Sectors: technology plus the unclassified bucket for MSFT.
	require.Len(t, st.Result.Sectors, 2)
	assert.Equal(t, "technology", st.Result.Sectors[0].Sector)
	assert.Equal(t, "unclassified", st.Result.Sectors[1].Sector)
	wTech := math.Abs(aaplVal) / base
	wUncl := math.Abs(msftVal) / base
	assert.InDelta(t, wTech*wTech+wUncl*wUncl, st.SectorHHI, 1e-9)

	// Volatility.
	require.NotNil(t, st.Result.Volatility)
	assert.Greater(t, st.Result.Volatility.RealizedWindow, 0.0)
	assert.InDelta(t, st.Result.Volatility.RealizedWindow*math.Sqrt(252),
		st.Result.Volatility.Annualized, 1e-9)

	// Scenarios: six parametric shocks plus one named stress scenario.
	var market, stress int
	for _, s := range st.Result.Scenarios {
		switch s.Kind {
		case persistence.ScenarioMarketRisk:
			market++
			assert.InDelta(t, eq.EndEquity+s.PnLImpact, s.EquityAfter, 1e-9)
		case persistence.ScenarioStress:
			stress++
		}
	}
	assert.Equal(t, 6, market)
	assert.Equal(t, 1, stress)

	// Snapshot assembles the other engines' outputs.
	require.NotNil(t, st.Result.Snapshot)
	assert.Equal(t, eq.EndEquity, st.Result.Snapshot.Equity)
	assert.Equal(t, 2, st.Result.Snapshot.PositionCount)
	assert.InDelta(t, st.PortfolioMarketBeta, st.Result.Snapshot.MarketBeta, 1e-9)

	// Correlations: AAPL and MSFT track the same base series, so one
	// pair at rho 1 and one two-member cluster.
	require.NotNil(t, st.Result.Correlation)
	require.Len(t, st.Result.Correlation.Pairs, 1)
	assert.InDelta(t, 1.0, st.Result.Correlation.Pairs[0].Correlation, 1e-6)
	require.Len(t, st.Result.Correlation.Clusters, 1)
	assert.Len(t, st.Result.Correlation.Members, 2)
}

func TestMarketRiskScenarios_Impact(t *testing.T) {
	e := newEnv(t)
	st := newUnitState(e)
	runAll(t, e, st)

	for _, s := range st.Result.Scenarios {
		if s.Kind != persistence.ScenarioMarketRisk || s.Scenario != "market-20%" {
			continue
		}
		want := st.PortfolioMarketBeta * -0.20 * st.Exposure.Net
		assert.InDelta(t, want, s.PnLImpact, 1e-9)
		return
	}
	t.Fatal("market-20% scenario not found")
}

func TestStressTesting_UsesPortfolioRidgeBetas(t *testing.T) {
	e := newEnv(t)
	st := newUnitState(e)
	runAll(t, e, st)

	var portfolioMarketRidge float64
	for _, fe := range st.Result.FactorExposures {
		if fe.PositionID == 0 && fe.Model == persistence.ModelRidge && fe.Factor == "market" {
			portfolioMarketRidge = fe.Beta
		}
	}
	require.NotZero(t, portfolioMarketRidge)

	for _, s := range st.Result.Scenarios {
		if s.Kind != persistence.ScenarioStress {
			continue
		}
		want := portfolioMarketRidge * -0.40 * st.Exposure.Gross
		assert.InDelta(t, want, s.PnLImpact, 1e-9)
		return
	}
	t.Fatal("stress scenario not found")
}

func TestCorrelation_DeterministicIDs(t *testing.T) {
	e1 := newEnv(t)
	st1 := newUnitState(e1)
	runAll(t, e1, st1)

	e2 := newEnv(t)
	st2 := newUnitState(e2)
	runAll(t, e2, st2)

	require.NotNil(t, st1.Result.Correlation)
	require.NotNil(t, st2.Result.Correlation)
	assert.Equal(t, st1.Result.Correlation.Calculation.ID, st2.Result.Correlation.Calculation.ID)
	require.Len(t, st2.Result.Correlation.Clusters, len(st1.Result.Correlation.Clusters))
	assert.Equal(t, st1.Result.Correlation.Clusters[0].ID, st2.Result.Correlation.Clusters[0].ID)
}

func TestBetaEngines_SkipOnThinHistory(t *testing.T) {
	market := memory.NewMarketStore()
	// Five days is far below the regression's observation floor.
	days := calendar.TradingDays(unitDate.AddDate(0, 0, -7), unitDate)
	for i, d := range days {
		market.SetClose("SPY", d, 500+float64(i))
		market.SetClose("THIN", d, 50+float64(i))
	}

	store := memory.NewStore()
	cache := exposure.NewTTLCache()
	t.Cleanup(cache.Stop)
	repos := store.Repository()

	deps := Deps{
		Market:     market,
		Exposures:  exposure.NewService(cache, time.Hour),
		Portfolios: repos.Portfolios,
		Derived:    repos.Derived,
		Config:     testConfig(),
	}

	portfolio := domain.Portfolio{ID: 2, StartingEquity: 100000}
	positions := []domain.Position{
		{ID: 20, PortfolioID: 2, Symbol: "THIN", Quantity: 10, Kind: domain.KindPublicEquity},
	}
	store.AddPortfolio(portfolio, positions, nil)

	st := NewState(portfolio, positions, unitDate, calendar.PrevTradingDay(unitDate))
	ctx := context.Background()
	require.NoError(t, (&MarketDataSync{deps}).Run(ctx, st))
	require.NoError(t, (&PositionValuation{deps}).Run(ctx, st))
	require.NoError(t, (&MarketBeta{deps}).Run(ctx, st))

	// The beta is unavailable, not an error and not a row.
	assert.Empty(t, st.Result.Betas)
	assert.Zero(t, st.PortfolioMarketBeta)
}

func TestPrevEquity_Fallbacks(t *testing.T) {
	portfolio := domain.Portfolio{ID: 1, StartingEquity: 100000}
	st := NewState(portfolio, nil, unitDate, calendar.PrevTradingDay(unitDate))

	assert.Equal(t, 100000.0, st.PrevEquity())

	st.BaselineEquity = 120000
	assert.Equal(t, 120000.0, st.PrevEquity())

	st.PrevSnapshot = &persistence.Snapshot{Equity: 130000}
	assert.Equal(t, 130000.0, st.PrevEquity())
}
