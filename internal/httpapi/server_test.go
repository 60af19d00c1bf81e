package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
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
	"github.com/quantfolio/quantfolio/internal/pipeline"
)

type fixture struct {
	server  *Server
	tracker *pipeline.Tracker
	store   *memory.Store
	date    time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	date := time.Date(2025, 3, 21, 0, 0, 0, 0, time.UTC)

	market := memory.NewMarketStore()
	market.SetClose("AAPL", calendar.PrevTradingDay(date), 99)
	market.SetClose("AAPL", date, 100)

	store := memory.NewStore()
	store.AddPortfolio(
		domain.Portfolio{ID: 1, Name: "Core", StartingEquity: 250000},
		[]domain.Position{{ID: 10, PortfolioID: 1, Symbol: "AAPL", Quantity: 10, Kind: domain.KindPublicEquity}},
		nil,
	)

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

	tracker := pipeline.NewTracker()
	reg := metrics.NewRegistry()
	orch := pipeline.NewOrchestrator(deps, repos, tracker, reg)
	server := NewServer(":0", orch, tracker, repos, reg)

	return &fixture{server: server, tracker: tracker, store: store, date: date}
}

func (f *fixture) do(t *testing.T, method, target string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	return v
}

func TestBatchRun_Triggers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batch/run?date=2025-03-21&portfolio=1")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[batchRunResponse](t, rec)
	assert.Equal(t, "2025-03-21", resp.Date)
	assert.Equal(t, []int64{1}, resp.Portfolios)
	require.Len(t, resp.Summaries, 1)
	assert.Equal(t, 1, resp.Summaries[0].Succeeded)
	assert.Equal(t, 1, f.store.UnitCount(1))
}

func TestBatchRun_InvalidDate(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batch/run?date=21-03-2025")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestBatchRun_UnknownPortfolio(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/api/v1/batch/run?date=2025-03-21&portfolio=99")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBatchRun_ConflictWhenBusy(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.TryStart(1, 1, false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/v1/batch/run?date=2025-03-21&portfolio=1")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/v1/batch/run?date=2025-03-21&portfolio=1&force=true")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchStatus_LiveRun(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.TryStart(1, 4, false)
	require.NoError(t, err)
	f.tracker.Progress(1, 2)
	f.tracker.SetStage(1, "market_beta")

	rec := f.do(t, http.MethodGet, "/api/v1/batch/status/1")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[batchStatusResponse](t, rec)
	assert.Equal(t, "running", resp.Status)
	assert.Equal(t, "market_beta", resp.Stage)
	assert.Equal(t, 4, resp.JobCount)
	assert.Equal(t, 50.0, resp.PercentComplete)
	assert.Nil(t, resp.FinishedAt)
}

func TestBatchStatus_FallsBackToPersisted(t *testing.T) {
	f := newFixture(t)

	finished := time.Date(2025, 3, 21, 6, 5, 0, 0, time.UTC)
	started := finished.Add(-5 * time.Minute)
	require.NoError(t, f.store.Repository().Runs.Upsert(context.Background(), persistence.BatchRun{
		ID:          uuid.New(),
		PortfolioID: 1,
		Status:      persistence.RunFailed,
		StartedAt:   started,
		FinishedAt:  &finished,
		JobIndex:    2,
		JobCount:    10,
		Error:       "3 failed units",
	}))

	rec := f.do(t, http.MethodGet, "/api/v1/batch/status/1")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[batchStatusResponse](t, rec)
	assert.Equal(t, "failed", resp.Status)
	assert.Equal(t, "3 failed units", resp.Error)
	assert.Equal(t, 20.0, resp.PercentComplete)
	assert.Equal(t, 300.0, resp.ElapsedSeconds)
}

func TestBatchStatus_NotStarted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/api/v1/batch/status/8")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[batchStatusResponse](t, rec)
	assert.Equal(t, "not_started", resp.Status)
}

func TestHealth(t *testing.T) {
	f := newFixture(t)

	_, err := f.tracker.TryStart(1, 1, false)
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decode[map[string]any](t, rec)
	assert.Equal(t, "ok", resp["status"])
	assert.Equal(t, 1.0, resp["active_runs"])
}
