// Package memory holds in-memory implementations of the persistence
// interfaces and the market data store. They back the engine and
// pipeline tests and mirror the Postgres upsert/delete semantics.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Store is one shared in-memory backing for all four repositories.
type Store struct {
	mu sync.RWMutex

	portfolios map[int64]domain.Portfolio
	positions  map[int64][]domain.Position
	events     map[int64][]domain.EquityEvent
	baselines  map[int64]float64

	factors []domain.FactorDefinition
	spreads []domain.SpreadFactorDefinition

	units map[unitKey]persistence.UnitResult
	runs  map[uuid.UUID]persistence.BatchRun
}

type unitKey struct {
	portfolioID int64
	date        time.Time
}

// NewStore returns an empty in-memory store.
func NewStore() *Store {
	return &Store{
		portfolios: make(map[int64]domain.Portfolio),
		positions:  make(map[int64][]domain.Position),
		events:     make(map[int64][]domain.EquityEvent),
		baselines:  make(map[int64]float64),
		units:      make(map[unitKey]persistence.UnitResult),
		runs:       make(map[uuid.UUID]persistence.BatchRun),
	}
}

// Repository returns the persistence interfaces backed by this store.
func (s *Store) Repository() persistence.Repository {
	return persistence.Repository{
		Portfolios: (*portfolioRepo)(s),
		Factors:    (*factorRepo)(s),
		Derived:    (*derivedRepo)(s),
		Runs:       (*runRepo)(s),
	}
}

// AddPortfolio registers a portfolio with its positions and events.
func (s *Store) AddPortfolio(p domain.Portfolio, positions []domain.Position, events []domain.EquityEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.portfolios[p.ID] = p
	s.positions[p.ID] = positions
	s.events[p.ID] = events
}

// SetFactors installs the factor reference data.
func (s *Store) SetFactors(factors []domain.FactorDefinition, spreads []domain.SpreadFactorDefinition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.factors = factors
	s.spreads = spreads
}

// Baseline returns the current rollforward baseline for a portfolio.
func (s *Store) Baseline(portfolioID int64) (float64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.baselines[portfolioID]
	return b, ok
}

// Unit returns the committed unit for (portfolio, date).
func (s *Store) Unit(portfolioID int64, date time.Time) (persistence.UnitResult, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[unitKey{portfolioID, domain.Day(date)}]
	return u, ok
}

// UnitCount returns the number of committed units for a portfolio.
func (s *Store) UnitCount(portfolioID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for k := range s.units {
		if k.portfolioID == portfolioID {
			n++
		}
	}
	return n
}

type portfolioRepo Store

func (r *portfolioRepo) List(ctx context.Context) ([]domain.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Portfolio, 0, len(r.portfolios))
	for _, p := range r.portfolios {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *portfolioRepo) Get(ctx context.Context, id int64) (*domain.Portfolio, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.portfolios[id]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (r *portfolioRepo) Positions(ctx context.Context, portfolioID int64) ([]domain.Position, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.Position(nil), r.positions[portfolioID]...), nil
}

func (r *portfolioRepo) EquityEvents(ctx context.Context, portfolioID int64, dr persistence.DateRange) ([]domain.EquityEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.EquityEvent
	for _, e := range r.events[portfolioID] {
		if dr.Contains(e.Date) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (r *portfolioRepo) SetBaselineEquity(ctx context.Context, portfolioID int64, equity float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.baselines[portfolioID] = equity
	return nil
}

func (r *portfolioRepo) BaselineEquity(ctx context.Context, portfolioID int64) (*float64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	equity, ok := r.baselines[portfolioID]
	if !ok {
		return nil, nil
	}
	return &equity, nil
}

type factorRepo Store

func (r *factorRepo) Factors(ctx context.Context) ([]domain.FactorDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.FactorDefinition(nil), r.factors...), nil
}

func (r *factorRepo) SpreadFactors(ctx context.Context) ([]domain.SpreadFactorDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]domain.SpreadFactorDefinition(nil), r.spreads...), nil
}

type derivedRepo Store

func (r *derivedRepo) CommitUnit(ctx context.Context, unit persistence.UnitResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.units[unitKey{unit.PortfolioID, domain.Day(unit.Date)}] = unit
	return nil
}

func (r *derivedRepo) DeleteRange(ctx context.Context, portfolioID int64, dr persistence.DateRange) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.units {
		if k.portfolioID == portfolioID && dr.Contains(k.date) {
			delete(r.units, k)
		}
	}
	return nil
}

func (r *derivedRepo) GetSnapshot(ctx context.Context, portfolioID int64, date time.Time) (*persistence.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[unitKey{portfolioID, domain.Day(date)}]
	if !ok || u.Snapshot == nil {
		return nil, nil
	}
	snap := *u.Snapshot
	return &snap, nil
}

func (r *derivedRepo) Snapshots(ctx context.Context, portfolioID int64, dr persistence.DateRange) ([]persistence.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []persistence.Snapshot
	for k, u := range r.units {
		if k.portfolioID == portfolioID && dr.Contains(k.date) && u.Snapshot != nil {
			out = append(out, *u.Snapshot)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (r *derivedRepo) FactorExposures(ctx context.Context, portfolioID int64, date time.Time) ([]persistence.FactorExposure, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.units[unitKey{portfolioID, domain.Day(date)}]
	if !ok {
		return nil, nil
	}
	var out []persistence.FactorExposure
	for _, f := range u.FactorExposures {
		if f.PositionID == 0 {
			out = append(out, f)
		}
	}
	return out, nil
}

type runRepo Store

func (r *runRepo) Upsert(ctx context.Context, run persistence.BatchRun) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs[run.ID] = run
	return nil
}

func (r *runRepo) Get(ctx context.Context, id uuid.UUID) (*persistence.BatchRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	run, ok := r.runs[id]
	if !ok {
		return nil, nil
	}
	return &run, nil
}

func (r *runRepo) Latest(ctx context.Context, portfolioID int64) (*persistence.BatchRun, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var latest *persistence.BatchRun
	for id := range r.runs {
		run := r.runs[id]
		if run.PortfolioID != portfolioID {
			continue
		}
		if latest == nil || run.StartedAt.After(latest.StartedAt) {
			latest = &run
		}
	}
	return latest, nil
}

// MarketStore is an in-memory marketdata.Store seeded by tests.
type MarketStore struct {
	mu   sync.RWMutex
	bars map[string]map[time.Time]marketdata.Bar
}

// NewMarketStore returns an empty market data store.
func NewMarketStore() *MarketStore {
	return &MarketStore{bars: make(map[string]map[time.Time]marketdata.Bar)}
}

// SetClose seeds one closing price.
func (m *MarketStore) SetClose(symbol string, date time.Time, close float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := domain.Day(date)
	if m.bars[symbol] == nil {
		m.bars[symbol] = make(map[time.Time]marketdata.Bar)
	}
	m.bars[symbol][d] = marketdata.Bar{Symbol: symbol, Date: d, Close: close}
}

func (m *MarketStore) Close(ctx context.Context, symbol string, date time.Time) (float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	bar, ok := m.bars[symbol][domain.Day(date)]
	if !ok {
		return 0, marketdata.ErrNoPrice
	}
	return bar.Close, nil
}

func (m *MarketStore) Closes(ctx context.Context, symbol string, from, to time.Time) ([]marketdata.Bar, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []marketdata.Bar
	for _, bar := range m.bars[symbol] {
		if !bar.Date.Before(from) && !bar.Date.After(to) {
			out = append(out, bar)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Date.Before(out[j].Date) })
	return out, nil
}

func (m *MarketStore) Count(ctx context.Context, symbols []string, from, to time.Time) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, symbol := range symbols {
		for _, bar := range m.bars[symbol] {
			if !bar.Date.Before(from) && !bar.Date.After(to) {
				n++
			}
		}
	}
	return n, nil
}
