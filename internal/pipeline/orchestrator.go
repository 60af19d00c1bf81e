package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/engines"
	"github.com/quantfolio/quantfolio/internal/metrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
)

// Orchestrator runs the fourteen engines in dependency order for each
// (portfolio, date) unit and commits the unit's derived rows in one
// transaction. Unit failures are isolated: a bad day is logged and
// counted, later days still run.
type Orchestrator struct {
	engines []engines.Engine
	deps    engines.Deps
	repos   persistence.Repository
	tracker *Tracker
	metrics *metrics.Registry

	// Factor reference data, loaded once per run from the repository with
	// the configured definitions as fallback.
	factorsOnce sync.Once
	factors     []domain.FactorDefinition
	spreads     []domain.SpreadFactorDefinition

	// DryRun computes every engine but never commits derived rows.
	DryRun bool
}

// Summary is the per-portfolio roll-up of a batch of units.
type Summary struct {
	PortfolioID int64 `json:"portfolio_id"`
	Succeeded   int   `json:"succeeded"`
	Failed      int   `json:"failed"`
}

func (s Summary) String() string {
	return fmt.Sprintf("portfolio %d: %d/%d successful", s.PortfolioID, s.Succeeded, s.Succeeded+s.Failed)
}

// NewOrchestrator wires the engine chain.
func NewOrchestrator(deps engines.Deps, repos persistence.Repository, tracker *Tracker, reg *metrics.Registry) *Orchestrator {
	return &Orchestrator{
		engines: engines.Ordered(deps),
		deps:    deps,
		repos:   repos,
		tracker: tracker,
		metrics: reg,
	}
}

// StageCount returns the number of engine stages per unit.
func (o *Orchestrator) StageCount() int { return len(o.engines) }

// factorDefinitions loads factor reference data from the repository once
// per run. An empty or failing repository falls back to the configured
// definitions so a fresh database still produces factor analytics.
func (o *Orchestrator) factorDefinitions(ctx context.Context) ([]domain.FactorDefinition, []domain.SpreadFactorDefinition) {
	o.factorsOnce.Do(func() {
		o.factors = o.deps.Config.Factors
		o.spreads = o.deps.Config.SpreadFactors

		factors, err := o.repos.Factors.Factors(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load factor definitions; using configured defaults")
			return
		}
		if len(factors) == 0 {
			return
		}
		o.factors = factors

		spreads, err := o.repos.Factors.SpreadFactors(ctx)
		if err != nil {
			log.Warn().Err(err).Msg("Failed to load spread factor definitions; using configured defaults")
			return
		}
		o.spreads = spreads
	})
	return o.factors, o.spreads
}

// RunUnit executes every engine for one unit and commits the result.
// prevSnapshot carries the rollforward chain across units within a
// portfolio; it may be nil for the first date of a range.
func (o *Orchestrator) RunUnit(ctx context.Context, portfolio domain.Portfolio, positions []domain.Position, date time.Time, prevSnapshot *persistence.Snapshot, baseline float64) (*persistence.UnitResult, error) {
	st := engines.NewState(portfolio, positions, date, calendar.PrevTradingDay(date))
	st.PrevSnapshot = prevSnapshot
	st.BaselineEquity = baseline
	st.Factors, st.SpreadFactors = o.factorDefinitions(ctx)

	for _, engine := range o.engines {
		o.tracker.SetStage(portfolio.ID, engine.Name())

		start := time.Now()
		err := engine.Run(ctx, st)
		elapsed := time.Since(start)

		result := "success"
		if err != nil {
			result = "error"
		}
		o.metrics.StageDuration.WithLabelValues(engine.Name(), result).Observe(elapsed.Seconds())

		if err != nil {
			return nil, fmt.Errorf("portfolio %d date %s stage %s: %w",
				portfolio.ID, date.Format("2006-01-02"), engine.Name(), err)
		}
	}

	if st.ExposureCacheHit {
		o.metrics.ExposureCacheHits.Inc()
	} else {
		o.metrics.ExposureCacheMisses.Inc()
	}

	if !o.DryRun {
		if err := o.repos.Derived.CommitUnit(ctx, st.Result); err != nil {
			return nil, fmt.Errorf("portfolio %d date %s commit: %w",
				portfolio.ID, date.Format("2006-01-02"), err)
		}
	}

	return &st.Result, nil
}

// RunDates replays a portfolio over an ascending list of trading days,
// chaining each day's snapshot into the next day's rollforward. Date
// progression within a portfolio is strictly serial. A non-nil limiter
// paces unit starts.
func (o *Orchestrator) RunDates(ctx context.Context, portfolio domain.Portfolio, dates []time.Time, baseline float64, limiter *rate.Limiter) Summary {
	summary := Summary{PortfolioID: portfolio.ID}
	if len(dates) == 0 {
		return summary
	}

	positions, err := o.repos.Portfolios.Positions(ctx, portfolio.ID)
	if err != nil {
		log.Error().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to load positions")
		summary.Failed = len(dates)
		return summary
	}

	// Seed the rollforward chain from the snapshot preceding the range,
	// when one exists.
	prevSnapshot, err := o.repos.Derived.GetSnapshot(ctx, portfolio.ID, calendar.PrevTradingDay(dates[0]))
	if err != nil {
		log.Warn().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to load prior snapshot; using baseline equity")
		prevSnapshot = nil
	}

	for i, date := range dates {
		if limiter != nil {
			if err := limiter.Wait(ctx); err != nil {
				summary.Failed += len(dates) - i
				return summary
			}
		}
		o.tracker.Progress(portfolio.ID, i)
		unit, err := o.RunUnit(ctx, portfolio, positions, date, prevSnapshot, baseline)
		if err != nil {
			summary.Failed++
			o.metrics.UnitsProcessed.WithLabelValues("error").Inc()
			log.Error().Err(err).
				Int64("portfolio", portfolio.ID).
				Time("date", date).
				Msg("Unit failed; continuing with remaining dates")
			continue
		}
		summary.Succeeded++
		o.metrics.UnitsProcessed.WithLabelValues("success").Inc()
		prevSnapshot = unit.Snapshot
	}

	return summary
}

// RunBatch runs one date for a set of portfolios concurrently. Portfolios
// have no ordering dependency on each other; only dates within a
// portfolio are serialized. A busy portfolio rejects the whole batch
// before any run launches, so the returned summaries always cover every
// run that actually started.
func (o *Orchestrator) RunBatch(ctx context.Context, portfolios []domain.Portfolio, date time.Time, force bool) ([]Summary, error) {
	ids := make([]int64, len(portfolios))
	for i, p := range portfolios {
		ids[i] = p.ID
	}
	runs, err := o.tracker.TryStartAll(ids, 1, force)
	if err != nil {
		return nil, err
	}

	summaries := make([]Summary, len(portfolios))
	var wg sync.WaitGroup

	for i, portfolio := range portfolios {
		run := runs[i]
		if err := o.repos.Runs.Upsert(ctx, run.Record()); err != nil {
			log.Error().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to persist batch run record")
		}

		wg.Add(1)
		go func(i int, portfolio domain.Portfolio, run *Run) {
			defer wg.Done()

			o.metrics.ActiveRuns.Inc()
			defer o.metrics.ActiveRuns.Dec()

			summary := o.RunDates(ctx, portfolio, []time.Time{date}, portfolio.StartingEquity, nil)
			summaries[i] = summary

			if summary.Failed > 0 {
				o.tracker.Fail(run, fmt.Sprintf("%d failed units", summary.Failed))
				o.metrics.RunsTotal.WithLabelValues("failed").Inc()
			} else {
				o.tracker.Complete(run)
				o.metrics.RunsTotal.WithLabelValues("completed").Inc()
			}

			if status, ok := o.tracker.Status(portfolio.ID); ok {
				if err := o.repos.Runs.Upsert(ctx, status.Record()); err != nil {
					log.Error().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to persist batch run record")
				}
			}
		}(i, portfolio, run)
	}

	wg.Wait()
	return summaries, nil
}
