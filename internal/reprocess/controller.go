// Package reprocess replays the batch pipeline over historical date
// ranges after calculation logic changes, without touching the market
// data cache or double-counting derived rows.
package reprocess

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/exposure"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/pipeline"
)

// Options configures one reprocessing invocation.
type Options struct {
	From time.Time
	To   time.Time

	// PortfolioIDs limits the run; empty means every portfolio.
	PortfolioIDs []int64

	// DryRun executes every engine but commits nothing.
	DryRun bool

	// MaxDates caps the number of trading days, for testing.
	MaxDates int

	// IncludeToday processes today as well. Normally excluded: the live
	// path is assumed to have computed today already.
	IncludeToday bool

	// Force bypasses the run tracker's busy check.
	Force bool

	// Pace limits units per second; zero means unlimited.
	Pace float64
}

// Outcome is the per-portfolio result of a reprocessing invocation.
type Outcome struct {
	PortfolioID int64
	Succeeded   int
	Failed      int
	Err         error // fatal error before replay (deletion, busy check)
}

// Controller drives historical reprocessing: baseline reset, FK-safe
// deletion of derived rows, then an ascending replay of the orchestrator
// over every trading day in range.
type Controller struct {
	repos     persistence.Repository
	orch      *pipeline.Orchestrator
	tracker   *pipeline.Tracker
	exposures *exposure.Service
}

// NewController wires a reprocessing controller.
func NewController(repos persistence.Repository, orch *pipeline.Orchestrator, tracker *pipeline.Tracker, exposures *exposure.Service) *Controller {
	return &Controller{repos: repos, orch: orch, tracker: tracker, exposures: exposures}
}

// Run reprocesses the configured range for every selected portfolio.
// Per-portfolio failures do not abort the other portfolios.
func (c *Controller) Run(ctx context.Context, opts Options) ([]Outcome, error) {
	dates := c.dates(opts)
	if len(dates) == 0 {
		return nil, fmt.Errorf("reprocess: no trading days in range %s..%s",
			opts.From.Format("2006-01-02"), opts.To.Format("2006-01-02"))
	}

	portfolios, err := c.portfolios(ctx, opts)
	if err != nil {
		return nil, err
	}

	var limiter *rate.Limiter
	if opts.Pace > 0 {
		limiter = rate.NewLimiter(rate.Limit(opts.Pace), 1)
	}

	outcomes := make([]Outcome, 0, len(portfolios))
	for _, portfolio := range portfolios {
		outcome := c.runPortfolio(ctx, portfolio, dates, opts, limiter)
		outcomes = append(outcomes, outcome)

		if outcome.Err != nil {
			log.Error().Err(outcome.Err).
				Int64("portfolio", portfolio.ID).
				Msg("Reprocessing aborted for portfolio")
			continue
		}
		log.Info().
			Int64("portfolio", portfolio.ID).
			Int("succeeded", outcome.Succeeded).
			Int("failed", outcome.Failed).
			Msgf("Reprocessing finished: %d/%d successful", outcome.Succeeded, outcome.Succeeded+outcome.Failed)
	}

	return outcomes, nil
}

func (c *Controller) runPortfolio(ctx context.Context, portfolio domain.Portfolio, dates []time.Time, opts Options, limiter *rate.Limiter) Outcome {
	outcome := Outcome{PortfolioID: portfolio.ID}

	run, err := c.tracker.TryStart(portfolio.ID, len(dates), opts.Force)
	if err != nil {
		outcome.Err = err
		return outcome
	}
	if err := c.repos.Runs.Upsert(ctx, run.Record()); err != nil {
		log.Error().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to persist batch run record")
	}

	dr := persistence.DateRange{From: dates[0], To: dates[len(dates)-1]}

	// Baseline: the snapshot just before the range, else the persisted
	// baseline a previous reprocess anchored, else starting equity.
	baseline := portfolio.StartingEquity
	if prev, err := c.repos.Derived.GetSnapshot(ctx, portfolio.ID, calendar.PrevTradingDay(dates[0])); err == nil && prev != nil {
		baseline = prev.Equity
	} else if stored, err := c.repos.Portfolios.BaselineEquity(ctx, portfolio.ID); err == nil && stored != nil {
		baseline = *stored
	}

	if !opts.DryRun {
		if err := c.repos.Portfolios.SetBaselineEquity(ctx, portfolio.ID, baseline); err != nil {
			c.tracker.Fail(run, err.Error())
			outcome.Err = fmt.Errorf("reset baseline equity: %w", err)
			return outcome
		}

		// Deletion-phase errors are fatal for the portfolio: a partial
		// delete leaves the rerun inconsistent.
		if err := c.repos.Derived.DeleteRange(ctx, portfolio.ID, dr); err != nil {
			c.tracker.Fail(run, err.Error())
			outcome.Err = fmt.Errorf("delete derived rows: %w", err)
			return outcome
		}
	}

	// Drop cached exposures for every date about to be recomputed so
	// stale math cannot outlive the replay.
	for _, date := range dates {
		if err := c.exposures.Invalidate(ctx, portfolio.ID, date); err != nil {
			log.Warn().Err(err).
				Int64("portfolio", portfolio.ID).
				Time("date", date).
				Msg("Failed to invalidate exposure cache entry")
		}
	}

	summary := c.orch.RunDates(ctx, portfolio, dates, baseline, limiter)
	outcome.Succeeded = summary.Succeeded
	outcome.Failed = summary.Failed

	if outcome.Failed > 0 {
		c.tracker.Fail(run, fmt.Sprintf("%d failed units", outcome.Failed))
	} else {
		c.tracker.Complete(run)
	}
	if status, ok := c.tracker.Status(portfolio.ID); ok {
		if err := c.repos.Runs.Upsert(ctx, status.Record()); err != nil {
			log.Error().Err(err).Int64("portfolio", portfolio.ID).Msg("Failed to persist batch run record")
		}
	}

	return outcome
}

// dates resolves the trading-day list for the options.
func (c *Controller) dates(opts Options) []time.Time {
	to := domain.Day(opts.To)
	today := domain.Day(time.Now().UTC())
	if !opts.IncludeToday && !to.Before(today) {
		to = today.AddDate(0, 0, -1)
	}

	dates := calendar.TradingDays(domain.Day(opts.From), to)
	if opts.MaxDates > 0 && len(dates) > opts.MaxDates {
		dates = dates[:opts.MaxDates]
	}
	return dates
}

func (c *Controller) portfolios(ctx context.Context, opts Options) ([]domain.Portfolio, error) {
	if len(opts.PortfolioIDs) == 0 {
		portfolios, err := c.repos.Portfolios.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("list portfolios: %w", err)
		}
		return portfolios, nil
	}

	var portfolios []domain.Portfolio
	for _, id := range opts.PortfolioIDs {
		p, err := c.repos.Portfolios.Get(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load portfolio %d: %w", id, err)
		}
		if p == nil {
			return nil, fmt.Errorf("portfolio %d not found", id)
		}
		portfolios = append(portfolios, *p)
	}
	return portfolios, nil
}
