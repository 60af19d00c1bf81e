package main

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/config"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/engines"
	"github.com/quantfolio/quantfolio/internal/exposure"
	"github.com/quantfolio/quantfolio/internal/marketdata"
	"github.com/quantfolio/quantfolio/internal/metrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/persistence/postgres"
	"github.com/quantfolio/quantfolio/internal/pipeline"
	"github.com/quantfolio/quantfolio/internal/reprocess"
)

// app holds the fully wired pipeline for one command invocation.
type app struct {
	cfg        *config.Config
	repos      persistence.Repository
	tracker    *pipeline.Tracker
	metrics    *metrics.Registry
	orch       *pipeline.Orchestrator
	controller *reprocess.Controller
	exposures  *exposure.Service

	cleanup []func()
}

// newApp loads configuration and wires the database, cache, engines, and
// orchestrator.
func newApp() (*app, error) {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	db, err := postgres.Open(cfg.Database)
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg}
	a.cleanup = append(a.cleanup, func() { db.Close() })

	timeout := cfg.Database.Timeout()
	a.repos = postgres.NewRepository(db, timeout)
	market := postgres.NewMarketStore(db, timeout)

	var cache exposure.Cache
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.cleanup = append(a.cleanup, func() { client.Close() })
		cache = exposure.NewRedisCache(client)
		log.Info().Str("addr", cfg.Redis.Addr).Msg("Using Redis exposure cache")
	} else {
		ttl := exposure.NewTTLCache()
		a.cleanup = append(a.cleanup, ttl.Stop)
		cache = ttl
	}
	a.exposures = exposure.NewService(cache, cfg.Cache.ExposureTTL())

	a.metrics = metrics.NewRegistry()
	a.tracker = pipeline.NewTracker()

	deps := engines.Deps{
		Market:     marketdata.NewFallbackStore(market, nil),
		Exposures:  a.exposures,
		Portfolios: a.repos.Portfolios,
		Derived:    a.repos.Derived,
		Config:     cfg,
	}

	a.orch = pipeline.NewOrchestrator(deps, a.repos, a.tracker, a.metrics)
	a.controller = reprocess.NewController(a.repos, a.orch, a.tracker, a.exposures)

	return a, nil
}

// selectPortfolios resolves the --portfolio flag: zero means all.
func selectPortfolios(ctx context.Context, a *app, portfolioID int64) ([]domain.Portfolio, error) {
	if portfolioID == 0 {
		portfolios, err := a.repos.Portfolios.List(ctx)
		if err != nil {
			return nil, err
		}
		if len(portfolios) == 0 {
			return nil, fmt.Errorf("no portfolios configured")
		}
		return portfolios, nil
	}

	p, err := a.repos.Portfolios.Get(ctx, portfolioID)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("portfolio %d not found", portfolioID)
	}
	return []domain.Portfolio{*p}, nil
}

func (a *app) close() {
	for i := len(a.cleanup) - 1; i >= 0; i-- {
		a.cleanup[i]()
	}
}
