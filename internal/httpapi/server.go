// Package httpapi exposes the batch trigger and status endpoints plus
// health and metrics.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/quantfolio/quantfolio/internal/calendar"
	"github.com/quantfolio/quantfolio/internal/domain"
	"github.com/quantfolio/quantfolio/internal/metrics"
	"github.com/quantfolio/quantfolio/internal/persistence"
	"github.com/quantfolio/quantfolio/internal/pipeline"
)

// Server serves batch control endpoints over HTTP.
type Server struct {
	router  *mux.Router
	server  *http.Server
	orch    *pipeline.Orchestrator
	tracker *pipeline.Tracker
	repos   persistence.Repository
}

// NewServer wires the routes. listen is the bind address, e.g. ":8087".
func NewServer(listen string, orch *pipeline.Orchestrator, tracker *pipeline.Tracker, repos persistence.Repository, reg *metrics.Registry) *Server {
	s := &Server{
		router:  mux.NewRouter(),
		orch:    orch,
		tracker: tracker,
		repos:   repos,
	}

	s.router.Use(s.loggingMiddleware)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/batch/run", s.handleBatchRun).Methods("POST")
	api.HandleFunc("/batch/status/{portfolio}", s.handleBatchStatus).Methods("GET")

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")
	s.router.Handle("/metrics", reg.Handler()).Methods("GET")

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// ListenAndServe blocks until the server stops.
func (s *Server) ListenAndServe() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	return s.server.ListenAndServe()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

type batchRunResponse struct {
	Date       string             `json:"date"`
	Portfolios []int64            `json:"portfolios"`
	Summaries  []pipeline.Summary `json:"summaries"`
}

// handleBatchRun triggers a batch for one or all portfolios on the most
// recent completed trading day (or an explicit ?date=YYYY-MM-DD). The
// batch runs synchronously; a busy portfolio yields 409 unless ?force=true.
func (s *Server) handleBatchRun(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	date := calendar.PrevTradingDay(domain.Day(time.Now().UTC()))
	if raw := r.URL.Query().Get("date"); raw != "" {
		parsed, err := time.Parse("2006-01-02", raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid date, want YYYY-MM-DD")
			return
		}
		date = domain.Day(parsed)
	}

	force := r.URL.Query().Get("force") == "true"

	portfolios, err := s.selectPortfolios(ctx, r.URL.Query().Get("portfolio"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if len(portfolios) == 0 {
		writeError(w, http.StatusNotFound, "no matching portfolios")
		return
	}

	summaries, err := s.orch.RunBatch(ctx, portfolios, date, force)
	if err != nil {
		if errors.Is(err, pipeline.ErrRunActive) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ids := make([]int64, len(portfolios))
	for i, p := range portfolios {
		ids[i] = p.ID
	}
	writeJSON(w, http.StatusOK, batchRunResponse{
		Date:       date.Format("2006-01-02"),
		Portfolios: ids,
		Summaries:  summaries,
	})
}

type batchStatusResponse struct {
	PortfolioID     int64      `json:"portfolio_id"`
	Status          string     `json:"status"`
	Stage           string     `json:"stage,omitempty"`
	JobIndex        int        `json:"job_index"`
	JobCount        int        `json:"job_count"`
	PercentComplete float64    `json:"percent_complete"`
	ElapsedSeconds  float64    `json:"elapsed_seconds"`
	StartedAt       time.Time  `json:"started_at"`
	FinishedAt      *time.Time `json:"finished_at,omitempty"`
	Error           string     `json:"error,omitempty"`
}

// handleBatchStatus reports the live tracker state when present, falling
// back to the last persisted run record.
func (s *Server) handleBatchStatus(w http.ResponseWriter, r *http.Request) {
	portfolioID, err := strconv.ParseInt(mux.Vars(r)["portfolio"], 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid portfolio id")
		return
	}

	if run, ok := s.tracker.Status(portfolioID); ok {
		rec := run.Record()
		writeJSON(w, http.StatusOK, batchStatusResponse{
			PortfolioID:     portfolioID,
			Status:          string(rec.Status),
			Stage:           rec.CurrentStage,
			JobIndex:        rec.JobIndex,
			JobCount:        rec.JobCount,
			PercentComplete: run.PercentComplete(),
			ElapsedSeconds:  run.Elapsed().Seconds(),
			StartedAt:       rec.StartedAt,
			FinishedAt:      rec.FinishedAt,
			Error:           rec.Error,
		})
		return
	}

	rec, err := s.repos.Runs.Latest(r.Context(), portfolioID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if rec == nil {
		writeJSON(w, http.StatusOK, batchStatusResponse{
			PortfolioID: portfolioID,
			Status:      string(persistence.RunNotStarted),
		})
		return
	}

	// Same formula as the live Run.PercentComplete so a run reads the
	// same from either path.
	percent := 0.0
	if rec.JobCount > 0 {
		percent = 100 * float64(rec.JobIndex) / float64(rec.JobCount)
	}
	elapsed := 0.0
	if rec.FinishedAt != nil {
		elapsed = rec.FinishedAt.Sub(rec.StartedAt).Seconds()
	}
	writeJSON(w, http.StatusOK, batchStatusResponse{
		PortfolioID:     portfolioID,
		Status:          string(rec.Status),
		Stage:           rec.CurrentStage,
		JobIndex:        rec.JobIndex,
		JobCount:        rec.JobCount,
		PercentComplete: percent,
		ElapsedSeconds:  elapsed,
		StartedAt:       rec.StartedAt,
		FinishedAt:      rec.FinishedAt,
		Error:           rec.Error,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.tracker.Active()),
	})
}

func (s *Server) selectPortfolios(ctx context.Context, raw string) ([]domain.Portfolio, error) {
	if raw == "" {
		return s.repos.Portfolios.List(ctx)
	}

	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, errors.New("invalid portfolio id")
	}
	p, err := s.repos.Portfolios.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, nil
	}
	return []domain.Portfolio{*p}, nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Msg("Failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
