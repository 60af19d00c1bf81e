// Package pipeline sequences the calculation engines over (portfolio,
// date) units and tracks run state.
package pipeline

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantfolio/quantfolio/internal/persistence"
)

// ErrRunActive rejects a trigger while a run is already executing for
// the portfolio. Callers may bypass with an explicit force override.
var ErrRunActive = errors.New("pipeline: batch run already active for portfolio")

// Run is the in-memory state of one batch run. The tracker is the
// advisory mutual-exclusion mechanism between runs; derived-row writes
// stay idempotent upserts so a forced overlap cannot corrupt state.
type Run struct {
	ID          uuid.UUID             `json:"id"`
	PortfolioID int64                 `json:"portfolio_id"`
	Status      persistence.RunStatus `json:"status"`
	StartedAt   time.Time             `json:"started_at"`
	FinishedAt  time.Time             `json:"finished_at"`
	Stage       string                `json:"stage"`
	JobIndex    int                   `json:"job_index"`
	JobCount    int                   `json:"job_count"`
	Error       string                `json:"error,omitempty"`
}

// PercentComplete reports job progress as 0-100.
func (r Run) PercentComplete() float64 {
	if r.JobCount == 0 {
		return 0
	}
	return 100 * float64(r.JobIndex) / float64(r.JobCount)
}

// Elapsed reports wall time since the run started.
func (r Run) Elapsed() time.Duration {
	if !r.FinishedAt.IsZero() {
		return r.FinishedAt.Sub(r.StartedAt)
	}
	return time.Since(r.StartedAt)
}

// Tracker is an explicit run registry keyed by portfolio id with
// check-and-set start semantics. It replaces ambient global run flags.
type Tracker struct {
	mu   sync.Mutex
	runs map[int64]*Run
}

// NewTracker creates an empty run registry.
func NewTracker() *Tracker {
	return &Tracker{runs: make(map[int64]*Run)}
}

// TryStart registers a new run for the portfolio. It fails with
// ErrRunActive while a run is executing unless force is set.
func (t *Tracker) TryStart(portfolioID int64, jobCount int, force bool) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.runs[portfolioID]; ok && existing.Status == persistence.RunRunning && !force {
		return nil, fmt.Errorf("%w: run %s started %s", ErrRunActive, existing.ID, existing.StartedAt.Format(time.RFC3339))
	}
	return t.start(portfolioID, jobCount), nil
}

// TryStartAll registers runs for every portfolio, or none: a single busy
// portfolio rejects the whole batch before anything starts, unless force
// is set.
func (t *Tracker) TryStartAll(portfolioIDs []int64, jobCount int, force bool) ([]*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !force {
		for _, id := range portfolioIDs {
			if existing, ok := t.runs[id]; ok && existing.Status == persistence.RunRunning {
				return nil, fmt.Errorf("%w: portfolio %d run %s started %s",
					ErrRunActive, id, existing.ID, existing.StartedAt.Format(time.RFC3339))
			}
		}
	}

	runs := make([]*Run, len(portfolioIDs))
	for i, id := range portfolioIDs {
		runs[i] = t.start(id, jobCount)
	}
	return runs, nil
}

func (t *Tracker) start(portfolioID int64, jobCount int) *Run {
	run := &Run{
		ID:          uuid.New(),
		PortfolioID: portfolioID,
		Status:      persistence.RunRunning,
		StartedAt:   time.Now().UTC(),
		JobCount:    jobCount,
	}
	t.runs[portfolioID] = run
	return run
}

// Progress records the completed-job index (dates for a reprocessing
// run, stages for a single-date run).
func (t *Tracker) Progress(portfolioID int64, jobIndex int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[portfolioID]; ok {
		run.JobIndex = jobIndex
	}
}

// SetStage records the name of the currently executing engine stage.
func (t *Tracker) SetStage(portfolioID int64, stage string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[portfolioID]; ok {
		run.Stage = stage
	}
}

// Complete marks the run as finished successfully.
func (t *Tracker) Complete(run *Run) {
	t.finish(run, persistence.RunCompleted, "")
}

// Fail marks the run as failed with a reason.
func (t *Tracker) Fail(run *Run, reason string) {
	t.finish(run, persistence.RunFailed, reason)
}

// finish resolves by run id, not portfolio id: a run superseded by a
// forced restart must not stomp its replacement's record.
func (t *Tracker) finish(run *Run, status persistence.RunStatus, reason string) {
	if run == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.runs[run.PortfolioID]
	if !ok || current.ID != run.ID {
		return
	}
	current.Status = status
	current.Error = reason
	current.FinishedAt = time.Now().UTC()
	if status == persistence.RunCompleted {
		current.JobIndex = current.JobCount
	}
}

// Status returns a copy of the portfolio's run state, if any.
func (t *Tracker) Status(portfolioID int64) (Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if run, ok := t.runs[portfolioID]; ok {
		return *run, true
	}
	return Run{}, false
}

// Active returns copies of all currently running runs.
func (t *Tracker) Active() []Run {
	t.mu.Lock()
	defer t.mu.Unlock()
	var active []Run
	for _, run := range t.runs {
		if run.Status == persistence.RunRunning {
			active = append(active, *run)
		}
	}
	return active
}

// Record converts a run to its persisted form.
func (r Run) Record() persistence.BatchRun {
	rec := persistence.BatchRun{
		ID:           r.ID,
		PortfolioID:  r.PortfolioID,
		Status:       r.Status,
		StartedAt:    r.StartedAt,
		CurrentStage: r.Stage,
		JobIndex:     r.JobIndex,
		JobCount:     r.JobCount,
		Error:        r.Error,
	}
	if !r.FinishedAt.IsZero() {
		finished := r.FinishedAt
		rec.FinishedAt = &finished
	}
	return rec
}
