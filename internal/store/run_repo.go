package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/JakeFAU/checkout-crawler/internal/crawler"
)

// ErrNotFound signals that the requested run does not exist.
var ErrNotFound = errors.New("run not found")

// RunStatus mirrors the crawl_runs.status column.
type RunStatus string

// Run statuses persisted in crawl_runs.status.
const (
	RunRunning     RunStatus = "running"
	RunFinished    RunStatus = "finished"
	RunInterrupted RunStatus = "interrupted"
)

// Run models one row of crawl_runs plus its per-status site counts.
type Run struct {
	ID         uuid.UUID
	StartedAt  time.Time
	FinishedAt *time.Time
	Status     RunStatus
	Note       *string
	// Sites counts finished sites by status.
	Sites map[crawler.Status]int64
}

// RunRepository persists run progress.
type RunRepository interface {
	// StartRun inserts the run as running; repeated calls are idempotent.
	StartRun(ctx context.Context, runID uuid.UUID, startedAt time.Time) error
	// FinishRun records the end of the run.
	FinishRun(ctx context.Context, runID uuid.UUID, finishedAt time.Time, status RunStatus, note *string) error
	// AddSiteOutcomes adds delta finished sites with status to the run.
	AddSiteOutcomes(ctx context.Context, runID uuid.UUID, status crawler.Status, delta int64, at time.Time) error
	// GetRun loads a run or returns ErrNotFound.
	GetRun(ctx context.Context, runID uuid.UUID) (Run, error)
}
